package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"
)

var (
	// ErrInvalidToken is returned for malformed, expired or forged tokens.
	ErrInvalidToken = errors.New("invalid token")
	// ErrMissingSecret is returned when a validator is built without a key.
	ErrMissingSecret = errors.New("jwt secret is required")
)

// Identity is the authenticated principal behind a token.
type Identity struct {
	UserID    string
	ExpiresAt time.Time
}

// TokenValidator turns a bearer credential into an Identity.
type TokenValidator interface {
	Validate(ctx context.Context, token string) (*Identity, error)
}

// JWTValidator validates HS256 tokens signed with a shared secret.
type JWTValidator struct {
	secret []byte
	issuer string
	leeway time.Duration
}

var _ TokenValidator = (*JWTValidator)(nil)

// NewJWTValidator creates a validator. An empty issuer accepts any issuer.
func NewJWTValidator(secret, issuer string) (*JWTValidator, error) {
	if secret == "" {
		return nil, ErrMissingSecret
	}
	return &JWTValidator{secret: []byte(secret), issuer: issuer, leeway: 30 * time.Second}, nil
}

// Validate checks signature, expiry and issuer and returns the subject.
func (v *JWTValidator) Validate(_ context.Context, token string) (*Identity, error) {
	if token == "" {
		return nil, fmt.Errorf("%w: empty token", ErrInvalidToken)
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(v.leeway),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	claims := &jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, opts...)
	if err != nil || !parsed.Valid {
		logrus.WithFields(logrus.Fields{
			"function": "Validate",
			"error":    fmt.Sprint(err),
		}).Debug("Rejected bearer token")
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}

	id := &Identity{UserID: claims.Subject}
	if claims.ExpiresAt != nil {
		id.ExpiresAt = claims.ExpiresAt.Time
	}
	return id, nil
}

// Issue signs a token for userID valid for ttl. Used by tests and tooling;
// production tokens come from the account service.
func (v *JWTValidator) Issue(userID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		Issuer:    v.issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}
