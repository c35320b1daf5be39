package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/flynn/noise"
)

// ErrInvalidKey is returned for key material of the wrong size or an
// all-zero private key.
var ErrInvalidKey = errors.New("invalid key material")

// KeyPair is a user's long-lived X25519 key pair.
type KeyPair struct {
	UserID    string
	Public    [32]byte
	Private   [32]byte
	CreatedAt time.Time
}

// NewKeyPair generates a fresh X25519 key pair for userID, reading entropy
// from random (crypto/rand when nil).
func NewKeyPair(userID string, random io.Reader, now time.Time) (*KeyPair, error) {
	if random == nil {
		random = rand.Reader
	}
	dh, err := noise.DH25519.GenerateKeypair(random)
	if err != nil {
		return nil, fmt.Errorf("generate x25519 key pair: %w", err)
	}
	defer ZeroBytes(dh.Private)

	if len(dh.Private) != 32 || len(dh.Public) != 32 {
		return nil, fmt.Errorf("%w: unexpected key length", ErrInvalidKey)
	}
	kp := &KeyPair{UserID: userID, CreatedAt: now}
	copy(kp.Public[:], dh.Public)
	copy(kp.Private[:], dh.Private)
	if isZeroKey(kp.Private) {
		return nil, fmt.Errorf("%w: all-zero private key", ErrInvalidKey)
	}
	return kp, nil
}

// Fingerprint identifies the public key without revealing it in full.
func (kp *KeyPair) Fingerprint() string {
	return PublicKeyFingerprint(kp.Public)
}

// PublicKeyFingerprint returns the first 8 bytes of SHA-256(pub) in hex.
func PublicKeyFingerprint(pub [32]byte) string {
	sum := sha256.Sum256(pub[:])
	return hex.EncodeToString(sum[:8])
}

func isZeroKey(key [32]byte) bool {
	var acc byte
	for _, b := range key {
		acc |= b
	}
	return acc == 0
}
