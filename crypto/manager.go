package crypto

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/opd-ai/chatcore/apperr"
	"github.com/opd-ai/chatcore/interfaces"
)

// messageKeyLabel domain-separates per-message keys.
const messageKeyLabel = "MESSAGE_KEY"

var (
	// ErrAuthentication is returned when a ciphertext fails its tag check.
	ErrAuthentication = errors.New("message authentication failed")
	// ErrSessionNotFound is returned when a session is not in the store.
	ErrSessionNotFound = errors.New("session not found")
	// ErrInvalidUser is returned for empty user ids and ids containing the
	// session id separator.
	ErrInvalidUser = errors.New("invalid user id")
	// ErrStaleSession is returned by Encrypt when the caller's session key
	// no longer matches the stored one, after Rotate or re-derivation.
	ErrStaleSession = errors.New("session key is out of date")
)

// Config holds store retention for sessions and key pairs.
type Config struct {
	SessionTTL time.Duration
	KeyPairTTL time.Duration
}

// DefaultConfig returns 24h sessions and 30 day key pairs.
func DefaultConfig() Config {
	return Config{SessionTTL: DefaultSessionTTL, KeyPairTTL: DefaultKeyPairTTL}
}

// Option customises a Manager.
type Option func(*Manager)

// WithTimeProvider replaces the clock used for timestamps.
func WithTimeProvider(tp TimeProvider) Option {
	return func(m *Manager) { m.clock = tp }
}

// WithRandom replaces the entropy source used for keys and nonces.
func WithRandom(r io.Reader) Option {
	return func(m *Manager) { m.random = r }
}

// Manager owns user key pairs and pairwise sessions in a KeyValueStore.
type Manager struct {
	kv     interfaces.KeyValueStore
	cfg    Config
	clock  TimeProvider
	random io.Reader

	// locks serialises encrypt and rotate per session within this process.
	locks sync.Map
}

// NewManager creates a Manager. Zero TTLs fall back to the defaults.
func NewManager(kv interfaces.KeyValueStore, cfg Config, opts ...Option) *Manager {
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = DefaultSessionTTL
	}
	if cfg.KeyPairTTL <= 0 {
		cfg.KeyPairTTL = DefaultKeyPairTTL
	}
	m := &Manager{kv: kv, cfg: cfg, clock: DefaultTimeProvider{}, random: rand.Reader}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) sessionLock(id string) *sync.Mutex {
	mu, _ := m.locks.LoadOrStore(id, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// GenerateKeyPair creates and stores a new key pair for userID, replacing
// any previous one. Sessions derived from the old pair are re-derived on
// their next GetOrCreateSession.
func (m *Manager) GenerateKeyPair(ctx context.Context, userID string) (*KeyPair, error) {
	if err := validateUserID(userID); err != nil {
		return nil, err
	}
	kp, err := NewKeyPair(userID, m.random, m.clock.Now())
	if err != nil {
		return nil, apperr.Internal("key generation failed", err)
	}
	if err := m.saveKeyPair(ctx, kp); err != nil {
		return nil, err
	}
	NewLogger("GenerateKeyPair").
		WithField("user_id", userID).
		WithField("fingerprint", kp.Fingerprint()).
		Info("Generated key pair")
	return kp, nil
}

// PublicKey returns the stored public key of userID.
func (m *Manager) PublicKey(ctx context.Context, userID string) ([32]byte, error) {
	kp, err := m.loadKeyPair(ctx, userID)
	if err != nil {
		return [32]byte{}, err
	}
	defer WipeKeyPair(kp)
	return kp.Public, nil
}

// GetOrCreateSession returns the session between userA and userB, deriving
// it by ECDH when it is absent or was derived from a key pair that has since
// been replaced. Missing key pairs are generated.
func (m *Manager) GetOrCreateSession(ctx context.Context, userA, userB string) (*Session, error) {
	if err := validateUserID(userA); err != nil {
		return nil, err
	}
	if err := validateUserID(userB); err != nil {
		return nil, err
	}
	id := SessionID(userA, userB)
	first, second := userA, userB
	if first > second {
		first, second = second, first
	}

	mu := m.sessionLock(id)
	mu.Lock()
	defer mu.Unlock()

	kpA, err := m.keyPairOrGenerate(ctx, first)
	if err != nil {
		return nil, err
	}
	defer WipeKeyPair(kpA)
	kpB, err := m.keyPairOrGenerate(ctx, second)
	if err != nil {
		return nil, err
	}
	defer WipeKeyPair(kpB)

	existing, err := m.loadSession(ctx, id)
	switch {
	case err == nil:
		if existing.FingerprintA == kpA.Fingerprint() && existing.FingerprintB == kpB.Fingerprint() {
			return existing, nil
		}
		NewLogger("GetOrCreateSession").WithSession(id).Info("Key pair replaced, re-deriving session")
	case !errors.Is(err, ErrSessionNotFound):
		return nil, err
	}

	shared, err := DeriveSharedSecret(kpA.Private, kpB.Public)
	if err != nil {
		return nil, apperr.Internal("session derivation failed", err)
	}
	s := &Session{
		ID:           id,
		UserA:        first,
		UserB:        second,
		Key:          DeriveSessionKey(shared),
		CreatedAt:    m.clock.Now(),
		FingerprintA: kpA.Fingerprint(),
		FingerprintB: kpB.Fingerprint(),
	}
	ZeroBytes(shared[:])

	if err := m.saveSession(ctx, s); err != nil {
		return nil, err
	}
	NewLogger("GetOrCreateSession").WithSession(id).Info("Derived new session")
	return s, nil
}

// MessageKey computes SHA-256(sessionKey || "MESSAGE_KEY" || counter) with
// the counter as 8 big-endian bytes.
func MessageKey(sessionKey [32]byte, counter uint64) [32]byte {
	var ctr [8]byte
	binary.BigEndian.PutUint64(ctr[:], counter)
	h := sha256.New()
	h.Write(sessionKey[:])
	h.Write([]byte(messageKeyLabel))
	h.Write(ctr[:])
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// Encrypt seals plaintext under session.Key and the next counter. The
// counter is read from the store, not from the caller's copy, so a stale
// copy never reuses a counter. A copy whose key differs from the stored one
// is rejected with ErrStaleSession. session is updated to the persisted
// state.
func (m *Manager) Encrypt(ctx context.Context, session *Session, plaintext []byte) (*EncryptedMessage, error) {
	if session == nil {
		return nil, apperr.Validation("session is required", ErrSessionNotFound)
	}
	mu := m.sessionLock(session.ID)
	mu.Lock()
	defer mu.Unlock()

	current, err := m.loadSession(ctx, session.ID)
	if err != nil {
		return nil, err
	}
	if current.Key != session.Key {
		WipeSession(current)
		NewLogger("Encrypt").WithSession(session.ID).Warn("Rejected stale session copy")
		return nil, apperr.Validation("session key is out of date, fetch the session again", ErrStaleSession)
	}

	counter := current.Counter
	key := MessageKey(current.Key, counter)
	defer ZeroBytes(key[:])

	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, apperr.Internal("cipher setup failed", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(m.random, nonce); err != nil {
		return nil, apperr.Internal("nonce generation failed", err)
	}
	ciphertext := aead.Seal(nil, nonce, plaintext, nil)

	current.Counter = counter + 1
	if err := m.saveSession(ctx, current); err != nil {
		return nil, err
	}
	*session = *current

	NewLogger("Encrypt").WithSession(session.ID).WithField("counter", counter).Debug("Message encrypted")
	return &EncryptedMessage{
		SessionID:  session.ID,
		Ciphertext: ciphertext,
		Nonce:      nonce,
		Counter:    counter,
	}, nil
}

// Decrypt opens msg with session.Key and the counter msg carries. The store
// is not consulted, so a caller holding a pre-rotation or expired session
// can still open what was sealed under it. Any tag mismatch, including one
// caused by a rotated session key, is an authentication error.
func (m *Manager) Decrypt(_ context.Context, session *Session, msg *EncryptedMessage) ([]byte, error) {
	if session == nil || msg == nil {
		return nil, apperr.Validation("session and message are required", ErrSessionNotFound)
	}
	if msg.SessionID != "" && msg.SessionID != session.ID {
		return nil, apperr.Authentication("message could not be authenticated",
			fmt.Errorf("%w: message belongs to session %s", ErrAuthentication, msg.SessionID))
	}

	key := MessageKey(session.Key, msg.Counter)
	defer ZeroBytes(key[:])

	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, apperr.Internal("cipher setup failed", err)
	}
	if len(msg.Nonce) != aead.NonceSize() {
		return nil, apperr.Authentication("message could not be authenticated",
			fmt.Errorf("%w: nonce length %d", ErrAuthentication, len(msg.Nonce)))
	}
	plaintext, err := aead.Open(nil, msg.Nonce, msg.Ciphertext, nil)
	if err != nil {
		NewLogger("Decrypt").WithSession(session.ID).WithField("counter", msg.Counter).Warn("Authentication failed")
		return nil, apperr.Authentication("message could not be authenticated", ErrAuthentication)
	}
	return plaintext, nil
}

// Rotate replaces the session key with fresh random bytes and resets the
// counter. Messages sealed under the previous key decrypt only with a copy
// of the session taken before the rotation.
func (m *Manager) Rotate(ctx context.Context, session *Session) (*Session, error) {
	if session == nil {
		return nil, apperr.Validation("session is required", ErrSessionNotFound)
	}
	mu := m.sessionLock(session.ID)
	mu.Lock()
	defer mu.Unlock()

	current, err := m.loadSession(ctx, session.ID)
	if err != nil {
		return nil, err
	}
	if _, err := io.ReadFull(m.random, current.Key[:]); err != nil {
		return nil, apperr.Internal("session key generation failed", err)
	}
	current.Counter = 0
	current.CreatedAt = m.clock.Now()
	if err := m.saveSession(ctx, current); err != nil {
		return nil, err
	}
	NewLogger("Rotate").WithSession(current.ID).Info("Session key rotated")
	return current, nil
}

func validateUserID(userID string) error {
	if userID == "" {
		return apperr.Validation("user id is required", ErrInvalidUser)
	}
	if strings.Contains(userID, sessionIDSeparator) {
		return apperr.Validation("user id must not contain "+strconv.Quote(sessionIDSeparator),
			fmt.Errorf("%w: %q", ErrInvalidUser, userID))
	}
	return nil
}

func (m *Manager) keyPairOrGenerate(ctx context.Context, userID string) (*KeyPair, error) {
	kp, err := m.loadKeyPair(ctx, userID)
	if err == nil {
		return kp, nil
	}
	if !apperr.Is(err, apperr.CodeNotFound) {
		return nil, err
	}

	// SetNX so two sessions racing to create the same user's pair agree on
	// one of them.
	kp, err = NewKeyPair(userID, m.random, m.clock.Now())
	if err != nil {
		return nil, apperr.Internal("key generation failed", err)
	}
	data, err := marshalKeyPair(kp)
	if err != nil {
		return nil, apperr.Internal("key pair encoding failed", err)
	}
	defer ZeroBytes(data)
	created, err := m.kv.SetNX(ctx, keyPairStoreKey(userID), data, m.cfg.KeyPairTTL)
	if err != nil {
		return nil, apperr.Unavailable("key pair write failed", err)
	}
	if !created {
		WipeKeyPair(kp)
		return m.loadKeyPair(ctx, userID)
	}
	NewLogger("keyPairOrGenerate").
		WithField("user_id", userID).
		WithField("fingerprint", kp.Fingerprint()).
		Info("Generated key pair on demand")
	return kp, nil
}

func (m *Manager) loadKeyPair(ctx context.Context, userID string) (*KeyPair, error) {
	raw, err := m.kv.Get(ctx, keyPairStoreKey(userID))
	if errors.Is(err, interfaces.ErrKeyNotFound) {
		return nil, apperr.NotFound("key pair not found", err)
	}
	if err != nil {
		return nil, apperr.Unavailable("key pair lookup failed", err)
	}
	defer ZeroBytes(raw)
	kp, err := unmarshalKeyPair(raw)
	if err != nil {
		return nil, apperr.Internal("stored key pair is corrupt", err)
	}
	return kp, nil
}

func (m *Manager) saveKeyPair(ctx context.Context, kp *KeyPair) error {
	data, err := marshalKeyPair(kp)
	if err != nil {
		return apperr.Internal("key pair encoding failed", err)
	}
	defer ZeroBytes(data)
	if err := m.kv.Set(ctx, keyPairStoreKey(kp.UserID), data, m.cfg.KeyPairTTL); err != nil {
		return apperr.Unavailable("key pair write failed", err)
	}
	return nil
}

func (m *Manager) loadSession(ctx context.Context, id string) (*Session, error) {
	raw, err := m.kv.Get(ctx, sessionStoreKey(id))
	if errors.Is(err, interfaces.ErrKeyNotFound) {
		return nil, apperr.NotFound("session not found", fmt.Errorf("%w: %s", ErrSessionNotFound, id))
	}
	if err != nil {
		return nil, apperr.Unavailable("session lookup failed", err)
	}
	defer ZeroBytes(raw)
	s, err := unmarshalSession(raw)
	if err != nil {
		return nil, apperr.Internal("stored session is corrupt", err)
	}
	return s, nil
}

func (m *Manager) saveSession(ctx context.Context, s *Session) error {
	data, err := marshalSession(s)
	if err != nil {
		return apperr.Internal("session encoding failed", err)
	}
	defer ZeroBytes(data)
	if err := m.kv.Set(ctx, sessionStoreKey(s.ID), data, m.cfg.SessionTTL); err != nil {
		return apperr.Unavailable("session write failed", err)
	}
	return nil
}
