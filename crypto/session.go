package crypto

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

const (
	// DefaultSessionTTL is how long an unused session survives in the store.
	DefaultSessionTTL = 24 * time.Hour
	// DefaultKeyPairTTL is how long a user's key pair survives in the store.
	DefaultKeyPairTTL = 30 * 24 * time.Hour

	sessionKeyPrefix   = "session:"
	sessionIDSeparator = ":"
	keyPairKeyPrefix   = "keypair:"
)

// Session is the shared state two users derive message keys from.
type Session struct {
	ID        string
	UserA     string
	UserB     string
	Key       [32]byte
	Counter   uint64
	CreatedAt time.Time

	// FingerprintA and FingerprintB identify the public keys of UserA and
	// UserB at derivation time. Rotate keeps them.
	FingerprintA string
	FingerprintB string
}

// EncryptedMessage is the output of Encrypt.
type EncryptedMessage struct {
	SessionID  string
	Ciphertext []byte
	Nonce      []byte
	Counter    uint64
}

// SessionID returns the order-independent id of the session between a and b.
// Ids are unique only for user ids without ":", which Manager enforces.
func SessionID(a, b string) string {
	ids := []string{a, b}
	sort.Strings(ids)
	return strings.Join(ids, sessionIDSeparator)
}

func sessionStoreKey(id string) string { return sessionKeyPrefix + id }

func keyPairStoreKey(userID string) string { return keyPairKeyPrefix + userID }

// sessionRecord and keyPairRecord are the persisted forms.
type sessionRecord struct {
	ID           string    `json:"id"`
	UserA        string    `json:"userA"`
	UserB        string    `json:"userB"`
	Key          []byte    `json:"key"`
	Counter      uint64    `json:"counter"`
	CreatedAt    time.Time `json:"createdAt"`
	FingerprintA string    `json:"fingerprintA,omitempty"`
	FingerprintB string    `json:"fingerprintB,omitempty"`
}

type keyPairRecord struct {
	UserID    string    `json:"userId"`
	Public    []byte    `json:"public"`
	Private   []byte    `json:"private"`
	CreatedAt time.Time `json:"createdAt"`
}

func marshalSession(s *Session) ([]byte, error) {
	return json.Marshal(sessionRecord{
		ID:           s.ID,
		UserA:        s.UserA,
		UserB:        s.UserB,
		Key:          s.Key[:],
		Counter:      s.Counter,
		CreatedAt:    s.CreatedAt,
		FingerprintA: s.FingerprintA,
		FingerprintB: s.FingerprintB,
	})
}

func unmarshalSession(data []byte) (*Session, error) {
	var rec sessionRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	if len(rec.Key) != 32 {
		return nil, fmt.Errorf("decode session %s: %w: key length %d", rec.ID, ErrInvalidKey, len(rec.Key))
	}
	s := &Session{
		ID:           rec.ID,
		UserA:        rec.UserA,
		UserB:        rec.UserB,
		Counter:      rec.Counter,
		CreatedAt:    rec.CreatedAt,
		FingerprintA: rec.FingerprintA,
		FingerprintB: rec.FingerprintB,
	}
	copy(s.Key[:], rec.Key)
	ZeroBytes(rec.Key)
	return s, nil
}

func marshalKeyPair(kp *KeyPair) ([]byte, error) {
	return json.Marshal(keyPairRecord{
		UserID:    kp.UserID,
		Public:    kp.Public[:],
		Private:   kp.Private[:],
		CreatedAt: kp.CreatedAt,
	})
}

func unmarshalKeyPair(data []byte) (*KeyPair, error) {
	var rec keyPairRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode key pair: %w", err)
	}
	if len(rec.Public) != 32 || len(rec.Private) != 32 {
		return nil, fmt.Errorf("decode key pair %s: %w", rec.UserID, ErrInvalidKey)
	}
	kp := &KeyPair{UserID: rec.UserID, CreatedAt: rec.CreatedAt}
	copy(kp.Public[:], rec.Public)
	copy(kp.Private[:], rec.Private)
	ZeroBytes(rec.Private)
	return kp, nil
}
