package crypto

import (
	"crypto/sha256"
	"fmt"

	"github.com/flynn/noise"
)

// sessionKeyLabel domain-separates session keys from other SHA-256 uses.
const sessionKeyLabel = "SESSION_KEY"

// DeriveSharedSecret runs X25519 between privateKey and peerPublicKey.
// Low-order peer keys that yield an all-zero secret are rejected.
func DeriveSharedSecret(privateKey, peerPublicKey [32]byte) ([32]byte, error) {
	log := NewLogger("DeriveSharedSecret").WithFields(SecureFieldHash(peerPublicKey[:], "peer_key"))

	priv := privateKey
	defer ZeroBytes(priv[:])

	shared, err := noise.DH25519.DH(priv[:], peerPublicKey[:])
	if err != nil {
		log.WithError(err, "x25519").Warn("ECDH failed")
		return [32]byte{}, fmt.Errorf("%w: %w", ErrInvalidKey, err)
	}
	defer ZeroBytes(shared)

	var out [32]byte
	copy(out[:], shared)
	if isZeroKey(out) {
		log.Warn("ECDH produced an all-zero secret")
		return [32]byte{}, fmt.Errorf("%w: low-order peer public key", ErrInvalidKey)
	}
	log.Debug("Shared secret computed")
	return out, nil
}

// DeriveSessionKey computes SHA-256("SESSION_KEY" || shared).
func DeriveSessionKey(shared [32]byte) [32]byte {
	h := sha256.New()
	h.Write([]byte(sessionKeyLabel))
	h.Write(shared[:])
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}
