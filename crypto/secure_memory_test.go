package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestSecureWipe tests that SecureWipe zeroes its input.
func TestSecureWipe(t *testing.T) {
	data := []byte{1, 2, 3, 4}
	assert.NoError(t, SecureWipe(data))
	assert.Equal(t, []byte{0, 0, 0, 0}, data)

	assert.Error(t, SecureWipe(nil))
	assert.NotPanics(t, func() { ZeroBytes(nil) })
}

// TestWipeKeyPairAndSession verifies that wiping clears private and session keys.
func TestWipeKeyPairAndSession(t *testing.T) {
	kp := &KeyPair{Private: [32]byte{1, 2, 3}, Public: [32]byte{9}}
	assert.NoError(t, WipeKeyPair(kp))
	assert.True(t, isZeroKey(kp.Private))
	assert.False(t, isZeroKey(kp.Public), "public half is untouched")

	s := &Session{Key: [32]byte{5}}
	assert.NoError(t, WipeSession(s))
	assert.True(t, isZeroKey(s.Key))

	assert.Error(t, WipeKeyPair(nil))
	assert.Error(t, WipeSession(nil))
}
