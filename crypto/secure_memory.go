package crypto

import (
	"errors"
	"runtime"
)

// SecureWipe overwrites data with zeros. It returns an error for nil input.
func SecureWipe(data []byte) error {
	if data == nil {
		return errors.New("cannot wipe nil data")
	}
	for i := range data {
		data[i] = 0
	}
	runtime.KeepAlive(data)
	return nil
}

// ZeroBytes wipes data, ignoring nil input.
func ZeroBytes(data []byte) {
	_ = SecureWipe(data)
}

// WipeKeyPair erases the private half of kp.
func WipeKeyPair(kp *KeyPair) error {
	if kp == nil {
		return errors.New("cannot wipe nil key pair")
	}
	return SecureWipe(kp.Private[:])
}

// WipeSession erases the session key held in s.
func WipeSession(s *Session) error {
	if s == nil {
		return errors.New("cannot wipe nil session")
	}
	return SecureWipe(s.Key[:])
}
