package limits

import (
	"errors"
	"fmt"
	"unicode/utf8"
)

const (
	// MaxCiphertextChars is the largest encrypted message body accepted from a client.
	MaxCiphertextChars = 10000

	// MaxIVChars is the largest initialisation vector accepted from a client.
	MaxIVChars = 1024

	// MaxCommandFrame is the read limit applied to a single client frame.
	MaxCommandFrame = 64 * 1024

	// MaxProcessingBuffer is the absolute maximum for any operation (1MB limit)
	MaxProcessingBuffer = 1024 * 1024
)

var (
	// ErrMessageEmpty indicates an empty message was provided
	ErrMessageEmpty = errors.New("empty message")

	// ErrMessageTooLarge indicates message exceeds maximum size
	ErrMessageTooLarge = errors.New("message too large")

	// ErrIVEmpty indicates a message arrived without its initialisation vector
	ErrIVEmpty = errors.New("empty iv")
)

// ValidateMessageSize validates a byte payload against the specified maximum size.
// Returns an error with context including the actual and maximum sizes.
func ValidateMessageSize(message []byte, maxSize int) error {
	if len(message) == 0 {
		return ErrMessageEmpty
	}
	if len(message) > maxSize {
		return fmt.Errorf("%w: size %d exceeds limit %d", ErrMessageTooLarge, len(message), maxSize)
	}
	return nil
}

// ValidateCiphertext checks an encrypted body against MaxCiphertextChars.
// The length is counted in characters, not bytes.
func ValidateCiphertext(content string) error {
	if content == "" {
		return ErrMessageEmpty
	}
	if n := utf8.RuneCountInString(content); n > MaxCiphertextChars {
		return fmt.Errorf("%w: ciphertext length %d exceeds limit %d", ErrMessageTooLarge, n, MaxCiphertextChars)
	}
	return nil
}

// ValidateIV checks a message initialisation vector.
func ValidateIV(iv string) error {
	if iv == "" {
		return ErrIVEmpty
	}
	if n := utf8.RuneCountInString(iv); n > MaxIVChars {
		return fmt.Errorf("%w: iv length %d exceeds limit %d", ErrMessageTooLarge, n, MaxIVChars)
	}
	return nil
}

// ValidateProcessingBuffer validates data against the absolute maximum (MaxProcessingBuffer).
// This limit prevents memory exhaustion attacks and should be used for all untrusted input.
func ValidateProcessingBuffer(data []byte) error {
	return ValidateMessageSize(data, MaxProcessingBuffer)
}
