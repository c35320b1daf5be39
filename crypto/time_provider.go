package crypto

import "time"

// TimeProvider supplies the current time so session and key-pair timestamps
// can be pinned in tests. Implementations must be safe for concurrent use.
type TimeProvider interface {
	Now() time.Time
}

// DefaultTimeProvider reads the wall clock in UTC.
type DefaultTimeProvider struct{}

// Now returns the current UTC time.
func (DefaultTimeProvider) Now() time.Time { return time.Now().UTC() }
