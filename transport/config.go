package transport

import (
	"errors"
	"fmt"
	"time"
)

// Defaults applied by Config.withDefaults.
const (
	DefaultPath              = "/ws"
	DefaultReadLimit         = 64 * 1024
	DefaultSendBuffer        = 64
	DefaultCommandsPerSecond = 20
	DefaultCommandBurst      = 40
	DefaultPingInterval      = 30 * time.Second
	DefaultWriteWait         = 10 * time.Second
)

// ErrInvalidConfig is returned for negative limits.
var ErrInvalidConfig = errors.New("invalid transport config")

// Config tunes the WebSocket endpoint. Zero values take the defaults above.
type Config struct {
	Path              string
	ReadLimit         int64
	SendBuffer        int
	CommandsPerSecond float64
	CommandBurst      int
	PingInterval      time.Duration
	WriteWait         time.Duration
	// AllowedOrigins restricts browser origins. Empty allows any origin.
	AllowedOrigins []string
}

// DefaultConfig returns the stock endpoint settings.
func DefaultConfig() Config {
	return Config{}.withDefaults()
}

func (c Config) withDefaults() Config {
	if c.Path == "" {
		c.Path = DefaultPath
	}
	if c.ReadLimit == 0 {
		c.ReadLimit = DefaultReadLimit
	}
	if c.SendBuffer == 0 {
		c.SendBuffer = DefaultSendBuffer
	}
	if c.CommandsPerSecond == 0 {
		c.CommandsPerSecond = DefaultCommandsPerSecond
	}
	if c.CommandBurst == 0 {
		c.CommandBurst = DefaultCommandBurst
	}
	if c.PingInterval == 0 {
		c.PingInterval = DefaultPingInterval
	}
	if c.WriteWait == 0 {
		c.WriteWait = DefaultWriteWait
	}
	return c
}

func (c Config) validate() error {
	switch {
	case c.ReadLimit < 0:
		return fmt.Errorf("%w: read limit is negative", ErrInvalidConfig)
	case c.SendBuffer < 0:
		return fmt.Errorf("%w: send buffer is negative", ErrInvalidConfig)
	case c.CommandsPerSecond < 0 || c.CommandBurst < 0:
		return fmt.Errorf("%w: command rate is negative", ErrInvalidConfig)
	case c.PingInterval < 0 || c.WriteWait < 0:
		return fmt.Errorf("%w: keepalive interval is negative", ErrInvalidConfig)
	}
	return nil
}

func (c Config) originAllowed(origin string) bool {
	if len(c.AllowedOrigins) == 0 || origin == "" {
		return true
	}
	for _, o := range c.AllowedOrigins {
		if o == origin || o == "*" {
			return true
		}
	}
	return false
}
