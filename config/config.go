package config

import (
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override.
const EnvPrefix = "CHATCORE"

// Backend names.
const (
	StoreRedis  = "redis"
	StoreBadger = "badger"

	BrokerStore = "store"
	BrokerNATS  = "nats"

	PresenceLocal   = "local"
	PresenceCluster = "cluster"

	FormatText = "text"
	FormatJSON = "json"
)

var (
	// ErrInvalidConfig wraps every validation failure.
	ErrInvalidConfig = errors.New("invalid configuration")
	// ErrConfigNotFound is returned when an explicit config file is missing.
	ErrConfigNotFound = errors.New("config file not found")
)

// Config is the complete service configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Store    StoreConfig    `mapstructure:"store"`
	Broker   BrokerConfig   `mapstructure:"broker"`
	Presence PresenceConfig `mapstructure:"presence"`
	Lock     LockConfig     `mapstructure:"lock"`
	Queue    QueueConfig    `mapstructure:"queue"`
	Session  SessionConfig  `mapstructure:"session"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Database DatabaseConfig `mapstructure:"database"`
	Log      LogConfig      `mapstructure:"log"`
}

// ServerConfig tunes the WebSocket listener.
type ServerConfig struct {
	Addr              string        `mapstructure:"addr"`
	Path              string        `mapstructure:"path"`
	ReadLimit         int64         `mapstructure:"read_limit"`
	SendBuffer        int           `mapstructure:"send_buffer"`
	CommandsPerSecond float64       `mapstructure:"commands_per_second"`
	CommandBurst      int           `mapstructure:"command_burst"`
	PingInterval      time.Duration `mapstructure:"ping_interval"`
	WriteWait         time.Duration `mapstructure:"write_wait"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout"`
	AllowedOrigins    []string      `mapstructure:"allowed_origins"`
}

// StoreConfig selects the coordination store.
type StoreConfig struct {
	Backend        string `mapstructure:"backend"`
	RedisAddr      string `mapstructure:"redis_addr"`
	RedisUsername  string `mapstructure:"redis_username"`
	RedisPassword  string `mapstructure:"redis_password"`
	RedisDB        int    `mapstructure:"redis_db"`
	BadgerDir      string `mapstructure:"badger_dir"`
	BadgerInMemory bool   `mapstructure:"badger_in_memory"`
}

// BrokerConfig selects where fan-out events travel.
type BrokerConfig struct {
	Backend string `mapstructure:"backend"`
	NATSURL string `mapstructure:"nats_url"`
}

// PresenceConfig selects node-local or store-backed presence.
type PresenceConfig struct {
	Mode string        `mapstructure:"mode"`
	TTL  time.Duration `mapstructure:"ttl"`
}

// LockConfig tunes conversation locks.
type LockConfig struct {
	Lease          time.Duration `mapstructure:"lease"`
	AcquireTimeout time.Duration `mapstructure:"acquire_timeout"`
	RetryInterval  time.Duration `mapstructure:"retry_interval"`
}

// QueueConfig tunes offline queues.
type QueueConfig struct {
	Retention       time.Duration `mapstructure:"retention"`
	MaxPerRecipient int           `mapstructure:"max_per_recipient"`
}

// SessionConfig tunes encryption session storage.
type SessionConfig struct {
	TTL        time.Duration `mapstructure:"ttl"`
	KeyPairTTL time.Duration `mapstructure:"key_pair_ttl"`
}

// AuthConfig holds token validation settings.
type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
	Issuer    string `mapstructure:"issuer"`
}

// DatabaseConfig points at the Postgres collaborators. An empty DSN keeps
// rooms and messages in memory.
type DatabaseConfig struct {
	DSN string `mapstructure:"dsn"`
}

// LogConfig controls logrus output.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.path", "/ws")
	v.SetDefault("server.read_limit", 64*1024)
	v.SetDefault("server.send_buffer", 64)
	v.SetDefault("server.commands_per_second", 20)
	v.SetDefault("server.command_burst", 40)
	v.SetDefault("server.ping_interval", 30*time.Second)
	v.SetDefault("server.write_wait", 10*time.Second)
	v.SetDefault("server.shutdown_timeout", 15*time.Second)
	v.SetDefault("server.allowed_origins", []string{})

	v.SetDefault("store.backend", StoreRedis)
	v.SetDefault("store.redis_addr", "localhost:6379")
	v.SetDefault("store.redis_username", "")
	v.SetDefault("store.redis_password", "")
	v.SetDefault("store.redis_db", 0)
	v.SetDefault("store.badger_dir", "")
	v.SetDefault("store.badger_in_memory", false)

	v.SetDefault("broker.backend", BrokerStore)
	v.SetDefault("broker.nats_url", "nats://localhost:4222")

	v.SetDefault("presence.mode", PresenceLocal)
	v.SetDefault("presence.ttl", 2*time.Minute)

	v.SetDefault("lock.lease", 10*time.Second)
	v.SetDefault("lock.acquire_timeout", 5*time.Second)
	v.SetDefault("lock.retry_interval", 50*time.Millisecond)

	v.SetDefault("queue.retention", 24*time.Hour)
	v.SetDefault("queue.max_per_recipient", 0)

	v.SetDefault("session.ttl", 24*time.Hour)
	v.SetDefault("session.key_pair_ttl", 720*time.Hour)

	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.issuer", "")

	v.SetDefault("database.dsn", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", FormatText)
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Default returns the built-in configuration with environment overrides.
func Default() (*Config, error) {
	return Load("")
}

// Load reads path (YAML) when non-empty, applies CHATCORE_* overrides and
// validates the result.
func Load(path string) (*Config, error) {
	v := newViper()
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if errors.As(err, &notFound) || errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("%w: %s", ErrConfigNotFound, path)
			}
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Load",
			"path":     path,
			"error":    err.Error(),
		}).Error("Unable to unmarshal config")
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects unknown backends and non-positive durations.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...)))
		}
	}

	check(c.Server.Addr != "", "server.addr is required")
	check(strings.HasPrefix(c.Server.Path, "/"), "server.path must start with /")
	check(c.Server.ReadLimit > 0, "server.read_limit must be positive")
	check(c.Server.SendBuffer > 0, "server.send_buffer must be positive")
	check(c.Server.CommandsPerSecond > 0, "server.commands_per_second must be positive")
	check(c.Server.CommandBurst > 0, "server.command_burst must be positive")

	durations := map[string]time.Duration{
		"server.ping_interval":    c.Server.PingInterval,
		"server.write_wait":       c.Server.WriteWait,
		"server.shutdown_timeout": c.Server.ShutdownTimeout,
		"presence.ttl":            c.Presence.TTL,
		"lock.lease":              c.Lock.Lease,
		"lock.acquire_timeout":    c.Lock.AcquireTimeout,
		"lock.retry_interval":     c.Lock.RetryInterval,
		"queue.retention":         c.Queue.Retention,
		"session.ttl":             c.Session.TTL,
		"session.key_pair_ttl":    c.Session.KeyPairTTL,
	}
	for _, key := range sortedKeys(durations) {
		check(durations[key] > 0, "%s must be positive", key)
	}
	check(c.Queue.MaxPerRecipient >= 0, "queue.max_per_recipient must not be negative")

	switch c.Store.Backend {
	case StoreRedis:
		check(c.Store.RedisAddr != "", "store.redis_addr is required for the redis backend")
	case StoreBadger:
		check(c.Store.BadgerDir != "" || c.Store.BadgerInMemory, "store.badger_dir or store.badger_in_memory is required for the badger backend")
	default:
		check(false, "unknown store.backend %q", c.Store.Backend)
	}

	switch c.Broker.Backend {
	case BrokerStore:
	case BrokerNATS:
		check(c.Broker.NATSURL != "", "broker.nats_url is required for the nats broker")
	default:
		check(false, "unknown broker.backend %q", c.Broker.Backend)
	}

	switch c.Presence.Mode {
	case PresenceLocal, PresenceCluster:
	default:
		check(false, "unknown presence.mode %q", c.Presence.Mode)
	}

	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		check(false, "log.level %q is not a logrus level", c.Log.Level)
	}
	switch c.Log.Format {
	case FormatText, FormatJSON:
	default:
		check(false, "unknown log.format %q", c.Log.Format)
	}

	return errors.Join(errs...)
}

func sortedKeys(m map[string]time.Duration) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
