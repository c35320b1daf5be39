package factory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/chatcore/auth"
	"github.com/opd-ai/chatcore/config"
	"github.com/opd-ai/chatcore/crypto"
	"github.com/opd-ai/chatcore/events"
	"github.com/opd-ai/chatcore/interfaces"
	"github.com/opd-ai/chatcore/lock"
	"github.com/opd-ai/chatcore/messaging"
	"github.com/opd-ai/chatcore/queue"
	"github.com/opd-ai/chatcore/registry"
	"github.com/opd-ai/chatcore/repository"
	"github.com/opd-ai/chatcore/store"
	"github.com/opd-ai/chatcore/transport"
)

// ErrNilConfig is returned when a factory is built without configuration.
var ErrNilConfig = errors.New("factory requires a configuration")

// Collaborators is the room directory backing membership checks,
// persistence and chat room listing.
type Collaborators interface {
	messaging.Membership
	messaging.MessageStore
	messaging.RoomDirectory
	CreateRoom(ctx context.Context, id, name string, members ...string) error
	AddMember(ctx context.Context, roomID, userID string) error
	RemoveMember(ctx context.Context, roomID, userID string) error
}

// ServiceFactory creates the components described by a config.Config.
// It is safe for concurrent use.
type ServiceFactory struct {
	mu  sync.RWMutex
	cfg config.Config
}

// NewServiceFactory creates a factory over a copy of cfg.
func NewServiceFactory(cfg *config.Config) (*ServiceFactory, error) {
	if cfg == nil {
		return nil, ErrNilConfig
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logConfigurationInfo(cfg)
	return &ServiceFactory{cfg: *cfg}, nil
}

func logConfigurationInfo(cfg *config.Config) {
	logrus.WithFields(logrus.Fields{
		"function":       "NewServiceFactory",
		"store_backend":  cfg.Store.Backend,
		"broker_backend": cfg.Broker.Backend,
		"presence_mode":  cfg.Presence.Mode,
		"postgres":       cfg.Database.DSN != "",
		"addr":           cfg.Server.Addr,
	}).Info("Service factory initialized")
}

// Config returns a copy of the factory configuration.
func (f *ServiceFactory) Config() config.Config {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.cfg
}

// TransportConfig maps server settings onto the WebSocket endpoint.
func TransportConfig(cfg config.Config) transport.Config {
	return transport.Config{
		Path:              cfg.Server.Path,
		ReadLimit:         cfg.Server.ReadLimit,
		SendBuffer:        cfg.Server.SendBuffer,
		CommandsPerSecond: cfg.Server.CommandsPerSecond,
		CommandBurst:      cfg.Server.CommandBurst,
		PingInterval:      cfg.Server.PingInterval,
		WriteWait:         cfg.Server.WriteWait,
		AllowedOrigins:    cfg.Server.AllowedOrigins,
	}
}

// LockConfig maps lock settings.
func LockConfig(cfg config.Config) lock.Config {
	return lock.Config{
		Lease:          cfg.Lock.Lease,
		AcquireTimeout: cfg.Lock.AcquireTimeout,
		RetryInterval:  cfg.Lock.RetryInterval,
	}
}

// QueueConfig maps offline queue settings.
func QueueConfig(cfg config.Config) queue.Config {
	return queue.Config{
		Retention:       cfg.Queue.Retention,
		MaxPerRecipient: cfg.Queue.MaxPerRecipient,
	}
}

// SessionConfig maps encryption session settings.
func SessionConfig(cfg config.Config) crypto.Config {
	return crypto.Config{
		SessionTTL: cfg.Session.TTL,
		KeyPairTTL: cfg.Session.KeyPairTTL,
	}
}

// CreateStore opens the coordination store and, for the nats broker, routes
// pub/sub through NATS.
func (f *ServiceFactory) CreateStore(ctx context.Context) (interfaces.CoordinationStore, error) {
	cfg := f.Config()

	var base interfaces.CoordinationStore
	switch cfg.Store.Backend {
	case config.StoreRedis:
		r, err := store.NewRedis(store.RedisOptions{
			Addr:     cfg.Store.RedisAddr,
			Username: cfg.Store.RedisUsername,
			Password: cfg.Store.RedisPassword,
			DB:       cfg.Store.RedisDB,
		})
		if err != nil {
			return nil, fmt.Errorf("open redis store: %w", err)
		}
		base = r
	case config.StoreBadger:
		b, err := store.NewBadger(store.BadgerOptions{
			Dir:      cfg.Store.BadgerDir,
			InMemory: cfg.Store.BadgerInMemory,
		})
		if err != nil {
			return nil, fmt.Errorf("open badger store: %w", err)
		}
		base = b
	default:
		return nil, fmt.Errorf("%w: unknown store backend %q", config.ErrInvalidConfig, cfg.Store.Backend)
	}

	if cfg.Broker.Backend != config.BrokerNATS {
		return base, nil
	}
	ps, err := store.NewNATSPubSub(cfg.Broker.NATSURL)
	if err != nil {
		_ = base.Close()
		return nil, fmt.Errorf("connect nats broker: %w", err)
	}
	return store.WithPubSub(base, ps), nil
}

// CreateCollaborators opens Postgres when a DSN is configured and otherwise
// returns an in-memory directory. The close function is never nil.
func (f *ServiceFactory) CreateCollaborators(ctx context.Context) (Collaborators, func() error, error) {
	cfg := f.Config()
	if cfg.Database.DSN == "" {
		logrus.WithFields(logrus.Fields{
			"function": "CreateCollaborators",
		}).Warn("No database configured, rooms and messages are kept in memory")
		return repository.NewMemory(), func() error { return nil }, nil
	}

	pg, err := repository.OpenPostgres(ctx, cfg.Database.DSN)
	if err != nil {
		return nil, nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := pg.CreateSchema(ctx); err != nil {
		_ = pg.Close()
		return nil, nil, fmt.Errorf("create schema: %w", err)
	}
	return pg, pg.Close, nil
}

// Build wires every component. On error anything already opened is closed.
func (f *ServiceFactory) Build(ctx context.Context) (*Service, error) {
	cfg := f.Config()
	svc := &Service{cfg: cfg}
	if err := f.build(ctx, cfg, svc); err != nil {
		_ = svc.Close()
		return nil, err
	}
	logrus.WithFields(logrus.Fields{
		"function": "Build",
		"addr":     cfg.Server.Addr,
	}).Info("Service assembled")
	return svc, nil
}

func (f *ServiceFactory) build(ctx context.Context, cfg config.Config, svc *Service) error {
	tokens, err := auth.NewJWTValidator(cfg.Auth.JWTSecret, cfg.Auth.Issuer)
	if err != nil {
		return err
	}
	svc.Tokens = tokens

	st, err := f.CreateStore(ctx)
	if err != nil {
		return err
	}
	svc.Store = st
	svc.closers = append(svc.closers, st.Close)

	rooms, closeRooms, err := f.CreateCollaborators(ctx)
	if err != nil {
		return err
	}
	svc.Rooms = rooms
	svc.closers = append(svc.closers, closeRooms)

	svc.Bus = events.NewBus(st)
	svc.closers = append(svc.closers, svc.Bus.Close)

	svc.Registry = registry.New()
	svc.closers = append(svc.closers, svc.Registry.Close)

	svc.Queue = queue.New(st, QueueConfig(cfg))
	svc.Locker = lock.New(st, LockConfig(cfg))
	svc.Sessions = crypto.NewManager(st, SessionConfig(cfg))

	var presence messaging.Presence = svc.Registry
	var tracker transport.PresenceTracker
	if cfg.Presence.Mode == config.PresenceCluster {
		svc.Presence = registry.NewClusterPresence(st, cfg.Presence.TTL)
		presence = svc.Presence
		tracker = svc.Presence
	}

	svc.Dispatcher, err = messaging.NewDispatcher(messaging.Dependencies{
		Locker:     svc.Locker,
		Membership: rooms,
		Messages:   rooms,
		Rooms:      rooms,
		Presence:   presence,
		Queue:      svc.Queue,
		Events:     svc.Bus,
	})
	if err != nil {
		return err
	}

	svc.Handler, err = transport.NewHandler(TransportConfig(cfg), transport.Dependencies{
		Tokens:     tokens,
		Dispatcher: svc.Dispatcher,
		Bus:        svc.Bus,
		Registry:   svc.Registry,
		Offline:    svc.Queue,
		Presence:   tracker,
	})
	if err != nil {
		return err
	}
	svc.Server = transport.NewServer(cfg.Server.Addr, svc.Handler)
	return nil
}

// Service is a fully wired delivery node.
type Service struct {
	cfg config.Config

	Tokens     *auth.JWTValidator
	Store      interfaces.CoordinationStore
	Rooms      Collaborators
	Bus        *events.Bus
	Registry   *registry.Registry
	Presence   *registry.ClusterPresence
	Queue      *queue.Queue
	Locker     *lock.Locker
	Sessions   *crypto.Manager
	Dispatcher *messaging.Dispatcher
	Handler    *transport.Handler
	Server     *transport.Server

	closers   []func() error
	closeOnce sync.Once
	closeErr  error
}

// Run serves until ctx is cancelled, then shuts down within
// server.shutdown_timeout.
func (s *Service) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() { errCh <- s.Server.ListenAndServe() }()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logrus.WithFields(logrus.Fields{
		"function": "Service.Run",
		"timeout":  s.cfg.Server.ShutdownTimeout,
	}).Info("Shutting down")
	return s.Shutdown(context.Background())
}

// Shutdown stops the server and closes client connections.
func (s *Service) Shutdown(ctx context.Context) error {
	if s.Server == nil {
		return nil
	}
	timeout := s.cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return s.Server.Shutdown(ctx)
}

// Close releases every component in reverse creation order.
func (s *Service) Close() error {
	s.closeOnce.Do(func() {
		var errs []error
		for i := len(s.closers) - 1; i >= 0; i-- {
			if err := s.closers[i](); err != nil {
				errs = append(errs, err)
			}
		}
		s.closeErr = errors.Join(errs...)
	})
	return s.closeErr
}
