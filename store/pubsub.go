package store

import (
	"context"
	"errors"

	"github.com/opd-ai/chatcore/interfaces"
)

// split routes pub/sub through a dedicated transport while keys and lists
// stay on the base store.
type split struct {
	interfaces.KeyValueStore
	interfaces.ListStore
	base interfaces.CoordinationStore
	ps   interfaces.PubSub
}

// WithPubSub returns a CoordinationStore that uses ps for Publish and
// Subscribe and base for everything else. Close closes both.
func WithPubSub(base interfaces.CoordinationStore, ps interfaces.PubSub) interfaces.CoordinationStore {
	return &split{KeyValueStore: base, ListStore: base, base: base, ps: ps}
}

func (s *split) Publish(ctx context.Context, channel string, payload []byte) error {
	return s.ps.Publish(ctx, channel, payload)
}

func (s *split) Subscribe(ctx context.Context, channel string, handler interfaces.MessageHandler) (interfaces.Subscription, error) {
	return s.ps.Subscribe(ctx, channel, handler)
}

func (s *split) Close() error {
	var errs []error
	if c, ok := s.ps.(interface{ Close() error }); ok {
		errs = append(errs, c.Close())
	}
	errs = append(errs, s.base.Close())
	return errors.Join(errs...)
}
