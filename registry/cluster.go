package registry

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/chatcore/interfaces"
)

// DefaultPresenceTTL bounds how long a node's presence claim survives
// without a refresh, which is what clears counts left by a crashed node.
const DefaultPresenceTTL = 2 * time.Minute

const presencePrefix = "presence:"

// PresenceKey returns the store key holding userID's connection count.
func PresenceKey(userID string) string {
	return presencePrefix + userID
}

// ClusterPresence counts a user's connections across all nodes.
type ClusterPresence struct {
	kv  interfaces.KeyValueStore
	ttl time.Duration
}

// NewClusterPresence creates a ClusterPresence. A non-positive ttl selects
// DefaultPresenceTTL.
func NewClusterPresence(kv interfaces.KeyValueStore, ttl time.Duration) *ClusterPresence {
	if ttl <= 0 {
		ttl = DefaultPresenceTTL
	}
	return &ClusterPresence{kv: kv, ttl: ttl}
}

// Connected records a new connection for userID.
func (p *ClusterPresence) Connected(ctx context.Context, userID string) error {
	n, err := p.kv.IncrBy(ctx, PresenceKey(userID), 1, p.ttl)
	if err != nil {
		return fmt.Errorf("record presence of %s: %w", userID, err)
	}
	logrus.WithFields(logrus.Fields{
		"function":    "Connected",
		"user_id":     userID,
		"connections": n,
	}).Debug("Cluster presence incremented")
	return nil
}

// Disconnected records a closed connection for userID and clears the key
// when the count reaches zero. The key is only removed while it still holds
// the count this call produced, so a Connected from another node in between
// survives.
func (p *ClusterPresence) Disconnected(ctx context.Context, userID string) error {
	key := PresenceKey(userID)
	n, err := p.kv.IncrBy(ctx, key, -1, p.ttl)
	if err != nil {
		return fmt.Errorf("clear presence of %s: %w", userID, err)
	}
	if n > 0 {
		return nil
	}
	deleted, err := p.kv.CompareAndDelete(ctx, key, []byte(strconv.FormatInt(n, 10)))
	if err != nil {
		return fmt.Errorf("clear presence of %s: %w", userID, err)
	}
	if !deleted {
		logrus.WithFields(logrus.Fields{
			"function": "Disconnected",
			"user_id":  userID,
		}).Debug("Presence changed before it could be cleared")
	}
	return nil
}

// Refresh extends userID's presence ttl without changing the count.
func (p *ClusterPresence) Refresh(ctx context.Context, userID string) error {
	if _, err := p.kv.IncrBy(ctx, PresenceKey(userID), 0, p.ttl); err != nil {
		return fmt.Errorf("refresh presence of %s: %w", userID, err)
	}
	return nil
}

// Online reports whether userID has a connection on any node.
func (p *ClusterPresence) Online(ctx context.Context, userID string) (bool, error) {
	raw, err := p.kv.Get(ctx, PresenceKey(userID))
	if errors.Is(err, interfaces.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read presence of %s: %w", userID, err)
	}
	n, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return false, fmt.Errorf("read presence of %s: %w", userID, err)
	}
	return n > 0, nil
}
