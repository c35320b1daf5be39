package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/chatcore/interfaces"
)

// compareAndDeleteScript deletes KEYS[1] only while it still holds ARGV[1].
var compareAndDeleteScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisOptions configures a Redis-backed coordination store.
type RedisOptions struct {
	Addr     string
	Username string
	Password string
	DB       int

	// Client, when set, is used instead of dialing Addr.
	Client redis.UniversalClient
}

// Redis is a CoordinationStore backed by a shared Redis server.
type Redis struct {
	client redis.UniversalClient
	closed atomic.Bool

	mu   sync.Mutex
	subs map[*redisSubscription]struct{}
}

var _ interfaces.CoordinationStore = (*Redis)(nil)

// NewRedis connects to Redis and verifies the connection with PING.
func NewRedis(opts RedisOptions) (*Redis, error) {
	client := opts.Client
	if client == nil {
		client = redis.NewClient(&redis.Options{
			Addr:     opts.Addr,
			Username: opts.Username,
			Password: opts.Password,
			DB:       opts.DB,
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to ping redis at %s: %w", opts.Addr, err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "NewRedis",
		"addr":     opts.Addr,
		"db":       opts.DB,
	}).Info("Connected to redis coordination store")

	return &Redis{
		client: client,
		subs:   make(map[*redisSubscription]struct{}),
	}, nil
}

func (r *Redis) check(key string) error {
	if r.closed.Load() {
		return interfaces.ErrStoreClosed
	}
	return interfaces.ValidateKey(key)
}

// Get returns the value at key.
func (r *Redis) Get(ctx context.Context, key string) ([]byte, error) {
	if err := r.check(key); err != nil {
		return nil, err
	}
	val, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, interfaces.ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", key, err)
	}
	return val, nil
}

// Set stores value at key with an optional ttl.
func (r *Redis) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := r.check(key); err != nil {
		return err
	}
	if err := r.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

// SetNX stores value only when key is absent.
func (r *Redis) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	if err := r.check(key); err != nil {
		return false, err
	}
	ok, err := r.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx %s: %w", key, err)
	}
	return ok, nil
}

// CompareAndDelete runs the compare-and-delete script.
func (r *Redis) CompareAndDelete(ctx context.Context, key string, expected []byte) (bool, error) {
	if err := r.check(key); err != nil {
		return false, err
	}
	n, err := compareAndDeleteScript.Run(ctx, r.client, []string{key}, expected).Int64()
	if err != nil {
		return false, fmt.Errorf("redis compare-and-delete %s: %w", key, err)
	}
	return n == 1, nil
}

// Delete removes key.
func (r *Redis) Delete(ctx context.Context, key string) error {
	if err := r.check(key); err != nil {
		return err
	}
	if err := r.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", key, err)
	}
	return nil
}

// IncrBy increments the counter at key inside a MULTI block.
func (r *Redis) IncrBy(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	if err := r.check(key); err != nil {
		return 0, err
	}
	pipe := r.client.TxPipeline()
	incr := pipe.IncrBy(ctx, key, delta)
	if ttl > 0 {
		pipe.Expire(ctx, key, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("redis incrby %s: %w", key, err)
	}
	return incr.Val(), nil
}

// Exists reports whether key is present.
func (r *Redis) Exists(ctx context.Context, key string) (bool, error) {
	if err := r.check(key); err != nil {
		return false, err
	}
	n, err := r.client.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("redis exists %s: %w", key, err)
	}
	return n > 0, nil
}

// Append pushes value onto the list and refreshes the list ttl in one MULTI block.
func (r *Redis) Append(ctx context.Context, key string, value []byte, ttl time.Duration, maxLen int) error {
	if err := r.check(key); err != nil {
		return err
	}
	pipe := r.client.TxPipeline()
	pipe.RPush(ctx, key, value)
	if maxLen > 0 {
		pipe.LTrim(ctx, key, int64(-maxLen), -1)
	}
	if ttl > 0 {
		pipe.Expire(ctx, key, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis append %s: %w", key, err)
	}
	return nil
}

// Drain reads and deletes the list in one MULTI block.
func (r *Redis) Drain(ctx context.Context, key string) ([][]byte, error) {
	if err := r.check(key); err != nil {
		return nil, err
	}
	pipe := r.client.TxPipeline()
	lrange := pipe.LRange(ctx, key, 0, -1)
	pipe.Del(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("redis drain %s: %w", key, err)
	}

	items := lrange.Val()
	out := make([][]byte, 0, len(items))
	for _, item := range items {
		out = append(out, []byte(item))
	}
	return out, nil
}

// Len returns the list length.
func (r *Redis) Len(ctx context.Context, key string) (int64, error) {
	if err := r.check(key); err != nil {
		return 0, err
	}
	n, err := r.client.LLen(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("redis llen %s: %w", key, err)
	}
	return n, nil
}

// Publish sends payload to every subscriber of channel on every node.
func (r *Redis) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := r.check(channel); err != nil {
		return err
	}
	if err := r.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", channel, err)
	}
	return nil
}

// Subscribe opens a dedicated Redis subscription for channel. It returns once
// the server has confirmed the subscription.
func (r *Redis) Subscribe(ctx context.Context, channel string, handler interfaces.MessageHandler) (interfaces.Subscription, error) {
	if err := r.check(channel); err != nil {
		return nil, err
	}
	if handler == nil {
		return nil, errors.New("nil message handler")
	}

	ps := r.client.Subscribe(ctx, channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("redis subscribe %s: %w", channel, err)
	}

	sub := &redisSubscription{owner: r, ps: ps, done: make(chan struct{})}
	r.mu.Lock()
	r.subs[sub] = struct{}{}
	r.mu.Unlock()

	go func() {
		defer close(sub.done)
		for msg := range ps.Channel() {
			handler(msg.Channel, []byte(msg.Payload))
		}
	}()

	logrus.WithFields(logrus.Fields{
		"function": "Redis.Subscribe",
		"channel":  channel,
	}).Debug("Subscribed to redis channel")

	return sub, nil
}

// Close closes every open subscription and the client.
func (r *Redis) Close() error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}

	r.mu.Lock()
	subs := make([]*redisSubscription, 0, len(r.subs))
	for s := range r.subs {
		subs = append(subs, s)
	}
	r.mu.Unlock()

	for _, s := range subs {
		_ = s.Close()
	}
	return r.client.Close()
}

type redisSubscription struct {
	owner *Redis
	ps    *redis.PubSub
	once  sync.Once
	done  chan struct{}
}

func (s *redisSubscription) Close() error {
	var err error
	s.once.Do(func() {
		s.owner.mu.Lock()
		delete(s.owner.subs, s)
		s.owner.mu.Unlock()
		err = s.ps.Close()
	})
	return err
}
