package registry

import (
	"context"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
)

// Conn is a tracked client connection.
type Conn interface {
	ID() string
	IsOpen() bool
	Close() error
}

// Registry maps users to their open connections on this node.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]map[string]Conn
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{conns: make(map[string]map[string]Conn)}
}

// Add tracks conn for userID.
func (r *Registry) Add(userID string, conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.conns[userID]
	if !ok {
		set = make(map[string]Conn)
		r.conns[userID] = set
	}
	set[conn.ID()] = conn

	logrus.WithFields(logrus.Fields{
		"function":      "Add",
		"user_id":       userID,
		"connection_id": conn.ID(),
		"connections":   len(set),
	}).Debug("Connection registered")
}

// Remove stops tracking conn. The user entry is dropped with its last
// connection. It reports whether conn was tracked.
func (r *Registry) Remove(userID string, conn Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.conns[userID]
	if !ok {
		return false
	}
	if _, ok := set[conn.ID()]; !ok {
		return false
	}
	delete(set, conn.ID())
	if len(set) == 0 {
		delete(r.conns, userID)
	}

	logrus.WithFields(logrus.Fields{
		"function":      "Remove",
		"user_id":       userID,
		"connection_id": conn.ID(),
		"remaining":     len(set),
	}).Debug("Connection removed")
	return true
}

// IsOnline reports whether userID has at least one open connection here.
func (r *Registry) IsOnline(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, c := range r.conns[userID] {
		if c.IsOpen() {
			return true
		}
	}
	return false
}

// Online adapts IsOnline to the context-aware presence interface used by the
// dispatcher.
func (r *Registry) Online(_ context.Context, userID string) (bool, error) {
	return r.IsOnline(userID), nil
}

// ConnectionsOf returns the open connections of userID.
func (r *Registry) ConnectionsOf(userID string) []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Conn, 0, len(r.conns[userID]))
	for _, c := range r.conns[userID] {
		if c.IsOpen() {
			out = append(out, c)
		}
	}
	return out
}

// OnlineUsers returns the sorted ids of users with an open connection.
func (r *Registry) OnlineUsers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.conns))
	for user, set := range r.conns {
		for _, c := range set {
			if c.IsOpen() {
				out = append(out, user)
				break
			}
		}
	}
	sort.Strings(out)
	return out
}

// Count returns the number of tracked connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, set := range r.conns {
		n += len(set)
	}
	return n
}

// PruneClosed drops connections that are no longer open and returns how
// many were removed.
func (r *Registry) PruneClosed() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	pruned := 0
	for user, set := range r.conns {
		for id, c := range set {
			if !c.IsOpen() {
				delete(set, id)
				pruned++
			}
		}
		if len(set) == 0 {
			delete(r.conns, user)
		}
	}
	if pruned > 0 {
		logrus.WithFields(logrus.Fields{
			"function": "PruneClosed",
			"pruned":   pruned,
		}).Info("Pruned closed connections")
	}
	return pruned
}

// Close closes every tracked connection and empties the registry.
func (r *Registry) Close() error {
	r.mu.Lock()
	conns := r.conns
	r.conns = make(map[string]map[string]Conn)
	r.mu.Unlock()

	for user, set := range conns {
		for _, c := range set {
			if err := c.Close(); err != nil {
				logrus.WithFields(logrus.Fields{
					"function":      "Close",
					"user_id":       user,
					"connection_id": c.ID(),
					"error":         err.Error(),
				}).Warn("Failed to close connection")
			}
		}
	}
	return nil
}
