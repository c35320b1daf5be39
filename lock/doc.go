// Package lock provides short-lived distributed mutual exclusion on top of a
// coordination store.
//
// A lock is a key holding a random owner token with an expiry. Acquire spins
// on set-if-absent until it wins or its timeout elapses, and Release deletes
// the key only while it still holds the caller's token, in one atomic
// compare-and-delete. The lease expiry is the only recovery mechanism when a
// holder crashes.
//
// Example:
//
//	l := lock.New(store, lock.DefaultConfig())
//	err := l.WithLock(ctx, lock.ConversationKey(convID), func(ctx context.Context) error {
//		// at most one writer per conversation here
//		return nil
//	})
package lock
