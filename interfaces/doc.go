// Package interfaces defines the coordination store abstractions shared by the
// delivery core.
//
// The coordination store is the only state shared between nodes. Components
// depend on the narrowest view they need:
//
//   - [KeyValueStore]: atomic conditional set with expiry (locks), plain
//     get/set with TTL (session and key-pair records), compare-and-delete
//     (lock release), counters (cluster presence)
//   - [ListStore]: per-key ordered lists with a whole-list TTL and an atomic
//     read-and-delete (offline queue)
//   - [PubSub]: fan-out channels where every subscriber, on every node, gets
//     its own copy of each payload (event bus)
//
// [CoordinationStore] combines all three. The store package provides Redis
// and Badger implementations, plus a NATS-backed [PubSub]:
//
//	st, err := store.NewRedis(store.RedisOptions{Addr: "localhost:6379"})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer st.Close()
//
//	ok, err := st.SetNX(ctx, "lock:room-1", token, 10*time.Second)
//
// # Thread Safety
//
// All implementations must be safe for concurrent use. Handlers passed to
// Subscribe are invoked from a store-owned goroutine and must not block.
//
// # Error Handling
//
// Reads of absent keys return [ErrKeyNotFound]. Any other error means the
// store could not be reached or rejected the operation, and callers treat it
// as transient.
package interfaces
