// Package store implements the coordination store used for locks, the offline
// queue, encryption session records and event fan-out.
//
// # Backends
//
//   - [Redis]: the production backend. All nodes of a deployment share one
//     Redis, which gives cross-node locks (SET NX PX), an atomic
//     compare-and-delete (Lua script), lists with whole-list expiry, an atomic
//     drain (MULTI/EXEC) and PUBLISH/SUBSCRIBE fan-out.
//
//   - [Badger]: an embedded backend for single-node deployments and local
//     development. Conditional writes run in optimistic transactions; fan-out
//     rides on Badger's key-prefix subscriptions. It cannot coordinate more
//     than one process.
//
//   - [NATS]: a fan-out only backend. It replaces the pub/sub half of another
//     store with NATS subjects via [WithPubSub], for deployments that already
//     run a NATS cluster for eventing.
//
// # Usage
//
//	st, err := store.NewRedis(store.RedisOptions{Addr: "localhost:6379"})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer st.Close()
//
//	sub, err := st.Subscribe(ctx, "chat:room:42", func(channel string, payload []byte) {
//	    fmt.Printf("%s: %s\n", channel, payload)
//	})
//	defer sub.Close()
//
// Every backend is safe for concurrent use.
package store
