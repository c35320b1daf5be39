// Package factory assembles the delivery core from a config.Config.
//
// The factory hides which coordination store, event broker and collaborator
// backend are in use, so the command line and tests build the same object
// graph:
//
//	cfg, _ := config.Load("chatcore.yaml")
//	svc, err := factory.NewServiceFactory(cfg).Build(ctx)
//	if err != nil {
//		return err
//	}
//	defer svc.Close()
//	return svc.Run(ctx)
//
// # Backends
//
//   - store.backend redis: go-redis against a shared Redis, suitable for
//     several nodes.
//   - store.backend badger: embedded Badger, single node only.
//   - broker.backend nats: fan-out events travel over NATS while locks and
//     queues stay in the coordination store.
//   - database.dsn set: rooms, membership and messages live in Postgres via
//     bun; otherwise an in-memory directory is used.
//   - presence.mode cluster: online status is a shared counter in the store
//     instead of this node's registry.
package factory
