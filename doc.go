// Package chatcore is the real-time delivery core of an end-to-end encrypted
// chat service.
//
// Clients hold a WebSocket to a chatcore node and send messages that are
// already encrypted. The node never sees plaintext: it checks membership,
// persists the ciphertext, fans it out to every connected member and queues
// a copy for members who are offline.
//
// # Packages
//
//   - transport: WebSocket endpoint, per-connection protocol and server
//   - messaging: the dispatcher coordinating a send
//   - lock: per-conversation distributed locks with leases
//   - queue: per-recipient offline queues
//   - events: fan-out event types and the topic bus
//   - registry: node-local connection registry and cluster presence
//   - crypto: X25519 key pairs and ChaCha20-Poly1305 sessions
//   - store: Redis, Badger and NATS backends for coordination
//   - repository: rooms, membership and messages (memory or Postgres)
//   - auth: bearer token validation
//   - config, factory: configuration and wiring
//
// The chatcored binary under cmd/ runs a node:
//
//	CHATCORE_AUTH_JWT_SECRET=dev chatcored serve --config chatcore.yaml
package chatcore
