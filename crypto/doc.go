// Package crypto maintains the key material two users derive per-message
// keys from.
//
// # Key pairs
//
// Every user has one X25519 key pair, generated with flynn/noise's DH25519
// and stored under "keypair:<userID>" for 30 days. GenerateKeyPair replaces
// any previous pair; sessions derived from the old pair are re-derived the
// next time they are requested.
//
// # Sessions
//
// A session belongs to an unordered pair of users and is stored under
// "session:<a>:<b>" with the ids sorted. Its key is
//
//	SHA-256("SESSION_KEY" || X25519(a.private, b.public))
//
// and each message is sealed with ChaCha20-Poly1305 under
//
//	SHA-256(sessionKey || "MESSAGE_KEY" || counter)
//
// where counter is the 8-byte big-endian message counter. Encrypt always
// reads the persisted counter under a per-session mutex, so counters never
// repeat within a process even when callers hold stale Session copies.
//
// Example:
//
//	m := crypto.NewManager(store, crypto.DefaultConfig())
//	s, err := m.GetOrCreateSession(ctx, "alice", "bob")
//	if err != nil {
//	    return err
//	}
//	msg, err := m.Encrypt(ctx, s, []byte("hi"))
//	...
//	plain, err := m.Decrypt(ctx, s, msg)
//
// Rotate replaces a session key with random bytes and resets the counter.
// Decrypt uses the key of the Session it is given, so messages sealed before
// the rotation open only with a copy of the pre-rotation session, and
// messages sealed after it fail against that copy with ErrAuthentication.
// Encrypt rejects a copy whose key is no longer the stored one with
// ErrStaleSession.
//
// User ids must not contain ":", which separates them in session ids.
//
// # Logging
//
// Key material never reaches the logs. SecureFieldHash renders a short
// preview and the size of sensitive values.
package crypto
