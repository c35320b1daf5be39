// Package limits provides centralized size constants and validation functions
// for the chat delivery core. Every inbound payload is checked against these
// limits before it reaches the dispatcher, so all components agree on what an
// acceptable message looks like.
//
// # Size Hierarchy
//
//   - MaxCiphertextChars (10,000 characters): the largest encrypted message body
//     a client may submit. The body is transported as text (usually base64), so
//     the limit is expressed in characters, not bytes.
//
//   - MaxIVChars (1,024 characters): the largest initialisation vector a client
//     may attach to a message.
//
//   - MaxCommandFrame (64 KiB): the largest single frame accepted on a client
//     connection. Frames above this size terminate the connection.
//
//   - MaxProcessingBuffer (1 MiB): the absolute maximum for any in-process
//     operation, including plaintext handed to the session manager.
//
// # Validation Functions
//
//	if err := limits.ValidateCiphertext(content); err != nil {
//	    // ErrMessageEmpty or ErrMessageTooLarge
//	}
//
// Errors are sentinel values wrapped with size context, so callers test them
// with errors.Is.
package limits
