// Package commands defines the chatcored command line.
//
// Commands
//
//   - serve        Run the WebSocket delivery node
//   - issue-token  Sign a bearer token for a user (development only)
//   - keygen       Generate and store an X25519 key pair for a user
//   - room create  Create a chat room in the configured database
//
// The root command loads configuration (--config plus CHATCORE_* overrides)
// and sets up logging before any subcommand runs.
package commands
