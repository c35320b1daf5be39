// Package registry tracks which users have live connections.
//
// Registry is node-local: it maps a user id to that user's open connections
// (one per device or tab) and answers presence questions for this process.
// ClusterPresence keeps a per-user connection count in the coordination
// store so every node can tell whether a user is connected anywhere.
package registry
