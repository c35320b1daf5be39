// Package repository implements the membership, message persistence and room
// directory collaborators consumed by the dispatcher.
//
// Memory keeps everything in process and suits tests and single-node demos.
// Postgres stores rooms, members and messages through bun.
package repository
