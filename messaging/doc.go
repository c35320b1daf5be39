// Package messaging accepts encrypted messages from clients and delivers
// them to every member of a conversation.
//
// # Dispatch protocol
//
// Dispatcher.Send runs one message through these steps:
//
//  1. validate the request without side effects (sizes, required fields)
//  2. take the conversation lock "lock:<conversationID>"
//  3. check the conversation exists and the sender is an active member
//  4. normalise the message type (unknown types become TEXT)
//  5. persist through the MessageStore collaborator
//  6. enqueue a copy for every other active member that Presence reports
//     offline; a failed enqueue is logged and never fails the send
//  7. publish MessageSent on the conversation topic
//  8. release the lock, on every exit path
//
// Holding the lock from step 3 to step 7 gives each conversation a single
// total order of persisted messages across every node.
//
// # Collaborators
//
// Membership, MessageStore and RoomDirectory are owned by the surrounding
// application (see package repository for implementations). Presence is
// satisfied by registry.Registry on a single node and by
// registry.ClusterPresence across nodes.
//
// # Notifications
//
// The CRUD layer that creates rooms and manages members calls the Notify*
// methods so connected clients learn about the change.
package messaging
