// Package queue holds messages for recipients who have no reachable
// connection.
//
// Each recipient owns one list under "offline:<recipientID>". Enqueue appends
// and refreshes the list's retention window; Drain reads and deletes the
// whole list atomically so two concurrent drains never deliver the same
// message. Entries are encoded in protobuf wire format, with the optional
// numeric ratchet fields omitted when absent.
package queue
