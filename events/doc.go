// Package events defines the fan-out events exchanged between nodes and the
// topic bus that carries them.
//
// Event is a closed set of variants. Each encodes to a JSON object whose
// "type" field names the variant:
//
//	{"type":"MESSAGE_SENT","chatRoomId":"c1","messageId":"m1",...,"timestamp":"..."}
//
// Conversation-scoped events travel on ConversationTopic(id); account-wide
// events such as ChatRoomListUpdated travel on UserTopic(id).
//
// Bus keeps one store subscription per topic on each node and multiplexes it
// to any number of local handlers. Delivery is best-effort and at-most-once;
// nothing is replayed to late subscribers.
package events
