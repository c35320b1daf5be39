// Package transport is the client-facing WebSocket endpoint.
//
// A client connects to the configured path (default /ws) with its bearer
// token in the "token" query parameter. Invalid tokens receive close code
// 1003 ("not acceptable") and the socket is dropped; no unauthenticated
// state exists.
//
// After authentication the connection is subscribed to the user's topic,
// receives any queued offline messages in one OFFLINE_MESSAGES frame, and
// then accepts JSON commands:
//
//	{"action":"subscribe","chatRoomId":"c1"}
//	{"action":"sendMessage","chatRoomId":"c1","encryptedContent":"...","contentIv":"...","messageType":"TEXT"}
//	{"action":"startTyping","chatRoomId":"c1"}
//	{"action":"stopTyping","chatRoomId":"c1"}
//	{"action":"unsubscribe","chatRoomId":"c1"}
//	{"action":"getChatRooms"}
//
// Outbound frames are fan-out events as encoded by package events plus
// MESSAGE_ACK, CHAT_ROOMS, OFFLINE_MESSAGES and ERROR.
//
// Each connection has one reader goroutine and one writer goroutine fed by a
// bounded buffer. A client that lets the buffer fill is disconnected rather
// than slowing fan-out for everyone else.
package transport
