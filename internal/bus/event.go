package bus

import "time"

// Event is a domain event published on the in-process bus.
//
// Kinds are dot-namespaced so subscribers can filter by prefix:
//
//	conn.*  connection lifecycle (state changes, auth errors)
//	chat.*  inbound chat traffic (new messages, typing, receipts)
//	net.*   device connectivity transitions
//	queue.* offline outbox lifecycle
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Connection lifecycle kinds.
const (
	KindStateChanged = "conn.state_changed"
	KindAuthError    = "conn.auth_error"
	KindServerError  = "conn.server_error"
)

// Inbound chat kinds.
const (
	KindNewMessage   = "chat.new_message"
	KindUserTyping   = "chat.user_typing"
	KindMessagesRead = "chat.messages_read"
	KindUserJoined   = "chat.user_joined"
	KindUserLeft     = "chat.user_left"
	KindUserOffline  = "chat.user_offline"
	KindOnlineStatus = "chat.online_status"
)

// Connectivity kinds.
const (
	KindNetOnline  = "net.online"
	KindNetOffline = "net.offline"
)

// Outbox kinds.
const (
	KindQueueEnqueued = "queue.enqueued"
	KindQueueFlushed  = "queue.flushed"
)
