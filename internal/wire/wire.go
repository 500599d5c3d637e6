// Package wire defines the JSON envelopes exchanged over the realtime
// transport. Every event name maps to exactly one payload shape; Decode
// dispatches over the closed set so nothing past the transport boundary
// handles raw event strings.
package wire

import (
	"encoding/json"
	"fmt"
)

// Outbound event names.
const (
	EvJoinMatch       = "join-match"
	EvLeaveMatch      = "leave-match"
	EvSendMessage     = "send-message"
	EvMarkAsRead      = "mark-as-read"
	EvTypingStart     = "typing-start"
	EvTypingStop      = "typing-stop"
	EvGetOnlineStatus = "get-online-status"
	EvHeartbeat       = "heartbeat"
)

// Inbound event names.
const (
	EvNewMessage      = "new-message"
	EvUserTyping      = "user-typing"
	EvMessagesRead    = "messages-read"
	EvUserJoined      = "user-joined"
	EvUserLeft        = "user-left"
	EvUserOffline     = "user-offline"
	EvOnlineStatus    = "online-status"
	EvError           = "error"
	EvOfflineMessages = "offline-messages"
	EvHeartbeatAck    = "heartbeat-ack"
)

// Message content types.
const (
	TypeText  = "TEXT"
	TypeImage = "IMAGE"
)

// Envelope is one frame on the wire: an event name plus its JSON payload.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope builds an envelope from an event name and a typed payload.
func NewEnvelope(event string, payload any) (Envelope, error) {
	if payload == nil {
		return Envelope{Event: event}, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s payload: %w", event, err)
	}
	return Envelope{Event: event, Data: data}, nil
}

// Message is one chat line as carried on the wire and in history pages.
type Message struct {
	ID          string `json:"id"`
	MatchID     string `json:"matchId"`
	SenderID    string `json:"senderId"`
	Content     string `json:"content"`
	Type        string `json:"type"`
	IsEncrypted bool   `json:"isEncrypted"`
	CreatedAt   int64  `json:"createdAt"`
}

// RoomRef addresses a match room for join/leave/typing events.
type RoomRef struct {
	MatchID string `json:"matchId"`
}

// SendMessage is the outbound chat-message payload.
type SendMessage struct {
	MatchID string `json:"matchId"`
	Content string `json:"content"`
	Type    string `json:"type"`
}

// MarkAsRead acknowledges a set of messages in a room.
type MarkAsRead struct {
	MatchID    string   `json:"matchId"`
	MessageIDs []string `json:"messageIds"`
}

// OnlineStatusQuery asks for the presence of a set of users.
type OnlineStatusQuery struct {
	UserIDs []string `json:"userIds"`
}

// NewMessage is the inbound live-message payload.
type NewMessage struct {
	MatchID string  `json:"matchId"`
	Message Message `json:"message"`
}

// UserTyping signals a peer's typing state.
type UserTyping struct {
	UserID   string `json:"userId"`
	IsTyping bool   `json:"isTyping"`
}

// MessagesRead signals that a peer read a set of messages.
type MessagesRead struct {
	MatchID    string   `json:"matchId"`
	MessageIDs []string `json:"messageIds"`
	ReadBy     string   `json:"readBy"`
}

// UserPresence carries join/leave/offline notifications.
type UserPresence struct {
	UserID string `json:"userId"`
}

// UserStatus is one entry of an online-status response.
type UserStatus struct {
	UserID   string `json:"userId"`
	IsOnline bool   `json:"isOnline"`
}

// ServerError is the inbound error payload. Code "unauthorized" marks an
// auth rejection that must not be retried blindly.
type ServerError struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// IsAuth reports whether the error is an authentication rejection.
func (e ServerError) IsAuth() bool {
	return e.Code == "unauthorized"
}

// OfflineMessages is the server-side redelivery batch sent on reconnect.
// Each entry is replayed locally through the new-message path.
type OfflineMessages struct {
	Messages []Message `json:"messages"`
	HasMore  bool      `json:"hasMore"`
}

// Decode parses the envelope's payload into its concrete type. Heartbeat
// frames decode to nil. Unknown event names are an error so protocol drift
// fails loudly instead of being silently dropped downstream.
func Decode(env Envelope) (any, error) {
	switch env.Event {
	case EvNewMessage:
		return decodeAs[NewMessage](env)
	case EvUserTyping:
		return decodeAs[UserTyping](env)
	case EvMessagesRead:
		return decodeAs[MessagesRead](env)
	case EvUserJoined, EvUserLeft, EvUserOffline:
		return decodeAs[UserPresence](env)
	case EvOnlineStatus:
		return decodeAs[[]UserStatus](env)
	case EvError:
		return decodeAs[ServerError](env)
	case EvOfflineMessages:
		return decodeAs[OfflineMessages](env)
	case EvHeartbeatAck, EvHeartbeat:
		return nil, nil
	case EvJoinMatch, EvLeaveMatch, EvTypingStart, EvTypingStop:
		return decodeAs[RoomRef](env)
	case EvSendMessage:
		return decodeAs[SendMessage](env)
	case EvMarkAsRead:
		return decodeAs[MarkAsRead](env)
	case EvGetOnlineStatus:
		return decodeAs[OnlineStatusQuery](env)
	default:
		return nil, fmt.Errorf("unknown event %q", env.Event)
	}
}

func decodeAs[T any](env Envelope) (T, error) {
	var v T
	if err := json.Unmarshal(env.Data, &v); err != nil {
		return v, fmt.Errorf("decode %s payload: %w", env.Event, err)
	}
	return v, nil
}
