// Package chat is the application-facing session API. It orchestrates the
// connection manager, the message codec and the REST history client:
// outbound text is encrypted before it touches the transport, inbound and
// historical bodies are decrypted with a per-message failure policy that
// never aborts the surrounding batch.
package chat

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/pairup/chatlink/internal/api"
	"github.com/pairup/chatlink/internal/bus"
	"github.com/pairup/chatlink/internal/crypto"
	"github.com/pairup/chatlink/internal/status"
	"github.com/pairup/chatlink/internal/wire"
	"go.uber.org/zap"
)

// Connection is the slice of the connection manager the session uses.
type Connection interface {
	Emit(env wire.Envelope) error
	Disconnect()
}

// History is the slice of the REST client the session uses.
type History interface {
	ListMessages(ctx context.Context, matchID string, page, limit int) (*api.MessagesPage, error)
	UploadChatImage(ctx context.Context, matchID, filename string, r io.Reader) (string, error)
}

// Session exposes the chat operations for one authenticated user.
type Session struct {
	conn   Connection
	codec  *crypto.Codec
	api    History
	bus    *bus.Bus
	logger *zap.Logger

	mu      sync.Mutex
	removes []func()
	closed  bool
}

// NewSession creates a chat session.
func NewSession(conn Connection, codec *crypto.Codec, history History, b *bus.Bus, logger *zap.Logger) *Session {
	return &Session{
		conn:   conn,
		codec:  codec,
		api:    history,
		bus:    b,
		logger: logger,
	}
}

// JoinRoom subscribes to a match's realtime events.
func (s *Session) JoinRoom(matchID string) error {
	return s.emit(wire.EvJoinMatch, wire.RoomRef{MatchID: matchID})
}

// LeaveRoom unsubscribes from a match's realtime events.
func (s *Session) LeaveRoom(matchID string) error {
	return s.emit(wire.EvLeaveMatch, wire.RoomRef{MatchID: matchID})
}

// SendText encrypts content and hands it to the connection manager, which
// either sends it immediately or queues it for the next reconnect. The
// call never blocks on network acknowledgment.
func (s *Session) SendText(matchID, content string) error {
	ciphertext, err := s.codec.Encrypt(content)
	if err != nil {
		return fmt.Errorf("encrypt message: %w", err)
	}
	return s.emit(wire.EvSendMessage, wire.SendMessage{
		MatchID: matchID,
		Content: ciphertext,
		Type:    wire.TypeText,
	})
}

// SendImage uploads the image through the REST collaborator and sends
// only the resulting reference. Image references are not encrypted.
func (s *Session) SendImage(ctx context.Context, matchID, filename string, r io.Reader) error {
	url, err := s.api.UploadChatImage(ctx, matchID, filename, r)
	if err != nil {
		return fmt.Errorf("upload image: %w", err)
	}
	return s.emit(wire.EvSendMessage, wire.SendMessage{
		MatchID: matchID,
		Content: url,
		Type:    wire.TypeImage,
	})
}

// GetHistory fetches one page of messages and decrypts every encrypted
// text body. A message that fails to decrypt gets the placeholder and the
// page is returned in full; one bad ciphertext never hides the rest.
func (s *Session) GetHistory(ctx context.Context, matchID string, page, limit int) ([]wire.Message, bool, error) {
	result, err := s.api.ListMessages(ctx, matchID, page, limit)
	if err != nil {
		return nil, false, fmt.Errorf("fetch history: %w", err)
	}
	msgs := result.Messages
	for i := range msgs {
		s.decryptInPlace(&msgs[i])
	}
	return msgs, result.HasMore, nil
}

// OnNewMessage registers a callback for live messages, including the
// server's offline-message replay. Bodies are decrypted with the same
// policy as GetHistory before the callback runs. The returned func
// removes exactly this registration and is safe to call more than once.
func (s *Session) OnNewMessage(fn func(wire.Message)) func() {
	return s.listen(bus.KindNewMessage, func(evt bus.Event) {
		nm, ok := evt.Payload.(wire.NewMessage)
		if !ok {
			return
		}
		s.decryptInPlace(&nm.Message)
		fn(nm.Message)
	})
}

// OnStateChanged registers a callback for connection phase transitions,
// e.g. to drive a "reconnecting…" indicator.
func (s *Session) OnStateChanged(fn func(status.PhaseChange)) func() {
	return s.listen(bus.KindStateChanged, func(evt bus.Event) {
		if change, ok := evt.Payload.(status.PhaseChange); ok {
			fn(change)
		}
	})
}

// OnUserTyping registers a callback for peer typing indicators.
func (s *Session) OnUserTyping(fn func(wire.UserTyping)) func() {
	return s.listen(bus.KindUserTyping, func(evt bus.Event) {
		if ut, ok := evt.Payload.(wire.UserTyping); ok {
			fn(ut)
		}
	})
}

// OnMessagesRead registers a callback for read receipts.
func (s *Session) OnMessagesRead(fn func(wire.MessagesRead)) func() {
	return s.listen(bus.KindMessagesRead, func(evt bus.Event) {
		if mr, ok := evt.Payload.(wire.MessagesRead); ok {
			fn(mr)
		}
	})
}

// MarkAsRead acknowledges messages. Best-effort, not durable.
func (s *Session) MarkAsRead(matchID string, messageIDs []string) error {
	return s.emit(wire.EvMarkAsRead, wire.MarkAsRead{MatchID: matchID, MessageIDs: messageIDs})
}

// StartTyping signals the peer that the user is composing.
func (s *Session) StartTyping(matchID string) error {
	return s.emit(wire.EvTypingStart, wire.RoomRef{MatchID: matchID})
}

// StopTyping clears the typing indicator.
func (s *Session) StopTyping(matchID string) error {
	return s.emit(wire.EvTypingStop, wire.RoomRef{MatchID: matchID})
}

// GetOnlineStatus requests presence for a set of users; the answer comes
// back asynchronously as a chat.online_status event.
func (s *Session) GetOnlineStatus(userIDs []string) error {
	return s.emit(wire.EvGetOnlineStatus, wire.OnlineStatusQuery{UserIDs: userIDs})
}

// RemoveAllListeners detaches every callback this session registered,
// leaving listeners registered elsewhere untouched. Safe to call
// multiple times.
func (s *Session) RemoveAllListeners() {
	s.mu.Lock()
	removes := s.removes
	s.removes = nil
	s.mu.Unlock()

	for _, remove := range removes {
		remove()
	}
}

// Close tears the session down: all listeners removed, connection
// disconnected. Idempotent.
func (s *Session) Close() {
	s.mu.Lock()
	alreadyClosed := s.closed
	s.closed = true
	s.mu.Unlock()

	s.RemoveAllListeners()
	if !alreadyClosed {
		s.conn.Disconnect()
	}
}

func (s *Session) emit(event string, payload any) error {
	env, err := wire.NewEnvelope(event, payload)
	if err != nil {
		return err
	}
	return s.conn.Emit(env)
}

// listen subscribes to a bus kind and pumps events into handle until the
// returned remove func runs. The remove func is tracked for
// RemoveAllListeners and individually idempotent.
func (s *Session) listen(kind string, handle func(bus.Event)) func() {
	ch, unsub := s.bus.Subscribe(kind, 64)
	done := make(chan struct{})

	go func() {
		for {
			select {
			case evt := <-ch:
				handle(evt)
			case <-done:
				return
			}
		}
	}()

	var once sync.Once
	remove := func() {
		once.Do(func() {
			unsub()
			close(done)
		})
	}

	s.mu.Lock()
	s.removes = append(s.removes, remove)
	s.mu.Unlock()
	return remove
}

// decryptInPlace applies the decrypt-failure policy to one message.
func (s *Session) decryptInPlace(msg *wire.Message) {
	if !msg.IsEncrypted || msg.Type != wire.TypeText {
		return
	}
	plaintext, err := s.codec.Decrypt(msg.Content)
	if err != nil {
		s.logger.Warn("failed to decrypt message, substituting placeholder",
			zap.String("message_id", msg.ID), zap.Error(err))
		msg.Content = crypto.PlaceholderText
		return
	}
	msg.Content = plaintext
	msg.IsEncrypted = false
}
