// Package conn owns the single transport connection. The manager drives
// the connect/disconnect/reconnect state machine, runs the heartbeat,
// reacts to device connectivity changes, and routes outbound chat messages
// into the offline queue whenever the transport is down.
package conn

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pairup/chatlink/internal/bus"
	"github.com/pairup/chatlink/internal/config"
	"github.com/pairup/chatlink/internal/queue"
	"github.com/pairup/chatlink/internal/status"
	"github.com/pairup/chatlink/internal/transport"
	"github.com/pairup/chatlink/internal/wire"
	"go.uber.org/zap"
)

// ErrNotStarted is returned when Emit is called before any Connect.
var ErrNotStarted = errors.New("conn: not connected; call Connect first")

const dialTimeout = 15 * time.Second

// liveConn bundles a transport connection with a shutdown latch shared by
// the pump, the heartbeat loop, and Disconnect.
type liveConn struct {
	transport.Conn
	done chan struct{}
	once sync.Once
}

func (c *liveConn) shutdown() {
	c.once.Do(func() {
		close(c.done)
		_ = c.Close()
	})
}

// Manager owns the transport connection for one session.
type Manager struct {
	dialer  transport.Dialer
	machine *status.Machine
	queue   *queue.Queue
	bus     *bus.Bus
	cfg     *config.Config
	logger  *zap.Logger

	mu       sync.Mutex
	conn     *liveConn
	userID   string
	token    string
	started  bool
	manual   bool
	attempts int
	lastAck  time.Time

	// gen increments on every Connect and Disconnect. A dial carries the
	// generation it was started under; a completed dial whose generation is
	// stale must not install its connection.
	gen uint64

	reconnectCancel chan struct{}

	// dialSlot holds a single token. Heartbeat timeout, transport drop,
	// network-restore and explicit Connect all take it before dialing, so
	// at most one attempt is ever in flight; late automatic triggers are
	// dropped, an explicit Connect waits its turn.
	dialSlot chan struct{}
}

// NewManager creates a connection manager. It also subscribes to net.*
// events so a connectivity restore fast-paths reconnection.
func NewManager(d transport.Dialer, m *status.Machine, q *queue.Queue, b *bus.Bus, cfg *config.Config, logger *zap.Logger) *Manager {
	mgr := &Manager{
		dialer:   d,
		machine:  m,
		queue:    q,
		bus:      b,
		cfg:      cfg,
		logger:   logger,
		dialSlot: make(chan struct{}, 1),
	}
	mgr.dialSlot <- struct{}{}
	go mgr.watchNetwork()
	return mgr
}

// Phase returns the current connection phase.
func (m *Manager) Phase() status.Phase {
	return m.machine.Current()
}

// Connect opens the transport with the given credentials. No-op when
// already connected. Only this first attempt's failure is returned to the
// caller; once connected, later drops are recovered internally and
// surfaced as conn.state_changed events.
func (m *Manager) Connect(ctx context.Context, userID, token string) error {
	if m.machine.Current() == status.Connected {
		return nil
	}

	m.mu.Lock()
	m.userID = userID
	m.token = token
	m.started = true
	m.manual = false
	m.gen++
	gen := m.gen
	cancel := m.reconnectCancel
	m.reconnectCancel = nil
	m.mu.Unlock()

	// An explicit retry supersedes the automatic loop: cancel it and wait
	// for its in-flight attempt to release the dial slot.
	if cancel != nil {
		close(cancel)
	}
	select {
	case <-m.dialSlot:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { m.dialSlot <- struct{}{} }()

	if m.machine.Current() == status.Connected {
		return nil
	}

	if err := m.machine.Transition(status.Connecting); err != nil {
		return err
	}

	c, err := m.dialer.Dial(ctx, userID, token)
	if err != nil {
		_ = m.machine.Transition(status.Disconnected)
		if errors.Is(err, transport.ErrAuthRejected) {
			m.publishAuthError(err.Error())
		}
		return fmt.Errorf("connect: %w", err)
	}

	if !m.afterConnect(ctx, c, gen) {
		return errors.New("connect: aborted by disconnect")
	}
	return nil
}

// Disconnect is the user-initiated teardown. It cancels any pending
// reconnect, stops the heartbeat, closes the transport and clears session
// credentials. No automatic reconnection happens afterwards until Connect
// is called again. Safe to call multiple times.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.manual = true
	m.userID = ""
	m.token = ""
	m.gen++
	c := m.conn
	m.conn = nil
	cancel := m.reconnectCancel
	m.reconnectCancel = nil
	m.mu.Unlock()

	if cancel != nil {
		close(cancel)
	}
	if c != nil {
		c.shutdown()
	}
	_ = m.machine.Transition(status.Disconnected)
	m.logger.Info("disconnected by user")
}

// Emit sends an event over the live connection. While disconnected,
// outbound chat messages go to the offline queue; every other event type
// is not durable by design and is dropped with a warning. Calling Emit
// before any Connect is invalid-state misuse.
func (m *Manager) Emit(env wire.Envelope) error {
	m.mu.Lock()
	started := m.started
	c := m.conn
	m.mu.Unlock()

	if !started {
		return ErrNotStarted
	}

	if c != nil && m.machine.Current() == status.Connected {
		err := c.Emit(env)
		if err == nil {
			return nil
		}
		m.logger.Warn("send on live connection failed", zap.String("event", env.Event), zap.Error(err))
	}

	if env.Event == wire.EvSendMessage {
		payload, err := wire.Decode(env)
		if err != nil {
			return fmt.Errorf("queue message: %w", err)
		}
		sm := payload.(wire.SendMessage)
		id := m.queue.Enqueue(sm.MatchID, sm.Content, sm.Type)
		m.logger.Info("message queued for later delivery",
			zap.String("match_id", sm.MatchID), zap.String("client_msg_id", id))
		return nil
	}

	m.logger.Warn("dropping event while disconnected", zap.String("event", env.Event))
	return nil
}

// afterConnect installs the new connection, starts its pump and heartbeat,
// and flushes the offline queue before new sends are expected. A dial that
// lost to a manual disconnect or a newer Connect is discarded: its
// connection is shut down, nothing is installed, and false is returned.
func (m *Manager) afterConnect(ctx context.Context, c transport.Conn, gen uint64) bool {
	lc := &liveConn{Conn: c, done: make(chan struct{})}

	m.mu.Lock()
	if m.manual || gen != m.gen {
		m.mu.Unlock()
		m.logger.Info("discarding superseded connection")
		lc.shutdown()
		return false
	}
	prev := m.conn
	m.conn = lc
	m.attempts = 0
	m.lastAck = time.Now()
	m.mu.Unlock()

	if prev != nil {
		prev.shutdown()
	}

	_ = m.machine.Transition(status.Connected)
	m.logger.Info("connected")

	go m.pump(lc)
	go m.heartbeat(lc)

	if err := m.queue.Flush(ctx, lc); err != nil {
		m.logger.Error("offline queue flush failed", zap.Error(err))
	}
	return true
}

// pump delivers inbound envelopes until the read side dies, then decides
// whether the drop warrants a reconnect.
func (m *Manager) pump(c *liveConn) {
	for env := range c.Events() {
		m.handleInbound(env)
	}
	c.shutdown()

	m.mu.Lock()
	current := m.conn == c
	if current {
		m.conn = nil
	}
	manual := m.manual
	m.mu.Unlock()

	if !current || manual {
		return
	}

	m.logger.Warn("connection lost", zap.Error(c.Err()))
	m.triggerReconnect(false)
}

// heartbeat probes liveness while the connection is up. A stalled socket
// that stops acking within the timeout window is dropped even though the
// transport never reported a disconnect.
func (m *Manager) heartbeat(c *liveConn) {
	ticker := time.NewTicker(m.cfg.HeartbeatInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.mu.Lock()
			last := m.lastAck
			m.mu.Unlock()
			if time.Since(last) > m.cfg.HeartbeatTimeout() {
				m.logger.Warn("heartbeat timed out, dropping stalled connection",
					zap.Time("last_ack", last))
				c.shutdown()
				return
			}
			if err := c.Emit(wire.Envelope{Event: wire.EvHeartbeat}); err != nil {
				m.logger.Warn("heartbeat probe failed", zap.Error(err))
				c.shutdown()
				return
			}
		case <-c.done:
			return
		}
	}
}

// watchNetwork fast-paths reconnection when device connectivity returns
// while the manager is not connected.
func (m *Manager) watchNetwork() {
	ch, unsub := m.bus.Subscribe(bus.KindNetOnline, 8)
	defer unsub()
	for range ch {
		if m.machine.Current() == status.Connected {
			continue
		}
		m.logger.Info("network restored, attempting reconnect")
		m.triggerReconnect(true)
	}
}

// triggerReconnect starts the reconnection sequence unless one is already
// in flight, the user disconnected manually, or nothing was ever started.
func (m *Manager) triggerReconnect(immediate bool) {
	m.mu.Lock()
	manual := m.manual
	started := m.started
	m.mu.Unlock()
	if manual || !started {
		return
	}
	select {
	case <-m.dialSlot:
	default:
		// An attempt is already in flight; late triggers are dropped.
		return
	}
	go m.reconnectLoop(immediate)
}

// reconnectLoop retries until it lands a connection, the user disconnects,
// or the server rejects our credentials. The delay escalates from the
// short quick-retry interval to the long interval; the retry budget is
// unbounded because the device may simply be offline for a long time.
func (m *Manager) reconnectLoop(immediate bool) {
	defer func() { m.dialSlot <- struct{}{} }()

	_ = m.machine.Transition(status.Reconnecting)

	cancel := make(chan struct{})
	m.mu.Lock()
	if m.manual {
		m.mu.Unlock()
		return
	}
	m.reconnectCancel = cancel
	m.mu.Unlock()

	for {
		m.mu.Lock()
		attempt := m.attempts
		userID, token := m.userID, m.token
		gen := m.gen
		m.mu.Unlock()

		delay := m.cfg.ReconnectDelay()
		if attempt >= m.cfg.Reconnect.QuickRetries {
			delay = m.cfg.LongReconnectDelay()
		}
		if immediate {
			immediate = false
			delay = 0
		}

		select {
		case <-time.After(delay):
		case <-cancel:
			return
		}

		m.mu.Lock()
		if m.manual {
			m.mu.Unlock()
			return
		}
		m.mu.Unlock()

		_ = m.machine.Transition(status.Connecting)

		c, err := m.dial(cancel, userID, token)
		if err != nil {
			if errors.Is(err, transport.ErrAuthRejected) {
				m.logger.Error("reconnect rejected: credentials invalid")
				m.publishAuthError(err.Error())
				_ = m.machine.Transition(status.Disconnected)
				return
			}
			select {
			case <-cancel:
				return
			default:
			}
			m.mu.Lock()
			m.attempts++
			n := m.attempts
			m.mu.Unlock()
			m.logger.Warn("reconnect attempt failed", zap.Int("attempt", n), zap.Error(err))
			_ = m.machine.Transition(status.Reconnecting)
			continue
		}

		m.mu.Lock()
		if m.reconnectCancel == cancel {
			m.reconnectCancel = nil
		}
		m.mu.Unlock()

		m.afterConnect(context.Background(), c, gen)
		return
	}
}

// dial runs one attempt, aborted early when cancel closes mid-dial.
func (m *Manager) dial(cancel <-chan struct{}, userID, token string) (transport.Conn, error) {
	ctx, cancelDial := context.WithTimeout(context.Background(), dialTimeout)
	defer cancelDial()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-cancel:
			cancelDial()
		case <-done:
		}
	}()

	return m.dialer.Dial(ctx, userID, token)
}

func (m *Manager) handleInbound(env wire.Envelope) {
	payload, err := wire.Decode(env)
	if err != nil {
		m.logger.Warn("undecodable inbound event", zap.String("event", env.Event), zap.Error(err))
		return
	}

	switch env.Event {
	case wire.EvHeartbeatAck:
		m.mu.Lock()
		m.lastAck = time.Now()
		m.mu.Unlock()

	case wire.EvError:
		se := payload.(wire.ServerError)
		if se.IsAuth() {
			m.logger.Error("server rejected credentials", zap.String("message", se.Message))
			m.publishAuthError(se.Message)
			// No blind retry: the application must refresh the token and
			// call Connect again.
			m.Disconnect()
			return
		}
		m.logger.Warn("server error", zap.String("message", se.Message))
		m.publish(bus.KindServerError, se)

	case wire.EvNewMessage:
		m.publish(bus.KindNewMessage, payload.(wire.NewMessage))

	case wire.EvOfflineMessages:
		// Server-side redelivery on reconnect: replay locally through the
		// same new-message path.
		om := payload.(wire.OfflineMessages)
		m.logger.Info("replaying offline messages", zap.Int("count", len(om.Messages)))
		for _, msg := range om.Messages {
			m.publish(bus.KindNewMessage, wire.NewMessage{MatchID: msg.MatchID, Message: msg})
		}

	case wire.EvUserTyping:
		m.publish(bus.KindUserTyping, payload.(wire.UserTyping))
	case wire.EvMessagesRead:
		m.publish(bus.KindMessagesRead, payload.(wire.MessagesRead))
	case wire.EvUserJoined:
		m.publish(bus.KindUserJoined, payload.(wire.UserPresence))
	case wire.EvUserLeft:
		m.publish(bus.KindUserLeft, payload.(wire.UserPresence))
	case wire.EvUserOffline:
		m.publish(bus.KindUserOffline, payload.(wire.UserPresence))
	case wire.EvOnlineStatus:
		m.publish(bus.KindOnlineStatus, payload.([]wire.UserStatus))

	default:
		m.logger.Warn("unhandled inbound event", zap.String("event", env.Event))
	}
}

func (m *Manager) publish(kind string, payload any) {
	m.bus.Publish(bus.Event{Kind: kind, Timestamp: time.Now(), Payload: payload})
}

func (m *Manager) publishAuthError(message string) {
	m.publish(bus.KindAuthError, wire.ServerError{Message: message, Code: "unauthorized"})
}
