package conn

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/pairup/chatlink/internal/bus"
	"github.com/pairup/chatlink/internal/config"
	"github.com/pairup/chatlink/internal/queue"
	"github.com/pairup/chatlink/internal/status"
	"github.com/pairup/chatlink/internal/store"
	"github.com/pairup/chatlink/internal/transport"
	"github.com/pairup/chatlink/internal/wire"
	"go.uber.org/zap"
)

// fakeConn is an in-memory transport connection under test control.
type fakeConn struct {
	mu     sync.Mutex
	sent   []wire.Envelope
	events chan wire.Envelope
	closed bool
	err    error
}

func newFakeConn() *fakeConn {
	return &fakeConn{events: make(chan wire.Envelope, 64)}
}

func (c *fakeConn) Emit(env wire.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return transport.ErrClosed
	}
	c.sent = append(c.sent, env)
	return nil
}

func (c *fakeConn) Events() <-chan wire.Envelope { return c.events }

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.events)
	}
	return nil
}

func (c *fakeConn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// dropFromServer simulates an unexpected remote drop.
func (c *fakeConn) dropFromServer() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		c.err = errors.New("connection reset by peer")
		close(c.events)
	}
}

func (c *fakeConn) sentEvents() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var names []string
	for _, env := range c.sent {
		names = append(names, env.Event)
	}
	return names
}

// fakeDialer hands out fakeConns and tracks dial concurrency.
type fakeDialer struct {
	mu          sync.Mutex
	calls       int
	failFirst   int // fail this many dials before succeeding
	authReject  bool
	dialDelay   time.Duration
	inFlight    int
	maxInFlight int
	conns       []*fakeConn
}

func (d *fakeDialer) Dial(_ context.Context, _, _ string) (transport.Conn, error) {
	d.mu.Lock()
	d.calls++
	call := d.calls
	d.inFlight++
	if d.inFlight > d.maxInFlight {
		d.maxInFlight = d.inFlight
	}
	delay := d.dialDelay
	d.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.inFlight--

	if d.authReject {
		return nil, transport.ErrAuthRejected
	}
	if call <= d.failFirst {
		return nil, errors.New("connection refused")
	}
	c := newFakeConn()
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

func (d *fakeDialer) lastConn() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

// testConfig uses zero-second reconnect delays so tests run fast, and a
// heartbeat interval long enough to stay silent unless a test wants it.
func testConfig() *config.Config {
	return &config.Config{
		Heartbeat: config.Heartbeat{IntervalSeconds: 3600, TimeoutSeconds: 3600},
		Reconnect: config.Reconnect{QuickRetries: 5},
	}
}

func testQueue(t *testing.T, b *bus.Bus) *queue.Queue {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := store.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return queue.New(db, b, zap.NewNop())
}

func testManager(t *testing.T, d transport.Dialer, cfg *config.Config) (*Manager, *bus.Bus) {
	t.Helper()
	b := bus.New()
	machine := status.NewMachine(b)
	q := testQueue(t, b)
	return NewManager(d, machine, q, b, cfg, zap.NewNop()), b
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestConnectSuccess(t *testing.T) {
	d := &fakeDialer{}
	m, _ := testManager(t, d, testConfig())

	if err := m.Connect(context.Background(), "u1", "t1"); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if m.Phase() != status.Connected {
		t.Errorf("phase = %s, want CONNECTED", m.Phase())
	}

	// Connect when already connected is a no-op.
	if err := m.Connect(context.Background(), "u1", "t1"); err != nil {
		t.Errorf("second Connect() error = %v", err)
	}
	if d.callCount() != 1 {
		t.Errorf("dial calls = %d, want 1", d.callCount())
	}
}

func TestFirstConnectFailurePropagates(t *testing.T) {
	d := &fakeDialer{failFirst: 1000}
	m, _ := testManager(t, d, testConfig())

	if err := m.Connect(context.Background(), "u1", "t1"); err == nil {
		t.Fatal("Connect() should fail when the first dial fails")
	}
	if m.Phase() != status.Disconnected {
		t.Errorf("phase = %s, want DISCONNECTED", m.Phase())
	}
}

func TestEmitBeforeConnectIsMisuse(t *testing.T) {
	d := &fakeDialer{}
	m, _ := testManager(t, d, testConfig())

	env, _ := wire.NewEnvelope(wire.EvSendMessage, wire.SendMessage{MatchID: "m1", Content: "x", Type: wire.TypeText})
	if err := m.Emit(env); !errors.Is(err, ErrNotStarted) {
		t.Errorf("Emit() before Connect error = %v, want ErrNotStarted", err)
	}
}

// TestSendScenario covers the end-to-end property: a message sent while
// connected reaches the transport as exactly one send-message event whose
// content is the ciphertext handed in, not plaintext.
func TestSendScenario(t *testing.T) {
	d := &fakeDialer{}
	m, _ := testManager(t, d, testConfig())

	if err := m.Connect(context.Background(), "u1", "t1"); err != nil {
		t.Fatal(err)
	}

	env, _ := wire.NewEnvelope(wire.EvSendMessage, wire.SendMessage{MatchID: "m1", Content: "ciphertext-blob", Type: wire.TypeText})
	if err := m.Emit(env); err != nil {
		t.Fatalf("Emit() error = %v", err)
	}

	c := d.lastConn()
	var sends int
	for _, name := range c.sentEvents() {
		if name == wire.EvSendMessage {
			sends++
		}
	}
	if sends != 1 {
		t.Errorf("transport received %d send-message events, want 1", sends)
	}
}

func TestMessagesQueuedWhileDisconnectedFlushInOrder(t *testing.T) {
	d := &fakeDialer{failFirst: 1}
	m, _ := testManager(t, d, testConfig())

	// First attempt fails; manager is started but disconnected.
	if err := m.Connect(context.Background(), "u1", "t1"); err == nil {
		t.Fatal("expected first connect to fail")
	}

	for _, content := range []string{"cipher-A", "cipher-B", "cipher-C"} {
		env, _ := wire.NewEnvelope(wire.EvSendMessage, wire.SendMessage{MatchID: "m1", Content: content, Type: wire.TypeText})
		if err := m.Emit(env); err != nil {
			t.Fatal(err)
		}
	}

	// Second connect succeeds and must flush A, B, C in order.
	if err := m.Connect(context.Background(), "u1", "t1"); err != nil {
		t.Fatal(err)
	}

	c := d.lastConn()
	waitFor(t, 2*time.Second, func() bool {
		n := 0
		for _, name := range c.sentEvents() {
			if name == wire.EvSendMessage {
				n++
			}
		}
		return n == 3
	})

	var contents []string
	c.mu.Lock()
	for _, env := range c.sent {
		if env.Event != wire.EvSendMessage {
			continue
		}
		payload, err := wire.Decode(env)
		if err != nil {
			t.Fatal(err)
		}
		contents = append(contents, payload.(wire.SendMessage).Content)
	}
	c.mu.Unlock()

	want := []string{"cipher-A", "cipher-B", "cipher-C"}
	for i := range want {
		if contents[i] != want[i] {
			t.Errorf("flush[%d] = %q, want %q", i, contents[i], want[i])
		}
	}
}

func TestNonDurableEventsDroppedWhileDisconnected(t *testing.T) {
	d := &fakeDialer{failFirst: 1}
	m, _ := testManager(t, d, testConfig())

	_ = m.Connect(context.Background(), "u1", "t1") // fails, manager started

	env, _ := wire.NewEnvelope(wire.EvTypingStart, wire.RoomRef{MatchID: "m1"})
	if err := m.Emit(env); err != nil {
		t.Errorf("Emit(typing-start) while disconnected error = %v, want nil (dropped)", err)
	}

	// Reconnect: nothing must have been queued.
	if err := m.Connect(context.Background(), "u1", "t1"); err != nil {
		t.Fatal(err)
	}
	time.Sleep(50 * time.Millisecond)
	for _, name := range d.lastConn().sentEvents() {
		if name == wire.EvSendMessage {
			t.Error("typing indicator was durably queued; it should have been dropped")
		}
	}
}

func TestAutoReconnectAfterDrop(t *testing.T) {
	d := &fakeDialer{}
	m, _ := testManager(t, d, testConfig())

	if err := m.Connect(context.Background(), "u1", "t1"); err != nil {
		t.Fatal(err)
	}

	d.lastConn().dropFromServer()

	waitFor(t, 2*time.Second, func() bool { return d.callCount() >= 2 })
	waitFor(t, 2*time.Second, func() bool { return m.Phase() == status.Connected })
}

func TestSingleInflightReconnect(t *testing.T) {
	d := &fakeDialer{failFirst: 1000, dialDelay: 20 * time.Millisecond}
	m, b := testManager(t, d, testConfig())

	// Seed credentials with a failing first connect.
	_ = m.Connect(context.Background(), "u1", "t1")
	base := d.callCount()

	// Fire the two concurrent triggers: a transport-level drop path and a
	// burst of network-restore events while reconnection is in flight.
	m.triggerReconnect(false)
	for i := 0; i < 5; i++ {
		b.Publish(bus.Event{Kind: bus.KindNetOnline, Timestamp: time.Now()})
	}

	waitFor(t, 2*time.Second, func() bool { return d.callCount() > base })
	time.Sleep(200 * time.Millisecond)

	d.mu.Lock()
	maxInFlight := d.maxInFlight
	d.mu.Unlock()
	if maxInFlight > 1 {
		t.Errorf("max concurrent dials = %d, want 1 (single reconnect sequence)", maxInFlight)
	}

	m.Disconnect()
}

// TestConnectDuringReconnectKeepsSingleConnection covers the explicit-retry
// trigger racing the automatic loop: a Connect issued while a reconnect dial
// is mid-flight must serialize behind it, and only one transport connection
// may be left open afterwards.
func TestConnectDuringReconnectKeepsSingleConnection(t *testing.T) {
	d := &fakeDialer{failFirst: 1, dialDelay: 50 * time.Millisecond}
	m, _ := testManager(t, d, testConfig())

	// Seed credentials; the first dial fails.
	_ = m.Connect(context.Background(), "u1", "t1")

	// Kick the automatic loop and wait until its dial is in flight.
	m.triggerReconnect(true)
	waitFor(t, 2*time.Second, func() bool {
		d.mu.Lock()
		defer d.mu.Unlock()
		return d.inFlight > 0
	})

	if err := m.Connect(context.Background(), "u1", "t1"); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if m.Phase() != status.Connected {
		t.Errorf("phase = %s, want CONNECTED", m.Phase())
	}

	d.mu.Lock()
	maxInFlight := d.maxInFlight
	conns := append([]*fakeConn(nil), d.conns...)
	d.mu.Unlock()

	if maxInFlight > 1 {
		t.Errorf("max concurrent dials = %d, want 1", maxInFlight)
	}
	var open int
	for _, c := range conns {
		c.mu.Lock()
		if !c.closed {
			open++
		}
		c.mu.Unlock()
	}
	if open != 1 {
		t.Errorf("open connections = %d, want exactly 1", open)
	}
	m.Disconnect()
}

// TestDisconnectDuringDialDiscardsConnection: a manual disconnect issued
// while a dial is in flight must win — the late connection is shut down
// instead of installed, and the manager stays DISCONNECTED.
func TestDisconnectDuringDialDiscardsConnection(t *testing.T) {
	d := &fakeDialer{dialDelay: 150 * time.Millisecond}
	m, _ := testManager(t, d, testConfig())

	errCh := make(chan error, 1)
	go func() { errCh <- m.Connect(context.Background(), "u1", "t1") }()

	waitFor(t, 2*time.Second, func() bool {
		d.mu.Lock()
		defer d.mu.Unlock()
		return d.inFlight > 0
	})
	m.Disconnect()

	if err := <-errCh; err == nil {
		t.Error("Connect() superseded by Disconnect should not report success")
	}
	if m.Phase() != status.Disconnected {
		t.Errorf("phase = %s, want DISCONNECTED", m.Phase())
	}

	// The late connection must end up closed, not live.
	waitFor(t, 2*time.Second, func() bool {
		c := d.lastConn()
		if c == nil {
			return false
		}
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.closed
	})

	// And nothing revives it afterwards.
	time.Sleep(100 * time.Millisecond)
	if d.callCount() != 1 {
		t.Errorf("dial calls = %d after manual disconnect, want 1", d.callCount())
	}
}

func TestManualDisconnectSuppressesReconnect(t *testing.T) {
	d := &fakeDialer{}
	m, b := testManager(t, d, testConfig())

	if err := m.Connect(context.Background(), "u1", "t1"); err != nil {
		t.Fatal(err)
	}
	m.Disconnect()

	if m.Phase() != status.Disconnected {
		t.Errorf("phase = %s, want DISCONNECTED", m.Phase())
	}

	// Neither a connectivity change nor time passing may revive it.
	b.Publish(bus.Event{Kind: bus.KindNetOnline, Timestamp: time.Now()})
	time.Sleep(150 * time.Millisecond)

	if d.callCount() != 1 {
		t.Errorf("dial calls = %d after manual disconnect, want 1", d.callCount())
	}

	// Disconnect is idempotent.
	m.Disconnect()
}

func TestHeartbeatProbesAndTimeout(t *testing.T) {
	cfg := &config.Config{
		// 1s probe interval with an already-expired timeout window: the
		// first tick declares the connection dead.
		Heartbeat: config.Heartbeat{IntervalSeconds: 1, TimeoutSeconds: -1},
		Reconnect: config.Reconnect{QuickRetries: 5},
	}
	d := &fakeDialer{}
	m, _ := testManager(t, d, cfg)

	if err := m.Connect(context.Background(), "u1", "t1"); err != nil {
		t.Fatal(err)
	}

	// The stalled-socket guard must drop and redial without any transport
	// disconnect report.
	waitFor(t, 4*time.Second, func() bool { return d.callCount() >= 2 })
	m.Disconnect()
}

func TestHeartbeatAckKeepsConnectionAlive(t *testing.T) {
	cfg := &config.Config{
		Heartbeat: config.Heartbeat{IntervalSeconds: 1, TimeoutSeconds: 3600},
		Reconnect: config.Reconnect{QuickRetries: 5},
	}
	d := &fakeDialer{}
	m, _ := testManager(t, d, cfg)

	if err := m.Connect(context.Background(), "u1", "t1"); err != nil {
		t.Fatal(err)
	}
	c := d.lastConn()

	// Wait for a probe, ack it, and verify the connection survives.
	waitFor(t, 3*time.Second, func() bool {
		for _, name := range c.sentEvents() {
			if name == wire.EvHeartbeat {
				return true
			}
		}
		return false
	})
	c.events <- wire.Envelope{Event: wire.EvHeartbeatAck}

	time.Sleep(100 * time.Millisecond)
	if m.Phase() != status.Connected {
		t.Errorf("phase = %s, want CONNECTED", m.Phase())
	}
	if d.callCount() != 1 {
		t.Errorf("dial calls = %d, want 1 (no reconnect)", d.callCount())
	}
	m.Disconnect()
}

func TestAuthErrorStopsRetryAndPublishes(t *testing.T) {
	d := &fakeDialer{}
	m, b := testManager(t, d, testConfig())

	ch, unsub := b.Subscribe(bus.KindAuthError, 10)
	defer unsub()

	if err := m.Connect(context.Background(), "u1", "t1"); err != nil {
		t.Fatal(err)
	}

	env, _ := wire.NewEnvelope(wire.EvError, wire.ServerError{Message: "token expired", Code: "unauthorized"})
	d.lastConn().events <- env

	select {
	case evt := <-ch:
		se, ok := evt.Payload.(wire.ServerError)
		if !ok || !se.IsAuth() {
			t.Errorf("payload = %+v, want auth ServerError", evt.Payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no conn.auth_error event published")
	}

	waitFor(t, 2*time.Second, func() bool { return m.Phase() == status.Disconnected })
	time.Sleep(100 * time.Millisecond)
	if d.callCount() != 1 {
		t.Errorf("dial calls = %d, want 1 (no blind retry on auth error)", d.callCount())
	}
}

func TestInboundNewMessagePublished(t *testing.T) {
	d := &fakeDialer{}
	m, b := testManager(t, d, testConfig())

	ch, unsub := b.Subscribe(bus.KindNewMessage, 10)
	defer unsub()

	if err := m.Connect(context.Background(), "u1", "t1"); err != nil {
		t.Fatal(err)
	}

	env, _ := wire.NewEnvelope(wire.EvNewMessage, wire.NewMessage{
		MatchID: "m1",
		Message: wire.Message{ID: "msg1", MatchID: "m1", SenderID: "u2", Content: "abc", Type: wire.TypeText},
	})
	d.lastConn().events <- env

	select {
	case evt := <-ch:
		nm := evt.Payload.(wire.NewMessage)
		if nm.Message.ID != "msg1" {
			t.Errorf("message id = %q, want msg1", nm.Message.ID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no chat.new_message event published")
	}
	m.Disconnect()
}

func TestOfflineMessagesReplayedAsNewMessages(t *testing.T) {
	d := &fakeDialer{}
	m, b := testManager(t, d, testConfig())

	ch, unsub := b.Subscribe(bus.KindNewMessage, 10)
	defer unsub()

	if err := m.Connect(context.Background(), "u1", "t1"); err != nil {
		t.Fatal(err)
	}

	env, _ := wire.NewEnvelope(wire.EvOfflineMessages, wire.OfflineMessages{
		Messages: []wire.Message{
			{ID: "a", MatchID: "m1"},
			{ID: "b", MatchID: "m1"},
		},
	})
	d.lastConn().events <- env

	for _, wantID := range []string{"a", "b"} {
		select {
		case evt := <-ch:
			nm := evt.Payload.(wire.NewMessage)
			if nm.Message.ID != wantID {
				t.Errorf("replayed id = %q, want %q", nm.Message.ID, wantID)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("missing replayed message %q", wantID)
		}
	}
	m.Disconnect()
}
