package queue

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/pairup/chatlink/internal/bus"
	"github.com/pairup/chatlink/internal/store"
	"github.com/pairup/chatlink/internal/wire"
	"go.uber.org/zap"
)

// mockEmitter records emitted envelopes and returns configurable errors.
type mockEmitter struct {
	sent []wire.Envelope
	err  error
}

func (m *mockEmitter) Emit(env wire.Envelope) error {
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, env)
	return nil
}

func testDB(t *testing.T) *store.DB {
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
	return db
}

func testQueue(t *testing.T) (*Queue, *store.DB) {
	t.Helper()
	db := testDB(t)
	logger := zap.NewNop()
	return New(db, bus.New(), logger), db
}

func contentOf(t *testing.T, env wire.Envelope) wire.SendMessage {
	t.Helper()
	payload, err := wire.Decode(env)
	if err != nil {
		t.Fatal(err)
	}
	sm, ok := payload.(wire.SendMessage)
	if !ok {
		t.Fatalf("payload type = %T, want SendMessage", payload)
	}
	return sm
}

func TestFlushPreservesOrder(t *testing.T) {
	q, _ := testQueue(t)

	q.Enqueue("m1", "cipher-A", wire.TypeText)
	q.Enqueue("m1", "cipher-B", wire.TypeText)
	q.Enqueue("m2", "cipher-C", wire.TypeText)

	em := &mockEmitter{}
	if err := q.Flush(context.Background(), em); err != nil {
		t.Fatal(err)
	}

	if len(em.sent) != 3 {
		t.Fatalf("got %d sends, want 3", len(em.sent))
	}
	want := []string{"cipher-A", "cipher-B", "cipher-C"}
	for i, env := range em.sent {
		if got := contentOf(t, env).Content; got != want[i] {
			t.Errorf("send[%d] = %q, want %q", i, got, want[i])
		}
	}
	if q.Len() != 0 {
		t.Errorf("Len() = %d after flush, want 0", q.Len())
	}
}

func TestFlushEmptyIsNoOp(t *testing.T) {
	q, _ := testQueue(t)

	em := &mockEmitter{}
	if err := q.Flush(context.Background(), em); err != nil {
		t.Fatal(err)
	}
	if len(em.sent) != 0 {
		t.Errorf("empty flush performed %d sends, want 0", len(em.sent))
	}
}

func TestFlushKeepsRejectedEntries(t *testing.T) {
	q, _ := testQueue(t)

	q.Enqueue("m1", "cipher-A", wire.TypeText)
	q.Enqueue("m1", "cipher-B", wire.TypeText)

	em := &mockEmitter{err: errors.New("connection lost")}
	if err := q.Flush(context.Background(), em); err != nil {
		t.Fatal(err)
	}

	if q.Len() != 2 {
		t.Errorf("Len() = %d, want 2 (nothing delivered)", q.Len())
	}

	// A later flush over a working transport delivers them in order.
	em2 := &mockEmitter{}
	if err := q.Flush(context.Background(), em2); err != nil {
		t.Fatal(err)
	}
	if len(em2.sent) != 2 {
		t.Fatalf("got %d sends, want 2", len(em2.sent))
	}
	if contentOf(t, em2.sent[0]).Content != "cipher-A" {
		t.Error("retry flush did not preserve insertion order")
	}
}

// TestLoadsPersistedEntries verifies a fresh process picks up what a
// previous lifetime left in the store.
func TestLoadsPersistedEntries(t *testing.T) {
	db := testDB(t)
	logger := zap.NewNop()

	// Previous lifetime.
	q1 := New(db, bus.New(), logger)
	q1.Enqueue("m1", "cipher-old", wire.TypeText)

	// New process, same store.
	q2 := New(db, bus.New(), logger)
	em := &mockEmitter{}
	if err := q2.Flush(context.Background(), em); err != nil {
		t.Fatal(err)
	}

	if len(em.sent) != 1 {
		t.Fatalf("got %d sends, want 1 from persisted state", len(em.sent))
	}
	if contentOf(t, em.sent[0]).Content != "cipher-old" {
		t.Errorf("flushed content = %q", contentOf(t, em.sent[0]).Content)
	}
}

// TestEnqueueAfterRestartKeepsPersistedOrder verifies that a lifetime whose
// first queue operation is an Enqueue still restores what the previous
// lifetime persisted, and flushes it ahead of the new message.
func TestEnqueueAfterRestartKeepsPersistedOrder(t *testing.T) {
	db := testDB(t)
	logger := zap.NewNop()

	// Previous lifetime leaves one undelivered message behind.
	q1 := New(db, bus.New(), logger)
	q1.Enqueue("m1", "cipher-old", wire.TypeText)

	// New process: enqueue first, flush second.
	q2 := New(db, bus.New(), logger)
	q2.Enqueue("m1", "cipher-new", wire.TypeText)

	em := &mockEmitter{}
	if err := q2.Flush(context.Background(), em); err != nil {
		t.Fatal(err)
	}

	if len(em.sent) != 2 {
		t.Fatalf("got %d sends, want 2 (persisted + new)", len(em.sent))
	}
	want := []string{"cipher-old", "cipher-new"}
	for i, env := range em.sent {
		if got := contentOf(t, env).Content; got != want[i] {
			t.Errorf("send[%d] = %q, want %q", i, got, want[i])
		}
	}
}

func TestCancelRemovesEntry(t *testing.T) {
	q, db := testQueue(t)

	id := q.Enqueue("m1", "cipher-A", wire.TypeText)
	q.Cancel(id)

	if q.Len() != 0 {
		t.Errorf("Len() = %d after cancel, want 0", q.Len())
	}
	pending, err := db.PendingOutbox()
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 0 {
		t.Errorf("store still holds %d entries after cancel", len(pending))
	}
}

func TestFlushPublishesEvent(t *testing.T) {
	db := testDB(t)
	b := bus.New()
	q := New(db, b, zap.NewNop())

	ch, unsub := b.Subscribe(bus.KindQueueFlushed, 10)
	defer unsub()

	q.Enqueue("m1", "cipher-A", wire.TypeText)
	if err := q.Flush(context.Background(), &mockEmitter{}); err != nil {
		t.Fatal(err)
	}

	select {
	case evt := <-ch:
		result, ok := evt.Payload.(FlushResult)
		if !ok {
			t.Fatalf("payload type = %T, want FlushResult", evt.Payload)
		}
		if result.Delivered != 1 || result.Remaining != 0 {
			t.Errorf("result = %+v, want delivered=1 remaining=0", result)
		}
	default:
		t.Fatal("no queue.flushed event published")
	}
}
