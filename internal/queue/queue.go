// Package queue implements the durable offline outbox. Messages that
// cannot be sent immediately are held here in strict insertion order and
// offered to the transport once the connection comes back.
package queue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pairup/chatlink/internal/bus"
	"github.com/pairup/chatlink/internal/store"
	"github.com/pairup/chatlink/internal/wire"
	"go.uber.org/zap"
)

// Emitter sends one envelope over a live connection.
type Emitter interface {
	Emit(env wire.Envelope) error
}

// Queue is the in-memory FIFO of undelivered messages, mirrored to the
// store on every change. The in-memory view is authoritative for the
// current process lifetime; persistence is best-effort and exists so an
// app restart does not lose pending messages.
type Queue struct {
	mu      sync.Mutex
	db      *store.DB
	bus     *bus.Bus
	logger  *zap.Logger
	entries []store.OutboxEntry
	loaded  bool
}

// New creates an offline queue backed by db.
func New(db *store.DB, b *bus.Bus, logger *zap.Logger) *Queue {
	return &Queue{
		db:     db,
		bus:    b,
		logger: logger,
	}
}

// Enqueue appends an already-encrypted message and persists it. Entries
// persisted by a previous process lifetime are restored first, so they keep
// their place ahead of the new one. Returns the locally generated client
// message ID.
func (q *Queue) Enqueue(matchID, payload, msgType string) string {
	entry := store.OutboxEntry{
		ClientMsgID: uuid.New().String(),
		MatchID:     matchID,
		Payload:     payload,
		MsgType:     msgType,
		Status:      "queued",
	}

	q.mu.Lock()
	q.loadLocked()
	q.entries = append(q.entries, entry)
	q.mu.Unlock()

	if err := q.db.QueueOutbox(entry.ClientMsgID, matchID, payload, msgType); err != nil {
		// Best-effort persistence: the in-memory queue stays authoritative.
		q.logger.Error("failed to persist outbox entry",
			zap.Error(err), zap.String("client_msg_id", entry.ClientMsgID))
	}

	q.publish(bus.KindQueueEnqueued, entry.ClientMsgID)
	return entry.ClientMsgID
}

// Len returns the number of undelivered messages.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.loadLocked()
	return len(q.entries)
}

// Cancel removes a single entry before delivery.
func (q *Queue) Cancel(clientMsgID string) {
	q.mu.Lock()
	for i, e := range q.entries {
		if e.ClientMsgID == clientMsgID {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			break
		}
	}
	q.mu.Unlock()

	if err := q.db.DeleteOutbox(clientMsgID); err != nil {
		q.logger.Error("failed to delete outbox entry",
			zap.Error(err), zap.String("client_msg_id", clientMsgID))
	}
}

// Flush offers every queued message to the transport in insertion order,
// one at a time. Entries the transport accepted are removed; entries it
// rejected stay queued for the next flush. Flushing an empty queue does
// nothing. Called by the connection manager after every successful
// (re)connection.
func (q *Queue) Flush(ctx context.Context, em Emitter) error {
	q.mu.Lock()
	q.loadLocked()
	pending := make([]store.OutboxEntry, len(q.entries))
	copy(pending, q.entries)
	q.mu.Unlock()

	if len(pending) == 0 {
		return nil
	}

	q.logger.Info("flushing offline queue", zap.Int("pending", len(pending)))

	var delivered []string
	for _, entry := range pending {
		if err := ctx.Err(); err != nil {
			break
		}

		if err := q.db.MarkOutboxSending(entry.ClientMsgID); err != nil {
			q.logger.Warn("failed to mark sending",
				zap.Error(err), zap.String("client_msg_id", entry.ClientMsgID))
		}

		env, err := wire.NewEnvelope(wire.EvSendMessage, wire.SendMessage{
			MatchID: entry.MatchID,
			Content: entry.Payload,
			Type:    entry.MsgType,
		})
		if err != nil {
			q.logger.Error("failed to encode outbox entry",
				zap.Error(err), zap.String("client_msg_id", entry.ClientMsgID))
			continue
		}

		if err := em.Emit(env); err != nil {
			q.logger.Error("failed to flush message",
				zap.Error(err), zap.String("client_msg_id", entry.ClientMsgID))
			if dbErr := q.db.MarkOutboxFailed(entry.ClientMsgID, err.Error()); dbErr != nil {
				q.logger.Warn("failed to mark failed", zap.Error(dbErr))
			}
			continue
		}

		if err := q.db.MarkOutboxSent(entry.ClientMsgID); err != nil {
			q.logger.Warn("failed to mark sent",
				zap.Error(err), zap.String("client_msg_id", entry.ClientMsgID))
		}
		delivered = append(delivered, entry.ClientMsgID)
	}

	q.mu.Lock()
	q.entries = removeDelivered(q.entries, delivered)
	remaining := len(q.entries)
	q.mu.Unlock()

	// The persisted copy is cleared only after the whole queue was offered.
	if err := q.db.ClearSentOutbox(); err != nil {
		q.logger.Warn("failed to clear sent outbox entries", zap.Error(err))
	}

	q.logger.Info("offline queue flushed",
		zap.Int("delivered", len(delivered)), zap.Int("remaining", remaining))
	q.bus.Publish(bus.Event{
		Kind:      bus.KindQueueFlushed,
		Timestamp: time.Now(),
		Payload:   FlushResult{Delivered: len(delivered), Remaining: remaining},
	})

	return nil
}

// FlushResult is the payload for queue.flushed events.
type FlushResult struct {
	Delivered int
	Remaining int
}

// loadLocked restores entries persisted by a previous process lifetime,
// once per lifetime. Callers hold q.mu.
func (q *Queue) loadLocked() {
	if q.loaded {
		return
	}
	q.loaded = true
	entries, err := q.db.PendingOutbox()
	if err != nil {
		q.logger.Error("failed to load persisted outbox", zap.Error(err))
		return
	}
	if len(entries) > 0 {
		q.logger.Info("loaded persisted outbox", zap.Int("entries", len(entries)))
	}
	q.entries = entries
}

func (q *Queue) publish(kind, clientMsgID string) {
	q.bus.Publish(bus.Event{
		Kind:      kind,
		Timestamp: time.Now(),
		Payload:   clientMsgID,
	})
}

func removeDelivered(entries []store.OutboxEntry, delivered []string) []store.OutboxEntry {
	if len(delivered) == 0 {
		return entries
	}
	sent := make(map[string]bool, len(delivered))
	for _, id := range delivered {
		sent[id] = true
	}
	kept := entries[:0]
	for _, e := range entries {
		if !sent[e.ClientMsgID] {
			kept = append(kept, e)
		}
	}
	return kept
}
