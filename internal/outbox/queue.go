// Package outbox is the room's offline queue. Messages that cannot be sent
// because the link is down are persisted and replayed in order once it
// reopens.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/collab/internal/bus"
	"github.com/matheus3301/collab/internal/transport"
	"github.com/matheus3301/collab/internal/wire"
)

// Event kinds.
const (
	// KindDegraded carries a Degraded when durable storage failed and a
	// message lives only in memory.
	KindDegraded = "queue.degraded"
	// KindSent carries the wire.QueuedMessage that was just transmitted.
	KindSent = "queue.sent"
)

// Degraded is the payload of KindDegraded.
type Degraded struct {
	Sequence int64
	Op       string
	Err      error
}

// Storage is the durable backing of the queue. *store.DB and *store.Bolt
// implement it.
type Storage interface {
	Append(ctx context.Context, msg wire.QueuedMessage) error
	ListOrdered(ctx context.Context) ([]wire.QueuedMessage, error)
	Remove(ctx context.Context, sequence int64) error
}

// Transmitter writes one frame to the link. *transport.Supervisor
// implements it.
type Transmitter interface {
	Send(env wire.Envelope) error
}

// Emitter delivers events synchronously. *bus.Bus implements it.
type Emitter interface {
	Emit(evt bus.Event)
}

type entry struct {
	msg       wire.QueuedMessage
	persisted bool
}

// Queue is the ordered list of unsent messages. The in-memory list is the
// source of truth; storage is its backup.
type Queue struct {
	storage Storage
	link    Transmitter
	events  Emitter
	logger  *zap.Logger
	now     func() time.Time

	mu      sync.Mutex
	entries []entry
	nextSeq int64
}

// New creates an empty queue. Call Load to pick up messages persisted by an
// earlier process.
func New(storage Storage, link Transmitter, events Emitter, logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{
		storage: storage,
		link:    link,
		events:  events,
		logger:  logger,
		now:     time.Now,
		nextSeq: 1,
	}
}

// Load replaces the in-memory list with what storage holds.
func (q *Queue) Load(ctx context.Context) error {
	msgs, err := q.storage.ListOrdered(ctx)
	if err != nil {
		return fmt.Errorf("load queue: %w", err)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries = q.entries[:0]
	for _, m := range msgs {
		q.entries = append(q.entries, entry{msg: m, persisted: true})
		if m.Sequence >= q.nextSeq {
			q.nextSeq = m.Sequence + 1
		}
	}
	if len(msgs) > 0 {
		q.logger.Info("queue loaded", zap.Int("messages", len(msgs)), zap.Int64("next_sequence", q.nextSeq))
	}
	return nil
}

// Send transmits env straight away when nothing is queued ahead of it and
// the link is open. Otherwise it enqueues env and reports queued.
func (q *Queue) Send(ctx context.Context, env wire.Envelope) (queued bool, err error) {
	if q.Len() == 0 {
		err := q.link.Send(env)
		if err == nil {
			return false, nil
		}
		if !isLinkDown(err) {
			return false, err
		}
	}
	q.Enqueue(ctx, env)
	return true, nil
}

// Enqueue appends env and persists it. A storage failure keeps the message
// in memory, emits KindDegraded and is retried on the next Drain.
func (q *Queue) Enqueue(ctx context.Context, env wire.Envelope) wire.QueuedMessage {
	q.mu.Lock()
	msg := wire.QueuedMessage{Sequence: q.nextSeq, Envelope: env, EnqueuedAt: q.now()}
	q.nextSeq++
	q.entries = append(q.entries, entry{msg: msg})
	q.mu.Unlock()

	if err := q.storage.Append(ctx, msg); err != nil {
		q.degraded(msg.Sequence, "append", err)
	} else {
		q.markPersisted(msg.Sequence)
	}
	q.logger.Debug("message queued", zap.Int64("sequence", msg.Sequence), zap.String("type", env.Type))
	return msg
}

// Drain sends queued messages in order, one at a time, removing each from
// storage only after it was written to the link. It stops at the first send
// failure and returns it; the failed message stays at the head.
func (q *Queue) Drain(ctx context.Context) (sent int, err error) {
	q.persistPending(ctx)
	for {
		q.mu.Lock()
		if len(q.entries) == 0 {
			q.mu.Unlock()
			return sent, nil
		}
		head := q.entries[0]
		q.mu.Unlock()

		if err := ctx.Err(); err != nil {
			return sent, err
		}
		if err := q.link.Send(head.msg.Envelope); err != nil {
			q.logger.Info("drain paused", zap.Int64("sequence", head.msg.Sequence), zap.Int("sent", sent), zap.Error(err))
			return sent, err
		}

		q.mu.Lock()
		q.entries = q.entries[1:]
		q.mu.Unlock()
		sent++

		if head.persisted {
			if err := q.storage.Remove(ctx, head.msg.Sequence); err != nil {
				q.degraded(head.msg.Sequence, "remove", err)
			}
		}
		q.emit(bus.NewEvent(KindSent, head.msg))
	}
}

func (q *Queue) persistPending(ctx context.Context) {
	q.mu.Lock()
	var retry []wire.QueuedMessage
	for _, e := range q.entries {
		if !e.persisted {
			retry = append(retry, e.msg)
		}
	}
	q.mu.Unlock()

	for _, msg := range retry {
		if err := q.storage.Append(ctx, msg); err != nil {
			q.degraded(msg.Sequence, "append", err)
			return
		}
		q.markPersisted(msg.Sequence)
	}
}

func (q *Queue) markPersisted(seq int64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := range q.entries {
		if q.entries[i].msg.Sequence == seq {
			q.entries[i].persisted = true
			return
		}
	}
}

func (q *Queue) degraded(seq int64, op string, err error) {
	q.logger.Warn("queue storage failed, message held in memory", zap.Int64("sequence", seq), zap.String("op", op), zap.Error(err))
	q.emit(bus.NewEvent(KindDegraded, Degraded{Sequence: seq, Op: op, Err: err}))
}

func (q *Queue) emit(evt bus.Event) {
	if q.events != nil {
		q.events.Emit(evt)
	}
}

// Len returns the number of queued messages.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Has reports whether a message with envelope id is still queued.
func (q *Queue) Has(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, e := range q.entries {
		if e.msg.Envelope.ID == id {
			return true
		}
	}
	return false
}

// Discard removes the queued message with envelope id, wherever it sits,
// and reports whether one was found. It is for messages the relay has
// already answered for.
func (q *Queue) Discard(ctx context.Context, id string) bool {
	q.mu.Lock()
	var victim *entry
	for i, e := range q.entries {
		if e.msg.Envelope.ID == id {
			victim = &e
			q.entries = append(q.entries[:i:i], q.entries[i+1:]...)
			break
		}
	}
	q.mu.Unlock()

	if victim == nil {
		return false
	}
	if victim.persisted {
		if err := q.storage.Remove(ctx, victim.msg.Sequence); err != nil {
			q.degraded(victim.msg.Sequence, "remove", err)
		}
	}
	return true
}

// Snapshot returns a copy of the queued messages in order.
func (q *Queue) Snapshot() []wire.QueuedMessage {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]wire.QueuedMessage, len(q.entries))
	for i, e := range q.entries {
		out[i] = e.msg
	}
	return out
}

// isLinkDown reports whether err means the message should wait for the link
// rather than fail.
func isLinkDown(err error) bool {
	return errors.Is(err, transport.ErrNotConnected) || errors.Is(err, transport.ErrClosed)
}
