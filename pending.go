package enjambre

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ReplayFunc replays one queued mutation against the remote store. A nil
// error confirms the write.
type ReplayFunc func(ctx context.Context, m PendingMutation) error

// PendingQueue is the durable FIFO of writes made while offline.
//
// Every mutation is persisted before Enqueue returns. Drain replays the queue
// in order and removes a mutation only after its replay succeeded; the first
// failure stops the drain and leaves the failed mutation at the head.
type PendingQueue struct {
	store   PendingStore
	logger  *zap.Logger
	metrics *Metrics

	mu       sync.Mutex
	items    []PendingMutation
	draining bool

	flushed emitter[int]
	changed emitter[int]
}

// NewPendingQueue loads the persisted queue from store.
func NewPendingQueue(store PendingStore, logger *zap.Logger, metrics *Metrics) (*PendingQueue, error) {
	if store == nil {
		store = NewMemoryStore()
	}
	items, err := store.ListPending()
	if err != nil {
		return nil, ErrStorage("queue.load", "failed to load pending mutations").WithCause(err)
	}
	q := &PendingQueue{
		store:   store,
		logger:  orNop(logger).Named("queue"),
		metrics: metrics,
		items:   items,
	}
	metrics.setPending(len(items))
	if len(items) > 0 {
		q.logger.Info("restored pending mutations", zap.Int("count", len(items)))
	}
	return q, nil
}

// NewPendingMutation wraps a payload with a fresh pending local id.
func NewPendingMutation(kind MutationKind, payload any) (PendingMutation, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return PendingMutation{}, ErrInvalid("queue.wrap", "payload is not serializable").WithCause(err)
	}
	return PendingMutation{
		LocalID:    PendingIDPrefix + uuid.NewString(),
		Kind:       kind,
		Payload:    data,
		EnqueuedAt: time.Now().UTC(),
	}, nil
}

// Enqueue persists m and appends it to the queue.
func (q *PendingQueue) Enqueue(m PendingMutation) error {
	if m.LocalID == "" {
		return ErrInvalid("queue.enqueue", "mutation has no local id")
	}
	if m.EnqueuedAt.IsZero() {
		m.EnqueuedAt = time.Now().UTC()
	}
	// Persisting under the lock keeps a concurrent drain from clearing the
	// store between the write and the append.
	q.mu.Lock()
	if err := q.store.AppendPending(m); err != nil {
		q.mu.Unlock()
		return ErrStorage("queue.enqueue", "failed to persist mutation").WithCause(err)
	}
	q.items = append(q.items, m)
	n := len(q.items)
	q.mu.Unlock()

	q.logger.Debug("mutation queued", zap.String("local_id", m.LocalID), zap.String("kind", string(m.Kind)))
	q.metrics.setPending(n)
	q.changed.emit(n)
	return nil
}

// Drain replays queued mutations in enqueue order. It returns the number of
// mutations confirmed. A drain already in flight makes the call return
// immediately with a Busy error.
func (q *PendingQueue) Drain(ctx context.Context, replay ReplayFunc) (int, error) {
	q.mu.Lock()
	if q.draining {
		q.mu.Unlock()
		return 0, ErrBusy("queue.drain", "drain already in progress")
	}
	q.draining = true
	q.mu.Unlock()

	defer func() {
		q.mu.Lock()
		q.draining = false
		q.mu.Unlock()
	}()

	flushed := 0
	for {
		if err := ctx.Err(); err != nil {
			return flushed, ErrTransient("queue.drain", "drain interrupted").WithCause(err)
		}

		q.mu.Lock()
		if len(q.items) == 0 {
			if flushed > 0 {
				if err := q.store.ClearPending(); err != nil {
					q.logger.Warn("failed to clear pending store", zap.Error(err))
				}
			}
			q.mu.Unlock()
			break
		}
		head := q.items[0]
		q.mu.Unlock()

		if err := replay(ctx, head); err != nil {
			q.metrics.replayed(false)
			q.logger.Warn("replay failed, queue blocked until next reconnect",
				zap.String("local_id", head.LocalID), zap.Error(err))
			return flushed, ErrTransient("queue.drain", "replay of "+head.LocalID+" failed").WithCause(err)
		}
		q.metrics.replayed(true)

		if err := q.store.RemovePending(head.LocalID); err != nil {
			q.logger.Warn("failed to remove replayed mutation", zap.String("local_id", head.LocalID), zap.Error(err))
		}

		q.mu.Lock()
		if len(q.items) > 0 && q.items[0].LocalID == head.LocalID {
			q.items = q.items[1:]
		}
		n := len(q.items)
		q.mu.Unlock()

		flushed++
		q.metrics.setPending(n)
		q.changed.emit(n)
	}

	if flushed == 0 {
		return 0, nil
	}
	q.logger.Info("pending mutations flushed", zap.Int("count", flushed))
	q.flushed.emit(flushed)
	return flushed, nil
}

// Draining reports whether a drain is in flight.
func (q *PendingQueue) Draining() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.draining
}

// PersistedState returns the durable list as stored.
func (q *PendingQueue) PersistedState() ([]PendingMutation, error) {
	return q.store.ListPending()
}

// Snapshot returns the in-memory queue in order.
func (q *PendingQueue) Snapshot() []PendingMutation {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]PendingMutation(nil), q.items...)
}

// Len returns the number of queued mutations.
func (q *PendingQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// OnFlushed registers h to receive the count after each full drain.
func (q *PendingQueue) OnFlushed(h func(count int)) Unsubscribe {
	return q.flushed.on(h)
}

// OnChange registers h to receive the queue length whenever it changes.
func (q *PendingQueue) OnChange(h func(pending int)) Unsubscribe {
	return q.changed.on(h)
}
