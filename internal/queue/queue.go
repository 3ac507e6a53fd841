// Package queue holds write operations that could not reach the network and
// replays them, in enqueue order, once connectivity returns.
package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/halversen/wardsync/internal/backend"
	"github.com/halversen/wardsync/internal/metrics"
	"github.com/halversen/wardsync/internal/storage"
)

// OperationStore abstracts the durable queue storage.
type OperationStore interface {
	EnqueueOperation(op storage.Operation) (int64, error)
	ListOperations() ([]storage.Operation, error)
	DeleteOperation(seq int64) error
	CountOperations() (int, error)
}

// ReplayFunc re-issues one queued operation against the network. A transport
// failure (backend.IsNetworkError) stops the drain; any other error means the
// request reached the server and was rejected, which counts as delivered.
type ReplayFunc func(ctx context.Context, op storage.Operation) error

// Queue is a durable, ordered log of deferred mutations.
type Queue struct {
	store   OperationStore
	metrics *metrics.SyncMetrics
	logger  *slog.Logger

	draining sync.Mutex // held for the duration of a drain
}

// New creates a Queue over the given store. metrics may be nil.
func New(store OperationStore, m *metrics.SyncMetrics) *Queue {
	return &Queue{store: store, metrics: m, logger: slog.Default()}
}

// Enqueue appends a deferred mutation and returns its assigned sequence
// number. The operation ID and queued-at timestamp are stamped here.
func (q *Queue) Enqueue(method, targetURL, headers string, body []byte) (int64, error) {
	seq, err := q.store.EnqueueOperation(storage.Operation{
		ID:        uuid.New().String(),
		Method:    method,
		TargetURL: targetURL,
		Headers:   headers,
		Body:      body,
		QueuedAt:  time.Now(),
	})
	if err != nil {
		return 0, err
	}
	q.metrics.ObserveEnqueued()
	q.refreshPendingGauge()
	q.logger.Info("write queued for later sync", "seq", seq, "method", method, "target", targetURL)
	return seq, nil
}

// Size returns the number of operations awaiting replay.
func (q *Queue) Size() (int, error) {
	return q.store.CountOperations()
}

// List returns all pending operations in replay order.
func (q *Queue) List() ([]storage.Operation, error) {
	return q.store.ListOperations()
}

// Drain replays all pending operations in ascending sequence order. On a
// transport failure it stops immediately, leaving the failed operation and
// everything after it queued, and returns the count replayed so far. An
// application-level rejection is logged, removed, and the drain continues —
// a rejected request will never succeed on retry.
//
// Drain is self-exclusive: a call while another drain is in flight is a no-op
// returning 0. Connectivity handlers may fire duplicates, and the next online
// event retries anyway.
func (q *Queue) Drain(ctx context.Context, replay ReplayFunc) (int, error) {
	if !q.draining.TryLock() {
		return 0, nil
	}
	defer q.draining.Unlock()

	ops, err := q.store.ListOperations()
	if err != nil {
		return 0, err
	}
	if len(ops) == 0 {
		return 0, nil
	}

	q.logger.Info("draining queued writes", "pending", len(ops))

	processed := 0
	for _, op := range ops {
		err := replay(ctx, op)
		if backend.IsNetworkError(err) {
			q.metrics.ObserveReplay("transport_failure")
			q.logger.Warn("replay stopped: network unreachable", "seq", op.Seq, "replayed", processed, "error", err)
			q.refreshPendingGauge()
			return processed, err
		}
		if err != nil {
			// Server reached but rejected the request. Remove it: retrying
			// cannot change the outcome.
			q.metrics.ObserveReplay("rejected")
			q.logger.Warn("queued write rejected by server, dropping", "seq", op.Seq, "method", op.Method, "target", op.TargetURL, "error", err)
		} else {
			q.metrics.ObserveReplay("delivered")
			q.logger.Info("queued write delivered", "seq", op.Seq, "method", op.Method, "target", op.TargetURL)
		}

		if delErr := q.store.DeleteOperation(op.Seq); delErr != nil {
			q.refreshPendingGauge()
			return processed, delErr
		}
		processed++
	}

	q.refreshPendingGauge()
	return processed, nil
}

func (q *Queue) refreshPendingGauge() {
	if n, err := q.store.CountOperations(); err == nil {
		q.metrics.SetPending(n)
	}
}
