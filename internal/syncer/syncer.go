// Package syncer drives record access: network first, durable cache as
// fallback, deferred writes replayed when connectivity returns.
package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/halversen/wardsync/internal/backend"
	"github.com/halversen/wardsync/internal/connectivity"
	"github.com/halversen/wardsync/internal/metrics"
	"github.com/halversen/wardsync/internal/queue"
	"github.com/halversen/wardsync/internal/storage"
)

// DefaultRetention is the cache retention window: snapshots older than this
// are removed by the eviction sweep.
const DefaultRetention = 7 * 24 * time.Hour

const prefetchConcurrency = 4

// ErrRecordUnavailable means both the network and the cache missed. It is
// terminal for the call; the UI has nothing to show.
var ErrRecordUnavailable = errors.New("record unavailable offline")

// Source tags where a fetch result came from.
type Source string

const (
	SourceLive  Source = "live"  // obtained from the network in this call
	SourceCache Source = "cache" // served from the local store; the network was unreachable
)

// Result is a tagged record fetch outcome. CachedAt is zero for live results.
type Result struct {
	Source   Source
	Payload  json.RawMessage
	CachedAt time.Time
}

// SaveResult reports how a write was handled.
type SaveResult struct {
	Queued bool  // false: delivered live; true: saved locally, will sync
	Seq    int64 // queue sequence number when Queued
}

// Backend is the subset of the backend client the orchestrator needs.
type Backend interface {
	FetchRecord(ctx context.Context, key string) ([]byte, error)
	Mutate(ctx context.Context, method, path string, headers map[string]string, body []byte) ([]byte, error)
	Replay(ctx context.Context, op storage.Operation) error
}

// RecordStore is the cache-store contract consumed by the orchestrator.
type RecordStore interface {
	PutRecord(r storage.Record) error
	GetRecordByPatientID(patientID string) (storage.Record, error)
	GetRecordByCardNumber(cardNumber string) (storage.Record, error)
	EvictRecordsOlderThan(maxAge time.Duration) (int64, error)
}

// Syncer orchestrates fetches and writes for the UI. Construct with New and
// share a single instance per daemon.
type Syncer struct {
	backend   Backend
	store     RecordStore
	queue     *queue.Queue
	monitor   *connectivity.Monitor
	metrics   *metrics.SyncMetrics
	retention time.Duration
	logger    *slog.Logger

	flight singleflight.Group

	storageWarn sync.Once // StorageUnavailable is surfaced once, then degraded silently
}

// New creates a Syncer and subscribes it to connectivity transitions: the
// Online transition triggers a queue drain in the background. metrics may be
// nil; retention <= 0 selects the 7-day default.
func New(b Backend, store RecordStore, q *queue.Queue, mon *connectivity.Monitor, m *metrics.SyncMetrics, retention time.Duration) *Syncer {
	if retention <= 0 {
		retention = DefaultRetention
	}
	s := &Syncer{
		backend:   b,
		store:     store,
		queue:     q,
		monitor:   mon,
		metrics:   m,
		retention: retention,
		logger:    slog.Default(),
	}
	mon.Subscribe(func(online bool) {
		if !online {
			return
		}
		go func() {
			if _, err := s.DrainQueue(context.Background()); err != nil {
				s.logger.Warn("drain after reconnect incomplete", "error", err)
			}
		}()
	})
	return s
}

// FetchRecord attempts a live fetch and falls back to the cache on a network
// failure. Live results are written through to the cache. Concurrent fetches
// for the same key are collapsed into one backend call. An application error
// from the backend is returned verbatim; ErrRecordUnavailable is returned only
// when both the network and the cache miss.
func (s *Syncer) FetchRecord(ctx context.Context, key string) (Result, error) {
	v, err, _ := s.flight.Do(key, func() (any, error) {
		// The flight is shared by every collapsed caller, so it must not
		// die with the first caller's context. The backend client carries
		// its own timeout.
		return s.fetchRecord(context.WithoutCancel(ctx), key)
	})
	if err != nil {
		return Result{}, err
	}
	return v.(Result), nil
}

func (s *Syncer) fetchRecord(ctx context.Context, key string) (Result, error) {
	payload, err := s.backend.FetchRecord(ctx, key)
	if err == nil {
		s.writeThrough(key, payload)
		s.metrics.ObserveFetch("live")
		return Result{Source: SourceLive, Payload: payload}, nil
	}

	if !backend.IsNetworkError(err) {
		// Server reached but rejected the request: surfaced verbatim,
		// never masked by the cache.
		return Result{}, err
	}

	rec, cacheErr := s.store.GetRecordByPatientID(key)
	if cacheErr != nil {
		s.metrics.ObserveCacheLookup(false)
		s.metrics.ObserveFetch("miss")
		if !errors.Is(cacheErr, storage.ErrNotFound) {
			s.warnStorage(cacheErr)
		}
		return Result{}, fmt.Errorf("%w: patient %s", ErrRecordUnavailable, key)
	}

	s.metrics.ObserveCacheLookup(true)
	s.metrics.ObserveFetch("cache")
	s.logger.Info("serving cached record, network unreachable", "patient", key, "cached_at", rec.CachedAt)
	return Result{Source: SourceCache, Payload: json.RawMessage(rec.Payload), CachedAt: rec.CachedAt}, nil
}

// FetchCachedByCard looks up a snapshot by card number in the cache only.
// This is the offline badge-scan path; there is no backend endpoint for it.
func (s *Syncer) FetchCachedByCard(cardNumber string) (Result, error) {
	rec, err := s.store.GetRecordByCardNumber(cardNumber)
	if err != nil {
		s.metrics.ObserveCacheLookup(false)
		if !errors.Is(err, storage.ErrNotFound) {
			s.warnStorage(err)
		}
		return Result{}, fmt.Errorf("%w: card %s", ErrRecordUnavailable, cardNumber)
	}
	s.metrics.ObserveCacheLookup(true)
	return Result{Source: SourceCache, Payload: json.RawMessage(rec.Payload), CachedAt: rec.CachedAt}, nil
}

// SaveRecord sends a mutation for the given patient. A transport failure
// queues the operation instead of failing the action; an application error is
// surfaced verbatim.
func (s *Syncer) SaveRecord(ctx context.Context, key string, body []byte) (SaveResult, error) {
	path := "/records/" + url.PathEscape(key)
	_, err := s.backend.Mutate(ctx, "PUT", path, nil, body)
	if err == nil {
		return SaveResult{}, nil
	}
	if !backend.IsNetworkError(err) {
		return SaveResult{}, err
	}

	seq, qErr := s.queue.Enqueue("PUT", path, "", body)
	if qErr != nil {
		s.warnStorage(qErr)
		return SaveResult{}, fmt.Errorf("queueing write: %w", qErr)
	}
	return SaveResult{Queued: true, Seq: seq}, nil
}

// DrainQueue replays pending writes now. Safe to call at any time; a drain
// already in flight makes this a no-op.
func (s *Syncer) DrainQueue(ctx context.Context) (int, error) {
	return s.queue.Drain(ctx, s.backend.Replay)
}

// EvictExpired removes snapshots older than the retention window. Called
// opportunistically at daemon startup, never from a background timer.
func (s *Syncer) EvictExpired() (int64, error) {
	n, err := s.store.EvictRecordsOlderThan(s.retention)
	if err != nil {
		return 0, err
	}
	s.metrics.ObserveEvicted(n)
	if n > 0 {
		s.logger.Info("evicted expired snapshots", "count", n, "retention", s.retention)
	}
	return n, nil
}

// Prefetch warms the cache for the given keys with bounded-concurrency live
// fetches ("pin a shift's patient list before going mobile"). It returns the
// number of records fetched live and the keys that could not be fetched.
func (s *Syncer) Prefetch(ctx context.Context, keys []string) (int, []string) {
	var (
		mu      sync.Mutex
		fetched int
		failed  []string
	)

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(prefetchConcurrency)
	for _, key := range keys {
		g.Go(func() error {
			res, err := s.FetchRecord(ctx, key)
			mu.Lock()
			defer mu.Unlock()
			if err != nil || res.Source != SourceLive {
				failed = append(failed, key)
				return nil
			}
			fetched++
			return nil
		})
	}
	g.Wait()
	return fetched, failed
}

// writeThrough caches a live payload. A cache-write failure must not fail the
// fetch; it degrades to network-only mode with a one-time warning.
func (s *Syncer) writeThrough(key string, payload []byte) {
	if err := s.store.PutRecord(storage.NewRecordSnapshot(key, payload)); err != nil {
		s.warnStorage(err)
	}
}

func (s *Syncer) warnStorage(err error) {
	s.storageWarn.Do(func() {
		s.logger.Warn("local store unavailable, degrading to network-only mode", "error", err)
	})
}
