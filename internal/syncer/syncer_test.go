package syncer

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/halversen/wardsync/internal/backend"
	"github.com/halversen/wardsync/internal/connectivity"
	"github.com/halversen/wardsync/internal/queue"
	"github.com/halversen/wardsync/internal/storage"
)

// fakeBackend implements Backend with switchable connectivity.
type fakeBackend struct {
	mu       sync.Mutex
	online   bool
	records  map[string][]byte
	statuses map[string]int // key -> HTTP error status to return
	replayed []storage.Operation
	mutated  []string
}

func newFakeBackend(online bool) *fakeBackend {
	return &fakeBackend{
		online:   online,
		records:  make(map[string][]byte),
		statuses: make(map[string]int),
	}
}

func (f *fakeBackend) setOnline(online bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.online = online
}

func (f *fakeBackend) netErr() error {
	return &url.Error{Op: "Get", URL: "http://backend", Err: errors.New("i/o timeout")}
}

func (f *fakeBackend) FetchRecord(ctx context.Context, key string) ([]byte, error) {
	// A dead context fails at the transport like the real client would.
	if err := ctx.Err(); err != nil {
		return nil, &url.Error{Op: "Get", URL: "http://backend", Err: err}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.online {
		return nil, f.netErr()
	}
	if code, ok := f.statuses[key]; ok {
		return nil, &backend.StatusError{Code: code, Body: "rejected"}
	}
	payload, ok := f.records[key]
	if !ok {
		return nil, &backend.StatusError{Code: 404, Body: "no such patient"}
	}
	return payload, nil
}

func (f *fakeBackend) Mutate(_ context.Context, method, path string, _ map[string]string, _ []byte) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.online {
		return nil, f.netErr()
	}
	f.mutated = append(f.mutated, method+" "+path)
	return []byte(`{"ok":true}`), nil
}

func (f *fakeBackend) Replay(_ context.Context, op storage.Operation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.online {
		return f.netErr()
	}
	f.replayed = append(f.replayed, op)
	return nil
}

func (f *fakeBackend) replayCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.replayed)
}

type fixture struct {
	backend *fakeBackend
	store   *storage.Store
	queue   *queue.Queue
	monitor *connectivity.Monitor
	syncer  *Syncer
}

func setup(t *testing.T, online bool) *fixture {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	fb := newFakeBackend(online)
	q := queue.New(store, nil)
	mon := connectivity.NewMonitor(online)
	s := New(fb, store, q, mon, nil, 0)
	return &fixture{backend: fb, store: store, queue: q, monitor: mon, syncer: s}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// TestFetchRecordLive: network succeeds -> Live result, written through to cache.
func TestFetchRecordLive(t *testing.T) {
	f := setup(t, true)
	f.backend.records["42"] = []byte(`{"patientId":"42","cardNumber":"c-900","name":"Ada"}`)

	res, err := f.syncer.FetchRecord(context.Background(), "42")
	if err != nil {
		t.Fatalf("FetchRecord: %v", err)
	}
	if res.Source != SourceLive {
		t.Errorf("source = %q, want live", res.Source)
	}
	if string(res.Payload) != `{"patientId":"42","cardNumber":"c-900","name":"Ada"}` {
		t.Errorf("payload = %s", res.Payload)
	}

	cached, err := f.store.GetRecordByPatientID("42")
	if err != nil {
		t.Fatalf("write-through missing: %v", err)
	}
	if cached.Payload != string(res.Payload) {
		t.Errorf("cached payload = %q", cached.Payload)
	}
	if cached.CardNumber != "c-900" {
		t.Errorf("card number not indexed from payload: %q", cached.CardNumber)
	}
}

// TestFetchRecordFallsBackToCache: network fails but a snapshot exists ->
// Cached result with its capture timestamp, never an error.
func TestFetchRecordFallsBackToCache(t *testing.T) {
	f := setup(t, true)
	f.backend.records["42"] = []byte(`{"patientId":"42","v":1}`)

	if _, err := f.syncer.FetchRecord(context.Background(), "42"); err != nil {
		t.Fatalf("warm-up fetch: %v", err)
	}
	f.backend.setOnline(false)

	res, err := f.syncer.FetchRecord(context.Background(), "42")
	if err != nil {
		t.Fatalf("FetchRecord offline: %v", err)
	}
	if res.Source != SourceCache {
		t.Errorf("source = %q, want cache", res.Source)
	}
	if string(res.Payload) != `{"patientId":"42","v":1}` {
		t.Errorf("payload = %s", res.Payload)
	}
	if res.CachedAt.IsZero() {
		t.Error("cached result missing CachedAt")
	}
}

// TestFetchRecordDetachedFromCallerContext: collapsed fetches share one
// backend call, so a caller arriving with a canceled context must not fail
// the fetch for everyone collapsed onto it.
func TestFetchRecordDetachedFromCallerContext(t *testing.T) {
	f := setup(t, true)
	f.backend.records["42"] = []byte(`{"v":1}`)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := f.syncer.FetchRecord(ctx, "42")
	if err != nil {
		t.Fatalf("FetchRecord with canceled caller context: %v", err)
	}
	if res.Source != SourceLive {
		t.Errorf("source = %q, want live", res.Source)
	}
}

// TestFetchRecordUnavailable: network fails and cache has no entry.
func TestFetchRecordUnavailable(t *testing.T) {
	f := setup(t, false)

	_, err := f.syncer.FetchRecord(context.Background(), "99")
	if !errors.Is(err, ErrRecordUnavailable) {
		t.Fatalf("err = %v, want ErrRecordUnavailable", err)
	}
}

// TestFetchRecordApplicationErrorSurfaced: an HTTP error from the backend is
// returned verbatim and never masked by a cached copy.
func TestFetchRecordApplicationErrorSurfaced(t *testing.T) {
	f := setup(t, true)
	f.backend.records["42"] = []byte(`{"v":1}`)
	if _, err := f.syncer.FetchRecord(context.Background(), "42"); err != nil {
		t.Fatalf("warm-up fetch: %v", err)
	}

	f.backend.statuses["42"] = 403
	_, err := f.syncer.FetchRecord(context.Background(), "42")

	var se *backend.StatusError
	if !errors.As(err, &se) {
		t.Fatalf("err = %v, want *StatusError", err)
	}
	if se.Code != 403 {
		t.Errorf("code = %d, want 403", se.Code)
	}
}

func TestFetchCachedByCard(t *testing.T) {
	f := setup(t, true)
	f.backend.records["42"] = []byte(`{"patientId":"42","cardNumber":"c-1"}`)
	if _, err := f.syncer.FetchRecord(context.Background(), "42"); err != nil {
		t.Fatalf("warm-up fetch: %v", err)
	}

	res, err := f.syncer.FetchCachedByCard("c-1")
	if err != nil {
		t.Fatalf("FetchCachedByCard: %v", err)
	}
	if res.Source != SourceCache {
		t.Errorf("source = %q, want cache", res.Source)
	}

	if _, err := f.syncer.FetchCachedByCard("c-none"); !errors.Is(err, ErrRecordUnavailable) {
		t.Errorf("unknown card err = %v, want ErrRecordUnavailable", err)
	}
}

// TestSaveRecordQueuesOffline then drains on the online transition
// (connectivity event -> replay -> empty queue).
func TestSaveRecordQueuesOffline(t *testing.T) {
	f := setup(t, false)

	res, err := f.syncer.SaveRecord(context.Background(), "42", []byte(`{"note":"updated"}`))
	if err != nil {
		t.Fatalf("SaveRecord offline: %v", err)
	}
	if !res.Queued {
		t.Fatal("write not queued while offline")
	}
	if res.Seq != 1 {
		t.Errorf("seq = %d, want 1", res.Seq)
	}

	size, err := f.queue.Size()
	if err != nil {
		t.Fatalf("Size: %v", err)
	}
	if size != 1 {
		t.Fatalf("size = %d, want 1", size)
	}

	f.backend.setOnline(true)
	f.monitor.Notify(true)

	waitFor(t, "queue drain", func() bool {
		n, err := f.queue.Size()
		return err == nil && n == 0
	})
	if f.backend.replayCount() != 1 {
		t.Errorf("replayed = %d, want 1", f.backend.replayCount())
	}
}

func TestSaveRecordLive(t *testing.T) {
	f := setup(t, true)

	res, err := f.syncer.SaveRecord(context.Background(), "42", []byte(`{"note":"x"}`))
	if err != nil {
		t.Fatalf("SaveRecord: %v", err)
	}
	if res.Queued {
		t.Error("live write reported as queued")
	}
	size, _ := f.queue.Size()
	if size != 0 {
		t.Errorf("size = %d, want 0", size)
	}
}

// TestOfflineTransitionTakesNoAction: going offline only flips state; reads
// keep working via fallback without any drain attempt.
func TestOfflineTransitionTakesNoAction(t *testing.T) {
	f := setup(t, true)
	f.backend.records["42"] = []byte(`{"v":1}`)
	if _, err := f.syncer.FetchRecord(context.Background(), "42"); err != nil {
		t.Fatalf("warm-up fetch: %v", err)
	}

	f.backend.setOnline(false)
	f.monitor.Notify(false)

	res, err := f.syncer.FetchRecord(context.Background(), "42")
	if err != nil {
		t.Fatalf("FetchRecord after offline event: %v", err)
	}
	if res.Source != SourceCache {
		t.Errorf("source = %q, want cache", res.Source)
	}
}

func TestEvictExpired(t *testing.T) {
	f := setup(t, true)
	for i := range 3 {
		key := fmt.Sprintf("p%d", i)
		f.backend.records[key] = []byte(`{}`)
		if _, err := f.syncer.FetchRecord(context.Background(), key); err != nil {
			t.Fatalf("warm-up fetch %s: %v", key, err)
		}
	}

	// Fresh snapshots survive a sweep.
	n, err := f.syncer.EvictExpired()
	if err != nil {
		t.Fatalf("EvictExpired: %v", err)
	}
	if n != 0 {
		t.Errorf("evicted = %d, want 0", n)
	}
}

func TestPrefetch(t *testing.T) {
	f := setup(t, true)
	f.backend.records["a"] = []byte(`{}`)
	f.backend.records["b"] = []byte(`{}`)

	fetched, failed := f.syncer.Prefetch(context.Background(), []string{"a", "b", "missing"})
	if fetched != 2 {
		t.Errorf("fetched = %d, want 2", fetched)
	}
	if len(failed) != 1 || failed[0] != "missing" {
		t.Errorf("failed = %v, want [missing]", failed)
	}

	for _, key := range []string{"a", "b"} {
		if _, err := f.store.GetRecordByPatientID(key); err != nil {
			t.Errorf("prefetched %s not cached: %v", key, err)
		}
	}
}
