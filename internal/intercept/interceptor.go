// Package intercept sits between the UI's raw REST calls and the backend. It
// forwards record reads network-first with a cache fallback, queues record
// writes that cannot reach the network, and passes everything else through
// untouched.
package intercept

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/halversen/wardsync/internal/metrics"
	"github.com/halversen/wardsync/internal/storage"
)

const (
	defaultTimeout = 15 * time.Second
	maxBodySize    = 10 << 20 // 10MB
)

// Doer executes HTTP requests against the backend; swapped for tests.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// RecordCache is the cache-store subset the interceptor uses.
type RecordCache interface {
	PutRecord(r storage.Record) error
	GetRecordByPatientID(patientID string) (storage.Record, error)
}

// Enqueuer defers a failed write for later replay.
type Enqueuer interface {
	Enqueue(method, targetURL, headers string, body []byte) (int64, error)
}

// Deps carries the interceptor's collaborators. Transport defaults to an HTTP
// client with a 15s timeout; Metrics may be nil.
type Deps struct {
	BackendURL string
	Transport  Doer
	Cache      RecordCache
	Queue      Enqueuer
	Metrics    *metrics.SyncMetrics
}

// OfflineResponse is the synthesized body served when the network is
// unreachable. Offline is always true; Available distinguishes "offline with
// data" from "offline without data" so callers never see an ambiguous payload.
type OfflineResponse struct {
	Offline   bool            `json:"offline"`
	Available bool            `json:"available"`
	CachedAt  *time.Time      `json:"cachedAt,omitempty"`
	Record    json.RawMessage `json:"record,omitempty"`
	Message   string          `json:"message,omitempty"`
}

// QueuedResponse is the synthesized 202 body for a write accepted into the
// queue instead of failing the UI action.
type QueuedResponse struct {
	Queued  bool   `json:"queued"`
	Seq     int64  `json:"seq"`
	Message string `json:"message"`
}

// New builds the interceptor handler. Requests under /records are intercepted;
// everything else is proxied to the backend unmodified.
func New(deps Deps) http.Handler {
	if deps.Transport == nil {
		deps.Transport = &http.Client{Timeout: defaultTimeout}
	}
	ic := &interceptor{
		backendURL: strings.TrimRight(deps.BackendURL, "/"),
		transport:  deps.Transport,
		cache:      deps.Cache,
		queue:      deps.Queue,
		metrics:    deps.Metrics,
		logger:     slog.Default(),
	}

	r := chi.NewRouter()
	r.Get("/records/{id}", ic.handleRead)
	for _, method := range []string{http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete} {
		r.Method(method, "/records/{id}", http.HandlerFunc(ic.handleWrite))
	}
	r.Post("/records", ic.handleWrite)
	// Anything else is not ours to answer: unknown paths and method
	// mismatches on known paths (HEAD, OPTIONS, DELETE /records) both go to
	// the backend untouched.
	r.NotFound(ic.handlePassthrough)
	r.MethodNotAllowed(ic.handlePassthrough)
	return r
}

type interceptor struct {
	backendURL string
	transport  Doer
	cache      RecordCache
	queue      Enqueuer
	metrics    *metrics.SyncMetrics
	logger     *slog.Logger
}

// handleRead forwards a record read. On success the response passes through
// unmodified and the payload is cached without blocking the response; on a
// transport failure a well-formed offline response is synthesized from the
// cache.
func (ic *interceptor) handleRead(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	resp, err := ic.forward(r, nil)
	if err != nil {
		ic.serveOffline(w, id)
		return
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		ic.serveOffline(w, id)
		return
	}

	// An HTTP error status is a delivered answer at this layer; only the
	// 2xx payload is worth caching.
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		go func() {
			if err := ic.cache.PutRecord(storage.NewRecordSnapshot(id, body)); err != nil {
				ic.logger.Warn("caching record failed", "patient", id, "error", err)
			}
		}()
	}

	copyHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	w.Write(body)
}

func (ic *interceptor) serveOffline(w http.ResponseWriter, id string) {
	rec, err := ic.cache.GetRecordByPatientID(id)
	if err != nil {
		ic.metrics.ObserveCacheLookup(false)
		writeJSON(w, http.StatusOK, OfflineResponse{
			Offline: true,
			Message: "network unreachable and no cached copy of this record is available",
		})
		return
	}

	ic.metrics.ObserveCacheLookup(true)
	cachedAt := rec.CachedAt
	writeJSON(w, http.StatusOK, OfflineResponse{
		Offline:   true,
		Available: true,
		CachedAt:  &cachedAt,
		Record:    json.RawMessage(rec.Payload),
	})
}

// handleWrite forwards a record mutation. A transport failure hands the
// request to the queue and answers 202 rather than failing the UI action.
func (ic *interceptor) handleWrite(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		http.Error(w, "reading request body", http.StatusBadRequest)
		return
	}

	resp, fwdErr := ic.forward(r, body)
	if fwdErr == nil {
		defer resp.Body.Close()
		copyHeaders(w.Header(), resp.Header)
		w.WriteHeader(resp.StatusCode)
		io.Copy(w, resp.Body)
		return
	}

	headers, err := json.Marshal(pickForwardHeaders(r.Header))
	if err != nil {
		headers = []byte("{}")
	}
	seq, qErr := ic.queue.Enqueue(r.Method, r.URL.RequestURI(), string(headers), body)
	if qErr != nil {
		ic.logger.Error("queueing write failed", "target", r.URL.Path, "error", qErr)
		http.Error(w, "network unreachable and local queue unavailable", http.StatusServiceUnavailable)
		return
	}

	writeJSON(w, http.StatusAccepted, QueuedResponse{
		Queued:  true,
		Seq:     seq,
		Message: "saved locally, will sync when connectivity returns",
	})
}

// handlePassthrough proxies non-record paths with no interception.
func (ic *interceptor) handlePassthrough(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		http.Error(w, "reading request body", http.StatusBadRequest)
		return
	}

	resp, err := ic.forward(r, body)
	if err != nil {
		http.Error(w, "backend unreachable: "+err.Error(), http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	copyHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	io.Copy(w, resp.Body)
}

// forward re-issues the incoming request against the backend, preserving
// method, path, query, and forwardable headers.
func (ic *interceptor) forward(r *http.Request, body []byte) (*http.Response, error) {
	target := ic.backendURL + r.URL.RequestURI()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(r.Context(), r.Method, target, reader)
	if err != nil {
		return nil, err
	}
	for k, v := range pickForwardHeaders(r.Header) {
		req.Header.Set(k, v)
	}
	return ic.transport.Do(req)
}

// hop-by-hop headers are connection-scoped and must not be forwarded.
var hopHeaders = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
}

func pickForwardHeaders(h http.Header) map[string]string {
	out := make(map[string]string)
	for k, vs := range h {
		if hopHeaders[http.CanonicalHeaderKey(k)] || len(vs) == 0 {
			continue
		}
		out[k] = vs[0]
	}
	return out
}

func copyHeaders(dst, src http.Header) {
	for k, vs := range src {
		if hopHeaders[http.CanonicalHeaderKey(k)] {
			continue
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
