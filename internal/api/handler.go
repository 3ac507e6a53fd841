// Package api exposes the management surface the clinical UI and the CLI talk
// to: tagged record fetches, queue inspection, connectivity events, and cache
// control.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/halversen/wardsync/internal/backend"
	"github.com/halversen/wardsync/internal/connectivity"
	"github.com/halversen/wardsync/internal/queue"
	"github.com/halversen/wardsync/internal/storage"
	"github.com/halversen/wardsync/internal/syncer"
)

const maxBodySize = 1 << 20 // 1MB for management requests; record bodies go through /records

type Deps struct {
	Syncer  *syncer.Syncer
	Queue   *queue.Queue
	Store   *storage.Store
	Monitor *connectivity.Monitor
	Token   string
}

// RecordResponse is a tagged fetch result. Stale is true for cache-served
// results: the snapshot may lag the backend.
type RecordResponse struct {
	Source   string          `json:"source"` // "live" or "cache"
	Stale    bool            `json:"stale"`
	CachedAt *time.Time      `json:"cachedAt,omitempty"`
	Record   json.RawMessage `json:"record"`
}

type StatusResponse struct {
	Online            bool `json:"online"`
	PendingOperations int  `json:"pendingOperations"`
	CachedRecords     int  `json:"cachedRecords"`
}

func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(BearerAuth(deps.Token))

	r.Get("/status", handleStatus(deps))
	r.Get("/records/{id}", handleGetRecord(deps))
	r.Put("/records/{id}", handleSaveRecord(deps))
	r.Get("/records/card/{card}", handleGetRecordByCard(deps))
	r.Get("/queue", handleListQueue(deps))
	r.Post("/sync", handleSync(deps))
	r.Post("/prefetch", handlePrefetch(deps))
	r.Post("/connectivity", handleConnectivity(deps))
	r.Post("/cache/evict", handleEvict(deps))
	r.Delete("/cache", handleClearCache(deps))

	return r
}

func handleStatus(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		pending, err := deps.Queue.Size()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "storage_error", "counting pending operations: %v", err)
			return
		}
		records, err := deps.Store.CountRecords()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "storage_error", "counting cached records: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, StatusResponse{
			Online:            deps.Monitor.Online(),
			PendingOperations: pending,
			CachedRecords:     records,
		})
	}
}

func handleGetRecord(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, err := deps.Syncer.FetchRecord(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeFetchError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toRecordResponse(res))
	}
}

func handleGetRecordByCard(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, err := deps.Syncer.FetchCachedByCard(chi.URLParam(r, "card"))
		if err != nil {
			writeFetchError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toRecordResponse(res))
	}
}

func handleSaveRecord(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
		var body json.RawMessage
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid record body: %v", err)
			return
		}

		res, err := deps.Syncer.SaveRecord(r.Context(), chi.URLParam(r, "id"), body)
		if err != nil {
			var se *backend.StatusError
			if errors.As(err, &se) {
				httpError(w, se.Code, "backend_error", "%s", se.Body)
				return
			}
			httpError(w, http.StatusInternalServerError, "storage_error", "%v", err)
			return
		}

		if res.Queued {
			writeJSON(w, http.StatusAccepted, map[string]any{
				"queued":  true,
				"seq":     res.Seq,
				"message": "saved locally, will sync when connectivity returns",
			})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"queued": false})
	}
}

func handleListQueue(deps Deps) http.HandlerFunc {
	type entry struct {
		Seq      int64     `json:"seq"`
		ID       string    `json:"id"`
		Method   string    `json:"method"`
		Target   string    `json:"target"`
		QueuedAt time.Time `json:"queuedAt"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		ops, err := deps.Queue.List()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "storage_error", "listing queue: %v", err)
			return
		}
		entries := make([]entry, 0, len(ops))
		for _, op := range ops {
			entries = append(entries, entry{
				Seq: op.Seq, ID: op.ID, Method: op.Method, Target: op.TargetURL, QueuedAt: op.QueuedAt,
			})
		}
		writeJSON(w, http.StatusOK, entries)
	}
}

func handleSync(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n, err := deps.Syncer.DrainQueue(r.Context())
		if err != nil {
			// Partial drains are normal when the network drops mid-replay;
			// report progress along with the stop reason.
			writeJSON(w, http.StatusOK, map[string]any{"replayed": n, "stopped": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"replayed": n})
	}
}

func handlePrefetch(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
		var req struct {
			IDs []string `json:"ids"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if len(req.IDs) == 0 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "ids is required")
			return
		}

		fetched, failed := deps.Syncer.Prefetch(r.Context(), req.IDs)
		writeJSON(w, http.StatusOK, map[string]any{"fetched": fetched, "failed": failed})
	}
}

func handleConnectivity(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
		var req struct {
			Online *bool `json:"online"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Online == nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "body must be {\"online\": true|false}")
			return
		}

		changed := deps.Monitor.Notify(*req.Online)
		writeJSON(w, http.StatusOK, map[string]any{"online": *req.Online, "changed": changed})
	}
}

func handleEvict(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
		var req struct {
			MaxAgeDays int `json:"maxAgeDays"`
		}
		// Body is optional; absence means the configured retention window.
		_ = json.NewDecoder(r.Body).Decode(&req)

		var (
			n   int64
			err error
		)
		if req.MaxAgeDays > 0 {
			n, err = deps.Store.EvictRecordsOlderThan(time.Duration(req.MaxAgeDays) * 24 * time.Hour)
		} else {
			n, err = deps.Syncer.EvictExpired()
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "storage_error", "evicting: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"evicted": n})
	}
}

func handleClearCache(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n, err := deps.Store.ClearRecords()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "storage_error", "clearing cache: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"cleared": n})
	}
}

func toRecordResponse(res syncer.Result) RecordResponse {
	out := RecordResponse{
		Source: string(res.Source),
		Stale:  res.Source == syncer.SourceCache,
		Record: res.Payload,
	}
	if !res.CachedAt.IsZero() {
		cachedAt := res.CachedAt
		out.CachedAt = &cachedAt
	}
	return out
}

func writeFetchError(w http.ResponseWriter, err error) {
	if errors.Is(err, syncer.ErrRecordUnavailable) {
		httpError(w, http.StatusNotFound, "record_unavailable", "%v", err)
		return
	}
	var se *backend.StatusError
	if errors.As(err, &se) {
		httpError(w, se.Code, "backend_error", "%s", se.Body)
		return
	}
	httpError(w, http.StatusInternalServerError, "api_error", "%v", err)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, status int, errType, format string, args ...any) {
	writeJSON(w, status, map[string]any{
		"error": map[string]string{
			"type":    errType,
			"message": fmt.Sprintf(format, args...),
		},
	})
}
