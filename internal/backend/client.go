package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/halversen/wardsync/internal/storage"
)

const (
	defaultTimeout = 10 * time.Second
	probeTimeout   = 2 * time.Second
	maxBodySize    = 10 << 20 // 10MB
)

// Client communicates with the clinical records backend. Every call carries an
// explicit timeout; a timed-out call is a transport failure, never a success.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a backend client for the given base URL. A timeout <= 0
// selects the default of 10s.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// StatusError is an application-level failure: the server was reached but
// rejected the request. It is never retried automatically and is surfaced to
// the caller verbatim.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("backend returned %d: %s", e.Code, e.Body)
}

// IsNetworkError reports whether err is a transport failure (DNS, connection
// refused, timeout) as opposed to an application error or nil. Transport
// failures are transient and trigger cache fallback or queueing.
func IsNetworkError(err error) bool {
	var ue *url.Error
	return errors.As(err, &ue)
}

// FetchRecord retrieves the record payload for the given key via
// GET /records/{key}. A non-2xx response yields *StatusError; a failure to
// reach the backend yields a transport error satisfying IsNetworkError.
func (c *Client) FetchRecord(ctx context.Context, key string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/records/"+url.PathEscape(key), nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &StatusError{Code: resp.StatusCode, Body: string(body)}
	}
	return body, nil
}

// Mutate sends a record mutation to the backend. On 2xx it returns the
// response body; a non-2xx yields *StatusError; a transport failure yields an
// error satisfying IsNetworkError (the caller then queues the operation).
func (c *Client) Mutate(ctx context.Context, method, path string, headers map[string]string, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	if req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &StatusError{Code: resp.StatusCode, Body: string(respBody)}
	}
	return respBody, nil
}

// Replay re-issues a queued operation against the backend. The distinction
// between the two error kinds drives drain semantics: a transport failure
// leaves the operation queued, an application error counts as delivered.
func (c *Client) Replay(ctx context.Context, op storage.Operation) error {
	var headers map[string]string
	if op.Headers != "" {
		if err := json.Unmarshal([]byte(op.Headers), &headers); err != nil {
			return fmt.Errorf("parsing queued headers: %w", err)
		}
	}
	_, err := c.Mutate(ctx, op.Method, op.TargetURL, headers, op.Body)
	return err
}

// Reachable performs a single lightweight probe of the backend. Any HTTP
// response, including an error status, counts as reachable; only a transport
// failure does not. Used once at startup to seed connectivity state — the
// daemon never polls.
func (c *Client) Reachable(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodHead, c.baseURL+"/", nil)
	if err != nil {
		return false
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return true
}
