// Package transport implements the blocking HTTP collaborator used by
// AcquisitionEngine, UploadEngine, and FotaEngine: POST/GET with timeouts,
// bounded retries, and a per-URL circuit breaker.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"
)

// ErrTimeout wraps a request that exceeded its deadline.
var ErrTimeout = errors.New("transport: timeout")

// ErrStatus wraps a non-2xx HTTP response.
type ErrStatus struct {
	Code int
}

func (e *ErrStatus) Error() string {
	return fmt.Sprintf("transport: non-2xx status %d", e.Code)
}

// Response is the result of a successful request.
type Response struct {
	StatusCode int
	Body       []byte
}

// Transport is the blocking HTTP collaborator. Implementations own their own
// retry and backoff policy; callers treat a returned error as terminal for
// that call.
type Transport interface {
	Post(ctx context.Context, url string, headers map[string]string, body []byte) (*Response, error)
	Get(ctx context.Context, url string, headers map[string]string) (*Response, error)
}

// StreamResponse is the result of a streaming GET. The caller owns Body and
// must Close it.
type StreamResponse struct {
	StatusCode    int
	ContentLength int64
	Body          io.ReadCloser
}

// Streamer is the chunked-read extension of Transport used for large
// payloads (firmware images) that must not be buffered whole in memory.
// Only connection establishment is retried; once the body stream is handed
// to the caller a failure mid-stream is terminal for that attempt.
type Streamer interface {
	GetStream(ctx context.Context, url string, headers map[string]string) (*StreamResponse, error)
}

// HTTPTransport is the production Transport. Each distinct request URL gets
// its own circuit breaker so a failing upload endpoint doesn't trip polling.
type HTTPTransport struct {
	client *http.Client
	// streamClient carries no global timeout; streaming callers bound their
	// own reads via context deadlines and stall guards.
	streamClient *http.Client
	maxRetries   int
	backoffBase  time.Duration
	logger       *log.Logger

	breakers map[string]*breaker
}

// NewHTTPTransport builds an HTTPTransport with the given per-call timeout.
// maxRetries defaults to 3 and backoffBase to 500ms if given as zero,
// matching the reference retry schedule.
func NewHTTPTransport(timeout time.Duration, maxRetries int, backoffBase time.Duration) *HTTPTransport {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	if backoffBase <= 0 {
		backoffBase = 500 * time.Millisecond
	}
	return &HTTPTransport{
		client:       &http.Client{Timeout: timeout},
		streamClient: &http.Client{},
		maxRetries:   maxRetries,
		backoffBase:  backoffBase,
		logger:       log.New(log.Writer(), "[transport] ", log.LstdFlags),
		breakers:     make(map[string]*breaker),
	}
}

// breakerFor is only ever called from the single Supervisor thread, so the
// map needs no locking of its own.
func (t *HTTPTransport) breakerFor(url string) *breaker {
	if b, ok := t.breakers[url]; ok {
		return b
	}
	b := newBreaker(DefaultBreakerConfig())
	t.breakers[url] = b
	return b
}

func (t *HTTPTransport) Post(ctx context.Context, url string, headers map[string]string, body []byte) (*Response, error) {
	return t.doWithRetry(ctx, http.MethodPost, url, headers, body)
}

func (t *HTTPTransport) Get(ctx context.Context, url string, headers map[string]string) (*Response, error) {
	return t.doWithRetry(ctx, http.MethodGet, url, headers, nil)
}

// GetStream opens a chunked-read GET. Connection establishment follows the
// same retry/backoff schedule as buffered requests; the returned body is the
// caller's to drain and close, bounded only by ctx.
func (t *HTTPTransport) GetStream(ctx context.Context, url string, headers map[string]string) (*StreamResponse, error) {
	b := t.breakerFor(url)

	var lastErr error
	for attempt := 1; attempt <= t.maxRetries; attempt++ {
		if err := b.allow(time.Now()); err != nil {
			return nil, err
		}

		resp, err := t.openStream(ctx, url, headers)
		if err == nil {
			b.record(time.Now(), true)
			return resp, nil
		}

		b.record(time.Now(), false)
		lastErr = err
		t.logger.Printf("attempt %d/%d GET(stream) %s failed: %v", attempt, t.maxRetries, url, err)

		if attempt < t.maxRetries {
			delay := t.backoffBase << uint(attempt-1)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
	return nil, lastErr
}

func (t *HTTPTransport) openStream(ctx context.Context, url string, headers map[string]string) (*StreamResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("transport: build request: %w", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := t.streamClient.Do(req)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, ErrTimeout
		}
		return nil, fmt.Errorf("transport: do request: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		resp.Body.Close()
		return nil, &ErrStatus{Code: resp.StatusCode}
	}

	return &StreamResponse{
		StatusCode:    resp.StatusCode,
		ContentLength: resp.ContentLength,
		Body:          resp.Body,
	}, nil
}

// doWithRetry retries up to maxRetries times with exponential backoff
// (backoffBase doubling each attempt, starting at backoffBase), guarded by a
// per-URL circuit breaker.
func (t *HTTPTransport) doWithRetry(ctx context.Context, method, url string, headers map[string]string, body []byte) (*Response, error) {
	b := t.breakerFor(url)

	var lastErr error
	for attempt := 1; attempt <= t.maxRetries; attempt++ {
		if err := b.allow(time.Now()); err != nil {
			return nil, err
		}

		resp, err := t.do(ctx, method, url, headers, body)
		if err == nil {
			b.record(time.Now(), true)
			return resp, nil
		}

		b.record(time.Now(), false)
		lastErr = err
		t.logger.Printf("attempt %d/%d %s %s failed: %v", attempt, t.maxRetries, method, url, err)

		if attempt < t.maxRetries {
			delay := t.backoffBase << uint(attempt-1)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
	return nil, lastErr
}

func (t *HTTPTransport) do(ctx context.Context, method, url string, headers map[string]string, body []byte) (*Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("transport: build request: %w", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, ErrTimeout
		}
		return nil, fmt.Errorf("transport: do request: %w", err)
	}
	defer resp.Body.Close()

	out, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("transport: read body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &Response{StatusCode: resp.StatusCode, Body: out}, &ErrStatus{Code: resp.StatusCode}
	}

	return &Response{StatusCode: resp.StatusCode, Body: out}, nil
}

// PostJSON marshals v, POSTs it, and returns the raw response body.
func PostJSON(ctx context.Context, tr Transport, url string, headers map[string]string, v any) (*Response, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("transport: marshal json: %w", err)
	}
	if headers == nil {
		headers = map[string]string{}
	}
	headers["Content-Type"] = "application/json"
	return tr.Post(ctx, url, headers, payload)
}
