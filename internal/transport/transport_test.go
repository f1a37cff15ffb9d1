package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPost_HappyPath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	tr := NewHTTPTransport(2*time.Second, 3, 10*time.Millisecond)
	resp, err := tr.Post(context.Background(), srv.URL, map[string]string{"Content-Type": "application/json"}, []byte(`{}`))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, `{"ok":true}`, string(resp.Body))
}

func TestPost_RetriesThenSucceeds(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	tr := NewHTTPTransport(2*time.Second, 3, time.Millisecond)
	resp, err := tr.Post(context.Background(), srv.URL, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestPost_ExhaustsRetriesAndReturnsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	tr := NewHTTPTransport(2*time.Second, 2, time.Millisecond)
	_, err := tr.Post(context.Background(), srv.URL, nil, nil)
	assert.Error(t, err)
	var statusErr *ErrStatus
	assert.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusInternalServerError, statusErr.Code)
}

func TestPostJSON_SetsContentType(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	tr := NewHTTPTransport(2*time.Second, 1, time.Millisecond)
	_, err := PostJSON(context.Background(), tr, srv.URL, nil, map[string]string{"a": "b"})
	require.NoError(t, err)
}

func TestGetStream_DeliversBodyIncrementally(t *testing.T) {
	payload := make([]byte, 10000)
	for i := range payload {
		payload[i] = byte(i)
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "10000")
		w.WriteHeader(http.StatusOK)
		w.Write(payload)
	}))
	defer srv.Close()

	tr := NewHTTPTransport(time.Second, 1, time.Millisecond)
	resp, err := tr.GetStream(context.Background(), srv.URL, nil)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, int64(10000), resp.ContentLength)

	got := make([]byte, 0, 10000)
	buf := make([]byte, 1024)
	for {
		n, rerr := resp.Body.Read(buf)
		got = append(got, buf[:n]...)
		if rerr != nil {
			break
		}
	}
	assert.Equal(t, payload, got)
}

func TestGetStream_NonOKStatusIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	tr := NewHTTPTransport(time.Second, 1, time.Millisecond)
	_, err := tr.GetStream(context.Background(), srv.URL, nil)
	var statusErr *ErrStatus
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusNotFound, statusErr.Code)
}

func TestBreaker_TripsAfterConsecutiveFailures(t *testing.T) {
	cfg := DefaultBreakerConfig()
	cfg.OpenTimeout = time.Hour
	b := newBreaker(cfg)
	now := time.Now()

	for i := 0; i < 3; i++ {
		require.NoError(t, b.allow(now))
		b.record(now, false)
	}
	assert.Equal(t, BreakerOpen, b.State())
	assert.ErrorIs(t, b.allow(now), ErrBreakerOpen)
}

func TestBreaker_HalfOpenRecoversOnSuccess(t *testing.T) {
	cfg := DefaultBreakerConfig()
	cfg.OpenTimeout = time.Millisecond
	b := newBreaker(cfg)
	now := time.Now()

	for i := 0; i < 3; i++ {
		b.record(now, false)
	}
	assert.Equal(t, BreakerOpen, b.State())

	later := now.Add(time.Second)
	require.NoError(t, b.allow(later))
	b.record(later, true)
	assert.Equal(t, BreakerClosed, b.State())
}
