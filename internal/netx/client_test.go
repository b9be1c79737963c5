package netx

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(mutate func(*Config)) *Client {
	cfg := Config{
		Timeout:      2 * time.Second,
		RPS:          1000,
		Burst:        1000,
		MaxRetries:   3,
		BreakerTrips: 3,
		BreakerReset: 50 * time.Millisecond,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	return New(cfg)
}

func TestGetJSONSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	body, err := newTestClient(nil).GetJSON(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(body))
}

func TestTransientServerErrorRetries(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	body, err := newTestClient(nil).GetJSON(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, `[]`, string(body))
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestPermanentErrorDoesNotRetry(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	_, err := newTestClient(nil).GetJSON(context.Background(), srv.URL)
	require.Error(t, err)
	assert.Equal(t, ErrPermanent, KindOf(err))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))

	var ne *Error
	require.True(t, errors.As(err, &ne))
	assert.Equal(t, http.StatusBadRequest, ne.Status)
}

func TestRateLimitRetriesAndHonorsRetryAfter(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	start := time.Now()
	cl := newTestClient(func(c *Config) { c.MaxRetryAfter = 100 * time.Millisecond })
	_, err := cl.GetJSON(context.Background(), srv.URL)
	require.NoError(t, err)
	// Retry-After of 1s is capped at 100ms
	assert.Less(t, time.Since(start), 900*time.Millisecond)
	assert.GreaterOrEqual(t, atomic.LoadInt32(&calls), int32(2))
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	cl := newTestClient(func(c *Config) {
		c.MaxRetries = 1
		c.BreakerTrips = 2
	})
	ctx := context.Background()
	_, err := cl.GetJSON(ctx, srv.URL) // two attempts, breaker trips
	require.Error(t, err)

	_, err = cl.GetJSON(ctx, srv.URL)
	require.Error(t, err)
	assert.Equal(t, ErrBreaker, KindOf(err))
	// the open breaker rejects without touching the server
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestContextCancellationStopsRetry(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	cl := newTestClient(func(c *Config) { c.MaxRetries = 100 })
	_, err := cl.GetJSON(ctx, srv.URL)
	require.Error(t, err)
}

func TestKindOfUnknownErrorIsTransient(t *testing.T) {
	assert.Equal(t, ErrTransient, KindOf(errors.New("boom")))
}
