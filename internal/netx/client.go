// Package netx wraps outbound REST calls with the transport policy the
// error design requires: per-host token-bucket pacing, a circuit breaker
// per host, and bounded exponential retry for transient failures. Callers
// see either a response body or a classified error.
package netx

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

// ErrKind classifies a failed request for the caller's degradation policy.
type ErrKind int

const (
	ErrTransient ErrKind = iota // timeout, 5xx, rate limit: retryable
	ErrPermanent                // 4xx other than 429: do not retry
	ErrBreaker                  // circuit open, request not attempted
)

func (k ErrKind) String() string {
	switch k {
	case ErrTransient:
		return "transient"
	case ErrPermanent:
		return "permanent"
	case ErrBreaker:
		return "breaker_open"
	default:
		return "unknown"
	}
}

// Error carries the classification alongside the underlying cause.
type Error struct {
	Kind   ErrKind
	Status int
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("netx: %s (status=%d): %v", e.Kind, e.Status, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf extracts the classification; unknown errors count as transient so
// the caller's last-known-value fallback still engages.
func KindOf(err error) ErrKind {
	var ne *Error
	if errors.As(err, &ne) {
		return ne.Kind
	}
	return ErrTransient
}

// Config tunes the client; zero values pick the defaults below.
type Config struct {
	Timeout       time.Duration
	RPS           float64
	Burst         int
	MaxRetries    uint64
	BreakerTrips  uint32 // consecutive failures before the breaker opens
	BreakerReset  time.Duration
	MaxRetryAfter time.Duration // cap on honoring a 429 Retry-After header
}

// Client is safe for concurrent use. One instance per process is shared by
// the venue backends; limiters and breakers are keyed by host.
type Client struct {
	cfg  Config
	http *http.Client

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	breakers map[string]*gobreaker.CircuitBreaker
}

// New builds a client with the given policy.
func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RPS <= 0 {
		cfg.RPS = 8
	}
	if cfg.Burst <= 0 {
		cfg.Burst = int(cfg.RPS)
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if cfg.BreakerTrips == 0 {
		cfg.BreakerTrips = 5
	}
	if cfg.BreakerReset <= 0 {
		cfg.BreakerReset = 30 * time.Second
	}
	if cfg.MaxRetryAfter <= 0 {
		cfg.MaxRetryAfter = 15 * time.Second
	}
	return &Client{
		cfg:      cfg,
		http:     &http.Client{Timeout: cfg.Timeout},
		limiters: make(map[string]*rate.Limiter),
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

func (c *Client) limiter(host string) *rate.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()
	if lim, ok := c.limiters[host]; ok {
		return lim
	}
	lim := rate.NewLimiter(rate.Limit(c.cfg.RPS), c.cfg.Burst)
	c.limiters[host] = lim
	return lim
}

func (c *Client) breaker(host string) *gobreaker.CircuitBreaker {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cb, ok := c.breakers[host]; ok {
		return cb
	}
	trips := c.cfg.BreakerTrips
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    host,
		Timeout: c.cfg.BreakerReset,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= trips
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("host", name).
				Str("from", from.String()).Str("to", to.String()).
				Msg("circuit breaker state change")
		},
	})
	c.breakers[host] = cb
	return cb
}

// GetJSON performs a paced, breaker-guarded GET with retry and returns the
// raw body. Transient failures retry with exponential backoff; a 429 honors
// Retry-After up to MaxRetryAfter.
func (c *Client) GetJSON(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &Error{Kind: ErrPermanent, Err: err}
	}
	host := req.URL.Host

	var body []byte
	op := func() error {
		if err := c.limiter(host).Wait(ctx); err != nil {
			return backoff.Permanent(&Error{Kind: ErrPermanent, Err: err})
		}
		out, err := c.breaker(host).Execute(func() (any, error) {
			return c.doOnce(req.Clone(ctx))
		})
		if err != nil {
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				return backoff.Permanent(&Error{Kind: ErrBreaker, Err: err})
			}
			if KindOf(err) == ErrPermanent {
				return backoff.Permanent(err)
			}
			return err
		}
		body = out.([]byte)
		return nil
	}

	bo := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), c.cfg.MaxRetries), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		return nil, err
	}
	return body, nil
}

// doOnce performs a single attempt and classifies the outcome.
func (c *Client) doOnce(req *http.Request) ([]byte, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		var nerr net.Error
		if errors.As(err, &nerr) && nerr.Timeout() {
			return nil, &Error{Kind: ErrTransient, Err: err}
		}
		return nil, &Error{Kind: ErrTransient, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, &Error{Kind: ErrTransient, Status: resp.StatusCode, Err: err}
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		return body, nil
	case resp.StatusCode == http.StatusTooManyRequests:
		c.honorRetryAfter(req.Context(), resp)
		return nil, &Error{Kind: ErrTransient, Status: resp.StatusCode,
			Err: fmt.Errorf("rate limited by %s", req.URL.Host)}
	case resp.StatusCode >= 500:
		return nil, &Error{Kind: ErrTransient, Status: resp.StatusCode,
			Err: fmt.Errorf("server error: %s", resp.Status)}
	default:
		return nil, &Error{Kind: ErrPermanent, Status: resp.StatusCode,
			Err: fmt.Errorf("request rejected: %s", resp.Status)}
	}
}

// honorRetryAfter sleeps for the venue-requested interval, bounded by
// MaxRetryAfter and the request context.
func (c *Client) honorRetryAfter(ctx context.Context, resp *http.Response) {
	hdr := resp.Header.Get("Retry-After")
	if hdr == "" {
		return
	}
	secs, err := strconv.Atoi(hdr)
	if err != nil || secs <= 0 {
		return
	}
	wait := time.Duration(secs) * time.Second
	if wait > c.cfg.MaxRetryAfter {
		wait = c.cfg.MaxRetryAfter
	}
	log.Warn().Dur("wait", wait).Str("host", resp.Request.URL.Host).Msg("honoring Retry-After")
	select {
	case <-time.After(wait):
	case <-ctx.Done():
	}
}
