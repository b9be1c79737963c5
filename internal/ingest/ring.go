// Package ingest reads the cohort fill stream over WebSocket into a bounded
// ring queue. The consumer goroutine is the only producer and the driver the
// only consumer; overflow drops the oldest fills and counts them.
package ingest

import (
	"sync"

	"github.com/quantfold/quantfold/internal/domain"
)

// DefaultRingCapacity bounds the fill backlog between driver drains.
const DefaultRingCapacity = 20000

// FillRing is the single-producer single-consumer buffer between the WS
// consumer and the driver.
type FillRing struct {
	mu      sync.Mutex
	buf     []domain.Fill
	head    int // index of oldest
	size    int
	dropped int64
}

// NewFillRing allocates a ring; capacity <= 0 picks the default.
func NewFillRing(capacity int) *FillRing {
	if capacity <= 0 {
		capacity = DefaultRingCapacity
	}
	return &FillRing{buf: make([]domain.Fill, capacity)}
}

// Push appends one fill, evicting the oldest when full.
func (r *FillRing) Push(f domain.Fill) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.size == len(r.buf) {
		r.head = (r.head + 1) % len(r.buf)
		r.size--
		r.dropped++
	}
	r.buf[(r.head+r.size)%len(r.buf)] = f
	r.size++
}

// Drain removes up to max fills in arrival order. max <= 0 drains all.
func (r *FillRing) Drain(max int) []domain.Fill {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := r.size
	if max > 0 && n > max {
		n = max
	}
	if n == 0 {
		return nil
	}
	out := make([]domain.Fill, n)
	for i := 0; i < n; i++ {
		out[i] = r.buf[(r.head+i)%len(r.buf)]
	}
	r.head = (r.head + n) % len(r.buf)
	r.size -= n
	return out
}

// Len is the current backlog.
func (r *FillRing) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size
}

// Dropped is the count of fills evicted by overflow.
func (r *FillRing) Dropped() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}
