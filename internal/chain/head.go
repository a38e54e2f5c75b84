package chain

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/ftupas/kakarot-rpc/internal/upstream"
)

const headTimeout = 10 * time.Second

// headTracker caches the backend head. The reported number never decreases,
// so callers observe a monotonic eth_blockNumber even if the backend briefly
// answers with an older value.
type headTracker struct {
	fetch   func(ctx context.Context) (uint64, error)
	refresh time.Duration
	now     func() time.Time

	mu      sync.Mutex
	number  uint64
	known   bool
	fetched time.Time
	group   singleflight.Group
}

func newHeadTracker(refresh time.Duration, fetch func(ctx context.Context) (uint64, error)) *headTracker {
	return &headTracker{fetch: fetch, refresh: refresh, now: time.Now}
}

// Get returns the cached head, refreshing it once the refresh interval has
// elapsed. Concurrent refreshes share one backend call.
func (h *headTracker) Get(ctx context.Context) (uint64, error) {
	h.mu.Lock()
	if h.known && h.now().Sub(h.fetched) < h.refresh {
		n := h.number
		h.mu.Unlock()
		return n, nil
	}
	h.mu.Unlock()
	return h.Refresh(ctx)
}

// Refresh asks the backend for its head regardless of the cache age.
func (h *headTracker) Refresh(ctx context.Context) (uint64, error) {
	return upstream.Coalesce(ctx, &h.group, "head", headTimeout, func(ctx context.Context) (uint64, error) {
		n, err := h.fetch(ctx)
		if err != nil {
			return 0, err
		}
		out := h.Observe(n)
		h.mu.Lock()
		h.fetched = h.now()
		h.mu.Unlock()
		return out, nil
	})
}

// Observe records a block number seen elsewhere, e.g. a block fetched by
// number, and returns the tracked value. It does not reset the refresh timer.
func (h *headTracker) Observe(n uint64) uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.known || n > h.number {
		h.number = n
	}
	h.known = true
	return h.number
}

// Peek returns the last tracked head without touching the backend.
func (h *headTracker) Peek() (uint64, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.number, h.known
}
