package txpipe

import (
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jellydator/ttlcache/v3"

	"github.com/ftupas/kakarot-rpc/internal/chain"
	"github.com/ftupas/kakarot-rpc/internal/felt"
)

// Status is the lifecycle stage of a tracked submission.
type Status string

const (
	StatusReserved Status = "reserved"
	StatusPending  Status = "pending"
	StatusIncluded Status = "included"
	StatusRejected Status = "rejected"
)

type record struct {
	sub    chain.Submission
	status Status
}

// Tracker remembers recent submissions by Ethereum hash for duplicate
// detection, pending nonces and receipts of rejected transactions. Entries
// expire after the configured TTL.
type Tracker struct {
	mu    sync.Mutex
	cache *ttlcache.Cache[common.Hash, record]
}

func NewTracker(ttl time.Duration, capacity uint64) *Tracker {
	opts := []ttlcache.Option[common.Hash, record]{
		ttlcache.WithTTL[common.Hash, record](ttl),
		ttlcache.WithDisableTouchOnHit[common.Hash, record](),
	}
	if capacity > 0 {
		opts = append(opts, ttlcache.WithCapacity[common.Hash, record](capacity))
	}
	return &Tracker{cache: ttlcache.New[common.Hash, record](opts...)}
}

// Run evicts expired entries until ctx is done.
func (t *Tracker) Run(ctx context.Context) {
	go t.cache.Start()
	<-ctx.Done()
	t.cache.Stop()
}

// reserve claims hash for a new submission. It fails if the hash is already
// tracked in any state other than rejected.
func (t *Tracker) reserve(sub chain.Submission) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if item := t.cache.Get(sub.Hash); item != nil && item.Value().status != StatusRejected {
		return false
	}
	t.cache.Set(sub.Hash, record{sub: sub, status: StatusReserved}, ttlcache.DefaultTTL)
	return true
}

func (t *Tracker) release(hash common.Hash) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cache.Delete(hash)
}

func (t *Tracker) update(hash common.Hash, fn func(*record)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	item := t.cache.Get(hash)
	if item == nil {
		return
	}
	rec := item.Value()
	fn(&rec)
	t.cache.Set(hash, rec, ttlcache.DefaultTTL)
}

func (t *Tracker) accepted(hash common.Hash, backendHash felt.Felt) {
	t.update(hash, func(r *record) {
		r.sub.BackendHash = backendHash
		r.status = StatusPending
	})
}

func (t *Tracker) rejected(hash common.Hash, reason string, head uint64) {
	t.update(hash, func(r *record) {
		r.sub.Rejected = true
		r.sub.Reason = reason
		r.sub.Block = head
		r.status = StatusRejected
	})
}

// MarkIncluded moves tracked transactions found in b to the included state.
func (t *Tracker) MarkIncluded(b *chain.Block) {
	for _, tx := range b.Transactions {
		t.update(tx.Hash, func(r *record) { r.status = StatusIncluded })
	}
}

// Submission implements chain.SubmissionSource.
func (t *Tracker) Submission(hash common.Hash) (chain.Submission, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	item := t.cache.Get(hash)
	if item == nil {
		return chain.Submission{}, false
	}
	return item.Value().sub, true
}

// Status reports the lifecycle stage of hash.
func (t *Tracker) Status(hash common.Hash) (Status, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	item := t.cache.Get(hash)
	if item == nil {
		return "", false
	}
	return item.Value().status, true
}

// pendingNonce returns one past the highest nonce from sender that is
// reserved or pending, or ok=false if there is none.
func (t *Tracker) pendingNonce(sender common.Address) (next uint64, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cache.Range(func(item *ttlcache.Item[common.Hash, record]) bool {
		rec := item.Value()
		if rec.sub.From != sender || (rec.status != StatusPending && rec.status != StatusReserved) {
			return true
		}
		if n := rec.sub.Tx.Nonce() + 1; !ok || n > next {
			next, ok = n, true
		}
		return true
	})
	return next, ok
}

func (t *Tracker) Len() int { return t.cache.Len() }
