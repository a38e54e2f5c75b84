// Package filters implements stateful log and block filters and one-shot
// log queries over blocks rebuilt by the chain reader.
package filters

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v3"

	"github.com/ftupas/kakarot-rpc/internal/chain"
	"github.com/ftupas/kakarot-rpc/internal/logging"
	"github.com/ftupas/kakarot-rpc/internal/metrics"
)

var (
	// ErrUnknownFilter is returned for ids that were never installed, were
	// uninstalled or expired.
	ErrUnknownFilter = errors.New("filter not found")
	// ErrInvalidCriteria and ErrRangeTooLarge are client input errors.
	ErrInvalidCriteria = errors.New("invalid filter criteria")
	ErrRangeTooLarge   = errors.New("block range too large")
)

// Source is the block history the engine scans.
type Source interface {
	BlockNumber(ctx context.Context) (uint64, error)
	GetBlock(ctx context.Context, ref chain.BlockRef) (*chain.Block, error)
	BlockLogs(ctx context.Context, n uint64) ([]*types.Log, error)
}

type Options struct {
	// TTL removes filters that were not polled for this long.
	TTL        time.Duration
	MaxFilters int
	// MaxLogRange bounds eth_getLogs; MaxPollBlocks bounds one poll.
	MaxLogRange   uint64
	MaxPollBlocks uint64
	Metrics       *metrics.Metrics
}

// ID is a filter identifier: 128 random bits in hex.
type ID string

type Kind uint8

const (
	LogFilter Kind = iota
	BlockFilter
)

type filter struct {
	kind     Kind
	criteria Criteria
	matcher  *Matcher

	mu sync.Mutex
	// next is the first block the following poll scans.
	next uint64
	// last bounds the scan when toBlock was a number.
	last *uint64
}

// Changes is the result of one poll: logs for log filters, block hashes for
// block filters.
type Changes struct {
	Kind        Kind
	Logs        []*types.Log
	BlockHashes []common.Hash
}

// Result returns the value to serialize, never nil.
func (c Changes) Result() any {
	if c.Kind == BlockFilter {
		if c.BlockHashes == nil {
			return []common.Hash{}
		}
		return c.BlockHashes
	}
	if c.Logs == nil {
		return []*types.Log{}
	}
	return c.Logs
}

type Engine struct {
	src     Source
	opts    Options
	filters *ttlcache.Cache[ID, *filter]
}

func New(src Source, opts Options) *Engine {
	if opts.TTL <= 0 {
		opts.TTL = 5 * time.Minute
	}
	if opts.MaxFilters <= 0 {
		opts.MaxFilters = 1024
	}
	if opts.MaxLogRange == 0 {
		opts.MaxLogRange = 10_000
	}
	if opts.MaxPollBlocks == 0 {
		opts.MaxPollBlocks = 1_000
	}
	e := &Engine{src: src, opts: opts}
	e.filters = ttlcache.New[ID, *filter](
		ttlcache.WithTTL[ID, *filter](opts.TTL),
		ttlcache.WithCapacity[ID, *filter](uint64(opts.MaxFilters)),
	)
	e.filters.OnEviction(func(_ context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[ID, *filter]) {
		opts.Metrics.FilterRemoved()
		if reason != ttlcache.EvictionReasonDeleted {
			logging.Logger().Debug("filter_evicted", "component", "filters", "id", string(item.Key()), "reason", evictionReason(reason))
		}
	})
	return e
}

func evictionReason(r ttlcache.EvictionReason) string {
	switch r {
	case ttlcache.EvictionReasonExpired:
		return "expired"
	case ttlcache.EvictionReasonCapacityReached:
		return "capacity"
	}
	return "deleted"
}

// Run expires idle filters until ctx is done.
func (e *Engine) Run(ctx context.Context) {
	go e.filters.Start()
	<-ctx.Done()
	e.filters.Stop()
}

func newID() ID {
	u := uuid.New()
	return ID("0x" + hex.EncodeToString(u[:]))
}

func (e *Engine) install(f *filter) ID {
	id := newID()
	e.filters.Set(id, f, ttlcache.DefaultTTL)
	e.opts.Metrics.FilterInstalled()
	return id
}

// NewFilter installs a log filter. Without an explicit fromBlock the filter
// reports logs from blocks after the current head.
func (e *Engine) NewFilter(ctx context.Context, c Criteria) (ID, error) {
	if c.BlockHash != nil {
		return "", fmt.Errorf("%w: blockHash is not supported by eth_newFilter", ErrInvalidCriteria)
	}
	head, err := e.src.BlockNumber(ctx)
	if err != nil {
		return "", err
	}
	f := &filter{kind: LogFilter, criteria: c, matcher: NewMatcher(c), next: head + 1}
	if c.FromBlock != nil {
		if n, ok := c.FromBlock.Number(); ok {
			f.next = n
		}
	}
	if c.ToBlock != nil {
		if n, ok := c.ToBlock.Number(); ok {
			f.last = &n
		}
	}
	if f.last != nil && f.next > *f.last+1 {
		return "", fmt.Errorf("%w: fromBlock %d after toBlock %d", ErrInvalidCriteria, f.next, *f.last)
	}
	return e.install(f), nil
}

// NewBlockFilter installs a filter reporting the hashes of new blocks.
func (e *Engine) NewBlockFilter(ctx context.Context) (ID, error) {
	head, err := e.src.BlockNumber(ctx)
	if err != nil {
		return "", err
	}
	return e.install(&filter{kind: BlockFilter, next: head + 1}), nil
}

// Uninstall removes id and reports whether it existed.
func (e *Engine) Uninstall(id ID) bool {
	if e.filters.Get(id, ttlcache.WithDisableTouchOnHit[ID, *filter]()) == nil {
		return false
	}
	e.filters.Delete(id)
	return true
}

func (e *Engine) get(id ID) (*filter, error) {
	item := e.filters.Get(id)
	if item == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownFilter, id)
	}
	return item.Value(), nil
}

// Changes scans the blocks added since the previous poll, at most
// MaxPollBlocks of them, and advances the cursor past them. The cursor moves
// only when the whole scan succeeds, so no log is skipped or repeated.
func (e *Engine) Changes(ctx context.Context, id ID) (Changes, error) {
	f, err := e.get(id)
	if err != nil {
		return Changes{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	out := Changes{Kind: f.kind}
	head, err := e.src.BlockNumber(ctx)
	if err != nil {
		return out, err
	}
	end := head
	if f.last != nil && *f.last < end {
		end = *f.last
	}
	if f.next > end {
		return out, nil
	}
	if end-f.next+1 > e.opts.MaxPollBlocks {
		end = f.next + e.opts.MaxPollBlocks - 1
	}
	for n := f.next; n <= end; n++ {
		b, err := e.src.GetBlock(ctx, chain.NumberRef(n))
		if err != nil {
			return Changes{Kind: f.kind}, err
		}
		if b == nil {
			return Changes{Kind: f.kind}, fmt.Errorf("block %d missing below head %d", n, head)
		}
		if f.kind == BlockFilter {
			out.BlockHashes = append(out.BlockHashes, b.Hash)
			continue
		}
		out.Logs = append(out.Logs, f.matcher.Filter(b.Logs())...)
	}
	f.next = end + 1
	return out, nil
}

// Logs returns every log matching the filter's criteria, ignoring its
// cursor.
func (e *Engine) Logs(ctx context.Context, id ID) ([]*types.Log, error) {
	f, err := e.get(id)
	if err != nil {
		return nil, err
	}
	if f.kind != LogFilter {
		return nil, fmt.Errorf("%w: %s is not a log filter", ErrUnknownFilter, id)
	}
	return e.GetLogs(ctx, f.criteria)
}

// GetLogs runs a one-shot query. Range bounds default to the head.
func (e *Engine) GetLogs(ctx context.Context, c Criteria) ([]*types.Log, error) {
	m := NewMatcher(c)
	if c.BlockHash != nil {
		b, err := e.src.GetBlock(ctx, chain.HashRef(*c.BlockHash))
		if err != nil {
			return nil, err
		}
		if b == nil {
			return nil, fmt.Errorf("%w: %s", chain.ErrUnknownBlock, c.BlockHash.Hex())
		}
		return nonNil(m.Filter(b.Logs())), nil
	}
	head, err := e.src.BlockNumber(ctx)
	if err != nil {
		return nil, err
	}
	from, to := resolve(c.FromBlock, head), resolve(c.ToBlock, head)
	if from > to {
		return nil, fmt.Errorf("%w: fromBlock %d after toBlock %d", ErrInvalidCriteria, from, to)
	}
	if to > head {
		to = head
	}
	if from > to {
		return []*types.Log{}, nil
	}
	if to-from+1 > e.opts.MaxLogRange {
		return nil, fmt.Errorf("%w: %d blocks, limit %d", ErrRangeTooLarge, to-from+1, e.opts.MaxLogRange)
	}
	var out []*types.Log
	for n := from; n <= to; n++ {
		logs, err := e.src.BlockLogs(ctx, n)
		if err != nil {
			return nil, err
		}
		out = append(out, m.Filter(logs)...)
	}
	return nonNil(out), nil
}

func resolve(ref *chain.BlockRef, head uint64) uint64 {
	if ref == nil {
		return head
	}
	if n, ok := ref.Number(); ok {
		return n
	}
	return head
}

func nonNil(ls []*types.Log) []*types.Log {
	if ls == nil {
		return []*types.Log{}
	}
	return ls
}

// Len is the number of installed filters, including expired ones not yet
// collected.
func (e *Engine) Len() int { return e.filters.Len() }
