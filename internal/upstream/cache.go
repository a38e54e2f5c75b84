package upstream

import (
	"context"
	"strconv"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/ftupas/kakarot-rpc/internal/felt"
	"github.com/ftupas/kakarot-rpc/internal/metrics"
)

// sharedFetchTimeout bounds a coalesced fetch, which no longer follows the
// deadline of the caller that started it.
const sharedFetchTimeout = 30 * time.Second

// Coalesce runs fn once for all concurrent callers of key. fn gets a context
// detached from the first caller and bounded by timeout, so one caller going
// away does not fail the others; each caller still returns as soon as its
// own ctx is done.
func Coalesce[T any](ctx context.Context, g *singleflight.Group, key string, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	ch := g.DoChan(key, func() (any, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
		defer cancel()
		return fn(fctx)
	})
	var zero T
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return zero, res.Err
		}
		return res.Val.(T), nil
	}
}

// BlockCache keeps recently fetched accepted blocks, indexed by number and by
// hash. Concurrent loads of the same key share one backend call.
type BlockCache struct {
	byNumber *lru.Cache[uint64, *Block]
	byHash   *lru.Cache[felt.Felt, uint64]
	group    singleflight.Group
	metrics  *metrics.Metrics
}

func NewBlockCache(size int, m *metrics.Metrics) (*BlockCache, error) {
	byNumber, err := lru.New[uint64, *Block](size)
	if err != nil {
		return nil, err
	}
	byHash, err := lru.New[felt.Felt, uint64](size)
	if err != nil {
		return nil, err
	}
	return &BlockCache{byNumber: byNumber, byHash: byHash, metrics: m}, nil
}

func (c *BlockCache) get(id BlockID) (*Block, bool) {
	if n, ok := id.Number(); ok {
		b, hit := c.byNumber.Get(n)
		return b, hit
	}
	if h, ok := id.Hash(); ok {
		n, hit := c.byHash.Get(h)
		if !hit {
			return nil, false
		}
		b, hit := c.byNumber.Get(n)
		if !hit || !b.BlockHash.Equal(h) {
			return nil, false
		}
		return b, true
	}
	return nil, false
}

func (c *BlockCache) add(b *Block) {
	if b == nil || !b.Accepted() {
		return
	}
	c.byNumber.Add(b.BlockNumber, b)
	c.byHash.Add(b.BlockHash, b.BlockNumber)
}

// Len reports the number of cached blocks.
func (c *BlockCache) Len() int { return c.byNumber.Len() }

// load returns the cached block for id or runs fetch, coalescing concurrent
// callers. Tags are never served from cache since they move.
func (c *BlockCache) load(ctx context.Context, id BlockID, fetch func(context.Context) (*Block, error)) (*Block, error) {
	key, cacheable := cacheKey(id)
	if cacheable {
		b, hit := c.get(id)
		c.metrics.CacheLookup("upstream_blocks", hit)
		if hit {
			return b, nil
		}
	}
	if !cacheable {
		b, err := fetch(ctx)
		if err != nil {
			return nil, err
		}
		c.add(b)
		return b, nil
	}
	return Coalesce(ctx, &c.group, key, sharedFetchTimeout, func(ctx context.Context) (*Block, error) {
		b, err := fetch(ctx)
		if err != nil {
			return nil, err
		}
		c.add(b)
		return b, nil
	})
}

func cacheKey(id BlockID) (string, bool) {
	if n, ok := id.Number(); ok {
		return "n:" + strconv.FormatUint(n, 10), true
	}
	if h, ok := id.Hash(); ok {
		return "h:" + h.Hex(), true
	}
	return "", false
}
