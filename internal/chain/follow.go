package chain

import (
	"context"
	"time"

	"github.com/ftupas/kakarot-rpc/internal/logging"
)

// Index rebuilds the most recent IndexWindow blocks so that transactions
// submitted elsewhere can be found by their Ethereum hash.
func (r *Reader) Index(ctx context.Context) (uint64, error) {
	head, err := r.head.Refresh(ctx)
	if err != nil {
		return 0, err
	}
	window := uint64(r.opts.IndexWindow)
	from := uint64(0)
	if window > 0 && head+1 > window {
		from = head + 1 - window
	}
	for n := from; n <= head; n++ {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		if _, err := r.blockByNumber(ctx, n); err != nil {
			return 0, err
		}
	}
	logging.Logger().Info("index_ready", "component", "chain", "from", from, "head", head)
	return head, nil
}

// Follow polls the head every interval and hands each new block to fns in
// ascending order. It starts after the head current at the first poll and
// returns when ctx is done. Backend errors are logged and retried on the
// next tick.
func (r *Reader) Follow(ctx context.Context, interval time.Duration, fns ...func(*Block)) error {
	log := logging.Logger().With("component", "chain")
	t := time.NewTicker(interval)
	defer t.Stop()

	var (
		next    uint64
		started bool
	)
	for {
		head, err := r.head.Refresh(ctx)
		switch {
		case err != nil:
			if ctx.Err() == nil {
				log.Warn("follow_head_failed", "err", err)
			}
		case !started:
			next, started = head+1, true
		default:
			for ; next <= head; next++ {
				b, err := r.blockByNumber(ctx, next)
				if err != nil {
					if ctx.Err() == nil {
						log.Warn("follow_block_failed", "block", next, "err", err)
					}
					break
				}
				if b == nil {
					break
				}
				r.metrics.Head(b.Number)
				for _, fn := range fns {
					fn(b)
				}
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
}
