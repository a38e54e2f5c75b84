// Package txpipe validates signed Ethereum transactions, wraps them into
// backend invoke transactions and tracks their outcome.
package txpipe

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/ftupas/kakarot-rpc/internal/chain"
	"github.com/ftupas/kakarot-rpc/internal/felt"
	"github.com/ftupas/kakarot-rpc/internal/logging"
	"github.com/ftupas/kakarot-rpc/internal/metrics"
	"github.com/ftupas/kakarot-rpc/internal/translate"
	"github.com/ftupas/kakarot-rpc/internal/upstream"
)

// Reader is the chain state the pipeline validates against.
type Reader interface {
	ChainID() uint64
	Signer() types.Signer
	BlockNumber(ctx context.Context) (uint64, error)
	GetNonce(ctx context.Context, addr common.Address, ref chain.BlockRef) (uint64, error)
	GetTransaction(ctx context.Context, hash common.Hash) (*chain.Transaction, error)
	ScanRecent(ctx context.Context, hash common.Hash) (*chain.Transaction, error)
}

// Submitter sends invoke transactions to the backend.
type Submitter interface {
	AddInvokeTransaction(ctx context.Context, tx upstream.InvokeTxn) (felt.Felt, error)
}

type Options struct {
	WriteTimeout   time.Duration
	AllowNonceGaps bool
	Metrics        *metrics.Metrics
}

type Pipeline struct {
	reader  Reader
	tr      *translate.Translator
	backend Submitter
	tracker *Tracker
	opts    Options

	// nonce validation and reservation are atomic per sender
	senderLocks [64]sync.Mutex
}

func New(reader Reader, tr *translate.Translator, backend Submitter, tracker *Tracker, opts Options) *Pipeline {
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 30 * time.Second
	}
	return &Pipeline{reader: reader, tr: tr, backend: backend, tracker: tracker, opts: opts}
}

// Submit validates raw, forwards it to the backend and returns its Ethereum
// hash. A transaction the backend refuses still returns its hash; the
// refusal surfaces as a failed receipt.
func (p *Pipeline) Submit(ctx context.Context, raw []byte) (common.Hash, error) {
	hash, outcome, err := p.submit(ctx, raw)
	p.opts.Metrics.Submission(outcome)
	return hash, err
}

func (p *Pipeline) submit(ctx context.Context, raw []byte) (common.Hash, string, error) {
	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(raw); err != nil {
		return common.Hash{}, "invalid", fmt.Errorf("%w: %v", ErrMalformedTransaction, err)
	}
	if tx.Protected() && (!tx.ChainId().IsUint64() || tx.ChainId().Uint64() != p.reader.ChainID()) {
		return common.Hash{}, "invalid", fmt.Errorf("%w: got %s, want %d", ErrInvalidChainID, tx.ChainId(), p.reader.ChainID())
	}
	from, err := types.Sender(p.reader.Signer(), tx)
	if err != nil {
		return common.Hash{}, "invalid", fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	hash := tx.Hash()

	if status, ok := p.tracker.Status(hash); ok && status != StatusRejected {
		return common.Hash{}, "duplicate", fmt.Errorf("%w: %s", ErrDuplicateTransaction, hash.Hex())
	}
	if known, err := p.reader.GetTransaction(ctx, hash); err != nil {
		return common.Hash{}, "error", err
	} else if known != nil && known.BlockNumber != nil {
		return common.Hash{}, "duplicate", fmt.Errorf("%w: %s", ErrDuplicateTransaction, hash.Hex())
	}

	lock := p.senderLock(from)
	lock.Lock()
	if err := p.checkNonce(ctx, tx, from); err != nil {
		lock.Unlock()
		if errors.Is(err, ErrNonceTooLow) && p.includedRecently(ctx, hash) {
			return common.Hash{}, "duplicate", fmt.Errorf("%w: %s", ErrDuplicateTransaction, hash.Hex())
		}
		return common.Hash{}, "invalid", err
	}
	sub := chain.Submission{Hash: hash, Tx: tx, From: from}
	reserved := p.tracker.reserve(sub)
	lock.Unlock()
	if !reserved {
		return common.Hash{}, "duplicate", fmt.Errorf("%w: %s", ErrDuplicateTransaction, hash.Hex())
	}
	inv, err := p.tr.EncodeTransaction(tx, from)
	if err != nil {
		p.tracker.release(hash)
		return common.Hash{}, "invalid", err
	}

	// The write must not be abandoned when the client goes away.
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.opts.WriteTimeout)
	defer cancel()
	backendHash, err := p.backend.AddInvokeTransaction(wctx, inv.InvokeTxn())
	log := logging.Logger().With("component", "txpipe", "hash", hash.Hex(), "from", from.Hex(), "nonce", tx.Nonce())
	if err != nil {
		var rpcErr *upstream.RPCError
		if !upstream.IsRejection(err) || !errors.As(err, &rpcErr) {
			p.tracker.release(hash)
			log.Warn("submit_failed", "err", err)
			return common.Hash{}, "error", err
		}
		if rpcErr.Code == upstream.CodeDuplicateTx {
			p.tracker.release(hash)
			return common.Hash{}, "duplicate", fmt.Errorf("%w: %s", ErrDuplicateTransaction, hash.Hex())
		}
		head, herr := p.reader.BlockNumber(wctx)
		if herr != nil {
			log.Warn("head_unavailable", "err", herr)
		}
		reason := rpcErr.Reason()
		p.tracker.rejected(hash, reason, head)
		log.Info("tx_rejected", "code", rpcErr.Code, "reason", reason, "data", string(rpcErr.Data))
		return hash, "rejected", nil
	}
	p.tracker.accepted(hash, backendHash)
	log.Info("tx_submitted", "backend_hash", backendHash.Hex())
	return hash, "accepted", nil
}

// includedRecently reports whether hash sits in a recent block that the
// transaction index no longer covers.
func (p *Pipeline) includedRecently(ctx context.Context, hash common.Hash) bool {
	known, err := p.reader.ScanRecent(ctx, hash)
	return err == nil && known != nil
}

func (p *Pipeline) senderLock(from common.Address) *sync.Mutex {
	return &p.senderLocks[int(from[common.AddressLength-1])%len(p.senderLocks)]
}

// checkNonce compares the transaction nonce with the account nonce on the
// pending backend state, advanced past any submissions still in flight.
func (p *Pipeline) checkNonce(ctx context.Context, tx *types.Transaction, from common.Address) error {
	current, err := p.reader.GetNonce(ctx, from, chain.PendingRef())
	if err != nil {
		return err
	}
	if tx.Nonce() < current {
		return fmt.Errorf("%w: address %s, tx %d, state %d", ErrNonceTooLow, from.Hex(), tx.Nonce(), current)
	}
	next := current
	if n, ok := p.tracker.pendingNonce(from); ok && n > next {
		next = n
	}
	if tx.Nonce() < next {
		return fmt.Errorf("%w: address %s, nonce %d already pending", ErrNonceTooLow, from.Hex(), tx.Nonce())
	}
	if tx.Nonce() > next && !p.opts.AllowNonceGaps {
		return fmt.Errorf("%w: address %s, tx %d, next %d", ErrNonceGap, from.Hex(), tx.Nonce(), next)
	}
	return nil
}
