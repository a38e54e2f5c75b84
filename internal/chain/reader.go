// Package chain reconstructs Ethereum-shaped blocks, transactions, receipts
// and account state from the backend.
package chain

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/ftupas/kakarot-rpc/internal/felt"
	"github.com/ftupas/kakarot-rpc/internal/metrics"
	"github.com/ftupas/kakarot-rpc/internal/translate"
	"github.com/ftupas/kakarot-rpc/internal/upstream"
)

// buildTimeout bounds one shared block load, receipts included.
const buildTimeout = time.Minute

// Backend is the subset of the upstream client the reader needs.
type Backend interface {
	BlockNumber(ctx context.Context) (uint64, error)
	BlockWithTxs(ctx context.Context, id upstream.BlockID) (*upstream.Block, error)
	TransactionReceipt(ctx context.Context, hash felt.Felt) (*upstream.Receipt, error)
	CallContract(ctx context.Context, call upstream.FunctionCall, id upstream.BlockID) ([]felt.Felt, error)
	Nonce(ctx context.Context, id upstream.BlockID, addr felt.Felt) (felt.Felt, error)
}

// Submission is a transaction accepted by this bridge that may not be
// visible in a backend block yet.
type Submission struct {
	Hash        common.Hash
	Tx          *types.Transaction
	From        common.Address
	BackendHash felt.Felt
	Rejected    bool
	Reason      string
	// Block is the head at the time of rejection.
	Block uint64
}

// SubmissionSource exposes in-flight submissions to the reader.
type SubmissionSource interface {
	Submission(hash common.Hash) (Submission, bool)
}

type Options struct {
	ChainID        uint64
	GasPrice       uint64
	MaxPriorityFee uint64
	BlockGasLimit  uint64
	HeadRefresh    time.Duration
	CacheSize      int
	ReceiptWorkers int
	IndexWindow    int
	Submissions    SubmissionSource
	Metrics        *metrics.Metrics
}

type txLocation struct {
	block uint64
	index int
}

// Reader answers Ethereum state and history queries. Blocks are rebuilt
// once per number and kept in a bounded cache; a transaction-hash index maps
// Ethereum hashes to the blocks they were found in.
type Reader struct {
	backend Backend
	tr      *translate.Translator
	opts    Options
	signer  types.Signer
	baseFee *big.Int
	head    *headTracker
	metrics *metrics.Metrics

	blocks  *lru.Cache[uint64, *Block]
	byHash  *lru.Cache[common.Hash, uint64]
	txIndex *lru.Cache[common.Hash, txLocation]
	group   singleflight.Group
}

func New(backend Backend, tr *translate.Translator, opts Options) (*Reader, error) {
	if opts.CacheSize <= 0 {
		opts.CacheSize = 1024
	}
	if opts.ReceiptWorkers <= 0 {
		opts.ReceiptWorkers = 8
	}
	if opts.BlockGasLimit == 0 {
		opts.BlockGasLimit = 30_000_000
	}
	blocks, err := lru.New[uint64, *Block](opts.CacheSize)
	if err != nil {
		return nil, err
	}
	byHash, err := lru.New[common.Hash, uint64](opts.CacheSize)
	if err != nil {
		return nil, err
	}
	txIndex, err := lru.New[common.Hash, txLocation](opts.CacheSize * 64)
	if err != nil {
		return nil, err
	}
	r := &Reader{
		backend: backend,
		tr:      tr,
		opts:    opts,
		signer:  types.LatestSignerForChainID(new(big.Int).SetUint64(opts.ChainID)),
		baseFee: new(big.Int).SetUint64(opts.GasPrice),
		metrics: opts.Metrics,
		blocks:  blocks,
		byHash:  byHash,
		txIndex: txIndex,
	}
	r.head = newHeadTracker(opts.HeadRefresh, backend.BlockNumber)
	return r, nil
}

func (r *Reader) ChainID() uint64 { return r.opts.ChainID }

func (r *Reader) Signer() types.Signer { return r.signer }

// BlockNumber returns the tracked head. It never decreases.
func (r *Reader) BlockNumber(ctx context.Context) (uint64, error) {
	n, err := r.head.Get(ctx)
	if err == nil {
		r.metrics.Head(n)
	}
	return n, err
}

// GetBlock returns the block for ref, or nil if the backend does not know it.
// "latest" and "pending" both resolve to the tracked head.
func (r *Reader) GetBlock(ctx context.Context, ref BlockRef) (*Block, error) {
	if h, ok := ref.Hash(); ok {
		return r.blockByHash(ctx, h)
	}
	n, ok := ref.Number()
	if !ok {
		head, err := r.head.Get(ctx)
		if err != nil {
			return nil, err
		}
		n = head
	}
	return r.blockByNumber(ctx, n)
}

func (r *Reader) blockByNumber(ctx context.Context, n uint64) (*Block, error) {
	if b, ok := r.blocks.Get(n); ok {
		r.metrics.CacheLookup("blocks", true)
		return b, nil
	}
	r.metrics.CacheLookup("blocks", false)
	return r.load(ctx, fmt.Sprintf("n:%d", n), upstream.ByNumber(n))
}

func (r *Reader) blockByHash(ctx context.Context, h common.Hash) (*Block, error) {
	if n, ok := r.byHash.Get(h); ok {
		return r.blockByNumber(ctx, n)
	}
	f, ok := translate.FeltFromHash(h)
	if !ok {
		return nil, nil
	}
	return r.load(ctx, "h:"+h.Hex(), upstream.ByHash(f))
}

func (r *Reader) load(ctx context.Context, key string, id upstream.BlockID) (*Block, error) {
	return upstream.Coalesce(ctx, &r.group, key, buildTimeout, func(ctx context.Context) (*Block, error) {
		raw, err := r.backend.BlockWithTxs(ctx, id)
		if err != nil {
			if upstream.IsBlockNotFound(err) {
				return nil, nil
			}
			return nil, err
		}
		if b, ok := r.blocks.Get(raw.BlockNumber); ok && raw.Accepted() {
			return b, nil
		}
		b, err := r.build(ctx, raw)
		if err != nil {
			return nil, err
		}
		if raw.Accepted() {
			r.remember(b)
		}
		return b, nil
	})
}

func (r *Reader) remember(b *Block) {
	r.blocks.Add(b.Number, b)
	r.byHash.Add(b.Hash, b.Number)
	for i, tx := range b.Transactions {
		r.txIndex.Add(tx.Hash, txLocation{block: b.Number, index: i})
	}
	r.head.Observe(b.Number)
}

// GetTransaction looks a transaction up by its Ethereum hash. Transactions
// submitted through this bridge but not yet included are returned without
// block fields.
func (r *Reader) GetTransaction(ctx context.Context, hash common.Hash) (*Transaction, error) {
	b, i, err := r.locate(ctx, hash)
	if err != nil {
		return nil, err
	}
	if b != nil {
		return b.Transactions[i], nil
	}
	if sub, ok := r.submission(hash); ok {
		return &Transaction{
			Tx:          sub.Tx,
			From:        sub.From,
			Hash:        sub.Hash,
			BaseFee:     r.baseFee,
			BackendHash: sub.BackendHash,
		}, nil
	}
	return nil, nil
}

// GetReceipt returns the receipt of an included transaction. A submission
// the backend rejected gets a failed receipt carrying the rejection reason.
func (r *Reader) GetReceipt(ctx context.Context, hash common.Hash) (*Receipt, error) {
	b, i, err := r.locate(ctx, hash)
	if err != nil {
		return nil, err
	}
	if b != nil {
		return b.Receipts[i], nil
	}
	if sub, ok := r.submission(hash); ok && sub.Rejected {
		return r.rejectedReceipt(ctx, sub)
	}
	return nil, nil
}

// ScanRecent searches the IndexWindow blocks ending at the head for hash. It
// finds included transactions whose index entry has been evicted.
func (r *Reader) ScanRecent(ctx context.Context, hash common.Hash) (*Transaction, error) {
	head, err := r.head.Get(ctx)
	if err != nil {
		return nil, err
	}
	window := uint64(r.opts.IndexWindow)
	for n := head; ; n-- {
		b, err := r.blockByNumber(ctx, n)
		if err != nil {
			return nil, err
		}
		if b != nil {
			for _, tx := range b.Transactions {
				if tx.Hash == hash {
					return tx, nil
				}
			}
		}
		if n == 0 || head-n+1 >= window {
			return nil, nil
		}
	}
}

func (r *Reader) submission(hash common.Hash) (Submission, bool) {
	if r.opts.Submissions == nil {
		return Submission{}, false
	}
	return r.opts.Submissions.Submission(hash)
}

// locate finds the block holding hash, using the index first and the
// backend receipt of a tracked submission second.
func (r *Reader) locate(ctx context.Context, hash common.Hash) (*Block, int, error) {
	if loc, ok := r.txIndex.Get(hash); ok {
		b, err := r.blockByNumber(ctx, loc.block)
		if err != nil {
			return nil, 0, err
		}
		if b != nil && loc.index < len(b.Transactions) && b.Transactions[loc.index].Hash == hash {
			return b, loc.index, nil
		}
		r.txIndex.Remove(hash)
	}
	sub, ok := r.submission(hash)
	if !ok || sub.Rejected || sub.BackendHash.IsZero() {
		return nil, 0, nil
	}
	rcpt, err := r.backend.TransactionReceipt(ctx, sub.BackendHash)
	if err != nil {
		if upstream.IsTxNotFound(err) {
			return nil, 0, nil
		}
		return nil, 0, err
	}
	if rcpt.BlockNumber == nil {
		return nil, 0, nil
	}
	b, err := r.blockByNumber(ctx, *rcpt.BlockNumber)
	if err != nil || b == nil {
		return nil, 0, err
	}
	for i, tx := range b.Transactions {
		if tx.Hash == hash {
			return b, i, nil
		}
	}
	return nil, 0, nil
}

func (r *Reader) rejectedReceipt(ctx context.Context, sub Submission) (*Receipt, error) {
	rc := &Receipt{
		Type:              sub.Tx.Type(),
		TxHash:            sub.Hash,
		BlockNumber:       sub.Block,
		From:              sub.From,
		To:                sub.Tx.To(),
		Status:            types.ReceiptStatusFailed,
		EffectiveGasPrice: EffectiveGasPrice(sub.Tx, r.baseFee),
		Logs:              []*types.Log{},
		RevertReason:      sub.Reason,
	}
	b, err := r.blockByNumber(ctx, sub.Block)
	if err != nil {
		return nil, err
	}
	if b != nil {
		rc.BlockHash = b.Hash
	}
	return rc, nil
}

// GetTransactionByBlockAndIndex returns the index-th EVM transaction of a block.
func (r *Reader) GetTransactionByBlockAndIndex(ctx context.Context, ref BlockRef, index uint64) (*Transaction, error) {
	b, err := r.GetBlock(ctx, ref)
	if err != nil || b == nil {
		return nil, err
	}
	if index >= uint64(len(b.Transactions)) {
		return nil, nil
	}
	return b.Transactions[index], nil
}

// BlockTransactionCount returns nil for unknown blocks.
func (r *Reader) BlockTransactionCount(ctx context.Context, ref BlockRef) (*uint64, error) {
	b, err := r.GetBlock(ctx, ref)
	if err != nil || b == nil {
		return nil, err
	}
	n := uint64(len(b.Transactions))
	return &n, nil
}

// blockID maps an Ethereum block parameter onto a backend block id for state
// queries. "pending" reads the backend's pending state.
func (r *Reader) blockID(ctx context.Context, ref BlockRef) (upstream.BlockID, error) {
	if ref.IsPending() {
		return upstream.Pending(), nil
	}
	if h, ok := ref.Hash(); ok {
		f, ok := translate.FeltFromHash(h)
		if !ok {
			return upstream.BlockID{}, fmt.Errorf("%w: %s", ErrUnknownBlock, h.Hex())
		}
		return upstream.ByHash(f), nil
	}
	if n, ok := ref.Number(); ok {
		return upstream.ByNumber(n), nil
	}
	head, err := r.head.Get(ctx)
	if err != nil {
		return upstream.BlockID{}, err
	}
	return upstream.ByNumber(head), nil
}

// stateErr folds the backend's "block not found" into ErrUnknownBlock.
func stateErr(id upstream.BlockID, err error) error {
	if upstream.IsBlockNotFound(err) {
		return fmt.Errorf("%w: %s", ErrUnknownBlock, id)
	}
	return err
}

func isMissingAccount(err error) bool {
	return upstream.IsContractNotFound(err)
}

// BlockLogs returns the EVM logs of block n in log-index order, or nil if
// the block is unknown.
func (r *Reader) BlockLogs(ctx context.Context, n uint64) ([]*types.Log, error) {
	b, err := r.blockByNumber(ctx, n)
	if err != nil || b == nil {
		return nil, err
	}
	return b.Logs(), nil
}
