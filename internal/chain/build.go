package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/sync/errgroup"

	"github.com/ftupas/kakarot-rpc/internal/logging"
	"github.com/ftupas/kakarot-rpc/internal/translate"
	"github.com/ftupas/kakarot-rpc/internal/upstream"
)

type evmTx struct {
	raw  upstream.Transaction
	tx   *types.Transaction
	from common.Address
}

// build converts a backend block into its Ethereum view. Receipts are
// fetched concurrently; gas, log indices and blooms are then accumulated in
// transaction order.
func (r *Reader) build(ctx context.Context, raw *upstream.Block) (*Block, error) {
	txs := r.decodeTransactions(ctx, raw)

	receipts := make([]*upstream.Receipt, len(txs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.opts.ReceiptWorkers)
	for i := range txs {
		g.Go(func() error {
			rc, err := r.backend.TransactionReceipt(gctx, txs[i].raw.Hash)
			if err != nil {
				return fmt.Errorf("receipt %s: %w", txs[i].raw.Hash, err)
			}
			receipts[i] = rc
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	hash := translate.HashFromFelt(raw.BlockHash)
	b := &Block{
		Number:      raw.BlockNumber,
		Hash:        hash,
		ParentHash:  translate.HashFromFelt(raw.ParentHash),
		StateRoot:   translate.HashFromFelt(raw.NewRoot),
		Timestamp:   raw.Timestamp,
		GasLimit:    r.opts.BlockGasLimit,
		BaseFee:     r.baseFee,
		BackendHash: raw.BlockHash,
	}
	number := raw.BlockNumber
	var logIndex uint
	for i, t := range txs {
		rc, err := r.receipt(ctx, b, uint64(i), t, receipts[i], &logIndex)
		if err != nil {
			return nil, err
		}
		b.GasUsed += rc.GasUsed
		rc.CumulativeGasUsed = b.GasUsed
		orBloom(&b.Bloom, rc.Bloom)
		b.Receipts = append(b.Receipts, rc)
		b.Transactions = append(b.Transactions, &Transaction{
			Tx:          t.tx,
			From:        t.from,
			Hash:        t.tx.Hash(),
			BlockHash:   &hash,
			BlockNumber: &number,
			Index:       uint64(i),
			BaseFee:     r.baseFee,
			BackendHash: t.raw.Hash,
		})
	}
	b.roots()
	return b, nil
}

// decodeTransactions keeps the backend transactions that carry an EVM
// payload, in block order.
func (r *Reader) decodeTransactions(ctx context.Context, raw *upstream.Block) []evmTx {
	out := make([]evmTx, 0, len(raw.Transactions))
	for _, t := range raw.Transactions {
		if t.Type != upstream.TxTypeInvoke {
			continue
		}
		payload, err := r.tr.DecodeTransaction(t.Calldata)
		if err != nil {
			continue
		}
		tx := new(types.Transaction)
		if err := tx.UnmarshalBinary(payload); err != nil {
			logging.Logger().Debug("skip_undecodable_tx",
				"component", "chain",
				"block", raw.BlockNumber,
				"backend_hash", t.Hash.Hex(),
				"err", err,
			)
			continue
		}
		from, err := types.Sender(r.signer, tx)
		if err != nil {
			// fall back to the account that sent it
			from, err = r.tr.ToEthereum(ctx, t.SenderAddress)
			if err != nil {
				continue
			}
		}
		out = append(out, evmTx{raw: t, tx: tx, from: from})
	}
	return out
}

func (r *Reader) receipt(ctx context.Context, b *Block, index uint64, t evmTx, rc *upstream.Receipt, logIndex *uint) (*Receipt, error) {
	price := EffectiveGasPrice(t.tx, r.baseFee)
	out := &Receipt{
		Type:              t.tx.Type(),
		TxHash:            t.tx.Hash(),
		TxIndex:           index,
		BlockHash:         b.Hash,
		BlockNumber:       b.Number,
		From:              t.from,
		To:                t.tx.To(),
		Status:            types.ReceiptStatusSuccessful,
		GasUsed:           gasUsed(t.tx, rc.ActualFee.Amount.BigInt(), price),
		EffectiveGasPrice: price,
		Logs:              []*types.Log{},
	}
	if !rc.Succeeded() {
		out.Status = types.ReceiptStatusFailed
		out.RevertReason = rc.RevertReason
	}
	if t.tx.To() == nil && out.Status == types.ReceiptStatusSuccessful {
		addr := crypto.CreateAddress(t.from, t.tx.Nonce())
		out.ContractAddress = &addr
	}
	if out.Status == types.ReceiptStatusSuccessful {
		for _, ev := range rc.Events {
			l, err := r.tr.DecodeEvent(ctx, ev)
			if err != nil {
				if errors.Is(err, translate.ErrNotEVMEvent) || errors.Is(err, translate.ErrUnmappedAddress) {
					continue
				}
				return nil, err
			}
			l.BlockNumber = b.Number
			l.BlockHash = b.Hash
			l.TxHash = out.TxHash
			l.TxIndex = uint(index)
			l.Index = *logIndex
			*logIndex++
			out.Logs = append(out.Logs, l)
		}
	}
	out.Bloom = logsBloom(out.Logs)
	return out, nil
}

// gasUsed derives EVM gas from the fee the backend charged. The backend does
// not report EVM gas, so fee / price is the best available figure; it never
// exceeds the transaction's gas limit.
func gasUsed(tx *types.Transaction, fee, price *big.Int) uint64 {
	if price.Sign() == 0 {
		return tx.Gas()
	}
	used := new(big.Int).Quo(fee, price)
	if !used.IsUint64() || used.Uint64() > tx.Gas() {
		return tx.Gas()
	}
	return used.Uint64()
}
