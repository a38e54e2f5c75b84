package chain

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/trie"

	"github.com/ftupas/kakarot-rpc/internal/felt"
)

var (
	// ErrUnknownBlock is returned by state queries pinned to a block the backend does not have.
	ErrUnknownBlock = errors.New("unknown block")
	// ErrExecutionReverted is wrapped by RevertError.
	ErrExecutionReverted = errors.New("execution reverted")
)

// RevertError reports a reverted eth_call or eth_estimateGas. It follows the
// go-ethereum convention of error code 3 with the revert data attached.
type RevertError struct {
	Reason string
	Data   []byte
}

func (e *RevertError) Error() string {
	if e.Reason == "" {
		return ErrExecutionReverted.Error()
	}
	return fmt.Sprintf("%s: %s", ErrExecutionReverted, e.Reason)
}

func (e *RevertError) Unwrap() error { return ErrExecutionReverted }

func (e *RevertError) ErrorCode() int { return 3 }

func (e *RevertError) ErrorData() any { return hexutil.Encode(e.Data) }

// Block is an Ethereum-shaped view of one backend block. Numbering and order
// are taken from the backend unchanged; transactions the zkEVM did not
// execute are omitted.
type Block struct {
	Number       uint64
	Hash         common.Hash
	ParentHash   common.Hash
	StateRoot    common.Hash
	Timestamp    uint64
	Miner        common.Address
	GasLimit     uint64
	GasUsed      uint64
	BaseFee      *big.Int
	Bloom        types.Bloom
	TxRoot       common.Hash
	ReceiptRoot  common.Hash
	Transactions []*Transaction
	Receipts     []*Receipt

	BackendHash felt.Felt
}

// Logs returns every log in the block in log-index order.
func (b *Block) Logs() []*types.Log {
	var out []*types.Log
	for _, r := range b.Receipts {
		out = append(out, r.Logs...)
	}
	return out
}

// Transaction is an EVM transaction with its sender and, once included,
// its position.
type Transaction struct {
	Tx          *types.Transaction
	From        common.Address
	Hash        common.Hash
	BlockHash   *common.Hash
	BlockNumber *uint64
	Index       uint64
	BaseFee     *big.Int

	BackendHash felt.Felt
}

// EffectiveGasPrice is the price per gas the sender paid, given the block
// base fee. Legacy and access-list transactions pay their gas price.
func EffectiveGasPrice(tx *types.Transaction, baseFee *big.Int) *big.Int {
	switch tx.Type() {
	case types.LegacyTxType, types.AccessListTxType:
		return new(big.Int).Set(tx.GasPrice())
	}
	if baseFee == nil {
		return new(big.Int).Set(tx.GasFeeCap())
	}
	price := new(big.Int).Add(baseFee, tx.GasTipCap())
	if price.Cmp(tx.GasFeeCap()) > 0 {
		price.Set(tx.GasFeeCap())
	}
	return price
}

// Receipt is the Ethereum-shaped outcome of an included (or rejected) transaction.
type Receipt struct {
	Type              uint8
	TxHash            common.Hash
	TxIndex           uint64
	BlockHash         common.Hash
	BlockNumber       uint64
	From              common.Address
	To                *common.Address
	Status            uint64
	GasUsed           uint64
	CumulativeGasUsed uint64
	EffectiveGasPrice *big.Int
	ContractAddress   *common.Address
	Logs              []*types.Log
	Bloom             types.Bloom
	RevertReason      string
}

// roots derives the transaction and receipt trie roots the way an Ethereum
// header commits to them.
func (b *Block) roots() {
	txs := make(types.Transactions, len(b.Transactions))
	for i, t := range b.Transactions {
		txs[i] = t.Tx
	}
	rcs := make(types.Receipts, len(b.Receipts))
	for i, r := range b.Receipts {
		rcs[i] = &types.Receipt{
			Type:              r.Type,
			Status:            r.Status,
			CumulativeGasUsed: r.CumulativeGasUsed,
			Bloom:             r.Bloom,
			Logs:              r.Logs,
		}
	}
	b.TxRoot = types.DeriveSha(txs, trie.NewStackTrie(nil))
	b.ReceiptRoot = types.DeriveSha(rcs, trie.NewStackTrie(nil))
}

func logsBloom(logs []*types.Log) types.Bloom {
	var b types.Bloom
	for _, l := range logs {
		b.Add(l.Address.Bytes())
		for _, t := range l.Topics {
			b.Add(t.Bytes())
		}
	}
	return b
}

func orBloom(dst *types.Bloom, src types.Bloom) {
	for i := range dst {
		dst[i] |= src[i]
	}
}
