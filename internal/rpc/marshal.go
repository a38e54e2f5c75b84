package rpc

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/ftupas/kakarot-rpc/internal/chain"
)

type rpcHeader struct {
	Number           hexutil.Uint64   `json:"number"`
	Hash             common.Hash      `json:"hash"`
	ParentHash       common.Hash      `json:"parentHash"`
	Nonce            types.BlockNonce `json:"nonce"`
	MixHash          common.Hash      `json:"mixHash"`
	UncleHash        common.Hash      `json:"sha3Uncles"`
	LogsBloom        types.Bloom      `json:"logsBloom"`
	StateRoot        common.Hash      `json:"stateRoot"`
	TransactionsRoot common.Hash      `json:"transactionsRoot"`
	ReceiptsRoot     common.Hash      `json:"receiptsRoot"`
	Miner            common.Address   `json:"miner"`
	Difficulty       *hexutil.Big     `json:"difficulty"`
	ExtraData        hexutil.Bytes    `json:"extraData"`
	GasLimit         hexutil.Uint64   `json:"gasLimit"`
	GasUsed          hexutil.Uint64   `json:"gasUsed"`
	Timestamp        hexutil.Uint64   `json:"timestamp"`
	BaseFeePerGas    *hexutil.Big     `json:"baseFeePerGas,omitempty"`
}

type rpcBlock struct {
	rpcHeader
	TotalDifficulty *hexutil.Big  `json:"totalDifficulty"`
	Transactions    []any         `json:"transactions"`
	Uncles          []common.Hash `json:"uncles"`
}

func marshalHeader(b *chain.Block) rpcHeader {
	h := rpcHeader{
		Number:           hexutil.Uint64(b.Number),
		Hash:             b.Hash,
		ParentHash:       b.ParentHash,
		UncleHash:        types.EmptyUncleHash,
		LogsBloom:        b.Bloom,
		StateRoot:        b.StateRoot,
		TransactionsRoot: b.TxRoot,
		ReceiptsRoot:     b.ReceiptRoot,
		Miner:            b.Miner,
		Difficulty:       (*hexutil.Big)(new(big.Int)),
		ExtraData:        hexutil.Bytes{},
		GasLimit:         hexutil.Uint64(b.GasLimit),
		GasUsed:          hexutil.Uint64(b.GasUsed),
		Timestamp:        hexutil.Uint64(b.Timestamp),
	}
	if b.BaseFee != nil {
		h.BaseFeePerGas = (*hexutil.Big)(b.BaseFee)
	}
	return h
}

func marshalBlock(b *chain.Block, fullTx bool) *rpcBlock {
	out := &rpcBlock{
		rpcHeader:       marshalHeader(b),
		TotalDifficulty: (*hexutil.Big)(new(big.Int)),
		Transactions:    make([]any, 0, len(b.Transactions)),
		Uncles:          []common.Hash{},
	}
	for _, tx := range b.Transactions {
		if fullTx {
			out.Transactions = append(out.Transactions, marshalTransaction(tx))
		} else {
			out.Transactions = append(out.Transactions, tx.Hash)
		}
	}
	return out
}

type rpcTransaction struct {
	BlockHash        *common.Hash      `json:"blockHash"`
	BlockNumber      *hexutil.Big      `json:"blockNumber"`
	From             common.Address    `json:"from"`
	Gas              hexutil.Uint64    `json:"gas"`
	GasPrice         *hexutil.Big      `json:"gasPrice"`
	GasFeeCap        *hexutil.Big      `json:"maxFeePerGas,omitempty"`
	GasTipCap        *hexutil.Big      `json:"maxPriorityFeePerGas,omitempty"`
	Hash             common.Hash       `json:"hash"`
	Input            hexutil.Bytes     `json:"input"`
	Nonce            hexutil.Uint64    `json:"nonce"`
	To               *common.Address   `json:"to"`
	TransactionIndex *hexutil.Uint64   `json:"transactionIndex"`
	Value            *hexutil.Big      `json:"value"`
	Type             hexutil.Uint64    `json:"type"`
	Accesses         *types.AccessList `json:"accessList,omitempty"`
	ChainID          *hexutil.Big      `json:"chainId,omitempty"`
	V                *hexutil.Big      `json:"v"`
	R                *hexutil.Big      `json:"r"`
	S                *hexutil.Big      `json:"s"`
	YParity          *hexutil.Uint64   `json:"yParity,omitempty"`
}

func marshalTransaction(t *chain.Transaction) *rpcTransaction {
	tx := t.Tx
	v, r, s := tx.RawSignatureValues()
	out := &rpcTransaction{
		From:     t.From,
		Gas:      hexutil.Uint64(tx.Gas()),
		GasPrice: (*hexutil.Big)(tx.GasPrice()),
		Hash:     t.Hash,
		Input:    hexutil.Bytes(tx.Data()),
		Nonce:    hexutil.Uint64(tx.Nonce()),
		To:       tx.To(),
		Value:    (*hexutil.Big)(tx.Value()),
		Type:     hexutil.Uint64(tx.Type()),
		V:        (*hexutil.Big)(v),
		R:        (*hexutil.Big)(r),
		S:        (*hexutil.Big)(s),
	}
	if t.BlockNumber != nil {
		out.BlockHash = t.BlockHash
		out.BlockNumber = (*hexutil.Big)(new(big.Int).SetUint64(*t.BlockNumber))
		idx := hexutil.Uint64(t.Index)
		out.TransactionIndex = &idx
	}
	if tx.Type() != types.LegacyTxType {
		al := tx.AccessList()
		out.Accesses = &al
		out.ChainID = (*hexutil.Big)(tx.ChainId())
		yparity := hexutil.Uint64(v.Uint64())
		out.YParity = &yparity
	} else if tx.Protected() {
		out.ChainID = (*hexutil.Big)(tx.ChainId())
	}
	if tx.Type() >= types.DynamicFeeTxType {
		out.GasFeeCap = (*hexutil.Big)(tx.GasFeeCap())
		out.GasTipCap = (*hexutil.Big)(tx.GasTipCap())
		// pending transactions report the cap
		if t.BlockNumber != nil {
			out.GasPrice = (*hexutil.Big)(chain.EffectiveGasPrice(tx, t.BaseFee))
		} else {
			out.GasPrice = (*hexutil.Big)(tx.GasFeeCap())
		}
	}
	return out
}

type rpcReceipt struct {
	TransactionHash   common.Hash     `json:"transactionHash"`
	TransactionIndex  hexutil.Uint64  `json:"transactionIndex"`
	BlockHash         common.Hash     `json:"blockHash"`
	BlockNumber       hexutil.Uint64  `json:"blockNumber"`
	From              common.Address  `json:"from"`
	To                *common.Address `json:"to"`
	CumulativeGasUsed hexutil.Uint64  `json:"cumulativeGasUsed"`
	GasUsed           hexutil.Uint64  `json:"gasUsed"`
	EffectiveGasPrice *hexutil.Big    `json:"effectiveGasPrice"`
	ContractAddress   *common.Address `json:"contractAddress"`
	Logs              []*types.Log    `json:"logs"`
	LogsBloom         types.Bloom     `json:"logsBloom"`
	Type              hexutil.Uint64  `json:"type"`
	Status            hexutil.Uint64  `json:"status"`
	RevertReason      string          `json:"revertReason,omitempty"`
}

func marshalReceipt(r *chain.Receipt) *rpcReceipt {
	logs := r.Logs
	if logs == nil {
		logs = []*types.Log{}
	}
	return &rpcReceipt{
		TransactionHash:   r.TxHash,
		TransactionIndex:  hexutil.Uint64(r.TxIndex),
		BlockHash:         r.BlockHash,
		BlockNumber:       hexutil.Uint64(r.BlockNumber),
		From:              r.From,
		To:                r.To,
		CumulativeGasUsed: hexutil.Uint64(r.CumulativeGasUsed),
		GasUsed:           hexutil.Uint64(r.GasUsed),
		EffectiveGasPrice: (*hexutil.Big)(r.EffectiveGasPrice),
		ContractAddress:   r.ContractAddress,
		Logs:              logs,
		LogsBloom:         r.Bloom,
		Type:              hexutil.Uint64(r.Type),
		Status:            hexutil.Uint64(r.Status),
		RevertReason:      r.RevertReason,
	}
}
