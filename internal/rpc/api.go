package rpc

import (
	"context"
	"encoding/json"
	"math/big"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/ftupas/kakarot-rpc/internal/chain"
	"github.com/ftupas/kakarot-rpc/internal/filters"
	"github.com/ftupas/kakarot-rpc/internal/translate"
)

// Chain is the read side the handlers serve from.
type Chain interface {
	ChainID() uint64
	BlockNumber(ctx context.Context) (uint64, error)
	GetBlock(ctx context.Context, ref chain.BlockRef) (*chain.Block, error)
	GetTransaction(ctx context.Context, hash common.Hash) (*chain.Transaction, error)
	GetReceipt(ctx context.Context, hash common.Hash) (*chain.Receipt, error)
	GetTransactionByBlockAndIndex(ctx context.Context, ref chain.BlockRef, index uint64) (*chain.Transaction, error)
	BlockTransactionCount(ctx context.Context, ref chain.BlockRef) (*uint64, error)
	GetBalance(ctx context.Context, addr common.Address, ref chain.BlockRef) (*big.Int, error)
	GetNonce(ctx context.Context, addr common.Address, ref chain.BlockRef) (uint64, error)
	GetCode(ctx context.Context, addr common.Address, ref chain.BlockRef) ([]byte, error)
	GetStorageAt(ctx context.Context, addr common.Address, key common.Hash, ref chain.BlockRef) (common.Hash, error)
	Call(ctx context.Context, msg translate.CallMsg, ref chain.BlockRef) ([]byte, error)
	EstimateGas(ctx context.Context, msg translate.CallMsg, ref chain.BlockRef) (uint64, error)
	GasPrice() *big.Int
	MaxPriorityFee() *big.Int
}

// Submitter accepts signed raw transactions.
type Submitter interface {
	Submit(ctx context.Context, raw []byte) (common.Hash, error)
}

// Filters is the stateful filter store.
type Filters interface {
	NewFilter(ctx context.Context, c filters.Criteria) (filters.ID, error)
	NewBlockFilter(ctx context.Context) (filters.ID, error)
	Changes(ctx context.Context, id filters.ID) (filters.Changes, error)
	Logs(ctx context.Context, id filters.ID) ([]*types.Log, error)
	Uninstall(id filters.ID) bool
	GetLogs(ctx context.Context, c filters.Criteria) ([]*types.Log, error)
}

// Backends groups the components the handlers call into.
type Backends struct {
	Chain         Chain
	Txs           Submitter
	Filters       Filters
	ClientVersion string
}

type api struct {
	Backends
}

type params = []json.RawMessage

func (a *api) chainID(ctx context.Context, _ params) (any, error) {
	return hexutil.Uint64(a.Chain.ChainID()), nil
}

func (a *api) blockNumber(ctx context.Context, _ params) (any, error) {
	n, err := a.Chain.BlockNumber(ctx)
	if err != nil {
		return nil, err
	}
	return hexutil.Uint64(n), nil
}

// addressAndRef decodes the (address, block) pair most state methods take.
func addressAndRef(p params) (common.Address, chain.BlockRef, error) {
	var (
		addr common.Address
		ref  chain.BlockRef
	)
	if err := required(p, 0, &addr); err != nil {
		return addr, ref, err
	}
	err := param(p, 1, &ref)
	return addr, ref, err
}

func (a *api) getBalance(ctx context.Context, p params) (any, error) {
	addr, ref, err := addressAndRef(p)
	if err != nil {
		return nil, err
	}
	bal, err := a.Chain.GetBalance(ctx, addr, ref)
	if err != nil {
		return nil, err
	}
	return (*hexutil.Big)(bal), nil
}

func (a *api) getTransactionCount(ctx context.Context, p params) (any, error) {
	addr, ref, err := addressAndRef(p)
	if err != nil {
		return nil, err
	}
	n, err := a.Chain.GetNonce(ctx, addr, ref)
	if err != nil {
		return nil, err
	}
	return hexutil.Uint64(n), nil
}

func (a *api) getCode(ctx context.Context, p params) (any, error) {
	addr, ref, err := addressAndRef(p)
	if err != nil {
		return nil, err
	}
	code, err := a.Chain.GetCode(ctx, addr, ref)
	if err != nil {
		return nil, err
	}
	return hexutil.Bytes(code), nil
}

func (a *api) getStorageAt(ctx context.Context, p params) (any, error) {
	var (
		addr common.Address
		key  storageKey
		ref  chain.BlockRef
	)
	if err := required(p, 0, &addr); err != nil {
		return nil, err
	}
	if err := required(p, 1, &key); err != nil {
		return nil, err
	}
	if err := param(p, 2, &ref); err != nil {
		return nil, err
	}
	v, err := a.Chain.GetStorageAt(ctx, addr, common.Hash(key), ref)
	if err != nil {
		return nil, err
	}
	return v, nil
}

func callArgs(p params) (translate.CallMsg, chain.BlockRef, error) {
	var (
		args CallArgs
		ref  chain.BlockRef
	)
	if err := required(p, 0, &args); err != nil {
		return translate.CallMsg{}, ref, err
	}
	if err := param(p, 1, &ref); err != nil {
		return translate.CallMsg{}, ref, err
	}
	msg, err := args.msg()
	return msg, ref, err
}

func (a *api) call(ctx context.Context, p params) (any, error) {
	msg, ref, err := callArgs(p)
	if err != nil {
		return nil, err
	}
	out, err := a.Chain.Call(ctx, msg, ref)
	if err != nil {
		return nil, err
	}
	return hexutil.Bytes(out), nil
}

func (a *api) estimateGas(ctx context.Context, p params) (any, error) {
	msg, ref, err := callArgs(p)
	if err != nil {
		return nil, err
	}
	gas, err := a.Chain.EstimateGas(ctx, msg, ref)
	if err != nil {
		return nil, err
	}
	return hexutil.Uint64(gas), nil
}

func (a *api) gasPrice(context.Context, params) (any, error) {
	return (*hexutil.Big)(a.Chain.GasPrice()), nil
}

func (a *api) maxPriorityFeePerGas(context.Context, params) (any, error) {
	return (*hexutil.Big)(a.Chain.MaxPriorityFee()), nil
}

func (a *api) sendRawTransaction(ctx context.Context, p params) (any, error) {
	var raw hexutil.Bytes
	if err := required(p, 0, &raw); err != nil {
		return nil, err
	}
	return a.Txs.Submit(ctx, raw)
}

func fullTx(p params, i int) (bool, error) {
	var full bool
	err := param(p, i, &full)
	return full, err
}

func (a *api) getBlockByNumber(ctx context.Context, p params) (any, error) {
	var ref chain.BlockRef
	if err := required(p, 0, &ref); err != nil {
		return nil, err
	}
	return a.block(ctx, ref, p)
}

func (a *api) getBlockByHash(ctx context.Context, p params) (any, error) {
	var h common.Hash
	if err := required(p, 0, &h); err != nil {
		return nil, err
	}
	return a.block(ctx, chain.HashRef(h), p)
}

func (a *api) block(ctx context.Context, ref chain.BlockRef, p params) (any, error) {
	full, err := fullTx(p, 1)
	if err != nil {
		return nil, err
	}
	b, err := a.Chain.GetBlock(ctx, ref)
	if err != nil || b == nil {
		return nil, err
	}
	return marshalBlock(b, full), nil
}

func (a *api) getTransactionByHash(ctx context.Context, p params) (any, error) {
	var h common.Hash
	if err := required(p, 0, &h); err != nil {
		return nil, err
	}
	tx, err := a.Chain.GetTransaction(ctx, h)
	if err != nil || tx == nil {
		return nil, err
	}
	return marshalTransaction(tx), nil
}

func (a *api) getTransactionReceipt(ctx context.Context, p params) (any, error) {
	var h common.Hash
	if err := required(p, 0, &h); err != nil {
		return nil, err
	}
	rc, err := a.Chain.GetReceipt(ctx, h)
	if err != nil || rc == nil {
		return nil, err
	}
	return marshalReceipt(rc), nil
}

func (a *api) txCount(ctx context.Context, ref chain.BlockRef) (any, error) {
	n, err := a.Chain.BlockTransactionCount(ctx, ref)
	if err != nil || n == nil {
		return nil, err
	}
	return hexutil.Uint64(*n), nil
}

func (a *api) getBlockTransactionCountByHash(ctx context.Context, p params) (any, error) {
	var h common.Hash
	if err := required(p, 0, &h); err != nil {
		return nil, err
	}
	return a.txCount(ctx, chain.HashRef(h))
}

func (a *api) getBlockTransactionCountByNumber(ctx context.Context, p params) (any, error) {
	var ref chain.BlockRef
	if err := required(p, 0, &ref); err != nil {
		return nil, err
	}
	return a.txCount(ctx, ref)
}

func (a *api) txByIndex(ctx context.Context, ref chain.BlockRef, p params) (any, error) {
	var idx hexutil.Uint64
	if err := required(p, 1, &idx); err != nil {
		return nil, err
	}
	tx, err := a.Chain.GetTransactionByBlockAndIndex(ctx, ref, uint64(idx))
	if err != nil || tx == nil {
		return nil, err
	}
	return marshalTransaction(tx), nil
}

func (a *api) getTransactionByBlockHashAndIndex(ctx context.Context, p params) (any, error) {
	var h common.Hash
	if err := required(p, 0, &h); err != nil {
		return nil, err
	}
	return a.txByIndex(ctx, chain.HashRef(h), p)
}

func (a *api) getTransactionByBlockNumberAndIndex(ctx context.Context, p params) (any, error) {
	var ref chain.BlockRef
	if err := required(p, 0, &ref); err != nil {
		return nil, err
	}
	return a.txByIndex(ctx, ref, p)
}

func (a *api) getLogs(ctx context.Context, p params) (any, error) {
	var c filters.Criteria
	if err := required(p, 0, &c); err != nil {
		return nil, err
	}
	return a.Filters.GetLogs(ctx, c)
}

func (a *api) newFilter(ctx context.Context, p params) (any, error) {
	var c filters.Criteria
	if err := required(p, 0, &c); err != nil {
		return nil, err
	}
	return a.Filters.NewFilter(ctx, c)
}

func (a *api) newBlockFilter(ctx context.Context, _ params) (any, error) {
	return a.Filters.NewBlockFilter(ctx)
}

func filterID(p params) (filters.ID, error) {
	var id string
	err := required(p, 0, &id)
	return filters.ID(id), err
}

func (a *api) getFilterChanges(ctx context.Context, p params) (any, error) {
	id, err := filterID(p)
	if err != nil {
		return nil, err
	}
	c, err := a.Filters.Changes(ctx, id)
	if err != nil {
		return nil, err
	}
	return c.Result(), nil
}

func (a *api) getFilterLogs(ctx context.Context, p params) (any, error) {
	id, err := filterID(p)
	if err != nil {
		return nil, err
	}
	return a.Filters.Logs(ctx, id)
}

func (a *api) uninstallFilter(_ context.Context, p params) (any, error) {
	id, err := filterID(p)
	if err != nil {
		return nil, err
	}
	return a.Filters.Uninstall(id), nil
}

func (a *api) syncing(context.Context, params) (any, error) { return false, nil }

func (a *api) accounts(context.Context, params) (any, error) { return []common.Address{}, nil }

func (a *api) netVersion(context.Context, params) (any, error) {
	return strconv.FormatUint(a.Chain.ChainID(), 10), nil
}

func (a *api) netListening(context.Context, params) (any, error) { return true, nil }

func (a *api) clientVersion(context.Context, params) (any, error) { return a.ClientVersion, nil }

func (a *api) sha3(_ context.Context, p params) (any, error) {
	var data hexutil.Bytes
	if err := required(p, 0, &data); err != nil {
		return nil, err
	}
	return hexutil.Bytes(crypto.Keccak256(data)), nil
}

func (a *api) subscribe(ctx context.Context, p params) (any, error) {
	sub, ok := subscriberFrom(ctx)
	if !ok {
		return nil, ErrNotifications
	}
	var kind string
	if err := required(p, 0, &kind); err != nil {
		return nil, err
	}
	var c filters.Criteria
	if err := param(p, 1, &c); err != nil {
		return nil, err
	}
	return sub.subscribe(kind, c)
}

func (a *api) unsubscribe(ctx context.Context, p params) (any, error) {
	sub, ok := subscriberFrom(ctx)
	if !ok {
		return nil, ErrNotifications
	}
	var id string
	if err := required(p, 0, &id); err != nil {
		return nil, err
	}
	return sub.unsubscribe(id), nil
}
