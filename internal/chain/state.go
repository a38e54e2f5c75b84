package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/params"

	"github.com/ftupas/kakarot-rpc/internal/logging"
	"github.com/ftupas/kakarot-rpc/internal/translate"
	"github.com/ftupas/kakarot-rpc/internal/upstream"
)

// GetBalance returns the native token balance of addr. Accounts the backend
// has never seen hold zero.
func (r *Reader) GetBalance(ctx context.Context, addr common.Address, ref BlockRef) (*big.Int, error) {
	id, err := r.blockID(ctx, ref)
	if err != nil {
		return nil, err
	}
	out, err := r.backend.CallContract(ctx, r.tr.NativeBalanceCall(addr), id)
	if err != nil {
		if isMissingAccount(err) {
			return new(big.Int), nil
		}
		return nil, stateErr(id, err)
	}
	v, err := translate.DecodeUint256Output(out)
	if err != nil {
		return nil, err
	}
	return v.ToBig(), nil
}

// GetNonce returns the account nonce, zero for unknown accounts.
func (r *Reader) GetNonce(ctx context.Context, addr common.Address, ref BlockRef) (uint64, error) {
	id, err := r.blockID(ctx, ref)
	if err != nil {
		return 0, err
	}
	n, err := r.backend.Nonce(ctx, id, r.tr.ToBackend(addr))
	if err != nil {
		if isMissingAccount(err) {
			return 0, nil
		}
		return 0, stateErr(id, err)
	}
	v, ok := n.Uint64()
	if !ok {
		return 0, fmt.Errorf("%w: nonce %s", translate.ErrEncodingOverflow, n.Hex())
	}
	return v, nil
}

// GetCode returns the deployed EVM bytecode, empty for unknown accounts.
func (r *Reader) GetCode(ctx context.Context, addr common.Address, ref BlockRef) ([]byte, error) {
	id, err := r.blockID(ctx, ref)
	if err != nil {
		return nil, err
	}
	out, err := r.backend.CallContract(ctx, r.tr.AccountCall(addr, translate.SelectorBytecode), id)
	if err != nil {
		if isMissingAccount(err) {
			return []byte{}, nil
		}
		return nil, stateErr(id, err)
	}
	return translate.DecodeBytesOutput(out)
}

// GetStorageAt reads one EVM storage slot through the account's storage view.
func (r *Reader) GetStorageAt(ctx context.Context, addr common.Address, key common.Hash, ref BlockRef) (common.Hash, error) {
	id, err := r.blockID(ctx, ref)
	if err != nil {
		return common.Hash{}, err
	}
	lo, hi := translate.EncodeTopic(key)
	out, err := r.backend.CallContract(ctx, r.tr.AccountCall(addr, translate.SelectorStorage, lo, hi), id)
	if err != nil {
		if isMissingAccount(err) {
			return common.Hash{}, nil
		}
		return common.Hash{}, stateErr(id, err)
	}
	v, err := translate.DecodeUint256Output(out)
	if err != nil {
		return common.Hash{}, err
	}
	return common.Hash(v.Bytes32()), nil
}

// Call executes msg against the zkEVM without creating a transaction.
func (r *Reader) Call(ctx context.Context, msg translate.CallMsg, ref BlockRef) ([]byte, error) {
	res, err := r.execute(ctx, msg, ref)
	if err != nil {
		return nil, err
	}
	return res.ReturnData, nil
}

// EstimateGas reports the gas the zkEVM used for msg, at least the
// intrinsic cost of a transaction.
func (r *Reader) EstimateGas(ctx context.Context, msg translate.CallMsg, ref BlockRef) (uint64, error) {
	res, err := r.execute(ctx, msg, ref)
	if err != nil {
		return 0, err
	}
	if res.GasUsed < params.TxGas {
		return params.TxGas, nil
	}
	return res.GasUsed, nil
}

func (r *Reader) execute(ctx context.Context, msg translate.CallMsg, ref BlockRef) (translate.CallResult, error) {
	id, err := r.blockID(ctx, ref)
	if err != nil {
		return translate.CallResult{}, err
	}
	inv, err := r.tr.EncodeCall(msg, r.opts.BlockGasLimit)
	if err != nil {
		return translate.CallResult{}, err
	}
	out, err := r.backend.CallContract(ctx, inv.FunctionCall(), id)
	if err != nil {
		var rpcErr *upstream.RPCError
		if errors.As(err, &rpcErr) && (rpcErr.Code == upstream.CodeContractError || rpcErr.Code == upstream.CodeTxExecutionError) {
			logging.Logger().Debug("call_reverted", "component", "chain", "code", rpcErr.Code, "data", string(rpcErr.Data))
			return translate.CallResult{}, &RevertError{Reason: rpcErr.Reason()}
		}
		return translate.CallResult{}, stateErr(id, err)
	}
	res, err := translate.DecodeCallResult(out)
	if err != nil {
		return translate.CallResult{}, err
	}
	if !res.Success {
		reason, _ := translate.RevertReason(res.ReturnData)
		return translate.CallResult{}, &RevertError{Reason: reason, Data: res.ReturnData}
	}
	return res, nil
}

// TokenBalance queries an ERC-20 deployed on the zkEVM.
func (r *Reader) TokenBalance(ctx context.Context, token, owner common.Address, ref BlockRef) (*big.Int, error) {
	ret, err := r.Call(ctx, translate.CallMsg{To: &token, Data: translate.PackBalanceOf(owner)}, ref)
	if err != nil {
		return nil, err
	}
	return translate.UnpackBalance(ret)
}

// GasPrice is the configured base fee plus the suggested tip.
func (r *Reader) GasPrice() *big.Int {
	p := new(big.Int).SetUint64(r.opts.GasPrice)
	return p.Add(p, r.MaxPriorityFee())
}

func (r *Reader) MaxPriorityFee() *big.Int { return new(big.Int).SetUint64(r.opts.MaxPriorityFee) }

func (r *Reader) BaseFee() *big.Int { return new(big.Int).Set(r.baseFee) }
