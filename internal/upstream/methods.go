package upstream

import (
	"context"

	"github.com/ftupas/kakarot-rpc/internal/felt"
)

// ChainID returns the backend chain identifier.
func (c *Client) ChainID(ctx context.Context) (felt.Felt, error) {
	var res felt.Felt
	if err := c.Call(ctx, CategoryRead, "starknet_chainId", nil, &res); err != nil {
		return felt.Zero, err
	}
	return res, nil
}

// BlockNumber returns the latest accepted block number.
func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	var res uint64
	if err := c.Call(ctx, CategoryRead, "starknet_blockNumber", nil, &res); err != nil {
		return 0, err
	}
	return res, nil
}

// BlockWithTxs fetches a block with its full transactions. Accepted blocks
// requested by number or hash are served from the block cache.
func (c *Client) BlockWithTxs(ctx context.Context, id BlockID) (*Block, error) {
	return c.blocks.load(ctx, id, func(ctx context.Context) (*Block, error) {
		var b Block
		if err := c.Call(ctx, CategoryRead, "starknet_getBlockWithTxs", []any{id}, &b); err != nil {
			return nil, err
		}
		return &b, nil
	})
}

func (c *Client) TransactionReceipt(ctx context.Context, hash felt.Felt) (*Receipt, error) {
	var r Receipt
	if err := c.Call(ctx, CategoryRead, "starknet_getTransactionReceipt", []any{hash}, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// CallContract executes a read-only contract entrypoint.
func (c *Client) CallContract(ctx context.Context, call FunctionCall, id BlockID) ([]felt.Felt, error) {
	if call.Calldata == nil {
		call.Calldata = []felt.Felt{}
	}
	var res []felt.Felt
	if err := c.Call(ctx, CategoryRead, "starknet_call", []any{call, id}, &res); err != nil {
		return nil, err
	}
	return res, nil
}

// Nonce returns the account nonce of a backend contract.
func (c *Client) Nonce(ctx context.Context, id BlockID, addr felt.Felt) (felt.Felt, error) {
	var res felt.Felt
	if err := c.Call(ctx, CategoryRead, "starknet_getNonce", []any{id, addr}, &res); err != nil {
		return felt.Zero, err
	}
	return res, nil
}

// AddInvokeTransaction submits an invoke transaction. It is never retried.
func (c *Client) AddInvokeTransaction(ctx context.Context, tx InvokeTxn) (felt.Felt, error) {
	if tx.Type == "" {
		tx.Type = TxTypeInvoke
	}
	if tx.Version == "" {
		tx.Version = "0x1"
	}
	var res struct {
		TransactionHash felt.Felt `json:"transaction_hash"`
	}
	params := map[string]any{"invoke_transaction": tx}
	if err := c.Call(ctx, CategoryWrite, "starknet_addInvokeTransaction", params, &res); err != nil {
		return felt.Zero, err
	}
	return res.TransactionHash, nil
}
