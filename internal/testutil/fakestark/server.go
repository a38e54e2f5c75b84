package fakestark

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"

	"github.com/ftupas/kakarot-rpc/internal/felt"
	"github.com/ftupas/kakarot-rpc/internal/upstream"
)

// Server exposes a Chain over Starknet JSON-RPC.
type Server struct {
	*httptest.Server
	Chain *Chain

	// Unavailable makes every request fail with 503.
	Unavailable atomic.Bool
}

// NewServer starts an HTTP server backed by c. Callers must Close it.
func NewServer(c *Chain) *Server {
	s := &Server{Chain: c}
	s.Server = httptest.NewServer(http.HandlerFunc(s.serve))
	return s
}

type request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

type response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (s *Server) serve(w http.ResponseWriter, r *http.Request) {
	if s.Unavailable.Load() {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}
	var req request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	resp := response{JSONRPC: "2.0", ID: req.ID}
	result, err := s.dispatch(r.Context(), req.Method, req.Params)
	if err != nil {
		var rpcErr *upstream.RPCError
		if !errors.As(err, &rpcErr) {
			rpcErr = &upstream.RPCError{Code: -32602, Message: err.Error()}
		}
		resp.Error = &rpcError{Code: rpcErr.Code, Message: rpcErr.Message, Data: rpcErr.Data}
	} else {
		resp.Result = result
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (s *Server) dispatch(ctx context.Context, method string, params json.RawMessage) (any, error) {
	c := s.Chain
	switch method {
	case "starknet_chainId":
		c.mu.Lock()
		c.count(method)
		id := c.chainIDFelt()
		c.mu.Unlock()
		return id, nil
	case "starknet_blockNumber":
		return c.BlockNumber(ctx)
	case "starknet_getBlockWithTxs":
		var args []json.RawMessage
		if err := unmarshalParams(params, &args, 1); err != nil {
			return nil, err
		}
		id, err := parseBlockID(args[0])
		if err != nil {
			return nil, err
		}
		return c.BlockWithTxs(ctx, id)
	case "starknet_getTransactionReceipt":
		var args []felt.Felt
		if err := unmarshalParams(params, &args, 1); err != nil {
			return nil, err
		}
		return c.TransactionReceipt(ctx, args[0])
	case "starknet_call":
		var args []json.RawMessage
		if err := unmarshalParams(params, &args, 2); err != nil {
			return nil, err
		}
		var call upstream.FunctionCall
		if err := json.Unmarshal(args[0], &call); err != nil {
			return nil, err
		}
		id, err := parseBlockID(args[1])
		if err != nil {
			return nil, err
		}
		return c.CallContract(ctx, call, id)
	case "starknet_getNonce":
		var args []json.RawMessage
		if err := unmarshalParams(params, &args, 2); err != nil {
			return nil, err
		}
		id, err := parseBlockID(args[0])
		if err != nil {
			return nil, err
		}
		var addr felt.Felt
		if err := json.Unmarshal(args[1], &addr); err != nil {
			return nil, err
		}
		return c.Nonce(ctx, id, addr)
	case "starknet_addInvokeTransaction":
		var args struct {
			InvokeTransaction upstream.InvokeTxn `json:"invoke_transaction"`
		}
		if err := json.Unmarshal(params, &args); err != nil {
			return nil, err
		}
		hash, err := c.AddInvokeTransaction(ctx, args.InvokeTransaction)
		if err != nil {
			return nil, err
		}
		return map[string]felt.Felt{"transaction_hash": hash}, nil
	}
	return nil, &upstream.RPCError{Code: upstream.CodeMethodNotFound, Message: "Method not found"}
}

func unmarshalParams(params json.RawMessage, out any, n int) error {
	if err := json.Unmarshal(params, out); err != nil {
		return err
	}
	var raw []json.RawMessage
	if err := json.Unmarshal(params, &raw); err != nil || len(raw) != n {
		return fmt.Errorf("want %d params", n)
	}
	return nil
}

func parseBlockID(raw json.RawMessage) (upstream.BlockID, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) > 0 && raw[0] == '"' {
		var tag string
		if err := json.Unmarshal(raw, &tag); err != nil {
			return upstream.BlockID{}, err
		}
		switch tag {
		case "latest":
			return upstream.Latest(), nil
		case "pending":
			return upstream.Pending(), nil
		}
		return upstream.BlockID{}, fmt.Errorf("unknown block tag %q", tag)
	}
	var obj struct {
		BlockNumber *uint64    `json:"block_number"`
		BlockHash   *felt.Felt `json:"block_hash"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return upstream.BlockID{}, err
	}
	switch {
	case obj.BlockNumber != nil:
		return upstream.ByNumber(*obj.BlockNumber), nil
	case obj.BlockHash != nil:
		return upstream.ByHash(*obj.BlockHash), nil
	}
	return upstream.BlockID{}, errors.New("empty block id")
}
