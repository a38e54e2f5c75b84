package upstream

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrUpstreamTimeout is returned when the per-call deadline elapsed on every attempt.
	ErrUpstreamTimeout = errors.New("upstream timeout")
	// ErrUpstreamUnavailable covers connection failures and 429/5xx responses.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	// ErrUpstreamProtocol is returned for responses that are not valid JSON-RPC.
	ErrUpstreamProtocol = errors.New("upstream protocol error")
)

// Backend error codes from the Starknet JSON-RPC specification.
const (
	CodeContractNotFound  = 20
	CodeBlockNotFound     = 24
	CodeTxHashNotFound    = 29
	CodeContractError     = 40
	CodeTxExecutionError  = 41
	CodeInvalidNonce      = 52
	CodeInsufficientFee   = 53
	CodeInsufficientFunds = 54
	CodeValidationFailure = 55
	CodeDuplicateTx       = 59
	CodeMethodNotFound    = -32601
)

// RPCError is a JSON-RPC error object returned by the backend. It is never
// retried: the backend answered, it just said no.
type RPCError struct {
	Method  string          `json:"-"`
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	if len(e.Data) > 0 {
		return fmt.Sprintf("%s: rpc %d: %s (%s)", e.Method, e.Code, e.Message, string(e.Data))
	}
	return fmt.Sprintf("%s: rpc %d: %s", e.Method, e.Code, e.Message)
}

// Reason returns the most descriptive text the backend gave for the failure.
// Undecodable data is never echoed; callers log Data themselves.
func (e *RPCError) Reason() string {
	if len(e.Data) == 0 {
		return e.Message
	}
	var s string
	if err := json.Unmarshal(e.Data, &s); err == nil && s != "" {
		return s
	}
	var obj struct {
		RevertError    string `json:"revert_error"`
		ExecutionError string `json:"execution_error"`
	}
	if err := json.Unmarshal(e.Data, &obj); err == nil {
		if obj.RevertError != "" {
			return obj.RevertError
		}
		if obj.ExecutionError != "" {
			return obj.ExecutionError
		}
	}
	return e.Message
}

func hasCode(err error, codes ...int) bool {
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) {
		return false
	}
	for _, c := range codes {
		if rpcErr.Code == c {
			return true
		}
	}
	return false
}

// IsContractNotFound reports whether the backend has no contract at the address.
func IsContractNotFound(err error) bool { return hasCode(err, CodeContractNotFound) }

func IsBlockNotFound(err error) bool { return hasCode(err, CodeBlockNotFound) }

func IsTxNotFound(err error) bool { return hasCode(err, CodeTxHashNotFound) }

// IsRejection reports whether the backend refused to execute or accept a
// transaction, as opposed to failing to answer.
func IsRejection(err error) bool {
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) {
		return false
	}
	return rpcErr.Code != CodeMethodNotFound && rpcErr.Code > 0
}

func isRetriable(err error) bool {
	return errors.Is(err, ErrUpstreamUnavailable) || errors.Is(err, ErrUpstreamTimeout)
}
