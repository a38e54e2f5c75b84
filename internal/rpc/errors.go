package rpc

import (
	"context"
	"errors"
	"fmt"

	"github.com/ftupas/kakarot-rpc/internal/chain"
	"github.com/ftupas/kakarot-rpc/internal/filters"
	"github.com/ftupas/kakarot-rpc/internal/logging"
	"github.com/ftupas/kakarot-rpc/internal/translate"
	"github.com/ftupas/kakarot-rpc/internal/txpipe"
	"github.com/ftupas/kakarot-rpc/internal/upstream"
)

// JSON-RPC error codes. The negative 32000 range follows EIP-1474; the
// translation and duplicate codes are specific to this bridge.
const (
	CodeParse          = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternal       = -32603
	CodeServer         = -32000
	CodeTimeout        = -32002
	CodeTranslation    = -32010
	CodeDuplicate      = -32011
	CodeReverted       = 3
)

var (
	ErrInvalidParams  = errors.New("invalid params")
	ErrMethodNotFound = errors.New("method not found")
	// ErrNotifications is returned for subscription methods called over HTTP.
	ErrNotifications = errors.New("notifications not supported")
)

// Error is a JSON-RPC error object.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *Error) Error() string { return e.Message }

func invalidParams(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidParams, fmt.Sprintf(format, args...))
}

var clientInput = []error{
	ErrInvalidParams,
	chain.ErrInvalidBlockRef,
	txpipe.ErrMalformedTransaction,
	txpipe.ErrInvalidSignature,
	txpipe.ErrInvalidChainID,
	txpipe.ErrNonceTooLow,
	txpipe.ErrNonceGap,
	filters.ErrInvalidCriteria,
	filters.ErrRangeTooLarge,
}

// toError maps a handler error onto the wire error. Client input errors
// keep their message; infrastructure failures are logged and reported
// generically.
func toError(method string, err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	var revert *chain.RevertError
	if errors.As(err, &revert) {
		return &Error{Code: CodeReverted, Message: revert.Error(), Data: revert.ErrorData()}
	}
	for _, target := range clientInput {
		if errors.Is(err, target) {
			return &Error{Code: CodeInvalidParams, Message: err.Error()}
		}
	}
	switch {
	case errors.Is(err, ErrMethodNotFound):
		return &Error{Code: CodeMethodNotFound, Message: err.Error()}
	case errors.Is(err, ErrNotifications):
		return &Error{Code: CodeMethodNotFound, Message: err.Error()}
	case errors.Is(err, txpipe.ErrDuplicateTransaction):
		return &Error{Code: CodeDuplicate, Message: txpipe.ErrDuplicateTransaction.Error()}
	case errors.Is(err, filters.ErrUnknownFilter):
		return &Error{Code: CodeServer, Message: filters.ErrUnknownFilter.Error()}
	case errors.Is(err, chain.ErrUnknownBlock):
		return &Error{Code: CodeServer, Message: "header not found"}
	case errors.Is(err, translate.ErrUnmappedAddress):
		return &Error{Code: CodeTranslation, Message: "translation error: " + translate.ErrUnmappedAddress.Error()}
	case errors.Is(err, translate.ErrEncodingOverflow):
		return &Error{Code: CodeTranslation, Message: "translation error: " + translate.ErrEncodingOverflow.Error()}
	}

	log := logging.Logger().With("component", "rpc", "method", method)
	if errors.Is(err, upstream.ErrUpstreamTimeout) || errors.Is(err, context.DeadlineExceeded) {
		log.Warn("request_timeout", "err", err)
		return &Error{Code: CodeTimeout, Message: "request timed out"}
	}
	log.Error("request_failed", "err", err)
	return &Error{Code: CodeInternal, Message: "internal error"}
}
