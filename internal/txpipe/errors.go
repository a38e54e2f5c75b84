package txpipe

import "errors"

// Client input errors. The dispatcher reports all of them as invalid params.
var (
	ErrMalformedTransaction = errors.New("malformed transaction")
	ErrInvalidSignature     = errors.New("invalid transaction signature")
	ErrInvalidChainID       = errors.New("invalid chain id")
	ErrNonceTooLow          = errors.New("nonce too low")
	ErrNonceGap             = errors.New("nonce too high")
)

// ErrDuplicateTransaction is returned when the same signed bytes were
// already submitted or included.
var ErrDuplicateTransaction = errors.New("transaction already known")
