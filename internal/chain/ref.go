package chain

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// ErrInvalidBlockRef is returned for block parameters that cannot be parsed.
var ErrInvalidBlockRef = errors.New("invalid block reference")

type refKind uint8

const (
	refLatest refKind = iota
	refPending
	refEarliest
	refNumber
	refHash
)

// BlockRef is a block parameter as accepted by the Ethereum JSON-RPC API: a
// tag, a quantity, a 32-byte hash, or an EIP-1898 object. The zero value is
// "latest".
type BlockRef struct {
	kind   refKind
	number uint64
	hash   common.Hash
}

func LatestRef() BlockRef            { return BlockRef{kind: refLatest} }
func PendingRef() BlockRef           { return BlockRef{kind: refPending} }
func EarliestRef() BlockRef          { return BlockRef{kind: refEarliest} }
func NumberRef(n uint64) BlockRef    { return BlockRef{kind: refNumber, number: n} }
func HashRef(h common.Hash) BlockRef { return BlockRef{kind: refHash, hash: h} }

// IsTag reports whether the reference resolves against the current head.
func (r BlockRef) IsTag() bool { return r.kind == refLatest || r.kind == refPending }

func (r BlockRef) IsPending() bool { return r.kind == refPending }

func (r BlockRef) Number() (uint64, bool) {
	switch r.kind {
	case refNumber:
		return r.number, true
	case refEarliest:
		return 0, true
	}
	return 0, false
}

func (r BlockRef) Hash() (common.Hash, bool) { return r.hash, r.kind == refHash }

func (r BlockRef) String() string {
	switch r.kind {
	case refPending:
		return "pending"
	case refEarliest:
		return "earliest"
	case refNumber:
		return hexutil.EncodeUint64(r.number)
	case refHash:
		return r.hash.Hex()
	}
	return "latest"
}

func (r BlockRef) MarshalText() ([]byte, error) { return []byte(r.String()), nil }

// UnmarshalJSON accepts tags, hex quantities, block hashes and
// {"blockNumber": ...} / {"blockHash": ...} objects. "safe" and "finalized"
// map to latest: the backend exposes a single accepted head.
func (r *BlockRef) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '{' {
		var obj struct {
			BlockNumber *string      `json:"blockNumber"`
			BlockHash   *common.Hash `json:"blockHash"`
		}
		if err := json.Unmarshal(data, &obj); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidBlockRef, err)
		}
		switch {
		case obj.BlockNumber != nil && obj.BlockHash != nil:
			return fmt.Errorf("%w: both blockNumber and blockHash set", ErrInvalidBlockRef)
		case obj.BlockHash != nil:
			*r = HashRef(*obj.BlockHash)
			return nil
		case obj.BlockNumber != nil:
			return r.parseString(*obj.BlockNumber)
		}
		return fmt.Errorf("%w: empty object", ErrInvalidBlockRef)
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidBlockRef, string(data))
	}
	return r.parseString(s)
}

func (r *BlockRef) parseString(s string) error {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "latest", "safe", "finalized":
		*r = LatestRef()
		return nil
	case "pending":
		*r = PendingRef()
		return nil
	case "earliest":
		*r = EarliestRef()
		return nil
	}
	if len(s) == 66 {
		var h common.Hash
		if err := h.UnmarshalText([]byte(s)); err != nil {
			return fmt.Errorf("%w: %s", ErrInvalidBlockRef, s)
		}
		*r = HashRef(h)
		return nil
	}
	n, err := hexutil.DecodeUint64(s)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidBlockRef, s)
	}
	*r = NumberRef(n)
	return nil
}
