package translate

import (
	"fmt"

	"github.com/holiman/uint256"

	"github.com/ftupas/kakarot-rpc/internal/felt"
)

// Shape names the Ethereum type a backend output is decoded into.
type Shape int

const (
	ShapeFelt       Shape = iota // felt.Felt
	ShapeUint256                 // *uint256.Int from (low, high)
	ShapeBytes                   // []byte from [len, b0, ..., bn-1]
	ShapeCallResult              // CallResult from [len, data..., success, gas_used]
	ShapeAddress                 // common.Address from a single felt
)

func (s Shape) String() string {
	switch s {
	case ShapeFelt:
		return "felt"
	case ShapeUint256:
		return "uint256"
	case ShapeBytes:
		return "bytes"
	case ShapeCallResult:
		return "call_result"
	case ShapeAddress:
		return "address"
	}
	return fmt.Sprintf("shape(%d)", int(s))
}

// CallResult is the decoded output of the zkEVM eth_call entrypoint.
type CallResult struct {
	ReturnData []byte
	Success    bool
	GasUsed    uint64
}

// DecodeResult converts backend output into the Go value for shape.
func DecodeResult(out []felt.Felt, shape Shape) (any, error) {
	switch shape {
	case ShapeFelt:
		if len(out) != 1 {
			return nil, malformed(shape, "want 1 value, got %d", len(out))
		}
		return out[0], nil
	case ShapeUint256:
		return DecodeUint256Output(out)
	case ShapeBytes:
		return DecodeBytesOutput(out)
	case ShapeCallResult:
		return DecodeCallResult(out)
	case ShapeAddress:
		if len(out) != 1 {
			return nil, malformed(shape, "want 1 value, got %d", len(out))
		}
		return FeltToAddress(out[0])
	}
	return nil, fmt.Errorf("unknown shape %d", int(shape))
}

func DecodeUint256Output(out []felt.Felt) (*uint256.Int, error) {
	if len(out) != 2 {
		return nil, malformed(ShapeUint256, "want 2 values, got %d", len(out))
	}
	return DecodeUint256(out[0], out[1])
}

func DecodeBytesOutput(out []felt.Felt) ([]byte, error) {
	data, rest, err := lengthPrefixed(out, ShapeBytes)
	if err != nil {
		return nil, err
	}
	if len(rest) != 0 {
		return nil, malformed(ShapeBytes, "%d trailing values", len(rest))
	}
	return data, nil
}

func DecodeCallResult(out []felt.Felt) (CallResult, error) {
	data, rest, err := lengthPrefixed(out, ShapeCallResult)
	if err != nil {
		return CallResult{}, err
	}
	if len(rest) != 2 {
		return CallResult{}, malformed(ShapeCallResult, "want success and gas_used, got %d values", len(rest))
	}
	success, ok := rest[0].Uint64()
	if !ok || success > 1 {
		return CallResult{}, malformed(ShapeCallResult, "success flag %s", rest[0].Hex())
	}
	gasUsed, ok := rest[1].Uint64()
	if !ok {
		return CallResult{}, fmt.Errorf("%w: gas used %s exceeds 64 bits", ErrEncodingOverflow, rest[1].Hex())
	}
	return CallResult{ReturnData: data, Success: success == 1, GasUsed: gasUsed}, nil
}

func lengthPrefixed(out []felt.Felt, shape Shape) ([]byte, []felt.Felt, error) {
	if len(out) == 0 {
		return nil, nil, malformed(shape, "empty output")
	}
	n, ok := out[0].Uint64()
	if !ok || n > uint64(len(out)-1) {
		return nil, nil, malformed(shape, "length %s exceeds output", out[0].Hex())
	}
	data, err := DecodeBytes(out[1 : 1+n])
	if err != nil {
		return nil, nil, err
	}
	return data, out[1+n:], nil
}

func malformed(shape Shape, format string, args ...any) error {
	return fmt.Errorf("%w: %s: %s", ErrMalformedOutput, shape, fmt.Sprintf(format, args...))
}
