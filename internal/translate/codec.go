package translate

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/ftupas/kakarot-rpc/internal/felt"
)

var two128 = new(big.Int).Lsh(big.NewInt(1), 128)

// EncodeBytes spreads b over felts, one byte per felt.
func EncodeBytes(b []byte) []felt.Felt {
	out := make([]felt.Felt, len(b))
	for i, c := range b {
		out[i] = felt.FromUint64(uint64(c))
	}
	return out
}

// DecodeBytes is the inverse of EncodeBytes; every felt must be below 256.
func DecodeBytes(fs []felt.Felt) ([]byte, error) {
	out := make([]byte, len(fs))
	for i, f := range fs {
		v, ok := f.Uint64()
		if !ok || v > 0xff {
			return nil, fmt.Errorf("%w: felt %d (%s) is not a byte", ErrEncodingOverflow, i, f.Hex())
		}
		out[i] = byte(v)
	}
	return out, nil
}

// EncodeUint256 splits v into its low and high 128-bit halves.
func EncodeUint256(v *uint256.Int) (low, high felt.Felt) {
	if v == nil {
		return felt.Zero, felt.Zero
	}
	b := v.Bytes32()
	return felt.FromBytes(b[16:]), felt.FromBytes(b[:16])
}

// DecodeUint256 joins two 128-bit halves.
func DecodeUint256(low, high felt.Felt) (*uint256.Int, error) {
	lo, hi := low.BigInt(), high.BigInt()
	if lo.Cmp(two128) >= 0 || hi.Cmp(two128) >= 0 {
		return nil, fmt.Errorf("%w: uint256 half exceeds 128 bits", ErrEncodingOverflow)
	}
	v := new(big.Int).Lsh(hi, 128)
	v.Or(v, lo)
	out, _ := uint256.FromBig(v)
	return out, nil
}

// EncodeBig splits a non-negative big integer that fits in 256 bits.
func EncodeBig(v *big.Int) (low, high felt.Felt, err error) {
	if v == nil {
		return felt.Zero, felt.Zero, nil
	}
	if v.Sign() < 0 {
		return felt.Zero, felt.Zero, fmt.Errorf("%w: negative value", ErrEncodingOverflow)
	}
	u, overflow := uint256.FromBig(v)
	if overflow {
		return felt.Zero, felt.Zero, fmt.Errorf("%w: value exceeds 256 bits", ErrEncodingOverflow)
	}
	low, high = EncodeUint256(u)
	return low, high, nil
}

// FitsU128 reports whether v can be carried by a single 128-bit field.
func FitsU128(v *big.Int) bool { return v.Sign() >= 0 && v.Cmp(two128) < 0 }

// HashFromFelt widens a felt into a 32-byte hash.
func HashFromFelt(f felt.Felt) common.Hash { return common.Hash(f.Bytes32()) }

// FeltFromHash narrows a 32-byte hash; hashes at or above the field modulus
// cannot name a backend object.
func FeltFromHash(h common.Hash) (felt.Felt, bool) {
	f, err := felt.FromBig(new(big.Int).SetBytes(h.Bytes()))
	if err != nil {
		return felt.Zero, false
	}
	return f, true
}
