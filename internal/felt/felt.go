// Package felt wraps the Stark field element used as the backend's native word.
package felt

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/consensys/gnark-crypto/ecc/stark-curve/fp"
	pedersenhash "github.com/consensys/gnark-crypto/ecc/stark-curve/pedersen-hash"
	"golang.org/x/crypto/sha3"
)

var (
	ErrInvalidHex = errors.New("invalid felt hex")
	ErrOverflow   = errors.New("value exceeds field modulus")
)

// Felt is a canonical element of the Stark prime field. The zero value is 0.
// Felt is comparable and may be used as a map key.
type Felt struct {
	e fp.Element
}

var (
	Zero Felt
	One  = FromUint64(1)
)

// Modulus returns the field prime.
func Modulus() *big.Int { return fp.Modulus() }

func FromUint64(v uint64) Felt {
	var f Felt
	f.e.SetUint64(v)
	return f
}

// FromBytes interprets b as a big-endian integer reduced modulo the field prime.
func FromBytes(b []byte) Felt {
	var f Felt
	f.e.SetBytes(b)
	return f
}

// FromBig converts a non-negative integer strictly below the modulus.
func FromBig(v *big.Int) (Felt, error) {
	var f Felt
	if v == nil || v.Sign() < 0 {
		return f, fmt.Errorf("%w: negative", ErrOverflow)
	}
	if v.Cmp(fp.Modulus()) >= 0 {
		return f, ErrOverflow
	}
	f.e.SetBigInt(v)
	return f, nil
}

// FromHex parses a 0x-prefixed (or bare) hex string. Values at or above the
// modulus are rejected rather than reduced.
func FromHex(s string) (Felt, error) {
	raw := strings.TrimPrefix(strings.TrimPrefix(strings.TrimSpace(s), "0x"), "0X")
	if raw == "" || len(raw) > 64 {
		return Felt{}, fmt.Errorf("%w: %q", ErrInvalidHex, s)
	}
	v, ok := new(big.Int).SetString(raw, 16)
	if !ok {
		return Felt{}, fmt.Errorf("%w: %q", ErrInvalidHex, s)
	}
	return FromBig(v)
}

// MustHex is FromHex for constants; it panics on malformed input.
func MustHex(s string) Felt {
	f, err := FromHex(s)
	if err != nil {
		panic(err)
	}
	return f
}

// FromShortString encodes an ASCII string of at most 31 bytes as a felt.
func FromShortString(s string) Felt {
	return FromBytes([]byte(s))
}

func (f Felt) Bytes32() [32]byte { return f.e.Bytes() }

func (f Felt) BigInt() *big.Int { return f.e.BigInt(new(big.Int)) }

// Uint64 reports the value when it fits in 64 bits.
func (f Felt) Uint64() (uint64, bool) {
	if !f.e.IsUint64() {
		return 0, false
	}
	return f.e.Uint64(), true
}

func (f Felt) IsZero() bool { return f.e.IsZero() }

func (f Felt) Equal(o Felt) bool { return f.e.Equal(&o.e) }

func (f Felt) Cmp(o Felt) int { return f.e.Cmp(&o.e) }

// Hex returns the minimal 0x-prefixed lowercase representation.
func (f Felt) Hex() string { return "0x" + f.e.Text(16) }

func (f Felt) String() string { return f.Hex() }

func (f Felt) MarshalText() ([]byte, error) { return []byte(f.Hex()), nil }

func (f *Felt) UnmarshalText(b []byte) error {
	v, err := FromHex(string(b))
	if err != nil {
		return err
	}
	*f = v
	return nil
}

// StarknetKeccak is keccak256 truncated to the low 250 bits.
func StarknetKeccak(b []byte) Felt {
	h := sha3.NewLegacyKeccak256()
	_, _ = h.Write(b)
	sum := h.Sum(nil)
	sum[0] &= 0x03
	return FromBytes(sum)
}

// Selector returns the entrypoint selector for a function name.
func Selector(name string) Felt { return StarknetKeccak([]byte(name)) }

// Pedersen hashes two elements.
func Pedersen(a, b Felt) Felt {
	return Felt{e: pedersenhash.Pedersen(&a.e, &b.e)}
}

// PedersenArray hashes a sequence the way the backend hashes calldata arrays:
// a left fold over the elements followed by the length.
func PedersenArray(elems ...Felt) Felt {
	ptrs := make([]*fp.Element, len(elems))
	for i := range elems {
		ptrs[i] = &elems[i].e
	}
	return Felt{e: pedersenhash.PedersenArray(ptrs...)}
}
