package felt

import (
	"encoding/json"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromHex(t *testing.T) {
	f, err := FromHex("0x2a")
	require.NoError(t, err)
	v, ok := f.Uint64()
	require.True(t, ok)
	assert.Equal(t, uint64(42), v)
	assert.Equal(t, "0x2a", f.Hex())

	_, err = FromHex("")
	assert.ErrorIs(t, err, ErrInvalidHex)
	_, err = FromHex("0xzz")
	assert.ErrorIs(t, err, ErrInvalidHex)

	// the modulus itself is not a canonical element
	_, err = FromHex("0x" + Modulus().Text(16))
	assert.ErrorIs(t, err, ErrOverflow)
}

func TestZeroHex(t *testing.T) {
	assert.Equal(t, "0x0", Zero.Hex())
	assert.True(t, Zero.IsZero())
}

func TestJSONRoundTrip(t *testing.T) {
	in := []Felt{FromUint64(1), MustHex("0x49d36570d4e46f48e99674bd3fcc84644ddd6b96f7c741b1562b82f9e004dc7")}
	b, err := json.Marshal(in)
	require.NoError(t, err)
	assert.JSONEq(t, `["0x1","0x49d36570d4e46f48e99674bd3fcc84644ddd6b96f7c741b1562b82f9e004dc7"]`, string(b))

	var out []Felt
	require.NoError(t, json.Unmarshal(b, &out))
	require.Len(t, out, 2)
	assert.True(t, in[1].Equal(out[1]))
}

func TestMapKey(t *testing.T) {
	m := map[Felt]string{FromUint64(7): "seven"}
	assert.Equal(t, "seven", m[MustHex("0x7")])
}

func TestFromBigRejectsNegative(t *testing.T) {
	_, err := FromBig(big.NewInt(-1))
	assert.ErrorIs(t, err, ErrOverflow)
}

func TestStarknetKeccakFitsIn250Bits(t *testing.T) {
	sel := Selector("transfer")
	assert.Less(t, sel.BigInt().BitLen(), 251)
	// well-known entrypoint selector
	assert.Equal(t, "0x83afd3f4caedc6eebf44246fe54e38c95e3179a5ec9ea81740eca5b482d12e", sel.Hex())
}

func TestPedersenKnownVector(t *testing.T) {
	a := MustHex("0x3d937c035c878245caf64531a5756109c53068da139362728feb561405371cb")
	b := MustHex("0x208a0a10250e382e1e4bbe2880906c2791bf6275695e02fbbc6aeff9cd8b31a")
	got := Pedersen(a, b)
	assert.Equal(t, "0x30e480bed5fe53fa909cc0f8c4d99b8f9f2c016be4c41e13a4848797979c662", got.Hex())
}

func TestContractAddressDeterministicAndBounded(t *testing.T) {
	deployer := FromUint64(0x9001)
	class := MustHex("0xba8f3f34eb92f56498fdf14ecac1f19d507dcc6859fa6d85eb8a68f6d44a47")
	a1 := ContractAddress(deployer, FromUint64(1), class, nil)
	a2 := ContractAddress(deployer, FromUint64(1), class, nil)
	b := ContractAddress(deployer, FromUint64(2), class, nil)
	assert.True(t, a1.Equal(a2))
	assert.False(t, a1.Equal(b))
	assert.Equal(t, -1, a1.BigInt().Cmp(addressBound))
}
