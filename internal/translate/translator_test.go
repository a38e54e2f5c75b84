package translate

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/ftupas/kakarot-rpc/internal/felt"
	"github.com/ftupas/kakarot-rpc/internal/upstream"
)

var testConfig = Config{
	KakarotAddress:     felt.MustHex("0x9001"),
	ProxyClassHash:     felt.MustHex("0xba8f3f34eb92f56498fdf14ecac1f19d507dcc6859fa6d85eb8a68f6d44a47"),
	NativeTokenAddress: felt.MustHex("0x49d36570d4e46f48e99674bd3fcc84644ddd6b96f7c741b1562b82f9e004dc7"),
}

type callerFunc func(ctx context.Context, call upstream.FunctionCall, id upstream.BlockID) ([]felt.Felt, error)

func (f callerFunc) CallContract(ctx context.Context, call upstream.FunctionCall, id upstream.BlockID) ([]felt.Felt, error) {
	return f(ctx, call, id)
}

func newTranslator(t *testing.T, caller ContractCaller) *Translator {
	t.Helper()
	if caller == nil {
		caller = callerFunc(func(context.Context, upstream.FunctionCall, upstream.BlockID) ([]felt.Felt, error) {
			return nil, errors.New("unexpected call")
		})
	}
	tr, err := New(testConfig, caller)
	require.NoError(t, err)
	return tr
}

func TestToBackendStableAndDistinct(t *testing.T) {
	tr := newTranslator(t, nil)
	a := common.HexToAddress("0x1111111111111111111111111111111111111111")
	b := common.HexToAddress("0x2222222222222222222222222222222222222222")

	first := tr.ToBackend(a)
	require.Equal(t, first, tr.ToBackend(a))
	require.Equal(t, first, ComputeBackendAddress(testConfig.KakarotAddress, testConfig.ProxyClassHash, a))
	require.NotEqual(t, first, tr.ToBackend(b))

	// a second translator with no shared state agrees
	other := newTranslator(t, nil)
	require.Equal(t, first, other.ToBackend(a))
}

func TestToBackendCollisionFree(t *testing.T) {
	tr := newTranslator(t, nil)
	seen := make(map[felt.Felt]common.Address)
	for i := 0; i < 256; i++ {
		var addr common.Address
		addr[19] = byte(i)
		addr[0] = byte(255 - i)
		out := tr.ToBackend(addr)
		prev, dup := seen[out]
		require.False(t, dup, "collision between %s and %s", prev, addr)
		seen[out] = addr
	}
}

func TestToEthereumFromReverseIndex(t *testing.T) {
	tr := newTranslator(t, nil)
	addr := common.HexToAddress("0xabcdef0000000000000000000000000000000001")
	backend := tr.ToBackend(addr)

	got, err := tr.ToEthereum(context.Background(), backend)
	require.NoError(t, err)
	require.Equal(t, addr, got)
}

func TestToEthereumAsksAccount(t *testing.T) {
	addr := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	backend := ComputeBackendAddress(testConfig.KakarotAddress, testConfig.ProxyClassHash, addr)
	var calls atomic.Int32
	tr := newTranslator(t, callerFunc(func(_ context.Context, call upstream.FunctionCall, _ upstream.BlockID) ([]felt.Felt, error) {
		calls.Add(1)
		require.Equal(t, backend, call.ContractAddress)
		require.Equal(t, SelectorGetEVMAddress, call.EntryPointSelector)
		return []felt.Felt{AddressToFelt(addr)}, nil
	}))

	got, err := tr.ToEthereum(context.Background(), backend)
	require.NoError(t, err)
	require.Equal(t, addr, got)

	_, err = tr.ToEthereum(context.Background(), backend)
	require.NoError(t, err)
	require.Equal(t, int32(1), calls.Load(), "second lookup should hit the reverse index")
}

func TestToEthereumRejectsMismatch(t *testing.T) {
	tr := newTranslator(t, callerFunc(func(context.Context, upstream.FunctionCall, upstream.BlockID) ([]felt.Felt, error) {
		return []felt.Felt{felt.FromUint64(0xaa)}, nil
	}))
	_, err := tr.ToEthereum(context.Background(), felt.FromUint64(12345))
	require.ErrorIs(t, err, ErrUnmappedAddress)
}

func TestToEthereumCachesUnmapped(t *testing.T) {
	var calls atomic.Int32
	tr := newTranslator(t, callerFunc(func(context.Context, upstream.FunctionCall, upstream.BlockID) ([]felt.Felt, error) {
		calls.Add(1)
		return nil, &upstream.RPCError{Code: upstream.CodeContractError, Message: "Contract error"}
	}))
	token := testConfig.NativeTokenAddress
	for i := 0; i < 3; i++ {
		_, err := tr.ToEthereum(context.Background(), token)
		require.ErrorIs(t, err, ErrUnmappedAddress)
	}
	require.Equal(t, int32(1), calls.Load())
}

func TestToEthereumPropagatesTransportErrors(t *testing.T) {
	tr := newTranslator(t, callerFunc(func(context.Context, upstream.FunctionCall, upstream.BlockID) ([]felt.Felt, error) {
		return nil, upstream.ErrUpstreamUnavailable
	}))
	_, err := tr.ToEthereum(context.Background(), felt.FromUint64(7))
	require.ErrorIs(t, err, upstream.ErrUpstreamUnavailable)
	require.NotErrorIs(t, err, ErrUnmappedAddress)
}

func TestFeltToAddressRejectsWideValues(t *testing.T) {
	_, err := FeltToAddress(felt.MustHex("0x10000000000000000000000000000000000000000"))
	require.ErrorIs(t, err, ErrEncodingOverflow)

	addr, err := FeltToAddress(felt.MustHex("0xffffffffffffffffffffffffffffffffffffffff"))
	require.NoError(t, err)
	require.Equal(t, common.HexToAddress("0xffffffffffffffffffffffffffffffffffffffff"), addr)
}

func TestNativeBalanceCall(t *testing.T) {
	tr := newTranslator(t, nil)
	addr := common.HexToAddress("0x01")
	call := tr.NativeBalanceCall(addr)
	require.Equal(t, testConfig.NativeTokenAddress, call.ContractAddress)
	require.Equal(t, felt.Selector("balanceOf"), call.EntryPointSelector)
	require.Equal(t, []felt.Felt{tr.ToBackend(addr)}, call.Calldata)

	view := tr.AccountCall(addr, SelectorBytecode)
	require.Equal(t, tr.ToBackend(addr), view.ContractAddress)
	require.NotNil(t, view.Calldata)
}
