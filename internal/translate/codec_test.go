package translate

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"github.com/ftupas/kakarot-rpc/internal/felt"
	"github.com/ftupas/kakarot-rpc/internal/upstream"
)

const testChainID = 1263227476

func signedLegacy(t *testing.T, key *ecdsa.PrivateKey, nonce uint64, to *common.Address, value *big.Int, gasPrice *big.Int, data []byte) *types.Transaction {
	t.Helper()
	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       to,
		Value:    value,
		Gas:      21000,
		GasPrice: gasPrice,
		Data:     data,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(big.NewInt(testChainID)), key)
	require.NoError(t, err)
	return signed
}

func TestBytesRoundTrip(t *testing.T) {
	in := []byte{0x00, 0x01, 0x7f, 0x80, 0xff}
	out, err := DecodeBytes(EncodeBytes(in))
	require.NoError(t, err)
	require.Equal(t, in, out)

	_, err = DecodeBytes([]felt.Felt{felt.FromUint64(256)})
	require.ErrorIs(t, err, ErrEncodingOverflow)
}

func TestUint256RoundTrip(t *testing.T) {
	v := new(uint256.Int).SetBytes(common.FromHex("0x0102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f20"))
	lo, hi := EncodeUint256(v)
	require.Equal(t, felt.MustHex("0x1112131415161718191a1b1c1d1e1f20"), lo)
	require.Equal(t, felt.MustHex("0x0102030405060708090a0b0c0d0e0f10"), hi)

	back, err := DecodeUint256(lo, hi)
	require.NoError(t, err)
	require.True(t, v.Eq(back))

	_, err = DecodeUint256(felt.MustHex("0x100000000000000000000000000000000"), felt.Zero)
	require.ErrorIs(t, err, ErrEncodingOverflow)
}

func TestEncodeBigBounds(t *testing.T) {
	_, _, err := EncodeBig(big.NewInt(-1))
	require.ErrorIs(t, err, ErrEncodingOverflow)

	_, _, err = EncodeBig(new(big.Int).Lsh(big.NewInt(1), 256))
	require.ErrorIs(t, err, ErrEncodingOverflow)

	lo, hi, err := EncodeBig(nil)
	require.NoError(t, err)
	require.True(t, lo.IsZero() && hi.IsZero())
}

func TestHashFeltConversions(t *testing.T) {
	f := felt.MustHex("0x7bd7f9a45f2e4c3d4d1d0b4c1f5b7a4a12d1e7f1ef0b1c3f5e0c4d5b9a8f7e6")
	h := HashFromFelt(f)
	back, ok := FeltFromHash(h)
	require.True(t, ok)
	require.Equal(t, f, back)

	_, ok = FeltFromHash(common.HexToHash("0xffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffff"))
	require.False(t, ok)
}

func TestTransactionRoundTrip(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	sender := crypto.PubkeyToAddress(key.PublicKey)
	to := common.HexToAddress("0x000000000000000000000000000000000000beef")
	tx := signedLegacy(t, key, 3, &to, big.NewInt(1e15), big.NewInt(1e9), []byte{0xde, 0xad})

	tr := newTranslator(t, nil)
	inv, err := tr.EncodeTransaction(tx, sender)
	require.NoError(t, err)
	require.Equal(t, tr.ToBackend(sender), inv.Target)
	require.Equal(t, SelectorExecute, inv.Selector)
	require.Equal(t, felt.FromUint64(3), inv.Nonce)
	require.Equal(t, felt.FromUint64(21000*1e9), inv.MaxFee)
	require.Len(t, inv.Signature, 5)

	raw, err := tr.DecodeTransaction(inv.Calldata)
	require.NoError(t, err)
	want, err := tx.MarshalBinary()
	require.NoError(t, err)
	require.Equal(t, want, raw)

	var decoded types.Transaction
	require.NoError(t, decoded.UnmarshalBinary(raw))
	require.Equal(t, tx.Hash(), decoded.Hash())

	again, err := decoded.MarshalBinary()
	require.NoError(t, err)
	require.Equal(t, raw, again)

	invoke := inv.InvokeTxn()
	require.Equal(t, inv.Target, invoke.SenderAddress)
	require.Equal(t, upstream.TxTypeInvoke, invoke.Type)
}

func TestTransactionSignatureLayout(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	tx := signedLegacy(t, key, 0, nil, big.NewInt(0), big.NewInt(1), nil)

	tr := newTranslator(t, nil)
	inv, err := tr.EncodeTransaction(tx, crypto.PubkeyToAddress(key.PublicKey))
	require.NoError(t, err)

	v, r, s := tx.RawSignatureValues()
	rl, rh, _ := EncodeBig(r)
	sl, sh, _ := EncodeBig(s)
	require.Equal(t, []felt.Felt{rl, rh, sl, sh, felt.FromUint64(v.Uint64())}, inv.Signature)
}

func TestEncodeTransactionMaxFeeOverflow(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	huge := new(big.Int).Lsh(big.NewInt(1), 120)
	tx := signedLegacy(t, key, 0, nil, big.NewInt(0), huge, nil)

	tr := newTranslator(t, nil)
	_, err = tr.EncodeTransaction(tx, crypto.PubkeyToAddress(key.PublicKey))
	require.ErrorIs(t, err, ErrEncodingOverflow)
}

func TestDecodeTransactionRejectsForeignCalldata(t *testing.T) {
	tr := newTranslator(t, nil)
	cases := map[string][]felt.Felt{
		"short": {felt.One},
		"other target": {
			felt.One, felt.FromUint64(0x1234), SelectorEthSendTransaction, felt.Zero, felt.One, felt.One, felt.FromUint64(1),
		},
		"length mismatch": {
			felt.One, testConfig.KakarotAddress, SelectorEthSendTransaction, felt.Zero, felt.FromUint64(2), felt.FromUint64(2), felt.FromUint64(1),
		},
		"not bytes": {
			felt.One, testConfig.KakarotAddress, SelectorEthSendTransaction, felt.Zero, felt.One, felt.One, felt.FromUint64(300),
		},
	}
	for name, calldata := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := tr.DecodeTransaction(calldata)
			require.ErrorIs(t, err, ErrNotEVMTransaction)
		})
	}
}

func TestEncodeCallLayout(t *testing.T) {
	tr := newTranslator(t, nil)
	from := common.HexToAddress("0x01")
	to := common.HexToAddress("0x02")
	inv, err := tr.EncodeCall(CallMsg{
		From:     &from,
		To:       &to,
		GasPrice: big.NewInt(7),
		Value:    big.NewInt(9),
		Data:     []byte{0xaa, 0xbb},
	}, 1_000_000)
	require.NoError(t, err)
	require.Equal(t, testConfig.KakarotAddress, inv.Target)
	require.Equal(t, SelectorEthCall, inv.Selector)
	require.Equal(t, []felt.Felt{
		felt.FromUint64(1),
		felt.FromUint64(2),
		felt.FromUint64(1_000_000),
		felt.FromUint64(7),
		felt.FromUint64(9),
		felt.Zero,
		felt.FromUint64(2),
		felt.FromUint64(0xaa),
		felt.FromUint64(0xbb),
	}, inv.Calldata)

	fc := inv.FunctionCall()
	require.Equal(t, inv.Calldata, fc.Calldata)
}

func TestEncodeCallOverflow(t *testing.T) {
	tr := newTranslator(t, nil)
	_, err := tr.EncodeCall(CallMsg{Gas: new(big.Int).Lsh(big.NewInt(1), 64)}, 0)
	require.ErrorIs(t, err, ErrEncodingOverflow)

	_, err = tr.EncodeCall(CallMsg{GasPrice: new(big.Int).Lsh(big.NewInt(1), 128)}, 0)
	require.ErrorIs(t, err, ErrEncodingOverflow)
}

func TestDecodeResultShapes(t *testing.T) {
	got, err := DecodeResult([]felt.Felt{felt.FromUint64(5)}, ShapeFelt)
	require.NoError(t, err)
	require.Equal(t, felt.FromUint64(5), got)

	got, err = DecodeResult([]felt.Felt{felt.FromUint64(10), felt.One}, ShapeUint256)
	require.NoError(t, err)
	want := new(uint256.Int).Lsh(uint256.NewInt(1), 128)
	want.AddUint64(want, 10)
	require.True(t, want.Eq(got.(*uint256.Int)))

	got, err = DecodeResult([]felt.Felt{felt.FromUint64(2), felt.FromUint64(0x60), felt.FromUint64(0x80)}, ShapeBytes)
	require.NoError(t, err)
	require.Equal(t, []byte{0x60, 0x80}, got)

	got, err = DecodeResult([]felt.Felt{felt.One, felt.FromUint64(0x2a), felt.One, felt.FromUint64(21000)}, ShapeCallResult)
	require.NoError(t, err)
	require.Equal(t, CallResult{ReturnData: []byte{0x2a}, Success: true, GasUsed: 21000}, got)

	got, err = DecodeResult([]felt.Felt{felt.FromUint64(0xbeef)}, ShapeAddress)
	require.NoError(t, err)
	require.Equal(t, common.HexToAddress("0xbeef"), got)
}

func TestDecodeResultMalformed(t *testing.T) {
	cases := []struct {
		out   []felt.Felt
		shape Shape
	}{
		{nil, ShapeFelt},
		{[]felt.Felt{felt.One}, ShapeUint256},
		{[]felt.Felt{felt.FromUint64(3), felt.One}, ShapeBytes},
		{[]felt.Felt{felt.One, felt.One, felt.One}, ShapeBytes},
		{[]felt.Felt{felt.Zero, felt.FromUint64(2), felt.Zero}, ShapeCallResult},
		{[]felt.Felt{felt.Zero, felt.One}, ShapeCallResult},
	}
	for _, tc := range cases {
		_, err := DecodeResult(tc.out, tc.shape)
		require.ErrorIs(t, err, ErrMalformedOutput, "shape %s", tc.shape)
	}
}

func TestDecodeEvent(t *testing.T) {
	tr := newTranslator(t, nil)
	emitter := common.HexToAddress("0x00000000000000000000000000000000c0ffee00")
	topics := []common.Hash{TransferTopic, common.HexToHash("0x01"), common.HexToHash("0xff00000000000000000000000000000000000000000000000000000000000001")}

	ev := upstream.Event{
		FromAddress: tr.ToBackend(emitter),
		Keys:        EncodeEventKeys(topics),
		Data:        EncodeBytes([]byte{1, 2, 3}),
	}
	log, err := tr.DecodeEvent(context.Background(), ev)
	require.NoError(t, err)
	require.Equal(t, emitter, log.Address)
	require.Equal(t, topics, log.Topics)
	require.Equal(t, []byte{1, 2, 3}, log.Data)
}

func TestDecodeEventSkipsNonEVM(t *testing.T) {
	tr := newTranslator(t, nil)
	fee := upstream.Event{
		FromAddress: testConfig.NativeTokenAddress,
		Keys:        []felt.Felt{felt.Selector("Transfer")},
		Data:        []felt.Felt{felt.One, felt.One, felt.One, felt.Zero},
	}
	_, err := tr.DecodeEvent(context.Background(), fee)
	require.ErrorIs(t, err, ErrNotEVMEvent)
}

func TestERC20Helpers(t *testing.T) {
	owner := common.HexToAddress("0x1234")
	data := PackBalanceOf(owner)
	require.Equal(t, crypto.Keccak256([]byte("balanceOf(address)"))[:4], data[:4])
	require.Len(t, data, 4+32)

	ret := common.LeftPadBytes(big.NewInt(77).Bytes(), 32)
	v, err := UnpackBalance(ret)
	require.NoError(t, err)
	require.Equal(t, int64(77), v.Int64())

	_, err = UnpackBalance([]byte{1})
	require.ErrorIs(t, err, ErrMalformedOutput)

	require.Equal(t, crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)")), TransferTopic)
}

func TestRevertReason(t *testing.T) {
	stringType, err := abi.NewType("string", "", nil)
	require.NoError(t, err)
	packed, err := abi.Arguments{{Type: stringType}}.Pack("insufficient balance")
	require.NoError(t, err)
	data := append(crypto.Keccak256([]byte("Error(string)"))[:4], packed...)

	reason, ok := RevertReason(data)
	require.True(t, ok)
	require.Equal(t, "insufficient balance", reason)

	_, ok = RevertReason(nil)
	require.False(t, ok)
	_, ok = RevertReason([]byte{1, 2, 3, 4})
	require.False(t, ok)
}
