package chain

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"github.com/ftupas/kakarot-rpc/internal/felt"
	"github.com/ftupas/kakarot-rpc/internal/testutil/fakestark"
	"github.com/ftupas/kakarot-rpc/internal/translate"
)

const testGasPrice = 1_000_000_000

type env struct {
	fake   *fakestark.Chain
	tr     *translate.Translator
	reader *Reader
	key    *ecdsa.PrivateKey
	sender common.Address
}

func newEnv(t *testing.T, mutate ...func(*Options)) *env {
	t.Helper()
	fake := fakestark.New()
	tr, err := translate.New(translate.Config{
		KakarotAddress:     fake.Kakarot,
		ProxyClassHash:     fake.ProxyClass,
		NativeTokenAddress: fake.NativeToken,
	}, fake)
	require.NoError(t, err)
	opts := Options{
		ChainID:       fake.ChainID,
		GasPrice:      testGasPrice,
		BlockGasLimit: 30_000_000,
		CacheSize:     64,
		IndexWindow:   16,
	}
	for _, m := range mutate {
		m(&opts)
	}
	reader, err := New(fake, tr, opts)
	require.NoError(t, err)

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	sender := crypto.PubkeyToAddress(key.PublicKey)
	fake.Fund(sender, new(big.Int).Mul(big.NewInt(1e18), big.NewInt(10)))
	return &env{fake: fake, tr: tr, reader: reader, key: key, sender: sender}
}

func (e *env) sign(t *testing.T, nonce uint64, to *common.Address, value *big.Int, data []byte) *types.Transaction {
	t.Helper()
	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       to,
		Value:    value,
		Gas:      100_000,
		GasPrice: big.NewInt(testGasPrice),
		Data:     data,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(new(big.Int).SetUint64(e.fake.ChainID)), e.key)
	require.NoError(t, err)
	return signed
}

// send submits tx straight to the fake backend, bypassing the pipeline.
func (e *env) send(t *testing.T, tx *types.Transaction) felt.Felt {
	t.Helper()
	inv, err := e.tr.EncodeTransaction(tx, e.sender)
	require.NoError(t, err)
	hash, err := e.fake.AddInvokeTransaction(context.Background(), inv.InvokeTxn())
	require.NoError(t, err)
	return hash
}

type submissions map[common.Hash]Submission

func (s submissions) Submission(h common.Hash) (Submission, bool) {
	sub, ok := s[h]
	return sub, ok
}
