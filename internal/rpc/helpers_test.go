package rpc

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"github.com/ftupas/kakarot-rpc/internal/chain"
	"github.com/ftupas/kakarot-rpc/internal/filters"
	"github.com/ftupas/kakarot-rpc/internal/metrics"
	"github.com/ftupas/kakarot-rpc/internal/testutil/fakestark"
	"github.com/ftupas/kakarot-rpc/internal/translate"
	"github.com/ftupas/kakarot-rpc/internal/txpipe"
)

const testGasPrice = 1_000_000_000

type harness struct {
	fake    *fakestark.Chain
	reader  *chain.Reader
	engine  *filters.Engine
	hub     *Hub
	metrics *metrics.Metrics
	srv     *httptest.Server
	key     *ecdsa.PrivateKey
	sender  common.Address
	health  error
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	fake := fakestark.New()
	tr, err := translate.New(translate.Config{
		KakarotAddress:     fake.Kakarot,
		ProxyClassHash:     fake.ProxyClass,
		NativeTokenAddress: fake.NativeToken,
	}, fake)
	require.NoError(t, err)
	tracker := txpipe.NewTracker(time.Minute, 0)
	reader, err := chain.New(fake, tr, chain.Options{
		ChainID:     fake.ChainID,
		GasPrice:    testGasPrice,
		CacheSize:   64,
		Submissions: tracker,
	})
	require.NoError(t, err)
	m := metrics.New()
	engine := filters.New(reader, filters.Options{Metrics: m})
	d, err := NewDispatcher(Backends{
		Chain:         reader,
		Txs:           txpipe.New(reader, tr, fake, tracker, txpipe.Options{Metrics: m}),
		Filters:       engine,
		ClientVersion: "kakarot-rpc/test",
	}, m)
	require.NoError(t, err)

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	h := &harness{
		fake:    fake,
		reader:  reader,
		engine:  engine,
		hub:     NewHub(),
		metrics: m,
		key:     key,
		sender:  crypto.PubkeyToAddress(key.PublicKey),
	}
	fake.Fund(h.sender, new(big.Int).Mul(big.NewInt(1e18), big.NewInt(10)))
	srv := NewServer(d, h.hub, ServerOptions{
		WSEnabled: true,
		Registry:  m.Registry,
		Health:    func(context.Context) error { return h.health },
	})
	h.srv = httptest.NewServer(srv.Handler())
	t.Cleanup(h.srv.Close)
	return h
}

type rpcResult struct {
	ID     json.RawMessage `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *Error          `json:"error"`
}

func (h *harness) post(t *testing.T, body string) []byte {
	t.Helper()
	resp, err := http.Post(h.srv.URL, "application/json", bytes.NewBufferString(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return out
}

// call performs one request and returns its result or error object.
func (h *harness) call(t *testing.T, method string, params ...any) (json.RawMessage, *Error) {
	t.Helper()
	if params == nil {
		params = []any{}
	}
	body, err := json.Marshal(map[string]any{"jsonrpc": "2.0", "id": 1, "method": method, "params": params})
	require.NoError(t, err)
	var res rpcResult
	require.NoError(t, json.Unmarshal(h.post(t, string(body)), &res))
	return res.Result, res.Error
}

// result is call for requests expected to succeed; it decodes into out.
func (h *harness) result(t *testing.T, out any, method string, params ...any) {
	t.Helper()
	raw, e := h.call(t, method, params...)
	require.Nil(t, e, "%s: %+v", method, e)
	require.NoError(t, json.Unmarshal(raw, out))
}

func (h *harness) signed(t *testing.T, nonce uint64, to common.Address, value int64, data []byte) (hexutil.Bytes, common.Hash) {
	t.Helper()
	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Value:    big.NewInt(value),
		Gas:      100_000,
		GasPrice: big.NewInt(testGasPrice),
		Data:     data,
	})
	s, err := types.SignTx(tx, h.reader.Signer(), h.key)
	require.NoError(t, err)
	raw, err := s.MarshalBinary()
	require.NoError(t, err)
	return raw, s.Hash()
}
