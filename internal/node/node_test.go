package node

import (
	"bytes"
	"context"
	"encoding/json"
	"math/big"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/ftupas/kakarot-rpc/internal/config"
	"github.com/ftupas/kakarot-rpc/internal/logging"
	"github.com/ftupas/kakarot-rpc/internal/testutil/fakestark"
)

func testConfig(backend *fakestark.Server) config.Config {
	c := backend.Chain
	return config.Config{
		BackendURL:         backend.URL,
		ListenAddr:         "127.0.0.1:0",
		ChainID:            c.ChainID,
		ClientVersion:      "kakarot-rpc/test",
		KakarotAddress:     c.Kakarot.Hex(),
		ProxyClassHash:     c.ProxyClass.Hex(),
		NativeTokenAddress: c.NativeToken.Hex(),
		UpstreamTimeout:    2 * time.Second,
		WriteTimeout:       2 * time.Second,
		ProbeTimeout:       time.Second,
		RetryAttempts:      1,
		RetryBaseDelay:     time.Millisecond,
		RetryMaxDelay:      time.Millisecond,
		BlockCacheSize:     64,
		FollowInterval:     20 * time.Millisecond,
		IndexWindow:        16,
		ReceiptWorkers:     4,
		FilterTTL:          time.Minute,
		MaxFilters:         16,
		MaxLogRange:        1000,
		MaxPollBlocks:      100,
		TrackerTTL:         time.Minute,
		GasPrice:           1_000_000_000,
		BlockGasLimit:      30_000_000,
		WSEnabled:          true,
	}
}

type running struct {
	url     string
	backend *fakestark.Server
	done    chan error
	cancel  context.CancelFunc
}

func start(t *testing.T) *running {
	t.Helper()
	logging.DiscardLogging()
	backend := fakestark.NewServer(fakestark.New())
	t.Cleanup(backend.Close)

	n, err := New(testConfig(backend))
	require.NoError(t, err)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	r := &running{url: "http://" + ln.Addr().String(), backend: backend, done: make(chan error, 1), cancel: cancel}
	go func() { r.done <- n.Serve(ctx, ln) }()
	t.Cleanup(func() { r.stop(t) })
	return r
}

func (r *running) stop(t *testing.T) {
	t.Helper()
	r.cancel()
	select {
	case err := <-r.done:
		require.NoError(t, err)
		r.done <- nil
	case <-time.After(5 * time.Second):
		t.Fatal("node did not stop")
	}
}

func (r *running) call(t *testing.T, out any, method string, params ...any) {
	t.Helper()
	if params == nil {
		params = []any{}
	}
	body, err := json.Marshal(map[string]any{"jsonrpc": "2.0", "id": 1, "method": method, "params": params})
	require.NoError(t, err)
	resp, err := http.Post(r.url, "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	var res struct {
		Result json.RawMessage `json:"result"`
		Error  *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&res))
	require.Nil(t, res.Error, "%s: %+v", method, res.Error)
	require.NoError(t, json.Unmarshal(res.Result, out))
}

func TestDeployment(t *testing.T) {
	cfg := config.Config{KakarotAddress: "0x1", ProxyClassHash: "0x2", NativeTokenAddress: "0x3"}
	d, err := Deployment(cfg)
	require.NoError(t, err)
	require.Equal(t, "0x2", d.ProxyClassHash.Hex())

	cfg.KakarotAddress = "0xzz"
	cfg.NativeTokenAddress = "nope"
	_, err = Deployment(cfg)
	require.Error(t, err)
	require.Contains(t, err.Error(), "kakarot_address")
	require.Contains(t, err.Error(), "native_token_address")
}

func TestNew_AppliesFilterLimits(t *testing.T) {
	logging.DiscardLogging()
	backend := fakestark.NewServer(fakestark.New())
	t.Cleanup(backend.Close)
	cfg := testConfig(backend)
	cfg.MaxFilters = 2

	n, err := New(cfg)
	require.NoError(t, err)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := n.engine.NewBlockFilter(ctx)
		require.NoError(t, err)
	}
	require.Equal(t, 2, n.engine.Len())
}

func TestNode_ValueTransfer(t *testing.T) {
	r := start(t)
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	sender := crypto.PubkeyToAddress(key.PublicKey)
	r.backend.Chain.Fund(sender, big.NewInt(1e18))

	var chainID hexutil.Uint64
	r.call(t, &chainID, "eth_chainId")
	require.Equal(t, r.backend.Chain.ChainID, uint64(chainID))

	to := common.HexToAddress("0x00000000000000000000000000000000000000c1")
	tx, err := types.SignTx(types.NewTx(&types.DynamicFeeTx{
		ChainID:   new(big.Int).SetUint64(uint64(chainID)),
		Nonce:     0,
		GasTipCap: big.NewInt(0),
		GasFeeCap: big.NewInt(2_000_000_000),
		Gas:       21_000,
		To:        &to,
		Value:     big.NewInt(12345),
	}), types.LatestSignerForChainID(new(big.Int).SetUint64(uint64(chainID))), key)
	require.NoError(t, err)
	raw, err := tx.MarshalBinary()
	require.NoError(t, err)

	var hash common.Hash
	r.call(t, &hash, "eth_sendRawTransaction", hexutil.Bytes(raw))
	require.Equal(t, tx.Hash(), hash)

	var rc struct {
		Status            hexutil.Uint64 `json:"status"`
		GasUsed           hexutil.Uint64 `json:"gasUsed"`
		EffectiveGasPrice *hexutil.Big   `json:"effectiveGasPrice"`
		Type              hexutil.Uint64 `json:"type"`
	}
	r.call(t, &rc, "eth_getTransactionReceipt", hash)
	require.Equal(t, uint64(1), uint64(rc.Status))
	require.Equal(t, uint64(types.DynamicFeeTxType), uint64(rc.Type))
	require.Equal(t, int64(1_000_000_000), rc.EffectiveGasPrice.ToInt().Int64())
	require.LessOrEqual(t, uint64(rc.GasUsed), uint64(21_000))

	var bal hexutil.Big
	r.call(t, &bal, "eth_getBalance", to, "latest")
	require.Equal(t, int64(12345), bal.ToInt().Int64())

	var nonce hexutil.Uint64
	r.call(t, &nonce, "eth_getTransactionCount", sender, "pending")
	require.Equal(t, uint64(1), uint64(nonce))
}

func TestNode_HealthFollowsBackend(t *testing.T) {
	r := start(t)
	status := func() int {
		resp, err := http.Get(r.url + "/health")
		require.NoError(t, err)
		defer resp.Body.Close()
		return resp.StatusCode
	}
	require.Equal(t, http.StatusOK, status())
	r.backend.Unavailable.Store(true)
	require.Equal(t, http.StatusServiceUnavailable, status())
	r.backend.Unavailable.Store(false)
	require.Equal(t, http.StatusOK, status())
}

func TestNode_NewHeadsFromFollower(t *testing.T) {
	r := start(t)
	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(r.url, "http"), nil)
	require.NoError(t, err)
	defer ws.Close()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))

	require.NoError(t, ws.WriteJSON(map[string]any{"jsonrpc": "2.0", "id": 1, "method": "eth_subscribe", "params": []any{"newHeads"}}))
	var sub struct {
		Result string `json:"result"`
	}
	require.NoError(t, ws.ReadJSON(&sub))
	require.NotEmpty(t, sub.Result)

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		tick := time.NewTicker(30 * time.Millisecond)
		defer tick.Stop()
		for {
			select {
			case <-stop:
				return
			case <-tick.C:
				r.backend.Chain.MineEmpty()
			}
		}
	}()

	next := func() uint64 {
		var note struct {
			Params struct {
				Subscription string `json:"subscription"`
				Result       struct {
					Number hexutil.Uint64 `json:"number"`
				} `json:"result"`
			} `json:"params"`
		}
		require.NoError(t, ws.ReadJSON(&note))
		require.Equal(t, sub.Result, note.Params.Subscription)
		return uint64(note.Params.Result.Number)
	}
	first := next()
	require.Equal(t, first+1, next(), "heads arrive in order without gaps")
	require.Equal(t, first+2, next())
}
