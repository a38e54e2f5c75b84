package rpc

import (
	"context"
	"encoding/json"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/ftupas/kakarot-rpc/internal/chain"
)

var (
	recipient = common.HexToAddress("0x00000000000000000000000000000000000000b0")
	contract  = common.HexToAddress("0x000000000000000000000000000000000000aaaa")
)

func TestServer_StaticMethods(t *testing.T) {
	h := newHarness(t)

	var id hexutil.Uint64
	h.result(t, &id, "eth_chainId")
	require.Equal(t, h.fake.ChainID, uint64(id))

	var version string
	h.result(t, &version, "net_version")
	require.Equal(t, strconv.FormatUint(h.fake.ChainID, 10), version)

	var client string
	h.result(t, &client, "web3_clientVersion")
	require.Equal(t, "kakarot-rpc/test", client)

	var price hexutil.Big
	h.result(t, &price, "eth_gasPrice")
	require.Equal(t, int64(testGasPrice), price.ToInt().Int64())

	var syncing bool
	h.result(t, &syncing, "eth_syncing")
	require.False(t, syncing)

	var accounts []common.Address
	h.result(t, &accounts, "eth_accounts")
	require.NotNil(t, accounts)
	require.Empty(t, accounts)

	var digest hexutil.Bytes
	h.result(t, &digest, "web3_sha3", "0x")
	require.Equal(t, "0xc5d2460186f7233c927e7db2dcc703c0e500b653ca82273b7bfad8045d85a470", digest.String())

	want := h.fake.MineEmpty()
	var n hexutil.Uint64
	h.result(t, &n, "eth_blockNumber")
	require.Equal(t, want, uint64(n))
}

func TestServer_ValueTransfer(t *testing.T) {
	h := newHarness(t)
	raw, hash := h.signed(t, 0, recipient, 1000, nil)

	var got common.Hash
	h.result(t, &got, "eth_sendRawTransaction", raw)
	require.Equal(t, hash, got)

	var rc map[string]any
	h.result(t, &rc, "eth_getTransactionReceipt", hash)
	require.Equal(t, "0x1", rc["status"])
	require.Equal(t, "0x5208", rc["gasUsed"])
	require.Equal(t, hash.Hex(), rc["transactionHash"])
	require.Equal(t, strings.ToLower(h.sender.Hex()), strings.ToLower(rc["from"].(string)))
	require.NotNil(t, rc["logs"])

	var bal hexutil.Big
	h.result(t, &bal, "eth_getBalance", recipient, "latest")
	require.Equal(t, int64(1000), bal.ToInt().Int64())

	// value plus 21000 gas at the legacy gas price
	spent := new(big.Int).Add(big.NewInt(1000), big.NewInt(21000*testGasPrice))
	want := new(big.Int).Sub(new(big.Int).Mul(big.NewInt(1e18), big.NewInt(10)), spent)
	h.result(t, &bal, "eth_getBalance", h.sender, "latest")
	require.Equal(t, want.String(), bal.ToInt().String())

	var nonce hexutil.Uint64
	h.result(t, &nonce, "eth_getTransactionCount", h.sender, "latest")
	require.Equal(t, uint64(1), uint64(nonce))

	var tx map[string]any
	h.result(t, &tx, "eth_getTransactionByHash", hash)
	require.Equal(t, rc["blockNumber"], tx["blockNumber"])
	require.Equal(t, "0x3e8", tx["value"])

	var block map[string]any
	h.result(t, &block, "eth_getBlockByNumber", "latest", true)
	require.Equal(t, rc["blockHash"], block["hash"])
	txs := block["transactions"].([]any)
	require.Len(t, txs, 1)
	require.Equal(t, hash.Hex(), txs[0].(map[string]any)["hash"])

	h.result(t, &block, "eth_getBlockByHash", rc["blockHash"], false)
	require.Equal(t, []any{hash.Hex()}, block["transactions"])

	var count hexutil.Uint64
	h.result(t, &count, "eth_getBlockTransactionCountByHash", rc["blockHash"])
	require.Equal(t, uint64(1), uint64(count))

	h.result(t, &tx, "eth_getTransactionByBlockNumberAndIndex", rc["blockNumber"], "0x0")
	require.Equal(t, hash.Hex(), tx["hash"])

	_, e := h.call(t, "eth_sendRawTransaction", raw)
	require.NotNil(t, e)
	require.Equal(t, CodeDuplicate, e.Code)
}

func TestServer_UnknownEntities(t *testing.T) {
	h := newHarness(t)
	stranger := common.HexToAddress("0x00000000000000000000000000000000000000ff")

	var bal hexutil.Big
	h.result(t, &bal, "eth_getBalance", stranger, "latest")
	require.Zero(t, bal.ToInt().Sign())

	var nonce hexutil.Uint64
	h.result(t, &nonce, "eth_getTransactionCount", stranger)
	require.Zero(t, uint64(nonce))

	var code string
	h.result(t, &code, "eth_getCode", stranger, "latest")
	require.Equal(t, "0x", code)

	var slot common.Hash
	h.result(t, &slot, "eth_getStorageAt", stranger, "0x0", "latest")
	require.Equal(t, common.Hash{}, slot)

	for _, tc := range []struct {
		method string
		params []any
	}{
		{"eth_getBlockByNumber", []any{"0xffff", false}},
		{"eth_getBlockByHash", []any{common.HexToHash("0x01"), false}},
		{"eth_getTransactionByHash", []any{common.HexToHash("0x02")}},
		{"eth_getTransactionReceipt", []any{common.HexToHash("0x03")}},
		{"eth_getBlockTransactionCountByNumber", []any{"0xffff"}},
	} {
		raw, e := h.call(t, tc.method, tc.params...)
		require.Nil(t, e, tc.method)
		require.Equal(t, "null", string(raw), tc.method)
	}
}

func TestServer_ClientErrors(t *testing.T) {
	h := newHarness(t)

	for _, m := range []string{"eth_mining", "eth_coinbase", "eth_sign", "debug_traceTransaction"} {
		_, e := h.call(t, m)
		require.NotNil(t, e, m)
		require.Equal(t, CodeMethodNotFound, e.Code, m)
	}

	_, e := h.call(t, "eth_getBalance")
	require.Equal(t, CodeInvalidParams, e.Code)
	_, e = h.call(t, "eth_chainId", 1)
	require.Equal(t, CodeInvalidParams, e.Code)
	_, e = h.call(t, "eth_getBalance", "not-an-address")
	require.Equal(t, CodeInvalidParams, e.Code)
	_, e = h.call(t, "eth_getBlockByNumber", "earliestish", false)
	require.Equal(t, CodeInvalidParams, e.Code)
	_, e = h.call(t, "eth_sendRawTransaction", "0xdeadbeef")
	require.Equal(t, CodeInvalidParams, e.Code)

	raw, _ := h.signed(t, 5, recipient, 1, nil)
	_, e = h.call(t, "eth_sendRawTransaction", raw)
	require.Equal(t, CodeInvalidParams, e.Code)
	require.Contains(t, e.Message, "nonce too high")

	_, e = h.call(t, "eth_getLogs", map[string]any{"fromBlock": "0x5", "toBlock": "0x1"})
	require.Equal(t, CodeInvalidParams, e.Code)
}

func TestServer_Envelopes(t *testing.T) {
	h := newHarness(t)

	out := h.post(t, `[
		{"jsonrpc":"2.0","id":1,"method":"eth_chainId"},
		{"jsonrpc":"2.0","method":"eth_blockNumber"},
		{"jsonrpc":"2.0","id":"two","method":"net_listening"}
	]`)
	var batch []rpcResult
	require.NoError(t, json.Unmarshal(out, &batch))
	require.Len(t, batch, 2)
	require.Equal(t, `1`, string(batch[0].ID))
	require.Equal(t, `"two"`, string(batch[1].ID))
	require.Equal(t, `true`, string(batch[1].Result))

	var res rpcResult
	require.NoError(t, json.Unmarshal(h.post(t, `{"jsonrpc":"2.0","id":1`), &res))
	require.Equal(t, CodeParse, res.Error.Code)
	require.Equal(t, "null", string(res.ID))

	require.NoError(t, json.Unmarshal(h.post(t, `[]`), &res))
	require.Equal(t, CodeInvalidRequest, res.Error.Code)

	require.Empty(t, h.post(t, `{"jsonrpc":"2.0","method":"eth_chainId"}`))
}

func TestServer_CallRevert(t *testing.T) {
	h := newHarness(t)
	h.fake.RevertOn(contract, "not allowed")

	_, e := h.call(t, "eth_call", map[string]any{"to": contract, "data": "0x01"}, "latest")
	require.NotNil(t, e)
	require.Equal(t, CodeReverted, e.Code)
	require.Equal(t, "execution reverted: not allowed", e.Message)
	data, ok := e.Data.(string)
	require.True(t, ok)
	require.True(t, strings.HasPrefix(data, "0x08c379a0"), data)

	_, e = h.call(t, "eth_estimateGas", map[string]any{"to": contract})
	require.Equal(t, CodeReverted, e.Code)

	var gas hexutil.Uint64
	h.result(t, &gas, "eth_estimateGas", map[string]any{"to": recipient, "value": "0x1"})
	require.Equal(t, uint64(21000), uint64(gas))

	_, e = h.call(t, "eth_call", map[string]any{"to": recipient, "gasPrice": "0x1", "maxFeePerGas": "0x1"})
	require.Equal(t, CodeInvalidParams, e.Code)
}

func TestServer_FilterLifecycle(t *testing.T) {
	h := newHarness(t)
	h.fake.Deploy(contract, []byte{0x60, 0x00})

	var id string
	h.result(t, &id, "eth_newFilter", map[string]any{"address": contract})
	var blockFilter string
	h.result(t, &blockFilter, "eth_newBlockFilter")

	raw, txHash := h.signed(t, 0, contract, 0, []byte{0xca, 0xfe})
	h.result(t, new(common.Hash), "eth_sendRawTransaction", raw)

	var logs []map[string]any
	h.result(t, &logs, "eth_getFilterChanges", id)
	require.Len(t, logs, 1)
	require.Equal(t, txHash.Hex(), logs[0]["transactionHash"])
	require.Equal(t, "0xcafe", logs[0]["data"])

	h.result(t, &logs, "eth_getFilterChanges", id)
	require.Empty(t, logs)

	h.result(t, &logs, "eth_getFilterLogs", id)
	require.Len(t, logs, 1)

	var hashes []common.Hash
	h.result(t, &hashes, "eth_getFilterChanges", blockFilter)
	require.Len(t, hashes, 1)

	h.result(t, &logs, "eth_getLogs", map[string]any{"fromBlock": "0x0", "address": []common.Address{contract}})
	require.Len(t, logs, 1)
	h.result(t, &logs, "eth_getLogs", map[string]any{"fromBlock": "0x0", "address": recipient})
	require.Empty(t, logs)

	var removed bool
	h.result(t, &removed, "eth_uninstallFilter", id)
	require.True(t, removed)
	h.result(t, &removed, "eth_uninstallFilter", id)
	require.False(t, removed)

	_, e := h.call(t, "eth_getFilterChanges", id)
	require.NotNil(t, e)
	require.Equal(t, CodeServer, e.Code)
	require.Equal(t, "filter not found", e.Message)
}

func TestServer_SubscribeOverHTTP(t *testing.T) {
	h := newHarness(t)
	_, e := h.call(t, "eth_subscribe", "newHeads")
	require.NotNil(t, e)
	require.Equal(t, CodeMethodNotFound, e.Code)
}

func TestServer_HealthAndMetrics(t *testing.T) {
	h := newHarness(t)

	get := func(path string) (int, string) {
		resp, err := http.Get(h.srv.URL + path)
		require.NoError(t, err)
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		return resp.StatusCode, string(body)
	}

	code, body := get("/health")
	require.Equal(t, http.StatusOK, code)
	require.JSONEq(t, `{"status":"ok"}`, body)

	h.health = context.DeadlineExceeded
	code, body = get("/health")
	require.Equal(t, http.StatusServiceUnavailable, code)
	require.JSONEq(t, `{"status":"unavailable","error":"backend unreachable"}`, body)

	h.result(t, new(hexutil.Uint64), "eth_chainId")
	code, body = get("/metrics")
	require.Equal(t, http.StatusOK, code)
	require.Contains(t, body, `kakarot_rpc_rpc_requests_total{method="eth_chainId",outcome="ok"} 1`)

	code, _ = get("/")
	require.Equal(t, http.StatusMethodNotAllowed, code)
}

func TestServer_BodyLimit(t *testing.T) {
	d, err := NewDispatcher(Backends{ClientVersion: "v"}, nil)
	require.NoError(t, err)
	srv := NewServer(d, NewHub(), ServerOptions{MaxBodyBytes: 64})

	small := `{"jsonrpc":"2.0","id":1,"method":"web3_clientVersion"}`
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(small)))
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"jsonrpc":"2.0","id":1,"result":"v"}`, rec.Body.String())

	large := `{"jsonrpc":"2.0","id":1,"method":"web3_sha3","params":["0x` + strings.Repeat("00", 64) + `"]}`
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(large)))
	require.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	require.Contains(t, rec.Body.String(), `"code":-32600`)
}

func TestServer_WebSocketSubscriptions(t *testing.T) {
	h := newHarness(t)
	h.fake.Deploy(contract, []byte{0x60, 0x00})
	url := "ws" + strings.TrimPrefix(h.srv.URL, "http")
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer ws.Close()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))

	request := func(id int, method string, params ...any) rpcResult {
		t.Helper()
		require.NoError(t, ws.WriteJSON(map[string]any{"jsonrpc": "2.0", "id": id, "method": method, "params": params}))
		var res rpcResult
		require.NoError(t, ws.ReadJSON(&res))
		require.Equal(t, json.RawMessage(strconv.Itoa(id)), res.ID)
		return res
	}

	res := request(1, "eth_chainId")
	require.Nil(t, res.Error)

	res = request(2, "eth_subscribe", "newHeads")
	require.Nil(t, res.Error)
	var heads string
	require.NoError(t, json.Unmarshal(res.Result, &heads))

	res = request(3, "eth_subscribe", "logs", map[string]any{"address": contract})
	require.Nil(t, res.Error)
	var logsSub string
	require.NoError(t, json.Unmarshal(res.Result, &logsSub))
	require.Eventually(t, func() bool { return h.hub.Len() == 2 }, time.Second, 10*time.Millisecond)

	res = request(4, "eth_subscribe", "syncing")
	require.NotNil(t, res.Error)
	require.Equal(t, CodeInvalidParams, res.Error.Code)

	raw, _ := h.signed(t, 0, contract, 0, []byte{0x01})
	_, e := h.call(t, "eth_sendRawTransaction", raw)
	require.Nil(t, e)
	b, err := h.reader.GetBlock(context.Background(), chain.LatestRef())
	require.NoError(t, err)
	h.hub.Publish(b)

	type note struct {
		Method string `json:"method"`
		Params struct {
			Subscription string          `json:"subscription"`
			Result       json.RawMessage `json:"result"`
		} `json:"params"`
	}
	got := map[string]json.RawMessage{}
	for range 2 {
		var n note
		require.NoError(t, ws.ReadJSON(&n))
		require.Equal(t, "eth_subscription", n.Method)
		got[n.Params.Subscription] = n.Params.Result
	}
	var header map[string]any
	require.NoError(t, json.Unmarshal(got[heads], &header))
	require.Equal(t, b.Hash.Hex(), header["hash"])
	var log map[string]any
	require.NoError(t, json.Unmarshal(got[logsSub], &log))
	require.Equal(t, "0x01", log["data"])

	res = request(5, "eth_unsubscribe", heads)
	require.Equal(t, "true", string(res.Result))
	res = request(6, "eth_unsubscribe", heads)
	require.Equal(t, "false", string(res.Result))

	require.NoError(t, ws.Close())
	require.Eventually(t, func() bool { return h.hub.Len() == 0 }, time.Second, 10*time.Millisecond)
}
