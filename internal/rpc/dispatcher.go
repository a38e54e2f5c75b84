// Package rpc serves the Ethereum JSON-RPC API over HTTP and WebSocket.
package rpc

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"golang.org/x/sync/errgroup"

	"github.com/ftupas/kakarot-rpc/internal/metrics"
)

// Namespace is every method the bridge serves.
var Namespace = []string{
	"eth_chainId",
	"eth_blockNumber",
	"eth_getBalance",
	"eth_getTransactionCount",
	"eth_getCode",
	"eth_getStorageAt",
	"eth_call",
	"eth_estimateGas",
	"eth_gasPrice",
	"eth_maxPriorityFeePerGas",
	"eth_sendRawTransaction",
	"eth_getBlockByNumber",
	"eth_getBlockByHash",
	"eth_getTransactionByHash",
	"eth_getTransactionReceipt",
	"eth_getBlockTransactionCountByHash",
	"eth_getBlockTransactionCountByNumber",
	"eth_getTransactionByBlockHashAndIndex",
	"eth_getTransactionByBlockNumberAndIndex",
	"eth_getLogs",
	"eth_newFilter",
	"eth_newBlockFilter",
	"eth_getFilterChanges",
	"eth_getFilterLogs",
	"eth_uninstallFilter",
	"eth_syncing",
	"eth_accounts",
	"eth_subscribe",
	"eth_unsubscribe",
	"net_version",
	"net_listening",
	"web3_clientVersion",
	"web3_sha3",
}

// Unsupported methods answer with a distinct "not supported" error instead
// of "does not exist".
var Unsupported = []string{
	"eth_mining",
	"eth_hashrate",
	"eth_getWork",
	"eth_submitWork",
	"eth_submitHashrate",
	"eth_coinbase",
}

const maxBatch = 100

type handlerFunc func(ctx context.Context, p params) (any, error)

type method struct {
	fn       handlerFunc
	min, max int
}

func (a *api) table() map[string]method {
	return map[string]method{
		"eth_chainId":                             {a.chainID, 0, 0},
		"eth_blockNumber":                         {a.blockNumber, 0, 0},
		"eth_getBalance":                          {a.getBalance, 1, 2},
		"eth_getTransactionCount":                 {a.getTransactionCount, 1, 2},
		"eth_getCode":                             {a.getCode, 1, 2},
		"eth_getStorageAt":                        {a.getStorageAt, 2, 3},
		"eth_call":                                {a.call, 1, 2},
		"eth_estimateGas":                         {a.estimateGas, 1, 2},
		"eth_gasPrice":                            {a.gasPrice, 0, 0},
		"eth_maxPriorityFeePerGas":                {a.maxPriorityFeePerGas, 0, 0},
		"eth_sendRawTransaction":                  {a.sendRawTransaction, 1, 1},
		"eth_getBlockByNumber":                    {a.getBlockByNumber, 1, 2},
		"eth_getBlockByHash":                      {a.getBlockByHash, 1, 2},
		"eth_getTransactionByHash":                {a.getTransactionByHash, 1, 1},
		"eth_getTransactionReceipt":               {a.getTransactionReceipt, 1, 1},
		"eth_getBlockTransactionCountByHash":      {a.getBlockTransactionCountByHash, 1, 1},
		"eth_getBlockTransactionCountByNumber":    {a.getBlockTransactionCountByNumber, 1, 1},
		"eth_getTransactionByBlockHashAndIndex":   {a.getTransactionByBlockHashAndIndex, 2, 2},
		"eth_getTransactionByBlockNumberAndIndex": {a.getTransactionByBlockNumberAndIndex, 2, 2},
		"eth_getLogs":                             {a.getLogs, 1, 1},
		"eth_newFilter":                           {a.newFilter, 1, 1},
		"eth_newBlockFilter":                      {a.newBlockFilter, 0, 0},
		"eth_getFilterChanges":                    {a.getFilterChanges, 1, 1},
		"eth_getFilterLogs":                       {a.getFilterLogs, 1, 1},
		"eth_uninstallFilter":                     {a.uninstallFilter, 1, 1},
		"eth_syncing":                             {a.syncing, 0, 0},
		"eth_accounts":                            {a.accounts, 0, 0},
		"eth_subscribe":                           {a.subscribe, 1, 2},
		"eth_unsubscribe":                         {a.unsubscribe, 1, 1},
		"net_version":                             {a.netVersion, 0, 0},
		"net_listening":                           {a.netListening, 0, 0},
		"web3_clientVersion":                      {a.clientVersion, 0, 0},
		"web3_sha3":                               {a.sha3, 1, 1},
	}
}

// ErrNamespaceMismatch is returned when the handler table and the declared
// namespace disagree.
var ErrNamespaceMismatch = errors.New("handler table does not match namespace")

// checkTable verifies that every declared method has a handler and every
// handler is declared.
func checkTable(table map[string]method, namespace []string) error {
	declared := mapset.NewThreadUnsafeSet(namespace...)
	registered := mapset.NewThreadUnsafeSetWithSize[string](len(table))
	for name := range table {
		registered.Add(name)
	}
	missing := declared.Difference(registered).ToSlice()
	extra := registered.Difference(declared).ToSlice()
	if len(missing) == 0 && len(extra) == 0 {
		return nil
	}
	sort.Strings(missing)
	sort.Strings(extra)
	return fmt.Errorf("%w: missing handlers %v, undeclared handlers %v", ErrNamespaceMismatch, missing, extra)
}

type Dispatcher struct {
	methods     map[string]method
	unsupported mapset.Set[string]
	metrics     *metrics.Metrics
	parallelism int
}

// NewDispatcher builds the method table over b and checks it against
// Namespace.
func NewDispatcher(b Backends, m *metrics.Metrics) (*Dispatcher, error) {
	return newDispatcher((&api{Backends: b}).table(), Namespace, m)
}

func newDispatcher(table map[string]method, namespace []string, m *metrics.Metrics) (*Dispatcher, error) {
	if err := checkTable(table, namespace); err != nil {
		return nil, err
	}
	return &Dispatcher{
		methods:     table,
		unsupported: mapset.NewSet(Unsupported...),
		metrics:     m,
		parallelism: 16,
	}, nil
}

// Methods lists the served method names, sorted.
func (d *Dispatcher) Methods() []string {
	out := make([]string, 0, len(d.methods))
	for name := range d.methods {
		out = append(out, name)
	}
	slices.Sort(out)
	return out
}

// Handle answers one HTTP body or WebSocket message. It returns nil when
// the message contained only notifications.
func (d *Dispatcher) Handle(ctx context.Context, body []byte) ([]byte, error) {
	reqs, batch, err := parseMessage(body)
	if err != nil {
		return jsonc.Marshal(errorResponse(nil, &Error{Code: CodeParse, Message: "parse error"}))
	}
	if !batch {
		resp := d.serve(ctx, reqs[0])
		if resp == nil {
			return nil, nil
		}
		return jsonc.Marshal(resp)
	}
	if len(reqs) == 0 {
		return jsonc.Marshal(errorResponse(nil, &Error{Code: CodeInvalidRequest, Message: "empty batch"}))
	}
	if len(reqs) > maxBatch {
		return jsonc.Marshal(errorResponse(nil, &Error{Code: CodeInvalidRequest, Message: fmt.Sprintf("batch exceeds %d requests", maxBatch)}))
	}

	resps := make([]any, len(reqs))
	g := new(errgroup.Group)
	g.SetLimit(d.parallelism)
	for i, req := range reqs {
		g.Go(func() error {
			resps[i] = d.serve(ctx, req)
			return nil
		})
	}
	_ = g.Wait()

	out := resps[:0]
	for _, r := range resps {
		if r != nil {
			out = append(out, r)
		}
	}
	if len(out) == 0 {
		return nil, nil
	}
	return jsonc.Marshal(out)
}

// serve runs one request and returns its response, or nil for notifications.
func (d *Dispatcher) serve(ctx context.Context, req *request) any {
	if req == nil || req.JSONRPC != version || req.Method == "" {
		var id []byte
		if req != nil {
			id = req.ID
		}
		return errorResponse(id, &Error{Code: CodeInvalidRequest, Message: "invalid request"})
	}
	start := time.Now()
	result, err := d.call(ctx, req)
	label := req.Method
	if _, ok := d.methods[label]; !ok {
		label = "unknown"
	}
	if err != nil {
		e := toError(req.Method, err)
		d.metrics.ObserveRPC(label, "error", time.Since(start))
		if req.isNotification() {
			return nil
		}
		return errorResponse(req.ID, e)
	}
	d.metrics.ObserveRPC(label, "ok", time.Since(start))
	if req.isNotification() {
		return nil
	}
	return successResponse(req.ID, result)
}

func (d *Dispatcher) call(ctx context.Context, req *request) (any, error) {
	m, ok := d.methods[req.Method]
	if !ok {
		if d.unsupported.Contains(req.Method) {
			return nil, fmt.Errorf("%w: the method %s is not supported", ErrMethodNotFound, req.Method)
		}
		return nil, fmt.Errorf("%w: the method %s does not exist/is not available", ErrMethodNotFound, req.Method)
	}
	p, err := req.positional()
	if err != nil {
		return nil, err
	}
	if len(p) < m.min {
		return nil, invalidParams("missing value for required argument %d", len(p))
	}
	if len(p) > m.max {
		return nil, invalidParams("too many arguments, want at most %d", m.max)
	}
	return m.fn(ctx, p)
}
