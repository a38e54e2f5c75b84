// Package upstream is the JSON-RPC client for the Starknet-style backend node.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	jsoniter "github.com/json-iterator/go"

	"github.com/ftupas/kakarot-rpc/internal/logging"
	"github.com/ftupas/kakarot-rpc/internal/metrics"
)

const (
	defaultTimeout        = 10 * time.Second
	defaultBlockCacheSize = 1024
	maxErrorBody          = 512
)

// jsonc encodes requests and decodes responses on the call path.
var jsonc = jsoniter.ConfigCompatibleWithStandardLibrary

type httpDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Options configures a Client. Zero values fall back to sane defaults.
type Options struct {
	Endpoint       string
	HTTPClient     *http.Client
	Timeout        time.Duration
	Retry          RetryPolicy
	RateLimit      int
	BlockCacheSize int
	Metrics        *metrics.Metrics
}

// Client issues JSON-RPC calls against the backend with per-call timeouts,
// category-aware retries, rate limiting and a block cache.
type Client struct {
	endpoint    string
	providerLbl string
	hc          httpDoer
	timeout     time.Duration
	retry       RetryPolicy
	limiter     Limiter
	blocks      *BlockCache
	metrics     *metrics.Metrics
	nextID      atomic.Int64
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
	ID      int64  `json:"id"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result"`
	Error   *RPCError       `json:"error"`
	ID      int64           `json:"id"`
}

// New constructs a Client. The endpoint must be an http(s) URL.
func New(opts Options) (*Client, error) {
	if opts.Endpoint == "" {
		return nil, fmt.Errorf("empty endpoint")
	}
	u, err := url.Parse(opts.Endpoint)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, fmt.Errorf("invalid endpoint %q", RedactEndpoint(opts.Endpoint))
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Transport: newTransport()}
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	retry := opts.Retry
	if retry.MaxAttempts == 0 && len(retry.Categories) == 0 {
		retry = DefaultRetryPolicy()
	}
	size := opts.BlockCacheSize
	if size <= 0 {
		size = defaultBlockCacheSize
	}
	c := &Client{
		endpoint:    opts.Endpoint,
		providerLbl: deriveProviderLabel(opts.Endpoint),
		hc:          hc,
		timeout:     timeout,
		retry:       retry,
		limiter:     NewLimiter(opts.RateLimit),
		metrics:     opts.Metrics,
	}
	c.blocks, err = NewBlockCache(size, opts.Metrics)
	if err != nil {
		return nil, err
	}
	return c, nil
}

func newTransport() *http.Transport {
	return &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        64,
		MaxIdleConnsPerHost: 32,
		MaxConnsPerHost:     64,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}
}

func deriveProviderLabel(endpoint string) string {
	if u, err := url.Parse(endpoint); err == nil && u.Host != "" {
		return u.Host
	}
	return endpoint
}

// RedactEndpoint strips credentials from an endpoint URL for logging.
func RedactEndpoint(endpoint string) string {
	u, err := url.Parse(endpoint)
	if err != nil || u.User == nil {
		return endpoint
	}
	u.User = url.User("***")
	return u.String()
}

// Call performs a JSON-RPC call and decodes the result into out (which may be
// nil). Reads are retried per the client's RetryPolicy; writes are attempted
// exactly once.
func (c *Client) Call(ctx context.Context, cat Category, method string, params any, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	if params == nil {
		params = []any{}
	}
	body, err := jsonc.Marshal(rpcRequest{JSONRPC: "2.0", Method: method, Params: params, ID: c.nextID.Add(1)})
	if err != nil {
		return fmt.Errorf("encode %s params: %w", method, err)
	}
	start := time.Now()
	attempt := 0
	op := func() error {
		attempt++
		err := c.do(ctx, method, body, out)
		if err == nil || isRetriable(err) {
			return err
		}
		return backoff.Permanent(err)
	}
	notify := func(err error, next time.Duration) {
		c.metrics.UpstreamRetry(method)
		logging.Logger().Debug("upstream_retry",
			"component", "upstream",
			"provider", c.providerLbl,
			"method", method,
			"attempt", attempt,
			"backoff_ms", next.Milliseconds(),
			"error", err.Error(),
		)
	}
	err = backoff.RetryNotify(op, backoff.WithContext(c.retry.backOff(cat), ctx), notify)
	c.metrics.ObserveUpstream(method, outcome(err), time.Since(start))
	if err != nil && !errors.As(err, new(*RPCError)) {
		logging.Logger().Warn("upstream_call_failed",
			"component", "upstream",
			"provider", c.providerLbl,
			"method", method,
			"category", cat.String(),
			"attempts", attempt,
			"elapsed_ms", time.Since(start).Milliseconds(),
			"error", err.Error(),
		)
	}
	return err
}

func (c *Client) do(ctx context.Context, method string, body []byte, out any) error {
	attemptCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUpstreamProtocol, err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.hc.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w: %s after %s", ErrUpstreamTimeout, method, c.timeout)
		}
		return fmt.Errorf("%w: %s: %v", ErrUpstreamUnavailable, method, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode/100 != 2 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		if sc := resp.StatusCode; sc == http.StatusTooManyRequests || sc >= 500 {
			return fmt.Errorf("%w: %s: http %d: %s", ErrUpstreamUnavailable, method, sc, string(b))
		}
		return fmt.Errorf("%w: %s: http %d: %s", ErrUpstreamProtocol, method, resp.StatusCode, string(b))
	}
	var rr rpcResponse
	if err := jsonc.NewDecoder(resp.Body).Decode(&rr); err != nil {
		if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return fmt.Errorf("%w: %s after %s", ErrUpstreamTimeout, method, c.timeout)
		}
		return fmt.Errorf("%w: %s: decode response: %v", ErrUpstreamProtocol, method, err)
	}
	if rr.Error != nil {
		rr.Error.Method = method
		return rr.Error
	}
	if out == nil {
		return nil
	}
	if len(rr.Result) == 0 {
		return fmt.Errorf("%w: %s: missing result", ErrUpstreamProtocol, method)
	}
	if err := jsonc.Unmarshal(rr.Result, out); err != nil {
		return fmt.Errorf("%w: %s: decode result: %v", ErrUpstreamProtocol, method, err)
	}
	return nil
}

func outcome(err error) string {
	var rpcErr *RPCError
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &rpcErr):
		return "rpc_error"
	case errors.Is(err, ErrUpstreamTimeout):
		return "timeout"
	case errors.Is(err, ErrUpstreamUnavailable):
		return "unavailable"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "error"
	}
}
