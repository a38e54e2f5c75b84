// Package node assembles the bridge from its configuration and runs it.
package node

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ftupas/kakarot-rpc/internal/chain"
	"github.com/ftupas/kakarot-rpc/internal/config"
	"github.com/ftupas/kakarot-rpc/internal/felt"
	"github.com/ftupas/kakarot-rpc/internal/filters"
	"github.com/ftupas/kakarot-rpc/internal/logging"
	"github.com/ftupas/kakarot-rpc/internal/metrics"
	"github.com/ftupas/kakarot-rpc/internal/rpc"
	"github.com/ftupas/kakarot-rpc/internal/translate"
	"github.com/ftupas/kakarot-rpc/internal/txpipe"
	"github.com/ftupas/kakarot-rpc/internal/upstream"
)

const shutdownTimeout = 10 * time.Second

// Node owns every long-lived component of one bridge instance.
type Node struct {
	cfg        config.Config
	metrics    *metrics.Metrics
	client     *upstream.Client
	translator *translate.Translator
	tracker    *txpipe.Tracker
	reader     *chain.Reader
	engine     *filters.Engine
	hub        *rpc.Hub
	dispatcher *rpc.Dispatcher
	server     *rpc.Server
}

// Deployment parses the zkEVM contract addresses from cfg.
func Deployment(cfg config.Config) (translate.Config, error) {
	var (
		out  translate.Config
		errs []error
	)
	for _, f := range []struct {
		name string
		src  string
		dst  *felt.Felt
	}{
		{"kakarot_address", cfg.KakarotAddress, &out.KakarotAddress},
		{"proxy_class_hash", cfg.ProxyClassHash, &out.ProxyClassHash},
		{"native_token_address", cfg.NativeTokenAddress, &out.NativeTokenAddress},
	} {
		v, err := felt.FromHex(f.src)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", f.name, err))
			continue
		}
		*f.dst = v
	}
	return out, errors.Join(errs...)
}

// New builds the component graph. Nothing touches the backend until Run.
func New(cfg config.Config) (*Node, error) {
	deployment, err := Deployment(cfg)
	if err != nil {
		return nil, err
	}
	n := &Node{cfg: cfg, metrics: metrics.New(), hub: rpc.NewHub()}

	n.client, err = upstream.New(upstream.Options{
		Endpoint: cfg.BackendURL,
		Timeout:  cfg.UpstreamTimeout,
		Retry: upstream.RetryPolicy{
			MaxAttempts: cfg.RetryAttempts,
			BaseDelay:   cfg.RetryBaseDelay,
			MaxDelay:    cfg.RetryMaxDelay,
			Jitter:      cfg.RetryJitter,
			Categories:  []upstream.Category{upstream.CategoryRead},
		},
		RateLimit:      cfg.RateLimit,
		BlockCacheSize: cfg.BlockCacheSize,
		Metrics:        n.metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("upstream: %w", err)
	}
	n.translator, err = translate.New(deployment, n.client)
	if err != nil {
		return nil, fmt.Errorf("translator: %w", err)
	}
	n.tracker = txpipe.NewTracker(cfg.TrackerTTL, 0)
	n.reader, err = chain.New(n.client, n.translator, chain.Options{
		ChainID:        cfg.ChainID,
		GasPrice:       cfg.GasPrice,
		MaxPriorityFee: cfg.MaxPriorityFee,
		BlockGasLimit:  cfg.BlockGasLimit,
		HeadRefresh:    cfg.HeadRefresh,
		CacheSize:      cfg.BlockCacheSize,
		ReceiptWorkers: cfg.ReceiptWorkers,
		IndexWindow:    cfg.IndexWindow,
		Submissions:    n.tracker,
		Metrics:        n.metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("reader: %w", err)
	}
	n.engine = filters.New(n.reader, filters.Options{
		TTL:           cfg.FilterTTL,
		MaxFilters:    cfg.MaxFilters,
		MaxLogRange:   uint64(cfg.MaxLogRange),
		MaxPollBlocks: uint64(cfg.MaxPollBlocks),
		Metrics:       n.metrics,
	})
	pipeline := txpipe.New(n.reader, n.translator, n.client, n.tracker, txpipe.Options{
		WriteTimeout:   cfg.WriteTimeout,
		AllowNonceGaps: cfg.AllowNonceGaps,
		Metrics:        n.metrics,
	})
	n.dispatcher, err = rpc.NewDispatcher(rpc.Backends{
		Chain:         n.reader,
		Txs:           pipeline,
		Filters:       n.engine,
		ClientVersion: cfg.ClientVersion,
	}, n.metrics)
	if err != nil {
		return nil, err
	}
	n.server = rpc.NewServer(n.dispatcher, n.hub, rpc.ServerOptions{
		CORSOrigins:  cfg.CORSOrigins,
		WSEnabled:    cfg.WSEnabled,
		ProbeTimeout: cfg.ProbeTimeout,
		Health:       n.Probe,
		Registry:     n.metrics.Registry,
	})
	return n, nil
}

// Handler serves the JSON-RPC, WebSocket, health and metrics endpoints.
func (n *Node) Handler() http.Handler { return n.server.Handler() }

// Probe checks that the backend answers within the probe deadline.
func (n *Node) Probe(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, n.cfg.ProbeTimeout)
	defer cancel()
	if _, err := n.client.ChainID(ctx); err != nil {
		return fmt.Errorf("probe backend: %w", err)
	}
	return nil
}

// Run listens on the configured address and serves until ctx is done.
func (n *Node) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", n.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", n.cfg.ListenAddr, err)
	}
	return n.Serve(ctx, ln)
}

// Serve indexes recent blocks, starts the background workers and serves
// HTTP on ln. It returns nil after a clean shutdown.
func (n *Node) Serve(ctx context.Context, ln net.Listener) error {
	log := logging.Logger().With("component", "node")
	if head, err := n.reader.Index(ctx); err != nil {
		// the follower and on-demand reads recover once the backend is up
		log.Warn("index_failed", "err", err)
	} else {
		n.metrics.Head(head)
	}

	srv := &http.Server{
		Handler:           n.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		n.tracker.Run(gctx)
		return nil
	})
	g.Go(func() error {
		n.engine.Run(gctx)
		return nil
	})
	g.Go(func() error {
		err := n.reader.Follow(gctx, n.cfg.FollowInterval, n.tracker.MarkIncluded, n.hub.Publish)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		log.Info("listening", "addr", ln.Addr().String(), "backend", config.RedactURL(n.cfg.BackendURL), "chain_id", n.cfg.ChainID)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			log.Warn("shutdown_incomplete", "err", err)
		}
		return nil
	})
	err := g.Wait()
	log.Info("stopped")
	return err
}
