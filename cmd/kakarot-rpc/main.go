package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethereum/go-ethereum/common"
	"github.com/urfave/cli/v2"

	"github.com/ftupas/kakarot-rpc/internal/config"
	"github.com/ftupas/kakarot-rpc/internal/logging"
	"github.com/ftupas/kakarot-rpc/internal/node"
	"github.com/ftupas/kakarot-rpc/internal/translate"
)

var (
	// version is set via -ldflags "-X main.version=..."
	version = "dev"
	// exit is aliased to os.Exit to allow overriding in tests.
	exit = os.Exit
)

var (
	configFlag = &cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Usage:   "YAML config file; BRIDGE_* environment variables override it",
		EnvVars: []string{"BRIDGE_CONFIG"},
	}
	listenFlag = &cli.StringFlag{
		Name:  "listen",
		Usage: "JSON-RPC listen address (BRIDGE_LISTEN_ADDR)",
	}
	backendFlag = &cli.StringFlag{
		Name:  "backend",
		Usage: "Starknet JSON-RPC endpoint of the backend (BRIDGE_BACKEND_URL)",
	}
	dryRunFlag = &cli.BoolFlag{
		Name:  "dry-run",
		Usage: "print the effective configuration and exit",
	}
)

func newApp() *cli.App {
	return &cli.App{
		Name:                 "kakarot-rpc",
		Usage:                "Ethereum JSON-RPC bridge for the Kakarot zkEVM",
		Version:              version,
		Flags:                []cli.Flag{configFlag, listenFlag, backendFlag, dryRunFlag},
		Action:               serve,
		EnableBashCompletion: true,
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "serve JSON-RPC over HTTP and WebSocket (default)",
				Action: serve,
			},
			{
				Name:      "address",
				Usage:     "print the backend account address of an Ethereum address",
				ArgsUsage: "<0x-address>",
				Action:    printAddress,
			},
			{
				Name:   "probe",
				Usage:  "check once that the backend answers",
				Action: probe,
			},
			{
				Name:  "version",
				Usage: "print the version",
				Action: func(c *cli.Context) error {
					_, err := fmt.Fprintln(c.App.Writer, version)
					return err
				},
			},
		},
		// errors are printed by main
		ExitErrHandler: func(*cli.Context, error) {},
	}
}

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		exit(1)
	}
}

// loadConfig layers the command-line overrides on top of config.Load.
func loadConfig(c *cli.Context) (config.Config, error) {
	cfg, err := config.Load(c.String(configFlag.Name))
	if err != nil {
		return config.Config{}, err
	}
	if c.IsSet(listenFlag.Name) {
		cfg.ListenAddr = c.String(listenFlag.Name)
	}
	if c.IsSet(backendFlag.Name) {
		cfg.BackendURL = c.String(backendFlag.Name)
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func serve(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	if c.Bool(dryRunFlag.Name) {
		enc := json.NewEncoder(c.App.Writer)
		enc.SetIndent("", "  ")
		return enc.Encode(cfg.Redacted())
	}

	closer, err := logging.Setup(logging.Options{
		Level:      cfg.LogLevel,
		Format:     cfg.LogFormat,
		File:       cfg.LogFile,
		MaxSizeMB:  100,
		MaxBackups: 5,
	})
	if err != nil {
		return err
	}
	defer closer.Close()

	n, err := node.New(cfg)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()
	logging.Logger().Info("starting", "component", "main", "version", version)
	return n.Run(ctx)
}

func printAddress(c *cli.Context) error {
	if c.NArg() != 1 || !common.IsHexAddress(c.Args().First()) {
		return fmt.Errorf("expected one 0x-prefixed 20-byte address")
	}
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	d, err := node.Deployment(cfg)
	if err != nil {
		return err
	}
	addr := common.HexToAddress(c.Args().First())
	_, err = fmt.Fprintln(c.App.Writer, translate.ComputeBackendAddress(d.KakarotAddress, d.ProxyClassHash, addr).Hex())
	return err
}

func probe(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	n, err := node.New(cfg)
	if err != nil {
		return err
	}
	ctx := c.Context
	if ctx == nil {
		ctx = context.Background()
	}
	if err := n.Probe(ctx); err != nil {
		return err
	}
	_, err = fmt.Fprintln(c.App.Writer, "ok")
	return err
}
