package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
)

// EnvPrefix namespaces every environment override, e.g. BRIDGE_BACKEND_URL.
const EnvPrefix = "BRIDGE_"

const (
	// DefaultChainID is "KKRT" read as a big-endian integer.
	DefaultChainID            = 1263227476
	DefaultKakarotAddress     = "0x9001"
	DefaultProxyClassHash     = "0xba8f3f34eb92f56498fdf14ecac1f19d507dcc6859fa6d85eb8a68f6d44a47"
	DefaultNativeTokenAddress = "0x49d36570d4e46f48e99674bd3fcc84644ddd6b96f7c741b1562b82f9e004dc7"

	maxRateLimit       = 10000
	minRateLimit       = 0
	minTimeout         = 100 * time.Millisecond
	maxTimeout         = 5 * time.Minute
	minRetryAttempts   = 1
	maxRetryAttempts   = 10
	minCacheSize       = 16
	maxCacheSize       = 1 << 20
	maxLogRangeCeiling = 100000
	maxPollCeiling     = 10000
	maxFiltersCeiling  = 100000
	minFilterTTL       = time.Second
	maxFilterTTL       = 24 * time.Hour
	maxHeadRefresh     = time.Minute
)

// Config holds the bridge configuration used across binaries.
type Config struct {
	BackendURL    string
	ListenAddr    string
	ChainID       uint64
	ClientVersion string

	KakarotAddress     string
	ProxyClassHash     string
	NativeTokenAddress string

	LogLevel  string
	LogFormat string
	LogFile   string

	UpstreamTimeout time.Duration
	WriteTimeout    time.Duration
	ProbeTimeout    time.Duration
	RetryAttempts   int
	RetryBaseDelay  time.Duration
	RetryMaxDelay   time.Duration
	RetryJitter     float64
	RateLimit       int

	BlockCacheSize int
	HeadRefresh    time.Duration
	FollowInterval time.Duration
	IndexWindow    int
	ReceiptWorkers int

	FilterTTL     time.Duration
	MaxFilters    int
	MaxLogRange   int
	MaxPollBlocks int

	TrackerTTL     time.Duration
	AllowNonceGaps bool

	GasPrice       uint64
	MaxPriorityFee uint64
	BlockGasLimit  uint64

	CORSOrigins []string
	WSEnabled   bool
}

// Defaults returns the baseline configuration layer.
func Defaults() map[string]any {
	return map[string]any{
		"backend_url":          "http://127.0.0.1:5050",
		"listen_addr":          "0.0.0.0:3030",
		"chain_id":             DefaultChainID,
		"client_version":       "kakarot-rpc/dev",
		"kakarot_address":      DefaultKakarotAddress,
		"proxy_class_hash":     DefaultProxyClassHash,
		"native_token_address": DefaultNativeTokenAddress,
		"log_level":            "info",
		"log_format":           "json",
		"log_file":             "",
		"upstream_timeout":     "10s",
		"write_timeout":        "30s",
		"probe_timeout":        "2s",
		"retry_attempts":       3,
		"retry_base_delay":     "100ms",
		"retry_max_delay":      "2s",
		"retry_jitter":         0.2,
		"rate_limit":           0,
		"block_cache_size":     1024,
		"head_refresh":         "1s",
		"follow_interval":      "2s",
		"index_window":         1024,
		"receipt_workers":      8,
		"filter_ttl":           "5m",
		"max_filters":          1024,
		"max_log_range":        10000,
		"max_poll_blocks":      1000,
		"tracker_ttl":          "30m",
		"allow_nonce_gaps":     false,
		"gas_price":            1000000000,
		"max_priority_fee":     0,
		"block_gas_limit":      30000000,
		"cors_origins":         "*",
		"ws_enabled":           true,
	}
}

// Load layers defaults, an optional YAML file and BRIDGE_* environment
// variables, then clamps values to safe ranges.
func Load(path string) (Config, error) {
	k := koanf.New(".")
	if err := k.Load(confmap.Provider(Defaults(), "."), nil); err != nil {
		return Config{}, fmt.Errorf("load defaults: %w", err)
	}
	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return Config{}, fmt.Errorf("config file: %w", err)
		}
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("load %s: %w", path, err)
		}
	}
	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return Config{}, fmt.Errorf("load env: %w", err)
	}
	cfg := fromKoanf(k)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func envKey(s string) string {
	return strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
}

func fromKoanf(k *koanf.Koanf) Config {
	return Config{
		BackendURL:    strings.TrimSpace(k.String("backend_url")),
		ListenAddr:    strings.TrimSpace(k.String("listen_addr")),
		ChainID:       uint64(k.Int64("chain_id")),
		ClientVersion: k.String("client_version"),

		KakarotAddress:     k.String("kakarot_address"),
		ProxyClassHash:     k.String("proxy_class_hash"),
		NativeTokenAddress: k.String("native_token_address"),

		LogLevel:  k.String("log_level"),
		LogFormat: k.String("log_format"),
		LogFile:   k.String("log_file"),

		UpstreamTimeout: clampDuration(k.Duration("upstream_timeout"), minTimeout, maxTimeout),
		WriteTimeout:    clampDuration(k.Duration("write_timeout"), minTimeout, maxTimeout),
		ProbeTimeout:    clampDuration(k.Duration("probe_timeout"), minTimeout, maxTimeout),
		RetryAttempts:   clampInt(k.Int("retry_attempts"), minRetryAttempts, maxRetryAttempts),
		RetryBaseDelay:  clampDuration(k.Duration("retry_base_delay"), time.Millisecond, maxTimeout),
		RetryMaxDelay:   clampDuration(k.Duration("retry_max_delay"), time.Millisecond, maxTimeout),
		RetryJitter:     clampFloat(k.Float64("retry_jitter"), 0, 1),
		RateLimit:       clampInt(k.Int("rate_limit"), minRateLimit, maxRateLimit),

		BlockCacheSize: clampInt(k.Int("block_cache_size"), minCacheSize, maxCacheSize),
		HeadRefresh:    clampDuration(k.Duration("head_refresh"), 0, maxHeadRefresh),
		FollowInterval: clampDuration(k.Duration("follow_interval"), minTimeout, maxHeadRefresh),
		IndexWindow:    clampInt(k.Int("index_window"), 1, maxCacheSize),
		ReceiptWorkers: clampInt(k.Int("receipt_workers"), 1, 64),

		FilterTTL:     clampDuration(k.Duration("filter_ttl"), minFilterTTL, maxFilterTTL),
		MaxFilters:    clampInt(k.Int("max_filters"), 1, maxFiltersCeiling),
		MaxLogRange:   clampInt(k.Int("max_log_range"), 1, maxLogRangeCeiling),
		MaxPollBlocks: clampInt(k.Int("max_poll_blocks"), 1, maxPollCeiling),

		TrackerTTL:     clampDuration(k.Duration("tracker_ttl"), time.Minute, maxFilterTTL),
		AllowNonceGaps: k.Bool("allow_nonce_gaps"),

		GasPrice:       uint64(k.Int64("gas_price")),
		MaxPriorityFee: uint64(k.Int64("max_priority_fee")),
		BlockGasLimit:  uint64(k.Int64("block_gas_limit")),

		CORSOrigins: splitList(k.String("cors_origins")),
		WSEnabled:   k.Bool("ws_enabled"),
	}
}

// Validate reports settings that cannot be clamped into something usable.
func (c Config) Validate() error {
	var errs []error
	if c.BackendURL == "" {
		errs = append(errs, errors.New("backend_url is required"))
	} else if u, err := url.Parse(c.BackendURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		errs = append(errs, fmt.Errorf("backend_url must be an http(s) URL, got %q", RedactURL(c.BackendURL)))
	}
	if c.ListenAddr == "" {
		errs = append(errs, errors.New("listen_addr is required"))
	}
	if c.ChainID == 0 {
		errs = append(errs, errors.New("chain_id must be non-zero"))
	}
	for name, v := range map[string]string{
		"kakarot_address":      c.KakarotAddress,
		"proxy_class_hash":     c.ProxyClassHash,
		"native_token_address": c.NativeTokenAddress,
	} {
		if !strings.HasPrefix(v, "0x") || len(v) < 3 {
			errs = append(errs, fmt.Errorf("%s must be 0x-prefixed hex, got %q", name, v))
		}
	}
	return errors.Join(errs...)
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func clampInt(v, min, max int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

func clampFloat(v, min, max float64) float64 {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

func clampDuration(v, min, max time.Duration) time.Duration {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

// RedactURL hides credentials in URLs to avoid logging secrets.
func RedactURL(s string) string {
	if s == "" {
		return s
	}
	if u, err := url.Parse(s); err == nil && u.User != nil {
		name := u.User.Username()
		if name != "" {
			u.User = url.UserPassword(name, "***")
		} else {
			u.User = url.User("***")
		}
		return u.String()
	}
	// Best-effort fallback for strings url.Parse rejects
	if i := strings.Index(s, "//"); i >= 0 {
		j := strings.Index(s[i+2:], "@")
		if j > 0 {
			prefix := s[:i+2]
			creds := s[i+2 : i+2+j]
			if strings.Contains(creds, ":") {
				user := strings.SplitN(creds, ":", 2)[0]
				return prefix + user + ":***@" + s[i+2+j+1:]
			}
		}
	}
	return s
}

// Redacted returns a copy safe to print, e.g. for --dry-run.
func (c Config) Redacted() map[string]any {
	return map[string]any{
		"backend_url":          RedactURL(c.BackendURL),
		"listen_addr":          c.ListenAddr,
		"chain_id":             c.ChainID,
		"kakarot_address":      c.KakarotAddress,
		"proxy_class_hash":     c.ProxyClassHash,
		"native_token_address": c.NativeTokenAddress,
		"log_level":            c.LogLevel,
		"log_format":           c.LogFormat,
		"log_file":             c.LogFile,
		"upstream_timeout":     c.UpstreamTimeout.String(),
		"write_timeout":        c.WriteTimeout.String(),
		"retry_attempts":       c.RetryAttempts,
		"rate_limit":           c.RateLimit,
		"block_cache_size":     c.BlockCacheSize,
		"head_refresh":         c.HeadRefresh.String(),
		"filter_ttl":           c.FilterTTL.String(),
		"max_filters":          c.MaxFilters,
		"max_log_range":        c.MaxLogRange,
		"allow_nonce_gaps":     c.AllowNonceGaps,
		"gas_price":            c.GasPrice,
		"ws_enabled":           c.WSEnabled,
	}
}
