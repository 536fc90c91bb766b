// Package config builds the process configuration once at startup: stock
// defaults, then an optional YAML file, then a .env file, then environment
// variables. The result is validated and handed to constructors as plain
// sub-structs.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/atmx/exec-engine/internal/engine"
	"github.com/atmx/exec-engine/internal/errs"
	"github.com/atmx/exec-engine/internal/exchange"
	"github.com/atmx/exec-engine/internal/execution"
	"github.com/atmx/exec-engine/internal/lifecycle"
	"github.com/atmx/exec-engine/internal/pair"
	"github.com/atmx/exec-engine/internal/strategy"
)

// ServerConfig is the admin HTTP listener.
type ServerConfig struct {
	Port string `yaml:"port"`
}

// LoggingConfig controls the slog handler.
type LoggingConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
}

// StoreConfig selects the persistence backend. DatabaseURL wins over
// StateFile; with neither the book lives in memory.
type StoreConfig struct {
	DatabaseURL string        `yaml:"database_url"`
	RedisURL    string        `yaml:"redis_url"`
	CacheTTL    time.Duration `yaml:"cache_ttl"`
	CachePrefix string        `yaml:"cache_prefix"`
	StateFile   string        `yaml:"state_file"`
}

// ExposureConfig holds the correlated-group limits. The per-symbol weight
// and the position cap live in the engine config.
type ExposureConfig struct {
	MaxCorrelatedWeight decimal.Decimal `yaml:"max_correlated_weight"`
	// GroupOverrides maps a base asset to a wider group, e.g. ETH: L1.
	GroupOverrides map[string]string `yaml:"group_overrides"`
}

// Config is the whole process configuration.
type Config struct {
	Server    ServerConfig             `yaml:"server"`
	Logging   LoggingConfig            `yaml:"logging"`
	Store     StoreConfig              `yaml:"store"`
	Binance   exchange.BinanceConfig   `yaml:"binance"`
	Simulated exchange.SimulatedConfig `yaml:"simulated"`
	Execution execution.Config         `yaml:"execution"`
	Engine    engine.Config            `yaml:"engine"`
	Lifecycle lifecycle.Config         `yaml:"lifecycle"`
	Exposure  ExposureConfig           `yaml:"exposure"`

	Strategy    string   `yaml:"strategy"`
	KillSwitch  bool     `yaml:"kill_switch"`
	QuoteAssets []string `yaml:"quote_assets"`
}

// Default returns a simulated-mode configuration trading BTCUSDT.
func Default() Config {
	return Config{
		Server:  ServerConfig{Port: "8080"},
		Logging: LoggingConfig{Level: "info"},
		Store: StoreConfig{
			CacheTTL:    30 * time.Second,
			CachePrefix: "exec",
		},
		Binance:   exchange.DefaultBinanceConfig(),
		Simulated: exchange.DefaultSimulatedConfig(),
		Execution: execution.DefaultConfig(),
		Engine:    engine.DefaultConfig(),
		Lifecycle: lifecycle.DefaultConfig(),
		Exposure: ExposureConfig{
			MaxCorrelatedWeight: decimal.RequireFromString("0.4"),
		},
		Strategy: strategy.ManualName,
	}
}

// Load builds the configuration. path may be empty, in which case
// CONFIG_PATH is consulted; a missing .env file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnv overrides file values with environment variables. Secrets are
// only ever read from the environment.
func (c *Config) applyEnv() error {
	setString(&c.Server.Port, "PORT")
	setString(&c.Logging.Level, "LOG_LEVEL")
	setString(&c.Store.DatabaseURL, "DATABASE_URL")
	setString(&c.Store.RedisURL, "REDIS_URL")
	setString(&c.Store.StateFile, "STATE_FILE")
	setString(&c.Binance.APIKey, "BINANCE_API_KEY")
	setString(&c.Binance.SecretKey, "BINANCE_SECRET_KEY")
	setString(&c.Strategy, "STRATEGY")

	if v, ok := lookup("TRADING_MODE", "ORDER_EXECUTION"); ok {
		c.Execution.Mode = strings.ToUpper(v)
	}
	if v, ok := lookup("TRADING_SYMBOLS", "SYMBOLS"); ok {
		c.Engine.Symbols = splitList(v)
	}
	if v, ok := lookup("QUOTE_ASSETS"); ok {
		c.QuoteAssets = splitList(v)
	}

	if v, ok := lookup("BINANCE_TESTNET"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return envError("BINANCE_TESTNET", v, err)
		}
		c.Binance.Testnet = b
	}
	if v, ok := lookup("KILL_SWITCH", "ORDER_KILL_SWITCH"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return envError("KILL_SWITCH", v, err)
		}
		c.KillSwitch = b
	}
	if v, ok := lookup("MAX_SLIPPAGE_BPS"); ok {
		bps, err := decimal.NewFromString(v)
		if err != nil {
			return envError("MAX_SLIPPAGE_BPS", v, err)
		}
		c.Execution.MaxSlippageBps = bps
	}
	if v, ok := lookup("ORDER_TIMEOUT_SEC"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return envError("ORDER_TIMEOUT_SEC", v, err)
		}
		c.Execution.OrderTimeout = time.Duration(n) * time.Second
	}
	if v, ok := lookup("ORDER_RETRY"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return envError("ORDER_RETRY", v, err)
		}
		c.Execution.OrderRetry = n
	}
	return nil
}

// Validate rejects configurations the process cannot start with.
func (c *Config) Validate() error {
	if err := c.Execution.Validate(); err != nil {
		return err
	}
	if err := c.Engine.Validate(); err != nil {
		return err
	}
	if c.Server.Port == "" {
		return &errs.ConfigurationError{Field: "server.port", Msg: "required"}
	}
	if _, err := c.SlogLevel(); err != nil {
		return &errs.ConfigurationError{Field: "logging.level", Msg: err.Error(), Err: err}
	}
	if strings.TrimSpace(c.Strategy) == "" {
		return &errs.ConfigurationError{Field: "strategy", Msg: "required"}
	}

	parser := c.Pairs()
	for _, s := range c.Engine.Symbols {
		p, err := parser.Parse(s)
		if err != nil {
			return &errs.ConfigurationError{Field: "engine.symbols", Msg: err.Error(), Err: err}
		}
		if p.Quote != c.Engine.QuoteAsset {
			return &errs.ConfigurationError{
				Field: "engine.symbols",
				Msg:   fmt.Sprintf("%s is quoted in %s, engine trades against %s", s, p.Quote, c.Engine.QuoteAsset),
			}
		}
	}

	if c.Execution.Live() && (c.Binance.APIKey == "" || c.Binance.SecretKey == "") {
		return &errs.ConfigurationError{Field: "binance", Msg: "BINANCE_API_KEY and BINANCE_SECRET_KEY are required in LIVE mode"}
	}
	if c.Store.RedisURL != "" && c.Store.CacheTTL <= 0 {
		return &errs.ConfigurationError{Field: "store.cache_ttl", Msg: "must be positive when redis is enabled"}
	}
	if c.Exposure.MaxCorrelatedWeight.IsNegative() {
		return &errs.ConfigurationError{Field: "exposure.max_correlated_weight", Msg: "must be >= 0"}
	}
	return nil
}

// Pairs returns a symbol parser for the configured quote assets.
func (c *Config) Pairs() *pair.Parser {
	return pair.NewParser(c.QuoteAssets)
}

// SlogLevel parses Logging.Level.
func (c *Config) SlogLevel() (slog.Level, error) {
	var lvl slog.Level
	if c.Logging.Level == "" {
		return slog.LevelInfo, nil
	}
	err := lvl.UnmarshalText([]byte(c.Logging.Level))
	return lvl, err
}

func setString(dst *string, key string) {
	if v, ok := lookup(key); ok {
		*dst = v
	}
}

// lookup returns the first non-empty variable among keys.
func lookup(keys ...string) (string, bool) {
	for _, k := range keys {
		if v := strings.TrimSpace(os.Getenv(k)); v != "" {
			return v, true
		}
	}
	return "", false
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.ToUpper(strings.TrimSpace(s)); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func envError(key, value string, err error) error {
	return &errs.ConfigurationError{Field: key, Msg: fmt.Sprintf("invalid value %q", value), Err: err}
}
