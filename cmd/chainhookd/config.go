package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/xraph/chainhook"
)

const envPrefix = "CHAINHOOK_"

type Config struct {
	Log      LogConfig      `yaml:"log"`
	Server   ServerConfig   `yaml:"server"`
	Store    StoreConfig    `yaml:"store"`
	RPC      RPCConfig      `yaml:"rpc"`
	Pipeline PipelineConfig `yaml:"pipeline"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type StoreConfig struct {
	// Driver is "memory" or "postgres".
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

type RPCConfig struct {
	URL         string        `yaml:"url"`
	ContractIDs []string      `yaml:"contract_ids"`
	RPS         float64       `yaml:"rps"`
	Burst       int           `yaml:"burst"`
	Timeout     time.Duration `yaml:"timeout"`
}

type PipelineConfig struct {
	PollInterval    time.Duration `yaml:"poll_interval"`
	Concurrency     int           `yaml:"concurrency"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	MaxAttempts     int           `yaml:"max_attempts"`
	BaseBackoff     time.Duration `yaml:"base_backoff"`
	RateLimit       int           `yaml:"rate_limit"`
	RateWindow      time.Duration `yaml:"rate_window"`
	SequenceTimeout time.Duration `yaml:"sequence_timeout"`
	CacheTTL        time.Duration `yaml:"cache_ttl"`
	StartLedger     int64         `yaml:"start_ledger"`
	CursorName      string        `yaml:"cursor_name"`
}

func defaultConfig() Config {
	hc := chainhook.DefaultConfig()
	return Config{
		Log:    LogConfig{Level: "info"},
		Server: ServerConfig{Addr: ":8080", ShutdownTimeout: hc.ShutdownTimeout},
		Store:  StoreConfig{Driver: "memory"},
		RPC:    RPCConfig{RPS: 5, Burst: 1, Timeout: 30 * time.Second},
		Pipeline: PipelineConfig{
			PollInterval:    hc.PollInterval,
			Concurrency:     hc.Concurrency,
			RequestTimeout:  hc.RequestTimeout,
			MaxAttempts:     hc.MaxAttempts,
			BaseBackoff:     hc.BaseBackoff,
			RateLimit:       hc.RateLimit,
			RateWindow:      hc.RateWindow,
			SequenceTimeout: hc.SequenceTimeout,
			CacheTTL:        hc.CacheTTL,
			CursorName:      hc.CursorName,
		},
	}
}

// loadConfig reads path (if non-empty) over the defaults, then applies
// CHAINHOOK_* environment overrides.
func loadConfig(path string, lookup func(string) (string, bool)) (Config, error) {
	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	env := envReader{lookup: lookup}
	env.str("LOG_LEVEL", &cfg.Log.Level)
	env.str("SERVER_ADDR", &cfg.Server.Addr)
	env.duration("SERVER_SHUTDOWN_TIMEOUT", &cfg.Server.ShutdownTimeout)
	env.str("STORE_DRIVER", &cfg.Store.Driver)
	env.str("STORE_DSN", &cfg.Store.DSN)
	env.str("RPC_URL", &cfg.RPC.URL)
	env.list("RPC_CONTRACT_IDS", &cfg.RPC.ContractIDs)
	env.float("RPC_RPS", &cfg.RPC.RPS)
	env.integer("RPC_BURST", &cfg.RPC.Burst)
	env.duration("RPC_TIMEOUT", &cfg.RPC.Timeout)
	env.duration("POLL_INTERVAL", &cfg.Pipeline.PollInterval)
	env.integer("CONCURRENCY", &cfg.Pipeline.Concurrency)
	env.duration("REQUEST_TIMEOUT", &cfg.Pipeline.RequestTimeout)
	env.integer("MAX_ATTEMPTS", &cfg.Pipeline.MaxAttempts)
	env.duration("BASE_BACKOFF", &cfg.Pipeline.BaseBackoff)
	env.integer("RATE_LIMIT", &cfg.Pipeline.RateLimit)
	env.duration("RATE_WINDOW", &cfg.Pipeline.RateWindow)
	env.duration("SEQUENCE_TIMEOUT", &cfg.Pipeline.SequenceTimeout)
	env.duration("CACHE_TTL", &cfg.Pipeline.CacheTTL)
	env.int64("START_LEDGER", &cfg.Pipeline.StartLedger)
	env.str("CURSOR_NAME", &cfg.Pipeline.CursorName)
	if env.err != nil {
		return cfg, env.err
	}

	return cfg, cfg.validate()
}

func (c Config) validate() error {
	switch {
	case c.RPC.URL == "":
		return errors.New("rpc.url is required")
	case c.Store.Driver != "memory" && c.Store.Driver != "postgres":
		return fmt.Errorf("store.driver %q: must be memory or postgres", c.Store.Driver)
	case c.Store.Driver == "postgres" && c.Store.DSN == "":
		return errors.New("store.dsn is required for the postgres driver")
	}
	_, err := c.Log.slogLevel()
	return err
}

func (c LogConfig) slogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Level)); err != nil {
		return level, fmt.Errorf("log.level: %w", err)
	}
	return level, nil
}

// options converts the pipeline section into Hook options.
func (c PipelineConfig) options() []chainhook.Option {
	return []chainhook.Option{
		chainhook.WithPollInterval(c.PollInterval),
		chainhook.WithConcurrency(c.Concurrency),
		chainhook.WithRequestTimeout(c.RequestTimeout),
		chainhook.WithMaxAttempts(c.MaxAttempts),
		chainhook.WithBaseBackoff(c.BaseBackoff),
		chainhook.WithRateLimit(c.RateLimit, c.RateWindow),
		chainhook.WithSequenceTimeout(c.SequenceTimeout),
		chainhook.WithCacheTTL(c.CacheTTL),
		chainhook.WithStartLedger(c.StartLedger),
		chainhook.WithCursorName(c.CursorName),
	}
}

// envReader overlays CHAINHOOK_* variables, keeping the first parse error.
type envReader struct {
	lookup func(string) (string, bool)
	err    error
}

func (e *envReader) get(key string) (string, bool) {
	v, ok := e.lookup(envPrefix + key)
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}

func (e *envReader) fail(key string, err error) {
	if e.err == nil {
		e.err = fmt.Errorf("%s%s: %w", envPrefix, key, err)
	}
}

func (e *envReader) str(key string, dst *string) {
	if v, ok := e.get(key); ok {
		*dst = v
	}
}

func (e *envReader) list(key string, dst *[]string) {
	v, ok := e.get(key)
	if !ok {
		return
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	*dst = out
}

func (e *envReader) integer(key string, dst *int) {
	if v, ok := e.get(key); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			e.fail(key, err)
			return
		}
		*dst = n
	}
}

func (e *envReader) int64(key string, dst *int64) {
	if v, ok := e.get(key); ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			e.fail(key, err)
			return
		}
		*dst = n
	}
}

func (e *envReader) float(key string, dst *float64) {
	if v, ok := e.get(key); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			e.fail(key, err)
			return
		}
		*dst = f
	}
}

func (e *envReader) duration(key string, dst *time.Duration) {
	if v, ok := e.get(key); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			e.fail(key, err)
			return
		}
		*dst = d
	}
}
