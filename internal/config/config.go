// Package config loads arbor configuration from YAML files and ARBOR_*
// environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config contains all arbor settings.
type Config struct {
	Server   ServerConfig   `json:"server" yaml:"server"`
	Store    StoreConfig    `json:"store" yaml:"store"`
	Catalog  CatalogConfig  `json:"catalog" yaml:"catalog"`
	Engine   EngineConfig   `json:"engine" yaml:"engine"`
	Pipeline PipelineConfig `json:"pipeline" yaml:"pipeline"`
	Logging  LoggingConfig  `json:"logging" yaml:"logging"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	Addr string `json:"addr" yaml:"addr"`
	// MetricsAddr serves /metrics on a separate listener. Empty mounts it on Addr.
	MetricsAddr string `json:"metrics_addr" yaml:"metrics_addr"`
}

// StoreConfig selects the plan and universe backends.
type StoreConfig struct {
	// Backend holds plans: "memory", "redis" or "file".
	Backend string `json:"backend" yaml:"backend"`
	// Universe holds the universe map: "memory", "redis" or "sqlite".
	Universe string      `json:"universe" yaml:"universe"`
	Redis    RedisConfig `json:"redis" yaml:"redis"`
	File     FileConfig  `json:"file" yaml:"file"`
	SQLite   SQLConfig   `json:"sqlite" yaml:"sqlite"`
}

type RedisConfig struct {
	Addr     string        `json:"addr" yaml:"addr"`
	Password string        `json:"-" yaml:"password"`
	DB       int           `json:"db" yaml:"db"`
	Prefix   string        `json:"prefix" yaml:"prefix"`
	TTL      time.Duration `json:"ttl" yaml:"ttl"`
}

type FileConfig struct {
	Dir string `json:"dir" yaml:"dir"`
}

type SQLConfig struct {
	Path string `json:"path" yaml:"path"`
}

// CatalogConfig selects where personas and action catalogs come from.
type CatalogConfig struct {
	// Source is "memory", "file" or "loam".
	Source string `json:"source" yaml:"source"`
	Dir    string `json:"dir" yaml:"dir"`
}

// EngineConfig tunes plan execution.
type EngineConfig struct {
	WatchdogBudget time.Duration `json:"watchdog_budget" yaml:"watchdog_budget"`
	// Aggregation is the sibling probability policy used by branch.
	Aggregation   string `json:"aggregation" yaml:"aggregation"`
	MaxExpansions int    `json:"max_expansions" yaml:"max_expansions"`
	InterimEvery  int    `json:"interim_every" yaml:"interim_every"`
	Seed          uint64 `json:"seed" yaml:"seed"`
}

// PipelineConfig configures the execution pipeline used by auto-run branches.
type PipelineConfig struct {
	// URL receives a POST per branched node.
	URL string `json:"url" yaml:"url"`
	// Command runs once per branched node. Mutually exclusive with URL.
	// With neither set, auto-run submission is disabled.
	Command string        `json:"command" yaml:"command"`
	Args    []string      `json:"args" yaml:"args"`
	Timeout time.Duration `json:"timeout" yaml:"timeout"`
}

type LoggingConfig struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Addr: ":8080", MetricsAddr: ":2112"},
		Store: StoreConfig{
			Backend:  "memory",
			Universe: "memory",
			Redis:    RedisConfig{Addr: "localhost:6379", Prefix: "arbor:"},
			File:     FileConfig{Dir: "data/plans"},
			SQLite:   SQLConfig{Path: "data/universe.db"},
		},
		Catalog: CatalogConfig{Source: "file", Dir: "catalog"},
		Engine: EngineConfig{
			WatchdogBudget: 2 * time.Minute,
			Aggregation:    "renormalized",
			MaxExpansions:  200000,
			InterimEvery:   25,
		},
		Pipeline: PipelineConfig{Timeout: 5 * time.Second},
		Logging:  LoggingConfig{Level: "info", Format: "text"},
	}
}

// Load reads path when it is not empty, then applies environment overrides.
// Order: defaults -> file -> environment.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		fileCfg, err := LoadFromFile(path)
		if err != nil {
			return nil, err
		}
		cfg = fileCfg
	}
	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromFile loads configuration from a YAML file on top of the defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	cfg.Store.Redis.Password = os.Expand(cfg.Store.Redis.Password, os.Getenv)
	return cfg, nil
}

var (
	planBackends     = []string{"memory", "redis", "file"}
	universeBackends = []string{"memory", "redis", "sqlite"}
	catalogSources   = []string{"memory", "file", "loam"}
	aggregations     = []string{"renormalized", "mean", "median", "weighted", "own"}
	levels           = []string{"debug", "info", "warn", "error"}
	formats          = []string{"text", "json"}
)

// Validate rejects unknown enum values and negative budgets.
func (c *Config) Validate() error {
	checks := []struct {
		field, value string
		valid        []string
	}{
		{"store.backend", c.Store.Backend, planBackends},
		{"store.universe", c.Store.Universe, universeBackends},
		{"catalog.source", c.Catalog.Source, catalogSources},
		{"engine.aggregation", c.Engine.Aggregation, aggregations},
		{"logging.level", c.Logging.Level, levels},
		{"logging.format", c.Logging.Format, formats},
	}
	for _, chk := range checks {
		if !contains(chk.valid, chk.value) {
			return fmt.Errorf("invalid %s: %q (valid: %s)", chk.field, chk.value, strings.Join(chk.valid, ", "))
		}
	}
	if c.Engine.WatchdogBudget < 0 {
		return fmt.Errorf("engine.watchdog_budget must be non-negative, got %v", c.Engine.WatchdogBudget)
	}
	if c.Engine.MaxExpansions <= 0 {
		return fmt.Errorf("engine.max_expansions must be positive, got %d", c.Engine.MaxExpansions)
	}
	if c.Engine.InterimEvery <= 0 {
		return fmt.Errorf("engine.interim_every must be positive, got %d", c.Engine.InterimEvery)
	}
	if c.Pipeline.Timeout < 0 {
		return fmt.Errorf("pipeline.timeout must be non-negative, got %v", c.Pipeline.Timeout)
	}
	if c.Pipeline.URL != "" && c.Pipeline.Command != "" {
		return fmt.Errorf("pipeline.url and pipeline.command are mutually exclusive")
	}
	if c.Catalog.Source != "memory" && c.Catalog.Dir == "" {
		return fmt.Errorf("catalog.dir is required for source %q", c.Catalog.Source)
	}
	return nil
}

func contains(values []string, v string) bool {
	for _, x := range values {
		if x == v {
			return true
		}
	}
	return false
}

// applyEnvOverrides applies ARBOR_* environment variables.
func applyEnvOverrides(c *Config) error {
	strs := map[string]*string{
		"ARBOR_ADDR":           &c.Server.Addr,
		"ARBOR_METRICS_ADDR":   &c.Server.MetricsAddr,
		"ARBOR_STORE":          &c.Store.Backend,
		"ARBOR_UNIVERSE":       &c.Store.Universe,
		"ARBOR_REDIS_ADDR":     &c.Store.Redis.Addr,
		"ARBOR_REDIS_PASSWORD": &c.Store.Redis.Password,
		"ARBOR_REDIS_PREFIX":   &c.Store.Redis.Prefix,
		"ARBOR_FILE_DIR":       &c.Store.File.Dir,
		"ARBOR_SQLITE_PATH":    &c.Store.SQLite.Path,
		"ARBOR_CATALOG_SOURCE": &c.Catalog.Source,
		"ARBOR_CATALOG_DIR":    &c.Catalog.Dir,
		"ARBOR_AGGREGATION":    &c.Engine.Aggregation,
		"ARBOR_PIPELINE_URL":   &c.Pipeline.URL,
		"ARBOR_PIPELINE_CMD":   &c.Pipeline.Command,
		"ARBOR_LOG_LEVEL":      &c.Logging.Level,
		"ARBOR_LOG_FORMAT":     &c.Logging.Format,
	}
	for key, dst := range strs {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}

	durations := map[string]*time.Duration{
		"ARBOR_WATCHDOG_BUDGET":  &c.Engine.WatchdogBudget,
		"ARBOR_PIPELINE_TIMEOUT": &c.Pipeline.Timeout,
		"ARBOR_REDIS_TTL":        &c.Store.Redis.TTL,
	}
	for key, dst := range durations {
		if v := os.Getenv(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			*dst = d
		}
	}

	ints := map[string]*int{
		"ARBOR_REDIS_DB":       &c.Store.Redis.DB,
		"ARBOR_MAX_EXPANSIONS": &c.Engine.MaxExpansions,
		"ARBOR_INTERIM_EVERY":  &c.Engine.InterimEvery,
	}
	for key, dst := range ints {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			*dst = n
		}
	}

	if v := os.Getenv("ARBOR_SEED"); v != "" {
		seed, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return fmt.Errorf("ARBOR_SEED: %w", err)
		}
		c.Engine.Seed = seed
	}
	return nil
}
