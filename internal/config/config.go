package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// Config represents runtime configuration for the engine.
type Config struct {
	BasicConfig BasicConfig               `json:"basic_config"`
	Databases   map[string]DatabaseConfig `json:"databases"`
	Redis       RedisConfig               `json:"redis"`
	Providers   map[string]ProviderConfig `json:"providers"`
	Limits      LimitsConfig              `json:"limits"`
	Features    FeaturesConfig            `json:"features"`
}

type BasicConfig struct {
	ServerAddress   string `json:"server_address"`
	DefaultTenantID int64  `json:"default_tenant_id"`
	DefaultProvider string `json:"default_provider"`
	InternalToken   string `json:"internal_token"`
	LogFile         string `json:"log_file"`
	LogLevel        string `json:"log_level"`
	MaxWorkers      int    `json:"max_workers"`
	QueueSize       int    `json:"queue_size"`
}

type DatabaseConfig struct {
	DSN      string `json:"dsn"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	DBName   string `json:"db_name"`
	Params   string `json:"params"`
}

type RedisConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

type ProviderConfig struct {
	BaseURL string `json:"base_url"`
	Model   string `json:"model"`
	APIKey  string `json:"api_key"`
	// Priority orders the fallback chain; lower tries first.
	Priority int `json:"priority"`
	// PricePer1KIn/Out override the built-in pricing table, $/1K tokens.
	PricePer1KIn  float64 `json:"price_per_1k_in"`
	PricePer1KOut float64 `json:"price_per_1k_out"`
}

type LimitsConfig struct {
	DailyCap   int `json:"daily_cap"`
	MonthlyCap int `json:"monthly_cap"`
}

type FeaturesConfig struct {
	Assistant  bool `json:"assistant"`
	Generation bool `json:"generation"`
}

// Load reads configuration from the provided path (defaults to config.json).
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.json"
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	file, err := os.Open(absPath)
	if err != nil {
		return nil, fmt.Errorf("open config %s: %w", absPath, err)
	}
	defer file.Close()

	var cfg Config
	if err := json.NewDecoder(file).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	cfg.ApplyDefaults()
	return &cfg, nil
}

// ApplyDefaults fills zero-valued settings with their documented defaults.
func (c *Config) ApplyDefaults() {
	if c.BasicConfig.DefaultTenantID <= 0 {
		c.BasicConfig.DefaultTenantID = 1
	}
	if c.Limits.DailyCap <= 0 {
		c.Limits.DailyCap = 50
	}
	if c.Limits.MonthlyCap <= 0 {
		c.Limits.MonthlyCap = 500
	}
	if c.BasicConfig.DefaultProvider == "" {
		if ids := c.ProviderOrder(); len(ids) > 0 {
			c.BasicConfig.DefaultProvider = ids[0]
		}
	}
}

// ProviderOrder returns configured provider ids sorted by priority, ties
// broken alphabetically so the fallback chain is deterministic.
func (c *Config) ProviderOrder() []string {
	ids := make([]string, 0, len(c.Providers))
	for id := range c.Providers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		pi, pj := c.Providers[ids[i]].Priority, c.Providers[ids[j]].Priority
		if pi != pj {
			return pi < pj
		}
		return ids[i] < ids[j]
	})
	return ids
}
