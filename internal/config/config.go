package config

import (
	"encoding/json"
	"os"
	"path/filepath"
)

// Config is the persistent application configuration
type Config struct {
	// AI Models
	Models ModelConfig `json:"models"`

	// Scraping behavior
	Scrape ScrapeConfig `json:"scrape"`

	// Leaderboard behavior
	Leaderboard LeaderboardConfig `json:"leaderboard"`

	// Database location; empty means the default under the data dir
	DatabasePath string `json:"database_path,omitempty"`
}

// ModelConfig holds AI model settings
type ModelConfig struct {
	Grok   ModelSettings `json:"grok"`
	Claude ModelSettings `json:"claude"`
}

// ModelSettings for a single AI provider
type ModelSettings struct {
	Enabled  bool   `json:"enabled"`
	APIKey   string `json:"api_key,omitempty"`
	Endpoint string `json:"endpoint,omitempty"`
	Model    string `json:"model,omitempty"`
}

// ScrapeConfig holds retrieval settings
type ScrapeConfig struct {
	QueryTimeoutSec int `json:"query_timeout_sec"`
	DefaultMinViews int `json:"default_min_views"`
	DefaultMinLikes int `json:"default_min_likes"`
	LockStaleMin    int `json:"lock_stale_min"`
}

// LeaderboardConfig holds ranked-collection settings
type LeaderboardConfig struct {
	Cap          int `json:"cap"`
	RefreshHours int `json:"refresh_hours"`
}

// DefaultConfig returns sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Models: ModelConfig{
			Grok: ModelSettings{
				Enabled: true,
				Model:   "grok-4-1-fast-non-reasoning",
			},
			Claude: ModelSettings{
				Enabled: true,
				Model:   "claude-sonnet-4-5-20250929",
			},
		},
		Scrape: ScrapeConfig{
			QueryTimeoutSec: 180,
			DefaultMinViews: 0,
			DefaultMinLikes: 0,
			LockStaleMin:    10,
		},
		Leaderboard: LeaderboardConfig{
			Cap:          200,
			RefreshHours: 24,
		},
	}
}

// DataDir returns the application data directory
func DataDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".crest")
}

// ConfigPath returns the path to the config file
func ConfigPath() string {
	return filepath.Join(DataDir(), "config.json")
}

// Load reads config from disk, or returns defaults
func Load() (*Config, error) {
	path := ConfigPath()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg := DefaultConfig()
			cfg.AutoPopulateFromEnv()
			return cfg, nil
		}
		return nil, err
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return DefaultConfig(), nil
	}

	cfg.AutoPopulateFromEnv()
	return &cfg, nil
}

// Save writes config to disk
func (c *Config) Save() error {
	path := ConfigPath()

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600) // Restrictive permissions for API keys
}

// AutoPopulateFromEnv fills in API keys from environment variables
func (c *Config) AutoPopulateFromEnv() {
	if c.Models.Grok.APIKey == "" {
		if key := os.Getenv("XAI_API_KEY"); key != "" {
			c.Models.Grok.APIKey = key
			c.Models.Grok.Enabled = true
		}
	}
	if c.Models.Claude.APIKey == "" {
		if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
			c.Models.Claude.APIKey = key
			c.Models.Claude.Enabled = true
		}
	}
}
