// Package config handles configuration loading for the atlas server.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the server configuration.
type Config struct {
	Server  ServerConfig      `yaml:"server"`
	Data    DataConfig        `yaml:"data"`
	Cache   CacheConfig       `yaml:"cache"`
	Render  RenderConfig      `yaml:"render"`
	Relay   RelayConfig       `yaml:"relay"`
	Volume  VolumeConfig      `yaml:"volume"`
	Session SessionConfig     `yaml:"session"`
	Aliases map[string]string `yaml:"aliases"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port        int      `yaml:"port"`
	CORSOrigins []string `yaml:"cors_origins"`
	// PublicURL is the viewer URL share links are built on.
	PublicURL string `yaml:"public_url"`
}

// DataConfig contains data source settings. When LocalDir is set the atlas
// files are read from disk instead of the remote hosts.
type DataConfig struct {
	BaseURL        string   `yaml:"base_url"`
	DataURL        string   `yaml:"data_url"`
	LocalDir       string   `yaml:"local_dir"`
	StorePath      string   `yaml:"store_path"`
	DefaultBuckets []string `yaml:"default_buckets"`
	Concurrency    int      `yaml:"concurrency"`
}

// CacheConfig contains caching settings.
type CacheConfig struct {
	RasterSizeMB      int `yaml:"raster_size_mb"`
	RasterTTLMinutes  int `yaml:"raster_ttl_minutes"`
	DocumentCacheSize int `yaml:"document_cache_size"`
	RequestCacheSize  int `yaml:"request_cache_size"`
}

// RasterTTL returns the raster cache lifetime.
func (c CacheConfig) RasterTTL() time.Duration {
	return time.Duration(c.RasterTTLMinutes) * time.Minute
}

// RenderConfig contains rendering settings.
type RenderConfig struct {
	ColorbarWidth  int     `yaml:"colorbar_width"`
	ColorbarHeight int     `yaml:"colorbar_height"`
	PlotWidth      int     `yaml:"plot_width"`
	PlotHeight     int     `yaml:"plot_height"`
	Sigma          float64 `yaml:"sigma"`
}

// RelayConfig contains the websocket relay settings.
type RelayConfig struct {
	Enabled           bool   `yaml:"enabled"`
	URL               string `yaml:"url"`
	MaxBackoffSeconds int    `yaml:"max_backoff_seconds"`
}

// VolumeConfig contains the canonical volume size (coronal, horizontal,
// sagittal).
type VolumeConfig struct {
	Canonical [3]int `yaml:"canonical"`
}

// SessionConfig bounds the number of live viewer sessions.
type SessionConfig struct {
	MaxSessions int `yaml:"max_sessions"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		// Return default config if file doesn't exist
		return DefaultConfig(), nil
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	// Apply defaults for missing values
	applyDefaults(&cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:        8080,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
			PublicURL:   "http://localhost:8080/",
		},
		Data: DataConfig{
			BaseURL:        "https://features.internationalbrainlab.org",
			DataURL:        "https://atlas2.internationalbrainlab.org",
			StorePath:      "./data/atlas.db",
			DefaultBuckets: []string{"ephys", "bwm"},
			Concurrency:    4,
		},
		Cache: CacheConfig{
			RasterSizeMB:      256,
			RasterTTLMinutes:  10,
			DocumentCacheSize: 1024,
			RequestCacheSize:  256,
		},
		Render: RenderConfig{
			ColorbarWidth:  500,
			ColorbarHeight: 20,
			PlotWidth:      640,
			PlotHeight:     360,
			Sigma:          1.0,
		},
		Relay: RelayConfig{
			URL:               "ws://localhost:8765",
			MaxBackoffSeconds: 60,
		},
		Volume: VolumeConfig{
			Canonical: [3]int{528, 320, 456},
		},
		Session: SessionConfig{
			MaxSessions: 1000,
		},
	}
}

func applyDefaults(cfg *Config) {
	defaults := DefaultConfig()

	if cfg.Server.Port == 0 {
		cfg.Server.Port = defaults.Server.Port
	}
	if len(cfg.Server.CORSOrigins) == 0 {
		cfg.Server.CORSOrigins = defaults.Server.CORSOrigins
	}
	if cfg.Server.PublicURL == "" {
		cfg.Server.PublicURL = defaults.Server.PublicURL
	}
	if cfg.Data.BaseURL == "" {
		cfg.Data.BaseURL = defaults.Data.BaseURL
	}
	if cfg.Data.DataURL == "" {
		cfg.Data.DataURL = defaults.Data.DataURL
	}
	if cfg.Data.StorePath == "" {
		cfg.Data.StorePath = defaults.Data.StorePath
	}
	if cfg.Data.DefaultBuckets == nil {
		cfg.Data.DefaultBuckets = defaults.Data.DefaultBuckets
	}
	if cfg.Data.Concurrency == 0 {
		cfg.Data.Concurrency = defaults.Data.Concurrency
	}
	if cfg.Cache.RasterSizeMB == 0 {
		cfg.Cache.RasterSizeMB = defaults.Cache.RasterSizeMB
	}
	if cfg.Cache.RasterTTLMinutes == 0 {
		cfg.Cache.RasterTTLMinutes = defaults.Cache.RasterTTLMinutes
	}
	if cfg.Cache.DocumentCacheSize == 0 {
		cfg.Cache.DocumentCacheSize = defaults.Cache.DocumentCacheSize
	}
	if cfg.Cache.RequestCacheSize == 0 {
		cfg.Cache.RequestCacheSize = defaults.Cache.RequestCacheSize
	}
	if cfg.Render.ColorbarWidth == 0 {
		cfg.Render.ColorbarWidth = defaults.Render.ColorbarWidth
	}
	if cfg.Render.ColorbarHeight == 0 {
		cfg.Render.ColorbarHeight = defaults.Render.ColorbarHeight
	}
	if cfg.Render.PlotWidth == 0 {
		cfg.Render.PlotWidth = defaults.Render.PlotWidth
	}
	if cfg.Render.PlotHeight == 0 {
		cfg.Render.PlotHeight = defaults.Render.PlotHeight
	}
	if cfg.Render.Sigma == 0 {
		cfg.Render.Sigma = defaults.Render.Sigma
	}
	if cfg.Relay.URL == "" {
		cfg.Relay.URL = defaults.Relay.URL
	}
	if cfg.Relay.MaxBackoffSeconds == 0 {
		cfg.Relay.MaxBackoffSeconds = defaults.Relay.MaxBackoffSeconds
	}
	if cfg.Volume.Canonical == ([3]int{}) {
		cfg.Volume.Canonical = defaults.Volume.Canonical
	}
	if cfg.Session.MaxSessions == 0 {
		cfg.Session.MaxSessions = defaults.Session.MaxSessions
	}
}

func (c *Config) validate() error {
	for i, d := range c.Volume.Canonical {
		if d <= 0 {
			return fmt.Errorf("volume.canonical[%d] must be positive, got %d", i, d)
		}
	}
	if c.Render.Sigma < 0 {
		return fmt.Errorf("render.sigma must not be negative")
	}
	return nil
}
