// Package config holds the daemon configuration: YAML file merged over
// defaults, with API credentials overridable from the environment so
// secrets can stay out of the file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// SourceConfig configures one intelligence source adapter. A source with
// no API key is disabled (urlscan works keyless at a reduced quota).
type SourceConfig struct {
	Enabled       bool    `yaml:"enabled"`
	APIKey        string  `yaml:"api_key"`
	Weight        float64 `yaml:"weight"`
	RatePerMinute int     `yaml:"rate_per_minute"`
	TimeoutSec    int     `yaml:"timeout_sec"`
	BaseURL       string  `yaml:"base_url"` // override for testing/proxies
}

// Config is the full daemon configuration.
type Config struct {
	Listen      string `yaml:"listen"`
	DBPath      string `yaml:"db_path"`
	LogLevel    string `yaml:"log_level"`
	MaxUploadMB int    `yaml:"max_upload_mb"`

	Sources struct {
		VirusTotal SourceConfig `yaml:"virustotal"`
		AbuseIPDB  SourceConfig `yaml:"abuseipdb"`
		OTX        SourceConfig `yaml:"otx"`
		URLScan    SourceConfig `yaml:"urlscan"`
	} `yaml:"sources"`

	Analysis struct {
		DeadlineSec  int     `yaml:"deadline_sec"`
		MaliciousAt  float64 `yaml:"malicious_at"`
		SuspiciousAt float64 `yaml:"suspicious_at"`
	} `yaml:"analysis"`

	Feeds struct {
		CheckIntervalSec int `yaml:"check_interval_sec"`
		MaxFailStreak    int `yaml:"max_fail_streak"`
		FetchTimeoutSec  int `yaml:"fetch_timeout_sec"`
	} `yaml:"feeds"`

	Sandbox struct {
		QueueCapacity int    `yaml:"queue_capacity"`
		Workers       int    `yaml:"workers"`
		JobTimeoutSec int    `yaml:"job_timeout_sec"`
		Executor      string `yaml:"executor"` // "local" or "cloud"
		Cloud         struct {
			BaseURL  string `yaml:"base_url"`
			APIKey   string `yaml:"api_key"`
			Provider string `yaml:"provider"`
		} `yaml:"cloud"`
	} `yaml:"sandbox"`
}

// Default returns the configuration used when no file is supplied.
func Default() *Config {
	cfg := &Config{
		Listen:      ":8080",
		DBPath:      "data/chimera.db",
		LogLevel:    "info",
		MaxUploadMB: 32,
	}
	cfg.Analysis.DeadlineSec = 30
	cfg.Analysis.MaliciousAt = 70
	cfg.Analysis.SuspiciousAt = 30
	cfg.Feeds.CheckIntervalSec = 15
	cfg.Feeds.MaxFailStreak = 3
	cfg.Feeds.FetchTimeoutSec = 30
	cfg.Sandbox.QueueCapacity = 100
	cfg.Sandbox.Workers = 2
	cfg.Sandbox.JobTimeoutSec = 300
	cfg.Sandbox.Executor = "local"
	cfg.Sources.URLScan.Enabled = true // keyless quota
	return cfg
}

// Load reads a YAML file over the defaults and applies environment
// overrides for credentials.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	return cfg, cfg.Validate()
}

// applyEnv pulls credentials from the environment. A key present in the
// environment enables its source.
func (c *Config) applyEnv() {
	for _, bind := range []struct {
		env string
		src *SourceConfig
	}{
		{"VIRUSTOTAL_API_KEY", &c.Sources.VirusTotal},
		{"ABUSEIPDB_API_KEY", &c.Sources.AbuseIPDB},
		{"OTX_API_KEY", &c.Sources.OTX},
		{"URLSCAN_API_KEY", &c.Sources.URLScan},
	} {
		if v := os.Getenv(bind.env); v != "" {
			bind.src.APIKey = v
			bind.src.Enabled = true
		}
	}
	if v := os.Getenv("CHIMERA_DB"); v != "" {
		c.DBPath = v
	}
	if v := os.Getenv("CHIMERA_LISTEN"); v != "" {
		c.Listen = v
	}
}

// Validate checks values are sane.
func (c *Config) Validate() error {
	if c.DBPath == "" {
		return fmt.Errorf("db_path is required")
	}
	if c.Analysis.DeadlineSec <= 0 {
		return fmt.Errorf("analysis.deadline_sec must be > 0")
	}
	if c.Analysis.SuspiciousAt >= c.Analysis.MaliciousAt {
		return fmt.Errorf("analysis.suspicious_at must be below malicious_at")
	}
	if c.Sandbox.QueueCapacity <= 0 || c.Sandbox.Workers <= 0 {
		return fmt.Errorf("sandbox.queue_capacity and sandbox.workers must be > 0")
	}
	switch c.Sandbox.Executor {
	case "local":
	case "cloud":
		if c.Sandbox.Cloud.BaseURL == "" {
			return fmt.Errorf("sandbox.cloud.base_url is required for the cloud executor")
		}
	default:
		return fmt.Errorf("sandbox.executor must be local or cloud")
	}
	return nil
}

// Deadline returns the analysis deadline as a duration.
func (c *Config) Deadline() time.Duration {
	return time.Duration(c.Analysis.DeadlineSec) * time.Second
}
