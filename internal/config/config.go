// Package config loads and validates the probe settings from a config file,
// environment variables and .env, and hands the core immutable values. All
// validation happens here, before anything touches the network.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/snapetech/stalkerprobe/internal/identity"
)

// EnvPrefix is the prefix for environment overrides, e.g.
// STALKER_PROBE_PORTAL_URL.
const EnvPrefix = "STALKER_PROBE"

// RateLimit is the batch pacing policy surface.
type RateLimit struct {
	MinDelay    time.Duration `mapstructure:"min_delay" json:"min_delay"`
	BackoffBase time.Duration `mapstructure:"backoff_base" json:"backoff_base"`
	BackoffCap  time.Duration `mapstructure:"backoff_cap" json:"backoff_cap"`
	MaxRetries  int           `mapstructure:"max_retries" json:"max_retries"`
}

// Config is the full settings surface consumed by the CLI.
type Config struct {
	PortalURL string `mapstructure:"portal_url" json:"portal_url"`
	// MAC is the single-device identity; MACFile lists many for batch runs.
	MAC      string `mapstructure:"mac_address" json:"mac_address"`
	MACFile  string `mapstructure:"mac_file" json:"mac_file,omitempty"`
	Timezone string `mapstructure:"timezone" json:"timezone"`
	// APIPath pins the endpoint path and skips resolution when set.
	APIPath string `mapstructure:"api_path" json:"api_path,omitempty"`

	Timeout     time.Duration `mapstructure:"timeout" json:"timeout"`
	RateLimit   RateLimit     `mapstructure:"rate_limit" json:"rate_limit"`
	StorePath   string        `mapstructure:"store_path" json:"store_path"`
	MetricsAddr string        `mapstructure:"metrics_addr" json:"metrics_addr,omitempty"`
	LogLevel    string        `mapstructure:"log_level" json:"log_level"`
}

// Load reads configuration from the optional file at path (JSON or YAML,
// discovered as ./stalker-probe.{json,yaml} when path is empty) layered
// under STALKER_PROBE_* environment variables. A .env file in the working
// directory is loaded first so env overrides work in containers and dev
// shells alike.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	// Every key needs a default registered or AutomaticEnv will not see it
	// during Unmarshal.
	v.SetDefault("portal_url", "")
	v.SetDefault("mac_address", "")
	v.SetDefault("mac_file", "")
	v.SetDefault("api_path", "")
	v.SetDefault("metrics_addr", "")
	v.SetDefault("timezone", "America/New_York")
	v.SetDefault("timeout", 10*time.Second)
	v.SetDefault("rate_limit.min_delay", time.Second)
	v.SetDefault("rate_limit.backoff_base", time.Second)
	v.SetDefault("rate_limit.backoff_cap", 30*time.Second)
	v.SetDefault("rate_limit.max_retries", 5)
	v.SetDefault("store_path", "stalker-probe.db")
	v.SetDefault("log_level", "info")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("stalker-probe")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
			// No file is fine; env and flags carry the settings.
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return &cfg, nil
}

// Validate checks everything that must hold before the core runs. The MAC is
// normalized in place so downstream consumers always see canonical form.
func (c *Config) Validate() error {
	u, err := url.Parse(strings.TrimSpace(c.PortalURL))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("portal_url %q: need an absolute http(s) URL", c.PortalURL)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("portal_url %q: unsupported scheme %q", c.PortalURL, u.Scheme)
	}
	if c.MAC != "" {
		canonical, err := identity.NormalizeMAC(c.MAC)
		if err != nil {
			return err
		}
		c.MAC = canonical
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive, got %v", c.Timeout)
	}
	rl := c.RateLimit
	if rl.MinDelay < 0 || rl.BackoffBase <= 0 || rl.BackoffCap < rl.BackoffBase || rl.MaxRetries < 0 {
		return fmt.Errorf("rate_limit: min_delay=%v backoff_base=%v backoff_cap=%v max_retries=%d is not a valid policy",
			rl.MinDelay, rl.BackoffBase, rl.BackoffCap, rl.MaxRetries)
	}
	return nil
}

// Save writes the active settings back to path as JSON via a temp file and
// rename, so a crash never truncates an existing config.
func (c *Config) Save(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	dir := filepath.Dir(filepath.Clean(path))
	tmp, err := os.CreateTemp(dir, ".stalker-probe-*.json.tmp")
	if err != nil {
		return fmt.Errorf("config: create temp: %w", err)
	}
	tmpName := tmp.Name()
	_, writeErr := tmp.Write(data)
	closeErr := tmp.Close()
	if writeErr != nil || closeErr != nil {
		os.Remove(tmpName)
		if writeErr != nil {
			return fmt.Errorf("config: write: %w", writeErr)
		}
		return fmt.Errorf("config: close: %w", closeErr)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("config: rename: %w", err)
	}
	return nil
}
