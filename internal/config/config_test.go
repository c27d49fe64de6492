package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Timezone != "America/New_York" {
		t.Errorf("timezone = %q", cfg.Timezone)
	}
	if cfg.Timeout != 10*time.Second {
		t.Errorf("timeout = %v", cfg.Timeout)
	}
	if cfg.RateLimit.MinDelay != time.Second || cfg.RateLimit.BackoffBase != time.Second {
		t.Errorf("rate limit defaults = %+v", cfg.RateLimit)
	}
	if cfg.RateLimit.BackoffCap != 30*time.Second || cfg.RateLimit.MaxRetries != 5 {
		t.Errorf("rate limit defaults = %+v", cfg.RateLimit)
	}
	if cfg.StorePath != "stalker-probe.db" {
		t.Errorf("store_path = %q", cfg.StorePath)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("log_level = %q", cfg.LogLevel)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("STALKER_PROBE_PORTAL_URL", "http://env.example.com/c/")
	t.Setenv("STALKER_PROBE_RATE_LIMIT_MAX_RETRIES", "9")
	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.PortalURL != "http://env.example.com/c/" {
		t.Errorf("portal_url = %q", cfg.PortalURL)
	}
	if cfg.RateLimit.MaxRetries != 9 {
		t.Errorf("max_retries = %d, want 9", cfg.RateLimit.MaxRetries)
	}
}

func TestLoadExplicitFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "probe.json")
	body := `{"portal_url":"http://file.example.com","mac_address":"00:1a:79:16:ba:3e","timeout":"5s"}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.PortalURL != "http://file.example.com" {
		t.Errorf("portal_url = %q", cfg.PortalURL)
	}
	if cfg.Timeout != 5*time.Second {
		t.Errorf("timeout = %v, want 5s", cfg.Timeout)
	}
	// Defaults still apply underneath the file.
	if cfg.LogLevel != "info" {
		t.Errorf("log_level = %q", cfg.LogLevel)
	}
}

func TestLoadMissingExplicitFileFails(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.json")); err == nil {
		t.Fatal("want error for missing explicit config file")
	}
}

func validConfig() *Config {
	return &Config{
		PortalURL: "http://portal.example.com",
		MAC:       "00:1a:79:16:ba:3e",
		Timeout:   10 * time.Second,
		RateLimit: RateLimit{
			MinDelay:    time.Second,
			BackoffBase: time.Second,
			BackoffCap:  30 * time.Second,
			MaxRetries:  5,
		},
	}
}

func TestValidateNormalizesMAC(t *testing.T) {
	cfg := validConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}
	if cfg.MAC != "00:1A:79:16:BA:3E" {
		t.Errorf("MAC = %q, want canonical form", cfg.MAC)
	}
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"relative url", func(c *Config) { c.PortalURL = "portal.example.com" }},
		{"bad scheme", func(c *Config) { c.PortalURL = "ftp://portal.example.com" }},
		{"empty url", func(c *Config) { c.PortalURL = "" }},
		{"malformed mac", func(c *Config) { c.MAC = "not-a-mac" }},
		{"zero timeout", func(c *Config) { c.Timeout = 0 }},
		{"cap below base", func(c *Config) { c.RateLimit.BackoffCap = 500 * time.Millisecond }},
		{"zero backoff base", func(c *Config) { c.RateLimit.BackoffBase = 0 }},
		{"negative retries", func(c *Config) { c.RateLimit.MaxRetries = -1 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Errorf("Validate accepted %s", tc.name)
			}
		})
	}
}

func TestValidateAllowsEmptyMAC(t *testing.T) {
	cfg := validConfig()
	cfg.MAC = ""
	cfg.MACFile = "macs.txt"
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "stalker-probe.json")
	cfg := validConfig()
	cfg.APIPath = "portal.php"
	if err := cfg.Save(path); err != nil {
		t.Fatal(err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.PortalURL != cfg.PortalURL || loaded.APIPath != "portal.php" {
		t.Errorf("loaded = %+v", loaded)
	}
	if loaded.RateLimit != cfg.RateLimit {
		t.Errorf("rate limit = %+v, want %+v", loaded.RateLimit, cfg.RateLimit)
	}
}

func TestSaveDoesNotLeaveTempFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "probe.json")
	if err := validConfig().Save(path); err != nil {
		t.Fatal(err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Name() != "probe.json" {
		t.Errorf("dir contents = %v, want just probe.json", entries)
	}
}
