package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shehryarbajwa/scrapelane/internal/errs"
)

func envMap(m map[string]string) lookupFunc {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	cfg := Default()
	err := applyEnv(&cfg, envMap(map[string]string{
		"SCRAPELANE_BROWSER_PROVIDER":     "http",
		"SCRAPELANE_BROWSER_PROVIDER_URL": "http://provider.local",
		"SCRAPELANE_BROWSER_API_KEY":      "boot-token",
		"SCRAPELANE_HEARTBEAT_TIMEOUT":    "10m",
		"SCRAPELANE_VERIFY_KEYS":          "k1, k2 ,,k3",
		"SCRAPELANE_VERIFY_WINDOW_CAP":    "50",
		"SCRAPELANE_REQUIRE_APPROVAL":     "true",
	}))
	if err != nil {
		t.Fatalf("applyEnv: %v", err)
	}
	if cfg.Provider.Mode != ModeHTTP || cfg.Provider.BootstrapToken != "boot-token" {
		t.Fatalf("provider not applied: %+v", cfg.Provider)
	}
	if cfg.Lanes.HeartbeatTimeout.Duration != 10*time.Minute {
		t.Fatalf("heartbeat timeout = %v", cfg.Lanes.HeartbeatTimeout)
	}
	if len(cfg.Verification.Keys) != 3 || cfg.Verification.Keys[1] != "k2" {
		t.Fatalf("keys = %v", cfg.Verification.Keys)
	}
	if cfg.Verification.WindowCap != 50 || !cfg.Settlement.RequireApproval {
		t.Fatalf("numeric/bool overrides not applied")
	}
}

func TestApplyEnvRejectsBadValues(t *testing.T) {
	tests := map[string]string{
		"SCRAPELANE_VERIFY_DAILY_CAP":  "lots",
		"SCRAPELANE_REQUIRE_APPROVAL":  "maybe",
		"SCRAPELANE_HEARTBEAT_TIMEOUT": "soon",
	}
	for key, val := range tests {
		key, val := key, val
		t.Run(key, func(t *testing.T) {
			cfg := Default()
			if err := applyEnv(&cfg, envMap(map[string]string{key: val})); err == nil {
				t.Fatalf("expected error for %s=%s", key, val)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown mode", func(c *Config) { c.Provider.Mode = "selenium" }},
		{"http without url", func(c *Config) { c.Provider.Mode = ModeHTTP }},
		{"unknown driver", func(c *Config) { c.Database.Driver = "mysql" }},
		{"reaper slower than timeout", func(c *Config) { c.Lanes.ReaperInterval.Duration = time.Hour }},
		{"verification without keys", func(c *Config) { c.Verification.Enabled = true }},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if !errs.IsConfiguration(err) {
				t.Fatalf("Validate() = %v, want ConfigurationError", err)
			}
		})
	}
}

func TestLoadYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "scrapelane.yaml")
	body := `
provider:
  mode: docker
  call_timeout: 45s
lanes:
  heartbeat_timeout: 20m
  reaper_interval: 2m
verification:
  enabled: true
  keys: [a, b]
  window: 30s
  window_cap: 170
  daily_cap: 5000
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Chdir(dir)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Provider.Mode != ModeDocker || cfg.Provider.CallTimeout.Duration != 45*time.Second {
		t.Fatalf("provider = %+v", cfg.Provider)
	}
	if cfg.Lanes.ReaperInterval.Duration != 2*time.Minute {
		t.Fatalf("reaper interval = %v", cfg.Lanes.ReaperInterval)
	}
	if cfg.Lanes.PollInterval.Duration != 5*time.Second {
		t.Fatalf("unset fields should keep defaults, poll = %v", cfg.Lanes.PollInterval)
	}
	if len(cfg.Verification.Keys) != 2 {
		t.Fatalf("keys = %v", cfg.Verification.Keys)
	}
}
