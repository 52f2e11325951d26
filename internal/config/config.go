// Package config loads service settings from .env, an optional YAML file and
// the process environment, in that order of increasing precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	yaml "go.yaml.in/yaml/v3"

	"github.com/shehryarbajwa/scrapelane/internal/errs"
)

// Provider modes.
const (
	ModeDocker = "docker"
	ModeHTTP   = "http"
	ModeNone   = "none"
)

type Config struct {
	HTTP         HTTPConfig         `yaml:"http"`
	Database     DatabaseConfig     `yaml:"database"`
	Provider     ProviderConfig     `yaml:"provider"`
	Lanes        LanesConfig        `yaml:"lanes"`
	Verification VerificationConfig `yaml:"verification"`
	Worker       WorkerConfig       `yaml:"worker"`
	Settlement   SettlementConfig   `yaml:"settlement"`
}

type HTTPConfig struct {
	Addr            string `yaml:"addr"`
	AdminToken      string `yaml:"admin_token"`
	RequestsPerHour int    `yaml:"requests_per_hour"`
	Burst           int    `yaml:"burst"`
}

type DatabaseConfig struct {
	Driver string `yaml:"driver"` // sqlite | pgx
	DSN    string `yaml:"dsn"`
}

// ProviderConfig selects and configures the browser-provider backend.
// BootstrapToken is only used while no credential rows exist.
type ProviderConfig struct {
	Mode             string   `yaml:"mode"`
	BaseURL          string   `yaml:"base_url"`
	BootstrapToken   string   `yaml:"bootstrap_token"`
	DefaultProfileID string   `yaml:"default_profile_id"`
	CallTimeout      Duration `yaml:"call_timeout"`
	DockerImage      string   `yaml:"docker_image"`
	ProfileDataDir   string   `yaml:"profile_data_dir"`
}

type LanesConfig struct {
	HeartbeatTimeout   Duration `yaml:"heartbeat_timeout"`
	ReaperInterval     Duration `yaml:"reaper_interval"`
	SyncInterval       Duration `yaml:"sync_interval"`
	PollInterval       Duration `yaml:"poll_interval"`
	CacheTTL           Duration `yaml:"cache_ttl"`
	MaxParallelScrapes int      `yaml:"max_parallel_scrapes"` // 0 = one per lane, no global cap
}

type VerificationConfig struct {
	Enabled     bool     `yaml:"enabled"`
	BaseURL     string   `yaml:"base_url"`
	Keys        []string `yaml:"keys"`
	Window      Duration `yaml:"window"`
	WindowCap   int      `yaml:"window_cap"`
	DailyCap    int      `yaml:"daily_cap"`
	CallTimeout Duration `yaml:"call_timeout"`
}

type WorkerConfig struct {
	ExtractorURL string   `yaml:"extractor_url"`
	Timeout      Duration `yaml:"timeout"`
	PageTimeout  Duration `yaml:"page_timeout"`
}

type SettlementConfig struct {
	RequireApproval  bool     `yaml:"require_approval"`
	HoldForReview    bool     `yaml:"hold_for_review"`
	BillVerifiedOnly bool     `yaml:"bill_verified_only"`
	CreditsPerLead   int64    `yaml:"credits_per_lead"`
	LedgerURL        string   `yaml:"ledger_url"`
	LedgerToken      string   `yaml:"ledger_token"`
	LedgerTimeout    Duration `yaml:"ledger_timeout"`
}

// Duration accepts Go duration strings ("30s", "5m") in YAML.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	v, err := ParseDurationField("duration", node.Value)
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		HTTP: HTTPConfig{
			Addr:            ":8080",
			RequestsPerHour: 600,
			Burst:           30,
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
			DSN:    "./scrapelane.db",
		},
		Provider: ProviderConfig{
			Mode:           ModeNone,
			CallTimeout:    Duration{30 * time.Second},
			DockerImage:    "browserless/chrome:latest",
			ProfileDataDir: "./storage/profiles",
		},
		Lanes: LanesConfig{
			HeartbeatTimeout: Duration{30 * time.Minute},
			ReaperInterval:   Duration{time.Minute},
			SyncInterval:     Duration{time.Minute},
			PollInterval:     Duration{5 * time.Second},
			CacheTTL:         Duration{5 * time.Minute},
		},
		Verification: VerificationConfig{
			Window:      Duration{30 * time.Second},
			WindowCap:   170,
			DailyCap:    10000,
			CallTimeout: Duration{15 * time.Second},
		},
		Worker: WorkerConfig{
			Timeout:     Duration{45 * time.Minute},
			PageTimeout: Duration{2 * time.Minute},
		},
		Settlement: SettlementConfig{
			BillVerifiedOnly: true,
			CreditsPerLead:   1,
			LedgerTimeout:    Duration{10 * time.Second},
		},
	}
}

// Load builds the effective configuration. path may be empty.
func Load(path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	cfg := Default()
	if strings.TrimSpace(path) != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := applyEnv(&cfg, os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

type lookupFunc func(string) (string, bool)

func applyEnv(cfg *Config, lookup lookupFunc) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	var firstErr error
	num := func(key string, dst *int) {
		v, ok := lookup(key)
		if !ok || strings.TrimSpace(v) == "" {
			return
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil && firstErr == nil {
			firstErr = fmt.Errorf("%s: invalid integer %q", key, v)
			return
		}
		*dst = n
	}
	flag := func(key string, dst *bool) {
		v, ok := lookup(key)
		if !ok || strings.TrimSpace(v) == "" {
			return
		}
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil && firstErr == nil {
			firstErr = fmt.Errorf("%s: invalid boolean %q", key, v)
			return
		}
		*dst = b
	}
	dur := func(key string, dst *Duration) {
		v, ok := lookup(key)
		if !ok {
			return
		}
		d, err := ParseDurationOrDefault(key, v, dst.Duration)
		if err != nil && firstErr == nil {
			firstErr = err
			return
		}
		dst.Duration = d
	}

	str("SCRAPELANE_HTTP_ADDR", &cfg.HTTP.Addr)
	str("SCRAPELANE_ADMIN_TOKEN", &cfg.HTTP.AdminToken)
	num("SCRAPELANE_REQUESTS_PER_HOUR", &cfg.HTTP.RequestsPerHour)

	str("SCRAPELANE_DB_DRIVER", &cfg.Database.Driver)
	str("SCRAPELANE_DB_DSN", &cfg.Database.DSN)

	str("SCRAPELANE_BROWSER_PROVIDER", &cfg.Provider.Mode)
	str("SCRAPELANE_BROWSER_PROVIDER_URL", &cfg.Provider.BaseURL)
	str("SCRAPELANE_BROWSER_API_KEY", &cfg.Provider.BootstrapToken)
	str("SCRAPELANE_DEFAULT_PROFILE_ID", &cfg.Provider.DefaultProfileID)
	dur("SCRAPELANE_PROVIDER_TIMEOUT", &cfg.Provider.CallTimeout)

	dur("SCRAPELANE_HEARTBEAT_TIMEOUT", &cfg.Lanes.HeartbeatTimeout)
	dur("SCRAPELANE_REAPER_INTERVAL", &cfg.Lanes.ReaperInterval)
	dur("SCRAPELANE_POLL_INTERVAL", &cfg.Lanes.PollInterval)
	num("SCRAPELANE_MAX_PARALLEL_SCRAPES", &cfg.Lanes.MaxParallelScrapes)

	flag("SCRAPELANE_VERIFY_ENABLED", &cfg.Verification.Enabled)
	str("SCRAPELANE_VERIFY_URL", &cfg.Verification.BaseURL)
	if v, ok := lookup("SCRAPELANE_VERIFY_KEYS"); ok && strings.TrimSpace(v) != "" {
		cfg.Verification.Keys = splitList(v)
	}
	dur("SCRAPELANE_VERIFY_WINDOW", &cfg.Verification.Window)
	num("SCRAPELANE_VERIFY_WINDOW_CAP", &cfg.Verification.WindowCap)
	num("SCRAPELANE_VERIFY_DAILY_CAP", &cfg.Verification.DailyCap)

	str("SCRAPELANE_EXTRACTOR_URL", &cfg.Worker.ExtractorURL)
	dur("SCRAPELANE_WORKER_TIMEOUT", &cfg.Worker.Timeout)

	flag("SCRAPELANE_REQUIRE_APPROVAL", &cfg.Settlement.RequireApproval)
	flag("SCRAPELANE_HOLD_FOR_REVIEW", &cfg.Settlement.HoldForReview)
	str("SCRAPELANE_LEDGER_URL", &cfg.Settlement.LedgerURL)
	str("SCRAPELANE_LEDGER_TOKEN", &cfg.Settlement.LedgerToken)

	return firstErr
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate rejects settings the service cannot run with.
func (c Config) Validate() error {
	switch strings.ToLower(c.Provider.Mode) {
	case ModeDocker, ModeNone:
	case ModeHTTP:
		if strings.TrimSpace(c.Provider.BaseURL) == "" {
			return errs.Configf("provider mode %q requires a base url", c.Provider.Mode)
		}
	default:
		return errs.Configf("unknown provider mode %q", c.Provider.Mode)
	}

	switch c.Database.Driver {
	case "sqlite", "pgx":
	default:
		return errs.Configf("unknown database driver %q", c.Database.Driver)
	}
	if strings.TrimSpace(c.Database.DSN) == "" {
		return errs.Configf("database dsn is required")
	}

	if c.Lanes.HeartbeatTimeout.Duration <= 0 {
		return errs.Configf("heartbeat timeout must be > 0")
	}
	if c.Lanes.ReaperInterval.Duration <= 0 || c.Lanes.ReaperInterval.Duration > c.Lanes.HeartbeatTimeout.Duration {
		return errs.Configf("reaper interval must be within (0, heartbeat timeout]")
	}
	if c.Lanes.MaxParallelScrapes < 0 {
		return errs.Configf("max parallel scrapes must be >= 0")
	}

	if c.Verification.Enabled {
		if len(c.Verification.Keys) == 0 {
			return errs.Configf("verification enabled without keys")
		}
		if c.Verification.WindowCap <= 0 || c.Verification.DailyCap <= 0 || c.Verification.Window.Duration <= 0 {
			return errs.Configf("verification window, window cap and daily cap must be > 0")
		}
	}
	return nil
}
