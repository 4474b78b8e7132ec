package escrowd

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"escrowlane/ledger/txbuild"
)

// Ledger modes.
const (
	LedgerModeHorizon = "horizon"
	LedgerModeMemory  = "memory"
)

// Duration wraps time.Duration to support YAML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	raw := strings.TrimSpace(value.Value)
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures the runtime configuration for escrowd.
type Config struct {
	ListenAddress string          `yaml:"listen"`
	Environment   string          `yaml:"environment"`
	PolicyPath    string          `yaml:"policy"`
	PollInterval  Duration        `yaml:"poll_interval"`
	Log           LogConfig       `yaml:"log"`
	Ledger        LedgerConfig    `yaml:"ledger"`
	Database      DatabaseConfig  `yaml:"database"`
	Operator      OperatorConfig  `yaml:"operator"`
	Telemetry     TelemetryConfig `yaml:"telemetry"`
	Admin         AdminConfig     `yaml:"admin"`
	Users         []UserConfig    `yaml:"users"`
}

// LogConfig controls structured logging.
type LogConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// LedgerConfig selects and configures the ledger gateway.
type LedgerConfig struct {
	Mode              string           `yaml:"mode"`
	HorizonURL        string           `yaml:"horizon_url"`
	Passphrase        string           `yaml:"network_passphrase"`
	RequestsPerSecond float64          `yaml:"requests_per_second"`
	Burst             int              `yaml:"burst"`
	Timeout           Duration         `yaml:"timeout"`
	MemoryPath        string           `yaml:"memory_path"`
	Genesis           []GenesisAccount `yaml:"genesis"`
}

// GenesisAccount is created in memory mode when absent.
type GenesisAccount struct {
	Address string `yaml:"address"`
	Balance string `yaml:"balance"`
}

// DatabaseConfig selects the contract store.
type DatabaseConfig struct {
	DSN string `yaml:"dsn"`
}

// OperatorConfig supplies the operator secret inline, from an environment
// variable or from a file.
type OperatorConfig struct {
	Secret     string `yaml:"secret"`
	SecretEnv  string `yaml:"secret_env"`
	SecretFile string `yaml:"secret_file"`
	// FundBalance seeds the operator account in memory mode.
	FundBalance string `yaml:"fund_balance"`
}

// TelemetryConfig configures OTLP export.
type TelemetryConfig struct {
	Endpoint    string            `yaml:"endpoint"`
	Insecure    bool              `yaml:"insecure"`
	Headers     map[string]string `yaml:"headers"`
	Traces      bool              `yaml:"traces"`
	Metrics     bool              `yaml:"metrics"`
	SampleRatio float64           `yaml:"sample_ratio"`
}

// AdminConfig guards the /admin routes with HS256 bearer tokens. Admin
// routes are disabled when no secret is configured.
type AdminConfig struct {
	JWTSecret    string   `yaml:"jwt_secret"`
	JWTSecretEnv string   `yaml:"jwt_secret_env"`
	Issuer       string   `yaml:"issuer"`
	Audience     string   `yaml:"audience"`
	ClockSkew    Duration `yaml:"clock_skew"`
}

// Enabled reports whether admin routes should be mounted.
func (a AdminConfig) Enabled() bool { return a.JWTSecret != "" }

// UserConfig maps an application user id to a ledger account at startup.
type UserConfig struct {
	ID        int64  `yaml:"id"`
	PublicKey string `yaml:"public_key"`
}

// LoadConfig reads configuration from the supplied path.
func LoadConfig(path string) (Config, error) {
	cfg := Config{}
	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()
	dec := yaml.NewDecoder(file)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	applyDefaults(&cfg)
	if err := cfg.Operator.normalise(); err != nil {
		return cfg, fmt.Errorf("operator: %w", err)
	}
	if err := cfg.Admin.normalise(); err != nil {
		return cfg, fmt.Errorf("admin: %w", err)
	}
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":7090"
	}
	if cfg.PollInterval.Duration == 0 {
		cfg.PollInterval.Duration = 30 * time.Second
	}
	cfg.Ledger.Mode = strings.ToLower(strings.TrimSpace(cfg.Ledger.Mode))
	if cfg.Ledger.Mode == "" {
		cfg.Ledger.Mode = LedgerModeHorizon
	}
	if cfg.Ledger.Timeout.Duration == 0 {
		cfg.Ledger.Timeout.Duration = 15 * time.Second
	}
	if cfg.Ledger.Burst <= 0 {
		cfg.Ledger.Burst = 1
	}
	if strings.TrimSpace(cfg.Database.DSN) == "" {
		cfg.Database.DSN = "sqlite://escrowd.db"
	}
	if cfg.Operator.FundBalance == "" {
		cfg.Operator.FundBalance = "10000"
	}
	if cfg.Admin.ClockSkew.Duration == 0 {
		cfg.Admin.ClockSkew.Duration = 2 * time.Minute
	}
}

func (a *AdminConfig) normalise() error {
	a.JWTSecret = strings.TrimSpace(a.JWTSecret)
	a.JWTSecretEnv = strings.TrimSpace(a.JWTSecretEnv)
	if a.JWTSecret == "" && a.JWTSecretEnv != "" {
		a.JWTSecret = strings.TrimSpace(os.Getenv(a.JWTSecretEnv))
		if a.JWTSecret == "" {
			return fmt.Errorf("jwt_secret_env %s is empty", a.JWTSecretEnv)
		}
	}
	return nil
}

func (o *OperatorConfig) normalise() error {
	if o == nil {
		return fmt.Errorf("operator configuration missing")
	}
	o.Secret = strings.TrimSpace(o.Secret)
	o.SecretEnv = strings.TrimSpace(o.SecretEnv)
	o.SecretFile = strings.TrimSpace(o.SecretFile)
	if o.Secret != "" {
		return nil
	}
	switch {
	case o.SecretEnv != "":
		value := strings.TrimSpace(os.Getenv(o.SecretEnv))
		if value == "" {
			return fmt.Errorf("secret_env %s is empty", o.SecretEnv)
		}
		o.Secret = value
	case o.SecretFile != "":
		contents, err := os.ReadFile(o.SecretFile)
		if err != nil {
			return fmt.Errorf("read secret_file: %w", err)
		}
		o.Secret = strings.TrimSpace(string(contents))
	default:
		return fmt.Errorf("secret is required")
	}
	return nil
}

func validateConfig(cfg Config) error {
	if _, err := txbuild.PublicKey(cfg.Operator.Secret); err != nil {
		return fmt.Errorf("operator secret is invalid: %w", err)
	}
	switch cfg.Ledger.Mode {
	case LedgerModeHorizon:
		if strings.TrimSpace(cfg.Ledger.HorizonURL) == "" {
			return fmt.Errorf("ledger.horizon_url must be configured in horizon mode")
		}
	case LedgerModeMemory:
		for _, acct := range cfg.Ledger.Genesis {
			if !txbuild.ValidAddress(acct.Address) {
				return fmt.Errorf("ledger.genesis address %q is invalid", acct.Address)
			}
		}
	default:
		return fmt.Errorf("ledger.mode %q must be %s or %s", cfg.Ledger.Mode, LedgerModeHorizon, LedgerModeMemory)
	}
	if cfg.Ledger.RequestsPerSecond < 0 {
		return fmt.Errorf("ledger.requests_per_second must not be negative")
	}
	if cfg.PollInterval.Duration < time.Second {
		return fmt.Errorf("poll_interval must be at least 1s")
	}
	if cfg.Admin.Enabled() && len(cfg.Admin.JWTSecret) < 32 {
		return fmt.Errorf("admin.jwt_secret must be at least 32 bytes")
	}
	for _, user := range cfg.Users {
		if user.ID <= 0 || !txbuild.ValidAddress(user.PublicKey) {
			return fmt.Errorf("users: entry %d has an invalid id or public key", user.ID)
		}
	}
	return nil
}
