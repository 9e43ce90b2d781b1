package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Storage backends.
const (
	StorageSQLite   = "sqlite"
	StorageBadger   = "badger"
	StoragePostgres = "postgres"
	StorageMemory   = "memory"
)

type StorageConfig struct {
	Type        string `yaml:"type"`
	SQLitePath  string `yaml:"sqlite_path"`
	BadgerDir   string `yaml:"badger_dir"`
	PostgresDSN string `yaml:"postgres_dsn"`
}

type CORSConfig struct {
	Enabled        bool     `yaml:"enabled"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	MaxAge         int      `yaml:"max_age"`
}

// APIKeyEntry is one accepted key for the query service.
type APIKeyEntry struct {
	Name string `yaml:"name"`
	Key  string `yaml:"key"`
}

type AuthConfig struct {
	Enabled bool          `yaml:"enabled"`
	Keys    []APIKeyEntry `yaml:"keys"`
}

type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute"`
	BurstSize         int  `yaml:"burst_size"`
}

// RetentionConfig controls pruning of old traces. Days == 0 keeps traces
// forever.
type RetentionConfig struct {
	Days     int    `yaml:"days"`
	Schedule string `yaml:"schedule"`
}

type TelemetryConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"` // otlp-http, stdout, none
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr string `yaml:"bind_addr"`
	LogLevel string `yaml:"log_level"`

	// ShutdownTimeoutSeconds bounds graceful HTTP shutdown. 0 uses 5s.
	ShutdownTimeoutSeconds int `yaml:"shutdown_timeout_seconds"`

	Storage   StorageConfig   `yaml:"storage"`
	CORS      CORSConfig      `yaml:"cors"`
	Auth      AuthConfig      `yaml:"auth"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Retention RetentionConfig `yaml:"retention"`
	Telemetry TelemetryConfig `yaml:"telemetry"`

	// NeedsInit is set when no config.yaml exists yet.
	NeedsInit bool `yaml:"-"`
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Fingerprint returns a stable hash of the settings that affect a running
// server.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|log=%s|storage=%s|sqlite=%s|badger=%s|origins=%v|auth=%t|rl=%t/%d/%d|retention=%d/%s",
		c.BindAddr, c.LogLevel, c.Storage.Type, c.Storage.SQLitePath, c.Storage.BadgerDir,
		c.CORS.AllowedOrigins, c.Auth.Enabled, c.RateLimit.Enabled, c.RateLimit.RequestsPerMinute,
		c.RateLimit.BurstSize, c.Retention.Days, c.Retention.Schedule)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		BindAddr:               "127.0.0.1:8000",
		LogLevel:               "info",
		ShutdownTimeoutSeconds: 5,
		Storage: StorageConfig{
			Type: StorageSQLite,
		},
		CORS: CORSConfig{
			Enabled:        true,
			AllowedOrigins: []string{"http://localhost:5173", "http://127.0.0.1:5173"},
			AllowedMethods: []string{"GET", "OPTIONS"},
		},
		RateLimit: RateLimitConfig{
			RequestsPerMinute: 600,
			BurstSize:         50,
		},
		Retention: RetentionConfig{
			Schedule: "@daily",
		},
		Telemetry: TelemetryConfig{
			Exporter:    "none",
			ServiceName: "decisiontrace",
			SampleRate:  1.0,
		},
	}
}

// HomeDir is $XRAY_HOME, or ~/.decisiontrace.
func HomeDir() string {
	if override := os.Getenv("XRAY_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".decisiontrace")
}

// Load reads defaults, then config.yaml, then environment overrides.
func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom is Load with an explicit home directory.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create xray home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if os.IsNotExist(err) {
			cfg.NeedsInit = true
		} else {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.BindAddr == "" {
		cfg.BindAddr = "127.0.0.1:8000"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.ShutdownTimeoutSeconds <= 0 {
		cfg.ShutdownTimeoutSeconds = 5
	}
	cfg.Storage.Type = strings.ToLower(strings.TrimSpace(cfg.Storage.Type))
	if cfg.Storage.Type == "" {
		cfg.Storage.Type = StorageSQLite
	}
	if cfg.Storage.SQLitePath == "" {
		cfg.Storage.SQLitePath = filepath.Join(cfg.HomeDir, "xray.db")
	}
	if cfg.Storage.BadgerDir == "" {
		cfg.Storage.BadgerDir = filepath.Join(cfg.HomeDir, "badger")
	}
	if strings.TrimSpace(cfg.Retention.Schedule) == "" {
		cfg.Retention.Schedule = "@daily"
	}
	if cfg.Telemetry.Exporter == "" {
		cfg.Telemetry.Exporter = "none"
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "decisiontrace"
	}
}

func validate(cfg Config) error {
	switch cfg.Storage.Type {
	case StorageSQLite, StorageBadger, StorageMemory:
	case StoragePostgres:
		if cfg.Storage.PostgresDSN == "" {
			return fmt.Errorf("storage.postgres_dsn is required for storage type %q", StoragePostgres)
		}
	default:
		return fmt.Errorf("unknown storage type %q", cfg.Storage.Type)
	}
	if cfg.Retention.Days < 0 {
		return fmt.Errorf("retention.days must be >= 0, got %d", cfg.Retention.Days)
	}
	if cfg.Auth.Enabled && len(cfg.Auth.Keys) == 0 {
		return fmt.Errorf("auth is enabled but no keys are configured")
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("XRAY_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("XRAY_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("XRAY_STORAGE"); raw != "" {
		cfg.Storage.Type = raw
	}
	if raw := os.Getenv("XRAY_DB_PATH"); raw != "" {
		cfg.Storage.SQLitePath = raw
	}
	if raw := os.Getenv("XRAY_POSTGRES_DSN"); raw != "" {
		cfg.Storage.PostgresDSN = raw
	}
	if raw := os.Getenv("XRAY_RETENTION_DAYS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Retention.Days = v
		}
	}
	if raw := os.Getenv("XRAY_API_KEY"); raw != "" {
		cfg.Auth.Enabled = true
		cfg.Auth.Keys = append(cfg.Auth.Keys, APIKeyEntry{Name: "env", Key: raw})
	}
}
