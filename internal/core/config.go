package core

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/1sec-project/tailguard/internal/anomaly"
	"github.com/1sec-project/tailguard/internal/detect"
	"github.com/1sec-project/tailguard/internal/feed"
	"github.com/1sec-project/tailguard/internal/intel"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Environment overrides, applied after the config file.
const (
	EnvKey          = "TAILGUARD_KEY"
	EnvAbuseIPDBKey = "TAILGUARD_ABUSEIPDB_KEY"
	EnvStore        = "TAILGUARD_STORE"
)

// Config holds the entire tailguard configuration.
type Config struct {
	Feed      feed.Config     `yaml:"feed"`
	Store     StoreConfig     `yaml:"store"`
	Audit     AuditConfig     `yaml:"audit"`
	Detectors detect.Config   `yaml:"detectors"`
	Anomaly   anomaly.Config  `yaml:"anomaly"`
	Intel     intel.Config    `yaml:"intel"`
	Bus       BusConfig       `yaml:"bus"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Retention RetentionConfig `yaml:"retention"`
	Engine    EngineConfig    `yaml:"engine"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// StoreConfig holds the SQLite alert store settings.
type StoreConfig struct {
	Path string `yaml:"path"`
}

// AuditConfig holds the plain-text alert trail settings.
type AuditConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// BusConfig holds the optional NATS mirror of in-process events.
type BusConfig struct {
	NATS NATSConfig `yaml:"nats"`
}

type NATSConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Embedded      bool   `yaml:"embedded"`
	DataDir       string `yaml:"data_dir"`
	Port          int    `yaml:"port"`
	Stream        string `yaml:"stream"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

// MetricsConfig holds the Prometheus endpoint settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// RetentionConfig schedules the purge of old alerts and counters.
type RetentionConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Days     int    `yaml:"days"`
	Schedule string `yaml:"schedule"`
}

type EngineConfig struct {
	StopTimeout time.Duration `yaml:"stop_timeout"`
	StatsDays   int           `yaml:"stats_days"`
	TopIPs      int           `yaml:"top_ips"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DefaultConfig returns a Config with sane defaults. Only the at-rest key
// has to be supplied.
func DefaultConfig() *Config {
	return &Config{
		Feed:      feed.DefaultConfig(),
		Store:     StoreConfig{Path: "data/tailguard.db"},
		Audit:     AuditConfig{Enabled: true, Path: "data/alerts.log"},
		Detectors: detect.DefaultConfig(),
		Anomaly:   anomaly.DefaultConfig(),
		Intel:     intel.DefaultConfig(),
		Bus: BusConfig{
			NATS: NATSConfig{
				Enabled:       false,
				URL:           "nats://127.0.0.1:4222",
				Embedded:      true,
				DataDir:       "./data/nats",
				Port:          4222,
				Stream:        "TAILGUARD_EVENTS",
				SubjectPrefix: "tailguard",
			},
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Listen:  "127.0.0.1:9464",
		},
		Retention: RetentionConfig{
			Enabled:  true,
			Days:     30,
			Schedule: "@daily",
		},
		Engine: EngineConfig{
			StopTimeout: 2 * time.Second,
			StatsDays:   30,
			TopIPs:      10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// LoadConfig loads configuration from a YAML file, falling back to
// defaults when path is empty or missing, then applies environment
// overrides.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parsing config file: %w", err)
			}
		case os.IsNotExist(err):
		default:
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvKey); v != "" {
		c.Feed.Key = v
	}
	if v := os.Getenv(EnvAbuseIPDBKey); v != "" {
		c.Intel.Reputation.APIKey = v
	}
	if v := os.Getenv(EnvStore); v != "" {
		c.Feed.Path = v
	}
}

// SaveConfig writes the configuration to a YAML file.
func SaveConfig(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}

// Validate rejects impossible values. A missing key is not checked here:
// commands that never touch the store work without one.
func (c *Config) Validate() error {
	var errs []error
	if err := c.Feed.Validate(); err != nil {
		errs = append(errs, err)
	}
	if strings.TrimSpace(c.Store.Path) == "" {
		errs = append(errs, errors.New("store.path is required"))
	}
	if c.Audit.Enabled && strings.TrimSpace(c.Audit.Path) == "" {
		errs = append(errs, errors.New("audit.path is required when audit is enabled"))
	}
	if err := c.Detectors.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := c.Anomaly.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := c.Intel.Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.Bus.NATS.Enabled {
		if !c.Bus.NATS.Embedded && c.Bus.NATS.URL == "" {
			errs = append(errs, errors.New("bus.nats.url is required for an external server"))
		}
		if c.Bus.NATS.Stream == "" || c.Bus.NATS.SubjectPrefix == "" {
			errs = append(errs, errors.New("bus.nats.stream and bus.nats.subject_prefix are required"))
		}
	}
	if c.Metrics.Enabled && c.Metrics.Listen == "" {
		errs = append(errs, errors.New("metrics.listen is required when metrics are enabled"))
	}
	if c.Retention.Enabled {
		if c.Retention.Days < 1 {
			errs = append(errs, fmt.Errorf("retention.days must be >= 1, got %d", c.Retention.Days))
		}
		if _, err := cron.ParseStandard(c.Retention.Schedule); err != nil {
			errs = append(errs, fmt.Errorf("retention.schedule: %w", err))
		}
	}
	if c.Engine.StopTimeout <= 0 {
		errs = append(errs, errors.New("engine.stop_timeout must be > 0"))
	}
	if c.Engine.StatsDays < 1 || c.Engine.TopIPs < 1 {
		errs = append(errs, errors.New("engine.stats_days and engine.top_ips must be >= 1"))
	}
	switch c.LogLevel() {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level))
	}
	return errors.Join(errs...)
}

// LogLevel returns the parsed log level string.
func (c *Config) LogLevel() string {
	return strings.ToLower(c.Logging.Level)
}
