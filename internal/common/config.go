package common

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pelletier/go-toml/v2"
)

// Duration is a time.Duration that unmarshals from TOML strings such
// as "90s" or "2m"
type Duration time.Duration

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d Duration) String() string {
	return time.Duration(d).String()
}

// Std returns the value as a time.Duration
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config represents the application configuration
type Config struct {
	Environment string          `toml:"environment"` // "development" or "production"
	Server      ServerConfig    `toml:"server"`
	Engine      EngineConfig    `toml:"engine"`
	Providers   ProvidersConfig `toml:"providers"`
	Webhooks    WebhooksConfig  `toml:"webhooks"`
	Storage     StorageConfig   `toml:"storage"`
	Retention   RetentionConfig `toml:"retention"`
	Logging     LoggingConfig   `toml:"logging"`
}

type ServerConfig struct {
	Port int    `toml:"port" validate:"gte=0,lte=65535"`
	Host string `toml:"host"`
}

// EngineConfig controls the job worker pool and phase execution
type EngineConfig struct {
	Concurrency  int      `toml:"concurrency" validate:"gte=1"` // Number of job slots processed in parallel
	PhaseTimeout Duration `toml:"phase_timeout"`                // Deadline applied to each phase handler invocation
	PollInterval Duration `toml:"poll_interval"`                // How often idle workers poll for queued jobs
}

// ProvidersConfig holds one entry per tool-provider service
type ProvidersConfig struct {
	CallConcurrency int                       `toml:"call_concurrency" validate:"gte=1"` // Max concurrent in-flight calls per provider
	Entries         map[string]ProviderConfig `toml:"entries"`
}

// ProviderConfig describes how to reach a single tool-provider service.
// Exactly one of Command (persistent stdio session) or URL (single-shot
// streamable HTTP) is set.
type ProviderConfig struct {
	Command   string   `toml:"command"`                      // Executable for a persistent stdio session
	Args      []string `toml:"args"`                         // Arguments for Command
	URL       string   `toml:"url" validate:"omitempty,url"` // Endpoint for per-call HTTP sessions
	RateLimit float64  `toml:"rate_limit"`                   // Calls per second, 0 = unlimited
}

type WebhooksConfig struct {
	AttemptTimeout Duration `toml:"attempt_timeout"` // Per-delivery-attempt HTTP timeout
}

type StorageConfig struct {
	Badger BadgerConfig `toml:"badger"`
}

// BadgerConfig represents BadgerDB-specific configuration
type BadgerConfig struct {
	Path           string `toml:"path" validate:"required"` // Database directory path
	ResetOnStartup bool   `toml:"reset_on_startup"`         // Delete database on startup for clean test runs
}

// RetentionConfig controls the cron sweeper that deletes terminal records
type RetentionConfig struct {
	Enabled     bool     `toml:"enabled"`
	Schedule    string   `toml:"schedule"`     // Cron schedule format
	JobTTL      Duration `toml:"job_ttl"`      // Terminal jobs older than this are deleted
	DeliveryTTL Duration `toml:"delivery_ttl"` // Terminal webhook deliveries older than this are deleted
}

type LoggingConfig struct {
	Level  string   `toml:"level"`  // "debug", "info", "warn", "error"
	Output []string `toml:"output"` // "stdout", "file"
}

// DefaultConfig returns the configuration defaults applied before any file
// or environment override
func DefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Server: ServerConfig{
			Port: 8190,
			Host: "localhost",
		},
		Engine: EngineConfig{
			Concurrency:  4,
			PhaseTimeout: Duration(2 * time.Minute),
			PollInterval: Duration(time.Second),
		},
		Providers: ProvidersConfig{
			CallConcurrency: 4,
			Entries:         map[string]ProviderConfig{},
		},
		Webhooks: WebhooksConfig{
			AttemptTimeout: Duration(10 * time.Second),
		},
		Storage: StorageConfig{
			Badger: BadgerConfig{
				Path: "./data/causa",
			},
		},
		Retention: RetentionConfig{
			Enabled:     false,
			Schedule:    "0 3 * * *",
			JobTTL:      Duration(30 * 24 * time.Hour),
			DeliveryTTL: Duration(30 * 24 * time.Hour),
		},
		Logging: LoggingConfig{
			Level:  "info",
			Output: []string{"stdout"},
		},
	}
}

// LoadFromFile loads configuration from a TOML file, applying defaults first
// and environment overrides last. A missing file is not an error; defaults
// plus environment are returned.
func LoadFromFile(path string) (*Config, error) {
	config := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
			}
		} else if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(config)

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// Validate checks structural constraints on the loaded configuration
func (c *Config) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	for name, provider := range c.Providers.Entries {
		if provider.Command == "" && provider.URL == "" {
			return fmt.Errorf("provider %s: either command or url is required", name)
		}
		if provider.Command != "" && provider.URL != "" {
			return fmt.Errorf("provider %s: command and url are mutually exclusive", name)
		}
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides to config
func applyEnvOverrides(config *Config) {
	if env := os.Getenv("CAUSA_ENV"); env != "" {
		config.Environment = env
	}

	if port := os.Getenv("CAUSA_SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}
	if host := os.Getenv("CAUSA_SERVER_HOST"); host != "" {
		config.Server.Host = host
	}

	if concurrency := os.Getenv("CAUSA_ENGINE_CONCURRENCY"); concurrency != "" {
		if c, err := strconv.Atoi(concurrency); err == nil {
			config.Engine.Concurrency = c
		}
	}
	if timeout := os.Getenv("CAUSA_ENGINE_PHASE_TIMEOUT"); timeout != "" {
		if d, err := time.ParseDuration(timeout); err == nil {
			config.Engine.PhaseTimeout = Duration(d)
		}
	}

	if badgerPath := os.Getenv("CAUSA_BADGER_PATH"); badgerPath != "" {
		config.Storage.Badger.Path = badgerPath
	}

	if level := os.Getenv("CAUSA_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
}
