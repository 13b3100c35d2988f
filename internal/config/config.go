// internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

var schemaNamePattern = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

type Config struct {
	Server struct {
		Addr         string        `yaml:"addr" env:"SERVER_ADDR"`
		AdminKey     string        `yaml:"admin_key" env:"ADMIN_KEY"`
		ReadTimeout  time.Duration `yaml:"read_timeout" env:"SERVER_READ_TIMEOUT"`
		WriteTimeout time.Duration `yaml:"write_timeout" env:"SERVER_WRITE_TIMEOUT"`
	} `yaml:"server"`

	Database struct {
		URL          string `yaml:"url" env:"DATABASE_URL"`
		MaxOpenConns int    `yaml:"max_open_conns" env:"DATABASE_MAX_OPEN_CONNS"`
		MaxIdleConns int    `yaml:"max_idle_conns" env:"DATABASE_MAX_IDLE_CONNS"`
		// SharedSchema holds the catalog; it is also the default search_path of every leased connection.
		SharedSchema string `yaml:"shared_schema" env:"DATABASE_SHARED_SCHEMA"`
	} `yaml:"database"`

	RabbitMQ struct {
		URL          string `yaml:"url" env:"RABBITMQ_URL"`
		ControlQueue string `yaml:"control_queue" env:"RABBITMQ_CONTROL_QUEUE"`
	} `yaml:"rabbitmq"`

	Redis struct {
		Addr     string        `yaml:"addr" env:"REDIS_ADDR"`
		Password string        `yaml:"password" env:"REDIS_PASSWORD"`
		DB       int           `yaml:"db" env:"REDIS_DB"`
		CacheTTL time.Duration `yaml:"cache_ttl" env:"REDIS_CACHE_TTL"`
	} `yaml:"redis"`

	Workers int `yaml:"workers" env:"WORKERS"`

	Auth struct {
		JWTSecret string        `yaml:"jwt_secret" env:"JWT_SECRET"`
		TokenTTL  time.Duration `yaml:"token_ttl" env:"JWT_TOKEN_TTL"`
	} `yaml:"auth"`

	Resolver struct {
		Timeout time.Duration `yaml:"timeout" env:"RESOLVER_TIMEOUT"`
	} `yaml:"resolver"`

	Outbox struct {
		PollInterval    time.Duration `yaml:"poll_interval" env:"OUTBOX_POLL_INTERVAL"`
		BatchSize       int           `yaml:"batch_size" env:"OUTBOX_BATCH_SIZE"`
		MaxAttempts     int           `yaml:"max_attempts" env:"OUTBOX_MAX_ATTEMPTS"`
		LockTTL         time.Duration `yaml:"lock_ttl" env:"OUTBOX_LOCK_TTL"`
		MaxBackoff      time.Duration `yaml:"max_backoff" env:"OUTBOX_MAX_BACKOFF"`
		DispatchTimeout time.Duration `yaml:"dispatch_timeout" env:"OUTBOX_DISPATCH_TIMEOUT"`
	} `yaml:"outbox"`

	Applications struct {
		CallbackTimeout time.Duration `yaml:"callback_timeout" env:"APP_CALLBACK_TIMEOUT"`
		RetryCount      int           `yaml:"retry_count" env:"APP_CALLBACK_RETRY_COUNT"`
	} `yaml:"applications"`

	Log struct {
		Level  string `yaml:"level" env:"LOG_LEVEL"`
		Format string `yaml:"format" env:"LOG_FORMAT"`
	} `yaml:"log"`
}

// Default returns a config with every tunable populated.
func Default() *Config {
	cfg := &Config{}
	cfg.Server.Addr = ":8080"
	cfg.Server.ReadTimeout = 15 * time.Second
	cfg.Server.WriteTimeout = 30 * time.Second
	cfg.Database.MaxOpenConns = 25
	cfg.Database.MaxIdleConns = 5
	cfg.Database.SharedSchema = "public"
	cfg.RabbitMQ.ControlQueue = "control_plane_commands"
	cfg.Redis.CacheTTL = 30 * time.Second
	cfg.Workers = 2
	cfg.Auth.TokenTTL = 24 * time.Hour
	cfg.Resolver.Timeout = 3 * time.Second
	cfg.Outbox.PollInterval = time.Second
	cfg.Outbox.BatchSize = 20
	cfg.Outbox.MaxAttempts = 12
	cfg.Outbox.LockTTL = time.Minute
	cfg.Outbox.MaxBackoff = 10 * time.Minute
	cfg.Outbox.DispatchTimeout = 30 * time.Second
	cfg.Applications.CallbackTimeout = 15 * time.Second
	cfg.Applications.RetryCount = 2
	cfg.Log.Level = "info"
	cfg.Log.Format = "json"
	return cfg
}

// LoadConfig reads the YAML file at path, then applies environment overrides.
// A missing file is not an error when the environment carries the settings.
func LoadConfig(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config: %w", err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := loadDotEnv(".env", ".env.local"); err != nil {
		return nil, fmt.Errorf("failed to load env files: %w", err)
	}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse env overrides: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Auth.JWTSecret == "" {
		return errors.New("config: auth.jwt_secret is required")
	}
	if !schemaNamePattern.MatchString(c.Database.SharedSchema) {
		return fmt.Errorf("config: database.shared_schema %q is not a safe identifier", c.Database.SharedSchema)
	}
	if c.Workers <= 0 {
		return fmt.Errorf("config: workers must be positive, got %d", c.Workers)
	}
	if c.Outbox.MaxAttempts <= 0 {
		return fmt.Errorf("config: outbox.max_attempts must be positive, got %d", c.Outbox.MaxAttempts)
	}
	return nil
}

func loadDotEnv(files ...string) error {
	existing := make([]string, 0, len(files))
	for _, f := range files {
		if _, err := os.Stat(f); err == nil {
			existing = append(existing, f)
		}
	}
	if len(existing) == 0 {
		return nil
	}
	return godotenv.Load(existing...)
}
