// Package config loads engine configuration from a YAML file with
// environment variable overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level engine configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Engine   EngineConfig   `yaml:"engine"`
	Risk     RiskConfig     `yaml:"risk"`
}

type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type DatabaseConfig struct {
	// URL is a pgx connection string. Empty selects the in-memory store.
	URL string `yaml:"url"`
}

type RedisConfig struct {
	// Addr enables the read-through cache when set.
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	TTL      time.Duration `yaml:"ttl"`
}

type EngineConfig struct {
	SubmitTimeout    time.Duration `yaml:"submit_timeout"`
	MaxSubmitRetries uint          `yaml:"max_submit_retries"`
	PollInterval     time.Duration `yaml:"poll_interval"`
	SweepInterval    time.Duration `yaml:"sweep_interval"`
	OrderTTL         time.Duration `yaml:"order_ttl"`
	ExchangeRPS      int           `yaml:"exchange_rps"`
	PaperFeeRate     string        `yaml:"paper_fee_rate"`
}

type RiskConfig struct {
	// DefaultStopLossPct is the assumed adverse move for daily-loss
	// projection when an intent carries no stop (e.g. "0.02").
	DefaultStopLossPct string `yaml:"default_stop_loss_pct"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ShutdownTimeout: 10 * time.Second,
		},
		Redis: RedisConfig{
			TTL: 30 * time.Second,
		},
		Engine: EngineConfig{
			SubmitTimeout:    5 * time.Second,
			MaxSubmitRetries: 5,
			PollInterval:     time.Second,
			SweepInterval:    5 * time.Second,
			OrderTTL:         24 * time.Hour,
			ExchangeRPS:      10,
			PaperFeeRate:     "0.001",
		},
		Risk: RiskConfig{
			DefaultStopLossPct: "0.02",
		},
	}
}

// Load reads the YAML file at path (skipped when empty or missing) over the
// defaults, then applies environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return cfg, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err == nil {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("config: parse %s: %w", path, err)
			}
		}
	}

	applyEnv(&cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	setString(&cfg.Server.Addr, "ENGINE_ADDR")
	setString(&cfg.Database.URL, "ENGINE_DATABASE_URL")
	setString(&cfg.Redis.Addr, "ENGINE_REDIS_ADDR")
	setString(&cfg.Redis.Password, "ENGINE_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "ENGINE_REDIS_DB")
	setDuration(&cfg.Engine.SubmitTimeout, "ENGINE_SUBMIT_TIMEOUT")
	setDuration(&cfg.Engine.PollInterval, "ENGINE_POLL_INTERVAL")
	setDuration(&cfg.Engine.SweepInterval, "ENGINE_SWEEP_INTERVAL")
	setDuration(&cfg.Engine.OrderTTL, "ENGINE_ORDER_TTL")
	setInt(&cfg.Engine.ExchangeRPS, "ENGINE_EXCHANGE_RPS")
	setString(&cfg.Risk.DefaultStopLossPct, "ENGINE_DEFAULT_STOP_LOSS_PCT")
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
