package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the engine's full runtime configuration, loaded from
// config/engine.yaml with environment overrides on top.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Logging     LoggingConfig     `yaml:"logging"`
	Database    DatabaseConfig    `yaml:"database"`
	Redis       RedisConfig       `yaml:"redis"`
	Wallet      WalletConfig      `yaml:"wallet"`
	Scoring     ScoringConfig     `yaml:"scoring"`
	Rewards     RewardsConfig     `yaml:"rewards"`
	Leaderboard LeaderboardConfig `yaml:"leaderboard"`
	Ingest      IngestConfig      `yaml:"ingest"`
}

type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type DatabaseConfig struct {
	// DSN is a lib/pq connection string. Empty means the in-memory store.
	DSN          string `yaml:"dsn"`
	MaxOpenConns int    `yaml:"max_open_conns"`
}

type RedisConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

type WalletConfig struct {
	// BaseURL of the wallet credit service. Empty disables real credits and
	// logs them instead.
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

type ScoringConfig struct {
	Damping       float64       `yaml:"damping"`
	Baseline      float64       `yaml:"baseline"`
	Epsilon       float64       `yaml:"epsilon"`
	MaxIterations int           `yaml:"max_iterations"`
	HopBound      int           `yaml:"hop_bound"`
	TopSupporters int           `yaml:"top_supporters"`
	FullSchedule  string        `yaml:"full_schedule"`
	RetryDelay    time.Duration `yaml:"retry_delay"`
	InitialFull   bool          `yaml:"initial_full"`
}

type RewardsConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	BaseBackoff  time.Duration `yaml:"base_backoff"`
	MaxAttempts  int           `yaml:"max_attempts"`
}

type LeaderboardConfig struct {
	Schedule       string `yaml:"schedule"`
	InitialRebuild bool   `yaml:"initial_rebuild"`
}

type IngestConfig struct {
	Workers   int `yaml:"workers"`
	QueueSize int `yaml:"queue_size"`
}

// Default returns the configuration used when no file or overrides exist.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 20 * time.Second,
		},
		Logging: LoggingConfig{Level: "info", Format: "json"},
		Redis:   RedisConfig{Addr: "localhost:6379", KeyPrefix: "trust_engine"},
		Wallet:  WalletConfig{Timeout: 10 * time.Second},
		Scoring: ScoringConfig{
			Damping:       0.85,
			Baseline:      1.0,
			Epsilon:       1e-6,
			MaxIterations: 100,
			HopBound:      3,
			TopSupporters: 10,
			FullSchedule:  "0 3 * * *",
			RetryDelay:    5 * time.Minute,
			InitialFull:   true,
		},
		Rewards: RewardsConfig{
			PollInterval: 15 * time.Second,
			BaseBackoff:  30 * time.Second,
			MaxAttempts:  5,
		},
		Leaderboard: LeaderboardConfig{Schedule: "@every 1m", InitialRebuild: true},
		Ingest:      IngestConfig{Workers: 4, QueueSize: 1024},
	}
}

// Load reads the yaml file at path over the defaults, then applies
// environment overrides. A missing file is not an error.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("parse config %s: %w", path, err)
			}
		case os.IsNotExist(err):
			// fall through to defaults and env
		default:
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	applyEnv(&cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	envString("TRUST_ENGINE_ADDR", &cfg.Server.Addr)
	envString("TRUST_ENGINE_LOG_LEVEL", &cfg.Logging.Level)
	envString("TRUST_ENGINE_LOG_FORMAT", &cfg.Logging.Format)
	envString("TRUST_ENGINE_DATABASE_DSN", &cfg.Database.DSN)
	envString("TRUST_ENGINE_REDIS_ADDR", &cfg.Redis.Addr)
	envString("TRUST_ENGINE_REDIS_PASSWORD", &cfg.Redis.Password)
	envBool("TRUST_ENGINE_REDIS_ENABLED", &cfg.Redis.Enabled)
	envString("TRUST_ENGINE_WALLET_URL", &cfg.Wallet.BaseURL)
	envFloat("TRUST_ENGINE_SCORING_DAMPING", &cfg.Scoring.Damping)
	envInt("TRUST_ENGINE_SCORING_MAX_ITERATIONS", &cfg.Scoring.MaxIterations)
	envInt("TRUST_ENGINE_SCORING_HOP_BOUND", &cfg.Scoring.HopBound)
	envString("TRUST_ENGINE_SCORING_FULL_SCHEDULE", &cfg.Scoring.FullSchedule)
	envInt("TRUST_ENGINE_INGEST_WORKERS", &cfg.Ingest.Workers)
}

func envString(name string, dst *string) {
	if v := os.Getenv(name); v != "" {
		*dst = v
	}
}

func envBool(name string, dst *bool) {
	if v := os.Getenv(name); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func envInt(name string, dst *int) {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envFloat(name string, dst *float64) {
	if v := os.Getenv(name); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}
