package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Pool      PoolConfig      `yaml:"pool"`
	Health    HealthConfig    `yaml:"health"`
	Swarm     SwarmConfig     `yaml:"swarm"`
	Monitor   MonitorConfig   `yaml:"monitor"`
	Runner    RunnerConfig    `yaml:"runner"`
	NATS      NATSConfig      `yaml:"nats"`
	Store     StoreConfig     `yaml:"store"`
	Web       WebConfig       `yaml:"web"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Telegram  TelegramConfig  `yaml:"telegram"`
}

type PoolConfig struct {
	AgentCount         int `yaml:"agent_count"`
	PlacementGroupSize int `yaml:"placement_group_size"`
}

type HealthConfig struct {
	SampleSize          int           `yaml:"sample_size"`
	ProbeTimeout        time.Duration `yaml:"probe_timeout"`
	SampleTimeout       time.Duration `yaml:"sample_timeout"`
	PessimisticFraction float64       `yaml:"pessimistic_fraction"`
}

type SwarmConfig struct {
	DependencyPollInterval time.Duration `yaml:"dependency_poll_interval"`
	BackoffUnit            time.Duration `yaml:"backoff_unit"`
	MinCompletionRatio     float64       `yaml:"min_completion_ratio"`
}

type MonitorConfig struct {
	Interval   time.Duration `yaml:"interval"`
	SampleSize int           `yaml:"sample_size"`
}

type RunnerConfig struct {
	Kind  string `yaml:"kind"` // "echo", "command", "docker"
	Image string `yaml:"image"`
}

type NATSConfig struct {
	Port    int    `yaml:"port"`
	DataDir string `yaml:"data_dir"`
}

type StoreConfig struct {
	Path       string `yaml:"path"`
	Passphrase string `yaml:"passphrase"`
}

type WebConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Auth    string `yaml:"auth"`
}

type SchedulerConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
}

type TelegramConfig struct {
	Token  string `yaml:"token"`
	ChatID int64  `yaml:"chat_id"`
}

func defaults() Config {
	return Config{
		Pool: PoolConfig{
			AgentCount:         16,
			PlacementGroupSize: 8,
		},
		Health: HealthConfig{
			SampleSize:          5,
			ProbeTimeout:        2 * time.Second,
			SampleTimeout:       5 * time.Second,
			PessimisticFraction: 0.5,
		},
		Swarm: SwarmConfig{
			DependencyPollInterval: 100 * time.Millisecond,
			BackoffUnit:            time.Second,
		},
		Monitor: MonitorConfig{
			Interval:   10 * time.Second,
			SampleSize: 5,
		},
		Runner: RunnerConfig{
			Kind: "echo",
		},
		NATS: NATSConfig{
			Port:    4222,
			DataDir: "data/nats",
		},
		Store: StoreConfig{
			Path: "data/smini.db",
		},
		Web: WebConfig{
			Enabled: true,
			Port:    8080,
		},
		Scheduler: SchedulerConfig{
			PollInterval: 30 * time.Second,
		},
	}
}

func Load() (*Config, error) {
	cfg := defaults()

	path := os.Getenv("SMINI_CONFIG")
	if path == "" {
		path = "config/smini.yaml"
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		// Config file not found, use defaults + env
	} else {
		// Expand environment variables in YAML
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	// Environment variable overrides
	applyEnv(&cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("SMINI_AGENT_COUNT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Pool.AgentCount = n
		}
	}
	if v := os.Getenv("SMINI_TELEGRAM_TOKEN"); v != "" {
		cfg.Telegram.Token = v
	}
	if v := os.Getenv("SMINI_TELEGRAM_CHAT_ID"); v != "" {
		if id, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Telegram.ChatID = id
		}
	}
	if v := os.Getenv("SMINI_WEB_PASSWORD"); v != "" {
		cfg.Web.Auth = v
	}
	if v := os.Getenv("SMINI_WEB_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Web.Port = port
		}
	}
	if v := os.Getenv("SMINI_NATS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.NATS.Port = port
		}
	}
	if v := os.Getenv("SMINI_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("SMINI_STORE_PASSPHRASE"); v != "" {
		cfg.Store.Passphrase = v
	}
	if v := os.Getenv("SMINI_RUNNER"); v != "" {
		cfg.Runner.Kind = v
	}
}

func (c *Config) validate() error {
	if c.Pool.AgentCount < 1 {
		return fmt.Errorf("pool.agent_count must be at least 1, got %d", c.Pool.AgentCount)
	}
	if c.Pool.PlacementGroupSize < 1 {
		return fmt.Errorf("pool.placement_group_size must be at least 1, got %d", c.Pool.PlacementGroupSize)
	}
	if c.Health.SampleSize < 1 {
		return fmt.Errorf("health.sample_size must be at least 1, got %d", c.Health.SampleSize)
	}
	if c.Health.PessimisticFraction <= 0 || c.Health.PessimisticFraction > 1 {
		return fmt.Errorf("health.pessimistic_fraction must be in (0, 1], got %g", c.Health.PessimisticFraction)
	}
	if c.Swarm.MinCompletionRatio < 0 || c.Swarm.MinCompletionRatio > 1 {
		return fmt.Errorf("swarm.min_completion_ratio must be in [0, 1], got %g", c.Swarm.MinCompletionRatio)
	}
	return nil
}
