package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Port string

	// scheduler tuning
	WorkerCount         int
	MaxRetries          int
	RetentionWindow     time.Duration
	MaintenanceInterval time.Duration
	HeartbeatTTL        time.Duration
	PollInterval        time.Duration

	FlowMode string

	// evaluation engine
	OpenAIKey     string
	OpenAIBaseURL string
	EvalModel     string

	// optional Redis event mirror
	RedisAddr    string
	RedisChannel string
}

// fileConfig is the YAML shape; durations are Go duration strings ("1h").
type fileConfig struct {
	Port string `yaml:"port"`

	Scheduler struct {
		WorkerCount         int    `yaml:"worker_count"`
		MaxRetries          int    `yaml:"max_retries"`
		RetentionWindow     string `yaml:"retention_window"`
		MaintenanceInterval string `yaml:"maintenance_interval"`
		HeartbeatTTL        string `yaml:"heartbeat_ttl"`
		PollInterval        string `yaml:"poll_interval"`
	} `yaml:"scheduler"`

	FlowMode string `yaml:"flow_mode"`

	OpenAI struct {
		Key     string `yaml:"key"`
		BaseURL string `yaml:"base_url"`
		Model   string `yaml:"model"`
	} `yaml:"openai"`

	Redis struct {
		Addr    string `yaml:"addr"`
		Channel string `yaml:"channel"`
	} `yaml:"redis"`
}

func defaults() Config {
	return Config{
		Port:                "8080",
		WorkerCount:         5,
		MaxRetries:          3,
		RetentionWindow:     time.Hour,
		MaintenanceInterval: 60 * time.Second,
		HeartbeatTTL:        30 * time.Second,
		PollInterval:        200 * time.Millisecond,
		FlowMode:            "synchronous",
		EvalModel:           "gpt-4o-mini",
		RedisChannel:        "promptarena:events",
	}
}

// Load reads the optional YAML file, then applies environment overrides on
// top. An empty path is equivalent to FromEnv.
func Load(path string) (Config, error) {
	if path == "" {
		return FromEnv(), nil
	}
	c := defaults()
	data, err := os.ReadFile(path)
	if err != nil {
		return c, fmt.Errorf("read config file: %w", err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return c, fmt.Errorf("parse config file: %w", err)
	}
	if err := c.applyFile(fc); err != nil {
		return c, err
	}
	c.applyEnv()
	return c, nil
}

// FromEnv builds a config from environment variables alone.
func FromEnv() Config {
	c := defaults()
	c.applyEnv()
	return c
}

func (c *Config) applyFile(fc fileConfig) error {
	setStr(&c.Port, fc.Port)
	setInt(&c.WorkerCount, fc.Scheduler.WorkerCount)
	setInt(&c.MaxRetries, fc.Scheduler.MaxRetries)
	if err := setDur(&c.RetentionWindow, fc.Scheduler.RetentionWindow, "scheduler.retention_window"); err != nil {
		return err
	}
	if err := setDur(&c.MaintenanceInterval, fc.Scheduler.MaintenanceInterval, "scheduler.maintenance_interval"); err != nil {
		return err
	}
	if err := setDur(&c.HeartbeatTTL, fc.Scheduler.HeartbeatTTL, "scheduler.heartbeat_ttl"); err != nil {
		return err
	}
	if err := setDur(&c.PollInterval, fc.Scheduler.PollInterval, "scheduler.poll_interval"); err != nil {
		return err
	}
	setStr(&c.FlowMode, fc.FlowMode)
	setStr(&c.OpenAIKey, fc.OpenAI.Key)
	setStr(&c.OpenAIBaseURL, fc.OpenAI.BaseURL)
	setStr(&c.EvalModel, fc.OpenAI.Model)
	setStr(&c.RedisAddr, fc.Redis.Addr)
	setStr(&c.RedisChannel, fc.Redis.Channel)
	return nil
}

func (c *Config) applyEnv() {
	envStr(&c.Port, "PORT")
	envInt(&c.WorkerCount, "WORKER_COUNT")
	envInt(&c.MaxRetries, "MAX_RETRIES")
	envDur(&c.RetentionWindow, "RETENTION_WINDOW")
	envDur(&c.MaintenanceInterval, "MAINTENANCE_INTERVAL")
	envDur(&c.HeartbeatTTL, "HEARTBEAT_TTL")
	envDur(&c.PollInterval, "POLL_INTERVAL")
	envStr(&c.FlowMode, "FLOW_MODE")
	envStr(&c.OpenAIKey, "OPENAI_API_KEY")
	envStr(&c.OpenAIBaseURL, "OPENAI_BASE_URL")
	envStr(&c.EvalModel, "EVAL_MODEL")
	envStr(&c.RedisAddr, "REDIS_ADDR")
	envStr(&c.RedisChannel, "REDIS_CHANNEL")
}

func setStr(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setInt(dst *int, v int) {
	if v > 0 {
		*dst = v
	}
}

func setDur(dst *time.Duration, v, field string) error {
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	*dst = d
	return nil
}

func envStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envDur(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
