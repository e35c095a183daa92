package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// ConfigPath is the default configuration file location.
const ConfigPath = "config.yaml"

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port            string `yaml:"port"`
	DatabaseURL     string `yaml:"databaseURL"`
	LogLevel        string `yaml:"logLevel"`
	GeminiAPIKey    string `yaml:"geminiAPIKey"`
	GenerationModel string `yaml:"generationModel"`

	SessionSecret     string `yaml:"sessionSecret"`
	SessionTTLMinutes int    `yaml:"sessionTTLMinutes"`

	RedisAddr     string `yaml:"redisAddr"`
	RedisPassword string `yaml:"redisPassword"`

	// Provider pacing and retry tunables, in seconds. Zeroes take the
	// built-in defaults.
	PacerIntervalSeconds        int `yaml:"pacerIntervalSeconds"`
	RetryMaxAttempts            int `yaml:"retryMaxAttempts"`
	RetryBaseDelaySeconds       int `yaml:"retryBaseDelaySeconds"`
	ThrottleThreshold           int `yaml:"throttleThreshold"`
	ConservativeIntervalSeconds int `yaml:"conservativeIntervalSeconds"`

	// Per-IP fixed-window quotas (requests per minute).
	SignupPerMinute int `yaml:"signupPerMinute"`
	LoginPerMinute  int `yaml:"loginPerMinute"`
	SendPerMinute   int `yaml:"sendPerMinute"`

	MaxConns       int      `yaml:"maxConns"`
	TrustedProxies []string `yaml:"trustedProxies"`
}

// Load reads config from path (defaults to config.yaml).
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	if path == "" {
		path = ConfigPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	// Override with environment variables
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("GEMINI_API_KEY"); v != "" {
		cfg.GeminiAPIKey = v
	}
	if v := os.Getenv("GEMINI_GENERATION_MODEL"); v != "" {
		cfg.GenerationModel = v
	}
	if v := os.Getenv("SESSION_SECRET"); v != "" {
		cfg.SessionSecret = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	if v := os.Getenv("MAX_CONNS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("parse MAX_CONNS: %w", err)
		}
		cfg.MaxConns = n
	}
	applyDefaults(&cfg)
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *FileConfig) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.GenerationModel == "" {
		cfg.GenerationModel = "gemini-2.0-flash-exp"
	}
	if cfg.SessionTTLMinutes <= 0 {
		cfg.SessionTTLMinutes = 24 * 60
	}
	if cfg.SignupPerMinute <= 0 {
		cfg.SignupPerMinute = 10
	}
	if cfg.LoginPerMinute <= 0 {
		cfg.LoginPerMinute = 20
	}
	if cfg.SendPerMinute <= 0 {
		cfg.SendPerMinute = 30
	}
	if cfg.MaxConns <= 0 {
		cfg.MaxConns = 512
	}
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml)")
	}
	if cfg.DatabaseURL == "" {
		return errors.New("config: databaseURL is required (set in config.yaml or DATABASE_URL)")
	}
	if cfg.GeminiAPIKey == "" {
		return errors.New("config: geminiAPIKey is required (set in config.yaml or GEMINI_API_KEY)")
	}
	if len(cfg.SessionSecret) < 32 {
		return errors.New("config: sessionSecret must be at least 32 bytes (set in config.yaml or SESSION_SECRET)")
	}
	if cfg.RetryMaxAttempts < 0 {
		return errors.New("config: retryMaxAttempts must not be negative")
	}
	if cfg.PacerIntervalSeconds < 0 {
		return errors.New("config: pacerIntervalSeconds must not be negative")
	}
	return nil
}
