package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config captures the runtime configuration for the posgate service.
// Durations are expressed in seconds in the TOML file to match the operator
// documentation.
type Config struct {
	ListenAddress             string `toml:"ListenAddress"`
	DatabasePath              string `toml:"DatabasePath"`
	LocalNodeURL              string `toml:"LocalNodeURL"`
	PublicAPIURL              string `toml:"PublicAPIURL"`
	CheckIntervalSeconds      int    `toml:"CheckIntervalSeconds"`
	LocalProbeTimeoutSeconds  int    `toml:"LocalProbeTimeoutSeconds"`
	PublicProbeTimeoutSeconds int    `toml:"PublicProbeTimeoutSeconds"`
	FailureThreshold          int    `toml:"FailureThreshold"`
	BreakerTimeoutSeconds     int    `toml:"BreakerTimeoutSeconds"`
	LogFile                   string `toml:"LogFile"`
	Env                       string `toml:"Env"`
}

const (
	envListen         = "POSGATE_LISTEN"
	envDBPath         = "POSGATE_DB"
	envLocalNodeURL   = "POSGATE_LOCAL_NODE_URL"
	envPublicAPIURL   = "POSGATE_PUBLIC_API_URL"
	envCheckInterval  = "POSGATE_CHECK_INTERVAL"
	envThreshold      = "POSGATE_BREAKER_THRESHOLD"
	envBreakerTimeout = "POSGATE_BREAKER_TIMEOUT"
	envLogFile        = "POSGATE_LOG_FILE"
	envEnv            = "POSGATE_ENV"
)

func defaults() *Config {
	return &Config{
		ListenAddress:             ":8080",
		DatabasePath:              "posgate.db",
		LocalNodeURL:              "http://localhost:31400",
		PublicAPIURL:              "https://api.minepi.com",
		CheckIntervalSeconds:      5,
		LocalProbeTimeoutSeconds:  5,
		PublicProbeTimeoutSeconds: 10,
		FailureThreshold:          5,
		BreakerTimeoutSeconds:     60,
	}
}

// Load resolves configuration from the TOML file at path, then applies
// environment overrides. A missing file is created with documented defaults.
// An empty path skips the file entirely.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if strings.TrimSpace(path) != "" {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			if err := createDefault(path, cfg); err != nil {
				return nil, err
			}
		} else {
			if _, err := toml.DecodeFile(path, cfg); err != nil {
				return nil, fmt.Errorf("decode config %s: %w", path, err)
			}
		}
	}

	applyEnv(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func createDefault(path string, cfg *Config) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create default config %s: %w", path, err)
	}
	defer f.Close()
	return toml.NewEncoder(f).Encode(cfg)
}

func applyEnv(cfg *Config) {
	cfg.ListenAddress = getenvDefault(envListen, cfg.ListenAddress)
	cfg.DatabasePath = getenvDefault(envDBPath, cfg.DatabasePath)
	cfg.LocalNodeURL = getenvDefault(envLocalNodeURL, cfg.LocalNodeURL)
	cfg.PublicAPIURL = getenvDefault(envPublicAPIURL, cfg.PublicAPIURL)
	cfg.CheckIntervalSeconds = getenvIntDefault(envCheckInterval, cfg.CheckIntervalSeconds)
	cfg.FailureThreshold = getenvIntDefault(envThreshold, cfg.FailureThreshold)
	cfg.BreakerTimeoutSeconds = getenvIntDefault(envBreakerTimeout, cfg.BreakerTimeoutSeconds)
	cfg.LogFile = getenvDefault(envLogFile, cfg.LogFile)
	cfg.Env = getenvDefault(envEnv, cfg.Env)
}

func (c *Config) validate() error {
	if strings.TrimSpace(c.LocalNodeURL) == "" {
		return fmt.Errorf("LocalNodeURL is required")
	}
	if strings.TrimSpace(c.PublicAPIURL) == "" {
		return fmt.Errorf("PublicAPIURL is required")
	}
	if c.CheckIntervalSeconds <= 0 {
		return fmt.Errorf("CheckIntervalSeconds must be positive")
	}
	if c.FailureThreshold <= 0 {
		return fmt.Errorf("FailureThreshold must be positive")
	}
	if c.BreakerTimeoutSeconds <= 0 {
		return fmt.Errorf("BreakerTimeoutSeconds must be positive")
	}
	return nil
}

// CheckInterval returns the probe loop period.
func (c *Config) CheckInterval() time.Duration {
	return time.Duration(c.CheckIntervalSeconds) * time.Second
}

// LocalProbeTimeout returns the local node probe bound.
func (c *Config) LocalProbeTimeout() time.Duration {
	return time.Duration(c.LocalProbeTimeoutSeconds) * time.Second
}

// PublicProbeTimeout returns the public API probe bound.
func (c *Config) PublicProbeTimeout() time.Duration {
	return time.Duration(c.PublicProbeTimeoutSeconds) * time.Second
}

// BreakerTimeout returns the circuit breaker cooldown.
func (c *Config) BreakerTimeout() time.Duration {
	return time.Duration(c.BreakerTimeoutSeconds) * time.Second
}

func getenvDefault(key, def string) string {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		return val
	}
	return def
}

func getenvIntDefault(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil || parsed <= 0 {
		return def
	}
	return parsed
}
