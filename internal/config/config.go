package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config holds the daemon configuration
type Config struct {
	ListenAddr string `mapstructure:"listen_addr"`
	DBPath     string `mapstructure:"db_path"`
	CVDir      string `mapstructure:"cv_dir"`

	SubmitWorkers int           `mapstructure:"submit_workers"`
	PollWorkers   int           `mapstructure:"poll_workers"`
	SubmitTimeout time.Duration `mapstructure:"submit_timeout"`
	PollTimeout   time.Duration `mapstructure:"poll_timeout"`
	DrainTimeout  time.Duration `mapstructure:"drain_timeout"`
	PollTick      time.Duration `mapstructure:"poll_tick"`

	// Campaign defaults, applied when a campaign config omits them
	DailyApplicationCap  int     `mapstructure:"daily_application_cap"`
	PredictorThreshold   float64 `mapstructure:"predictor_threshold"`
	GhostingDeadlineDays int     `mapstructure:"ghosting_deadline_days"`
	MaxRetries           int     `mapstructure:"max_retries"`

	// Per-platform rate overrides, keyed by platform name
	RateOverrides map[string]RateOverride `mapstructure:"rate_overrides"`
}

// RateOverride tunes one platform's pacing
type RateOverride struct {
	MinIntervalSeconds int `mapstructure:"min_interval_seconds"`
	TokensPerMinute    int `mapstructure:"tokens_per_minute"`
	MaxInFlight        int `mapstructure:"max_in_flight"`
}

// Load reads or creates the configuration file and returns the config
func Load() (*Config, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get home directory: %w", err)
	}

	configDir := filepath.Join(homeDir, ".applyd")
	configFile := filepath.Join(configDir, "config.yaml")

	if err := os.MkdirAll(configDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create config directory: %w", err)
	}

	if _, err := os.Stat(configFile); os.IsNotExist(err) {
		if err := createDefaultConfig(configFile); err != nil {
			return nil, err
		}
	}

	viper.SetConfigFile(configFile)
	viper.SetConfigType("yaml")

	viper.SetDefault("listen_addr", "127.0.0.1:8480")
	viper.SetDefault("db_path", filepath.Join(configDir, "applyd.db"))
	viper.SetDefault("cv_dir", filepath.Join(configDir, "cvs"))
	viper.SetDefault("submit_workers", 8)
	viper.SetDefault("poll_workers", 3)
	viper.SetDefault("submit_timeout", "30s")
	viper.SetDefault("poll_timeout", "10s")
	viper.SetDefault("drain_timeout", "30s")
	viper.SetDefault("poll_tick", "1m")
	viper.SetDefault("daily_application_cap", 50)
	viper.SetDefault("predictor_threshold", 0.6)
	viper.SetDefault("ghosting_deadline_days", 60)
	viper.SetDefault("max_retries", 3)

	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg := &Config{}
	if err := viper.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return cfg, nil
}

// createDefaultConfig creates a default config file
func createDefaultConfig(path string) error {
	defaultConfig := `# applyd configuration
listen_addr: 127.0.0.1:8480

# Where campaign and application state is stored
# db_path: ~/.applyd/applyd.db

# Directory holding pre-rendered CV artifacts, one file per variant id
# cv_dir: ~/.applyd/cvs

# Worker pools: submissions and outcome polling are sized independently
submit_workers: 8
poll_workers: 3

# Hard timeouts on adapter calls
submit_timeout: 30s
poll_timeout: 10s

# Campaign defaults (each campaign may override)
daily_application_cap: 50
predictor_threshold: 0.6
ghosting_deadline_days: 60
max_retries: 3

# Per-platform pacing overrides
# rate_overrides:
#   linkedin:
#     min_interval_seconds: 60
#     tokens_per_minute: 2
#     max_in_flight: 1

# Platform credentials are read from the environment (or a .env file),
# never from this file: APPLYD_LINKEDIN_TOKEN, APPLYD_INDEED_TOKEN, ...
`
	return os.WriteFile(path, []byte(defaultConfig), 0600)
}

// Set updates a configuration value and persists it
func Set(key, value string) error {
	viper.Set(key, value)
	return viper.WriteConfig()
}

// Get retrieves a configuration value
func Get(key string) string {
	return viper.GetString(key)
}

// Path returns the path to the config file
func Path() string {
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".applyd", "config.yaml")
}
