// Package config loads and validates the jobhound TOML configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration is a time.Duration that unmarshals from TOML strings like "60s" or "2m".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

type Config struct {
	General    General    `toml:"general"`
	RateLimits RateLimits `toml:"rate_limits"`
	Costs      Costs      `toml:"costs"`
	Retry      Retry      `toml:"retry"`
	Breaker    Breaker    `toml:"breaker"`
	Safety     Safety     `toml:"safety"`
	Stop       Stop       `toml:"stop"`
}

type General struct {
	StateDB  string `toml:"state_db"`
	LogLevel string `toml:"log_level"`
}

// RateLimits carries per-resource admission ceilings for the rolling
// hour and day windows.
type RateLimits struct {
	ApplicationsPerHour int `toml:"applications_per_hour"`
	ApplicationsPerDay  int `toml:"applications_per_day"`
	ScrapesPerHour      int `toml:"scrapes_per_hour"`
	ScrapesPerDay       int `toml:"scrapes_per_day"`
}

type Costs struct {
	MaxPerHourUSD    float64 `toml:"max_per_hour_usd"`
	MaxPerDayUSD     float64 `toml:"max_per_day_usd"`
	InputPerMtokUSD  float64 `toml:"input_per_mtok_usd"`
	OutputPerMtokUSD float64 `toml:"output_per_mtok_usd"`
}

type Retry struct {
	MaxRetries   int      `toml:"max_retries"`
	InitialDelay Duration `toml:"initial_delay"`
	MaxDelay     Duration `toml:"max_delay"`
	Multiplier   float64  `toml:"multiplier"`
	Jitter       bool     `toml:"jitter"`
}

type Breaker struct {
	FailureThreshold int      `toml:"failure_threshold"`
	RecoveryTimeout  Duration `toml:"recovery_timeout"`
	SuccessThreshold int      `toml:"success_threshold"`
}

type Safety struct {
	MaxConsecutiveFailures int      `toml:"max_consecutive_failures"`
	FailureCooldown        Duration `toml:"failure_cooldown"`
}

type Stop struct {
	MarkerFile    string   `toml:"marker_file"`
	CheckInterval Duration `toml:"check_interval"`
	RedisAddr     string   `toml:"redis_addr"`
	RedisKey      string   `toml:"redis_key"`
}

// Load reads and validates a jobhound TOML configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// Default returns the configuration with all defaults applied and no file read.
func Default() *Config {
	var cfg Config
	applyDefaults(&cfg)
	return &cfg
}

func applyDefaults(cfg *Config) {
	if cfg.General.LogLevel == "" {
		cfg.General.LogLevel = "info"
	}
	if cfg.RateLimits.ApplicationsPerHour == 0 {
		cfg.RateLimits.ApplicationsPerHour = 10
	}
	if cfg.RateLimits.ApplicationsPerDay == 0 {
		cfg.RateLimits.ApplicationsPerDay = 50
	}
	if cfg.RateLimits.ScrapesPerHour == 0 {
		cfg.RateLimits.ScrapesPerHour = 60
	}
	if cfg.RateLimits.ScrapesPerDay == 0 {
		cfg.RateLimits.ScrapesPerDay = 500
	}
	if cfg.Costs.MaxPerHourUSD == 0 {
		cfg.Costs.MaxPerHourUSD = 10.0
	}
	if cfg.Costs.MaxPerDayUSD == 0 {
		cfg.Costs.MaxPerDayUSD = 50.0
	}
	if cfg.Retry.MaxRetries == 0 {
		cfg.Retry.MaxRetries = 3
	}
	if cfg.Retry.InitialDelay.Duration == 0 {
		cfg.Retry.InitialDelay.Duration = time.Second
	}
	if cfg.Retry.MaxDelay.Duration == 0 {
		cfg.Retry.MaxDelay.Duration = 60 * time.Second
	}
	if cfg.Retry.Multiplier == 0 {
		cfg.Retry.Multiplier = 2.0
	}
	if cfg.Breaker.FailureThreshold == 0 {
		cfg.Breaker.FailureThreshold = 5
	}
	if cfg.Breaker.RecoveryTimeout.Duration == 0 {
		cfg.Breaker.RecoveryTimeout.Duration = 60 * time.Second
	}
	if cfg.Breaker.SuccessThreshold == 0 {
		cfg.Breaker.SuccessThreshold = 3
	}
	if cfg.Safety.MaxConsecutiveFailures == 0 {
		cfg.Safety.MaxConsecutiveFailures = 3
	}
	if cfg.Safety.FailureCooldown.Duration == 0 {
		cfg.Safety.FailureCooldown.Duration = 30 * time.Minute
	}
	if cfg.Stop.MarkerFile == "" {
		cfg.Stop.MarkerFile = filepath.Join(os.TempDir(), "jobhound_emergency_stop")
	}
	if cfg.Stop.CheckInterval.Duration == 0 {
		cfg.Stop.CheckInterval.Duration = 30 * time.Second
	}
	if cfg.Stop.RedisKey == "" {
		cfg.Stop.RedisKey = "jobhound:emergency_stop"
	}
}

func validate(cfg *Config) error {
	if cfg.RateLimits.ApplicationsPerHour <= 0 {
		return fmt.Errorf("applications_per_hour must be positive, got %d", cfg.RateLimits.ApplicationsPerHour)
	}
	if cfg.RateLimits.ApplicationsPerDay <= 0 {
		return fmt.Errorf("applications_per_day must be positive, got %d", cfg.RateLimits.ApplicationsPerDay)
	}
	if cfg.RateLimits.ApplicationsPerDay < cfg.RateLimits.ApplicationsPerHour {
		return fmt.Errorf("applications_per_day (%d) must not be below applications_per_hour (%d)",
			cfg.RateLimits.ApplicationsPerDay, cfg.RateLimits.ApplicationsPerHour)
	}
	if cfg.RateLimits.ScrapesPerHour <= 0 {
		return fmt.Errorf("scrapes_per_hour must be positive, got %d", cfg.RateLimits.ScrapesPerHour)
	}
	if cfg.RateLimits.ScrapesPerDay <= 0 {
		return fmt.Errorf("scrapes_per_day must be positive, got %d", cfg.RateLimits.ScrapesPerDay)
	}
	if cfg.RateLimits.ScrapesPerDay < cfg.RateLimits.ScrapesPerHour {
		return fmt.Errorf("scrapes_per_day (%d) must not be below scrapes_per_hour (%d)",
			cfg.RateLimits.ScrapesPerDay, cfg.RateLimits.ScrapesPerHour)
	}
	if cfg.Costs.MaxPerHourUSD <= 0 {
		return fmt.Errorf("max_per_hour_usd must be positive, got %.2f", cfg.Costs.MaxPerHourUSD)
	}
	if cfg.Costs.MaxPerDayUSD <= 0 {
		return fmt.Errorf("max_per_day_usd must be positive, got %.2f", cfg.Costs.MaxPerDayUSD)
	}
	if cfg.Retry.MaxRetries < 0 {
		return fmt.Errorf("max_retries must not be negative, got %d", cfg.Retry.MaxRetries)
	}
	if cfg.Retry.Multiplier < 1.0 {
		return fmt.Errorf("retry multiplier must be >= 1.0, got %.2f", cfg.Retry.Multiplier)
	}
	if cfg.Retry.MaxDelay.Duration < cfg.Retry.InitialDelay.Duration {
		return fmt.Errorf("retry max_delay %s is below initial_delay %s",
			cfg.Retry.MaxDelay.Duration, cfg.Retry.InitialDelay.Duration)
	}
	if cfg.Breaker.FailureThreshold <= 0 {
		return fmt.Errorf("breaker failure_threshold must be positive, got %d", cfg.Breaker.FailureThreshold)
	}
	if cfg.Breaker.SuccessThreshold <= 0 {
		return fmt.Errorf("breaker success_threshold must be positive, got %d", cfg.Breaker.SuccessThreshold)
	}
	if cfg.Breaker.RecoveryTimeout.Duration <= 0 {
		return fmt.Errorf("breaker recovery_timeout must be positive, got %s", cfg.Breaker.RecoveryTimeout.Duration)
	}
	if cfg.Safety.MaxConsecutiveFailures <= 0 {
		return fmt.Errorf("max_consecutive_failures must be positive, got %d", cfg.Safety.MaxConsecutiveFailures)
	}
	if cfg.Stop.CheckInterval.Duration <= 0 {
		return fmt.Errorf("stop check_interval must be positive, got %s", cfg.Stop.CheckInterval.Duration)
	}

	if cfg.General.StateDB != "" {
		dir := ExpandHome(filepath.Dir(cfg.General.StateDB))
		info, err := os.Stat(dir)
		if err != nil {
			return fmt.Errorf("state_db directory %q does not exist: %w", dir, err)
		}
		if !info.IsDir() {
			return fmt.Errorf("state_db parent path %q is not a directory", dir)
		}
	}

	return nil
}

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(path string) string {
	if len(path) == 0 {
		return path
	}
	if path[0] == '~' {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[1:])
	}
	return path
}
