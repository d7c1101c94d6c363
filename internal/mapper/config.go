package mapper

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/meshwatch/meshmap/internal/health"
	"github.com/meshwatch/meshmap/internal/queue"
)

// Config is the full operator-facing surface of the mapper. Every field is
// range-checked by Validate; a validation failure aborts startup before any
// background loop runs.
type Config struct {
	Enabled bool `yaml:"enabled"`

	// Rate limiting.
	TraceroutesPerMinute float64 `yaml:"traceroutes_per_minute"` // 0 disables sending
	BurstMultiplier      float64 `yaml:"burst_multiplier"`

	// Queue.
	QueueMaxSize          int                    `yaml:"queue_max_size"`
	QueueOverflowStrategy queue.OverflowStrategy `yaml:"queue_overflow_strategy"`
	ClearQueueOnStartup   bool                   `yaml:"clear_queue_on_startup"`

	// Rechecks.
	RecheckIntervalHours float64 `yaml:"recheck_interval_hours"` // 0 disables periodic rechecks
	RecheckEnabled       bool    `yaml:"recheck_enabled"`

	// Probes.
	MaxHops                int     `yaml:"max_hops"`
	TimeoutSeconds         float64 `yaml:"timeout_seconds"`
	MaxRetries             int     `yaml:"max_retries"`
	RetryBackoffMultiplier float64 `yaml:"retry_backoff_multiplier"`

	// Startup.
	InitialDiscoveryEnabled bool    `yaml:"initial_discovery_enabled"`
	StartupDelaySeconds     float64 `yaml:"startup_delay_seconds"`

	// Filters.
	SkipDirectNodes bool     `yaml:"skip_direct_nodes"`
	Blacklist       []string `yaml:"blacklist"`
	Whitelist       []string `yaml:"whitelist"`
	ExcludeRoles    []string `yaml:"exclude_roles"`
	MinSNRThreshold *float64 `yaml:"min_snr_threshold"`

	// Persistence.
	StatePersistenceEnabled bool    `yaml:"state_persistence_enabled"`
	StateFilePath           string  `yaml:"state_file_path"`
	AutoSaveIntervalMinutes float64 `yaml:"auto_save_interval_minutes"`
	HistoryPerNode          int     `yaml:"history_per_node"`

	// Health policy.
	QuietHours    health.QuietHoursConfig    `yaml:"quiet_hours"`
	Congestion    health.CongestionConfig    `yaml:"congestion_detection"`
	EmergencyStop health.EmergencyStopConfig `yaml:"emergency_stop"`
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		Enabled:                 false,
		TraceroutesPerMinute:    1,
		BurstMultiplier:         2,
		QueueMaxSize:            500,
		QueueOverflowStrategy:   queue.DropLowestPriority,
		ClearQueueOnStartup:     false,
		RecheckIntervalHours:    6,
		RecheckEnabled:          true,
		MaxHops:                 7,
		TimeoutSeconds:          60,
		MaxRetries:              3,
		RetryBackoffMultiplier:  2.0,
		InitialDiscoveryEnabled: false,
		StartupDelaySeconds:     60,
		SkipDirectNodes:         true,
		ExcludeRoles:            []string{"CLIENT"},
		StatePersistenceEnabled: true,
		StateFilePath:           "meshmap_state.json",
		AutoSaveIntervalMinutes: 5,
		HistoryPerNode:          10,
		QuietHours: health.QuietHoursConfig{
			Enabled:   false,
			StartTime: "22:00",
			EndTime:   "06:00",
		},
		Congestion: health.CongestionConfig{
			Enabled:              true,
			SuccessRateThreshold: 0.5,
			ThrottleMultiplier:   0.5,
		},
		EmergencyStop: health.EmergencyStopConfig{
			Enabled:             true,
			FailureThreshold:    0.2,
			ConsecutiveFailures: 10,
			AutoRecoveryMinutes: 30,
		},
	}
}

// LoadConfig reads a YAML config file over the defaults and validates it.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("mapper: error reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("mapper: error decoding config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("mapper: invalid config: %w", err)
	}
	return &cfg, nil
}

// Validate range-checks every field.
func (cfg *Config) Validate() error {
	if cfg.TraceroutesPerMinute < 0 || cfg.TraceroutesPerMinute > 60 {
		return errors.New("traceroutes_per_minute must be in 0..60")
	}
	if cfg.BurstMultiplier < 1 || cfg.BurstMultiplier > 10 {
		return errors.New("burst_multiplier must be in 1..10")
	}
	if cfg.QueueMaxSize < 10 || cfg.QueueMaxSize > 10000 {
		return errors.New("queue_max_size must be in 10..10000")
	}
	switch cfg.QueueOverflowStrategy {
	case queue.DropLowestPriority, queue.DropOldest, queue.DropNew:
	default:
		return fmt.Errorf("unknown queue_overflow_strategy: %q", cfg.QueueOverflowStrategy)
	}
	if cfg.RecheckIntervalHours < 0 || cfg.RecheckIntervalHours > 168 {
		return errors.New("recheck_interval_hours must be in 0..168")
	}
	if cfg.MaxHops < 1 || cfg.MaxHops > 15 {
		return errors.New("max_hops must be in 1..15")
	}
	if cfg.TimeoutSeconds < 10 || cfg.TimeoutSeconds > 300 {
		return errors.New("timeout_seconds must be in 10..300")
	}
	if cfg.MaxRetries < 0 || cfg.MaxRetries > 10 {
		return errors.New("max_retries must be in 0..10")
	}
	if cfg.RetryBackoffMultiplier < 1 || cfg.RetryBackoffMultiplier > 10 {
		return errors.New("retry_backoff_multiplier must be in 1..10")
	}
	if cfg.StartupDelaySeconds < 0 || cfg.StartupDelaySeconds > 600 {
		return errors.New("startup_delay_seconds must be in 0..600")
	}
	if cfg.MinSNRThreshold != nil && (*cfg.MinSNRThreshold < -30 || *cfg.MinSNRThreshold > 20) {
		return errors.New("min_snr_threshold must be in -30..20")
	}
	if cfg.StatePersistenceEnabled && cfg.StateFilePath == "" {
		return errors.New("state_file_path is required when persistence is enabled")
	}
	if cfg.AutoSaveIntervalMinutes < 1 || cfg.AutoSaveIntervalMinutes > 60 {
		return errors.New("auto_save_interval_minutes must be in 1..60")
	}
	if cfg.HistoryPerNode < 1 || cfg.HistoryPerNode > 100 {
		return errors.New("history_per_node must be in 1..100")
	}
	if cfg.QuietHours.Enabled {
		if _, err := time.Parse("15:04", cfg.QuietHours.StartTime); err != nil {
			return fmt.Errorf("quiet_hours.start_time is not HH:MM: %q", cfg.QuietHours.StartTime)
		}
		if _, err := time.Parse("15:04", cfg.QuietHours.EndTime); err != nil {
			return fmt.Errorf("quiet_hours.end_time is not HH:MM: %q", cfg.QuietHours.EndTime)
		}
	}
	if cfg.Congestion.Enabled {
		if cfg.Congestion.SuccessRateThreshold < 0 || cfg.Congestion.SuccessRateThreshold > 1 {
			return errors.New("congestion_detection.success_rate_threshold must be in 0..1")
		}
		if cfg.Congestion.ThrottleMultiplier < 0.1 || cfg.Congestion.ThrottleMultiplier > 1 {
			return errors.New("congestion_detection.throttle_multiplier must be in 0.1..1.0")
		}
	}
	if cfg.EmergencyStop.Enabled {
		if cfg.EmergencyStop.FailureThreshold < 0 || cfg.EmergencyStop.FailureThreshold > 1 {
			return errors.New("emergency_stop.failure_threshold must be in 0..1")
		}
		if cfg.EmergencyStop.ConsecutiveFailures < 1 || cfg.EmergencyStop.ConsecutiveFailures > 100 {
			return errors.New("emergency_stop.consecutive_failures must be in 1..100")
		}
		if cfg.EmergencyStop.AutoRecoveryMinutes < 1 || cfg.EmergencyStop.AutoRecoveryMinutes > 1440 {
			return errors.New("emergency_stop.auto_recovery_minutes must be in 1..1440")
		}
	}
	return nil
}

// Duration helpers over the scalar fields.

func (cfg *Config) RecheckInterval() time.Duration {
	return time.Duration(cfg.RecheckIntervalHours * float64(time.Hour))
}

func (cfg *Config) ProbeTimeout() time.Duration {
	return time.Duration(cfg.TimeoutSeconds * float64(time.Second))
}

func (cfg *Config) StartupDelay() time.Duration {
	return time.Duration(cfg.StartupDelaySeconds * float64(time.Second))
}

func (cfg *Config) AutoSaveInterval() time.Duration {
	return time.Duration(cfg.AutoSaveIntervalMinutes * float64(time.Minute))
}
