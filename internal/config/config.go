package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of every environment variable read by Load.
// Example: MESHCLIENT_REPORT_INTERVAL=45s.
const EnvPrefix = "MESHCLIENT"

// Config holds the tunables of the session lifecycle engine.
//
// Credentials are deliberately absent: they are supplied per session by the
// host and never read from the environment or from disk.
type Config struct {
	// RequestTimeout bounds every individual network call made by a session.
	RequestTimeout time.Duration `mapstructure:"request_timeout" validate:"gt=0"`
	// ReportInterval is the pause between two successful units of work.
	ReportInterval time.Duration `mapstructure:"report_interval" validate:"gt=0"`
	// BandwidthInterval is the minimum spacing between bandwidth probes.
	BandwidthInterval time.Duration `mapstructure:"bandwidth_interval" validate:"gt=0"`
	// SpeedTestURL is downloaded to measure bandwidth. Empty disables probes.
	SpeedTestURL string `mapstructure:"speed_test_url" validate:"omitempty,url"`
	// TokenRefreshWindow triggers a proactive login when a JWT api token
	// expires within this window.
	TokenRefreshWindow time.Duration `mapstructure:"token_refresh_window" validate:"gte=0"`

	// MaxConsecutiveFailures ends a session after this many failed units of
	// work in a row.
	MaxConsecutiveFailures int `mapstructure:"max_consecutive_failures" validate:"gte=1"`
	// BackoffInitial is the first retry delay after a transient failure.
	BackoffInitial time.Duration `mapstructure:"backoff_initial" validate:"gt=0"`
	// BackoffMax caps the retry delay.
	BackoffMax time.Duration `mapstructure:"backoff_max" validate:"gtefield=BackoffInitial"`

	// StopTimeout bounds how long Stop waits for the worker to acknowledge.
	StopTimeout time.Duration `mapstructure:"stop_timeout" validate:"gt=0"`
	// SpawnTimeout bounds how long Start waits for the worker to confirm it
	// is executing.
	SpawnTimeout time.Duration `mapstructure:"spawn_timeout" validate:"gt=0"`

	// LiveChannel enables the websocket channel to the remote service.
	LiveChannel bool `mapstructure:"live_channel"`

	// LogLevel is one of trace, debug, info, warn, error.
	LogLevel string `mapstructure:"log_level" validate:"omitempty,oneof=trace debug info warn warning error TRACE DEBUG INFO WARN WARNING ERROR"`
	// LogDir, when set, receives a rotating log file.
	LogDir string `mapstructure:"log_dir"`
}

// Default returns the built-in configuration without consulting the
// environment.
func Default() *Config {
	return &Config{
		RequestTimeout:         10 * time.Second,
		ReportInterval:         30 * time.Second,
		BandwidthInterval:      5 * time.Minute,
		SpeedTestURL:           "https://speed.cloudflare.com/__down?bytes=1000000",
		TokenRefreshWindow:     5 * time.Minute,
		MaxConsecutiveFailures: 10,
		BackoffInitial:         time.Second,
		BackoffMax:             time.Minute,
		StopTimeout:            5 * time.Second,
		SpawnTimeout:           2 * time.Second,
		LiveChannel:            true,
		LogLevel:               "info",
	}
}

// Load builds a Config from defaults, an optional config file and
// MESHCLIENT_* environment variables, in increasing order of precedence.
//
// An empty configPath skips the file. A missing file is not an error.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v, Default())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil && !os.IsNotExist(err) {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

// Validate checks struct constraints.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	return validator.New().Struct(cfg)
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("request_timeout", d.RequestTimeout)
	v.SetDefault("report_interval", d.ReportInterval)
	v.SetDefault("bandwidth_interval", d.BandwidthInterval)
	v.SetDefault("speed_test_url", d.SpeedTestURL)
	v.SetDefault("token_refresh_window", d.TokenRefreshWindow)
	v.SetDefault("max_consecutive_failures", d.MaxConsecutiveFailures)
	v.SetDefault("backoff_initial", d.BackoffInitial)
	v.SetDefault("backoff_max", d.BackoffMax)
	v.SetDefault("stop_timeout", d.StopTimeout)
	v.SetDefault("spawn_timeout", d.SpawnTimeout)
	v.SetDefault("live_channel", d.LiveChannel)
	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("log_dir", d.LogDir)
}
