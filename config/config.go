package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/tcriess/roomrelay/globals"
)

const (
	envPrefix = "ROOMRELAY"

	defaultAddr            = ":8080"
	defaultLogLevel        = "INFO"
	defaultRoomExpiry      = 10 * time.Minute
	defaultMaxMessageSize  = 4096
	defaultSendBuffer      = 256
	defaultRateBurst       = 10
	defaultRateRefill      = time.Second
	defaultRateCacheSize   = 1024
	defaultStatsSchedule   = "@every 1m"
	defaultShutdownTimeout = 10 * time.Second
)

// Config is the global configuration object. It is filled from (in increasing order of precedence) the defaults,
// the configuration file(s), ROOMRELAY_* environment variables and command-line flags.
type Config struct {
	Addr            string          `mapstructure:"addr"`
	LogLevel        string          `mapstructure:"log_level"`
	AllowedOrigins  []string        `mapstructure:"allowed_origins"`
	RoomExpiry      time.Duration   `mapstructure:"room_expiry"`
	MaxMessageSize  int64           `mapstructure:"max_message_size"`
	SendBuffer      int             `mapstructure:"send_buffer"`
	RateLimit       RateLimitConfig `mapstructure:"rate_limit"`
	GuestNames      bool            `mapstructure:"guest_names"`
	StatsSchedule   string          `mapstructure:"stats_schedule"`
	ShutdownTimeout time.Duration   `mapstructure:"shutdown_timeout"`
}

// RateLimitConfig configures the per-host token bucket applied to inbound frames. Buckets of up to CacheSize remote
// hosts are remembered, so a client cannot refill its bucket by reconnecting.
type RateLimitConfig struct {
	Burst          int           `mapstructure:"burst"`
	RefillInterval time.Duration `mapstructure:"refill_interval"`
	CacheSize      int           `mapstructure:"cache_size"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Addr:           defaultAddr,
		LogLevel:       defaultLogLevel,
		AllowedOrigins: []string{"*"},
		RoomExpiry:     defaultRoomExpiry,
		MaxMessageSize: defaultMaxMessageSize,
		SendBuffer:     defaultSendBuffer,
		RateLimit: RateLimitConfig{
			Burst:          defaultRateBurst,
			RefillInterval: defaultRateRefill,
			CacheSize:      defaultRateCacheSize,
		},
		StatsSchedule:   defaultStatsSchedule,
		ShutdownTimeout: defaultShutdownTimeout,
	}
}

// Validate checks the configuration for values the server cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Addr == "" {
		errs = append(errs, errors.New("addr must not be empty"))
	}
	if c.RoomExpiry <= 0 {
		errs = append(errs, fmt.Errorf("room_expiry must be positive, got %s", c.RoomExpiry))
	}
	if c.MaxMessageSize <= 0 {
		errs = append(errs, fmt.Errorf("max_message_size must be positive, got %d", c.MaxMessageSize))
	}
	if c.SendBuffer <= 0 {
		errs = append(errs, fmt.Errorf("send_buffer must be positive, got %d", c.SendBuffer))
	}
	if c.RateLimit.Burst <= 0 {
		errs = append(errs, fmt.Errorf("rate_limit.burst must be positive, got %d", c.RateLimit.Burst))
	}
	if c.RateLimit.RefillInterval <= 0 {
		errs = append(errs, fmt.Errorf("rate_limit.refill_interval must be positive, got %s", c.RateLimit.RefillInterval))
	}
	if c.RateLimit.CacheSize <= 0 {
		errs = append(errs, fmt.Errorf("rate_limit.cache_size must be positive, got %d", c.RateLimit.CacheSize))
	}
	if c.ShutdownTimeout <= 0 {
		errs = append(errs, fmt.Errorf("shutdown_timeout must be positive, got %s", c.ShutdownTimeout))
	}
	if c.StatsSchedule != "" {
		if _, err := cron.ParseStandard(c.StatsSchedule); err != nil {
			errs = append(errs, fmt.Errorf("stats_schedule: %w", err))
		}
	}
	return errors.Join(errs...)
}

// GetFlagSet returns the command-line flags that override configuration values.
func GetFlagSet() *pflag.FlagSet {
	flagSet := pflag.NewFlagSet("configuration", pflag.ContinueOnError)
	flagSet.String("addr", defaultAddr, "listen address (host:port)")
	flagSet.String("log-level", defaultLogLevel, "log level (TRACE, DEBUG, INFO, WARN, ERROR)")
	flagSet.StringSlice("allowed-origins", []string{"*"}, "allowed websocket origins, * allows all")
	flagSet.Duration("room-expiry", defaultRoomExpiry, "how long a newly created room may stay empty")
	flagSet.Int64("max-message-size", defaultMaxMessageSize, "maximum inbound frame size in bytes")
	flagSet.Int("send-buffer", defaultSendBuffer, "outbound frames queued per connection")
	flagSet.Int("rate-limit-burst", defaultRateBurst, "inbound frames allowed per refill interval")
	flagSet.Duration("rate-limit-refill-interval", defaultRateRefill, "token bucket refill interval")
	flagSet.Bool("guest-names", false, "generate a display name when a join carries none")
	flagSet.String("stats-schedule", defaultStatsSchedule, "cron spec for the registry stats log line, empty disables")
	flagSet.Duration("shutdown-timeout", defaultShutdownTimeout, "graceful shutdown timeout")
	return flagSet
}

// wordSepNormalizeFunc allows for normalization of the flag names (which use - as a separator)
func wordSepNormalizeFunc(f *pflag.FlagSet, name string) pflag.NormalizedName {
	return pflag.NormalizedName(strings.ReplaceAll(name, "-", "_"))
}

// nested keys cannot be derived from the flag name
var nestedFlags = map[string]string{
	"rate_limit.burst":           "rate-limit-burst",
	"rate_limit.refill_interval": "rate-limit-refill-interval",
}

// ReadConfiguration reads and parses the configuration located at configPath, which can either point to a single TOML
// file or to a directory, in which case all *.toml files in this directory are concatenated. An empty configPath
// skips the file layer. flagSet may be nil.
func ReadConfiguration(configPath string, flagSet *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v, Default())

	if flagSet != nil {
		flagSet.SetNormalizeFunc(wordSepNormalizeFunc)
		if err := v.BindPFlags(flagSet); err != nil {
			globals.AppLogger.Error("could not bind flags (ignored)", "error", err)
		}
		for key, name := range nestedFlags {
			if flag := flagSet.Lookup(name); flag != nil {
				if err := v.BindPFlag(key, flag); err != nil {
					globals.AppLogger.Error("could not bind flag (ignored)", "flag", name, "error", err)
				}
			}
		}
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		contents, err := readConfigFiles(configPath)
		if err != nil {
			return nil, err
		}
		v.SetConfigType("toml")
		if err := v.ReadConfig(bytes.NewBuffer(contents)); err != nil {
			return nil, fmt.Errorf("could not parse config %s: %w", configPath, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("could not unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	globals.AppLogger.Debug("config", "cfg", *cfg)
	return cfg, nil
}

func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("addr", cfg.Addr)
	v.SetDefault("log_level", cfg.LogLevel)
	v.SetDefault("allowed_origins", cfg.AllowedOrigins)
	v.SetDefault("room_expiry", cfg.RoomExpiry)
	v.SetDefault("max_message_size", cfg.MaxMessageSize)
	v.SetDefault("send_buffer", cfg.SendBuffer)
	v.SetDefault("rate_limit.burst", cfg.RateLimit.Burst)
	v.SetDefault("rate_limit.refill_interval", cfg.RateLimit.RefillInterval)
	v.SetDefault("rate_limit.cache_size", cfg.RateLimit.CacheSize)
	v.SetDefault("guest_names", cfg.GuestNames)
	v.SetDefault("stats_schedule", cfg.StatsSchedule)
	v.SetDefault("shutdown_timeout", cfg.ShutdownTimeout)
}

func readConfigFiles(configPath string) ([]byte, error) {
	fi, err := os.Stat(configPath)
	if err != nil {
		return nil, err
	}
	files := []string{configPath}
	if fi.IsDir() {
		files, err = filepath.Glob(filepath.Join(configPath, "*.toml"))
		if err != nil {
			return nil, err
		}
	}
	contents := make([]byte, 0)
	for _, configFile := range files {
		fileContents, err := os.ReadFile(configFile)
		if err != nil {
			return nil, err
		}
		contents = append(contents, fileContents...)
		contents = append(contents, '\n')
	}
	return contents, nil
}
