//go:build linux

// Package config loads limiter settings from an optional TOML file, the
// environment (CPULIMIT_*) and command line flags, in increasing order of
// precedence.
package config

import (
	"strings"
	"time"

	"github.com/ja7ad/cpulimit/pkg/exclude"
	"github.com/ja7ad/cpulimit/pkg/limiter"
	"github.com/ja7ad/cpulimit/pkg/types"
	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	DefaultDir  = "/etc/cpulimit"
	DefaultName = "cpulimit"
	EnvPrefix   = "CPULIMIT"
)

type LoggingConfig struct {
	Level string `mapstructure:"level"`
}

type MetricsConfig struct {
	// Addr is the listen address of the metrics endpoint; empty disables it.
	Addr string `mapstructure:"addr"`
}

type Config struct {
	Limit              string        `mapstructure:"limit"`
	Period             time.Duration `mapstructure:"period"`
	MinQuantum         time.Duration `mapstructure:"min_quantum"`
	Gain               float64       `mapstructure:"gain"`
	Smoothing          float64       `mapstructure:"smoothing"`
	IncludeChildren    bool          `mapstructure:"include_children"`
	UID                int           `mapstructure:"uid"` // -1: any user
	ExcludeInteractive bool          `mapstructure:"exclude_interactive"`
	ExcludeFile        string        `mapstructure:"exclude_file"`
	Logging            LoggingConfig `mapstructure:"logging"`
	Metrics            MetricsConfig `mapstructure:"metrics"`
}

// flagKeys maps command line flag names to config keys.
var flagKeys = map[string]string{
	"limit":               "limit",
	"period":              "period",
	"min-quantum":         "min_quantum",
	"gain":                "gain",
	"smoothing":           "smoothing",
	"include-children":    "include_children",
	"uid":                 "uid",
	"exclude-interactive": "exclude_interactive",
	"exclude-file":        "exclude_file",
	"log-level":           "logging.level",
	"metrics-addr":        "metrics.addr",
}

func setDefaults(v *viper.Viper) {
	def := limiter.DefaultConfig()
	v.SetDefault("limit", "")
	v.SetDefault("period", def.Period)
	v.SetDefault("min_quantum", def.MinQuantum)
	v.SetDefault("gain", def.Gain)
	v.SetDefault("smoothing", def.Smoothing)
	v.SetDefault("include_children", false)
	v.SetDefault("uid", -1)
	v.SetDefault("exclude_interactive", false)
	v.SetDefault("exclude_file", exclude.DefaultPath)
	v.SetDefault("logging.level", "info")
	v.SetDefault("metrics.addr", "")
}

// Load reads the config. An explicit path must exist; otherwise
// cpulimit.toml is looked up in DefaultDir and may be absent. flags may
// be nil.
func Load(path string, flags *pflag.FlagSet) (Config, error) {
	var cfg Config
	v := viper.New()
	setDefaults(v)

	v.SetConfigType("toml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return cfg, errors.Wrapf(err, "read config %s", path)
		}
	} else {
		v.SetConfigName(DefaultName)
		v.AddConfigPath(DefaultDir)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return cfg, errors.Wrap(err, "read config")
			}
		}
	}

	if flags != nil {
		for name, key := range flagKeys {
			f := flags.Lookup(name)
			if f == nil {
				continue
			}
			if err := v.BindPFlag(key, f); err != nil {
				return cfg, errors.Wrapf(err, "bind flag %s", name)
			}
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, errors.Wrap(err, "decode config")
	}
	return cfg, nil
}

// ParseLimit validates the configured limit against cores.
func (c Config) ParseLimit(cores int) (types.Limit, error) {
	if strings.TrimSpace(c.Limit) == "" {
		return 0, errors.Wrap(limiter.ErrInvalidConfig, "limit is required")
	}
	limit, err := types.ParseLimit(c.Limit)
	if err != nil {
		return 0, errors.Wrap(limiter.ErrInvalidConfig, err.Error())
	}
	if cores > 0 && float64(limit) > float64(cores) {
		return 0, errors.Wrapf(limiter.ErrInvalidConfig,
			"limit %s exceeds %d%% (%d cores)", limit, cores*100, cores)
	}
	return limit, nil
}

// Limiter turns the loaded settings into a controller config for target.
func (c Config) Limiter(target, cores int) (limiter.Config, error) {
	limit, err := c.ParseLimit(cores)
	if err != nil {
		return limiter.Config{}, err
	}

	lc := limiter.Config{
		Target:             target,
		Limit:              limit,
		Period:             c.Period,
		MinQuantum:         c.MinQuantum,
		Gain:               c.Gain,
		Smoothing:          c.Smoothing,
		Cores:              cores,
		IncludeChildren:    c.IncludeChildren,
		ExcludeInteractive: c.ExcludeInteractive,
	}
	if c.UID >= 0 {
		uid := uint32(c.UID)
		lc.UID = &uid
	}
	return lc, lc.Validate()
}
