// Package config loads canlogd settings from flags, environment and an
// optional TOML file.
package config

import (
	"os"
	"strings"
	"time"

	"codeberg.org/mutker/canlogd/internal/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	DefaultLogLevel  = string(LogLevelInfo)
	defaultEnvPrefix = "CANLOGD"
	configName       = "canlogd"
)

type Config struct {
	LogLevel    string            `mapstructure:"log_level"`
	Listen      string            `mapstructure:"listen"`
	PIDFile     string            `mapstructure:"pid_file"`
	Definitions DefinitionsConfig `mapstructure:"definitions"`
	Bus         BusConfig         `mapstructure:"bus"`
	Recording   RecordingConfig   `mapstructure:"recording"`
	History     HistoryConfig     `mapstructure:"history"`
}

type DefinitionsConfig struct {
	Files []string `mapstructure:"files"`
	Dir   string   `mapstructure:"dir"`
	Watch bool     `mapstructure:"watch"`
}

type BusConfig struct {
	Network             string `mapstructure:"network"`
	Interface           string `mapstructure:"interface"`
	FrameTimeoutMS      int    `mapstructure:"frame_timeout_ms"`
	RetryMS             int    `mapstructure:"retry_ms"`
	FallbackSynthetic   bool   `mapstructure:"fallback_synthetic"`
	SyntheticIntervalMS int    `mapstructure:"synthetic_interval_ms"`
}

type RecordingConfig struct {
	Dir           string   `mapstructure:"dir"`
	IntervalMS    float64  `mapstructure:"interval_ms"`
	MinIntervalMS float64  `mapstructure:"min_interval_ms"`
	Signals       []string `mapstructure:"signals"`
	Keep          int      `mapstructure:"keep"`
	StopTimeoutMS int      `mapstructure:"stop_timeout_ms"`
}

type HistoryConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	DBPath  string `mapstructure:"db_path"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", DefaultLogLevel)
	v.SetDefault("listen", ":8000")
	v.SetDefault("pid_file", "")
	v.SetDefault("definitions.files", []string{})
	v.SetDefault("definitions.dir", "./dbc")
	v.SetDefault("definitions.watch", true)
	v.SetDefault("bus.network", "can")
	v.SetDefault("bus.interface", "can0")
	v.SetDefault("bus.frame_timeout_ms", 100)
	v.SetDefault("bus.retry_ms", 1000)
	v.SetDefault("bus.fallback_synthetic", true)
	v.SetDefault("bus.synthetic_interval_ms", 500)
	v.SetDefault("recording.dir", "./logs")
	v.SetDefault("recording.interval_ms", 5.0)
	v.SetDefault("recording.min_interval_ms", 1.0)
	v.SetDefault("recording.signals", []string{})
	v.SetDefault("recording.keep", 5)
	v.SetDefault("recording.stop_timeout_ms", 5000)
	v.SetDefault("history.enabled", false)
	v.SetDefault("history.db_path", "./logs/history.db")
}

// flagKeys maps command line flag names to configuration keys.
var flagKeys = map[string]string{
	"log-level":          "log_level",
	"listen":             "listen",
	"pid-file":           "pid_file",
	"dbc":                "definitions.files",
	"dbc-dir":            "definitions.dir",
	"interface":          "bus.interface",
	"no-fallback":        "",
	"log-dir":            "recording.dir",
	"interval-ms":        "recording.interval_ms",
	"keep":               "recording.keep",
	"history":            "history.enabled",
	"history-db":         "history.db_path",
	"frame-timeout-ms":   "bus.frame_timeout_ms",
	"synthetic-interval": "bus.synthetic_interval_ms",
}

// RegisterFlags adds the canlogd flags to fs.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String("config", "", "Path to config file")
	fs.String("log-level", DefaultLogLevel, "Log level: debug, info, warning, error")
	fs.String("listen", ":8000", "HTTP listen address")
	fs.String("pid-file", "", "PID file path (default: canlogd.pid in the temp directory)")
	fs.StringSlice("dbc", nil, "DBC definition files to load at startup")
	fs.String("dbc-dir", "./dbc", "Directory for uploaded and watched DBC files")
	fs.String("interface", "can0", "SocketCAN interface")
	fs.Bool("no-fallback", false, "Do not fall back to synthetic frames when the bus is unavailable")
	fs.String("log-dir", "./logs", "Directory for recorded CSV logs")
	fs.Float64("interval-ms", 5, "Default sample interval in milliseconds")
	fs.Int("keep", 5, "Number of recorded logs to keep")
	fs.Bool("history", false, "Record finished sessions in a SQLite catalog")
	fs.String("history-db", "./logs/history.db", "Path to the session history database")
	fs.Int("frame-timeout-ms", 100, "Frame wait timeout in milliseconds")
	fs.Int("synthetic-interval", 500, "Synthetic frame cadence in milliseconds")
}

func Load(opts ...Option) (*Config, error) {
	errFactory := errors.New()

	o := &options{envPrefix: defaultEnvPrefix}
	for _, opt := range opts {
		if err := opt(o); err != nil {
			return nil, errFactory.Wrap(errors.ErrInvalidConfig, err)
		}
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(o.envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := bindFlags(v, o.flags); err != nil {
		return nil, err
	}

	configPath := o.configPath
	if configPath == "" && o.flags != nil {
		configPath, _ = o.flags.GetString("config")
	}
	if configPath == "" {
		configPath = os.Getenv(o.envPrefix + "_CONFIG")
	}

	// Load configuration from file
	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("toml")
	} else {
		v.SetConfigName(configName)
		v.SetConfigType("toml")
		v.AddConfigPath("/etc/canlogd")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, errFactory.Wrap(errors.ErrReadConfig, err).
				WithMessage("Failed to read config file")
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errFactory.Wrap(errors.ErrInvalidConfig, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func bindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	if flags == nil {
		return nil
	}

	errFactory := errors.New()
	for name, key := range flagKeys {
		f := flags.Lookup(name)
		if f == nil || key == "" {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return errFactory.Wrap(errors.ErrBindFlags, err)
		}
	}

	if f := flags.Lookup("no-fallback"); f != nil && f.Changed {
		v.Set("bus.fallback_synthetic", f.Value.String() != "true")
	}

	return nil
}

// Validate checks ranges and enumerations. Intervals below the floor are
// clamped by the sampler rather than rejected here.
func (c *Config) Validate() error {
	errFactory := errors.New()

	if !LogLevel(strings.ToLower(c.LogLevel)).IsValid() {
		return errFactory.WithData(errors.ErrInvalidLogLevel, c.LogLevel)
	}

	var invalid []ValidationError
	if c.Recording.Keep < 1 {
		invalid = append(invalid, ValidationError{"recording.keep", c.Recording.Keep, "must be at least 1"})
	}
	if c.Recording.Dir == "" {
		invalid = append(invalid, ValidationError{"recording.dir", c.Recording.Dir, "must not be empty"})
	}
	if c.Recording.MinIntervalMS <= 0 {
		invalid = append(invalid, ValidationError{"recording.min_interval_ms", c.Recording.MinIntervalMS, "must be positive"})
	}
	if c.Bus.FrameTimeoutMS <= 0 {
		invalid = append(invalid, ValidationError{"bus.frame_timeout_ms", c.Bus.FrameTimeoutMS, "must be positive"})
	}
	if c.Bus.RetryMS <= 0 {
		invalid = append(invalid, ValidationError{"bus.retry_ms", c.Bus.RetryMS, "must be positive"})
	}
	if c.Recording.StopTimeoutMS <= 0 {
		invalid = append(invalid, ValidationError{"recording.stop_timeout_ms", c.Recording.StopTimeoutMS, "must be positive"})
	}
	if c.Bus.SyntheticIntervalMS <= 0 {
		invalid = append(invalid, ValidationError{"bus.synthetic_interval_ms", c.Bus.SyntheticIntervalMS, "must be positive"})
	}
	if c.History.Enabled && c.History.DBPath == "" {
		invalid = append(invalid, ValidationError{"history.db_path", c.History.DBPath, "required when history is enabled"})
	}
	if len(invalid) > 0 {
		return errFactory.WithData(errors.ErrInvalidConfig, invalid)
	}

	return nil
}

func (c *Config) FrameTimeout() time.Duration {
	return time.Duration(c.Bus.FrameTimeoutMS) * time.Millisecond
}

func (c *Config) RetryPause() time.Duration {
	return time.Duration(c.Bus.RetryMS) * time.Millisecond
}

func (c *Config) SyntheticInterval() time.Duration {
	return time.Duration(c.Bus.SyntheticIntervalMS) * time.Millisecond
}

func (c *Config) SampleInterval() time.Duration {
	return msToDuration(c.Recording.IntervalMS)
}

func (c *Config) MinSampleInterval() time.Duration {
	return msToDuration(c.Recording.MinIntervalMS)
}

func (c *Config) StopTimeout() time.Duration {
	return time.Duration(c.Recording.StopTimeoutMS) * time.Millisecond
}

func msToDuration(ms float64) time.Duration {
	return time.Duration(ms * float64(time.Millisecond))
}
