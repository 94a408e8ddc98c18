// Package config models the broker's own configuration surface: a
// service identity section, structured logging settings, and the
// store/metrics sections this core layers on top.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	homedir "github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// ServiceConfig identifies this service instance.
type ServiceConfig struct {
	ID string `mapstructure:"id" yaml:"id"`
}

// LokiConfig carries Loki sink settings.
type LokiConfig struct {
	Address string            `mapstructure:"address" yaml:"address"`
	Labels  map[string]string `mapstructure:"labels" yaml:"labels"`
}

// LogConfig controls the logger's level, formatter, and optional Loki sink.
type LogConfig struct {
	Formatter string     `mapstructure:"formatter" yaml:"formatter"`
	Level     string     `mapstructure:"level" yaml:"level"`
	Loki      LokiConfig `mapstructure:"loki" yaml:"loki"`
}

// StoreConfig selects and configures the backing implementation for the
// Queue/Object/Worker stores.
type StoreConfig struct {
	Backend    string `mapstructure:"backend" yaml:"backend"` // "memory" | "badger"
	BadgerPath string `mapstructure:"badger_path" yaml:"badger_path"`
}

// MetricsConfig controls the Prometheus HTTP endpoint.
type MetricsConfig struct {
	Enabled    bool   `mapstructure:"enabled" yaml:"enabled"`
	ListenAddr string `mapstructure:"listen_addr" yaml:"listen_addr"`
}

// Config is the broker's full configuration tree.
type Config struct {
	Service ServiceConfig `mapstructure:"service" yaml:"service"`

	QueueName string `mapstructure:"queue_name" yaml:"queue_name"`
	Port      int    `mapstructure:"port" yaml:"port"`

	HeartbeatIntervalSec float64 `mapstructure:"heartbeat_interval_sec" yaml:"heartbeat_interval_sec"`
	HeartbeatLiveness    int     `mapstructure:"heartbeat_liveness" yaml:"heartbeat_liveness"`
	PollerTimeoutMS      int     `mapstructure:"poller_timeout_ms" yaml:"poller_timeout_ms"`
	ThreadJoinTimeoutSec float64 `mapstructure:"thread_join_timeout_sec" yaml:"thread_join_timeout_sec"`

	Store   StoreConfig   `mapstructure:"store" yaml:"store"`
	Log     LogConfig     `mapstructure:"log" yaml:"log"`
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`
}

// Endpoint builds the ZeroMQ router bind endpoint from Port.
func (c Config) Endpoint() string {
	return fmt.Sprintf("tcp://*:%d", c.Port)
}

// ThreadJoinDuration converts ThreadJoinTimeoutSec to a time.Duration for
// use as a shutdown grace period.
func (c Config) ThreadJoinDuration() time.Duration {
	return time.Duration(c.ThreadJoinTimeoutSec * float64(time.Second))
}

// Default returns the configuration a fresh install ships with — the same
// values documented in the YAML schema this package is built against.
func Default() *Config {
	return &Config{
		Service:              ServiceConfig{ID: "org.plantd.JobBroker"},
		QueueName:            "jobqueue",
		Port:                 9797,
		HeartbeatIntervalSec: 2.5,
		HeartbeatLiveness:    3,
		PollerTimeoutMS:      250,
		ThreadJoinTimeoutSec: 5,
		Store: StoreConfig{
			Backend:    "memory",
			BadgerPath: "./data/broker",
		},
		Log: LogConfig{
			Formatter: "text",
			Level:     "info",
		},
		Metrics: MetricsConfig{
			Enabled:    true,
			ListenAddr: ":9898",
		},
	}
}

// newViper builds the viper instance shared by Load and Watch: compiled-in
// defaults, JOBBROKER_-prefixed environment overrides, and a config file
// resolved from filename or, failing that, the usual search path.
func newViper(filename string) *viper.Viper {
	v := viper.New()
	applyDefaults(v, Default())

	v.SetEnvPrefix("jobbroker")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if filename != "" {
		v.SetConfigFile(filename)
	} else {
		home, err := homedir.Dir()
		if err == nil {
			v.AddConfigPath(home + "/.config/plantd")
		}
		v.AddConfigPath(".")
		v.SetConfigName("jobbroker")
		v.SetConfigType("yaml")
	}

	return v
}

func readAndUnmarshal(v *viper.Viper) (*Config, error) {
	if err := v.ReadInConfig(); err != nil {
		_, notFound := err.(viper.ConfigFileNotFoundError)
		if !notFound && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	out := Default()
	if err := v.Unmarshal(out); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := out.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return out, nil
}

// Load reads configuration from filename (if non-empty and present),
// environment variables prefixed JOBBROKER_, and finally the compiled-in
// defaults, in viper's usual override order.
func Load(filename string) (*Config, error) {
	return readAndUnmarshal(newViper(filename))
}

// Watch reads configuration the same way Load does, then keeps watching
// the resolved config file for changes via viper's fsnotify-backed
// WatchConfig, invoking onChange with the freshly reloaded Config each
// time the file is written. onChange receives a non-nil error instead if
// the reloaded file fails to parse or validate; the previous Config stays
// in effect until a valid one arrives. The watch runs for the life of the
// process — viper does not expose a way to stop it.
func Watch(filename string, onChange func(*Config, error)) (*Config, error) {
	v := newViper(filename)

	initial, err := readAndUnmarshal(v)
	if err != nil {
		return nil, err
	}

	v.OnConfigChange(func(_ fsnotify.Event) {
		reloaded, err := readAndUnmarshal(v)
		onChange(reloaded, err)
	})
	v.WatchConfig()

	return initial, nil
}

func applyDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("service.id", cfg.Service.ID)
	v.SetDefault("queue_name", cfg.QueueName)
	v.SetDefault("port", cfg.Port)
	v.SetDefault("heartbeat_interval_sec", cfg.HeartbeatIntervalSec)
	v.SetDefault("heartbeat_liveness", cfg.HeartbeatLiveness)
	v.SetDefault("poller_timeout_ms", cfg.PollerTimeoutMS)
	v.SetDefault("thread_join_timeout_sec", cfg.ThreadJoinTimeoutSec)
	v.SetDefault("store.backend", cfg.Store.Backend)
	v.SetDefault("store.badger_path", cfg.Store.BadgerPath)
	v.SetDefault("log.formatter", cfg.Log.Formatter)
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("metrics.enabled", cfg.Metrics.Enabled)
	v.SetDefault("metrics.listen_addr", cfg.Metrics.ListenAddr)
}

// Validate checks the fields the broker cannot safely start without.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", c.Port)
	}
	if c.HeartbeatIntervalSec <= 0 {
		return fmt.Errorf("heartbeat_interval_sec must be positive")
	}
	if c.HeartbeatLiveness <= 0 {
		return fmt.Errorf("heartbeat_liveness must be positive")
	}
	switch c.Store.Backend {
	case "memory", "badger":
	default:
		return fmt.Errorf("store.backend must be 'memory' or 'badger', got %q", c.Store.Backend)
	}
	if c.Store.Backend == "badger" && c.Store.BadgerPath == "" {
		return fmt.Errorf("store.badger_path is required when store.backend is 'badger'")
	}
	return nil
}
