package core

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/spf13/viper"

	"github.com/sliink/taskworker/internal/observability"
)

// EnvPrefix is the prefix of environment overrides, e.g. TASKWORKER_WORKER_THREADS=8
const EnvPrefix = "TASKWORKER"

// Config is the root worker configuration
type Config struct {
	Worker  WorkerConfig            `mapstructure:"worker"`
	Plugins PluginsConfig           `mapstructure:"plugins"`
	Log     observability.LogConfig `mapstructure:"log"`
	API     APIConfig               `mapstructure:"api"`
}

// WorkerConfig controls the worker runtime
type WorkerConfig struct {
	// ID identifies the worker; empty means derive one from the hostname
	ID string `mapstructure:"id"`
	// Threads is the number of tasks that may run concurrently
	Threads int `mapstructure:"threads" validate:"gte=1,lte=4096"`
	// ShutdownWarnInterval is how often to warn while a plugin's Shutdown
	// has not returned. Zero disables the warning.
	ShutdownWarnInterval time.Duration `mapstructure:"shutdown_warn_interval" validate:"gte=0"`
	// HistorySize bounds the number of finished task records kept
	HistorySize int `mapstructure:"history_size" validate:"gte=1"`
}

// PluginsConfig lists the plugins to load, in invocation order
type PluginsConfig struct {
	Enabled []string                  `mapstructure:"enabled" validate:"unique,dive,required"`
	Config  map[string]map[string]any `mapstructure:"config"`
}

// APIConfig controls the HTTP API
type APIConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Host    string `mapstructure:"host"`
	Port    int    `mapstructure:"port" validate:"gte=0,lte=65535"`
}

// DefaultConfig returns a Config populated with defaults
func DefaultConfig() *Config {
	return &Config{
		Worker: WorkerConfig{
			Threads:              4,
			ShutdownWarnInterval: 10 * time.Second,
			HistorySize:          500,
		},
		Plugins: PluginsConfig{
			Enabled: []string{},
			Config:  map[string]map[string]any{},
		},
		Log: observability.LogConfig{
			Level:   "info",
			Format:  "console",
			Outputs: []string{"stdout"},
			Rotation: observability.RotationConfig{
				MaxSizeMB:  50,
				MaxBackups: 3,
				MaxAgeDays: 28,
				Compress:   true,
			},
		},
		API: APIConfig{
			Enabled: true,
			Host:    "localhost",
			Port:    8080,
		},
	}
}

// LoadConfig reads configuration from path, if non-empty, then applies
// environment overrides. Keys are matched case-insensitively, so plugin ids
// in the config section are lower case.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// seeded so env-only configs work
	v.SetDefault("worker.id", cfg.Worker.ID)
	v.SetDefault("worker.threads", cfg.Worker.Threads)
	v.SetDefault("worker.shutdown_warn_interval", cfg.Worker.ShutdownWarnInterval)
	v.SetDefault("worker.history_size", cfg.Worker.HistorySize)
	v.SetDefault("plugins.enabled", cfg.Plugins.Enabled)
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
	v.SetDefault("log.outputs", cfg.Log.Outputs)
	v.SetDefault("log.development", cfg.Log.Development)
	v.SetDefault("log.rotation.enable", cfg.Log.Rotation.Enable)
	v.SetDefault("log.rotation.filename", cfg.Log.Rotation.Filename)
	v.SetDefault("log.rotation.max_size_mb", cfg.Log.Rotation.MaxSizeMB)
	v.SetDefault("log.rotation.max_backups", cfg.Log.Rotation.MaxBackups)
	v.SetDefault("log.rotation.max_age_days", cfg.Log.Rotation.MaxAgeDays)
	v.SetDefault("log.rotation.compress", cfg.Log.Rotation.Compress)
	v.SetDefault("api.enabled", cfg.API.Enabled)
	v.SetDefault("api.host", cfg.API.Host)
	v.SetDefault("api.port", cfg.API.Port)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("error parsing config: %w", err)
	}

	if err := cfg.Normalize(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var configValidator = validator.New()

// Normalize fills derived values and validates the configuration
func (c *Config) Normalize() error {
	if c.Worker.ID == "" {
		c.Worker.ID = DefaultWorkerID()
	}
	if c.Plugins.Config == nil {
		c.Plugins.Config = map[string]map[string]any{}
	}

	enabled := make([]string, 0, len(c.Plugins.Enabled))
	for _, id := range c.Plugins.Enabled {
		if id = strings.TrimSpace(id); id != "" {
			enabled = append(enabled, id)
		}
	}
	c.Plugins.Enabled = enabled

	if err := configValidator.Struct(c); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) {
			msgs := make([]string, 0, len(fieldErrs))
			for _, fe := range fieldErrs {
				msgs = append(msgs, fmt.Sprintf("%s failed rule '%s'", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// PluginConfig returns the raw configuration of one plugin, or nil
func (c *Config) PluginConfig(id string) map[string]any {
	if c.Plugins.Config == nil {
		return nil
	}
	if raw, ok := c.Plugins.Config[id]; ok {
		return raw
	}
	return c.Plugins.Config[strings.ToLower(id)]
}

// DefaultWorkerID derives a worker id from the hostname and a random suffix
func DefaultWorkerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
}
