package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/vjranagit/heartwatch/pkg/storage"
	"gopkg.in/yaml.v3"
)

// minTickInterval bounds how fast the sampling loop may spin
const minTickInterval = 100 * time.Millisecond

// Config holds the application configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Storage  StorageConfig  `yaml:"storage"`
	Sampling SamplingConfig `yaml:"sampling"`
	Log      LogConfig      `yaml:"log"`
}

// ServerConfig holds server configuration
type ServerConfig struct {
	ListenAddr string   `yaml:"listen_addr"`
	Timeout    Duration `yaml:"timeout"`
}

// StorageConfig holds storage configuration
type StorageConfig struct {
	Path             string `yaml:"path"`
	RetentionDays    int    `yaml:"retention_days"`
	CompressionLevel int    `yaml:"compression_level"`
	EnableWAL        bool   `yaml:"enable_wal"`
	SyncWrites       bool   `yaml:"sync_writes"`
	QueueSize        int    `yaml:"queue_size"`
}

// SamplingConfig holds coordinator and sensor configuration
type SamplingConfig struct {
	// TickInterval paces the sampling loop. Samples are keyed by second, so
	// intervals under one second store at most one sample per second.
	TickInterval Duration `yaml:"tick_interval"`

	// PermissionGranted is the initial sensor permission state
	PermissionGranted bool `yaml:"permission_granted"`

	// SensorInterval is the delivery interval of the simulated sensor
	SensorInterval Duration `yaml:"sensor_interval"`

	// Baseline is the resting heart rate the simulated sensor hovers around
	Baseline float64 `yaml:"baseline"`
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Duration wraps time.Duration for YAML unmarshalling.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}

	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}

	*d = Duration(parsed)
	return nil
}

// Duration returns the underlying time.Duration value.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// DefaultConfig returns default configuration
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr: getEnv("LISTEN_ADDR", ":9095"),
			Timeout:    Duration(30 * time.Second),
		},
		Storage: StorageConfig{
			Path:             getEnv("STORAGE_PATH", "./data"),
			RetentionDays:    getEnvInt("RETENTION_DAYS", 30),
			CompressionLevel: getEnvInt("COMPRESSION_LEVEL", 3),
			EnableWAL:        getEnvBool("ENABLE_WAL", true),
			SyncWrites:       getEnvBool("SYNC_WRITES", false),
			QueueSize:        getEnvInt("QUEUE_SIZE", 256),
		},
		Sampling: SamplingConfig{
			TickInterval:      Duration(getEnvDuration("TICK_INTERVAL", time.Second)),
			PermissionGranted: getEnvBool("PERMISSION_GRANTED", false),
			SensorInterval:    Duration(getEnvDuration("SENSOR_INTERVAL", time.Second)),
			Baseline:          70,
		},
		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "text"),
		},
	}
}

// Load reads a YAML file over the defaults. An empty path returns the
// defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, cfg.Validate()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse parses YAML configuration data over the defaults
func Parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ToStorageConfig converts to storage.Config
func (c *Config) ToStorageConfig(logger *slog.Logger) *storage.Config {
	return &storage.Config{
		Path:             c.Storage.Path,
		RetentionDays:    c.Storage.RetentionDays,
		CompressionLevel: c.Storage.CompressionLevel,
		SyncWrites:       c.Storage.SyncWrites,
		Logger:           logger,
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.ListenAddr == "" {
		return fmt.Errorf("server listen address is required")
	}

	if c.Storage.Path == "" {
		return fmt.Errorf("storage path is required")
	}

	if c.Storage.RetentionDays < 1 {
		return fmt.Errorf("retention days must be at least 1")
	}

	if c.Storage.CompressionLevel < 1 || c.Storage.CompressionLevel > 4 {
		return fmt.Errorf("compression level must be between 1 and 4")
	}

	if c.Storage.QueueSize < 1 {
		return fmt.Errorf("queue size must be at least 1")
	}

	if c.Sampling.TickInterval.Duration() < minTickInterval {
		return fmt.Errorf("tick_interval must be at least %s, got %s", minTickInterval, c.Sampling.TickInterval.Duration())
	}

	if c.Sampling.SensorInterval.Duration() <= 0 {
		return fmt.Errorf("sensor_interval must be positive")
	}

	if _, err := c.Log.SlogLevel(); err != nil {
		return err
	}

	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log format must be text or json, got %q", c.Log.Format)
	}

	return nil
}

// SlogLevel maps the configured level name to a slog.Level
func (l LogConfig) SlogLevel() (slog.Level, error) {
	switch strings.ToLower(l.Level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level %q", l.Level)
	}
}

// NewLogger builds the process logger
func (l LogConfig) NewLogger(w io.Writer) *slog.Logger {
	level, err := l.SlogLevel()
	if err != nil {
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if l.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// Helper functions for environment variables
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		var intVal int
		if _, err := fmt.Sscanf(value, "%d", &intVal); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1"
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
