// Package config loads CubeStore configuration from a YAML file with
// environment overrides
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nainya/cubestore/pkg/engine"
)

// Store drivers
const (
	DriverMemory = "memory"
	DriverBadger = "badger"
	DriverSQLite = "sqlite"
)

// Config holds all server configuration
type Config struct {
	Server ServerConfig `yaml:"server"`
	Store  StoreConfig  `yaml:"store"`
	Log    LogConfig    `yaml:"log"`
	Eval   EvalConfig   `yaml:"eval"`
	Lock   LockConfig   `yaml:"lock"`
}

// ServerConfig holds listener settings
type ServerConfig struct {
	// GrpcPort is the controller port
	GrpcPort int `yaml:"grpc_port"`
	// MetricsPort serves /metrics, /health and pprof; zero disables it
	MetricsPort int `yaml:"metrics_port"`
}

// StoreConfig selects and tunes the repository
type StoreConfig struct {
	Driver     string `yaml:"driver"`
	Path       string `yaml:"path"`
	SyncWrites bool   `yaml:"sync_writes"`
	Compress   bool   `yaml:"compress"`
}

// LogConfig holds logger settings
type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// EvalConfig bounds evaluations
type EvalConfig struct {
	Timeout     time.Duration `yaml:"timeout"`
	MaxDepth    int           `yaml:"max_depth"`
	VisualDepth int           `yaml:"visual_depth"`
}

// LockConfig bounds lock waits
type LockConfig struct {
	Timeout time.Duration `yaml:"timeout"`
}

// Default returns the built-in configuration
func Default() Config {
	return Config{
		Server: ServerConfig{GrpcPort: 50051, MetricsPort: 9090},
		Store:  StoreConfig{Driver: DriverBadger, Path: "./data", SyncWrites: true, Compress: true},
		Log:    LogConfig{Level: "info"},
		Eval:   EvalConfig{Timeout: 30 * time.Second, MaxDepth: 64, VisualDepth: 5},
		Lock:   LockConfig{Timeout: 10 * time.Second},
	}
}

// Load builds the configuration: defaults, then the file at path (when
// given and present), then CUBESTORE_* environment variables
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return cfg, fmt.Errorf("load config file: %w", err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

func (c *Config) applyEnv() {
	c.Server.GrpcPort = getEnvInt("CUBESTORE_GRPC_PORT", c.Server.GrpcPort)
	c.Server.MetricsPort = getEnvInt("CUBESTORE_METRICS_PORT", c.Server.MetricsPort)
	c.Store.Driver = getEnv("CUBESTORE_STORE_DRIVER", c.Store.Driver)
	c.Store.Path = getEnv("CUBESTORE_STORE_PATH", c.Store.Path)
	c.Store.SyncWrites = getEnvBool("CUBESTORE_SYNC_WRITES", c.Store.SyncWrites)
	c.Store.Compress = getEnvBool("CUBESTORE_COMPRESS", c.Store.Compress)
	c.Log.Level = getEnv("CUBESTORE_LOG_LEVEL", c.Log.Level)
	c.Log.Pretty = getEnvBool("CUBESTORE_LOG_PRETTY", c.Log.Pretty)
	c.Eval.Timeout = getEnvDuration("CUBESTORE_EVAL_TIMEOUT", c.Eval.Timeout)
	c.Eval.MaxDepth = getEnvInt("CUBESTORE_EVAL_MAX_DEPTH", c.Eval.MaxDepth)
	c.Lock.Timeout = getEnvDuration("CUBESTORE_LOCK_TIMEOUT", c.Lock.Timeout)
}

// Validate checks that the configuration is usable
func (c Config) Validate() error {
	if c.Server.GrpcPort < 1 || c.Server.GrpcPort > 65535 {
		return fmt.Errorf("grpc_port must be between 1 and 65535")
	}
	if c.Server.MetricsPort < 0 || c.Server.MetricsPort > 65535 {
		return fmt.Errorf("metrics_port must be between 0 and 65535")
	}
	if c.Server.MetricsPort == c.Server.GrpcPort {
		return fmt.Errorf("metrics_port must differ from grpc_port")
	}
	switch c.Store.Driver {
	case DriverMemory:
	case DriverBadger, DriverSQLite:
		if c.Store.Path == "" {
			return fmt.Errorf("store path is required for driver %s", c.Store.Driver)
		}
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}
	switch c.Log.Level {
	case "trace", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level %q", c.Log.Level)
	}
	if c.Eval.Timeout < 0 || c.Lock.Timeout < 0 {
		return fmt.Errorf("timeouts must not be negative")
	}
	if c.Eval.MaxDepth < 1 {
		return fmt.Errorf("max_depth must be >= 1")
	}
	return nil
}

// Engine returns the engine settings
func (c Config) Engine() engine.Config {
	return engine.Config{
		MaxDepth:    c.Eval.MaxDepth,
		EvalTimeout: c.Eval.Timeout,
		LockTimeout: c.Lock.Timeout,
		VisualDepth: c.Eval.VisualDepth,
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}
