package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// maxHeartbeat keeps stream heartbeats under the idle timeout of common
// proxies and mobile carriers.
const maxHeartbeat = 30 * time.Second

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Stream   StreamConfig   `yaml:"stream"`
	Registry RegistryConfig `yaml:"registry"`
	Adapter  AdapterConfig  `yaml:"adapter"`
	Logging  LoggingConfig  `yaml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

type ServerConfig struct {
	Port           int      `yaml:"port"`
	Host           string   `yaml:"host"`
	AuthToken      string   `yaml:"auth_token"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type StreamConfig struct {
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	SendBuffer        int           `yaml:"send_buffer"`
	MaxPerUser        int           `yaml:"max_per_user"` // 0 means unlimited
}

type RegistryConfig struct {
	Path string `yaml:"path"`
}

// AdapterConfig drives the simulated protocol client.
type AdapterConfig struct {
	Mode           string        `yaml:"mode"`
	QRDelay        time.Duration `yaml:"qr_delay"`
	QRRotate       time.Duration `yaml:"qr_rotate"`
	LinkDelay      time.Duration `yaml:"link_delay"`
	DropAfter      time.Duration `yaml:"drop_after"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
	MaxRetries     int           `yaml:"max_retries"`
	ConflictChance float64       `yaml:"conflict_chance"`
	RestoreKnown   bool          `yaml:"restore_known"`
	Seed           int64         `yaml:"seed"`
}

type LoggingConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port: 8080,
			Host: "0.0.0.0",
		},
		Stream: StreamConfig{
			HeartbeatInterval: 25 * time.Second,
			WriteTimeout:      10 * time.Second,
			SendBuffer:        64,
			MaxPerUser:        16,
		},
		Registry: RegistryConfig{
			Path: "data/sessions.db",
		},
		Adapter: AdapterConfig{
			Mode:           "simulated",
			QRDelay:        2 * time.Second,
			QRRotate:       20 * time.Second,
			LinkDelay:      8 * time.Second,
			DropAfter:      0,
			ReconnectDelay: 3 * time.Second,
			MaxRetries:     3,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
	}
}

// Default returns the built-in configuration.
func Default() *Config {
	return defaultConfig()
}

// Load reads path over the defaults. An empty path yields the defaults.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Stream.HeartbeatInterval <= 0 {
		errs = append(errs, errors.New("stream.heartbeat_interval must be positive"))
	} else if c.Stream.HeartbeatInterval >= maxHeartbeat {
		errs = append(errs, fmt.Errorf("stream.heartbeat_interval must be below %s", maxHeartbeat))
	}
	if c.Stream.SendBuffer <= 0 {
		errs = append(errs, errors.New("stream.send_buffer must be positive"))
	}
	if c.Stream.MaxPerUser < 0 {
		errs = append(errs, errors.New("stream.max_per_user must not be negative"))
	}
	if c.Adapter.ConflictChance < 0 || c.Adapter.ConflictChance > 1 {
		errs = append(errs, fmt.Errorf("adapter.conflict_chance %v not in [0, 1]", c.Adapter.ConflictChance))
	}
	if c.Adapter.Mode != "simulated" {
		errs = append(errs, fmt.Errorf("adapter.mode %q not supported", c.Adapter.Mode))
	}
	return errors.Join(errs...)
}

// Addr returns host:port for the HTTP listener.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
