package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level service configuration.
type Config struct {
	Env        string           `yaml:"env"` // "prod" or "dev"
	Redis      RedisConfig      `yaml:"redis"`
	Database   DatabaseConfig   `yaml:"database"`
	FreeSwitch FreeSwitchConfig `yaml:"freeswitch"`
	Dialer     DialerConfig     `yaml:"dialer"`
	Monitor    MonitorConfig    `yaml:"monitor"`
	Log        LogConfig        `yaml:"log"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type DatabaseConfig struct {
	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	Username     string `yaml:"username"`
	Password     string `yaml:"password"`
	Database     string `yaml:"database"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

// FreeSwitchConfig holds the event-socket connection parameters.
type FreeSwitchConfig struct {
	Host             string `yaml:"host"`
	Port             int    `yaml:"port"`
	Password         string `yaml:"password"`
	ReconnectSeconds int    `yaml:"reconnect_seconds"`
}

type DialerConfig struct {
	TickSeconds          int     `yaml:"tick_seconds"`
	PickupRatio          float64 `yaml:"pickup_ratio"`
	RefillThreshold      int     `yaml:"refill_threshold"`
	OriginateTimeoutSecs int     `yaml:"originate_timeout_seconds"`
	RingWindowSeconds    int     `yaml:"ring_window_seconds"`
	ExecutionLockSeconds int     `yaml:"execution_lock_seconds"`
	WaitingRoomExtension string  `yaml:"waiting_room_extension"`
}

// MonitorConfig configures the websocket call-event feed.
type MonitorConfig struct {
	Enabled      bool   `yaml:"enabled"`
	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	TokenSecret  string `yaml:"token_secret"`
	PasswordHash string `yaml:"password_hash"` // bcrypt hash for token issuance
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "console" or "json"
}

// Load reads the YAML configuration file and applies env overrides.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}

	overrideWithEnv(cfg)
	return cfg, nil
}

// Default returns a configuration with the fixed operational defaults.
func Default() *Config {
	return &Config{
		Env: "dev",
		Redis: RedisConfig{
			Addr: "127.0.0.1:6379",
		},
		Database: DatabaseConfig{
			Host:         "127.0.0.1",
			Port:         3306,
			MaxOpenConns: 25,
			MaxIdleConns: 5,
		},
		FreeSwitch: FreeSwitchConfig{
			Host:             "127.0.0.1",
			Port:             8021,
			Password:         "ClueCon",
			ReconnectSeconds: 1,
		},
		Dialer: DialerConfig{
			TickSeconds:          5,
			PickupRatio:          0.3,
			RefillThreshold:      100,
			OriginateTimeoutSecs: 30,
			RingWindowSeconds:    90,
			ExecutionLockSeconds: 10,
			WaitingRoomExtension: "9999",
		},
		Monitor: MonitorConfig{
			Host: "127.0.0.1",
			Port: 8088,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// overrideWithEnv lets deployment secrets override file values.
func overrideWithEnv(cfg *Config) {
	if v := os.Getenv("VOICEDIALER_ENV"); v != "" {
		cfg.Env = v
	}
	if v := os.Getenv("VOICEDIALER_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("VOICEDIALER_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("VOICEDIALER_DB_USERNAME"); v != "" {
		cfg.Database.Username = v
	}
	if v := os.Getenv("VOICEDIALER_DB_PASSWORD"); v != "" {
		cfg.Database.Password = v
	}
	if v := os.Getenv("VOICEDIALER_DB_HOST"); v != "" {
		cfg.Database.Host = v
	}
	if v := os.Getenv("VOICEDIALER_DB_DATABASE"); v != "" {
		cfg.Database.Database = v
	}
	if v := os.Getenv("VOICEDIALER_ESL_PASSWORD"); v != "" {
		cfg.FreeSwitch.Password = v
	}
	if v := os.Getenv("VOICEDIALER_MONITOR_SECRET"); v != "" {
		cfg.Monitor.TokenSecret = v
	}
}

// IsProd reports whether the service runs against real trunks.
func (c *Config) IsProd() bool {
	return c.Env == "prod" || c.Env == "PROD"
}

// Address returns host:port for the ESL server.
func (f FreeSwitchConfig) Address() string {
	return fmt.Sprintf("%s:%d", f.Host, f.Port)
}

// ReconnectInterval returns the backoff between ESL reconnect attempts.
func (f FreeSwitchConfig) ReconnectInterval() time.Duration {
	if f.ReconnectSeconds <= 0 {
		return time.Second
	}
	return time.Duration(f.ReconnectSeconds) * time.Second
}

// Address returns host:port for the monitor feed listener.
func (m MonitorConfig) Address() string {
	return fmt.Sprintf("%s:%d", m.Host, m.Port)
}

// DSN returns the MySQL Data Source Name.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true&charset=utf8mb4",
		d.Username, d.Password, d.Host, d.Port, d.Database)
}

// TickInterval returns the period between dialer cycles.
func (d DialerConfig) TickInterval() time.Duration {
	if d.TickSeconds <= 0 {
		return 5 * time.Second
	}
	return time.Duration(d.TickSeconds) * time.Second
}

// RingWindow is how long a busy agent may sit without an assigned call
// before the reaper frees it.
func (d DialerConfig) RingWindow() time.Duration {
	if d.RingWindowSeconds <= 0 {
		return 90 * time.Second
	}
	return time.Duration(d.RingWindowSeconds) * time.Second
}

// DialMultiplier computes the predictive overdial factor m = max(1, floor(1/ratio)).
func (d DialerConfig) DialMultiplier() int {
	ratio := d.PickupRatio
	if ratio <= 0 || ratio > 1 {
		ratio = 0.3
	}
	m := int(1 / ratio)
	if m < 1 {
		m = 1
	}
	return m
}
