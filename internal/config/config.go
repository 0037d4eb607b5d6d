// Package config loads application configuration from an optional YAML file
// with environment variable overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Auth     AuthConfig     `yaml:"auth"`
	Collab   CollabConfig   `yaml:"collab"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port         string        `yaml:"port"`
	Interface    string        `yaml:"interface"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Postgres PostgresConfig `yaml:"postgres"`
	Redis    RedisConfig    `yaml:"redis"`
}

// PostgresConfig holds PostgreSQL configuration
type PostgresConfig struct {
	Host     string `yaml:"host"`
	Port     string `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	SSLMode  string `yaml:"sslmode"`
}

// ConnString builds a libpq-style connection string
func (p PostgresConfig) ConnString() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.Database, p.SSLMode)
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host     string `yaml:"host"`
	Port     string `yaml:"port"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	// Enabled selects the Redis broadcast transport over in-memory fan-out
	Enabled bool `yaml:"enabled"`
}

// Addr returns the host:port address for the Redis client
func (r RedisConfig) Addr() string {
	return r.Host + ":" + r.Port
}

// AuthConfig holds JWT authentication configuration
type AuthConfig struct {
	JWTSecret      string        `yaml:"jwt_secret"`
	TokenExpiry    time.Duration `yaml:"token_expiry"`
	SigningMethod  string        `yaml:"signing_method"`
	TokenQueryAuth bool          `yaml:"token_query_auth"`
}

// CollabConfig holds collaboration engine tuning.
// Lock TTL and presence window are independent knobs; nothing derives one
// from the other.
type CollabConfig struct {
	LockTTL         time.Duration `yaml:"lock_ttl"`
	PresenceWindow  time.Duration `yaml:"presence_window"`
	SessionTTL      time.Duration `yaml:"session_ttl"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
	SendBufferSize  int           `yaml:"send_buffer_size"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level            string `yaml:"level"`
	IsDev            bool   `yaml:"is_dev"`
	LogDir           string `yaml:"log_dir"`
	MaxAgeDays       int    `yaml:"max_age_days"`
	MaxSizeMB        int    `yaml:"max_size_mb"`
	MaxBackups       int    `yaml:"max_backups"`
	AlsoLogToConsole bool   `yaml:"console"`
}

// Default returns the baseline configuration before file and env overrides
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         "8080",
			Interface:    "0.0.0.0",
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		Database: DatabaseConfig{
			Postgres: PostgresConfig{
				Host:     "localhost",
				Port:     "5432",
				User:     "postgres",
				Database: "collab",
				SSLMode:  "disable",
			},
			Redis: RedisConfig{
				Host: "localhost",
				Port: "6379",
			},
		},
		Auth: AuthConfig{
			TokenExpiry:    24 * time.Hour,
			SigningMethod:  "HS256",
			TokenQueryAuth: true,
		},
		Collab: CollabConfig{
			LockTTL:         30 * time.Minute,
			PresenceWindow:  5 * time.Minute,
			SessionTTL:      8 * time.Hour,
			CleanupInterval: 60 * time.Second,
			SendBufferSize:  256,
		},
		Logging: LoggingConfig{
			Level:            "info",
			AlsoLogToConsole: true,
		},
	}
}

// Load reads configuration from the given YAML file (if it exists) and then
// applies environment variable overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path) // #nosec G304 - operator-supplied path
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	envStr("SERVER_PORT", &c.Server.Port)
	envStr("SERVER_INTERFACE", &c.Server.Interface)
	envDuration("SERVER_READ_TIMEOUT", &c.Server.ReadTimeout)
	envDuration("SERVER_WRITE_TIMEOUT", &c.Server.WriteTimeout)
	envDuration("SERVER_IDLE_TIMEOUT", &c.Server.IdleTimeout)

	envStr("POSTGRES_HOST", &c.Database.Postgres.Host)
	envStr("POSTGRES_PORT", &c.Database.Postgres.Port)
	envStr("POSTGRES_USER", &c.Database.Postgres.User)
	envStr("POSTGRES_PASSWORD", &c.Database.Postgres.Password)
	envStr("POSTGRES_DATABASE", &c.Database.Postgres.Database)
	envStr("POSTGRES_SSL_MODE", &c.Database.Postgres.SSLMode)

	envStr("REDIS_HOST", &c.Database.Redis.Host)
	envStr("REDIS_PORT", &c.Database.Redis.Port)
	envStr("REDIS_PASSWORD", &c.Database.Redis.Password)
	envInt("REDIS_DB", &c.Database.Redis.DB)
	envBool("REDIS_ENABLED", &c.Database.Redis.Enabled)

	envStr("JWT_SECRET", &c.Auth.JWTSecret)
	envDuration("JWT_TOKEN_EXPIRY", &c.Auth.TokenExpiry)

	envDuration("COLLAB_LOCK_TTL", &c.Collab.LockTTL)
	envDuration("COLLAB_PRESENCE_WINDOW", &c.Collab.PresenceWindow)
	envDuration("COLLAB_SESSION_TTL", &c.Collab.SessionTTL)
	envDuration("COLLAB_CLEANUP_INTERVAL", &c.Collab.CleanupInterval)
	envInt("COLLAB_SEND_BUFFER_SIZE", &c.Collab.SendBufferSize)

	envStr("LOG_LEVEL", &c.Logging.Level)
	envBool("LOG_IS_DEV", &c.Logging.IsDev)
	envStr("LOG_DIR", &c.Logging.LogDir)
	envBool("LOG_CONSOLE", &c.Logging.AlsoLogToConsole)
}

// Validate checks invariants that would otherwise surface as runtime faults
func (c *Config) Validate() error {
	if c.Collab.LockTTL <= 0 {
		return fmt.Errorf("collab.lock_ttl must be positive, got %s", c.Collab.LockTTL)
	}
	if c.Collab.PresenceWindow <= 0 {
		return fmt.Errorf("collab.presence_window must be positive, got %s", c.Collab.PresenceWindow)
	}
	if c.Collab.CleanupInterval <= 0 {
		return fmt.Errorf("collab.cleanup_interval must be positive, got %s", c.Collab.CleanupInterval)
	}
	if c.Collab.SendBufferSize <= 0 {
		return fmt.Errorf("collab.send_buffer_size must be positive, got %d", c.Collab.SendBufferSize)
	}
	return nil
}

func envStr(key string, target *string) {
	if v := os.Getenv(key); v != "" {
		*target = v
	}
}

func envInt(key string, target *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*target = n
		}
	}
}

func envBool(key string, target *bool) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*target = b
		}
	}
}

func envDuration(key string, target *time.Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*target = d
		}
	}
}
