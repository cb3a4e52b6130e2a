package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds the server configuration. Values are layered: defaults, then
// the YAML file named by CONFIG_FILE, then .env, then the process environment.
type Config struct {
	Port int `yaml:"port"`

	// Queue handler options. DSN takes the handler forms: postgres://,
	// pgsql:host=..;dbname=.., mysql:host=..;dbname=.., sqlite:/path or
	// sqlite::memory:.
	DSN           string `yaml:"dsn"`
	Username      string `yaml:"username"`
	Password      string `yaml:"password"`
	TableName     string `yaml:"table_name"`
	AutoMigrate   bool   `yaml:"auto_migrate"`
	NotifyChannel string `yaml:"notify_channel"`

	VisibilityTimeout   time.Duration `yaml:"visibility_timeout"`
	ReceiveMax          int           `yaml:"receive_max"`
	ReceiveMaxWait      time.Duration `yaml:"receive_max_wait"`
	SweepInterval       time.Duration `yaml:"sweep_interval"`
	LogLevel            string        `yaml:"log_level"`
	DBConnectionTimeout time.Duration `yaml:"db_connection_timeout"`
}

func Default() *Config {
	return &Config{
		Port:                8080,
		TableName:           "queue_messages",
		AutoMigrate:         true,
		VisibilityTimeout:   30 * time.Second,
		ReceiveMax:          10,
		ReceiveMaxWait:      20 * time.Second,
		SweepInterval:       60 * time.Second,
		LogLevel:            "info",
		DBConnectionTimeout: 5 * time.Second,
	}
}

// helper: read env var as a duration. Bare integers are seconds.
func getEnvAsDuration(name string, defaultVal time.Duration) time.Duration {
	if value, exists := os.LookupEnv(name); exists {
		if i, err := strconv.Atoi(value); err == nil {
			return time.Duration(i) * time.Second
		}
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultVal
}

func getEnvAsInt(name string, defaultVal int) int {
	if value, exists := os.LookupEnv(name); exists {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultVal
}

func getEnvAsBool(name string, defaultVal bool) bool {
	if value, exists := os.LookupEnv(name); exists {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultVal
}

func getEnv(name, defaultVal string) string {
	if value, exists := os.LookupEnv(name); exists {
		return value
	}
	return defaultVal
}

// LoadConfig builds and validates the configuration.
func LoadConfig() (*Config, error) {
	cfg := Default()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	// .env never overrides variables already set in the environment.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Port = getEnvAsInt("PORT", c.Port)
	c.DSN = getEnv("QUEUE_DSN", getEnv("DATABASE_URL", c.DSN))
	c.Username = getEnv("QUEUE_USERNAME", c.Username)
	c.Password = getEnv("QUEUE_PASSWORD", c.Password)
	c.TableName = getEnv("QUEUE_TABLE_NAME", c.TableName)
	c.AutoMigrate = getEnvAsBool("QUEUE_AUTO_MIGRATE", c.AutoMigrate)
	c.NotifyChannel = getEnv("QUEUE_NOTIFY_CHANNEL", c.NotifyChannel)
	c.VisibilityTimeout = getEnvAsDuration("VISIBILITY_TIMEOUT", c.VisibilityTimeout)
	c.ReceiveMax = getEnvAsInt("RECEIVE_MAX", c.ReceiveMax)
	c.ReceiveMaxWait = getEnvAsDuration("RECEIVE_MAX_WAIT", c.ReceiveMaxWait)
	c.SweepInterval = getEnvAsDuration("SWEEP_INTERVAL", c.SweepInterval)
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
	c.DBConnectionTimeout = getEnvAsDuration("DB_CONNECTION_TIMEOUT", c.DBConnectionTimeout)
}

// Options returns the queue handler options map.
func (c *Config) Options() map[string]string {
	return map[string]string{
		"dsn":        c.DSN,
		"username":   c.Username,
		"password":   c.Password,
		"table_name": c.TableName,
	}
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.DSN) == "" {
		return errors.New("QUEUE_DSN (or DATABASE_URL) is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid PORT: %d", c.Port)
	}
	if c.ReceiveMax <= 0 {
		return fmt.Errorf("invalid RECEIVE_MAX: %d", c.ReceiveMax)
	}
	if c.VisibilityTimeout <= 0 {
		return fmt.Errorf("invalid VISIBILITY_TIMEOUT: %s", c.VisibilityTimeout)
	}
	if c.ReceiveMaxWait < 0 {
		return fmt.Errorf("invalid RECEIVE_MAX_WAIT: %s", c.ReceiveMaxWait)
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("invalid SWEEP_INTERVAL: %s", c.SweepInterval)
	}
	if c.DBConnectionTimeout <= 0 {
		return fmt.Errorf("invalid DB_CONNECTION_TIMEOUT: %s", c.DBConnectionTimeout)
	}
	return nil
}
