package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var envKeys = []string{
	"CONFIG_FILE", "PORT", "QUEUE_DSN", "DATABASE_URL", "QUEUE_USERNAME",
	"QUEUE_PASSWORD", "QUEUE_TABLE_NAME", "QUEUE_AUTO_MIGRATE",
	"QUEUE_NOTIFY_CHANNEL", "VISIBILITY_TIMEOUT", "RECEIVE_MAX",
	"RECEIVE_MAX_WAIT", "SWEEP_INTERVAL", "LOG_LEVEL", "DB_CONNECTION_TIMEOUT",
}

// cleanEnv unsets every key LoadConfig reads and runs the test from an empty
// directory so no stray .env is picked up.
func cleanEnv(t *testing.T) {
	t.Helper()
	for _, k := range envKeys {
		t.Setenv(k, "")
		require.NoError(t, os.Unsetenv(k))
	}
	t.Chdir(t.TempDir())
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "queue_messages", cfg.TableName)
	assert.True(t, cfg.AutoMigrate)
	assert.Equal(t, 30*time.Second, cfg.VisibilityTimeout)
	assert.Equal(t, 10, cfg.ReceiveMax)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestLoadConfigRequiresDSN(t *testing.T) {
	cleanEnv(t)
	_, err := LoadConfig()
	assert.ErrorContains(t, err, "QUEUE_DSN")
}

func TestLoadConfigFromEnv(t *testing.T) {
	cleanEnv(t)
	t.Setenv("QUEUE_DSN", "sqlite::memory:")
	t.Setenv("PORT", "9090")
	t.Setenv("VISIBILITY_TIMEOUT", "45")
	t.Setenv("RECEIVE_MAX_WAIT", "1500ms")
	t.Setenv("QUEUE_AUTO_MIGRATE", "false")
	t.Setenv("QUEUE_TABLE_NAME", "jobs")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, "sqlite::memory:", cfg.DSN)
	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, 45*time.Second, cfg.VisibilityTimeout)
	assert.Equal(t, 1500*time.Millisecond, cfg.ReceiveMaxWait)
	assert.False(t, cfg.AutoMigrate)
	assert.Equal(t, map[string]string{
		"dsn":        "sqlite::memory:",
		"username":   "",
		"password":   "",
		"table_name": "jobs",
	}, cfg.Options())
}

func TestDatabaseURLFallback(t *testing.T) {
	cleanEnv(t)
	t.Setenv("DATABASE_URL", "postgres://localhost/app")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, "postgres://localhost/app", cfg.DSN)

	t.Setenv("QUEUE_DSN", "postgres://localhost/queue")
	cfg, err = LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, "postgres://localhost/queue", cfg.DSN)
}

func TestYAMLFileThenEnvOverride(t *testing.T) {
	cleanEnv(t)
	path := writeFile(t, "leaseq.yaml", `
port: 7000
dsn: "pgsql:host=db;dbname=queue"
username: svc
table_name: "queue.messages"
sweep_interval: 5s
receive_max: 25
`)
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("RECEIVE_MAX", "50")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, 7000, cfg.Port)
	assert.Equal(t, "pgsql:host=db;dbname=queue", cfg.DSN)
	assert.Equal(t, "svc", cfg.Username)
	assert.Equal(t, "queue.messages", cfg.TableName)
	assert.Equal(t, 5*time.Second, cfg.SweepInterval)
	assert.Equal(t, 50, cfg.ReceiveMax)
}

func TestMissingConfigFileIsAnError(t *testing.T) {
	cleanEnv(t)
	t.Setenv("CONFIG_FILE", filepath.Join(t.TempDir(), "nope.yaml"))
	_, err := LoadConfig()
	assert.ErrorContains(t, err, "read config file")
}

func TestDotEnvDoesNotOverrideEnvironment(t *testing.T) {
	cleanEnv(t)
	require.NoError(t, os.WriteFile(".env", []byte("QUEUE_DSN=sqlite:/tmp/dotenv.db\nPORT=6000\n"), 0o600))
	t.Setenv("PORT", "6500")
	t.Cleanup(func() { os.Unsetenv("QUEUE_DSN") })

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, "sqlite:/tmp/dotenv.db", cfg.DSN)
	assert.Equal(t, 6500, cfg.Port)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad port", func(c *Config) { c.Port = 70000 }},
		{"zero receive max", func(c *Config) { c.ReceiveMax = 0 }},
		{"zero visibility", func(c *Config) { c.VisibilityTimeout = 0 }},
		{"negative wait", func(c *Config) { c.ReceiveMaxWait = -time.Second }},
		{"zero sweep", func(c *Config) { c.SweepInterval = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.DSN = "sqlite::memory:"
			require.NoError(t, cfg.Validate())
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
