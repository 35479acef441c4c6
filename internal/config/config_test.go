package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validYAML = `
input:
  backend: local
  path: /data/input
log:
  level: WARNING
graph:
  tenant_id: tenant
  client_id: client
  client_secret: secret
  start_time: "2024-01-01"
  end_time: "2024-06-30T00:00:00Z"
  model: b
database:
  url: postgres://localhost/export
concurrency:
  fetch: 2
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadFile_DefaultsAndFile(t *testing.T) {
	cfg, err := LoadFile(writeConfig(t, validYAML))
	require.NoError(t, err)

	assert.Equal(t, BackendLocal, cfg.Input.Backend)
	assert.Equal(t, "AllMailBoxes*.json", cfg.Input.Pattern)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, "https://graph.microsoft.com/v1.0/users", cfg.Graph.Endpoint)
	assert.Equal(t, 50, cfg.Graph.BatchSize)
	assert.Equal(t, "B", cfg.Graph.Model)
	assert.Equal(t, 5, cfg.Graph.MaxRetries)
	assert.Equal(t, 60*time.Second, cfg.Graph.Timeout)
	assert.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), cfg.Graph.Start)
	assert.Equal(t, time.Date(2024, 6, 30, 0, 0, 0, 0, time.UTC), cfg.Graph.End)
	assert.Equal(t, ConcurrencyConfig{Load: 8, Fetch: 2, Preprocess: 16}, cfg.Concurrency)
	assert.Equal(t, 5*time.Second, cfg.Monitor.RenderInterval)
}

func TestLoadFile_EnvironmentOverridesFile(t *testing.T) {
	t.Setenv("GRAPH_EXPORT_GRAPH_BATCH_SIZE", "10")
	t.Setenv("GRAPH_EXPORT_REDIS_ADDR", "localhost:6379")
	t.Setenv("AZURE_CLIENT_SECRET", "from-azure-env")

	cfg, err := LoadFile(writeConfig(t, validYAML))
	require.NoError(t, err)

	assert.Equal(t, 10, cfg.Graph.BatchSize)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, "from-azure-env", cfg.Graph.ClientSecret)
}

func TestLoadFile_MissingFile(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestLoad_FlagsOverride(t *testing.T) {
	cmd := &cobra.Command{Use: "test"}
	RegisterFlags(cmd)
	require.NoError(t, cmd.ParseFlags([]string{
		"--config", writeConfig(t, validYAML),
		"--log-level", "debug",
		"--pattern", "Other*.json",
		"--reset",
	}))

	cfg, err := Load(cmd)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "Other*.json", cfg.Input.Pattern)
	assert.True(t, cfg.Database.Reset)
}

func validConfig() Config {
	return Config{
		Input: StorageConfig{Backend: BackendAzure, ConnectionString: "conn", Container: "input", Pattern: "*.json"},
		Log:   LogConfig{Level: "info"},
		Graph: GraphConfig{
			TenantID: "t", ClientID: "c", ClientSecret: "s",
			StartTime: "2024-01-01", EndTime: "2024-02-01",
			BatchSize: 50, Model: "A",
		},
		Concurrency: ConcurrencyConfig{Load: 1, Fetch: 1, Preprocess: 1},
		Database:    DatabaseConfig{URL: "postgres://localhost/db"},
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{"valid", func(c *Config) {}, false},
		{"azure without container", func(c *Config) { c.Input.Container = "" }, true},
		{"local without path", func(c *Config) { c.Input.Backend = BackendLocal }, true},
		{"unknown backend", func(c *Config) { c.Input.Backend = "s3" }, true},
		{"empty pattern", func(c *Config) { c.Input.Pattern = "" }, true},
		{"bad log level", func(c *Config) { c.Log.Level = "trace" }, true},
		{"missing secret", func(c *Config) { c.Graph.ClientSecret = "" }, true},
		{"zero batch", func(c *Config) { c.Graph.BatchSize = 0 }, true},
		{"negative retries", func(c *Config) { c.Graph.MaxRetries = -1 }, true},
		{"bad model", func(c *Config) { c.Graph.Model = "C" }, true},
		{"missing start", func(c *Config) { c.Graph.StartTime = "" }, true},
		{"unparseable end", func(c *Config) { c.Graph.EndTime = "yesterday" }, true},
		{"window reversed", func(c *Config) { c.Graph.StartTime = "2024-03-01" }, true},
		{"zero fetch limit", func(c *Config) { c.Concurrency.Fetch = 0 }, true},
		{"missing database", func(c *Config) { c.Database.URL = "" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidate_DefaultsEndToNowAndLogConnection(t *testing.T) {
	cfg := validConfig()
	cfg.Graph.EndTime = ""
	cfg.Log.Container = "logs"

	require.NoError(t, cfg.Validate())
	assert.WithinDuration(t, time.Now(), cfg.Graph.End, time.Minute)
	assert.Equal(t, "conn", cfg.Log.ConnectionString)
}
