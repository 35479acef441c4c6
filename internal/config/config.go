// Package config loads the process configuration from defaults, an optional
// YAML file, environment variables and command-line flags.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable, e.g. GRAPH_EXPORT_DATABASE_URL.
const EnvPrefix = "GRAPH_EXPORT"

// Input backends.
const (
	BackendAzure = "azure"
	BackendLocal = "local"
)

// Config is the full process configuration. It is built once in main and
// handed to constructors; nothing reads it globally.
type Config struct {
	Input       StorageConfig     `mapstructure:"input"`
	Log         LogConfig         `mapstructure:"log"`
	Graph       GraphConfig       `mapstructure:"graph"`
	Concurrency ConcurrencyConfig `mapstructure:"concurrency"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
	Monitor     MonitorConfig     `mapstructure:"monitor"`
}

// StorageConfig locates the mailbox input files.
type StorageConfig struct {
	Backend          string `mapstructure:"backend"`
	ConnectionString string `mapstructure:"connection_string"`
	Container        string `mapstructure:"container"`
	Path             string `mapstructure:"path"`
	Pattern          string `mapstructure:"pattern"`
}

// LogConfig controls console output and log storage.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Pretty bool   `mapstructure:"pretty"`

	// Log storage is enabled when Container is set.
	ConnectionString string `mapstructure:"connection_string"`
	Container        string `mapstructure:"container"`
	Blob             string `mapstructure:"blob"`
}

// GraphConfig holds API credentials and the export window.
type GraphConfig struct {
	TenantID     string        `mapstructure:"tenant_id"`
	ClientID     string        `mapstructure:"client_id"`
	ClientSecret string        `mapstructure:"client_secret"`
	Endpoint     string        `mapstructure:"endpoint"`
	TokenURL     string        `mapstructure:"token_url"`
	Scope        string        `mapstructure:"scope"`
	StartTime    string        `mapstructure:"start_time"`
	EndTime      string        `mapstructure:"end_time"`
	BatchSize    int           `mapstructure:"batch_size"`
	Model        string        `mapstructure:"model"`
	MaxRetries   int           `mapstructure:"max_retries"`
	Timeout      time.Duration `mapstructure:"timeout"`

	// Start and End are parsed from StartTime and EndTime.
	Start time.Time `mapstructure:"-"`
	End   time.Time `mapstructure:"-"`
}

// ConcurrencyConfig holds the per-stage limits.
type ConcurrencyConfig struct {
	Load       int `mapstructure:"load"`
	Fetch      int `mapstructure:"fetch"`
	Preprocess int `mapstructure:"preprocess"`
}

// DatabaseConfig holds the relational store settings.
type DatabaseConfig struct {
	URL      string `mapstructure:"url"`
	Reset    bool   `mapstructure:"reset"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// RedisConfig enables the shared throttle gate and token cache when Addr
// is set.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// MetricsConfig enables the Prometheus endpoint when Addr is set.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// MonitorConfig controls progress snapshots.
type MonitorConfig struct {
	RenderInterval time.Duration `mapstructure:"render_interval"`
}

var keys = []string{
	"input.backend", "input.connection_string", "input.container", "input.path", "input.pattern",
	"log.level", "log.pretty", "log.connection_string", "log.container", "log.blob",
	"graph.tenant_id", "graph.client_id", "graph.client_secret", "graph.endpoint", "graph.token_url",
	"graph.scope", "graph.start_time", "graph.end_time", "graph.batch_size", "graph.model",
	"graph.max_retries", "graph.timeout",
	"concurrency.load", "concurrency.fetch", "concurrency.preprocess",
	"database.url", "database.reset", "database.max_conns",
	"redis.addr", "redis.password", "redis.db",
	"metrics.addr",
	"monitor.render_interval",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("input.backend", BackendAzure)
	v.SetDefault("input.pattern", "AllMailBoxes*.json")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)
	v.SetDefault("log.blob", "graph-export.log")

	v.SetDefault("graph.endpoint", "https://graph.microsoft.com/v1.0/users")
	v.SetDefault("graph.scope", "https://graph.microsoft.com/.default")
	v.SetDefault("graph.batch_size", 50)
	v.SetDefault("graph.model", "A")
	v.SetDefault("graph.max_retries", 5)
	v.SetDefault("graph.timeout", "60s")

	v.SetDefault("concurrency.load", 8)
	v.SetDefault("concurrency.fetch", 4)
	v.SetDefault("concurrency.preprocess", 16)

	v.SetDefault("database.max_conns", 20)

	v.SetDefault("monitor.render_interval", "5s")
}

func bindEnv(v *viper.Viper) error {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for _, key := range keys {
		if err := v.BindEnv(key); err != nil {
			return err
		}
	}

	// Names used by the Azure tooling.
	aliases := map[string]string{
		"graph.tenant_id":     "AZURE_TENANT_ID",
		"graph.client_id":     "AZURE_CLIENT_ID",
		"graph.client_secret": "AZURE_CLIENT_SECRET",
		"database.url":        "DATABASE_URL",
	}
	for key, env := range aliases {
		if err := v.BindEnv(key, EnvPrefix+"_"+strings.ToUpper(strings.ReplaceAll(key, ".", "_")), env); err != nil {
			return err
		}
	}
	return nil
}

// RegisterFlags attaches the persistent flags shared by every command.
func RegisterFlags(cmd *cobra.Command) {
	flags := cmd.PersistentFlags()
	flags.String("config", "", "Path to a YAML config file")
	flags.String("log-level", "", "Logging level: debug, info, warn, error")
	flags.Bool("log-pretty", false, "Human-readable console logs")
	flags.String("pattern", "", "Input file name pattern")
	flags.Bool("reset", false, "Drop and recreate all tables before the run")
}

// Load builds the configuration for cmd. Flags override environment
// variables, which override the config file, which overrides defaults.
func Load(cmd *cobra.Command) (*Config, error) {
	v := viper.New()

	flags := cmd.Flags()
	bindings := map[string]string{
		"log.level":      "log-level",
		"log.pretty":     "log-pretty",
		"input.pattern":  "pattern",
		"database.reset": "reset",
	}
	for key, name := range bindings {
		if f := flags.Lookup(name); f != nil {
			if err := v.BindPFlag(key, f); err != nil {
				return nil, err
			}
		}
	}

	file, _ := flags.GetString("config")
	return load(v, file)
}

// LoadFile builds the configuration from defaults, file (optional) and the
// environment.
func LoadFile(file string) (*Config, error) {
	return load(viper.New(), file)
}

func load(v *viper.Viper, file string) (*Config, error) {
	setDefaults(v)
	if err := bindEnv(v); err != nil {
		return nil, fmt.Errorf("bind environment: %w", err)
	}

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", file, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the configuration and fills the parsed fields.
func (c *Config) Validate() error {
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	c.Input.Backend = strings.ToLower(c.Input.Backend)
	switch c.Input.Backend {
	case BackendAzure:
		if c.Input.ConnectionString == "" || c.Input.Container == "" {
			fail("input.connection_string and input.container are required for the azure backend")
		}
	case BackendLocal:
		if c.Input.Path == "" {
			fail("input.path is required for the local backend")
		}
	default:
		fail("invalid input.backend %q", c.Input.Backend)
	}
	if c.Input.Pattern == "" {
		fail("input.pattern is required")
	}

	c.Log.Level = strings.ToLower(c.Log.Level)
	if c.Log.Level == "warning" {
		c.Log.Level = "warn"
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		fail("invalid log.level %q", c.Log.Level)
	}
	if c.Log.Container != "" && c.Log.ConnectionString == "" {
		c.Log.ConnectionString = c.Input.ConnectionString
	}

	if c.Graph.TenantID == "" || c.Graph.ClientID == "" || c.Graph.ClientSecret == "" {
		fail("graph.tenant_id, graph.client_id and graph.client_secret are required")
	}
	if c.Graph.BatchSize <= 0 {
		fail("graph.batch_size must be positive (got %d)", c.Graph.BatchSize)
	}
	if c.Graph.MaxRetries < 0 {
		fail("graph.max_retries must be >= 0 (got %d)", c.Graph.MaxRetries)
	}
	switch strings.ToUpper(c.Graph.Model) {
	case "A", "B":
		c.Graph.Model = strings.ToUpper(c.Graph.Model)
	default:
		fail("invalid graph.model %q", c.Graph.Model)
	}

	var err error
	if c.Graph.Start, err = parseTime(c.Graph.StartTime); err != nil {
		fail("graph.start_time: %w", err)
	}
	if c.Graph.EndTime == "" {
		c.Graph.End = time.Now().UTC()
	} else if c.Graph.End, err = parseTime(c.Graph.EndTime); err != nil {
		fail("graph.end_time: %w", err)
	}
	if !c.Graph.Start.IsZero() && !c.Graph.End.IsZero() && !c.Graph.Start.Before(c.Graph.End) {
		fail("graph.start_time must be before graph.end_time")
	}

	if c.Concurrency.Load <= 0 || c.Concurrency.Fetch <= 0 || c.Concurrency.Preprocess <= 0 {
		fail("concurrency limits must be positive")
	}

	if c.Database.URL == "" {
		fail("database.url is required")
	}

	return errors.Join(errs...)
}

func parseTime(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, errors.New("is required")
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02"} {
		if t, err := time.Parse(layout, value); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("cannot parse %q as RFC 3339 or date", value)
}
