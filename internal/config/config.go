// Package config loads relay's configuration from environment variables, an
// optional config file, and built-in defaults, using spf13/viper the way a
// reference project's internal/common/config does.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration sections for relay.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Events    EventsConfig    `mapstructure:"events"`
	Journal   JournalConfig   `mapstructure:"journal"`
	Runner    RunnerConfig    `mapstructure:"runner"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// ServerConfig holds HTTP/SSE surface configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // seconds
}

func (s ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

func (s ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// DatabaseConfig holds session-row persistence configuration. The journal
// itself is always filesystem JSONL (see JournalConfig); this only backs the
// Session Store's relational rows.
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"` // sqlite or postgres
	Path     string `mapstructure:"path"`   // sqlite file path
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbName"`
	SSLMode  string `mapstructure:"sslMode"`
	MaxConns int    `mapstructure:"maxConns"`
}

// NATSConfig configures the optional distributed EventBus fan-out. An empty
// URL means the in-memory bus is used instead.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// EventsConfig holds event-pipeline tuning.
type EventsConfig struct {
	// DedupRingSize bounds the per-session recent-output ring used to
	// suppress duplicate `output` emissions.
	DedupRingSize int `mapstructure:"dedupRingSize"`
	// HeartbeatInterval is the cadence at which a runner emits heartbeats
	// while active (~5s default).
	HeartbeatInterval time.Duration `mapstructure:"heartbeatInterval"`
}

// JournalConfig holds durable per-session journal configuration.
type JournalConfig struct {
	DataDir         string `mapstructure:"dataDir"`
	RotateBytes     int64  `mapstructure:"rotateBytes"`
	SubscriberQueue int    `mapstructure:"subscriberQueue"`
}

// RunnerConfig holds runner-adapter configuration shared across variants.
type RunnerConfig struct {
	PermissionTimeout time.Duration `mapstructure:"permissionTimeout"`
	StopGracePeriod   time.Duration `mapstructure:"stopGracePeriod"`

	Sidecar SidecarConfig `mapstructure:"sidecar"`
	Docker  DockerConfig  `mapstructure:"docker"`
	Sprites SpritesConfig `mapstructure:"sprites"`
	OpenAI  OpenAIConfig  `mapstructure:"openai"`
}

// SidecarConfig configures the sidecar-over-HTTP runner variant (B).
type SidecarConfig struct {
	BaseURL          string        `mapstructure:"baseUrl"`
	ReadTimeout      time.Duration `mapstructure:"readTimeout"`
	BackoffMin       time.Duration `mapstructure:"backoffMin"`
	BackoffMax       time.Duration `mapstructure:"backoffMax"`
	HeartbeatSlack   time.Duration `mapstructure:"heartbeatSlack"`
}

// DockerConfig configures the optional Docker executor for subprocess-per-turn
// runners.
type DockerConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Host    string `mapstructure:"host"`
	Image   string `mapstructure:"image"`
}

// SpritesConfig configures the optional remote-sandbox executor.
type SpritesConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"apiKey"`
	Org     string `mapstructure:"org"`
}

// OpenAIConfig configures the in-process API runner variant (C).
type OpenAIConfig struct {
	APIKey string `mapstructure:"apiKey"`
	Model  string `mapstructure:"model"`
	BaseURL string `mapstructure:"baseUrl"`
}

// AuthConfig holds bearer-token authentication for the HTTP surface.
type AuthConfig struct {
	BearerToken string `mapstructure:"bearerToken"`
}

// LoggingConfig mirrors logger.Config but lives here so it can be unmarshalled
// by viper before the logger package is constructed.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// TelemetryConfig configures the OpenTelemetry tracer provider.
type TelemetryConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	OTLPEndpoint   string `mapstructure:"otlpEndpoint"`
	ServiceName    string `mapstructure:"serviceName"`
}

// Load reads configuration from environment variables (prefix RELAY_), an
// optional ./config.yaml or /etc/relay/config.yaml, and defaults.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath is Load with an extra config file search directory, used by
// tests to point at a fixture.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("RELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	_ = v.BindEnv("auth.bearerToken", "RELAY_BEARER_TOKEN")
	_ = v.BindEnv("logging.level", "RELAY_LOG_LEVEL")
	_ = v.BindEnv("runner.openai.apiKey", "OPENAI_API_KEY")

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/relay/")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8088)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./relay.db")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 10)

	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "relay")
	v.SetDefault("nats.maxReconnects", 10)

	v.SetDefault("events.dedupRingSize", 10)
	v.SetDefault("events.heartbeatInterval", "5s")

	v.SetDefault("journal.dataDir", "./data/sessions")
	v.SetDefault("journal.rotateBytes", 5*1024*1024)
	v.SetDefault("journal.subscriberQueue", 256)

	v.SetDefault("runner.permissionTimeout", "5m")
	v.SetDefault("runner.stopGracePeriod", "5s")
	v.SetDefault("runner.sidecar.readTimeout", "60s")
	v.SetDefault("runner.sidecar.backoffMin", "500ms")
	v.SetDefault("runner.sidecar.backoffMax", "5s")
	v.SetDefault("runner.sidecar.heartbeatSlack", "10s")
	v.SetDefault("runner.docker.enabled", false)
	v.SetDefault("runner.docker.apiVersion", "1.41")
	v.SetDefault("runner.sprites.enabled", false)
	v.SetDefault("runner.openai.model", "gpt-4.1")

	v.SetDefault("auth.bearerToken", "")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.outputPath", "stdout")

	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.serviceName", "relay")
}

func validate(cfg *Config) error {
	var errs []string
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if cfg.Database.Driver != "sqlite" && cfg.Database.Driver != "postgres" {
		errs = append(errs, "database.driver must be sqlite or postgres")
	}
	if cfg.Database.Driver == "postgres" {
		if cfg.Database.Host == "" || cfg.Database.DBName == "" {
			errs = append(errs, "database.host and database.dbName are required for postgres driver")
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// DebugYAML renders the effective configuration as YAML with secrets
// redacted, for logging at startup.
func (c *Config) DebugYAML() string {
	redacted := *c
	if redacted.Auth.BearerToken != "" {
		redacted.Auth.BearerToken = "***"
	}
	if redacted.Runner.Sprites.APIKey != "" {
		redacted.Runner.Sprites.APIKey = "***"
	}
	if redacted.Runner.OpenAI.APIKey != "" {
		redacted.Runner.OpenAI.APIKey = "***"
	}

	data, err := yaml.Marshal(redacted)
	if err != nil {
		return fmt.Sprintf("<error rendering config: %v>", err)
	}
	return string(data)
}
