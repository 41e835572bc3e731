// Package config loads and validates the Hivecore configuration.
// Precedence is environment variables over config file over built-in
// defaults; the daemon runs with no config file at all.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for Hivecore.
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Database     DatabaseConfig     `mapstructure:"database"`
	NATS         NATSConfig         `mapstructure:"nats"`
	Logging      LoggingConfig      `mapstructure:"logging"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Comms        CommsConfig        `mapstructure:"comms"`
	Consensus    ConsensusConfig    `mapstructure:"consensus"`
	Registry     RegistryConfig     `mapstructure:"registry"`
	MCP          MCPConfig          `mapstructure:"mcp"`
}

// ServerConfig shapes the HTTP listener.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // seconds
}

// DatabaseConfig holds task/memory store configuration.
// Driver selects the backing store: "memory" (default), "sqlite", or "postgres".
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"`
	Path     string `mapstructure:"path"` // SQLite database file path
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbName"`
	SSLMode  string `mapstructure:"sslMode"`
	MaxConns int    `mapstructure:"maxConns"`
	MinConns int    `mapstructure:"minConns"`
}

// NATSConfig selects the event bus backend. An empty URL keeps the bus
// in-process.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// LoggingConfig mirrors logger.LoggingConfig for viper unmarshaling.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// OrchestratorConfig holds plan execution and task delegation configuration.
type OrchestratorConfig struct {
	// TaskMaxAttempts is the upper bound on delivery attempts before a task
	// becomes terminally failed.
	TaskMaxAttempts int `mapstructure:"taskMaxAttempts"`

	// TaskExecutionTimeoutMs is the per-task await ceiling for agent replies.
	TaskExecutionTimeoutMs int `mapstructure:"taskExecutionTimeoutMs"`

	// RequeueSchedulerIntervalMs is the background requeue scan period.
	// Values below 1000 disable the scheduler.
	RequeueSchedulerIntervalMs int `mapstructure:"requeueSchedulerIntervalMs"`

	// SimulateAgentExecution makes the orchestrator synthesize completion
	// replies locally instead of waiting for real agents (testing).
	SimulateAgentExecution bool `mapstructure:"simulateAgentExecution"`

	// SimulatedAgentDelayMs is the synthetic reply delay for the above.
	SimulatedAgentDelayMs int `mapstructure:"simulatedAgentDelayMs"`

	// BackoffBaseMs and BackoffCapMs parameterize retry backoff.
	BackoffBaseMs int `mapstructure:"backoffBaseMs"`
	BackoffCapMs  int `mapstructure:"backoffCapMs"`

	// DisableRealAgentExecution is the deprecated negated form of
	// SimulateAgentExecution. Observing it sets SimulateAgentExecution=true;
	// the orchestrator emits a one-time audit record on startup.
	DisableRealAgentExecution bool `mapstructure:"disableRealAgentExecution"`
}

// CommsConfig holds communication bus configuration.
type CommsConfig struct {
	// HistoryLimit caps per-session message history; oldest entries are
	// evicted first.
	HistoryLimit int `mapstructure:"historyLimit"`
}

// ConsensusConfig holds consensus engine configuration.
type ConsensusConfig struct {
	// AgreementThreshold is the minimum consensus level to accept a proposal.
	AgreementThreshold float64 `mapstructure:"agreementThreshold"`

	// ConstitutionalBlocklist vetoes any synthesized decision containing one
	// of these words.
	ConstitutionalBlocklist []string `mapstructure:"constitutionalBlocklist"`

	// LLMSynthesisEnabled allows compromise synthesis through a model
	// provider when one is configured.
	LLMSynthesisEnabled bool `mapstructure:"llmSynthesisEnabled"`
}

// RegistryConfig holds agent registry configuration.
type RegistryConfig struct {
	// RosterPath points to an optional agents.yaml roster registered at startup.
	RosterPath string `mapstructure:"rosterPath"`
}

// MCPConfig holds the embedded MCP server configuration.
type MCPConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Port    int    `mapstructure:"port"`
	BaseURL string `mapstructure:"baseUrl"` // Hivecore API URL; auto-set from server config when empty
}

// ReadTimeoutDuration converts the read timeout for http.Server.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration converts the write timeout for http.Server.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// TaskExecutionTimeout returns the per-task await ceiling as a time.Duration.
func (o *OrchestratorConfig) TaskExecutionTimeout() time.Duration {
	return time.Duration(o.TaskExecutionTimeoutMs) * time.Millisecond
}

// RequeueSchedulerInterval returns the requeue scan period as a time.Duration.
func (o *OrchestratorConfig) RequeueSchedulerInterval() time.Duration {
	return time.Duration(o.RequeueSchedulerIntervalMs) * time.Millisecond
}

// SimulatedAgentDelay returns the synthetic reply delay as a time.Duration.
func (o *OrchestratorConfig) SimulatedAgentDelay() time.Duration {
	return time.Duration(o.SimulatedAgentDelayMs) * time.Millisecond
}

// BackoffBase returns the backoff base as a time.Duration.
func (o *OrchestratorConfig) BackoffBase() time.Duration {
	return time.Duration(o.BackoffBaseMs) * time.Millisecond
}

// BackoffCap returns the backoff cap as a time.Duration.
func (o *OrchestratorConfig) BackoffCap() time.Duration {
	return time.Duration(o.BackoffCapMs) * time.Millisecond
}

// detectDefaultLogFormat defaults to human-readable text on a terminal and
// JSON anywhere that looks like a cluster or production host.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("HIVECORE_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Stores default to in-memory; sqlite/postgres fields only matter once
	// the driver selects them.
	v.SetDefault("database.driver", "memory")
	v.SetDefault("database.path", "hivecore.db")
	v.SetDefault("database.host", "")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "hivecore")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbName", "hivecore")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 5)

	// Empty NATS URL keeps the event bus in-process.
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "hivecore")
	v.SetDefault("nats.maxReconnects", 10)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	v.SetDefault("orchestrator.taskMaxAttempts", 3)
	v.SetDefault("orchestrator.taskExecutionTimeoutMs", 4000)
	v.SetDefault("orchestrator.requeueSchedulerIntervalMs", 0)
	v.SetDefault("orchestrator.simulateAgentExecution", false)
	v.SetDefault("orchestrator.simulatedAgentDelayMs", 120)
	v.SetDefault("orchestrator.backoffBaseMs", 500)
	v.SetDefault("orchestrator.backoffCapMs", 30000)
	v.SetDefault("orchestrator.disableRealAgentExecution", false)

	// Comms defaults
	v.SetDefault("comms.historyLimit", 10000)

	// Consensus defaults
	v.SetDefault("consensus.agreementThreshold", 0.7)
	v.SetDefault("consensus.constitutionalBlocklist", []string{})
	v.SetDefault("consensus.llmSynthesisEnabled", false)

	// Registry defaults - empty path means no roster seeding
	v.SetDefault("registry.rosterPath", "")

	// MCP defaults
	v.SetDefault("mcp.enabled", false)
	v.SetDefault("mcp.port", 9090)
	v.SetDefault("mcp.baseUrl", "") // Empty means auto-set from server host/port
}

// Load reads configuration from the default locations: environment
// variables prefixed HIVECORE_, then config.yaml in the working directory
// or /etc/hivecore/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath is Load with an extra directory searched for config.yaml
// first.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("HIVECORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv cannot derive SNAKE_CASE names from camelCase keys, so
	// the documented env vars that differ get bound by hand.
	_ = v.BindEnv("database.path", "HIVECORE_DATABASE_PATH")
	_ = v.BindEnv("orchestrator.taskMaxAttempts", "HIVECORE_TASK_MAX_ATTEMPTS")
	_ = v.BindEnv("orchestrator.taskExecutionTimeoutMs", "HIVECORE_TASK_EXECUTION_TIMEOUT_MS")
	_ = v.BindEnv("orchestrator.simulateAgentExecution", "HIVECORE_SIMULATE_AGENT_EXECUTION")
	_ = v.BindEnv("registry.rosterPath", "HIVECORE_REGISTRY_ROSTER_PATH")

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/hivecore/")

	// A missing config file is fine; the defaults stand on their own.
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	normalize(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// normalize reconciles deprecated and derived options before validation.
func normalize(cfg *Config) {
	// Deprecated negated flag: observing it forces simulation mode. The
	// orchestrator emits a one-time audit record when it sees the flag set.
	if cfg.Orchestrator.DisableRealAgentExecution {
		cfg.Orchestrator.SimulateAgentExecution = true
	}

	if cfg.MCP.BaseURL == "" {
		host := cfg.Server.Host
		if host == "" || host == "0.0.0.0" {
			host = "localhost"
		}
		cfg.MCP.BaseURL = fmt.Sprintf("http://%s:%d", host, cfg.Server.Port)
	}
}

// validate collects every problem into one error so operators can fix a
// bad config in a single pass.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	switch cfg.Database.Driver {
	case "memory":
	case "sqlite":
		if cfg.Database.Path == "" {
			errs = append(errs, "database.path is required when database.driver is sqlite")
		}
	case "postgres":
		if cfg.Database.Host == "" {
			errs = append(errs, "database.host is required when database.driver is postgres")
		}
		if cfg.Database.Port <= 0 || cfg.Database.Port > 65535 {
			errs = append(errs, "database.port must be between 1 and 65535")
		}
		if cfg.Database.User == "" {
			errs = append(errs, "database.user is required when database.driver is postgres")
		}
		if cfg.Database.DBName == "" {
			errs = append(errs, "database.dbName is required when database.driver is postgres")
		}
	default:
		errs = append(errs, "database.driver must be one of: memory, sqlite, postgres")
	}

	if cfg.Orchestrator.TaskMaxAttempts < 1 {
		errs = append(errs, "orchestrator.taskMaxAttempts must be at least 1")
	}
	if cfg.Orchestrator.TaskExecutionTimeoutMs < 0 {
		errs = append(errs, "orchestrator.taskExecutionTimeoutMs must not be negative")
	}
	if cfg.Orchestrator.SimulatedAgentDelayMs < 0 {
		errs = append(errs, "orchestrator.simulatedAgentDelayMs must not be negative")
	}
	if cfg.Orchestrator.BackoffBaseMs <= 0 {
		errs = append(errs, "orchestrator.backoffBaseMs must be positive")
	}
	if cfg.Orchestrator.BackoffCapMs < cfg.Orchestrator.BackoffBaseMs {
		errs = append(errs, "orchestrator.backoffCapMs must not be below orchestrator.backoffBaseMs")
	}

	if cfg.Comms.HistoryLimit <= 0 {
		errs = append(errs, "comms.historyLimit must be positive")
	}

	if cfg.Consensus.AgreementThreshold < 0 || cfg.Consensus.AgreementThreshold > 1 {
		errs = append(errs, "consensus.agreementThreshold must be between 0 and 1")
	}

	if cfg.MCP.Enabled && (cfg.MCP.Port <= 0 || cfg.MCP.Port > 65535) {
		errs = append(errs, "mcp.port must be between 1 and 65535")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}

// DSN assembles the keyword/value connection string pgx expects.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}
