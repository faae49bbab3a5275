package config

import (
	"strconv"
	"time"
)

// Config is the gateway's fully resolved configuration, assembled by
// merging a YAML file (if present) over hard-coded defaults and expanding
// ${VAR}-style environment references before parsing.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Agent    AgentConfig    `yaml:"agent"`
	Session  SessionConfig  `yaml:"session"`
}

// ServerConfig controls the gateway's HTTP listener.
type ServerConfig struct {
	Addr         string        `yaml:"addr"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	DashboardDir string        `yaml:"dashboard_dir"`
}

// DatabaseConfig holds Postgres connection and pool settings.
type DatabaseConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"ssl_mode"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
}

// AgentConfig describes how to spawn the local ACP agent subprocess.
type AgentConfig struct {
	Command string            `yaml:"command"`
	Args    []string          `yaml:"args"`
	Env     map[string]string `yaml:"env"`
	// WorkspaceRoot is the directory the subprocess is launched in and the
	// root the fs/* passthrough handlers resolve relative paths against.
	WorkspaceRoot string `yaml:"workspace_root"`
	// MCPServerURL, when set, is advertised to the agent on newSession via
	// _meta.claudeCode.mcpServers.
	MCPServerURL string `yaml:"mcp_server_url"`
}

// SessionConfig controls the Agent Session Manager and Monitor's resource
// model — retry budgets, timeouts, and reconciliation cadence.
type SessionConfig struct {
	MaxConcurrentSessions int           `yaml:"max_concurrent_sessions"`
	SendMaxAttempts       int           `yaml:"send_max_attempts"`
	SendRetryBackoffMin   time.Duration `yaml:"send_retry_backoff_min"`
	SendRetryBackoffMax   time.Duration `yaml:"send_retry_backoff_max"`
	FatalResetTimeout     time.Duration `yaml:"fatal_reset_timeout"`
	ReconcileInterval     time.Duration `yaml:"reconcile_interval"`
	// InferenceIdleDebounce is the completion grace after a turn ends:
	// new activity inside this window cancels the pending completion, so
	// back-to-back turns settle once instead of flickering.
	InferenceIdleDebounce time.Duration `yaml:"inference_idle_debounce"`
	ReplayParserVersion   int           `yaml:"replay_parser_version"`
}

// Stats summarizes configuration for the startup log line, mirroring the
// teacher's pkg/config.Config.Stats() convenience accessor.
type Stats struct {
	MaxConcurrentSessions int `json:"max_concurrent_sessions"`
	ReplayParserVersion   int `json:"replay_parser_version"`
}

// Stats returns the summary gatewayd logs once it starts listening.
func (c *Config) Stats() Stats {
	return Stats{
		MaxConcurrentSessions: c.Session.MaxConcurrentSessions,
		ReplayParserVersion:   c.Session.ReplayParserVersion,
	}
}

// DSN builds a libpq-style connection string for pgx's stdlib driver.
func (d DatabaseConfig) DSN() string {
	return "host=" + d.Host +
		" port=" + strconv.Itoa(d.Port) +
		" user=" + d.User +
		" password=" + d.Password +
		" dbname=" + d.Database +
		" sslmode=" + d.SSLMode
}
