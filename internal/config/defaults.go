package config

import "time"

// Defaults returns the baseline configuration. A YAML file, if present, is
// merged over this with dario.cat/mergo so operators only need to specify
// the fields they want to override.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:         ":8080",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 0, // SSE connections are long-lived; no write deadline at the server level
		},
		Database: DatabaseConfig{
			Host:            "localhost",
			Port:            5432,
			User:            "gateway",
			Database:        "gateway",
			SSLMode:         "disable",
			MaxOpenConns:    25,
			MaxIdleConns:    10,
			ConnMaxLifetime: time.Hour,
			ConnMaxIdleTime: 15 * time.Minute,
		},
		Agent: AgentConfig{
			Command:       "acp-agent",
			WorkspaceRoot: ".",
		},
		Session: SessionConfig{
			MaxConcurrentSessions: 50,
			SendMaxAttempts:       3,
			SendRetryBackoffMin:   250 * time.Millisecond,
			SendRetryBackoffMax:   750 * time.Millisecond,
			FatalResetTimeout:     10 * time.Second,
			ReconcileInterval:     5 * time.Second,
			InferenceIdleDebounce: 400 * time.Millisecond,
			ReplayParserVersion:   1,
		},
	}
}
