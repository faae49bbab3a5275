package config

import (
	"fmt"
	"os"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// Load reads the YAML config file at path (if it exists), expands
// ${VAR}-style environment references, and merges it over Defaults().
// A missing path is not an error — the gateway then runs on Defaults()
// alone, unvalidated; environment variables are read only through ${VAR}
// references inside the file.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config file %s: %w", path, err)
	}

	expanded := ExpandEnv(data)

	var fileCfg Config
	if err := yaml.Unmarshal(expanded, &fileCfg); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}

	if err := mergo.Merge(cfg, fileCfg, mergo.WithOverride); err != nil {
		return nil, fmt.Errorf("merge config file %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks invariants the gateway cannot safely start without.
func (c *Config) Validate() error {
	if c.Database.Password == "" {
		return fmt.Errorf("database.password (or DB_PASSWORD) is required")
	}
	if c.Database.MaxIdleConns > c.Database.MaxOpenConns {
		return fmt.Errorf("database.max_idle_conns (%d) cannot exceed max_open_conns (%d)",
			c.Database.MaxIdleConns, c.Database.MaxOpenConns)
	}
	if c.Agent.Command == "" {
		return fmt.Errorf("agent.command is required")
	}
	if c.Session.SendMaxAttempts < 1 {
		return fmt.Errorf("session.send_max_attempts must be at least 1")
	}
	return nil
}
