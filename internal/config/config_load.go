package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/titanous/json5"
)

// DefaultPath is the config file location when --config is not given and
// FAMULUS_CONFIG is unset.
func DefaultPath() string {
	return ExpandHome("~/.famulus/config.json5")
}

// Load reads config from a JSON5 file, then overlays env vars. A missing
// file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config. Env vars take
// precedence over file values; secrets only ever arrive this way.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envStr("FAMULUS_ANTHROPIC_API_KEY", &c.Providers.Anthropic.APIKey)
	envStr("FAMULUS_OPENAI_API_KEY", &c.Providers.OpenAI.APIKey)
	envStr("FAMULUS_POSTGRES_DSN", &c.Database.PostgresDSN)

	envStr("FAMULUS_STATE_DIR", &c.StateDir)
	envStr("FAMULUS_WORKSPACE", &c.Tools.Workspace)
	envStr("FAMULUS_HOST", &c.Gateway.Host)
	if v := os.Getenv("FAMULUS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			c.Gateway.Port = port
		}
	}

	envStr("FAMULUS_LOCAL_API_BASE", &c.Providers.Local.APIBase)
	envStr("FAMULUS_LOCAL_MODEL", &c.Providers.Local.Model)
	envStr("FAMULUS_WORKER_API_BASE", &c.Providers.Worker.APIBase)
	envStr("FAMULUS_WORKER_MODEL", &c.Providers.Worker.Model)
	envStr("FAMULUS_DEFAULT_TIER", &c.Routing.DefaultTier)

	envStr("FAMULUS_TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)
	if v := os.Getenv("FAMULUS_TELEMETRY_INSECURE"); v != "" {
		c.Telemetry.Insecure = v == "true" || v == "1"
	}
}

// Save writes the config as indented JSON, 0600 since the file sits next
// to state the daemon owns. Secrets carry `json:"-"` and are never
// written.
func Save(path string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}
