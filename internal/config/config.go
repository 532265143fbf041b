// Package config holds the daemon's configuration: a JSON5 file under
// the state dir, overlaid with FAMULUS_* environment variables. Secrets
// (API keys, the Postgres DSN) are never written back to disk.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Config is the root configuration for the famulus daemon.
type Config struct {
	// StateDir holds the pid file, transcripts, cron jobs, persona, and
	// the core memory file.
	StateDir  string          `json:"state_dir,omitempty"`
	Gateway   GatewayConfig   `json:"gateway"`
	Providers ProvidersConfig `json:"providers"`
	Routing   RoutingConfig   `json:"routing,omitempty"`
	Heartbeat HeartbeatConfig `json:"heartbeat,omitempty"`
	Approval  ApprovalConfig  `json:"approval,omitempty"`
	Tools     ToolsConfig     `json:"tools,omitempty"`
	Database  DatabaseConfig  `json:"database,omitempty"`
	Telemetry TelemetryConfig `json:"telemetry,omitempty"`
}

// GatewayConfig tunes the local WebSocket endpoint.
type GatewayConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
	// RateLimitRPM caps inbound frames per client; <= 0 disables it.
	RateLimitRPM int `json:"rate_limit_rpm,omitempty"`
	// SingleSession routes every client through the shared main session.
	SingleSession bool `json:"single_session,omitempty"`
}

// ProvidersConfig names the model backends behind each tier.
type ProvidersConfig struct {
	// Anthropic is the tier-2 cloud backend.
	Anthropic AnthropicConfig `json:"anthropic,omitempty"`
	// OpenAI is an OpenAI-compatible cloud endpoint, used as the tier-2
	// fallback when configured.
	OpenAI OpenAIConfig `json:"openai,omitempty"`
	// Local is the tier-1 backend: a llama.cpp/Ollama style server on
	// this machine.
	Local LocalConfig `json:"local,omitempty"`
	// Worker is the background engine that drains the heavy-task queue.
	// Empty means heavy tasks wait until one is configured.
	Worker LocalConfig `json:"worker,omitempty"`
}

// AnthropicConfig configures the Anthropic Messages API backend.
// APIKey comes from env FAMULUS_ANTHROPIC_API_KEY only.
type AnthropicConfig struct {
	APIKey  string `json:"-"`
	BaseURL string `json:"base_url,omitempty"`
	Model   string `json:"model,omitempty"`
}

// OpenAIConfig configures an OpenAI-compatible hosted endpoint.
// APIKey comes from env FAMULUS_OPENAI_API_KEY only.
type OpenAIConfig struct {
	APIKey  string `json:"-"`
	APIBase string `json:"api_base,omitempty"`
	Model   string `json:"model,omitempty"`
}

// LocalConfig points at an OpenAI-compatible server that needs no key.
type LocalConfig struct {
	APIBase string `json:"api_base,omitempty"`
	Model   string `json:"model,omitempty"`
}

// RoutingConfig tunes the cognitive router.
type RoutingConfig struct {
	// DefaultTier forces a tier at boot ("tier1", "tier2", "worker").
	// Empty routes by heuristic; clients adjust it at runtime.
	DefaultTier string `json:"default_tier,omitempty"`
	// MaxToolSteps bounds multi-turn tool invocations per request.
	MaxToolSteps int `json:"max_tool_steps,omitempty"`
}

// HeartbeatConfig tunes the telemetry cadence.
type HeartbeatConfig struct {
	IntervalMs       int64 `json:"interval_ms,omitempty"`
	WorkerIntervalMs int64 `json:"worker_interval_ms,omitempty"`
	// SuppressUnchanged skips broadcasts whose snapshot equals the last
	// one sent. Nil means true.
	SuppressUnchanged *bool `json:"suppress_unchanged,omitempty"`
}

// ApprovalConfig tunes the human-in-the-loop gate.
type ApprovalConfig struct {
	TTLSeconds int `json:"ttl_seconds,omitempty"`
}

// ToolsConfig tunes the built-in tools.
type ToolsConfig struct {
	Workspace           string        `json:"workspace,omitempty"`
	RestrictToWorkspace bool          `json:"restrict_to_workspace"`
	Browser             BrowserConfig `json:"browser,omitempty"`
}

// BrowserConfig tunes the browser_fetch tool.
type BrowserConfig struct {
	Enabled  bool `json:"enabled"`
	MaxChars int  `json:"max_chars,omitempty"`
}

// DatabaseConfig selects Postgres-backed stores when a DSN is present.
// PostgresDSN comes from env FAMULUS_POSTGRES_DSN only.
type DatabaseConfig struct {
	PostgresDSN string `json:"-"`
}

// TelemetryConfig configures the optional OTLP trace exporter.
type TelemetryConfig struct {
	Endpoint string `json:"otlp_endpoint,omitempty"`
	Insecure bool   `json:"otlp_insecure,omitempty"`
}

// Default returns a Config with sensible defaults for a single local
// user.
func Default() *Config {
	return &Config{
		StateDir: "~/.famulus",
		Gateway: GatewayConfig{
			Host:         "127.0.0.1",
			Port:         18789,
			RateLimitRPM: 60,
		},
		Providers: ProvidersConfig{
			Anthropic: AnthropicConfig{
				Model: "claude-sonnet-4-5-20250929",
			},
			Local: LocalConfig{
				APIBase: "http://127.0.0.1:8080/v1",
				Model:   "local-default",
			},
		},
		Routing: RoutingConfig{
			MaxToolSteps: 5,
		},
		Heartbeat: HeartbeatConfig{
			IntervalMs:       1000,
			WorkerIntervalMs: 3000,
		},
		Approval: ApprovalConfig{
			TTLSeconds: 120,
		},
		Tools: ToolsConfig{
			Workspace:           "~/.famulus/workspace",
			RestrictToWorkspace: true,
			Browser: BrowserConfig{
				Enabled:  true,
				MaxChars: 50000,
			},
		},
	}
}

// SuppressUnchanged resolves the nil-means-true pointer.
func (h HeartbeatConfig) Suppress() bool {
	return h.SuppressUnchanged == nil || *h.SuppressUnchanged
}

// ExpandHome resolves a leading ~/ against the user's home directory.
func ExpandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, strings.TrimPrefix(path, "~"))
	}
	return path
}

// ResolvedStateDir returns StateDir with ~ expanded.
func (c *Config) ResolvedStateDir() string {
	return ExpandHome(c.StateDir)
}

// ResolvedWorkspace returns the tools workspace with ~ expanded.
func (c *Config) ResolvedWorkspace() string {
	return ExpandHome(c.Tools.Workspace)
}

// String renders the config for logs with secrets masked.
func (c *Config) String() string {
	return fmt.Sprintf(
		"state_dir=%s gateway=%s:%d tier1=%s tier2=%s/%s worker=%s anthropic_key=%s openai_key=%s postgres=%s",
		c.StateDir, c.Gateway.Host, c.Gateway.Port,
		c.Providers.Local.Model, c.Providers.Anthropic.Model, c.Providers.OpenAI.Model,
		c.Providers.Worker.Model,
		mask(c.Providers.Anthropic.APIKey), mask(c.Providers.OpenAI.APIKey),
		mask(c.Database.PostgresDSN))
}

func mask(secret string) string {
	if secret == "" {
		return "unset"
	}
	return "set"
}
