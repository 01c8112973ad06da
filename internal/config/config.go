// Package config loads and watches the kiln configuration file. The file is
// JSON5; env vars overlay secrets. Agent and permission changes take effect
// on the next turn via the watcher.
package config

import (
	"encoding/json"
	"fmt"
)

// Config is the root configuration.
type Config struct {
	Server     ServerConfig             `json:"server"`
	Providers  ProvidersConfig          `json:"providers"`
	Defaults   Defaults                 `json:"defaults"`
	Agents     map[string]AgentConfig   `json:"agents,omitempty"`
	Commands   map[string]CommandConfig `json:"commands,omitempty"`
	Tools      map[string]bool          `json:"tools,omitempty"`
	Permission PermissionConfig         `json:"permission"`
	Storage    StorageConfig            `json:"storage"`
	Telemetry  TelemetryConfig          `json:"telemetry,omitempty"`
}

// CommandConfig is one user-defined slash command. The template replaces the
// prompt text; "$ARGUMENTS" stands for everything after the command name.
type CommandConfig struct {
	Template    string `json:"template"`
	Description string `json:"description,omitempty"`
	Agent       string `json:"agent,omitempty"`
	Model       string `json:"model,omitempty"`
}

// ServerConfig configures the HTTP/SSE/WS boundary.
type ServerConfig struct {
	Host           string   `json:"host"`
	Port           int      `json:"port"`
	AllowedOrigins []string `json:"allowed_origins,omitempty"`
	RateLimitRPM   int      `json:"rate_limit_rpm,omitempty"` // 0 = disabled
}

// ProvidersConfig holds per-provider credentials and endpoints.
type ProvidersConfig struct {
	Anthropic ProviderConfig `json:"anthropic,omitempty"`
	OpenAI    ProviderConfig `json:"openai,omitempty"`
}

// ProviderConfig is one provider's connection settings. API keys come from
// env only and are never written back to the file.
type ProviderConfig struct {
	APIKey  string            `json:"-"`
	BaseURL string            `json:"base_url,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

// Defaults apply to every turn unless the agent or the request overrides them.
type Defaults struct {
	Agent          string   `json:"agent,omitempty"`
	Model          string   `json:"model"` // "provider/model"
	SmallModel     string   `json:"small_model,omitempty"`
	Temperature    *float64 `json:"temperature,omitempty"`
	TopP           *float64 `json:"top_p,omitempty"`
	ChatMaxRetries int      `json:"chat_max_retries,omitempty"`
}

// Agent modes.
const (
	ModePrimary  = "primary"
	ModeSubagent = "subagent"
	ModeAll      = "all"
)

// AgentConfig is one agent's option tree. Preset, when set, expands into the
// same options before merging (config defaults ← agent ← request, last wins).
type AgentConfig struct {
	Preset      string            `json:"preset,omitempty"` // yolo|readonly|readwrite|default
	Tools       map[string]bool   `json:"tools,omitempty"`
	Permission  *PermissionConfig `json:"permission,omitempty"`
	Model       string            `json:"model,omitempty"`
	Temperature *float64          `json:"temperature,omitempty"`
	TopP        *float64          `json:"top_p,omitempty"`
	Prompt      string            `json:"prompt,omitempty"`
	Mode        string            `json:"mode,omitempty"` // primary|subagent|all
	Color       string            `json:"color,omitempty"`
	Disable     bool              `json:"disable,omitempty"`
}

// Permission actions.
const (
	ActionAllow = "allow"
	ActionAsk   = "ask"
	ActionDeny  = "deny"
)

// PermissionConfig is the recognized permission option tree.
type PermissionConfig struct {
	Edit              string         `json:"edit,omitempty"`
	Webfetch          string         `json:"webfetch,omitempty"`
	Websearch         string         `json:"websearch,omitempty"`
	ExternalDirectory string         `json:"external_directory,omitempty"`
	Bash              BashPermission `json:"bash,omitempty"`
	Network           BashPermission `json:"network,omitempty"`
}

// BashPermission accepts either a bare action string ("allow"/"deny") or a
// per-pattern map {pattern → allow|ask|deny}.
type BashPermission map[string]string

func (b *BashPermission) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		switch s {
		case ActionAllow, ActionAsk, ActionDeny:
			*b = BashPermission{"*": s}
			return nil
		default:
			return fmt.Errorf("invalid permission action %q", s)
		}
	}
	var m map[string]string
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	for pattern, action := range m {
		switch action {
		case ActionAllow, ActionAsk, ActionDeny:
		default:
			return fmt.Errorf("invalid permission action %q for pattern %q", action, pattern)
		}
	}
	*b = m
	return nil
}

// StorageConfig selects the persistence backend.
type StorageConfig struct {
	Backend string `json:"backend,omitempty"` // "file" (default) or "sqlite"
	Dir     string `json:"dir,omitempty"`     // instance root
}

// TelemetryConfig configures the optional OTLP trace exporter.
type TelemetryConfig struct {
	Enabled  bool   `json:"enabled,omitempty"`
	Endpoint string `json:"endpoint,omitempty"` // e.g. "localhost:4318"
}
