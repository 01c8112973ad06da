package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/titanous/json5"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "127.0.0.1",
			Port:         4596,
			RateLimitRPM: 0,
		},
		Defaults: Defaults{
			Agent:          "default",
			Model:          "anthropic/claude-sonnet-4-5",
			ChatMaxRetries: 10,
		},
		Permission: PermissionConfig{
			Edit: ActionAsk,
			Bash: BashPermission{"*": ActionAsk},
		},
		Storage: StorageConfig{
			Backend: "file",
			Dir:     defaultDataDir(),
		},
	}
}

func defaultDataDir() string {
	if dir := os.Getenv("KILN_DATA_DIR"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".kiln"
	}
	return filepath.Join(home, ".kiln")
}

// Load reads config from a JSON5 file, then overlays env vars. A missing file
// yields defaults.
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

// applyEnvOverrides overlays env vars onto the config. Env takes precedence
// over file values; secrets are env-only.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envStr("KILN_ANTHROPIC_API_KEY", &c.Providers.Anthropic.APIKey)
	envStr("ANTHROPIC_API_KEY", &c.Providers.Anthropic.APIKey)
	envStr("KILN_OPENAI_API_KEY", &c.Providers.OpenAI.APIKey)
	envStr("OPENAI_API_KEY", &c.Providers.OpenAI.APIKey)
	envStr("KILN_MODEL", &c.Defaults.Model)
	envStr("KILN_DATA_DIR", &c.Storage.Dir)
}

// ResolvePath returns the config file path: flag value, then $KILN_CONFIG,
// then ~/.kiln/config.json.
func ResolvePath(flag string) string {
	if flag != "" {
		return flag
	}
	if env := os.Getenv("KILN_CONFIG"); env != "" {
		return env
	}
	return filepath.Join(defaultDataDir(), "config.json")
}
