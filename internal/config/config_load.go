package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/titanous/json5"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		Claude: ClaudeConfig{
			Binary:               "claude",
			ConfigDir:            filepath.Join(home, ".claude"),
			IdleTimeoutSeconds:   3600,
			ConnectTimeoutSecond: 30,
			EnforcePathBoundary:  true,
		},
		Renderer: RendererConfig{
			EditIntervalSeconds:      2.0,
			MaxMessageLength:         4000,
			MediaGroupTimeoutSeconds: 1.0,
		},
		Store: StoreConfig{
			Path:           filepath.Join(home, ".clawbridge", "state.db"),
			GCHorizonHours: 24,
		},
		Webhook: WebhookConfig{
			Host:         "127.0.0.1",
			Port:         18791,
			RateLimitRPM: 20,
		},
		Cron: CronConfig{
			Schedule: "0 * * * *",
		},
		Telemetry: TelemetryConfig{
			Protocol:    "http",
			ServiceName: "clawbridge",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars.
// A missing file is fine: defaults plus env must be enough.
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

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envStr("CLAWBRIDGE_TELEGRAM_TOKEN", &c.Telegram.Token)
	envStr("CLAWBRIDGE_WEBHOOK_TOKEN", &c.Webhook.Token)
	envStr("CLAWBRIDGE_CLAUDE_BINARY", &c.Claude.Binary)
	envStr("CLAWBRIDGE_CLAUDE_CONFIG_DIR", &c.Claude.ConfigDir)
	envStr("CLAWBRIDGE_MODEL", &c.Claude.Model)
	envStr("CLAWBRIDGE_STORE_PATH", &c.Store.Path)
	envStr("CLAWBRIDGE_LOG_LEVEL", &c.Log.Level)
	envStr("CLAWBRIDGE_LOG_FORMAT", &c.Log.Format)

	if v := os.Getenv("CLAWBRIDGE_ALLOWED_USERS"); v != "" {
		c.Telegram.AllowedUsers = parseUserList(v)
	}
	if v := os.Getenv("CLAWBRIDGE_APPROVED_DIRS"); v != "" {
		c.Claude.ApprovedDirectories = filepath.SplitList(v)
	}
	if v := os.Getenv("CLAWBRIDGE_IDLE_TIMEOUT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Claude.IdleTimeoutSeconds = n
		}
	}
	if v := os.Getenv("CLAWBRIDGE_WEBHOOK_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			c.Webhook.Port = port
		}
	}
	if c.Webhook.Token != "" {
		c.Webhook.Enabled = true
	}

	envStr("CLAWBRIDGE_TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)
	envStr("CLAWBRIDGE_TELEMETRY_PROTOCOL", &c.Telemetry.Protocol)
	if v := os.Getenv("CLAWBRIDGE_TELEMETRY_ENABLED"); v != "" {
		c.Telemetry.Enabled = v == "true" || v == "1"
	}
}

// parseUserList parses a comma-separated id list, skipping junk.
func parseUserList(s string) FlexibleInt64Slice {
	var out FlexibleInt64Slice
	for _, part := range strings.Split(s, ",") {
		if id, err := strconv.ParseInt(strings.TrimSpace(part), 10, 64); err == nil {
			out = append(out, id)
		}
	}
	return out
}

// Validate checks the settings required to start the daemon.
func (c *Config) Validate() error {
	if c.Telegram.Token == "" {
		return fmt.Errorf("telegram token missing: set CLAWBRIDGE_TELEGRAM_TOKEN")
	}
	if len(c.Telegram.AllowedUsers) == 0 {
		return fmt.Errorf("no allowed users configured")
	}
	if len(c.Claude.ApprovedDirectories) == 0 {
		return fmt.Errorf("no approved directories configured")
	}
	for _, dir := range c.Claude.ApprovedDirectories {
		if !filepath.IsAbs(dir) {
			return fmt.Errorf("approved directory must be absolute: %s", dir)
		}
	}
	return nil
}
