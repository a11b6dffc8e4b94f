// Package config defines the clawbridge configuration and its loading
// rules: a JSON5 file overlaid with CLAWBRIDGE_* env vars. Secrets are
// never read from the file.
package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// FlexibleInt64Slice accepts both [123] and ["123"] in JSON.
// Telegram user ids are numeric but people paste them quoted.
type FlexibleInt64Slice []int64

func (f *FlexibleInt64Slice) UnmarshalJSON(data []byte) error {
	var ints []int64
	if err := json.Unmarshal(data, &ints); err == nil {
		*f = ints
		return nil
	}
	var raw []interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]int64, 0, len(raw))
	for _, v := range raw {
		switch val := v.(type) {
		case float64:
			result = append(result, int64(val))
		case string:
			var n int64
			if _, err := fmt.Sscanf(val, "%d", &n); err != nil {
				return fmt.Errorf("invalid user id %q", val)
			}
			result = append(result, n)
		default:
			return fmt.Errorf("invalid user id %v", v)
		}
	}
	*f = result
	return nil
}

// Config is the root configuration for the clawbridge daemon.
type Config struct {
	Telegram  TelegramConfig  `json:"telegram"`
	Claude    ClaudeConfig    `json:"claude"`
	Renderer  RendererConfig  `json:"renderer,omitempty"`
	Store     StoreConfig     `json:"store,omitempty"`
	Webhook   WebhookConfig   `json:"webhook,omitempty"`
	Cron      CronConfig      `json:"cron,omitempty"`
	Telemetry TelemetryConfig `json:"telemetry,omitempty"`
	Log       LogConfig       `json:"log,omitempty"`
}

// TelegramConfig configures the bot transport and access control.
// Token is NEVER read from the file — only from env CLAWBRIDGE_TELEGRAM_TOKEN.
type TelegramConfig struct {
	Token        string             `json:"-"` // from env CLAWBRIDGE_TELEGRAM_TOKEN only
	AllowedUsers FlexibleInt64Slice `json:"allowed_users"`
}

// Allowed reports whether a Telegram user id may use the bridge.
func (t TelegramConfig) Allowed(userID int64) bool {
	for _, id := range t.AllowedUsers {
		if id == userID {
			return true
		}
	}
	return false
}

// ClaudeConfig configures the local claude CLI integration.
type ClaudeConfig struct {
	Binary               string   `json:"binary,omitempty"`     // default "claude"
	ConfigDir            string   `json:"config_dir,omitempty"` // default ~/.claude
	Model                string   `json:"model,omitempty"`      // default: CLI settings
	ApprovedDirectories  []string `json:"approved_directories"` // working-directory roots
	IdleTimeoutSeconds   int      `json:"idle_timeout_seconds,omitempty"`
	EnforcePathBoundary  bool     `json:"enforce_path_boundary,omitempty"`
	ConnectTimeoutSecond int      `json:"connect_timeout_seconds,omitempty"`
}

// IdleTimeout returns the actor idle timeout as a duration.
func (c ClaudeConfig) IdleTimeout() time.Duration {
	return time.Duration(c.IdleTimeoutSeconds) * time.Second
}

// ConnectTimeout returns the bound on CLI startup.
func (c ClaudeConfig) ConnectTimeout() time.Duration {
	return time.Duration(c.ConnectTimeoutSecond) * time.Second
}

// RendererConfig tunes the progress-message renderer.
type RendererConfig struct {
	EditIntervalSeconds      float64 `json:"edit_interval_seconds,omitempty"`
	MaxMessageLength         int     `json:"max_message_length,omitempty"`
	MediaGroupTimeoutSeconds float64 `json:"media_group_timeout_seconds,omitempty"`
}

// EditInterval returns the minimum gap between message edits.
func (r RendererConfig) EditInterval() time.Duration {
	return time.Duration(r.EditIntervalSeconds * float64(time.Second))
}

// MediaGroupTimeout returns the album settle delay.
func (r RendererConfig) MediaGroupTimeout() time.Duration {
	return time.Duration(r.MediaGroupTimeoutSeconds * float64(time.Second))
}

// StoreConfig configures the sqlite bot-state database.
type StoreConfig struct {
	Path           string `json:"path,omitempty"` // default ~/.clawbridge/state.db
	GCHorizonHours int    `json:"gc_horizon_hours,omitempty"`
}

// WebhookConfig configures the local HTTP trigger server.
// Token from env CLAWBRIDGE_WEBHOOK_TOKEN only.
type WebhookConfig struct {
	Enabled      bool   `json:"enabled,omitempty"`
	Host         string `json:"host,omitempty"` // default 127.0.0.1
	Port         int    `json:"port,omitempty"`
	Token        string `json:"-"` // from env CLAWBRIDGE_WEBHOOK_TOKEN only
	RateLimitRPM int    `json:"rate_limit_rpm,omitempty"`
}

// CronConfig configures background maintenance sweeps.
type CronConfig struct {
	Schedule string `json:"schedule,omitempty"` // gronx expression, default hourly
}

// TelemetryConfig configures optional OTLP trace export.
type TelemetryConfig struct {
	Enabled     bool   `json:"enabled,omitempty"`
	Endpoint    string `json:"endpoint,omitempty"`
	Protocol    string `json:"protocol,omitempty"` // "http" (default) or "grpc"
	ServiceName string `json:"service_name,omitempty"`
	Insecure    bool   `json:"insecure,omitempty"`
}

// LogConfig configures slog output.
type LogConfig struct {
	Level  string `json:"level,omitempty"`  // debug, info, warn, error
	Format string `json:"format,omitempty"` // "text" (default) or "json"
}
