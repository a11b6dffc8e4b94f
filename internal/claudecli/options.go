package claudecli

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/titanous/json5"
)

// mobileHint is appended to the CLI's default system prompt so replies
// fit a phone-sized chat window. The preset itself is never replaced.
const mobileHint = "You are being used through a mobile chat client. " +
	"Keep responses concise and prefer short paragraphs over wide tables or long code dumps."

// Options is everything needed to launch one claude CLI subprocess.
type Options struct {
	Binary             string
	Cwd                string
	SessionID          string // resume target, empty for a fresh session
	Model              string
	Betas              []string
	AppendSystemPrompt string
	PermissionMode     string
	PermissionPrompt   string // "stdio" when a tool gate is active
	CanUseTool         func(toolName string, input map[string]interface{}) error
	ConnectTimeout     time.Duration
}

// args renders the CLI argument list for these options.
func (o Options) args() []string {
	args := []string{
		"--output-format", "stream-json",
		"--input-format", "stream-json",
		"--verbose",
		"--include-partial-messages",
	}
	if o.SessionID != "" {
		args = append(args, "--resume", o.SessionID)
	}
	if o.Model != "" {
		args = append(args, "--model", o.Model)
	}
	if len(o.Betas) > 0 {
		args = append(args, "--betas", strings.Join(o.Betas, ","))
	}
	if o.AppendSystemPrompt != "" {
		args = append(args, "--append-system-prompt", o.AppendSystemPrompt)
	}
	if o.PermissionMode != "" {
		args = append(args, "--permission-mode", o.PermissionMode)
	}
	if o.PermissionPrompt != "" {
		args = append(args, "--permission-prompt-tool", o.PermissionPrompt)
	}
	return args
}

// ToolGate rejects tool invocations that leave the approved directory
// or match dangerous shell patterns.
type ToolGate interface {
	CheckToolUse(toolName string, input map[string]interface{}, approvedDir string) error
}

// cliSettings is the subset of ~/.claude/settings.json the bridge reads.
type cliSettings struct {
	Model string `json:"model"`
}

// OptionsBuilder composes per-query Options from the CLI-user settings
// file plus explicit overrides. Precedence: argument > settings > CLI
// defaults. The settings file is parsed once per builder.
type OptionsBuilder struct {
	Binary         string
	ConfigDir      string
	DefaultModel   string
	Gate           ToolGate
	ConnectTimeout time.Duration

	settingsOnce sync.Once
	settings     cliSettings
}

// BuildParams are the per-query inputs.
type BuildParams struct {
	Cwd               string
	SessionID         string
	Model             string
	Betas             []string
	ApprovedDirectory string
}

// Build assembles Options for one connect.
func (b *OptionsBuilder) Build(p BuildParams) (Options, error) {
	if p.Cwd == "" {
		return Options{}, fmt.Errorf("build options: cwd is required")
	}
	if !filepath.IsAbs(p.Cwd) {
		return Options{}, fmt.Errorf("build options: cwd must be absolute, got %q", p.Cwd)
	}

	b.settingsOnce.Do(b.loadSettings)

	opts := Options{
		Binary:             b.Binary,
		Cwd:                p.Cwd,
		SessionID:          p.SessionID,
		Model:              p.Model,
		Betas:              p.Betas,
		AppendSystemPrompt: mobileHint,
		PermissionMode:     "bypassPermissions",
		ConnectTimeout:     b.ConnectTimeout,
	}
	if opts.Binary == "" {
		opts.Binary = "claude"
	}
	if opts.Model == "" {
		opts.Model = b.DefaultModel
	}
	if opts.Model == "" {
		opts.Model = b.settings.Model
	}

	// With a gate and an approved directory the CLI prompts over stdio
	// and the gate answers, so boundary checks actually block tools.
	if b.Gate != nil && p.ApprovedDirectory != "" {
		gate, approved := b.Gate, p.ApprovedDirectory
		opts.PermissionMode = "default"
		opts.PermissionPrompt = "stdio"
		opts.CanUseTool = func(toolName string, input map[string]interface{}) error {
			return gate.CheckToolUse(toolName, input, approved)
		}
	}

	return opts, nil
}

// loadSettings parses the CLI-user settings file. A malformed or
// missing file degrades to empty settings.
func (b *OptionsBuilder) loadSettings() {
	path := filepath.Join(b.ConfigDir, "settings.json")
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("failed to read CLI settings", "path", path, "error", err)
		}
		return
	}
	if err := json5.Unmarshal(data, &b.settings); err != nil {
		slog.Warn("malformed CLI settings, treating as empty", "path", path, "error", err)
		b.settings = cliSettings{}
	}
}
