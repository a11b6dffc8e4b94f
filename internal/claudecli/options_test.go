package claudecli

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

type allowAllGate struct{ calls int }

func (g *allowAllGate) CheckToolUse(toolName string, input map[string]interface{}, approvedDir string) error {
	g.calls++
	return nil
}

func TestBuildRequiresAbsoluteCwd(t *testing.T) {
	b := &OptionsBuilder{}
	if _, err := b.Build(BuildParams{}); err == nil {
		t.Error("empty cwd should fail")
	}
	if _, err := b.Build(BuildParams{Cwd: "relative/path"}); err == nil {
		t.Error("relative cwd should fail")
	}
}

func TestBuildDefaults(t *testing.T) {
	b := &OptionsBuilder{ConfigDir: t.TempDir(), ConnectTimeout: 15 * time.Second}
	opts, err := b.Build(BuildParams{Cwd: "/work"})
	if err != nil {
		t.Fatal(err)
	}
	if opts.Binary != "claude" {
		t.Errorf("Binary = %q, want claude", opts.Binary)
	}
	if opts.PermissionMode != "bypassPermissions" {
		t.Errorf("PermissionMode = %q", opts.PermissionMode)
	}
	if opts.PermissionPrompt != "" || opts.CanUseTool != nil {
		t.Error("no gate configured, permission prompt should be off")
	}
	if opts.AppendSystemPrompt == "" {
		t.Error("mobile hint missing")
	}
	if opts.ConnectTimeout != 15*time.Second {
		t.Errorf("ConnectTimeout = %v", opts.ConnectTimeout)
	}
}

func TestBuildModelPrecedence(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "settings.json"), []byte(`{"model":"settings-model"}`), 0o644); err != nil {
		t.Fatal(err)
	}

	// Explicit param wins over builder default and settings.
	b := &OptionsBuilder{ConfigDir: dir, DefaultModel: "default-model"}
	opts, err := b.Build(BuildParams{Cwd: "/work", Model: "param-model"})
	if err != nil {
		t.Fatal(err)
	}
	if opts.Model != "param-model" {
		t.Errorf("Model = %q, want param-model", opts.Model)
	}

	// Builder default wins over settings.
	opts, _ = b.Build(BuildParams{Cwd: "/work"})
	if opts.Model != "default-model" {
		t.Errorf("Model = %q, want default-model", opts.Model)
	}

	// Settings file is the last resort.
	b2 := &OptionsBuilder{ConfigDir: dir}
	opts, _ = b2.Build(BuildParams{Cwd: "/work"})
	if opts.Model != "settings-model" {
		t.Errorf("Model = %q, want settings-model", opts.Model)
	}
}

func TestBuildMalformedSettingsIgnored(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "settings.json"), []byte(`{not json at all`), 0o644); err != nil {
		t.Fatal(err)
	}
	b := &OptionsBuilder{ConfigDir: dir}
	opts, err := b.Build(BuildParams{Cwd: "/work"})
	if err != nil {
		t.Fatal(err)
	}
	if opts.Model != "" {
		t.Errorf("Model = %q, want empty", opts.Model)
	}
}

func TestBuildWithGate(t *testing.T) {
	gate := &allowAllGate{}
	b := &OptionsBuilder{ConfigDir: t.TempDir(), Gate: gate}
	opts, err := b.Build(BuildParams{Cwd: "/work", ApprovedDirectory: "/work"})
	if err != nil {
		t.Fatal(err)
	}
	if opts.PermissionMode != "default" || opts.PermissionPrompt != "stdio" {
		t.Errorf("gated options = %q/%q", opts.PermissionMode, opts.PermissionPrompt)
	}
	if opts.CanUseTool == nil {
		t.Fatal("CanUseTool not wired")
	}
	if err := opts.CanUseTool("Bash", map[string]interface{}{"command": "ls"}); err != nil {
		t.Errorf("gate call failed: %v", err)
	}
	if gate.calls != 1 {
		t.Errorf("gate calls = %d, want 1", gate.calls)
	}

	// Without an approved directory the gate stays inactive.
	opts, _ = b.Build(BuildParams{Cwd: "/work"})
	if opts.CanUseTool != nil || opts.PermissionPrompt != "" {
		t.Error("gate should be inactive without an approved directory")
	}
}

func TestOptionsArgs(t *testing.T) {
	opts := Options{
		SessionID:          "sess-1",
		Model:              "sonnet",
		Betas:              []string{"beta-a", "beta-b"},
		AppendSystemPrompt: "hint",
		PermissionMode:     "default",
		PermissionPrompt:   "stdio",
	}
	got := strings.Join(opts.args(), " ")

	for _, want := range []string{
		"--output-format stream-json",
		"--input-format stream-json",
		"--include-partial-messages",
		"--resume sess-1",
		"--model sonnet",
		"--betas beta-a,beta-b",
		"--permission-mode default",
		"--permission-prompt-tool stdio",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("args missing %q in %q", want, got)
		}
	}

	minimal := Options{}
	got = strings.Join(minimal.args(), " ")
	for _, absent := range []string{"--resume", "--model", "--betas", "--permission-prompt-tool"} {
		if strings.Contains(got, absent) {
			t.Errorf("minimal args should not contain %q: %q", absent, got)
		}
	}
}
