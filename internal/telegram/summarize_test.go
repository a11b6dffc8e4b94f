package telegram

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestToolIcon(t *testing.T) {
	if ToolIcon("Bash") != "💻" {
		t.Errorf("Bash icon = %q", ToolIcon("Bash"))
	}
	if ToolIcon("SomethingNew") != "🔧" {
		t.Errorf("unknown tool icon = %q", ToolIcon("SomethingNew"))
	}
}

func TestSummarizeToolInput(t *testing.T) {
	tests := []struct {
		name  string
		tool  string
		input map[string]interface{}
		want  string
	}{
		{"read shows filename only", "Read",
			map[string]interface{}{"file_path": "/home/user/project/src/main.go"}, "main.go"},
		{"edit alternate path key", "Edit",
			map[string]interface{}{"path": "src/util.go"}, "util.go"},
		{"grep pattern", "Grep",
			map[string]interface{}{"pattern": "func main"}, "func main"},
		{"web fetch url", "WebFetch",
			map[string]interface{}{"url": "https://example.com/docs"}, "https://example.com/docs"},
		{"web search query", "WebSearch",
			map[string]interface{}{"query": "golang context"}, "golang context"},
		{"task description", "Task",
			map[string]interface{}{"description": "explore the codebase"}, "explore the codebase"},
		{"empty input", "Bash", nil, ""},
		{"unknown tool falls back to any string", "CustomTool",
			map[string]interface{}{"target": "something"}, "something"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SummarizeToolInput(tt.tool, tt.input); got != tt.want {
				t.Errorf("SummarizeToolInput = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSummarizeToolInputRedactsBash(t *testing.T) {
	got := SummarizeToolInput("Bash", map[string]interface{}{
		"command": "curl -H 'Authorization: Bearer verylongsecrettoken'",
	})
	if strings.Contains(got, "verylongsecrettoken") {
		t.Errorf("secret leaked into summary: %q", got)
	}
	if !strings.Contains(got, "curl") {
		t.Errorf("command shape lost: %q", got)
	}
}

func TestSummarizeToolInputTruncatesLongCommands(t *testing.T) {
	long := strings.Repeat("x", 300)
	got := SummarizeToolInput("Bash", map[string]interface{}{"command": long})
	if len(got) > 80 {
		t.Errorf("summary length = %d, want <= 80", len(got))
	}
}

func TestSummarizeToolResult(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"first line", "line one\nline two", "line one"},
		{"skips blank leading lines", "\n\n  \nreal content", "real content"},
		{"trims whitespace", "  padded  \n", "padded"},
		{"empty", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SummarizeToolResult(tt.in); got != tt.want {
				t.Errorf("SummarizeToolResult(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}

	long := strings.Repeat("a", 150)
	got := SummarizeToolResult(long)
	if len(got) != 103 || !strings.HasSuffix(got, "...") {
		t.Errorf("long result = %q (len %d)", got, len(got))
	}
}

func TestTruncateRuneBoundary(t *testing.T) {
	// 40 three-byte runes: any cut at a byte offset not divisible by
	// three would split one.
	s := strings.Repeat("→", 40)
	got := truncate(s, 100)
	if !utf8.ValidString(got) {
		t.Fatalf("truncate split a rune: %q", got)
	}
	if len(got) != 99 {
		t.Errorf("len = %d, want 99 (backed off to the rune boundary)", len(got))
	}

	if got := truncate("ascii", 10); got != "ascii" {
		t.Errorf("short input changed: %q", got)
	}
	if got := truncate("abcdef", 3); got != "abc" {
		t.Errorf("ascii cut = %q", got)
	}
}

func TestSummarizeToolResultMultibyte(t *testing.T) {
	line := strings.Repeat("⚙", 50) // 150 bytes
	got := SummarizeToolResult(line)
	if !utf8.ValidString(got) {
		t.Fatalf("result is invalid UTF-8: %q", got)
	}
	if !strings.HasSuffix(got, "...") {
		t.Errorf("long result not capped: %q", got)
	}
}
