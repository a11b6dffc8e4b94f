package telegram

import (
	"strings"
	"unicode/utf8"
)

// toolIcons maps tool names to the glyph shown in the activity log.
var toolIcons = map[string]string{
	"Read":         "📖",
	"Write":        "✏️",
	"Edit":         "✏️",
	"MultiEdit":    "✏️",
	"Bash":         "💻",
	"Glob":         "🔍",
	"Grep":         "🔍",
	"LS":           "📂",
	"Task":         "🧠",
	"TaskOutput":   "🧠",
	"WebFetch":     "🌐",
	"WebSearch":    "🌐",
	"NotebookRead": "📓",
	"NotebookEdit": "📓",
	"TodoRead":     "☑️",
	"TodoWrite":    "☑️",
}

// ToolIcon returns the glyph for a tool, defaulting to a wrench.
func ToolIcon(name string) string {
	if icon, ok := toolIcons[name]; ok {
		return icon
	}
	return "🔧"
}

// SummarizeToolInput produces the short detail shown next to a tool
// name. Shell commands pass through the redactor; file tools show only
// the filename.
func SummarizeToolInput(toolName string, input map[string]interface{}) string {
	if len(input) == 0 {
		return ""
	}
	str := func(key string) string {
		s, _ := input[key].(string)
		return s
	}

	switch toolName {
	case "Read", "Write", "Edit", "MultiEdit":
		path := str("file_path")
		if path == "" {
			path = str("path")
		}
		if path != "" {
			if i := strings.LastIndexByte(path, '/'); i >= 0 {
				return path[i+1:]
			}
			return path
		}
	case "Glob", "Grep":
		if pattern := str("pattern"); pattern != "" {
			return truncate(pattern, 60)
		}
	case "Bash":
		if cmd := str("command"); cmd != "" {
			return truncate(RedactSecrets(truncate(cmd, 100)), 80)
		}
	case "WebFetch", "WebSearch":
		target := str("url")
		if target == "" {
			target = str("query")
		}
		return truncate(target, 60)
	case "Task":
		if desc := str("description"); desc != "" {
			return truncate(desc, 60)
		}
	}

	for _, v := range input {
		if s, ok := v.(string); ok && s != "" {
			return truncate(s, 60)
		}
	}
	return ""
}

// SummarizeToolResult reduces a raw tool result to its first non-empty
// line, capped at 100 characters.
func SummarizeToolResult(raw string) string {
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if len(line) > 100 {
			return truncate(line, 100) + "..."
		}
		return line
	}
	return ""
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
