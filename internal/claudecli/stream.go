package claudecli

import (
	"encoding/json"
	"strings"
)

// EventKind labels a classified stream event.
type EventKind string

const (
	KindText       EventKind = "text"
	KindThinking   EventKind = "thinking"
	KindToolUse    EventKind = "tool_use"
	KindToolResult EventKind = "tool_result"
	KindResult     EventKind = "result"
	KindUnknown    EventKind = "unknown"
)

// StreamEvent is the flat, classified form of one CLI message.
// Downstream consumers switch on Kind; nothing else walks raw blocks.
type StreamEvent struct {
	Kind       EventKind
	Content    string
	ToolName   string
	ToolInput  map[string]interface{}
	SessionID  string
	CostUSD    float64
	NumTurns   int
	DurationMS int64
	IsError    bool
}

// Classify maps one raw CLI message to a StreamEvent.
// A single thinking or tool_use block marks a pure thinking/tool turn;
// any other assistant mix collapses to the concatenated text blocks.
func Classify(ev rawEvent) StreamEvent {
	switch ev.Type {
	case "result":
		return StreamEvent{
			Kind:       KindResult,
			Content:    ev.Result,
			SessionID:  ev.SessionID,
			CostUSD:    ev.CostUSD,
			NumTurns:   ev.NumTurns,
			DurationMS: ev.DurationMS,
			IsError:    ev.IsError,
		}
	case "assistant":
		return classifyAssistant(ev.Message)
	case "user":
		if content := userContent(ev.Message); content != "" {
			return StreamEvent{Kind: KindToolResult, Content: content}
		}
		return StreamEvent{Kind: KindUnknown}
	default:
		return StreamEvent{Kind: KindUnknown}
	}
}

func classifyAssistant(raw json.RawMessage) StreamEvent {
	var msg struct {
		Content []contentBlock `json:"content"`
	}
	if err := json.Unmarshal(raw, &msg); err != nil {
		return StreamEvent{Kind: KindUnknown}
	}

	if len(msg.Content) == 1 {
		switch block := msg.Content[0]; block.Type {
		case "thinking":
			return StreamEvent{Kind: KindThinking, Content: block.Thinking}
		case "tool_use":
			var input map[string]interface{}
			if len(block.Input) > 0 {
				_ = json.Unmarshal(block.Input, &input)
			}
			return StreamEvent{Kind: KindToolUse, ToolName: block.Name, ToolInput: input}
		}
	}

	var parts []string
	for _, block := range msg.Content {
		if block.Type == "text" && block.Text != "" {
			parts = append(parts, block.Text)
		}
	}
	return StreamEvent{Kind: KindText, Content: strings.Join(parts, "")}
}

// userContent extracts the displayable text of a user wire message.
// Content may be a bare string or a block list carrying tool results.
func userContent(raw json.RawMessage) string {
	var msg struct {
		Content json.RawMessage `json:"content"`
	}
	if err := json.Unmarshal(raw, &msg); err != nil || len(msg.Content) == 0 {
		return ""
	}

	var s string
	if err := json.Unmarshal(msg.Content, &s); err == nil {
		return s
	}

	var blocks []contentBlock
	if err := json.Unmarshal(msg.Content, &blocks); err != nil {
		return ""
	}
	var parts []string
	for _, block := range blocks {
		switch block.Type {
		case "text":
			if block.Text != "" {
				parts = append(parts, block.Text)
			}
		case "tool_result":
			if text := toolResultText(block.Content); text != "" {
				parts = append(parts, text)
			}
		}
	}
	return strings.Join(parts, "\n")
}

func toolResultText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []contentBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return ""
	}
	var parts []string
	for _, block := range blocks {
		if block.Type == "text" && block.Text != "" {
			parts = append(parts, block.Text)
		}
	}
	return strings.Join(parts, "\n")
}
