// Package claudecli drives the locally installed claude CLI over its
// stream-json protocol: one subprocess per connected user, NDJSON on
// stdin/stdout, with a per-user actor serializing every call.
package claudecli

import (
	"encoding/json"
	"errors"
)

// Block is one element of a multimodal user message.
type Block struct {
	Type   string       `json:"type"` // "text", "image", "document"
	Text   string       `json:"text,omitempty"`
	Source *BlockSource `json:"source,omitempty"`
	Title  string       `json:"title,omitempty"`
}

// BlockSource carries the payload of an image or document block.
type BlockSource struct {
	Type      string `json:"type"` // "base64" or "text"
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

// TextBlock builds a plain text block.
func TextBlock(text string) Block {
	return Block{Type: "text", Text: text}
}

// ImageBlock builds a base64 image block.
func ImageBlock(mediaType, data string) Block {
	return Block{Type: "image", Source: &BlockSource{Type: "base64", MediaType: mediaType, Data: data}}
}

// PDFBlock builds a base64 PDF document block.
func PDFBlock(title, data string) Block {
	return Block{Type: "document", Title: title, Source: &BlockSource{Type: "base64", MediaType: "application/pdf", Data: data}}
}

// TextDocumentBlock builds a plain-text document block.
func TextDocumentBlock(title, text string) Block {
	return Block{Type: "document", Title: title, Source: &BlockSource{Type: "text", MediaType: "text/plain", Data: text}}
}

// Attachment is one processed chat attachment ready to send.
type Attachment struct {
	Block     Block
	Filename  string
	SizeBytes int64
	MediaType string
}

// Query is one unit of work submitted to an actor.
type Query struct {
	Text        string
	Attachments []Attachment
}

// ContentBlocks renders the query in the order the agent expects:
// text first (if any), then each attachment's block.
func (q Query) ContentBlocks() []Block {
	blocks := make([]Block, 0, len(q.Attachments)+1)
	if q.Text != "" {
		blocks = append(blocks, TextBlock(q.Text))
	}
	for _, a := range q.Attachments {
		blocks = append(blocks, a.Block)
	}
	return blocks
}

// QueryResult is the outcome of one completed query.
type QueryResult struct {
	ResponseText string
	SessionID    string
	CostUSD      float64
	NumTurns     int
	DurationMS   int64
}

// Command is one slash command the CLI advertises at connect.
type Command struct {
	Name         string
	Description  string
	ArgumentHint string
}

// rawEvent is one parsed NDJSON line from the claude CLI stdout.
type rawEvent struct {
	Type       string          `json:"type"`
	Subtype    string          `json:"subtype,omitempty"`
	SessionID  string          `json:"session_id,omitempty"`
	Message    json.RawMessage `json:"message,omitempty"`
	Result     string          `json:"result,omitempty"`
	IsError    bool            `json:"is_error,omitempty"`
	Errors     []string        `json:"errors,omitempty"`
	CostUSD    float64         `json:"total_cost_usd,omitempty"`
	NumTurns   int             `json:"num_turns,omitempty"`
	DurationMS int64           `json:"duration_ms,omitempty"`
	// system init fields
	SlashCommands []string `json:"slash_commands,omitempty"`
	Model         string   `json:"model,omitempty"`
	// control_request fields (permission prompts over stdio)
	RequestID string          `json:"request_id,omitempty"`
	Request   json.RawMessage `json:"request,omitempty"`
	// stream_event inner payload (--include-partial-messages)
	Event json.RawMessage `json:"event,omitempty"`
}

// contentBlock is one block inside an assistant or user wire message.
type contentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	Thinking  string          `json:"thinking,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
}

// stdinUserMessage is the shape written to the CLI stdin for a query.
type stdinUserMessage struct {
	Type            string            `json:"type"`
	Message         stdinMessageInner `json:"message"`
	ParentToolUseID *string           `json:"parent_tool_use_id"`
	SessionID       string            `json:"session_id,omitempty"`
}

type stdinMessageInner struct {
	Role    string  `json:"role"`
	Content []Block `json:"content"`
}

// Sentinel errors for actor and client state.
var (
	ErrNotRunning = errors.New("agent client is not running")
	ErrBusy       = errors.New("agent client queue is full")
	ErrExited     = errors.New("agent process exited")
)

// ResumeFailed marks a connect or query failure caused by a stale
// resume session id. Callers may retry once without the session.
type ResumeFailed struct {
	SessionID string
	Err       error
}

func (e *ResumeFailed) Error() string {
	return "resume session " + e.SessionID + ": " + e.Err.Error()
}

func (e *ResumeFailed) Unwrap() error { return e.Err }
