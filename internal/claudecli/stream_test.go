package claudecli

import (
	"encoding/json"
	"testing"
)

func raw(t *testing.T, line string) rawEvent {
	t.Helper()
	var ev rawEvent
	if err := json.Unmarshal([]byte(line), &ev); err != nil {
		t.Fatalf("unmarshal raw event: %v", err)
	}
	return ev
}

func TestClassifyResult(t *testing.T) {
	ev := raw(t, `{"type":"result","result":"done","session_id":"abc",
		"total_cost_usd":0.042,"num_turns":3,"duration_ms":1500,"is_error":false}`)
	got := Classify(ev)
	if got.Kind != KindResult {
		t.Fatalf("Kind = %q, want result", got.Kind)
	}
	if got.Content != "done" || got.SessionID != "abc" {
		t.Errorf("content/session = %q/%q", got.Content, got.SessionID)
	}
	if got.CostUSD != 0.042 || got.NumTurns != 3 || got.DurationMS != 1500 {
		t.Errorf("usage fields = %v/%v/%v", got.CostUSD, got.NumTurns, got.DurationMS)
	}
}

func TestClassifyAssistantText(t *testing.T) {
	ev := raw(t, `{"type":"assistant","message":{"content":[
		{"type":"text","text":"Hello, "},{"type":"text","text":"world."}]}}`)
	got := Classify(ev)
	if got.Kind != KindText {
		t.Fatalf("Kind = %q, want text", got.Kind)
	}
	if got.Content != "Hello, world." {
		t.Errorf("Content = %q", got.Content)
	}
}

func TestClassifyAssistantThinking(t *testing.T) {
	ev := raw(t, `{"type":"assistant","message":{"content":[
		{"type":"thinking","thinking":"pondering the layout"}]}}`)
	got := Classify(ev)
	if got.Kind != KindThinking || got.Content != "pondering the layout" {
		t.Errorf("got %q/%q", got.Kind, got.Content)
	}
}

func TestClassifyAssistantToolUse(t *testing.T) {
	ev := raw(t, `{"type":"assistant","message":{"content":[
		{"type":"tool_use","name":"Bash","input":{"command":"ls -la"}}]}}`)
	got := Classify(ev)
	if got.Kind != KindToolUse {
		t.Fatalf("Kind = %q, want tool_use", got.Kind)
	}
	if got.ToolName != "Bash" {
		t.Errorf("ToolName = %q", got.ToolName)
	}
	if cmd, _ := got.ToolInput["command"].(string); cmd != "ls -la" {
		t.Errorf("ToolInput command = %q", cmd)
	}
}

func TestClassifyMixedAssistantCollapsesToText(t *testing.T) {
	// A thinking block mixed with text is a text turn; only a lone
	// thinking block reports as thinking.
	ev := raw(t, `{"type":"assistant","message":{"content":[
		{"type":"thinking","thinking":"hmm"},{"type":"text","text":"answer"}]}}`)
	got := Classify(ev)
	if got.Kind != KindText || got.Content != "answer" {
		t.Errorf("got %q/%q", got.Kind, got.Content)
	}
}

func TestClassifyUserToolResult(t *testing.T) {
	ev := raw(t, `{"type":"user","message":{"content":[
		{"type":"tool_result","content":"42 files"}]}}`)
	got := Classify(ev)
	if got.Kind != KindToolResult || got.Content != "42 files" {
		t.Errorf("got %q/%q", got.Kind, got.Content)
	}
}

func TestClassifyUserToolResultBlockList(t *testing.T) {
	ev := raw(t, `{"type":"user","message":{"content":[
		{"type":"tool_result","content":[{"type":"text","text":"line one"},{"type":"text","text":"line two"}]}]}}`)
	got := Classify(ev)
	if got.Kind != KindToolResult {
		t.Fatalf("Kind = %q", got.Kind)
	}
	if got.Content != "line one\nline two" {
		t.Errorf("Content = %q", got.Content)
	}
}

func TestClassifyUnknown(t *testing.T) {
	for _, line := range []string{
		`{"type":"system","subtype":"init"}`,
		`{"type":"stream_event"}`,
		`{"type":"user","message":{"content":[]}}`,
	} {
		if got := Classify(raw(t, line)); got.Kind != KindUnknown {
			t.Errorf("Classify(%s).Kind = %q, want unknown", line, got.Kind)
		}
	}
}

func TestQueryContentBlocks(t *testing.T) {
	q := Query{
		Text: "describe this",
		Attachments: []Attachment{
			{Block: ImageBlock("image/jpeg", "AAAA")},
			{Block: TextDocumentBlock("notes.txt", "content")},
		},
	}
	blocks := q.ContentBlocks()
	if len(blocks) != 3 {
		t.Fatalf("got %d blocks, want 3", len(blocks))
	}
	if blocks[0].Type != "text" || blocks[0].Text != "describe this" {
		t.Errorf("first block = %+v", blocks[0])
	}
	if blocks[1].Type != "image" || blocks[1].Source.MediaType != "image/jpeg" {
		t.Errorf("second block = %+v", blocks[1])
	}
	if blocks[2].Type != "document" || blocks[2].Title != "notes.txt" {
		t.Errorf("third block = %+v", blocks[2])
	}

	// Attachment-only query has no leading text block.
	q2 := Query{Attachments: []Attachment{{Block: PDFBlock("doc.pdf", "BBBB")}}}
	if got := q2.ContentBlocks(); len(got) != 1 || got[0].Type != "document" {
		t.Errorf("attachment-only blocks = %+v", got)
	}
}
