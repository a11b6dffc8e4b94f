package history

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
)

// transcriptLine is one line of a per-project transcript file.
type transcriptLine struct {
	Type    string `json:"type"`
	Message struct {
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content"`
	} `json:"message"`
}

// projectSlug maps an absolute project path to the CLI's per-project
// transcripts directory name.
func projectSlug(projectDir string) string {
	return strings.ReplaceAll(filepath.Clean(projectDir), "/", "-")
}

// TranscriptPath returns where the CLI keeps the transcript for a
// session of the given project.
func (r *Resolver) TranscriptPath(sessionID, projectDir string) string {
	return filepath.Join(r.ConfigDir, "projects", projectSlug(projectDir), sessionID+".jsonl")
}

// ReadTranscript reads up to limit user/assistant exchanges from a
// session transcript. By default the last ones; fromStart selects the
// first ones, which is what the session-handoff preview wants.
func (r *Resolver) ReadTranscript(sessionID, projectDir string, limit int, fromStart bool) ([]TranscriptMessage, error) {
	f, err := os.Open(r.TranscriptPath(sessionID, projectDir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var msgs []TranscriptMessage
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 256*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var tl transcriptLine
		if err := json.Unmarshal([]byte(line), &tl); err != nil {
			continue
		}
		if tl.Type != "user" && tl.Type != "assistant" {
			continue
		}
		text := transcriptText(tl.Message.Content)
		if text == "" {
			continue
		}
		role := tl.Message.Role
		if role == "" {
			role = tl.Type
		}
		msgs = append(msgs, TranscriptMessage{Role: role, Text: text})
	}
	if err := scanner.Err(); err != nil {
		return msgs, err
	}

	if limit > 0 && len(msgs) > limit {
		if fromStart {
			msgs = msgs[:limit]
		} else {
			msgs = msgs[len(msgs)-limit:]
		}
	}
	return msgs, nil
}

// transcriptText flattens string-or-block transcript content to text,
// ignoring tool blocks.
func transcriptText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	var blocks []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return ""
	}
	var parts []string
	for _, b := range blocks {
		if b.Type == "text" && b.Text != "" {
			parts = append(parts, b.Text)
		}
	}
	return strings.TrimSpace(strings.Join(parts, "\n"))
}
