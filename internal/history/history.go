// Package history reads and extends the agent CLI's own on-disk
// session index, so sessions started in the terminal and in the bridge
// are mutually resumable. The index is an append-only JSONL file; the
// CLI owns the format.
package history

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// Entry is one record of the CLI's history.jsonl.
type Entry struct {
	Display   string `json:"display"`
	Timestamp int64  `json:"timestamp"` // milliseconds since epoch
	Project   string `json:"project"`
	SessionID string `json:"sessionId"`
}

// Time returns the entry timestamp as a time.Time.
func (e Entry) Time() time.Time {
	return time.UnixMilli(e.Timestamp)
}

// TranscriptMessage is one exchange line from a session transcript.
type TranscriptMessage struct {
	Role string // "user" or "assistant"
	Text string
}

// healthThreshold is the unparseable-line fraction above which the
// index is reported unhealthy; past that the CLI format has likely
// changed underneath us.
const healthThreshold = 0.5

// Resolver reads the CLI's history index under ConfigDir.
type Resolver struct {
	ConfigDir string

	mu          sync.Mutex
	healthDirty bool
	healthNote  string
	healthSeen  bool
}

// NewResolver builds a resolver for the given CLI config directory.
func NewResolver(configDir string) *Resolver {
	return &Resolver{ConfigDir: configDir, healthDirty: true}
}

func (r *Resolver) historyPath() string {
	return filepath.Join(r.ConfigDir, "history.jsonl")
}

// readAll parses every line of the index. A missing file is an empty
// index; a corrupt line is skipped and counted.
func (r *Resolver) readAll() (entries []Entry, parsed, malformed int) {
	f, err := os.Open(r.historyPath())
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("cannot read session index", "path", r.historyPath(), "error", err)
		}
		return nil, 0, 0
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 256*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var e Entry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			malformed++
			slog.Debug("skipping malformed history line", "error", err)
			continue
		}
		if e.SessionID == "" || e.Project == "" {
			malformed++
			continue
		}
		parsed++
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		slog.Warn("error scanning session index", "error", err)
	}

	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Timestamp > entries[j].Timestamp
	})
	return entries, parsed, malformed
}

// GetLatestSession returns the newest session id recorded for the
// canonicalized directory, or empty when none exists.
func (r *Resolver) GetLatestSession(directory string) (string, error) {
	directory = filepath.Clean(directory)
	entries, _, _ := r.readAll()
	for _, e := range entries {
		if filepath.Clean(e.Project) == directory {
			return e.SessionID, nil
		}
	}
	return "", nil
}

// ListSessions returns up to limit entries, newest first, filtered by
// directory when non-empty.
func (r *Resolver) ListSessions(directory string, limit int) ([]Entry, error) {
	entries, _, _ := r.readAll()
	if directory != "" {
		directory = filepath.Clean(directory)
		filtered := entries[:0]
		for _, e := range entries {
			if filepath.Clean(e.Project) == directory {
				filtered = append(filtered, e)
			}
		}
		entries = filtered
	}
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

// FindSessionByID is a linear lookup over already-listed entries.
func FindSessionByID(entries []Entry, sessionID string) *Entry {
	for i := range entries {
		if entries[i].SessionID == sessionID {
			return &entries[i]
		}
	}
	return nil
}

// AppendEntry writes one index line so bridge-started sessions appear
// in the CLI's own session picker.
func (r *Resolver) AppendEntry(display, project, sessionID string) error {
	e := Entry{
		Display:   display,
		Timestamp: time.Now().UnixMilli(),
		Project:   filepath.Clean(project),
		SessionID: sessionID,
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal history entry: %w", err)
	}
	f, err := os.OpenFile(r.historyPath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open session index: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append session index: %w", err)
	}
	r.invalidate()
	return nil
}

// CheckFormatHealth returns a user-facing note when more than half of
// the index fails to parse, which indicates CLI version skew. The
// verdict is cached until the file changes.
func (r *Resolver) CheckFormatHealth() string {
	r.mu.Lock()
	if !r.healthDirty && r.healthSeen {
		note := r.healthNote
		r.mu.Unlock()
		return note
	}
	r.mu.Unlock()

	_, parsed, malformed := r.readAll()
	note := ""
	total := parsed + malformed
	if total > 0 && float64(malformed)/float64(total) > healthThreshold {
		note = fmt.Sprintf(
			"Session index looks unhealthy: %d of %d lines failed to parse. The agent CLI format may have changed.",
			malformed, total)
	}

	r.mu.Lock()
	r.healthNote = note
	r.healthDirty = false
	r.healthSeen = true
	r.mu.Unlock()
	return note
}

func (r *Resolver) invalidate() {
	r.mu.Lock()
	r.healthDirty = true
	r.mu.Unlock()
}
