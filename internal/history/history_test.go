package history

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeIndex(t *testing.T, dir string, lines ...string) {
	t.Helper()
	content := strings.Join(lines, "\n") + "\n"
	if err := os.WriteFile(filepath.Join(dir, "history.jsonl"), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func indexLine(display, project, sessionID string, ts int64) string {
	return fmt.Sprintf(`{"display":%q,"timestamp":%d,"project":%q,"sessionId":%q}`,
		display, ts, project, sessionID)
}

func TestGetLatestSession(t *testing.T) {
	dir := t.TempDir()
	writeIndex(t, dir,
		indexLine("old task", "/work/app", "sess-old", 1000),
		indexLine("other project", "/work/lib", "sess-lib", 3000),
		indexLine("new task", "/work/app", "sess-new", 2000),
	)
	r := NewResolver(dir)

	got, err := r.GetLatestSession("/work/app")
	if err != nil {
		t.Fatal(err)
	}
	if got != "sess-new" {
		t.Errorf("latest = %q, want sess-new", got)
	}

	// Trailing slash canonicalizes to the same directory.
	got, _ = r.GetLatestSession("/work/app/")
	if got != "sess-new" {
		t.Errorf("latest with trailing slash = %q", got)
	}

	got, _ = r.GetLatestSession("/nowhere")
	if got != "" {
		t.Errorf("latest for unknown dir = %q, want empty", got)
	}
}

func TestGetLatestSessionMissingIndex(t *testing.T) {
	r := NewResolver(t.TempDir())
	got, err := r.GetLatestSession("/work")
	if err != nil || got != "" {
		t.Errorf("missing index: got %q, %v", got, err)
	}
}

func TestListSessions(t *testing.T) {
	dir := t.TempDir()
	writeIndex(t, dir,
		indexLine("a", "/work/app", "s1", 1000),
		indexLine("b", "/work/app", "s2", 2000),
		indexLine("c", "/work/lib", "s3", 3000),
		indexLine("d", "/work/app", "s4", 4000),
	)
	r := NewResolver(dir)

	entries, err := r.ListSessions("/work/app", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	if entries[0].SessionID != "s4" || entries[1].SessionID != "s2" {
		t.Errorf("order = %s, %s", entries[0].SessionID, entries[1].SessionID)
	}

	all, _ := r.ListSessions("", 0)
	if len(all) != 4 {
		t.Errorf("unfiltered = %d entries, want 4", len(all))
	}
	if all[0].SessionID != "s4" {
		t.Errorf("newest first, got %s", all[0].SessionID)
	}
}

func TestReadAllSkipsMalformed(t *testing.T) {
	dir := t.TempDir()
	writeIndex(t, dir,
		indexLine("good", "/work", "s1", 1000),
		"this is not json",
		`{"display":"no session","timestamp":2000,"project":"/work"}`,
		"",
		indexLine("also good", "/work", "s2", 3000),
	)
	r := NewResolver(dir)

	entries, parsed, malformed := r.readAll()
	if parsed != 2 || malformed != 2 {
		t.Errorf("parsed/malformed = %d/%d, want 2/2", parsed, malformed)
	}
	if len(entries) != 2 {
		t.Errorf("entries = %d", len(entries))
	}
}

func TestFindSessionByID(t *testing.T) {
	entries := []Entry{
		{SessionID: "a", Display: "first"},
		{SessionID: "b", Display: "second"},
	}
	if e := FindSessionByID(entries, "b"); e == nil || e.Display != "second" {
		t.Errorf("FindSessionByID(b) = %+v", e)
	}
	if e := FindSessionByID(entries, "missing"); e != nil {
		t.Errorf("FindSessionByID(missing) = %+v", e)
	}
}

func TestAppendEntryRoundTrips(t *testing.T) {
	dir := t.TempDir()
	r := NewResolver(dir)

	if err := r.AppendEntry("fix the parser", "/work/app/", "sess-x"); err != nil {
		t.Fatal(err)
	}

	got, err := r.GetLatestSession("/work/app")
	if err != nil {
		t.Fatal(err)
	}
	if got != "sess-x" {
		t.Errorf("appended session not found, got %q", got)
	}

	entries, _ := r.ListSessions("/work/app", 0)
	if len(entries) != 1 || entries[0].Display != "fix the parser" {
		t.Errorf("entries = %+v", entries)
	}
	// Project path was canonicalized on write.
	if entries[0].Project != "/work/app" {
		t.Errorf("Project = %q", entries[0].Project)
	}
}

func TestCheckFormatHealth(t *testing.T) {
	dir := t.TempDir()
	writeIndex(t, dir,
		"garbage line one",
		"garbage line two",
		"garbage line three",
		indexLine("ok", "/work", "s1", 1000),
	)
	r := NewResolver(dir)

	note := r.CheckFormatHealth()
	if note == "" {
		t.Fatal("mostly-garbage index should report unhealthy")
	}

	// The verdict is cached; AppendEntry invalidates it and the now
	// majority-good index reads healthy.
	for i := 0; i < 10; i++ {
		if err := r.AppendEntry("entry", "/work", fmt.Sprintf("s%d", i)); err != nil {
			t.Fatal(err)
		}
	}
	if note := r.CheckFormatHealth(); note != "" {
		t.Errorf("healthy index still flagged: %q", note)
	}
}

func TestCheckFormatHealthEmptyIndex(t *testing.T) {
	r := NewResolver(t.TempDir())
	if note := r.CheckFormatHealth(); note != "" {
		t.Errorf("empty index flagged: %q", note)
	}
}
