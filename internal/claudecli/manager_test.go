package claudecli

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/clawbridge/internal/store"
)

// memSessionStore is an in-memory SessionStore.
type memSessionStore struct {
	mu   sync.Mutex
	rows map[int64]*store.BotSession
	err  error
}

func newMemSessionStore() *memSessionStore {
	return &memSessionStore{rows: make(map[int64]*store.BotSession)}
}

func (s *memSessionStore) Upsert(ctx context.Context, userID int64, sessionID, directory, model string, betas []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.rows[userID] = &store.BotSession{
		UserID: userID, SessionID: sessionID, Directory: directory,
		Model: model, Betas: betas,
	}
	return nil
}

func (s *memSessionStore) GetByUser(ctx context.Context, userID int64) (*store.BotSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	return s.rows[userID], nil
}

func (s *memSessionStore) Delete(ctx context.Context, userID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rows, userID)
	return nil
}

type fakeIndex struct {
	latest map[string]string
	err    error
}

func (f *fakeIndex) GetLatestSession(directory string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return f.latest[directory], nil
}

// dialRecorder tracks the options of every dialed conn.
type dialRecorder struct {
	mu    sync.Mutex
	dials []Options
}

func (d *dialRecorder) dial(opts Options) Conn {
	d.mu.Lock()
	d.dials = append(d.dials, opts)
	d.mu.Unlock()
	conn := newFakeConn()
	conn.sessionID = opts.SessionID
	conn.onQuery = func(n int, emit func(rawEvent)) {
		emit(resultEvent("ok", "minted-sess"))
	}
	return conn
}

func (d *dialRecorder) last() Options {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials[len(d.dials)-1]
}

func (d *dialRecorder) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.dials)
}

func newTestManager(sessions *memSessionStore, index *fakeIndex, dial Dialer) *Manager {
	return NewManager(ManagerConfig{
		Builder:       &OptionsBuilder{ConfigDir: "/nonexistent"},
		Store:         sessions,
		Index:         index,
		Dial:          dial,
		ApprovedRoots: []string{"/work"},
	})
}

func TestGetOrConnectReusesRunningActor(t *testing.T) {
	rec := &dialRecorder{}
	m := newTestManager(newMemSessionStore(), &fakeIndex{}, rec.dial)
	defer m.DisconnectAll()

	p := ConnectParams{UserID: 1, Directory: "/work"}
	a1, err := m.GetOrConnect(context.Background(), p)
	if err != nil {
		t.Fatal(err)
	}
	a2, err := m.GetOrConnect(context.Background(), p)
	if err != nil {
		t.Fatal(err)
	}
	if a1 != a2 {
		t.Error("same directory should reuse the running actor")
	}
	if rec.count() != 1 {
		t.Errorf("dial count = %d, want 1", rec.count())
	}
}

func TestGetOrConnectConcurrentSingleActor(t *testing.T) {
	rec := &dialRecorder{}
	slowDial := func(opts Options) Conn {
		conn := rec.dial(opts).(*fakeConn)
		conn.connectDelay = 50 * time.Millisecond
		return conn
	}
	m := newTestManager(newMemSessionStore(), &fakeIndex{}, slowDial)
	defer m.DisconnectAll()

	const callers = 4
	actors := make([]*Actor, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a, err := m.GetOrConnect(context.Background(), ConnectParams{UserID: 1, Directory: "/work"})
			if err != nil {
				t.Errorf("GetOrConnect: %v", err)
				return
			}
			actors[i] = a
		}(i)
	}
	wg.Wait()

	if rec.count() != 1 {
		t.Errorf("dial count = %d, want 1", rec.count())
	}
	for i := 1; i < callers; i++ {
		if actors[i] != actors[0] {
			t.Fatalf("caller %d got a different actor", i)
		}
	}
}

func TestGetOrConnectReplacesOnDirectoryChange(t *testing.T) {
	rec := &dialRecorder{}
	m := newTestManager(newMemSessionStore(), &fakeIndex{}, rec.dial)
	defer m.DisconnectAll()

	a1, err := m.GetOrConnect(context.Background(), ConnectParams{UserID: 1, Directory: "/work"})
	if err != nil {
		t.Fatal(err)
	}
	a2, err := m.GetOrConnect(context.Background(), ConnectParams{UserID: 1, Directory: "/work/sub"})
	if err != nil {
		t.Fatal(err)
	}
	if a1 == a2 {
		t.Error("directory change should replace the actor")
	}
	if a1.Running() {
		t.Error("replaced actor should be stopped")
	}
	if rec.count() != 2 {
		t.Errorf("dial count = %d, want 2", rec.count())
	}
}

func TestGetOrConnectResumeResolution(t *testing.T) {
	t.Run("stored row wins", func(t *testing.T) {
		sessions := newMemSessionStore()
		sessions.rows[1] = &store.BotSession{UserID: 1, SessionID: "stored-sess", Directory: "/work", Model: "opus"}
		rec := &dialRecorder{}
		m := newTestManager(sessions, &fakeIndex{latest: map[string]string{"/work": "history-sess"}}, rec.dial)
		defer m.DisconnectAll()

		if _, err := m.GetOrConnect(context.Background(), ConnectParams{UserID: 1, Directory: "/work"}); err != nil {
			t.Fatal(err)
		}
		opts := rec.last()
		if opts.SessionID != "stored-sess" {
			t.Errorf("SessionID = %q, want stored-sess", opts.SessionID)
		}
		if opts.Model != "opus" {
			t.Errorf("Model = %q, want opus (from stored row)", opts.Model)
		}
	})

	t.Run("stored row for other directory ignored", func(t *testing.T) {
		sessions := newMemSessionStore()
		sessions.rows[1] = &store.BotSession{UserID: 1, SessionID: "stored-sess", Directory: "/elsewhere"}
		rec := &dialRecorder{}
		m := newTestManager(sessions, &fakeIndex{latest: map[string]string{"/work": "history-sess"}}, rec.dial)
		defer m.DisconnectAll()

		if _, err := m.GetOrConnect(context.Background(), ConnectParams{UserID: 1, Directory: "/work"}); err != nil {
			t.Fatal(err)
		}
		if got := rec.last().SessionID; got != "history-sess" {
			t.Errorf("SessionID = %q, want history-sess (CLI index fallback)", got)
		}
	})

	t.Run("force new skips everything", func(t *testing.T) {
		sessions := newMemSessionStore()
		sessions.rows[1] = &store.BotSession{UserID: 1, SessionID: "stored-sess", Directory: "/work"}
		rec := &dialRecorder{}
		m := newTestManager(sessions, &fakeIndex{latest: map[string]string{"/work": "history-sess"}}, rec.dial)
		defer m.DisconnectAll()

		if _, err := m.GetOrConnect(context.Background(), ConnectParams{UserID: 1, Directory: "/work", ForceNew: true}); err != nil {
			t.Fatal(err)
		}
		if got := rec.last().SessionID; got != "" {
			t.Errorf("SessionID = %q, want empty for forced-new", got)
		}
	})

	t.Run("explicit session id wins", func(t *testing.T) {
		sessions := newMemSessionStore()
		sessions.rows[1] = &store.BotSession{UserID: 1, SessionID: "stored-sess", Directory: "/work"}
		rec := &dialRecorder{}
		m := newTestManager(sessions, &fakeIndex{}, rec.dial)
		defer m.DisconnectAll()

		if _, err := m.GetOrConnect(context.Background(), ConnectParams{UserID: 1, Directory: "/work", SessionID: "explicit"}); err != nil {
			t.Fatal(err)
		}
		if got := rec.last().SessionID; got != "explicit" {
			t.Errorf("SessionID = %q, want explicit", got)
		}
	})

	t.Run("index failure degrades to fresh", func(t *testing.T) {
		rec := &dialRecorder{}
		m := newTestManager(newMemSessionStore(), &fakeIndex{err: fmt.Errorf("unreadable")}, rec.dial)
		defer m.DisconnectAll()

		if _, err := m.GetOrConnect(context.Background(), ConnectParams{UserID: 1, Directory: "/work"}); err != nil {
			t.Fatal(err)
		}
		if got := rec.last().SessionID; got != "" {
			t.Errorf("SessionID = %q, want empty", got)
		}
	})
}

func TestUpdateSessionIDPersists(t *testing.T) {
	sessions := newMemSessionStore()
	rec := &dialRecorder{}
	m := newTestManager(sessions, &fakeIndex{}, rec.dial)
	defer m.DisconnectAll()

	a, err := m.GetOrConnect(context.Background(), ConnectParams{UserID: 1, Directory: "/work", Model: "sonnet"})
	if err != nil {
		t.Fatal(err)
	}
	m.UpdateSessionID(context.Background(), 1, "fresh-sess")

	if a.SessionID() != "fresh-sess" {
		t.Errorf("actor session = %q", a.SessionID())
	}
	row, _ := sessions.GetByUser(context.Background(), 1)
	if row == nil || row.SessionID != "fresh-sess" || row.Directory != "/work" {
		t.Errorf("stored row = %+v", row)
	}

	// Empty id is ignored.
	m.UpdateSessionID(context.Background(), 1, "")
	if a.SessionID() != "fresh-sess" {
		t.Error("empty session id should be a no-op")
	}
}

func TestSetModel(t *testing.T) {
	sessions := newMemSessionStore()
	rec := &dialRecorder{}
	m := newTestManager(sessions, &fakeIndex{}, rec.dial)
	defer m.DisconnectAll()

	// No actor, no stored row: nothing to set a model on.
	if err := m.SetModel(context.Background(), 9, "opus", nil); err == nil {
		t.Error("SetModel without session should fail")
	}

	if _, err := m.GetOrConnect(context.Background(), ConnectParams{UserID: 1, Directory: "/work"}); err != nil {
		t.Fatal(err)
	}
	if err := m.SetModel(context.Background(), 1, "opus", []string{"context-1m"}); err != nil {
		t.Fatal(err)
	}
	row, _ := sessions.GetByUser(context.Background(), 1)
	if row.Model != "opus" || len(row.Betas) != 1 {
		t.Errorf("stored row = %+v", row)
	}
}

func TestDisconnectRemovesActor(t *testing.T) {
	rec := &dialRecorder{}
	m := newTestManager(newMemSessionStore(), &fakeIndex{}, rec.dial)

	a, err := m.GetOrConnect(context.Background(), ConnectParams{UserID: 1, Directory: "/work"})
	if err != nil {
		t.Fatal(err)
	}
	m.Disconnect(1)
	if a.Running() {
		t.Error("actor still running after Disconnect")
	}
	if m.Get(1) != nil {
		t.Error("actor still registered after Disconnect")
	}
	// Disconnecting an absent user is a no-op.
	m.Disconnect(42)
}

func TestHasCommandWithoutActor(t *testing.T) {
	m := newTestManager(newMemSessionStore(), &fakeIndex{}, (&dialRecorder{}).dial)
	if m.HasCommand(1, "commit") {
		t.Error("no actor means no commands")
	}
	if cmds := m.GetAvailableCommands(1); cmds != nil {
		t.Errorf("commands = %v, want nil", cmds)
	}
}

func TestApprovedRootFor(t *testing.T) {
	m := NewManager(ManagerConfig{ApprovedRoots: []string{"/srv/app", "/srv/lib"}})
	tests := []struct {
		dir  string
		want string
	}{
		{"/srv/app", "/srv/app"},
		{"/srv/app/sub/dir", "/srv/app"},
		{"/srv/lib/x", "/srv/lib"},
		{"/srv/app-evil", "/srv/app-evil"},
		{"/other", "/other"},
	}
	for _, tt := range tests {
		if got := m.approvedRootFor(tt.dir); got != tt.want {
			t.Errorf("approvedRootFor(%q) = %q, want %q", tt.dir, got, tt.want)
		}
	}
}
