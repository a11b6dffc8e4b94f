package claudecli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nextlevelbuilder/clawbridge/internal/store"
)

// SessionStore persists the one active-session row per user.
// Implemented by store.Sessions.
type SessionStore interface {
	Upsert(ctx context.Context, userID int64, sessionID, directory, model string, betas []string) error
	GetByUser(ctx context.Context, userID int64) (*store.BotSession, error)
	Delete(ctx context.Context, userID int64) error
}

// SessionIndex resolves the newest CLI session for a directory.
// Implemented by history.Resolver.
type SessionIndex interface {
	GetLatestSession(directory string) (string, error)
}

// ManagerConfig wires a Manager.
type ManagerConfig struct {
	Builder       *OptionsBuilder
	Store         SessionStore
	Index         SessionIndex
	Dial          Dialer
	IdleTimeout   time.Duration
	StopTimeout   time.Duration
	ApprovedRoots []string
}

// ConnectParams are the inputs to GetOrConnect.
type ConnectParams struct {
	UserID    int64
	Directory string
	SessionID string
	Model     string
	Betas     []string
	ForceNew  bool
}

// Manager owns the user-to-actor map. All mutations go through its
// mutex; actors remove themselves on exit via the OnExit callback.
type Manager struct {
	cfg ManagerConfig

	mu     sync.Mutex
	actors map[int64]*Actor
	// connectLocks serializes GetOrConnect per user: the resolve,
	// dial, and insert steps must not interleave between two callers
	// or both would start an actor and one would leak running.
	connectLocks map[int64]*sync.Mutex
}

// NewManager builds an empty manager.
func NewManager(cfg ManagerConfig) *Manager {
	if cfg.Dial == nil {
		cfg.Dial = DialCLI
	}
	return &Manager{
		cfg:          cfg,
		actors:       make(map[int64]*Actor),
		connectLocks: make(map[int64]*sync.Mutex),
	}
}

func (m *Manager) connectLock(userID int64) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lk, ok := m.connectLocks[userID]
	if !ok {
		lk = &sync.Mutex{}
		m.connectLocks[userID] = lk
	}
	return lk
}

// GetOrConnect returns the user's running actor, or starts one. A
// directory change or a dead actor means stop-and-replace. Unless
// forced fresh, the resume target comes from the stored row for this
// directory, falling back to the CLI's own history index. Concurrent
// calls for one user serialize; the winner's actor is shared.
func (m *Manager) GetOrConnect(ctx context.Context, p ConnectParams) (*Actor, error) {
	lk := m.connectLock(p.UserID)
	lk.Lock()
	defer lk.Unlock()

	m.mu.Lock()
	existing := m.actors[p.UserID]
	m.mu.Unlock()

	if existing != nil {
		if existing.Running() && existing.Directory() == p.Directory && p.SessionID == "" && !p.ForceNew {
			existing.Touch()
			return existing, nil
		}
		slog.Info("replacing agent client",
			"user_id", p.UserID,
			"old_dir", existing.Directory(),
			"new_dir", p.Directory)
		existing.Stop()
		m.remove(p.UserID, existing)
	}

	sessionID := p.SessionID
	model := p.Model
	betas := p.Betas
	if p.ForceNew {
		sessionID = ""
	} else if sessionID == "" {
		if rec, err := m.cfg.Store.GetByUser(ctx, p.UserID); err != nil {
			slog.Warn("session lookup failed", "user_id", p.UserID, "error", err)
		} else if rec != nil && rec.Directory == p.Directory {
			sessionID = rec.SessionID
			if model == "" {
				model = rec.Model
			}
			if betas == nil {
				betas = rec.Betas
			}
		}
		if sessionID == "" && m.cfg.Index != nil {
			latest, err := m.cfg.Index.GetLatestSession(p.Directory)
			if err != nil {
				slog.Warn("history lookup failed", "directory", p.Directory, "error", err)
			} else {
				sessionID = latest
			}
		}
	}

	opts, err := m.cfg.Builder.Build(BuildParams{
		Cwd:               p.Directory,
		SessionID:         sessionID,
		Model:             model,
		Betas:             betas,
		ApprovedDirectory: m.approvedRootFor(p.Directory),
	})
	if err != nil {
		return nil, err
	}

	actor := NewActor(ActorConfig{
		UserID:      p.UserID,
		Directory:   p.Directory,
		SessionID:   sessionID,
		Model:       model,
		Betas:       betas,
		IdleTimeout: m.cfg.IdleTimeout,
		StopTimeout: m.cfg.StopTimeout,
		OnExit:      m.onActorExit,
		Dial:        m.cfg.Dial,
	})
	if err := actor.Start(opts); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.actors[p.UserID] = actor
	m.mu.Unlock()

	// An empty session id is fine here: the agent mints one on the
	// first reply and UpdateSessionID persists it.
	if err := m.cfg.Store.Upsert(ctx, p.UserID, actor.SessionID(), p.Directory, model, betas); err != nil {
		slog.Warn("session persist failed", "user_id", p.UserID, "error", err)
	}
	return actor, nil
}

// SwitchSession drops the user's current actor and connects to an
// explicit session id.
func (m *Manager) SwitchSession(ctx context.Context, p ConnectParams) (*Actor, error) {
	m.Disconnect(p.UserID)
	return m.GetOrConnect(ctx, p)
}

// UpdateSessionID records a fresh agent-minted session id in both the
// live actor and the store.
func (m *Manager) UpdateSessionID(ctx context.Context, userID int64, sessionID string) {
	if sessionID == "" {
		return
	}
	m.mu.Lock()
	actor := m.actors[userID]
	m.mu.Unlock()
	if actor == nil {
		return
	}
	actor.SetSessionID(sessionID)
	err := m.cfg.Store.Upsert(ctx, userID, sessionID, actor.Directory(), actor.Model(), actor.Betas())
	if err != nil {
		slog.Warn("session id persist failed", "user_id", userID, "error", err)
	}
}

// SetModel persists a model choice; it takes effect on the next
// connect for this user.
func (m *Manager) SetModel(ctx context.Context, userID int64, model string, betas []string) error {
	m.mu.Lock()
	actor := m.actors[userID]
	m.mu.Unlock()

	sessionID, directory := "", ""
	if actor != nil {
		sessionID = actor.SessionID()
		directory = actor.Directory()
	} else if rec, err := m.cfg.Store.GetByUser(ctx, userID); err == nil && rec != nil {
		sessionID = rec.SessionID
		directory = rec.Directory
	}
	if directory == "" {
		return fmt.Errorf("no session to set model on for user %d", userID)
	}
	return m.cfg.Store.Upsert(ctx, userID, sessionID, directory, model, betas)
}

// Interrupt forwards to the user's actor, if any.
func (m *Manager) Interrupt(userID int64) error {
	m.mu.Lock()
	actor := m.actors[userID]
	m.mu.Unlock()
	if actor == nil {
		return nil
	}
	return actor.Interrupt()
}

// Disconnect stops and removes the user's actor.
func (m *Manager) Disconnect(userID int64) {
	m.mu.Lock()
	actor := m.actors[userID]
	delete(m.actors, userID)
	m.mu.Unlock()
	if actor != nil {
		actor.Stop()
	}
}

// DisconnectAll stops every actor; used at shutdown.
func (m *Manager) DisconnectAll() {
	m.mu.Lock()
	actors := make([]*Actor, 0, len(m.actors))
	for _, a := range m.actors {
		actors = append(actors, a)
	}
	m.actors = make(map[int64]*Actor)
	m.mu.Unlock()

	for _, a := range actors {
		a.Stop()
	}
}

// Get returns the user's actor without connecting.
func (m *Manager) Get(userID int64) *Actor {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.actors[userID]
}

// GetAvailableCommands returns the cached slash commands for a user,
// empty when no actor is connected.
func (m *Manager) GetAvailableCommands(userID int64) []Command {
	m.mu.Lock()
	actor := m.actors[userID]
	m.mu.Unlock()
	if actor == nil {
		return nil
	}
	return actor.AvailableCommands()
}

// HasCommand reports whether the user's connected agent claims the
// named slash command.
func (m *Manager) HasCommand(userID int64, name string) bool {
	m.mu.Lock()
	actor := m.actors[userID]
	m.mu.Unlock()
	return actor != nil && actor.HasCommand(name)
}

// onActorExit is the self-removal callback: idle timeouts, stops, and
// fatal errors all converge here. Idempotent, and careful not to drop
// a replacement actor registered under the same user id.
func (m *Manager) onActorExit(userID int64) {
	m.mu.Lock()
	actor := m.actors[userID]
	if actor != nil && !actor.Running() {
		delete(m.actors, userID)
	}
	m.mu.Unlock()
}

func (m *Manager) remove(userID int64, actor *Actor) {
	m.mu.Lock()
	if m.actors[userID] == actor {
		delete(m.actors, userID)
	}
	m.mu.Unlock()
}

// approvedRootFor returns the configured root containing dir, or dir
// itself when none matches.
func (m *Manager) approvedRootFor(dir string) string {
	for _, root := range m.cfg.ApprovedRoots {
		if dir == root || strings.HasPrefix(dir, root+"/") {
			return root
		}
	}
	return dir
}

// IsResumeFailure reports whether err came from a stale resume target.
func IsResumeFailure(err error) bool {
	var rf *ResumeFailed
	return errors.As(err, &rf)
}
