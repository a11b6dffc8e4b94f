package claudecli

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

const (
	defaultIdleTimeout = time.Hour
	defaultStopTimeout = 10 * time.Second
	queueCapacity      = 8
)

// StreamCallback receives classified events for one query, in order,
// always from the actor's worker goroutine.
type StreamCallback func(ev StreamEvent)

// workItem is one submitted query plus its completion channel.
type workItem struct {
	query    Query
	onStream StreamCallback
	done     chan itemOutcome
}

type itemOutcome struct {
	result *QueryResult
	err    error
}

// ActorConfig configures one per-user actor.
type ActorConfig struct {
	UserID      int64
	Directory   string
	SessionID   string
	Model       string
	Betas       []string
	IdleTimeout time.Duration
	StopTimeout time.Duration
	OnExit      func(userID int64)
	Dial        Dialer
}

// Actor owns one agent connection for one user. The CLI's cancellation
// scopes are bound to the goroutine that connected, so connect, every
// query, and disconnect all run on the single worker goroutine; callers
// talk to it only through the work queue.
type Actor struct {
	cfg ActorConfig

	queue    chan *workItem
	exited   chan struct{}
	cancel   context.CancelFunc
	running  atomic.Bool
	querying atomic.Bool

	mu        sync.Mutex
	conn      Conn
	sessionID string
	commands  []Command
	lastUsed  time.Time
}

// NewActor builds an actor; Start launches it.
func NewActor(cfg ActorConfig) *Actor {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = defaultIdleTimeout
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = defaultStopTimeout
	}
	if cfg.Dial == nil {
		cfg.Dial = DialCLI
	}
	return &Actor{
		cfg:       cfg,
		queue:     make(chan *workItem, queueCapacity),
		exited:    make(chan struct{}),
		sessionID: cfg.SessionID,
	}
}

// Directory returns the working directory this actor was started in.
func (a *Actor) Directory() string { return a.cfg.Directory }

// UserID returns the owning user.
func (a *Actor) UserID() int64 { return a.cfg.UserID }

// Model returns the model this actor was started with.
func (a *Actor) Model() string { return a.cfg.Model }

// Betas returns the beta flags this actor was started with.
func (a *Actor) Betas() []string { return a.cfg.Betas }

// Running reports whether the worker is alive.
func (a *Actor) Running() bool { return a.running.Load() }

// Querying reports whether a query is in flight.
func (a *Actor) Querying() bool { return a.querying.Load() }

// SessionID returns the current agent session id.
func (a *Actor) SessionID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sessionID
}

// SetSessionID overwrites the tracked session id.
func (a *Actor) SetSessionID(id string) {
	a.mu.Lock()
	a.sessionID = id
	a.mu.Unlock()
}

// Touch records activity for idle accounting by the manager.
func (a *Actor) Touch() {
	a.mu.Lock()
	a.lastUsed = time.Now()
	a.mu.Unlock()
}

// Start launches the worker and returns once the agent connection is
// established. A failed connect is returned synchronously and the
// actor is left not-running.
func (a *Actor) Start(opts Options) error {
	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel

	conn := a.cfg.Dial(opts)
	a.mu.Lock()
	a.conn = conn
	a.mu.Unlock()

	connected := make(chan error, 1)
	go a.run(ctx, conn, connected)

	if err := <-connected; err != nil {
		cancel()
		return fmt.Errorf("start agent for user %d: %w", a.cfg.UserID, err)
	}
	a.Touch()
	return nil
}

// run is the worker goroutine: the only place agent calls happen.
func (a *Actor) run(ctx context.Context, conn Conn, connected chan<- error) {
	if err := conn.Connect(ctx); err != nil {
		connected <- err
		close(a.exited)
		if a.cfg.OnExit != nil {
			a.cfg.OnExit(a.cfg.UserID)
		}
		return
	}
	a.running.Store(true)

	a.mu.Lock()
	a.commands = conn.Commands()
	if sid := conn.SessionID(); sid != "" {
		a.sessionID = sid
	}
	a.mu.Unlock()
	connected <- nil

	defer func() {
		a.running.Store(false)
		a.mu.Lock()
		a.commands = nil
		a.mu.Unlock()
		if err := conn.Disconnect(); err != nil {
			slog.Debug("disconnect failed", "user_id", a.cfg.UserID, "error", err)
		}
		close(a.exited)
		a.failPending()
		if a.cfg.OnExit != nil {
			a.cfg.OnExit(a.cfg.UserID)
		}
	}()

	for {
		select {
		case item := <-a.queue:
			if item == nil {
				slog.Debug("agent worker stopping", "user_id", a.cfg.UserID)
				return
			}
			if fatal := a.process(ctx, conn, item); fatal != nil {
				slog.Warn("agent connection lost", "user_id", a.cfg.UserID, "error", fatal)
				return
			}
		case <-time.After(a.cfg.IdleTimeout):
			slog.Info("agent idle timeout", "user_id", a.cfg.UserID, "idle", a.cfg.IdleTimeout)
			return
		case <-ctx.Done():
			return
		}
	}
}

// process runs one query to its terminal result event. Query errors
// land in the item's outcome; only a dead connection or a cancelled
// actor is fatal to the worker.
func (a *Actor) process(ctx context.Context, conn Conn, item *workItem) (fatal error) {
	a.querying.Store(true)
	defer a.querying.Store(false)
	a.Touch()

	start := time.Now()
	if err := conn.Query(item.query.ContentBlocks()); err != nil {
		item.done <- itemOutcome{err: err}
		return nil
	}

	turns := 0
	for {
		var raw rawEvent
		var ok bool
		select {
		case raw, ok = <-conn.Events():
			if !ok {
				// Events channel closed before the result: the
				// subprocess died.
				item.done <- itemOutcome{err: ErrExited}
				return ErrExited
			}
		case <-ctx.Done():
			// Stop gave up on a wedged agent and cancelled us.
			item.done <- itemOutcome{err: ctx.Err()}
			return ctx.Err()
		}
		ev := Classify(raw)
		switch ev.Kind {
		case KindResult:
			if ev.IsError && IsResumeError(ev.Content) {
				item.done <- itemOutcome{err: &ResumeFailed{SessionID: a.SessionID(), Err: fmt.Errorf("%s", ev.Content)}}
				return nil
			}
			if ev.IsError {
				item.done <- itemOutcome{err: fmt.Errorf("agent error: %s", ev.Content)}
				return nil
			}
			if ev.SessionID != "" {
				a.SetSessionID(ev.SessionID)
			}
			if ev.NumTurns == 0 {
				ev.NumTurns = turns
			}
			if ev.DurationMS == 0 {
				ev.DurationMS = time.Since(start).Milliseconds()
			}
			item.done <- itemOutcome{result: &QueryResult{
				ResponseText: ev.Content,
				SessionID:    ev.SessionID,
				CostUSD:      ev.CostUSD,
				NumTurns:     ev.NumTurns,
				DurationMS:   ev.DurationMS,
			}}
			return nil
		case KindText, KindThinking, KindToolResult:
			if ev.Content != "" && item.onStream != nil {
				item.onStream(ev)
			}
		case KindToolUse:
			turns++
			if item.onStream != nil {
				item.onStream(ev)
			}
		}
	}
}

// Submit enqueues a query and blocks until its result. FIFO order is
// the queue's order; a second submission waits behind the first.
func (a *Actor) Submit(ctx context.Context, q Query, onStream StreamCallback) (*QueryResult, error) {
	if !a.running.Load() {
		return nil, ErrNotRunning
	}
	item := &workItem{query: q, onStream: onStream, done: make(chan itemOutcome, 1)}

	select {
	case a.queue <- item:
	case <-a.exited:
		return nil, ErrNotRunning
	default:
		return nil, ErrBusy
	}

	select {
	case out := <-item.done:
		return out.result, out.err
	case <-a.exited:
		// The worker fails queued items on exit; prefer that outcome
		// if it raced ahead of us.
		select {
		case out := <-item.done:
			return out.result, out.err
		default:
			return nil, ErrNotRunning
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// failPending completes whatever is still queued after the worker has
// exited, so no submission is ever left hanging.
func (a *Actor) failPending() {
	for {
		select {
		case item := <-a.queue:
			if item != nil {
				item.done <- itemOutcome{err: ErrNotRunning}
			}
		default:
			return
		}
	}
}

// Stop delivers the stop sentinel and waits for the worker, cancelling
// it outright if the agent is stuck past the stop timeout.
func (a *Actor) Stop() {
	if a.cancel == nil {
		return
	}
	if a.running.Load() {
		select {
		case a.queue <- nil:
		case <-a.exited:
		case <-time.After(a.cfg.StopTimeout):
		}
	}
	select {
	case <-a.exited:
	case <-time.After(a.cfg.StopTimeout):
		slog.Warn("agent worker did not stop in time, cancelling", "user_id", a.cfg.UserID)
		if a.cancel != nil {
			a.cancel()
		}
		// Cancellation wakes the worker, but a write wedged inside the
		// connection only unblocks once the connection is torn down.
		a.mu.Lock()
		conn := a.conn
		a.mu.Unlock()
		if conn != nil {
			if err := conn.Disconnect(); err != nil {
				slog.Debug("disconnect failed", "user_id", a.cfg.UserID, "error", err)
			}
		}
		<-a.exited
	}
}

// Interrupt forwards to the agent's interrupt. No-op unless a query is
// in flight; safe from any goroutine.
func (a *Actor) Interrupt() error {
	if !a.querying.Load() {
		return nil
	}
	a.mu.Lock()
	conn := a.conn
	a.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Interrupt()
}

// AvailableCommands returns a snapshot of the cached slash commands.
func (a *Actor) AvailableCommands() []Command {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Command, len(a.commands))
	copy(out, a.commands)
	return out
}

// HasCommand reports whether the CLI advertised the named command.
func (a *Actor) HasCommand(name string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, c := range a.commands {
		if c.Name == name {
			return true
		}
	}
	return false
}
