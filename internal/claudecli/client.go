package claudecli

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Conn is the agent connection an actor drives. Connect may be called
// once; Events is closed when the subprocess exits.
type Conn interface {
	Connect(ctx context.Context) error
	Query(blocks []Block) error
	Events() <-chan rawEvent
	Interrupt() error
	Disconnect() error
	Commands() []Command
	SessionID() string
}

// Dialer builds a Conn for the given options. The default dialer
// launches the claude CLI; tests substitute a fake.
type Dialer func(opts Options) Conn

// DialCLI is the production Dialer.
func DialCLI(opts Options) Conn {
	return newClient(opts)
}

// client is a Conn backed by one long-running claude CLI subprocess
// speaking NDJSON on stdin/stdout.
type client struct {
	opts Options

	mu       sync.Mutex
	stdinMu  sync.Mutex
	cmd      *exec.Cmd
	stdin    io.WriteCloser
	cancel   context.CancelFunc
	events   chan rawEvent
	commands []Command
	session  string
	started  bool
}

func newClient(opts Options) *client {
	return &client{
		opts:   opts,
		events: make(chan rawEvent, 256),
	}
}

// Connect launches the subprocess and waits for the system init event,
// which carries the session id and the slash-command inventory.
func (c *client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return fmt.Errorf("connect: already connected")
	}
	c.started = true
	c.mu.Unlock()

	procCtx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(procCtx, c.opts.Binary, c.opts.args()...)
	cmd.Dir = c.opts.Cwd
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return fmt.Errorf("start %s: %w", c.opts.Binary, err)
	}

	c.mu.Lock()
	c.cmd = cmd
	c.stdin = stdin
	c.cancel = cancel
	c.mu.Unlock()

	initCh := make(chan rawEvent, 1)
	go c.readLoop(stdout, cmd, initCh)

	timeout := c.opts.ConnectTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	select {
	case ev, ok := <-initCh:
		if !ok {
			c.Disconnect()
			if c.opts.SessionID != "" {
				return &ResumeFailed{SessionID: c.opts.SessionID, Err: ErrExited}
			}
			return fmt.Errorf("connect: %w", ErrExited)
		}
		c.mu.Lock()
		c.session = ev.SessionID
		c.commands = parseCommands(ev.SlashCommands)
		c.mu.Unlock()
		return nil
	case <-time.After(timeout):
		c.Disconnect()
		return fmt.Errorf("connect: no init event within %s", timeout)
	case <-ctx.Done():
		c.Disconnect()
		return ctx.Err()
	}
}

// readLoop parses NDJSON lines until the subprocess exits. The init
// event is routed to initCh; control requests are answered in place;
// everything else goes to the events channel.
func (c *client) readLoop(stdout io.Reader, cmd *exec.Cmd, initCh chan rawEvent) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)

	initSeen := false
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var ev rawEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			slog.Warn("unparseable agent output line", "error", err)
			continue
		}

		if ev.SessionID != "" && !ev.IsError {
			c.mu.Lock()
			c.session = ev.SessionID
			c.mu.Unlock()
		}

		switch ev.Type {
		case "system":
			if ev.Subtype == "init" && !initSeen {
				initSeen = true
				initCh <- ev
				close(initCh)
			}
			continue
		case "control_request":
			c.answerControlRequest(ev)
			continue
		case "control_response":
			continue
		}

		c.events <- ev
	}

	cmd.Wait()
	if !initSeen {
		close(initCh)
	}
	close(c.events)
}

// answerControlRequest handles a permission prompt from the CLI.
// Without a gate everything is denied: prompts only appear when the
// options asked for stdio prompting, and that implies a gate.
func (c *client) answerControlRequest(ev rawEvent) {
	var req struct {
		Subtype  string                 `json:"subtype"`
		ToolName string                 `json:"tool_name"`
		Input    map[string]interface{} `json:"input"`
	}
	if err := json.Unmarshal(ev.Request, &req); err != nil {
		slog.Warn("unparseable control request", "error", err)
		return
	}
	if req.Subtype != "can_use_tool" {
		return
	}

	var denial string
	if c.opts.CanUseTool == nil {
		denial = "no permission handler configured"
	} else if err := c.opts.CanUseTool(req.ToolName, req.Input); err != nil {
		denial = err.Error()
	}

	resp := map[string]interface{}{
		"behavior": "allow",
	}
	if denial != "" {
		resp = map[string]interface{}{
			"behavior": "deny",
			"message":  denial,
		}
		slog.Info("denied tool use", "tool", req.ToolName, "reason", denial)
	}
	payload := map[string]interface{}{
		"type": "control_response",
		"response": map[string]interface{}{
			"subtype":    "success",
			"request_id": ev.RequestID,
			"response":   resp,
		},
	}
	if err := c.writeJSON(payload); err != nil {
		slog.Warn("failed to answer permission prompt", "error", err)
	}
}

// Query writes one structured user message to the CLI stdin. The same
// path serves text-only and multimodal prompts.
func (c *client) Query(blocks []Block) error {
	c.mu.Lock()
	sid := c.session
	c.mu.Unlock()

	msg := stdinUserMessage{
		Type:      "user",
		SessionID: sid,
		Message: stdinMessageInner{
			Role:    "user",
			Content: blocks,
		},
	}
	if err := c.writeJSON(msg); err != nil {
		return fmt.Errorf("send query: %w", err)
	}
	return nil
}

// Events returns the stream of raw CLI messages for this connection.
func (c *client) Events() <-chan rawEvent {
	return c.events
}

// Interrupt asks the CLI to stop the in-flight turn. Safe from any
// goroutine: it only touches stdin under its own lock.
func (c *client) Interrupt() error {
	payload := map[string]interface{}{
		"type":       "control_request",
		"request_id": uuid.New().String(),
		"request":    map[string]interface{}{"subtype": "interrupt"},
	}
	if err := c.writeJSON(payload); err != nil {
		return fmt.Errorf("interrupt: %w", err)
	}
	return nil
}

// Disconnect closes stdin and kills the subprocess if it lingers.
func (c *client) Disconnect() error {
	c.mu.Lock()
	stdin := c.stdin
	cancel := c.cancel
	cmd := c.cmd
	c.stdin = nil
	c.cancel = nil
	c.cmd = nil
	c.mu.Unlock()

	if stdin != nil {
		stdin.Close()
	}
	if cmd != nil {
		done := make(chan struct{})
		go func() {
			cmd.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			if cancel != nil {
				cancel()
			}
		}
	}
	if cancel != nil {
		cancel()
	}
	return nil
}

// Commands returns the slash commands advertised at connect.
func (c *client) Commands() []Command {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Command, len(c.commands))
	copy(out, c.commands)
	return out
}

// SessionID returns the CLI session id as last reported.
func (c *client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

func (c *client) writeJSON(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	c.stdinMu.Lock()
	defer c.stdinMu.Unlock()

	c.mu.Lock()
	stdin := c.stdin
	c.mu.Unlock()
	if stdin == nil {
		return ErrNotRunning
	}
	_, err = stdin.Write(append(data, '\n'))
	return err
}

// parseCommands converts the init event's slash-command names.
// The wire form is bare names; descriptions come only from richer
// entries like "name: description" when the CLI emits them.
func parseCommands(names []string) []Command {
	cmds := make([]Command, 0, len(names))
	for _, name := range names {
		cmd := Command{Name: strings.TrimPrefix(name, "/")}
		if i := strings.Index(cmd.Name, ":"); i > 0 {
			cmd.Description = strings.TrimSpace(cmd.Name[i+1:])
			cmd.Name = strings.TrimSpace(cmd.Name[:i])
		}
		cmds = append(cmds, cmd)
	}
	return cmds
}

// IsResumeError reports whether an error message from the CLI looks
// like a stale-session resume failure.
func IsResumeError(msg string) bool {
	return strings.Contains(msg, "No conversation found with session ID") ||
		strings.Contains(msg, "session not found")
}
