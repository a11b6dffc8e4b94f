package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"
	"go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/clawbridge/internal/claudecli"
	"github.com/nextlevelbuilder/clawbridge/internal/history"
	"github.com/nextlevelbuilder/clawbridge/internal/telemetry"
)

const interChunkDelay = 500 * time.Millisecond

// handleCommand dispatches one registered bot command.
func (c *Channel) handleCommand(ctx context.Context, msg *telego.Message, name string) {
	chatID := msg.Chat.ID
	userID := msg.From.ID
	st := c.state(userID)
	c.restoreState(ctx, userID, st)

	switch name {
	case "start":
		c.cmdStart(ctx, msg, st)
	case "new":
		c.cmdNew(ctx, chatID, userID, st)
	case "interrupt":
		c.cmdInterrupt(ctx, chatID, userID)
	case "status":
		c.cmdStatus(ctx, chatID, userID, st)
	case "compact":
		c.cmdCompact(ctx, chatID, userID, st)
	case "model":
		c.cmdModel(ctx, chatID)
	case "repo":
		c.cmdRepo(ctx, msg, st)
	case "sessions":
		c.cmdSessions(ctx, chatID, st)
	case "commands":
		c.cmdCommands(ctx, chatID, userID)
	case "sync":
		if err := c.syncMenuCommands(ctx); err != nil {
			c.reply(ctx, chatID, "Failed to sync command menu: "+err.Error())
			return
		}
		c.reply(ctx, chatID, "Command menu synced.")
	}
}

// restoreState populates per-user state from the users table on the
// first contact after a restart. The stored directory is used only if
// it still exists inside an approved root.
func (c *Channel) restoreState(ctx context.Context, userID int64, st *userState) {
	if !st.restored {
		st.restored = true
		if dir, err := c.db.Users.GetDirectory(ctx, userID); err != nil {
			slog.Warn("user state restore failed", "user_id", userID, "error", err)
		} else if dir != "" && c.isApprovedDir(dir) {
			if info, statErr := os.Stat(dir); statErr == nil && info.IsDir() {
				st.currentDirectory = dir
			}
		}
	}
	if st.currentDirectory == "" && len(c.claude.ApprovedDirectories) > 0 {
		st.currentDirectory = c.claude.ApprovedDirectories[0]
	}
}

func (c *Channel) isApprovedDir(dir string) bool {
	clean := filepath.Clean(dir)
	for _, root := range c.claude.ApprovedDirectories {
		if withinRoot(clean, root) {
			return true
		}
	}
	return false
}

func (c *Channel) cmdStart(ctx context.Context, msg *telego.Message, st *userState) {
	name := EscapeHTML(msg.From.FirstName)
	c.replyHTML(ctx, msg.Chat.ID, fmt.Sprintf(
		"Hi %s! I'm your AI coding assistant.\n"+
			"Just tell me what you need, I can read, write, and run code.\n\n"+
			"Working in: <code>%s/</code>\n\n"+
			"<b>Commands:</b>\n"+
			"/new - Start fresh session\n"+
			"/interrupt - Interrupt running query\n"+
			"/status - Current session info\n"+
			"/model - Switch agent model\n"+
			"/sessions - Pick a session to resume\n"+
			"/commands - Browse available skills\n"+
			"/compact - Compress context\n"+
			"/repo - Switch workspace",
		name, EscapeHTML(st.currentDirectory)))
}

// cmdNew clears the persisted session and eagerly connects a fresh one
// so skills are available immediately.
func (c *Channel) cmdNew(ctx context.Context, chatID, userID int64, st *userState) {
	st.forceNew = true
	c.manager.Disconnect(userID)
	if err := c.db.Sessions.Delete(ctx, userID); err != nil {
		slog.Warn("session clear failed", "user_id", userID, "error", err)
	}

	_, err := c.manager.GetOrConnect(ctx, claudecli.ConnectParams{
		UserID:    userID,
		Directory: st.currentDirectory,
		ForceNew:  true,
	})
	if err != nil {
		slog.Debug("eager connect for new session failed", "user_id", userID, "error", err)
		c.reply(ctx, chatID, "Session reset. Will connect on your next message.")
		return
	}
	st.forceNew = false
	c.replyHTML(ctx, chatID, fmt.Sprintf("New session in <code>%s/</code>. Ready.",
		EscapeHTML(filepath.Base(st.currentDirectory))))
}

func (c *Channel) cmdInterrupt(ctx context.Context, chatID, userID int64) {
	actor := c.manager.Get(userID)
	if actor != nil && actor.Querying() {
		if err := c.manager.Interrupt(userID); err != nil {
			c.reply(ctx, chatID, "Failed to interrupt: "+err.Error())
			return
		}
		c.reply(ctx, chatID, "Interrupting current query...")
		return
	}
	c.reply(ctx, chatID, "No active query to interrupt.")
}

func (c *Channel) cmdStatus(ctx context.Context, chatID, userID int64, st *userState) {
	var b strings.Builder

	// Which workspace root contains the current directory.
	roots := c.claude.ApprovedDirectories
	if len(roots) > 1 {
		for _, root := range roots {
			if withinRoot(filepath.Clean(st.currentDirectory), root) {
				fmt.Fprintf(&b, "<b>Workspace:</b> %s\n", EscapeHTML(filepath.Base(root)))
				break
			}
		}
	}
	fmt.Fprintf(&b, "<b>Directory:</b> <code>%s</code>\n", EscapeHTML(st.currentDirectory))

	sessionID := ""
	actor := c.manager.Get(userID)
	if actor != nil {
		sessionID = actor.SessionID()
	}
	if sessionID == "" {
		if rec, err := c.db.Sessions.GetByUser(ctx, userID); err == nil && rec != nil {
			sessionID = rec.SessionID
		}
	}

	entries, _ := c.resolver.ListSessions(st.currentDirectory, 0)
	if sessionID != "" {
		display := ""
		if entry := history.FindSessionByID(entries, sessionID); entry != nil {
			display = entry.Display
		}
		if display != "" {
			fmt.Fprintf(&b, "<b>Session:</b> %s\n", EscapeHTML(truncate(display, 50)))
		} else {
			fmt.Fprintf(&b, "<b>Session:</b> %s...\n", truncate(sessionID, 12))
		}
		if len(entries) > 1 {
			fmt.Fprintf(&b, "(%d sessions available)\n", len(entries))
		}
	} else {
		b.WriteString("<b>Session:</b> none (send a message to start)\n")
	}

	if actor != nil {
		model := actor.Model()
		if model == "" {
			model = "default"
		}
		state := "connected"
		if actor.Querying() {
			state = "querying"
		} else if !actor.Running() {
			state = "disconnected"
		}
		fmt.Fprintf(&b, "<b>Model:</b> %s\n<b>State:</b> %s\n", EscapeHTML(model), state)
	}

	c.replyHTML(ctx, chatID, b.String())
}

// cmdCompact compresses the conversation: the current session writes a
// summary, then a fresh session is seeded with it. The old session is
// left intact on disk so it stays resumable.
func (c *Channel) cmdCompact(ctx context.Context, chatID, userID int64, st *userState) {
	sessionID := ""
	if actor := c.manager.Get(userID); actor != nil {
		sessionID = actor.SessionID()
	}
	if sessionID == "" {
		if rec, err := c.db.Sessions.GetByUser(ctx, userID); err == nil && rec != nil {
			sessionID = rec.SessionID
		}
	}
	if sessionID == "" {
		c.reply(ctx, chatID, "No active session to compact. Start a conversation first.")
		return
	}

	slog.Info("compacting session context", "user_id", userID, "session_id", sessionID)
	stopTyping := c.startTypingHeartbeat(ctx, chatID)
	defer stopTyping()
	progress, _ := c.bot.SendMessage(ctx, tu.Message(tu.ID(chatID), "Compacting context..."))

	summary, err := c.runQuery(ctx, userID, st.currentDirectory, false, claudecli.Query{
		Text: "Summarize our conversation so far concisely. Include: " +
			"key decisions, current state of work, pending tasks, " +
			"and important context. Format as bullet points.",
	}, nil)
	if err == nil {
		_, err = c.runQuery(ctx, userID, st.currentDirectory, true, claudecli.Query{
			Text: "This is a compacted session. Here is the context from our " +
				"previous conversation:\n\n" + strings.TrimSpace(summary.ResponseText) + "\n\n" +
				"Please acknowledge briefly. We're continuing our work.",
		}, nil)
	}

	if progress != nil {
		c.editText(ctx, chatID, progress.MessageID, resultLine(err))
	} else {
		c.reply(ctx, chatID, resultLine(err))
	}
	if err != nil {
		slog.Error("failed to compact session", "user_id", userID, "session_id", sessionID, "error", err)
	}
}

func resultLine(err error) string {
	if err != nil {
		return "Failed to compact context: " + truncate(err.Error(), 200)
	}
	return "Context compacted. Session continues with summary."
}

func (c *Channel) editText(ctx context.Context, chatID int64, messageID int, text string) {
	_, err := c.bot.EditMessageText(ctx, &telego.EditMessageTextParams{
		ChatID:    tu.ID(chatID),
		MessageID: messageID,
		Text:      text,
	})
	if err != nil {
		slog.Debug("edit failed", "error", err)
	}
}

func (c *Channel) cmdModel(ctx context.Context, chatID int64) {
	keyboard := tu.InlineKeyboard(
		tu.InlineKeyboardRow(
			tu.InlineKeyboardButton("Sonnet").WithCallbackData("model:sonnet"),
			tu.InlineKeyboardButton("Opus").WithCallbackData("model:opus"),
			tu.InlineKeyboardButton("Haiku").WithCallbackData("model:haiku"),
		),
		tu.InlineKeyboardRow(
			tu.InlineKeyboardButton("Sonnet 1M").WithCallbackData("model:sonnet:1m"),
			tu.InlineKeyboardButton("Opus 1M").WithCallbackData("model:opus:1m"),
		),
	)
	msg := tu.Message(tu.ID(chatID), "Select a model:").WithReplyMarkup(keyboard)
	if _, err := c.bot.SendMessage(ctx, msg); err != nil {
		slog.Warn("telegram send failed", "error", err)
	}
}

// cmdRepo is the navigable workspace browser. With an argument it
// resolves a multi-level path directly; without, it shows the browser
// at the user's last browse location.
func (c *Channel) cmdRepo(ctx context.Context, msg *telego.Message, st *userState) {
	chatID := msg.Chat.ID
	roots := c.claude.ApprovedDirectories
	if len(roots) == 0 {
		c.reply(ctx, chatID, "No approved directories configured.")
		return
	}

	if st.browseRoot == "" || !containsString(roots, st.browseRoot) {
		st.browseRoot = roots[0]
		st.browseRel = ""
	}

	if args := commandArgs(msg.Text); args != "" {
		target := resolveBrowsePath(args, roots)
		if target == "" {
			c.replyHTML(ctx, chatID, fmt.Sprintf("Directory not found: <code>%s</code>", EscapeHTML(args)))
			return
		}
		root := ""
		for _, r := range roots {
			if withinRoot(target, r) {
				root = r
				break
			}
		}
		if root == "" {
			c.replyHTML(ctx, chatID, fmt.Sprintf("Directory not found: <code>%s</code>", EscapeHTML(args)))
			return
		}
		if isBranchDir(target) {
			st.browseRoot = root
			st.browseRel = relOrEmpty(root, target)
			c.sendRepoBrowser(ctx, chatID, 0, target, root)
		} else {
			c.selectDirectory(ctx, chatID, 0, msg.From.ID, target, st)
		}
		return
	}

	browseDir := st.browseRoot
	if st.browseRel != "" {
		browseDir = filepath.Join(st.browseRoot, st.browseRel)
	}
	if info, err := os.Stat(browseDir); err != nil || !info.IsDir() {
		browseDir = st.browseRoot
		st.browseRel = ""
	}
	c.sendRepoBrowser(ctx, chatID, 0, browseDir, st.browseRoot)
}

func relOrEmpty(root, target string) string {
	if target == root {
		return ""
	}
	rel, err := filepath.Rel(root, target)
	if err != nil || rel == "." {
		return ""
	}
	return rel
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// sendRepoBrowser renders the browser. messageID > 0 edits in place
// (callback navigation), otherwise a new message is sent.
func (c *Channel) sendRepoBrowser(ctx context.Context, chatID int64, messageID int, browseDir, workspaceRoot string) {
	lines := []string{buildBrowseHeader(browseDir, workspaceRoot), ""}
	children := listVisibleChildren(browseDir)
	for _, child := range children {
		icon := "📁"
		if info, err := os.Stat(filepath.Join(child, ".git")); err == nil && info.IsDir() {
			icon = "📦"
		}
		marker := ""
		if isBranchDir(child) {
			marker = " ▶"
		}
		lines = append(lines, fmt.Sprintf("%s <code>%s/</code>%s", icon, EscapeHTML(filepath.Base(child)), marker))
	}
	if len(children) == 0 {
		lines = append(lines, "<i>No subdirectories</i>")
	}

	markup := buildBrowserKeyboard(browseDir, workspaceRoot, len(c.claude.ApprovedDirectories) > 1)
	text := strings.Join(lines, "\n")
	if messageID > 0 {
		c.editHTML(ctx, chatID, messageID, text, markup)
		return
	}
	msg := tu.Message(tu.ID(chatID), text).WithParseMode(telego.ModeHTML).WithReplyMarkup(markup)
	if _, err := c.bot.SendMessage(ctx, msg); err != nil {
		slog.Warn("telegram send failed", "error", err)
	}
}

// selectDirectory switches the working directory, persists it, and
// clears the session so the user resumes or starts one explicitly.
func (c *Channel) selectDirectory(ctx context.Context, chatID int64, messageID int, userID int64, target string, st *userState) {
	st.currentDirectory = target
	st.forceNew = false
	if err := c.db.Users.SetDirectory(ctx, userID, target); err != nil {
		slog.Warn("directory persist failed", "user_id", userID, "error", err)
	}
	if err := c.db.Sessions.Delete(ctx, userID); err != nil {
		slog.Warn("session clear failed", "user_id", userID, "error", err)
	}
	c.manager.Disconnect(userID)

	badge := ""
	if info, err := os.Stat(filepath.Join(target, ".git")); err == nil && info.IsDir() {
		badge = " (git)"
	}
	text := fmt.Sprintf("Switched to <code>%s/</code>%s", EscapeHTML(filepath.Base(target)), badge)
	if messageID > 0 {
		c.editHTML(ctx, chatID, messageID, text, nil)
		return
	}
	c.replyHTML(ctx, chatID, text)
}

// cmdSessions shows the resume picker for the current directory:
// newest sessions first, labelled with their age and first message.
func (c *Channel) cmdSessions(ctx context.Context, chatID int64, st *userState) {
	if warning := c.resolver.CheckFormatHealth(); warning != "" {
		c.reply(ctx, chatID, "⚠️ "+warning)
	}

	entries, err := c.resolver.ListSessions(st.currentDirectory, 10)
	if err != nil {
		slog.Warn("session listing failed", "directory", st.currentDirectory, "error", err)
	}

	var rows [][]telego.InlineKeyboardButton
	for _, entry := range entries {
		display := entry.Display
		if msgs, terr := c.resolver.ReadTranscript(entry.SessionID, entry.Project, 1, true); terr == nil && len(msgs) > 0 {
			display = msgs[0].Text
		}
		if display == "" {
			display = truncate(entry.SessionID, 12)
		}
		label := RelativeTime(entry.Time()) + " - " + truncate(display, 45)
		rows = append(rows, tu.InlineKeyboardRow(
			tu.InlineKeyboardButton(label).WithCallbackData("session:"+entry.SessionID)))
	}
	rows = append(rows, tu.InlineKeyboardRow(
		tu.InlineKeyboardButton("+ New Session").WithCallbackData("session:new")))

	dirName := filepath.Base(st.currentDirectory)
	text := fmt.Sprintf("<b>Sessions in <code>%s/</code></b>\n\nSelect a session to resume or start a new one:", EscapeHTML(dirName))
	if len(entries) == 0 {
		text = fmt.Sprintf("<b>No sessions found in <code>%s/</code></b>\n\nStart a new session:", EscapeHTML(dirName))
	}

	msg := tu.Message(tu.ID(chatID), text).
		WithParseMode(telego.ModeHTML).
		WithReplyMarkup(tu.InlineKeyboard(rows...))
	if _, err := c.bot.SendMessage(ctx, msg); err != nil {
		slog.Warn("telegram send failed", "error", err)
	}
}

// cmdCommands lists the skills the connected agent advertises, with
// one-tap buttons. Skills that take arguments prefill the input box
// instead of firing immediately.
func (c *Channel) cmdCommands(ctx context.Context, chatID, userID int64) {
	commands := c.manager.GetAvailableCommands(userID)
	if len(commands) == 0 {
		c.replyHTML(ctx, chatID,
			"📝 <b>No Skills Available</b>\n\n"+
				"Start a session first (send any message), "+
				"then use /commands to see available skills.")
		return
	}

	var rows [][]telego.InlineKeyboardButton
	for _, cmd := range commands {
		if len(rows) >= 100 {
			break
		}
		var button telego.InlineKeyboardButton
		if cmd.ArgumentHint != "" {
			button = tu.InlineKeyboardButton(cmd.Name + " ...").
				WithSwitchInlineQueryCurrentChat("/" + cmd.Name + " ")
		} else {
			button = tu.InlineKeyboardButton(cmd.Name).WithCallbackData("skill:" + cmd.Name)
		}
		rows = append(rows, tu.InlineKeyboardRow(button))
	}

	lines := []string{"<b>Available Skills</b>\n"}
	for _, cmd := range commands {
		line := fmt.Sprintf("  • <code>%s</code>", EscapeHTML(cmd.Name))
		if cmd.Description != "" {
			line += " — " + EscapeHTML(truncate(cmd.Description, 80))
		}
		lines = append(lines, line)
	}
	text := strings.Join(lines, "\n")
	if len(text) > 4000 {
		text = truncate(text, 3950) + "\n\n<i>... truncated</i>"
	}

	msg := tu.Message(tu.ID(chatID), text).
		WithParseMode(telego.ModeHTML).
		WithReplyMarkup(tu.InlineKeyboard(rows...))
	if _, err := c.bot.SendMessage(ctx, msg); err != nil {
		slog.Warn("telegram send failed", "error", err)
	}
}

// handleText is the direct agent passthrough. Unregistered slash
// commands are skill invocations: verified against the connected
// agent's advertised commands and then passed verbatim.
func (c *Channel) handleText(ctx context.Context, msg *telego.Message) {
	userID := msg.From.ID
	text := strings.TrimSpace(msg.Text)

	if strings.HasPrefix(text, "/") {
		skill := commandName(text)
		if actor := c.manager.Get(userID); actor != nil && actor.Running() {
			if actor.HasCommand(skill) {
				slog.Info("skill passthrough", "skill", skill, "user_id", userID)
			} else {
				c.replyHTML(ctx, msg.Chat.ID, fmt.Sprintf(
					"❌ Skill <code>%s</code> not found. Use /commands to see available skills.",
					EscapeHTML(skill)))
				return
			}
		}
		// No active agent: fall through, connect, and let the CLI
		// resolve the command itself.
	}

	c.executeQuery(ctx, msg.Chat.ID, userID, claudecli.Query{Text: text})
}

// handleAttachmentGroup processes one message or one settled album
// into a single multimodal query. Rejected items are reported one by
// one; the supported rest still runs, as does a bare caption.
func (c *Channel) handleAttachmentGroup(ctx context.Context, messages []*telego.Message) {
	if len(messages) == 0 {
		return
	}
	first := messages[0]
	chatID := first.Chat.ID
	userID := first.From.ID

	attachments, caption, notices := c.classifyGroup(ctx, userID, messages)
	for _, notice := range notices {
		c.reply(ctx, chatID, notice)
	}
	q, ok := groupQuery(caption, attachments)
	if !ok {
		if len(notices) == 0 {
			c.reply(ctx, chatID, "No supported attachments found.")
		}
		return
	}
	c.executeQuery(ctx, chatID, userID, q)
}

// classifyGroup runs every album item through the processor, keeping
// the survivors and collecting one notice per rejected item.
func (c *Channel) classifyGroup(ctx context.Context, userID int64, messages []*telego.Message) (attachments []claudecli.Attachment, caption string, notices []string) {
	for _, msg := range messages {
		if caption == "" {
			caption = msg.Caption
		}
		att, err := c.processor.Process(ctx, msg)
		if err != nil {
			var unsupported *UnsupportedAttachmentError
			if errors.As(err, &unsupported) {
				notices = append(notices, unsupported.Error())
			} else {
				slog.Warn("attachment processing failed", "user_id", userID, "error", err)
				notices = append(notices, "Failed to process attachment: "+truncate(err.Error(), 150))
			}
			continue
		}
		attachments = append(attachments, att)
	}
	return attachments, caption, notices
}

// groupQuery assembles the query for a classified album. It runs when
// any attachment or caption text survived classification.
func groupQuery(caption string, attachments []claudecli.Attachment) (claudecli.Query, bool) {
	if len(attachments) == 0 && strings.TrimSpace(caption) == "" {
		return claudecli.Query{}, false
	}
	if caption == "" {
		caption = "Analyze this."
	}
	return claudecli.Query{Text: caption, Attachments: attachments}, true
}

// RunPrompt implements the webhook trigger path: the prompt runs as if
// the user had typed it, with replies landing in their private chat.
func (c *Channel) RunPrompt(ctx context.Context, userID int64, prompt string) error {
	if !c.executeQuery(ctx, userID, userID, claudecli.Query{Text: prompt}) {
		return fmt.Errorf("prompt execution failed for user %d", userID)
	}
	return nil
}

func (c *Channel) publish(name string, payload map[string]any) {
	if c.events != nil {
		c.events.Publish(name, payload)
	}
}

// executeQuery is the shared query path: state restore, progress
// renderer, typing heartbeat, agent call with stale-resume retry,
// history append, and chunked HTML delivery.
func (c *Channel) executeQuery(ctx context.Context, chatID, userID int64, q claudecli.Query) bool {
	st := c.state(userID)
	c.restoreState(ctx, userID, st)
	c.publish("query.started", map[string]any{"user_id": userID})

	prevSessionID := ""
	if rec, err := c.db.Sessions.GetByUser(ctx, userID); err == nil && rec != nil {
		prevSessionID = rec.SessionID
	}

	stopTyping := c.startTypingHeartbeat(ctx, chatID)
	defer stopTyping()

	var onStream claudecli.StreamCallback
	progress, perr := NewProgress(ctx, c, chatID, c.renderer.EditInterval(), c.renderer.MaxMessageLength)
	if perr != nil {
		slog.Warn("progress message failed, continuing without", "error", perr)
	} else {
		onStream = func(ev claudecli.StreamEvent) { progress.OnEvent(ctx, ev) }
	}

	result, err := c.runQuery(ctx, userID, st.currentDirectory, st.forceNew, q, onStream)
	if progress != nil {
		progress.Finalize(ctx)
	}
	if err != nil {
		slog.Error("agent query failed", "user_id", userID, "error", err)
		c.publish("query.failed", map[string]any{"user_id": userID, "error": err.Error()})
		c.replyHTML(ctx, chatID, formatError(err))
		return false
	}
	st.forceNew = false
	c.publish("query.completed", map[string]any{
		"user_id":     userID,
		"session_id":  result.SessionID,
		"cost_usd":    result.CostUSD,
		"num_turns":   result.NumTurns,
		"duration_ms": result.DurationMS,
	})

	// Record fresh sessions in the CLI's own history so its /resume
	// picker can discover conversations started from chat.
	if result.SessionID != "" && result.SessionID != prevSessionID {
		display := truncate(q.Text, 80)
		if aerr := c.resolver.AppendEntry(display, st.currentDirectory, result.SessionID); aerr != nil {
			slog.Warn("history append failed", "error", aerr)
		}
	}

	chunks := FormatResponse(result.ResponseText, c.renderer.MaxMessageLength)
	for i, chunk := range chunks {
		if strings.TrimSpace(chunk) == "" {
			continue
		}
		c.replyHTML(ctx, chatID, chunk)
		if i < len(chunks)-1 {
			time.Sleep(interChunkDelay)
		}
	}
	return true
}

// runQuery connects (or reuses) the user's agent and submits the
// query. A stale resume target gets exactly one forced-fresh retry.
func (c *Channel) runQuery(ctx context.Context, userID int64, dir string, forceNew bool, q claudecli.Query, onStream claudecli.StreamCallback) (result *claudecli.QueryResult, err error) {
	if c.tracer != nil {
		var span trace.Span
		ctx, span = c.tracer.StartQuerySpan(ctx, userID)
		defer func() {
			sessionID, cost, turns := "", 0.0, 0
			if result != nil {
				sessionID, cost, turns = result.SessionID, result.CostUSD, result.NumTurns
			}
			telemetry.EndQuerySpan(span, sessionID, cost, turns, err)
		}()
	}

	params := claudecli.ConnectParams{UserID: userID, Directory: dir, ForceNew: forceNew}

	actor, err := c.manager.GetOrConnect(ctx, params)
	if err != nil && claudecli.IsResumeFailure(err) {
		slog.Info("stale session, reconnecting fresh", "user_id", userID)
		params.ForceNew = true
		actor, err = c.manager.GetOrConnect(ctx, params)
	}
	if err != nil {
		return nil, err
	}

	result, err = actor.Submit(ctx, q, onStream)
	if err != nil && claudecli.IsResumeFailure(err) {
		slog.Info("stale session at query time, retrying fresh", "user_id", userID)
		params.ForceNew = true
		c.manager.Disconnect(userID)
		actor, err = c.manager.GetOrConnect(ctx, params)
		if err != nil {
			return nil, err
		}
		result, err = actor.Submit(ctx, q, onStream)
	}
	if err != nil {
		return nil, err
	}

	if result.SessionID != "" {
		c.manager.UpdateSessionID(ctx, userID, result.SessionID)
	}
	return result, nil
}

func formatError(err error) string {
	return "❌ Error: " + EscapeHTML(truncate(err.Error(), 300))
}
