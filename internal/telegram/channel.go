package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/nextlevelbuilder/clawbridge/internal/claudecli"
	"github.com/nextlevelbuilder/clawbridge/internal/config"
	"github.com/nextlevelbuilder/clawbridge/internal/history"
	"github.com/nextlevelbuilder/clawbridge/internal/store"
	"github.com/nextlevelbuilder/clawbridge/internal/telemetry"
)

// typingHeartbeatInterval keeps the "typing" chat action alive during
// long queries. Telegram expires the action after about five seconds.
const typingHeartbeatInterval = 4 * time.Second

// Channel connects to Telegram via the Bot API using long polling and
// routes updates to the bridge's command and query handlers.
type Channel struct {
	bot      *telego.Bot
	cfg      config.TelegramConfig
	claude   config.ClaudeConfig
	renderer config.RendererConfig
	manager  *claudecli.Manager
	db       *store.DB
	resolver *history.Resolver

	processor attachmentClassifier
	collector *MediaGroupCollector
	events    EventSink
	tracer    *telemetry.Provider

	mu     sync.Mutex
	states map[int64]*userState

	pollCancel context.CancelFunc
	pollDone   chan struct{}
}

// EventSink receives query lifecycle notifications; the webhook
// server's hub implements it.
type EventSink interface {
	Publish(name string, payload map[string]any)
}

// attachmentClassifier is the slice of the attachment processor the
// group handler needs; tests substitute a fake.
type attachmentClassifier interface {
	Process(ctx context.Context, msg *telego.Message) (claudecli.Attachment, error)
}

// SetEventSink installs the lifecycle event sink.
func (c *Channel) SetEventSink(sink EventSink) { c.events = sink }

// SetTelemetry installs the tracing provider; queries then carry a
// span each.
func (c *Channel) SetTelemetry(p *telemetry.Provider) { c.tracer = p }

// userState is the per-user conversational state the bridge keeps in
// memory. Session ids live in the store and the active actor; this
// only tracks what has no other home.
type userState struct {
	currentDirectory string
	forceNew         bool
	browseRoot       string
	browseRel        string
	restored         bool
}

// New creates the Telegram channel from config and its collaborators.
func New(cfg *config.Config, manager *claudecli.Manager, db *store.DB, resolver *history.Resolver) (*Channel, error) {
	bot, err := telego.NewBot(cfg.Telegram.Token)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}

	c := &Channel{
		bot:      bot,
		cfg:      cfg.Telegram,
		claude:   cfg.Claude,
		renderer: cfg.Renderer,
		manager:  manager,
		db:       db,
		resolver: resolver,
		states:   make(map[int64]*userState),
	}
	c.processor = NewAttachmentProcessor(bot, cfg.Telegram.Token)
	return c, nil
}

// Start begins long polling and blocks until ctx is cancelled or the
// updates channel closes.
func (c *Channel) Start(ctx context.Context) error {
	slog.Info("starting telegram bot (polling mode)")

	pollCtx, cancel := context.WithCancel(ctx)
	c.pollCancel = cancel
	c.pollDone = make(chan struct{})

	c.collector = NewMediaGroupCollector(c.renderer.MediaGroupTimeout(), func(messages []*telego.Message) {
		c.handleAttachmentGroup(pollCtx, messages)
	})

	updates, err := c.bot.UpdatesViaLongPolling(pollCtx, &telego.GetUpdatesParams{
		Timeout:        30,
		AllowedUpdates: []string{"message", "callback_query"},
	})
	if err != nil {
		cancel()
		return fmt.Errorf("start long polling: %w", err)
	}

	slog.Info("telegram bot connected", "username", c.bot.Username())

	// Register the command menu with retry; transient API failures at
	// startup are common.
	go func() {
		for attempt := 1; attempt <= 3; attempt++ {
			if err := c.syncMenuCommands(pollCtx); err != nil {
				slog.Warn("failed to sync telegram menu commands", "error", err, "attempt", attempt)
				select {
				case <-pollCtx.Done():
					return
				case <-time.After(time.Duration(attempt*5) * time.Second):
				}
				continue
			}
			slog.Info("telegram menu commands synced")
			return
		}
	}()

	var handlers updateDispatcher
	defer close(c.pollDone)
	defer handlers.Wait()
	for {
		select {
		case <-pollCtx.Done():
			return pollCtx.Err()
		case update, ok := <-updates:
			if !ok {
				slog.Info("telegram updates channel closed")
				return nil
			}
			switch {
			case update.Message != nil:
				msg := update.Message
				handlers.Go(func() { c.handleMessage(pollCtx, msg) })
			case update.CallbackQuery != nil:
				cq := update.CallbackQuery
				handlers.Go(func() { c.handleCallbackQuery(pollCtx, cq) })
			default:
				slog.Debug("telegram update skipped", "update_id", update.UpdateID)
			}
		}
	}
}

// updateDispatcher fans updates out to handler goroutines. A query
// blocks its handler until the agent's result arrives, so handlers
// must not run on the poll loop: other users keep their turn and an
// /interrupt for the running query can still land. Per-user query
// ordering is the actor queue's job, not the dispatcher's.
type updateDispatcher struct {
	wg sync.WaitGroup
}

// Go runs fn on its own goroutine.
func (d *updateDispatcher) Go(fn func()) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		fn()
	}()
}

// Wait blocks until every dispatched handler has returned.
func (d *updateDispatcher) Wait() { d.wg.Wait() }

// Stop cancels long polling and waits for the update loop to exit so
// Telegram releases the getUpdates lock before a restart.
func (c *Channel) Stop() {
	slog.Info("stopping telegram bot")
	if c.pollCancel != nil {
		c.pollCancel()
	}
	if c.pollDone != nil {
		select {
		case <-c.pollDone:
			slog.Info("telegram bot stopped")
		case <-time.After(10 * time.Second):
			slog.Warn("telegram polling loop did not exit within timeout")
		}
	}
}

// menuCommands is the command menu registered with Telegram.
func menuCommands() []telego.BotCommand {
	return []telego.BotCommand{
		{Command: "start", Description: "Start the bot"},
		{Command: "new", Description: "Start a fresh session"},
		{Command: "interrupt", Description: "Interrupt running query"},
		{Command: "status", Description: "Show session status"},
		{Command: "compact", Description: "Compress context, keep continuity"},
		{Command: "model", Description: "Switch agent model"},
		{Command: "repo", Description: "Browse and switch workspace"},
		{Command: "sessions", Description: "Choose a session to resume"},
		{Command: "commands", Description: "Browse available skills"},
		{Command: "sync", Description: "Re-sync the command menu"},
	}
}

// registeredCommands are handled by the bridge itself; anything else
// starting with "/" is considered a skill invocation for the agent.
var registeredCommands = map[string]bool{
	"start": true, "new": true, "interrupt": true, "status": true,
	"compact": true, "model": true, "repo": true, "sessions": true,
	"commands": true, "sync": true,
}

func (c *Channel) syncMenuCommands(ctx context.Context) error {
	return c.bot.SetMyCommands(ctx, &telego.SetMyCommandsParams{Commands: menuCommands()})
}

// handleMessage enforces the allowlist and dispatches one incoming
// message.
func (c *Channel) handleMessage(ctx context.Context, msg *telego.Message) {
	if msg.From == nil {
		return
	}
	userID := msg.From.ID
	if !c.cfg.Allowed(userID) {
		slog.Warn("rejected message from unlisted user", "user_id", userID)
		return
	}

	if len(msg.Photo) > 0 || msg.Document != nil {
		if c.collector.Add(msg) {
			return
		}
		c.handleAttachmentGroup(ctx, []*telego.Message{msg})
		return
	}

	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return
	}

	if strings.HasPrefix(text, "/") {
		name := commandName(text)
		if registeredCommands[name] {
			c.handleCommand(ctx, msg, name)
			return
		}
	}
	c.handleText(ctx, msg)
}

// commandName extracts the bare command from "/name@bot args".
func commandName(text string) string {
	fields := strings.Fields(text[1:])
	if len(fields) == 0 {
		return ""
	}
	name := fields[0]
	if i := strings.IndexByte(name, '@'); i >= 0 {
		name = name[:i]
	}
	return name
}

func commandArgs(text string) string {
	fields := strings.SplitN(strings.TrimSpace(text), " ", 2)
	if len(fields) < 2 {
		return ""
	}
	return strings.TrimSpace(fields[1])
}

// state returns the per-user state, creating it on first contact.
func (c *Channel) state(userID int64) *userState {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.states[userID]
	if !ok {
		st = &userState{}
		c.states[userID] = st
	}
	return st
}

// SendMessage implements Chat for the progress renderer.
func (c *Channel) SendMessage(ctx context.Context, chatID int64, text string) (MessageRef, error) {
	msg, err := c.bot.SendMessage(ctx, tu.Message(tu.ID(chatID), text))
	if err != nil {
		return MessageRef{}, err
	}
	return MessageRef{ChatID: chatID, MessageID: msg.MessageID}, nil
}

// EditMessage implements Chat for the progress renderer.
func (c *Channel) EditMessage(ctx context.Context, ref MessageRef, text string) error {
	_, err := c.bot.EditMessageText(ctx, &telego.EditMessageTextParams{
		ChatID:    tu.ID(ref.ChatID),
		MessageID: ref.MessageID,
		Text:      text,
	})
	return err
}

// reply sends a plain-text message in the user's chat.
func (c *Channel) reply(ctx context.Context, chatID int64, text string) {
	if _, err := c.bot.SendMessage(ctx, tu.Message(tu.ID(chatID), text)); err != nil {
		slog.Warn("telegram send failed", "error", err)
	}
}

// replyHTML sends an HTML-formatted message, falling back to plain
// text when Telegram rejects the markup.
func (c *Channel) replyHTML(ctx context.Context, chatID int64, text string) {
	msg := tu.Message(tu.ID(chatID), text).WithParseMode(telego.ModeHTML)
	if _, err := c.bot.SendMessage(ctx, msg); err != nil {
		slog.Warn("failed to send HTML message, retrying as plain text", "error", err)
		c.reply(ctx, chatID, text)
	}
}

// editHTML edits a message in place with HTML markup.
func (c *Channel) editHTML(ctx context.Context, chatID int64, messageID int, text string, markup *telego.InlineKeyboardMarkup) {
	params := &telego.EditMessageTextParams{
		ChatID:      tu.ID(chatID),
		MessageID:   messageID,
		Text:        text,
		ParseMode:   telego.ModeHTML,
		ReplyMarkup: markup,
	}
	if _, err := c.bot.EditMessageText(ctx, params); err != nil {
		slog.Warn("telegram edit failed", "error", err)
	}
}

// startTypingHeartbeat sends the typing action every few seconds until
// the returned stop function is called. It runs independently of
// stream events so the indicator survives quiet stretches.
func (c *Channel) startTypingHeartbeat(ctx context.Context, chatID int64) func() {
	hbCtx, cancel := context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(typingHeartbeatInterval)
		defer ticker.Stop()
		for {
			_ = c.bot.SendChatAction(hbCtx, tu.ChatAction(tu.ID(chatID), telego.ChatActionTyping))
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return cancel
}
