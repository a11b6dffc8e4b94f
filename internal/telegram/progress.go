package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/nextlevelbuilder/clawbridge/internal/claudecli"
)

const (
	defaultMaxMessageLen = 4000
	defaultEditInterval  = 2 * time.Second
	continuedMarker      = "(continued…)"
)

// ActivityEntry is one line of the live activity log.
type ActivityEntry struct {
	Kind       string // "text", "tool", "thinking"
	Content    string
	ToolName   string
	ToolDetail string
	ToolResult string
	IsRunning  bool
}

// MessageRef identifies one chat message the renderer owns.
type MessageRef struct {
	ChatID    int64
	MessageID int
}

// Chat is the slice of the chat platform the renderer needs.
type Chat interface {
	SendMessage(ctx context.Context, chatID int64, text string) (MessageRef, error)
	EditMessage(ctx context.Context, ref MessageRef, text string) error
}

// Progress renders an append-only activity log into one or more
// persistent chat messages: throttled in-place edits, rollover past
// the platform ceiling, and it never deletes anything it posted.
// It is owned by a single query's control flow; no locking.
type Progress struct {
	chat         Chat
	chatID       int64
	maxLen       int
	limiter      *rate.Limiter
	start        time.Time
	entries      []*ActivityEntry
	messages     []MessageRef
	renderedUpTo int // entries below this index live in frozen messages
	tick         int
	finalized    bool
}

// NewProgress posts the initial "Working..." message and returns the
// renderer bound to it.
func NewProgress(ctx context.Context, chat Chat, chatID int64, editInterval time.Duration, maxLen int) (*Progress, error) {
	if editInterval <= 0 {
		editInterval = defaultEditInterval
	}
	if maxLen <= 0 {
		maxLen = defaultMaxMessageLen
	}
	p := &Progress{
		chat:    chat,
		chatID:  chatID,
		maxLen:  maxLen,
		limiter: rate.NewLimiter(rate.Every(editInterval), 1),
		start:   time.Now(),
	}
	ref, err := chat.SendMessage(ctx, chatID, p.header(false))
	if err != nil {
		return nil, fmt.Errorf("send progress message: %w", err)
	}
	p.messages = append(p.messages, ref)
	// The initial send counts as an edit for throttling purposes.
	p.limiter.Allow()
	return p, nil
}

// Messages returns the refs of every message the renderer posted.
func (p *Progress) Messages() []MessageRef {
	out := make([]MessageRef, len(p.messages))
	copy(out, p.messages)
	return out
}

// Entries exposes the activity log for inspection.
func (p *Progress) Entries() []*ActivityEntry {
	return p.entries
}

// OnEvent is the stream callback: it mutates the activity log per the
// event kind and then attempts a throttled update.
func (p *Progress) OnEvent(ctx context.Context, ev claudecli.StreamEvent) {
	switch ev.Kind {
	case claudecli.KindToolUse, claudecli.KindText:
		p.closeRunningEntry()
	}

	switch ev.Kind {
	case claudecli.KindToolUse:
		p.entries = append(p.entries, &ActivityEntry{
			Kind:       "tool",
			ToolName:   ev.ToolName,
			ToolDetail: SummarizeToolInput(ev.ToolName, ev.ToolInput),
			IsRunning:  true,
		})
	case claudecli.KindText:
		if n := len(p.entries); n > 0 && p.entries[n-1].Kind == "text" {
			p.entries[n-1].Content += ev.Content
		} else {
			p.entries = append(p.entries, &ActivityEntry{Kind: "text", Content: ev.Content})
		}
	case claudecli.KindThinking:
		if n := len(p.entries); n == 0 || p.entries[n-1].Kind != "thinking" || !p.entries[n-1].IsRunning {
			p.entries = append(p.entries, &ActivityEntry{Kind: "thinking", Content: "Thinking", IsRunning: true})
		}
	case claudecli.KindToolResult:
		p.attachResultToLastTool(ev.Content)
	default:
		return
	}

	p.Update(ctx)
}

// Update edits the tail message if the throttle interval has passed,
// rolling over first when the rendered text no longer fits.
func (p *Progress) Update(ctx context.Context) {
	if p.finalized || !p.limiter.Allow() {
		return
	}
	p.tick++

	text := p.render(p.renderedUpTo, false)
	if len(text) > p.maxLen {
		p.rollover(ctx)
		return
	}
	p.edit(ctx, text)
}

// Finalize flips every entry to not-running, switches the header to
// Done, and edits once past the throttle. It never rolls over and
// never deletes.
func (p *Progress) Finalize(ctx context.Context) {
	if p.finalized {
		return
	}
	p.finalized = true
	for _, e := range p.entries {
		if e.IsRunning {
			e.IsRunning = false
			if e.Kind == "thinking" {
				e.Content = "Thinking (done)"
			}
		}
	}
	text := p.render(p.renderedUpTo, true)
	if len(text) > p.maxLen {
		text = truncate(text, p.maxLen-len("…")) + "…"
	}
	p.edit(ctx, text)
}

// rollover freezes the current tail with as many entries as fit plus a
// continuation marker, then opens a fresh tail message for the rest.
// An oversized text entry is split so no activity is lost.
func (p *Progress) rollover(ctx context.Context) {
	budget := p.maxLen - len(continuedMarker) - 1
	frozenUpTo, splitRemainder := p.fitEntries(p.renderedUpTo, budget)

	frozen := p.render2(p.renderedUpTo, frozenUpTo, false)
	p.edit(ctx, frozen+"\n"+continuedMarker)

	p.renderedUpTo = frozenUpTo
	if splitRemainder != nil {
		// The split remainder becomes the first entry of the new tail.
		rest := make([]*ActivityEntry, 0, len(p.entries)-frozenUpTo+1)
		rest = append(rest, splitRemainder)
		rest = append(rest, p.entries[frozenUpTo:]...)
		p.entries = append(p.entries[:frozenUpTo], rest...)
	}

	header := fmt.Sprintf("%s (continued)", p.header(false))
	ref, err := p.chat.SendMessage(ctx, p.chatID, header)
	if err != nil {
		slog.Warn("progress rollover send failed", "error", err)
		return
	}
	p.messages = append(p.messages, ref)
}

// fitEntries finds how many entries starting at from render within
// budget characters. When a text entry only partially fits, it is
// truncated in place and the overflow returned as a remainder entry.
func (p *Progress) fitEntries(from, budget int) (upTo int, remainder *ActivityEntry) {
	used := len(p.header(false)) + 1 // header and blank line
	for i := from; i < len(p.entries); i++ {
		block := p.renderEntry(p.entries[i], false)
		need := len(block) + 2 // block plus separators
		if used+need <= budget {
			used += need
			continue
		}
		// Split an oversized text entry so its head is frozen here and
		// its tail continues in the next message.
		if p.entries[i].Kind == "text" {
			room := budget - used - 2
			if room > 0 && room < len(p.entries[i].Content) {
				head := truncate(p.entries[i].Content, room)
				if head != "" {
					tail := p.entries[i].Content[len(head):]
					p.entries[i].Content = head
					return i + 1, &ActivityEntry{Kind: "text", Content: tail}
				}
			}
		}
		return i, nil
	}
	return len(p.entries), nil
}

// render builds the tail message text from entries[from:].
func (p *Progress) render(from int, done bool) string {
	return p.render2(from, len(p.entries), done)
}

func (p *Progress) render2(from, to int, done bool) string {
	var b strings.Builder
	b.WriteString(p.header(done))
	b.WriteString("\n")
	prevKind := ""
	for _, e := range p.entries[from:to] {
		if e.Kind == "text" || prevKind == "" || prevKind == "text" {
			b.WriteString("\n")
		}
		b.WriteString(p.renderEntry(e, done))
		b.WriteString("\n")
		prevKind = e.Kind
	}
	return strings.TrimRight(b.String(), "\n")
}

func (p *Progress) renderEntry(e *ActivityEntry, done bool) string {
	switch e.Kind {
	case "text":
		return e.Content
	case "tool":
		line := ToolIcon(e.ToolName) + " " + e.ToolName
		if e.ToolDetail != "" {
			line += ": " + e.ToolDetail
		}
		if e.IsRunning && !done && !p.finalized {
			line += " ⏳"
		}
		if e.ToolResult != "" {
			line += "\n  ↳ " + e.ToolResult
		}
		return line
	case "thinking":
		if e.IsRunning && !done && !p.finalized {
			dots := strings.Repeat(".", p.tick%3+1)
			return "💭 Thinking" + dots
		}
		return "💭 Thinking (done)"
	}
	return ""
}

func (p *Progress) header(done bool) string {
	elapsed := int(time.Since(p.start).Seconds())
	if done {
		return fmt.Sprintf("Done (%ds)", elapsed)
	}
	return fmt.Sprintf("Working... (%ds)", elapsed)
}

// edit is best-effort: a chat hiccup must never abort the query.
func (p *Progress) edit(ctx context.Context, text string) {
	tail := p.messages[len(p.messages)-1]
	if err := p.chat.EditMessage(ctx, tail, text); err != nil {
		slog.Debug("progress edit failed", "error", err)
	}
}

func (p *Progress) closeRunningEntry() {
	for i := len(p.entries) - 1; i >= 0; i-- {
		if p.entries[i].IsRunning {
			p.entries[i].IsRunning = false
			if p.entries[i].Kind == "thinking" {
				p.entries[i].Content = "Thinking (done)"
			}
			return
		}
	}
}

func (p *Progress) attachResultToLastTool(raw string) {
	for i := len(p.entries) - 1; i >= 0; i-- {
		if p.entries[i].Kind == "tool" {
			p.entries[i].ToolResult = SummarizeToolResult(raw)
			return
		}
	}
}
