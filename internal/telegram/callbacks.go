package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/mymmrac/telego"

	"github.com/nextlevelbuilder/clawbridge/internal/claudecli"
)

// handleCallbackQuery routes inline keyboard taps by their data
// prefix: model selection, skill invocation, browser navigation,
// directory selection, and session resume.
func (c *Channel) handleCallbackQuery(ctx context.Context, cb *telego.CallbackQuery) {
	// Answer first so the client stops its spinner regardless of what
	// the handler does.
	if err := c.bot.AnswerCallbackQuery(ctx, &telego.AnswerCallbackQueryParams{CallbackQueryID: cb.ID}); err != nil {
		slog.Debug("callback answer failed", "error", err)
	}

	userID := cb.From.ID
	if !c.cfg.Allowed(userID) {
		slog.Warn("rejected callback from unlisted user", "user_id", userID)
		return
	}
	msg := cb.Message
	if msg == nil {
		return
	}
	chatID := msg.GetChat().ID
	messageID := msg.GetMessageID()

	prefix, value, found := strings.Cut(cb.Data, ":")
	if !found {
		return
	}

	st := c.state(userID)
	c.restoreState(ctx, userID, st)

	switch prefix {
	case "model":
		c.callbackModel(ctx, chatID, messageID, userID, value)
	case "skill":
		c.callbackSkill(ctx, chatID, messageID, userID, value)
	case "nav":
		c.callbackNav(ctx, chatID, messageID, value, st)
	case "sel":
		c.callbackSelect(ctx, chatID, messageID, userID, value, st)
	case "session":
		c.callbackSession(ctx, chatID, messageID, userID, value, st)
	}
}

// context1MBeta is the beta flag unlocking the 1M-token context window.
const context1MBeta = "context-1m-2025-08-07"

// callbackModel persists a model choice; value is "sonnet" or
// "opus:1m" style.
func (c *Channel) callbackModel(ctx context.Context, chatID int64, messageID int, userID int64, value string) {
	model, variant, _ := strings.Cut(value, ":")
	var betas []string
	label := capitalize(model)
	if variant == "1m" {
		betas = []string{context1MBeta}
		label += " 1M"
	}

	if err := c.manager.SetModel(ctx, userID, model, betas); err != nil {
		c.editHTML(ctx, chatID, messageID, "Model switching needs a session. Send a message first.", nil)
		return
	}
	c.editHTML(ctx, chatID, messageID, "Model set to: "+EscapeHTML(label), nil)
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

// callbackSkill runs an argument-less skill as a regular query.
func (c *Channel) callbackSkill(ctx context.Context, chatID int64, messageID int, userID int64, skill string) {
	c.editHTML(ctx, chatID, messageID,
		fmt.Sprintf("⚙️ Running skill: <b>%s</b>...", EscapeHTML(skill)), nil)
	c.executeQuery(ctx, chatID, userID, claudecli.Query{Text: "/" + skill})
}

// callbackNav moves the browser up or into a subdirectory and
// re-renders in place.
func (c *Channel) callbackNav(ctx context.Context, chatID int64, messageID int, value string, st *userState) {
	roots := c.claude.ApprovedDirectories
	if st.browseRoot == "" || !containsString(roots, st.browseRoot) {
		st.browseRoot = roots[0]
		st.browseRel = ""
	}

	if value == ".." {
		if st.browseRel != "" {
			parent := filepath.Dir(st.browseRel)
			if parent == "." {
				parent = ""
			}
			st.browseRel = parent
		}
	} else {
		target := filepath.Clean(filepath.Join(st.browseRoot, value))
		info, err := os.Stat(target)
		if err != nil || !info.IsDir() || !withinRoot(target, st.browseRoot) {
			c.editHTML(ctx, chatID, messageID,
				fmt.Sprintf("Directory not found: <code>%s</code>", EscapeHTML(value)), nil)
			return
		}
		st.browseRel = relOrEmpty(st.browseRoot, target)
	}

	browseDir := st.browseRoot
	if st.browseRel != "" {
		browseDir = filepath.Join(st.browseRoot, st.browseRel)
	}
	c.sendRepoBrowser(ctx, chatID, messageID, browseDir, st.browseRoot)
}

// callbackSelect picks a directory from the browser as the new
// workspace.
func (c *Channel) callbackSelect(ctx context.Context, chatID int64, messageID int, userID int64, value string, st *userState) {
	roots := c.claude.ApprovedDirectories
	if st.browseRoot == "" || !containsString(roots, st.browseRoot) {
		st.browseRoot = roots[0]
		st.browseRel = ""
	}

	var target string
	if value == "." {
		target = st.browseRoot
		if st.browseRel != "" {
			target = filepath.Join(st.browseRoot, st.browseRel)
		}
	} else {
		target = filepath.Clean(filepath.Join(st.browseRoot, value))
	}

	info, err := os.Stat(target)
	if err != nil || !info.IsDir() {
		c.editHTML(ctx, chatID, messageID,
			fmt.Sprintf("Directory not found: <code>%s</code>", EscapeHTML(value)), nil)
		return
	}
	if !c.isApprovedDir(target) {
		c.editHTML(ctx, chatID, messageID, "Access denied.", nil)
		return
	}

	c.selectDirectory(ctx, chatID, messageID, userID, target, st)
}

// callbackSession resumes a picked session, or starts fresh for the
// "new" sentinel. A successful resume shows a short transcript
// preview so the user remembers where the conversation stood.
func (c *Channel) callbackSession(ctx context.Context, chatID int64, messageID int, userID int64, value string, st *userState) {
	if value == "new" {
		st.forceNew = true
		_, err := c.manager.GetOrConnect(ctx, claudecli.ConnectParams{
			UserID:    userID,
			Directory: st.currentDirectory,
			ForceNew:  true,
		})
		if err != nil {
			slog.Debug("eager connect for new session failed", "user_id", userID, "error", err)
		} else {
			st.forceNew = false
		}
		c.editHTML(ctx, chatID, messageID, "New session started. Ready.", nil)
		return
	}

	_, err := c.manager.SwitchSession(ctx, claudecli.ConnectParams{
		UserID:    userID,
		Directory: st.currentDirectory,
		SessionID: value,
	})
	if err != nil {
		slog.Warn("session resume failed", "user_id", userID, "session_id", value, "error", err)
		c.editHTML(ctx, chatID, messageID,
			"Failed to resume session: "+EscapeHTML(truncate(err.Error(), 150)), nil)
		return
	}

	lines := []string{"📂 <b>Session resumed. Ready.</b>\n"}
	if transcript, terr := c.resolver.ReadTranscript(value, st.currentDirectory, 3, false); terr == nil && len(transcript) > 0 {
		lines = append(lines, "<b>Recent:</b>")
		for _, m := range transcript {
			preview := m.Text
			if len(preview) > 120 {
				preview = preview[:120] + "…"
			}
			label := "You"
			if m.Role != "user" {
				label = "Agent"
			}
			lines = append(lines, fmt.Sprintf("  <b>%s:</b> %s", label, EscapeHTML(preview)))
		}
	}
	c.editHTML(ctx, chatID, messageID, strings.Join(lines, "\n"), nil)
}
