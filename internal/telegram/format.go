package telegram

import (
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"
)

// telegramMessageLimit is the Bot API hard ceiling per message.
const telegramMessageLimit = 4096

// EscapeHTML escapes the three characters Telegram's HTML mode treats
// as markup. HTML mode needs only these, which makes it far more
// robust than Markdown for rendering agent output full of underscores
// and asterisks.
func EscapeHTML(text string) string {
	text = strings.ReplaceAll(text, "&", "&amp;")
	text = strings.ReplaceAll(text, "<", "&lt;")
	text = strings.ReplaceAll(text, ">", "&gt;")
	return text
}

var (
	fencedCodeRe    = regexp.MustCompile("(?s)```(\\w+)?\\n(.*?)```")
	inlineCodeRe    = regexp.MustCompile("`([^`\n]+)`")
	boldStarRe      = regexp.MustCompile(`\*\*(.+?)\*\*`)
	boldUnderRe     = regexp.MustCompile(`__(.+?)__`)
	italicStarRe    = regexp.MustCompile(`\*(\S.*?\S|\S)\*`)
	linkRe          = regexp.MustCompile(`\[([^\]]+)\]\(([^)]+)\)`)
	headerRe        = regexp.MustCompile(`(?m)^#{1,6}\s+(.+)$`)
	strikethroughRe = regexp.MustCompile(`~~(.+?)~~`)
)

// MarkdownToHTML converts the agent's markdown output to Telegram's
// HTML subset. Code blocks are extracted first so their contents pass
// through verbatim, then the remaining text is escaped and common
// markdown patterns rewritten.
func MarkdownToHTML(text string) string {
	var placeholders []string
	stash := func(html string) string {
		key := fmt.Sprintf("\x00PH%d\x00", len(placeholders))
		placeholders = append(placeholders, html)
		return key
	}

	text = fencedCodeRe.ReplaceAllStringFunc(text, func(m string) string {
		groups := fencedCodeRe.FindStringSubmatch(m)
		lang, code := groups[1], groups[2]
		if lang != "" {
			return stash(fmt.Sprintf(`<pre><code class="language-%s">%s</code></pre>`,
				EscapeHTML(lang), EscapeHTML(code)))
		}
		return stash("<pre><code>" + EscapeHTML(code) + "</code></pre>")
	})

	text = inlineCodeRe.ReplaceAllStringFunc(text, func(m string) string {
		groups := inlineCodeRe.FindStringSubmatch(m)
		return stash("<code>" + EscapeHTML(groups[1]) + "</code>")
	})

	text = EscapeHTML(text)

	text = boldStarRe.ReplaceAllString(text, "<b>$1</b>")
	text = boldUnderRe.ReplaceAllString(text, "<b>$1</b>")
	text = italicStarRe.ReplaceAllString(text, "<i>$1</i>")
	text = linkRe.ReplaceAllString(text, `<a href="$2">$1</a>`)
	text = headerRe.ReplaceAllString(text, "<b>$1</b>")
	text = strikethroughRe.ReplaceAllString(text, "<s>$1</s>")

	for i, html := range placeholders {
		text = strings.Replace(text, fmt.Sprintf("\x00PH%d\x00", i), html, 1)
	}
	return text
}

// ChunkMessage splits text into pieces no longer than maxLen,
// preferring paragraph then line boundaries. A single line longer than
// maxLen is hard-split.
func ChunkMessage(text string, maxLen int) []string {
	if maxLen <= 0 {
		maxLen = telegramMessageLimit
	}
	if len(text) <= maxLen {
		return []string{text}
	}

	var chunks []string
	var buf strings.Builder
	flush := func() {
		if s := strings.TrimRight(buf.String(), "\n"); s != "" {
			chunks = append(chunks, s)
		}
		buf.Reset()
	}

	for _, line := range strings.SplitAfter(text, "\n") {
		for len(line) > maxLen {
			flush()
			n := hardSplitIndex(line, maxLen)
			chunks = append(chunks, line[:n])
			line = line[n:]
		}
		if buf.Len()+len(line) > maxLen {
			flush()
		}
		buf.WriteString(line)
	}
	flush()
	return chunks
}

// hardSplitIndex picks a split point at or below limit for a line with
// no usable newline: never inside a multi-byte rune, an HTML tag, or a
// character entity, and at a space when one is reasonably close.
// Telegram rejects a chunk whose markup is cut mid-token.
func hardSplitIndex(s string, limit int) int {
	boundary := limit
	for boundary > 0 && !utf8.RuneStart(s[boundary]) {
		boundary--
	}
	i := boundary
	if j := strings.LastIndexByte(s[:i], '<'); j >= 0 && !strings.ContainsRune(s[j:i], '>') {
		i = j
	}
	if j := strings.LastIndexByte(s[:i], '&'); j >= 0 && i-j < 8 && !strings.ContainsRune(s[j:i], ';') {
		i = j
	}
	if j := strings.LastIndexByte(s[:i], ' '); j > limit/2 {
		i = j + 1
	}
	if i == 0 {
		// Degenerate input, a single token longer than the limit.
		if boundary > 0 {
			return boundary
		}
		return limit
	}
	return i
}

// FormatResponse renders a final agent reply as HTML message chunks.
func FormatResponse(text string, maxLen int) []string {
	return ChunkMessage(MarkdownToHTML(text), maxLen)
}

// RelativeTime formats an instant as a coarse "N units ago" string for
// the session picker.
func RelativeTime(t time.Time) string {
	seconds := int(time.Since(t).Seconds())
	if seconds < 60 {
		return "just now"
	}
	minutes := seconds / 60
	if minutes < 60 {
		return fmt.Sprintf("%d min ago", minutes)
	}
	hours := minutes / 60
	if hours < 24 {
		return fmt.Sprintf("%d %s ago", hours, plural(hours, "hour"))
	}
	days := hours / 24
	if days < 7 {
		return fmt.Sprintf("%d %s ago", days, plural(days, "day"))
	}
	if days < 30 {
		weeks := days / 7
		return fmt.Sprintf("%d %s ago", weeks, plural(weeks, "week"))
	}
	months := days / 30
	return fmt.Sprintf("%d %s ago", months, plural(months, "month"))
}

func plural(n int, unit string) string {
	if n == 1 {
		return unit
	}
	return unit + "s"
}
