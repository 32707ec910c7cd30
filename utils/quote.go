package utils

import (
	"fmt"
	"html"
	"regexp"
	"strings"
	"time"
)

// QuotedMessage is one prior message of a conversation.
type QuotedMessage struct {
	From string
	At   time.Time
	HTML string
	Text string
}

// Attribution renders the "On <date> at <time>, <sender> wrote:" line.
func Attribution(from string, at time.Time) string {
	return fmt.Sprintf("On %s at %s, %s wrote:", at.Format("Mon, Jan 2, 2006"), at.Format("3:04 PM"), from)
}

// RenderQuotedMessages renders messages (given oldest first) as nested
// quote blocks, most recent first.
func RenderQuotedMessages(messages []QuotedMessage) (htmlOut, textOut string) {
	if len(messages) == 0 {
		return "", ""
	}

	var hb, tb strings.Builder
	for i := len(messages) - 1; i >= 0; i-- {
		m := messages[i]
		body := m.HTML
		if body == "" {
			body = strings.ReplaceAll(html.EscapeString(m.Text), "\n", "<br>")
		}
		text := m.Text
		if text == "" {
			text = HTMLToText(m.HTML)
		}
		if strings.TrimSpace(body) == "" && strings.TrimSpace(text) == "" {
			continue
		}

		attribution := Attribution(m.From, m.At)
		hb.WriteString(`<div class="gmail_quote"><div class="gmail_attr">`)
		hb.WriteString(html.EscapeString(attribution))
		hb.WriteString(`</div><blockquote class="gmail_quote" style="margin:0 0 0 .8ex;border-left:1px #ccc solid;padding-left:1ex">`)
		hb.WriteString(body)
		hb.WriteString("</blockquote></div>")

		tb.WriteString("\n")
		tb.WriteString(attribution)
		tb.WriteString("\n")
		for _, line := range strings.Split(strings.TrimRight(text, "\n"), "\n") {
			tb.WriteString("> ")
			tb.WriteString(line)
			tb.WriteString("\n")
		}
	}
	return hb.String(), tb.String()
}

var (
	blockTagPattern = regexp.MustCompile(`(?i)<\s*(br|/p|/div|/li|/h[1-6])\s*/?>`)
	anyTagPattern   = regexp.MustCompile(`<[^>]*>`)
	blankRunPattern = regexp.MustCompile(`\n{3,}`)
)

// HTMLToText is a rough plain-text rendering used for the text/plain part.
func HTMLToText(s string) string {
	if s == "" {
		return ""
	}
	s = blockTagPattern.ReplaceAllString(s, "\n")
	s = anyTagPattern.ReplaceAllString(s, "")
	s = html.UnescapeString(s)
	s = blankRunPattern.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}

// LooksLikeHTML reports whether a body template already contains markup.
func LooksLikeHTML(s string) bool {
	return anyTagPattern.MatchString(s)
}
