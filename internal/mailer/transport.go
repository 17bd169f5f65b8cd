package mailer

import (
	"context"
	"html"
	"log/slog"
	"regexp"
	"strings"
)

// Message is one rendered email.
type Message struct {
	From    string
	To      string
	Subject string
	HTML    string
	Text    string
}

// Transport delivers a message or returns why it could not.
type Transport interface {
	Send(ctx context.Context, msg Message) error
}

var (
	stripTagsRegex  = regexp.MustCompile("<[^>]*>")
	blockTagsRegex  = regexp.MustCompile(`(?i)<\s*(br|/p|/div|/h[1-6]|/li|/tr)\s*/?>`)
	blankLinesRegex = regexp.MustCompile(`\n{3,}`)
	spacesRegex     = regexp.MustCompile(`[ \t]+`)
)

// StripTags derives a plain-text body from HTML.
func StripTags(s string) string {
	s = blockTagsRegex.ReplaceAllString(s, "\n")
	s = stripTagsRegex.ReplaceAllString(s, "")
	s = html.UnescapeString(s)
	s = spacesRegex.ReplaceAllString(s, " ")

	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimSpace(l)
	}
	s = strings.Join(lines, "\n")
	s = blankLinesRegex.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}

// LogTransport only logs. It is used when no SMTP relay is configured.
type LogTransport struct{}

func (LogTransport) Send(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	slog.Info("email not delivered (log transport)", "from", msg.From, "to", msg.To, "subject", msg.Subject, "bytes", len(msg.HTML))
	return nil
}
