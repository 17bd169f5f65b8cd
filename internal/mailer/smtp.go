package mailer

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"time"

	mail "gopkg.in/gomail.v2"
)

type SMTPConfig struct {
	Host          string
	Port          int
	Username      string
	Password      string
	SkipTLSVerify bool
	FromName      string
	FromEmail     string
	Timeout       time.Duration
}

// SMTPTransport sends multipart (text + html) mail through an SMTP relay.
type SMTPTransport struct {
	dialer  *mail.Dialer
	from    string
	timeout time.Duration
	send    func(m *mail.Message) error
}

func NewSMTPTransport(cfg SMTPConfig) *SMTPTransport {
	d := mail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password)
	d.TLSConfig = &tls.Config{
		ServerName:         cfg.Host,
		InsecureSkipVerify: cfg.SkipTLSVerify,
	}
	if cfg.SkipTLSVerify {
		slog.Warn("SMTP TLS certificate verification is disabled", "host", cfg.Host)
	}

	t := &SMTPTransport{
		dialer:  d,
		timeout: cfg.Timeout,
	}
	t.from = mail.NewMessage().FormatAddress(cfg.FromEmail, cfg.FromName)
	t.send = func(m *mail.Message) error { return t.dialer.DialAndSend(m) }
	return t
}

// From is the formatted sender address used when a message leaves From empty.
func (t *SMTPTransport) From() string { return t.from }

func (t *SMTPTransport) build(msg Message) *mail.Message {
	m := mail.NewMessage()
	from := msg.From
	if from == "" {
		from = t.from
	}
	m.SetHeader("From", from)
	m.SetHeader("To", msg.To)
	m.SetHeader("Subject", msg.Subject)

	text := msg.Text
	if text == "" {
		text = StripTags(msg.HTML)
	}
	m.SetBody("text/plain", text)
	m.AddAlternative("text/html", msg.HTML)
	return m
}

// Send dials the relay for each message. gomail has no context support, so
// the send runs in its own goroutine and is abandoned when ctx or the
// configured timeout ends first.
func (t *SMTPTransport) Send(ctx context.Context, msg Message) error {
	m := t.build(msg)

	if t.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}

	errc := make(chan error, 1)
	go func() { errc <- t.send(m) }()

	select {
	case err := <-errc:
		if err != nil {
			return fmt.Errorf("could not send email to %s: %w", msg.To, err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("could not send email to %s: %w", msg.To, ctx.Err())
	}
}
