// Package mailer sends transactional email over SMTP.
package mailer

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"mime"
	"net"
	"net/smtp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Attachment is a file sent with a message.
type Attachment struct {
	FileName    string
	ContentType string
	Data        []byte
}

// Message is an outbound email.
type Message struct {
	To          []string
	Subject     string
	Text        string
	Attachments []Attachment
}

// Sender delivers messages.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// Config holds SMTP settings.
type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	Timeout  time.Duration
}

// SMTP is a Sender backed by net/smtp.
type SMTP struct {
	cfg  Config
	send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// NewSMTP constructs the sender.
func NewSMTP(cfg Config) *SMTP {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &SMTP{cfg: cfg, send: smtp.SendMail}
}

// ErrNoRecipients is returned for messages without an address.
var ErrNoRecipients = errors.New("mailer: no recipients")

// Send builds a MIME message and hands it to the SMTP server. The context
// bounds the whole exchange.
func (s *SMTP) Send(ctx context.Context, msg Message) error {
	if len(msg.To) == 0 {
		return ErrNoRecipients
	}
	if s.cfg.Host == "" || s.cfg.From == "" {
		return errors.New("mailer: smtp host and from address required")
	}
	raw, err := Build(s.cfg.From, msg)
	if err != nil {
		return err
	}
	addr := net.JoinHostPort(s.cfg.Host, fmt.Sprint(s.cfg.Port))
	var auth smtp.Auth
	if s.cfg.Username != "" {
		auth = smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Host)
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- s.send(addr, auth, s.cfg.From, msg.To, raw) }()
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("mailer: send: %w", err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("mailer: send: %w", ctx.Err())
	}
}

// Build renders msg as multipart/mixed MIME.
func Build(from string, msg Message) ([]byte, error) {
	boundary := "b-" + uuid.NewString()
	var buf bytes.Buffer
	header := func(k, v string) { fmt.Fprintf(&buf, "%s: %s\r\n", k, v) }
	header("From", from)
	header("To", strings.Join(msg.To, ", "))
	header("Subject", mime.QEncoding.Encode("utf-8", msg.Subject))
	header("Message-ID", fmt.Sprintf("<%s@billing>", uuid.NewString()))
	header("MIME-Version", "1.0")
	header("Content-Type", fmt.Sprintf(`multipart/mixed; boundary="%s"`, boundary))
	buf.WriteString("\r\n")

	fmt.Fprintf(&buf, "--%s\r\n", boundary)
	buf.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	buf.WriteString("Content-Transfer-Encoding: 8bit\r\n\r\n")
	buf.WriteString(msg.Text)
	buf.WriteString("\r\n")

	for _, a := range msg.Attachments {
		if a.FileName == "" {
			return nil, errors.New("mailer: attachment file name required")
		}
		ct := a.ContentType
		if ct == "" {
			ct = "application/octet-stream"
		}
		fmt.Fprintf(&buf, "--%s\r\n", boundary)
		fmt.Fprintf(&buf, "Content-Type: %s\r\n", ct)
		buf.WriteString("Content-Transfer-Encoding: base64\r\n")
		fmt.Fprintf(&buf, "Content-Disposition: attachment; filename=%q\r\n\r\n", a.FileName)
		enc := base64.StdEncoding.EncodeToString(a.Data)
		for len(enc) > 76 {
			buf.WriteString(enc[:76])
			buf.WriteString("\r\n")
			enc = enc[76:]
		}
		buf.WriteString(enc)
		buf.WriteString("\r\n")
	}
	fmt.Fprintf(&buf, "--%s--\r\n", boundary)
	return buf.Bytes(), nil
}
