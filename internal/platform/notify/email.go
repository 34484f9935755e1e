package notify

import (
	"bytes"
	"context"
	"fmt"
	"net/smtp"
	"strings"
	"sync"
)

// Email is one outbound message. Text is the plain-text alternative; HTML
// may be empty for text-only sends.
type Email struct {
	To      string
	Subject string
	Text    string
	HTML    string
	// Headers carries extra headers, used to tag discharge emails with the
	// case and clinic so the provider echoes them back in delivery events.
	Headers map[string]string
}

// EmailSender sends owner-facing email.
type EmailSender interface {
	Send(ctx context.Context, msg Email) error
}

// SMTPConfig configures the SMTP sender.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	FromName string
}

// SMTPSender delivers mail through a plain SMTP relay with PLAIN auth.
type SMTPSender struct {
	cfg  SMTPConfig
	auth smtp.Auth
	// send is swapped out in tests; defaults to smtp.SendMail.
	send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

func NewSMTP(cfg SMTPConfig) *SMTPSender {
	var auth smtp.Auth
	if cfg.Username != "" {
		auth = smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Host)
	}
	return &SMTPSender{cfg: cfg, auth: auth, send: smtp.SendMail}
}

// Configured reports whether the sender has enough config to deliver mail.
func (s *SMTPSender) Configured() bool {
	return s.cfg.Host != "" && s.cfg.From != ""
}

func (s *SMTPSender) Send(ctx context.Context, msg Email) error {
	if !s.Configured() {
		return fmt.Errorf("smtp: not configured")
	}
	if msg.To == "" {
		return fmt.Errorf("smtp: missing recipient")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	from := s.cfg.From
	if s.cfg.FromName != "" {
		from = fmt.Sprintf("%s <%s>", s.cfg.FromName, s.cfg.From)
	}

	var b bytes.Buffer
	fmt.Fprintf(&b, "To: %s\r\n", msg.To)
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "Subject: %s\r\n", sanitizeHeader(msg.Subject))
	for k, v := range msg.Headers {
		fmt.Fprintf(&b, "%s: %s\r\n", sanitizeHeader(k), sanitizeHeader(v))
	}
	fmt.Fprintf(&b, "MIME-Version: 1.0\r\n")

	if msg.HTML == "" {
		fmt.Fprintf(&b, "Content-Type: text/plain; charset=UTF-8\r\n\r\n")
		fmt.Fprintf(&b, "%s\r\n", msg.Text)
	} else {
		const boundary = "vetdesk-alt"
		fmt.Fprintf(&b, "Content-Type: multipart/alternative; boundary=%q\r\n\r\n", boundary)
		fmt.Fprintf(&b, "--%s\r\nContent-Type: text/plain; charset=UTF-8\r\n\r\n%s\r\n", boundary, msg.Text)
		fmt.Fprintf(&b, "--%s\r\nContent-Type: text/html; charset=UTF-8\r\n\r\n%s\r\n", boundary, msg.HTML)
		fmt.Fprintf(&b, "--%s--\r\n", boundary)
	}

	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	if err := s.send(addr, s.auth, s.cfg.From, []string{msg.To}, b.Bytes()); err != nil {
		return fmt.Errorf("smtp: send to %s: %w", msg.To, err)
	}
	return nil
}

// sanitizeHeader strips CR/LF so user-derived values cannot inject headers.
func sanitizeHeader(s string) string {
	s = strings.ReplaceAll(s, "\r", " ")
	return strings.ReplaceAll(s, "\n", " ")
}

// MockEmailSender records sends for tests. Err, when set, is returned from
// every Send.
type MockEmailSender struct {
	mu   sync.Mutex
	Sent []Email
	Err  error
}

func (m *MockEmailSender) Send(_ context.Context, msg Email) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.Sent = append(m.Sent, msg)
	return nil
}

// SentCount returns how many emails have been recorded.
func (m *MockEmailSender) SentCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Sent)
}
