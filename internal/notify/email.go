package notify

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/smtp"
	"strings"
	"time"
)

// EmailConfig holds SMTP settings.
type EmailConfig struct {
	SMTPHost     string
	SMTPPort     int
	SMTPUser     string
	SMTPPassword string
	FromAddress  string
	FromName     string
}

// Validate checks the configuration without contacting the server.
func (c EmailConfig) Validate() error {
	if c.SMTPHost == "" {
		return fmt.Errorf("smtp_host is required")
	}
	if c.SMTPPort <= 0 {
		return fmt.Errorf("smtp_port must be positive")
	}
	if c.FromAddress == "" {
		return fmt.Errorf("from_address is required")
	}
	return nil
}

const maxSendAttempts = 3

// SMTPMailer sends email through an SMTP relay, retrying transient failures.
type SMTPMailer struct {
	cfg    EmailConfig
	logger *slog.Logger

	// swapped in tests
	deliver func(addr, to string, msg []byte) error
	sleep   func(ctx context.Context, d time.Duration) error
	now     func() time.Time
}

// NewSMTPMailer creates an SMTPMailer after validating cfg.
func NewSMTPMailer(cfg EmailConfig, logger *slog.Logger) (*SMTPMailer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("email config: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	m := &SMTPMailer{cfg: cfg, logger: logger, sleep: sleepCtx, now: time.Now}
	m.deliver = func(addr, to string, msg []byte) error {
		return m.sendWithTimeout(addr, to, msg, 30*time.Second)
	}
	return m, nil
}

// SendEmail implements Mailer.
func (m *SMTPMailer) SendEmail(ctx context.Context, to, subject, body string) error {
	addr := fmt.Sprintf("%s:%d", m.cfg.SMTPHost, m.cfg.SMTPPort)
	msg := m.buildMessage(to, subject, body)

	var lastErr error
	for attempt := 1; attempt <= maxSendAttempts; attempt++ {
		err := m.deliver(addr, to, msg)
		if err == nil {
			return nil
		}
		lastErr = err
		m.logger.Warn("email attempt failed", "attempt", attempt, "to", to, "error", err)

		if attempt < maxSendAttempts {
			if err := m.sleep(ctx, time.Duration(attempt*attempt)*time.Second); err != nil {
				return fmt.Errorf("send email: %w", err)
			}
		}
	}
	return fmt.Errorf("send email failed after %d attempts: %w", maxSendAttempts, lastErr)
}

func (m *SMTPMailer) buildMessage(to, subject, body string) []byte {
	var buf bytes.Buffer
	now := m.now()

	from := m.cfg.FromAddress
	if m.cfg.FromName != "" {
		from = fmt.Sprintf("%s <%s>", m.cfg.FromName, m.cfg.FromAddress)
	}
	fmt.Fprintf(&buf, "From: %s\r\n", from)
	fmt.Fprintf(&buf, "To: %s\r\n", to)
	fmt.Fprintf(&buf, "Subject: %s\r\n", strings.ReplaceAll(subject, "\n", " "))
	buf.WriteString("MIME-Version: 1.0\r\n")
	buf.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	fmt.Fprintf(&buf, "Date: %s\r\n", now.Format(time.RFC1123Z))
	fmt.Fprintf(&buf, "Message-ID: <%d@%s>\r\n", now.UnixNano(), m.cfg.SMTPHost)
	buf.WriteString("\r\n")
	buf.WriteString(strings.ReplaceAll(body, "\n", "\r\n"))
	return buf.Bytes()
}

func (m *SMTPMailer) sendWithTimeout(addr, to string, msg []byte, timeout time.Duration) error {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return fmt.Errorf("connecting to SMTP server: %w", err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(timeout))

	client, err := smtp.NewClient(conn, m.cfg.SMTPHost)
	if err != nil {
		return fmt.Errorf("creating SMTP client: %w", err)
	}
	defer client.Quit()

	if m.cfg.SMTPPort == 587 {
		if err := client.StartTLS(&tls.Config{ServerName: m.cfg.SMTPHost}); err != nil {
			return fmt.Errorf("starting TLS: %w", err)
		}
	}

	if m.cfg.SMTPUser != "" && m.cfg.SMTPPassword != "" {
		auth := smtp.PlainAuth("", m.cfg.SMTPUser, m.cfg.SMTPPassword, m.cfg.SMTPHost)
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("authenticating: %w", err)
		}
	}

	if err := client.Mail(m.cfg.FromAddress); err != nil {
		return fmt.Errorf("setting sender: %w", err)
	}
	for _, rcpt := range strings.Split(to, ",") {
		if rcpt = strings.TrimSpace(rcpt); rcpt == "" {
			continue
		}
		if err := client.Rcpt(rcpt); err != nil {
			return fmt.Errorf("setting recipient %s: %w", rcpt, err)
		}
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("getting data writer: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		return fmt.Errorf("writing message: %w", err)
	}
	return w.Close()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
