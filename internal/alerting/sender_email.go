package alerting

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net"
	"net/smtp"
	"strings"
	"time"
)

// EmailChannelConfig is the config document of an EMAIL channel.
type EmailChannelConfig struct {
	Recipients    []string `json:"recipients"`
	SubjectPrefix string   `json:"subject_prefix,omitempty"`
}

// EmailSink abstracts the actual mail delivery so deployments can plug in
// their own transport (SES, a relay, a test double). The default is SMTP.
type EmailSink interface {
	SendMail(ctx context.Context, to []string, subject, body string) error
}

// emailSender renders the alert payload into a plain-text email and hands it
// to the configured sink.
type emailSender struct {
	sink EmailSink
}

func newEmailSender(sink EmailSink) *emailSender {
	return &emailSender{sink: sink}
}

func (s *emailSender) Send(ctx context.Context, configJSON string, payload AlertPayload) error {
	if s.sink == nil {
		return fmt.Errorf("no email sink configured")
	}

	var cfg EmailChannelConfig
	if err := json.Unmarshal([]byte(configJSON), &cfg); err != nil {
		return fmt.Errorf("invalid email config: %w", err)
	}
	if len(cfg.Recipients) == 0 {
		return fmt.Errorf("email config has no recipients")
	}

	subject := fmt.Sprintf("%s: %s", payload.Severity, payload.Title)
	if cfg.SubjectPrefix != "" {
		subject = cfg.SubjectPrefix + " " + subject
	}

	var sb strings.Builder
	sb.WriteString(payload.Message + "\n\n")
	sb.WriteString("Severity: " + payload.Severity + "\n")
	sb.WriteString("Rule: " + payload.RuleName + "\n")
	if payload.InstanceID != "" {
		sb.WriteString("Instance: " + payload.InstanceID + "\n")
	}
	sb.WriteString("Fired at: " + payload.FiredAt + "\n")

	return s.sink.SendMail(ctx, cfg.Recipients, subject, sb.String())
}

// SMTPConfig holds the server-wide SMTP settings for the default email sink.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	TLS      bool
}

// SMTPSink is the default EmailSink. Two connection modes depending on
// SMTPConfig.TLS:
//   - true:  implicit TLS (SMTPS, typically port 465) via tls.Dial
//   - false: plaintext or STARTTLS (typically port 587) via smtp.SendMail
type SMTPSink struct {
	cfg SMTPConfig
}

// NewSMTPSink creates an SMTP-backed email sink. Returns nil when no host is
// configured, which disables email delivery.
func NewSMTPSink(cfg SMTPConfig) *SMTPSink {
	if cfg.Host == "" {
		return nil
	}
	return &SMTPSink{cfg: cfg}
}

func (s *SMTPSink) SendMail(_ context.Context, to []string, subject, body string) error {
	if len(to) == 0 {
		return nil
	}

	msg := buildEmail(s.cfg.From, to, subject, body)
	addr := net.JoinHostPort(s.cfg.Host, fmt.Sprintf("%d", s.cfg.Port))

	if s.cfg.TLS {
		return s.sendTLS(addr, to, msg)
	}
	return s.sendPlain(addr, to, msg)
}

// sendPlain uses smtp.SendMail which handles both plaintext and STARTTLS
// negotiation automatically. Suitable for port 25 and 587.
func (s *SMTPSink) sendPlain(addr string, to []string, msg []byte) error {
	var auth smtp.Auth
	if s.cfg.Username != "" {
		auth = smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Host)
	}

	if err := smtp.SendMail(addr, auth, s.cfg.From, to, msg); err != nil {
		return fmt.Errorf("smtp.SendMail: %w", err)
	}
	return nil
}

// sendTLS establishes an implicit TLS connection (SMTPS) before the SMTP
// handshake. Required for servers that expect TLS from the first byte (port 465).
func (s *SMTPSink) sendTLS(addr string, to []string, msg []byte) error {
	tlsCfg := &tls.Config{
		ServerName: s.cfg.Host,
		MinVersion: tls.VersionTLS12,
	}

	conn, err := tls.Dial("tcp", addr, tlsCfg)
	if err != nil {
		return fmt.Errorf("tls.Dial: %w", err)
	}
	defer conn.Close()

	client, err := smtp.NewClient(conn, s.cfg.Host)
	if err != nil {
		return fmt.Errorf("smtp.NewClient: %w", err)
	}
	defer client.Close()

	if s.cfg.Username != "" {
		auth := smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Host)
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("smtp auth: %w", err)
		}
	}

	if err := client.Mail(s.cfg.From); err != nil {
		return fmt.Errorf("MAIL FROM: %w", err)
	}
	for _, r := range to {
		if err := client.Rcpt(r); err != nil {
			return fmt.Errorf("RCPT TO %s: %w", r, err)
		}
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("DATA: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		return fmt.Errorf("write body: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close DATA: %w", err)
	}

	return client.Quit()
}

// buildEmail composes a minimal RFC 5322 email message.
func buildEmail(from string, to []string, subject, body string) []byte {
	var sb strings.Builder
	sb.WriteString("From: " + from + "\r\n")
	sb.WriteString("To: " + strings.Join(to, ", ") + "\r\n")
	sb.WriteString("Subject: " + subject + "\r\n")
	sb.WriteString("Date: " + time.Now().UTC().Format(time.RFC1123Z) + "\r\n")
	sb.WriteString("MIME-Version: 1.0\r\n")
	sb.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	sb.WriteString("\r\n")
	sb.WriteString(body)
	return []byte(sb.String())
}
