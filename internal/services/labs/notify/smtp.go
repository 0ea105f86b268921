package notify

import (
	"bytes"
	"context"
	"embed"
	"fmt"
	"html/template"
	"mime"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"
)

//go:embed templates/*.html
var templatesFS embed.FS

var templates = template.Must(template.ParseFS(templatesFS, "templates/*.html"))

// ExpirySubject is the subject line of the expiry warning.
const ExpirySubject = "Your Lab Session is Ending Soon"

// SMTPConfig configures the mail relay.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// sendMailFunc matches smtp.SendMail.
type sendMailFunc func(addr string, auth smtp.Auth, from string, to []string, msg []byte) error

// SMTP delivers notices as HTML email through a relay.
type SMTP struct {
	cfg      SMTPConfig
	sendMail sendMailFunc
	clock    func() time.Time
}

// NewSMTP creates a mailer for cfg.
func NewSMTP(cfg SMTPConfig) (*SMTP, error) {
	if strings.TrimSpace(cfg.Host) == "" {
		return nil, fmt.Errorf("smtp host is required")
	}
	if strings.TrimSpace(cfg.From) == "" {
		return nil, fmt.Errorf("smtp from address is required")
	}
	if cfg.Port <= 0 {
		cfg.Port = 587
	}
	return &SMTP{cfg: cfg, sendMail: smtp.SendMail, clock: time.Now}, nil
}

// NotifySessionExpiring emails the session's contact address.
func (m *SMTP) NotifySessionExpiring(ctx context.Context, notice ExpiryNotice) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	to := strings.TrimSpace(notice.Email)
	if to == "" {
		return fmt.Errorf("session %s has no contact email", notice.SessionID)
	}

	var body bytes.Buffer
	if err := templates.ExecuteTemplate(&body, "session_expiring.html", notice); err != nil {
		return fmt.Errorf("render expiry email: %w", err)
	}
	msg := m.message(to, ExpirySubject, body.Bytes())

	var auth smtp.Auth
	if m.cfg.Username != "" {
		auth = smtp.PlainAuth("", m.cfg.Username, m.cfg.Password, m.cfg.Host)
	}
	addr := net.JoinHostPort(m.cfg.Host, strconv.Itoa(m.cfg.Port))
	if err := m.sendMail(addr, auth, m.cfg.From, []string{to}, msg); err != nil {
		return fmt.Errorf("send expiry email: %w", err)
	}
	return nil
}

func (m *SMTP) message(to, subject string, html []byte) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "From: %s\r\n", m.cfg.From)
	fmt.Fprintf(&b, "To: %s\r\n", to)
	fmt.Fprintf(&b, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", subject))
	fmt.Fprintf(&b, "Date: %s\r\n", m.clock().UTC().Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/html; charset=\"utf-8\"\r\n\r\n")
	b.Write(html)
	return b.Bytes()
}
