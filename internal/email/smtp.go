package email

import (
	"context"
	"fmt"
	"mime/multipart"
	"net/smtp"
	"net/textproto"
	"strconv"
	"strings"

	"github.com/gryphonracing/rosterlink/internal/sentinel"
)

// SMTPSender sends mail through an SMTP relay with STARTTLS and PLAIN auth.
type SMTPSender struct {
	host     string
	port     int
	from     string
	username string
	password string

	sendMail func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

func NewSMTPSender(host string, port int, from, username, password string) *SMTPSender {
	return &SMTPSender{
		host:     host,
		port:     port,
		from:     from,
		username: username,
		password: password,
		sendMail: smtp.SendMail,
	}
}

// SendCode emails a verification code. net/smtp has no context support, so
// ctx is only checked before dialing.
func (m *SMTPSender) SendCode(ctx context.Context, to string, code uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg, err := buildMessage(m.from, to, code)
	if err != nil {
		return err
	}

	var auth smtp.Auth
	if m.username != "" {
		auth = smtp.PlainAuth("", m.username, m.password, m.host)
	}

	addr := m.host + ":" + strconv.Itoa(m.port)
	if err := m.sendMail(addr, auth, m.from, []string{to}, msg); err != nil {
		return fmt.Errorf("smtp send: %w: %w", sentinel.ErrExternalAPI, err)
	}
	return nil
}

func buildMessage(from, to string, code uint64) ([]byte, error) {
	if strings.ContainsAny(to, "\r\n") || strings.ContainsAny(from, "\r\n") {
		return nil, fmt.Errorf("invalid address: %w", sentinel.ErrValidation)
	}
	textBody, htmlBody := codeBodies(code)

	var b strings.Builder
	mw := multipart.NewWriter(&b)
	fmt.Fprintf(&b, "From: %s\r\nTo: %s\r\nSubject: %s\r\nMIME-Version: 1.0\r\n", from, to, codeSubject)
	fmt.Fprintf(&b, "Content-Type: multipart/alternative; boundary=%s\r\n\r\n", mw.Boundary())

	for _, part := range []struct{ ctype, body string }{
		{"text/plain; charset=utf-8", textBody},
		{"text/html; charset=utf-8", htmlBody},
	} {
		w, err := mw.CreatePart(textproto.MIMEHeader{"Content-Type": {part.ctype}})
		if err != nil {
			return nil, fmt.Errorf("build message: %w", err)
		}
		if _, err := w.Write([]byte(part.body)); err != nil {
			return nil, fmt.Errorf("build message: %w", err)
		}
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("build message: %w", err)
	}
	return []byte(b.String()), nil
}
