package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/smtp"
	"time"

	"github.com/rs/zerolog"
)

// SMTPSender delivers email over a plain SMTP relay.
type SMTPSender struct {
	host     string
	port     int
	username string
	password string
	from     string
}

// NewSMTPSender creates an EmailSender backed by the given relay. Auth is
// skipped when username is empty, for unauthenticated local relays.
func NewSMTPSender(host string, port int, username, password, from string) *SMTPSender {
	return &SMTPSender{host: host, port: port, username: username, password: password, from: from}
}

// SendEmail implements EmailSender.
func (s *SMTPSender) SendEmail(ctx context.Context, to, subject, body string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\nMIME-Version: 1.0\r\nContent-Type: text/plain; charset=utf-8\r\n\r\n%s\r\n",
		s.from, to, subject, body)

	var auth smtp.Auth
	if s.username != "" {
		auth = smtp.PlainAuth("", s.username, s.password, s.host)
	}

	addr := fmt.Sprintf("%s:%d", s.host, s.port)
	if err := smtp.SendMail(addr, auth, s.from, []string{to}, []byte(msg)); err != nil {
		return fmt.Errorf("smtp send to %s: %w", to, err)
	}
	return nil
}

// SMSGatewaySender delivers SMS through an HTTP gateway that accepts JSON
// {"to": ..., "message": ...} posts.
type SMSGatewaySender struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewSMSGatewaySender creates an SMSSender for the given gateway.
func NewSMSGatewaySender(baseURL, apiKey string) *SMSGatewaySender {
	return &SMSGatewaySender{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// SendSMS implements SMSSender.
func (s *SMSGatewaySender) SendSMS(ctx context.Context, to, body string) error {
	payload, err := json.Marshal(map[string]string{"to": to, "message": body})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/v1/messages", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.apiKey)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sms gateway: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("sms gateway returned %d: %s", resp.StatusCode, bytes.TrimSpace(b))
	}
	return nil
}

// LogSender writes messages to the log instead of delivering them. Used in
// development when no SMTP relay or SMS gateway is configured.
type LogSender struct {
	logger zerolog.Logger
}

// NewLogSender creates a sender that implements both EmailSender and
// SMSSender.
func NewLogSender(logger zerolog.Logger) *LogSender {
	return &LogSender{logger: logger.With().Str("component", "log_sender").Logger()}
}

// SendEmail implements EmailSender.
func (l *LogSender) SendEmail(_ context.Context, to, subject, _ string) error {
	l.logger.Info().Str("to", to).Str("subject", subject).Msg("email (not delivered)")
	return nil
}

// SendSMS implements SMSSender.
func (l *LogSender) SendSMS(_ context.Context, to, body string) error {
	l.logger.Info().Str("to", to).Str("body", body).Msg("sms (not delivered)")
	return nil
}
