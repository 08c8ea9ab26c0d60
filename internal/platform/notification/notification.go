// Package notification provides the Email/SMS channel layer consumed by the
// notifications queue worker: sender interfaces, a template engine with the
// clinic's built-in templates, and test doubles. Delivery retry lives in the
// queue, not here.
package notification

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Channel selects the delivery mechanism.
type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
)

// Message is a single outbound email or SMS.
type Message struct {
	ID           string            `json:"id"`
	Channel      Channel           `json:"channel"`
	Recipient    string            `json:"recipient"`
	Subject      string            `json:"subject,omitempty"`
	Body         string            `json:"body"`
	TemplateID   string            `json:"template_id,omitempty"`
	TemplateData map[string]string `json:"template_data,omitempty"`
	Status       string            `json:"status"`
	CreatedAt    time.Time         `json:"created_at"`
	SentAt       *time.Time        `json:"sent_at,omitempty"`
	Error        string            `json:"error,omitempty"`
}

// EmailSender is the interface for sending email messages.
type EmailSender interface {
	SendEmail(ctx context.Context, to, subject, body string) error
}

// SMSSender is the interface for sending SMS messages.
type SMSSender interface {
	SendSMS(ctx context.Context, to, body string) error
}

// Template defines a reusable notification template.
type Template struct {
	ID      string  `json:"id"`
	Name    string  `json:"name"`
	Subject string  `json:"subject"`
	Body    string  `json:"body"`
	Channel Channel `json:"channel"`
}

// TemplateEngine manages notification templates and renders them with data.
type TemplateEngine struct {
	mu        sync.RWMutex
	templates map[string]*Template
}

// NewTemplateEngine creates a TemplateEngine with the built-in templates
// pre-registered.
func NewTemplateEngine() *TemplateEngine {
	e := &TemplateEngine{
		templates: make(map[string]*Template),
	}
	e.registerBuiltIn()
	return e
}

func (e *TemplateEngine) registerBuiltIn() {
	builtIn := []Template{
		{
			ID:      "invoice-ready",
			Name:    "Invoice Ready",
			Subject: "Invoice {{invoice_number}} ready for claim {{claim_number}}",
			Body:    "Invoice {{invoice_number}} for KES {{amount}} has been generated for claim {{claim_number}} ({{patient_name}}).",
			Channel: ChannelEmail,
		},
		{
			ID:      "payment-received",
			Name:    "Payment Received",
			Subject: "Payment received for invoice {{invoice_number}}",
			Body:    "M-Pesa payment {{receipt}} of KES {{amount}} received for invoice {{invoice_number}}.",
			Channel: ChannelEmail,
		},
		{
			ID:      "low-stock-alert",
			Name:    "Low Stock Alert",
			Subject: "Low stock: {{item_name}}",
			Body:    "{{item_name}} (batch {{batch_number}}) is down to {{quantity}} {{unit}}, at or below the reorder level of {{reorder_level}}.",
			Channel: ChannelEmail,
		},
		{
			ID:      "stock-expiry-alert",
			Name:    "Stock Expiry Alert",
			Subject: "Expiring stock: {{item_name}}",
			Body:    "{{item_name}} (batch {{batch_number}}, {{quantity}} {{unit}}) expires on {{expiry_date}}. Remove it from dispensing shelves.",
			Channel: ChannelEmail,
		},
		{
			ID:      "claim-approved",
			Name:    "Claim Approved",
			Subject: "SHA claim {{claim_number}} approved",
			Body:    "Claim {{claim_number}} for {{patient_name}} has been approved by SHA under reference {{sha_reference}}.",
			Channel: ChannelEmail,
		},
		{
			ID:      "claim-rejected",
			Name:    "Claim Rejected",
			Subject: "SHA claim {{claim_number}} rejected",
			Body:    "Claim {{claim_number}} for {{patient_name}} was rejected: {{reason}}. Review and resubmit.",
			Channel: ChannelEmail,
		},
	}
	for i := range builtIn {
		t := builtIn[i]
		e.templates[t.ID] = &t
	}
}

// RegisterTemplate adds or replaces a template in the engine.
func (e *TemplateEngine) RegisterTemplate(t Template) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.templates[t.ID] = &t
}

// Get returns a template by ID.
func (e *TemplateEngine) Get(templateID string) (*Template, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	t, ok := e.templates[templateID]
	return t, ok
}

// Render looks up a template by ID and performs {{key}} replacement using the
// supplied data map. Keys present in the template but absent from data are
// left as-is.
func (e *TemplateEngine) Render(templateID string, data map[string]string) (subject, body string, err error) {
	t, ok := e.Get(templateID)
	if !ok {
		return "", "", fmt.Errorf("template %q not found", templateID)
	}

	subject = t.Subject
	body = t.Body
	for k, v := range data {
		placeholder := "{{" + k + "}}"
		subject = strings.ReplaceAll(subject, placeholder, v)
		body = strings.ReplaceAll(body, placeholder, v)
	}
	return subject, body, nil
}

// Dispatcher sends messages through the configured channels and keeps the
// send history in memory for the stats endpoint. Retry on failure is the
// queue worker's job: a failed Send returns the error and the worker's
// backoff re-runs it.
type Dispatcher struct {
	emailSender EmailSender
	smsSender   SMSSender
	templates   *TemplateEngine

	mu       sync.RWMutex
	messages map[string]*Message
}

// NewDispatcher constructs a Dispatcher.
func NewDispatcher(email EmailSender, sms SMSSender, tpl *TemplateEngine) *Dispatcher {
	return &Dispatcher{
		emailSender: email,
		smsSender:   sms,
		templates:   tpl,
		messages:    make(map[string]*Message),
	}
}

// Send dispatches a message through its channel, assigns an ID and
// timestamps, and records the outcome.
func (d *Dispatcher) Send(ctx context.Context, m *Message) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	m.CreatedAt = time.Now().UTC()

	var sendErr error
	switch m.Channel {
	case ChannelEmail:
		sendErr = d.emailSender.SendEmail(ctx, m.Recipient, m.Subject, m.Body)
	case ChannelSMS:
		sendErr = d.smsSender.SendSMS(ctx, m.Recipient, m.Body)
	default:
		sendErr = fmt.Errorf("unsupported channel: %s", m.Channel)
	}

	if sendErr != nil {
		m.Status = "failed"
		m.Error = sendErr.Error()
	} else {
		m.Status = "sent"
		sentAt := time.Now().UTC()
		m.SentAt = &sentAt
	}

	d.mu.Lock()
	d.messages[m.ID] = m
	d.mu.Unlock()

	return sendErr
}

// SendFromTemplate renders a template and sends the resulting message on the
// template's channel.
func (d *Dispatcher) SendFromTemplate(ctx context.Context, templateID string, data map[string]string, recipient string) (*Message, error) {
	subject, body, err := d.templates.Render(templateID, data)
	if err != nil {
		return nil, fmt.Errorf("render template: %w", err)
	}
	tpl, _ := d.templates.Get(templateID)

	m := &Message{
		Channel:      tpl.Channel,
		Recipient:    recipient,
		Subject:      subject,
		Body:         body,
		TemplateID:   templateID,
		TemplateData: data,
	}
	if err := d.Send(ctx, m); err != nil {
		return m, err
	}
	return m, nil
}

// Get retrieves a sent message by ID.
func (d *Dispatcher) Get(id string) (*Message, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	m, ok := d.messages[id]
	if !ok {
		return nil, fmt.Errorf("message %q not found", id)
	}
	return m, nil
}

// Stats returns message counts grouped by status.
func (d *Dispatcher) Stats() map[string]int {
	d.mu.RLock()
	defer d.mu.RUnlock()

	stats := make(map[string]int)
	for _, m := range d.messages {
		stats[m.Status]++
	}
	return stats
}

// Mock senders for tests.

// EmailCall records a single call to SendEmail.
type EmailCall struct {
	To      string
	Subject string
	Body    string
}

// MockEmailSender is a test double for EmailSender.
type MockEmailSender struct {
	mu         sync.Mutex
	calls      []EmailCall
	ShouldFail bool
	FailError  string
}

// SendEmail records the call and optionally returns an error.
func (m *MockEmailSender) SendEmail(_ context.Context, to, subject, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, EmailCall{To: to, Subject: subject, Body: body})
	if m.ShouldFail {
		return errors.New(m.FailError)
	}
	return nil
}

// Calls returns a copy of recorded email calls.
func (m *MockEmailSender) Calls() []EmailCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]EmailCall, len(m.calls))
	copy(out, m.calls)
	return out
}

// SMSCall records a single call to SendSMS.
type SMSCall struct {
	To   string
	Body string
}

// MockSMSSender is a test double for SMSSender.
type MockSMSSender struct {
	mu         sync.Mutex
	calls      []SMSCall
	ShouldFail bool
	FailError  string
}

// SendSMS records the call and optionally returns an error.
func (m *MockSMSSender) SendSMS(_ context.Context, to, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, SMSCall{To: to, Body: body})
	if m.ShouldFail {
		return errors.New(m.FailError)
	}
	return nil
}

// Calls returns a copy of recorded SMS calls.
func (m *MockSMSSender) Calls() []SMSCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SMSCall, len(m.calls))
	copy(out, m.calls)
	return out
}
