// internal/mailer/mailer.go

// Package mailer delivers circulation notifications. Delivery is best
// effort: a lost mail never blocks or rolls back a committed transition.
package mailer

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	jsoniter "github.com/json-iterator/go"
	"golang.org/x/time/rate"

	"libracirc/internal/circulation"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Mailer sends one templated message.
type Mailer interface {
	Send(ctx context.Context, recipient, subject, template string, params map[string]string) error
}

// HTTPMailer posts messages to an external mail gateway.
type HTTPMailer struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewHTTPMailer creates a gateway client.
func NewHTTPMailer(baseURL, apiKey string) *HTTPMailer {
	return &HTTPMailer{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

type sendRequest struct {
	Recipient string            `json:"recipient"`
	Subject   string            `json:"subject"`
	Template  string            `json:"template"`
	Params    map[string]string `json:"params"`
}

func (m *HTTPMailer) Send(ctx context.Context, recipient, subject, template string, params map[string]string) error {
	body, err := json.Marshal(sendRequest{
		Recipient: recipient,
		Subject:   subject,
		Template:  template,
		Params:    params,
	})
	if err != nil {
		return fmt.Errorf("marshal mail request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build mail request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if m.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+m.apiKey)
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("send mail: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("mail gateway returned %d", resp.StatusCode)
	}
	return nil
}

// LogMailer writes messages to the log instead of sending them. Used in
// development and in tests.
type LogMailer struct {
	Logger *slog.Logger
}

func (m *LogMailer) Send(ctx context.Context, recipient, subject, template string, params map[string]string) error {
	logger := m.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "mail (not sent)",
		"recipient", recipient, "subject", subject, "template", template, "params", params)
	return nil
}

// Dispatcher implements circulation.Dispatcher on top of a Mailer. Each
// notification is sent on its own goroutine behind a rate limiter so a
// reservation sweep cannot flood the gateway.
type Dispatcher struct {
	mailer  Mailer
	limiter *rate.Limiter
	logger  *slog.Logger
	timeout time.Duration
}

// NewDispatcher creates a dispatcher sending at most perSecond messages
// per second.
func NewDispatcher(mailer Mailer, perSecond float64, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		mailer:  mailer,
		limiter: rate.NewLimiter(rate.Limit(perSecond), 1),
		logger:  logger,
		timeout: 30 * time.Second,
	}
}

// Dispatch queues the notification for delivery and returns immediately.
func (d *Dispatcher) Dispatch(n circulation.Notification) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		defer cancel()

		if err := d.limiter.Wait(ctx); err != nil {
			d.logger.Warn("notification dropped, rate limit wait cancelled",
				"recipient", n.Recipient, "template", n.Template)
			return
		}

		if err := d.mailer.Send(ctx, n.Recipient, n.Subject, n.Template, n.Params); err != nil {
			d.logger.Error("notification delivery failed",
				"recipient", n.Recipient, "template", n.Template, "error", err)
		}
	}()
}
