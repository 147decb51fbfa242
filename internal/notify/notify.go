// Package notify delivers run notifications to the operator.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/juju/clock"
	"github.com/juju/retry"

	"github.com/kebairia/driveback/internal/logger"
)

// Severity grades a notification.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Notification is a single message for the operator.
type Notification struct {
	Title    string   `json:"title"`
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
}

// Sink delivers notifications. Callers treat delivery errors as warnings.
type Sink interface {
	Notify(ctx context.Context, n Notification) error
}

// LogSink writes notifications to the local log. It is used when no
// webhook is configured.
type LogSink struct {
	Log logger.Logger
}

func (s LogSink) Notify(_ context.Context, n Notification) error {
	kv := []any{"title", n.Title, "message", n.Message, "severity", n.Severity}
	if n.Severity == SeverityError {
		s.Log.Error("notification", kv...)
	} else {
		s.Log.Info("notification", kv...)
	}
	return nil
}

// WebhookOption configures a Webhook.
type WebhookOption func(*Webhook)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) WebhookOption {
	return func(w *Webhook) {
		if c != nil {
			w.client = c
		}
	}
}

// WithRetry sets the number of attempts and the delay between them.
func WithRetry(attempts int, delay time.Duration) WebhookOption {
	return func(w *Webhook) {
		if attempts > 0 {
			w.attempts = attempts
		}
		if delay > 0 {
			w.delay = delay
		}
	}
}

// WithClock overrides the clock used between retries.
func WithClock(clk clock.Clock) WebhookOption {
	return func(w *Webhook) {
		if clk != nil {
			w.clock = clk
		}
	}
}

// Webhook posts notifications as JSON to an HTTP endpoint.
type Webhook struct {
	url      string
	job      string
	host     string
	client   *http.Client
	attempts int
	delay    time.Duration
	clock    clock.Clock
	log      logger.Logger
}

// NewWebhook returns a Sink posting to url on behalf of job.
func NewWebhook(url, job string, log logger.Logger, opts ...WebhookOption) *Webhook {
	host, _ := os.Hostname()
	w := &Webhook{
		url:      url,
		job:      job,
		host:     host,
		client:   &http.Client{Timeout: 15 * time.Second},
		attempts: 3,
		delay:    5 * time.Second,
		clock:    clock.WallClock,
		log:      log,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

type payload struct {
	Notification
	Job  string `json:"job"`
	Host string `json:"host,omitempty"`
}

func (w *Webhook) Notify(ctx context.Context, n Notification) error {
	body, err := json.Marshal(payload{Notification: n, Job: w.job, Host: w.host})
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}

	err = retry.Call(retry.CallArgs{
		Func:     func() error { return w.post(ctx, body) },
		Attempts: w.attempts,
		Delay:    w.delay,
		Clock:    w.clock,
		Stop:     ctx.Done(),
		NotifyFunc: func(lastErr error, attempt int) {
			w.log.Debug("webhook delivery failed", "attempt", attempt, "error", lastErr)
		},
	})
	if err != nil {
		return fmt.Errorf("deliver notification to %s: %w", w.url, retry.LastError(err))
	}
	return nil
}

func (w *Webhook) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned %s", resp.Status)
	}
	return nil
}
