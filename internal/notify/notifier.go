// Package notify delivers terminal-state webhooks for backtest runs.
package notify

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	json "github.com/goccy/go-json"

	"github.com/glowback/gateway/internal/observability"
	"github.com/glowback/gateway/internal/schema"
)

// Payload is the JSON body posted to a run's callback URL.
type Payload struct {
	RunID      string             `json:"run_id"`
	State      schema.RunState    `json:"state"`
	Progress   float64            `json:"progress"`
	CreatedAt  time.Time          `json:"created_at"`
	StartedAt  *time.Time         `json:"started_at,omitempty"`
	FinishedAt *time.Time         `json:"finished_at,omitempty"`
	Error      string             `json:"error,omitempty"`
	Metrics    map[string]float64 `json:"metrics,omitempty"`
	SentAt     time.Time          `json:"sent_at"`
}

// Notifier posts run-completion webhooks with exponential-backoff retries.
type Notifier struct {
	client     *http.Client
	maxRetries int
	secret     string
}

// Option configures a Notifier.
type Option func(*Notifier)

// WithClient overrides the HTTP client, for tests.
func WithClient(client *http.Client) Option {
	return func(n *Notifier) {
		if client != nil {
			n.client = client
		}
	}
}

// WithMaxRetries bounds the retry attempts after the initial delivery.
func WithMaxRetries(retries int) Option {
	return func(n *Notifier) {
		if retries >= 0 {
			n.maxRetries = retries
		}
	}
}

// WithSecret attaches a shared secret sent in X-GlowBack-Callback-Secret.
func WithSecret(secret string) Option {
	return func(n *Notifier) {
		n.secret = secret
	}
}

// New builds a notifier with a 10s request timeout and 3 retries.
func New(opts ...Option) *Notifier {
	n := &Notifier{
		client:     &http.Client{Timeout: 10 * time.Second},
		maxRetries: 3,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(n)
		}
	}
	return n
}

// Notify posts the payload to callbackURL, substituting any {run_id} token
// first. It blocks until delivery succeeds or retries are exhausted; callers
// that must not block dispatch it on a goroutine.
func (n *Notifier) Notify(ctx context.Context, callbackURL string, status schema.BacktestStatus, result *schema.BacktestResult) error {
	if callbackURL == "" {
		return nil
	}
	finalURL := strings.ReplaceAll(callbackURL, "{run_id}", status.RunID)

	payload := Payload{
		RunID:      status.RunID,
		State:      status.State,
		Progress:   status.Progress,
		CreatedAt:  status.CreatedAt,
		StartedAt:  status.StartedAt,
		FinishedAt: status.FinishedAt,
		Error:      status.Error,
		SentAt:     time.Now().UTC(),
	}
	if result != nil {
		payload.Metrics = result.MetricsSummary
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	backoffCfg := backoff.NewExponentialBackOff()
	backoffCfg.InitialInterval = 500 * time.Millisecond

	var lastErr error
	for attempt := 0; attempt <= n.maxRetries; attempt++ {
		if attempt > 0 {
			sleep := backoffCfg.NextBackOff()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(sleep):
			}
		}

		if lastErr = n.post(ctx, finalURL, body); lastErr == nil {
			observability.Log().Info("webhook delivered",
				observability.Field{Key: "run_id", Value: status.RunID},
				observability.Field{Key: "state", Value: status.State},
			)
			return nil
		}
		observability.Log().Warn("webhook attempt failed",
			observability.Field{Key: "run_id", Value: status.RunID},
			observability.Field{Key: "attempt", Value: attempt + 1},
			observability.Field{Key: "error", Value: lastErr.Error()},
		)
	}

	observability.Log().Error("webhook delivery abandoned",
		observability.Field{Key: "run_id", Value: status.RunID},
		observability.Field{Key: "retries", Value: n.maxRetries},
	)
	return fmt.Errorf("webhook delivery failed after %d retries: %w", n.maxRetries, lastErr)
}

func (n *Notifier) post(ctx context.Context, url string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "glowback-gateway/1.0")
	if n.secret != "" {
		req.Header.Set("X-GlowBack-Callback-Secret", n.secret)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}
