// Package webhook notifies an external endpoint when a run finishes.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/use-agent/mercury-crawler/models"
)

// Event types.
const (
	EventRunCompleted = "run.completed"
	EventRunFailed    = "run.failed"
)

// SignatureHeader carries "sha256=<hex HMAC of the body>" when a secret is
// configured.
const SignatureHeader = "X-Crawler-Signature"

// Event is the payload sent to webhook endpoints.
type Event struct {
	Type      string            `json:"type"`
	RunID     string            `json:"run_id"`
	Timestamp int64             `json:"timestamp"`
	Data      models.RunSummary `json:"data"`
}

// NewRunEvent builds the completion event for sum.
func NewRunEvent(sum models.RunSummary, now time.Time) *Event {
	typ := EventRunCompleted
	if sum.State == models.StateFailed {
		typ = EventRunFailed
	}
	return &Event{Type: typ, RunID: sum.ID, Timestamp: now.Unix(), Data: sum}
}

// Sign returns the signature header value for body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Notifier delivers events to one endpoint.
type Notifier struct {
	url    string
	secret string
	client *resty.Client
	delays []time.Duration
	log    *zap.Logger
}

// New creates a Notifier. It returns nil when url is empty, and a nil
// Notifier silently drops events.
func New(url, secret string) *Notifier {
	if url == "" {
		return nil
	}
	return &Notifier{
		url:    url,
		secret: secret,
		client: resty.New().
			SetTimeout(10*time.Second).
			SetHeader("Content-Type", "application/json").
			SetHeader("User-Agent", "Mercury-Crawler-Webhook/1.0"),
		delays: []time.Duration{0, 1 * time.Second, 5 * time.Second, 30 * time.Second},
		log:    zap.L().With(zap.String("component", "webhook")),
	}
}

// Deliver sends event once.
func (n *Notifier) Deliver(ctx context.Context, event *Event) error {
	if n == nil {
		return nil
	}
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("webhook: marshal event: %w", err)
	}

	req := n.client.R().SetContext(ctx).SetBody(body)
	if n.secret != "" {
		req.SetHeader(SignatureHeader, Sign(n.secret, body))
	}
	resp, err := req.Post(n.url)
	if err != nil {
		return fmt.Errorf("webhook: deliver: %w", err)
	}
	if resp.StatusCode() >= 400 {
		return fmt.Errorf("webhook: endpoint returned status %d", resp.StatusCode())
	}
	return nil
}

// DeliverWithRetry sends event with up to 3 retries (after 1s, 5s, 30s)
// and gives up early when ctx is done.
func (n *Notifier) DeliverWithRetry(ctx context.Context, event *Event) error {
	if n == nil {
		return nil
	}
	var err error
	for attempt, delay := range n.delays {
		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		err = n.Deliver(ctx, event)
		if err == nil {
			n.log.Info("webhook delivered",
				zap.String("event", event.Type),
				zap.String("run_id", event.RunID),
				zap.Int("attempt", attempt+1),
			)
			return nil
		}
		n.log.Warn("webhook delivery failed",
			zap.String("event", event.Type),
			zap.String("run_id", event.RunID),
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
		if ctx.Err() != nil {
			return err
		}
	}
	n.log.Error("webhook delivery exhausted all retries",
		zap.String("event", event.Type),
		zap.String("run_id", event.RunID),
	)
	return err
}

// DeliverAsync runs DeliverWithRetry in the background, bounded by
// timeout.
func (n *Notifier) DeliverAsync(event *Event, timeout time.Duration) {
	if n == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		_ = n.DeliverWithRetry(ctx, event)
	}()
}
