package bap

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const webhooksKey = "webhooks"

// Webhook is one registered callback consumer. Events may name protocol
// callbacks ("on_search") or "*" for everything.
type Webhook struct {
	SubscriberID string   `json:"subscriber_id"`
	URL          string   `json:"url"`
	Events       []string `json:"events"`
}

// Webhooks stores registrations in a redis hash keyed by subscriber and
// delivers matched events. Delivery is best-effort: failures are logged with
// enough detail for out-of-band reprocessing, never retried here.
type Webhooks struct {
	rdb  *redis.Client
	http *http.Client
	log  *zap.Logger
}

func NewWebhooks(rdb *redis.Client, timeout time.Duration, log *zap.Logger) *Webhooks {
	return &Webhooks{
		rdb:  rdb,
		http: &http.Client{Timeout: timeout},
		log:  log,
	}
}

func (w *Webhooks) Register(ctx context.Context, hook Webhook) error {
	blob, err := json.Marshal(hook)
	if err != nil {
		return err
	}
	return w.rdb.HSet(ctx, webhooksKey, hook.SubscriberID, blob).Err()
}

func (w *Webhooks) Unregister(ctx context.Context, subscriberID string) error {
	return w.rdb.HDel(ctx, webhooksKey, subscriberID).Err()
}

func (w *Webhooks) List(ctx context.Context) ([]Webhook, error) {
	raw, err := w.rdb.HGetAll(ctx, webhooksKey).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Webhook, 0, len(raw))
	for _, blob := range raw {
		var hook Webhook
		if err := json.Unmarshal([]byte(blob), &hook); err != nil {
			continue
		}
		out = append(out, hook)
	}
	return out, nil
}

// Notify posts payload to every registration matching event.
func (w *Webhooks) Notify(ctx context.Context, event string, payload json.RawMessage) {
	hooks, err := w.List(ctx)
	if err != nil {
		w.log.Error("webhook list failed", zap.Error(err))
		return
	}
	for _, hook := range hooks {
		if !matches(hook.Events, event) {
			continue
		}
		w.deliver(ctx, hook, event, payload)
	}
}

func matches(events []string, event string) bool {
	for _, e := range events {
		if e == event || e == "*" {
			return true
		}
	}
	return false
}

func (w *Webhooks) deliver(ctx context.Context, hook Webhook, event string, payload json.RawMessage) {
	body, err := json.Marshal(map[string]any{"event": event, "payload": payload})
	if err != nil {
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(body))
	if err != nil {
		w.log.Error("webhook request build failed", zap.String("url", hook.URL), zap.Error(err))
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.http.Do(req)
	if err != nil {
		w.log.Warn("webhook delivery failed",
			zap.String("subscriber_id", hook.SubscriberID),
			zap.String("event", event),
			zap.Error(err))
		return
	}
	resp.Body.Close()
	if resp.StatusCode >= 400 {
		w.log.Warn("webhook consumer rejected event",
			zap.String("subscriber_id", hook.SubscriberID),
			zap.String("event", event),
			zap.Int("status", resp.StatusCode))
	}
}
