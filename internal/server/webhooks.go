package server

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"pressline/internal/config"
	"pressline/internal/domain"
	"pressline/internal/engine"
)

const (
	defaultWebhookInterval = 2 * time.Second
	defaultWebhookTimeout  = 5 * time.Second
	defaultWebhookBatch    = 100
)

// WebhookDispatcher posts new events to the webhooks of the current config.
// Each hook keeps its own event-id cursor, starting at the latest event when
// the hook is first seen; a failed delivery stops that hook's round and is
// retried from the same event next round.
type WebhookDispatcher struct {
	engine  *engine.Engine
	client  *http.Client
	logger  *slog.Logger
	mu      sync.Mutex
	cursors map[string]int64
}

func NewWebhookDispatcher(e *engine.Engine, logger *slog.Logger) *WebhookDispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookDispatcher{
		engine:  e,
		client:  &http.Client{Timeout: defaultWebhookTimeout},
		logger:  logger,
		cursors: make(map[string]int64),
	}
}

func (d *WebhookDispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(defaultWebhookInterval)
	defer ticker.Stop()
	for {
		d.DispatchOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (d *WebhookDispatcher) DispatchOnce(ctx context.Context) {
	for _, hook := range d.engine.Config().Webhooks {
		if !hook.Enabled || strings.TrimSpace(hook.URL) == "" {
			continue
		}
		d.dispatchWebhook(ctx, hook)
	}
}

func hookKey(hook config.Webhook) string {
	if hook.ID != "" {
		return hook.ID
	}
	return hook.URL
}

func (d *WebhookDispatcher) dispatchWebhook(ctx context.Context, hook config.Webhook) {
	key := hookKey(hook)
	cursor, ok := d.cursorFor(ctx, key)
	if !ok {
		return
	}
	events, err := d.engine.EventsAfter(ctx, cursor, defaultWebhookBatch)
	if err != nil {
		d.logger.Error("webhook: fetch events", slog.String("hook", key), slog.Any("err", err))
		return
	}
	filter := newEventFilter(hook.Events)
	for _, evt := range events {
		if filter.match(evt.Type) {
			if err := d.postEvent(ctx, hook, evt); err != nil {
				d.logger.Warn("webhook: delivery failed", slog.String("hook", key), slog.Int64("event_id", evt.ID), slog.Any("err", err))
				return
			}
		}
		d.setCursor(key, evt.ID)
	}
}

func (d *WebhookDispatcher) cursorFor(ctx context.Context, key string) (int64, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cur, ok := d.cursors[key]; ok {
		return cur, true
	}
	cur, err := d.engine.Repo.LatestEventID(ctx)
	if err != nil {
		d.logger.Error("webhook: init cursor", slog.String("hook", key), slog.Any("err", err))
		return 0, false
	}
	d.cursors[key] = cur
	return cur, true
}

func (d *WebhookDispatcher) setCursor(key string, value int64) {
	d.mu.Lock()
	d.cursors[key] = value
	d.mu.Unlock()
}

type webhookEvent struct {
	ID         int64          `json:"id"`
	Type       string         `json:"type"`
	EditionID  string         `json:"edition_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	TS         time.Time      `json:"ts"`
	Payload    map[string]any `json:"payload"`
}

// Sign returns the hex HMAC-SHA256 of body under secret, as sent in X-Pressline-Signature.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func (d *WebhookDispatcher) postEvent(ctx context.Context, hook config.Webhook, evt domain.Event) error {
	payload := evt.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	data, err := json.Marshal(webhookEvent{
		ID:         evt.ID,
		Type:       evt.Type,
		EditionID:  evt.EditionID,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
		TS:         evt.Timestamp,
		Payload:    payload,
	})
	if err != nil {
		return err
	}
	timeout := defaultWebhookTimeout
	if hook.TimeoutSeconds > 0 {
		timeout = time.Duration(hook.TimeoutSeconds) * time.Second
	}
	client := d.client
	if timeout != d.client.Timeout {
		client = &http.Client{Timeout: timeout}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Pressline-Event", evt.Type)
	req.Header.Set("X-Pressline-Delivery", strconv.FormatInt(evt.ID, 10))
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Pressline-Signature", Sign(hook.Secret, data))
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(b)))
	}
	return nil
}

type eventFilter struct {
	all bool
	set map[string]struct{}
}

func newEventFilter(events []string) eventFilter {
	set := make(map[string]struct{}, len(events))
	for _, evt := range events {
		if key := strings.TrimSpace(evt); key != "" {
			set[key] = struct{}{}
		}
	}
	if len(set) == 0 {
		return eventFilter{all: true}
	}
	return eventFilter{set: set}
}

func (f eventFilter) match(evt string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[evt]
	return ok
}
