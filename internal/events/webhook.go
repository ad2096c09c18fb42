package events

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/brewpoint/loyalty-engine/internal/queue"
	"github.com/brewpoint/loyalty-engine/internal/resilience"
	"github.com/brewpoint/loyalty-engine/internal/store"
)

// Envelope is the wire form of a delivered domain event.
type Envelope struct {
	ID          string          `json:"id"`
	Topic       string          `json:"topic"`
	AggregateID string          `json:"aggregateId"`
	Payload     json.RawMessage `json:"payload"`
	OccurredAt  time.Time       `json:"occurredAt"`
}

// QueueNotifier hands emitted events to the delay queue so settlement never
// blocks on a slow subscriber. The event id doubles as the dedup key, so an
// event re-emitted by a settlement retry is delivered once.
type QueueNotifier struct {
	Q           queue.Enqueuer
	MaxAttempts int
}

// Notify implements Notifier.
func (n QueueNotifier) Notify(ctx context.Context, event store.DomainEvent) error {
	env := Envelope{
		ID:          store.UUIDString(event.ID),
		Topic:       event.Topic,
		AggregateID: store.UUIDString(event.AggregateID),
		Payload:     json.RawMessage(event.Payload),
	}
	if event.OccurredAt.Valid {
		env.OccurredAt = event.OccurredAt.Time
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return n.Q.Enqueue(ctx, queue.Task{
		Kind:           queue.KindEventWebhook,
		Payload:        raw,
		IdempotencyKey: env.ID,
		MaxAttempts:    n.MaxAttempts,
	})
}

// WebhookSender delivers queued event envelopes to subscriber endpoints with
// an HMAC-SHA256 body signature.
type WebhookSender struct {
	Endpoints []string
	Secret    string
	Client    resilience.HTTPClient
}

// HandleTask is the queue worker handler for event:webhook tasks.
func (s WebhookSender) HandleTask(ctx context.Context, task queue.Task) error {
	if len(s.Endpoints) == 0 {
		return nil
	}
	var env Envelope
	if err := json.Unmarshal(task.Payload, &env); err != nil {
		// A malformed task can never succeed; drop it instead of retrying.
		return nil
	}
	signature := s.sign(task.Payload)
	var joined error
	for _, endpoint := range s.Endpoints {
		endpoint = strings.TrimSpace(endpoint)
		if endpoint == "" {
			continue
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(task.Payload))
		if err != nil {
			joined = errors.Join(joined, err)
			continue
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Event-Topic", env.Topic)
		req.Header.Set("X-Event-Signature", signature)
		resp, err := s.Client.Do(ctx, req)
		if err != nil {
			joined = errors.Join(joined, fmt.Errorf("deliver %s to %s: %w", env.Topic, endpoint, err))
			continue
		}
		resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			joined = errors.Join(joined, fmt.Errorf("deliver %s to %s: http %d", env.Topic, endpoint, resp.StatusCode))
		}
	}
	return joined
}

func (s WebhookSender) sign(body []byte) string {
	mac := hmac.New(sha256.New, []byte(s.Secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
