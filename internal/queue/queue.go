package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/brewpoint/loyalty-engine/internal/resilience"
)

// Task kinds processed by the settlement worker.
const (
	// KindEventWebhook delivers one persisted domain event to subscribers.
	KindEventWebhook = "event:webhook"
	// KindReconcileSweep triggers one pass over stale PROCESSING transactions.
	KindReconcileSweep = "reconcile:sweep"
)

// Task is one unit of asynchronous work. The idempotency key (the domain
// event ID, for webhook deliveries) deduplicates enqueues of the same task.
type Task struct {
	Kind           string
	Payload        []byte
	IdempotencyKey string
	MaxAttempts    int
	Delay          time.Duration
}

// envelope is the wire form stored in Redis, carrying the retry bookkeeping
// alongside the task itself.
type envelope struct {
	Kind        string `json:"kind"`
	Key         string `json:"key,omitempty"`
	Payload     []byte `json:"payload"`
	Attempt     int    `json:"attempt"`
	MaxAttempts int    `json:"max_attempts"`
	AvailableAt int64  `json:"available_at"`
}

func decodeEnvelope(raw string) (envelope, error) {
	var env envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return envelope{}, err
	}
	return env, nil
}

// keys builds the Redis key layout for one queue namespace. The main queue
// is a ZSET scored by availability time; processing mirrors it scored by
// visibility deadline; the DLQ is a plain list.
type keys struct{ prefix string }

func (k keys) queue(kind string) string {
	if k.prefix == "" {
		return fmt.Sprintf("queue:%s", kind)
	}
	return fmt.Sprintf("%s:queue:%s", k.prefix, kind)
}

func (k keys) dedup(kind, key string) string {
	if k.prefix == "" {
		return fmt.Sprintf("queue:dedup:%s:%s", kind, key)
	}
	return fmt.Sprintf("%s:dedup:%s:%s", k.prefix, kind, key)
}

func (k keys) processing(kind string) string {
	if k.prefix == "" {
		return fmt.Sprintf("queue:%s:processing", kind)
	}
	return fmt.Sprintf("%s:%s:processing", k.prefix, kind)
}

func (k keys) dlq(kind string) string {
	if k.prefix == "" {
		return fmt.Sprintf("queue:%s:dlq", kind)
	}
	return fmt.Sprintf("%s:%s:dlq", k.prefix, kind)
}

func sanitizeKind(kind string) string {
	for i := 0; i < len(kind); i++ {
		c := kind[i]
		switch {
		case c >= 'a' && c <= 'z':
		case c >= '0' && c <= '9':
		case c == '-' || c == '_' || c == ':':
		default:
			return ""
		}
	}
	return kind
}

// Enqueuer publishes tasks to the Redis delay queues. The event bus and the
// reconciler share one enqueuer per process.
type Enqueuer struct {
	R           *redis.Client
	Prefix      string
	DedupTTL    time.Duration
	MaxAttempts int
}

// Enqueue inserts the task, available after its delay. A task carrying an
// idempotency key is enqueued at most once per deduplication window, so a
// domain event re-emitted during settlement convergence does not fan out
// twice.
func (e Enqueuer) Enqueue(ctx context.Context, t Task) error {
	if e.R == nil {
		return errors.New("queue: redis client not configured")
	}
	kind := sanitizeKind(t.Kind)
	if kind == "" {
		return errors.New("queue: task kind is required")
	}
	env := envelope{
		Kind:        kind,
		Key:         t.IdempotencyKey,
		Payload:     t.Payload,
		MaxAttempts: t.MaxAttempts,
		AvailableAt: time.Now().Add(t.Delay).UnixNano(),
	}
	if env.MaxAttempts <= 0 {
		env.MaxAttempts = e.MaxAttempts
	}
	if env.MaxAttempts <= 0 {
		env.MaxAttempts = 10
	}

	k := keys{prefix: e.Prefix}
	if env.Key != "" {
		ttl := e.DedupTTL
		if ttl <= 0 {
			ttl = 24 * time.Hour
		}
		fresh, err := e.R.SetNX(ctx, k.dedup(kind, env.Key), "1", ttl).Result()
		if err != nil {
			return err
		}
		if !fresh {
			return nil
		}
	}

	raw, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return e.R.ZAdd(ctx, k.queue(kind), redis.Z{Score: float64(env.AvailableAt), Member: raw}).Err()
}

// Worker consumes one task kind. Leased tasks sit in a processing set scored
// by their visibility deadline; a worker that dies mid-task loses the lease
// and the task is redelivered.
type Worker struct {
	R                 *redis.Client
	Prefix            string
	Kind              string
	Concurrency       int
	VisibilityTimeout time.Duration
	Handler           func(context.Context, Task) error
	RetryBase         time.Duration
	RetryJitter       float64
	Log               zerolog.Logger
}

// DLQKey returns the Redis list holding dead-lettered tasks of a kind.
func (w Worker) DLQKey(kind string) string {
	return keys{prefix: w.Prefix}.dlq(kind)
}

// Run processes tasks until the context is cancelled.
func (w Worker) Run(ctx context.Context) error {
	if w.R == nil {
		return errors.New("queue: worker redis client not configured")
	}
	if w.Handler == nil {
		return errors.New("queue: worker handler not configured")
	}
	kind := sanitizeKind(w.Kind)
	if kind == "" {
		return errors.New("queue: worker kind is required")
	}

	concurrency := w.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	visibility := w.VisibilityTimeout
	if visibility <= 0 {
		visibility = 30 * time.Second
	}
	retryBase := w.RetryBase
	if retryBase <= 0 {
		retryBase = 200 * time.Millisecond
	}

	k := keys{prefix: w.Prefix}
	queueKey := k.queue(kind)
	processingKey := k.processing(kind)

	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup
	reaper := time.NewTicker(time.Second)
	defer reaper.Stop()

	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return nil
		case <-reaper.C:
			if err := w.reclaimExpired(ctx, k, kind); err != nil {
				return err
			}
			if depth, err := w.R.ZCard(ctx, queueKey).Result(); err == nil {
				QueueDepth.WithLabelValues(kind).Set(float64(depth))
			}
		default:
		}

		popped, err := w.R.ZPopMin(ctx, queueKey, 1).Result()
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			if err == redis.Nil {
				time.Sleep(100 * time.Millisecond)
				continue
			}
			return err
		}
		if len(popped) == 0 {
			time.Sleep(100 * time.Millisecond)
			continue
		}
		member, ok := popped[0].Member.(string)
		if !ok {
			continue
		}
		env, err := decodeEnvelope(member)
		if err != nil {
			continue
		}

		now := time.Now().UnixNano()
		if env.AvailableAt > now {
			// Not due yet; hand it back and wait out the gap.
			w.R.ZAdd(ctx, queueKey, redis.Z{Score: float64(env.AvailableAt), Member: member})
			pause := time.Duration(env.AvailableAt - now)
			if pause > time.Second {
				pause = time.Second
			}
			time.Sleep(pause)
			continue
		}

		env.Attempt++
		leased, err := json.Marshal(env)
		if err != nil {
			continue
		}
		deadline := time.Now().Add(visibility).UnixNano()
		if err := w.R.ZAdd(ctx, processingKey, redis.Z{Score: float64(deadline), Member: leased}).Err(); err != nil {
			return err
		}

		sem <- struct{}{}
		wg.Add(1)
		go func(lease string, env envelope) {
			defer func() { <-sem }()
			defer wg.Done()
			taskCtx, cancel := context.WithCancel(ctx)
			defer cancel()

			err := w.Handler(taskCtx, Task{Kind: kind, Payload: env.Payload, IdempotencyKey: env.Key})
			if err != nil {
				QueueProcessedTotal.WithLabelValues(kind, "error").Inc()
				w.retryOrBury(taskCtx, k, lease, env, retryBase)
				return
			}
			QueueProcessedTotal.WithLabelValues(kind, "ok").Inc()
			w.ack(taskCtx, k, lease, env)
		}(string(leased), env)
	}
}

// retryOrBury re-schedules a failed task with backoff, or moves it to the
// dead letter queue once its attempts are spent. Burying also releases the
// dedup claim so the task can be enqueued fresh after an operator drains it.
func (w Worker) retryOrBury(ctx context.Context, k keys, lease string, env envelope, base time.Duration) {
	if lease != "" {
		_ = w.R.ZRem(ctx, k.processing(env.Kind), lease)
	}
	if env.MaxAttempts > 0 && env.Attempt >= env.MaxAttempts {
		w.Log.Error().Str("kind", env.Kind).Str("key", env.Key).Int("attempts", env.Attempt).
			Msg("task exhausted retries, moving to dead letter queue")
		buried, err := json.Marshal(env)
		if err != nil {
			return
		}
		_ = w.R.LPush(ctx, k.dlq(env.Kind), buried).Err()
		QueueDLQSize.WithLabelValues(env.Kind).Inc()
		if env.Key != "" {
			_ = w.R.Del(ctx, k.dedup(env.Kind, env.Key)).Err()
		}
		return
	}
	env.AvailableAt = time.Now().Add(resilience.Backoff(base, env.Attempt, w.RetryJitter)).UnixNano()
	raw, err := json.Marshal(env)
	if err != nil {
		return
	}
	_ = w.R.ZAdd(ctx, k.queue(env.Kind), redis.Z{Score: float64(env.AvailableAt), Member: string(raw)}).Err()
}

func (w Worker) ack(ctx context.Context, k keys, lease string, env envelope) {
	if lease != "" {
		_ = w.R.ZRem(ctx, k.processing(env.Kind), lease)
	}
	if env.Key != "" {
		_ = w.R.Del(ctx, k.dedup(env.Kind, env.Key)).Err()
	}
}

// reclaimExpired moves tasks whose visibility deadline passed back onto the
// main queue for immediate redelivery.
func (w Worker) reclaimExpired(ctx context.Context, k keys, kind string) error {
	processingKey := k.processing(kind)
	expired, err := w.R.ZRangeByScore(ctx, processingKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%f", float64(time.Now().UnixNano())),
	}).Result()
	if err != nil && err != redis.Nil {
		return err
	}
	for _, lease := range expired {
		env, err := decodeEnvelope(lease)
		if err != nil {
			continue
		}
		_ = w.R.ZRem(ctx, processingKey, lease).Err()
		env.AvailableAt = time.Now().UnixNano()
		raw, err := json.Marshal(env)
		if err != nil {
			continue
		}
		_ = w.R.ZAdd(ctx, k.queue(kind), redis.Z{Score: float64(env.AvailableAt), Member: raw}).Err()
	}
	return nil
}
