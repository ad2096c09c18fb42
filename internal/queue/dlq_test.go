package queue_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/brewpoint/loyalty-engine/internal/queue"
)

func TestMoveToDLQAfterMaxAttempts(t *testing.T) {
	client := newTestRedis(t)
	enq := queue.Enqueuer{R: client, Prefix: "dlq"}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, enq.Enqueue(ctx, queue.Task{
		Kind: queue.KindEventWebhook, Payload: []byte("ev-9"), IdempotencyKey: "ev-9", MaxAttempts: 2,
	}))

	var attempts int32
	w := queue.Worker{
		R: client, Prefix: "dlq", Kind: queue.KindEventWebhook, Log: zerolog.Nop(),
		RetryBase: time.Millisecond,
		Handler: func(ctx context.Context, task queue.Task) error {
			atomic.AddInt32(&attempts, 1)
			return errors.New("delivery failed")
		},
	}
	go func() { _ = w.Run(ctx) }()

	dlqKey := w.DLQKey(queue.KindEventWebhook)
	require.Eventually(t, func() bool {
		n, err := client.LLen(ctx, dlqKey).Result()
		return err == nil && n == 1
	}, 3*time.Second, 20*time.Millisecond)
	require.Equal(t, int32(2), atomic.LoadInt32(&attempts))
}
