package queue_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/brewpoint/loyalty-engine/internal/queue"
)

// A task whose handler stalls past the visibility timeout is redelivered by
// the requeue pass, so a crashed worker never strands a settlement task.
func TestVisibilityTimeoutRequeue(t *testing.T) {
	client := newTestRedis(t)
	enq := queue.Enqueuer{R: client, Prefix: "vis", DedupTTL: time.Minute}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, enq.Enqueue(ctx, queue.Task{
		Kind: queue.KindReconcileSweep, Payload: []byte("sweep"), MaxAttempts: 5,
	}))

	var attempts int32
	done := make(chan struct{})
	w := queue.Worker{
		R: client, Prefix: "vis", Kind: queue.KindReconcileSweep, Log: zerolog.Nop(),
		VisibilityTimeout: 100 * time.Millisecond,
		Concurrency:       2,
		Handler: func(ctx context.Context, task queue.Task) error {
			n := atomic.AddInt32(&attempts, 1)
			if n == 1 {
				// simulate a stuck worker: never ack, let visibility expire
				<-ctx.Done()
				return ctx.Err()
			}
			close(done)
			return nil
		},
	}
	go func() { _ = w.Run(ctx) }()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("task was not redelivered after visibility timeout")
	}
	require.GreaterOrEqual(t, atomic.LoadInt32(&attempts), int32(2))
}
