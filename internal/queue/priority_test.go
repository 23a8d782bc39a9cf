package queue_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prats-2311/story-sign-sub001/internal/queue"
)

func TestQueue_DequeueOrdersByPriorityThenFIFO(t *testing.T) {
	q := queue.New(queue.DefaultConfig())

	_, err := q.Enqueue("low-1", queue.Low, 0)
	require.NoError(t, err)
	_, err = q.Enqueue("normal-1", queue.Normal, 0)
	require.NoError(t, err)
	_, err = q.Enqueue("critical-1", queue.Critical, 0)
	require.NoError(t, err)
	_, err = q.Enqueue("normal-2", queue.Normal, 0)
	require.NoError(t, err)

	ctx := context.Background()
	order := []string{}
	for i := 0; i < 4; i++ {
		msg, ok := q.Dequeue(ctx, time.Second)
		require.True(t, ok)
		order = append(order, msg.Content.(string))
	}

	assert.Equal(t, []string{"critical-1", "normal-1", "normal-2", "low-1"}, order)
}

func TestQueue_TTLExpiry_NeverDeliveredAfterExpiry(t *testing.T) {
	q := queue.New(queue.DefaultConfig())
	_, err := q.Enqueue("ephemeral", queue.Normal, 10*time.Millisecond)
	require.NoError(t, err)

	time.Sleep(30 * time.Millisecond)

	_, ok := q.Dequeue(context.Background(), 50*time.Millisecond)
	assert.False(t, ok, "expired message must not be delivered")
}

func TestQueue_FullAfterCapacity_SweepsExpiredFirst(t *testing.T) {
	cfg := queue.DefaultConfig()
	cfg.MaxSize = 2
	q := queue.New(cfg)

	_, err := q.Enqueue("a", queue.Normal, 5*time.Millisecond)
	require.NoError(t, err)
	_, err = q.Enqueue("b", queue.Normal, 5*time.Millisecond)
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)

	// Both entries are expired but still occupy slots until a sweep;
	// enqueue must reclaim them rather than failing.
	_, err = q.Enqueue("c", queue.Normal, 0)
	assert.NoError(t, err)
}

func TestQueue_ProcessorInvokesHandlerAndRecordsStats(t *testing.T) {
	q := queue.New(queue.DefaultConfig())
	var processed int32
	q.RegisterHandler(func(ctx context.Context, content interface{}) error {
		atomic.AddInt32(&processed, 1)
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)
	defer q.Stop()

	_, err := q.Enqueue("work", queue.High, 0)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&processed) == 1
	}, time.Second, 5*time.Millisecond)

	stats := q.Snapshot()
	assert.Equal(t, int64(1), stats.Processed)
}

func TestQueue_RetriesThenFailsPermanently(t *testing.T) {
	cfg := queue.DefaultConfig()
	cfg.MaxRetries = 2
	q := queue.New(cfg)

	var attempts int32
	q.RegisterHandler(func(ctx context.Context, content interface{}) error {
		atomic.AddInt32(&attempts, 1)
		return assertErr
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)
	defer q.Stop()

	_, err := q.Enqueue("doomed", queue.Normal, 0)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return q.Snapshot().Failed == 1
	}, 2*time.Second, 5*time.Millisecond)

	assert.GreaterOrEqual(t, atomic.LoadInt32(&attempts), int32(2))
}

func TestQueue_BatchesMultipleMessagesIntoOneHandlerCall(t *testing.T) {
	cfg := queue.DefaultConfig()
	cfg.BatchSize = 3
	cfg.BatchTimeout = 50 * time.Millisecond
	cfg.ProcessorCount = 1
	q := queue.New(cfg)

	var calls int32
	var lastBatchLen int32
	q.RegisterHandler(func(ctx context.Context, content interface{}) error {
		atomic.AddInt32(&calls, 1)
		if batch, ok := content.([]interface{}); ok {
			atomic.StoreInt32(&lastBatchLen, int32(len(batch)))
		} else {
			atomic.StoreInt32(&lastBatchLen, 1)
		}
		return nil
	})

	// Enqueue all three before starting the processor so the first
	// Dequeue call and the subsequent tryDequeue calls all find their
	// message immediately, making the batch assembly deterministic.
	_, err := q.Enqueue("a", queue.Normal, 0)
	require.NoError(t, err)
	_, err = q.Enqueue("b", queue.Normal, 0)
	require.NoError(t, err)
	_, err = q.Enqueue("c", queue.Normal, 0)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)
	defer q.Stop()

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&calls) == 1
	}, time.Second, 5*time.Millisecond)

	assert.EqualValues(t, 3, atomic.LoadInt32(&lastBatchLen))
}

func TestQueue_CriticalMessagesNeverBatch(t *testing.T) {
	cfg := queue.DefaultConfig()
	cfg.BatchSize = 5
	cfg.BatchTimeout = 100 * time.Millisecond
	cfg.ProcessorCount = 1
	q := queue.New(cfg)

	var calls int32
	var sawSlice int32
	q.RegisterHandler(func(ctx context.Context, content interface{}) error {
		atomic.AddInt32(&calls, 1)
		if _, ok := content.([]interface{}); ok {
			atomic.AddInt32(&sawSlice, 1)
		}
		return nil
	})

	_, err := q.Enqueue("urgent", queue.Critical, 0)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)
	defer q.Stop()

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&calls) == 1
	}, time.Second, 5*time.Millisecond)

	assert.EqualValues(t, 0, atomic.LoadInt32(&sawSlice), "a critical message must never be wrapped in a batch")
}

var assertErr = &testError{"handler failed"}

type testError struct{ msg string }

func (e *testError) Error() string { return e.msg }
