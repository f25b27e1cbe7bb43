package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startConsumer(t *testing.T, b *MemoryBroker, queue string, workers int, h Handler) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = b.Consume(ctx, queue, workers, h)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestMemoryBrokerDeliversJSON(t *testing.T) {
	b := NewMemoryBroker(Policy{}, nil)

	var (
		mu  sync.Mutex
		got []ProcessRefund
	)
	startConsumer(t, b, QueueRefunds, 3, func(ctx context.Context, m Message) error {
		var job ProcessRefund
		if err := Decode(m, &job); err != nil {
			return err
		}
		mu.Lock()
		got = append(got, job)
		mu.Unlock()
		return nil
	})

	for _, id := range []string{"o-1", "o-2", "o-3"} {
		require.NoError(t, PublishJSON(context.Background(), b, QueueRefunds, ProcessRefund{
			OrderID: id, Amount: decimal.RequireFromString("12.50"), Type: "partial",
		}))
	}
	b.Wait()

	require.Len(t, got, 3)
	for _, j := range got {
		assert.Equal(t, "12.50", j.Amount.StringFixed(2))
	}
}

func TestMemoryBrokerRetriesTransientErrors(t *testing.T) {
	b := NewMemoryBroker(Policy{Backoff: time.Millisecond}, nil)

	var attempts []int
	var mu sync.Mutex
	startConsumer(t, b, QueueOrderProcessing, 1, func(ctx context.Context, m Message) error {
		mu.Lock()
		attempts = append(attempts, m.Attempt)
		mu.Unlock()
		if m.Attempt < 3 {
			return errors.New("database is down")
		}
		return nil
	})

	require.NoError(t, PublishJSON(context.Background(), b, QueueOrderProcessing, StartOrderWorkflow{OrderID: "o-1"}))
	b.Wait()
	assert.Equal(t, []int{1, 2, 3}, attempts)
}

func TestMemoryBrokerPermanentErrorsAreNotRetried(t *testing.T) {
	b := NewMemoryBroker(Policy{Backoff: time.Millisecond}, nil)

	var calls int32
	startConsumer(t, b, QueueNotifications, 1, func(ctx context.Context, m Message) error {
		atomic.AddInt32(&calls, 1)
		var job SendNotification
		return Decode(m, &job)
	})

	require.NoError(t, b.Publish(context.Background(), QueueNotifications, []byte("{not json")))
	b.Wait()
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestMemoryBrokerStopsAfterWindow(t *testing.T) {
	b := NewMemoryBroker(Policy{Window: 30 * time.Minute, Backoff: time.Millisecond}, nil)
	start := time.Date(2025, 11, 16, 10, 0, 0, 0, time.UTC)
	var clock atomic.Int64
	clock.Store(start.UnixNano())
	b.now = func() time.Time { return time.Unix(0, clock.Load()) }

	var calls int32
	startConsumer(t, b, QueueOrderProcessing, 1, func(ctx context.Context, m Message) error {
		if atomic.AddInt32(&calls, 1) == 2 {
			clock.Add(int64(31 * time.Minute))
		}
		return errors.New("still failing")
	})

	require.NoError(t, b.Publish(context.Background(), QueueOrderProcessing, []byte(`{"order_id":"o-1"}`)))
	b.Wait()
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestMemoryBrokerClosed(t *testing.T) {
	b := NewMemoryBroker(Policy{}, nil)
	require.NoError(t, b.Close())
	assert.ErrorIs(t, b.Publish(context.Background(), QueueRefunds, []byte("{}")), ErrBrokerClosed)
}

func TestDecide(t *testing.T) {
	p := Policy{}.withDefaults()
	now := time.Now()
	fresh := Message{FirstEnqueuedAt: now.Add(-time.Minute)}
	stale := Message{FirstEnqueuedAt: now.Add(-31 * time.Minute)}

	assert.Equal(t, outcomeAck, decide(nil, fresh, p, now))
	assert.Equal(t, outcomeDiscard, decide(Permanent(errors.New("bad")), fresh, p, now))
	assert.Equal(t, outcomeRetry, decide(errors.New("later"), fresh, p, now))
	assert.Equal(t, outcomeDead, decide(errors.New("later"), stale, p, now))
}

func TestPermanentWrapping(t *testing.T) {
	base := errors.New("illegal transition")
	err := Permanent(base)
	assert.True(t, IsPermanent(err))
	assert.ErrorIs(t, err, base)
	assert.Nil(t, Permanent(nil))
	assert.False(t, IsPermanent(base))
}

func TestPolicyDelay(t *testing.T) {
	p := Policy{Backoff: time.Second}
	assert.Equal(t, time.Second, p.delay(1))
	assert.Equal(t, 4*time.Second, p.delay(3))
	assert.Equal(t, time.Minute, p.delay(20))
}

func TestMessageFromHeaders(t *testing.T) {
	first := time.Date(2025, 11, 16, 10, 0, 0, 0, time.UTC)
	m := messageFrom(QueueRefunds, amqp.Delivery{
		Body: []byte("{}"),
		Headers: amqp.Table{
			headerFirstEnqueuedAt: first.UnixMilli(),
			headerAttempt:         int64(4),
		},
	})
	assert.Equal(t, 4, m.Attempt)
	assert.True(t, first.Equal(m.FirstEnqueuedAt))

	bare := messageFrom(QueueRefunds, amqp.Delivery{})
	assert.Equal(t, 1, bare.Attempt)
	assert.False(t, bare.FirstEnqueuedAt.IsZero())
}
