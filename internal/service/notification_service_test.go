package service

import (
	"context"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/orderflow/internal/queue"
)

type captureChannel struct {
	mu  sync.Mutex
	got []queue.SendNotification
}

func (c *captureChannel) Send(ctx context.Context, n queue.SendNotification) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.got = append(c.got, n)
	return nil
}

func TestNotificationsFollowTerminalEvents(t *testing.T) {
	h := newHarness(t, "log", "email")
	notify := h.notify
	email := &captureChannel{}
	notify.Register("email", email)

	consumed := &captureChannel{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = h.broker.Consume(ctx, queue.QueueNotifications, 1, func(ctx context.Context, m queue.Message) error {
			var n queue.SendNotification
			if err := queue.Decode(m, &n); err != nil {
				return err
			}
			_ = consumed.Send(ctx, n)
			return notify.Send(ctx, n)
		})
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	h.payments.decline = "Payment declined by bank"
	o := h.run(t, h.createOrder(t, "cust-n", item(1, "42.00", 1)).ID)
	h.broker.Wait()

	consumed.mu.Lock()
	defer consumed.mu.Unlock()
	require.Len(t, consumed.got, 2)
	for _, n := range consumed.got {
		assert.Equal(t, o.ID, n.OrderID)
		assert.Equal(t, NotificationOrderFailed, n.Type)
		assert.Equal(t, "cancelled", n.Status)
		assert.Equal(t, "Payment failed: Payment declined by bank", n.FailureReason)
	}
	assert.ElementsMatch(t, []string{"log", "email"}, []string{consumed.got[0].Channel, consumed.got[1].Channel})
	assert.Len(t, email.got, 1)
}

func TestNotificationUnknownChannel(t *testing.T) {
	notify := NewNotificationService(queue.NewMemoryBroker(queue.Policy{}, nil), nil, nil)
	err := notify.Send(context.Background(), queue.SendNotification{Channel: "sms"})
	assert.ErrorIs(t, err, ErrUnknownChannel)
}

func TestFormatNotification(t *testing.T) {
	amount := decimal.RequireFromString("99.5")
	assert.Equal(t, "Order o-1 completed successfully for customer c-1. Total: $99.50",
		FormatNotification(queue.SendNotification{OrderID: "o-1", CustomerID: "c-1", TotalAmount: amount, Type: NotificationOrderCompleted}))
	assert.Equal(t, "Order o-1 failed for customer c-1. Status: cancelled. Reason: Unknown",
		FormatNotification(queue.SendNotification{OrderID: "o-1", CustomerID: "c-1", Status: "cancelled", Type: NotificationOrderFailed}))
}
