package service

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/orderflow/internal/datamodels/refund"
	"github.com/example/orderflow/internal/events"
)

// 全额退款后用同一个 refund_id 重复提交：只有一行，只调一次网关
func TestRefundIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	o := h.completeOrder(t, "cust-r", "100.00")

	req := RefundRequest{OrderID: o.ID, Type: refund.TypeFull, Reason: "changed mind", RefundID: "REF-FIXED-1"}
	first, err := h.refundSvc.Process(ctx, req)
	require.NoError(t, err)
	second, err := h.refundSvc.Process(ctx, req)
	require.NoError(t, err)
	h.bus.Wait()

	assert.Equal(t, refund.StatusCompleted, first.Status)
	assert.Equal(t, "100.00", first.Amount.StringFixed(2))
	assert.NotNil(t, first.ProcessedAt)
	assert.Equal(t, first.RefundID, second.RefundID)
	assert.Equal(t, 1, h.gateway.Calls())
	assert.Equal(t, o.PaymentReference, h.gateway.lastRef)

	rows, err := h.refunds.ListByOrder(ctx, o.ID)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, refund.StatusCompleted, rows[0].Status)

	// 重放会再发一次 RefundProcessed，统计按 refund_id 去重
	assert.Equal(t, 2, h.seen.count(events.TypeRefundProcessed))
	k, err := h.analytics.GetDailyKpi(ctx, h.today())
	require.NoError(t, err)
	assert.Equal(t, "100.00", k.RefundAmount.StringFixed(2))
	assert.True(t, k.TotalRevenue.IsZero())
	assert.Equal(t, int64(1), k.OrderCount)
}

func TestRefundConcurrentSameKey(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	o := h.completeOrder(t, "cust-s", "80.00")

	const n = 8
	var wg sync.WaitGroup
	results := make([]*refund.Refund, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r, err := h.refundSvc.Process(ctx, RefundRequest{
				OrderID:  o.ID,
				Type:     refund.TypePartial,
				Amount:   decimal.RequireFromString("20.00"),
				RefundID: "REF-RACE",
			})
			assert.NoError(t, err)
			results[i] = r
		}(i)
	}
	wg.Wait()
	h.bus.Wait()

	assert.Equal(t, 1, h.gateway.Calls())
	rows, err := h.refunds.ListByOrder(ctx, o.ID)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	for _, r := range results {
		require.NotNil(t, r)
		assert.Equal(t, rows[0].RefundID, r.RefundID)
	}

	k, err := h.analytics.GetDailyKpi(ctx, h.today())
	require.NoError(t, err)
	assert.Equal(t, "20.00", k.RefundAmount.StringFixed(2))
	assert.Equal(t, "60.00", k.TotalRevenue.StringFixed(2))
}

func TestRefundGeneratesKey(t *testing.T) {
	h := newHarness(t)
	o := h.completeOrder(t, "cust-t", "10.00")

	r, err := h.refundSvc.Process(context.Background(), RefundRequest{OrderID: o.ID, Type: refund.TypeFull})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(r.RefundID, "REF-"))
	assert.Equal(t, o.CustomerID, r.CustomerID)
}

func TestRefundValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	done := h.completeOrder(t, "cust-u", "50.00")
	pending := h.createOrder(t, "cust-u", item(1, "50.00", 1))

	tests := []struct {
		name string
		req  RefundRequest
		want error
	}{
		{"missing order", RefundRequest{OrderID: "nope", Type: refund.TypeFull}, ErrOrderNotFound},
		{"not completed", RefundRequest{OrderID: pending.ID, Type: refund.TypeFull}, ErrOrderNotRefundable},
		{"exceeds total", RefundRequest{OrderID: done.ID, Type: refund.TypePartial, Amount: decimal.RequireFromString("50.01")}, ErrInvalidRefundAmount},
		{"zero partial", RefundRequest{OrderID: done.ID, Type: refund.TypePartial, Amount: decimal.Zero}, ErrInvalidRefundAmount},
		{"bad type", RefundRequest{OrderID: done.ID, Type: refund.Type("half")}, refund.ErrInvalidType},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.refundSvc.Process(ctx, tt.req)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	rows, err := h.refunds.ListByOrder(ctx, done.ID)
	require.NoError(t, err)
	assert.Empty(t, rows)
	assert.Equal(t, 0, h.gateway.Calls())
}

func TestRefundPartialEqualToTotalIsAllowed(t *testing.T) {
	h := newHarness(t)
	o := h.completeOrder(t, "cust-v", "50.00")

	r, err := h.refundSvc.Process(context.Background(), RefundRequest{
		OrderID: o.ID, Type: refund.TypePartial, Amount: decimal.RequireFromString("50.00"),
	})
	require.NoError(t, err)
	assert.Equal(t, refund.StatusCompleted, r.Status)
}

func TestRefundGatewayFailure(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.gateway.fail = "Insufficient funds in merchant account"
	o := h.completeOrder(t, "cust-w", "40.00")

	r, err := h.refundSvc.Process(ctx, RefundRequest{OrderID: o.ID, Type: refund.TypeFull, RefundID: "REF-FAIL"})
	require.NoError(t, err)
	assert.Equal(t, refund.StatusFailed, r.Status)
	assert.Equal(t, "Insufficient funds in merchant account", r.FailureReason)
	assert.Nil(t, r.ProcessedAt)

	// 失败的键重复提交：不再调网关，也不重发事件
	again, err := h.refundSvc.Process(ctx, RefundRequest{OrderID: o.ID, Type: refund.TypeFull, RefundID: "REF-FAIL"})
	require.NoError(t, err)
	assert.Equal(t, refund.StatusFailed, again.Status)
	h.bus.Wait()

	assert.Equal(t, 1, h.gateway.Calls())
	assert.Equal(t, 1, h.seen.count(events.TypeRefundFailed))
	assert.Equal(t, 0, h.seen.count(events.TypeRefundProcessed))

	k, err := h.analytics.GetDailyKpi(ctx, h.today())
	require.NoError(t, err)
	assert.True(t, k.RefundAmount.IsZero())
	assert.Equal(t, "40.00", k.TotalRevenue.StringFixed(2))
}

func TestRefundGatewayErrorCountsAsFailure(t *testing.T) {
	h := newHarness(t)
	h.gateway.err = errGatewayDown
	o := h.completeOrder(t, "cust-x", "15.00")

	r, err := h.refundSvc.Process(context.Background(), RefundRequest{OrderID: o.ID, Type: refund.TypeFull})
	require.NoError(t, err)
	assert.Equal(t, refund.StatusFailed, r.Status)
	assert.Equal(t, "gateway unreachable", r.FailureReason)
}

func TestPaymentReferenceFallback(t *testing.T) {
	h := newHarness(t)
	o := h.createOrder(t, "cust-y", item(1, "1.00", 1))
	assert.Equal(t, "PAY-"+o.ID, paymentReference(o))
	o.PaymentReference = "PAY-ABC"
	assert.Equal(t, "PAY-ABC", paymentReference(o))
}
