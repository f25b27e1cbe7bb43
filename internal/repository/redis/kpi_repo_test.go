package redis

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	radix "github.com/mediocregopher/radix/v3"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/orderflow/internal/datamodels/kpi"
)

const day = kpi.Date("2025-11-16")

func newTestClient(t *testing.T) (*miniredis.Miniredis, radix.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	pool, err := radix.NewPool("tcp", mr.Addr(), 8)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })
	return mr, pool
}

func money(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestRecordCompletion(t *testing.T) {
	ctx := context.Background()
	mr, client := newTestClient(t)
	repo := NewKpiRepository(client, 0)

	applied, err := repo.RecordCompletion(ctx, day, kpi.Completion{OrderID: "o-1", CustomerID: "c-1", Amount: money("100.00")})
	require.NoError(t, err)
	assert.True(t, applied)

	k, err := repo.Get(ctx, day)
	require.NoError(t, err)
	assert.Equal(t, int64(1), k.OrderCount)
	assert.Equal(t, int64(1), k.SuccessfulOrders)
	assert.Equal(t, int64(1), k.UniqueCustomers)
	assert.Equal(t, "100.00", k.TotalRevenue.StringFixed(2))
	assert.Equal(t, "100.00", k.AverageOrderValue.StringFixed(2))
	assert.Equal(t, "100.00", k.ConversionRate.StringFixed(2))
	assert.NotNil(t, k.UpdatedAt)

	assert.Equal(t, "10000", mr.HGet(dailyKey(day), "average_order_value"))
	for _, key := range []string{dailyKey(day), customersKey(day), leaderboardKey(day), ordersKey(day)} {
		assert.Equal(t, 30*24*time.Hour, mr.TTL(key), key)
	}
}

func TestRecordCompletionIsDeduplicated(t *testing.T) {
	ctx := context.Background()
	_, client := newTestClient(t)
	repo := NewKpiRepository(client, time.Hour)

	c := kpi.Completion{OrderID: "o-1", CustomerID: "c-1", Amount: money("25.00")}
	first, err := repo.RecordCompletion(ctx, day, c)
	require.NoError(t, err)
	second, err := repo.RecordCompletion(ctx, day, c)
	require.NoError(t, err)

	assert.True(t, first)
	assert.False(t, second)

	k, err := repo.Get(ctx, day)
	require.NoError(t, err)
	assert.Equal(t, int64(1), k.OrderCount)
	assert.Equal(t, "25.00", k.TotalRevenue.StringFixed(2))
}

func TestRecordCompletionZeroAmountAndNoCustomer(t *testing.T) {
	ctx := context.Background()
	mr, client := newTestClient(t)
	repo := NewKpiRepository(client, 0)

	_, err := repo.RecordCompletion(ctx, day, kpi.Completion{OrderID: "o-free", Amount: decimal.Zero})
	require.NoError(t, err)

	k, err := repo.Get(ctx, day)
	require.NoError(t, err)
	assert.Equal(t, int64(1), k.SuccessfulOrders)
	assert.Equal(t, int64(0), k.UniqueCustomers)
	assert.True(t, k.TotalRevenue.IsZero())
	assert.False(t, mr.Exists(leaderboardKey(day)))
}

// 同一客户同一天并发完成 M 单，独立客户只 +1，订单数 +M
func TestConcurrentCompletionsSameCustomer(t *testing.T) {
	ctx := context.Background()
	_, client := newTestClient(t)
	repo := NewKpiRepository(client, 0)

	const m = 25
	var wg sync.WaitGroup
	for i := 0; i < m; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := repo.RecordCompletion(ctx, day, kpi.Completion{
				OrderID:    fmt.Sprintf("o-%d", i),
				CustomerID: "c-1",
				Amount:     money("10.00"),
			})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	k, err := repo.Get(ctx, day)
	require.NoError(t, err)
	assert.Equal(t, int64(m), k.OrderCount)
	assert.Equal(t, int64(m), k.SuccessfulOrders)
	assert.Equal(t, int64(1), k.UniqueCustomers)
	assert.Equal(t, "250.00", k.TotalRevenue.StringFixed(2))
	assert.Equal(t, "10.00", k.AverageOrderValue.StringFixed(2))
}

func TestRecordFailure(t *testing.T) {
	ctx := context.Background()
	_, client := newTestClient(t)
	repo := NewKpiRepository(client, 0)

	applied, err := repo.RecordFailure(ctx, day, "o-9")
	require.NoError(t, err)
	assert.True(t, applied)
	applied, err = repo.RecordFailure(ctx, day, "o-9")
	require.NoError(t, err)
	assert.False(t, applied)

	k, err := repo.Get(ctx, day)
	require.NoError(t, err)
	assert.Equal(t, int64(1), k.OrderCount)
	assert.Equal(t, int64(1), k.FailedOrders)
	assert.Equal(t, int64(0), k.SuccessfulOrders)
	assert.True(t, k.TotalRevenue.IsZero())
	assert.True(t, k.ConversionRate.IsZero())
}

func TestRecordRefund(t *testing.T) {
	ctx := context.Background()
	_, client := newTestClient(t)
	repo := NewKpiRepository(client, 0)
	board := NewLeaderboardRepository(client)

	_, err := repo.RecordCompletion(ctx, day, kpi.Completion{OrderID: "o-1", CustomerID: "c-1", Amount: money("100.00")})
	require.NoError(t, err)
	_, err = repo.RecordCompletion(ctx, day, kpi.Completion{OrderID: "o-2", CustomerID: "c-2", Amount: money("50.00")})
	require.NoError(t, err)

	refundDay := day.AddDays(1)
	e := kpi.RefundEntry{RefundID: "REF-1", CustomerID: "c-1", Amount: money("40.00")}
	applied, err := repo.RecordRefund(ctx, refundDay, day, e)
	require.NoError(t, err)
	assert.True(t, applied)
	applied, err = repo.RecordRefund(ctx, refundDay, day, e)
	require.NoError(t, err)
	assert.False(t, applied)

	// 退款记在处理日，订单日不变
	orig, err := repo.Get(ctx, day)
	require.NoError(t, err)
	assert.Equal(t, "150.00", orig.TotalRevenue.StringFixed(2))

	k, err := repo.Get(ctx, refundDay)
	require.NoError(t, err)
	assert.Equal(t, "-40.00", k.TotalRevenue.StringFixed(2))
	assert.Equal(t, "40.00", k.RefundAmount.StringFixed(2))
	assert.Equal(t, int64(0), k.OrderCount)

	entry, err := board.Rank(ctx, day, "c-1")
	require.NoError(t, err)
	assert.Equal(t, "60.00", entry.TotalSpent.StringFixed(2))
}

func TestRecordRefundSameDayRecomputesAverage(t *testing.T) {
	ctx := context.Background()
	_, client := newTestClient(t)
	repo := NewKpiRepository(client, 0)

	_, err := repo.RecordCompletion(ctx, day, kpi.Completion{OrderID: "o-1", CustomerID: "c-1", Amount: money("100.00")})
	require.NoError(t, err)
	_, err = repo.RecordRefund(ctx, day, day, kpi.RefundEntry{RefundID: "REF-1", CustomerID: "c-1", Amount: money("100.00")})
	require.NoError(t, err)

	k, err := repo.Get(ctx, day)
	require.NoError(t, err)
	assert.True(t, k.TotalRevenue.IsZero())
	assert.True(t, k.AverageOrderValue.IsZero())
	assert.Equal(t, int64(1), k.OrderCount)
}

func TestGetMissing(t *testing.T) {
	_, client := newTestClient(t)
	_, err := NewKpiRepository(client, 0).Get(context.Background(), day)
	assert.ErrorIs(t, err, kpi.ErrNotFound)
}
