package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	radix "github.com/mediocregopher/radix/v3"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/example/orderflow/internal/config"
	"github.com/example/orderflow/internal/datamodels/kpi"
	"github.com/example/orderflow/internal/datamodels/order"
	"github.com/example/orderflow/internal/datamodels/refund"
	"github.com/example/orderflow/internal/events"
	"github.com/example/orderflow/internal/lock"
	"github.com/example/orderflow/internal/ports"
	"github.com/example/orderflow/internal/queue"
	"github.com/example/orderflow/internal/repository/mysql"
	redisrepo "github.com/example/orderflow/internal/repository/redis"
)

type fakeStock struct {
	mu       sync.Mutex
	failOn   map[int64]bool
	reserved []int64
	released []int64
}

func (s *fakeStock) ReserveStock(ctx context.Context, productID int64, quantity int, orderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failOn[productID] {
		return fmt.Errorf("%w for product: %d", ports.ErrInsufficientStock, productID)
	}
	s.reserved = append(s.reserved, productID)
	return nil
}

func (s *fakeStock) ReleaseStock(ctx context.Context, productID int64, quantity int, orderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.released = append(s.released, productID)
	return nil
}

func (s *fakeStock) Released() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int64(nil), s.released...)
}

type fakePayment struct {
	mu      sync.Mutex
	decline string
	err     error
	calls   int32
	keys    []string
}

func (p *fakePayment) Keys() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.keys...)
}

func (p *fakePayment) ProcessPayment(ctx context.Context, req ports.PaymentRequest) (ports.PaymentResult, error) {
	atomic.AddInt32(&p.calls, 1)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.keys = append(p.keys, req.IdempotencyKey)
	if p.err != nil {
		return ports.PaymentResult{}, p.err
	}
	if p.decline != "" {
		return ports.PaymentResult{Success: false, FailureReason: p.decline}, nil
	}
	return ports.PaymentResult{Success: true, PaymentReference: "PAY-" + req.OrderID[:8]}, nil
}

type fakeRefundGateway struct {
	mu      sync.Mutex
	calls   int32
	fail    string
	err     error
	delay   time.Duration
	lastRef string
}

func (g *fakeRefundGateway) ProcessRefund(ctx context.Context, amount decimal.Decimal, paymentReference string) (ports.RefundResult, error) {
	n := atomic.AddInt32(&g.calls, 1)
	if g.delay > 0 {
		time.Sleep(g.delay)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.lastRef = paymentReference
	if g.err != nil {
		return ports.RefundResult{}, g.err
	}
	if g.fail != "" {
		return ports.RefundResult{Success: false, FailureReason: g.fail}, nil
	}
	return ports.RefundResult{
		Success:         true,
		RefundReference: "REF-GW-" + decimal.NewFromInt(int64(n)).String(),
		ProcessedAt:     time.Now().UTC(),
	}, nil
}

func (g *fakeRefundGateway) Calls() int {
	return int(atomic.LoadInt32(&g.calls))
}

// recorder 记录总线上出现的事件
type recorder struct {
	mu  sync.Mutex
	got map[events.Type][]events.Event
}

func (r *recorder) handler(ctx context.Context, e events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got[e.Type()] = append(r.got[e.Type()], e)
	return nil
}

func (r *recorder) count(t events.Type) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.got[t])
}

type harness struct {
	mr        *miniredis.Miniredis
	orders    order.Repository
	refunds   refund.Repository
	kpis      kpi.Repository
	board     kpi.LeaderboardRepository
	bus       *events.AsyncBus
	broker    *queue.MemoryBroker
	stock     *fakeStock
	payments  *fakePayment
	gateway   *fakeRefundGateway
	workflow  *WorkflowCoordinator
	refundSvc *RefundProcessor
	analytics *AnalyticsService
	orderSvc  *OrderService
	notify    *NotificationService
	seen      *recorder
}

// newHarness channels 非空时同时订阅通知
func newHarness(t *testing.T, channels ...string) *harness {
	t.Helper()
	GetMonitor().Reset()

	db, err := mysql.Open(config.DatabaseConfig{Driver: "sqlite", DSN: ":memory:", LogLevel: "silent"})
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})

	mr := miniredis.RunT(t)
	pool, err := radix.NewPool("tcp", mr.Addr(), 8)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })

	h := &harness{
		mr:       mr,
		orders:   mysql.NewOrderRepository(db),
		refunds:  mysql.NewRefundRepository(db),
		kpis:     redisrepo.NewKpiRepository(pool, 0),
		board:    redisrepo.NewLeaderboardRepository(pool),
		broker:   queue.NewMemoryBroker(queue.Policy{Backoff: time.Millisecond}, nil),
		stock:    &fakeStock{failOn: map[int64]bool{}},
		payments: &fakePayment{},
		gateway:  &fakeRefundGateway{},
		seen:     &recorder{got: map[events.Type][]events.Event{}},
	}
	h.bus = events.NewAsyncBus(events.Options{Lanes: 4, MaxAttempts: 3, Backoff: time.Millisecond})

	cfg := config.DefaultConfig()
	h.workflow = NewWorkflowCoordinator(h.orders, h.stock, h.payments, h.bus, lock.NewLocalLocker(), cfg.Workflow, nil)
	h.refundSvc = NewRefundProcessor(h.orders, h.refunds, h.gateway, h.bus, nil)
	h.analytics = NewAnalyticsService(h.kpis, h.board, h.orders, h.refunds, cfg.Analytics, nil)
	h.orderSvc = NewOrderService(h.orders, h.refunds, h.broker, nil)

	if len(channels) > 0 {
		h.notify = NewNotificationService(h.broker, channels, nil)
	}
	Subscribe(h.bus, h.analytics, h.notify, nil)
	for _, typ := range []events.Type{
		events.TypeStockReserved, events.TypeStockReservationFailed, events.TypePaymentProcessed,
		events.TypeOrderCompleted, events.TypeOrderFailed, events.TypeRefundProcessed, events.TypeRefundFailed,
	} {
		h.bus.Subscribe(typ, "test.recorder", h.seen.handler)
	}

	ctx, cancel := context.WithCancel(context.Background())
	h.bus.Start(ctx)
	t.Cleanup(func() {
		h.bus.Close()
		cancel()
	})
	return h
}

func item(productID int64, price string, qty int) order.Item {
	return order.Item{ProductID: productID, Name: "Item", SKU: "SKU", Quantity: qty, UnitPrice: decimal.RequireFromString(price)}
}

// createOrder 直接落库一个 pending 订单
func (h *harness) createOrder(t *testing.T, customerID string, items ...order.Item) *order.Order {
	t.Helper()
	o, err := order.New(customerID, "", "USD", order.Customer{Name: customerID, Email: customerID + "@example.com"}, items)
	require.NoError(t, err)
	require.NoError(t, h.orders.Create(context.Background(), o))
	return o
}

// run 跑完订单流程并等待所有事件处理完
func (h *harness) run(t *testing.T, orderID string) *order.Order {
	t.Helper()
	err := h.workflow.Resume(context.Background(), orderID)
	require.NoError(t, err)
	h.bus.Wait()
	o, err := h.orders.GetByID(context.Background(), orderID)
	require.NoError(t, err)
	return o
}

// completeOrder 走完整个成功流程
func (h *harness) completeOrder(t *testing.T, customerID, amount string) *order.Order {
	t.Helper()
	o := h.run(t, h.createOrder(t, customerID, item(1, amount, 1)).ID)
	require.Equal(t, order.StatusCompleted, o.Status)
	return o
}

func (h *harness) today() string {
	return kpi.DateOf(time.Now(), time.UTC).String()
}

var errGatewayDown = errors.New("gateway unreachable")
