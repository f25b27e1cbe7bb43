package ports

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/example/orderflow/internal/config"
)

// RefundFailureReasons 模拟退款失败时的原因
var RefundFailureReasons = []string{
	"Payment gateway timeout",
	"Insufficient funds in merchant account",
	"Refund limit exceeded",
	"Payment gateway error",
}

// Rand 可注入的随机源
type Rand interface {
	Float64() float64
	Intn(n int) int
}

// lockedRand math/rand.Rand 不是并发安全的
type lockedRand struct {
	mu sync.Mutex
	r  *rand.Rand
}

func (l *lockedRand) Float64() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.r.Float64()
}

func (l *lockedRand) Intn(n int) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.r.Intn(n)
}

// NewRand 以 seed 创建并发安全的随机源
func NewRand(seed int64) Rand {
	return &lockedRand{r: rand.New(rand.NewSource(seed))}
}

// sleep 可被 ctx 打断的等待
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func reference(prefix string) string {
	id := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))
	return prefix + id[:13]
}

// SimulatedStock 模拟库存服务，按 FailureRate 随机返回库存不足
type SimulatedStock struct {
	cfg  config.PortSimulation
	rand Rand
	log  *zap.Logger
}

func NewSimulatedStock(cfg config.PortSimulation, r Rand, log *zap.Logger) *SimulatedStock {
	if r == nil {
		r = NewRand(time.Now().UnixNano())
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &SimulatedStock{cfg: cfg, rand: r, log: log}
}

func (s *SimulatedStock) ReserveStock(ctx context.Context, productID int64, quantity int, orderID string) error {
	s.log.Info("reserving stock",
		zap.Int64("product_id", productID), zap.Int("quantity", quantity), zap.String("order_id", orderID))
	if s.rand.Float64() < s.cfg.FailureRate {
		return fmt.Errorf("%w for product: %d", ErrInsufficientStock, productID)
	}
	return sleep(ctx, s.cfg.Latency)
}

func (s *SimulatedStock) ReleaseStock(ctx context.Context, productID int64, quantity int, orderID string) error {
	s.log.Info("releasing stock",
		zap.Int64("product_id", productID), zap.Int("quantity", quantity), zap.String("order_id", orderID))
	return sleep(ctx, s.cfg.Latency/2)
}

// paymentCacheSize 记住最近多少个扣款 key
const paymentCacheSize = 10000

// SimulatedPayment 模拟支付网关
type SimulatedPayment struct {
	cfg  config.PortSimulation
	rand Rand
	log  *zap.Logger
	// seen 按幂等 key 记住的扣款结果
	seen *lru.Cache[string, PaymentResult]
}

func NewSimulatedPayment(cfg config.PortSimulation, r Rand, log *zap.Logger) *SimulatedPayment {
	if r == nil {
		r = NewRand(time.Now().UnixNano())
	}
	if log == nil {
		log = zap.NewNop()
	}
	seen, _ := lru.New[string, PaymentResult](paymentCacheSize)
	return &SimulatedPayment{cfg: cfg, rand: r, log: log, seen: seen}
}

func (p *SimulatedPayment) ProcessPayment(ctx context.Context, req PaymentRequest) (PaymentResult, error) {
	// 重试直接拿到第一次的结果
	if req.IdempotencyKey != "" {
		if res, ok := p.seen.Get(req.IdempotencyKey); ok {
			p.log.Info("payment replayed",
				zap.String("order_id", req.OrderID), zap.String("idempotency_key", req.IdempotencyKey))
			return res, nil
		}
	}

	p.log.Info("processing payment",
		zap.String("order_id", req.OrderID), zap.String("amount", req.Amount.StringFixed(2)), zap.String("currency", req.Currency))
	if err := sleep(ctx, p.cfg.Latency); err != nil {
		return PaymentResult{}, err
	}
	res := PaymentResult{Success: true, PaymentReference: reference("PAY-")}
	if p.rand.Float64() < p.cfg.FailureRate {
		res = PaymentResult{Success: false, FailureReason: "Payment declined by bank"}
	}
	if req.IdempotencyKey != "" {
		p.seen.Add(req.IdempotencyKey, res)
	}
	return res, nil
}

// SimulatedRefund 模拟退款网关
type SimulatedRefund struct {
	cfg  config.PortSimulation
	rand Rand
	log  *zap.Logger
	now  func() time.Time
}

func NewSimulatedRefund(cfg config.PortSimulation, r Rand, log *zap.Logger) *SimulatedRefund {
	if r == nil {
		r = NewRand(time.Now().UnixNano())
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &SimulatedRefund{cfg: cfg, rand: r, log: log, now: time.Now}
}

func (g *SimulatedRefund) ProcessRefund(ctx context.Context, amount decimal.Decimal, paymentReference string) (RefundResult, error) {
	if err := sleep(ctx, g.cfg.Latency); err != nil {
		return RefundResult{}, err
	}
	if g.rand.Float64() < g.cfg.FailureRate {
		reason := RefundFailureReasons[g.rand.Intn(len(RefundFailureReasons))]
		g.log.Warn("refund failed",
			zap.String("amount", amount.StringFixed(2)), zap.String("payment_reference", paymentReference), zap.String("reason", reason))
		return RefundResult{Success: false, FailureReason: reason}, nil
	}
	ref := reference("REF-")
	g.log.Info("refund processed",
		zap.String("amount", amount.StringFixed(2)), zap.String("payment_reference", paymentReference), zap.String("refund_reference", ref))
	return RefundResult{Success: true, RefundReference: ref, ProcessedAt: g.now().UTC()}, nil
}
