package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/example/orderflow/internal/datamodels/order"
	"github.com/example/orderflow/internal/datamodels/refund"
	"github.com/example/orderflow/internal/events"
	"github.com/example/orderflow/internal/ports"
)

var (
	ErrOrderNotFound       = errors.New("order not found")
	ErrOrderNotRefundable  = errors.New("order is not refundable")
	ErrInvalidRefundAmount = errors.New("invalid refund amount")
)

// RefundRequest 退款请求，RefundID 为幂等键，可为空
type RefundRequest struct {
	OrderID  string
	Amount   decimal.Decimal
	Type     refund.Type
	Reason   string
	RefundID string
}

// RefundProcessor 幂等退款处理
type RefundProcessor struct {
	orders  order.Repository
	refunds refund.Repository
	gateway ports.RefundGateway
	bus     events.Bus
	log     *zap.Logger
	now     func() time.Time
}

// NewRefundProcessor 创建退款处理服务
func NewRefundProcessor(
	orders order.Repository,
	refunds refund.Repository,
	gateway ports.RefundGateway,
	bus events.Bus,
	log *zap.Logger,
) *RefundProcessor {
	if log == nil {
		log = zap.NewNop()
	}
	return &RefundProcessor{
		orders:  orders,
		refunds: refunds,
		gateway: gateway,
		bus:     bus,
		log:     log,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// NewRefundID 生成退款幂等键
func NewRefundID() string {
	return "REF-" + strings.ToUpper(uuid.NewString())
}

// Process 处理退款。同一个幂等键只会写入一行、最多调用一次网关
func (p *RefundProcessor) Process(ctx context.Context, req RefundRequest) (*refund.Refund, error) {
	// 1. 校验订单
	o, err := p.orders.GetByID(ctx, req.OrderID)
	if errors.Is(err, order.ErrNotFound) {
		p.log.Error("refund order not found", zap.String("order_id", req.OrderID))
		return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, req.OrderID)
	}
	if err != nil {
		GetMonitor().RecordDBError()
		return nil, err
	}
	if o.Status != order.StatusCompleted {
		p.log.Error("order is not refundable", zap.String("order_id", o.ID), zap.String("status", string(o.Status)))
		return nil, fmt.Errorf("%w: status %s", ErrOrderNotRefundable, o.Status)
	}

	// 2. 幂等键已存在则不再处理
	if req.RefundID != "" {
		existing, err := p.refunds.GetByRefundID(ctx, req.RefundID)
		if err == nil {
			return p.replay(ctx, existing, o), nil
		}
		if !errors.Is(err, refund.ErrNotFound) {
			GetMonitor().RecordDBError()
			return nil, err
		}
	} else {
		req.RefundID = NewRefundID()
	}

	// 3. 计算退款金额
	amount, err := resolveAmount(o, req)
	if err != nil {
		p.log.Error("invalid refund amount",
			zap.String("order_id", o.ID), zap.String("refund_id", req.RefundID), zap.Error(err))
		return nil, err
	}

	// 4. 以 processing 状态插入，没抢到键的一方走重放
	r := &refund.Refund{
		RefundID:   req.RefundID,
		OrderID:    o.ID,
		CustomerID: o.CustomerID,
		Amount:     amount,
		Type:       req.Type,
		Status:     refund.StatusProcessing,
		Reason:     req.Reason,
	}
	inserted, err := p.refunds.CreateIfAbsent(ctx, r)
	if err != nil {
		GetMonitor().RecordDBError()
		return nil, err
	}
	if !inserted {
		existing, err := p.refunds.GetByRefundID(ctx, req.RefundID)
		if err != nil {
			return nil, err
		}
		return p.replay(ctx, existing, o), nil
	}

	// 5. 调用退款网关，传输错误按失败处理
	res, err := p.gateway.ProcessRefund(ctx, amount, paymentReference(o))
	if err != nil {
		res = ports.RefundResult{Success: false, FailureReason: err.Error()}
	}

	if res.Success {
		at := res.ProcessedAt
		if at.IsZero() {
			at = p.now()
		}
		r.Complete(res.RefundReference, at.UTC())
	} else {
		r.MarkFailed(res.FailureReason)
	}
	if err := p.refunds.Save(ctx, r); err != nil {
		GetMonitor().RecordDBError()
		p.log.Error("save refund result failed",
			zap.String("refund_id", r.RefundID), zap.String("status", string(r.Status)), zap.Error(err))
		return nil, err
	}

	if res.Success {
		GetMonitor().RecordRefundProcessed()
		p.log.Info("refund processed",
			zap.String("refund_id", r.RefundID), zap.String("order_id", o.ID), zap.String("amount", amount.StringFixed(2)))
		p.publish(ctx, events.RefundProcessed{Refund: r, Order: o})
	} else {
		GetMonitor().RecordRefundFailed()
		p.log.Warn("refund failed",
			zap.String("refund_id", r.RefundID), zap.String("order_id", o.ID), zap.String("reason", r.FailureReason))
		p.publish(ctx, events.RefundFailed{Refund: r, Order: o, Reason: r.FailureReason})
	}
	return r, nil
}

// replay 已处理过的幂等键：只有 completed 会重发 RefundProcessed
func (p *RefundProcessor) replay(ctx context.Context, r *refund.Refund, o *order.Order) *refund.Refund {
	GetMonitor().RecordRefundReplay()
	p.log.Info("refund already exists",
		zap.String("refund_id", r.RefundID), zap.String("order_id", r.OrderID), zap.String("status", string(r.Status)))
	if r.Status == refund.StatusCompleted {
		p.publish(ctx, events.RefundProcessed{Refund: r, Order: o})
	}
	return r
}

func (p *RefundProcessor) publish(ctx context.Context, e events.Event) {
	if err := p.bus.Publish(ctx, e); err != nil {
		p.log.Error("publish event failed",
			zap.String("type", string(e.Type())), zap.String("order_id", e.OrderID()), zap.Error(err))
	}
}

func resolveAmount(o *order.Order, req RefundRequest) (decimal.Decimal, error) {
	switch req.Type {
	case refund.TypeFull:
		return o.TotalAmount, nil
	case refund.TypePartial:
		if !req.Amount.IsPositive() {
			return decimal.Zero, fmt.Errorf("%w: partial refund must be positive", ErrInvalidRefundAmount)
		}
		if req.Amount.GreaterThan(o.TotalAmount) {
			return decimal.Zero, fmt.Errorf("%w: %s exceeds order total %s",
				ErrInvalidRefundAmount, req.Amount.StringFixed(2), o.TotalAmount.StringFixed(2))
		}
		return req.Amount.Round(2), nil
	default:
		return decimal.Zero, fmt.Errorf("%w: %q", refund.ErrInvalidType, req.Type)
	}
}

// paymentReference 退款网关使用的支付流水号
func paymentReference(o *order.Order) string {
	if o.PaymentReference != "" {
		return o.PaymentReference
	}
	return "PAY-" + o.ID
}
