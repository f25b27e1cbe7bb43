package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/example/orderflow/internal/datamodels/order"
	"github.com/example/orderflow/internal/datamodels/refund"
	"github.com/example/orderflow/internal/queue"
)

// CreateOrderRequest 下单参数
type CreateOrderRequest struct {
	CustomerID  string         `json:"customer_id"`
	OrderNumber string         `json:"order_number"`
	Currency    string         `json:"currency"`
	Customer    order.Customer `json:"customer"`
	Items       []order.Item   `json:"items"`
}

// OrderService 下单、查询与退款申请
type OrderService struct {
	repo    order.Repository
	refunds refund.Repository
	broker  queue.Broker
	log     *zap.Logger
	now     func() time.Time
}

// NewOrderService 创建订单服务
func NewOrderService(repo order.Repository, refunds refund.Repository, broker queue.Broker, log *zap.Logger) *OrderService {
	if log == nil {
		log = zap.NewNop()
	}
	return &OrderService{repo: repo, refunds: refunds, broker: broker, log: log, now: time.Now}
}

// Create 校验并落库，然后投递 StartOrderWorkflow。
// 同一客户用同一订单号重试，且上次的订单还是 pending 时，重新投递并返回已有订单。
func (s *OrderService) Create(ctx context.Context, req CreateOrderRequest) (*order.Order, error) {
	o, err := order.New(req.CustomerID, req.OrderNumber, req.Currency, req.Customer, req.Items)
	if err != nil {
		return nil, err
	}
	err = s.repo.Create(ctx, o)
	if errors.Is(err, order.ErrDuplicateNumber) {
		return s.retryCreate(ctx, o)
	}
	if err != nil {
		GetMonitor().RecordDBError()
		return nil, err
	}
	GetMonitor().RecordOrderCreated()

	if err := s.dispatch(ctx, o.ID); err != nil {
		return o, err
	}
	s.log.Info("order created",
		zap.String("order_id", o.ID), zap.String("order_number", o.OrderNumber), zap.String("total", o.TotalAmount.StringFixed(2)))
	return o, nil
}

func (s *OrderService) retryCreate(ctx context.Context, o *order.Order) (*order.Order, error) {
	existing, err := s.repo.GetByOrderNumber(ctx, o.OrderNumber)
	if err != nil {
		return nil, order.ErrDuplicateNumber
	}
	if existing.CustomerID != o.CustomerID || existing.Status != order.StatusPending {
		return nil, order.ErrDuplicateNumber
	}
	if err := s.dispatch(ctx, existing.ID); err != nil {
		return existing, err
	}
	s.log.Info("order create retried",
		zap.String("order_id", existing.ID), zap.String("order_number", existing.OrderNumber))
	return existing, nil
}

func (s *OrderService) dispatch(ctx context.Context, orderID string) error {
	if err := queue.PublishJSON(ctx, s.broker, queue.QueueOrderProcessing, queue.StartOrderWorkflow{OrderID: orderID}); err != nil {
		GetMonitor().RecordMQError()
		s.log.Error("dispatch order workflow failed", zap.String("order_id", orderID), zap.Error(err))
		return fmt.Errorf("dispatch order workflow: %w", err)
	}
	return nil
}

// RedispatchStale 把 staleAfter 内没有变化的未终态订单重新投递到流程队列，返回投递数量
func (s *OrderService) RedispatchStale(ctx context.Context, staleAfter time.Duration, limit int) (int, error) {
	if limit <= 0 {
		return 0, nil
	}
	stale, err := s.repo.ListStale(ctx, s.now().Add(-staleAfter), limit)
	if err != nil {
		GetMonitor().RecordDBError()
		return 0, err
	}
	n := 0
	for _, o := range stale {
		if err := s.dispatch(ctx, o.ID); err != nil {
			return n, err
		}
		n++
		s.log.Warn("stale order redispatched",
			zap.String("order_id", o.ID), zap.String("status", string(o.Status)), zap.Time("updated_at", o.UpdatedAt))
	}
	return n, nil
}

// Get 按 id 查询订单
func (s *OrderService) Get(ctx context.Context, id string) (*order.Order, error) {
	return s.repo.GetByID(ctx, id)
}

// ListRecent 查询最新的订单记录，customerID 非空时只查该客户
func (s *OrderService) ListRecent(ctx context.Context, customerID string, limit int) ([]*order.Order, error) {
	if customerID != "" {
		return s.repo.ListByCustomer(ctx, customerID, limit)
	}
	return s.repo.ListRecent(ctx, limit)
}

// ListRefunds 订单的退款记录
func (s *OrderService) ListRefunds(ctx context.Context, orderID string) ([]*refund.Refund, error) {
	if _, err := s.repo.GetByID(ctx, orderID); err != nil {
		return nil, err
	}
	return s.refunds.ListByOrder(ctx, orderID)
}

// GetRefund 按幂等键查询退款
func (s *OrderService) GetRefund(ctx context.Context, refundID string) (*refund.Refund, error) {
	return s.refunds.GetByRefundID(ctx, refundID)
}

// RequestRefund 同步校验后投递 ProcessRefund，返回幂等键
func (s *OrderService) RequestRefund(ctx context.Context, req RefundRequest) (string, error) {
	o, err := s.repo.GetByID(ctx, req.OrderID)
	if errors.Is(err, order.ErrNotFound) {
		return "", fmt.Errorf("%w: %s", ErrOrderNotFound, req.OrderID)
	}
	if err != nil {
		return "", err
	}
	if o.Status != order.StatusCompleted {
		return "", fmt.Errorf("%w: status %s", ErrOrderNotRefundable, o.Status)
	}
	amount, err := resolveAmount(o, req)
	if err != nil {
		return "", err
	}
	if req.RefundID == "" {
		req.RefundID = NewRefundID()
	}

	job := queue.ProcessRefund{
		OrderID:  o.ID,
		Amount:   amount,
		Type:     string(req.Type),
		Reason:   req.Reason,
		RefundID: req.RefundID,
	}
	if err := queue.PublishJSON(ctx, s.broker, queue.QueueRefunds, job); err != nil {
		GetMonitor().RecordMQError()
		return "", fmt.Errorf("dispatch refund: %w", err)
	}
	s.log.Info("refund requested",
		zap.String("order_id", o.ID), zap.String("refund_id", req.RefundID), zap.String("type", job.Type))
	return req.RefundID, nil
}
