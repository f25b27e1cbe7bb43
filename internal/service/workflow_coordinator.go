package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/example/orderflow/internal/config"
	"github.com/example/orderflow/internal/datamodels/order"
	"github.com/example/orderflow/internal/events"
	"github.com/example/orderflow/internal/lock"
	"github.com/example/orderflow/internal/ports"
)

const orderLockKey = "order:lock:%s"

// errAlreadyCancelled 让 Update 回滚事务，回滚已完成时作为空操作
var errAlreadyCancelled = errors.New("order already cancelled")

// WorkflowCoordinator 订单流程编排：锁库存 -> 支付 -> 完成，任一步失败则补偿
type WorkflowCoordinator struct {
	orders         order.Repository
	stock          ports.StockService
	payments       ports.PaymentGateway
	bus            events.Bus
	locker         lock.Locker
	log            *zap.Logger
	now            func() time.Time
	releasePartial bool
}

// NewWorkflowCoordinator 创建流程编排服务
func NewWorkflowCoordinator(
	orders order.Repository,
	stock ports.StockService,
	payments ports.PaymentGateway,
	bus events.Bus,
	locker lock.Locker,
	cfg config.WorkflowConfig,
	log *zap.Logger,
) *WorkflowCoordinator {
	if log == nil {
		log = zap.NewNop()
	}
	return &WorkflowCoordinator{
		orders:         orders,
		stock:          stock,
		payments:       payments,
		bus:            bus,
		locker:         locker,
		log:            log,
		now:            func() time.Time { return time.Now().UTC() },
		releasePartial: cfg.ReleasePartialReservations,
	}
}

func (c *WorkflowCoordinator) lock(ctx context.Context, orderID string) (func(), error) {
	unlock, err := c.locker.Lock(ctx, fmt.Sprintf(orderLockKey, orderID))
	if err != nil {
		return nil, fmt.Errorf("lock order %s: %w", orderID, err)
	}
	return unlock, nil
}

// maxResumeSteps 一次 Resume 最多推进的步数，正常流程不超过 4 步
const maxResumeSteps = 8

// Resume 按库里的状态把订单推进到终态。
// 任一步返回错误时直接返回，由队列重投，下次从已提交的状态继续。
func (c *WorkflowCoordinator) Resume(ctx context.Context, orderID string) error {
	for i := 0; i < maxResumeSteps; i++ {
		o, err := c.orders.GetByID(ctx, orderID)
		if err != nil {
			return err
		}

		switch o.Status {
		case order.StatusPending:
			err = c.StartProcessing(ctx, orderID)
		case order.StatusStockReserved:
			err = c.ChargePayment(ctx, orderID)
		case order.StatusPaymentSucceeded:
			err = c.Finalize(ctx, orderID)
		case order.StatusStockReservationFailed,
			order.StatusPaymentFailed,
			order.StatusReservingStock,
			order.StatusProcessingPayment:
			err = c.Rollback(ctx, orderID, rollbackReason(o))
		default:
			return nil
		}

		// 状态已被别的 worker 推进，重新读取
		if err != nil && !errors.Is(err, order.ErrIllegalTransition) && !errors.Is(err, order.ErrConcurrentUpdate) {
			return err
		}
	}
	return fmt.Errorf("order %s not settled after %d steps", orderID, maxResumeSteps)
}

func rollbackReason(o *order.Order) string {
	switch o.Status {
	case order.StatusPaymentFailed:
		return "Payment failed: " + o.Reason()
	case order.StatusStockReservationFailed:
		return o.Reason()
	default:
		return fmt.Sprintf("Workflow interrupted in %s", o.Status)
	}
}

// paymentKey 订单 id + 发起支付前的版本号
func paymentKey(o *order.Order) string {
	return o.ID + ":" + strconv.FormatInt(o.Version, 10)
}

// StartProcessing 启动订单流程：pending -> reserving_stock，逐项锁库存
func (c *WorkflowCoordinator) StartProcessing(ctx context.Context, orderID string) error {
	unlock, err := c.lock(ctx, orderID)
	if err != nil {
		return err
	}
	defer unlock()

	var reason string
	o, err := c.orders.Update(ctx, orderID, func(o *order.Order) error {
		if err := o.TransitionTo(order.StatusReservingStock); err != nil {
			return err
		}

		// 1. 逐项锁库存，记录本次已成功锁定的条目
		reserved := make([]order.Item, 0, len(o.Items))
		for _, item := range o.Items {
			if err := c.stock.ReserveStock(ctx, item.ProductID, item.Quantity, o.ID); err != nil {
				reason = "Stock reservation failed: " + err.Error()
				break
			}
			reserved = append(reserved, item)
		}

		// 2. 锁库存失败：释放本次已锁的部分
		if reason != "" {
			if c.releasePartial {
				c.release(ctx, o.ID, reserved)
			}
			if err := o.TransitionTo(order.StatusStockReservationFailed); err != nil {
				return err
			}
			o.Fail(reason, c.now())
			return nil
		}

		// 3. 全部锁定成功
		if err := o.TransitionTo(order.StatusStockReserved); err != nil {
			return err
		}
		at := c.now()
		o.ReservedAt = &at
		return nil
	})
	if err != nil {
		c.recordStoreError(err)
		return err
	}

	if reason != "" {
		c.log.Warn("stock reservation failed", zap.String("order_id", o.ID), zap.String("reason", reason))
		c.publish(ctx, events.StockReservationFailed{Order: o, Reason: reason})
		return c.rollbackLocked(ctx, orderID, reason)
	}

	c.log.Info("stock reserved", zap.String("order_id", o.ID), zap.Int("items", len(o.Items)))
	c.publish(ctx, events.StockReserved{Order: o})
	return nil
}

// ChargePayment 库存锁定后发起支付：stock_reserved -> payment_succeeded / payment_failed
func (c *WorkflowCoordinator) ChargePayment(ctx context.Context, orderID string) error {
	unlock, err := c.lock(ctx, orderID)
	if err != nil {
		return err
	}
	defer unlock()

	var result ports.PaymentResult
	o, err := c.orders.Update(ctx, orderID, func(o *order.Order) error {
		// 事务回滚后版本号不变，重试带同一个 key
		key := paymentKey(o)
		if err := o.TransitionTo(order.StatusProcessingPayment); err != nil {
			return err
		}

		res, err := c.payments.ProcessPayment(ctx, ports.PaymentRequest{
			OrderID:        o.ID,
			Amount:         o.TotalAmount,
			Currency:       o.Currency,
			CustomerEmail:  o.Email(),
			IdempotencyKey: key,
		})
		if err != nil {
			res = ports.PaymentResult{Success: false, FailureReason: err.Error()}
		}
		result = res

		if res.Success {
			if err := o.TransitionTo(order.StatusPaymentSucceeded); err != nil {
				return err
			}
			at := c.now()
			o.PaidAt = &at
			o.PaymentReference = res.PaymentReference
			return nil
		}

		if err := o.TransitionTo(order.StatusPaymentFailed); err != nil {
			return err
		}
		o.Fail(res.FailureReason, c.now())
		return nil
	})
	if err != nil {
		c.recordStoreError(err)
		return err
	}

	if result.Success {
		c.log.Info("payment processed",
			zap.String("order_id", o.ID), zap.String("payment_reference", result.PaymentReference))
	} else {
		c.log.Warn("payment failed", zap.String("order_id", o.ID), zap.String("reason", result.FailureReason))
	}
	c.publish(ctx, events.PaymentProcessed{
		Order:            o,
		Success:          result.Success,
		PaymentReference: result.PaymentReference,
		FailureReason:    result.FailureReason,
	})
	return nil
}

// Finalize 支付成功后完成订单
func (c *WorkflowCoordinator) Finalize(ctx context.Context, orderID string) error {
	unlock, err := c.lock(ctx, orderID)
	if err != nil {
		return err
	}
	defer unlock()

	o, err := c.orders.Update(ctx, orderID, func(o *order.Order) error {
		return o.TransitionTo(order.StatusCompleted)
	})
	if err != nil {
		c.recordStoreError(err)
		return err
	}

	GetMonitor().RecordOrderCompleted()
	c.log.Info("order completed", zap.String("order_id", o.ID), zap.String("total", o.TotalAmount.StringFixed(2)))
	c.publish(ctx, events.OrderCompleted{Order: o})
	return nil
}

// Rollback 补偿：释放库存、取消订单并发布 OrderFailed。已取消的订单直接返回
func (c *WorkflowCoordinator) Rollback(ctx context.Context, orderID, reason string) error {
	unlock, err := c.lock(ctx, orderID)
	if err != nil {
		return err
	}
	defer unlock()
	return c.rollbackLocked(ctx, orderID, reason)
}

func (c *WorkflowCoordinator) rollbackLocked(ctx context.Context, orderID, reason string) error {
	o, err := c.orders.Update(ctx, orderID, func(o *order.Order) error {
		if o.Status == order.StatusCancelled {
			return errAlreadyCancelled
		}
		if o.Status.Releasable() {
			c.release(ctx, o.ID, o.Items)
		}

		// 中间态先落到对应的失败态，再取消
		switch o.Status {
		case order.StatusReservingStock:
			if err := o.TransitionTo(order.StatusStockReservationFailed); err != nil {
				return err
			}
		case order.StatusProcessingPayment:
			if err := o.TransitionTo(order.StatusPaymentFailed); err != nil {
				return err
			}
		}
		if err := o.TransitionTo(order.StatusCancelled); err != nil {
			return err
		}
		o.Fail(reason, c.now())
		return nil
	})
	if errors.Is(err, errAlreadyCancelled) {
		c.log.Debug("rollback skipped, order already cancelled", zap.String("order_id", orderID))
		return nil
	}
	if err != nil {
		c.recordStoreError(err)
		return err
	}

	GetMonitor().RecordOrderFailed()
	c.log.Warn("order rolled back", zap.String("order_id", o.ID), zap.String("reason", reason))
	c.publish(ctx, events.OrderFailed{Order: o, Reason: reason})
	return nil
}

// release 尽力释放库存，失败只记录日志
func (c *WorkflowCoordinator) release(ctx context.Context, orderID string, items []order.Item) {
	for _, item := range items {
		if err := c.stock.ReleaseStock(ctx, item.ProductID, item.Quantity, orderID); err != nil {
			c.log.Error("release stock failed",
				zap.String("order_id", orderID), zap.Int64("product_id", item.ProductID), zap.Error(err))
		}
	}
}

// publish 事务提交后发布事件，失败只记录日志
func (c *WorkflowCoordinator) publish(ctx context.Context, e events.Event) {
	if err := c.bus.Publish(ctx, e); err != nil {
		c.log.Error("publish event failed",
			zap.String("type", string(e.Type())), zap.String("order_id", e.OrderID()), zap.Error(err))
	}
}

func (c *WorkflowCoordinator) recordStoreError(err error) {
	switch {
	case errors.Is(err, order.ErrIllegalTransition),
		errors.Is(err, order.ErrNotFound),
		errors.Is(err, order.ErrConcurrentUpdate):
	default:
		GetMonitor().RecordDBError()
	}
}
