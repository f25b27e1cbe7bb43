package mysql

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/example/orderflow/internal/datamodels/order"
)

type orderRepo struct {
	db *gorm.DB
}

// NewOrderRepository 创建订单仓储
func NewOrderRepository(db *gorm.DB) order.Repository {
	return &orderRepo{db: db}
}

func (r *orderRepo) Create(ctx context.Context, o *order.Order) error {
	err := r.db.WithContext(ctx).Create(o).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return order.ErrDuplicateNumber
	}
	return err
}

func (r *orderRepo) GetByID(ctx context.Context, id string) (*order.Order, error) {
	return r.first(r.db.WithContext(ctx).Where("id = ?", id))
}

func (r *orderRepo) GetByOrderNumber(ctx context.Context, number string) (*order.Order, error) {
	return r.first(r.db.WithContext(ctx).Where("order_number = ?", number))
}

func (r *orderRepo) first(q *gorm.DB) (*order.Order, error) {
	var o order.Order
	if err := q.First(&o).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, order.ErrNotFound
		}
		return nil, err
	}
	return &o, nil
}

func (r *orderRepo) ListRecent(ctx context.Context, limit int) ([]*order.Order, error) {
	if limit <= 0 {
		limit = 20
	}
	var list []*order.Order
	if err := r.db.WithContext(ctx).
		Order("created_at DESC").
		Limit(limit).
		Find(&list).Error; err != nil {
		return nil, err
	}
	return list, nil
}

func (r *orderRepo) ListByCustomer(ctx context.Context, customerID string, limit int) ([]*order.Order, error) {
	if limit <= 0 {
		limit = 20
	}
	var list []*order.Order
	if err := r.db.WithContext(ctx).
		Where("customer_id = ?", customerID).
		Order("created_at DESC").
		Limit(limit).
		Find(&list).Error; err != nil {
		return nil, err
	}
	return list, nil
}

// Update 行锁 + 版本号。sqlite 不支持 FOR UPDATE，驱动会忽略该子句，此时依赖版本号。
func (r *orderRepo) Update(ctx context.Context, id string, fn func(o *order.Order) error) (*order.Order, error) {
	var out order.Order
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var o order.Order
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", id).
			First(&o).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return order.ErrNotFound
			}
			return err
		}

		prev := o.Version
		if err := fn(&o); err != nil {
			return err
		}
		o.Version = prev + 1
		o.UpdatedAt = time.Now().UTC()

		res := tx.Model(&order.Order{}).
			Where("id = ? AND version = ?", o.ID, prev).
			Updates(map[string]interface{}{
				"status":            string(o.Status),
				"payment_reference": o.PaymentReference,
				"reserved_at":       o.ReservedAt,
				"paid_at":           o.PaidAt,
				"failed_at":         o.FailedAt,
				"failure_reason":    o.FailureReason,
				"version":           o.Version,
				"updated_at":        o.UpdatedAt,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return order.ErrConcurrentUpdate
		}
		out = o
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (r *orderRepo) ListTerminalBetween(ctx context.Context, from, to time.Time) ([]*order.Order, error) {
	var list []*order.Order
	if err := r.db.WithContext(ctx).
		Where("status IN ?", []string{string(order.StatusCompleted), string(order.StatusCancelled)}).
		Where("created_at >= ? AND created_at < ?", from.UTC(), to.UTC()).
		Order("created_at ASC").
		Find(&list).Error; err != nil {
		return nil, err
	}
	return list, nil
}

func (r *orderRepo) ListStale(ctx context.Context, before time.Time, limit int) ([]*order.Order, error) {
	statuses := make([]string, 0, 8)
	for _, st := range order.InFlightStatuses() {
		statuses = append(statuses, string(st))
	}
	var list []*order.Order
	if err := r.db.WithContext(ctx).
		Where("status IN ?", statuses).
		Where("updated_at < ?", before.UTC()).
		Order("updated_at ASC").
		Limit(limit).
		Find(&list).Error; err != nil {
		return nil, err
	}
	return list, nil
}
