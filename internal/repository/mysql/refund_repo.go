package mysql

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/example/orderflow/internal/datamodels/refund"
)

type refundRepo struct {
	db *gorm.DB
}

// NewRefundRepository 创建退款仓储
func NewRefundRepository(db *gorm.DB) refund.Repository {
	return &refundRepo{db: db}
}

func (r *refundRepo) GetByRefundID(ctx context.Context, refundID string) (*refund.Refund, error) {
	var rf refund.Refund
	if err := r.db.WithContext(ctx).Where("refund_id = ?", refundID).First(&rf).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, refund.ErrNotFound
		}
		return nil, err
	}
	return &rf, nil
}

// CreateIfAbsent 幂等插入，唯一键冲突时不报错，靠影响行数判断是否由本次写入
func (r *refundRepo) CreateIfAbsent(ctx context.Context, rf *refund.Refund) (bool, error) {
	res := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "refund_id"}},
		DoNothing: true,
	}).Create(rf)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *refundRepo) Save(ctx context.Context, rf *refund.Refund) error {
	return r.db.WithContext(ctx).
		Model(&refund.Refund{}).
		Where("refund_id = ?", rf.RefundID).
		Updates(map[string]interface{}{
			"status":            string(rf.Status),
			"gateway_reference": rf.GatewayReference,
			"failure_reason":    rf.FailureReason,
			"processed_at":      rf.ProcessedAt,
			"updated_at":        time.Now().UTC(),
		}).Error
}

func (r *refundRepo) ListByOrder(ctx context.Context, orderID string) ([]*refund.Refund, error) {
	var list []*refund.Refund
	if err := r.db.WithContext(ctx).
		Where("order_id = ?", orderID).
		Order("id ASC").
		Find(&list).Error; err != nil {
		return nil, err
	}
	return list, nil
}

func (r *refundRepo) ListCompletedBetween(ctx context.Context, from, to time.Time) ([]*refund.Refund, error) {
	var list []*refund.Refund
	if err := r.db.WithContext(ctx).
		Where("status = ?", string(refund.StatusCompleted)).
		Where("processed_at >= ? AND processed_at < ?", from.UTC(), to.UTC()).
		Order("processed_at ASC").
		Find(&list).Error; err != nil {
		return nil, err
	}
	return list, nil
}
