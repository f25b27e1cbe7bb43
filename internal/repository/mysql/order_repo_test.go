package mysql

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/example/orderflow/internal/datamodels/order"
)

func TestOrderCreateAndGet(t *testing.T) {
	ctx := context.Background()
	repo := NewOrderRepository(newTestDB(t))

	o := newTestOrder(t, "cust-1", "100.00")
	require.NoError(t, repo.Create(ctx, o))

	got, err := repo.GetByID(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusPending, got.Status)
	assert.Equal(t, "100.00", got.TotalAmount.StringFixed(2))
	assert.Equal(t, int64(1), got.Version)
	require.Len(t, got.Items, 1)
	assert.Equal(t, "W-7", got.Items[0].SKU)
	assert.Equal(t, "cust-1@example.com", got.Email())

	byNumber, err := repo.GetByOrderNumber(ctx, o.OrderNumber)
	require.NoError(t, err)
	assert.Equal(t, o.ID, byNumber.ID)
}

func TestOrderCreateDuplicateNumber(t *testing.T) {
	ctx := context.Background()
	repo := NewOrderRepository(newTestDB(t))

	a := newTestOrder(t, "cust-1", "10.00")
	b := newTestOrder(t, "cust-2", "20.00")
	b.OrderNumber = a.OrderNumber

	require.NoError(t, repo.Create(ctx, a))
	assert.ErrorIs(t, repo.Create(ctx, b), order.ErrDuplicateNumber)
}

func TestOrderGetMissing(t *testing.T) {
	_, err := NewOrderRepository(newTestDB(t)).GetByID(context.Background(), "nope")
	assert.ErrorIs(t, err, order.ErrNotFound)
}

func TestOrderSoftDeleteHidesRow(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	repo := NewOrderRepository(db)

	o := newTestOrder(t, "cust-1", "10.00")
	require.NoError(t, repo.Create(ctx, o))
	require.NoError(t, db.Delete(&order.Order{}, "id = ?", o.ID).Error)

	_, err := repo.GetByID(ctx, o.ID)
	assert.ErrorIs(t, err, order.ErrNotFound)

	var count int64
	require.NoError(t, db.Unscoped().Model(&order.Order{}).Where("id = ?", o.ID).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestOrderUpdateBumpsVersion(t *testing.T) {
	ctx := context.Background()
	repo := NewOrderRepository(newTestDB(t))

	o := newTestOrder(t, "cust-1", "10.00")
	require.NoError(t, repo.Create(ctx, o))

	now := time.Now().UTC()
	updated, err := repo.Update(ctx, o.ID, func(o *order.Order) error {
		if err := o.TransitionTo(order.StatusReservingStock); err != nil {
			return err
		}
		if err := o.TransitionTo(order.StatusStockReserved); err != nil {
			return err
		}
		o.ReservedAt = &now
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), updated.Version)

	got, err := repo.GetByID(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusStockReserved, got.Status)
	assert.Equal(t, int64(2), got.Version)
	require.NotNil(t, got.ReservedAt)
}

func TestOrderUpdateRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	repo := NewOrderRepository(newTestDB(t))

	o := newTestOrder(t, "cust-1", "10.00")
	require.NoError(t, repo.Create(ctx, o))

	_, err := repo.Update(ctx, o.ID, func(o *order.Order) error {
		return o.TransitionTo(order.StatusCompleted)
	})
	assert.ErrorIs(t, err, order.ErrIllegalTransition)

	got, err := repo.GetByID(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusPending, got.Status)
	assert.Equal(t, int64(1), got.Version)
}

func TestOrderUpdateMissing(t *testing.T) {
	_, err := NewOrderRepository(newTestDB(t)).Update(context.Background(), "nope", func(*order.Order) error {
		return errors.New("should not be called")
	})
	assert.ErrorIs(t, err, order.ErrNotFound)
}

// 版本号不匹配时 UPDATE 影响 0 行
func TestOrderUpdateVersionConflict(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()

	db, err := gorm.Open(mysql.New(mysql.Config{Conn: sqlDB, SkipInitializeWithVersion: true}), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	rows := sqlmock.NewRows([]string{"id", "customer_id", "order_number", "status", "total_amount", "currency", "version"}).
		AddRow("o-1", "cust-1", "ORD-1", "pending", "10.00", "USD", 4)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM `orders` WHERE id = ?")).WillReturnRows(rows)
	mock.ExpectExec(regexp.QuoteMeta("UPDATE `orders` SET")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	_, err = NewOrderRepository(db).Update(context.Background(), "o-1", func(o *order.Order) error {
		return o.TransitionTo(order.StatusReservingStock)
	})
	assert.ErrorIs(t, err, order.ErrConcurrentUpdate)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestOrderListTerminalBetween(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	repo := NewOrderRepository(db)

	day := time.Date(2025, 11, 16, 0, 0, 0, 0, time.UTC)
	mk := func(status order.Status, created time.Time) *order.Order {
		o := newTestOrder(t, "cust-1", "10.00")
		o.Status = status
		o.CreatedAt = created
		require.NoError(t, repo.Create(ctx, o))
		return o
	}
	completed := mk(order.StatusCompleted, day.Add(2*time.Hour))
	cancelled := mk(order.StatusCancelled, day.Add(20*time.Hour))
	mk(order.StatusProcessingPayment, day.Add(3*time.Hour))
	mk(order.StatusCompleted, day.Add(25*time.Hour))

	list, err := repo.ListTerminalBetween(ctx, day, day.Add(24*time.Hour))
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, completed.ID, list[0].ID)
	assert.Equal(t, cancelled.ID, list[1].ID)
}

func TestOrderListStale(t *testing.T) {
	ctx := context.Background()
	repo := NewOrderRepository(newTestDB(t))

	now := time.Now().UTC()
	mk := func(status order.Status, updated time.Time) *order.Order {
		o := newTestOrder(t, "cust-1", "10.00")
		o.Status = status
		o.CreatedAt = updated
		o.UpdatedAt = updated
		require.NoError(t, repo.Create(ctx, o))
		return o
	}
	oldPending := mk(order.StatusPending, now.Add(-time.Hour))
	oldReserved := mk(order.StatusStockReserved, now.Add(-30*time.Minute))
	mk(order.StatusCompleted, now.Add(-time.Hour))
	mk(order.StatusPending, now)

	list, err := repo.ListStale(ctx, now.Add(-10*time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, oldPending.ID, list[0].ID)
	assert.Equal(t, oldReserved.ID, list[1].ID)

	list, err = repo.ListStale(ctx, now.Add(-10*time.Minute), 1)
	require.NoError(t, err)
	require.Len(t, list, 1)
}

func TestOrderListRecentAndByCustomer(t *testing.T) {
	ctx := context.Background()
	repo := NewOrderRepository(newTestDB(t))

	base := time.Date(2025, 11, 16, 8, 0, 0, 0, time.UTC)
	for i, c := range []string{"a", "b", "a"} {
		o := newTestOrder(t, c, "5.00")
		o.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, repo.Create(ctx, o))
	}

	recent, err := repo.ListRecent(ctx, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "a", recent[0].CustomerID)
	assert.Equal(t, "b", recent[1].CustomerID)

	mine, err := repo.ListByCustomer(ctx, "a", 0)
	require.NoError(t, err)
	assert.Len(t, mine, 2)
}
