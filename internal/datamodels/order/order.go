package order

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var (
	ErrNotFound         = errors.New("order not found")
	ErrInvalidOrder     = errors.New("invalid order")
	ErrConcurrentUpdate = errors.New("order was modified concurrently")
	ErrDuplicateNumber  = errors.New("order number already exists")
)

// Item 下单时的商品快照，创建后不再变化
type Item struct {
	ProductID int64           `json:"product_id"`
	Name      string          `json:"product_name"`
	SKU       string          `json:"sku"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

// Subtotal 单行小计
func (i Item) Subtotal() decimal.Decimal {
	return i.UnitPrice.Mul(decimal.NewFromInt(int64(i.Quantity)))
}

// Customer 下单时的客户信息快照
type Customer struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

// Order 订单模型
type Order struct {
	ID               string                       `gorm:"type:char(36);primaryKey" json:"id"`
	CustomerID       string                       `gorm:"size:64;index;not null" json:"customer_id"`
	OrderNumber      string                       `gorm:"size:64;uniqueIndex;not null" json:"order_number"`
	Status           Status                       `gorm:"size:32;index;not null" json:"status"`
	TotalAmount      decimal.Decimal              `gorm:"type:decimal(12,2);not null" json:"total_amount"`
	Currency         string                       `gorm:"size:3;not null" json:"currency"`
	Items            datatypes.JSONSlice[Item]    `json:"items"`
	Customer         datatypes.JSONType[Customer] `json:"customer"`
	PaymentReference string                       `gorm:"size:64" json:"payment_reference,omitempty"`
	ReservedAt       *time.Time                   `json:"reserved_at,omitempty"`
	PaidAt           *time.Time                   `json:"paid_at,omitempty"`
	FailedAt         *time.Time                   `json:"failed_at,omitempty"`
	FailureReason    *string                      `gorm:"size:512" json:"failure_reason,omitempty"`
	Version          int64                        `gorm:"not null;default:1" json:"version"`
	CreatedAt        time.Time                    `gorm:"index" json:"created_at"`
	UpdatedAt        time.Time                    `json:"updated_at"`
	DeletedAt        gorm.DeletedAt               `gorm:"index" json:"-"`
}

// BeforeCreate 生成 UUID 主键与默认字段
func (o *Order) BeforeCreate(tx *gorm.DB) error {
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	if o.Status == "" {
		o.Status = StatusPending
	}
	if o.Version == 0 {
		o.Version = 1
	}
	return nil
}

// New 构造一个 pending 订单，总金额按商品行计算
func New(customerID, orderNumber, currency string, customer Customer, items []Item) (*Order, error) {
	o := &Order{
		ID:          uuid.NewString(),
		CustomerID:  strings.TrimSpace(customerID),
		OrderNumber: strings.TrimSpace(orderNumber),
		Status:      StatusPending,
		Currency:    strings.ToUpper(strings.TrimSpace(currency)),
		Items:       datatypes.NewJSONSlice(items),
		Customer:    datatypes.NewJSONType(customer),
		Version:     1,
	}
	if o.Currency == "" {
		o.Currency = "USD"
	}
	if o.OrderNumber == "" {
		o.OrderNumber = "ORD-" + strings.ToUpper(strings.ReplaceAll(o.ID, "-", "")[:12])
	}
	total := decimal.Zero
	for _, it := range items {
		total = total.Add(it.Subtotal())
	}
	o.TotalAmount = total.Round(2)

	if err := o.Validate(); err != nil {
		return nil, err
	}
	return o, nil
}

// Validate 校验必填字段
func (o *Order) Validate() error {
	switch {
	case o.CustomerID == "":
		return fmt.Errorf("%w: customer_id is required", ErrInvalidOrder)
	case len(o.Currency) != 3:
		return fmt.Errorf("%w: currency must be a 3-letter code", ErrInvalidOrder)
	case len(o.Items) == 0:
		return fmt.Errorf("%w: order must have at least one item", ErrInvalidOrder)
	case o.TotalAmount.IsNegative():
		return fmt.Errorf("%w: total amount must not be negative", ErrInvalidOrder)
	}
	for i, it := range o.Items {
		if it.ProductID <= 0 || it.Quantity <= 0 {
			return fmt.Errorf("%w: item %d needs a product id and a positive quantity", ErrInvalidOrder, i)
		}
		if it.UnitPrice.IsNegative() {
			return fmt.Errorf("%w: item %d has a negative unit price", ErrInvalidOrder, i)
		}
	}
	return nil
}

// TransitionTo 状态流转，非法流转返回 ErrIllegalTransition 且不修改订单
func (o *Order) TransitionTo(target Status) error {
	if !CanTransitionTo(o.Status, target) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, o.Status, target)
	}
	o.Status = target
	return nil
}

// Fail 记录失败时间与原因
func (o *Order) Fail(reason string, at time.Time) {
	o.FailedAt = &at
	o.FailureReason = &reason
}

// Reason 失败原因，没有时返回空串
func (o *Order) Reason() string {
	if o.FailureReason == nil {
		return ""
	}
	return *o.FailureReason
}

// Email 客户邮箱
func (o *Order) Email() string {
	return o.Customer.Data().Email
}

// Repository 订单仓储接口
type Repository interface {
	Create(ctx context.Context, o *Order) error
	GetByID(ctx context.Context, id string) (*Order, error)
	GetByOrderNumber(ctx context.Context, number string) (*Order, error)
	ListRecent(ctx context.Context, limit int) ([]*Order, error)
	ListByCustomer(ctx context.Context, customerID string, limit int) ([]*Order, error)
	// Update 在同一事务里加行锁读取订单，执行 fn 后按版本号写回。
	// fn 返回错误时整个事务回滚，订单不变。
	Update(ctx context.Context, id string, fn func(o *Order) error) (*Order, error)
	// ListTerminalBetween 按创建时间区间 [from, to) 列出 completed / cancelled 订单
	ListTerminalBetween(ctx context.Context, from, to time.Time) ([]*Order, error)
	// ListStale 未到终态且 updated_at 早于 before 的订单，最旧的在前
	ListStale(ctx context.Context, before time.Time, limit int) ([]*Order, error)
}
