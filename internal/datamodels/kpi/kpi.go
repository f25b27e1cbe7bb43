package kpi

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

const dateLayout = "2006-01-02"

var (
	ErrInvalidDate  = errors.New("invalid date, expected YYYY-MM-DD")
	ErrInvalidRange = errors.New("start date must not be after end date")
	ErrNotFound     = errors.New("no kpi data for date")
)

// Date 统计日期，格式 YYYY-MM-DD
type Date string

// ParseDate 严格按 YYYY-MM-DD 解析
func ParseDate(s string) (Date, error) {
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidDate, s)
	}
	return Date(t.Format(dateLayout)), nil
}

// DateOf 取 t 在 loc 时区下的日期
func DateOf(t time.Time, loc *time.Location) Date {
	if loc == nil {
		loc = time.UTC
	}
	return Date(t.In(loc).Format(dateLayout))
}

func (d Date) String() string { return string(d) }

// Time 当天 00:00，UTC
func (d Date) Time() time.Time {
	t, _ := time.Parse(dateLayout, string(d))
	return t
}

func (d Date) AddDays(n int) Date {
	return Date(d.Time().AddDate(0, 0, n).Format(dateLayout))
}

// DatesBetween 闭区间 [start, end] 内的所有日期
func DatesBetween(start, end Date) ([]Date, error) {
	if start.Time().After(end.Time()) {
		return nil, ErrInvalidRange
	}
	var out []Date
	for d := start; !d.Time().After(end.Time()); d = d.AddDays(1) {
		out = append(out, d)
	}
	return out, nil
}

// ToCents 金额转为最小货币单位
func ToCents(amount decimal.Decimal) int64 {
	return amount.Shift(2).Round(0).IntPart()
}

// FromCents 最小货币单位转回金额
func FromCents(cents int64) decimal.Decimal {
	return decimal.New(cents, -2)
}

// DailyKpi 某一天的 KPI
type DailyKpi struct {
	Date              Date            `json:"date"`
	TotalRevenue      decimal.Decimal `json:"total_revenue"`
	OrderCount        int64           `json:"order_count"`
	SuccessfulOrders  int64           `json:"successful_orders"`
	FailedOrders      int64           `json:"failed_orders"`
	RefundAmount      decimal.Decimal `json:"refund_amount"`
	UniqueCustomers   int64           `json:"unique_customers"`
	AverageOrderValue decimal.Decimal `json:"average_order_value"`
	ConversionRate    decimal.Decimal `json:"conversion_rate"`
	UpdatedAt         *time.Time      `json:"updated_at,omitempty"`
}

// Hash 字段名，与 Lua 脚本保持一致
const (
	FieldTotalRevenue      = "total_revenue"
	FieldOrderCount        = "order_count"
	FieldSuccessfulOrders  = "successful_orders"
	FieldFailedOrders      = "failed_orders"
	FieldRefundAmount      = "refund_amount"
	FieldUniqueCustomers   = "unique_customers"
	FieldAverageOrderValue = "average_order_value"
	FieldUpdatedAt         = "updated_at"
)

// FromHash 由 Redis hash 构造 DailyKpi；金额字段为分。
// 均价与转化率在读取时由计数推导。
func FromHash(date Date, h map[string]string) (*DailyKpi, error) {
	num := func(field string) (int64, error) {
		v, ok := h[field]
		if !ok || v == "" {
			return 0, nil
		}
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("kpi field %s: %w", field, err)
		}
		return n, nil
	}

	k := &DailyKpi{Date: date}
	var revenue, refunded int64
	var err error
	if revenue, err = num(FieldTotalRevenue); err != nil {
		return nil, err
	}
	if refunded, err = num(FieldRefundAmount); err != nil {
		return nil, err
	}
	if k.OrderCount, err = num(FieldOrderCount); err != nil {
		return nil, err
	}
	if k.SuccessfulOrders, err = num(FieldSuccessfulOrders); err != nil {
		return nil, err
	}
	if k.FailedOrders, err = num(FieldFailedOrders); err != nil {
		return nil, err
	}
	if k.UniqueCustomers, err = num(FieldUniqueCustomers); err != nil {
		return nil, err
	}
	k.TotalRevenue = FromCents(revenue)
	k.RefundAmount = FromCents(refunded)
	k.AverageOrderValue = AverageOrderValue(k.TotalRevenue, k.SuccessfulOrders)
	k.ConversionRate = ConversionRate(k.SuccessfulOrders, k.OrderCount)

	if ts, ok := h[FieldUpdatedAt]; ok && ts != "" {
		if sec, err := strconv.ParseInt(ts, 10, 64); err == nil {
			t := time.Unix(sec, 0).UTC()
			k.UpdatedAt = &t
		}
	}
	return k, nil
}

// AverageOrderValue revenue / successful，successful 为 0 时返回 0
func AverageOrderValue(revenue decimal.Decimal, successful int64) decimal.Decimal {
	if successful <= 0 {
		return decimal.Zero
	}
	return revenue.Div(decimal.NewFromInt(successful)).Round(2)
}

// ConversionRate successful / total * 100，保留两位
func ConversionRate(successful, total int64) decimal.Decimal {
	if total <= 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(successful).
		Mul(decimal.NewFromInt(100)).
		Div(decimal.NewFromInt(total)).
		Round(2)
}

// Completion 一笔完成订单对 KPI 的贡献
type Completion struct {
	OrderID    string
	CustomerID string
	Amount     decimal.Decimal
}

// RefundEntry 一笔完成退款对 KPI 的贡献
type RefundEntry struct {
	RefundID   string
	CustomerID string
	Amount     decimal.Decimal
}

// LeaderboardEntry 排行榜条目，Rank 从 1 开始
type LeaderboardEntry struct {
	Rank       int             `json:"rank"`
	CustomerID string          `json:"customer_id"`
	TotalSpent decimal.Decimal `json:"total_spent"`
}

// Repository KPI 仓储接口。写操作均为单次往返的原子操作，
// 按事件身份去重，返回 false 表示该事件已经计入过。
type Repository interface {
	RecordCompletion(ctx context.Context, date Date, c Completion) (bool, error)
	RecordFailure(ctx context.Context, date Date, orderID string) (bool, error)
	// RecordRefund kpiDate 记收入冲减，spendDate 为当初记入排行榜的日期
	RecordRefund(ctx context.Context, kpiDate, spendDate Date, r RefundEntry) (bool, error)
	Get(ctx context.Context, date Date) (*DailyKpi, error)
}

// LeaderboardRepository 客户消费排行榜，分数相同按客户 id 升序
type LeaderboardRepository interface {
	Top(ctx context.Context, date Date, n int) ([]LeaderboardEntry, error)
	Rank(ctx context.Context, date Date, customerID string) (*LeaderboardEntry, error)
}
