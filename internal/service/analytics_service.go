package service

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/example/orderflow/internal/config"
	"github.com/example/orderflow/internal/datamodels/kpi"
	"github.com/example/orderflow/internal/datamodels/order"
	"github.com/example/orderflow/internal/datamodels/refund"
)

const maxLeaderboardLimit = 100

// DailyReport 日报：当天 KPI + 排行榜前 N 名
type DailyReport struct {
	Date        kpi.Date               `json:"date"`
	Kpis        *kpi.DailyKpi          `json:"kpis"`
	Leaderboard []kpi.LeaderboardEntry `json:"leaderboard"`
	GeneratedAt time.Time              `json:"generated_at"`
}

// RangeReport 区间报表，没有数据的日期不出现
type RangeReport struct {
	Start       kpi.Date        `json:"start"`
	End         kpi.Date        `json:"end"`
	Kpis        []*kpi.DailyKpi `json:"kpis"`
	GeneratedAt time.Time       `json:"generated_at"`
}

// ReconcileResult 回放统计
type ReconcileResult struct {
	Orders     int `json:"orders"`
	Refunds    int `json:"refunds"`
	Applied    int `json:"applied"`
	Duplicates int `json:"duplicates"`
}

// AnalyticsService 订单生命周期事件 -> 每日 KPI 与客户消费排行
type AnalyticsService struct {
	kpis    kpi.Repository
	board   kpi.LeaderboardRepository
	orders  order.Repository
	refunds refund.Repository
	loc     *time.Location
	limit   int
	log     *zap.Logger
	now     func() time.Time
}

// NewAnalyticsService 创建统计服务
func NewAnalyticsService(
	kpis kpi.Repository,
	board kpi.LeaderboardRepository,
	orders order.Repository,
	refunds refund.Repository,
	cfg config.AnalyticsConfig,
	log *zap.Logger,
) *AnalyticsService {
	if log == nil {
		log = zap.NewNop()
	}
	limit := cfg.LeaderboardLimit
	if limit <= 0 {
		limit = 10
	}
	return &AnalyticsService{
		kpis:    kpis,
		board:   board,
		orders:  orders,
		refunds: refunds,
		loc:     cfg.Location(),
		limit:   limit,
		log:     log,
		now:     time.Now,
	}
}

// RecordOrderCompleted 订单完成，计入下单当天
func (s *AnalyticsService) RecordOrderCompleted(ctx context.Context, o *order.Order) error {
	date := kpi.DateOf(o.CreatedAt, s.loc)
	applied, err := s.kpis.RecordCompletion(ctx, date, kpi.Completion{
		OrderID:    o.ID,
		CustomerID: o.CustomerID,
		Amount:     o.TotalAmount,
	})
	if err != nil {
		GetMonitor().RecordAnalyticsError()
		s.log.Error("record order completion failed", zap.String("order_id", o.ID), zap.String("date", date.String()), zap.Error(err))
		return err
	}
	if !applied {
		s.log.Debug("order completion already recorded", zap.String("order_id", o.ID), zap.String("date", date.String()))
	}
	return nil
}

// RecordOrderFailed 订单失败，只计数
func (s *AnalyticsService) RecordOrderFailed(ctx context.Context, o *order.Order) error {
	date := kpi.DateOf(o.CreatedAt, s.loc)
	applied, err := s.kpis.RecordFailure(ctx, date, o.ID)
	if err != nil {
		GetMonitor().RecordAnalyticsError()
		s.log.Error("record order failure failed", zap.String("order_id", o.ID), zap.String("date", date.String()), zap.Error(err))
		return err
	}
	if !applied {
		s.log.Debug("order failure already recorded", zap.String("order_id", o.ID), zap.String("date", date.String()))
	}
	return nil
}

// RecordRefund 退款计入处理当天，排行榜在下单当天扣减
func (s *AnalyticsService) RecordRefund(ctx context.Context, r *refund.Refund, o *order.Order) error {
	spendDate := kpi.DateOf(o.CreatedAt, s.loc)
	kpiDate := spendDate
	if r.ProcessedAt != nil {
		kpiDate = kpi.DateOf(*r.ProcessedAt, s.loc)
	}
	applied, err := s.kpis.RecordRefund(ctx, kpiDate, spendDate, kpi.RefundEntry{
		RefundID:   r.RefundID,
		CustomerID: r.CustomerID,
		Amount:     r.Amount,
	})
	if err != nil {
		GetMonitor().RecordAnalyticsError()
		s.log.Error("record refund failed", zap.String("refund_id", r.RefundID), zap.String("date", kpiDate.String()), zap.Error(err))
		return err
	}
	if !applied {
		s.log.Debug("refund already recorded", zap.String("refund_id", r.RefundID))
	}
	return nil
}

// RecordRefundFailed 失败退款不影响 KPI
func (s *AnalyticsService) RecordRefundFailed(ctx context.Context, r *refund.Refund, reason string) error {
	s.log.Warn("refund failed, kpi unchanged",
		zap.String("refund_id", r.RefundID), zap.String("order_id", r.OrderID), zap.String("reason", reason))
	return nil
}

// GetDailyKpi 查询某天 KPI，没有数据返回 kpi.ErrNotFound
func (s *AnalyticsService) GetDailyKpi(ctx context.Context, date string) (*kpi.DailyKpi, error) {
	d, err := kpi.ParseDate(date)
	if err != nil {
		return nil, err
	}
	return s.kpis.Get(ctx, d)
}

// KpisForRange 闭区间内有数据的每日 KPI
func (s *AnalyticsService) KpisForRange(ctx context.Context, start, end string) (*RangeReport, error) {
	from, err := kpi.ParseDate(start)
	if err != nil {
		return nil, err
	}
	to, err := kpi.ParseDate(end)
	if err != nil {
		return nil, err
	}
	dates, err := kpi.DatesBetween(from, to)
	if err != nil {
		return nil, err
	}

	report := &RangeReport{Start: from, End: to, Kpis: []*kpi.DailyKpi{}, GeneratedAt: s.now().UTC()}
	for _, d := range dates {
		k, err := s.kpis.Get(ctx, d)
		if errors.Is(err, kpi.ErrNotFound) {
			continue
		}
		if err != nil {
			GetMonitor().RecordRedisError()
			return nil, err
		}
		report.Kpis = append(report.Kpis, k)
	}
	return report, nil
}

// DailyReport 当天 KPI（可能为空）加排行榜
func (s *AnalyticsService) DailyReport(ctx context.Context, date string) (*DailyReport, error) {
	d, err := kpi.ParseDate(date)
	if err != nil {
		return nil, err
	}
	k, err := s.kpis.Get(ctx, d)
	if err != nil && !errors.Is(err, kpi.ErrNotFound) {
		GetMonitor().RecordRedisError()
		return nil, err
	}
	top, err := s.board.Top(ctx, d, s.limit)
	if err != nil {
		GetMonitor().RecordRedisError()
		return nil, err
	}
	return &DailyReport{Date: d, Kpis: k, Leaderboard: top, GeneratedAt: s.now().UTC()}, nil
}

// ClampLimit 排行榜条数限制在 1..100
func ClampLimit(n int) int {
	if n < 1 {
		return 1
	}
	if n > maxLeaderboardLimit {
		return maxLeaderboardLimit
	}
	return n
}

// TopCustomers 消费前 n 名，同分按客户 id 升序
func (s *AnalyticsService) TopCustomers(ctx context.Context, date string, n int) ([]kpi.LeaderboardEntry, error) {
	d, err := kpi.ParseDate(date)
	if err != nil {
		return nil, err
	}
	return s.board.Top(ctx, d, ClampLimit(n))
}

// CustomerRank 客户当天名次，不在榜上返回 kpi.ErrNotFound
func (s *AnalyticsService) CustomerRank(ctx context.Context, date, customerID string) (*kpi.LeaderboardEntry, error) {
	d, err := kpi.ParseDate(date)
	if err != nil {
		return nil, err
	}
	return s.board.Rank(ctx, d, customerID)
}

// Reconcile 从订单库回放 [from, to] 内的终态订单与已完成退款。
// 写入按事件去重，重复回放不会重复计数。
func (s *AnalyticsService) Reconcile(ctx context.Context, from, to string) (*ReconcileResult, error) {
	start, err := kpi.ParseDate(from)
	if err != nil {
		return nil, err
	}
	end, err := kpi.ParseDate(to)
	if err != nil {
		return nil, err
	}
	if start.Time().After(end.Time()) {
		return nil, kpi.ErrInvalidRange
	}
	lo, hi := s.dayStart(start), s.dayStart(end.AddDays(1))

	res := &ReconcileResult{}
	count := func(applied bool) {
		if applied {
			res.Applied++
		} else {
			res.Duplicates++
		}
	}

	// 1. 终态订单
	orders, err := s.orders.ListTerminalBetween(ctx, lo, hi)
	if err != nil {
		GetMonitor().RecordDBError()
		return nil, err
	}
	byID := make(map[string]*order.Order, len(orders))
	for _, o := range orders {
		byID[o.ID] = o
		date := kpi.DateOf(o.CreatedAt, s.loc)
		var applied bool
		if o.Status == order.StatusCompleted {
			applied, err = s.kpis.RecordCompletion(ctx, date, kpi.Completion{OrderID: o.ID, CustomerID: o.CustomerID, Amount: o.TotalAmount})
		} else {
			applied, err = s.kpis.RecordFailure(ctx, date, o.ID)
		}
		if err != nil {
			GetMonitor().RecordAnalyticsError()
			return nil, err
		}
		res.Orders++
		count(applied)
	}

	// 2. 已完成退款，排行榜扣减需要下单日期
	refunds, err := s.refunds.ListCompletedBetween(ctx, lo, hi)
	if err != nil {
		GetMonitor().RecordDBError()
		return nil, err
	}
	for _, r := range refunds {
		o, ok := byID[r.OrderID]
		if !ok {
			if o, err = s.orders.GetByID(ctx, r.OrderID); err != nil {
				s.log.Warn("skip refund without order", zap.String("refund_id", r.RefundID), zap.Error(err))
				continue
			}
		}
		spendDate := kpi.DateOf(o.CreatedAt, s.loc)
		kpiDate := spendDate
		if r.ProcessedAt != nil {
			kpiDate = kpi.DateOf(*r.ProcessedAt, s.loc)
		}
		applied, err := s.kpis.RecordRefund(ctx, kpiDate, spendDate, kpi.RefundEntry{RefundID: r.RefundID, CustomerID: r.CustomerID, Amount: r.Amount})
		if err != nil {
			GetMonitor().RecordAnalyticsError()
			return nil, err
		}
		res.Refunds++
		count(applied)
	}

	s.log.Info("kpi reconcile finished",
		zap.String("from", start.String()), zap.String("to", end.String()),
		zap.Int("orders", res.Orders), zap.Int("refunds", res.Refunds),
		zap.Int("applied", res.Applied), zap.Int("duplicates", res.Duplicates))
	return res, nil
}

func (s *AnalyticsService) dayStart(d kpi.Date) time.Time {
	t := d.Time()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, s.loc)
}
