package redis

import (
	"context"
	"strconv"
	"time"

	radix "github.com/mediocregopher/radix/v3"

	"github.com/example/orderflow/internal/datamodels/kpi"
)

// 订单完成：去重、收入、计数、独立客户、排行榜、均价一次完成。
// KEYS: daily, customers, leaderboard, orders
// ARGV: order_id, customer_id, amount(分), ttl(秒), now(unix)
var completionScript = radix.NewEvalScript(4, `
if redis.call('SADD', KEYS[4], ARGV[1]) == 0 then
  return 0
end
local amount = tonumber(ARGV[3])
if amount > 0 then
  redis.call('HINCRBY', KEYS[1], 'total_revenue', amount)
end
redis.call('HINCRBY', KEYS[1], 'order_count', 1)
local successful = redis.call('HINCRBY', KEYS[1], 'successful_orders', 1)
if ARGV[2] ~= '' then
  if redis.call('SADD', KEYS[2], ARGV[2]) == 1 then
    redis.call('HINCRBY', KEYS[1], 'unique_customers', 1)
  end
  redis.call('ZINCRBY', KEYS[3], amount, ARGV[2])
  redis.call('EXPIRE', KEYS[2], ARGV[4])
  redis.call('EXPIRE', KEYS[3], ARGV[4])
end
local revenue = tonumber(redis.call('HGET', KEYS[1], 'total_revenue') or '0')
redis.call('HSET', KEYS[1], 'average_order_value', math.floor(revenue / successful + 0.5))
redis.call('HSET', KEYS[1], 'updated_at', ARGV[5])
redis.call('EXPIRE', KEYS[1], ARGV[4])
redis.call('EXPIRE', KEYS[4], ARGV[4])
return 1
`)

// 订单失败：只动 order_count 与 failed_orders。
// KEYS: daily, orders
// ARGV: order_id, ttl, now
var failureScript = radix.NewEvalScript(2, `
if redis.call('SADD', KEYS[2], ARGV[1]) == 0 then
  return 0
end
redis.call('HINCRBY', KEYS[1], 'order_count', 1)
redis.call('HINCRBY', KEYS[1], 'failed_orders', 1)
redis.call('HSET', KEYS[1], 'updated_at', ARGV[3])
redis.call('EXPIRE', KEYS[1], ARGV[2])
redis.call('EXPIRE', KEYS[2], ARGV[2])
return 1
`)

// 退款：冲减收入、累计退款额、重算均价；order_count 不变。
// 排行榜只在客户当天已有记录时扣减。
// KEYS: daily, refunds, leaderboard
// ARGV: refund_id, customer_id, amount(分), ttl, now
var refundScript = radix.NewEvalScript(3, `
if redis.call('SADD', KEYS[2], ARGV[1]) == 0 then
  return 0
end
local amount = tonumber(ARGV[3])
local revenue = redis.call('HINCRBY', KEYS[1], 'total_revenue', -amount)
redis.call('HINCRBY', KEYS[1], 'refund_amount', amount)
local successful = tonumber(redis.call('HGET', KEYS[1], 'successful_orders') or '0')
local aov = 0
if successful > 0 then
  aov = math.floor(revenue / successful + 0.5)
end
redis.call('HSET', KEYS[1], 'average_order_value', aov)
redis.call('HSET', KEYS[1], 'updated_at', ARGV[5])
if ARGV[2] ~= '' and redis.call('ZSCORE', KEYS[3], ARGV[2]) then
  redis.call('ZINCRBY', KEYS[3], -amount, ARGV[2])
  redis.call('EXPIRE', KEYS[3], ARGV[4])
end
redis.call('EXPIRE', KEYS[1], ARGV[4])
redis.call('EXPIRE', KEYS[2], ARGV[4])
return 1
`)

type kpiRepo struct {
	redis radix.Client
	ttl   time.Duration
	now   func() time.Time
}

// NewKpiRepository 创建 KPI 仓储，retention 为各 key 最后一次写入后的保留时长
func NewKpiRepository(client radix.Client, retention time.Duration) kpi.Repository {
	if retention <= 0 {
		retention = defaultRetention
	}
	return &kpiRepo{
		redis: client,
		ttl:   retention,
		now:   time.Now,
	}
}

func (r *kpiRepo) ttlArg() string {
	return strconv.FormatInt(int64(r.ttl/time.Second), 10)
}

func (r *kpiRepo) nowArg() string {
	return strconv.FormatInt(r.now().Unix(), 10)
}

func (r *kpiRepo) RecordCompletion(ctx context.Context, date kpi.Date, c kpi.Completion) (bool, error) {
	var applied int
	err := r.redis.Do(completionScript.Cmd(&applied,
		dailyKey(date), customersKey(date), leaderboardKey(date), ordersKey(date),
		c.OrderID, c.CustomerID, strconv.FormatInt(kpi.ToCents(c.Amount), 10), r.ttlArg(), r.nowArg(),
	))
	return applied == 1, err
}

func (r *kpiRepo) RecordFailure(ctx context.Context, date kpi.Date, orderID string) (bool, error) {
	var applied int
	err := r.redis.Do(failureScript.Cmd(&applied,
		dailyKey(date), ordersKey(date),
		orderID, r.ttlArg(), r.nowArg(),
	))
	return applied == 1, err
}

func (r *kpiRepo) RecordRefund(ctx context.Context, kpiDate, spendDate kpi.Date, e kpi.RefundEntry) (bool, error) {
	var applied int
	err := r.redis.Do(refundScript.Cmd(&applied,
		dailyKey(kpiDate), refundsKey(kpiDate), leaderboardKey(spendDate),
		e.RefundID, e.CustomerID, strconv.FormatInt(kpi.ToCents(e.Amount), 10), r.ttlArg(), r.nowArg(),
	))
	return applied == 1, err
}

func (r *kpiRepo) Get(ctx context.Context, date kpi.Date) (*kpi.DailyKpi, error) {
	var h map[string]string
	if err := r.redis.Do(radix.Cmd(&h, "HGETALL", dailyKey(date))); err != nil {
		return nil, err
	}
	if len(h) == 0 {
		return nil, kpi.ErrNotFound
	}
	return kpi.FromHash(date, h)
}
