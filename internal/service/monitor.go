package service

import (
	"sync"
	"time"
)

// Monitor 监控服务，用于统计订单流程、退款与统计写入的计数
type Monitor struct {
	mu sync.RWMutex

	// 错误统计
	RedisErrors     int64
	MQErrors        int64
	DBErrors        int64
	AnalyticsErrors int64
	WorkerErrors    int64

	// 业务统计
	OrdersCreated    int64
	OrdersCompleted  int64
	OrdersFailed     int64
	RefundsProcessed int64
	RefundsFailed    int64
	RefundReplays    int64
	WorkerProcessed  int64
	WorkerFailed     int64
	EventsDropped    int64

	// 时间统计
	LastRedisError time.Time
	LastMQError    time.Time
	LastDBError    time.Time
	LastOrderTime  time.Time
	LastRefundTime time.Time
	LastWorkerTime time.Time
}

var globalMonitor = &Monitor{}

// GetMonitor 获取全局监控实例
func GetMonitor() *Monitor {
	return globalMonitor
}

// RecordRedisError 记录Redis错误
func (m *Monitor) RecordRedisError() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RedisErrors++
	m.LastRedisError = time.Now()
}

// RecordMQError 记录MQ错误
func (m *Monitor) RecordMQError() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.MQErrors++
	m.LastMQError = time.Now()
}

// RecordDBError 记录数据库错误
func (m *Monitor) RecordDBError() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.DBErrors++
	m.LastDBError = time.Now()
}

// RecordAnalyticsError 统计写入失败（同时计入 Redis 错误）
func (m *Monitor) RecordAnalyticsError() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.AnalyticsErrors++
	m.RedisErrors++
	m.LastRedisError = time.Now()
}

// RecordOrderCreated 记录下单
func (m *Monitor) RecordOrderCreated() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.OrdersCreated++
	m.LastOrderTime = time.Now()
}

// RecordOrderCompleted 记录订单完成
func (m *Monitor) RecordOrderCompleted() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.OrdersCompleted++
	m.LastOrderTime = time.Now()
}

// RecordOrderFailed 记录订单失败
func (m *Monitor) RecordOrderFailed() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.OrdersFailed++
	m.LastOrderTime = time.Now()
}

// RecordRefundProcessed 记录退款成功
func (m *Monitor) RecordRefundProcessed() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RefundsProcessed++
	m.LastRefundTime = time.Now()
}

// RecordRefundFailed 记录退款失败
func (m *Monitor) RecordRefundFailed() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RefundsFailed++
	m.LastRefundTime = time.Now()
}

// RecordRefundReplay 记录幂等键命中
func (m *Monitor) RecordRefundReplay() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RefundReplays++
}

// RecordEventDropped 事件重试耗尽
func (m *Monitor) RecordEventDropped() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.EventsDropped++
}

// RecordWorkerProcessed 记录Worker处理成功
func (m *Monitor) RecordWorkerProcessed() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.WorkerProcessed++
	m.LastWorkerTime = time.Now()
}

// RecordWorkerFailed 记录Worker处理失败
func (m *Monitor) RecordWorkerFailed() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.WorkerFailed++
	m.WorkerErrors++
	m.LastWorkerTime = time.Now()
}

// GetStats 获取统计信息
func (m *Monitor) GetStats() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	completionRate := float64(0)
	finished := m.OrdersCompleted + m.OrdersFailed
	if finished > 0 {
		completionRate = float64(m.OrdersCompleted) / float64(finished) * 100
	}

	workerSuccessRate := float64(0)
	totalWorker := m.WorkerProcessed + m.WorkerFailed
	if totalWorker > 0 {
		workerSuccessRate = float64(m.WorkerProcessed) / float64(totalWorker) * 100
	}

	return map[string]interface{}{
		"errors": map[string]interface{}{
			"redis":     m.RedisErrors,
			"mq":        m.MQErrors,
			"db":        m.DBErrors,
			"analytics": m.AnalyticsErrors,
			"worker":    m.WorkerErrors,
		},
		"orders": map[string]interface{}{
			"created":         m.OrdersCreated,
			"completed":       m.OrdersCompleted,
			"failed":          m.OrdersFailed,
			"completion_rate": completionRate,
		},
		"refunds": map[string]interface{}{
			"processed": m.RefundsProcessed,
			"failed":    m.RefundsFailed,
			"replays":   m.RefundReplays,
		},
		"performance": map[string]interface{}{
			"worker_processed":    m.WorkerProcessed,
			"worker_failed":       m.WorkerFailed,
			"worker_success_rate": workerSuccessRate,
			"events_dropped":      m.EventsDropped,
		},
		"last_events": map[string]interface{}{
			"redis_error": m.LastRedisError,
			"mq_error":    m.LastMQError,
			"db_error":    m.LastDBError,
			"last_order":  m.LastOrderTime,
			"last_refund": m.LastRefundTime,
			"last_worker": m.LastWorkerTime,
		},
	}
}

// Reset 重置统计（用于测试或定期清理）
func (m *Monitor) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RedisErrors = 0
	m.MQErrors = 0
	m.DBErrors = 0
	m.AnalyticsErrors = 0
	m.WorkerErrors = 0
	m.OrdersCreated = 0
	m.OrdersCompleted = 0
	m.OrdersFailed = 0
	m.RefundsProcessed = 0
	m.RefundsFailed = 0
	m.RefundReplays = 0
	m.WorkerProcessed = 0
	m.WorkerFailed = 0
	m.EventsDropped = 0
}
