package queue

import (
	"context"
	"errors"
	"time"
)

// Message 投递给处理函数的消息
type Message struct {
	Queue           string
	Body            []byte
	Attempt         int
	FirstEnqueuedAt time.Time
}

// Handler 消息处理函数。返回 nil 确认；返回 Permanent 错误确认并记录；
// 其他错误在重投窗口内重新投递，超出窗口后丢弃。
type Handler func(ctx context.Context, m Message) error

// Broker 消息队列抽象
type Broker interface {
	Publish(ctx context.Context, queue string, body []byte) error
	// Consume 启动 workers 个协程消费，阻塞直到 ctx 结束
	Consume(ctx context.Context, queue string, workers int, h Handler) error
	Close() error
}

// Policy 重投策略
type Policy struct {
	// Window 从首次入队起算的重投窗口
	Window  time.Duration
	Backoff time.Duration
}

func (p Policy) withDefaults() Policy {
	if p.Window <= 0 {
		p.Window = 30 * time.Minute
	}
	if p.Backoff <= 0 {
		p.Backoff = time.Second
	}
	return p
}

// delay 第 attempt 次失败后的等待时间，指数退避，最长 1 分钟
func (p Policy) delay(attempt int) time.Duration {
	d := p.Backoff
	for i := 1; i < attempt && d < time.Minute; i++ {
		d *= 2
	}
	if d > time.Minute {
		d = time.Minute
	}
	return d
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent 标记不可重试的错误
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent 判断错误是否不可重试
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

type outcome int

const (
	outcomeAck outcome = iota
	outcomeDiscard
	outcomeRetry
	outcomeDead
)

// decide 根据处理结果决定如何处置消息
func decide(err error, m Message, p Policy, now time.Time) outcome {
	switch {
	case err == nil:
		return outcomeAck
	case IsPermanent(err):
		return outcomeDiscard
	case now.Sub(m.FirstEnqueuedAt) < p.Window:
		return outcomeRetry
	}
	return outcomeDead
}
