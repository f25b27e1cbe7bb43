package queue

import (
	"context"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	headerFirstEnqueuedAt = "x-first-enqueued-at" // unix 毫秒
	headerAttempt         = "x-attempt"
)

// RabbitBroker RabbitMQ 实现：持久化队列、手动确认。
// 重投通过带上首次入队时间的重新发布实现，超出窗口后 Nack 丢弃。
type RabbitBroker struct {
	conn   *amqp.Connection
	policy Policy
	log    *zap.Logger
}

func NewRabbitBroker(conn *amqp.Connection, policy Policy, log *zap.Logger) *RabbitBroker {
	if log == nil {
		log = zap.NewNop()
	}
	return &RabbitBroker{conn: conn, policy: policy.withDefaults(), log: log}
}

func (b *RabbitBroker) Publish(ctx context.Context, queue string, body []byte) error {
	return b.publish(ctx, queue, body, 1, time.Now())
}

func (b *RabbitBroker) publish(ctx context.Context, queue string, body []byte, attempt int, first time.Time) error {
	ch, err := b.conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	defer ch.Close()

	if _, err = ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue %s: %w", queue, err)
	}

	return ch.PublishWithContext(
		ctx,
		"",
		queue,
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now(),
			Headers: amqp.Table{
				headerFirstEnqueuedAt: first.UnixMilli(),
				headerAttempt:         int64(attempt),
			},
			Body: body,
		},
	)
}

func (b *RabbitBroker) Consume(ctx context.Context, queue string, workers int, h Handler) error {
	if workers <= 0 {
		workers = 1
	}
	ch, err := b.conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	defer ch.Close()

	if _, err = ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue %s: %w", queue, err)
	}
	if err = ch.Qos(workers, 0, false); err != nil {
		return fmt.Errorf("set qos: %w", err)
	}
	// 手动确认模式（auto-ack=false）
	msgs, err := ch.Consume(queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", queue, err)
	}
	b.log.Info("consumer started", zap.String("queue", queue), zap.Int("workers", workers))

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < workers; i++ {
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case d, ok := <-msgs:
					if !ok {
						return fmt.Errorf("delivery channel for %s closed", queue)
					}
					b.handle(ctx, queue, d, h)
				}
			}
		})
	}
	return g.Wait()
}

func (b *RabbitBroker) handle(ctx context.Context, queue string, d amqp.Delivery, h Handler) {
	m := messageFrom(queue, d)
	err := h(ctx, m)
	switch decide(err, m, b.policy, time.Now()) {
	case outcomeAck:
		if err := d.Ack(false); err != nil {
			b.log.Warn("failed to ack message", zap.String("queue", queue), zap.Error(err))
		}
	case outcomeDiscard:
		b.log.Warn("message discarded", zap.String("queue", queue), zap.Int("attempt", m.Attempt), zap.Error(err))
		_ = d.Ack(false)
	case outcomeRetry:
		wait := time.NewTimer(b.policy.delay(m.Attempt))
		select {
		case <-wait.C:
		case <-ctx.Done():
			wait.Stop()
			// 交还给 broker，由下一个消费者处理
			_ = d.Nack(false, true)
			return
		}
		if perr := b.publish(ctx, queue, m.Body, m.Attempt+1, m.FirstEnqueuedAt); perr != nil {
			b.log.Warn("republish failed, requeueing", zap.String("queue", queue), zap.Error(perr))
			_ = d.Nack(false, true)
			return
		}
		_ = d.Ack(false)
	case outcomeDead:
		b.log.Error("message retry window exhausted", zap.String("queue", queue), zap.Int("attempt", m.Attempt), zap.Error(err))
		_ = d.Nack(false, false)
	}
}

// messageFrom 从投递头还原重投信息，缺失时视为首次投递
func messageFrom(queue string, d amqp.Delivery) Message {
	m := Message{Queue: queue, Body: d.Body, Attempt: 1, FirstEnqueuedAt: time.Now()}
	if v, ok := d.Headers[headerFirstEnqueuedAt].(int64); ok {
		m.FirstEnqueuedAt = time.UnixMilli(v)
	} else if !d.Timestamp.IsZero() {
		m.FirstEnqueuedAt = d.Timestamp
	}
	if v, ok := d.Headers[headerAttempt].(int64); ok && v > 0 {
		m.Attempt = int(v)
	}
	return m
}

func (b *RabbitBroker) Close() error {
	if b.conn == nil || b.conn.IsClosed() {
		return nil
	}
	return b.conn.Close()
}
