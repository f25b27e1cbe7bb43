package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ErrBrokerClosed broker 已关闭
var ErrBrokerClosed = errors.New("broker closed")

// MemoryBroker 进程内队列，单进程部署与测试使用，语义与 RabbitBroker 一致
type MemoryBroker struct {
	policy Policy
	log    *zap.Logger
	now    func() time.Time

	mu       sync.Mutex
	queues   map[string]*memQueue
	closed   bool
	inflight sync.WaitGroup
}

type memQueue struct {
	mu    sync.Mutex
	items []Message
	ready chan struct{}
}

func (q *memQueue) push(m Message) {
	q.mu.Lock()
	q.items = append(q.items, m)
	q.mu.Unlock()
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

func (q *memQueue) pop() (Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return Message{}, false
	}
	m := q.items[0]
	q.items = q.items[1:]
	if len(q.items) > 0 {
		// 唤醒其他等待的 worker
		select {
		case q.ready <- struct{}{}:
		default:
		}
	}
	return m, true
}

func NewMemoryBroker(policy Policy, log *zap.Logger) *MemoryBroker {
	if log == nil {
		log = zap.NewNop()
	}
	return &MemoryBroker{
		policy: policy.withDefaults(),
		log:    log,
		now:    time.Now,
		queues: make(map[string]*memQueue),
	}
}

func (b *MemoryBroker) queue(name string) *memQueue {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[name]
	if !ok {
		q = &memQueue{ready: make(chan struct{}, 1)}
		b.queues[name] = q
	}
	return q
}

func (b *MemoryBroker) Publish(ctx context.Context, queue string, body []byte) error {
	b.mu.Lock()
	closed := b.closed
	if !closed {
		b.inflight.Add(1)
	}
	b.mu.Unlock()
	if closed {
		return ErrBrokerClosed
	}
	b.queue(queue).push(Message{
		Queue:           queue,
		Body:            append([]byte(nil), body...),
		Attempt:         1,
		FirstEnqueuedAt: b.now(),
	})
	return nil
}

func (b *MemoryBroker) Consume(ctx context.Context, queue string, workers int, h Handler) error {
	if workers <= 0 {
		workers = 1
	}
	q := b.queue(queue)
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < workers; i++ {
		g.Go(func() error {
			for {
				m, ok := q.pop()
				if !ok {
					select {
					case <-q.ready:
						continue
					case <-ctx.Done():
						return nil
					}
				}
				b.handle(ctx, q, m, h)
			}
		})
	}
	return g.Wait()
}

func (b *MemoryBroker) handle(ctx context.Context, q *memQueue, m Message, h Handler) {
	err := h(ctx, m)
	switch decide(err, m, b.policy, b.now()) {
	case outcomeAck:
		b.inflight.Done()
	case outcomeDiscard:
		b.log.Warn("message discarded",
			zap.String("queue", m.Queue), zap.Int("attempt", m.Attempt), zap.Error(err))
		b.inflight.Done()
	case outcomeRetry:
		next := m
		next.Attempt++
		b.log.Info("message requeued",
			zap.String("queue", m.Queue), zap.Int("attempt", m.Attempt), zap.Error(err))
		time.AfterFunc(b.policy.delay(m.Attempt), func() { q.push(next) })
	case outcomeDead:
		b.log.Error("message retry window exhausted",
			zap.String("queue", m.Queue), zap.Int("attempt", m.Attempt), zap.Error(err))
		b.inflight.Done()
	}
}

// Wait 等待所有已发布消息处理结束（含重投），需有消费者在运行
func (b *MemoryBroker) Wait() {
	b.inflight.Wait()
}

func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	return nil
}
