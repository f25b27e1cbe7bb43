package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/example/orderflow/internal/shard"
)

// ErrClosed 总线已停止
var ErrClosed = errors.New("event bus closed")

// Handler 事件处理函数，返回错误会触发重投
type Handler func(ctx context.Context, e Event) error

// Bus 事件总线
type Bus interface {
	Subscribe(t Type, name string, h Handler)
	Publish(ctx context.Context, e Event) error
}

type subscriber struct {
	name    string
	handler Handler
}

type delivery struct {
	event Event
	sub   subscriber
	// attempt 已失败的次数
	attempt int
	lastErr error
}

// Options 总线参数
type Options struct {
	Lanes       int
	MaxAttempts int
	Backoff     time.Duration
	Logger      *zap.Logger
	// OnGiveUp 重试耗尽后调用
	OnGiveUp func(e Event, subscriber string, err error)
}

// AsyncBus 异步、至少一次投递的事件总线。
// 每个订阅者各自一次投递；同一订单的事件按一致性哈希落在同一通道，按发布顺序处理。
// 失败的投递在退避时间到后重新排到通道末尾，等待期间不占用通道。
type AsyncBus struct {
	opts  Options
	ring  *shard.Ring
	lanes map[string]*lane
	log   *zap.Logger

	mu      sync.RWMutex
	subs    map[Type][]subscriber
	closed  bool
	retries map[uint64]*retry
	nextID  uint64

	inflight sync.WaitGroup
	workers  sync.WaitGroup
	stop     chan struct{}
	stopOnce sync.Once
}

type retry struct {
	timer *time.Timer
	d     delivery
}

type lane struct {
	mu    sync.Mutex
	queue []delivery
	ready chan struct{}
}

func (l *lane) push(d delivery) {
	l.mu.Lock()
	l.queue = append(l.queue, d)
	l.mu.Unlock()
	select {
	case l.ready <- struct{}{}:
	default:
	}
}

func (l *lane) pop() (delivery, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.queue) == 0 {
		return delivery{}, false
	}
	d := l.queue[0]
	l.queue[0] = delivery{}
	l.queue = l.queue[1:]
	return d, true
}

// NewAsyncBus 创建总线，Start 之前发布的事件会排队
func NewAsyncBus(opts Options) *AsyncBus {
	if opts.Lanes <= 0 {
		opts.Lanes = 1
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 1
	}
	if opts.Backoff <= 0 {
		opts.Backoff = 100 * time.Millisecond
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	b := &AsyncBus{
		opts:  opts,
		ring:  shard.NewLaneRing(opts.Lanes),
		lanes: make(map[string]*lane, opts.Lanes),
		log:   opts.Logger,
		subs:    make(map[Type][]subscriber),
		retries: make(map[uint64]*retry),
		stop:    make(chan struct{}),
	}
	for i := 0; i < opts.Lanes; i++ {
		b.lanes[shard.LaneName(i)] = &lane{ready: make(chan struct{}, 1)}
	}
	return b
}

// Subscribe 注册订阅者，按注册顺序投递
func (b *AsyncBus) Subscribe(t Type, name string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[t] = append(b.subs[t], subscriber{name: name, handler: h})
}

// Publish 投递给该类型的所有订阅者，不等待处理结果
func (b *AsyncBus) Publish(ctx context.Context, e Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}
	subs := b.subs[e.Type()]
	if len(subs) == 0 {
		b.log.Debug("event has no subscribers", zap.String("type", string(e.Type())), zap.String("order_id", e.OrderID()))
		return nil
	}
	l := b.lanes[b.ring.Node(e.OrderID())]
	for _, s := range subs {
		b.inflight.Add(1)
		l.push(delivery{event: e, sub: s})
	}
	return nil
}

// Start 启动各通道的处理协程
func (b *AsyncBus) Start(ctx context.Context) {
	for name, l := range b.lanes {
		b.workers.Add(1)
		go b.run(ctx, name, l)
	}
}

func (b *AsyncBus) run(ctx context.Context, name string, l *lane) {
	defer b.workers.Done()
	for {
		d, ok := l.pop()
		if !ok {
			select {
			case <-l.ready:
				continue
			case <-b.stop:
				return
			case <-ctx.Done():
				return
			}
		}
		b.deliver(ctx, name, d)
	}
}

func (b *AsyncBus) deliver(ctx context.Context, laneName string, d delivery) {
	err := b.invoke(ctx, d)
	if err == nil {
		b.inflight.Done()
		return
	}
	d.attempt++
	d.lastErr = err
	b.log.Warn("event handler failed",
		zap.String("lane", laneName),
		zap.String("type", string(d.event.Type())),
		zap.String("subscriber", d.sub.name),
		zap.String("order_id", d.event.OrderID()),
		zap.Int("attempt", d.attempt),
		zap.Error(err))
	if d.attempt >= b.opts.MaxAttempts {
		b.giveUp(d, err)
		return
	}
	b.retryLater(b.lanes[laneName], d)
}

// retryLater 退避时间到后把投递放回通道
func (b *AsyncBus) retryLater(l *lane, d delivery) {
	delay := b.opts.Backoff
	for i := 1; i < d.attempt; i++ {
		delay *= 2
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		b.giveUp(d, errors.Join(ErrClosed, d.lastErr))
		return
	}
	b.nextID++
	id := b.nextID
	b.retries[id] = &retry{d: d, timer: time.AfterFunc(delay, func() { b.fire(id, l) })}
	b.mu.Unlock()
}

func (b *AsyncBus) fire(id uint64, l *lane) {
	b.mu.Lock()
	r, ok := b.retries[id]
	if !ok {
		// Close 已经处理
		b.mu.Unlock()
		return
	}
	delete(b.retries, id)
	closed := b.closed
	if !closed {
		l.push(r.d)
	}
	b.mu.Unlock()

	if closed {
		b.giveUp(r.d, errors.Join(ErrClosed, r.d.lastErr))
	}
}

// giveUp 放弃一次投递并结束其 inflight 计数
func (b *AsyncBus) giveUp(d delivery, err error) {
	defer b.inflight.Done()
	b.log.Error("event delivery gave up",
		zap.String("type", string(d.event.Type())),
		zap.String("subscriber", d.sub.name),
		zap.String("order_id", d.event.OrderID()),
		zap.Int("attempts", d.attempt),
		zap.Error(err))
	if b.opts.OnGiveUp != nil {
		b.opts.OnGiveUp(d.event, d.sub.name, err)
	}
}

// invoke 处理函数 panic 视为一次失败
func (b *AsyncBus) invoke(ctx context.Context, d delivery) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r}
		}
	}()
	return d.sub.handler(ctx, d.event)
}

type panicError struct{ value interface{} }

func (p *panicError) Error() string { return fmt.Sprintf("event handler panic: %v", p.value) }

// Wait 等待所有已发布事件（包括处理中再发布的事件）处理完毕
func (b *AsyncBus) Wait() {
	b.inflight.Wait()
}

// Close 停止接收新事件并停止通道协程，未处理完的投递按放弃处理
func (b *AsyncBus) Close() {
	b.stopOnce.Do(func() {
		b.mu.Lock()
		b.closed = true
		var pending []delivery
		for id, r := range b.retries {
			// Stop 失败说明定时器已触发，由 fire 处理
			if r.timer.Stop() {
				pending = append(pending, r.d)
				delete(b.retries, id)
			}
		}
		b.mu.Unlock()

		close(b.stop)
		b.workers.Wait()
		for _, l := range b.lanes {
			for {
				d, ok := l.pop()
				if !ok {
					break
				}
				pending = append(pending, d)
			}
		}
		for _, d := range pending {
			b.giveUp(d, errors.Join(ErrClosed, d.lastErr))
		}
	})
}
