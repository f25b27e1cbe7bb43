package lock

import (
	"context"
	"errors"
	"sync"
)

// ErrNotAcquired 在等待时间内没有拿到锁
var ErrNotAcquired = errors.New("lock not acquired")

// Locker 按 key 加互斥锁，返回的 unlock 只能调用一次
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// LocalLocker 进程内按 key 的互斥锁，单进程部署与测试使用
type LocalLocker struct {
	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	ch   chan struct{}
	refs int
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{slots: make(map[string]*slot)}
}

func (l *LocalLocker) Lock(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	s, ok := l.slots[key]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		l.slots[key] = s
	}
	s.refs++
	l.mu.Unlock()

	select {
	case s.ch <- struct{}{}:
	case <-ctx.Done():
		l.release(key, s, false)
		return nil, errors.Join(ErrNotAcquired, ctx.Err())
	}

	var once sync.Once
	return func() {
		once.Do(func() { l.release(key, s, true) })
	}, nil
}

func (l *LocalLocker) release(key string, s *slot, held bool) {
	if held {
		<-s.ch
	}
	l.mu.Lock()
	s.refs--
	if s.refs == 0 {
		delete(l.slots, key)
	}
	l.mu.Unlock()
}
