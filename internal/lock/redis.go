package lock

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	radix "github.com/mediocregopher/radix/v3"
	"go.uber.org/zap"
)

// 只有持有者才能删除
var releaseScript = radix.NewEvalScript(1, `
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// RedisLocker 基于 SET NX PX 的租约锁，多个 worker 进程之间互斥。
// 租约到期自动释放，持有者崩溃不会永久占锁。
type RedisLocker struct {
	redis radix.Client
	ttl   time.Duration
	retry time.Duration
	log   *zap.Logger
}

// NewRedisLocker ttl 为租约时长，同时也是最长等待时间
func NewRedisLocker(client radix.Client, ttl time.Duration, log *zap.Logger) *RedisLocker {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &RedisLocker{
		redis: client,
		ttl:   ttl,
		retry: 25 * time.Millisecond,
		log:   log,
	}
}

func (l *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	token := uuid.NewString()
	deadline := time.NewTimer(l.ttl)
	defer deadline.Stop()

	for {
		ok, err := l.tryAcquire(key, token)
		if err != nil {
			return nil, fmt.Errorf("acquire %s: %w", key, err)
		}
		if ok {
			break
		}
		wait := time.NewTimer(l.retry)
		select {
		case <-ctx.Done():
			wait.Stop()
			return nil, errors.Join(ErrNotAcquired, ctx.Err())
		case <-deadline.C:
			wait.Stop()
			return nil, fmt.Errorf("%w: %s", ErrNotAcquired, key)
		case <-wait.C:
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			var n int
			if err := l.redis.Do(releaseScript.Cmd(&n, key, token)); err != nil {
				l.log.Warn("release lock failed", zap.String("key", key), zap.Error(err))
			}
		})
	}, nil
}

func (l *RedisLocker) tryAcquire(key, token string) (bool, error) {
	var res string
	mn := radix.MaybeNil{Rcv: &res}
	px := strconv.FormatInt(l.ttl.Milliseconds(), 10)
	if err := l.redis.Do(radix.Cmd(&mn, "SET", key, token, "NX", "PX", px)); err != nil {
		return false, err
	}
	return !mn.Nil, nil
}
