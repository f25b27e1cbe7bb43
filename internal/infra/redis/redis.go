package redis

import (
	"fmt"
	"sync"

	radix "github.com/mediocregopher/radix/v3"
	"go.uber.org/zap"

	"github.com/example/orderflow/internal/config"
)

var (
	client radix.Client
	once   sync.Once
)

// Open 新建一个 Redis 连接池
func Open(cfg config.RedisConfig) (radix.Client, error) {
	size := cfg.PoolSize
	if size <= 0 {
		size = 10
	}
	pool, err := radix.NewPool("tcp", cfg.Addr, size)
	if err != nil {
		return nil, fmt.Errorf("connect redis %s: %w", cfg.Addr, err)
	}
	return pool, nil
}

// Init 初始化全局 Redis 连接池，失败直接退出
func Init(cfg config.RedisConfig) radix.Client {
	once.Do(func() {
		c, err := Open(cfg)
		if err != nil {
			zap.L().Fatal("failed to connect redis", zap.Error(err))
		}
		client = c
	})
	return client
}

// Client 获取 Redis 客户端
func Client() radix.Client {
	return client
}
