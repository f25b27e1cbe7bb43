package mysql

import (
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/example/orderflow/internal/config"
	"github.com/example/orderflow/internal/datamodels/order"
	"github.com/example/orderflow/internal/datamodels/refund"
)

var (
	db   *gorm.DB
	once sync.Once
)

// Open 按驱动打开数据库并自动迁移表结构
func Open(cfg config.DatabaseConfig) (*gorm.DB, error) {
	dialector, err := dialectorFor(cfg)
	if err != nil {
		return nil, err
	}

	gdb, err := gorm.Open(dialector, &gorm.Config{
		Logger:         logger.Default.LogMode(logLevel(cfg.LogLevel)),
		TranslateError: true,
		NowFunc:        func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.Driver, err)
	}

	if cfg.Driver == "sqlite" && strings.Contains(cfg.DSN, ":memory:") {
		// 内存库每个连接都是独立的库，只能保留一个连接
		sqlDB, err := gdb.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}

	if err := gdb.AutoMigrate(&order.Order{}, &refund.Refund{}); err != nil {
		return nil, fmt.Errorf("auto migrate: %w", err)
	}
	return gdb, nil
}

func dialectorFor(cfg config.DatabaseConfig) (gorm.Dialector, error) {
	switch cfg.Driver {
	case "", "mysql":
		return mysql.Open(cfg.DSN), nil
	case "postgres":
		conn, err := sql.Open("postgres", cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		return postgres.New(postgres.Config{Conn: conn}), nil
	case "sqlite":
		return sqlite.Open(cfg.DSN), nil
	}
	return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
}

func logLevel(s string) logger.LogLevel {
	switch strings.ToLower(s) {
	case "silent":
		return logger.Silent
	case "error":
		return logger.Error
	case "info":
		return logger.Info
	}
	return logger.Warn
}

// Init 初始化全局 GORM 实例，失败直接退出
func Init(cfg config.DatabaseConfig) *gorm.DB {
	once.Do(func() {
		var err error
		db, err = Open(cfg)
		if err != nil {
			zap.L().Fatal("failed to connect database", zap.String("driver", cfg.Driver), zap.Error(err))
		}
	})
	return db
}

// DB 获取全局 DB
func DB() *gorm.DB {
	return db
}
