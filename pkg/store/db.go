// 文件: pkg/store/db.go
// 数据库连接 (GORM + mysql / postgres 驱动)

package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"pricealert/pkg/config"
)

// ErrNotFound 记录不存在
var ErrNotFound = errors.New("store: record not found")

// Dialector 按驱动名选择方言
func Dialector(driver, dsn string) (gorm.Dialector, error) {
	switch driver {
	case "mysql":
		return mysql.Open(dsn), nil
	case "postgres":
		return postgres.Open(dsn), nil
	}
	return nil, fmt.Errorf("unsupported database driver %q", driver)
}

// Open 打开主库连接池 (写路径: 状态更新、通知写入、outbox)
func Open(cfg config.DatabaseConfig) (*gorm.DB, error) {
	return open(cfg.Driver, cfg.DSN, cfg.MaxOpenConns, cfg.MaxIdleConns, cfg.ConnMaxLifetime)
}

// OpenWarmup 打开预热专用连接
// 有只读副本时走副本；连接数单独限制，大规模冷启动不会挤占写路径
func OpenWarmup(cfg config.DatabaseConfig, maxOpen int) (*gorm.DB, error) {
	dsn := cfg.DSN
	if cfg.ReplicaDSN != "" {
		dsn = cfg.ReplicaDSN
	}
	return open(cfg.Driver, dsn, maxOpen, maxOpen, cfg.ConnMaxLifetime)
}

func open(driver, dsn string, maxOpen, maxIdle int, lifetime time.Duration) (*gorm.DB, error) {
	dialector, err := Dialector(driver, dsn)
	if err != nil {
		return nil, err
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		SkipDefaultTransaction: true,
		Logger:                 gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get sql.DB: %w", err)
	}
	sqlDB.SetMaxOpenConns(maxOpen)
	sqlDB.SetMaxIdleConns(maxIdle)
	sqlDB.SetConnMaxLifetime(lifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sqlDB.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}
	return db, nil
}

// Close 关闭底层连接池
func Close(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
