// Package storetest 单测用的内存 SQLite 数据库
package storetest

import (
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"pricealert/pkg/store"
)

// NewDB 创建内存库并建好业务表，extra 为额外需要建表的模型
// 只开一个连接: 每个 :memory: 连接都是独立的库
func NewDB(t *testing.T, extra ...any) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		SkipDefaultTransaction: true,
		Logger:                 gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, db.AutoMigrate(append(store.AllModels(), extra...)...))
	return db
}
