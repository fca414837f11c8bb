package testutil

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"auction_engine/internal/model"

	"github.com/alicebob/miniredis/v2"
	rd "github.com/redis/go-redis/v9"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// GetEmptyTestDB 打开 t 独占的、已迁移的内存 SQLite。
// 只用一个连接，保证所有语句落在同一个内存库上。
func GetEmptyTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_busy_timeout=5000", name)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to get sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := db.AutoMigrate(model.Models()...); err != nil {
		t.Fatalf("failed to migrate test db: %v", err)
	}
	return db
}

// NewTestRedis 启动随 t 结束而关闭的 miniredis。
func NewTestRedis(t *testing.T) (*miniredis.Miniredis, *rd.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := rd.NewClient(&rd.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

// StreamLen 返回 stream 当前的条目数。
func StreamLen(t *testing.T, rdb *rd.Client, stream string) int64 {
	t.Helper()
	n, err := rdb.XLen(context.Background(), stream).Result()
	if err != nil {
		t.Fatalf("xlen %s: %v", stream, err)
	}
	return n
}
