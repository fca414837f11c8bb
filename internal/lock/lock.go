// Package lock 账本与奖励更新使用的按名字互斥锁。
// 名字形如 "auction:42"、"user:alice"，不同名字互不阻塞。
package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"auction_engine/pkg/keylock"
	redisx "auction_engine/pkg/redis"

	"github.com/google/uuid"
	rd "github.com/redis/go-redis/v9"
)

var ErrTimeout = errors.New("lock wait timed out")

type Locker interface {
	// Lock 最多等待 wait，返回的 func 用于释放。
	Lock(ctx context.Context, name string, wait time.Duration) (func(), error)
}

func AuctionName(id uint) string { return fmt.Sprintf("auction:%d", id) }

func UserName(id string) string { return "user:" + id }

// Memory 单进程内的锁。
type Memory struct {
	m *keylock.Map[string]
}

func NewMemory() *Memory {
	return &Memory{m: keylock.New[string]()}
}

func (l *Memory) Lock(ctx context.Context, name string, wait time.Duration) (func(), error) {
	unlock, err := l.m.Lock(ctx, name, wait)
	if errors.Is(err, keylock.ErrTimeout) {
		return nil, ErrTimeout
	}
	return unlock, err
}

// Redis 多实例共享的锁：SET NX PX 加锁，释放时校验 owner。
type Redis struct {
	rdb   *rd.Client
	ttl   time.Duration
	retry time.Duration
}

func NewRedis(rdb *rd.Client, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	return &Redis{rdb: rdb, ttl: ttl, retry: 5 * time.Millisecond}
}

func (l *Redis) Lock(ctx context.Context, name string, wait time.Duration) (func(), error) {
	key := redisx.LockKey(name)
	owner := uuid.NewString()

	var deadline time.Time
	if wait > 0 {
		deadline = time.Now().Add(wait)
	}

	for {
		ok, err := redisx.AcquireLock(ctx, l.rdb, key, owner, l.ttl)
		if err != nil {
			return nil, fmt.Errorf("acquire %s: %w", name, err)
		}
		if ok {
			return func() {
				// 请求 ctx 可能已取消，释放锁使用独立超时。
				relCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				defer cancel()
				released, err := redisx.ReleaseLockIfMatch(relCtx, l.rdb, key, owner)
				if err != nil {
					slog.Warn("release lock failed", "lock", name, "error", err)
				} else if !released {
					slog.Warn("lock expired before release", "lock", name)
				}
			}, nil
		}

		if !deadline.IsZero() && time.Now().After(deadline) {
			return nil, ErrTimeout
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(l.retry):
		}
	}
}
