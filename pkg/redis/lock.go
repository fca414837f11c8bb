package redis

import (
	"context"
	"time"

	rd "github.com/redis/go-redis/v9"
)

// luaReleaseLockIfMatch 仅当锁值等于持有者标识时才删除，避免误删他人已重新获取的锁。
const luaReleaseLockIfMatch = `
local lockKey = KEYS[1]
local owner = ARGV[1]
if redis.call('GET', lockKey) == owner then
  return redis.call('DEL', lockKey)
end
return 0
`

// AcquireLock SET NX PX，成功返回 true。ttl 兜底防止持有者崩溃后锁不释放。
func AcquireLock(ctx context.Context, rdb rd.Cmdable, key, owner string, ttl time.Duration) (bool, error) {
	return rdb.SetNX(ctx, key, owner, ttl).Result()
}

// ReleaseLockIfMatch 安全释放锁。返回 false 表示锁已过期或被他人持有。
func ReleaseLockIfMatch(ctx context.Context, rdb rd.Scripter, key, owner string) (bool, error) {
	n, err := rdb.Eval(ctx, luaReleaseLockIfMatch, []string{key}, owner).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
