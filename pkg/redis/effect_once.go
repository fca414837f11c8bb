package redis

import (
	"context"
	"time"

	rd "github.com/redis/go-redis/v9"
)

// luaEnqueueOnce 通过标记 key 保证“同一效果只入流一次”。
// 先 XADD 成功再写标记：XADD 出错时脚本中止，标记不会残留，调用方可以重试。
// KEYS[1]=once key，KEYS[2]=stream，ARGV[1]=标记 TTL 秒，ARGV[2..]=stream 字段对。
const luaEnqueueOnce = `
local onceKey = KEYS[1]
local streamKey = KEYS[2]
local ttlSec = tonumber(ARGV[1])

if redis.call('EXISTS', onceKey) == 1 then
  return 0
end
redis.call('XADD', streamKey, '*', unpack(ARGV, 2))
redis.call('SET', onceKey, '1', 'EX', ttlSec)
return 1
`

// EffectOnceTTL 去重标记保留时长，需覆盖上游最长的重投窗口。
const EffectOnceTTL = 7 * 24 * time.Hour

// EnqueueOnce 幂等写入 stream：
// - 首次写入返回 true
// - 重复写入返回 false（stream 中不会出现第二条）
func EnqueueOnce(ctx context.Context, rdb rd.Scripter, effectKey, stream string, fields map[string]string) (bool, error) {
	args := make([]interface{}, 0, 1+2*len(fields))
	args = append(args, int64(EffectOnceTTL/time.Second))
	for k, v := range fields {
		args = append(args, k, v)
	}

	n, err := rdb.Eval(ctx, luaEnqueueOnce, []string{EffectOnceKey(effectKey), stream}, args...).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
