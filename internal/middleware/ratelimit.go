package middleware

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	redisx "auction_engine/pkg/redis"

	"github.com/gin-gonic/gin"
	rd "github.com/redis/go-redis/v9"
)

// luaRateLimit：Redis 滑动窗口限流 Lua 脚本（原子操作）
// KEYS[1]=限流key，ARGV[1]=当前时间戳(ms)，ARGV[2]=窗口开始时间戳(ms)，ARGV[3]=窗口秒数
// ARGV[4]=本次请求成员，ARGV[5]=窗口内上限
// 返回：当前窗口内的请求数（超限返回 -1）
const luaRateLimit = `
local key = KEYS[1]
local now = tonumber(ARGV[1])
local windowStart = tonumber(ARGV[2])
local windowSec = tonumber(ARGV[3])
local member = ARGV[4]

-- 删除窗口外的旧记录
redis.call('ZREMRANGEBYSCORE', key, '0', windowStart)

-- 统计当前窗口内的请求数
local count = redis.call('ZCARD', key)

-- 添加当前请求（如果还没超限）
if count < tonumber(ARGV[5]) then
  redis.call('ZADD', key, now, member)
  redis.call('EXPIRE', key, windowSec)
  return count + 1
else
  return -1
end
`

// BidRateLimit 出价接口的分布式限流，按 bidder_id；body 中没有 bidder_id 时按 IP。
func BidRateLimit(rdb *rd.Client, limit int, window time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := redisx.BidRateKey("ip", c.ClientIP())
		if bidderID, err := extractBidderID(c); err == nil && bidderID != "" {
			key = redisx.BidRateKey("bidder", bidderID)
		}

		nowMs := time.Now().UnixMilli()
		windowSec := int64(window / time.Second)
		if windowSec <= 0 {
			windowSec = 1
		}
		windowStart := nowMs - window.Milliseconds()
		member := fmt.Sprintf("%d-%d", nowMs, time.Now().UnixNano())

		res, err := rdb.Eval(c.Request.Context(), luaRateLimit, []string{key},
			nowMs, windowStart, windowSec, member, limit).Int()
		if err != nil {
			// Redis 出错时放行（降级策略）
			slog.Warn("rate limit unavailable, allowing request", slog.String("key", key), slog.Any("error", err))
			c.Next()
			return
		}

		if res < 0 {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"code": 429,
				"msg":  "too many bids, slow down",
			})
			return
		}
		c.Next()
	}
}

// extractBidderID 从请求 body 中解析 bidder_id（不消耗 body，可重复读）
func extractBidderID(c *gin.Context) (string, error) {
	bodyBytes, err := io.ReadAll(c.Request.Body)
	if err != nil {
		return "", err
	}
	c.Request.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))

	var req struct {
		BidderID string `json:"bidder_id"`
	}
	if err := json.Unmarshal(bodyBytes, &req); err != nil {
		return "", err
	}
	return req.BidderID, nil
}
