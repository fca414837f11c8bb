package redis

import (
	"context"
	"time"

	rd "github.com/redis/go-redis/v9"
)

const (
	// ReceiptPending 表示首次请求仍在处理中。
	ReceiptPending = "pending"
	// ReceiptDone 表示已有终态结果，可直接回放。
	ReceiptDone = "done"
)

// luaClaimReceipt 原子地抢占幂等键并设置 TTL，避免留下没有过期时间的 pending 回执。
// KEYS[1]=回执 key，ARGV[1]=pending 状态值，ARGV[2]=TTL 毫秒（<=0 不设置）。
// 返回 1 表示抢占成功。
const luaClaimReceipt = `
local key = KEYS[1]
local ttlMs = tonumber(ARGV[2])
if redis.call('HSETNX', key, 'status', ARGV[1]) == 1 then
  if ttlMs > 0 then
    redis.call('PEXPIRE', key, ttlMs)
  end
  return 1
end
return 0
`

// BidReceipt 对应 Redis 内保存的出价处理结果。
type BidReceipt struct {
	Status    string
	Accepted  bool
	NewPrice  string
	ErrorKind string
	MinBid    string
	BidID     string
}

// ClaimBidReceipt 抢占幂等键。claimed=true 表示本次请求负责处理；
// 否则返回已保存的结果（可能仍是 pending）。
func ClaimBidReceipt(ctx context.Context, rdb rd.Cmdable, key string, ttl time.Duration) (BidReceipt, bool, error) {
	n, err := rdb.Eval(ctx, luaClaimReceipt, []string{key}, ReceiptPending, ttl.Milliseconds()).Int()
	if err != nil {
		return BidReceipt{}, false, err
	}
	if n == 1 {
		return BidReceipt{Status: ReceiptPending}, true, nil
	}

	r, _, err := GetBidReceipt(ctx, rdb, key)
	return r, false, err
}

// GetBidReceipt 查询幂等键的结果。found=false 表示 key 不存在。
func GetBidReceipt(ctx context.Context, rdb rd.Cmdable, key string) (BidReceipt, bool, error) {
	m, err := rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return BidReceipt{}, false, err
	}
	if len(m) == 0 {
		return BidReceipt{}, false, nil
	}

	out := BidReceipt{
		Status:    m["status"],
		Accepted:  m["accepted"] == "1",
		NewPrice:  m["new_price"],
		ErrorKind: m["error_kind"],
		MinBid:    m["min_bid"],
		BidID:     m["bid_id"],
	}
	if out.Status == "" {
		out.Status = ReceiptPending
	}
	return out, true, nil
}

// PutBidReceipt 写入终态结果，并刷新 key TTL。
func PutBidReceipt(ctx context.Context, rdb rd.Cmdable, key string, r BidReceipt, ttl time.Duration) error {
	accepted := "0"
	if r.Accepted {
		accepted = "1"
	}
	pipe := rdb.TxPipeline()
	pipe.HSet(ctx, key,
		"status", ReceiptDone,
		"accepted", accepted,
		"new_price", r.NewPrice,
		"error_kind", r.ErrorKind,
		"min_bid", r.MinBid,
		"bid_id", r.BidID,
	)
	if ttl > 0 {
		pipe.Expire(ctx, key, ttl)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// DropBidReceipt 删除幂等键，用于内部错误后允许客户端重试。
func DropBidReceipt(ctx context.Context, rdb rd.Cmdable, key string) error {
	return rdb.Del(ctx, key).Err()
}
