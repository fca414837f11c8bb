package redis

import "fmt"

// LockKey 分布式锁 key。name 形如 auction:42 或 user:alice，多实例部署时替代进程内锁。
func LockKey(name string) string {
	return fmt.Sprintf("auction_engine:lock:%s", name)
}

// EffectOnceKey 标记某个派生效果（通知/奖励更新）是否已入队。
func EffectOnceKey(effectKey string) string {
	return fmt.Sprintf("auction:effect:once:%s", effectKey)
}

// BidReceiptKey 将客户端幂等键映射到首次出价的处理结果。
func BidReceiptKey(auctionID uint, bidderID, idemKey string) string {
	return fmt.Sprintf("auction:bid:receipt:%d:%s:%s", auctionID, bidderID, idemKey)
}

// BidRateKey 出价限流 key，按出价人或客户端 IP。
func BidRateKey(scope, id string) string {
	return fmt.Sprintf("rate_limit:auction:bid:%s:%s", scope, id)
}
