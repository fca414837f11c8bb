package queue

import (
	"fmt"
	"time"
)

type NotificationKind string

const (
	NotifyOutbid              NotificationKind = "outbid"
	NotifyWon                 NotificationKind = "won"
	NotifyAchievementUnlocked NotificationKind = "achievement_unlocked"
)

// Notification 交给外部发送方（邮件/推送）的通知载荷。
type Notification struct {
	Kind    NotificationKind  `json:"kind"`
	UserID  string            `json:"user_id"`
	Payload map[string]string `json:"payload"`
}

func (n Notification) Validate() error {
	switch n.Kind {
	case NotifyOutbid, NotifyWon, NotifyAchievementUnlocked:
	default:
		return fmt.Errorf("unknown notification kind %q", n.Kind)
	}
	if n.UserID == "" {
		return fmt.Errorf("user_id is required")
	}
	return nil
}

type RewardKind string

const (
	RewardBidPlaced  RewardKind = "bid_placed"
	RewardAuctionWon RewardKind = "auction_won"
)

// RewardUpdate 奖励计数更新，EffectKey 用于消费端去重。
type RewardUpdate struct {
	EffectKey  string     `json:"effect_key"`
	UserID     string     `json:"user_id"`
	Kind       RewardKind `json:"kind"`
	AuctionID  uint       `json:"auction_id"`
	Category   string     `json:"category,omitempty"`
	OccurredAt time.Time  `json:"occurred_at"`
}

func (u RewardUpdate) Validate() error {
	if u.EffectKey == "" {
		return fmt.Errorf("effect_key is required")
	}
	if u.UserID == "" {
		return fmt.Errorf("user_id is required")
	}
	switch u.Kind {
	case RewardBidPlaced, RewardAuctionWon:
	default:
		return fmt.Errorf("unknown reward kind %q", u.Kind)
	}
	if u.OccurredAt.IsZero() {
		return fmt.Errorf("occurred_at is required")
	}
	return nil
}
