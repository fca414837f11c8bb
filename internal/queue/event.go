package queue

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

type EventKind string

const (
	EventBidAccepted        EventKind = "bid_accepted"
	EventAuctionEnded       EventKind = "auction_ended"
	EventAuctionEndedNoBids EventKind = "auction_ended_no_bids"
)

// Event 是写入事件流/Kafka 的拍卖事件。
// BidAccepted 携带出价信息；AuctionEnded 携带赢家与成交价，Sequence 为最后一笔出价序号。
type Event struct {
	Kind             EventKind       `json:"kind"`
	AuctionID        uint            `json:"auction_id"`
	Sequence         int64           `json:"sequence"`
	BidID            string          `json:"bid_id,omitempty"`
	BidderID         string          `json:"bidder_id,omitempty"`
	PreviousLeaderID string          `json:"previous_leader_id,omitempty"`
	Amount           decimal.Decimal `json:"amount"`
	WinnerID         string          `json:"winner_id,omitempty"`
	Title            string          `json:"title,omitempty"`
	Category         string          `json:"category,omitempty"`
	OccurredAt       time.Time       `json:"occurred_at"`
}

// Key 唯一标识一条事件，(auction, sequence, kind) 相同即视为重复投递。
func (e Event) Key() string {
	return EffectKey(e.AuctionID, e.Sequence, string(e.Kind))
}

// EffectKey 派生效果的去重键。
func EffectKey(auctionID uint, sequence int64, kind string) string {
	return fmt.Sprintf("auction:%d:seq:%d:%s", auctionID, sequence, kind)
}

// Validate 做最小字段校验，防止消费者处理脏消息。
func (e Event) Validate() error {
	if e.AuctionID == 0 {
		return fmt.Errorf("auction_id is required")
	}
	switch e.Kind {
	case EventBidAccepted:
		if e.Sequence <= 0 {
			return fmt.Errorf("sequence must be > 0")
		}
		if e.BidderID == "" {
			return fmt.Errorf("bidder_id is required")
		}
		if !e.Amount.IsPositive() {
			return fmt.Errorf("amount must be > 0")
		}
	case EventAuctionEnded:
		if e.WinnerID == "" {
			return fmt.Errorf("winner_id is required")
		}
		if e.Sequence <= 0 {
			return fmt.Errorf("sequence must be > 0")
		}
	case EventAuctionEndedNoBids:
	default:
		return fmt.Errorf("unknown event kind %q", e.Kind)
	}
	if e.OccurredAt.IsZero() {
		return fmt.Errorf("occurred_at is required")
	}
	return nil
}
