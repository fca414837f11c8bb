package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Bid 已接受的出价，只追加不修改。被拒绝的尝试不会落库。
type Bid struct {
	ID        string    `gorm:"primaryKey;size:36" json:"id"`
	CreatedAt time.Time `json:"created_at"`

	AuctionID uint            `gorm:"not null;uniqueIndex:idx_bids_auction_seq,priority:1" json:"auction_id"`
	Sequence  int64           `gorm:"not null;uniqueIndex:idx_bids_auction_seq,priority:2" json:"sequence"`
	BidderID  string          `gorm:"size:64;not null;index" json:"bidder_id"`
	Amount    decimal.Decimal `gorm:"type:varchar(40);not null" json:"amount"`
	PlacedAt  time.Time       `gorm:"not null" json:"placed_at"`

	// EventPublished 与 Auction.EndEventPublished 同理，供巡检补发 BidAccepted。
	EventPublished bool `gorm:"not null;default:false;index" json:"-"`
}

func (Bid) TableName() string { return "bids" }

// Models 返回需要迁移的全部表模型。
func Models() []interface{} {
	return []interface{}{
		&Auction{},
		&Bid{},
		&UserActivity{},
		&UserAchievementUnlock{},
		&AppliedEffect{},
	}
}
