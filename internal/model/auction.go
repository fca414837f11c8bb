package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// AuctionStatus 描述拍卖生命周期，只能前进：upcoming → active → ended → settled。
type AuctionStatus string

const (
	AuctionUpcoming AuctionStatus = "upcoming"
	AuctionActive   AuctionStatus = "active"
	AuctionEnded    AuctionStatus = "ended"
	AuctionSettled  AuctionStatus = "settled"
)

var statusRank = map[AuctionStatus]int{
	AuctionUpcoming: 0,
	AuctionActive:   1,
	AuctionEnded:    2,
	AuctionSettled:  3,
}

// Valid 判断状态值是否合法。
func (s AuctionStatus) Valid() bool {
	_, ok := statusRank[s]
	return ok
}

// CanTransition 仅允许相邻的前进迁移。
func (s AuctionStatus) CanTransition(to AuctionStatus) bool {
	from, ok := statusRank[s]
	if !ok {
		return false
	}
	next, ok := statusRank[to]
	if !ok {
		return false
	}
	return next == from+1
}

// Auction 拍卖账本：当前价、出价计数、领先者、时间窗。
// 价格只能通过已接受的出价上涨。
type Auction struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Title       string `gorm:"size:256;not null" json:"title"`
	Description string `gorm:"type:text" json:"description"`
	Category    string `gorm:"size:64;index" json:"category"`
	Featured    bool   `gorm:"not null;default:false" json:"featured"`

	CurrentPrice decimal.Decimal `gorm:"type:varchar(40);not null" json:"current_price"`
	BidIncrement decimal.Decimal `gorm:"type:varchar(40);not null" json:"bid_increment"`

	Status    AuctionStatus `gorm:"size:16;not null;index" json:"status"`
	StartTime time.Time     `gorm:"not null;index" json:"start_time"`
	EndTime   time.Time     `gorm:"not null;index" json:"end_time"`

	// HighestBidderID 为空表示还没有出价。
	HighestBidderID string `gorm:"size:64" json:"highest_bidder_id,omitempty"`
	TotalBids       int64  `gorm:"not null;default:0" json:"total_bids"`

	// EndEventPublished 标记结束事件是否已写入事件流，未写入的由巡检补发。
	EndEventPublished bool `gorm:"not null;default:false;index" json:"-"`
}

func (Auction) TableName() string { return "auctions" }

// MinNextBid 返回下一笔出价的最低金额（含等号）。
func (a Auction) MinNextBid() decimal.Decimal {
	return a.CurrentPrice.Add(a.BidIncrement)
}

// HasLeader 报告是否已有领先出价者。
func (a Auction) HasLeader() bool {
	return a.HighestBidderID != ""
}

// OpenAt 判断 now 是否落在 [StartTime, EndTime) 内。
func (a Auction) OpenAt(now time.Time) bool {
	return !now.Before(a.StartTime) && now.Before(a.EndTime)
}
