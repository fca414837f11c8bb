package ledger

import (
	"fmt"
	"time"

	"auction_engine/internal/model"

	"github.com/shopspring/decimal"
)

// Check 出价校验，纯函数。顺序：未开放 → 金额不足 → 自我加价。
// 等于最低价即可接受，没有上限。
func Check(a model.Auction, bidderID string, amount decimal.Decimal, now time.Time) error {
	if bidderID == "" || !amount.IsPositive() {
		return ErrInvalidBid
	}
	if a.Status != model.AuctionActive || !a.OpenAt(now) {
		return ErrAuctionNotActive
	}
	if minBid := a.MinNextBid(); amount.LessThan(minBid) {
		return &BidTooLowError{MinBid: minBid}
	}
	if a.HighestBidderID == bidderID {
		return ErrSelfOutbid
	}
	return nil
}

// ApplyBid 将一笔已校验的出价应用到拍卖，返回新状态。
func ApplyBid(a model.Auction, b model.Bid) model.Auction {
	a.CurrentPrice = b.Amount
	a.HighestBidderID = b.BidderID
	a.TotalBids++
	return a
}

// Replay 从初始状态按序重放出价历史，重建账本。
// 历史出价不再校验时间窗与状态，只校验序号、递增幅度与领先者规则。
func Replay(initial model.Auction, bids []model.Bid) (model.Auction, error) {
	a := initial
	for _, b := range bids {
		if b.Sequence != a.TotalBids+1 {
			return a, fmt.Errorf("%w: sequence %d after %d", ErrReplayMismatch, b.Sequence, a.TotalBids)
		}
		if b.Amount.LessThan(a.MinNextBid()) {
			return a, fmt.Errorf("%w: sequence %d amount %s below %s", ErrReplayMismatch, b.Sequence, b.Amount, a.MinNextBid())
		}
		if b.BidderID == "" || b.BidderID == a.HighestBidderID {
			return a, fmt.Errorf("%w: sequence %d bidder %q", ErrReplayMismatch, b.Sequence, b.BidderID)
		}
		a = ApplyBid(a, b)
	}
	return a, nil
}
