package ledger

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	ErrAuctionNotFound   = errors.New("auction not found")
	ErrAuctionNotActive  = errors.New("auction not active")
	ErrBidTooLow         = errors.New("bid too low")
	ErrSelfOutbid        = errors.New("already the highest bidder")
	ErrAuctionBusy       = errors.New("auction busy")
	ErrInvalidBid        = errors.New("invalid bid")
	ErrInvalidAuction    = errors.New("invalid auction")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrReplayMismatch    = errors.New("bid history does not replay")

	// errConcurrentUpdate 表示 CAS 失败：锁之外有人改了同一拍卖。
	errConcurrentUpdate = errors.New("auction changed concurrently")
)

// BidTooLowError 带上拒绝时的最低可接受出价。
type BidTooLowError struct {
	MinBid decimal.Decimal
}

func (e *BidTooLowError) Error() string {
	return fmt.Sprintf("bid too low: minimum is %s", e.MinBid.String())
}

func (e *BidTooLowError) Unwrap() error { return ErrBidTooLow }

// MinBidOf 从 ErrBidTooLow 中取出最低出价。
func MinBidOf(err error) (decimal.Decimal, bool) {
	var e *BidTooLowError
	if errors.As(err, &e) {
		return e.MinBid, true
	}
	return decimal.Zero, false
}

// Kind 返回调用方可修正的拒绝原因标识，其他错误返回 ""。
func Kind(err error) string {
	switch {
	case errors.Is(err, ErrAuctionNotActive):
		return "auction_not_active"
	case errors.Is(err, ErrBidTooLow):
		return "bid_too_low"
	case errors.Is(err, ErrSelfOutbid):
		return "self_outbid"
	case errors.Is(err, ErrAuctionBusy):
		return "auction_busy"
	case errors.Is(err, ErrInvalidBid):
		return "invalid_bid"
	case errors.Is(err, ErrAuctionNotFound):
		return "auction_not_found"
	}
	return ""
}
