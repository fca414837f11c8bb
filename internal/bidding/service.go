// Package bidding 出价准入：交给账本裁决，拍卖锁释放后再发布事件。
package bidding

import (
	"context"
	"log/slog"
	"time"

	"auction_engine/internal/ledger"
	"auction_engine/internal/queue"

	"github.com/shopspring/decimal"
)

// EventPublisher 事件 outbox，重复发布同一事件必须是安全的。
type EventPublisher interface {
	Publish(ctx context.Context, e queue.Event) error
}

// Result 接受出价后的结果。
type Result struct {
	BidID            string          `json:"bid_id"`
	Sequence         int64           `json:"sequence"`
	NewPrice         decimal.Decimal `json:"new_price"`
	PreviousLeaderID string          `json:"previous_leader_id,omitempty"`
	MinNextBid       decimal.Decimal `json:"min_next_bid"`
}

type Service struct {
	ledger    *ledger.Ledger
	publisher EventPublisher
	log       *slog.Logger
}

func NewService(l *ledger.Ledger, publisher EventPublisher) *Service {
	return &Service{ledger: l, publisher: publisher, log: slog.With(slog.String("component", "bidding"))}
}

// SubmitBid 校验并应用一次出价。被拒绝时返回 ledger 包中的业务错误，
// 可用 ledger.Kind 取得稳定的错误标识。
func (s *Service) SubmitBid(ctx context.Context, auctionID uint, bidderID string, amount decimal.Decimal, now time.Time) (*Result, error) {
	acc, err := s.ledger.Accept(ctx, auctionID, ledger.Attempt{
		BidderID: bidderID,
		Amount:   amount,
		Now:      now,
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("bid accepted",
		slog.Uint64("auction_id", uint64(auctionID)),
		slog.Int64("sequence", acc.Bid.Sequence),
		slog.String("bidder_id", bidderID),
		slog.String("amount", amount.String()),
		slog.String("previous_leader_id", acc.PreviousLeaderID),
	)

	// 锁已释放，事件发布失败只记日志，巡检会补发。
	s.publish(ctx, acc)

	return &Result{
		BidID:            acc.Bid.ID,
		Sequence:         acc.Bid.Sequence,
		NewPrice:         acc.Auction.CurrentPrice,
		PreviousLeaderID: acc.PreviousLeaderID,
		MinNextBid:       acc.Auction.MinNextBid(),
	}, nil
}

func (s *Service) publish(ctx context.Context, acc ledger.Acceptance) {
	e := BidAcceptedEvent(acc.Auction.ID, acc.Auction.Category, acc.Bid.ID, acc.Bid.Sequence, acc.Bid.BidderID, acc.PreviousLeaderID, acc.Bid.Amount, acc.Bid.PlacedAt)
	if err := s.publisher.Publish(ctx, e); err != nil {
		s.log.Warn("publish bid event failed, left for sweep",
			slog.String("key", e.Key()), slog.Any("error", err))
		return
	}
	if err := s.ledger.MarkBidPublished(ctx, acc.Bid.ID); err != nil {
		s.log.Warn("mark bid published failed", slog.String("bid_id", acc.Bid.ID), slog.Any("error", err))
	}
}

// BidAcceptedEvent 构造 BidAccepted 事件，提交路径与补发路径共用。
func BidAcceptedEvent(auctionID uint, category, bidID string, seq int64, bidderID, previousLeaderID string, amount decimal.Decimal, at time.Time) queue.Event {
	return queue.Event{
		Kind:             queue.EventBidAccepted,
		AuctionID:        auctionID,
		Sequence:         seq,
		BidID:            bidID,
		BidderID:         bidderID,
		PreviousLeaderID: previousLeaderID,
		Amount:           amount,
		Category:         category,
		OccurredAt:       at,
	}
}
