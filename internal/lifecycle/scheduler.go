// Package lifecycle 推动拍卖 upcoming → active → ended，收到外部确认后结算。
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"auction_engine/internal/bidding"
	"auction_engine/internal/ledger"
	"auction_engine/internal/model"
	"auction_engine/internal/queue"
)

// Report 汇总一次巡检的结果。
type Report struct {
	Activated   int `json:"activated"`
	Ended       int `json:"ended"`
	EndedNoBids int `json:"ended_no_bids"`
	Republished int `json:"republished"`
	Failed      int `json:"failed"`
}

type Scheduler struct {
	ledger    *ledger.Ledger
	publisher bidding.EventPublisher
	interval  time.Duration
	grace     time.Duration
	batch     int
	now       func() time.Time
	log       *slog.Logger
}

func NewScheduler(l *ledger.Ledger, publisher bidding.EventPublisher, interval, grace time.Duration) *Scheduler {
	return &Scheduler{
		ledger:    l,
		publisher: publisher,
		interval:  interval,
		grace:     grace,
		batch:     500,
		now:       time.Now,
		log:       slog.With(slog.String("component", "lifecycle")),
	}
}

// Run 按固定间隔巡检，直到 ctx 取消。错过的间隔由下一次巡检自动补齐。
func (s *Scheduler) Run(ctx context.Context) error {
	t := time.NewTicker(s.interval)
	defer t.Stop()

	for {
		if _, err := s.Sweep(ctx, s.now()); err != nil && ctx.Err() == nil {
			s.log.Error("sweep failed", slog.Any("error", err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
	}
}

// Sweep 执行一次巡检：
// 1. 开始时间已到的 upcoming 拍卖激活
// 2. 结束时间已到的 active 拍卖结束，并发出 AuctionEnded / AuctionEndedNoBids
// 3. 补发未写入事件流的结束事件与出价事件
// 单个拍卖失败只记录并计数，不影响其他拍卖。
func (s *Scheduler) Sweep(ctx context.Context, now time.Time) (Report, error) {
	var rep Report

	ids, err := s.ledger.DueIDs(ctx, model.AuctionUpcoming, now)
	if err != nil {
		return rep, err
	}
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		_, changed, err := s.ledger.Transition(ctx, id, model.AuctionUpcoming, model.AuctionActive)
		if err != nil {
			rep.Failed++
			s.log.Error("activate auction", slog.Uint64("auction_id", uint64(id)), slog.Any("error", err))
			continue
		}
		if changed {
			rep.Activated++
			s.log.Info("auction activated", slog.Uint64("auction_id", uint64(id)))
		}
	}

	ids, err = s.ledger.DueIDs(ctx, model.AuctionActive, now)
	if err != nil {
		return rep, err
	}
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		a, changed, err := s.ledger.Transition(ctx, id, model.AuctionActive, model.AuctionEnded)
		if err != nil {
			rep.Failed++
			s.log.Error("end auction", slog.Uint64("auction_id", uint64(id)), slog.Any("error", err))
			continue
		}
		if !changed {
			continue
		}
		if a.HasLeader() {
			rep.Ended++
		} else {
			rep.EndedNoBids++
		}
		s.log.Info("auction ended",
			slog.Uint64("auction_id", uint64(id)),
			slog.String("winner_id", a.HighestBidderID),
			slog.String("final_price", a.CurrentPrice.String()),
			slog.Int64("total_bids", a.TotalBids),
		)
		if err := s.publishEnd(ctx, a); err != nil {
			// 事件留给下面的补发步骤或下一次巡检。
			s.log.Warn("publish end event", slog.Uint64("auction_id", uint64(id)), slog.Any("error", err))
		}
	}

	n, failed, err := s.republish(ctx, now)
	rep.Republished += n
	rep.Failed += failed
	if err != nil {
		return rep, err
	}
	return rep, nil
}

// Settle 外部确认（如支付完成）后将 ended 拍卖结算。
func (s *Scheduler) Settle(ctx context.Context, auctionID uint) (model.Auction, error) {
	a, changed, err := s.ledger.Transition(ctx, auctionID, model.AuctionEnded, model.AuctionSettled)
	if err != nil {
		return model.Auction{}, err
	}
	if !changed {
		return a, fmt.Errorf("%w: auction %d is %s", ledger.ErrInvalidTransition, auctionID, a.Status)
	}
	s.log.Info("auction settled", slog.Uint64("auction_id", uint64(auctionID)))
	return a, nil
}

func (s *Scheduler) republish(ctx context.Context, now time.Time) (int, int, error) {
	var done, failed int

	auctions, err := s.ledger.UnpublishedEnds(ctx)
	if err != nil {
		return done, failed, err
	}
	for _, a := range auctions {
		if err := ctx.Err(); err != nil {
			return done, failed, err
		}
		if err := s.publishEnd(ctx, a); err != nil {
			failed++
			s.log.Warn("republish end event", slog.Uint64("auction_id", uint64(a.ID)), slog.Any("error", err))
			continue
		}
		done++
	}

	bids, err := s.ledger.UnpublishedBids(ctx, now.Add(-s.grace), s.batch)
	if err != nil {
		return done, failed, err
	}
	categories := make(map[uint]string)
	for _, b := range bids {
		if err := ctx.Err(); err != nil {
			return done, failed, err
		}
		if err := s.republishBid(ctx, b, categories); err != nil {
			failed++
			s.log.Warn("republish bid event", slog.String("bid_id", b.ID), slog.Any("error", err))
			continue
		}
		done++
	}
	return done, failed, nil
}

func (s *Scheduler) republishBid(ctx context.Context, b model.Bid, categories map[uint]string) error {
	category, ok := categories[b.AuctionID]
	if !ok {
		a, err := s.ledger.Snapshot(ctx, b.AuctionID)
		if err != nil && !errors.Is(err, ledger.ErrAuctionNotFound) {
			return err
		}
		category = a.Category
		categories[b.AuctionID] = category
	}
	prev, err := s.ledger.PreviousLeader(ctx, b.AuctionID, b.Sequence)
	if err != nil {
		return err
	}
	e := bidding.BidAcceptedEvent(b.AuctionID, category, b.ID, b.Sequence, b.BidderID, prev, b.Amount, b.PlacedAt)
	if err := s.publisher.Publish(ctx, e); err != nil {
		return err
	}
	return s.ledger.MarkBidPublished(ctx, b.ID)
}

func (s *Scheduler) publishEnd(ctx context.Context, a model.Auction) error {
	if err := s.publisher.Publish(ctx, EndEvent(a)); err != nil {
		return err
	}
	return s.ledger.MarkEndPublished(ctx, a.ID)
}

// EndEvent 根据拍卖最终状态构造结束事件。
func EndEvent(a model.Auction) queue.Event {
	e := queue.Event{
		Kind:       queue.EventAuctionEndedNoBids,
		AuctionID:  a.ID,
		Title:      a.Title,
		Category:   a.Category,
		Amount:     a.CurrentPrice,
		OccurredAt: a.EndTime,
	}
	if a.HasLeader() {
		e.Kind = queue.EventAuctionEnded
		e.WinnerID = a.HighestBidderID
		e.Sequence = a.TotalBids
	}
	return e
}
