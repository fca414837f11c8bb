// Package ledger 持有每个拍卖的权威状态。
// 所有修改都在该拍卖的锁内、单个事务中完成。
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"auction_engine/internal/lock"
	"auction_engine/internal/model"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type Ledger struct {
	db     *gorm.DB
	locker lock.Locker
	wait   time.Duration
}

func New(db *gorm.DB, locker lock.Locker, wait time.Duration) *Ledger {
	return &Ledger{db: db, locker: locker, wait: wait}
}

// Attempt 一次出价尝试。
type Attempt struct {
	BidderID string
	Amount   decimal.Decimal
	Now      time.Time
}

// Acceptance 出价被接受后的结果，Auction 为提交后的快照。
type Acceptance struct {
	Bid              model.Bid
	PreviousLeaderID string
	Auction          model.Auction
}

// NewAuction 创建拍卖的入参。
type NewAuction struct {
	Title        string
	Description  string
	Category     string
	Featured     bool
	StartPrice   decimal.Decimal
	BidIncrement decimal.Decimal
	StartTime    time.Time
	EndTime      time.Time
}

func (n NewAuction) Validate() error {
	switch {
	case strings.TrimSpace(n.Title) == "":
		return fmt.Errorf("%w: title is required", ErrInvalidAuction)
	case n.StartPrice.IsNegative():
		return fmt.Errorf("%w: start price must be >= 0", ErrInvalidAuction)
	case !n.BidIncrement.IsPositive():
		return fmt.Errorf("%w: bid increment must be > 0", ErrInvalidAuction)
	case n.StartTime.IsZero() || n.EndTime.IsZero():
		return fmt.Errorf("%w: start and end time are required", ErrInvalidAuction)
	case !n.StartTime.Before(n.EndTime):
		return fmt.Errorf("%w: start time must be before end time", ErrInvalidAuction)
	}
	return nil
}

// Create 新建一个 upcoming 拍卖。时间统一存 UTC，便于按时间比较。
func (l *Ledger) Create(ctx context.Context, n NewAuction) (model.Auction, error) {
	if err := n.Validate(); err != nil {
		return model.Auction{}, err
	}
	a := model.Auction{
		Title:        strings.TrimSpace(n.Title),
		Description:  n.Description,
		Category:     strings.TrimSpace(n.Category),
		Featured:     n.Featured,
		CurrentPrice: n.StartPrice,
		BidIncrement: n.BidIncrement,
		Status:       model.AuctionUpcoming,
		StartTime:    n.StartTime.UTC(),
		EndTime:      n.EndTime.UTC(),
	}
	if err := l.db.WithContext(ctx).Create(&a).Error; err != nil {
		return model.Auction{}, fmt.Errorf("create auction: %w", err)
	}
	return a, nil
}

// Snapshot 直接读库，不走缓存。
func (l *Ledger) Snapshot(ctx context.Context, auctionID uint) (model.Auction, error) {
	return loadAuction(l.db.WithContext(ctx), auctionID)
}

// History 按序号返回已接受的出价。
func (l *Ledger) History(ctx context.Context, auctionID uint) ([]model.Bid, error) {
	if _, err := l.Snapshot(ctx, auctionID); err != nil {
		return nil, err
	}
	var bids []model.Bid
	err := l.db.WithContext(ctx).
		Where("auction_id = ?", auctionID).
		Order("sequence ASC").
		Find(&bids).Error
	if err != nil {
		return nil, fmt.Errorf("load bids of auction %d: %w", auctionID, err)
	}
	return bids, nil
}

// List 按状态列出拍卖，status 为空时返回全部。
func (l *Ledger) List(ctx context.Context, status model.AuctionStatus) ([]model.Auction, error) {
	q := l.db.WithContext(ctx).Order("featured DESC, end_time ASC, id ASC")
	if status != "" {
		q = q.Where("status = ?", status)
	}
	var out []model.Auction
	if err := q.Find(&out).Error; err != nil {
		return nil, fmt.Errorf("list auctions: %w", err)
	}
	return out, nil
}

// Accept 在拍卖锁内完成读-校验-写：
// 1. 有界等待获取锁，超时返回 ErrAuctionBusy
// 2. 事务内读取最新状态并校验
// 3. 以 total_bids 做 CAS 更新拍卖，并写入出价记录
func (l *Ledger) Accept(ctx context.Context, auctionID uint, at Attempt) (Acceptance, error) {
	if at.BidderID == "" || !at.Amount.IsPositive() {
		return Acceptance{}, ErrInvalidBid
	}

	unlock, err := l.lock(ctx, auctionID)
	if err != nil {
		return Acceptance{}, err
	}
	defer unlock()

	var out Acceptance
	err = l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		a, err := loadAuction(tx, auctionID)
		if err != nil {
			return err
		}
		if err := Check(a, at.BidderID, at.Amount, at.Now); err != nil {
			return err
		}

		bid := model.Bid{
			ID:        uuid.NewString(),
			AuctionID: a.ID,
			Sequence:  a.TotalBids + 1,
			BidderID:  at.BidderID,
			Amount:    at.Amount,
			PlacedAt:  at.Now.UTC(),
		}
		next := ApplyBid(a, bid)

		res := tx.Model(&model.Auction{}).
			Where("id = ? AND total_bids = ?", a.ID, a.TotalBids).
			Updates(map[string]interface{}{
				"current_price":     next.CurrentPrice,
				"highest_bidder_id": next.HighestBidderID,
				"total_bids":        next.TotalBids,
			})
		if res.Error != nil {
			return fmt.Errorf("update auction %d: %w", a.ID, res.Error)
		}
		if res.RowsAffected != 1 {
			return errConcurrentUpdate
		}
		if err := tx.Create(&bid).Error; err != nil {
			return fmt.Errorf("insert bid: %w", err)
		}

		out = Acceptance{Bid: bid, PreviousLeaderID: a.HighestBidderID, Auction: next}
		return nil
	})
	if errors.Is(err, errConcurrentUpdate) {
		return Acceptance{}, ErrAuctionBusy
	}
	if err != nil {
		return Acceptance{}, err
	}
	return out, nil
}

// Transition 只允许相邻的前进迁移。changed=false 表示拍卖当前不在 from 状态。
func (l *Ledger) Transition(ctx context.Context, auctionID uint, from, to model.AuctionStatus) (model.Auction, bool, error) {
	if !from.CanTransition(to) {
		return model.Auction{}, false, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}

	unlock, err := l.lock(ctx, auctionID)
	if err != nil {
		return model.Auction{}, false, err
	}
	defer unlock()

	var (
		out     model.Auction
		changed bool
	)
	err = l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		a, err := loadAuction(tx, auctionID)
		if err != nil {
			return err
		}
		out = a
		if a.Status != from {
			return nil
		}

		res := tx.Model(&model.Auction{}).
			Where("id = ? AND status = ?", a.ID, from).
			Update("status", to)
		if res.Error != nil {
			return fmt.Errorf("update status of auction %d: %w", a.ID, res.Error)
		}
		if res.RowsAffected == 1 {
			out.Status = to
			changed = true
		}
		return nil
	})
	if err != nil {
		return model.Auction{}, false, err
	}
	return out, changed, nil
}

// DueIDs 返回到期需要迁移的拍卖：upcoming 按开始时间，active 按结束时间。
func (l *Ledger) DueIDs(ctx context.Context, status model.AuctionStatus, now time.Time) ([]uint, error) {
	var column string
	switch status {
	case model.AuctionUpcoming:
		column = "start_time"
	case model.AuctionActive:
		column = "end_time"
	default:
		return nil, fmt.Errorf("%w: no schedule for %s", ErrInvalidTransition, status)
	}

	var ids []uint
	err := l.db.WithContext(ctx).Model(&model.Auction{}).
		Where("status = ? AND "+column+" <= ?", status, now.UTC()).
		Order(column+" ASC, id ASC").
		Pluck("id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("due auctions (%s): %w", status, err)
	}
	return ids, nil
}

// UnpublishedEnds 已结束但结束事件尚未写入事件流的拍卖。
func (l *Ledger) UnpublishedEnds(ctx context.Context) ([]model.Auction, error) {
	var out []model.Auction
	err := l.db.WithContext(ctx).
		Where("status IN ? AND end_event_published = ?", []model.AuctionStatus{model.AuctionEnded, model.AuctionSettled}, false).
		Order("id ASC").
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("unpublished end events: %w", err)
	}
	return out, nil
}

// UnpublishedBids 超过 grace 仍未发布 BidAccepted 的出价。
func (l *Ledger) UnpublishedBids(ctx context.Context, placedBefore time.Time, limit int) ([]model.Bid, error) {
	var out []model.Bid
	err := l.db.WithContext(ctx).
		Where("event_published = ? AND placed_at <= ?", false, placedBefore.UTC()).
		Order("auction_id ASC, sequence ASC").
		Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("unpublished bids: %w", err)
	}
	return out, nil
}

// PreviousLeader 返回某序号之前的领先者；sequence 为 1 时为空。
func (l *Ledger) PreviousLeader(ctx context.Context, auctionID uint, sequence int64) (string, error) {
	if sequence <= 1 {
		return "", nil
	}
	var b model.Bid
	err := l.db.WithContext(ctx).
		Where("auction_id = ? AND sequence = ?", auctionID, sequence-1).
		Take(&b).Error
	if err != nil {
		return "", fmt.Errorf("bid %d/%d: %w", auctionID, sequence-1, err)
	}
	return b.BidderID, nil
}

func (l *Ledger) MarkBidPublished(ctx context.Context, bidID string) error {
	return l.db.WithContext(ctx).Model(&model.Bid{}).
		Where("id = ?", bidID).
		Update("event_published", true).Error
}

func (l *Ledger) MarkEndPublished(ctx context.Context, auctionID uint) error {
	return l.db.WithContext(ctx).Model(&model.Auction{}).
		Where("id = ?", auctionID).
		Update("end_event_published", true).Error
}

func (l *Ledger) lock(ctx context.Context, auctionID uint) (func(), error) {
	unlock, err := l.locker.Lock(ctx, lock.AuctionName(auctionID), l.wait)
	if errors.Is(err, lock.ErrTimeout) {
		return nil, ErrAuctionBusy
	}
	if err != nil {
		return nil, fmt.Errorf("lock auction %d: %w", auctionID, err)
	}
	return unlock, nil
}

func loadAuction(db *gorm.DB, auctionID uint) (model.Auction, error) {
	var a model.Auction
	err := db.Take(&a, auctionID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return model.Auction{}, ErrAuctionNotFound
	}
	if err != nil {
		return model.Auction{}, fmt.Errorf("load auction %d: %w", auctionID, err)
	}
	return a, nil
}
