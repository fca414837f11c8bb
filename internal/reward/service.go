// Package reward 维护用户活跃计数，收到奖励更新时按成就目录解锁成就。
package reward

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"auction_engine/internal/lock"
	"auction_engine/internal/model"
	"auction_engine/internal/queue"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Enqueuer 通知 outbox，key 相同的消息只入队一次。
type Enqueuer interface {
	Append(ctx context.Context, stream, kind, key string, v any) (bool, error)
}

type Service struct {
	db           *gorm.DB
	locker       lock.Locker
	wait         time.Duration
	eval         *Evaluator
	outbox       Enqueuer
	notifyStream string
	log          *slog.Logger
}

func NewService(db *gorm.DB, locker lock.Locker, wait time.Duration, eval *Evaluator, outbox Enqueuer, notifyStream string) *Service {
	return &Service{
		db:           db,
		locker:       locker,
		wait:         wait,
		eval:         eval,
		outbox:       outbox,
		notifyStream: notifyStream,
		log:          slog.With(slog.String("component", "reward")),
	}
}

// RecordResult 一次奖励更新的处理结果。Applied=false 表示重复投递，未做任何修改。
type RecordResult struct {
	Applied  bool
	Counters model.UserActivity
	Unlocked []model.Achievement
}

// Summary 用户奖励概览。
type Summary struct {
	UserID   string             `json:"user_id"`
	Points   int64              `json:"points"`
	Level    int64              `json:"level"`
	Unlocked int                `json:"unlocked"`
	Counters model.UserActivity `json:"counters"`
}

// AchievementView 目录条目加上该用户的解锁状态与进度。
type AchievementView struct {
	model.Achievement
	Unlocked   bool       `json:"unlocked"`
	UnlockedAt *time.Time `json:"unlocked_at,omitempty"`
	Progress   int        `json:"progress"`
}

// Record 应用一次奖励更新：
// 1. 按用户加锁，串行化同一用户的计数更新
// 2. 事务内写 AppliedEffect，主键冲突说明已处理过，直接返回
// 3. 读取计数器与已解锁集合，调用 Evaluator.Apply，保存结果
// 4. 提交后为新解锁的成就入队通知
func (s *Service) Record(ctx context.Context, u queue.RewardUpdate) (RecordResult, error) {
	if err := u.Validate(); err != nil {
		return RecordResult{}, fmt.Errorf("reward update: %w", err)
	}

	unlock, err := s.locker.Lock(ctx, lock.UserName(u.UserID), s.wait)
	if err != nil {
		return RecordResult{}, fmt.Errorf("lock user %s: %w", u.UserID, err)
	}
	defer unlock()

	var (
		out   RecordResult
		rows  []model.UserAchievementUnlock
		appAt = time.Now().UTC()
	)
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&model.AppliedEffect{
			EffectKey: u.EffectKey,
			UserID:    u.UserID,
			AppliedAt: appAt,
		})
		if res.Error != nil {
			return fmt.Errorf("insert applied effect: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return nil
		}

		act, isNew, err := loadActivity(tx, u.UserID)
		if err != nil {
			return err
		}
		unlocked, err := unlockedSet(tx, u.UserID)
		if err != nil {
			return err
		}

		next, newly := s.eval.Apply(act, u, unlocked)
		if isNew {
			err = tx.Create(&next).Error
		} else {
			err = tx.Save(&next).Error
		}
		if err != nil {
			return fmt.Errorf("save activity of %s: %w", u.UserID, err)
		}

		for _, a := range newly {
			row := model.UserAchievementUnlock{
				UserID:        u.UserID,
				AchievementID: a.ID,
				UnlockedAt:    u.OccurredAt.UTC(),
			}
			if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error; err != nil {
				return fmt.Errorf("insert unlock %s/%s: %w", u.UserID, a.ID, err)
			}
			rows = append(rows, row)
		}

		out = RecordResult{Applied: true, Counters: next, Unlocked: newly}
		return nil
	})
	if err != nil {
		return RecordResult{}, err
	}
	if !out.Applied {
		s.log.Debug("duplicate reward update ignored", slog.String("key", u.EffectKey))
		return out, nil
	}

	for _, row := range rows {
		s.log.Info("achievement unlocked",
			slog.String("user_id", row.UserID),
			slog.String("achievement_id", row.AchievementID))
		if err := s.notifyUnlock(ctx, row); err != nil {
			// 计数已提交，通知留给 FlushPending 补发。
			s.log.Warn("enqueue unlock notification", slog.String("user_id", row.UserID),
				slog.String("achievement_id", row.AchievementID), slog.Any("error", err))
		}
	}
	return out, nil
}

// FlushPending 补发尚未入队的解锁通知，返回成功条数。
func (s *Service) FlushPending(ctx context.Context, limit int) (int, error) {
	var rows []model.UserAchievementUnlock
	err := s.db.WithContext(ctx).
		Where("notified = ?", false).
		Order("unlocked_at ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return 0, fmt.Errorf("pending unlocks: %w", err)
	}

	n := 0
	for _, row := range rows {
		if err := s.notifyUnlock(ctx, row); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// RunFlusher 定期调用 FlushPending，直到 ctx 取消。
func (s *Service) RunFlusher(ctx context.Context, interval time.Duration) error {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if n, err := s.FlushPending(ctx, 200); err != nil && ctx.Err() == nil {
				s.log.Warn("flush pending unlocks", slog.Any("error", err))
			} else if n > 0 {
				s.log.Info("flushed pending unlocks", slog.Int("count", n))
			}
		}
	}
}

func (s *Service) notifyUnlock(ctx context.Context, row model.UserAchievementUnlock) error {
	payload := map[string]string{
		"achievement_id": row.AchievementID,
		"unlocked_at":    row.UnlockedAt.UTC().Format(time.RFC3339),
	}
	if a, ok := s.eval.Catalog().Get(row.AchievementID); ok {
		payload["title"] = a.Title
		payload["rarity"] = string(a.Rarity)
		payload["points"] = strconv.FormatInt(a.Points, 10)
	}

	key := fmt.Sprintf("user:%s:achievement:%s", row.UserID, row.AchievementID)
	_, err := s.outbox.Append(ctx, s.notifyStream, string(queue.NotifyAchievementUnlocked), key, queue.Notification{
		Kind:    queue.NotifyAchievementUnlocked,
		UserID:  row.UserID,
		Payload: payload,
	})
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Model(&model.UserAchievementUnlock{}).
		Where("user_id = ? AND achievement_id = ?", row.UserID, row.AchievementID).
		Update("notified", true).Error
}

// Summary 返回用户积分、等级与计数器。没有任何活动的用户返回零值，等级为 1。
func (s *Service) Summary(ctx context.Context, userID string) (Summary, error) {
	db := s.db.WithContext(ctx)
	act, _, err := loadActivity(db, userID)
	if err != nil {
		return Summary{}, err
	}
	var unlocked int64
	if err := db.Model(&model.UserAchievementUnlock{}).Where("user_id = ?", userID).Count(&unlocked).Error; err != nil {
		return Summary{}, fmt.Errorf("count unlocks of %s: %w", userID, err)
	}
	return Summary{
		UserID:   userID,
		Points:   act.PointsEarned,
		Level:    s.eval.Rules().Level(act.PointsEarned),
		Unlocked: int(unlocked),
		Counters: act,
	}, nil
}

func (s *Service) Catalog() []model.Achievement {
	return s.eval.Catalog().All()
}

// UserAchievements 目录中每个成就对该用户的解锁状态与当前进度。
func (s *Service) UserAchievements(ctx context.Context, userID string, now time.Time) ([]AchievementView, error) {
	db := s.db.WithContext(ctx)
	act, _, err := loadActivity(db, userID)
	if err != nil {
		return nil, err
	}
	var rows []model.UserAchievementUnlock
	if err := db.Where("user_id = ?", userID).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("load unlocks of %s: %w", userID, err)
	}
	at := make(map[string]time.Time, len(rows))
	for _, r := range rows {
		at[r.AchievementID] = r.UnlockedAt
	}

	list := s.eval.Catalog().All()
	out := make([]AchievementView, 0, len(list))
	for _, a := range list {
		v := AchievementView{Achievement: a, Progress: s.eval.Progress(act, a, now)}
		if t, ok := at[a.ID]; ok {
			t := t
			v.Unlocked = true
			v.UnlockedAt = &t
			v.Progress = 100
		}
		out = append(out, v)
	}
	return out, nil
}

func loadActivity(db *gorm.DB, userID string) (model.UserActivity, bool, error) {
	var act model.UserActivity
	err := db.Where("user_id = ?", userID).Take(&act).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return model.UserActivity{UserID: userID}, true, nil
	}
	if err != nil {
		return model.UserActivity{}, false, fmt.Errorf("load activity of %s: %w", userID, err)
	}
	return act, false, nil
}

func unlockedSet(db *gorm.DB, userID string) (map[string]bool, error) {
	var ids []string
	err := db.Model(&model.UserAchievementUnlock{}).
		Where("user_id = ?", userID).
		Pluck("achievement_id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("load unlocked set of %s: %w", userID, err)
	}
	out := make(map[string]bool, len(ids))
	for _, id := range ids {
		out[id] = true
	}
	return out, nil
}
