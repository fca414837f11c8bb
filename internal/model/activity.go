package model

import "time"

// UserActivity 用户奖励计数器。计数只增不减，日/周窗口在跨天/跨周时归零。
type UserActivity struct {
	UserID    string    `gorm:"primaryKey;size:64" json:"user_id"`
	CreatedAt time.Time `json:"-"`
	UpdatedAt time.Time `json:"updated_at"`

	BidsPlaced            int64 `gorm:"not null;default:0" json:"bids_placed"`
	AuctionsWon           int64 `gorm:"not null;default:0" json:"auctions_won"`
	PointsEarned          int64 `gorm:"not null;default:0" json:"points_earned"`
	ConsecutiveActiveDays int64 `gorm:"not null;default:0" json:"consecutive_active_days"`

	// Categories 已参与过的拍卖分类集合（有序去重）。
	Categories []string `gorm:"serializer:json" json:"categories"`

	// 窗口记账。Day 形如 2006-01-02，Week 形如 2006-W01，均按配置时区计算。
	LastActiveDay string `gorm:"size:10" json:"last_active_day,omitempty"`
	Day           string `gorm:"size:10" json:"day,omitempty"`
	DayBids       int64  `json:"day_bids"`
	DayWins       int64  `json:"day_wins"`
	DayPoints     int64  `json:"day_points"`
	Week          string `gorm:"size:8" json:"week,omitempty"`
	WeekBids      int64  `json:"week_bids"`
	WeekWins      int64  `json:"week_wins"`
	WeekPoints    int64  `json:"week_points"`
}

func (UserActivity) TableName() string { return "user_activities" }

// CategoriesExplored 返回已探索分类数量。
func (u UserActivity) CategoriesExplored() int64 {
	return int64(len(u.Categories))
}

// HasCategory 判断 c 是否已经探索过。
func (u UserActivity) HasCategory(c string) bool {
	for _, v := range u.Categories {
		if v == c {
			return true
		}
	}
	return false
}

// UserAchievementUnlock (user, achievement) 只会写入一次。
type UserAchievementUnlock struct {
	UserID        string    `gorm:"primaryKey;size:64" json:"user_id"`
	AchievementID string    `gorm:"primaryKey;size:64" json:"achievement_id"`
	UnlockedAt    time.Time `gorm:"not null" json:"unlocked_at"`
	Notified      bool      `gorm:"not null;default:false;index" json:"-"`
}

func (UserAchievementUnlock) TableName() string { return "user_achievement_unlocks" }

// AppliedEffect 记录已应用的奖励更新，依靠主键唯一约束去重。
type AppliedEffect struct {
	EffectKey string    `gorm:"primaryKey;size:128"`
	UserID    string    `gorm:"size:64;index"`
	AppliedAt time.Time `gorm:"not null"`
}

func (AppliedEffect) TableName() string { return "applied_effects" }
