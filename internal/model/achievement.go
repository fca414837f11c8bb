package model

import "fmt"

type CounterType string

const (
	CounterBidsPlaced            CounterType = "bids_placed"
	CounterAuctionsWon           CounterType = "auctions_won"
	CounterPointsEarned          CounterType = "points_earned"
	CounterConsecutiveActiveDays CounterType = "consecutive_active_days"
	CounterCategoriesExplored    CounterType = "categories_explored"
)

type Timeframe string

const (
	TimeframeAllTime Timeframe = "all_time"
	TimeframeDaily   Timeframe = "daily"
	TimeframeWeekly  Timeframe = "weekly"
)

type Rarity string

const (
	RarityCommon    Rarity = "common"
	RarityRare      Rarity = "rare"
	RarityEpic      Rarity = "epic"
	RarityLegendary Rarity = "legendary"
)

// Condition 成就条件：某个计数器在给定时间窗内达到 Target。
type Condition struct {
	Counter   CounterType `toml:"counter" json:"counter"`
	Target    int64       `toml:"target" json:"target"`
	Timeframe Timeframe   `toml:"timeframe" json:"timeframe"`
}

// Achievement 目录条目，启动时加载，运行期只读。
type Achievement struct {
	ID          string    `toml:"id" json:"id"`
	Title       string    `toml:"title" json:"title"`
	Description string    `toml:"description" json:"description"`
	Condition   Condition `toml:"condition" json:"condition"`
	Rarity      Rarity    `toml:"rarity" json:"rarity"`
	Points      int64     `toml:"points" json:"points"`
}

func (c Condition) Validate() error {
	switch c.Counter {
	case CounterBidsPlaced, CounterAuctionsWon, CounterPointsEarned:
	case CounterConsecutiveActiveDays, CounterCategoriesExplored:
		if c.Timeframe != "" && c.Timeframe != TimeframeAllTime {
			return fmt.Errorf("counter %s only supports all_time", c.Counter)
		}
	default:
		return fmt.Errorf("unknown counter %q", c.Counter)
	}
	switch c.Timeframe {
	case "", TimeframeAllTime, TimeframeDaily, TimeframeWeekly:
	default:
		return fmt.Errorf("unknown timeframe %q", c.Timeframe)
	}
	if c.Target <= 0 {
		return fmt.Errorf("target must be > 0")
	}
	return nil
}

func (a Achievement) Validate() error {
	if a.ID == "" {
		return fmt.Errorf("achievement id is empty")
	}
	if err := a.Condition.Validate(); err != nil {
		return fmt.Errorf("achievement %s: %w", a.ID, err)
	}
	switch a.Rarity {
	case RarityCommon, RarityRare, RarityEpic, RarityLegendary:
	default:
		return fmt.Errorf("achievement %s: unknown rarity %q", a.ID, a.Rarity)
	}
	if a.Points < 0 {
		return fmt.Errorf("achievement %s: points must be >= 0", a.ID)
	}
	return nil
}
