package reward

import (
	"fmt"
	"sort"
	"time"

	"auction_engine/internal/model"
	"auction_engine/internal/queue"
)

const dayLayout = "2006-01-02"

// Rules 奖励积分规则与时间窗所用时区。
type Rules struct {
	BidPoints   int64
	WinPoints   int64
	LevelPoints int64
	Location    *time.Location
}

func (r Rules) loc() *time.Location {
	if r.Location == nil {
		return time.UTC
	}
	return r.Location
}

// Level 等级从 1 开始，每 LevelPoints 积分升一级。
func (r Rules) Level(points int64) int64 {
	if r.LevelPoints <= 0 || points <= 0 {
		return 1
	}
	return 1 + points/r.LevelPoints
}

// DayKey 配置时区下的自然日。
func (r Rules) DayKey(t time.Time) string {
	return t.In(r.loc()).Format(dayLayout)
}

// WeekKey ISO 周，形如 2026-W07，可按字典序比较先后。
func (r Rules) WeekKey(t time.Time) string {
	year, week := t.In(r.loc()).ISOWeek()
	return fmt.Sprintf("%04d-W%02d", year, week)
}

type Evaluator struct {
	catalog *Catalog
	rules   Rules
}

func NewEvaluator(catalog *Catalog, rules Rules) *Evaluator {
	return &Evaluator{catalog: catalog, rules: rules}
}

func (ev *Evaluator) Rules() Rules { return ev.rules }

func (ev *Evaluator) Catalog() *Catalog { return ev.catalog }

// Apply 纯函数：把一次奖励更新应用到计数器上，返回新计数器与本次新解锁的成就。
// unlocked 为已解锁集合，不会被修改。解锁奖励的积分可能触发新的成就，直到没有新解锁为止。
func (ev *Evaluator) Apply(c model.UserActivity, u queue.RewardUpdate, unlocked map[string]bool) (model.UserActivity, []model.Achievement) {
	c.Categories = append([]string(nil), c.Categories...)

	day, week := ev.rules.DayKey(u.OccurredAt), ev.rules.WeekKey(u.OccurredAt)
	inDay, inWeek := rollWindows(&c, day, week)
	touchStreak(&c, u.OccurredAt, ev.rules.loc())

	switch u.Kind {
	case queue.RewardBidPlaced:
		c.BidsPlaced++
		if inDay {
			c.DayBids++
		}
		if inWeek {
			c.WeekBids++
		}
		addPoints(&c, ev.rules.BidPoints, inDay, inWeek)
	case queue.RewardAuctionWon:
		c.AuctionsWon++
		if inDay {
			c.DayWins++
		}
		if inWeek {
			c.WeekWins++
		}
		addPoints(&c, ev.rules.WinPoints, inDay, inWeek)
	}

	if u.Category != "" && !c.HasCategory(u.Category) {
		c.Categories = append(c.Categories, u.Category)
		sort.Strings(c.Categories)
	}

	seen := make(map[string]bool, len(unlocked))
	for id, ok := range unlocked {
		seen[id] = ok
	}

	var newly []model.Achievement
	for {
		progressed := false
		for _, a := range ev.catalog.list {
			if seen[a.ID] {
				continue
			}
			if ev.Current(c, a.Condition, u.OccurredAt) < a.Condition.Target {
				continue
			}
			seen[a.ID] = true
			newly = append(newly, a)
			addPoints(&c, a.Points, inDay, inWeek)
			progressed = true
		}
		if !progressed {
			break
		}
	}
	return c, newly
}

// Current 返回条件所指计数器在 now 所在窗口的值，窗口已过期时为 0。
func (ev *Evaluator) Current(c model.UserActivity, cond model.Condition, now time.Time) int64 {
	switch cond.Counter {
	case model.CounterConsecutiveActiveDays:
		// 昨天和今天都没有活跃，连续天数已经断了
		if c.LastActiveDay == "" || c.LastActiveDay < ev.rules.DayKey(now.In(ev.rules.loc()).AddDate(0, 0, -1)) {
			return 0
		}
		return c.ConsecutiveActiveDays
	case model.CounterCategoriesExplored:
		return c.CategoriesExplored()
	}

	switch cond.Timeframe {
	case model.TimeframeDaily:
		if c.Day != ev.rules.DayKey(now) {
			return 0
		}
		return pick(cond.Counter, c.DayBids, c.DayWins, c.DayPoints)
	case model.TimeframeWeekly:
		if c.Week != ev.rules.WeekKey(now) {
			return 0
		}
		return pick(cond.Counter, c.WeekBids, c.WeekWins, c.WeekPoints)
	default:
		return pick(cond.Counter, c.BidsPlaced, c.AuctionsWon, c.PointsEarned)
	}
}

// Progress 完成百分比，封顶 100。
func (ev *Evaluator) Progress(c model.UserActivity, a model.Achievement, now time.Time) int {
	if a.Condition.Target <= 0 {
		return 100
	}
	cur := ev.Current(c, a.Condition, now)
	if cur >= a.Condition.Target {
		return 100
	}
	return int(cur * 100 / a.Condition.Target)
}

func pick(counter model.CounterType, bids, wins, points int64) int64 {
	switch counter {
	case model.CounterBidsPlaced:
		return bids
	case model.CounterAuctionsWon:
		return wins
	case model.CounterPointsEarned:
		return points
	}
	return 0
}

// rollWindows 事件落在更新的日/周时重置窗口。迟到的旧事件只计入总量，不计入窗口。
func rollWindows(c *model.UserActivity, day, week string) (inDay, inWeek bool) {
	switch {
	case c.Day == day:
		inDay = true
	case c.Day < day:
		c.Day, c.DayBids, c.DayWins, c.DayPoints = day, 0, 0, 0
		inDay = true
	}
	switch {
	case c.Week == week:
		inWeek = true
	case c.Week < week:
		c.Week, c.WeekBids, c.WeekWins, c.WeekPoints = week, 0, 0, 0
		inWeek = true
	}
	return inDay, inWeek
}

// touchStreak 维护连续活跃天数：同一天不变，隔天 +1，中断则从 1 重新开始。
func touchStreak(c *model.UserActivity, t time.Time, loc *time.Location) {
	today := t.In(loc).Format(dayLayout)
	if c.LastActiveDay == "" {
		c.LastActiveDay, c.ConsecutiveActiveDays = today, 1
		return
	}
	if today <= c.LastActiveDay {
		return
	}
	last, err := time.ParseInLocation(dayLayout, c.LastActiveDay, loc)
	if err == nil && last.AddDate(0, 0, 1).Format(dayLayout) == today {
		c.ConsecutiveActiveDays++
	} else {
		c.ConsecutiveActiveDays = 1
	}
	c.LastActiveDay = today
}

func addPoints(c *model.UserActivity, n int64, inDay, inWeek bool) {
	if n == 0 {
		return
	}
	c.PointsEarned += n
	if inDay {
		c.DayPoints += n
	}
	if inWeek {
		c.WeekPoints += n
	}
}
