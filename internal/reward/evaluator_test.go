package reward

import (
	"testing"
	"time"

	"auction_engine/internal/model"
	"auction_engine/internal/queue"

	"github.com/stretchr/testify/require"
)

// UTC+8：UTC 16:00 之后就是本地的第二天。
var cst = time.FixedZone("UTC+8", 8*3600)

func testCatalog(t *testing.T) *Catalog {
	t.Helper()
	c, err := NewCatalog([]model.Achievement{
		{ID: "first_bid", Rarity: model.RarityCommon, Points: 10,
			Condition: model.Condition{Counter: model.CounterBidsPlaced, Target: 1}},
		{ID: "daily_3", Rarity: model.RarityRare,
			Condition: model.Condition{Counter: model.CounterBidsPlaced, Target: 3, Timeframe: model.TimeframeDaily}},
		{ID: "weekly_2_wins", Rarity: model.RarityEpic,
			Condition: model.Condition{Counter: model.CounterAuctionsWon, Target: 2, Timeframe: model.TimeframeWeekly}},
		{ID: "streak_3", Rarity: model.RarityRare,
			Condition: model.Condition{Counter: model.CounterConsecutiveActiveDays, Target: 3}},
		{ID: "explorer_2", Rarity: model.RarityRare,
			Condition: model.Condition{Counter: model.CounterCategoriesExplored, Target: 2}},
		{ID: "points_15", Rarity: model.RarityLegendary,
			Condition: model.Condition{Counter: model.CounterPointsEarned, Target: 15}},
	})
	require.NoError(t, err)
	return c
}

func testEvaluator(t *testing.T) *Evaluator {
	return NewEvaluator(testCatalog(t), Rules{BidPoints: 5, WinPoints: 50, LevelPoints: 100, Location: cst})
}

func bidAt(ts time.Time, category string) queue.RewardUpdate {
	return queue.RewardUpdate{EffectKey: ts.String(), UserID: "u", Kind: queue.RewardBidPlaced, Category: category, OccurredAt: ts}
}

func winAt(ts time.Time) queue.RewardUpdate {
	return queue.RewardUpdate{EffectKey: ts.String(), UserID: "u", Kind: queue.RewardAuctionWon, OccurredAt: ts}
}

func ids(list []model.Achievement) []string {
	out := make([]string, 0, len(list))
	for _, a := range list {
		out = append(out, a.ID)
	}
	return out
}

// applyAll 依次应用更新，返回最终计数与解锁顺序。
func applyAll(ev *Evaluator, updates ...queue.RewardUpdate) (model.UserActivity, []string) {
	c := model.UserActivity{UserID: "u"}
	unlocked := map[string]bool{}
	var order []string
	for _, u := range updates {
		var newly []model.Achievement
		c, newly = ev.Apply(c, u, unlocked)
		for _, a := range newly {
			unlocked[a.ID] = true
			order = append(order, a.ID)
		}
	}
	return c, order
}

func TestDefaultCatalogLoads(t *testing.T) {
	c, err := LoadCatalog("")
	require.NoError(t, err)
	require.Equal(t, 10, c.Len())

	a, ok := c.Get("eager_bidder")
	require.True(t, ok)
	require.Equal(t, model.TimeframeDaily, a.Condition.Timeframe)
	require.Equal(t, int64(10), a.Condition.Target)
}

func TestCatalogValidation(t *testing.T) {
	_, err := ParseCatalog([]byte(`
[[achievement]]
id = "x"
rarity = "common"
[achievement.condition]
counter = "bids_placed"
target = 1

[[achievement]]
id = "x"
rarity = "common"
[achievement.condition]
counter = "bids_placed"
target = 2
`))
	require.ErrorContains(t, err, "duplicate")

	_, err = ParseCatalog([]byte(`
[[achievement]]
id = "y"
rarity = "common"
[achievement.condition]
counter = "categories_explored"
target = 2
timeframe = "daily"
`))
	require.Error(t, err)

	_, err = ParseCatalog([]byte(`
[[achievement]]
id = "z"
rarity = "mythic"
[achievement.condition]
counter = "bids_placed"
target = 1
`))
	require.Error(t, err)
}

func TestFirstBidUnlocksExactlyOnceAndChains(t *testing.T) {
	ev := testEvaluator(t)
	ts := time.Date(2026, 3, 3, 2, 0, 0, 0, time.UTC)

	c, newly := ev.Apply(model.UserActivity{UserID: "u"}, bidAt(ts, ""), nil)
	// 5 积分出价 + 10 积分解锁奖励 = 15，同一次 Apply 内继续解锁 points_15。
	require.Equal(t, []string{"first_bid", "points_15"}, ids(newly))
	require.Equal(t, int64(1), c.BidsPlaced)
	require.Equal(t, int64(15), c.PointsEarned)

	unlocked := map[string]bool{"first_bid": true, "points_15": true}
	c, newly = ev.Apply(c, bidAt(ts.Add(time.Minute), ""), unlocked)
	require.Empty(t, newly)
	require.Equal(t, int64(2), c.BidsPlaced)
	require.Len(t, unlocked, 2)
}

func TestApplyDoesNotMutateInputs(t *testing.T) {
	ev := testEvaluator(t)
	ts := time.Date(2026, 3, 3, 2, 0, 0, 0, time.UTC)
	in := model.UserActivity{UserID: "u", Categories: []string{"b"}}
	unlocked := map[string]bool{}

	out, _ := ev.Apply(in, bidAt(ts, "a"), unlocked)
	require.Equal(t, []string{"b"}, in.Categories)
	require.Equal(t, []string{"a", "b"}, out.Categories)
	require.Empty(t, unlocked)
	require.Equal(t, int64(0), in.BidsPlaced)
}

func TestDailyWindowResetsAtLocalMidnight(t *testing.T) {
	ev := testEvaluator(t)
	// 2026-03-01 15:00 UTC = 23:00 本地；17:00 UTC = 次日 01:00 本地。
	lateDay1 := time.Date(2026, 3, 1, 15, 0, 0, 0, time.UTC)
	earlyDay2 := time.Date(2026, 3, 1, 17, 0, 0, 0, time.UTC)

	c, order := applyAll(ev,
		bidAt(lateDay1, ""),
		bidAt(lateDay1.Add(time.Minute), ""),
		bidAt(earlyDay2, ""),
	)
	require.NotContains(t, order, "daily_3")
	require.Equal(t, "2026-03-02", c.Day)
	require.Equal(t, int64(1), c.DayBids)
	require.Equal(t, int64(3), c.BidsPlaced)

	c, order = applyAll(ev,
		bidAt(earlyDay2, ""),
		bidAt(earlyDay2.Add(time.Hour), ""),
		bidAt(earlyDay2.Add(2*time.Hour), ""),
	)
	require.Contains(t, order, "daily_3")
	require.Equal(t, int64(3), c.DayBids)
}

func TestWeeklyWindowFollowsISOWeeks(t *testing.T) {
	ev := testEvaluator(t)
	// 2026-03-01 是周日（ISO 第 9 周），03-02 周一开始第 10 周。
	sunday := time.Date(2026, 3, 1, 4, 0, 0, 0, time.UTC)
	monday := time.Date(2026, 3, 2, 4, 0, 0, 0, time.UTC)

	c, order := applyAll(ev, winAt(sunday), winAt(monday))
	require.NotContains(t, order, "weekly_2_wins")
	require.Equal(t, "2026-W10", c.Week)
	require.Equal(t, int64(1), c.WeekWins)
	require.Equal(t, int64(2), c.AuctionsWon)

	_, order = applyAll(ev, winAt(monday), winAt(monday.Add(72*time.Hour)))
	require.Contains(t, order, "weekly_2_wins")
}

func TestLateEventCountsOnlyAllTime(t *testing.T) {
	ev := testEvaluator(t)
	day2 := time.Date(2026, 3, 5, 4, 0, 0, 0, time.UTC)

	c, _ := applyAll(ev, bidAt(day2, ""), bidAt(day2.Add(-48*time.Hour), ""))
	require.Equal(t, int64(2), c.BidsPlaced)
	require.Equal(t, int64(1), c.DayBids)
	require.Equal(t, "2026-03-05", c.Day)
	require.Equal(t, "2026-03-05", c.LastActiveDay)
}

func TestConsecutiveActiveDays(t *testing.T) {
	ev := testEvaluator(t)
	d := func(day int) time.Time { return time.Date(2026, 4, day, 3, 0, 0, 0, time.UTC) }

	c, order := applyAll(ev, bidAt(d(1), ""), bidAt(d(1).Add(time.Hour), ""), bidAt(d(2), ""), bidAt(d(3), ""))
	require.Equal(t, int64(3), c.ConsecutiveActiveDays)
	require.Contains(t, order, "streak_3")

	c, order = applyAll(ev, bidAt(d(1), ""), bidAt(d(2), ""), bidAt(d(4), ""))
	require.Equal(t, int64(1), c.ConsecutiveActiveDays)
	require.NotContains(t, order, "streak_3")
}

func TestStreakProgressExpiresAfterGap(t *testing.T) {
	ev := testEvaluator(t)
	cat := testCatalog(t)
	streak, _ := cat.Get("streak_3")
	d := func(day int) time.Time { return time.Date(2026, 4, day, 3, 0, 0, 0, time.UTC) }

	c, _ := applyAll(ev, bidAt(d(1), ""), bidAt(d(2), ""))
	require.Equal(t, int64(2), c.ConsecutiveActiveDays)

	require.Equal(t, 66, ev.Progress(c, streak, d(2)))
	// 次日还没出价，连续仍可延续
	require.Equal(t, 66, ev.Progress(c, streak, d(3)))
	// 隔了一整天没有活跃
	require.Equal(t, 0, ev.Progress(c, streak, d(4)))
	require.Equal(t, int64(0), ev.Current(c, streak.Condition, d(10)))

	require.Equal(t, 0, ev.Progress(model.UserActivity{}, streak, d(1)))
}

func TestCategoriesExplored(t *testing.T) {
	ev := testEvaluator(t)
	ts := time.Date(2026, 4, 1, 3, 0, 0, 0, time.UTC)

	c, order := applyAll(ev, bidAt(ts, "art"), bidAt(ts, "art"), bidAt(ts, "coins"))
	require.Equal(t, int64(2), c.CategoriesExplored())
	require.Contains(t, order, "explorer_2")
}

func TestProgress(t *testing.T) {
	ev := testEvaluator(t)
	cat := testCatalog(t)
	daily, _ := cat.Get("daily_3")
	first, _ := cat.Get("first_bid")
	now := time.Date(2026, 3, 1, 4, 0, 0, 0, time.UTC)

	c := model.UserActivity{BidsPlaced: 7, Day: ev.Rules().DayKey(now), DayBids: 1}
	require.Equal(t, 33, ev.Progress(c, daily, now))
	require.Equal(t, 100, ev.Progress(c, first, now))

	// 过期的日窗口视为 0。
	require.Equal(t, 0, ev.Progress(c, daily, now.Add(24*time.Hour)))
}

func TestLevel(t *testing.T) {
	r := Rules{LevelPoints: 100}
	require.Equal(t, int64(1), r.Level(0))
	require.Equal(t, int64(1), r.Level(99))
	require.Equal(t, int64(2), r.Level(100))
	require.Equal(t, int64(11), r.Level(1050))
}
