package router

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"auction_engine/internal/bidding"
	"auction_engine/internal/config"
	"auction_engine/internal/ledger"
	"auction_engine/internal/lifecycle"
	"auction_engine/internal/lock"
	"auction_engine/internal/model"
	"auction_engine/internal/queue"
	"auction_engine/internal/reward"
	"auction_engine/internal/testutil"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func init() { gin.SetMode(gin.TestMode) }

const adminToken = "test-admin"

type envelope struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

type fixture struct {
	r      *gin.Engine
	ledger *ledger.Ledger
	sched  *lifecycle.Scheduler
	locker *lock.Memory
	now    time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := testutil.GetEmptyTestDB(t)
	_, rdb := testutil.NewTestRedis(t)

	locker := lock.NewMemory()
	l := ledger.New(db, locker, 50*time.Millisecond)
	events := queue.NewEventStream(queue.NewOutbox(rdb), "events")
	sched := lifecycle.NewScheduler(l, events, time.Second, time.Minute)

	catalog, err := reward.LoadCatalog("")
	require.NoError(t, err)
	eval := reward.NewEvaluator(catalog, reward.Rules{BidPoints: 5, WinPoints: 50, LevelPoints: 100, Location: time.UTC})
	rewards := reward.NewService(db, locker, time.Second, eval, queue.NewOutbox(rdb), "notify")

	f := &fixture{
		r:      gin.New(),
		ledger: l,
		sched:  sched,
		locker: locker,
		now:    time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC),
	}
	Setup(f.r, Deps{
		Ledger:    l,
		Bidding:   bidding.NewService(l, events),
		Scheduler: sched,
		Rewards:   rewards,
		Redis:     rdb,
		Config: config.AppConfig{
			AdminToken:    adminToken,
			BidRateLimit:  1000,
			BidRateWindow: time.Second,
			ReceiptTTL:    time.Hour,
		},
		Now: func() time.Time { return f.now },
	})
	return f
}

func (f *fixture) do(t *testing.T, method, path string, body any, headers map[string]string) (int, envelope, http.Header) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	f.r.ServeHTTP(w, req)

	var env envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env), w.Body.String())
	return w.Code, env, w.Header()
}

// activeAuction 通过接口创建拍卖，再由巡检激活。
func (f *fixture) activeAuction(t *testing.T) uint {
	t.Helper()
	code, env, _ := f.do(t, http.MethodPost, "/api/auctions", gin.H{
		"title":         "Vintage camera",
		"category":      "electronics",
		"start_price":   "100",
		"bid_increment": "10",
		"start_time":    f.now.Add(-time.Minute).Format(time.RFC3339),
		"end_time":      f.now.Add(time.Hour).Format(time.RFC3339),
	}, map[string]string{"X-Admin-Token": adminToken})
	require.Equal(t, http.StatusOK, code, env.Msg)

	var a model.Auction
	require.NoError(t, json.Unmarshal(env.Data, &a))
	require.Equal(t, model.AuctionUpcoming, a.Status)

	rep, err := f.sched.Sweep(context.Background(), f.now)
	require.NoError(t, err)
	require.Equal(t, 1, rep.Activated)
	return a.ID
}

func bidPath(id uint) string { return fmt.Sprintf("/api/auctions/%d/bids", id) }

func decodeBid(t *testing.T, env envelope) bidResponse {
	t.Helper()
	var b bidResponse
	require.NoError(t, json.Unmarshal(env.Data, &b))
	return b
}

func TestCreateAuctionRequiresAdmin(t *testing.T) {
	f := newFixture(t)
	code, _, _ := f.do(t, http.MethodPost, "/api/auctions", gin.H{"title": "x"}, nil)
	require.Equal(t, http.StatusUnauthorized, code)
}

func TestCreateAuctionValidation(t *testing.T) {
	f := newFixture(t)
	code, env, _ := f.do(t, http.MethodPost, "/api/auctions", gin.H{
		"title":         "Backwards",
		"start_price":   "1",
		"bid_increment": "1",
		"start_time":    f.now.Add(time.Hour).Format(time.RFC3339),
		"end_time":      f.now.Format(time.RFC3339),
	}, map[string]string{"X-Admin-Token": adminToken})
	require.Equal(t, http.StatusBadRequest, code)
	require.Contains(t, env.Msg, "start time must be before end time")
}

func TestPlaceBidAcceptAndReject(t *testing.T) {
	f := newFixture(t)
	id := f.activeAuction(t)

	code, env, _ := f.do(t, http.MethodPost, bidPath(id), gin.H{"bidder_id": "alice", "amount": "110"}, nil)
	require.Equal(t, http.StatusOK, code, env.Msg)
	b := decodeBid(t, env)
	require.True(t, b.Accepted)
	require.True(t, b.NewPrice.Equal(decimal.NewFromInt(110)))
	require.Equal(t, int64(1), b.Sequence)
	require.NotEmpty(t, b.BidID)

	code, env, _ = f.do(t, http.MethodPost, bidPath(id), gin.H{"bidder_id": "bob", "amount": "115"}, nil)
	require.Equal(t, http.StatusBadRequest, code)
	b = decodeBid(t, env)
	require.False(t, b.Accepted)
	require.Equal(t, "bid_too_low", b.ErrorKind)
	require.NotNil(t, b.MinBid)
	require.True(t, b.MinBid.Equal(decimal.NewFromInt(120)))

	code, env, _ = f.do(t, http.MethodPost, bidPath(id), gin.H{"bidder_id": "alice", "amount": "200"}, nil)
	require.Equal(t, http.StatusBadRequest, code)
	require.Equal(t, "self_outbid", decodeBid(t, env).ErrorKind)

	code, env, _ = f.do(t, http.MethodPost, bidPath(id), gin.H{"bidder_id": "bob", "amount": "0"}, nil)
	require.Equal(t, http.StatusBadRequest, code)
	require.Equal(t, "invalid_bid", decodeBid(t, env).ErrorKind)

	code, env, _ = f.do(t, http.MethodGet, fmt.Sprintf("/api/auctions/%d", id), nil, nil)
	require.Equal(t, http.StatusOK, code)
	var view struct {
		CurrentPrice    decimal.Decimal `json:"current_price"`
		HighestBidderID string          `json:"highest_bidder_id"`
		TotalBids       int64           `json:"total_bids"`
		MinNextBid      decimal.Decimal `json:"min_next_bid"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &view))
	require.True(t, view.CurrentPrice.Equal(decimal.NewFromInt(110)))
	require.Equal(t, "alice", view.HighestBidderID)
	require.Equal(t, int64(1), view.TotalBids)
	require.True(t, view.MinNextBid.Equal(decimal.NewFromInt(120)))

	code, env, _ = f.do(t, http.MethodGet, bidPath(id), nil, nil)
	require.Equal(t, http.StatusOK, code)
	var bids []model.Bid
	require.NoError(t, json.Unmarshal(env.Data, &bids))
	require.Len(t, bids, 1)
	require.Equal(t, "alice", bids[0].BidderID)
}

func TestPlaceBidNotActive(t *testing.T) {
	f := newFixture(t)
	id := f.activeAuction(t)
	f.now = f.now.Add(2 * time.Hour)

	code, env, _ := f.do(t, http.MethodPost, bidPath(id), gin.H{"bidder_id": "alice", "amount": "500"}, nil)
	require.Equal(t, http.StatusBadRequest, code)
	require.Equal(t, "auction_not_active", decodeBid(t, env).ErrorKind)
}

func TestPlaceBidIdempotentReplay(t *testing.T) {
	f := newFixture(t)
	id := f.activeAuction(t)
	hdr := map[string]string{"Idempotency-Key": "req-1"}

	code, env, h := f.do(t, http.MethodPost, bidPath(id), gin.H{"bidder_id": "alice", "amount": "110"}, hdr)
	require.Equal(t, http.StatusOK, code)
	require.Empty(t, h.Get("Idempotent-Replayed"))
	first := decodeBid(t, env)

	code, env, h = f.do(t, http.MethodPost, bidPath(id), gin.H{"bidder_id": "alice", "amount": "110"}, hdr)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "true", h.Get("Idempotent-Replayed"))
	again := decodeBid(t, env)
	require.Equal(t, first.BidID, again.BidID)
	require.True(t, again.NewPrice.Equal(*first.NewPrice))

	// 回放不产生第二条出价
	a, err := f.ledger.Snapshot(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, int64(1), a.TotalBids)

	// 被拒绝的结果同样回放
	hdr = map[string]string{"Idempotency-Key": "req-2"}
	code, _, _ = f.do(t, http.MethodPost, bidPath(id), gin.H{"bidder_id": "bob", "amount": "111"}, hdr)
	require.Equal(t, http.StatusBadRequest, code)
	code, env, h = f.do(t, http.MethodPost, bidPath(id), gin.H{"bidder_id": "bob", "amount": "111"}, hdr)
	require.Equal(t, http.StatusBadRequest, code)
	require.Equal(t, "true", h.Get("Idempotent-Replayed"))
	b := decodeBid(t, env)
	require.Equal(t, "bid_too_low", b.ErrorKind)
	require.True(t, b.MinBid.Equal(decimal.NewFromInt(120)))
}

func TestPlaceBidBusyAndNotFound(t *testing.T) {
	f := newFixture(t)
	id := f.activeAuction(t)

	code, env, _ := f.do(t, http.MethodPost, bidPath(9999), gin.H{"bidder_id": "alice", "amount": "110"}, nil)
	require.Equal(t, http.StatusNotFound, code)
	require.Equal(t, "auction_not_found", decodeBid(t, env).ErrorKind)

	unlock, err := f.locker.Lock(context.Background(), lock.AuctionName(id), time.Second)
	require.NoError(t, err)
	hdr := map[string]string{"Idempotency-Key": "busy-1"}
	code, env, _ = f.do(t, http.MethodPost, bidPath(id), gin.H{"bidder_id": "alice", "amount": "110"}, hdr)
	require.Equal(t, http.StatusServiceUnavailable, code)
	require.Equal(t, "auction_busy", decodeBid(t, env).ErrorKind)
	unlock()

	// busy 不写回执，同一个 key 重试可以成功
	code, _, h := f.do(t, http.MethodPost, bidPath(id), gin.H{"bidder_id": "alice", "amount": "110"}, hdr)
	require.Equal(t, http.StatusOK, code)
	require.Empty(t, h.Get("Idempotent-Replayed"))

	code, _, _ = f.do(t, http.MethodGet, "/api/auctions/abc", nil, nil)
	require.Equal(t, http.StatusBadRequest, code)
}

func TestSettleAndList(t *testing.T) {
	f := newFixture(t)
	id := f.activeAuction(t)
	admin := map[string]string{"X-Admin-Token": adminToken}
	settle := fmt.Sprintf("/api/auctions/%d/settle", id)

	code, _, _ := f.do(t, http.MethodPost, settle, nil, admin)
	require.Equal(t, http.StatusConflict, code)

	_, err := f.sched.Sweep(context.Background(), f.now.Add(2*time.Hour))
	require.NoError(t, err)

	code, env, _ := f.do(t, http.MethodGet, "/api/auctions?status=ended", nil, nil)
	require.Equal(t, http.StatusOK, code)
	var list []model.Auction
	require.NoError(t, json.Unmarshal(env.Data, &list))
	require.Len(t, list, 1)

	code, env, _ = f.do(t, http.MethodPost, settle, nil, admin)
	require.Equal(t, http.StatusOK, code, env.Msg)
	var a model.Auction
	require.NoError(t, json.Unmarshal(env.Data, &a))
	require.Equal(t, model.AuctionSettled, a.Status)

	code, _, _ = f.do(t, http.MethodGet, "/api/auctions?status=bogus", nil, nil)
	require.Equal(t, http.StatusBadRequest, code)
}

func TestRewardEndpoints(t *testing.T) {
	f := newFixture(t)

	code, env, _ := f.do(t, http.MethodGet, "/api/achievements", nil, nil)
	require.Equal(t, http.StatusOK, code)
	var catalog []model.Achievement
	require.NoError(t, json.Unmarshal(env.Data, &catalog))
	require.NotEmpty(t, catalog)

	code, env, _ = f.do(t, http.MethodGet, "/api/users/nobody/rewards", nil, nil)
	require.Equal(t, http.StatusOK, code)
	var sum reward.Summary
	require.NoError(t, json.Unmarshal(env.Data, &sum))
	require.Equal(t, int64(0), sum.Points)
	require.Equal(t, int64(1), sum.Level)

	code, env, _ = f.do(t, http.MethodGet, "/api/users/nobody/achievements", nil, nil)
	require.Equal(t, http.StatusOK, code)
	var views []reward.AchievementView
	require.NoError(t, json.Unmarshal(env.Data, &views))
	require.Len(t, views, len(catalog))
	for _, v := range views {
		require.False(t, v.Unlocked)
		require.Zero(t, v.Progress)
	}
}
