package router

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"auction_engine/internal/bidding"
	"auction_engine/internal/config"
	"auction_engine/internal/ledger"
	"auction_engine/internal/lifecycle"
	"auction_engine/internal/middleware"
	"auction_engine/internal/model"
	"auction_engine/internal/reward"
	redisx "auction_engine/pkg/redis"

	"github.com/gin-gonic/gin"
	rd "github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

// Deps HTTP 层依赖的全部服务。
type Deps struct {
	Ledger    *ledger.Ledger
	Bidding   *bidding.Service
	Scheduler *lifecycle.Scheduler
	Rewards   *reward.Service
	Redis     *rd.Client
	Config    config.AppConfig
	Now       func() time.Time
}

// Setup 注册全部 HTTP 路由。
func Setup(r *gin.Engine, d Deps) {
	if d.Now == nil {
		d.Now = time.Now
	}
	admin := middleware.AdminToken(d.Config.AdminToken)

	r.GET("/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"msg": "pong"})
	})

	// Auctions
	r.GET("/api/auctions", listAuctions(d.Ledger))
	r.POST("/api/auctions", admin, createAuction(d.Ledger))
	r.GET("/api/auctions/:id", getAuction(d.Ledger))
	r.GET("/api/auctions/:id/bids", listBids(d.Ledger))
	r.POST("/api/auctions/:id/bids",
		middleware.BidRateLimit(d.Redis, d.Config.BidRateLimit, d.Config.BidRateWindow),
		placeBid(d.Bidding, d.Redis, d.Config.ReceiptTTL, d.Now))
	r.POST("/api/auctions/:id/settle", admin, settleAuction(d.Scheduler))

	// Rewards
	r.GET("/api/achievements", listAchievements(d.Rewards))
	r.GET("/api/users/:user_id/rewards", userRewards(d.Rewards))
	r.GET("/api/users/:user_id/achievements", userAchievements(d.Rewards, d.Now))
}

type auctionView struct {
	model.Auction
	MinNextBid decimal.Decimal `json:"min_next_bid"`
}

func viewOf(a model.Auction) auctionView {
	return auctionView{Auction: a, MinNextBid: a.MinNextBid()}
}

// bidResponse 出价结果。被拒绝时 error_kind 为稳定标识，bid_too_low 额外返回 min_bid。
type bidResponse struct {
	Accepted  bool             `json:"accepted"`
	NewPrice  *decimal.Decimal `json:"new_price,omitempty"`
	ErrorKind string           `json:"error_kind,omitempty"`
	MinBid    *decimal.Decimal `json:"min_bid,omitempty"`
	BidID     string           `json:"bid_id,omitempty"`
	Sequence  int64            `json:"sequence,omitempty"`
}

// listAuctions 按状态查询拍卖列表。
func listAuctions(l *ledger.Ledger) gin.HandlerFunc {
	return func(c *gin.Context) {
		status := model.AuctionStatus(c.Query("status"))
		if status != "" && !status.Valid() {
			c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": "unknown status " + string(status)})
			return
		}
		list, err := l.List(c.Request.Context(), status)
		if err != nil {
			writeError(c, err)
			return
		}
		out := make([]auctionView, 0, len(list))
		for _, a := range list {
			out = append(out, viewOf(a))
		}
		c.JSON(http.StatusOK, gin.H{"code": 0, "data": out})
	}
}

// createAuction 创建拍卖（含时间窗与价格校验），初始状态 upcoming。
func createAuction(l *ledger.Ledger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			Title        string          `json:"title" binding:"required"`
			Description  string          `json:"description"`
			Category     string          `json:"category"`
			Featured     bool            `json:"featured"`
			StartPrice   decimal.Decimal `json:"start_price"`
			BidIncrement decimal.Decimal `json:"bid_increment"`
			StartTime    string          `json:"start_time" binding:"required"`
			EndTime      string          `json:"end_time" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": err.Error()})
			return
		}
		start, err := time.Parse(time.RFC3339, req.StartTime)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": "start_time must be RFC3339"})
			return
		}
		end, err := time.Parse(time.RFC3339, req.EndTime)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": "end_time must be RFC3339"})
			return
		}

		a, err := l.Create(c.Request.Context(), ledger.NewAuction{
			Title:        req.Title,
			Description:  req.Description,
			Category:     req.Category,
			Featured:     req.Featured,
			StartPrice:   req.StartPrice,
			BidIncrement: req.BidIncrement,
			StartTime:    start,
			EndTime:      end,
		})
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"code": 0, "data": viewOf(a)})
	}
}

// getAuction 实时快照，直接读库。
func getAuction(l *ledger.Ledger) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := auctionID(c)
		if !ok {
			return
		}
		a, err := l.Snapshot(c.Request.Context(), id)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"code": 0, "data": viewOf(a)})
	}
}

// listBids 按序号返回出价历史。
func listBids(l *ledger.Ledger) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := auctionID(c)
		if !ok {
			return
		}
		bids, err := l.History(c.Request.Context(), id)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"code": 0, "data": bids})
	}
}

// placeBid 出价入口。
// 关键流程：
// 1. 参数校验
// 2. 带 Idempotency-Key 时抢占回执，重复请求直接回放首次结果
// 3. 交给 bidding.Service（拍卖锁内读-校验-写）
// 4. 终态结果写回执；内部错误与 busy 删除回执，允许客户端重试
func placeBid(svc *bidding.Service, rdb *rd.Client, receiptTTL time.Duration, now func() time.Time) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := auctionID(c)
		if !ok {
			return
		}
		var req struct {
			BidderID string          `json:"bidder_id" binding:"required"`
			Amount   decimal.Decimal `json:"amount"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": err.Error()})
			return
		}
		req.BidderID = strings.TrimSpace(req.BidderID)

		ctx := c.Request.Context()
		receiptKey := ""
		if idem := strings.TrimSpace(c.GetHeader("Idempotency-Key")); idem != "" {
			receiptKey = redisx.BidReceiptKey(id, req.BidderID, idem)
			prev, claimed, err := redisx.ClaimBidReceipt(ctx, rdb, receiptKey, receiptTTL)
			if err != nil {
				writeError(c, err)
				return
			}
			if !claimed {
				replayReceipt(c, prev)
				return
			}
		}

		res, err := svc.SubmitBid(ctx, id, req.BidderID, req.Amount, now())
		if err != nil {
			kind := ledger.Kind(err)
			if receiptKey != "" {
				if kind == "" || errors.Is(err, ledger.ErrAuctionBusy) {
					_ = redisx.DropBidReceipt(ctx, rdb, receiptKey)
				} else {
					r := redisx.BidReceipt{ErrorKind: kind}
					if m, ok := ledger.MinBidOf(err); ok {
						r.MinBid = m.String()
					}
					storeReceipt(c, rdb, receiptKey, r, receiptTTL)
				}
			}
			writeError(c, err)
			return
		}

		if receiptKey != "" {
			storeReceipt(c, rdb, receiptKey, redisx.BidReceipt{
				Accepted: true,
				NewPrice: res.NewPrice.String(),
				BidID:    res.BidID,
			}, receiptTTL)
		}
		price := res.NewPrice
		c.JSON(http.StatusOK, gin.H{
			"code": 0,
			"data": bidResponse{
				Accepted: true,
				NewPrice: &price,
				BidID:    res.BidID,
				Sequence: res.Sequence,
			},
		})
	}
}

func storeReceipt(c *gin.Context, rdb *rd.Client, key string, r redisx.BidReceipt, ttl time.Duration) {
	if err := redisx.PutBidReceipt(c.Request.Context(), rdb, key, r, ttl); err != nil {
		slog.Warn("store bid receipt", slog.String("key", key), slog.Any("error", err))
	}
}

// replayReceipt 回放首次请求的结果。
func replayReceipt(c *gin.Context, r redisx.BidReceipt) {
	c.Header("Idempotent-Replayed", "true")
	if r.Status != redisx.ReceiptDone {
		c.JSON(http.StatusConflict, gin.H{"code": 409, "msg": "request with this Idempotency-Key is in progress"})
		return
	}
	if r.Accepted {
		resp := bidResponse{Accepted: true, BidID: r.BidID}
		if p, err := decimal.NewFromString(r.NewPrice); err == nil {
			resp.NewPrice = &p
		}
		c.JSON(http.StatusOK, gin.H{"code": 0, "data": resp})
		return
	}
	resp := bidResponse{ErrorKind: r.ErrorKind}
	if m, err := decimal.NewFromString(r.MinBid); err == nil {
		resp.MinBid = &m
	}
	status := http.StatusBadRequest
	if r.ErrorKind == ledger.Kind(ledger.ErrAuctionNotFound) {
		status = http.StatusNotFound
	}
	c.JSON(status, gin.H{"code": status, "msg": r.ErrorKind, "data": resp})
}

// settleAuction 外部确认后结算已结束的拍卖。
func settleAuction(s *lifecycle.Scheduler) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := auctionID(c)
		if !ok {
			return
		}
		a, err := s.Settle(c.Request.Context(), id)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"code": 0, "data": viewOf(a)})
	}
}

func listAchievements(s *reward.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"code": 0, "data": s.Catalog()})
	}
}

func userRewards(s *reward.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		sum, err := s.Summary(c.Request.Context(), c.Param("user_id"))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"code": 0, "data": sum})
	}
}

func userAchievements(s *reward.Service, now func() time.Time) gin.HandlerFunc {
	return func(c *gin.Context) {
		views, err := s.UserAchievements(c.Request.Context(), c.Param("user_id"), now())
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"code": 0, "data": views})
	}
}

func auctionID(c *gin.Context) (uint, bool) {
	// 32 bit 十进制
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": "invalid auction id"})
		return 0, false
	}
	return uint(id), true
}

// writeError 将业务错误映射为 HTTP 状态码；出价类拒绝在 data 中带上 error_kind。
func writeError(c *gin.Context, err error) {
	kind := ledger.Kind(err)
	switch {
	case errors.Is(err, ledger.ErrAuctionNotFound):
		c.JSON(http.StatusNotFound, gin.H{"code": 404, "msg": err.Error(), "data": bidResponse{ErrorKind: kind}})
	case errors.Is(err, ledger.ErrAuctionBusy):
		c.JSON(http.StatusServiceUnavailable, gin.H{"code": 503, "msg": err.Error(), "data": bidResponse{ErrorKind: kind}})
	case kind != "":
		resp := bidResponse{ErrorKind: kind}
		if m, ok := ledger.MinBidOf(err); ok {
			resp.MinBid = &m
		}
		c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": err.Error(), "data": resp})
	case errors.Is(err, ledger.ErrInvalidAuction):
		c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": err.Error()})
	case errors.Is(err, ledger.ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{"code": 409, "msg": err.Error()})
	default:
		slog.Error("request failed", slog.String("path", c.FullPath()), slog.Any("error", err))
		c.JSON(http.StatusInternalServerError, gin.H{"code": 500, "msg": "internal error"})
	}
}
