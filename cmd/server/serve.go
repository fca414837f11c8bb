package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"auction_engine/internal/bidding"
	"auction_engine/internal/config"
	"auction_engine/internal/dispatch"
	"auction_engine/internal/ledger"
	"auction_engine/internal/lifecycle"
	"auction_engine/internal/lock"
	"auction_engine/internal/middleware"
	"auction_engine/internal/model"
	"auction_engine/internal/queue"
	"auction_engine/internal/reward"
	"auction_engine/internal/router"

	"github.com/gin-gonic/gin"
	rd "github.com/redis/go-redis/v9"
	"github.com/rs/cors"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	dedupeCacheSize = 4096
	flushInterval   = 5 * time.Second
	lockTTL         = 10 * time.Second
)

// app 进程内共享的组件。
type app struct {
	cfg       config.AppConfig
	db        *gorm.DB
	rdb       *rd.Client
	outbox    *queue.Outbox
	ledger    *ledger.Ledger
	bidding   *bidding.Service
	scheduler *lifecycle.Scheduler
	rewards   *reward.Service
}

func setup(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	slog.SetDefault(newLogger(cfg))

	db, err := openDB(cfg.DBPath)
	if err != nil {
		return nil, err
	}

	rdb := rd.NewClient(&rd.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	var locker lock.Locker = lock.NewMemory()
	if cfg.LockBackend == config.LockRedis {
		locker = lock.NewRedis(rdb, lockTTL)
	}

	catalog, err := reward.LoadCatalog(cfg.AchievementCatalog)
	if err != nil {
		return nil, err
	}
	eval := reward.NewEvaluator(catalog, reward.Rules{
		BidPoints:   cfg.BidPoints,
		WinPoints:   cfg.WinPoints,
		LevelPoints: cfg.LevelPoints,
		Location:    cfg.RewardTimezone,
	})

	outbox := queue.NewOutbox(rdb)
	events := queue.NewEventStream(outbox, cfg.EventStream)
	l := ledger.New(db, locker, cfg.BidLockWait)

	return &app{
		cfg:       cfg,
		db:        db,
		rdb:       rdb,
		outbox:    outbox,
		ledger:    l,
		bidding:   bidding.NewService(l, events),
		scheduler: lifecycle.NewScheduler(l, events, cfg.SweepInterval, cfg.RepublishGrace),
		rewards:   reward.NewService(db, locker, cfg.BidLockWait, eval, outbox, cfg.NotifyStream),
	}, nil
}

func openDB(path string) (*gorm.DB, error) {
	dsn := path + "?_busy_timeout=5000&_journal_mode=WAL"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Warn)})
	if err != nil {
		return nil, fmt.Errorf("db open: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("db handle: %w", err)
	}
	// SQLite 单写者
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(model.Models()...); err != nil {
		return nil, fmt.Errorf("db migrate: %w", err)
	}
	return db, nil
}

func newLogger(cfg config.AppConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

func (a *app) close() {
	if err := a.rdb.Close(); err != nil {
		slog.Warn("close redis", slog.Any("error", err))
	}
	if sqlDB, err := a.db.DB(); err == nil {
		_ = sqlDB.Close()
	}
}

func (a *app) relay(sink queue.Sink, stream string) *queue.Relay {
	return queue.NewRelay(a.rdb, sink, stream, a.cfg.StreamGroup, a.cfg.StreamConsumer)
}

// serve 启动 HTTP 与全部后台任务，收到 SIGINT/SIGTERM 后优雅退出：
//   - 事件流 relay：kafka 模式投递到 Kafka，direct 模式直接交给派发器
//   - Kafka 消费者（仅 kafka 模式）：事件 -> 派发器
//   - 奖励流 relay：奖励更新 -> 奖励服务
//   - 通知流 relay：kafka 模式投递到通知 Topic，direct 模式写日志
//   - 生命周期巡检与解锁通知补发
func serve(c *cli.Context) error {
	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := setup(ctx)
	if err != nil {
		return err
	}
	defer a.close()
	cfg := a.cfg

	dispatcher, err := dispatch.New(a.outbox, cfg.NotifyStream, cfg.RewardStream, dedupeCacheSize)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)

	var eventSink, notifySink queue.Sink
	switch cfg.EventTransport {
	case config.TransportKafka:
		eventProducer := queue.NewProducer(cfg.KafkaBrokers, cfg.KafkaEventTopic)
		defer eventProducer.Close()
		notifyProducer := queue.NewProducer(cfg.KafkaBrokers, cfg.KafkaNotifyTopic)
		defer notifyProducer.Close()
		eventSink, notifySink = eventProducer, notifyProducer

		consumer := queue.NewConsumer(cfg.KafkaBrokers, cfg.KafkaEventTopic, cfg.KafkaGroupID, dispatcher.Handle)
		defer consumer.Close()
		g.Go(func() error { return consumer.Run(ctx) })
	default:
		eventSink = queue.EventSink(dispatcher.Handle)
		notifySink = queue.LogSender(slog.With(slog.String("component", "notifier")))
	}

	g.Go(func() error { return a.relay(eventSink, cfg.EventStream).Run(ctx) })
	g.Go(func() error { return a.relay(a.rewards, cfg.RewardStream).Run(ctx) })
	g.Go(func() error { return a.relay(notifySink, cfg.NotifyStream).Run(ctx) })
	g.Go(func() error { return a.scheduler.Run(ctx) })
	g.Go(func() error { return a.rewards.RunFlusher(ctx, flushInterval) })

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), middleware.RequestLogger())
	router.Setup(r, router.Deps{
		Ledger:    a.ledger,
		Bidding:   a.bidding,
		Scheduler: a.scheduler,
		Rewards:   a.rewards,
		Redis:     a.rdb,
		Config:    cfg,
	})

	corsHandler := cors.New(cors.Options{
		AllowedOrigins: cfg.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Idempotency-Key", "X-Admin-Token"},
		ExposedHeaders: []string{"Idempotent-Replayed"},
	})
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           corsHandler.Handler(r),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g.Go(func() error {
		slog.Info("http server listening",
			slog.String("addr", cfg.HTTPAddr),
			slog.String("transport", cfg.EventTransport),
			slog.String("lock_backend", cfg.LockBackend))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	slog.Info("server stopped", slog.Any("error", err))
	return err
}

// sweepOnce 单次巡检，供 cron 或手工补发使用。
func sweepOnce(c *cli.Context) error {
	a, err := setup(c.Context)
	if err != nil {
		return err
	}
	defer a.close()

	rep, err := a.scheduler.Sweep(c.Context, time.Now())
	slog.Info("sweep finished",
		slog.Int("activated", rep.Activated),
		slog.Int("ended", rep.Ended),
		slog.Int("ended_no_bids", rep.EndedNoBids),
		slog.Int("republished", rep.Republished),
		slog.Int("failed", rep.Failed))
	return err
}

func migrate(c *cli.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.SetDefault(newLogger(cfg))
	db, err := openDB(cfg.DBPath)
	if err != nil {
		return err
	}
	if sqlDB, err := db.DB(); err == nil {
		defer sqlDB.Close()
	}
	slog.Info("migration done", slog.String("db", cfg.DBPath))
	return nil
}
