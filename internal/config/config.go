package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// 事件传输方式：kafka 经 Kafka 中转；direct 由 relay 直接调用派发器（单机/开发环境）。
const (
	TransportKafka  = "kafka"
	TransportDirect = "direct"
)

// 拍卖锁实现：memory 为进程内锁（单实例），redis 为分布式锁（多实例）。
const (
	LockMemory = "memory"
	LockRedis  = "redis"
)

// AppConfig 聚合运行时配置，尽量通过环境变量注入，避免硬编码。
type AppConfig struct {
	HTTPAddr    string
	DBPath      string
	CORSOrigins []string

	RedisAddr string
	RedisDB   int

	// Kafka 集群地址（逗号分隔）、事件/通知 Topic、消费者组
	KafkaBrokers     []string
	KafkaEventTopic  string
	KafkaNotifyTopic string
	KafkaGroupID     string
	EventTransport   string

	// Redis Stream outbox：事件流、通知流、奖励流共用一个消费组
	EventStream    string
	NotifyStream   string
	RewardStream   string
	StreamGroup    string
	StreamConsumer string

	// 出价接口限流、锁等待与幂等回执
	BidRateLimit  int
	BidRateWindow time.Duration
	BidLockWait   time.Duration
	LockBackend   string
	ReceiptTTL    time.Duration

	// 生命周期巡检间隔与事件补发宽限期
	SweepInterval  time.Duration
	RepublishGrace time.Duration

	// 奖励规则
	RewardTimezone     *time.Location
	AchievementCatalog string
	BidPoints          int64
	WinPoints          int64
	LevelPoints        int64

	// 管理接口的简单令牌（创建/结算拍卖）
	AdminToken string

	LogLevel  string
	LogFormat string
}

// Load 读取并校验配置，缺失时使用默认值。
func Load() (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddr:           getEnv("HTTP_ADDR", ":8080"),
		DBPath:             getEnv("DB_PATH", "auction.db"),
		CORSOrigins:        splitCSV(getEnv("CORS_ORIGINS", "*")),
		RedisAddr:          getEnv("REDIS_ADDR", "localhost:6379"),
		KafkaBrokers:       splitCSV(getEnv("KAFKA_BROKERS", "localhost:9092")),
		KafkaEventTopic:    getEnv("KAFKA_EVENT_TOPIC", "auction-events"),
		KafkaNotifyTopic:   getEnv("KAFKA_NOTIFY_TOPIC", "auction-notifications"),
		KafkaGroupID:       getEnv("KAFKA_GROUP_ID", "auction-dispatcher"),
		EventTransport:     strings.ToLower(getEnv("EVENT_TRANSPORT", TransportKafka)),
		EventStream:        getEnv("EVENT_STREAM", "auction:events"),
		NotifyStream:       getEnv("NOTIFY_STREAM", "auction:notifications"),
		RewardStream:       getEnv("REWARD_STREAM", "auction:rewards"),
		StreamGroup:        getEnv("STREAM_GROUP", "auction-relay-group"),
		StreamConsumer:     getEnv("STREAM_CONSUMER", "auction-relay-1"),
		LockBackend:        strings.ToLower(getEnv("LOCK_BACKEND", LockMemory)),
		AchievementCatalog: getEnv("ACHIEVEMENT_CATALOG", ""),
		AdminToken:         getEnv("ADMIN_TOKEN", "dev-admin-token"),
		LogLevel:           strings.ToLower(getEnv("LOG_LEVEL", "info")),
		LogFormat:          strings.ToLower(getEnv("LOG_FORMAT", "text")),
	}

	var err error
	if cfg.RedisDB, err = getEnvInt("REDIS_DB", 0); err != nil {
		return AppConfig{}, fmt.Errorf("invalid REDIS_DB: %w", err)
	}
	if cfg.BidRateLimit, err = positiveInt("BID_RATE_LIMIT", 20); err != nil {
		return AppConfig{}, err
	}
	if cfg.BidRateWindow, err = positiveDuration("BID_RATE_WINDOW_SEC", 1, time.Second); err != nil {
		return AppConfig{}, err
	}
	if cfg.BidLockWait, err = positiveDuration("BID_LOCK_WAIT_MS", 500, time.Millisecond); err != nil {
		return AppConfig{}, err
	}
	if cfg.ReceiptTTL, err = positiveDuration("RECEIPT_TTL_MIN", 60, time.Minute); err != nil {
		return AppConfig{}, err
	}
	if cfg.SweepInterval, err = positiveDuration("SWEEP_INTERVAL_SEC", 1, time.Second); err != nil {
		return AppConfig{}, err
	}
	if cfg.RepublishGrace, err = positiveDuration("REPUBLISH_GRACE_SEC", 30, time.Second); err != nil {
		return AppConfig{}, err
	}

	bidPoints, err := getEnvInt("BID_POINTS", 5)
	if err != nil || bidPoints < 0 {
		return AppConfig{}, fmt.Errorf("BID_POINTS must be an integer >= 0")
	}
	winPoints, err := getEnvInt("WIN_POINTS", 50)
	if err != nil || winPoints < 0 {
		return AppConfig{}, fmt.Errorf("WIN_POINTS must be an integer >= 0")
	}
	levelPoints, err := positiveInt("LEVEL_POINTS", 100)
	if err != nil {
		return AppConfig{}, err
	}
	cfg.BidPoints, cfg.WinPoints, cfg.LevelPoints = int64(bidPoints), int64(winPoints), int64(levelPoints)

	tz := getEnv("REWARD_TIMEZONE", "UTC")
	if cfg.RewardTimezone, err = time.LoadLocation(tz); err != nil {
		return AppConfig{}, fmt.Errorf("invalid REWARD_TIMEZONE %q: %w", tz, err)
	}

	switch cfg.EventTransport {
	case TransportKafka:
		if len(cfg.KafkaBrokers) == 0 {
			return AppConfig{}, fmt.Errorf("KAFKA_BROKERS must not be empty")
		}
		if cfg.KafkaEventTopic == "" || cfg.KafkaNotifyTopic == "" {
			return AppConfig{}, fmt.Errorf("KAFKA_EVENT_TOPIC and KAFKA_NOTIFY_TOPIC must not be empty")
		}
		if cfg.KafkaGroupID == "" {
			return AppConfig{}, fmt.Errorf("KAFKA_GROUP_ID must not be empty")
		}
	case TransportDirect:
	default:
		return AppConfig{}, fmt.Errorf("EVENT_TRANSPORT must be %s or %s", TransportKafka, TransportDirect)
	}

	switch cfg.LockBackend {
	case LockMemory, LockRedis:
	default:
		return AppConfig{}, fmt.Errorf("LOCK_BACKEND must be %s or %s", LockMemory, LockRedis)
	}

	switch cfg.LogFormat {
	case "text", "json":
	default:
		return AppConfig{}, fmt.Errorf("LOG_FORMAT must be text or json")
	}

	streams := map[string]string{
		"EVENT_STREAM":    cfg.EventStream,
		"NOTIFY_STREAM":   cfg.NotifyStream,
		"REWARD_STREAM":   cfg.RewardStream,
		"STREAM_GROUP":    cfg.StreamGroup,
		"STREAM_CONSUMER": cfg.StreamConsumer,
	}
	for name, v := range streams {
		if v == "" {
			return AppConfig{}, fmt.Errorf("%s must not be empty", name)
		}
	}
	if cfg.EventStream == cfg.NotifyStream || cfg.EventStream == cfg.RewardStream || cfg.NotifyStream == cfg.RewardStream {
		return AppConfig{}, fmt.Errorf("EVENT_STREAM, NOTIFY_STREAM and REWARD_STREAM must differ")
	}

	return cfg, nil
}

// getEnv 读取字符串环境变量，若为空则返回默认值。
func getEnv(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

// getEnvInt 读取整数环境变量，若为空则返回默认值。
func getEnvInt(key string, fallback int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	return strconv.Atoi(v)
}

func positiveInt(key string, fallback int) (int, error) {
	n, err := getEnvInt(key, fallback)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if n <= 0 {
		return 0, fmt.Errorf("%s must be > 0", key)
	}
	return n, nil
}

func positiveDuration(key string, fallback int, unit time.Duration) (time.Duration, error) {
	n, err := positiveInt(key, fallback)
	if err != nil {
		return 0, err
	}
	return time.Duration(n) * unit, nil
}

// splitCSV 将逗号分隔字符串解析为字符串切片。
func splitCSV(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		s := strings.TrimSpace(p)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
