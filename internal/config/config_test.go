package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, ":8080", cfg.HTTPAddr)
	require.Equal(t, TransportKafka, cfg.EventTransport)
	require.Equal(t, LockMemory, cfg.LockBackend)
	require.Equal(t, 500*time.Millisecond, cfg.BidLockWait)
	require.Equal(t, time.UTC, cfg.RewardTimezone)
	require.Equal(t, int64(100), cfg.LevelPoints)
	require.Equal(t, []string{"localhost:9092"}, cfg.KafkaBrokers)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092,")
	t.Setenv("EVENT_TRANSPORT", "DIRECT")
	t.Setenv("BID_LOCK_WAIT_MS", "75")
	t.Setenv("REWARD_TIMEZONE", "Asia/Shanghai")
	t.Setenv("LOCK_BACKEND", "redis")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	require.Equal(t, TransportDirect, cfg.EventTransport)
	require.Equal(t, 75*time.Millisecond, cfg.BidLockWait)
	require.Equal(t, "Asia/Shanghai", cfg.RewardTimezone.String())
	require.Equal(t, LockRedis, cfg.LockBackend)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := map[string]string{
		"BID_RATE_LIMIT":   "0",
		"BID_LOCK_WAIT_MS": "abc",
		"EVENT_TRANSPORT":  "carrier-pigeon",
		"LOCK_BACKEND":     "etcd",
		"REWARD_TIMEZONE":  "Mars/Olympus",
		"LEVEL_POINTS":     "-1",
		"LOG_FORMAT":       "xml",
	}
	for key, val := range cases {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, val)
			_, err := Load()
			require.Error(t, err)
		})
	}

	t.Run("same stream twice", func(t *testing.T) {
		t.Setenv("NOTIFY_STREAM", "auction:events")
		_, err := Load()
		require.Error(t, err)
	})
}
