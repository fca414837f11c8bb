package queue

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
)

// EventHandler 处理一条拍卖事件，必须对重复投递幂等。
type EventHandler func(ctx context.Context, e Event) error

// Consumer 消费事件 topic。处理成功后才提交 offset，失败按退避重试同一条消息。
type Consumer struct {
	r       *kafka.Reader
	handle  EventHandler
	backoff time.Duration
	maxWait time.Duration
}

func NewConsumer(brokers []string, topic, groupID string, handle EventHandler) *Consumer {
	return &Consumer{
		r: kafka.NewReader(kafka.ReaderConfig{
			Brokers:  brokers,
			Topic:    topic,
			GroupID:  groupID,
			MinBytes: 1e3,
			MaxBytes: 1e6,
		}),
		handle:  handle,
		backoff: 200 * time.Millisecond,
		maxWait: 10 * time.Second,
	}
}

func (c *Consumer) Close() error { return c.r.Close() }

func (c *Consumer) Run(ctx context.Context) error {
	for {
		m, err := c.r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}

		var e Event
		if err := json.Unmarshal(m.Value, &e); err != nil {
			slog.Error("consumer unmarshal, skipping", "offset", m.Offset, "partition", m.Partition, "error", err)
		} else if err := e.Validate(); err != nil {
			slog.Error("consumer invalid event, skipping", "offset", m.Offset, "error", err)
		} else if !c.handleWithRetry(ctx, e) {
			return nil
		}

		if err := c.r.CommitMessages(ctx, m); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			slog.Warn("consumer commit", "offset", m.Offset, "error", err)
		}
	}
}

// handleWithRetry 返回 false 表示 ctx 已取消，消息未处理完。
func (c *Consumer) handleWithRetry(ctx context.Context, e Event) bool {
	wait := c.backoff
	for {
		err := c.handle(ctx, e)
		if err == nil {
			return true
		}
		slog.Warn("consumer handle event", "key", e.Key(), "retry_in", wait, "error", err)

		sleepCtx(ctx, wait)
		if ctx.Err() != nil {
			return false
		}
		wait *= 2
		if wait > c.maxWait {
			wait = c.maxWait
		}
	}
}
