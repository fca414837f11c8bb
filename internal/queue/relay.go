package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	rd "github.com/redis/go-redis/v9"
)

// Sink 接收 relay 转发的消息。返回 error 时消息不会 ACK，稍后重试。
type Sink interface {
	Deliver(ctx context.Context, msg StreamMessage) error
}

type SinkFunc func(ctx context.Context, msg StreamMessage) error

func (f SinkFunc) Deliver(ctx context.Context, msg StreamMessage) error { return f(ctx, msg) }

// Relay 将 Redis Stream 中的消息异步转发给 Sink（Kafka、派发器、奖励服务等）。
// 语义：Sink 成功后才 ACK Stream，失败则保留消息等待重试。
type Relay struct {
	rdb  *rd.Client
	sink Sink

	stream   string
	group    string
	consumer string

	deliverTimeout time.Duration
	log            *slog.Logger
}

func NewRelay(rdb *rd.Client, sink Sink, stream, group, consumer string) *Relay {
	return &Relay{
		rdb:            rdb,
		sink:           sink,
		stream:         stream,
		group:          group,
		consumer:       consumer,
		deliverTimeout: 5 * time.Second,
		log:            slog.With(slog.String("stream", stream), slog.String("group", group)),
	}
}

// Run 阻塞直到 ctx 取消。
func (r *Relay) Run(ctx context.Context) error {
	if err := r.ensureGroup(ctx); err != nil {
		return fmt.Errorf("relay ensure group %s: %w", r.stream, err)
	}

	for {
		if ctx.Err() != nil {
			return nil
		}

		// 先尝试处理当前消费者历史 pending，避免遗留消息长期堆积。
		msgs, err := r.readGroup(ctx, "0", -1)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return nil
			}
			r.log.Warn("relay read pending", "error", err)
			sleepCtx(ctx, 300*time.Millisecond)
			continue
		}
		if len(msgs) == 0 {
			msgs, err = r.readGroup(ctx, ">", 2*time.Second)
			if err != nil {
				if ctx.Err() != nil || errors.Is(err, context.Canceled) {
					return nil
				}
				r.log.Warn("relay read new", "error", err)
				sleepCtx(ctx, 300*time.Millisecond)
				continue
			}
		}

		for _, xm := range msgs {
			if err := r.processOne(ctx, xm); err != nil {
				// 投递失败不 ACK，消息会继续保留用于重试。
				r.log.Warn("relay process message", "id", xm.ID, "error", err)
				sleepCtx(ctx, 200*time.Millisecond)
				break
			}
		}
	}
}

// Drain 同步处理当前 pending 与已到达的消息，不阻塞等待新消息。
// 返回成功处理的条数，遇到第一个投递失败即停止。
func (r *Relay) Drain(ctx context.Context) (int, error) {
	if err := r.ensureGroup(ctx); err != nil {
		return 0, err
	}
	done := 0
	for _, id := range []string{"0", ">"} {
		for {
			msgs, err := r.readGroup(ctx, id, -1)
			if err != nil {
				return done, err
			}
			if len(msgs) == 0 {
				break
			}
			for _, xm := range msgs {
				if err := r.processOne(ctx, xm); err != nil {
					return done, err
				}
				done++
			}
		}
	}
	return done, nil
}

func (r *Relay) ensureGroup(ctx context.Context) error {
	err := r.rdb.XGroupCreateMkStream(ctx, r.stream, r.group, "0").Err()
	if err == nil {
		return nil
	}
	if strings.Contains(err.Error(), "BUSYGROUP") {
		return nil
	}
	return err
}

func (r *Relay) readGroup(ctx context.Context, streamID string, block time.Duration) ([]rd.XMessage, error) {
	streams, err := r.rdb.XReadGroup(ctx, &rd.XReadGroupArgs{
		Group:    r.group,
		Consumer: r.consumer,
		Streams:  []string{r.stream, streamID},
		Count:    16,
		Block:    block,
		NoAck:    false,
	}).Result()
	if err != nil {
		if errors.Is(err, rd.Nil) {
			return nil, nil
		}
		return nil, err
	}
	out := make([]rd.XMessage, 0, 16)
	for _, s := range streams {
		out = append(out, s.Messages...)
	}
	return out, nil
}

func (r *Relay) processOne(ctx context.Context, xm rd.XMessage) error {
	msg, err := parseStreamMessage(xm)
	if err != nil {
		// 脏消息直接 ACK 丢弃，避免阻塞队列。
		r.log.Error("relay drop malformed message", "id", xm.ID, "error", err)
		if ackErr := r.ackAndDelete(ctx, xm.ID); ackErr != nil {
			return fmt.Errorf("parse failed: %v, ack failed: %w", err, ackErr)
		}
		return nil
	}

	dctx, cancel := context.WithTimeout(ctx, r.deliverTimeout)
	defer cancel()
	if err := r.sink.Deliver(dctx, msg); err != nil {
		return err
	}
	return r.ackAndDelete(ctx, xm.ID)
}

func (r *Relay) ackAndDelete(ctx context.Context, id string) error {
	pipe := r.rdb.TxPipeline()
	pipe.XAck(ctx, r.stream, r.group, id)
	pipe.XDel(ctx, r.stream, id)
	_, err := pipe.Exec(ctx)
	return err
}

func parseStreamMessage(xm rd.XMessage) (StreamMessage, error) {
	kind, err := getStreamString(xm.Values, "kind")
	if err != nil {
		return StreamMessage{}, err
	}
	key, err := getStreamString(xm.Values, "key")
	if err != nil {
		return StreamMessage{}, err
	}
	payload, err := getStreamString(xm.Values, "payload")
	if err != nil {
		return StreamMessage{}, err
	}
	if kind == "" || key == "" {
		return StreamMessage{}, fmt.Errorf("empty kind or key")
	}
	return StreamMessage{ID: xm.ID, Kind: kind, Key: key, Payload: []byte(payload)}, nil
}

func getStreamString(values map[string]interface{}, key string) (string, error) {
	v, ok := values[key]
	if !ok {
		return "", fmt.Errorf("missing field %s", key)
	}
	switch x := v.(type) {
	case string:
		return x, nil
	case []byte:
		return string(x), nil
	case int:
		return strconv.Itoa(x), nil
	case int64:
		return strconv.FormatInt(x, 10), nil
	default:
		return "", fmt.Errorf("unsupported field type %s: %T", key, v)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
