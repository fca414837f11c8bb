package queue

import (
	"context"
	"encoding/json"
	"fmt"

	redisx "auction_engine/pkg/redis"

	rd "github.com/redis/go-redis/v9"
)

// StreamMessage 是 outbox stream 中一条记录的统一格式。
type StreamMessage struct {
	ID      string
	Kind    string
	Key     string
	Payload []byte
}

func (m StreamMessage) Decode(v any) error {
	return json.Unmarshal(m.Payload, v)
}

// Outbox 以 Redis Stream 作为持久化 outbox，key 相同的消息只会入流一次。
type Outbox struct {
	rdb rd.Scripter
}

func NewOutbox(rdb rd.Scripter) *Outbox {
	return &Outbox{rdb: rdb}
}

// Append 序列化 v 并写入 stream。added=false 表示 key 已经入过队。
func (o *Outbox) Append(ctx context.Context, stream, kind, key string, v any) (bool, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return false, fmt.Errorf("marshal %s: %w", kind, err)
	}
	added, err := redisx.EnqueueOnce(ctx, o.rdb, key, stream, map[string]string{
		"kind":    kind,
		"key":     key,
		"payload": string(b),
	})
	if err != nil {
		return false, fmt.Errorf("enqueue %s to %s: %w", key, stream, err)
	}
	return added, nil
}

// EventStream 将拍卖事件写入事件 outbox。
type EventStream struct {
	outbox *Outbox
	stream string
}

func NewEventStream(outbox *Outbox, stream string) *EventStream {
	return &EventStream{outbox: outbox, stream: stream}
}

// Publish 重复发布同一事件是安全的，第二次不会产生新记录。
func (s *EventStream) Publish(ctx context.Context, e Event) error {
	if err := e.Validate(); err != nil {
		return fmt.Errorf("invalid event: %w", err)
	}
	_, err := s.outbox.Append(ctx, s.stream, string(e.Kind), e.Key(), e)
	return err
}
