package queue

import (
	"context"
	"fmt"
	"log/slog"
)

// EventSink 解码事件后交给 handle，用于不经过 Kafka 的直连模式。
func EventSink(handle EventHandler) SinkFunc {
	return func(ctx context.Context, msg StreamMessage) error {
		var e Event
		if err := msg.Decode(&e); err != nil {
			// 无法解码的消息重试也不会成功，记录后丢弃。
			slog.Error("event sink decode, dropping", "key", msg.Key, "error", err)
			return nil
		}
		if err := e.Validate(); err != nil {
			slog.Error("event sink invalid event, dropping", "key", msg.Key, "error", err)
			return nil
		}
		return handle(ctx, e)
	}
}

// LogSender 通知发送方的本地替身，只输出结构化日志。
func LogSender(log *slog.Logger) SinkFunc {
	return func(ctx context.Context, msg StreamMessage) error {
		var n Notification
		if err := msg.Decode(&n); err != nil {
			return fmt.Errorf("decode notification %s: %w", msg.Key, err)
		}
		log.InfoContext(ctx, "notification",
			slog.String("kind", string(n.Kind)),
			slog.String("user_id", n.UserID),
			slog.String("key", msg.Key),
			slog.Any("payload", n.Payload),
		)
		return nil
	}
}
