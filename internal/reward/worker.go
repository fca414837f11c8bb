package reward

import (
	"context"
	"log/slog"

	"auction_engine/internal/queue"
)

// Deliver 让 Service 直接作为奖励 stream 的 relay sink。
// 无法解析的消息丢弃；Record 失败返回 error，消息保留重试。
func (s *Service) Deliver(ctx context.Context, msg queue.StreamMessage) error {
	var u queue.RewardUpdate
	if err := msg.Decode(&u); err != nil {
		s.log.Error("reward worker decode, dropping", slog.String("key", msg.Key), slog.Any("error", err))
		return nil
	}
	if err := u.Validate(); err != nil {
		s.log.Error("reward worker invalid update, dropping", slog.String("key", msg.Key), slog.Any("error", err))
		return nil
	}
	_, err := s.Record(ctx, u)
	return err
}
