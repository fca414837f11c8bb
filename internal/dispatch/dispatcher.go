// Package dispatch 把拍卖事件转换成派生效果：被超越与成交通知，以及奖励计数更新。
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"auction_engine/internal/queue"

	lru "github.com/hashicorp/golang-lru"
)

// Enqueuer 持久化 outbox，key 相同的消息只会入队一次。
type Enqueuer interface {
	Append(ctx context.Context, stream, kind, key string, v any) (bool, error)
}

type Dispatcher struct {
	outbox       Enqueuer
	notifyStream string
	rewardStream string

	// seen 最近处理过的事件 key，只用于快速跳过明显的重复投递，
	// 真正的去重依赖 outbox 的 set-once。
	seen *lru.Cache
	log  *slog.Logger
}

func New(outbox Enqueuer, notifyStream, rewardStream string, cacheSize int) (*Dispatcher, error) {
	if cacheSize <= 0 {
		cacheSize = 4096
	}
	seen, err := lru.New(cacheSize)
	if err != nil {
		return nil, fmt.Errorf("dispatch cache: %w", err)
	}
	return &Dispatcher{
		outbox:       outbox,
		notifyStream: notifyStream,
		rewardStream: rewardStream,
		seen:         seen,
		log:          slog.With(slog.String("component", "dispatch")),
	}, nil
}

type effect struct {
	stream string
	kind   string
	key    string
	value  any
}

// Handle 派发一条事件的全部效果。重复调用是安全的：每个 (事件, 效果类型) 只入队一次。
// 返回 error 时调用方应重试整条事件。
func (d *Dispatcher) Handle(ctx context.Context, e queue.Event) error {
	if err := e.Validate(); err != nil {
		return fmt.Errorf("dispatch: %w", err)
	}
	if d.seen.Contains(e.Key()) {
		return nil
	}

	for _, ef := range d.effects(e) {
		added, err := d.outbox.Append(ctx, ef.stream, ef.kind, ef.key, ef.value)
		if err != nil {
			return err
		}
		if added {
			d.log.Debug("effect enqueued", slog.String("key", ef.key), slog.String("stream", ef.stream))
		}
	}

	d.seen.Add(e.Key(), struct{}{})
	return nil
}

func (d *Dispatcher) effects(e queue.Event) []effect {
	var out []effect
	switch e.Kind {
	case queue.EventBidAccepted:
		if e.PreviousLeaderID != "" && e.PreviousLeaderID != e.BidderID {
			key := queue.EffectKey(e.AuctionID, e.Sequence, string(queue.NotifyOutbid))
			out = append(out, effect{
				stream: d.notifyStream,
				kind:   string(queue.NotifyOutbid),
				key:    key,
				value: queue.Notification{
					Kind:   queue.NotifyOutbid,
					UserID: e.PreviousLeaderID,
					Payload: map[string]string{
						"auction_id": strconv.FormatUint(uint64(e.AuctionID), 10),
						"new_price":  e.Amount.String(),
						"sequence":   strconv.FormatInt(e.Sequence, 10),
					},
				},
			})
		}
		out = append(out, d.reward(e, queue.RewardBidPlaced, e.BidderID))

	case queue.EventAuctionEnded:
		key := queue.EffectKey(e.AuctionID, e.Sequence, string(queue.NotifyWon))
		out = append(out, effect{
			stream: d.notifyStream,
			kind:   string(queue.NotifyWon),
			key:    key,
			value: queue.Notification{
				Kind:   queue.NotifyWon,
				UserID: e.WinnerID,
				Payload: map[string]string{
					"auction_id":     strconv.FormatUint(uint64(e.AuctionID), 10),
					"title":          e.Title,
					"winning_amount": e.Amount.String(),
				},
			},
		})
		out = append(out, d.reward(e, queue.RewardAuctionWon, e.WinnerID))

	case queue.EventAuctionEndedNoBids:
		// 无人出价，没有派生效果。
	}
	return out
}

func (d *Dispatcher) reward(e queue.Event, kind queue.RewardKind, userID string) effect {
	key := queue.EffectKey(e.AuctionID, e.Sequence, string(kind))
	return effect{
		stream: d.rewardStream,
		kind:   string(kind),
		key:    key,
		value: queue.RewardUpdate{
			EffectKey:  key,
			UserID:     userID,
			Kind:       kind,
			AuctionID:  e.AuctionID,
			Category:   e.Category,
			OccurredAt: e.OccurredAt,
		},
	}
}
