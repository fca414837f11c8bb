package queue

import (
	"context"
	"time"

	"github.com/segmentio/kafka-go"
)

// Producer 封装 Kafka 写入器，同时实现 Sink，可直接挂在 relay 后面。
type Producer struct {
	w *kafka.Writer
}

// NewProducer 创建生产者并配置可靠性参数：
// - Hash + Key: 同一拍卖的事件落到同一分区，保持出价序号有序。
// - RequireAll: 等待 ISR 副本确认，降低消息丢失风险。
// - MaxAttempts/Timeout: 控制重试与超时边界。
func NewProducer(brokers []string, topic string) *Producer {
	return &Producer{
		w: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			MaxAttempts:  5,
			WriteTimeout: 5 * time.Second,
			ReadTimeout:  5 * time.Second,
			BatchTimeout: 50 * time.Millisecond,
		},
	}
}

// Close 释放 writer 资源。
func (p *Producer) Close() error { return p.w.Close() }

// Deliver 同步写入一条 outbox 消息。
// 分区 key 取 partitionKey(msg.Key)，去重 key 与类型放在 header 里供消费端使用。
func (p *Producer) Deliver(ctx context.Context, msg StreamMessage) error {
	return p.w.WriteMessages(ctx, kafka.Message{
		Key:   []byte(partitionKey(msg.Key)),
		Value: msg.Payload,
		Headers: []kafka.Header{
			{Key: "kind", Value: []byte(msg.Kind)},
			{Key: "dedupe_key", Value: []byte(msg.Key)},
		},
	})
}

// partitionKey 取去重键的前两段（auction:<id> 或 user:<id>）作为分区键。
func partitionKey(key string) string {
	n := 0
	for i := 0; i < len(key); i++ {
		if key[i] == ':' {
			n++
			if n == 2 {
				return key[:i]
			}
		}
	}
	return key
}
