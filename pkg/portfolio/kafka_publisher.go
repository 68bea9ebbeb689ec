// 文件: pkg/portfolio/kafka_publisher.go
// 权益采样事件的 Kafka 发布器
//
// HistoryEvent 实现 kafka.Message 接口，
// 按参与者 ID 分区，同一参与者的采样序列保序。

package portfolio

import (
	"context"

	"arena.com/pkg/kafka"
)

// =============================================================================
// HistoryEvent 实现 kafka.Message 接口
// =============================================================================

// Topic 返回 Kafka topic
func (e *HistoryEvent) Topic() string {
	return TopicPortfolioHistory
}

// Key 分区 key (按参与者分区保证顺序)
func (e *HistoryEvent) Key() string {
	return e.ParticipantID
}

// Value 序列化后的消息体
func (e *HistoryEvent) Value() ([]byte, error) {
	return e.ToJSON()
}

// =============================================================================
// KafkaHistoryPublisher
// =============================================================================

// KafkaHistoryPublisher 权益采样事件发布器
type KafkaHistoryPublisher struct {
	producer *kafka.Producer
}

var _ HistoryPublisher = (*KafkaHistoryPublisher)(nil)

// NewKafkaHistoryPublisher 创建发布器
func NewKafkaHistoryPublisher(brokers []string) (*KafkaHistoryPublisher, error) {
	producer, err := kafka.NewProducer(kafka.DefaultProducerConfig(brokers))
	if err != nil {
		return nil, err
	}
	return &KafkaHistoryPublisher{producer: producer}, nil
}

// PublishHistory 发布一条采样事件
func (p *KafkaHistoryPublisher) PublishHistory(ctx context.Context, event *HistoryEvent) error {
	return p.producer.Send(event)
}

// Close 关闭发布器
func (p *KafkaHistoryPublisher) Close() error {
	return p.producer.Close()
}

// Stats 发送统计
func (p *KafkaHistoryPublisher) Stats() kafka.ProducerStats {
	return p.producer.Stats()
}
