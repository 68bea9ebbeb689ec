// 文件: pkg/kafka/producer.go
// Kafka 生产者
//
// 权益采样这类量大、允许秒级延迟的审计事件走 Kafka，
// 由消费侧批量落库；NATS 留给需要即时反应的竞赛域事件。
// 异步发送，错误单独排水，关闭前等待在途消息清空。

package kafka

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"
)

// =============================================================================
// Message 接口
// =============================================================================

// Message 可发布到 Kafka 的事件
//
// 相同 Key 的消息落在同一分区，消费侧按参与者维度保序。
type Message interface {
	Topic() string
	Key() string
	Value() ([]byte, error)
}

// =============================================================================
// 配置
// =============================================================================

// ProducerConfig 生产者配置
type ProducerConfig struct {
	Brokers        []string      // broker 地址列表
	RequiredAcks   int           // 0=不等待, 1=leader 确认, -1=全部确认
	Compression    string        // none / gzip / snappy / lz4 / zstd
	FlushFrequency time.Duration // 批量刷新间隔
	FlushMessages  int           // 批量消息数
	MaxRetries     int           // 发送重试次数
}

// DefaultProducerConfig 采样事件的默认档位: leader 确认 + snappy 压缩
func DefaultProducerConfig(brokers []string) ProducerConfig {
	return ProducerConfig{
		Brokers:        brokers,
		RequiredAcks:   1,
		Compression:    "snappy",
		FlushFrequency: 100 * time.Millisecond,
		FlushMessages:  100,
		MaxRetries:     3,
	}
}

// =============================================================================
// Producer
// =============================================================================

// Producer 异步 Kafka 生产者
type Producer struct {
	producer sarama.AsyncProducer
	config   ProducerConfig

	sentCount  atomic.Int64
	errorCount atomic.Int64

	closed atomic.Bool
	wg     sync.WaitGroup
}

// NewProducer 创建生产者
func NewProducer(cfg ProducerConfig) (*Producer, error) {
	saramaConfig := sarama.NewConfig()

	switch cfg.RequiredAcks {
	case 0:
		saramaConfig.Producer.RequiredAcks = sarama.NoResponse
	case -1:
		saramaConfig.Producer.RequiredAcks = sarama.WaitForAll
	default:
		saramaConfig.Producer.RequiredAcks = sarama.WaitForLocal
	}

	switch cfg.Compression {
	case "gzip":
		saramaConfig.Producer.Compression = sarama.CompressionGZIP
	case "snappy":
		saramaConfig.Producer.Compression = sarama.CompressionSnappy
	case "lz4":
		saramaConfig.Producer.Compression = sarama.CompressionLZ4
	case "zstd":
		saramaConfig.Producer.Compression = sarama.CompressionZSTD
	default:
		saramaConfig.Producer.Compression = sarama.CompressionNone
	}

	saramaConfig.Producer.Flush.Frequency = cfg.FlushFrequency
	saramaConfig.Producer.Flush.Messages = cfg.FlushMessages
	saramaConfig.Producer.Retry.Max = cfg.MaxRetries

	// 异步模式: 成功不回执，错误全部回收
	saramaConfig.Producer.Return.Successes = false
	saramaConfig.Producer.Return.Errors = true

	producer, err := sarama.NewAsyncProducer(cfg.Brokers, saramaConfig)
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}

	p := &Producer{
		producer: producer,
		config:   cfg,
	}

	p.wg.Add(1)
	go p.drainErrors()

	return p, nil
}

// Send 异步发送一条事件
func (p *Producer) Send(msg Message) error {
	if p.closed.Load() {
		return fmt.Errorf("producer is closed")
	}

	data, err := msg.Value()
	if err != nil {
		return fmt.Errorf("serialize message: %w", err)
	}

	p.producer.Input() <- &sarama.ProducerMessage{
		Topic: msg.Topic(),
		Key:   sarama.StringEncoder(msg.Key()),
		Value: sarama.ByteEncoder(data),
	}
	p.sentCount.Add(1)

	return nil
}

// drainErrors 回收异步发送失败
//
// 采样事件丢一条只缺一个曲线点，记日志即可，不回推调用方。
func (p *Producer) drainErrors() {
	defer p.wg.Done()

	for err := range p.producer.Errors() {
		p.errorCount.Add(1)
		fmt.Printf("[Kafka] send error: topic=%s, err=%v\n", err.Msg.Topic, err.Err)
	}
}

// =============================================================================
// 统计与生命周期
// =============================================================================

// ProducerStats 发送统计
type ProducerStats struct {
	SentCount  int64
	ErrorCount int64
}

// Stats 获取统计
func (p *Producer) Stats() ProducerStats {
	return ProducerStats{
		SentCount:  p.sentCount.Load(),
		ErrorCount: p.errorCount.Load(),
	}
}

// Close 关闭生产者，等待错误排水完成
func (p *Producer) Close() error {
	if p.closed.Swap(true) {
		return nil
	}

	err := p.producer.Close()
	p.wg.Wait()

	return err
}
