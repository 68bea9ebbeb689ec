// 文件: pkg/portfolio/history_writer.go
// 权益历史写入器
//
// 消费 Kafka 权益采样事件，批量写入 MySQL:
// - 批量写入提高吞吐 (权益曲线允许秒级延迟)
// - 定时 + 容量双触发刷新

package portfolio

import (
	"context"
	"fmt"
	"sync"
	"time"

	"arena.com/pkg/kafka"
)

// =============================================================================
// HistoryWriter - 权益历史写入器
// =============================================================================

// HistoryWriter 权益历史写入器
type HistoryWriter struct {
	repo     HistoryRepository
	consumer *kafka.Consumer

	// 批量缓冲
	buffer    []*HistoryRecord
	bufferMu  sync.Mutex
	batchSize int
	flushCh   chan struct{}

	// 统计
	stats HistoryWriterStats

	// 生命周期
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// HistoryWriterStats 写入统计
type HistoryWriterStats struct {
	ReceivedCount int64 // 接收数量
	WrittenCount  int64 // 写入数量
	ErrorCount    int64 // 错误数量
	BatchCount    int64 // 批次数量
}

// HistoryWriterConfig 配置
type HistoryWriterConfig struct {
	Brokers       []string      // Kafka brokers
	GroupID       string        // 消费者组
	BatchSize     int           // 批量大小
	FlushInterval time.Duration // 刷新间隔
}

// DefaultHistoryWriterConfig 默认配置
func DefaultHistoryWriterConfig(brokers []string) HistoryWriterConfig {
	return HistoryWriterConfig{
		Brokers:       brokers,
		GroupID:       "portfolio_history_writer",
		BatchSize:     200,
		FlushInterval: 2 * time.Second,
	}
}

// NewHistoryWriter 创建权益历史写入器
func NewHistoryWriter(cfg HistoryWriterConfig, repo HistoryRepository) (*HistoryWriter, error) {
	ctx, cancel := context.WithCancel(context.Background())

	w := &HistoryWriter{
		repo:      repo,
		buffer:    make([]*HistoryRecord, 0, cfg.BatchSize),
		batchSize: cfg.BatchSize,
		flushCh:   make(chan struct{}, 1),
		ctx:       ctx,
		cancel:    cancel,
	}

	consumerCfg := kafka.DefaultConsumerConfig(
		cfg.Brokers,
		cfg.GroupID,
		[]string{TopicPortfolioHistory},
	)

	consumer, err := kafka.NewConsumer(consumerCfg, w.handleMessage)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("create consumer: %w", err)
	}
	w.consumer = consumer

	return w, nil
}

// =============================================================================
// 消息处理
// =============================================================================

// handleMessage 处理单条消息
func (w *HistoryWriter) handleMessage(topic string, partition int32, offset int64, key, value []byte) error {
	var event HistoryEvent
	if err := event.FromJSON(value); err != nil {
		w.stats.ErrorCount++
		return fmt.Errorf("unmarshal history event: %w", err)
	}

	w.stats.ReceivedCount++

	// 加入缓冲
	w.bufferMu.Lock()
	w.buffer = append(w.buffer, event.ToRecord())
	shouldFlush := len(w.buffer) >= w.batchSize
	w.bufferMu.Unlock()

	if shouldFlush {
		select {
		case w.flushCh <- struct{}{}:
		default:
		}
	}

	return nil
}

// =============================================================================
// 批量写入
// =============================================================================

// flush 刷新缓冲写入数据库
func (w *HistoryWriter) flush() {
	w.bufferMu.Lock()
	records := w.buffer
	w.buffer = make([]*HistoryRecord, 0, w.batchSize)
	w.bufferMu.Unlock()

	if len(records) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := w.repo.BatchInsert(ctx, records); err != nil {
		w.stats.ErrorCount++
		fmt.Printf("[HistoryWriter] batch insert error: %v\n", err)
		return
	}

	w.stats.WrittenCount += int64(len(records))
	w.stats.BatchCount++
}

// =============================================================================
// 生命周期
// =============================================================================

// Start 启动写入器
func (w *HistoryWriter) Start(flushInterval time.Duration) {
	w.consumer.Start()

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		ticker := time.NewTicker(flushInterval)
		defer ticker.Stop()

		for {
			select {
			case <-w.ctx.Done():
				w.flush() // 最后刷新一次
				return
			case <-ticker.C:
				w.flush()
			case <-w.flushCh:
				w.flush()
			}
		}
	}()
}

// Stop 停止写入器
func (w *HistoryWriter) Stop() error {
	w.cancel()
	w.wg.Wait()
	return w.consumer.Stop()
}

// Stats 获取统计
func (w *HistoryWriter) Stats() HistoryWriterStats {
	return w.stats
}
