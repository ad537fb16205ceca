package adapter

import (
	"context"
	"encoding/json"
	"fmt"

	"nexus-stock/internal/pkg/mq"
	"nexus-stock/internal/service/inventory/domain"
)

// StockChangesTopic 是库存变更事件的 Kafka 主题。
const StockChangesTopic = "stock-changes"

// StockEventKafkaAdapter 实现了 port.StockEventPublisher 接口。
// 以 variantId 作为消息 key，同一规格的事件落在同一分区，消费端看到的顺序与提交顺序一致。
type StockEventKafkaAdapter struct {
	writer mq.MessageWriter
}

// NewStockEventKafkaAdapter 创建一个新的库存事件生产者适配器。
func NewStockEventKafkaAdapter(writer mq.MessageWriter) *StockEventKafkaAdapter {
	return &StockEventKafkaAdapter{writer: writer}
}

func (a *StockEventKafkaAdapter) PublishStockChanged(ctx context.Context, event *domain.StockChanged) error {
	eventBytes, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal stock changed event: %w", err)
	}

	// mq.ProduceMessage 会自动处理追踪上下文注入
	return mq.ProduceMessage(ctx, a.writer, []byte(event.VariantID), eventBytes)
}
