package interfaces

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	zlog "github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"nexus-stock/internal/pkg/logger"
	"nexus-stock/internal/pkg/mq"
	"nexus-stock/internal/service/inventory/domain"
	"nexus-stock/internal/service/inventory/domain/port"
)

// MessageFetcher 是 *kafka.Reader 的最小接口
type MessageFetcher interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// StockEventConsumer 是一个驱动适配器，它监听库存变更主题并转交给下游（例如 WebSocket Hub）。
// push-gateway 用它把其它实例产生的事件推给本节点的连接。
type StockEventConsumer struct {
	reader  MessageFetcher
	sink    port.StockEventPublisher
	timeout time.Duration
	wg      sync.WaitGroup
	cancel  context.CancelFunc
}

// NewStockEventConsumer 创建一个新的Kafka消费者适配器。
func NewStockEventConsumer(reader MessageFetcher, sink port.StockEventPublisher) *StockEventConsumer {
	return &StockEventConsumer{reader: reader, sink: sink, timeout: 5 * time.Second}
}

// Start 开始监听Kafka主题。
func (c *StockEventConsumer) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		zlog.Info().Msg("stock event consumer started")
		for {
			// 我们使用FetchMessage而不是ReadMessage，以便更好地控制退出逻辑
			msg, err := c.reader.FetchMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					zlog.Info().Msg("stock event consumer shutting down")
					return
				}
				zlog.Error().Err(err).Msg("could not read stock event, retrying")
				select {
				case <-time.After(time.Second): // 避免快速失败循环
				case <-ctx.Done():
					return
				}
				continue
			}

			c.processMessage(ctx, msg)

			if err := c.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
				zlog.Error().Err(err).Int64("offset", msg.Offset).Msg("failed to commit stock event")
			}
		}
	}()
}

// Stop 优雅地停止消费者。
func (c *StockEventConsumer) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
	if err := c.reader.Close(); err != nil {
		zlog.Warn().Err(err).Msg("failed to close stock event reader")
	}
	zlog.Info().Msg("stock event consumer stopped")
}

// processMessage 反序列化消息并转交下游，坏消息直接跳过
func (c *StockEventConsumer) processMessage(parentCtx context.Context, msg kafka.Message) {
	ctx := mq.ExtractTraceContext(parentCtx, msg.Headers)
	ctx, span := otel.Tracer("stock-event-consumer").Start(ctx, "consumer.StockChanged", trace.WithSpanKind(trace.SpanKindConsumer))
	defer span.End()

	var event domain.StockChanged
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		span.RecordError(err)
		zlog.Error().Err(err).Int64("offset", msg.Offset).Msg("failed to unmarshal stock event, skipping")
		return
	}
	span.SetAttributes(attribute.String("variant.id", event.VariantID), attribute.String("event.id", event.EventID))

	sinkCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	if err := c.sink.PublishStockChanged(sinkCtx, &event); err != nil {
		span.RecordError(err)
		logger.Ctx(ctx).Error().Err(err).Str("variant_id", event.VariantID).Msg("failed to forward stock event")
	}
}
