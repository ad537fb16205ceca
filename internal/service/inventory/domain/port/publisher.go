package port

import (
	"context"
	"nexus-stock/internal/service/inventory/domain"
)

// StockEventPublisher 是库存变更事件的出站端口。
// 发布失败只记录日志，不影响库存操作本身。
type StockEventPublisher interface {
	PublishStockChanged(ctx context.Context, event *domain.StockChanged) error
}
