package adapter

import (
	"context"

	"go.uber.org/multierr"

	"nexus-stock/internal/service/inventory/domain"
	"nexus-stock/internal/service/inventory/domain/port"
)

// FanoutPublisher 把同一个事件依次交给多个下游，某个下游失败不影响其余下游。
type FanoutPublisher struct {
	publishers []port.StockEventPublisher
}

func NewFanoutPublisher(publishers ...port.StockEventPublisher) *FanoutPublisher {
	return &FanoutPublisher{publishers: publishers}
}

// PublishStockChanged 返回所有下游错误的合并结果。
func (f *FanoutPublisher) PublishStockChanged(ctx context.Context, event *domain.StockChanged) error {
	var err error
	for _, p := range f.publishers {
		err = multierr.Append(err, p.PublishStockChanged(ctx, event))
	}
	return err
}

// NopPublisher 丢弃所有事件，用于未配置任何下游的部署。
type NopPublisher struct{}

func (NopPublisher) PublishStockChanged(context.Context, *domain.StockChanged) error { return nil }
