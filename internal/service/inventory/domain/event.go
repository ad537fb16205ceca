package domain

import (
	"time"

	"github.com/google/uuid"
)

// StockChanged 是库存计数变化后发布的领域事件，不持久化，尽力投递。
type StockChanged struct {
	EventID      string    `json:"eventId"`
	VariantID    string    `json:"variantId"`
	ProductID    string    `json:"productId"`
	OldAvailable int64     `json:"oldAvailable"`
	NewAvailable int64     `json:"newAvailable"`
	IsOutOfStock bool      `json:"isOutOfStock"`
	IsLowStock   bool      `json:"isLowStock"`
	Timestamp    time.Time `json:"timestamp"`
}

// NewStockChanged 基于变更前后的快照构造事件。
func NewStockChanged(before, after *Variant, isLowStock bool) *StockChanged {
	return &StockChanged{
		EventID:      uuid.NewString(),
		VariantID:    after.VariantID,
		ProductID:    after.ProductID,
		OldAvailable: before.Available(),
		NewAvailable: after.Available(),
		IsOutOfStock: after.Available() <= 0,
		IsLowStock:   isLowStock,
		Timestamp:    time.Now().UTC(),
	}
}
