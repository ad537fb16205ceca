package application

import "nexus-stock/internal/service/inventory/domain"

// UnknownProductName 是批量查询中未知规格的展示名。
const UnknownProductName = "Unknown Product"

// StockRequest 是预占、释放、确认扣减和补货共用的输入
type StockRequest struct {
	VariantID string `json:"variantId"`
	Quantity  int64  `json:"quantity"`
}

// ReserveResult 是预占用例的输出
type ReserveResult struct {
	Success           bool           `json:"success"`
	Outcome           domain.Outcome `json:"outcome"`
	AvailableQuantity int64          `json:"availableQuantity"`
	ReservedQuantity  int64          `json:"reservedQuantity"`
	Message           string         `json:"message"`
}

// ReleaseResult 是释放用例的输出，ReleasedQuantity 是截断后的实际释放量
type ReleaseResult struct {
	Success           bool           `json:"success"`
	Outcome           domain.Outcome `json:"outcome"`
	AvailableQuantity int64          `json:"availableQuantity"`
	ReservedQuantity  int64          `json:"reservedQuantity"`
	ReleasedQuantity  int64          `json:"releasedQuantity"`
	Message           string         `json:"message"`
}

// ConfirmResult 是确认扣减用例的输出
type ConfirmResult struct {
	Success             bool           `json:"success"`
	Outcome             domain.Outcome `json:"outcome"`
	NewQuantity         int64          `json:"newQuantity"`
	NewReservedQuantity int64          `json:"newReservedQuantity"`
	IsOutOfStock        bool           `json:"isOutOfStock"`
	IsActive            bool           `json:"isActive"`
	Message             string         `json:"message"`
}

// AvailabilityResult 是单个规格的只读查询结果
type AvailabilityResult struct {
	IsAvailable       bool  `json:"isAvailable"`
	AvailableQuantity int64 `json:"availableQuantity"`
	TotalQuantity     int64 `json:"totalQuantity"`
	ReservedQuantity  int64 `json:"reservedQuantity"`
	IsLowStock        bool  `json:"isLowStock"`
	LowStockThreshold int64 `json:"lowStockThreshold"`
}

// BulkItem 是批量查询的一项
type BulkItem struct {
	VariantID string `json:"variantId"`
	Quantity  int64  `json:"quantity"`
}

// BulkAvailabilityResult 是批量查询中单项的结果，顺序与输入一致
type BulkAvailabilityResult struct {
	VariantID         string `json:"variantId"`
	RequestedQuantity int64  `json:"requestedQuantity"`
	AvailableQuantity int64  `json:"availableQuantity"`
	IsAvailable       bool   `json:"isAvailable"`
	ProductName       string `json:"productName"`
}

// DefineVariantRequest 是新建账本行的输入
type DefineVariantRequest struct {
	VariantID         string `json:"variantId"`
	ProductID         string `json:"productId"`
	ProductName       string `json:"productName"`
	LowStockThreshold int64  `json:"lowStockThreshold"`
}

// VariantResult 是新建和补货用例的输出
type VariantResult struct {
	Success           bool           `json:"success"`
	Outcome           domain.Outcome `json:"outcome"`
	VariantID         string         `json:"variantId"`
	Quantity          int64          `json:"quantity"`
	ReservedQuantity  int64          `json:"reservedQuantity"`
	AvailableQuantity int64          `json:"availableQuantity"`
	IsActive          bool           `json:"isActive"`
	Message           string         `json:"message"`
}

func toVariantResult(v *domain.Variant, message string) *VariantResult {
	return &VariantResult{
		Success:           true,
		Outcome:           domain.OutcomeSuccess,
		VariantID:         v.VariantID,
		Quantity:          v.Quantity,
		ReservedQuantity:  v.ReservedQuantity,
		AvailableQuantity: v.Available(),
		IsActive:          v.IsActive,
		Message:           message,
	}
}
