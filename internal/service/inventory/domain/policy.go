package domain

// LowStockPolicy 判断一行是否处于低库存状态。
type LowStockPolicy interface {
	IsLowStock(v *Variant) bool
}

// ThresholdPolicy 是默认规则：总库存不高于阈值即为低库存。
type ThresholdPolicy struct{}

func (ThresholdPolicy) IsLowStock(v *Variant) bool {
	return v.Quantity <= v.LowStockThreshold
}
