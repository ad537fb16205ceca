package domain

import "time"

// Variant 是单个可售规格的库存账本行，也是库存聚合的根实体。
type Variant struct {
	VariantID         string
	ProductID         string
	ProductName       string
	Quantity          int64
	ReservedQuantity  int64
	IsActive          bool
	LowStockThreshold int64
	DeletedAt         *time.Time
	UpdatedAt         time.Time
}

// NewVariant 创建一个计数为零的新规格行。
func NewVariant(variantID, productID, productName string, lowStockThreshold int64) (*Variant, error) {
	if variantID == "" || productID == "" {
		return nil, ErrInvalidVariant
	}
	if lowStockThreshold < 0 {
		return nil, ErrInvalidVariant
	}
	return &Variant{
		VariantID:         variantID,
		ProductID:         productID,
		ProductName:       productName,
		IsActive:          true,
		LowStockThreshold: lowStockThreshold,
		UpdatedAt:         time.Now(),
	}, nil
}

// Available 始终由计数推导，从不持久化。
func (v *Variant) Available() int64 {
	return v.Quantity - v.ReservedQuantity
}

// IsDeleted 软删除的行对所有操作都视为不存在。
func (v *Variant) IsDeleted() bool {
	return v.DeletedAt != nil
}

// Reserve 预占库存，可用量不足时不做任何修改。
func (v *Variant) Reserve(quantity int64) error {
	if quantity <= 0 {
		return ErrInvalidQuantity
	}
	if available := v.Available(); available < quantity {
		return &InsufficientStockError{VariantID: v.VariantID, Available: available, Requested: quantity}
	}
	v.ReservedQuantity += quantity
	v.UpdatedAt = time.Now()
	return nil
}

// Release 释放预占，超出当前预占量的部分被截断，返回实际释放量。
func (v *Variant) Release(quantity int64) (int64, error) {
	if quantity <= 0 {
		return 0, ErrInvalidQuantity
	}
	released := min(quantity, v.ReservedQuantity)
	if released == 0 {
		return 0, nil
	}
	v.ReservedQuantity -= released
	v.UpdatedAt = time.Now()
	return released, nil
}

// Deduct 将预占转为最终扣减。实物库存不足时拒绝，不能截断，否则会丢失真实库存数。
func (v *Variant) Deduct(quantity int64) error {
	if quantity <= 0 {
		return ErrInvalidQuantity
	}
	newQuantity := v.Quantity - quantity
	if newQuantity < 0 {
		return &InsufficientStockError{VariantID: v.VariantID, Available: v.Quantity, Requested: quantity}
	}
	v.Quantity = newQuantity
	v.ReservedQuantity = max(0, v.ReservedQuantity-quantity)
	v.IsActive = newQuantity > 0
	v.UpdatedAt = time.Now()
	return nil
}

// Restock 入库补货。
func (v *Variant) Restock(quantity int64) error {
	if quantity <= 0 {
		return ErrInvalidQuantity
	}
	v.Quantity += quantity
	v.IsActive = v.Quantity > 0
	v.UpdatedAt = time.Now()
	return nil
}

// CheckInvariant 校验 0 <= reserved <= quantity。
func (v *Variant) CheckInvariant() error {
	if v.ReservedQuantity < 0 || v.ReservedQuantity > v.Quantity {
		return ErrInvariantViolated
	}
	return nil
}

// SameCounters 判断两次快照之间计数是否发生变化。
func (v *Variant) SameCounters(other *Variant) bool {
	return v.Quantity == other.Quantity && v.ReservedQuantity == other.ReservedQuantity
}
