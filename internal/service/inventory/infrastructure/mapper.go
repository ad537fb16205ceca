package infrastructure

import (
	"nexus-stock/internal/service/inventory/domain"
)

// toDomainVariant 将数据库模型转换为领域模型
func toDomainVariant(model *VariantModel) *domain.Variant {
	if model == nil {
		return nil
	}
	v := &domain.Variant{
		VariantID:         model.VariantID,
		ProductID:         model.ProductID,
		ProductName:       model.Product.Name,
		Quantity:          model.Quantity,
		ReservedQuantity:  model.ReservedQuantity,
		IsActive:          model.IsActive,
		LowStockThreshold: model.LowStockThreshold,
		UpdatedAt:         model.UpdatedAt,
	}
	if model.DeletedAt.Valid {
		t := model.DeletedAt.Time
		v.DeletedAt = &t
	}
	return v
}

// fromDomainVariant 将领域模型转换为用于插入的数据库模型
func fromDomainVariant(v *domain.Variant) *VariantModel {
	return &VariantModel{
		VariantID:         v.VariantID,
		ProductID:         v.ProductID,
		Quantity:          v.Quantity,
		ReservedQuantity:  v.ReservedQuantity,
		IsActive:          v.IsActive,
		LowStockThreshold: v.LowStockThreshold,
	}
}
