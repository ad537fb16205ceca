package infrastructure

import "gorm.io/gorm"

// ProductModel 对应数据库中的 products 表，只保存库存引擎需要的展示名和累计销量。
type ProductModel struct {
	gorm.Model
	ProductID string `gorm:"type:varchar(64);uniqueIndex"`
	Name      string `gorm:"type:varchar(255)"`
	SoldCount int64  `gorm:"not null;default:0"`
}

// TableName 指定 GORM 应该使用的表名
func (ProductModel) TableName() string {
	return "products"
}

// VariantModel 对应数据库中的 product_variants 表，即库存账本行。
// 软删除由 gorm.Model 的 DeletedAt 提供，查询时自动排除。
type VariantModel struct {
	gorm.Model
	VariantID         string `gorm:"type:varchar(64);uniqueIndex"`
	ProductID         string `gorm:"type:varchar(64);index"`
	Quantity          int64  `gorm:"not null"`
	ReservedQuantity  int64  `gorm:"not null"`
	IsActive          bool   `gorm:"not null"`
	LowStockThreshold int64  `gorm:"not null"`
	// 关联关系
	Product ProductModel `gorm:"foreignKey:ProductID;references:ProductID"`
}

// TableName 指定 GORM 应该使用的表名
func (VariantModel) TableName() string {
	return "product_variants"
}

// Migrate 创建或更新库存相关的表结构。
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&ProductModel{}, &VariantModel{})
}
