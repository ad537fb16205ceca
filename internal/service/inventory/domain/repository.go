package domain

import "context"

// LedgerRepository 定义了库存账本的持久化接口。
// 实现方必须保证 Update 对同一行的读-改-写是原子的。
type LedgerRepository interface {
	// Find 读取一行，不加锁，结果可能已过期。软删除的行返回 ErrVariantNotFound。
	Find(ctx context.Context, variantID string) (*Variant, error)

	// Update 在行级互斥下加载最新持久化的行，交给 mutate 修改并保存。
	// mutate 返回错误时不做任何持久化。返回保存后的行。
	Update(ctx context.Context, variantID string, mutate func(v *Variant) error) (*Variant, error)

	// Create 新建一行，已存在时返回 ErrVariantExists。
	Create(ctx context.Context, v *Variant) error
}

// SoldCounter 维护商品维度的累计销量，只增不减，允许最终一致。
type SoldCounter interface {
	IncrementSold(ctx context.Context, productID string, delta int64) error
}
