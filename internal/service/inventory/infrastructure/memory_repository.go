package infrastructure

import (
	"context"
	"sync"
	"time"

	"nexus-stock/internal/service/inventory/domain"
)

type memoryRow struct {
	mu      sync.Mutex
	variant domain.Variant
}

type memoryProduct struct {
	name      string
	soldCount int64
}

// MemoryLedgerRepository 是单进程内存实现，每行一把锁，用于本地开发和测试。
type MemoryLedgerRepository struct {
	mu       sync.RWMutex
	rows     map[string]*memoryRow
	products map[string]*memoryProduct
}

func NewMemoryLedgerRepository() *MemoryLedgerRepository {
	return &MemoryLedgerRepository{
		rows:     make(map[string]*memoryRow),
		products: make(map[string]*memoryProduct),
	}
}

func (r *MemoryLedgerRepository) row(variantID string) (*memoryRow, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	row, ok := r.rows[variantID]
	return row, ok
}

func (r *MemoryLedgerRepository) productName(productID string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if p, ok := r.products[productID]; ok {
		return p.name
	}
	return ""
}

func (r *MemoryLedgerRepository) Find(ctx context.Context, variantID string) (*domain.Variant, error) {
	row, ok := r.row(variantID)
	if !ok {
		return nil, domain.ErrVariantNotFound
	}
	row.mu.Lock()
	v := row.variant
	row.mu.Unlock()

	if v.IsDeleted() {
		return nil, domain.ErrVariantNotFound
	}
	v.ProductName = r.productName(v.ProductID)
	return &v, nil
}

func (r *MemoryLedgerRepository) Update(ctx context.Context, variantID string, mutate func(v *domain.Variant) error) (*domain.Variant, error) {
	row, ok := r.row(variantID)
	if !ok {
		return nil, domain.ErrVariantNotFound
	}
	row.mu.Lock()
	defer row.mu.Unlock()

	if row.variant.IsDeleted() {
		return nil, domain.ErrVariantNotFound
	}
	v := row.variant
	if err := mutate(&v); err != nil {
		return nil, err
	}
	if err := v.CheckInvariant(); err != nil {
		return nil, err
	}
	row.variant = v

	v.ProductName = r.productName(v.ProductID)
	return &v, nil
}

func (r *MemoryLedgerRepository) Create(ctx context.Context, v *domain.Variant) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.rows[v.VariantID]; exists {
		return domain.ErrVariantExists
	}
	r.rows[v.VariantID] = &memoryRow{variant: *v}
	if p, ok := r.products[v.ProductID]; !ok {
		r.products[v.ProductID] = &memoryProduct{name: v.ProductName}
	} else if p.name == "" {
		p.name = v.ProductName
	}
	return nil
}

// SoftDelete 标记软删除，此后所有操作都视该行不存在。
func (r *MemoryLedgerRepository) SoftDelete(ctx context.Context, variantID string) error {
	row, ok := r.row(variantID)
	if !ok {
		return domain.ErrVariantNotFound
	}
	row.mu.Lock()
	defer row.mu.Unlock()
	now := time.Now()
	row.variant.DeletedAt = &now
	return nil
}

func (r *MemoryLedgerRepository) IncrementSold(ctx context.Context, productID string, delta int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.products[productID]
	if !ok {
		p = &memoryProduct{}
		r.products[productID] = p
	}
	p.soldCount += delta
	return nil
}

// SoldCount 返回商品累计销量。
func (r *MemoryLedgerRepository) SoldCount(productID string) int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if p, ok := r.products[productID]; ok {
		return p.soldCount
	}
	return 0
}
