package infrastructure

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/pkg/errors"
	goredis "github.com/redis/go-redis/v9"

	"nexus-stock/internal/pkg/redis"
	"nexus-stock/internal/service/inventory/domain"
)

const defineVariantScriptName = "define_variant"

// 只操作一个 key，集群模式下不会跨 slot。
var defineVariantScript = `
-- KEYS[1]: 规格账本的 Key, 例如: stock:variant:{sku-1}
-- ARGV[1]: product_id  ARGV[2]: low_stock_threshold  ARGV[3]: is_active  ARGV[4]: updated_at

if redis.call('exists', KEYS[1]) == 1 then
    return 0 -- 已存在
end

redis.call('hset', KEYS[1],
    'product_id', ARGV[1],
    'quantity', 0,
    'reserved_quantity', 0,
    'is_active', ARGV[3],
    'low_stock_threshold', ARGV[2],
    'updated_at', ARGV[4])
return 1
`

// RedisLedgerRepository 是面向秒杀热点的 Redis 实现。
// Update 使用 WATCH/MULTI 乐观并发，冲突时有限次重试，仍失败则返回 ErrContentionTimeout。
type RedisLedgerRepository struct {
	client     *redis.Client
	maxRetries int
}

// NewRedisLedgerRepository 创建仓储并加载所需的 Lua 脚本。
func NewRedisLedgerRepository(client *redis.Client, maxRetries int) (*RedisLedgerRepository, error) {
	if err := client.LoadScriptFromContent(defineVariantScriptName, defineVariantScript); err != nil {
		return nil, fmt.Errorf("failed to load critical ledger script: %w", err)
	}
	if maxRetries <= 0 {
		maxRetries = 1
	}
	return &RedisLedgerRepository{client: client, maxRetries: maxRetries}, nil
}

func variantKey(variantID string) string {
	return fmt.Sprintf("stock:variant:{%s}", variantID)
}

func productKey(productID string) string {
	return fmt.Sprintf("stock:product:{%s}", productID)
}

func (r *RedisLedgerRepository) Find(ctx context.Context, variantID string) (*domain.Variant, error) {
	fields, err := r.client.GetClient().HGetAll(ctx, variantKey(variantID)).Result()
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read variant %s", variantID)
	}
	v, err := parseVariant(variantID, fields)
	if err != nil {
		return nil, err
	}

	name, err := r.client.GetClient().HGet(ctx, productKey(v.ProductID), "name").Result()
	if err != nil && !errors.Is(err, goredis.Nil) {
		return nil, errors.Wrapf(err, "failed to read product %s", v.ProductID)
	}
	v.ProductName = name
	return v, nil
}

func (r *RedisLedgerRepository) Update(ctx context.Context, variantID string, mutate func(v *domain.Variant) error) (*domain.Variant, error) {
	key := variantKey(variantID)

	for attempt := 0; attempt < r.maxRetries; attempt++ {
		var out *domain.Variant
		err := r.client.GetClient().Watch(ctx, func(tx *goredis.Tx) error {
			fields, err := tx.HGetAll(ctx, key).Result()
			if err != nil {
				return errors.Wrapf(err, "failed to read variant %s", variantID)
			}
			v, err := parseVariant(variantID, fields)
			if err != nil {
				return err
			}
			if err := mutate(v); err != nil {
				return err
			}
			if err := v.CheckInvariant(); err != nil {
				return err
			}

			_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
				pipe.HSet(ctx, key,
					"quantity", v.Quantity,
					"reserved_quantity", v.ReservedQuantity,
					"is_active", boolToFlag(v.IsActive),
					"updated_at", v.UpdatedAt.UnixNano(),
				)
				return nil
			})
			out = v
			return err
		}, key)

		if err == nil {
			return out, nil
		}
		if !errors.Is(err, goredis.TxFailedErr) {
			return nil, err
		}

		// 被其他写入抢先，短暂退避后重试
		select {
		case <-time.After(time.Duration(attempt+1) * time.Millisecond):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, errors.Wrapf(domain.ErrContentionTimeout, "variant %s: optimistic update conflicted %d times", variantID, r.maxRetries)
}

func (r *RedisLedgerRepository) Create(ctx context.Context, v *domain.Variant) error {
	result, err := r.client.RunScript(ctx, defineVariantScriptName,
		[]string{variantKey(v.VariantID)},
		v.ProductID, v.LowStockThreshold, boolToFlag(v.IsActive), time.Now().UnixNano(),
	)
	if err != nil {
		return errors.Wrap(err, "ledger adapter failed to run define script")
	}

	code, ok := result.(int64)
	if !ok {
		return fmt.Errorf("unexpected result type from Lua script: %T", result)
	}
	if code == 0 {
		return domain.ErrVariantExists
	}

	// 商品行允许最终一致，不与规格行放在同一个原子操作里
	pipe := r.client.GetClient().Pipeline()
	pipe.HSetNX(ctx, productKey(v.ProductID), "name", v.ProductName)
	pipe.HSetNX(ctx, productKey(v.ProductID), "sold_count", 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrapf(err, "failed to initialise product %s", v.ProductID)
	}
	return nil
}

// SoftDelete 标记软删除
func (r *RedisLedgerRepository) SoftDelete(ctx context.Context, variantID string) error {
	key := variantKey(variantID)
	exists, err := r.client.GetClient().Exists(ctx, key).Result()
	if err != nil {
		return errors.Wrapf(err, "failed to check variant %s", variantID)
	}
	if exists == 0 {
		return domain.ErrVariantNotFound
	}
	return r.client.GetClient().HSet(ctx, key, "deleted_at", time.Now().UnixNano()).Err()
}

func (r *RedisLedgerRepository) IncrementSold(ctx context.Context, productID string, delta int64) error {
	if err := r.client.GetClient().HIncrBy(ctx, productKey(productID), "sold_count", delta).Err(); err != nil {
		return errors.Wrapf(err, "failed to increment sold count for product %s", productID)
	}
	return nil
}

// SoldCount 返回商品累计销量。
func (r *RedisLedgerRepository) SoldCount(ctx context.Context, productID string) (int64, error) {
	n, err := r.client.GetClient().HGet(ctx, productKey(productID), "sold_count").Int64()
	if errors.Is(err, goredis.Nil) {
		return 0, nil
	}
	return n, err
}

func parseVariant(variantID string, fields map[string]string) (*domain.Variant, error) {
	if len(fields) == 0 {
		return nil, domain.ErrVariantNotFound
	}
	if raw, ok := fields["deleted_at"]; ok && raw != "" {
		return nil, domain.ErrVariantNotFound
	}

	v := &domain.Variant{
		VariantID: variantID,
		ProductID: fields["product_id"],
		IsActive:  fields["is_active"] == "1",
	}
	var err error
	if v.Quantity, err = parseInt(fields, "quantity"); err != nil {
		return nil, err
	}
	if v.ReservedQuantity, err = parseInt(fields, "reserved_quantity"); err != nil {
		return nil, err
	}
	if v.LowStockThreshold, err = parseInt(fields, "low_stock_threshold"); err != nil {
		return nil, err
	}
	if ts, err := parseInt(fields, "updated_at"); err == nil && ts > 0 {
		v.UpdatedAt = time.Unix(0, ts)
	}
	return v, nil
}

func parseInt(fields map[string]string, name string) (int64, error) {
	raw, ok := fields[name]
	if !ok || raw == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "corrupt ledger field %s=%q", name, raw)
	}
	return n, nil
}

func boolToFlag(b bool) int {
	if b {
		return 1
	}
	return 0
}
