package infrastructure

import (
	"context"
	"math"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/pkg/errors"
	gormmysql "gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"nexus-stock/internal/service/inventory/domain"
)

const (
	mysqlErrDuplicateEntry  = 1062
	mysqlErrLockWaitTimeout = 1205
	mysqlErrLockNoWait      = 3572
)

// GormLedgerRepository 是 LedgerRepository 的 GORM 实现。
// Update 在事务内以 SELECT ... FOR UPDATE 锁住目标行，锁等待时间受 lockWait 约束。
type GormLedgerRepository struct {
	db       *gorm.DB
	lockWait time.Duration
}

// NewGormLedgerRepository 创建一个新的 GORM 仓储实例
func NewGormLedgerRepository(db *gorm.DB, lockWait time.Duration) *GormLedgerRepository {
	return &GormLedgerRepository{db: db, lockWait: lockWait}
}

// OpenMySQL 按 DSN 打开 MySQL 连接，强制 parseTime 以便正确映射时间列。
func OpenMySQL(dsn string) (*gorm.DB, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, errors.Wrap(err, "invalid mysql dsn")
	}
	cfg.ParseTime = true

	db, err := gorm.Open(gormmysql.Open(cfg.FormatDSN()), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to open mysql")
	}
	return db, nil
}

// Find 使用 GORM 读取一行，不加锁
func (r *GormLedgerRepository) Find(ctx context.Context, variantID string) (*domain.Variant, error) {
	var model VariantModel
	err := r.db.WithContext(ctx).Preload("Product").Where("variant_id = ?", variantID).First(&model).Error
	if err != nil {
		return nil, translateError(err, variantID)
	}
	return toDomainVariant(&model), nil
}

// Update 在一个事务中完成加锁读取、修改和写回
func (r *GormLedgerRepository) Update(ctx context.Context, variantID string, mutate func(v *domain.Variant) error) (*domain.Variant, error) {
	var out *domain.Variant
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := r.boundLockWait(tx); err != nil {
			return err
		}

		var model VariantModel
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("variant_id = ?", variantID).
			First(&model).Error
		if err != nil {
			return translateError(err, variantID)
		}

		v := toDomainVariant(&model)
		if err := mutate(v); err != nil {
			return err
		}
		if err := v.CheckInvariant(); err != nil {
			return err
		}

		err = tx.Model(&model).Updates(map[string]interface{}{
			"quantity":          v.Quantity,
			"reserved_quantity": v.ReservedQuantity,
			"is_active":         v.IsActive,
		}).Error
		if err != nil {
			return translateError(err, variantID)
		}
		out = v
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Create 新建规格行，商品行不存在时一并创建
func (r *GormLedgerRepository) Create(ctx context.Context, v *domain.Variant) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Unscoped().Model(&VariantModel{}).Where("variant_id = ?", v.VariantID).Count(&count).Error; err != nil {
			return errors.Wrap(err, "failed to check variant existence")
		}
		if count > 0 {
			return domain.ErrVariantExists
		}

		var product ProductModel
		err := tx.Where(ProductModel{ProductID: v.ProductID}).
			Attrs(ProductModel{Name: v.ProductName}).
			FirstOrCreate(&product).Error
		if err != nil {
			return errors.Wrapf(err, "failed to ensure product %s", v.ProductID)
		}

		if err := tx.Omit(clause.Associations).Create(fromDomainVariant(v)).Error; err != nil {
			return translateError(err, v.VariantID)
		}
		return nil
	})
}

// SoftDelete 软删除一行
func (r *GormLedgerRepository) SoftDelete(ctx context.Context, variantID string) error {
	res := r.db.WithContext(ctx).Where("variant_id = ?", variantID).Delete(&VariantModel{})
	if res.Error != nil {
		return errors.Wrapf(res.Error, "failed to delete variant %s", variantID)
	}
	if res.RowsAffected == 0 {
		return domain.ErrVariantNotFound
	}
	return nil
}

// IncrementSold 原子自增商品累计销量，不需要持有规格行的锁
func (r *GormLedgerRepository) IncrementSold(ctx context.Context, productID string, delta int64) error {
	res := r.db.WithContext(ctx).Model(&ProductModel{}).
		Where("product_id = ?", productID).
		UpdateColumn("sold_count", gorm.Expr("sold_count + ?", delta))
	if res.Error != nil {
		return errors.Wrapf(res.Error, "failed to increment sold count for product %s", productID)
	}
	if res.RowsAffected == 0 {
		return errors.Errorf("product %s not found", productID)
	}
	return nil
}

// boundLockWait 把 InnoDB 的行锁等待限制在 lockWait 内（最小 1 秒）。
func (r *GormLedgerRepository) boundLockWait(tx *gorm.DB) error {
	if r.lockWait <= 0 || tx.Dialector.Name() != "mysql" {
		return nil
	}
	seconds := int(math.Max(1, math.Ceil(r.lockWait.Seconds())))
	if err := tx.Exec("SET SESSION innodb_lock_wait_timeout = ?", seconds).Error; err != nil {
		return errors.Wrap(err, "failed to set lock wait timeout")
	}
	return nil
}

func translateError(err error, variantID string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.ErrVariantNotFound
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return domain.ErrVariantExists
	}
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		switch mysqlErr.Number {
		case mysqlErrLockWaitTimeout, mysqlErrLockNoWait:
			return errors.Wrapf(domain.ErrContentionTimeout, "variant %s: %s", variantID, mysqlErr.Message)
		case mysqlErrDuplicateEntry:
			return domain.ErrVariantExists
		}
	}
	return errors.Wrapf(err, "ledger query failed for variant %s", variantID)
}
