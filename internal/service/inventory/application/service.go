package application

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"nexus-stock/internal/pkg/logger"
	"nexus-stock/internal/pkg/metrics"
	"nexus-stock/internal/service/inventory/domain"
	"nexus-stock/internal/service/inventory/domain/port"
)

const (
	opReserve      = "reserve"
	opRelease      = "release"
	opConfirm      = "confirm_deduction"
	opAvailability = "check_availability"
	opBulk         = "check_bulk_availability"
	opDefine       = "define_variant"
	opRestock      = "restock"
)

// Options 控制引擎的超时与并发参数
type Options struct {
	// MutationTimeout 拿到锁之后读-改-写的时间上限，与调用方的取消无关
	MutationTimeout time.Duration
	// PublishTimeout 单次事件发布的时间上限
	PublishTimeout time.Duration
	// BulkConcurrency 批量查询的最大并发
	BulkConcurrency int
}

func (o Options) withDefaults() Options {
	if o.MutationTimeout <= 0 {
		o.MutationTimeout = 5 * time.Second
	}
	if o.PublishTimeout <= 0 {
		o.PublishTimeout = 2 * time.Second
	}
	if o.BulkConcurrency <= 0 {
		o.BulkConcurrency = 8
	}
	return o
}

// Service 是库存预占引擎。所有写操作都在规格级互斥下完成读-改-写，
// 变更事件在提交后、释放互斥前发布，同一规格的事件顺序与提交顺序一致。
type Service struct {
	repo      domain.LedgerRepository
	locker    port.Locker
	publisher port.StockEventPublisher
	policy    domain.LowStockPolicy
	rollup    Rollup
	tracer    trace.Tracer
	metrics   *metrics.Metrics
	opts      Options
}

// NewService 组装引擎。locker 为 nil 时完全依赖仓储自身的行锁或 CAS；
// publisher 为 nil 时不发布事件；policy 为 nil 时使用默认阈值规则。
func NewService(
	repo domain.LedgerRepository,
	locker port.Locker,
	publisher port.StockEventPublisher,
	policy domain.LowStockPolicy,
	rollup Rollup,
	tracer trace.Tracer,
	m *metrics.Metrics,
	opts Options,
) *Service {
	if locker == nil {
		locker = storeLocking{}
	}
	if policy == nil {
		policy = domain.ThresholdPolicy{}
	}
	if m == nil {
		m = metrics.New(prometheus.NewRegistry())
	}
	return &Service{
		repo:      repo,
		locker:    locker,
		publisher: publisher,
		policy:    policy,
		rollup:    rollup,
		tracer:    tracer,
		metrics:   m,
		opts:      opts.withDefaults(),
	}
}

// storeLocking 不做进程级互斥，由仓储的 Update 保证原子性。
type storeLocking struct{}

func (storeLocking) Lock(context.Context, string) (func(), error) { return func() {}, nil }

// Reserve 为购物车或结算流程预占库存。
func (s *Service) Reserve(ctx context.Context, variantID string, quantity int64) (*ReserveResult, error) {
	ctx, span := s.startSpan(ctx, "inventory.Reserve", variantID, quantity)
	defer span.End()
	start := time.Now()

	var seen domain.Variant
	_, after, err := s.mutate(ctx, variantID, quantity, func(v *domain.Variant) error {
		seen = *v
		return v.Reserve(quantity)
	})
	s.observe(ctx, span, opReserve, start, err)

	if err != nil {
		res := &ReserveResult{Outcome: domain.OutcomeOf(err), Message: failureMessage(err)}
		if errors.Is(err, domain.ErrInsufficientStock) {
			res.AvailableQuantity = seen.Available()
			res.ReservedQuantity = seen.ReservedQuantity
		}
		return res, err
	}
	return &ReserveResult{
		Success:           true,
		Outcome:           domain.OutcomeSuccess,
		AvailableQuantity: after.Available(),
		ReservedQuantity:  after.ReservedQuantity,
		Message:           fmt.Sprintf("reserved %d", quantity),
	}, nil
}

// Release 释放预占。请求量超过当前预占量时截断，不视为错误。
func (s *Service) Release(ctx context.Context, variantID string, quantity int64) (*ReleaseResult, error) {
	ctx, span := s.startSpan(ctx, "inventory.Release", variantID, quantity)
	defer span.End()
	start := time.Now()

	var released int64
	_, after, err := s.mutate(ctx, variantID, quantity, func(v *domain.Variant) error {
		n, err := v.Release(quantity)
		released = n
		return err
	})
	s.observe(ctx, span, opRelease, start, err)

	if err != nil {
		return &ReleaseResult{Outcome: domain.OutcomeOf(err), Message: failureMessage(err)}, err
	}

	message := fmt.Sprintf("released %d", released)
	if released < quantity {
		message = fmt.Sprintf("released %d of %d requested, reservation was smaller", released, quantity)
	}
	return &ReleaseResult{
		Success:           true,
		Outcome:           domain.OutcomeSuccess,
		AvailableQuantity: after.Available(),
		ReservedQuantity:  after.ReservedQuantity,
		ReleasedQuantity:  released,
		Message:           message,
	}, nil
}

// ConfirmDeduction 在支付完成后把预占转为最终扣减，并异步累加商品销量。
func (s *Service) ConfirmDeduction(ctx context.Context, variantID string, quantity int64) (*ConfirmResult, error) {
	ctx, span := s.startSpan(ctx, "inventory.ConfirmDeduction", variantID, quantity)
	defer span.End()
	start := time.Now()

	var seen domain.Variant
	_, after, err := s.mutate(ctx, variantID, quantity, func(v *domain.Variant) error {
		seen = *v
		return v.Deduct(quantity)
	})
	if errors.Is(err, domain.ErrInvariantViolated) {
		err = &domain.InsufficientStockError{VariantID: variantID, Available: seen.Quantity, Requested: quantity}
	}
	s.observe(ctx, span, opConfirm, start, err)

	if err != nil {
		res := &ConfirmResult{Outcome: domain.OutcomeOf(err), Message: failureMessage(err)}
		if errors.Is(err, domain.ErrInsufficientStock) {
			res.NewQuantity = seen.Quantity
			res.NewReservedQuantity = seen.ReservedQuantity
			res.IsActive = seen.IsActive
			res.IsOutOfStock = seen.Quantity == 0
		}
		return res, err
	}

	if s.rollup != nil {
		s.rollup.Enqueue(ctx, after.ProductID, quantity)
	}

	return &ConfirmResult{
		Success:             true,
		Outcome:             domain.OutcomeSuccess,
		NewQuantity:         after.Quantity,
		NewReservedQuantity: after.ReservedQuantity,
		IsOutOfStock:        after.Quantity == 0,
		IsActive:            after.IsActive,
		Message:             fmt.Sprintf("deducted %d", quantity),
	}, nil
}

// Restock 入库补货，与其它写操作共用同一把规格锁。
func (s *Service) Restock(ctx context.Context, variantID string, quantity int64) (*VariantResult, error) {
	ctx, span := s.startSpan(ctx, "inventory.Restock", variantID, quantity)
	defer span.End()
	start := time.Now()

	_, after, err := s.mutate(ctx, variantID, quantity, func(v *domain.Variant) error {
		return v.Restock(quantity)
	})
	s.observe(ctx, span, opRestock, start, err)

	if err != nil {
		return &VariantResult{Outcome: domain.OutcomeOf(err), VariantID: variantID, Message: failureMessage(err)}, err
	}
	return toVariantResult(after, fmt.Sprintf("restocked %d", quantity)), nil
}

// DefineVariant 新建一行计数为零的账本行。
func (s *Service) DefineVariant(ctx context.Context, req *DefineVariantRequest) (*VariantResult, error) {
	ctx, span := s.tracer.Start(ctx, "inventory.DefineVariant")
	defer span.End()
	span.SetAttributes(
		attribute.String("variant.id", req.VariantID),
		attribute.String("product.id", req.ProductID),
	)
	start := time.Now()

	v, err := domain.NewVariant(req.VariantID, req.ProductID, req.ProductName, req.LowStockThreshold)
	if err == nil {
		err = s.repo.Create(ctx, v)
	}
	s.observe(ctx, span, opDefine, start, err)

	if err != nil {
		return &VariantResult{Outcome: domain.OutcomeOf(err), VariantID: req.VariantID, Message: failureMessage(err)}, err
	}
	logger.Ctx(ctx).Info().Str("variant_id", v.VariantID).Str("product_id", v.ProductID).Msg("variant defined")
	return toVariantResult(v, "variant defined"), nil
}

// CheckAvailability 是不加锁的只读查询，结果可能稍有滞后。
// requiredQuantity <= 0 时按 1 处理。
func (s *Service) CheckAvailability(ctx context.Context, variantID string, requiredQuantity int64) (*AvailabilityResult, error) {
	ctx, span := s.startSpan(ctx, "inventory.CheckAvailability", variantID, requiredQuantity)
	defer span.End()
	start := time.Now()

	if requiredQuantity <= 0 {
		requiredQuantity = 1
	}

	v, err := s.repo.Find(ctx, variantID)
	s.observe(ctx, span, opAvailability, start, err)
	if err != nil {
		return &AvailabilityResult{}, err
	}
	if !v.IsActive {
		return &AvailabilityResult{}, nil
	}

	available := v.Available()
	return &AvailabilityResult{
		IsAvailable:       available >= requiredQuantity,
		AvailableQuantity: available,
		TotalQuantity:     v.Quantity,
		ReservedQuantity:  v.ReservedQuantity,
		IsLowStock:        s.policy.IsLowStock(v),
		LowStockThreshold: v.LowStockThreshold,
	}, nil
}

// CheckBulkAvailability 逐项独立查询，单项失败不影响其它项，结果保持输入顺序。
func (s *Service) CheckBulkAvailability(ctx context.Context, items []BulkItem) []BulkAvailabilityResult {
	ctx, span := s.tracer.Start(ctx, "inventory.CheckBulkAvailability")
	defer span.End()
	span.SetAttributes(attribute.Int("items.count", len(items)))
	start := time.Now()

	results := make([]BulkAvailabilityResult, len(items))
	g := new(errgroup.Group)
	g.SetLimit(s.opts.BulkConcurrency)

	for i, item := range items {
		g.Go(func() error {
			results[i] = s.checkOne(ctx, item)
			return nil
		})
	}
	_ = g.Wait()

	s.observe(ctx, span, opBulk, start, nil)
	return results
}

func (s *Service) checkOne(ctx context.Context, item BulkItem) BulkAvailabilityResult {
	requested := item.Quantity
	if requested <= 0 {
		requested = 1
	}
	res := BulkAvailabilityResult{
		VariantID:         item.VariantID,
		RequestedQuantity: requested,
		ProductName:       UnknownProductName,
	}

	v, err := s.repo.Find(ctx, item.VariantID)
	if err != nil {
		if !errors.Is(err, domain.ErrVariantNotFound) {
			logger.Ctx(ctx).Warn().Err(err).Str("variant_id", item.VariantID).Msg("bulk availability lookup failed")
		}
		return res
	}

	if v.ProductName != "" {
		res.ProductName = v.ProductName
	}
	if v.IsActive {
		res.AvailableQuantity = v.Available()
		res.IsAvailable = res.AvailableQuantity >= requested
	}
	return res
}

// mutate 是所有写操作的公共路径：
// 有上限地等待规格锁，在脱离调用方取消的 context 上完成读-改-写，计数变化时在持锁状态下发布事件。
func (s *Service) mutate(ctx context.Context, variantID string, quantity int64, fn func(v *domain.Variant) error) (before, after *domain.Variant, err error) {
	if quantity <= 0 {
		return nil, nil, domain.ErrInvalidQuantity
	}
	if variantID == "" {
		return nil, nil, domain.ErrVariantNotFound
	}

	lockStart := time.Now()
	unlock, err := s.locker.Lock(ctx, variantID)
	s.metrics.LockWait.Observe(time.Since(lockStart).Seconds())
	if err != nil {
		return nil, nil, lockError(variantID, err)
	}
	defer unlock()

	// 拿到锁之后调用方放弃也不会中断写入，要么完整生效要么完全不生效
	mctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.MutationTimeout)
	defer cancel()

	after, err = s.repo.Update(mctx, variantID, func(v *domain.Variant) error {
		snapshot := *v
		before = &snapshot
		return fn(v)
	})
	if err != nil {
		return nil, nil, err
	}

	if !before.SameCounters(after) {
		s.publish(mctx, before, after)
	}
	return before, after, nil
}

func (s *Service) publish(ctx context.Context, before, after *domain.Variant) {
	if s.publisher == nil {
		return
	}
	event := domain.NewStockChanged(before, after, s.policy.IsLowStock(after))

	pctx, cancel := context.WithTimeout(ctx, s.opts.PublishTimeout)
	defer cancel()

	if err := s.publisher.PublishStockChanged(pctx, event); err != nil {
		s.metrics.PublishFailures.Inc()
		logger.Ctx(ctx).Error().Err(err).
			Str("variant_id", event.VariantID).
			Str("event_id", event.EventID).
			Msg("failed to publish stock changed event")
	}
}

// lockError 把锁等待失败映射为可重试的 ErrContentionTimeout，调用方主动取消的情况原样返回。
func lockError(variantID string, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("%w: variant %s: %v", domain.ErrContentionTimeout, variantID, err)
}

func (s *Service) startSpan(ctx context.Context, name, variantID string, quantity int64) (context.Context, trace.Span) {
	ctx, span := s.tracer.Start(ctx, name)
	span.SetAttributes(
		attribute.String("variant.id", variantID),
		attribute.Int64("quantity", quantity),
	)
	return ctx, span
}

func (s *Service) observe(ctx context.Context, span trace.Span, op string, start time.Time, err error) {
	outcome := domain.OutcomeOf(err)
	s.metrics.Operations.WithLabelValues(op, string(outcome)).Inc()
	s.metrics.OperationTime.WithLabelValues(op).Observe(time.Since(start).Seconds())
	span.SetAttributes(attribute.String("outcome", string(outcome)))

	switch outcome {
	case domain.OutcomeSuccess:
	case domain.OutcomeError:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Ctx(ctx).Error().Err(err).Str("op", op).Msg("stock operation failed")
	case domain.OutcomeContentionTimeout:
		logger.Ctx(ctx).Warn().Err(err).Str("op", op).Msg("stock operation timed out waiting for variant")
	default:
		logger.Ctx(ctx).Debug().Err(err).Str("op", op).Str("outcome", string(outcome)).Msg("stock operation rejected")
	}
}

func failureMessage(err error) string {
	if errors.Is(err, domain.ErrVariantNotFound) {
		return domain.ErrVariantNotFound.Error()
	}
	return err.Error()
}
