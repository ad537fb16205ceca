package application

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"nexus-stock/internal/pkg/keylock"
	"nexus-stock/internal/pkg/metrics"
	"nexus-stock/internal/service/inventory/domain"
	"nexus-stock/internal/service/inventory/infrastructure"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []*domain.StockChanged
	err    error
}

func (p *recordingPublisher) PublishStockChanged(_ context.Context, e *domain.StockChanged) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return p.err
}

func (p *recordingPublisher) Events() []*domain.StockChanged {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*domain.StockChanged(nil), p.events...)
}

type failingCounter struct{}

func (failingCounter) IncrementSold(context.Context, string, int64) error {
	return errors.New("products table unavailable")
}

type fixture struct {
	svc       *Service
	repo      *infrastructure.MemoryLedgerRepository
	locker    *keylock.Locker
	publisher *recordingPublisher
	rollup    *SoldCountRollup
	metrics   *metrics.Metrics
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWithCounter(t, nil)
}

func newFixtureWithCounter(t *testing.T, counter domain.SoldCounter) *fixture {
	t.Helper()
	repo := infrastructure.NewMemoryLedgerRepository()
	if counter == nil {
		counter = repo
	}
	m := metrics.New(prometheus.NewRegistry())
	locker := keylock.New(500 * time.Millisecond)
	publisher := &recordingPublisher{}
	rollup := NewSoldCountRollup(counter, m, 2, 16, time.Second)
	rollup.Start()
	t.Cleanup(rollup.Stop)

	svc := NewService(repo, locker, publisher, domain.ThresholdPolicy{}, rollup,
		noop.NewTracerProvider().Tracer("test"), m, Options{})
	return &fixture{svc: svc, repo: repo, locker: locker, publisher: publisher, rollup: rollup, metrics: m}
}

// seed 直接写仓储，不经过引擎，不产生事件。
func (f *fixture) seed(t *testing.T, variantID string, quantity, reserved int64) {
	t.Helper()
	v, err := domain.NewVariant(variantID, "p-"+variantID, "Product "+variantID, 2)
	require.NoError(t, err)
	v.Quantity = quantity
	v.ReservedQuantity = reserved
	v.IsActive = quantity > 0
	require.NoError(t, f.repo.Create(context.Background(), v))
}

func (f *fixture) row(t *testing.T, variantID string) *domain.Variant {
	t.Helper()
	v, err := f.repo.Find(context.Background(), variantID)
	require.NoError(t, err)
	require.NoError(t, v.CheckInvariant())
	return v
}

func TestReserve_Succeeds(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "v-1", 10, 0)

	res, err := f.svc.Reserve(context.Background(), "v-1", 3)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, domain.OutcomeSuccess, res.Outcome)
	assert.Equal(t, int64(7), res.AvailableQuantity)
	assert.Equal(t, int64(3), res.ReservedQuantity)

	events := f.publisher.Events()
	require.Len(t, events, 1)
	assert.Equal(t, int64(10), events[0].OldAvailable)
	assert.Equal(t, int64(7), events[0].NewAvailable)
	assert.False(t, events[0].IsOutOfStock)
	assert.Equal(t, "p-v-1", events[0].ProductID)
}

func TestReserve_InsufficientStockLeavesRowUntouched(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "v-1", 5, 3)

	res, err := f.svc.Reserve(context.Background(), "v-1", 3)
	assert.ErrorIs(t, err, domain.ErrInsufficientStock)
	assert.False(t, domain.IsRetryable(err))
	assert.False(t, res.Success)
	assert.Equal(t, domain.OutcomeInsufficientStock, res.Outcome)
	assert.Equal(t, int64(2), res.AvailableQuantity)
	assert.Contains(t, res.Message, "available 2")
	assert.Contains(t, res.Message, "requested 3")

	assert.Equal(t, int64(3), f.row(t, "v-1").ReservedQuantity)
	assert.Empty(t, f.publisher.Events())
}

func TestReserve_NoOversellUnderConcurrency(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "v-1", 5, 0)

	var (
		wg           sync.WaitGroup
		mu           sync.Mutex
		successes    int
		insufficient int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Reserve(context.Background(), "v-1", 1)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, domain.ErrInsufficientStock):
				insufficient++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 5, successes)
	assert.Equal(t, 5, insufficient)
	v := f.row(t, "v-1")
	assert.Equal(t, int64(5), v.ReservedQuantity)
	assert.Equal(t, int64(0), v.Available())
}

func TestEvents_FollowCommitOrderPerVariant(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "v-1", 20, 0)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Reserve(context.Background(), "v-1", 1)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	events := f.publisher.Events()
	require.Len(t, events, 20)
	for i := 1; i < len(events); i++ {
		assert.Equal(t, events[i-1].NewAvailable, events[i].OldAvailable)
	}
	assert.True(t, events[len(events)-1].IsOutOfStock)
}

func TestRelease_ClampsUnderConcurrency(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "v-1", 10, 0)
	_, err := f.svc.Reserve(context.Background(), "v-1", 3)
	require.NoError(t, err)

	released := make(chan int64, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.svc.Release(context.Background(), "v-1", 3)
			if assert.NoError(t, err) {
				assert.True(t, res.Success)
				released <- res.ReleasedQuantity
			}
		}()
	}
	wg.Wait()
	close(released)

	var got []int64
	for n := range released {
		got = append(got, n)
	}
	assert.ElementsMatch(t, []int64{3, 0}, got)
	assert.Equal(t, int64(0), f.row(t, "v-1").ReservedQuantity)

	// 第二次释放没有改变计数，不产生事件
	assert.Len(t, f.publisher.Events(), 2)
}

func TestRelease_PartialClamp(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "v-1", 10, 2)

	res, err := f.svc.Release(context.Background(), "v-1", 5)
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.ReleasedQuantity)
	assert.Equal(t, int64(0), res.ReservedQuantity)
	assert.Equal(t, int64(10), res.AvailableQuantity)
}

func TestConfirmDeduction_ConvertsReservation(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "v-1", 10, 4)

	res, err := f.svc.ConfirmDeduction(context.Background(), "v-1", 4)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, int64(6), res.NewQuantity)
	assert.Equal(t, int64(0), res.NewReservedQuantity)
	assert.False(t, res.IsOutOfStock)
	assert.True(t, res.IsActive)

	f.rollup.Stop()
	assert.Equal(t, int64(4), f.repo.SoldCount("p-v-1"))
}

func TestConfirmDeduction_OutOfStockTransition(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "v-1", 2, 2)

	res, err := f.svc.ConfirmDeduction(context.Background(), "v-1", 2)
	require.NoError(t, err)
	assert.Equal(t, int64(0), res.NewQuantity)
	assert.Equal(t, int64(0), res.NewReservedQuantity)
	assert.True(t, res.IsOutOfStock)
	assert.False(t, res.IsActive)

	check, err := f.svc.CheckAvailability(context.Background(), "v-1", 1)
	require.NoError(t, err)
	assert.False(t, check.IsAvailable)
	assert.Equal(t, int64(0), check.AvailableQuantity)

	// 可用量没有变化（2 预占 → 0 总量），但数量变了，仍然发事件
	events := f.publisher.Events()
	require.Len(t, events, 1)
	assert.True(t, events[0].IsOutOfStock)
	assert.True(t, events[0].IsLowStock)
}

func TestConfirmDeduction_InsufficientPhysicalStock(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "v-1", 3, 1)

	res, err := f.svc.ConfirmDeduction(context.Background(), "v-1", 5)
	assert.ErrorIs(t, err, domain.ErrInsufficientStock)
	assert.False(t, res.Success)
	assert.Equal(t, int64(3), res.NewQuantity)
	assert.Equal(t, int64(1), res.NewReservedQuantity)

	v := f.row(t, "v-1")
	assert.Equal(t, int64(3), v.Quantity)
	assert.Equal(t, int64(1), v.ReservedQuantity)

	f.rollup.Stop()
	assert.Equal(t, int64(0), f.repo.SoldCount("p-v-1"))
}

func TestConfirmDeduction_RollupFailureDoesNotFailDeduction(t *testing.T) {
	f := newFixtureWithCounter(t, failingCounter{})
	f.seed(t, "v-1", 10, 4)

	res, err := f.svc.ConfirmDeduction(context.Background(), "v-1", 4)
	require.NoError(t, err)
	assert.True(t, res.Success)

	f.rollup.Stop()
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.RollupFailures))
	assert.Equal(t, int64(6), f.row(t, "v-1").Quantity)
}

func TestPublisherFailureIsNotPropagated(t *testing.T) {
	f := newFixture(t)
	f.publisher.err = errors.New("broker unavailable")
	f.seed(t, "v-1", 5, 0)

	res, err := f.svc.Reserve(context.Background(), "v-1", 2)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.PublishFailures))
	assert.Equal(t, int64(2), f.row(t, "v-1").ReservedQuantity)
}

func TestMissingVariant_EveryOperation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	reserve, err := f.svc.Reserve(ctx, "ghost", 1)
	assert.ErrorIs(t, err, domain.ErrVariantNotFound)
	assert.Equal(t, &ReserveResult{Outcome: domain.OutcomeNotFound, Message: "variant not found"}, reserve)

	release, err := f.svc.Release(ctx, "ghost", 1)
	assert.ErrorIs(t, err, domain.ErrVariantNotFound)
	assert.Equal(t, &ReleaseResult{Outcome: domain.OutcomeNotFound, Message: "variant not found"}, release)

	confirm, err := f.svc.ConfirmDeduction(ctx, "ghost", 1)
	assert.ErrorIs(t, err, domain.ErrVariantNotFound)
	assert.Equal(t, &ConfirmResult{Outcome: domain.OutcomeNotFound, Message: "variant not found"}, confirm)

	restock, err := f.svc.Restock(ctx, "ghost", 1)
	assert.ErrorIs(t, err, domain.ErrVariantNotFound)
	assert.False(t, restock.Success)

	check, err := f.svc.CheckAvailability(ctx, "ghost", 1)
	assert.ErrorIs(t, err, domain.ErrVariantNotFound)
	assert.Equal(t, &AvailabilityResult{}, check)

	assert.Empty(t, f.publisher.Events())
}

func TestSoftDeletedVariant_IsNotFound(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, "v-1", 5, 1)
	require.NoError(t, f.repo.SoftDelete(ctx, "v-1"))

	_, err := f.svc.Reserve(ctx, "v-1", 1)
	assert.ErrorIs(t, err, domain.ErrVariantNotFound)
	_, err = f.svc.Release(ctx, "v-1", 1)
	assert.ErrorIs(t, err, domain.ErrVariantNotFound)
	_, err = f.svc.ConfirmDeduction(ctx, "v-1", 1)
	assert.ErrorIs(t, err, domain.ErrVariantNotFound)

	check, err := f.svc.CheckAvailability(ctx, "v-1", 1)
	assert.ErrorIs(t, err, domain.ErrVariantNotFound)
	assert.False(t, check.IsAvailable)

	bulk := f.svc.CheckBulkAvailability(ctx, []BulkItem{{VariantID: "v-1", Quantity: 1}})
	assert.Equal(t, UnknownProductName, bulk[0].ProductName)
}

func TestInvalidQuantity(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "v-1", 5, 0)

	for _, q := range []int64{0, -1} {
		res, err := f.svc.Reserve(context.Background(), "v-1", q)
		assert.ErrorIs(t, err, domain.ErrInvalidQuantity)
		assert.Equal(t, domain.OutcomeInvalidArgument, res.Outcome)

		_, err = f.svc.Release(context.Background(), "v-1", q)
		assert.ErrorIs(t, err, domain.ErrInvalidQuantity)
		_, err = f.svc.ConfirmDeduction(context.Background(), "v-1", q)
		assert.ErrorIs(t, err, domain.ErrInvalidQuantity)
	}
	assert.Equal(t, int64(0), f.row(t, "v-1").ReservedQuantity)
}

func TestCheckAvailability(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "v-1", 10, 4)
	f.seed(t, "low", 2, 0)
	f.seed(t, "inactive", 0, 0)

	res, err := f.svc.CheckAvailability(context.Background(), "v-1", 0)
	require.NoError(t, err)
	assert.Equal(t, &AvailabilityResult{
		IsAvailable:       true,
		AvailableQuantity: 6,
		TotalQuantity:     10,
		ReservedQuantity:  4,
		IsLowStock:        false,
		LowStockThreshold: 2,
	}, res)

	res, err = f.svc.CheckAvailability(context.Background(), "v-1", 7)
	require.NoError(t, err)
	assert.False(t, res.IsAvailable)

	res, err = f.svc.CheckAvailability(context.Background(), "low", 1)
	require.NoError(t, err)
	assert.True(t, res.IsLowStock)

	res, err = f.svc.CheckAvailability(context.Background(), "inactive", 1)
	require.NoError(t, err)
	assert.Equal(t, &AvailabilityResult{}, res)
}

func TestCheckBulkAvailability_PartialResultsInInputOrder(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "a", 10, 0)
	f.seed(t, "b", 3, 2)

	items := []BulkItem{
		{VariantID: "a", Quantity: 5},
		{VariantID: "missing", Quantity: 1},
		{VariantID: "b", Quantity: 2},
	}
	results := f.svc.CheckBulkAvailability(context.Background(), items)

	require.Len(t, results, 3)
	assert.Equal(t, BulkAvailabilityResult{
		VariantID: "a", RequestedQuantity: 5, AvailableQuantity: 10, IsAvailable: true, ProductName: "Product a",
	}, results[0])
	assert.Equal(t, BulkAvailabilityResult{
		VariantID: "missing", RequestedQuantity: 1, AvailableQuantity: 0, IsAvailable: false, ProductName: UnknownProductName,
	}, results[1])
	assert.Equal(t, BulkAvailabilityResult{
		VariantID: "b", RequestedQuantity: 2, AvailableQuantity: 1, IsAvailable: false, ProductName: "Product b",
	}, results[2])
}

func TestDefineVariantAndRestock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.DefineVariant(ctx, &DefineVariantRequest{
		VariantID: "v-new", ProductID: "p-new", ProductName: "Wool Socks", LowStockThreshold: 5,
	})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, int64(0), res.Quantity)
	assert.True(t, res.IsActive)

	_, err = f.svc.DefineVariant(ctx, &DefineVariantRequest{VariantID: "v-new", ProductID: "p-new"})
	assert.ErrorIs(t, err, domain.ErrVariantExists)

	bad, err := f.svc.DefineVariant(ctx, &DefineVariantRequest{VariantID: "", ProductID: "p-new"})
	assert.ErrorIs(t, err, domain.ErrInvalidVariant)
	assert.Equal(t, domain.OutcomeInvalidArgument, bad.Outcome)

	restocked, err := f.svc.Restock(ctx, "v-new", 8)
	require.NoError(t, err)
	assert.Equal(t, int64(8), restocked.Quantity)
	assert.Equal(t, int64(8), restocked.AvailableQuantity)

	events := f.publisher.Events()
	require.Len(t, events, 1)
	assert.Equal(t, int64(0), events[0].OldAvailable)
	assert.Equal(t, int64(8), events[0].NewAvailable)
	assert.False(t, events[0].IsLowStock)
}

func TestReserve_ContentionTimeoutIsRetryable(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "v-1", 5, 0)

	unlock, err := f.locker.Lock(context.Background(), "v-1")
	require.NoError(t, err)
	defer unlock()

	res, err := f.svc.Reserve(context.Background(), "v-1", 1)
	assert.ErrorIs(t, err, domain.ErrContentionTimeout)
	assert.True(t, domain.IsRetryable(err))
	assert.Equal(t, domain.OutcomeContentionTimeout, res.Outcome)
	assert.Equal(t, int64(0), f.row(t, "v-1").ReservedQuantity)

	// 其它规格不受影响
	f.seed(t, "v-2", 5, 0)
	_, err = f.svc.Reserve(context.Background(), "v-2", 1)
	assert.NoError(t, err)
}

func TestReserve_CancelledWhileWaitingDoesNothing(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "v-1", 5, 0)

	unlock, err := f.locker.Lock(context.Background(), "v-1")
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = f.svc.Reserve(ctx, "v-1", 1)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int64(0), f.row(t, "v-1").ReservedQuantity)
}

// gatedRepository 在 Update 入口处停住，用于模拟调用方在持锁期间放弃请求。
type gatedRepository struct {
	domain.LedgerRepository
	entered chan struct{}
	gate    chan struct{}
}

func (r *gatedRepository) Update(ctx context.Context, variantID string, mutate func(v *domain.Variant) error) (*domain.Variant, error) {
	close(r.entered)
	<-r.gate
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return r.LedgerRepository.Update(ctx, variantID, mutate)
}

func TestReserve_CompletesWhenCallerCancelsAfterLock(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "v-1", 5, 0)

	repo := &gatedRepository{LedgerRepository: f.repo, entered: make(chan struct{}), gate: make(chan struct{})}
	svc := NewService(repo, keylock.New(time.Second), f.publisher, nil, nil,
		noop.NewTracerProvider().Tracer("test"), nil, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := svc.Reserve(ctx, "v-1", 2)
		done <- err
	}()

	<-repo.entered
	cancel()
	close(repo.gate)

	require.NoError(t, <-done)
	assert.Equal(t, int64(2), f.row(t, "v-1").ReservedQuantity)
	assert.Len(t, f.publisher.Events(), 1)
}

func TestOperationsMetric(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "v-1", 1, 0)

	_, _ = f.svc.Reserve(context.Background(), "v-1", 1)
	_, _ = f.svc.Reserve(context.Background(), "v-1", 1)
	_, _ = f.svc.Reserve(context.Background(), "ghost", 1)

	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.Operations.WithLabelValues(opReserve, "success")))
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.Operations.WithLabelValues(opReserve, "insufficient_stock")))
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.Operations.WithLabelValues(opReserve, "not_found")))
}
