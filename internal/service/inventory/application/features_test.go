package application_test

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/cucumber/godog"
	"github.com/cucumber/godog/colors"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace/noop"

	"nexus-stock/internal/pkg/keylock"
	"nexus-stock/internal/pkg/metrics"
	"nexus-stock/internal/service/inventory/application"
	"nexus-stock/internal/service/inventory/domain"
	"nexus-stock/internal/service/inventory/infrastructure"
)

var opts = godog.Options{
	Output:      colors.Colored(os.Stdout),
	Format:      "progress",
	Paths:       []string{"../../../../features"},
	Randomize:   0,
	Concurrency: 1,
}

func TestFeatures(t *testing.T) {
	suite := godog.TestSuite{
		ScenarioInitializer: InitializeScenario,
		Options:             &opts,
	}

	if suite.Run() != 0 {
		t.Fail()
	}
}

// ledgerWorld holds state for a single scenario
type ledgerWorld struct {
	repo   *infrastructure.MemoryLedgerRepository
	rollup *application.SoldCountRollup
	svc    *application.Service

	outcome  domain.Outcome
	confirm  *application.ConfirmResult
	outcomes []domain.Outcome
	released []int64
	bulk     []application.BulkAvailabilityResult
}

func InitializeScenario(ctx *godog.ScenarioContext) {
	w := &ledgerWorld{}

	ctx.After(func(ctx context.Context, sc *godog.Scenario, err error) (context.Context, error) {
		if w.rollup != nil {
			w.rollup.Stop()
		}
		return ctx, nil
	})

	ctx.Step(`^a clean stock ledger$`, w.aCleanStockLedger)
	ctx.Step(`^variant "([^"]*)" has quantity (\d+) and reserved (\d+)$`, w.variantHas)
	ctx.Step(`^I (reserve|release|confirm deduction of|restock) (\d+) of "([^"]*)"$`, w.iApply)
	ctx.Step(`^(\d+) carts concurrently reserve (\d+) of "([^"]*)"$`, w.concurrentlyReserve)
	ctx.Step(`^(\d+) carts concurrently release (\d+) of "([^"]*)"$`, w.concurrentlyRelease)
	ctx.Step(`^(\d+) reservations succeed$`, w.reservationsSucceed)
	ctx.Step(`^(\d+) reservations fail with "([^"]*)"$`, w.reservationsFailWith)
	ctx.Step(`^the released quantities are (\d+) and (\d+)$`, w.theReleasedQuantitiesAre)
	ctx.Step(`^the operation outcome is "([^"]*)"$`, w.theOperationOutcomeIs)
	ctx.Step(`^the confirmation reports out of stock "(true|false)" and active "(true|false)"$`, w.theConfirmationReports)
	ctx.Step(`^product "([^"]*)" eventually has sold count (\d+)$`, w.productHasSoldCount)
	ctx.Step(`^checking availability of (\d+) of "([^"]*)" reports unavailable$`, w.checkingReportsUnavailable)
	ctx.Step(`^I check bulk availability for:$`, w.iCheckBulkAvailability)
	ctx.Step(`^the bulk results are:$`, w.theBulkResultsAre)
}

func (w *ledgerWorld) aCleanStockLedger() error {
	w.repo = infrastructure.NewMemoryLedgerRepository()
	m := metrics.New(prometheus.NewRegistry())
	w.rollup = application.NewSoldCountRollup(w.repo, m, 1, 16, time.Second)
	w.rollup.Start()
	w.svc = application.NewService(w.repo, keylock.New(time.Second), nil, nil, w.rollup,
		noop.NewTracerProvider().Tracer("features"), m, application.Options{})
	return nil
}

// variantHas 作为 Given 时建行，作为 Then 时校验。
func (w *ledgerWorld) variantHas(variantID string, quantity, reserved int64) error {
	ctx := context.Background()
	v, err := w.repo.Find(ctx, variantID)
	if err == nil {
		if v.Quantity != quantity || v.ReservedQuantity != reserved {
			return fmt.Errorf("variant %s: expected %d/%d, got %d/%d", variantID, quantity, reserved, v.Quantity, v.ReservedQuantity)
		}
		return v.CheckInvariant()
	}

	v, err = domain.NewVariant(variantID, "p-"+variantID, "Product "+variantID, 1)
	if err != nil {
		return err
	}
	v.Quantity = quantity
	v.ReservedQuantity = reserved
	v.IsActive = quantity > 0
	return w.repo.Create(ctx, v)
}

func (w *ledgerWorld) iApply(operation string, quantity int64, variantID string) error {
	ctx := context.Background()
	var err error
	switch operation {
	case "reserve":
		var res *application.ReserveResult
		res, err = w.svc.Reserve(ctx, variantID, quantity)
		w.outcome = res.Outcome
	case "release":
		var res *application.ReleaseResult
		res, err = w.svc.Release(ctx, variantID, quantity)
		w.outcome = res.Outcome
	case "confirm deduction of":
		w.confirm, err = w.svc.ConfirmDeduction(ctx, variantID, quantity)
		w.outcome = w.confirm.Outcome
	case "restock":
		var res *application.VariantResult
		res, err = w.svc.Restock(ctx, variantID, quantity)
		w.outcome = res.Outcome
	}
	if domain.OutcomeOf(err) != w.outcome {
		return fmt.Errorf("result outcome %q does not match error %v", w.outcome, err)
	}
	return nil
}

func (w *ledgerWorld) concurrentlyReserve(carts int, quantity int64, variantID string) error {
	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	for i := 0; i < carts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, _ := w.svc.Reserve(context.Background(), variantID, quantity)
			mu.Lock()
			w.outcomes = append(w.outcomes, res.Outcome)
			mu.Unlock()
		}()
	}
	wg.Wait()
	return nil
}

func (w *ledgerWorld) concurrentlyRelease(carts int, quantity int64, variantID string) error {
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)
	for i := 0; i < carts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := w.svc.Release(context.Background(), variantID, quantity)
			mu.Lock()
			defer mu.Unlock()
			if err != nil && firstErr == nil {
				firstErr = err
			}
			w.released = append(w.released, res.ReleasedQuantity)
		}()
	}
	wg.Wait()
	return firstErr
}

func (w *ledgerWorld) countOutcomes(outcome domain.Outcome) int {
	n := 0
	for _, o := range w.outcomes {
		if o == outcome {
			n++
		}
	}
	return n
}

func (w *ledgerWorld) reservationsSucceed(expected int) error {
	if got := w.countOutcomes(domain.OutcomeSuccess); got != expected {
		return fmt.Errorf("expected %d successful reservations, got %d", expected, got)
	}
	return nil
}

func (w *ledgerWorld) reservationsFailWith(expected int, outcome string) error {
	if got := w.countOutcomes(domain.Outcome(outcome)); got != expected {
		return fmt.Errorf("expected %d reservations with %s, got %d", expected, outcome, got)
	}
	return nil
}

func (w *ledgerWorld) theReleasedQuantitiesAre(a, b int64) error {
	got := append([]int64(nil), w.released...)
	sort.Slice(got, func(i, j int) bool { return got[i] > got[j] })
	want := []int64{a, b}
	sort.Slice(want, func(i, j int) bool { return want[i] > want[j] })
	if len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		return fmt.Errorf("expected released %v, got %v", want, got)
	}
	return nil
}

func (w *ledgerWorld) theOperationOutcomeIs(outcome string) error {
	if string(w.outcome) != outcome {
		return fmt.Errorf("expected outcome %q, got %q", outcome, w.outcome)
	}
	return nil
}

func (w *ledgerWorld) theConfirmationReports(outOfStock, active string) error {
	if w.confirm == nil {
		return fmt.Errorf("no confirmation was made")
	}
	if strconv.FormatBool(w.confirm.IsOutOfStock) != outOfStock || strconv.FormatBool(w.confirm.IsActive) != active {
		return fmt.Errorf("expected outOfStock=%s active=%s, got %+v", outOfStock, active, w.confirm)
	}
	return nil
}

func (w *ledgerWorld) productHasSoldCount(productID string, expected int64) error {
	w.rollup.Stop()
	if got := w.repo.SoldCount(productID); got != expected {
		return fmt.Errorf("expected sold count %d for %s, got %d", expected, productID, got)
	}
	return nil
}

func (w *ledgerWorld) checkingReportsUnavailable(quantity int64, variantID string) error {
	res, err := w.svc.CheckAvailability(context.Background(), variantID, quantity)
	if err != nil {
		return err
	}
	if res.IsAvailable || res.AvailableQuantity != 0 {
		return fmt.Errorf("expected %s to be unavailable, got %+v", variantID, res)
	}
	return nil
}

func (w *ledgerWorld) iCheckBulkAvailability(table *godog.Table) error {
	var items []application.BulkItem
	for _, row := range table.Rows[1:] {
		q, err := strconv.ParseInt(row.Cells[1].Value, 10, 64)
		if err != nil {
			return err
		}
		items = append(items, application.BulkItem{VariantID: row.Cells[0].Value, Quantity: q})
	}
	w.bulk = w.svc.CheckBulkAvailability(context.Background(), items)
	return nil
}

func (w *ledgerWorld) theBulkResultsAre(table *godog.Table) error {
	rows := table.Rows[1:]
	if len(rows) != len(w.bulk) {
		return fmt.Errorf("expected %d results, got %d", len(rows), len(w.bulk))
	}
	for i, row := range rows {
		got := w.bulk[i]
		want := []string{
			row.Cells[0].Value, row.Cells[1].Value, row.Cells[2].Value, row.Cells[3].Value,
		}
		actual := []string{
			got.VariantID,
			strconv.FormatInt(got.AvailableQuantity, 10),
			strconv.FormatBool(got.IsAvailable),
			got.ProductName,
		}
		for j := range want {
			if want[j] != actual[j] {
				return fmt.Errorf("row %d: expected %v, got %v", i, want, actual)
			}
		}
	}
	return nil
}
