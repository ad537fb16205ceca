package application

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"nexus-stock/internal/pkg/logger"
	"nexus-stock/internal/pkg/metrics"
	"nexus-stock/internal/service/inventory/domain"
)

// Rollup 接收确认扣减后的商品销量累加任务。
type Rollup interface {
	Enqueue(ctx context.Context, productID string, delta int64)
}

type rollupJob struct {
	ctx       context.Context
	productID string
	delta     int64
}

// SoldCountRollup 用固定数量的 worker 异步累加商品销量。
// 入队不阻塞，队列满时丢弃并计数；失败只记录日志，不回滚库存扣减。
type SoldCountRollup struct {
	counter domain.SoldCounter
	metrics *metrics.Metrics
	workers int
	timeout time.Duration

	mu     sync.RWMutex
	jobs   chan rollupJob
	closed bool
	group  *errgroup.Group
}

func NewSoldCountRollup(counter domain.SoldCounter, m *metrics.Metrics, workers, queueSize int, timeout time.Duration) *SoldCountRollup {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = 1024
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &SoldCountRollup{
		counter: counter,
		metrics: m,
		workers: workers,
		timeout: timeout,
		jobs:    make(chan rollupJob, queueSize),
	}
}

// Start 启动 worker。worker 在 Stop 后处理完队列中剩余的任务再退出。
func (r *SoldCountRollup) Start() {
	r.group = new(errgroup.Group)
	for i := 0; i < r.workers; i++ {
		r.group.Go(func() error {
			for job := range r.jobs {
				r.process(job)
			}
			return nil
		})
	}
}

func (r *SoldCountRollup) Enqueue(ctx context.Context, productID string, delta int64) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	l := logger.Ctx(ctx).With().Str("product_id", productID).Int64("delta", delta).Logger()
	if r.closed {
		r.metrics.RollupDropped.Inc()
		l.Warn().Msg("sold count rollup is stopped, increment dropped")
		return
	}

	select {
	case r.jobs <- rollupJob{ctx: context.WithoutCancel(ctx), productID: productID, delta: delta}:
	default:
		r.metrics.RollupDropped.Inc()
		l.Warn().Msg("sold count rollup queue is full, increment dropped")
	}
}

func (r *SoldCountRollup) process(job rollupJob) {
	ctx, cancel := context.WithTimeout(job.ctx, r.timeout)
	defer cancel()

	if err := r.counter.IncrementSold(ctx, job.productID, job.delta); err != nil {
		r.metrics.RollupFailures.Inc()
		logger.Ctx(ctx).Error().Err(err).
			Str("product_id", job.productID).
			Int64("delta", job.delta).
			Msg("failed to roll up product sold count")
	}
}

// Stop 停止接收新任务并等待队列排空。
func (r *SoldCountRollup) Stop() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	close(r.jobs)
	r.mu.Unlock()

	if r.group != nil {
		_ = r.group.Wait()
	}
}
