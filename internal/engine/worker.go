package engine

import (
	"context"
	"errors"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/rendis/agentflow/internal/logging"
)

// PoolMetrics is a snapshot of WorkerPool counters.
type PoolMetrics struct {
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Panics    int64 `json:"panics"`
}

// ErrPoolShutdown is returned when work is submitted to a shut-down pool.
var ErrPoolShutdown = errors.New("execution pool is shut down")

// WorkerPool bounds how many execution loops run at once. Each admitted
// loop gets its own goroutine.
type WorkerPool struct {
	slots  chan struct{}
	logger *slog.Logger

	// gate orders Submit's wg.Add before Shutdown's wg.Wait.
	gate     sync.RWMutex
	closed   bool
	stopping chan struct{}
	wg       sync.WaitGroup

	active, completed, failed, panics atomic.Int64
}

// NewWorkerPool creates a pool running at most size loops at once.
func NewWorkerPool(size int, logger *slog.Logger) *WorkerPool {
	return &WorkerPool{
		slots:    make(chan struct{}, max(size, 1)),
		stopping: make(chan struct{}),
		logger:   logging.OrDiscard(logger),
	}
}

// Size returns the pool capacity.
func (p *WorkerPool) Size() int {
	return cap(p.slots)
}

// Submit blocks until a slot frees up, then runs fn on a new goroutine. ctx
// bounds only the wait: fn gets a context without ctx's cancellation, as an
// execution outlives the call that started it.
func (p *WorkerPool) Submit(ctx context.Context, fn func(ctx context.Context) error) error {
	select {
	case <-p.stopping:
		return ErrPoolShutdown
	default:
	}

	select {
	case p.slots <- struct{}{}:
	case <-p.stopping:
		return ErrPoolShutdown
	case <-ctx.Done():
		return ctx.Err()
	}

	p.gate.RLock()
	if p.closed {
		p.gate.RUnlock()
		<-p.slots
		return ErrPoolShutdown
	}
	p.wg.Add(1)
	p.gate.RUnlock()

	p.active.Add(1)
	go p.run(context.WithoutCancel(ctx), fn)
	return nil
}

func (p *WorkerPool) run(ctx context.Context, fn func(ctx context.Context) error) {
	defer func() {
		if r := recover(); r != nil {
			p.panics.Add(1)
			p.failed.Add(1)
			p.logger.ErrorContext(ctx, "execution loop panicked",
				slog.Any("panic", r), slog.String("stack", string(debug.Stack())))
		}
		p.active.Add(-1)
		<-p.slots
		p.wg.Done()
	}()

	if err := fn(ctx); err != nil {
		p.failed.Add(1)
		return
	}
	p.completed.Add(1)
}

// Wait blocks until all submitted work completes.
func (p *WorkerPool) Wait() {
	p.wg.Wait()
}

// Shutdown rejects new work and waits for running loops to return.
// Repeated calls are no-ops apart from the wait.
func (p *WorkerPool) Shutdown() {
	p.gate.Lock()
	if !p.closed {
		p.closed = true
		close(p.stopping)
	}
	p.gate.Unlock()
	p.wg.Wait()
}

// Metrics returns a snapshot of the pool counters.
func (p *WorkerPool) Metrics() PoolMetrics {
	return PoolMetrics{
		Active:    p.active.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Panics:    p.panics.Load(),
	}
}

var (
	poolActiveDesc = prometheus.NewDesc(metricsNamespace+"_pool_active_loops",
		"Execution loops currently holding a pool slot", nil, nil)
	poolSizeDesc = prometheus.NewDesc(metricsNamespace+"_pool_size",
		"Execution pool capacity", nil, nil)
	poolLoopsDesc = prometheus.NewDesc(metricsNamespace+"_pool_loops_total",
		"Execution loops finished by the pool, by outcome", []string{"outcome"}, nil)
)

// Describe implements prometheus.Collector.
func (p *WorkerPool) Describe(ch chan<- *prometheus.Desc) {
	ch <- poolActiveDesc
	ch <- poolSizeDesc
	ch <- poolLoopsDesc
}

// Collect implements prometheus.Collector.
func (p *WorkerPool) Collect(ch chan<- prometheus.Metric) {
	m := p.Metrics()
	ch <- prometheus.MustNewConstMetric(poolActiveDesc, prometheus.GaugeValue, float64(m.Active))
	ch <- prometheus.MustNewConstMetric(poolSizeDesc, prometheus.GaugeValue, float64(p.Size()))
	ch <- prometheus.MustNewConstMetric(poolLoopsDesc, prometheus.CounterValue, float64(m.Completed), "completed")
	ch <- prometheus.MustNewConstMetric(poolLoopsDesc, prometheus.CounterValue, float64(m.Failed-m.Panics), "failed")
	ch <- prometheus.MustNewConstMetric(poolLoopsDesc, prometheus.CounterValue, float64(m.Panics), "panicked")
}

var _ prometheus.Collector = (*WorkerPool)(nil)
