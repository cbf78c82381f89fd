// Package async provides a bounded worker pool for background jobs.
package async

import (
	"context"
	"fmt"
	"sync"

	"github.com/glowback/gateway/errs"
	"github.com/glowback/gateway/internal/observability"
)

// Job is a unit of background work executed by a pool worker.
type Job func(context.Context)

// Pool runs jobs on a fixed set of workers. Submit applies backpressure:
// once the queue is full it fails instead of blocking the caller.
type Pool struct {
	ctx    context.Context
	cancel context.CancelFunc
	jobs   chan Job
	wg     sync.WaitGroup
	once   sync.Once
}

// NewPool creates a pool with the given worker count and queue depth.
func NewPool(workers, queue int) (*Pool, error) {
	if workers <= 0 {
		return nil, errs.New("async", errs.CodeInvalid, errs.WithMessage("workers must be positive"))
	}
	if queue < 0 {
		queue = 0
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		ctx:    ctx,
		cancel: cancel,
		jobs:   make(chan Job, queue),
	}
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	return p, nil
}

// Submit queues fn for execution. It returns CodeUnavailable when the pool
// is closed or every worker is busy and the queue is full.
func (p *Pool) Submit(fn Job) error {
	if fn == nil {
		return errs.New("async", errs.CodeInvalid, errs.WithMessage("job must not be nil"))
	}
	p.wg.Add(1)
	select {
	case <-p.ctx.Done():
		p.wg.Done()
		return errs.New("async", errs.CodeUnavailable, errs.WithMessage("pool closed"))
	case p.jobs <- fn:
		return nil
	default:
		p.wg.Done()
		return errs.New("async", errs.CodeUnavailable, errs.WithMessage("pool at capacity"))
	}
}

// Shutdown stops accepting jobs and waits for in-flight work to finish or
// the context to expire.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.once.Do(func() {
		p.cancel()
		close(p.jobs)
	})
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return fmt.Errorf("pool shutdown: %w", ctx.Err())
	case <-done:
		return nil
	}
}

func (p *Pool) worker() {
	for fn := range p.jobs {
		p.run(fn)
	}
}

func (p *Pool) run(fn Job) {
	defer p.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			observability.Log().Error("background job panicked",
				observability.Field{Key: "panic", Value: fmt.Sprint(r)},
			)
		}
	}()
	fn(p.ctx)
}
