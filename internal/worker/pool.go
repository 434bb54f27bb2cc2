// Package worker runs fire-and-forget background work on a fixed set of
// goroutines. Persistence writes, fanout publishes and analytics sinks go
// through a Pool so a slow dependency cannot stall a session's read loop.
package worker

import (
	"context"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// Task is one unit of background work. The context is the one passed to
// Start.
type Task func(ctx context.Context)

// Pool is a fixed set of workers draining a bounded queue.
//
// Submit never blocks: when the queue is full the task is dropped and
// counted. A panicking task is logged and the worker keeps running.
type Pool struct {
	name    string
	workers int
	tasks   chan Task
	logger  zerolog.Logger

	stop     chan struct{}
	stopOnce sync.Once
	stopped  atomic.Bool
	wg       sync.WaitGroup

	executed atomic.Int64
	dropped  atomic.Int64
	panics   atomic.Int64

	// OnPanic, if set, is called after a task panic is recovered.
	OnPanic func(name string, recovered any)
}

// New returns a pool with the given worker count and queue capacity.
func New(name string, workers, queueSize int, logger zerolog.Logger) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = workers * 100
	}
	return &Pool{
		name:    name,
		workers: workers,
		tasks:   make(chan Task, queueSize),
		logger:  logger.With().Str("pool", name).Logger(),
		stop:    make(chan struct{}),
	}
}

// Start launches the workers. They exit when ctx is done or Stop is called.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.work(ctx)
	}
}

func (p *Pool) work(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case t := <-p.tasks:
			p.run(ctx, t)
		case <-p.stop:
			// Finish what is already queued.
			for {
				select {
				case t := <-p.tasks:
					p.run(ctx, t)
				default:
					return
				}
			}
		case <-ctx.Done():
			return
		}
	}
}

func (p *Pool) run(ctx context.Context, t Task) {
	if t == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			p.panics.Add(1)
			p.logger.Error().
				Interface("panic_value", r).
				Str("stack_trace", string(debug.Stack())).
				Msg("Worker panic recovered")
			if p.OnPanic != nil {
				p.OnPanic(p.name, r)
			}
		}
	}()
	t(ctx)
	p.executed.Add(1)
}

// Submit queues t and reports whether it was accepted.
func (p *Pool) Submit(t Task) bool {
	if p.stopped.Load() {
		p.dropped.Add(1)
		return false
	}
	select {
	case p.tasks <- t:
		return true
	default:
		p.dropped.Add(1)
		return false
	}
}

// Stop rejects new work, runs what is queued and waits for the workers.
// Safe to call more than once.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() {
		p.stopped.Store(true)
		close(p.stop)
	})
	p.wg.Wait()
}

type Stats struct {
	Workers  int   `json:"workers"`
	Queued   int   `json:"queued"`
	Capacity int   `json:"capacity"`
	Executed int64 `json:"executed"`
	Dropped  int64 `json:"dropped"`
	Panics   int64 `json:"panics"`
}

func (p *Pool) Stats() Stats {
	return Stats{
		Workers:  p.workers,
		Queued:   len(p.tasks),
		Capacity: cap(p.tasks),
		Executed: p.executed.Load(),
		Dropped:  p.dropped.Load(),
		Panics:   p.panics.Load(),
	}
}
