package gateway

import (
	"context"
	"fmt"
	"hash/fnv"

	"github.com/rs/zerolog"

	"github.com/CavellTopDev/pitchey-app-sub004/internal/worker"
)

// asyncPool runs store, bus and audit calls off the read loops. Work is
// striped by key onto single-worker pools so tasks submitted for the
// same session run in submission order.
type asyncPool struct {
	stripes []*worker.Pool
}

func newAsyncPool(stripes, queueSize int, logger zerolog.Logger) *asyncPool {
	p := &asyncPool{stripes: make([]*worker.Pool, stripes)}
	for i := range p.stripes {
		p.stripes[i] = worker.New(fmt.Sprintf("async-%d", i), 1, queueSize, logger)
	}
	return p
}

func (p *asyncPool) Start(ctx context.Context) {
	for _, w := range p.stripes {
		w.Start(ctx)
	}
}

// Submit reports false when the stripe for key is full or stopped.
func (p *asyncPool) Submit(key string, task worker.Task) bool {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return p.stripes[h.Sum32()%uint32(len(p.stripes))].Submit(task)
}

func (p *asyncPool) Stop() {
	for _, w := range p.stripes {
		w.Stop()
	}
}

func (p *asyncPool) Stats() worker.Stats {
	var total worker.Stats
	for _, w := range p.stripes {
		s := w.Stats()
		total.Workers += s.Workers
		total.Queued += s.Queued
		total.Capacity += s.Capacity
		total.Executed += s.Executed
		total.Dropped += s.Dropped
		total.Panics += s.Panics
	}
	return total
}
