package analytics

import (
	"sort"
	"sync"
	"time"
)

// reservoir keeps the most recent n latency samples.
type reservoir struct {
	mu      sync.Mutex
	samples []time.Duration
	next    int
	full    bool
}

func newReservoir(n int) *reservoir {
	if n <= 0 {
		n = 1000
	}
	return &reservoir{samples: make([]time.Duration, n)}
}

func (r *reservoir) add(d time.Duration) {
	r.mu.Lock()
	r.samples[r.next] = d
	r.next++
	if r.next == len(r.samples) {
		r.next = 0
		r.full = true
	}
	r.mu.Unlock()
}

// LatencySummary describes the current latency sample.
type LatencySummary struct {
	Count int           `json:"count"`
	Avg   time.Duration `json:"avg"`
	P50   time.Duration `json:"p50"`
	P95   time.Duration `json:"p95"`
	P99   time.Duration `json:"p99"`
	Max   time.Duration `json:"max"`
}

func (r *reservoir) summary() LatencySummary {
	r.mu.Lock()
	n := r.next
	if r.full {
		n = len(r.samples)
	}
	sorted := make([]time.Duration, n)
	copy(sorted, r.samples[:n])
	r.mu.Unlock()

	if n == 0 {
		return LatencySummary{}
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var sum time.Duration
	for _, d := range sorted {
		sum += d
	}
	at := func(p float64) time.Duration {
		i := int(p*float64(n)+0.5) - 1
		if i < 0 {
			i = 0
		}
		if i >= n {
			i = n - 1
		}
		return sorted[i]
	}
	return LatencySummary{
		Count: n,
		Avg:   sum / time.Duration(n),
		P50:   at(0.50),
		P95:   at(0.95),
		P99:   at(0.99),
		Max:   sorted[n-1],
	}
}
