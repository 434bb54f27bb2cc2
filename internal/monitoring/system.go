package monitoring

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// SystemSnapshot is one reading of host and process resources.
type SystemSnapshot struct {
	CPUPercent    float64   `json:"cpuPercent"`
	HostMemoryPct float64   `json:"hostMemoryPercent"`
	HeapMB        float64   `json:"heapMB"`
	Goroutines    int       `json:"goroutines"`
	SampledAt     time.Time `json:"sampledAt"`
}

// SystemSampler tracks CPU and memory usage for health and stats reports.
// CPU is smoothed with an exponential moving average to avoid spikes.
type SystemSampler struct {
	mu     sync.RWMutex
	last   SystemSnapshot
	alpha  float64
	logger zerolog.Logger
}

func NewSystemSampler(logger zerolog.Logger) *SystemSampler {
	return &SystemSampler{
		alpha:  0.3,
		logger: logger.With().Str("component", "system_sampler").Logger(),
	}
}

// Sample takes one reading. cpu.Percent with a zero interval compares
// against the previous call, so the first sample after start may read 0.
func (s *SystemSampler) Sample() SystemSnapshot {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	snap := SystemSnapshot{
		HeapMB:     float64(ms.HeapAlloc) / (1024 * 1024),
		Goroutines: runtime.NumGoroutine(),
		SampledAt:  time.Now(),
	}

	if vm, err := mem.VirtualMemory(); err == nil {
		snap.HostMemoryPct = vm.UsedPercent
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		if s.last.CPUPercent == 0 {
			snap.CPUPercent = percents[0]
		} else {
			snap.CPUPercent = s.alpha*percents[0] + (1-s.alpha)*s.last.CPUPercent
		}
	} else {
		snap.CPUPercent = s.last.CPUPercent
	}

	s.last = snap
	return snap
}

// Last returns the most recent reading without sampling.
func (s *SystemSampler) Last() SystemSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.last
}

// Run samples every interval until ctx is cancelled.
func (s *SystemSampler) Run(ctx context.Context, interval time.Duration) {
	defer RecoverPanic(s.logger, "systemSampler", nil)

	s.Sample()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			snap := s.Sample()
			s.logger.Debug().
				Float64("cpu_percent", snap.CPUPercent).
				Float64("heap_mb", snap.HeapMB).
				Int("goroutines", snap.Goroutines).
				Msg("System sample")
		case <-ctx.Done():
			return
		}
	}
}
