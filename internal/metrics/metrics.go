// Package metrics samples per-process system resource usage (CPU%,
// memory MB, memory percent) via gopsutil, feeding the adaptive quality
// controller's PerformanceMetrics input. The teacher imports gopsutil/v3
// for its own daemon resource accounting; here one process-wide Sampler
// is shared by every session.
package metrics

import (
	"os"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/prats-2311/story-sign-sub001/internal/logging"
)

// Sample is one point-in-time system reading.
type Sample struct {
	CPUPercent    float64
	MemoryMB      float64
	MemoryPercent float64
	Timestamp     time.Time
}

// Sampler periodically reads process-wide CPU/memory usage. Cheap to
// share across all sessions in a process — gopsutil's CPU% call is not
// free, so one Sampler feeds every session rather than one per client.
type Sampler struct {
	proc *process.Process

	mu   sync.RWMutex
	last Sample
}

// NewSampler opens a handle on the current process.
func NewSampler() (*Sampler, error) {
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, err
	}
	return &Sampler{proc: p}, nil
}

// Run samples at the given interval until stop is closed. Intended to run
// as one background goroutine for the life of the server.
func (s *Sampler) Run(stop <-chan struct{}, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.sampleOnce()
		}
	}
}

func (s *Sampler) sampleOnce() {
	cpuPct, err := s.proc.CPUPercent()
	if err != nil {
		logging.Debugw("metrics: cpu sample failed", "error", err)
		cpuPct = 0
	}

	memInfo, err := s.proc.MemoryInfo()
	var memMB float64
	if err != nil {
		logging.Debugw("metrics: memory sample failed", "error", err)
	} else if memInfo != nil {
		memMB = float64(memInfo.RSS) / (1024 * 1024)
	}

	memPct, err := s.proc.MemoryPercent()
	if err != nil {
		logging.Debugw("metrics: memory percent sample failed", "error", err)
		memPct = 0
	}

	s.mu.Lock()
	s.last = Sample{CPUPercent: cpuPct, MemoryMB: memMB, MemoryPercent: float64(memPct), Timestamp: time.Now()}
	s.mu.Unlock()
}

// Latest returns the most recent sample. Before the first tick it
// returns a zero-valued Sample with a zero Timestamp.
func (s *Sampler) Latest() Sample {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.last
}
