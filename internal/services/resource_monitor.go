package services

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// ResourceSnapshot captures host and process usage at a point in time
type ResourceSnapshot struct {
	Timestamp     time.Time `json:"timestamp"`
	CPUPercent    float64   `json:"cpu_percent"`
	MemoryPercent float64   `json:"memory_percent"`
	MemoryUsedMB  float64   `json:"memory_used_mb"`
	Goroutines    int       `json:"goroutines"`
	HeapAllocMB   float64   `json:"heap_alloc_mb"`
}

// Fields returns the snapshot as log fields.
func (s ResourceSnapshot) Fields() map[string]interface{} {
	return map[string]interface{}{
		"cpu_percent":    s.CPUPercent,
		"memory_percent": s.MemoryPercent,
		"memory_used_mb": s.MemoryUsedMB,
		"goroutines":     s.Goroutines,
		"heap_alloc_mb":  s.HeapAllocMB,
	}
}

// ResourceMonitor samples resource usage for the statistics worker and
// keeps a short history of samples.
type ResourceMonitor struct {
	mu         sync.RWMutex
	history    []ResourceSnapshot
	maxHistory int

	cpuPercent func(ctx context.Context) (float64, error)
	virtualMem func(ctx context.Context) (*mem.VirtualMemoryStat, error)
}

// NewResourceMonitor creates a monitor backed by gopsutil.
func NewResourceMonitor() *ResourceMonitor {
	return &ResourceMonitor{
		maxHistory: 12,
		cpuPercent: func(ctx context.Context) (float64, error) {
			// non-blocking: usage since the previous call
			values, err := cpu.PercentWithContext(ctx, 0, false)
			if err != nil || len(values) == 0 {
				return 0, err
			}
			return values[0], nil
		},
		virtualMem: mem.VirtualMemoryWithContext,
	}
}

// Sample collects a snapshot. Host metrics that cannot be read are left
// at zero; the Go runtime metrics are always filled.
func (m *ResourceMonitor) Sample(ctx context.Context) ResourceSnapshot {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	snap := ResourceSnapshot{
		Timestamp:   time.Now(),
		Goroutines:  runtime.NumGoroutine(),
		HeapAllocMB: float64(ms.HeapAlloc) / 1024 / 1024,
	}
	if pct, err := m.cpuPercent(ctx); err == nil {
		snap.CPUPercent = round2(pct)
	}
	if vm, err := m.virtualMem(ctx); err == nil && vm != nil {
		snap.MemoryPercent = round2(vm.UsedPercent)
		snap.MemoryUsedMB = round2(float64(vm.Used) / 1024 / 1024)
	}

	m.mu.Lock()
	m.history = append(m.history, snap)
	if len(m.history) > m.maxHistory {
		m.history = m.history[len(m.history)-m.maxHistory:]
	}
	m.mu.Unlock()

	return snap
}

// History returns a copy of the recent samples, oldest first.
func (m *ResourceMonitor) History() []ResourceSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]ResourceSnapshot, len(m.history))
	copy(out, m.history)
	return out
}
