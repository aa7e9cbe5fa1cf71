package async

import (
	"fmt"
	"runtime"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/teranos/kairos/errors"
)

// memoryPressurePercent is the memory utilization above which Start warns
const memoryPressurePercent = 90.0

// SystemMetrics tracks resource usage for worker pool monitoring
type SystemMetrics struct {
	WorkersActive int     `json:"workers_active"`  // Slots currently executing jobs
	WorkersTotal  int     `json:"workers_total"`   // Configured slots
	Abandoned     int     `json:"abandoned"`       // Payloads still running past timeout + grace
	MemoryUsedGB  float64 `json:"memory_used_gb"`  // Current memory usage in GB
	MemoryTotalGB float64 `json:"memory_total_gb"` // Total system memory in GB
	MemoryPercent float64 `json:"memory_percent"`  // Memory utilization percentage
	JobsQueued    int     `json:"jobs_queued"`     // Scheduled jobs waiting to fire
	JobsRunning   int     `json:"jobs_running"`    // Jobs enqueued or processing
}

// DefaultWorkers returns the number of logical CPUs, the default slot count
func DefaultWorkers() int {
	n, err := cpu.Counts(true)
	if err != nil || n < 1 {
		return runtime.NumCPU()
	}
	return n
}

// getMemoryStats returns current memory usage in bytes
func getMemoryStats() (total uint64, available uint64, err error) {
	v, err := mem.VirtualMemory()
	if err != nil {
		return 0, 0, errors.Wrap(err, "failed to get memory stats")
	}
	return v.Total, v.Available, nil
}

// SystemMetrics returns slot usage and current system memory
func (wp *WorkerPool) SystemMetrics() SystemMetrics {
	m := SystemMetrics{
		WorkersActive: wp.Active(),
		WorkersTotal:  wp.Workers(),
		Abandoned:     wp.Abandoned(),
	}

	total, available, err := getMemoryStats()
	if err == nil && total > 0 {
		m.MemoryTotalGB = float64(total) / 1024 / 1024 / 1024
		m.MemoryUsedGB = float64(total-available) / 1024 / 1024 / 1024
		m.MemoryPercent = (m.MemoryUsedGB / m.MemoryTotalGB) * 100
	}
	return m
}

// checkMemoryPressure returns a warning when system memory is nearly exhausted,
// or an empty string if memory is fine or cannot be read
func (wp *WorkerPool) checkMemoryPressure() string {
	m := wp.SystemMetrics()
	if m.MemoryTotalGB == 0 || m.MemoryPercent < memoryPressurePercent {
		return ""
	}
	return fmt.Sprintf(
		"Memory at %.0f%% (%.1f/%.1fGB) with %d workers. Consider reducing workers to prevent memory pressure.",
		m.MemoryPercent, m.MemoryUsedGB, m.MemoryTotalGB, m.WorkersTotal)
}
