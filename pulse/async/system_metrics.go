package async

import (
	"context"

	"github.com/shirou/gopsutil/v3/mem"

	"github.com/teranos/pulsejob/errors"
	"github.com/teranos/pulsejob/pulse/jobstore"
)

// Status is a snapshot of executor occupancy, stored jobs and host memory.
type Status struct {
	ExecutorID    string                `json:"executor_id"`
	Running       bool                  `json:"running"`
	WorkersBusy   int                   `json:"workers_busy"`
	WorkersTotal  int                   `json:"workers_total"`
	Jobs          map[jobstore.Kind]int `json:"jobs"`
	Handlers      []string              `json:"handlers"`
	MemoryUsedGB  float64               `json:"memory_used_gb"`
	MemoryTotalGB float64               `json:"memory_total_gb"`
	MemoryPercent float64               `json:"memory_percent"`
}

// getMemoryStats returns total and available memory in bytes.
func getMemoryStats() (total uint64, available uint64, err error) {
	v, err := mem.VirtualMemory()
	if err != nil {
		return 0, 0, errors.Wrap(err, "failed to get memory stats")
	}
	return v.Total, v.Available, nil
}

// Status returns current executor and store statistics. Memory figures are
// zero when the host does not report them.
func (e *Executor) Status(ctx context.Context) (Status, error) {
	counts, err := e.store.CountByKind(ctx)
	if err != nil {
		return Status{}, err
	}

	s := Status{
		ExecutorID:   e.cfg.ExecutorID,
		Running:      e.Running(),
		WorkersBusy:  e.pool.Busy(),
		WorkersTotal: e.pool.Size(),
		Jobs:         counts,
		Handlers:     e.registry.Types(),
	}

	if total, available, err := getMemoryStats(); err == nil && total > 0 {
		const gb = 1024 * 1024 * 1024
		s.MemoryTotalGB = float64(total) / gb
		s.MemoryUsedGB = float64(total-available) / gb
		s.MemoryPercent = s.MemoryUsedGB / s.MemoryTotalGB * 100
	}

	e.metrics.observeStatus(s)
	return s, nil
}
