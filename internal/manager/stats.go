package manager

import (
	"sort"

	"github.com/shirou/gopsutil/v3/process"
)

// WorkerStats is a point-in-time snapshot of one worker process.
type WorkerStats struct {
	AccountName  string  `json:"account_name"`
	PID          int     `json:"pid"`
	CPUPercent   float64 `json:"cpu_percent"`
	RSSBytes     uint64  `json:"rss_bytes"`
	RunningRunID string  `json:"running_run_id,omitempty"`
	RunningTask  string  `json:"running_task,omitempty"`
}

// Stats samples every live worker. Process inspection failures zero the
// corresponding fields rather than dropping the worker from the snapshot.
func (m *Manager) Stats() []WorkerStats {
	m.mu.Lock()
	out := make([]WorkerStats, 0, len(m.workers))
	for account, h := range m.workers {
		if !h.alive() {
			continue
		}
		out = append(out, WorkerStats{
			AccountName:  account,
			PID:          h.pid,
			RunningRunID: m.currentRunByAccount[account],
			RunningTask:  m.currentTaskByAccount[account],
		})
	}
	m.mu.Unlock()

	for i := range out {
		p, err := process.NewProcess(int32(out[i].PID))
		if err != nil {
			continue
		}
		if cpu, err := p.CPUPercent(); err == nil {
			out[i].CPUPercent = cpu
		}
		if mem, err := p.MemoryInfo(); err == nil && mem != nil {
			out[i].RSSBytes = mem.RSS
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].AccountName < out[j].AccountName })
	return out
}
