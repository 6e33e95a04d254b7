package supervisor

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// TaskStats aggregates every run of one named task.
type TaskStats struct {
	Name        string        `json:"name"`
	Running     bool          `json:"running"`
	Starts      uint64        `json:"starts"`
	Restarts    uint64        `json:"restarts"`
	Panics      uint64        `json:"panics"`
	LastStart   time.Time     `json:"last_start,omitzero"`
	LastStop    time.Time     `json:"last_stop,omitzero"`
	LastErr     string        `json:"last_err,omitempty"`
	LastPanic   string        `json:"last_panic,omitempty"`
	LastRuntime time.Duration `json:"last_runtime"`
	Uptime      time.Duration `json:"uptime"`
}

type Snapshot struct {
	Active     int64       `json:"active"`
	Started    uint64      `json:"started"`
	FirstError string      `json:"first_error,omitempty"`
	Tasks      []TaskStats `json:"tasks"`
}

type taskStats struct {
	mu sync.Mutex
	TaskStats
}

func (s *Supervisor) stats(name string) *taskStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.tasks[name]
	if !ok {
		st = &taskStats{TaskStats: TaskStats{Name: name}}
		s.tasks[name] = st
	}
	return st
}

func (t *taskStats) begin(restart bool) time.Time {
	now := time.Now()
	t.mu.Lock()
	t.Running = true
	t.Starts++
	if restart {
		t.Restarts++
	}
	t.LastStart = now
	t.mu.Unlock()
	return now
}

func (t *taskStats) end(startedAt time.Time, err error) {
	now := time.Now()
	t.mu.Lock()
	t.Running = false
	t.LastStop = now
	t.LastRuntime = now.Sub(startedAt)
	t.Uptime += t.LastRuntime
	if err != nil {
		t.LastErr = err.Error()
	}
	t.mu.Unlock()
}

func (t *taskStats) panicked(p any) {
	t.mu.Lock()
	t.Panics++
	t.LastPanic = fmt.Sprint(p)
	t.mu.Unlock()
}

// Snapshot lists running tasks first, then by name.
func (s *Supervisor) Snapshot() Snapshot {
	if s == nil {
		return Snapshot{}
	}
	snap := Snapshot{Active: s.active.Load(), Started: s.started.Load()}
	if err := s.Err(); err != nil {
		snap.FirstError = err.Error()
	}
	s.mu.Lock()
	tasks := make([]*taskStats, 0, len(s.tasks))
	for _, t := range s.tasks {
		tasks = append(tasks, t)
	}
	s.mu.Unlock()

	snap.Tasks = make([]TaskStats, 0, len(tasks))
	for _, t := range tasks {
		t.mu.Lock()
		snap.Tasks = append(snap.Tasks, t.TaskStats)
		t.mu.Unlock()
	}
	sort.Slice(snap.Tasks, func(i, j int) bool {
		a, b := snap.Tasks[i], snap.Tasks[j]
		if a.Running != b.Running {
			return a.Running
		}
		return a.Name < b.Name
	})
	return snap
}
