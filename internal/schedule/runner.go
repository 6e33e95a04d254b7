// Package schedule runs named periodic jobs on robfig/cron.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	logx "chatrelay/pkg/logx"
)

type Job func(ctx context.Context) error

type entry struct {
	name    string
	spec    Spec
	timeout time.Duration
	job     Job
	id      cron.EntryID
	running atomic.Bool
	runs    atomic.Uint64
	fails   atomic.Uint64
	skipped atomic.Uint64
}

// Runner owns a cron instance. Jobs may be added before or after Start; a
// job still running when its next tick fires is skipped.
type Runner struct {
	mu      sync.Mutex
	log     logx.Logger
	loc     *time.Location
	parser  cron.Parser
	c       *cron.Cron
	ctx     context.Context
	cancel  context.CancelFunc
	entries map[string]*entry
	wg      sync.WaitGroup
}

// EntryStats is a point-in-time view of one job.
type EntryStats struct {
	Name    string    `json:"name"`
	Spec    string    `json:"spec"`
	Next    time.Time `json:"next,omitzero"`
	Runs    uint64    `json:"runs"`
	Fails   uint64    `json:"fails"`
	Skipped uint64    `json:"skipped"`
	Running bool      `json:"running"`
}

func New(log logx.Logger, loc *time.Location) *Runner {
	if log.IsZero() {
		log = logx.Nop()
	}
	if loc == nil {
		loc = time.Local
	}
	return &Runner{
		log: log,
		loc: loc,
		// SecondOptional accepts both 5 and 6 field specs.
		parser:  cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		entries: map[string]*entry{},
	}
}

// Add registers job under name, replacing any job with the same name.
// timeout <= 0 means the job runs until the runner stops.
func (r *Runner) Add(name, raw string, timeout time.Duration, job Job) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("schedule: name required")
	}
	if job == nil {
		return errors.New("schedule: job required")
	}
	sp, err := Parse(raw)
	if err != nil {
		return err
	}
	if _, err := r.parser.Parse(sp.Expr()); err != nil {
		return fmt.Errorf("schedule %s: %w", name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(name)
	e := &entry{name: name, spec: sp, timeout: timeout, job: job}
	r.entries[name] = e
	if r.c != nil {
		return r.registerLocked(e)
	}
	return nil
}

func (r *Runner) Remove(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removeLocked(name)
}

func (r *Runner) removeLocked(name string) bool {
	e, ok := r.entries[name]
	if !ok {
		return false
	}
	if r.c != nil && e.id != 0 {
		r.c.Remove(e.id)
	}
	delete(r.entries, name)
	return true
}

func (r *Runner) registerLocked(e *entry) error {
	id, err := r.c.AddFunc(e.spec.Expr(), func() { r.fire(e) })
	if err != nil {
		r.log.Error("schedule register failed", logx.String("name", e.name), logx.String("spec", e.spec.Expr()), logx.Err(err))
		return err
	}
	e.id = id
	r.log.Debug("schedule registered",
		logx.String("name", e.name),
		logx.String("spec", e.spec.Expr()),
		logx.Time("next", r.c.Entry(id).Next),
	)
	return nil
}

// Start begins triggering. ctx bounds every job run.
func (r *Runner) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.c != nil {
		return
	}
	r.ctx, r.cancel = context.WithCancel(ctx)
	r.c = cron.New(cron.WithParser(r.parser), cron.WithLocation(r.loc))
	for _, e := range r.entries {
		_ = r.registerLocked(e)
	}
	r.c.Start()
	r.log.Info("scheduler started", logx.String("tz", r.loc.String()), logx.Int("jobs", len(r.entries)))
}

// Stop halts triggering, cancels running jobs and waits for them or ctx.
func (r *Runner) Stop(ctx context.Context) {
	r.mu.Lock()
	c, cancel := r.c, r.cancel
	r.c, r.cancel, r.ctx = nil, nil, nil
	for _, e := range r.entries {
		e.id = 0
	}
	r.mu.Unlock()
	if c == nil {
		return
	}
	cancel()

	done := make(chan struct{})
	go func() {
		<-c.Stop().Done()
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		r.log.Info("scheduler stopped")
	case <-ctx.Done():
		r.log.Warn("scheduler stop timed out", logx.Err(ctx.Err()))
	}
}

// RunNow triggers name immediately, outside its schedule.
func (r *Runner) RunNow(name string) bool {
	r.mu.Lock()
	e, ok := r.entries[name]
	started := r.c != nil
	r.mu.Unlock()
	if !ok || !started {
		return false
	}
	go r.fire(e)
	return true
}

func (r *Runner) fire(e *entry) {
	if !e.running.CompareAndSwap(false, true) {
		e.skipped.Add(1)
		r.log.Debug("schedule skipped, still running", logx.String("name", e.name))
		return
	}
	defer e.running.Store(false)

	r.mu.Lock()
	parent := r.ctx
	if parent == nil {
		r.mu.Unlock()
		return
	}
	r.wg.Add(1)
	r.mu.Unlock()
	defer r.wg.Done()

	ctx := parent
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(parent, e.timeout)
		defer cancel()
	}

	start := time.Now()
	err := func() (err error) {
		defer func() {
			if rec := recover(); rec != nil {
				err = fmt.Errorf("panic: %v", rec)
			}
		}()
		return e.job(ctx)
	}()
	e.runs.Add(1)
	if err != nil {
		e.fails.Add(1)
		r.log.Warn("scheduled job failed", logx.String("name", e.name), logx.Duration("took", time.Since(start)), logx.Err(err))
		return
	}
	if r.log.Enabled(logx.LevelDebug) {
		r.log.Debug("scheduled job done", logx.String("name", e.name), logx.Duration("took", time.Since(start)))
	}
}

func (r *Runner) Snapshot() []EntryStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EntryStats, 0, len(r.entries))
	for _, e := range r.entries {
		st := EntryStats{
			Name:    e.name,
			Spec:    e.spec.Expr(),
			Runs:    e.runs.Load(),
			Fails:   e.fails.Load(),
			Skipped: e.skipped.Load(),
			Running: e.running.Load(),
		}
		if r.c != nil && e.id != 0 {
			st.Next = r.c.Entry(e.id).Next
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
