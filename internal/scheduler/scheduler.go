// Package scheduler is a single-process cooperative task scheduler: callers
// register named functions on a cadence, and a tick loop starts due work
// subject to a global concurrency cap plus singleton/heavy exclusivity.
//
// Registered tasks run in their own goroutine, isolated from the tick loop
// by a child context; a misbehaving task (LLM-call hang, spider stall)
// cannot block the scheduler itself. There is no OS-subprocess boundary —
// a goroutine cannot be force-killed — so "hard kill" here means the
// scheduler stops waiting on the task and reschedules it; the orphaned
// goroutine exits on its own once it notices ctx.Done().
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ignite/leadgen-engine/internal/pkg/distlock"
	"github.com/ignite/leadgen-engine/internal/pkg/logger"
)

// Func is a scheduled unit of work. It must honor ctx cancellation.
type Func func(ctx context.Context) error

// TaskSpec registers one piece of recurring work.
type TaskSpec struct {
	Name      string // unique
	Fn        Func
	Every     time.Duration
	Timeout   time.Duration // 0 disables the per-run deadline
	Singleton bool          // at most one instance of this task running at a time
	Heavy     bool          // while running, blocks every other task from starting
	Priority  int           // lower runs first among tasks due in the same tick
}

// LockFactory builds a distributed lock for a singleton task name. Set it
// when more than one engine process shares the same schedule, so a
// singleton task runs on exactly one instance rather than one per process.
type LockFactory func(taskName string) distlock.DistLock

// Config tunes the tick loop itself.
type Config struct {
	TickInterval  time.Duration // default 500ms
	MaxConcurrent int           // default 8
	KillGrace     time.Duration // default 2s
	LockFactory   LockFactory   // nil: singleton is enforced in-process only
}

func (c Config) withDefaults() Config {
	if c.TickInterval <= 0 {
		c.TickInterval = 500 * time.Millisecond
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 8
	}
	if c.KillGrace <= 0 {
		c.KillGrace = 2 * time.Second
	}
	return c
}

type taskResult struct {
	name     string
	err      error
	duration time.Duration
}

type taskState struct {
	spec         TaskSpec
	nextRunAt    time.Time
	running      bool
	startedAt    time.Time
	cancel       context.CancelFunc
	lock         distlock.DistLock
	killDeadline time.Time
	killSignaled bool
	lastErr      error
	lastRunAt    time.Time
	runCount     int64
	errCount     int64
}

// Stats is a point-in-time snapshot of one task, for introspection surfaces.
type Stats struct {
	Name      string
	Running   bool
	NextRunAt time.Time
	LastRunAt time.Time
	LastErr   string
	RunCount  int64
	ErrCount  int64
}

// Scheduler is the tick loop and task registry. Zero value is not usable;
// construct with New.
type Scheduler struct {
	cfg     Config
	mu      sync.Mutex
	tasks   map[string]*taskState
	results chan taskResult
}

func New(cfg Config) *Scheduler {
	return &Scheduler{
		cfg:     cfg.withDefaults(),
		tasks:   make(map[string]*taskState),
		results: make(chan taskResult, 64),
	}
}

// Register adds a task to the schedule, due immediately on the next tick.
func (s *Scheduler) Register(spec TaskSpec) error {
	if spec.Name == "" {
		return fmt.Errorf("scheduler: task name required")
	}
	if spec.Fn == nil {
		return fmt.Errorf("scheduler: task %q has no function", spec.Name)
	}
	if spec.Every <= 0 {
		return fmt.Errorf("scheduler: task %q has no cadence", spec.Name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tasks[spec.Name]; exists {
		return fmt.Errorf("scheduler: task %q already registered", spec.Name)
	}
	s.tasks[spec.Name] = &taskState{spec: spec, nextRunAt: time.Now()}
	return nil
}

// Run blocks, ticking until ctx is cancelled. A panic inside the tick
// bookkeeping itself is recovered and logged — per-task panics are already
// isolated in runTask — so the ticker never dies.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.safeTick(ctx)
		}
	}
}

func (s *Scheduler) safeTick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("scheduler tick panicked", "recover", fmt.Sprintf("%v", r))
		}
	}()
	s.reapFinished()
	s.enforceTimeouts()
	s.startDue(ctx)
}

// reapFinished drains completed task results without blocking and
// reschedules each one for its next cadence.
func (s *Scheduler) reapFinished() {
	for {
		select {
		case res := <-s.results:
			s.mu.Lock()
			st, ok := s.tasks[res.name]
			if ok {
				st.running = false
				st.cancel = nil
				st.killSignaled = false
				if st.lock != nil {
					_ = st.lock.Release(context.Background())
					st.lock = nil
				}
				st.lastRunAt = time.Now()
				st.nextRunAt = st.lastRunAt.Add(st.spec.Every)
				st.runCount++
				st.lastErr = res.err
				if res.err != nil {
					st.errCount++
				}
			}
			s.mu.Unlock()
			if res.err != nil {
				logger.Warn("scheduler task failed", "task", res.name, "err", res.err, "duration", res.duration)
			} else {
				logger.Debug("scheduler task ok", "task", res.name, "duration", res.duration)
			}
		default:
			return
		}
	}
}

// enforceTimeouts signals cancellation to tasks past their deadline, then
// stops waiting on (but does not forcibly end) tasks past the kill grace.
func (s *Scheduler) enforceTimeouts() {
	now := time.Now()
	var abandoned []string

	s.mu.Lock()
	for name, st := range s.tasks {
		if !st.running || st.spec.Timeout <= 0 {
			continue
		}
		deadline := st.startedAt.Add(st.spec.Timeout)
		if !st.killSignaled && now.After(deadline) {
			st.killSignaled = true
			st.killDeadline = now.Add(s.cfg.KillGrace)
			if st.cancel != nil {
				st.cancel()
			}
			logger.Warn("scheduler task timed out, cancel signaled", "task", name, "timeout", st.spec.Timeout)
			continue
		}
		if st.killSignaled && now.After(st.killDeadline) {
			abandoned = append(abandoned, name)
			st.running = false
			st.cancel = nil
			st.killSignaled = false
			// Don't call Release here: the orphaned goroutine may still be
			// holding the lock. It expires on its own via the lock's TTL
			// (Redis) or the dropped DB session (Postgres advisory lock).
			st.lock = nil
			st.errCount++
			st.lastErr = fmt.Errorf("killed after timeout grace period")
			st.lastRunAt = now
			st.nextRunAt = now.Add(st.spec.Every)
		}
	}
	s.mu.Unlock()

	for _, name := range abandoned {
		logger.Error("scheduler task abandoned past kill grace, rescheduled", "task", name)
	}
}

// startDue starts tasks whose cadence has elapsed, in (priority, name)
// order, honoring the concurrency cap, singleton, and heavy exclusivity.
func (s *Scheduler) startDue(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.heavyRunningLocked() {
		return
	}

	running := s.runningCountLocked()
	for _, name := range s.dueTasksSortedLocked() {
		if running >= s.cfg.MaxConcurrent {
			return
		}
		st := s.tasks[name]
		if st.running {
			continue
		}
		if st.spec.Singleton && s.cfg.LockFactory != nil {
			lock := s.cfg.LockFactory(name)
			acquired, err := lock.Acquire(ctx)
			if err != nil {
				logger.Warn("scheduler singleton lock acquire failed", "task", name, "err", err)
				continue
			}
			if !acquired {
				// Another process instance is already running this
				// singleton task; leave it due and try again next tick.
				continue
			}
			st.lock = lock
		}
		s.startTaskLocked(ctx, st)
		running++
		if st.spec.Heavy {
			// Heavy tasks run exclusively: once one starts, nothing else
			// starts this tick even if slots remain.
			return
		}
	}
}

func (s *Scheduler) heavyRunningLocked() bool {
	for _, st := range s.tasks {
		if st.spec.Heavy && st.running {
			return true
		}
	}
	return false
}

func (s *Scheduler) runningCountLocked() int {
	n := 0
	for _, st := range s.tasks {
		if st.running {
			n++
		}
	}
	return n
}

func (s *Scheduler) dueTasksSortedLocked() []string {
	now := time.Now()
	var due []string
	for name, st := range s.tasks {
		if !st.running && !now.Before(st.nextRunAt) {
			due = append(due, name)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		a, b := s.tasks[due[i]], s.tasks[due[j]]
		if a.spec.Priority != b.spec.Priority {
			return a.spec.Priority < b.spec.Priority
		}
		return due[i] < due[j]
	})
	return due
}

func (s *Scheduler) startTaskLocked(ctx context.Context, st *taskState) {
	// Timeout is enforced cooperatively by enforceTimeouts (it calls this
	// same cancel func), not via context.WithTimeout, so that the kill
	// grace window is tracked against one clock in one place.
	childCtx, cancel := context.WithCancel(ctx)
	st.running = true
	st.startedAt = time.Now()
	st.cancel = cancel

	name := st.spec.Name
	fn := st.spec.Fn
	results := s.results
	go func() {
		started := time.Now()
		err := runTaskSafely(childCtx, fn)
		select {
		case results <- taskResult{name: name, err: err, duration: time.Since(started)}:
		case <-time.After(5 * time.Second):
			// Results channel backed up; drop rather than leak the goroutine
			// forever. reapFinished will eventually catch up via the kill
			// grace path logging an abandoned task on the next relevant tick.
			logger.Error("scheduler results channel full, dropping result", "task", name)
		}
	}()
}

// runTaskSafely recovers a panicking task so one bad Fn can never kill the
// scheduler loop, matching the "scheduler loop exceptions are caught and
// logged; the ticker never dies" failure policy.
func runTaskSafely(ctx context.Context, fn Func) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(ctx)
}

// Stats returns a snapshot of every registered task, for a /stats surface.
func (s *Scheduler) Stats() []Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Stats, 0, len(s.tasks))
	for name, st := range s.tasks {
		var lastErr string
		if st.lastErr != nil {
			lastErr = st.lastErr.Error()
		}
		out = append(out, Stats{
			Name:      name,
			Running:   st.running,
			NextRunAt: st.nextRunAt,
			LastRunAt: st.lastRunAt,
			LastErr:   lastErr,
			RunCount:  st.runCount,
			ErrCount:  st.errCount,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
