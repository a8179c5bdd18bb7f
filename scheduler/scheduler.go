// Package scheduler runs named recurring tasks on a fixed tick, strictly
// sequentially and in registration order. It is deliberately fail-open: a
// frozen task is logged and detached, never backed off or locked out, so a
// single stuck API call cannot silence the whole polling surface.
package scheduler

import (
	"context"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/onnwee/channelwatch/telemetry"
)

const (
	// DefaultTick is the scheduler heartbeat.
	DefaultTick = 10 * time.Second

	// DefaultTaskTimeout is the per-task hard deadline before a task is
	// declared frozen and detached.
	DefaultTaskTimeout = 10 * time.Minute

	// minLoadedTokens is how many credentials must be usable before any task
	// runs at all.
	minLoadedTokens = 2
)

// Result is what a task body returns. State=true marks a completed run;
// State=false re-arms the task for the next tick. Opts replaces the carried
// opts either way when non-nil. Disable retires the task until restart.
type Result struct {
	State   bool
	Opts    map[string]any
	Disable bool
}

// TaskFunc is one task body. opts is the carry map from the previous run;
// tasks use it for warn-once flags and cross-run state.
type TaskFunc func(ctx context.Context, opts map[string]any) Result

// TokenCounter reports how many credentials are currently usable.
type TokenCounter interface {
	LoadedTokens() int
}

type task struct {
	name      string
	interval  time.Duration
	fn        TaskFunc
	lastRunAt time.Time
	disabled  bool
	opts      map[string]any
}

// Scheduler owns the task registry and the tick loop.
type Scheduler struct {
	tokens      TokenCounter
	tick        time.Duration
	taskTimeout time.Duration

	mu    sync.Mutex
	tasks []*task

	now func() time.Time
}

// New builds a scheduler. Zero durations take the defaults.
func New(tokens TokenCounter, tick, taskTimeout time.Duration) *Scheduler {
	if tick <= 0 {
		tick = DefaultTick
	}
	if taskTimeout <= 0 {
		taskTimeout = DefaultTaskTimeout
	}
	return &Scheduler{
		tokens:      tokens,
		tick:        tick,
		taskTimeout: taskTimeout,
		now:         time.Now,
	}
}

// Register adds a task. Registration order is execution order. A task with
// zero lastRunAt is due on the first eligible tick.
func (s *Scheduler) Register(name string, interval time.Duration, fn TaskFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = append(s.tasks, &task{
		name:     name,
		interval: interval,
		fn:       fn,
		opts:     make(map[string]any),
	})
}

// Run blocks on the tick loop until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunTick(ctx)
		}
	}
}

// RunTick executes one scheduler pass: every due task, sequentially.
func (s *Scheduler) RunTick(ctx context.Context) {
	if s.tokens != nil && s.tokens.LoadedTokens() < minLoadedTokens {
		return
	}
	for _, t := range s.snapshotTasks() {
		select {
		case <-ctx.Done():
			return
		default:
		}
		s.mu.Lock()
		due := !t.disabled && (t.lastRunAt.IsZero() || s.now().Sub(t.lastRunAt) >= t.interval)
		s.mu.Unlock()
		if due {
			s.runTask(ctx, t)
		}
	}
}

func (s *Scheduler) snapshotTasks() []*task {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*task, len(s.tasks))
	copy(out, s.tasks)
	return out
}

// runTask executes one task body with the hard deadline. On timeout the task
// keeps running detached; its late result is discarded, lastRunAt stays put,
// and the task is due again next tick.
func (s *Scheduler) runTask(ctx context.Context, t *task) {
	s.mu.Lock()
	opts := t.opts
	s.mu.Unlock()

	ctx, span := telemetry.StartSpan(ctx, "scheduler", "task "+t.name, telemetry.TaskAttr(t.name))
	defer span.End()

	start := s.now()
	resCh := make(chan Result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("task panicked",
					slog.String("task", t.name),
					slog.Any("panic", r),
					slog.String("stack", string(debug.Stack())))
				resCh <- Result{State: true, Opts: opts}
			}
		}()
		resCh <- t.fn(ctx, opts)
	}()

	timer := time.NewTimer(s.taskTimeout)
	defer timer.Stop()
	select {
	case res := <-resCh:
		s.apply(t, res, start)
	case <-timer.C:
		slog.Warn("task frozen, detaching", slog.String("task", t.name), slog.Duration("deadline", s.taskTimeout))
		if telemetry.TaskTimeouts != nil {
			telemetry.TaskTimeouts.Inc()
		}
		telemetry.ObserveTask(t.name, "timeout", s.now().Sub(start))
	case <-ctx.Done():
	}
}

func (s *Scheduler) apply(t *task, res Result, start time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if res.Opts != nil {
		t.opts = res.Opts
	}
	outcome := "ok"
	switch {
	case res.Disable:
		t.disabled = true
		outcome = "disabled"
		slog.Warn("task disabled until restart", slog.String("task", t.name))
	case res.State:
		t.lastRunAt = s.now()
	default:
		// Incomplete run: due again on the very next tick.
		t.lastRunAt = time.Time{}
		outcome = "retry"
	}
	telemetry.ObserveTask(t.name, outcome, s.now().Sub(start))
}

// TaskStatus is one registry entry as exposed by the status endpoint.
type TaskStatus struct {
	Name      string        `json:"name"`
	Interval  time.Duration `json:"interval"`
	LastRunAt time.Time     `json:"last_run_at"`
	Disabled  bool          `json:"disabled"`
}

// Snapshot returns the registry in registration order.
func (s *Scheduler) Snapshot() []TaskStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TaskStatus, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, TaskStatus{Name: t.name, Interval: t.interval, LastRunAt: t.lastRunAt, Disabled: t.disabled})
	}
	return out
}
