package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

type fixedTokens int

func (f fixedTokens) LoadedTokens() int { return int(f) }

func TestRunTickSkipsWithoutTokens(t *testing.T) {
	s := New(fixedTokens(1), time.Second, time.Second)
	var runs int32
	s.Register("poll", 0, func(ctx context.Context, opts map[string]any) Result {
		atomic.AddInt32(&runs, 1)
		return Result{State: true}
	})

	s.RunTick(context.Background())
	if got := atomic.LoadInt32(&runs); got != 0 {
		t.Errorf("task ran %d times with 1 token, want 0", got)
	}
}

func TestRunTickRegistrationOrder(t *testing.T) {
	s := New(fixedTokens(2), time.Second, time.Second)
	var order []string
	for _, name := range []string{"streams", "followers", "subscribers"} {
		name := name
		s.Register(name, 0, func(ctx context.Context, opts map[string]any) Result {
			order = append(order, name)
			return Result{State: true}
		})
	}

	s.RunTick(context.Background())
	if len(order) != 3 || order[0] != "streams" || order[1] != "followers" || order[2] != "subscribers" {
		t.Errorf("execution order = %v", order)
	}
}

func TestResultStateControlsDueness(t *testing.T) {
	s := New(fixedTokens(2), time.Second, time.Second)
	var runs int32
	state := true
	s.Register("poll", time.Hour, func(ctx context.Context, opts map[string]any) Result {
		atomic.AddInt32(&runs, 1)
		return Result{State: state}
	})

	// Completed run: one hour interval means not due on the next tick.
	s.RunTick(context.Background())
	s.RunTick(context.Background())
	if got := atomic.LoadInt32(&runs); got != 1 {
		t.Fatalf("runs after completed pass = %d, want 1", got)
	}

	// Incomplete run re-arms immediately.
	s2 := New(fixedTokens(2), time.Second, time.Second)
	runs = 0
	state = false
	s2.Register("poll", time.Hour, func(ctx context.Context, opts map[string]any) Result {
		atomic.AddInt32(&runs, 1)
		return Result{State: state}
	})
	s2.RunTick(context.Background())
	s2.RunTick(context.Background())
	if got := atomic.LoadInt32(&runs); got != 2 {
		t.Errorf("runs after incomplete pass = %d, want 2", got)
	}
}

func TestDisablePersistsUntilRestart(t *testing.T) {
	s := New(fixedTokens(2), time.Second, time.Second)
	var runs int32
	s.Register("broken", 0, func(ctx context.Context, opts map[string]any) Result {
		atomic.AddInt32(&runs, 1)
		return Result{Disable: true}
	})

	s.RunTick(context.Background())
	s.RunTick(context.Background())
	s.RunTick(context.Background())
	if got := atomic.LoadInt32(&runs); got != 1 {
		t.Errorf("disabled task ran %d times, want 1", got)
	}
	snap := s.Snapshot()
	if len(snap) != 1 || !snap[0].Disabled {
		t.Errorf("snapshot = %+v, want disabled", snap)
	}
}

func TestOptsCarryAcrossRuns(t *testing.T) {
	s := New(fixedTokens(2), time.Second, time.Second)
	var seen []int
	s.Register("carry", 0, func(ctx context.Context, opts map[string]any) Result {
		n, _ := opts["count"].(int)
		seen = append(seen, n)
		return Result{State: false, Opts: map[string]any{"count": n + 1}}
	})

	for i := 0; i < 3; i++ {
		s.RunTick(context.Background())
	}
	if len(seen) != 3 || seen[0] != 0 || seen[1] != 1 || seen[2] != 2 {
		t.Errorf("carried counts = %v", seen)
	}
}

func TestPanicTreatedAsCompletedRun(t *testing.T) {
	s := New(fixedTokens(2), time.Hour, time.Second)
	var runs int32
	s.Register("panics", time.Hour, func(ctx context.Context, opts map[string]any) Result {
		atomic.AddInt32(&runs, 1)
		panic("boom")
	})

	s.RunTick(context.Background())
	s.RunTick(context.Background())
	if got := atomic.LoadInt32(&runs); got != 1 {
		t.Errorf("panicking task ran %d times, want 1 (completed-run semantics)", got)
	}
	snap := s.Snapshot()
	if snap[0].LastRunAt.IsZero() {
		t.Error("lastRunAt not advanced after recovered panic")
	}
}

func TestFrozenTaskDetachesWithoutAdvancing(t *testing.T) {
	s := New(fixedTokens(2), time.Second, 20*time.Millisecond)
	release := make(chan struct{})
	var runs int32
	s.Register("frozen", time.Hour, func(ctx context.Context, opts map[string]any) Result {
		atomic.AddInt32(&runs, 1)
		<-release
		return Result{State: true}
	})

	done := make(chan struct{})
	go func() {
		s.RunTick(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("tick did not detach from frozen task")
	}
	// lastRunAt untouched means due again next tick.
	if !s.Snapshot()[0].LastRunAt.IsZero() {
		t.Error("lastRunAt advanced for a frozen task")
	}
	s.RunTick(context.Background())
	close(release)
	if got := atomic.LoadInt32(&runs); got != 2 {
		t.Errorf("frozen task started %d times, want 2 (no lockout)", got)
	}
}
