// Package clock provides the node's monotonic time source and the
// cooperative, single-threaded task scheduler described in spec §4.1 (C1).
//
// A single `for { select }` loop, driven by one ticker, runs a small
// fixed set of named cadences (transport-tick, measurement-tick,
// heartbeat-tick, actuator-loop) rather than a priority heap of
// arbitrary-interval polls.
package clock

import (
	"context"
	"time"
)

// Clock is the monotonic-milliseconds counter spec §4.1 requires. The
// default implementation anchors to process start so arithmetic never
// observes wall-clock jumps (NTP step, timezone change).
type Clock interface {
	NowMs() int64
}

type monotonic struct{ start time.Time }

// NewMonotonic returns a Clock anchored to the instant it is constructed.
func NewMonotonic() Clock {
	return &monotonic{start: time.Now()}
}

func (m *monotonic) NowMs() int64 { return time.Since(m.start).Milliseconds() }

// TaskFunc is a cooperative unit of work. It MUST be non-blocking at scale
// (spec §4.1: "< 50 ms typical") — the scheduler has no preemption, so a
// slow task delays every other task and the watchdog feed for that cycle.
type TaskFunc func(now int64)

type task struct {
	name   string
	period time.Duration // 0 => run every base tick
	lastMs int64
	fn     TaskFunc
}

// Scheduler is the cooperative single-threaded event loop. One base tick
// drives every registered task; tasks with period 0 fire every tick
// (transport-tick, actuator-loop); others fire when their cadence elapses
// (measurement-tick, heartbeat-tick, health-tick).
type Scheduler struct {
	clock    Clock
	base     time.Duration
	watchdog func()
	tasks    []*task
}

// New constructs a Scheduler. base is the loop's tick resolution — the
// granularity at which period-0 tasks run and cadence tasks are checked.
// watchdog is invoked exactly once per loop iteration (spec §5: "A
// watchdog callback MUST be invoked at least every 10 s during normal
// operation"); pass a no-op if none is wired yet.
func New(c Clock, base time.Duration, watchdog func()) *Scheduler {
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	if watchdog == nil {
		watchdog = func() {}
	}
	return &Scheduler{clock: c, base: base, watchdog: watchdog}
}

// Register adds a named cadence. period==0 means "every base tick" (used
// for transport-tick and actuator-loop, spec §4.1). Registration order is
// preserved as execution order within a single tick.
func (s *Scheduler) Register(name string, period time.Duration, fn TaskFunc) {
	s.tasks = append(s.tasks, &task{name: name, period: period, fn: fn})
}

// Run drives the loop until ctx is cancelled. Each iteration: feed the
// watchdog, then run every task whose cadence is due. A task can only be
// skipped for the current cycle (spec §4.1: "there is no preemption") —
// Run never spawns goroutines per task, so a blocking task stalls the
// whole loop — tasks must stay non-blocking by construction.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.base)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick()
		}
	}
}

func (s *Scheduler) tick() {
	now := s.clock.NowMs()
	s.watchdog()
	for _, t := range s.tasks {
		if t.period == 0 || now-t.lastMs >= t.period.Milliseconds() {
			t.lastMs = now
			t.fn(now)
		}
	}
}

// RunOnce executes one tick synchronously (no watchdog gating on a real
// ticker). It exists for tests that need deterministic single-step
// control over the loop instead of waiting on wall-clock ticks.
func (s *Scheduler) RunOnce() {
	s.tick()
}
