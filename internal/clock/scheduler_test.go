package clock

import (
	"context"
	"testing"
	"time"
)

type fakeClock struct{ ms int64 }

func (f *fakeClock) NowMs() int64 { return f.ms }

func TestRegisterPeriodZeroRunsEveryTick(t *testing.T) {
	fc := &fakeClock{}
	s := New(fc, time.Millisecond, nil)
	calls := 0
	s.Register("transport-tick", 0, func(int64) { calls++ })

	for i := 0; i < 5; i++ {
		fc.ms += 10
		s.RunOnce()
	}
	if calls != 5 {
		t.Fatalf("expected 5 calls, got %d", calls)
	}
}

func TestRegisterHonoursPeriod(t *testing.T) {
	fc := &fakeClock{}
	s := New(fc, time.Millisecond, nil)
	calls := 0
	s.Register("measurement-tick", 30*time.Millisecond, func(int64) { calls++ })

	for i := 0; i < 3; i++ {
		fc.ms += 10
		s.RunOnce()
	}
	if calls != 1 {
		t.Fatalf("expected 1 call at t=30ms (fires on the tick that reaches the period), got %d", calls)
	}

	fc.ms += 29
	s.RunOnce()
	if calls != 1 {
		t.Fatalf("expected still 1 call before period elapses again, got %d", calls)
	}

	fc.ms += 1
	s.RunOnce()
	if calls != 2 {
		t.Fatalf("expected 2nd call once period elapses again, got %d", calls)
	}
}

func TestWatchdogFedEveryTick(t *testing.T) {
	fc := &fakeClock{}
	fed := 0
	s := New(fc, time.Millisecond, func() { fed++ })
	s.Register("noop", 0, func(int64) {})

	for i := 0; i < 4; i++ {
		s.RunOnce()
	}
	if fed != 4 {
		t.Fatalf("expected watchdog fed 4 times, got %d", fed)
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	fc := &fakeClock{}
	s := New(fc, time.Millisecond, nil)
	done := make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		s.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}
