// Package breaker is the Circuit Breaker (C5): a generic CLOSED/OPEN/
// HALF_OPEN guard used by both the link layer and the transport layer,
// plus the out-of-band server-processing call (spec §4.5, §4.8).
//
// Built on github.com/sony/gobreaker's TwoStepCircuitBreaker: its
// Allow()/done(success) split matches the "ask permission, then report
// the outcome separately" shape this package needs, rather than the
// single-call Execute() wrapper the same library also offers.
//
// gobreaker has no native notion of "a HALF_OPEN probe that times out
// without ever reporting a result" (spec §4.5's third HALF_OPEN row) —
// it only reacts to an explicit success/failure report. Breaker adds a
// thin supervision layer that remembers the single outstanding probe's
// done callback and, if AllowRequest is called again after
// probe_timeout_ms with no result yet, retires that probe as a failure
// itself before evaluating the next request.
package breaker

import (
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// State mirrors spec §3's circuit-breaker state enum.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func fromGobreaker(s gobreaker.State) State {
	switch s {
	case gobreaker.StateOpen:
		return Open
	case gobreaker.StateHalfOpen:
		return HalfOpen
	default:
		return Closed
	}
}

// Config is the immutable configuration block of spec §3's circuit
// breaker state record.
type Config struct {
	Name             string
	FailureThreshold uint32
	OpenTimeout      time.Duration
	ProbeTimeout     time.Duration
}

// Link and Transport are the two named instances spec §4.5 requires.
func Link() Config {
	return Config{Name: "link", FailureThreshold: 10, OpenTimeout: 60 * time.Second, ProbeTimeout: 15 * time.Second}
}

func Transport() Config {
	return Config{Name: "transport", FailureThreshold: 5, OpenTimeout: 30 * time.Second, ProbeTimeout: 10 * time.Second}
}

// ServerProcessing is the C8 out-of-band processing call's own instance
// (spec §4.8: "separate instance, threshold 3, open 60 s").
func ServerProcessing() Config {
	return Config{Name: "server-processing", FailureThreshold: 3, OpenTimeout: 60 * time.Second, ProbeTimeout: 10 * time.Second}
}

// Breaker wraps a gobreaker.TwoStepCircuitBreaker with probe-timeout
// supervision.
type Breaker struct {
	cfg Config
	cb  *gobreaker.TwoStepCircuitBreaker

	mu             sync.Mutex
	stateEnteredAt time.Time
	probeOutstanding bool
	probeDone        func(bool)
}

// New constructs a Breaker from cfg.
func New(cfg Config) *Breaker {
	b := &Breaker{cfg: cfg, stateEnteredAt: time.Now()}
	b.cb = gobreaker.NewTwoStepCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: 1,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			b.mu.Lock()
			defer b.mu.Unlock()
			b.stateEnteredAt = time.Now()
			if to != gobreaker.StateHalfOpen {
				b.probeOutstanding = false
				b.probeDone = nil
			}
		},
	})
	return b
}

// State reports the current breaker state.
func (b *Breaker) State() State { return fromGobreaker(b.cb.State()) }

// AllowRequest is consulted before every outbound attempt (spec §4.5).
// It returns false if the request is denied; otherwise it returns a
// report callback the caller MUST invoke exactly once with the outcome.
func (b *Breaker) AllowRequest() (bool, func(success bool)) {
	b.expireStaleProbe()

	done, err := b.cb.Allow()
	if err != nil {
		return false, func(bool) {}
	}

	b.mu.Lock()
	isHalfOpen := b.cb.State() == gobreaker.StateHalfOpen
	if isHalfOpen {
		b.probeOutstanding = true
		b.probeDone = done
	}
	b.mu.Unlock()

	return true, func(success bool) {
		b.mu.Lock()
		if b.probeOutstanding && isHalfOpen {
			b.probeOutstanding = false
			b.probeDone = nil
		}
		b.mu.Unlock()
		done(success)
	}
}

// expireStaleProbe retires an outstanding HALF_OPEN probe as a failure
// if probe_timeout_ms has elapsed without a result (spec §4.5 third
// HALF_OPEN row).
func (b *Breaker) expireStaleProbe() {
	b.mu.Lock()
	if !b.probeOutstanding || time.Since(b.stateEnteredAt) < b.cfg.ProbeTimeout {
		b.mu.Unlock()
		return
	}
	done := b.probeDone
	b.probeOutstanding = false
	b.probeDone = nil
	b.mu.Unlock()

	if done != nil {
		done(false)
	}
}
