// Package errlog is the Error Ledger (C7): a bounded ring of the last 50
// errors with dedup/occurrence counting against the last 5 entries,
// forwarded to the structured log sink (spec §4.7).
//
// Every fallible operation elsewhere in the core returns a result and
// logs through this ledger rather than panicking or returning a bare
// error up the stack (spec §7). The ring/dedup mechanism is a plain
// bounded-slice implementation; the logging leg forwards to
// go.uber.org/zap.
package errlog

import (
	"sync"

	"go.uber.org/zap"

	"github.com/jangala-dev/nodecore/errcode"
)

// Severity is the error record's severity (spec §3).
type Severity string

const (
	Warning  Severity = "warning"
	Error    Severity = "error"
	Critical Severity = "critical"
)

// Entry is the error record of spec §3.
type Entry struct {
	MonotonicTS     int64
	Code            errcode.Code
	Severity        string
	Message         string
	OccurrenceCount int
}

const (
	ringSize  = 50
	dedupScan = 5
)

// Ledger is the Error Ledger (C7).
type Ledger struct {
	mu        sync.Mutex
	log       *zap.SugaredLogger
	nowMs     func() int64
	ring      [ringSize]Entry
	writeIdx  int
	filled    int
}

// New constructs a Ledger. nowMs supplies monotonic milliseconds (the
// clock package's Clock.NowMs); log is the forward-to-sink target.
func New(log *zap.SugaredLogger, nowMs func() int64) *Ledger {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Ledger{log: log, nowMs: nowMs}
}

// Track records an error occurrence (spec §4.7): scans the ring's last
// 5 entries for a matching (code, message) pair, bumping its occurrence
// count if found; otherwise writes a new entry at the write index and
// advances, wrapping at ringSize. Always forwards to the log sink.
func (l *Ledger) Track(code errcode.Code, severity string, message string) {
	now := int64(0)
	if l.nowMs != nil {
		now = l.nowMs()
	}

	l.mu.Lock()
	for i := 0; i < dedupScan && i < l.filled; i++ {
		idx := (l.writeIdx - 1 - i + ringSize) % ringSize
		e := &l.ring[idx]
		if e.Code == code && e.Message == message {
			if e.OccurrenceCount < ringSize {
				e.OccurrenceCount++
			}
			e.MonotonicTS = now
			l.mu.Unlock()
			l.forward(code, severity, message)
			return
		}
	}

	l.ring[l.writeIdx] = Entry{
		MonotonicTS:     now,
		Code:            code,
		Severity:        severity,
		Message:         message,
		OccurrenceCount: 1,
	}
	l.writeIdx = (l.writeIdx + 1) % ringSize
	if l.filled < ringSize {
		l.filled++
	}
	l.mu.Unlock()

	l.forward(code, severity, message)
}

func (l *Ledger) forward(code errcode.Code, severity string, message string) {
	fields := []any{"code", string(code), "range", errcode.RangeOf(code), "message", message}
	switch Severity(severity) {
	case Critical:
		l.log.Errorw("critical error tracked", fields...)
	case Error:
		l.log.Errorw("error tracked", fields...)
	default:
		l.log.Warnw("warning tracked", fields...)
	}
}

// Entries returns a snapshot of the ring's filled entries, oldest first.
func (l *Ledger) Entries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Entry, 0, l.filled)
	start := (l.writeIdx - l.filled + ringSize) % ringSize
	for i := 0; i < l.filled; i++ {
		out = append(out, l.ring[(start+i)%ringSize])
	}
	return out
}
