// Package timex holds small wall-clock helpers shared across components.
// Monotonic timing lives in internal/clock; this package is strictly for
// the wall-clock (epoch) timestamps the wire protocol requires (spec §6:
// "ts" in heartbeat, "timestamp" in approval are epoch seconds).
package timex

import "time"

// NowUnixSec returns the current wall-clock time as epoch seconds, the unit
// spec §6 mandates for every wire-level "ts"/"timestamp" field.
func NowUnixSec() int64 { return time.Now().Unix() }
