package actuators

// valveDriver is the position-valve (two-pin) driver of spec §4.9: a
// timed open-loop move between three positions (closed/mid/open) driven
// by a direction pin (Record.Pin) and an enable pin (Record.Pin2).
type valveDriver struct {
	gpio  GPIOWriter
	nowMs func() int64

	rec         Record
	initialized bool
	emergency   bool

	currentPosition int
	targetPosition  int
	moving          bool
	moveStartMs     int64
	moveDurationMs  int64
}

func newValveDriver(gpio GPIOWriter, nowMs func() int64) *valveDriver {
	return &valveDriver{gpio: gpio, nowMs: nowMs}
}

func (d *valveDriver) Init(rec Record) bool {
	d.rec = rec
	d.initialized = true
	return true
}

func (d *valveDriver) Kind() string   { return KindPositionValve }
func (d *valveDriver) Config() Record { return d.rec }

// levelToPosition maps v onto the three positions spec §4.9 defines:
// [0,1/3) -> 0 (closed), [1/3,2/3) -> 1 (mid), [2/3,1] -> 2 (open).
func levelToPosition(v float64) int {
	v = clamp01(v)
	switch {
	case v < 1.0/3.0:
		return 0
	case v < 2.0/3.0:
		return 1
	default:
		return 2
	}
}

func (d *valveDriver) SetLevel(v float64) (bool, string) {
	if !d.initialized {
		return false, "not_initialized"
	}
	if d.emergency {
		return false, "emergency_stopped"
	}
	d.moveTo(levelToPosition(v))
	return true, ""
}

// SetBinary maps true/false to the fully-open/fully-closed positions.
func (d *valveDriver) SetBinary(state bool) (bool, string) {
	if state {
		return d.SetLevel(1.0)
	}
	return d.SetLevel(0.0)
}

// moveTo computes |delta| and the proportional enable-pulse duration
// (spec §4.9: |delta| x transition_time_ms / 2). A command arriving
// mid-motion cancels the in-progress move cleanly — enable drops and the
// new move is computed fresh from the (unchanged) current_position,
// since open-loop motion has no feedback to tell us how far the
// cancelled move actually got.
func (d *valveDriver) moveTo(target int) {
	if d.moving {
		_ = d.gpio.WriteDigital(d.rec.Pin2, false)
		d.moving = false
	}
	delta := target - d.currentPosition
	if delta == 0 {
		return
	}
	abs := delta
	if abs < 0 {
		abs = -abs
	}
	duration := int64(abs) * int64(d.rec.TransitionMs) / 2
	_ = d.gpio.WriteDigital(d.rec.Pin, delta > 0)
	_ = d.gpio.WriteDigital(d.rec.Pin2, true)
	d.targetPosition = target
	d.moveStartMs = d.nowMs()
	d.moveDurationMs = duration
	d.moving = true
}

// Tick observes elapsed time against move_start_ms; on completion it
// updates current_position and drops enable (spec §4.9).
func (d *valveDriver) Tick(nowMs int64) {
	if !d.moving {
		return
	}
	if nowMs-d.moveStartMs >= d.moveDurationMs {
		_ = d.gpio.WriteDigital(d.rec.Pin2, false)
		d.currentPosition = d.targetPosition
		d.moving = false
	}
}

func (d *valveDriver) EmergencyStop(reason string) {
	if d.moving {
		_ = d.gpio.WriteDigital(d.rec.Pin2, false)
		d.moving = false
	}
	d.emergency = true
}

func (d *valveDriver) ClearEmergency() { d.emergency = false }

func (d *valveDriver) Status() Status {
	return Status{
		State:     d.currentPosition != 0,
		Position:  d.currentPosition,
		Emergency: d.emergency,
	}
}
