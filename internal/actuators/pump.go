package actuators

// pumpDriver is the binary-pump driver of spec §4.9: runtime/duty-cycle
// protection via a rolling activation history plus accumulated run time.
type pumpDriver struct {
	gpio  GPIOWriter
	nowMs func() int64

	rec         Record
	initialized bool
	emergency   bool

	state             bool
	activationStartMs int64
	accumulatedRunMs  int64
	lastStopMs        int64
	history           []int64 // activation timestamps within window_ms
}

func newPumpDriver(gpio GPIOWriter, nowMs func() int64) *pumpDriver {
	return &pumpDriver{gpio: gpio, nowMs: nowMs}
}

func (d *pumpDriver) Init(rec Record) bool {
	d.rec = rec
	d.initialized = true
	return true
}

func (d *pumpDriver) Kind() string   { return KindBinaryPump }
func (d *pumpDriver) Config() Record { return d.rec }

// canActivate implements spec §4.9's can_activate(): false if the pump
// has used its full max_run_ms and hasn't cooled down, or if the
// window_ms history already holds max_activations_per_window entries.
func (d *pumpDriver) canActivate(now int64) bool {
	p := d.rec.Protection
	if p.MaxRunMs > 0 && d.accumulatedRunMs >= int64(p.MaxRunMs) && now-d.lastStopMs < int64(p.CooldownMs) {
		return false
	}
	if p.WindowMs > 0 {
		cutoff := now - int64(p.WindowMs)
		kept := d.history[:0]
		for _, ts := range d.history {
			if ts >= cutoff {
				kept = append(kept, ts)
			}
		}
		d.history = kept
		if p.MaxActivationsPerWindow > 0 && len(d.history) >= p.MaxActivationsPerWindow {
			return false
		}
	}
	return true
}

func (d *pumpDriver) SetBinary(state bool) (bool, string) {
	if !d.initialized {
		return false, "not_initialized"
	}
	if d.emergency {
		return false, "emergency_stopped"
	}
	now := d.nowMs()
	if state {
		if !d.canActivate(now) {
			return false, "runtime_protection"
		}
		d.history = append(d.history, now)
		d.activationStartMs = now
		d.state = true
		return d.write(true), ""
	}
	if d.state {
		d.accumulatedRunMs += now - d.activationStartMs
		d.lastStopMs = now
	}
	d.state = false
	return d.write(false), ""
}

func (d *pumpDriver) write(on bool) bool {
	level := on
	if d.rec.Inverted {
		level = !level
	}
	return d.gpio.WriteDigital(d.rec.Pin, level) == nil
}

// SetLevel treats v >= 0.5 as ON (spec §4.9).
func (d *pumpDriver) SetLevel(v float64) (bool, string) { return d.SetBinary(v >= 0.5) }

func (d *pumpDriver) EmergencyStop(reason string) {
	if d.state {
		now := d.nowMs()
		d.accumulatedRunMs += now - d.activationStartMs
		d.lastStopMs = now
	}
	d.state = false
	d.emergency = true
	_ = d.write(false)
}

func (d *pumpDriver) ClearEmergency() { d.emergency = false }

// Tick updates accumulated_run_ms live while the pump is running (spec
// §4.9).
func (d *pumpDriver) Tick(nowMs int64) {
	if !d.state {
		return
	}
	d.accumulatedRunMs += nowMs - d.activationStartMs
	d.activationStartMs = nowMs
}

func (d *pumpDriver) Status() Status {
	runtime := d.accumulatedRunMs
	if d.state {
		runtime += d.nowMs() - d.activationStartMs
	}
	return Status{State: d.state, RuntimeMs: runtime, Emergency: d.emergency}
}
