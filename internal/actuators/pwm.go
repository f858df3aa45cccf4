package actuators

// pwmDriver is the PWM driver of spec §4.9: clamp [0,1], scale to 0-255,
// write via the board's PWM peripheral.
type pwmDriver struct {
	gpio  GPIOWriter
	rec   Record
	level float64

	initialized bool
	emergency   bool
}

func newPWMDriver(gpio GPIOWriter) *pwmDriver { return &pwmDriver{gpio: gpio} }

func (d *pwmDriver) Init(rec Record) bool {
	d.rec = rec
	d.initialized = true
	return true
}

func (d *pwmDriver) Kind() string   { return KindPWM }
func (d *pwmDriver) Config() Record { return d.rec }

func (d *pwmDriver) SetLevel(v float64) (bool, string) {
	if !d.initialized {
		return false, "not_initialized"
	}
	if d.emergency {
		return false, "emergency_stopped"
	}
	v = clamp01(v)
	duty := uint8(v * 255)
	if err := d.gpio.WritePWM(d.rec.Pin, duty); err != nil {
		return false, ""
	}
	d.level = v
	return true, ""
}

func (d *pwmDriver) SetBinary(b bool) (bool, string) {
	if b {
		return d.SetLevel(1.0)
	}
	return d.SetLevel(0.0)
}

func (d *pwmDriver) EmergencyStop(reason string) {
	d.emergency = true
	_ = d.gpio.WritePWM(d.rec.Pin, 0)
	d.level = 0
}

func (d *pwmDriver) ClearEmergency() { d.emergency = false }

func (d *pwmDriver) Tick(nowMs int64) {}

func (d *pwmDriver) Status() Status {
	return Status{State: d.level > 0, PWM: d.level, Emergency: d.emergency}
}
