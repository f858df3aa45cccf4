// Package actuators is the Actuator Registry & Drivers (C9): configured
// actuator records, per-kind drivers (binary-pump, position-valve, PWM),
// and the command-routing entry points the Command Router (C11) calls
// into (spec §4.9).
//
// Drivers are built through a kind-dispatch factory (builder-by-name,
// one constructor per actuator kind) and write through a narrow
// Set/Get-style pin handle rather than touching GPIO registers directly.
package actuators

import "github.com/jangala-dev/nodecore/x/mathx"

// GPIOWriter is the hardware boundary every driver writes through. A pin
// must already be owned (via C2) before a driver touches it.
type GPIOWriter interface {
	WriteDigital(pin int, high bool) error
	WritePWM(pin int, duty uint8) error
}

// Status is the snapshot a driver reports for status publication (spec
// §4.9 step 6: {state, pwm, runtime_ms, emergency}).
type Status struct {
	State     bool
	PWM       float64
	Position  int
	RuntimeMs int64
	Emergency bool
}

// Driver is the per-actuator-kind behavior spec §4.9 names: init,
// set_level, set_binary, emergency_stop, clear_emergency, tick, status,
// config, kind. SetLevel/SetBinary report a reason alongside a false ok
// so the command router can tell a protection trip apart from any other
// rejection (spec §7: protection trips publish a distinct alert).
type Driver interface {
	Init(rec Record) bool
	SetLevel(v float64) (bool, string)
	SetBinary(state bool) (bool, string)
	EmergencyStop(reason string)
	ClearEmergency()
	Tick(nowMs int64)
	Status() Status
	Config() Record
	Kind() string
}

// NewDriver is the kind-dispatch factory (spec §4.9's three driver
// kinds). Unknown kinds return nil.
func NewDriver(kind string, gpio GPIOWriter, nowMs func() int64) Driver {
	switch kind {
	case KindBinaryPump:
		return newPumpDriver(gpio, nowMs)
	case KindPositionValve:
		return newValveDriver(gpio, nowMs)
	case KindPWM:
		return newPWMDriver(gpio)
	default:
		return nil
	}
}

func clamp01(v float64) float64 {
	return mathx.Clamp(v, 0, 1)
}
