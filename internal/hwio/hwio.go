// Package hwio is the production hardware binding for C2's pinreg.Driver
// and C9's actuators.GPIOWriter boundaries, plus a busio.I2CBus
// implementation for C3, over a real host GPIO/I2C bus.
//
// host.Init() runs once at startup, then named pins are resolved and
// driven through periph.io/x/conn/v3/gpio's In/Out/Read/PWM calls. The
// pin boundary is narrowed to the four gpio.PinIO methods this package
// actually calls so tests can fake a pin without pulling in periph.io's
// pin registry.
package hwio

import (
	"fmt"
	"time"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/host/v3"

	"github.com/jangala-dev/nodecore/internal/pinreg"
)

// Pin is the subset of periph.io's gpio.PinIO this package depends on.
// Any gpio.PinIO value satisfies it.
type Pin interface {
	In(pull gpio.Pull, edge gpio.Edge) error
	Out(l gpio.Level) error
	Read() gpio.Level
	PWM(duty gpio.Duty, f physic.Frequency) error
}

// PinLookup resolves a board pin number to a live Pin. Production code
// uses gpioreg.ByName; tests inject a fake.
type PinLookup func(pin int) (Pin, error)

// Init loads periph.io's host drivers. Call once before constructing a
// GPIO or I2CBus.
func Init() error {
	_, err := host.Init()
	return err
}

func byName(pin int) (Pin, error) {
	p := gpioreg.ByName(fmt.Sprintf("GPIO%d", pin))
	if p == nil {
		return nil, fmt.Errorf("hwio: no such pin GPIO%d", pin)
	}
	return p, nil
}

// settleTime is spec §4.2's "10 µs settle" wait after driving a pin
// inactive, before any mode change.
const settleTime = 10 * time.Microsecond

// pwmFreq is the fixed PWM carrier frequency for actuator drivers.
// 1 kHz matches common low-speed pump/valve/LED drive rates and keeps
// duty resolution high enough for the 0-255 scale
// actuators.GPIOWriter.WritePWM uses.
const pwmFreq = 1 * physic.KiloHertz

// GPIO is the production pinreg.Driver and actuators.GPIOWriter
// implementation over periph.io's gpio package.
type GPIO struct {
	lookup PinLookup
}

// NewGPIO constructs a GPIO resolving pins via gpioreg.ByName. Call
// hwio.Init() first.
func NewGPIO() *GPIO { return &GPIO{lookup: byName} }

// NewGPIOWithLookup is the test seam: callers supply a fake PinLookup.
func NewGPIOWithLookup(lookup PinLookup) *GPIO { return &GPIO{lookup: lookup} }

// ConfigureHighZ implements pinreg.Driver.
func (g *GPIO) ConfigureHighZ(pin int) error {
	p, err := g.lookup(pin)
	if err != nil {
		return err
	}
	return p.In(gpio.PullUp, gpio.NoEdge)
}

// DriveInactive implements pinreg.Driver.
func (g *GPIO) DriveInactive(pin int) error {
	p, err := g.lookup(pin)
	if err != nil {
		return err
	}
	if err := p.Out(gpio.Low); err != nil {
		return err
	}
	time.Sleep(settleTime)
	return nil
}

// ReadBack implements pinreg.Driver. periph.io exposes no direct
// "current function" query on a PinIO, so this reports Output when the
// pin reads High and HighZPullUp when it reads Low. InitAllSafe's
// boot-time mismatch count compares the result against HighZPullUp
// (spec §4.2); a pin held High only by its pull-up also reads back as
// Output.
func (g *GPIO) ReadBack(pin int) (pinreg.Mode, error) {
	p, err := g.lookup(pin)
	if err != nil {
		return 0, err
	}
	if p.Read() == gpio.High {
		return pinreg.Output, nil
	}
	return pinreg.HighZPullUp, nil
}

// WriteDigital implements actuators.GPIOWriter.
func (g *GPIO) WriteDigital(pin int, high bool) error {
	p, err := g.lookup(pin)
	if err != nil {
		return err
	}
	lvl := gpio.Low
	if high {
		lvl = gpio.High
	}
	return p.Out(lvl)
}

// WritePWM implements actuators.GPIOWriter, scaling the 0-255 duty scale
// onto periph.io's gpio.Duty range.
func (g *GPIO) WritePWM(pin int, duty uint8) error {
	p, err := g.lookup(pin)
	if err != nil {
		return err
	}
	scaled := gpio.Duty(uint32(duty) * uint32(gpio.DutyMax) / 255)
	return p.PWM(scaled, pwmFreq)
}

// I2CDev is the subset of periph.io's i2c.Dev this package depends on.
type I2CDev interface {
	Tx(w, r []byte) error
}

// I2CBus adapts a periph.io I2C device to busio.I2CBus's single-owner
// Tx(addr, w, r) contract: addr is applied to the underlying device on
// every call, one Tx per register access.
type I2CBus struct {
	dev *i2c.Dev
}

// OpenI2C opens the named periph.io I2C bus (e.g. "/dev/i2c-1" on a
// Linux host, or a board alias periph.io's i2creg resolves).
func OpenI2C(name string) (*I2CBus, error) {
	bus, err := i2creg.Open(name)
	if err != nil {
		return nil, err
	}
	return &I2CBus{dev: &i2c.Dev{Bus: bus}}, nil
}

// Tx implements busio.I2CBus.
func (b *I2CBus) Tx(addr uint8, w []byte, r []byte) error {
	b.dev.Addr = uint16(addr)
	return b.dev.Tx(w, r)
}
