package hwio

import (
	"testing"

	"github.com/stretchr/testify/require"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/physic"

	"github.com/jangala-dev/nodecore/internal/pinreg"
)

type fakePin struct {
	level    gpio.Level
	pull     gpio.Pull
	lastDuty gpio.Duty
	lastFreq physic.Frequency
}

func (p *fakePin) In(pull gpio.Pull, edge gpio.Edge) error {
	p.pull = pull
	p.level = gpio.Low
	return nil
}

func (p *fakePin) Out(l gpio.Level) error {
	p.level = l
	return nil
}

func (p *fakePin) Read() gpio.Level { return p.level }

func (p *fakePin) PWM(duty gpio.Duty, f physic.Frequency) error {
	p.lastDuty = duty
	p.lastFreq = f
	return nil
}

func newFakeLookup() (PinLookup, map[int]*fakePin) {
	pins := map[int]*fakePin{}
	lookup := func(pin int) (Pin, error) {
		p, ok := pins[pin]
		if !ok {
			p = &fakePin{}
			pins[pin] = p
		}
		return p, nil
	}
	return lookup, pins
}

func TestConfigureHighZSetsPullUp(t *testing.T) {
	lookup, pins := newFakeLookup()
	g := NewGPIOWithLookup(lookup)

	require.NoError(t, g.ConfigureHighZ(4))
	require.Equal(t, gpio.PullUp, pins[4].pull)
}

func TestDriveInactiveSetsLow(t *testing.T) {
	lookup, pins := newFakeLookup()
	g := NewGPIOWithLookup(lookup)
	pins[4] = &fakePin{level: gpio.High}

	require.NoError(t, g.DriveInactive(4))
	require.Equal(t, gpio.Low, pins[4].level)
}

func TestReadBackReportsOutputWhenHigh(t *testing.T) {
	lookup, pins := newFakeLookup()
	g := NewGPIOWithLookup(lookup)
	pins[4] = &fakePin{level: gpio.High}

	mode, err := g.ReadBack(4)
	require.NoError(t, err)
	require.Equal(t, pinreg.Output, mode)
}

func TestReadBackReportsHighZWhenLow(t *testing.T) {
	lookup, pins := newFakeLookup()
	g := NewGPIOWithLookup(lookup)
	pins[4] = &fakePin{level: gpio.Low}

	mode, err := g.ReadBack(4)
	require.NoError(t, err)
	require.Equal(t, pinreg.HighZPullUp, mode)
}

func TestWriteDigitalDrivesLevel(t *testing.T) {
	lookup, pins := newFakeLookup()
	g := NewGPIOWithLookup(lookup)

	require.NoError(t, g.WriteDigital(6, true))
	require.Equal(t, gpio.High, pins[6].level)

	require.NoError(t, g.WriteDigital(6, false))
	require.Equal(t, gpio.Low, pins[6].level)
}

func TestWritePWMScalesDutyToFullRange(t *testing.T) {
	lookup, pins := newFakeLookup()
	g := NewGPIOWithLookup(lookup)

	require.NoError(t, g.WritePWM(8, 255))
	require.Equal(t, gpio.DutyMax, pins[8].lastDuty)
	require.Equal(t, pwmFreq, pins[8].lastFreq)

	require.NoError(t, g.WritePWM(8, 0))
	require.Equal(t, gpio.Duty(0), pins[8].lastDuty)
}

func TestLookupErrorPropagates(t *testing.T) {
	g := NewGPIOWithLookup(func(pin int) (Pin, error) {
		return nil, errNoSuchPin(pin)
	})
	require.Error(t, g.ConfigureHighZ(99))
	require.Error(t, g.DriveInactive(99))
	_, err := g.ReadBack(99)
	require.Error(t, err)
	require.Error(t, g.WriteDigital(99, true))
	require.Error(t, g.WritePWM(99, 1))
}

type errNoSuchPin int

func (e errNoSuchPin) Error() string { return "no such pin" }
