package actuators

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jangala-dev/nodecore/internal/pinreg"
)

type fakePinDriver struct{}

func (fakePinDriver) ConfigureHighZ(int) error          { return nil }
func (fakePinDriver) DriveInactive(int) error           { return nil }
func (fakePinDriver) ReadBack(int) (pinreg.Mode, error) { return pinreg.HighZPullUp, nil }

func newTestPins() *pinreg.Registry {
	r := pinreg.New(fakePinDriver{}, nil)
	_ = r.InitAllSafe([]int{2, 3, 4, 5, 6, 7, 8, 9}, 0, 1)
	return r
}

type fakeGPIO struct {
	digital map[int]bool
	pwm     map[int]uint8
}

func newFakeGPIO() *fakeGPIO {
	return &fakeGPIO{digital: map[int]bool{}, pwm: map[int]uint8{}}
}
func (f *fakeGPIO) WriteDigital(pin int, high bool) error { f.digital[pin] = high; return nil }
func (f *fakeGPIO) WritePWM(pin int, duty uint8) error    { f.pwm[pin] = duty; return nil }

type fakeIdentity struct {
	approved bool
	zoneID   string
}

func (f *fakeIdentity) NodeID() string   { return "ESP_AB12CD" }
func (f *fakeIdentity) KaiserID() string { return "god" }
func (f *fakeIdentity) ZoneAssignment() (string, string, string, bool) {
	return f.zoneID, "", "", f.zoneID != ""
}
func (f *fakeIdentity) Approved() bool { return f.approved }

type fakePublisher struct {
	topics   []string
	payloads [][]byte
}

func (f *fakePublisher) Publish(topic string, payload []byte, qos byte) bool {
	f.topics = append(f.topics, topic)
	f.payloads = append(f.payloads, payload)
	return true
}

func TestConfigurePumpClaimsPin(t *testing.T) {
	pins := newTestPins()
	r := New(Config{Pins: pins, GPIO: newFakeGPIO(), Identity: &fakeIdentity{approved: true}, NowMs: func() int64 { return 0 }})
	res := r.Configure(Record{Pin: 4, Kind: KindBinaryPump})
	require.True(t, res.OK)
	require.False(t, pins.IsAvailable(4))
}

func TestConfigureValveClaimsBothPins(t *testing.T) {
	pins := newTestPins()
	r := New(Config{Pins: pins, GPIO: newFakeGPIO(), Identity: &fakeIdentity{approved: true}, NowMs: func() int64 { return 0 }})
	res := r.Configure(Record{Pin: 4, Pin2: 5, Kind: KindPositionValve, TransitionMs: 1000})
	require.True(t, res.OK)
	require.False(t, pins.IsAvailable(4))
	require.False(t, pins.IsAvailable(5))
}

func TestConfigureRejectsOverCapacity(t *testing.T) {
	pins := newTestPins()
	extra := make([]int, 0, 20)
	for i := 10; i < 30; i++ {
		extra = append(extra, i)
	}
	_ = pins.InitAllSafe(extra, 0, 1)
	r := New(Config{Pins: pins, GPIO: newFakeGPIO(), Identity: &fakeIdentity{approved: true}})
	for i := 0; i < Capacity; i++ {
		res := r.Configure(Record{Pin: 10 + i, Kind: KindPWM})
		require.True(t, res.OK)
	}
	res := r.Configure(Record{Pin: 29, Kind: KindPWM})
	require.False(t, res.OK)
}

func TestPumpRejectsActivationOverMaxActivationsPerWindow(t *testing.T) {
	now := int64(0)
	pins := newTestPins()
	r := New(Config{Pins: pins, GPIO: newFakeGPIO(), Identity: &fakeIdentity{approved: true}, NowMs: func() int64 { return now }})
	require.True(t, r.Configure(Record{
		Pin: 4, Kind: KindBinaryPump,
		Protection: ProtectionConfig{WindowMs: 10000, MaxActivationsPerWindow: 2},
	}).OK)
	e := r.entries[0]

	ok, _ := e.driver.SetBinary(true)
	require.True(t, ok)
	ok, _ = e.driver.SetBinary(false)
	require.True(t, ok)
	now = 100
	ok, _ = e.driver.SetBinary(true)
	require.True(t, ok)
	ok, _ = e.driver.SetBinary(false)
	require.True(t, ok)
	now = 200
	ok, reason := e.driver.SetBinary(true)
	require.False(t, ok, "third activation within window_ms must be rejected")
	require.Equal(t, "runtime_protection", reason)
}

func TestPumpRejectsReactivationDuringCooldown(t *testing.T) {
	now := int64(0)
	pins := newTestPins()
	r := New(Config{Pins: pins, GPIO: newFakeGPIO(), Identity: &fakeIdentity{approved: true}, NowMs: func() int64 { return now }})
	require.True(t, r.Configure(Record{
		Pin: 4, Kind: KindBinaryPump,
		Protection: ProtectionConfig{MaxRunMs: 500, CooldownMs: 1000},
	}).OK)
	e := r.entries[0]

	ok, _ := e.driver.SetBinary(true)
	require.True(t, ok)
	now = 600 // ran 600ms, over max_run_ms
	ok, _ = e.driver.SetBinary(false)
	require.True(t, ok)
	now = 700 // only 100ms cooldown elapsed
	ok, _ = e.driver.SetBinary(true)
	require.False(t, ok)
	now = 1700 // cooldown satisfied
	ok, _ = e.driver.SetBinary(true)
	require.True(t, ok)
}

func TestValveMoveCompletesOnTick(t *testing.T) {
	now := int64(0)
	gpio := newFakeGPIO()
	pins := newTestPins()
	r := New(Config{Pins: pins, GPIO: gpio, Identity: &fakeIdentity{approved: true}, NowMs: func() int64 { return now }})
	require.True(t, r.Configure(Record{Pin: 4, Pin2: 5, Kind: KindPositionValve, TransitionMs: 1000}).OK)
	e := r.entries[0]

	ok, _ := e.driver.SetLevel(1.0) // move to "open" (position 2)
	require.True(t, ok)
	require.True(t, gpio.digital[5], "enable pin must be high while moving")

	now = 500
	e.driver.Tick(now)
	require.Equal(t, 0, e.driver.Status().Position, "move not complete yet")

	now = 1000 // delta=2, duration = 2*1000/2 = 1000ms
	e.driver.Tick(now)
	require.Equal(t, 2, e.driver.Status().Position)
	require.False(t, gpio.digital[5], "enable pin dropped on completion")
}

func TestValveConcurrentCommandCancelsInProgressMotion(t *testing.T) {
	now := int64(0)
	gpio := newFakeGPIO()
	pins := newTestPins()
	r := New(Config{Pins: pins, GPIO: gpio, Identity: &fakeIdentity{approved: true}, NowMs: func() int64 { return now }})
	require.True(t, r.Configure(Record{Pin: 4, Pin2: 5, Kind: KindPositionValve, TransitionMs: 1000}).OK)
	e := r.entries[0]

	ok, _ := e.driver.SetLevel(1.0)
	require.True(t, ok)
	now = 200
	// cancelled before completion, so current_position is still 0 (open-loop,
	// no feedback) — recompute from there rather than from the target of the
	// aborted move.
	ok, _ = e.driver.SetLevel(0.5)
	require.True(t, ok)
	require.True(t, gpio.digital[5], "enable re-raised for the recomputed move")
}

func TestPWMClampsAndScales(t *testing.T) {
	gpio := newFakeGPIO()
	pins := newTestPins()
	r := New(Config{Pins: pins, GPIO: gpio, Identity: &fakeIdentity{approved: true}})
	require.True(t, r.Configure(Record{Pin: 4, Kind: KindPWM}).OK)
	e := r.entries[0]

	ok, _ := e.driver.SetLevel(1.5)
	require.True(t, ok)
	require.Equal(t, uint8(255), gpio.pwm[4])

	ok, _ = e.driver.SetLevel(-1)
	require.True(t, ok)
	require.Equal(t, uint8(0), gpio.pwm[4])
}

func TestHandleCommandOnOffToggle(t *testing.T) {
	pub := &fakePublisher{}
	pins := newTestPins()
	r := New(Config{Pins: pins, GPIO: newFakeGPIO(), Identity: &fakeIdentity{approved: true}, Publish: pub, NowMs: func() int64 { return 0 }})
	require.True(t, r.Configure(Record{Pin: 4, Kind: KindBinaryPump}).OK)

	r.HandleCommand("actuator/4/command", []byte(`{"command":"ON"}`), 1700000000)
	require.Len(t, pub.topics, 2) // response + status
	require.Equal(t, "god/esp/ESP_AB12CD/actuator/4/response", pub.topics[0])

	var resp responsePayload
	require.NoError(t, json.Unmarshal(pub.payloads[0], &resp))
	require.True(t, resp.Success)

	r.HandleCommand("actuator/4/command", []byte(`{"command":"toggle"}`), 1700000001)
	require.True(t, r.entries[0].driver.Status().State == false)
}

func TestHandleCommandUnknownActuator(t *testing.T) {
	pub := &fakePublisher{}
	r := New(Config{Pins: newTestPins(), GPIO: newFakeGPIO(), Identity: &fakeIdentity{approved: true}, Publish: pub})
	r.HandleCommand("actuator/4/command", []byte(`{"command":"ON"}`), 1700000000)
	require.Len(t, pub.topics, 1)
	var resp responsePayload
	require.NoError(t, json.Unmarshal(pub.payloads[0], &resp))
	require.False(t, resp.Success)
}

func TestHandleCommandEmergencyStoppedPublishesAlert(t *testing.T) {
	pub := &fakePublisher{}
	pins := newTestPins()
	r := New(Config{Pins: pins, GPIO: newFakeGPIO(), Identity: &fakeIdentity{approved: true}, Publish: pub, NowMs: func() int64 { return 0 }})
	require.True(t, r.Configure(Record{Pin: 4, Kind: KindBinaryPump}).OK)
	r.entries[0].driver.EmergencyStop("test")

	r.HandleCommand("actuator/4/command", []byte(`{"command":"ON"}`), 1700000000)
	require.Equal(t, "god/esp/ESP_AB12CD/actuator/4/alert", pub.topics[0])
}

func TestHandleCommandProtectionTripPublishesAlertAndMessage(t *testing.T) {
	pub := &fakePublisher{}
	pins := newTestPins()
	r := New(Config{Pins: pins, GPIO: newFakeGPIO(), Identity: &fakeIdentity{approved: true}, Publish: pub, NowMs: func() int64 { return 0 }})
	require.True(t, r.Configure(Record{
		Pin: 4, Kind: KindBinaryPump,
		Protection: ProtectionConfig{WindowMs: 60000, MaxActivationsPerWindow: 2},
	}).OK)

	r.HandleCommand("actuator/4/command", []byte(`{"command":"ON"}`), 1700000000)
	r.HandleCommand("actuator/4/command", []byte(`{"command":"OFF"}`), 1700000001)
	r.HandleCommand("actuator/4/command", []byte(`{"command":"ON"}`), 1700000002)
	r.HandleCommand("actuator/4/command", []byte(`{"command":"OFF"}`), 1700000003)
	pub.topics, pub.payloads = nil, nil

	r.HandleCommand("actuator/4/command", []byte(`{"command":"ON"}`), 1700000004)

	require.Equal(t, "god/esp/ESP_AB12CD/actuator/4/alert", pub.topics[0], "a protection trip must publish an alert")
	var alert alertPayload
	require.NoError(t, json.Unmarshal(pub.payloads[0], &alert))
	require.Equal(t, "runtime_protection", alert.Reason)

	var resp responsePayload
	require.NoError(t, json.Unmarshal(pub.payloads[1], &resp))
	require.False(t, resp.Success)
	require.Contains(t, resp.Message, "runtime protection")
}

func TestHandleCommandSuppressedUntilApproved(t *testing.T) {
	pub := &fakePublisher{}
	pins := newTestPins()
	r := New(Config{Pins: pins, GPIO: newFakeGPIO(), Identity: &fakeIdentity{approved: false}, Publish: pub})
	require.True(t, r.Configure(Record{Pin: 4, Kind: KindBinaryPump}).OK)
	r.HandleCommand("actuator/4/command", []byte(`{"command":"ON"}`), 1700000000)
	require.Empty(t, pub.topics)
}

func TestPublishAllStatusGatedByCadence(t *testing.T) {
	pub := &fakePublisher{}
	pins := newTestPins()
	now := int64(0)
	r := New(Config{Pins: pins, GPIO: newFakeGPIO(), Identity: &fakeIdentity{approved: true}, Publish: pub, NowMs: func() int64 { return now }})
	require.True(t, r.Configure(Record{Pin: 4, Kind: KindPWM}).OK)

	r.PublishAllStatus(now, 1700000000)
	require.Len(t, pub.topics, 1)

	now = 5000
	r.PublishAllStatus(now, 1700000001)
	require.Len(t, pub.topics, 1, "too soon, must not republish")

	now = 31000
	r.PublishAllStatus(now, 1700000002)
	require.Len(t, pub.topics, 2)
}
