package safety

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeActuators struct {
	stopCalls  []string
	clearCalls int
}

func (f *fakeActuators) EmergencyStopAll(reason string) { f.stopCalls = append(f.stopCalls, reason) }
func (f *fakeActuators) ClearEmergencyAll()             { f.clearCalls++ }

type fakeIdentity struct{}

func (fakeIdentity) NodeID() string   { return "ESP_AB12CD" }
func (fakeIdentity) KaiserID() string { return "god" }

type fakePublisher struct {
	topics []string
}

func (f *fakePublisher) Publish(topic string, payload []byte, qos byte) bool {
	f.topics = append(f.topics, topic)
	return true
}

func TestEmergencyStopAllTransitionsToActiveAndStopsActuators(t *testing.T) {
	act := &fakeActuators{}
	c := New(Config{Actuators: act})
	require.Equal(t, Normal, c.State())

	c.EmergencyStopAll("overcurrent")
	require.Equal(t, Active, c.State())
	require.Equal(t, []string{"overcurrent"}, act.stopCalls)
}

func TestEmergencyStopAllIdempotentWhenAlreadyActive(t *testing.T) {
	act := &fakeActuators{}
	c := New(Config{Actuators: act})
	c.EmergencyStopAll("first")
	c.EmergencyStopAll("second")
	require.Equal(t, []string{"first"}, act.stopCalls, "a second trip while ACTIVE must be a no-op")
}

func TestClearEmergencyRequiresActiveState(t *testing.T) {
	c := New(Config{})
	require.False(t, c.ClearEmergency(), "clearing from NORMAL is a no-op")
}

func TestClearEmergencySucceedsAndMovesToResuming(t *testing.T) {
	act := &fakeActuators{}
	now := int64(0)
	c := New(Config{Actuators: act, Verify: func() bool { return true }, NowMs: func() int64 { return now }})
	c.EmergencyStopAll("trip")
	now = 6000 // past the default 5s verification_timeout_ms

	require.True(t, c.ClearEmergency())
	require.Equal(t, Resuming, c.State())
	require.Equal(t, 1, act.clearCalls)
}

func TestClearEmergencyFailsVerificationRevertsToActive(t *testing.T) {
	act := &fakeActuators{}
	pub := &fakePublisher{}
	now := int64(0)
	c := New(Config{Actuators: act, Identity: fakeIdentity{}, Publish: pub, Verify: func() bool { return false }, NowMs: func() int64 { return now }})
	c.EmergencyStopAll("trip")
	now = 6000 // past the timeout, so verify() itself is what fails here

	require.False(t, c.ClearEmergency())
	require.Equal(t, Active, c.State(), "failed verification must revert to ACTIVE, not stay CLEARING")
	require.Equal(t, 0, act.clearCalls, "clear_emergency must not reach the actuators on failed verification")
	require.Contains(t, pub.topics, "god/esp/ESP_AB12CD/system/alert")
}

func TestClearEmergencyBlockedBeforeVerificationTimeout(t *testing.T) {
	act := &fakeActuators{}
	pub := &fakePublisher{}
	now := int64(0)
	c := New(Config{Actuators: act, Identity: fakeIdentity{}, Publish: pub, Verify: func() bool { return true }, NowMs: func() int64 { return now }})
	c.EmergencyStopAll("trip")
	now = 1000 // well under the 5s default verification_timeout_ms

	require.False(t, c.ClearEmergency(), "clearing before verification_timeout_ms has elapsed must fail even if verify() reports safe")
	require.Equal(t, Active, c.State())
	require.Equal(t, 0, act.clearCalls)
}

func TestResumeOperationRequiresResumingState(t *testing.T) {
	c := New(Config{Actuators: &fakeActuators{}})
	require.False(t, c.ResumeOperation(), "resuming from NORMAL is a no-op")

	c.EmergencyStopAll("trip")
	require.False(t, c.ResumeOperation(), "resuming directly from ACTIVE is a no-op")
}

func TestResumeOperationDoesNotReactivateOutputs(t *testing.T) {
	act := &fakeActuators{}
	now := int64(0)
	c := New(Config{Actuators: act, Verify: func() bool { return true }, NowMs: func() int64 { return now }})
	c.EmergencyStopAll("trip")
	now = 6000
	require.True(t, c.ClearEmergency())

	require.True(t, c.ResumeOperation())
	require.Equal(t, Normal, c.State())
	require.Equal(t, 1, act.clearCalls, "resume itself issues no further actuator calls")
}
