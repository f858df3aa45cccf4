package pinreg

import (
	"testing"

	"github.com/jangala-dev/nodecore/errcode"
	"github.com/stretchr/testify/require"
)

type fakeDriver struct {
	inactiveCalls []int
	highZCalls    []int
}

func (f *fakeDriver) ConfigureHighZ(pin int) error {
	f.highZCalls = append(f.highZCalls, pin)
	return nil
}
func (f *fakeDriver) DriveInactive(pin int) error {
	f.inactiveCalls = append(f.inactiveCalls, pin)
	return nil
}
func (f *fakeDriver) ReadBack(pin int) (Mode, error) { return HighZPullUp, nil }

func newTestRegistry() (*Registry, *fakeDriver) {
	d := &fakeDriver{}
	r := New(d, nil)
	r.InitAllSafe([]int{2, 3, 4, 5}, 0, 1)
	return r, d
}

func TestInitAllSafeSetsEveryPinSafe(t *testing.T) {
	r, _ := newTestRegistry()
	for _, p := range []int{2, 3, 4, 5} {
		mode, ok := r.ModeOf(p)
		require.True(t, ok)
		require.Equal(t, HighZPullUp, mode)
		require.True(t, r.IsAvailable(p))
	}
}

func TestI2CPinsReservedToSystemBus(t *testing.T) {
	r, _ := newTestRegistry()
	owner, name, ok := r.OwnerOf(0)
	require.True(t, ok)
	require.Equal(t, SystemBus, owner)
	require.Equal(t, "system-bus", name)
	require.False(t, r.IsAvailable(0))
}

func TestRequestFailsForUnknownPin(t *testing.T) {
	r, _ := newTestRegistry()
	ok, err := r.Request(99, Sensor, "t1")
	require.False(t, ok)
	require.Equal(t, errcode.PinNotSafe, err)
}

func TestRequestGrantsAndIdempotentReconfig(t *testing.T) {
	r, _ := newTestRegistry()
	ok, err := r.Request(4, Sensor, "t1")
	require.True(t, ok)
	require.NoError(t, err)

	ok, err = r.Request(4, Sensor, "t1")
	require.True(t, ok)
	require.NoError(t, err)

	owner, name, _ := r.OwnerOf(4)
	require.Equal(t, Sensor, owner)
	require.Equal(t, "t1", name)
}

func TestRequestDeniesConflictingOwner(t *testing.T) {
	r, _ := newTestRegistry()
	_, _ = r.Request(4, Sensor, "t1")
	ok, err := r.Request(4, Actuator, "a1")
	require.False(t, ok)
	require.Equal(t, errcode.PinInUse, err)
}

func TestReleaseDrivesInactiveBeforeModeChangeWhenOutput(t *testing.T) {
	r, d := newTestRegistry()
	_, err := r.Request(5, Actuator, "pump")
	require.NoError(t, err)
	require.NoError(t, r.SetMode(5, Output))

	require.NoError(t, r.Release(5))
	require.Contains(t, d.inactiveCalls, 5)
	require.True(t, r.IsAvailable(5))

	mode, _ := r.ModeOf(5)
	require.Equal(t, HighZPullUp, mode)
}

func TestAssignToSubzoneIdempotent(t *testing.T) {
	r, _ := newTestRegistry()
	require.NoError(t, r.AssignToSubzone(2, "A"))
	require.NoError(t, r.AssignToSubzone(2, "A"))
	require.Equal(t, []int{2}, r.SubzonePins("A"))
}

func TestAssignToSubzoneConflict(t *testing.T) {
	r, _ := newTestRegistry()
	require.NoError(t, r.AssignToSubzone(2, "A"))
	err := r.AssignToSubzone(2, "B")
	require.Equal(t, errcode.PinInUse, err)
}

func TestSubzoneSafeModeActiveRequiresExistingSafedMember(t *testing.T) {
	r, _ := newTestRegistry()
	require.False(t, r.SubzoneSafeModeActive("A"), "brand-new subzone is never already-safed")

	require.NoError(t, r.AssignToSubzone(2, "A"))
	require.True(t, r.SubzoneSafeModeActive("A"), "pin 2 is still high-Z-pull-up/safe")

	_, err := r.Request(2, Sensor, "s1")
	require.NoError(t, err)
	require.False(t, r.SubzoneSafeModeActive("A"), "claimed pin is no longer in safe mode")
}

func TestEnableSafeModeAllDeEnergizesOutputsFirst(t *testing.T) {
	r, d := newTestRegistry()
	_, _ = r.Request(5, Actuator, "pump")
	require.NoError(t, r.SetMode(5, Output))

	require.NoError(t, r.EnableSafeModeAll())
	require.Contains(t, d.inactiveCalls, 5)
	mode, _ := r.ModeOf(5)
	require.Equal(t, HighZPullUp, mode)
}
