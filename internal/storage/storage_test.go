package storage

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestFacade(t *testing.T) *Facade {
	t.Helper()
	path := filepath.Join(t.TempDir(), "node.db")
	f, err := Open(path, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.Close() })
	return f
}

func TestPutGetRoundTripScalars(t *testing.T) {
	f := newTestFacade(t)

	s, err := f.Begin(NSSystemConfig, false)
	require.NoError(t, err)
	require.NoError(t, s.PutBool("approved", true))
	require.NoError(t, s.PutU8("retries", 3))
	require.NoError(t, s.PutU16("port", 1883))
	require.NoError(t, s.PutU32("uptime", 123456))
	require.NoError(t, s.PutString("node_id", "ESP_AB12CD"))
	require.NoError(t, s.Commit())

	s2, err := f.Begin(NSSystemConfig, true)
	require.NoError(t, err)
	require.True(t, s2.GetBool("approved", false))
	require.Equal(t, uint8(3), s2.GetU8("retries", 0))
	require.Equal(t, uint16(1883), s2.GetU16("port", 0))
	require.Equal(t, uint32(123456), s2.GetU32("uptime", 0))
	require.Equal(t, "ESP_AB12CD", s2.GetString("node_id", ""))
	require.NoError(t, s2.Commit())
}

func TestGetDefaultWhenAbsent(t *testing.T) {
	f := newTestFacade(t)
	s, err := f.Begin(NSZoneConfig, false)
	require.NoError(t, err)
	require.Equal(t, "god", s.GetString("kaiser_id", "god"))
	require.NoError(t, s.Commit())
}

func TestReadOnlyBeginFailsWhenNamespaceMissing(t *testing.T) {
	f := newTestFacade(t)
	_, err := f.Begin("never_created", true)
	require.Error(t, err)
}

func TestListRemoveAtClosesGap(t *testing.T) {
	f := newTestFacade(t)
	s, err := f.Begin(NSSensorConfig, false)
	require.NoError(t, err)

	l := NewList(s, "sensor")
	require.NoError(t, s.PutString(l.FieldKey(0, "name"), "T1"))
	require.NoError(t, s.PutString(l.FieldKey(1, "name"), "T2"))
	require.NoError(t, s.PutString(l.FieldKey(2, "name"), "T3"))
	require.NoError(t, l.SetCount(3))

	require.NoError(t, l.RemoveAt(0, []string{"name"}))
	require.Equal(t, 2, l.Count())
	require.Equal(t, "T2", s.GetString(l.FieldKey(0, "name"), ""))
	require.Equal(t, "T3", s.GetString(l.FieldKey(1, "name"), ""))
	require.NoError(t, s.Commit())
}

func TestSubzoneIDsRoundTrip(t *testing.T) {
	f := newTestFacade(t)
	s, err := f.Begin(NSSubzoneConfig, false)
	require.NoError(t, err)
	require.NoError(t, s.PutSubzoneIDs([]string{"A", "B", "C"}))
	require.NoError(t, s.Commit())

	s2, err := f.Begin(NSSubzoneConfig, true)
	require.NoError(t, err)
	require.Equal(t, []string{"A", "B", "C"}, s2.GetSubzoneIDs())
	require.NoError(t, s2.Commit())
}

func TestClearNamespaceRemovesAllKeys(t *testing.T) {
	f := newTestFacade(t)
	s, err := f.Begin(NSZoneConfig, false)
	require.NoError(t, err)
	require.NoError(t, s.PutString("zone_id", "Z1"))
	require.NoError(t, s.Commit())

	require.NoError(t, f.ClearNamespace(NSZoneConfig))

	s2, err := f.Begin(NSZoneConfig, true)
	require.NoError(t, err)
	require.Equal(t, "", s2.GetString("zone_id", ""))
	require.NoError(t, s2.Commit())
}

func TestClearNamespaceOnUnopenedNamespaceIsNoop(t *testing.T) {
	f := newTestFacade(t)
	require.NoError(t, f.ClearNamespace(NSWifiConfig))
}
