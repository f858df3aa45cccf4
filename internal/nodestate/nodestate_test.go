package nodestate

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jangala-dev/nodecore/internal/storage"
)

func newTestStore(t *testing.T) *storage.Facade {
	t.Helper()
	f, err := storage.Open(filepath.Join(t.TempDir(), "node.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.Close() })
	return f
}

func TestDeriveNodeIDFormatsLastThreeMACBytes(t *testing.T) {
	id := DeriveNodeID([6]byte{0x00, 0x11, 0x22, 0xAB, 0x12, 0xCD})
	require.Equal(t, "ESP_AB12CD", id)
}

func TestLoadDerivesAndPersistsNodeIDOnce(t *testing.T) {
	store := newTestStore(t)
	mac := [6]byte{0, 0, 0, 0xAB, 0x12, 0xCD}

	s1, err := Load(store, mac)
	require.NoError(t, err)
	require.Equal(t, "ESP_AB12CD", s1.NodeID())
	require.Equal(t, "god", s1.KaiserID())
	require.False(t, s1.Approved())

	s2, err := Load(store, [6]byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF})
	require.NoError(t, err)
	require.Equal(t, "ESP_AB12CD", s2.NodeID(), "node id must be sticky once persisted")
}

func TestOnApprovedPersistsAcrossReload(t *testing.T) {
	store := newTestStore(t)
	mac := [6]byte{0, 0, 0, 0xAB, 0x12, 0xCD}

	s1, err := Load(store, mac)
	require.NoError(t, err)
	s1.OnApproved(1700000100)
	require.True(t, s1.Approved())

	s2, err := Load(store, mac)
	require.NoError(t, err)
	require.True(t, s2.Approved())
	require.Equal(t, int64(1700000100), s2.ApprovedAt())
}

func TestOnRejectedClearsPersistedApproval(t *testing.T) {
	store := newTestStore(t)
	mac := [6]byte{0, 0, 0, 0xAB, 0x12, 0xCD}
	s1, err := Load(store, mac)
	require.NoError(t, err)
	s1.OnApproved(1700000100)
	s1.OnRejected()
	require.False(t, s1.Approved())

	s2, err := Load(store, mac)
	require.NoError(t, err)
	require.False(t, s2.Approved())
}

func TestAssignZoneUpdatesKaiserPrefix(t *testing.T) {
	store := newTestStore(t)
	s, err := Load(store, [6]byte{0, 0, 0, 0xAB, 0x12, 0xCD})
	require.NoError(t, err)

	require.NoError(t, s.AssignZone("acme", "zone-1", "master-1", "North Wing"))
	require.Equal(t, "acme", s.KaiserID())
	zoneID, masterZoneID, zoneName, assigned := s.ZoneAssignment()
	require.True(t, assigned)
	require.Equal(t, "zone-1", zoneID)
	require.Equal(t, "master-1", masterZoneID)
	require.Equal(t, "North Wing", zoneName)
}
