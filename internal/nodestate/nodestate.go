// Package nodestate holds node identity, zone assignment, and approval
// state as fields of one owned *State value, constructed once in
// cmd/node/main.go and threaded through every other component's
// constructor rather than kept as package-level globals (spec §3 "Node
// identity", "Zone assignment").
package nodestate

import (
	"fmt"
	"sync"

	"github.com/jangala-dev/nodecore/internal/storage"
	"github.com/jangala-dev/nodecore/x/timex"
)

// State is the Node's collapsed identity/zone/approval record.
type State struct {
	mu sync.RWMutex

	nodeID       string
	kaiserID     string
	zoneID       string
	masterZoneID string
	zoneName     string

	approved          bool
	approvedAtEpoch   int64

	store *storage.Facade
}

// DeriveNodeID builds the "ESP_" + hex(last 3 MAC bytes) node id (spec
// §6). Computed once and persisted thereafter.
func DeriveNodeID(mac [6]byte) string {
	return fmt.Sprintf("ESP_%02X%02X%02X", mac[3], mac[4], mac[5])
}

// Load constructs a State, deriving/loading NodeID from storage if not
// already persisted, and loading the zone/approval block. kaiser_id
// defaults to "god" (spec §3).
func Load(store *storage.Facade, mac [6]byte) (*State, error) {
	s := &State{store: store}

	sess, err := store.Begin(storage.NSSystemConfig, false)
	if err != nil {
		s.nodeID = DeriveNodeID(mac)
		s.kaiserID = "god"
		return s, nil
	}
	defer sess.Commit()

	nodeID := sess.GetString("node_id", "")
	if nodeID == "" {
		nodeID = DeriveNodeID(mac)
		_ = sess.PutString("node_id", nodeID)
	}
	s.nodeID = nodeID
	s.approved = sess.GetBool("approved", false)
	s.approvedAtEpoch = int64(sess.GetU32("approved_at", 0))

	zsess, err := store.Begin(storage.NSZoneConfig, true)
	if err == nil {
		s.kaiserID = zsess.GetString("kaiser_id", "god")
		s.zoneID = zsess.GetString("zone_id", "")
		s.masterZoneID = zsess.GetString("master_zone_id", "")
		s.zoneName = zsess.GetString("zone_name", "")
		_ = zsess.Commit()
	} else {
		s.kaiserID = "god"
	}

	return s, nil
}

func (s *State) NodeID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nodeID
}

func (s *State) KaiserID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.kaiserID
}

func (s *State) ZoneAssignment() (zoneID, masterZoneID, zoneName string, assigned bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.zoneID, s.masterZoneID, s.zoneName, s.zoneID != ""
}

// AssignZone persists a new zone assignment (spec §4.11: "update zone
// record, persist, update topic-builder kaiser prefix"). kaiserID is
// optional — empty leaves the current kaiser id unchanged.
func (s *State) AssignZone(kaiserID, zoneID, masterZoneID, zoneName string) error {
	s.mu.Lock()
	if kaiserID != "" {
		s.kaiserID = kaiserID
	}
	s.zoneID = zoneID
	s.masterZoneID = masterZoneID
	s.zoneName = zoneName
	curKaiser, curZone, curMaster, curName := s.kaiserID, s.zoneID, s.masterZoneID, s.zoneName
	s.mu.Unlock()

	sess, err := s.store.Begin(storage.NSZoneConfig, false)
	if err != nil {
		return err
	}
	_ = sess.PutString("kaiser_id", curKaiser)
	_ = sess.PutString("zone_id", curZone)
	_ = sess.PutString("master_zone_id", curMaster)
	_ = sess.PutString("zone_name", curName)
	return sess.Commit()
}

// Approved reports whether the Server has approved this node (spec
// §4.6). While false, measurement and command execution are suppressed.
func (s *State) Approved() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.approved
}

// OnApproved implements transport.ApprovalHandler: persists approved=true
// plus the approval timestamp and transitions OPERATIONAL without a
// reboot (spec §4.6).
func (s *State) OnApproved(tsEpoch int64) {
	s.mu.Lock()
	s.approved = true
	s.approvedAtEpoch = tsEpoch
	s.mu.Unlock()

	sess, err := s.store.Begin(storage.NSSystemConfig, false)
	if err != nil {
		return
	}
	_ = sess.PutBool("approved", true)
	_ = sess.PutU32("approved_at", uint32(tsEpoch))
	_ = sess.Commit()
}

// OnPendingApproval implements transport.ApprovalHandler: remains
// PENDING_APPROVAL, does not persist (spec §4.6).
func (s *State) OnPendingApproval() {}

// OnRejected implements transport.ApprovalHandler: clears the in-memory
// and persisted approval flag (spec §4.6). State keeps no separate ERROR
// status; after a rejection the node is unapproved, the same as while
// pending approval.
func (s *State) OnRejected() {
	s.mu.Lock()
	s.approved = false
	s.approvedAtEpoch = 0
	s.mu.Unlock()

	sess, err := s.store.Begin(storage.NSSystemConfig, false)
	if err != nil {
		return
	}
	_ = sess.PutBool("approved", false)
	_ = sess.Commit()
}

// ApprovedAt returns the epoch-seconds timestamp of the last approval.
func (s *State) ApprovedAt() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.approvedAtEpoch
}

// NowEpoch is a small convenience re-export so callers constructing
// wire payloads don't need to import x/timex directly for this one call.
func NowEpoch() int64 { return timex.NowUnixSec() }
