package router

import (
	"encoding/json"
)

// zoneAssignPayload is the inbound zone/assign schema (spec §4.11).
type zoneAssignPayload struct {
	KaiserID     string `json:"kaiser_id"`
	ZoneID       string `json:"zone_id"`
	MasterZoneID string `json:"master_zone_id"`
	ZoneName     string `json:"zone_name"`
}

type ackPayload struct {
	EspID  string `json:"esp_id"`
	Status string `json:"status"`
	TS     int64  `json:"ts"`
}

// handleZoneAssign updates the zone record, persists it, switches the
// topic-builder's kaiser prefix, publishes zone/ack, and force-publishes
// a heartbeat under the new prefix (spec §4.11). Subscriptions are left
// alone — they rebuild on next reconnect (spec §4.6).
func (r *Router) handleZoneAssign(payload []byte, nowWall int64) {
	var msg zoneAssignPayload
	if err := json.Unmarshal(payload, &msg); err != nil {
		r.log.Warnw("invalid zone/assign payload", "err", err)
		return
	}
	if r.zone != nil {
		if err := r.zone.AssignZone(msg.KaiserID, msg.ZoneID, msg.MasterZoneID, msg.ZoneName); err != nil {
			r.log.Warnw("zone assign persist failed, retaining in-memory state", "err", err)
		}
	}
	if r.kaiser != nil && msg.KaiserID != "" {
		r.kaiser.SetKaiserID(msg.KaiserID)
	}

	espID := ""
	if r.identity != nil {
		espID = r.identity.NodeID()
	}
	r.publishJSON("zone/ack", ackPayload{EspID: espID, Status: "ok", TS: nowWall})

	if r.heartbeat != nil {
		r.heartbeat.ForceHeartbeat()
	}
}

// subzoneAssignPayload is the inbound subzone/assign schema. A subzone
// is created implicitly by its first pin assignment.
type subzoneAssignPayload struct {
	SubzoneID    string `json:"subzone_id"`
	Pin          int    `json:"pin"`
	ParentZoneID string `json:"parent_zone_id,omitempty"`
}

type subzoneRemovePayload struct {
	Pin int `json:"pin"`
}

// handleSubzoneAssign delegates to C2's assign_to_subzone and persists
// the assignment so it survives reboot, then publishes subzone/ack
// (spec §4.11). parent_zone_id must equal the node's current zone or be
// empty (spec §3 subzone invariant).
func (r *Router) handleSubzoneAssign(payload []byte, nowWall int64) {
	var msg subzoneAssignPayload
	if err := json.Unmarshal(payload, &msg); err != nil {
		r.log.Warnw("invalid subzone/assign payload", "err", err)
		return
	}
	if msg.ParentZoneID != "" && r.identity != nil {
		zoneID, _, _, _ := r.identity.ZoneAssignment()
		if msg.ParentZoneID != zoneID {
			r.log.Warnw("subzone assign parent_zone_id mismatch, rejecting", "parent_zone_id", msg.ParentZoneID, "node_zone_id", zoneID)
			r.publishSubzoneAck(false, nowWall)
			return
		}
	}
	if r.pins == nil {
		r.publishSubzoneAck(false, nowWall)
		return
	}
	if err := r.pins.AssignToSubzone(msg.Pin, msg.SubzoneID); err != nil {
		r.log.Warnw("subzone assign failed", "pin", msg.Pin, "subzone_id", msg.SubzoneID, "err", err)
		r.publishSubzoneAck(false, nowWall)
		return
	}
	if err := r.persistSubzoneAssignment(msg.Pin, msg.SubzoneID, msg.ParentZoneID); err != nil {
		r.log.Warnw("subzone assign persist failed, retaining in-memory state", "err", err)
	}
	r.publishSubzoneAck(true, nowWall)
}

// handleSubzoneRemove delegates to C2's remove_from_subzone and persists
// the removal, then publishes subzone/ack.
func (r *Router) handleSubzoneRemove(payload []byte, nowWall int64) {
	var msg subzoneRemovePayload
	if err := json.Unmarshal(payload, &msg); err != nil {
		r.log.Warnw("invalid subzone/remove payload", "err", err)
		return
	}
	if r.pins != nil {
		if err := r.pins.RemoveFromSubzone(msg.Pin); err != nil {
			r.log.Warnw("subzone remove failed", "pin", msg.Pin, "err", err)
			r.publishSubzoneAck(false, nowWall)
			return
		}
	}
	if err := r.removeSubzoneAssignment(msg.Pin); err != nil {
		r.log.Warnw("subzone remove persist failed, retaining in-memory state", "err", err)
	}
	r.publishSubzoneAck(true, nowWall)
}

func (r *Router) publishSubzoneAck(ok bool, nowWall int64) {
	status := "ok"
	if !ok {
		status = "error"
	}
	espID := ""
	if r.identity != nil {
		espID = r.identity.NodeID()
	}
	r.publishJSON("subzone/ack", ackPayload{EspID: espID, Status: status, TS: nowWall})
}
