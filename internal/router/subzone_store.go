package router

import (
	"encoding/json"

	"github.com/jangala-dev/nodecore/internal/storage"
)

// subzoneListKind is the storage.List discriminant for persisted
// pin-to-subzone assignments (spec §4.4: a list-typed layout plus a
// separate subzone-id enumeration key).
const subzoneListKind = "sz"

type subzoneAssignment struct {
	Pin          int    `json:"pin"`
	SubzoneID    string `json:"subzone_id"`
	ParentZoneID string `json:"parent_zone_id,omitempty"`
}

// persistSubzoneAssignment records pin's subzone membership so C2's
// in-memory-only assignment survives reboot (spec §4.11: "C2 subzone
// ops + C4 persistence"). A pin already present is updated in place.
func (r *Router) persistSubzoneAssignment(pin int, subzoneID, parentZoneID string) error {
	if r.store == nil {
		return nil
	}
	sess, err := r.store.Begin(storage.NSSubzoneConfig, false)
	if err != nil {
		return err
	}
	list := storage.NewList(sess, subzoneListKind)
	n := list.Count()
	idx := -1
	for i := 0; i < n; i++ {
		raw := sess.GetString(list.FieldKey(i, "rec"), "")
		var a subzoneAssignment
		if json.Unmarshal([]byte(raw), &a) == nil && a.Pin == pin {
			idx = i
			break
		}
	}
	blob, _ := json.Marshal(subzoneAssignment{Pin: pin, SubzoneID: subzoneID, ParentZoneID: parentZoneID})
	if idx < 0 {
		idx = n
		n++
	}
	if err := sess.PutString(list.FieldKey(idx, "rec"), string(blob)); err != nil {
		sess.Abandon()
		return err
	}
	if err := list.SetCount(n); err != nil {
		sess.Abandon()
		return err
	}
	ids := sess.GetSubzoneIDs()
	if !containsString(ids, subzoneID) {
		ids = append(ids, subzoneID)
		if err := sess.PutSubzoneIDs(ids); err != nil {
			sess.Abandon()
			return err
		}
	}
	return sess.Commit()
}

// removeSubzoneAssignment clears pin's persisted subzone membership.
func (r *Router) removeSubzoneAssignment(pin int) error {
	if r.store == nil {
		return nil
	}
	sess, err := r.store.Begin(storage.NSSubzoneConfig, false)
	if err != nil {
		return err
	}
	list := storage.NewList(sess, subzoneListKind)
	n := list.Count()
	for i := 0; i < n; i++ {
		raw := sess.GetString(list.FieldKey(i, "rec"), "")
		var a subzoneAssignment
		if json.Unmarshal([]byte(raw), &a) == nil && a.Pin == pin {
			if err := list.RemoveAt(i, []string{"rec"}); err != nil {
				sess.Abandon()
				return err
			}
			break
		}
	}
	return sess.Commit()
}

// LoadSubzoneAssignments replays persisted pin-to-subzone membership
// into C2 at boot (spec §4.11 persistence round trip). Call after
// pinreg.InitAllSafe and before sensor/actuator Load, so their own
// AssignToSubzone calls during Load see prior membership already
// in place.
func (r *Router) LoadSubzoneAssignments() error {
	if r.store == nil || r.pins == nil {
		return nil
	}
	sess, err := r.store.Begin(storage.NSSubzoneConfig, true)
	if err != nil {
		return nil
	}
	defer sess.Commit()
	list := storage.NewList(sess, subzoneListKind)
	n := list.Count()
	for i := 0; i < n; i++ {
		raw := sess.GetString(list.FieldKey(i, "rec"), "")
		if raw == "" {
			continue
		}
		var a subzoneAssignment
		if json.Unmarshal([]byte(raw), &a) != nil {
			continue
		}
		if err := r.pins.AssignToSubzone(a.Pin, a.SubzoneID); err != nil {
			r.log.Warnw("subzone assignment replay failed", "pin", a.Pin, "subzone_id", a.SubzoneID, "err", err)
		}
	}
	return nil
}

func containsString(xs []string, v string) bool {
	for _, x := range xs {
		if x == v {
			return true
		}
	}
	return false
}
