package storage

import (
	"fmt"
	"strings"
)

// List is the indexed list-typed layout spec §4.4 describes for
// sensors/actuators/subzones: a "{kind}_count" key plus per-slot fields
// "{kind}_{i}_{field}". Removal closes the gap by shifting later slots
// down rather than leaving holes.
type List struct {
	s    *Session
	kind string
}

// NewList binds a List view to an open session for the given kind
// ("sensor", "actuator", "subzone").
func NewList(s *Session, kind string) *List {
	return &List{s: s, kind: kind}
}

func (l *List) countKey() string { return l.kind + "_count" }

// FieldKey builds the "{kind}_{i}_{field}" slot key for index i.
func (l *List) FieldKey(i int, field string) string {
	return fmt.Sprintf("%s_%d_%s", l.kind, i, field)
}

// Count returns the current slot count (0 if never written).
func (l *List) Count() int { return int(l.s.GetU32(l.countKey(), 0)) }

// SetCount persists the slot count.
func (l *List) SetCount(n int) error { return l.s.PutU32(l.countKey(), uint32(n)) }

// RemoveAt shifts every slot after i down by one and decrements the
// count, closing the gap left by removing slot i. fields names every
// string field the caller stores per slot (callers own u32/bool fields
// separately and must shift those themselves if present — the sensor
// and actuator registries do not call RemoveAt; their Remove rewrites
// the whole list).
func (l *List) RemoveAt(i int, fields []string) error {
	count := l.Count()
	if i < 0 || i >= count {
		return nil
	}
	for j := i; j < count-1; j++ {
		for _, f := range fields {
			v := l.s.GetString(l.FieldKey(j+1, f), "")
			if err := l.s.PutString(l.FieldKey(j, f), v); err != nil {
				return err
			}
		}
	}
	for _, f := range fields {
		if err := l.s.Erase(l.FieldKey(count-1, f)); err != nil {
			return err
		}
	}
	return l.SetCount(count - 1)
}

// subzoneIDsKey is the separate comma-separated enumeration key spec
// §4.4 calls for: "a separate key stores a comma-separated list of
// subzone ids to enumerate without scanning indices."
const subzoneIDsKey = "subzone_ids"

// PutSubzoneIDs persists the enumeration key.
func (s *Session) PutSubzoneIDs(ids []string) error {
	return s.PutString(subzoneIDsKey, strings.Join(ids, ","))
}

// GetSubzoneIDs reads the enumeration key.
func (s *Session) GetSubzoneIDs() []string {
	raw := s.GetString(subzoneIDsKey, "")
	if raw == "" {
		return nil
	}
	return strings.Split(raw, ",")
}
