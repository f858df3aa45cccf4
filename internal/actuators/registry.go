package actuators

import (
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/jangala-dev/nodecore/errcode"
	"github.com/jangala-dev/nodecore/internal/pinreg"
	"github.com/jangala-dev/nodecore/internal/storage"
)

// Capacity is the maximum number of concurrently configured actuators
// (spec §4.9, glossary M=12).
const Capacity = 12

const listKind = "ac"

// Result is the outcome of a configure/remove call.
type Result struct {
	OK   bool
	Code errcode.Code
}

// Identity supplies topic-building identity and the approval gate
// (command execution is suppressed while unapproved, spec §7).
type Identity interface {
	NodeID() string
	KaiserID() string
	ZoneAssignment() (zoneID, masterZoneID, zoneName string, assigned bool)
	Approved() bool
}

// Publisher is the minimal transport dependency the registry needs.
type Publisher interface {
	Publish(topic string, payload []byte, qos byte) bool
}

// entry pairs a persisted Record with its live Driver instance.
type entry struct {
	rec    Record
	driver Driver
}

// Config bundles Registry's construction-time dependencies.
type Config struct {
	Log      *zap.SugaredLogger
	Pins     *pinreg.Registry
	Store    *storage.Facade
	GPIO     GPIOWriter
	Identity Identity
	Publish  Publisher
	NowMs    func() int64
}

// Registry is the Actuator Registry & Drivers (C9).
type Registry struct {
	log      *zap.SugaredLogger
	pins     *pinreg.Registry
	store    *storage.Facade
	gpio     GPIOWriter
	identity Identity
	publish  Publisher
	nowMs    func() int64

	entries []entry

	lastStatusMs      int64
	statusInitialized bool
}

// New constructs a Registry from cfg.
func New(cfg Config) *Registry {
	if cfg.Log == nil {
		cfg.Log = zap.NewNop().Sugar()
	}
	return &Registry{
		log:      cfg.Log,
		pins:     cfg.Pins,
		store:    cfg.Store,
		gpio:     cfg.GPIO,
		identity: cfg.Identity,
		publish:  cfg.Publish,
		nowMs:    cfg.NowMs,
	}
}

func ownerName(pin int) string { return fmt.Sprintf("actuator-%d", pin) }

func (r *Registry) indexOf(pin int) int {
	for i, e := range r.entries {
		if e.rec.Pin == pin {
			return i
		}
	}
	return -1
}

// Configure validates, claims the pin(s) via C2, constructs the kind's
// driver, and persists via C4 (spec §4.9, mirroring C8's configure).
func (r *Registry) Configure(rec Record) Result {
	if rec.Kind == "" || rec.Pin > 39 || rec.Pin == 255 {
		return Result{false, errcode.ValidationFailed}
	}
	idx := r.indexOf(rec.Pin)
	if idx < 0 && len(r.entries) >= Capacity {
		return Result{false, errcode.ActuatorCapacity}
	}

	safedBefore := rec.SubzoneID != "" && r.pins != nil && r.pins.SubzoneSafeModeActive(rec.SubzoneID)

	if r.pins != nil {
		if _, err := r.pins.Request(rec.Pin, pinreg.Actuator, ownerName(rec.Pin)); err != nil {
			return Result{false, errcode.GPIOConflict}
		}
		_ = r.pins.SetMode(rec.Pin, pinreg.Output)
		if rec.Kind == KindPositionValve && rec.Pin2 != 0 {
			if _, err := r.pins.Request(rec.Pin2, pinreg.Actuator, ownerName(rec.Pin)); err != nil {
				r.pins.Release(rec.Pin)
				return Result{false, errcode.GPIOConflict}
			}
			_ = r.pins.SetMode(rec.Pin2, pinreg.Output)
		}
		if rec.SubzoneID != "" {
			if err := r.pins.AssignToSubzone(rec.Pin, rec.SubzoneID); err != nil {
				return Result{false, errcode.GPIOConflict}
			}
			if rec.Kind == KindPositionValve && rec.Pin2 != 0 {
				_ = r.pins.AssignToSubzone(rec.Pin2, rec.SubzoneID)
			}
			if safedBefore {
				_ = r.pins.EnableSafeModeForSubzone(rec.SubzoneID)
			}
		}
	}

	drv := NewDriver(rec.Kind, r.gpio, r.nowMs)
	if drv == nil {
		return Result{false, errcode.ValidationFailed}
	}
	drv.Init(rec)

	if idx < 0 {
		r.entries = append(r.entries, entry{rec: rec, driver: drv})
	} else {
		r.entries[idx] = entry{rec: rec, driver: drv}
	}

	if err := r.persist(); err != nil {
		r.log.Warnw("actuator config persist failed, retaining in-memory state", "pin", rec.Pin, "err", err)
		return Result{false, errcode.NVSWriteFailed}
	}
	return Result{true, errcode.OK}
}

// Remove releases the pin(s) via C2, shifts the in-memory array, and
// persists.
func (r *Registry) Remove(pin int) Result {
	idx := r.indexOf(pin)
	if idx < 0 {
		return Result{false, errcode.ValidationFailed}
	}
	rec := r.entries[idx].rec
	if r.pins != nil {
		_ = r.pins.Release(rec.Pin)
		if rec.Pin2 != 0 {
			_ = r.pins.Release(rec.Pin2)
		}
	}
	r.entries = append(r.entries[:idx], r.entries[idx+1:]...)
	if err := r.persist(); err != nil {
		return Result{false, errcode.NVSWriteFailed}
	}
	return Result{true, errcode.OK}
}

func (r *Registry) persist() error {
	if r.store == nil {
		return nil
	}
	sess, err := r.store.Begin(storage.NSActuatorConfig, false)
	if err != nil {
		return err
	}
	list := storage.NewList(sess, listKind)
	for i, e := range r.entries {
		blob, _ := json.Marshal(e.rec)
		if err := sess.PutString(list.FieldKey(i, "rec"), string(blob)); err != nil {
			sess.Abandon()
			return err
		}
	}
	if err := list.SetCount(len(r.entries)); err != nil {
		sess.Abandon()
		return err
	}
	return sess.Commit()
}

// Load restores the actuator table from C4 at boot.
func (r *Registry) Load() error {
	if r.store == nil {
		return nil
	}
	sess, err := r.store.Begin(storage.NSActuatorConfig, true)
	if err != nil {
		return nil
	}
	defer sess.Commit()
	list := storage.NewList(sess, listKind)
	n := list.Count()
	entries := make([]entry, 0, n)
	for i := 0; i < n; i++ {
		raw := sess.GetString(list.FieldKey(i, "rec"), "")
		if raw == "" {
			continue
		}
		var rec Record
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			continue
		}
		drv := NewDriver(rec.Kind, r.gpio, r.nowMs)
		if drv == nil {
			continue
		}
		if r.pins != nil {
			if _, err := r.pins.Request(rec.Pin, pinreg.Actuator, ownerName(rec.Pin)); err == nil {
				_ = r.pins.SetMode(rec.Pin, pinreg.Output)
				if rec.SubzoneID != "" {
					_ = r.pins.AssignToSubzone(rec.Pin, rec.SubzoneID)
				}
			}
			if rec.Kind == KindPositionValve && rec.Pin2 != 0 {
				if _, err := r.pins.Request(rec.Pin2, pinreg.Actuator, ownerName(rec.Pin)); err == nil {
					_ = r.pins.SetMode(rec.Pin2, pinreg.Output)
				}
			}
		}
		drv.Init(rec)
		entries = append(entries, entry{rec: rec, driver: drv})
	}
	r.entries = entries
	return nil
}

// Records returns a snapshot of the currently configured actuators.
func (r *Registry) Records() []Record {
	out := make([]Record, len(r.entries))
	for i, e := range r.entries {
		out[i] = e.rec
	}
	return out
}

// Tick advances every driver's internal state machine (pump accumulated
// runtime, valve in-progress motion) every scheduler loop iteration.
func (r *Registry) Tick(nowMs int64) {
	for _, e := range r.entries {
		e.driver.Tick(nowMs)
	}
}

// EmergencyStopAll calls emergency_stop on every driver (spec §4.10,
// invoked by the Safety Controller — kept here rather than duplicated so
// C10 never reaches around C9 into raw pins).
func (r *Registry) EmergencyStopAll(reason string) {
	for _, e := range r.entries {
		e.driver.EmergencyStop(reason)
	}
}

// ClearEmergencyAll calls clear_emergency on every driver (spec §4.10).
func (r *Registry) ClearEmergencyAll() {
	for _, e := range r.entries {
		e.driver.ClearEmergency()
	}
}

func (r *Registry) baseTopic() string {
	return fmt.Sprintf("%s/esp/%s", r.identity.KaiserID(), r.identity.NodeID())
}

type statusPayload struct {
	EspID     string  `json:"esp_id"`
	ZoneID    string  `json:"zone_id"`
	SubzoneID string  `json:"subzone_id"`
	TS        int64   `json:"ts"`
	Pin       int     `json:"pin"`
	Kind      string  `json:"kind"`
	State     bool    `json:"state"`
	PWM       float64 `json:"pwm"`
	RuntimeMs int64   `json:"runtime_ms"`
	Emergency bool    `json:"emergency"`
}

func (r *Registry) publishStatus(e entry, nowWall int64) {
	if r.publish == nil {
		return
	}
	st := e.driver.Status()
	zoneID, _, _, _ := r.identity.ZoneAssignment()
	payload := statusPayload{
		EspID:     r.identity.NodeID(),
		ZoneID:    zoneID,
		SubzoneID: e.rec.SubzoneID,
		TS:        nowWall,
		Pin:       e.rec.Pin,
		Kind:      e.rec.Kind,
		State:     st.State,
		PWM:       st.PWM,
		RuntimeMs: st.RuntimeMs,
		Emergency: st.Emergency,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return
	}
	topic := fmt.Sprintf("%s/actuator/%d/status", r.baseTopic(), e.rec.Pin)
	r.publish.Publish(topic, body, 1)
}

// statusEvery is the periodic publish_all_status cadence (spec §4.9).
const statusEvery = 30 * time.Second

// PublishAllStatus is invoked periodically regardless of commands (spec
// §4.9: "every 30 s").
func (r *Registry) PublishAllStatus(nowMonoMs, nowWall int64) {
	if r.statusInitialized && nowMonoMs-r.lastStatusMs < statusEvery.Milliseconds() {
		return
	}
	for _, e := range r.entries {
		r.publishStatus(e, nowWall)
	}
	r.lastStatusMs = nowMonoMs
	r.statusInitialized = true
}
