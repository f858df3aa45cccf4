// Package sensors is the Sensor Registry & Poller (C8): configuration,
// persistence, and the serial measurement cycle of spec §4.8. A sensor
// never touches a pin directly — every claim runs through C2
// (internal/pinreg) and every raw read runs through C3 (internal/busio).
//
// One measurement cycle runs per tick, serial across sensors: a single
// sensor's failure is recorded and must not block the rest of the
// table's reads.
package sensors

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/jangala-dev/nodecore/errcode"
	"github.com/jangala-dev/nodecore/internal/busio"
	"github.com/jangala-dev/nodecore/internal/pinreg"
	"github.com/jangala-dev/nodecore/internal/storage"
	"github.com/jangala-dev/nodecore/internal/transport"
)

// Capacity is the maximum number of concurrently configured sensors
// (spec §4.8, glossary N=10).
const Capacity = 10

const listKind = "sn"

// Record is the sensor configuration record of spec §3/§9. I2CAddr and
// ROMID are the Open Question decisions recorded in DESIGN.md: an I²C
// sensor carries its device address as config rather than a hard-coded
// constant, and a single-wire sensor's 8-byte ROM id is a required part
// of its config rather than an optional/auto-discovered extra.
//
// Kind is left exactly as the inbound config message names it (spec §9's
// wire-level discriminant), not normalized to an internal enum, so that
// published readings echo the same kind string the Server configured —
// physicalKind below is what narrows it to a closed set of read paths.
type Record struct {
	Pin       int    `json:"pin"`
	Kind      string `json:"kind"`
	Name      string `json:"name,omitempty"`
	I2CAddr   uint8  `json:"i2c_addr,omitempty"`
	ROMID     string `json:"rom_id,omitempty"` // hex-encoded 8 bytes
	SubzoneID string `json:"subzone_id,omitempty"`
	Active    bool   `json:"active"`
	RawMode   bool   `json:"raw_mode,omitempty"`
}

// Result is the outcome of a configure/remove call (spec §4.8).
type Result struct {
	OK   bool
	Code errcode.Code
}

// Identity supplies the wire-payload identity fields (spec §4.8's
// esp_id/zone_id) and the approval gate (spec §7: measurement is
// suppressed while the node is not yet approved).
type Identity interface {
	NodeID() string
	KaiserID() string
	ZoneAssignment() (zoneID, masterZoneID, zoneName string, assigned bool)
	Approved() bool
}

// Publisher is the minimal transport dependency a poll needs.
type Publisher interface {
	Publish(topic string, payload []byte, qos byte) bool
}

// ErrorSink receives bus/processing failures for the ledger (C7).
type ErrorSink interface {
	Track(code errcode.Code, severity string, message string)
}

// Processor performs the out-of-band synchronous server-processing call
// (spec §4.8), guarded by its own circuit breaker.
type Processor interface {
	Process(req transport.ProcessRequest, timeout time.Duration) (transport.ProcessResult, bool)
}

const processTimeout = 5 * time.Second

// Config bundles Registry's construction-time dependencies.
type Config struct {
	Log       *zap.SugaredLogger
	Pins      *pinreg.Registry
	Store     *storage.Facade
	I2C       busio.I2CBus
	OneWire   busio.OneWireBus
	Analog    busio.AnalogReader
	Sleeper   busio.Sleeper
	Identity  Identity
	Publish   Publisher
	Errors    ErrorSink
	Processor Processor
	NowMs     func() int64 // monotonic millis (clock.Clock.NowMs)
	MeasEvery time.Duration
}

// Registry is the Sensor Registry & Poller (C8).
type Registry struct {
	log       *zap.SugaredLogger
	pins      *pinreg.Registry
	store     *storage.Facade
	i2c       busio.I2CBus
	oneWire   busio.OneWireBus
	analog    busio.AnalogReader
	sleeper   busio.Sleeper
	identity  Identity
	publish   Publisher
	errs      ErrorSink
	processor Processor
	nowMs     func() int64
	measEvery time.Duration

	lastPollMs      int64
	pollInitialized bool
	records         []Record
}

// New constructs a Registry from cfg.
func New(cfg Config) *Registry {
	if cfg.Log == nil {
		cfg.Log = zap.NewNop().Sugar()
	}
	if cfg.MeasEvery == 0 {
		cfg.MeasEvery = 30 * time.Second
	}
	return &Registry{
		log:       cfg.Log,
		pins:      cfg.Pins,
		store:     cfg.Store,
		i2c:       cfg.I2C,
		oneWire:   cfg.OneWire,
		analog:    cfg.Analog,
		sleeper:   cfg.Sleeper,
		identity:  cfg.Identity,
		publish:   cfg.Publish,
		errs:      cfg.Errors,
		processor: cfg.Processor,
		nowMs:     cfg.NowMs,
		measEvery: cfg.MeasEvery,
	}
}

func ownerName(pin int) string { return fmt.Sprintf("sensor-%d", pin) }

func (r *Registry) indexOf(pin int) int {
	for i, s := range r.records {
		if s.Pin == pin {
			return i
		}
	}
	return -1
}

// Configure validates, claims the pin via C2, and persists via C4 (spec
// §4.8). Re-configuring the same pin is an idempotent update.
func (r *Registry) Configure(rec Record) Result {
	if rec.Kind == "" || rec.Pin > 39 || rec.Pin == 255 {
		return Result{false, errcode.ValidationFailed}
	}
	idx := r.indexOf(rec.Pin)
	if idx < 0 && len(r.records) >= Capacity {
		return Result{false, errcode.SensorCapacity}
	}

	safedBefore := rec.SubzoneID != "" && r.pins != nil && r.pins.SubzoneSafeModeActive(rec.SubzoneID)

	if r.pins != nil {
		if _, err := r.pins.Request(rec.Pin, pinreg.Sensor, ownerName(rec.Pin)); err != nil {
			return Result{false, errcode.GPIOConflict}
		}
		_ = r.pins.SetMode(rec.Pin, modeForKind(rec.Kind))
		if rec.SubzoneID != "" {
			if err := r.pins.AssignToSubzone(rec.Pin, rec.SubzoneID); err != nil {
				r.pins.Release(rec.Pin)
				return Result{false, errcode.GPIOConflict}
			}
			if safedBefore {
				_ = r.pins.EnableSafeModeForSubzone(rec.SubzoneID)
			}
		}
	}

	if idx < 0 {
		r.records = append(r.records, rec)
	} else {
		r.records[idx] = rec
	}

	if err := r.persist(); err != nil {
		r.log.Warnw("sensor config persist failed, retaining in-memory state", "pin", rec.Pin, "err", err)
		return Result{false, errcode.NVSWriteFailed}
	}
	return Result{true, errcode.OK}
}

// physicalKind narrows the open-ended wire kind string onto the closed
// set of physical read paths spec §9's discriminant note calls for:
// onewire-temp, i2c, or analog — with analog also standing in as the
// "other/unknown" fallback arm, so an unrecognized kind still produces a
// reading rather than silently never polling.
func physicalKind(kind string) string {
	switch {
	case kind == "onewire-temp" || kind == "temperature_ds18b20":
		return "onewire-temp"
	case strings.HasPrefix(kind, "i2c"):
		return "i2c"
	default:
		return "analog"
	}
}

func modeForKind(kind string) pinreg.Mode {
	switch physicalKind(kind) {
	case "onewire-temp":
		return pinreg.OneWire
	case "i2c":
		return pinreg.Input
	default:
		return pinreg.AnalogIn
	}
}

// Remove releases pin via C2, shifts the in-memory array, and persists.
func (r *Registry) Remove(pin int) Result {
	idx := r.indexOf(pin)
	if idx < 0 {
		return Result{false, errcode.ValidationFailed}
	}
	if r.pins != nil {
		_ = r.pins.Release(pin)
	}
	r.records = append(r.records[:idx], r.records[idx+1:]...)
	if err := r.persist(); err != nil {
		return Result{false, errcode.NVSWriteFailed}
	}
	return Result{true, errcode.OK}
}

func (r *Registry) persist() error {
	if r.store == nil {
		return nil
	}
	sess, err := r.store.Begin(storage.NSSensorConfig, false)
	if err != nil {
		return err
	}
	list := storage.NewList(sess, listKind)
	for i, rec := range r.records {
		blob, _ := json.Marshal(rec)
		if err := sess.PutString(list.FieldKey(i, "rec"), string(blob)); err != nil {
			sess.Abandon()
			return err
		}
	}
	if err := list.SetCount(len(r.records)); err != nil {
		sess.Abandon()
		return err
	}
	return sess.Commit()
}

// Load restores the sensor table from C4 (boot-time restore). Pins are
// re-claimed via C2 exactly as Configure would.
func (r *Registry) Load() error {
	if r.store == nil {
		return nil
	}
	sess, err := r.store.Begin(storage.NSSensorConfig, true)
	if err != nil {
		return nil // spec §4.4: missing namespace is not fatal, just empty
	}
	defer sess.Commit()
	list := storage.NewList(sess, listKind)
	n := list.Count()
	recs := make([]Record, 0, n)
	for i := 0; i < n; i++ {
		raw := sess.GetString(list.FieldKey(i, "rec"), "")
		if raw == "" {
			continue
		}
		var rec Record
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			continue
		}
		if r.pins != nil {
			if _, err := r.pins.Request(rec.Pin, pinreg.Sensor, ownerName(rec.Pin)); err == nil {
				_ = r.pins.SetMode(rec.Pin, modeForKind(rec.Kind))
				if rec.SubzoneID != "" {
					_ = r.pins.AssignToSubzone(rec.Pin, rec.SubzoneID)
				}
			}
		}
		recs = append(recs, rec)
	}
	r.records = recs
	return nil
}

// Records returns a snapshot of the currently configured sensors.
func (r *Registry) Records() []Record {
	return append([]Record(nil), r.records...)
}

// dataPayload is the wire schema of spec §4.8.
type dataPayload struct {
	EspID          string  `json:"esp_id"`
	ZoneID         string  `json:"zone_id"`
	SubzoneID      string  `json:"subzone_id"`
	Pin            int     `json:"pin"`
	SensorKind     string  `json:"sensor_kind"`
	RawValue       int64   `json:"raw_value"`
	ProcessedValue float64 `json:"processed_value"`
	Unit           string  `json:"unit"`
	Quality        string  `json:"quality"`
	Valid          bool    `json:"valid"`
	Timestamp      int64   `json:"timestamp"`
}

// PollAll is the C1-driven measurement task (spec §4.8): gated by
// T_meas, serial and non-blocking between sensors — one failed read
// tracks an error and moves to the next sensor rather than aborting the
// cycle.
func (r *Registry) PollAll(nowWall int64) {
	if r.identity == nil || !r.identity.Approved() {
		return // spec §7: measurement suppressed until approved
	}
	now := r.monotonicNow()
	if r.pollInitialized && now-r.lastPollMs < r.measEvery.Milliseconds() {
		return
	}

	zoneID, _, _, _ := r.identity.ZoneAssignment()
	for _, s := range r.records {
		raw, ok := r.readRawByKind(s)
		if !ok {
			continue
		}
		var processed float64
		var unit, quality string
		var valid bool
		if !s.RawMode {
			processed, unit, quality, valid = r.requestProcessing(s, raw, nowWall)
		}
		r.publishData(s, zoneID, raw, processed, unit, quality, valid, nowWall)
	}
	r.lastPollMs = now
	r.pollInitialized = true
}

func (r *Registry) monotonicNow() int64 {
	if r.nowMs != nil {
		return r.nowMs()
	}
	return 0
}

func (r *Registry) readRawByKind(s Record) (int64, bool) {
	switch physicalKind(s.Kind) {
	case "onewire-temp":
		romBytes, err := hex.DecodeString(s.ROMID)
		if err != nil || len(romBytes) != 8 {
			r.trackErr(errcode.ValidationFailed, s.Pin, "missing/invalid rom id")
			return 0, false
		}
		var rom [8]byte
		copy(rom[:], romBytes)
		raw, ok, err := busio.ReadRawTemperature(r.oneWire, r.sleeper, rom)
		if err != nil || !ok {
			r.trackErr(errcode.Of(err), s.Pin, "onewire read failed")
			return 0, false
		}
		return int64(raw), true
	case "analog":
		raw, err := busio.ReadRawAnalog(r.analog, s.Pin)
		if err != nil {
			r.trackErr(errcode.Of(err), s.Pin, "analog read failed")
			return 0, false
		}
		return int64(raw), true
	default:
		// i2c-family kinds: a single register-0 read of 2 bytes. This
		// repo does not interpret device-specific register maps (spec
		// §1 Non-goals: no local calibration/filtering) — the raw pair
		// is handed to request_processing unparsed.
		buf := make([]byte, 2)
		ok, err := busio.ReadRawI2C(r.i2c, s.I2CAddr, 0x00, buf, 2)
		if err != nil || !ok {
			r.trackErr(errcode.Of(err), s.Pin, "i2c read failed")
			return 0, false
		}
		return int64(buf[0])<<8 | int64(buf[1]), true
	}
}

func (r *Registry) trackErr(code errcode.Code, pin int, msg string) {
	if r.errs != nil {
		r.errs.Track(code, "warning", fmt.Sprintf("sensor pin %d: %s", pin, msg))
	}
}

func (r *Registry) requestProcessing(s Record, raw int64, nowWall int64) (value float64, unit, quality string, valid bool) {
	if r.processor == nil {
		return 0, "", "", false
	}
	res, ok := r.processor.Process(transport.ProcessRequest{
		EspID:    r.identity.NodeID(),
		Pin:      s.Pin,
		Kind:     s.Kind,
		RawValue: raw,
		TS:       nowWall,
	}, processTimeout)
	if !ok {
		return 0, "", "", false
	}
	return res.Value, res.Unit, res.Quality, res.Valid
}

func (r *Registry) publishData(s Record, zoneID string, raw int64, value float64, unit, quality string, valid bool, nowWall int64) {
	if r.publish == nil {
		return
	}
	payload := dataPayload{
		EspID:          r.identity.NodeID(),
		ZoneID:         zoneID,
		SubzoneID:      s.SubzoneID,
		Pin:            s.Pin,
		SensorKind:     s.Kind,
		RawValue:       raw,
		ProcessedValue: value,
		Unit:           unit,
		Quality:        quality,
		Valid:          valid,
		Timestamp:      nowWall,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return
	}
	topic := fmt.Sprintf("%s/esp/%s/sensor/%d/data", r.identity.KaiserID(), r.identity.NodeID(), s.Pin)
	r.publish.Publish(topic, body, 1)
}
