// Package pinreg is the Pin Registry (C2): the sole authority over pin
// ownership, mode, and safe-mode status (spec §3, §4.2). Sensor and
// actuator registries hold only a pin number and must acquire ownership
// through Request — they may never mutate a pin record directly.
//
// Ownership is claim-based: a single owner id is recorded per pin and a
// second Request for an already-claimed pin fails rather than silently
// reassigning it, so "exactly one owner" holds without extra locking at
// the call site.
package pinreg

import (
	"sync"

	"github.com/jangala-dev/nodecore/errcode"
	"go.uber.org/zap"
)

// OwnerKind is the pin record's owner discriminant (spec §3).
type OwnerKind int

const (
	Unowned OwnerKind = iota
	SystemBus
	Sensor
	Actuator
	SubzoneOwner
)

func (k OwnerKind) String() string {
	switch k {
	case Unowned:
		return "unowned"
	case SystemBus:
		return "system-bus"
	case Sensor:
		return "sensor"
	case Actuator:
		return "actuator"
	case SubzoneOwner:
		return "subzone"
	default:
		return "unknown"
	}
}

// Mode is the pin record's electrical/function mode (spec §3).
type Mode int

const (
	HighZPullUp Mode = iota
	Input
	Output
	AnalogIn
	PWM
	OneWire
)

// Driver is the hardware boundary the registry drives and verifies
// against. Implementations talk to real GPIO; tests supply a fake.
// Narrowed to the three operations the registry itself needs — actual
// sensor/actuator drivers get their own richer handles once they own a
// pin (out of this package's scope).
type Driver interface {
	// ConfigureHighZ puts the pin into high-impedance with pull-up.
	ConfigureHighZ(pin int) error
	// DriveInactive drives an output pin to its inactive level and waits
	// the settle time (spec §4.2: "10 µs settle") before any mode change.
	DriveInactive(pin int) error
	// ReadBack reports the pin's current observed mode, used by
	// init_all_safe to verify hardware state without failing boot on a
	// mismatch (spec §4.2: "log and count mismatches but do not fail").
	ReadBack(pin int) (Mode, error)
}

// Record is the pin record of spec §3.
type Record struct {
	Pin        int
	Owner      OwnerKind
	OwnerName  string
	Mode       Mode
	InSafeMode bool
	SubzoneID  string
}

// Registry is the Pin Registry (C2).
type Registry struct {
	mu       sync.Mutex
	driver   Driver
	log      *zap.SugaredLogger
	safeList map[int]bool
	pins     map[int]*Record
	mismatch int // hardware verification mismatches counted at boot
}

// New constructs a Registry. driver may be nil only in tests that never
// call init_all_safe/release paths touching hardware.
func New(driver Driver, log *zap.SugaredLogger) *Registry {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Registry{
		driver:   driver,
		log:      log,
		safeList: make(map[int]bool),
		pins:     make(map[int]*Record),
	}
}

// InitAllSafe is the boot-time operation of spec §4.2: every pin in the
// board's safe list is driven to high-Z-with-pull-up and marked
// in_safe_mode; the I²C SDA/SCL pins are reserved to system-bus and
// marked not-safe (they are never available for sensor/actuator claim).
func (r *Registry) InitAllSafe(safeList []int, i2cSDA, i2cSCL int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, p := range safeList {
		r.safeList[p] = true
		rec := &Record{Pin: p, Owner: Unowned, Mode: HighZPullUp, InSafeMode: true}
		if r.driver != nil {
			if err := r.driver.ConfigureHighZ(p); err != nil {
				r.log.Warnw("pin init_all_safe configure failed", "pin", p, "err", err)
			}
			if mode, err := r.driver.ReadBack(p); err == nil && mode != HighZPullUp {
				r.mismatch++
				r.log.Warnw("pin hardware verification mismatch at boot", "pin", p, "observed", mode)
			}
		}
		r.pins[p] = rec
	}

	for _, p := range []int{i2cSDA, i2cSCL} {
		rec, ok := r.pins[p]
		if !ok {
			rec = &Record{Pin: p}
			r.pins[p] = rec
		}
		rec.Owner = SystemBus
		rec.OwnerName = "system-bus"
		rec.Mode = Input
		rec.InSafeMode = false
		delete(r.safeList, p) // reserved pins are no longer claimable as "safe"
	}
	return nil
}

// Mismatches reports the count of hardware-verification mismatches seen
// during InitAllSafe (logged, never fatal, per spec §4.2).
func (r *Registry) Mismatches() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.mismatch
}

// Request acquires ownership of pin for owner/name. Fails PIN_NOT_SAFE if
// the pin isn't in the safe list, PIN_IN_USE if owned by a different
// name. Re-requesting with the same owner+name is idempotent (spec §8:
// "re-configuring a sensor on the same pin is idempotent").
func (r *Registry) Request(pin int, owner OwnerKind, name string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, known := r.pins[pin]
	if !known {
		if !r.safeList[pin] {
			return false, errcode.PinNotSafe
		}
		rec = &Record{Pin: pin, Owner: Unowned, Mode: HighZPullUp, InSafeMode: true}
		r.pins[pin] = rec
	}
	if !r.safeList[pin] && rec.Owner == Unowned {
		return false, errcode.PinNotSafe
	}
	if rec.Owner != Unowned {
		if rec.Owner == owner && rec.OwnerName == name {
			return true, nil // idempotent reconfigure
		}
		return false, errcode.PinInUse
	}

	rec.Owner = owner
	rec.OwnerName = name
	rec.InSafeMode = false
	delete(r.safeList, pin)
	return true, nil
}

// Release returns a pin to safe mode. If the pin's current mode is
// output, it is driven inactive and settled before the mode change
// (spec §3 invariant, §8 property 2).
func (r *Registry) Release(pin int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.pins[pin]
	if !ok {
		return errcode.PinNotRegistered
	}
	if rec.Mode == Output && r.driver != nil {
		if err := r.driver.DriveInactive(pin); err != nil {
			r.log.Warnw("drive-inactive before release failed", "pin", pin, "err", err)
		}
	}
	if r.driver != nil {
		if err := r.driver.ConfigureHighZ(pin); err != nil {
			r.log.Warnw("configure high-z on release failed", "pin", pin, "err", err)
		}
	}
	rec.Mode = HighZPullUp
	rec.Owner = Unowned
	rec.OwnerName = ""
	rec.InSafeMode = true
	rec.SubzoneID = ""
	r.safeList[pin] = true
	return nil
}

// IsAvailable reports whether pin is known and currently unowned.
func (r *Registry) IsAvailable(pin int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.pins[pin]
	return ok && rec.Owner == Unowned
}

// OwnerOf reports the current owner kind and name of pin.
func (r *Registry) OwnerOf(pin int) (OwnerKind, string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.pins[pin]
	if !ok {
		return Unowned, "", false
	}
	return rec.Owner, rec.OwnerName, true
}

// ModeOf reports the current mode of pin.
func (r *Registry) ModeOf(pin int) (Mode, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.pins[pin]
	if !ok {
		return HighZPullUp, false
	}
	return rec.Mode, true
}

// SetMode records a mode change for an already-owned pin (called by
// sensor/actuator configuration after Request succeeds, to move the pin
// from HighZPullUp into Input/Output/AnalogIn/PWM/OneWire).
func (r *Registry) SetMode(pin int, mode Mode) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.pins[pin]
	if !ok {
		return errcode.PinNotRegistered
	}
	rec.Mode = mode
	return nil
}

// AssignToSubzone assigns pin to subzoneID. Idempotent if already
// assigned to the same subzone (spec §4.2, §8); fails if assigned
// elsewhere.
func (r *Registry) AssignToSubzone(pin int, subzoneID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.pins[pin]
	if !ok {
		return errcode.PinNotRegistered
	}
	if rec.SubzoneID == subzoneID {
		return nil
	}
	if rec.SubzoneID != "" {
		return errcode.PinInUse
	}
	rec.SubzoneID = subzoneID
	return nil
}

// RemoveFromSubzone clears pin's subzone assignment.
func (r *Registry) RemoveFromSubzone(pin int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.pins[pin]
	if !ok {
		return errcode.PinNotRegistered
	}
	rec.SubzoneID = ""
	return nil
}

// SubzonePins lists pins currently assigned to subzoneID, in pin-number
// order.
func (r *Registry) SubzonePins(subzoneID string) []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	var pins []int
	for p, rec := range r.pins {
		if rec.SubzoneID == subzoneID {
			pins = append(pins, p)
		}
	}
	sortInts(pins)
	return pins
}

// EnableSafeModeForSubzone de-energizes every output pin in the subzone
// before switching it to high-Z-pull-up (spec §4.2: "de-energize each
// output, then high-Z-pull-up").
func (r *Registry) EnableSafeModeForSubzone(subzoneID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for p, rec := range r.pins {
		if rec.SubzoneID != subzoneID {
			continue
		}
		if rec.Mode == Output && r.driver != nil {
			if err := r.driver.DriveInactive(p); err != nil {
				r.log.Warnw("subzone safe-mode de-energize failed", "pin", p, "err", err)
			}
		}
		if r.driver != nil {
			if err := r.driver.ConfigureHighZ(p); err != nil {
				r.log.Warnw("subzone safe-mode configure failed", "pin", p, "err", err)
			}
		}
		rec.Mode = HighZPullUp
		rec.InSafeMode = true
	}
	return nil
}

// DisableSafeModeForSubzone clears the safe-mode flag for every pin in
// the subzone, leaving ownership and mode otherwise untouched — the
// owning sensor/actuator re-applies its operating mode.
func (r *Registry) DisableSafeModeForSubzone(subzoneID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range r.pins {
		if rec.SubzoneID == subzoneID {
			rec.InSafeMode = false
		}
	}
	return nil
}

// SubzoneSafeModeActive reports whether subzoneID already has at least
// one member pin and every member pin is currently in safe mode — the
// "already-safed subzone" test a newly-assigned pin is checked against
// (spec §9 Open Question: new members of an already-safed subzone must
// not be left energized).
func (r *Registry) SubzoneSafeModeActive(subzoneID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	found := false
	for _, rec := range r.pins {
		if rec.SubzoneID != subzoneID {
			continue
		}
		found = true
		if !rec.InSafeMode {
			return false
		}
	}
	return found
}

// EnableSafeModeAll is the emergency path (spec §4.2): every output pin
// is driven inactive first, then every registered pin is set to
// high-Z-pull-up.
func (r *Registry) EnableSafeModeAll() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for p, rec := range r.pins {
		if rec.Mode == Output && r.driver != nil {
			if err := r.driver.DriveInactive(p); err != nil {
				r.log.Warnw("emergency de-energize failed", "pin", p, "err", err)
			}
		}
	}
	for p, rec := range r.pins {
		if r.driver != nil {
			if err := r.driver.ConfigureHighZ(p); err != nil {
				r.log.Warnw("emergency configure high-z failed", "pin", p, "err", err)
			}
		}
		rec.Mode = HighZPullUp
		rec.InSafeMode = true
	}
	return nil
}

// sortInts is a tiny insertion sort — pin counts are small (<64) so this
// avoids pulling in sort for one call site's determinism need.
func sortInts(xs []int) {
	for i := 1; i < len(xs); i++ {
		for j := i; j > 0 && xs[j-1] > xs[j]; j-- {
			xs[j-1], xs[j] = xs[j], xs[j-1]
		}
	}
}
