// Package safety is the Safety Controller (C10): the
// NORMAL -> ACTIVE -> CLEARING -> RESUMING -> NORMAL emergency state
// machine of spec §4.10. It never touches a driver or a pin directly —
// every hardware action routes through C9's EmergencyStopAll/
// ClearEmergencyAll so the Safety Controller can never reach around the
// Actuator Registry into raw pins.
//
// The lifecycle is a small enum plus guarded transition methods: each
// transition checks the current state and rejects moves that skip a
// step (e.g. CLEARING can't jump straight to NORMAL without a passing
// verification).
package safety

import (
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// State is the Safety Controller's lifecycle state (spec §4.10).
type State int

const (
	Normal State = iota
	Active
	Clearing
	Resuming
)

func (s State) String() string {
	switch s {
	case Normal:
		return "normal"
	case Active:
		return "active"
	case Clearing:
		return "clearing"
	case Resuming:
		return "resuming"
	default:
		return "unknown"
	}
}

// ActuatorController is the narrow C9 boundary the Safety Controller
// drives — never a raw pin or driver handle.
type ActuatorController interface {
	EmergencyStopAll(reason string)
	ClearEmergencyAll()
}

// VerifySafety is the hardware/state-only safety check spec §4.10
// requires clear_emergency to run before resuming. It must never encode
// business priorities — only "is it physically safe to re-energize
// outputs right now".
type VerifySafety func() bool

// Publisher is the minimal transport dependency for alert publication.
type Publisher interface {
	Publish(topic string, payload []byte, qos byte) bool
}

// Identity supplies topic-building fields for alert payloads.
type Identity interface {
	NodeID() string
	KaiserID() string
}

// Config bundles Controller's construction-time dependencies.
type Config struct {
	Log                 *zap.SugaredLogger
	Actuators           ActuatorController
	Identity            Identity
	Publish             Publisher
	Verify              VerifySafety
	VerificationTimeout time.Duration
	NowMs               func() int64
}

// Controller is the Safety Controller (C10).
type Controller struct {
	log       *zap.SugaredLogger
	actuators ActuatorController
	identity  Identity
	publish   Publisher
	verify    VerifySafety
	verifyTO  time.Duration
	nowMs     func() int64

	state       State
	reason      string
	emergencyTS int64
}

// New constructs a Controller from cfg. A nil Verify always reports safe
// (used in tests / boards with no independent safety sensor path).
func New(cfg Config) *Controller {
	if cfg.Log == nil {
		cfg.Log = zap.NewNop().Sugar()
	}
	if cfg.VerificationTimeout == 0 {
		cfg.VerificationTimeout = 5 * time.Second // spec §4.10 default
	}
	if cfg.Verify == nil {
		cfg.Verify = func() bool { return true }
	}
	return &Controller{
		log:       cfg.Log,
		actuators: cfg.Actuators,
		identity:  cfg.Identity,
		publish:   cfg.Publish,
		verify:    cfg.Verify,
		verifyTO:  cfg.VerificationTimeout,
		nowMs:     cfg.NowMs,
		state:     Normal,
	}
}

// State reports the controller's current lifecycle state.
func (c *Controller) State() State { return c.state }

func (c *Controller) now() int64 {
	if c.nowMs != nil {
		return c.nowMs()
	}
	return 0
}

// EmergencyStopAll drives every actuator to its emergency state and
// transitions NORMAL/CLEARING/RESUMING -> ACTIVE. A second call while
// already ACTIVE is an idempotent no-op (spec §4.10), so emergency_ts is
// only ever stamped on the transition that actually engages the stop.
func (c *Controller) EmergencyStopAll(reason string) {
	if c.state == Active {
		return
	}
	c.state = Active
	c.reason = reason
	c.emergencyTS = c.now()
	if c.actuators != nil {
		c.actuators.EmergencyStopAll(reason)
	}
	c.log.Warnw("emergency stop engaged", "reason", reason)
	c.publishAlert("emergency_stop_all", reason)
}

// ClearEmergency moves ACTIVE -> CLEARING, enforces spec §4.10's
// verify_system_safety invariant (now - emergency_ts >=
// verification_timeout_ms) and runs the hardware/state-only verify
// check, then on success moves to RESUMING and clears every driver's
// emergency flag. Either check failing reverts to ACTIVE and publishes a
// verification_failed alert. No-op unless currently ACTIVE.
func (c *Controller) ClearEmergency() bool {
	if c.state != Active {
		return false
	}
	c.state = Clearing
	elapsed := c.now() - c.emergencyTS
	if elapsed < c.verifyTO.Milliseconds() || !c.verify() {
		c.state = Active
		c.log.Warnw("emergency clear verification failed, remaining active", "reason", c.reason, "elapsed_ms", elapsed)
		c.publishAlert("verification_failed", c.reason)
		return false
	}
	c.state = Resuming
	if c.actuators != nil {
		c.actuators.ClearEmergencyAll()
	}
	return true
}

// ResumeOperation completes RESUMING -> NORMAL. It does not re-activate
// any output — actuators stay in the off/neutral state the emergency
// stop left them in until new commands arrive; drivers already accept
// commands once ClearEmergency has cleared their emergency flags
// (spec §4.10).
func (c *Controller) ResumeOperation() bool {
	if c.state != Resuming {
		return false
	}
	c.state = Normal
	c.reason = ""
	c.log.Infow("emergency cleared, resuming normal operation")
	return true
}

type alertPayload struct {
	EspID  string `json:"esp_id"`
	Event  string `json:"event"`
	Reason string `json:"reason"`
	TS     int64  `json:"ts"`
}

func (c *Controller) publishAlert(event, reason string) {
	if c.publish == nil || c.identity == nil {
		return
	}
	var ts int64
	if c.nowMs != nil {
		ts = c.nowMs()
	}
	body, err := json.Marshal(alertPayload{EspID: c.identity.NodeID(), Event: event, Reason: reason, TS: ts})
	if err != nil {
		return
	}
	topic := fmt.Sprintf("%s/esp/%s/system/alert", c.identity.KaiserID(), c.identity.NodeID())
	c.publish.Publish(topic, body, 1)
}
