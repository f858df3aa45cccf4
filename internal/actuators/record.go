package actuators

// Actuator kinds spec §4.9 names.
const (
	KindBinaryPump    = "binary-pump"
	KindPositionValve = "position-valve"
	KindPWM           = "pwm"
)

// ProtectionConfig is the binary-pump protection record of spec §4.9:
// runtime/duty-cycle limits enforced by can_activate().
type ProtectionConfig struct {
	MaxRunMs                uint32 `json:"max_run_ms,omitempty"`
	CooldownMs              uint32 `json:"cooldown_ms,omitempty"`
	WindowMs                uint32 `json:"window_ms,omitempty"`
	MaxActivationsPerWindow int    `json:"max_activations_per_window,omitempty"`
}

// Record is the actuator configuration record of spec §3/§4.9. Pin is
// the primary GPIO (pump drive pin / valve direction pin / PWM pin);
// Pin2 is the position-valve's enable pin. Fields not meaningful for a
// given Kind are simply left zero.
type Record struct {
	Pin          int              `json:"pin"`
	Pin2         int              `json:"pin2,omitempty"`
	Kind         string           `json:"kind"`
	SubzoneID    string           `json:"subzone_id,omitempty"`
	Inverted     bool             `json:"inverted,omitempty"`
	TransitionMs uint32           `json:"transition_ms,omitempty"`
	Protection   ProtectionConfig `json:"protection,omitempty"`
}
