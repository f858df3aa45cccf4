package actuators

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// ParseCommandPin extracts <pin> from a ".../actuator/<pin>/command"
// topic (spec §4.9 step 1). ok is false on any parse failure.
func ParseCommandPin(topic string) (pin int, ok bool) {
	parts := strings.Split(strings.Trim(topic, "/"), "/")
	if len(parts) != 3 || parts[0] != "actuator" || parts[2] != "command" {
		return 0, false
	}
	n, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, false
	}
	return n, true
}

// commandPayload is the inbound command schema of spec §4.9 step 2.
type commandPayload struct {
	Command  string   `json:"command"`
	Value    *float64 `json:"value,omitempty"`
	Duration *int64   `json:"duration,omitempty"`
}

type responsePayload struct {
	EspID    string   `json:"esp_id"`
	ZoneID   string   `json:"zone_id"`
	TS       int64    `json:"ts"`
	Pin      int      `json:"pin"`
	Command  string   `json:"command"`
	Value    *float64 `json:"value,omitempty"`
	Duration *int64   `json:"duration,omitempty"`
	Success  bool     `json:"success"`
	Message  string   `json:"message"`
}

type alertPayload struct {
	EspID  string `json:"esp_id"`
	TS     int64  `json:"ts"`
	Pin    int    `json:"pin"`
	Reason string `json:"reason"`
}

// HandleCommand is the Command Router's C9 entry point (spec §4.9).
// topic is the ".../actuator/<pin>/command" suffix; nowWall is the
// epoch-seconds wall clock for the wire payloads.
func (r *Registry) HandleCommand(topic string, payload []byte, nowWall int64) {
	pin, ok := ParseCommandPin(topic)
	if !ok {
		r.log.Warnw("actuator command: invalid topic", "topic", topic)
		return
	}

	if r.identity != nil && !r.identity.Approved() {
		return // spec §7: command execution suppressed until approved
	}

	var cmd commandPayload
	if err := json.Unmarshal(payload, &cmd); err != nil {
		r.respond(pin, "", nil, nil, false, "invalid_payload", nowWall)
		return
	}

	idx := r.indexOf(pin)
	if idx < 0 {
		r.respond(pin, cmd.Command, cmd.Value, cmd.Duration, false, "unknown_actuator", nowWall)
		return
	}
	e := r.entries[idx]
	if e.driver.Status().Emergency {
		r.publishAlert(pin, "emergency_stop", nowWall)
		r.respond(pin, cmd.Command, cmd.Value, cmd.Duration, false, "emergency_stopped", nowWall)
		return
	}

	success, message := r.route(pin, e, cmd, nowWall)
	r.respond(pin, cmd.Command, cmd.Value, cmd.Duration, success, message, nowWall)
	if success {
		r.publishStatus(e, nowWall)
	}
}

// route dispatches the command to the driver and turns a rejection
// reason into a descriptive response message, publishing a protection
// alert when the rejection is a runtime protection trip (spec §7, S2:
// a rejected ON must produce both an alert and a message distinguishing
// it from other failure causes).
func (r *Registry) route(pin int, e entry, cmd commandPayload, nowWall int64) (bool, string) {
	var ok bool
	var reason string
	switch strings.ToUpper(cmd.Command) {
	case "ON":
		ok, reason = e.driver.SetBinary(true)
	case "OFF":
		ok, reason = e.driver.SetBinary(false)
	case "PWM":
		if cmd.Value == nil {
			return false, "missing value"
		}
		ok, reason = e.driver.SetLevel(clamp01(*cmd.Value))
	case "TOGGLE":
		ok, reason = e.driver.SetBinary(!e.driver.Status().State)
	default:
		return false, "unknown_command"
	}
	if ok {
		return true, ""
	}
	if reason == "runtime_protection" {
		r.publishAlert(pin, "runtime_protection", nowWall)
	}
	return false, describeRejection(reason)
}

// describeRejection turns a driver rejection reason into the response
// message's text, so a protection trip reads differently from any other
// cause of failure.
func describeRejection(reason string) string {
	switch reason {
	case "runtime_protection":
		return "rejected: runtime protection active"
	case "not_initialized":
		return "actuator not initialized"
	case "emergency_stopped":
		return "actuator emergency stopped"
	case "":
		return "command failed"
	default:
		return reason
	}
}

func (r *Registry) respond(pin int, command string, value *float64, duration *int64, success bool, message string, nowWall int64) {
	if r.publish == nil {
		return
	}
	zoneID, _, _, _ := r.identity.ZoneAssignment()
	payload := responsePayload{
		EspID:    r.identity.NodeID(),
		ZoneID:   zoneID,
		TS:       nowWall,
		Pin:      pin,
		Command:  command,
		Value:    value,
		Duration: duration,
		Success:  success,
		Message:  message,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return
	}
	topic := fmt.Sprintf("%s/actuator/%d/response", r.baseTopic(), pin)
	r.publish.Publish(topic, body, 1)
}

func (r *Registry) publishAlert(pin int, reason string, nowWall int64) {
	if r.publish == nil {
		return
	}
	body, err := json.Marshal(alertPayload{EspID: r.identity.NodeID(), TS: nowWall, Pin: pin, Reason: reason})
	if err != nil {
		return
	}
	topic := fmt.Sprintf("%s/actuator/%d/alert", r.baseTopic(), pin)
	r.publish.Publish(topic, body, 1)
}
