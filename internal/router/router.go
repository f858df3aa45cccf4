// Package router is the Command Router (C11): the single inbound
// message dispatch table of spec §4.11, mapping a topic (relative to
// the node's own "<kaiser>/esp/<node>/" prefix, or the literal
// broadcast topic) to the component that owns it. It holds no business
// logic of its own beyond parsing the wire envelope and routing —
// every actual state change happens in C2/C6/C8/C9/C10/nodestate.
//
// Dispatch is a plain topic-prefix switch routing into per-subsystem
// handlers, not a general routing grammar — the table is a half-dozen
// exact/prefix literals.
package router

import (
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/jangala-dev/nodecore/errcode"
	"github.com/jangala-dev/nodecore/internal/actuators"
	"github.com/jangala-dev/nodecore/internal/pinreg"
	"github.com/jangala-dev/nodecore/internal/safety"
	"github.com/jangala-dev/nodecore/internal/sensors"
	"github.com/jangala-dev/nodecore/internal/storage"
	"github.com/jangala-dev/nodecore/internal/transport"
)

// Publisher is the minimal transport dependency for ack/response
// publication.
type Publisher interface {
	Publish(topic string, payload []byte, qos byte) bool
}

// Identity supplies the wire-payload identity fields every ack/response
// needs.
type Identity interface {
	NodeID() string
	KaiserID() string
	ZoneAssignment() (zoneID, masterZoneID, zoneName string, assigned bool)
}

// ZoneAssigner is the nodestate.State boundary for zone/assign (spec
// §4.11).
type ZoneAssigner interface {
	AssignZone(kaiserID, zoneID, masterZoneID, zoneName string) error
}

// KaiserSetter updates the transport client's topic-builder prefix.
type KaiserSetter interface {
	SetKaiserID(kaiserID string)
}

// HeartbeatForcer force-publishes a heartbeat outside its normal period
// (spec §4.11: zone/assign "force-publish heartbeat"). cmd/node supplies
// this as a closure since building the full heartbeat payload needs
// fields the router has no business owning.
type HeartbeatForcer interface {
	ForceHeartbeat()
}

// HeartbeatAckHandler processes system/heartbeat/ack (spec §4.6,
// implemented by *transport.Client).
type HeartbeatAckHandler interface {
	HandleHeartbeatAck(payload []byte)
}

// Rebooter performs a factory reset: clear wifi_config/zone_config
// (optionally preserving sensor_config/actuator_config) and reboot
// (spec §6).
type Rebooter interface {
	FactoryReset(preserveDeviceConfig bool)
}

// Config bundles Router's construction-time dependencies.
type Config struct {
	Log          *zap.SugaredLogger
	Sensors      *sensors.Registry
	Actuators    *actuators.Registry
	Safety       *safety.Controller
	Pins         *pinreg.Registry
	Store        *storage.Facade
	Identity     Identity
	Publish      Publisher
	Zone         ZoneAssigner
	Kaiser       KaiserSetter
	Heartbeat    HeartbeatForcer
	HeartbeatAck HeartbeatAckHandler
	Reboot       Rebooter
}

// Router is the Command Router (C11).
type Router struct {
	log          *zap.SugaredLogger
	sensors      *sensors.Registry
	actuators    *actuators.Registry
	safety       *safety.Controller
	pins         *pinreg.Registry
	store        *storage.Facade
	identity     Identity
	publish      Publisher
	zone         ZoneAssigner
	kaiser       KaiserSetter
	heartbeat    HeartbeatForcer
	heartbeatAck HeartbeatAckHandler
	reboot       Rebooter
}

// New constructs a Router from cfg.
func New(cfg Config) *Router {
	if cfg.Log == nil {
		cfg.Log = zap.NewNop().Sugar()
	}
	return &Router{
		log:          cfg.Log,
		sensors:      cfg.Sensors,
		actuators:    cfg.Actuators,
		safety:       cfg.Safety,
		pins:         cfg.Pins,
		store:        cfg.Store,
		identity:     cfg.Identity,
		publish:      cfg.Publish,
		zone:         cfg.Zone,
		kaiser:       cfg.Kaiser,
		heartbeat:    cfg.Heartbeat,
		heartbeatAck: cfg.HeartbeatAck,
		reboot:       cfg.Reboot,
	}
}

// HandleMessage is the single entry point every inbound message is
// routed through. topic is relative to the node's own prefix (e.g.
// "config", "actuator/4/command"), except for the literal broadcast
// emergency topic which is passed through unchanged (spec §4.11).
func (r *Router) HandleMessage(topic string, payload []byte, nowWall int64) {
	switch {
	case topic == "config":
		r.handleConfig(payload, nowWall)
	case topic == "actuator/emergency", topic == transport.BroadcastEmergencyTopic:
		r.handleEmergency(payload, nowWall)
	case strings.HasPrefix(topic, "actuator/") && strings.HasSuffix(topic, "/command"):
		if r.actuators != nil {
			r.actuators.HandleCommand(topic, payload, nowWall)
		}
	case topic == "system/command":
		r.handleSystemCommand(payload)
	case topic == "zone/assign":
		r.handleZoneAssign(payload, nowWall)
	case topic == "subzone/assign":
		r.handleSubzoneAssign(payload, nowWall)
	case topic == "subzone/remove":
		r.handleSubzoneRemove(payload, nowWall)
	case topic == "system/heartbeat/ack":
		if r.heartbeatAck != nil {
			r.heartbeatAck.HandleHeartbeatAck(payload)
		}
	default:
		r.log.Infow("unhandled topic, dropping", "topic", topic)
	}
}

func (r *Router) baseTopic() string {
	if r.identity == nil {
		return ""
	}
	return fmt.Sprintf("%s/esp/%s", r.identity.KaiserID(), r.identity.NodeID())
}

func (r *Router) publishJSON(suffix string, v any) {
	if r.publish == nil {
		return
	}
	body, err := json.Marshal(v)
	if err != nil {
		return
	}
	r.publish.Publish(r.baseTopic()+"/"+suffix, body, 1)
}

// --- config ---

// sensorConfigWire is the inbound wire shape of one sensors[] entry
// (e.g. {"gpio":4,"sensor_type":"temperature_ds18b20","sensor_name":"T1",
// "subzone_id":"A","active":true,"raw_mode":true}). Its field names
// differ from sensors.Record's persisted shape, so config ingestion
// maps them explicitly here rather than unmarshalling straight into the
// internal type. A record's Kind keeps the wire's sensor_type string
// verbatim (sensors.physicalKind narrows it for the read path), so data
// published later echoes the same kind the Server configured.
type sensorConfigWire struct {
	Pin       int    `json:"gpio"`
	Kind      string `json:"sensor_type"`
	Name      string `json:"sensor_name"`
	SubzoneID string `json:"subzone_id"`
	Active    *bool  `json:"active"`
	RawMode   bool   `json:"raw_mode"`
	I2CAddr   uint8  `json:"i2c_addr"`
	ROMID     string `json:"rom_id"`
}

// toRecord converts the wire entry to a sensors.Record. A config message
// that omits active entirely is treated as active=true (an upsert),
// matching the pre-lifecycle-flag behavior for existing configs.
func (w sensorConfigWire) toRecord() sensors.Record {
	active := true
	if w.Active != nil {
		active = *w.Active
	}
	return sensors.Record{
		Pin:       w.Pin,
		Kind:      w.Kind,
		Name:      w.Name,
		SubzoneID: w.SubzoneID,
		Active:    active,
		RawMode:   w.RawMode,
		I2CAddr:   w.I2CAddr,
		ROMID:     w.ROMID,
	}
}

type configMessage struct {
	Sensors   []sensorConfigWire `json:"sensors"`
	Actuators []actuators.Record `json:"actuators"`
}

type configItemError struct {
	Status    string `json:"status"`
	Type      string `json:"type"`
	Index     int    `json:"failed_item"`
	Message   string `json:"message"`
	ErrorCode string `json:"error_code"`
}

type configResponse struct {
	Status  string            `json:"status"`
	Type    string            `json:"type"`
	Count   int               `json:"count"`
	Message string            `json:"message"`
	Errors  []configItemError `json:"errors,omitempty"`
}

// configKindLabel names the config_response's "type" field: the
// singular kind when a message only carries one, "mixed" when it
// carries both (spec S1 only ever exercises the singular case).
func configKindLabel(sensorCount, actuatorCount int) string {
	switch {
	case sensorCount > 0 && actuatorCount == 0:
		return "sensor"
	case actuatorCount > 0 && sensorCount == 0:
		return "actuator"
	default:
		return "mixed"
	}
}

// handleConfig implements spec §4.11's config dispatch: split into
// sensors[]/actuators[], configure each via C8/C9 (a sensor entry with
// active=false is removed instead), and publish a single config_response
// summarizing successes and per-item errors.
func (r *Router) handleConfig(payload []byte, nowWall int64) {
	var msg configMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		r.publishJSON("config_response", configResponse{
			Status:  "error",
			Message: "invalid json",
			Errors:  []configItemError{{Status: "error", Type: "payload", Message: "invalid json", ErrorCode: string(errcode.InvalidPayload)}},
		})
		return
	}

	var errs []configItemError
	count := 0
	if r.sensors != nil {
		for i, w := range msg.Sensors {
			rec := w.toRecord()
			var res sensors.Result
			if rec.Active {
				res = r.sensors.Configure(rec)
			} else {
				res = r.sensors.Remove(rec.Pin)
			}
			if res.OK {
				count++
			} else {
				errs = append(errs, configItemError{Status: "error", Type: "sensor", Index: i, ErrorCode: string(res.Code), Message: "sensor configure failed"})
			}
		}
	}
	if r.actuators != nil {
		for i, rec := range msg.Actuators {
			res := r.actuators.Configure(rec)
			if res.OK {
				count++
			} else {
				errs = append(errs, configItemError{Status: "error", Type: "actuator", Index: i, ErrorCode: string(res.Code), Message: "actuator configure failed"})
			}
		}
	}

	kind := configKindLabel(len(msg.Sensors), len(msg.Actuators))
	unit := kind
	if unit == "mixed" {
		unit = "item"
	}
	status := "success"
	message := fmt.Sprintf("Configured %d %s(s) successfully", count, unit)
	if len(errs) > 0 {
		status = "partial"
		message = fmt.Sprintf("Configured %d %s(s), %d failed", count, unit, len(errs))
		if count == 0 {
			status = "error"
		}
	}
	r.publishJSON("config_response", configResponse{Status: status, Type: kind, Count: count, Message: message, Errors: errs})
}

// --- emergency ---

func (r *Router) handleEmergency(payload []byte, nowWall int64) {
	var body struct {
		Reason string `json:"reason"`
	}
	_ = json.Unmarshal(payload, &body)
	if body.Reason == "" {
		body.Reason = "remote_emergency"
	}
	if r.safety != nil {
		r.safety.EmergencyStopAll(body.Reason)
	}
}

// --- system/command ---

type systemCommandPayload struct {
	Command string `json:"command"`
	Confirm bool   `json:"confirm"`
}

func (r *Router) handleSystemCommand(payload []byte) {
	var cmd systemCommandPayload
	if err := json.Unmarshal(payload, &cmd); err != nil {
		r.log.Warnw("invalid system/command payload", "err", err)
		return
	}
	switch cmd.Command {
	case "factory_reset":
		if !cmd.Confirm {
			r.log.Warnw("factory_reset requires confirm=true, ignoring")
			return
		}
		if r.reboot != nil {
			r.reboot.FactoryReset(true)
		}
	default:
		r.log.Warnw("unknown system command", "command", cmd.Command)
	}
}
