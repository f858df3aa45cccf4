// Package errcode defines the stable, bus-facing error vocabulary shared by
// every component of the node. Codes are partitioned by numeric severity
// range (spec §4.7, §7) even though the wire representation is a short
// string — RangeOf recovers the range for the error ledger.
package errcode

// Code is a stable, bus-facing error identifier.
// It is a string newtype, comparable, allocation-free, and implements error.
type Code string

func (c Code) Error() string { return string(c) }

// Canonical codes.
const (
	OK    Code = "ok"
	Busy  Code = "busy"
	Error Code = "error" // generic fallback

	// Pin registry (C2) — 1000-1999 hardware range.
	PinNotSafe      Code = "pin_not_safe"
	PinInUse        Code = "pin_in_use"
	PinNotRegistered Code = "pin_not_registered"

	// Bus drivers (C3) — 1000-1999 hardware range.
	I2CBusError        Code = "i2c_bus_error"
	I2CDeviceNotFound  Code = "i2c_device_not_found"
	I2CReadFailed      Code = "i2c_read_failed"
	OneWireReadFailed  Code = "onewire_read_failed"
	OneWireCRCMismatch Code = "onewire_crc_mismatch"

	// Storage facade (C4) — 2000-2999 service range.
	NamespaceOpenFailed Code = "namespace_open_failed"
	NVSWriteFailed      Code = "nvs_write_failed"

	// Sensor/actuator registries (C8/C9) — 2000-2999 service range.
	SensorCapacity    Code = "sensor_capacity"
	ActuatorCapacity  Code = "actuator_capacity"
	GPIOConflict      Code = "gpio_conflict"
	ValidationFailed  Code = "validation_failed"

	// Transport client (C6) — 3000-3999 communication range.
	MQTTBufferFull Code = "mqtt_buffer_full"
	InvalidTopic   Code = "invalid_topic"
	ConnectTimeout Code = "connect_timeout"

	// Command router / application (C11) — 4000-4999 application range.
	InvalidPayload    Code = "invalid_payload"
	UnknownCommand    Code = "unknown_command"
	EmergencyStopped  Code = "emergency_stopped"
	ConfirmationRequired Code = "confirmation_required"
)

// Range is the error-code severity partition from spec §4.7/§7.
type Range int

const (
	RangeUnknown Range = iota
	RangeHardware
	RangeService
	RangeCommunication
	RangeApplication
)

// rangeOf maps each code to its partition for the error ledger (C7).
var rangeOf = map[Code]Range{
	PinNotSafe:         RangeHardware,
	PinInUse:           RangeHardware,
	PinNotRegistered:   RangeHardware,
	I2CBusError:        RangeHardware,
	I2CDeviceNotFound:  RangeHardware,
	I2CReadFailed:      RangeHardware,
	OneWireReadFailed:  RangeHardware,
	OneWireCRCMismatch: RangeHardware,

	NamespaceOpenFailed: RangeService,
	NVSWriteFailed:      RangeService,
	SensorCapacity:       RangeService,
	ActuatorCapacity:     RangeService,
	GPIOConflict:         RangeService,
	ValidationFailed:     RangeService,

	MQTTBufferFull: RangeCommunication,
	InvalidTopic:   RangeCommunication,
	ConnectTimeout: RangeCommunication,

	InvalidPayload:       RangeApplication,
	UnknownCommand:       RangeApplication,
	EmergencyStopped:     RangeApplication,
	ConfirmationRequired: RangeApplication,
}

// RangeOf reports which numeric partition a code belongs to; RangeUnknown
// for anything not in the table above (OK, Busy, Error, and any caller-
// defined extension code).
func RangeOf(c Code) Range {
	if r, ok := rangeOf[c]; ok {
		return r
	}
	return RangeUnknown
}

// Optional wrapper when we want to keep context and a cause.
type E struct {
	C   Code
	Op  string
	Msg string
	Err error
}

func (e *E) Error() string {
	if e.Msg != "" {
		return string(e.C) + ": " + e.Msg
	}
	return string(e.C)
}
func (e *E) Unwrap() error { return e.Err }
func (e *E) Code() Code    { return e.C }

// Of extracts a Code from an error, defaulting to Error.
func Of(err error) Code {
	if err == nil {
		return OK
	}
	if c, ok := err.(Code); ok {
		return c
	}
	type coder interface{ Code() Code }
	if x, ok := err.(coder); ok {
		return x.Code()
	}
	return Error
}
