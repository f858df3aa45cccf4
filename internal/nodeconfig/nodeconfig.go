// Package nodeconfig loads the Node's bootstrap configuration: the
// on-disk YAML file that precedes any storage-backed state (the broker
// address and board identity must be known before C4 can even be
// opened).
//
// The on-disk shape mirrors a board's wiring directly: a flat list of
// safe pins plus a small set of named buses (i2c/onewire/analog), kept
// in YAML rather than a wire-message envelope since this file has to be
// readable before any broker connection exists — GPIO safe-mode init is
// the first operation after boot, well before a broker is reachable.
package nodeconfig

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// BusRef identifies a named bus instance the board wiring exposes.
type BusRef struct {
	Type string `yaml:"type"` // "i2c", "onewire", "analog"
	SDA  int    `yaml:"sda,omitempty"`
	SCL  int    `yaml:"scl,omitempty"`
}

// BoardConfig is the board-specific pin table (spec §4.2's safe-pin
// list plus the reserved system-bus pins).
type BoardConfig struct {
	SafePins []int    `yaml:"safe_pins"`
	Buses    []BusRef `yaml:"buses"`
}

// MQTTConfig is the bootstrap broker endpoint (spec §4.6).
type MQTTConfig struct {
	Broker   string `yaml:"broker"`
	ClientID string `yaml:"client_id,omitempty"`
}

// CadenceConfig carries the default periodic-task intervals (T_meas,
// T_hb) before any Server override arrives.
type CadenceConfig struct {
	MeasurementInterval time.Duration
	HeartbeatInterval   time.Duration
	WatchdogInterval    time.Duration
}

// UnmarshalYAML parses Go duration strings ("30s", "5m") into the
// time.Duration fields above — yaml.v3 has no built-in notion of
// time.Duration, so this mirrors the string-field-then-ParseDuration
// shape the pack's other yaml.v3 consumers use for interval settings.
func (c *CadenceConfig) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		MeasurementInterval string `yaml:"measurement_interval"`
		HeartbeatInterval   string `yaml:"heartbeat_interval"`
		WatchdogInterval    string `yaml:"watchdog_interval"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	var err error
	if raw.MeasurementInterval != "" {
		if c.MeasurementInterval, err = time.ParseDuration(raw.MeasurementInterval); err != nil {
			return fmt.Errorf("cadence.measurement_interval: %w", err)
		}
	}
	if raw.HeartbeatInterval != "" {
		if c.HeartbeatInterval, err = time.ParseDuration(raw.HeartbeatInterval); err != nil {
			return fmt.Errorf("cadence.heartbeat_interval: %w", err)
		}
	}
	if raw.WatchdogInterval != "" {
		if c.WatchdogInterval, err = time.ParseDuration(raw.WatchdogInterval); err != nil {
			return fmt.Errorf("cadence.watchdog_interval: %w", err)
		}
	}
	return nil
}

// NodeConfig is the typed bootstrap configuration loaded once at
// startup, before storage is opened.
type NodeConfig struct {
	BoardID  string        `yaml:"board_id"`
	StateDir string        `yaml:"state_dir"`
	Board    BoardConfig   `yaml:"board"`
	MQTT     MQTTConfig    `yaml:"mqtt"`
	Cadence  CadenceConfig `yaml:"cadence"`
}

// DefaultCadence is applied when the bootstrap file omits the cadence
// block entirely (spec §4.1/§4.6 defaults).
func DefaultCadence() CadenceConfig {
	return CadenceConfig{
		MeasurementInterval: 30 * time.Second,
		HeartbeatInterval:   60 * time.Second,
		WatchdogInterval:    10 * time.Second,
	}
}

// Load parses path as a YAML bootstrap file. A zero/omitted cadence
// block is filled with DefaultCadence().
func Load(path string) (*NodeConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("nodeconfig: read %s: %w", path, err)
	}
	var cfg NodeConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("nodeconfig: parse %s: %w", path, err)
	}
	if cfg.Cadence == (CadenceConfig{}) {
		cfg.Cadence = DefaultCadence()
	}
	if cfg.StateDir == "" {
		cfg.StateDir = "."
	}
	return &cfg, nil
}

// I2CBus returns the board's single reserved I²C bus SDA/SCL pins, or
// (0, 0, false) if none is configured.
func (c *NodeConfig) I2CBus() (sda, scl int, ok bool) {
	for _, b := range c.Board.Buses {
		if b.Type == "i2c" {
			return b.SDA, b.SCL, true
		}
	}
	return 0, 0, false
}
