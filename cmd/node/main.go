// Package main — cmd/node/main.go
//
// Node entrypoint: wires C1-C11 into one running process.
//
// Startup sequence:
//  1. Sleep briefly so a cold-booting host's network/storage devices settle
//     before the first I/O.
//  2. Load the bootstrap NodeConfig (board pin table, MQTT endpoint,
//     cadences) — this precedes everything else; it names the state
//     directory the Storage Facade opens.
//  3. Initialise the structured logger.
//  4. Open the Storage Facade and the Pin Registry, then InitAllSafe the
//     board's safe-pin list and reserve the I²C bus pins. Replay any
//     persisted subzone assignments before C8/C9 load their own records,
//     so their Load calls see prior subzone membership already in
//     place.
//  5. Load node identity/zone/approval state, sensor records, and
//     actuator records.
//  6. Construct the Transport Client (paho-backed), the Error Ledger, the
//     Safety Controller, and the Command Router.
//  7. Enter the single cooperative scheduler loop until SIGINT/SIGTERM.
//
// Shutdown sequence: cancel the root context, let the scheduler loop
// return, close the Storage Facade, flush the logger.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/jangala-dev/nodecore/internal/actuators"
	"github.com/jangala-dev/nodecore/internal/busio"
	"github.com/jangala-dev/nodecore/internal/clock"
	"github.com/jangala-dev/nodecore/internal/errlog"
	"github.com/jangala-dev/nodecore/internal/hwio"
	"github.com/jangala-dev/nodecore/internal/nodeconfig"
	"github.com/jangala-dev/nodecore/internal/nodestate"
	"github.com/jangala-dev/nodecore/internal/pinreg"
	"github.com/jangala-dev/nodecore/internal/router"
	"github.com/jangala-dev/nodecore/internal/safety"
	"github.com/jangala-dev/nodecore/internal/sensors"
	"github.com/jangala-dev/nodecore/internal/storage"
	"github.com/jangala-dev/nodecore/internal/transport"
)

const startupDelay = 2 * time.Second

// baseTick is the scheduler's loop resolution (spec §4.1).
const baseTick = 100 * time.Millisecond

// watchdogFeedEvery bounds how often the liveness feed is logged, so a
// 100 ms scheduler tick does not spam the log at 10 Hz (spec §5: "at
// least every 10 s", not "every tick").
const watchdogFeedEvery = 10 * time.Second

func main() {
	configPath := flag.String("config", "/etc/nodecore/node.yaml", "Path to the bootstrap node.yaml")
	logLevel := flag.String("log-level", "info", "zap log level (debug, info, warn, error)")
	flag.Parse()

	time.Sleep(startupDelay)

	// ── Step 2: bootstrap config ──────────────────────────────────────────
	cfg, err := nodeconfig.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: node config load failed: %v\n", err)
		os.Exit(1)
	}

	// ── Step 3: logger ─────────────────────────────────────────────────────
	zlog, err := buildLogger(*logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer zlog.Sync() //nolint:errcheck
	log := zlog.Sugar()

	log.Infow("node bootstrapping", "board_id", cfg.BoardID, "config", *configPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Step 4: storage + pin registry ─────────────────────────────────────
	store, err := storage.Open(filepath.Join(cfg.StateDir, "node.db"), log)
	if err != nil {
		log.Fatalw("storage open failed", "err", err)
	}
	defer store.Close()

	if err := hwio.Init(); err != nil {
		log.Fatalw("hardware bus init failed", "err", err)
	}

	pins := pinreg.New(hwio.NewGPIO(), log)
	sda, scl, haveI2C := cfg.I2CBus()
	if err := pins.InitAllSafe(cfg.Board.SafePins, sda, scl); err != nil {
		log.Warnw("init_all_safe reported an error", "err", err)
	}
	if m := pins.Mismatches(); m > 0 {
		log.Warnw("pin hardware verification mismatches at boot", "count", m)
	}

	// Subzone membership must be replayed before C8/C9 Load(), so their
	// own AssignToSubzone calls during record replay see prior membership.
	bootRouter := router.New(router.Config{Log: log, Pins: pins, Store: store})
	if err := bootRouter.LoadSubzoneAssignments(); err != nil {
		log.Warnw("subzone assignment replay failed", "err", err)
	}

	// ── Step 5: identity, sensors, actuators ────────────────────────────────
	state, err := nodestate.Load(store, macAddress())
	if err != nil {
		log.Fatalw("node identity load failed", "err", err)
	}
	log.Infow("node identity loaded", "node_id", state.NodeID(), "kaiser_id", state.KaiserID())

	var i2cBus busio.I2CBus
	if haveI2C {
		bus, err := hwio.OpenI2C(fmt.Sprintf("/dev/i2c-%d", sda))
		if err != nil {
			log.Warnw("i2c bus open failed, i2c sensors will report I2C_BUS_ERROR", "err", err)
		} else {
			i2cBus = bus
		}
	}

	clk := clock.NewMonotonic()
	ledger := errlog.New(log, clk.NowMs)

	// ── Step 6: transport, safety ───────────────────────────────────────────
	clientID := fmt.Sprintf("%s-%s", cfg.MQTT.ClientID, state.NodeID())
	if cfg.MQTT.ClientID == "" {
		clientID = state.NodeID()
	}
	client := transport.NewPahoClient(cfg.MQTT.Broker, clientID, transport.Config{
		Log:             log,
		Errors:          ledger,
		KaiserID:        state.KaiserID(),
		NodeID:          state.NodeID(),
		HeartbeatPeriod: cfg.Cadence.HeartbeatInterval,
		Approval:        state,
		NowMs:           clk.NowMs,
	})
	processor := transport.NewProcessCaller(client)

	sreg := sensors.New(sensors.Config{
		Log:       log,
		Pins:      pins,
		Store:     store,
		I2C:       i2cBus,
		Identity:  state,
		Publish:   client,
		Errors:    ledger,
		Processor: processor,
		NowMs:     clk.NowMs,
	})
	if err := sreg.Load(); err != nil {
		log.Warnw("sensor record load failed", "err", err)
	}

	areg := actuators.New(actuators.Config{
		Log:      log,
		Pins:     pins,
		Store:    store,
		GPIO:     hwio.NewGPIO(),
		Identity: state,
		Publish:  client,
		NowMs:    clk.NowMs,
	})
	if err := areg.Load(); err != nil {
		log.Warnw("actuator record load failed", "err", err)
	}

	safetyCtl := safety.New(safety.Config{
		Log:       log,
		Actuators: areg,
		Identity:  state,
		Publish:   client,
		NowMs:     clk.NowMs,
	})

	heartbeatForcer := heartbeatForcerFunc(func() {
		client.PublishHeartbeat(buildHeartbeatInfo(state, sreg, areg, clk), true)
	})

	rebooter := rebooterFunc(func(preserveDeviceConfig bool) {
		factoryReset(log, store, preserveDeviceConfig, cancel)
	})

	rt := router.New(router.Config{
		Log:          log,
		Sensors:      sreg,
		Actuators:    areg,
		Safety:       safetyCtl,
		Pins:         pins,
		Store:        store,
		Identity:     state,
		Publish:      client,
		Zone:         state,
		Kaiser:       client,
		Heartbeat:    heartbeatForcer,
		HeartbeatAck: client,
		Reboot:       rebooter,
	})

	responseTopic := processor.ResponseTopic()
	dispatch := func(topic string, payload []byte) {
		if topic == responseTopic {
			processor.HandleResponse(payload)
			return
		}
		rt.HandleMessage(relativeTopic(state, topic), payload, time.Now().Unix())
	}
	subscribe := func(c *transport.Client) { c.Resubscribe(dispatch) }

	// ── Step 7: scheduler loop ───────────────────────────────────────────────
	var lastWatchdogLog int64
	sched := clock.New(clk, baseTick, func() {
		now := clk.NowMs()
		if now-lastWatchdogLog >= watchdogFeedEvery.Milliseconds() {
			log.Debugw("watchdog fed")
			lastWatchdogLog = now
		}
	})

	sched.Register("transport-tick", 0, func(int64) {
		client.Tick(time.Now(), subscribe)
	})
	sched.Register("actuator-loop", 0, func(nowMs int64) {
		areg.Tick(nowMs)
		areg.PublishAllStatus(nowMs, time.Now().Unix())
	})
	sched.Register("measurement-tick", cfg.Cadence.MeasurementInterval, func(int64) {
		if state.Approved() {
			sreg.PollAll(time.Now().Unix())
		}
	})
	sched.Register("heartbeat-tick", cfg.Cadence.HeartbeatInterval, func(int64) {
		client.PublishHeartbeat(buildHeartbeatInfo(state, sreg, areg, clk), false)
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Infow("shutdown signal received", "signal", sig.String())
		cancel()
	}()

	log.Infow("node entering main loop")
	sched.Run(ctx)
	log.Infow("node shutting down")
}

func buildLogger(level string) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zapLevel)
	return cfg.Build()
}

// macAddress picks the first interface with a real hardware address, for
// nodestate.DeriveNodeID's "ESP_" + hex(last 3 MAC bytes) scheme (spec
// §6). A host with no such interface (a container, a test VM) gets an
// all-zero address — DeriveNodeID still produces a stable, if generic,
// id in that case.
func macAddress() [6]byte {
	var mac [6]byte
	ifaces, err := net.Interfaces()
	if err != nil {
		return mac
	}
	for _, iface := range ifaces {
		if len(iface.HardwareAddr) == 6 {
			copy(mac[:], iface.HardwareAddr)
			return mac
		}
	}
	return mac
}

// relativeTopic strips the node's own "<kaiser>/esp/<node>/" prefix so
// the Command Router's dispatch table can match against the short,
// relative topic names spec §4.11 names. The literal broadcast topic
// carries no such prefix and passes through unchanged.
func relativeTopic(state *nodestate.State, topic string) string {
	prefix := fmt.Sprintf("%s/esp/%s/", state.KaiserID(), state.NodeID())
	if len(topic) > len(prefix) && topic[:len(prefix)] == prefix {
		return topic[len(prefix):]
	}
	return topic
}

type heartbeatForcerFunc func()

func (f heartbeatForcerFunc) ForceHeartbeat() { f() }

type rebooterFunc func(preserveDeviceConfig bool)

func (f rebooterFunc) FactoryReset(preserveDeviceConfig bool) { f(preserveDeviceConfig) }

// factoryReset clears wifi_config and zone_config, optionally preserving
// sensor_config/actuator_config, then stops the process (spec §6: "The
// Node then reboots" — on a host binary under a process supervisor, exit
// is the reboot; the supervisor brings up a fresh process against the
// now-cleared namespaces).
func factoryReset(log *zap.SugaredLogger, store *storage.Facade, preserveDeviceConfig bool, stop context.CancelFunc) {
	log.Warnw("factory reset requested", "preserve_device_config", preserveDeviceConfig)
	if err := store.ClearNamespace(storage.NSWifiConfig); err != nil {
		log.Warnw("factory reset: clear wifi_config failed", "err", err)
	}
	if err := store.ClearNamespace(storage.NSZoneConfig); err != nil {
		log.Warnw("factory reset: clear zone_config failed", "err", err)
	}
	if !preserveDeviceConfig {
		if err := store.ClearNamespace(storage.NSSensorConfig); err != nil {
			log.Warnw("factory reset: clear sensor_config failed", "err", err)
		}
		if err := store.ClearNamespace(storage.NSActuatorConfig); err != nil {
			log.Warnw("factory reset: clear actuator_config failed", "err", err)
		}
		if err := store.ClearNamespace(storage.NSSubzoneConfig); err != nil {
			log.Warnw("factory reset: clear subzone_config failed", "err", err)
		}
	}
	stop()
}

// buildHeartbeatInfo assembles the heartbeat payload fields the
// Transport Client cannot compute itself (spec §4.6).
func buildHeartbeatInfo(state *nodestate.State, sreg *sensors.Registry, areg *actuators.Registry, clk clock.Clock) transport.HeartbeatInfo {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	zoneID, masterZoneID, _, assigned := state.ZoneAssignment()
	return transport.HeartbeatInfo{
		EspID:         state.NodeID(),
		ZoneID:        zoneID,
		MasterZoneID:  masterZoneID,
		ZoneAssigned:  assigned,
		UptimeS:       clk.NowMs() / 1000,
		HeapFree:      uint32(ms.HeapIdle),
		SensorCount:   len(sreg.Records()),
		ActuatorCount: len(areg.Records()),
	}
}
