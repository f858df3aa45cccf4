// Package transport is the Transport Client (C6): a pub/sub connection
// with last-will, a bounded offline queue, circuit-breaker-gated
// exponential reconnect backoff, and resubscription on every reconnect
// (spec §4.6).
//
// Built on github.com/eclipse/paho.mqtt.golang's
// NewClientOptions/AddBroker/SetClientID, Connect()/Token.WaitTimeout,
// Subscribe(topic, qos, handler), Publish(topic, qos, retained,
// payload). Rather than paho's own SetAutoReconnect(true), spec §4.6
// requires an explicit, circuit-breaker-gated backoff policy the Node
// controls itself, so AutoReconnect is left off and Tick drives
// reconnection.
//
// The paho client is wrapped behind a small MQTTClient interface so the
// reconnect/backoff/offline-queue state machine can be unit tested
// without a real broker.
package transport

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/jangala-dev/nodecore/errcode"
	"github.com/jangala-dev/nodecore/internal/breaker"
)

// Token mirrors the subset of paho's mqtt.Token this client depends on.
type Token interface {
	WaitTimeout(d time.Duration) bool
	Error() error
}

// MessageHandler is invoked for an inbound message on a subscribed topic.
type MessageHandler func(topic string, payload []byte)

// MQTTClient is the wire-client boundary. The production implementation
// wraps mqtt.Client; tests supply a fake.
type MQTTClient interface {
	Connect() Token
	Disconnect(quiesceMs uint)
	IsConnected() bool
	Publish(topic string, qos byte, retained bool, payload []byte) Token
	Subscribe(topic string, qos byte, handler MessageHandler) Token
}

const (
	connectTimeout  = 10 * time.Second
	publishTimeout  = 5 * time.Second
	subscribeTimeout = 5 * time.Second

	offlineQueueSize      = 100
	backoffBase           = 1 * time.Second
	backoffCap            = 60 * time.Second
	maxAttemptsPerSession = 10
)

// OfflineMessage is the offline-buffered message record of spec §3.
type OfflineMessage struct {
	Topic             string
	Payload           []byte
	QoS               byte
	EnqueuedMonotonic int64
}

// ApprovalHandler receives the outcome of a heartbeat-ack (spec §4.6).
// Implemented by internal/nodestate in the wired node; kept as an
// interface here so this package does not depend on storage directly.
type ApprovalHandler interface {
	OnApproved(tsEpoch int64)
	OnPendingApproval()
	OnRejected()
}

// ErrorSink receives errors for the ledger (C7); kept minimal to avoid an
// import cycle with internal/errlog.
type ErrorSink interface {
	Track(code errcode.Code, severity string, message string)
}

// Client is the Transport Client (C6).
type Client struct {
	mu sync.Mutex

	mqttClient MQTTClient
	log        *zap.SugaredLogger
	errs       ErrorSink

	kaiserID string
	nodeID   string

	linkBreaker      *breaker.Breaker
	transportBreaker *breaker.Breaker

	connected     bool
	attempt       int
	nextAttemptAt time.Time

	offline []OfflineMessage

	lastHeartbeatMono int64
	heartbeatPeriod   time.Duration

	approval ApprovalHandler

	clockNowMs func() int64
}

// Config bundles the construction-time dependencies of a Client.
type Config struct {
	MQTTClient      MQTTClient
	Log             *zap.SugaredLogger
	Errors          ErrorSink
	KaiserID        string
	NodeID          string
	HeartbeatPeriod time.Duration
	Approval        ApprovalHandler
	NowMs           func() int64 // monotonic millis, for testability
}

// New constructs a Client. LWT and clean-session are wired in
// NewPahoClient for the production adapter; this constructor wires the
// link/transport breakers and the reconnect/offline-queue state machine
// around any MQTTClient.
func New(cfg Config) *Client {
	if cfg.Log == nil {
		cfg.Log = zap.NewNop().Sugar()
	}
	if cfg.HeartbeatPeriod == 0 {
		cfg.HeartbeatPeriod = 60 * time.Second
	}
	if cfg.NowMs == nil {
		start := time.Now()
		cfg.NowMs = func() int64 { return time.Since(start).Milliseconds() }
	}
	return &Client{
		mqttClient:       cfg.MQTTClient,
		log:              cfg.Log,
		errs:             cfg.Errors,
		kaiserID:         cfg.KaiserID,
		nodeID:           cfg.NodeID,
		linkBreaker:      breaker.New(breaker.Link()),
		transportBreaker: breaker.New(breaker.Transport()),
		heartbeatPeriod:  cfg.HeartbeatPeriod,
		// no heartbeat sent yet: the first non-forced call is due at once
		lastHeartbeatMono: cfg.NowMs() - cfg.HeartbeatPeriod.Milliseconds(),
		approval:         cfg.Approval,
		clockNowMs:       cfg.NowMs,
	}
}

// willTopic returns the last-will topic (spec §4.6).
func (c *Client) willTopic() string {
	return fmt.Sprintf("%s/esp/%s/system/will", c.kaiserID, c.nodeID)
}

// baseTopic returns the per-node topic prefix.
func (c *Client) baseTopic() string {
	return fmt.Sprintf("%s/esp/%s", c.kaiserID, c.nodeID)
}

// BroadcastEmergencyTopic is the fixed literal broadcast topic (spec
// §4.6, §4.10) — "kaiser" here is a literal token, not the per-node
// kaiser id, matching the glossary's `kaiser/broadcast/<...>` scheme.
const BroadcastEmergencyTopic = "kaiser/broadcast/emergency"

// Subscriptions returns the full set of topics the Node must (re)
// subscribe to on every connect (spec §4.6).
func (c *Client) Subscriptions() []string {
	base := c.baseTopic()
	return []string{
		base + "/config",
		base + "/system/command",
		base + "/actuator/+/command",
		base + "/actuator/emergency",
		base + "/zone/assign",
		base + "/subzone/assign",
		base + "/subzone/remove",
		base + "/sensor/+/command",
		base + "/sensor/process/response",
		base + "/system/heartbeat/ack",
		BroadcastEmergencyTopic,
	}
}

// SetKaiserID updates the per-node topic prefix after a zone assignment
// (spec §4.11: "update topic-builder kaiser prefix"). Subscriptions are
// not migrated immediately — they rebuild on next reconnect (spec §4.6).
func (c *Client) SetKaiserID(kaiserID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.kaiserID = kaiserID
}

// IsConnected reports current connection state.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func backoffDelay(attempt int) time.Duration {
	d := backoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= backoffCap {
			return backoffCap
		}
	}
	if d > backoffCap {
		d = backoffCap
	}
	return d
}

// Tick is the transport-tick task (spec §4.1): drives reconnection.
// Called every scheduler loop iteration.
func (c *Client) Tick(now time.Time, subscribe func(*Client)) {
	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return
	}
	halfOpen := c.linkBreaker.State() == breaker.HalfOpen
	if !halfOpen && now.Before(c.nextAttemptAt) {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	allowed, done := c.linkBreaker.AllowRequest()
	if !allowed {
		return
	}

	tok := c.mqttClient.Connect()
	ok := tok.WaitTimeout(connectTimeout) && tok.Error() == nil
	done(ok)

	c.mu.Lock()
	if ok {
		c.connected = true
		c.attempt = 0
	} else {
		c.attempt++
		if c.attempt > maxAttemptsPerSession {
			c.nextAttemptAt = now // only the breaker gates further retries
		} else {
			c.nextAttemptAt = now.Add(backoffDelay(c.attempt))
		}
	}
	c.mu.Unlock()

	if ok {
		if subscribe != nil {
			subscribe(c)
		}
		c.drainOffline()
	} else if c.errs != nil {
		c.errs.Track(errcode.ConnectTimeout, "warning", "transport connect attempt failed")
	}
}

// Resubscribe (re)establishes every required subscription (spec §4.6:
// "established on connect and on every reconnect" — clean-session
// behavior means subscriptions never persist across a disconnect).
func (c *Client) Resubscribe(handler MessageHandler) {
	for _, topic := range c.Subscriptions() {
		tok := c.mqttClient.Subscribe(topic, 1, handler)
		if !tok.WaitTimeout(subscribeTimeout) || tok.Error() != nil {
			c.log.Warnw("resubscribe failed", "topic", topic, "err", tok.Error())
		}
	}
}

// OnDisconnected must be called by the production adapter's connection-
// lost callback.
func (c *Client) OnDisconnected() {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
}

// Publish implements the publish policy of spec §4.6.
func (c *Client) Publish(topic string, payload []byte, qos byte) bool {
	allowed, done := c.transportBreaker.AllowRequest()
	if !allowed {
		return false
	}

	if !c.IsConnected() {
		done(false)
		c.enqueueOffline(topic, payload, qos)
		return false
	}

	tok := c.mqttClient.Publish(topic, qos, false, payload)
	if !tok.WaitTimeout(publishTimeout) || tok.Error() != nil {
		done(false)
		c.enqueueOffline(topic, payload, qos)
		return false
	}
	done(true)
	return true
}

func (c *Client) enqueueOffline(topic string, payload []byte, qos byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.offline) >= offlineQueueSize {
		if c.errs != nil {
			c.errs.Track(errcode.MQTTBufferFull, "warning", "offline buffer full, dropping newest message")
		}
		return
	}
	c.offline = append(c.offline, OfflineMessage{
		Topic:             topic,
		Payload:           append([]byte(nil), payload...),
		QoS:               qos,
		EnqueuedMonotonic: c.clockNowMs(),
	})
}

// OfflineLen reports the current offline-queue length (for tests and
// health reporting).
func (c *Client) OfflineLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.offline)
}

// drainOffline publishes queued messages in enqueue order, stopping at
// the first failure to preserve order (spec §4.6, §5).
func (c *Client) drainOffline() {
	c.mu.Lock()
	queue := c.offline
	c.offline = nil
	c.mu.Unlock()

	for i, m := range queue {
		tok := c.mqttClient.Publish(m.Topic, m.QoS, false, m.Payload)
		if !tok.WaitTimeout(publishTimeout) || tok.Error() != nil {
			c.mu.Lock()
			c.offline = append(append([]OfflineMessage{}, queue[i:]...), c.offline...)
			c.mu.Unlock()
			return
		}
	}
}

// HandleHeartbeatAck processes an inbound system/heartbeat/ack message
// (spec §4.6 approval protocol).
func (c *Client) HandleHeartbeatAck(payload []byte) {
	var ack struct {
		Status     string `json:"status"`
		ServerTime int64  `json:"server_time"`
	}
	if err := json.Unmarshal(payload, &ack); err != nil {
		c.log.Warnw("invalid heartbeat/ack payload", "err", err)
		return
	}
	if c.approval == nil {
		return
	}
	switch ack.Status {
	case "approved", "online":
		c.approval.OnApproved(ack.ServerTime)
	case "pending_approval":
		c.approval.OnPendingApproval()
	case "rejected":
		c.approval.OnRejected()
	default:
		c.log.Warnw("unknown heartbeat/ack status", "status", ack.Status)
	}
}
