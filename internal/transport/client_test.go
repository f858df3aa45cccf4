package transport

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeToken struct {
	err  error
	wait bool
}

func (t *fakeToken) WaitTimeout(time.Duration) bool { return t.wait }
func (t *fakeToken) Error() error                   { return t.err }

type fakeMQTT struct {
	connected       bool
	connectOK       bool
	publishOK       bool
	publishCalls    []string
	publishPayloads [][]byte
}

func (f *fakeMQTT) Connect() Token {
	if f.connectOK {
		f.connected = true
		return &fakeToken{wait: true}
	}
	return &fakeToken{wait: true, err: errConnectFailed}
}
func (f *fakeMQTT) Disconnect(uint)   {}
func (f *fakeMQTT) IsConnected() bool { return f.connected }
func (f *fakeMQTT) Publish(topic string, qos byte, retained bool, payload []byte) Token {
	f.publishCalls = append(f.publishCalls, topic)
	f.publishPayloads = append(f.publishPayloads, append([]byte(nil), payload...))
	if f.publishOK {
		return &fakeToken{wait: true}
	}
	return &fakeToken{wait: true, err: errPublishFailed}
}
func (f *fakeMQTT) Subscribe(topic string, qos byte, handler MessageHandler) Token {
	return &fakeToken{wait: true}
}

type fakeErr struct{ msg string }

func (e *fakeErr) Error() string { return e.msg }

var errConnectFailed = &fakeErr{"connect failed"}
var errPublishFailed = &fakeErr{"publish failed"}

func newTestClient(m *fakeMQTT) *Client {
	return New(Config{
		MQTTClient: m,
		KaiserID:   "god",
		NodeID:     "ESP_AB12CD",
	})
}

func TestPublishDropsNotEnqueuedWhenBreakerDenies(t *testing.T) {
	m := &fakeMQTT{connected: false}
	c := newTestClient(m)
	// transport breaker threshold is 5: the first 5 failed attempts are
	// each allowed (and enqueue, since disconnected) before the breaker
	// opens; every call after that is denied outright and must not grow
	// the offline queue further.
	for i := 0; i < 10; i++ {
		c.Publish("t", []byte("x"), 1)
	}
	require.Equal(t, 5, c.OfflineLen(), "only the pre-trip attempts should have enqueued")
}

func TestPublishEnqueuesWhenDisconnected(t *testing.T) {
	m := &fakeMQTT{connected: false}
	c := newTestClient(m)
	ok := c.Publish("topic/a", []byte("payload"), 1)
	require.False(t, ok)
	require.Equal(t, 1, c.OfflineLen())
}

func TestPublishSucceedsWhenConnected(t *testing.T) {
	m := &fakeMQTT{connected: true, publishOK: true}
	c := newConnectedTestClient(m)
	ok := c.Publish("topic/a", []byte("payload"), 1)
	require.True(t, ok)
	require.Equal(t, 0, c.OfflineLen())
}

func TestOfflineQueueDropsNewestWhenFull(t *testing.T) {
	m := &fakeMQTT{connected: false}
	c := newTestClient(m)
	for i := 0; i < offlineQueueSize+10; i++ {
		c.enqueueOffline("t", []byte("x"), 1)
	}
	require.Equal(t, offlineQueueSize, c.OfflineLen())
}

func TestTickConnectsAndDrainsOffline(t *testing.T) {
	m := &fakeMQTT{connected: false, connectOK: true, publishOK: true}
	c := newTestClient(m)
	c.enqueueOffline("topic/a", []byte("1"), 1)
	c.enqueueOffline("topic/b", []byte("2"), 1)

	c.Tick(time.Now(), nil)

	require.True(t, c.IsConnected())
	require.Equal(t, 0, c.OfflineLen())
	require.Equal(t, []string{"topic/a", "topic/b"}, m.publishCalls)
}

func TestHeartbeatThrottledUnlessForced(t *testing.T) {
	m := &fakeMQTT{connected: true, publishOK: true}
	c := New(Config{MQTTClient: m, KaiserID: "god", NodeID: "ESP_AB12CD", HeartbeatPeriod: time.Hour})
	m.connectOK = true
	c.Tick(time.Now(), nil)

	ok := c.PublishHeartbeat(HeartbeatInfo{EspID: "ESP_AB12CD"}, false)
	require.True(t, ok)

	ok = c.PublishHeartbeat(HeartbeatInfo{EspID: "ESP_AB12CD"}, false)
	require.False(t, ok, "second call within T_hb must be throttled")

	ok = c.PublishHeartbeat(HeartbeatInfo{EspID: "ESP_AB12CD"}, true)
	require.True(t, ok, "force must bypass throttle")
}

type fakeApproval struct {
	approved        bool
	pending         bool
	rejected        bool
	approvedAtEpoch int64
}

func (f *fakeApproval) OnApproved(ts int64) { f.approved = true; f.approvedAtEpoch = ts }
func (f *fakeApproval) OnPendingApproval()  { f.pending = true }
func (f *fakeApproval) OnRejected()         { f.rejected = true }

func TestHeartbeatAckApprovalRouting(t *testing.T) {
	m := &fakeMQTT{connected: true}
	fa := &fakeApproval{}
	c := New(Config{MQTTClient: m, KaiserID: "god", NodeID: "ESP_AB12CD", Approval: fa})

	c.HandleHeartbeatAck([]byte(`{"status":"pending_approval","config_available":false,"server_time":1700000000}`))
	require.True(t, fa.pending)
	require.False(t, fa.approved)

	c.HandleHeartbeatAck([]byte(`{"status":"approved","config_available":true,"server_time":1700000100}`))
	require.True(t, fa.approved)
	require.Equal(t, int64(1700000100), fa.approvedAtEpoch)
}
