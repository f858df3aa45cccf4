package transport

import (
	"encoding/json"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/jangala-dev/nodecore/x/timex"
)

// pahoAdapter satisfies MQTTClient over a real mqtt.Client, with the
// last-will options spec §4.6 requires and AutoReconnect left off — see
// client.go's package doc for why.
type pahoAdapter struct {
	client mqtt.Client
}

func (p *pahoAdapter) Connect() Token { return p.client.Connect() }
func (p *pahoAdapter) Disconnect(quiesceMs uint) { p.client.Disconnect(quiesceMs) }
func (p *pahoAdapter) IsConnected() bool { return p.client.IsConnected() }

func (p *pahoAdapter) Publish(topic string, qos byte, retained bool, payload []byte) Token {
	return p.client.Publish(topic, qos, retained, payload)
}

func (p *pahoAdapter) Subscribe(topic string, qos byte, handler MessageHandler) Token {
	return p.client.Subscribe(topic, qos, func(_ mqtt.Client, msg mqtt.Message) {
		handler(msg.Topic(), msg.Payload())
	})
}

// willPayload builds the last-will JSON body of spec §4.6.
func willPayload() []byte {
	body := struct {
		Status    string `json:"status"`
		Reason    string `json:"reason"`
		Timestamp int64  `json:"timestamp"`
	}{Status: "offline", Reason: "unexpected_disconnect", Timestamp: timex.NowUnixSec()}
	data, _ := json.Marshal(body)
	return data
}

// NewPahoClient builds a Client backed by a real paho MQTT connection.
// The last-will topic/payload/QoS/retained flag match spec §4.6 exactly;
// OnDisconnected is wired as paho's connection-lost handler so Tick's
// reconnect state machine observes drops immediately.
func NewPahoClient(broker, clientID string, cfg Config) *Client {
	c := New(cfg)

	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetAutoReconnect(false).
		SetCleanSession(true).
		SetWill(c.willTopic(), string(willPayload()), 1, true).
		SetConnectTimeout(connectTimeout)

	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		c.OnDisconnected()
	})

	c.mqttClient = &pahoAdapter{client: mqtt.NewClient(opts)}
	return c
}
