// Out-of-band synchronous server-processing call (spec §4.8): a request/
// response exchange carried over the same pub/sub connection, correlated
// by a request id so an in-flight call can be matched to its reply when
// it eventually arrives on a subscribed topic.
//
// Requests are correlated with github.com/google/uuid-generated ids;
// the outbound leg goes through this package's own breaker-gated
// Publish.
package transport

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jangala-dev/nodecore/internal/breaker"
)

// ProcessRequest is the outbound half of the server-processing call
// (spec §4.8): {esp_id, pin, kind, raw_value, ts, metadata}.
type ProcessRequest struct {
	EspID    string         `json:"esp_id"`
	Pin      int            `json:"pin"`
	Kind     string         `json:"kind"`
	RawValue int64          `json:"raw_value"`
	TS       int64          `json:"ts"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// ProcessResult is the inbound half: {value, unit, quality, valid,
// error_message}.
type ProcessResult struct {
	Value        float64 `json:"value"`
	Unit         string  `json:"unit"`
	Quality      string  `json:"quality"`
	Valid        bool    `json:"valid"`
	ErrorMessage string  `json:"error_message,omitempty"`
}

type processEnvelope struct {
	CorrelationID string `json:"correlation_id"`
	ProcessRequest
}

type resultEnvelope struct {
	CorrelationID string `json:"correlation_id"`
	ProcessResult
}

// ProcessCaller is the out-of-band synchronous server call of spec §4.8,
// guarded by its own circuit-breaker instance (threshold 3, open 60 s —
// breaker.ServerProcessing()), separate from the link/transport breakers
// C6 already owns.
type ProcessCaller struct {
	client  *Client
	breaker *breaker.Breaker

	mu      sync.Mutex
	pending map[string]chan ProcessResult
}

// NewProcessCaller wraps an already-constructed Client.
func NewProcessCaller(client *Client) *ProcessCaller {
	return &ProcessCaller{
		client:  client,
		breaker: breaker.New(breaker.ServerProcessing()),
		pending: make(map[string]chan ProcessResult),
	}
}

func (p *ProcessCaller) requestTopic() string  { return p.client.baseTopic() + "/sensor/process/request" }
func (p *ProcessCaller) responseTopic() string { return p.client.baseTopic() + "/sensor/process/response" }

// ResponseTopic is the topic the router must subscribe/dispatch
// HandleResponse from.
func (p *ProcessCaller) ResponseTopic() string { return p.responseTopic() }

// Process carries out the synchronous call: publish, then block for up
// to timeout for a correlated HandleResponse call (spec §5: "out-of-band
// server processing" is one of the long in-line operations the single-
// threaded loop executes synchronously). Returns ok=false on breaker
// denial, publish failure, or timeout — callers publish a valid=false
// reading in every ok=false case (spec §4.8).
func (p *ProcessCaller) Process(req ProcessRequest, timeout time.Duration) (ProcessResult, bool) {
	allowed, done := p.breaker.AllowRequest()
	if !allowed {
		return ProcessResult{}, false
	}

	id := uuid.NewString()
	payload, err := json.Marshal(processEnvelope{CorrelationID: id, ProcessRequest: req})
	if err != nil {
		done(false)
		return ProcessResult{}, false
	}

	ch := make(chan ProcessResult, 1)
	p.mu.Lock()
	p.pending[id] = ch
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.pending, id)
		p.mu.Unlock()
	}()

	if !p.client.Publish(p.requestTopic(), payload, 1) {
		done(false)
		return ProcessResult{}, false
	}

	select {
	case res := <-ch:
		done(true)
		return res, true
	case <-time.After(timeout):
		done(false)
		return ProcessResult{}, false
	}
}

// HandleResponse routes an inbound correlated response to the waiting
// Process call, if any (a reply for an id nobody is waiting on — already
// timed out — is dropped).
func (p *ProcessCaller) HandleResponse(payload []byte) {
	var env resultEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return
	}
	p.mu.Lock()
	ch, ok := p.pending[env.CorrelationID]
	p.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- env.ProcessResult:
	default:
	}
}
