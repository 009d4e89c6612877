// Package bus provides the async telemetry bus decoupling ingest transports
// from the aggregation core. Agents emit events, heartbeats, usage samples,
// and document publishes; transports wrap them in envelopes and the
// ingestor consumes them in order of arrival.
package bus

import (
	"context"
	"encoding/json"
	"time"
)

// Envelope kinds, one per ingress data contract.
const (
	KindEvent     = "event"
	KindHeartbeat = "heartbeat"
	KindUsage     = "usage"
	KindDocument  = "document"
)

// Envelope wraps one telemetry payload in transit. Payload is the JSON
// encoding of the corresponding ingest type.
type Envelope struct {
	Kind       string          `json:"kind"`
	Source     string          `json:"source,omitempty"` // transport that delivered it
	Payload    json.RawMessage `json:"payload"`
	ReceivedAt time.Time       `json:"received_at"`
}

// TelemetryBus is a bounded in-process queue of envelopes.
type TelemetryBus struct {
	inbound chan *Envelope
}

// New creates a telemetry bus.
func New() *TelemetryBus {
	return &TelemetryBus{inbound: make(chan *Envelope, 256)}
}

// Publish enqueues an envelope, blocking if the bus is full so transports
// apply backpressure instead of dropping telemetry.
func (b *TelemetryBus) Publish(env *Envelope) {
	if env.ReceivedAt.IsZero() {
		env.ReceivedAt = time.Now()
	}
	b.inbound <- env
}

// Consume blocks until an envelope is available or the context is
// cancelled.
func (b *TelemetryBus) Consume(ctx context.Context) (*Envelope, error) {
	select {
	case env := <-b.inbound:
		return env, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Size returns the number of pending envelopes.
func (b *TelemetryBus) Size() int {
	return len(b.inbound)
}
