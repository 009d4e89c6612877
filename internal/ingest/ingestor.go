// Package ingest consumes telemetry envelopes from the bus and writes them
// into the core: events to the store, heartbeats to the directory, samples
// to the usage aggregator, documents to the search index.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/velvetclaw/missionctl/internal/bus"
	"github.com/velvetclaw/missionctl/internal/directory"
	"github.com/velvetclaw/missionctl/internal/search"
	"github.com/velvetclaw/missionctl/internal/store"
	"github.com/velvetclaw/missionctl/internal/usage"
)

// Heartbeat is the wire shape of a heartbeat envelope payload.
type Heartbeat struct {
	AgentID string    `json:"agent_id"`
	At      time.Time `json:"at"`
}

// Ingestor drains the telemetry bus into the aggregation core.
type Ingestor struct {
	bus  *bus.TelemetryBus
	st   *store.Store
	dir  *directory.Directory
	agg  *usage.Aggregator
	idx  *search.Index
	log  *slog.Logger
	done chan struct{}
}

// New creates an Ingestor.
func New(b *bus.TelemetryBus, st *store.Store, dir *directory.Directory, agg *usage.Aggregator, idx *search.Index) *Ingestor {
	return &Ingestor{
		bus:  b,
		st:   st,
		dir:  dir,
		agg:  agg,
		idx:  idx,
		log:  slog.Default().With("component", "ingest"),
		done: make(chan struct{}),
	}
}

// Run consumes envelopes until the context is cancelled. Write failures are
// logged with the envelope identity, never silently dropped.
func (g *Ingestor) Run(ctx context.Context) error {
	defer close(g.done)
	for {
		env, err := g.bus.Consume(ctx)
		if err != nil {
			return err
		}
		if err := g.Handle(ctx, env); err != nil {
			g.log.Error("envelope rejected", "kind", env.Kind, "source", env.Source, "error", err)
		}
	}
}

// Done is closed when Run returns.
func (g *Ingestor) Done() <-chan struct{} { return g.done }

// Handle dispatches one envelope to the owning service.
func (g *Ingestor) Handle(ctx context.Context, env *bus.Envelope) error {
	switch env.Kind {
	case bus.KindEvent:
		var evt store.Event
		if err := json.Unmarshal(env.Payload, &evt); err != nil {
			return fmt.Errorf("%w: bad event payload: %v", store.ErrValidation, err)
		}
		_, err := g.st.Append(ctx, &evt)
		return err
	case bus.KindHeartbeat:
		var hb Heartbeat
		if err := json.Unmarshal(env.Payload, &hb); err != nil {
			return fmt.Errorf("%w: bad heartbeat payload: %v", store.ErrValidation, err)
		}
		return g.dir.Heartbeat(ctx, hb.AgentID, hb.At)
	case bus.KindUsage:
		var s usage.Sample
		if err := json.Unmarshal(env.Payload, &s); err != nil {
			return fmt.Errorf("%w: bad usage payload: %v", store.ErrValidation, err)
		}
		return g.agg.Record(ctx, s)
	case bus.KindDocument:
		var doc search.Document
		if err := json.Unmarshal(env.Payload, &doc); err != nil {
			return fmt.Errorf("%w: bad document payload: %v", store.ErrValidation, err)
		}
		return g.idx.Upsert(ctx, doc)
	}
	return fmt.Errorf("%w: unknown envelope kind %q", store.ErrValidation, env.Kind)
}
