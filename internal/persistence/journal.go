package persistence

import (
	"context"
	"encoding/json"
	"log"

	"gatekeeper/internal/events"
	"gatekeeper/pkg/db"
)

// Journal appends every bus event except price ticks to risk_events, and
// breaker trips and resets to breaker_events. Rows are keyed by the envelope
// ULID, so a replayed envelope is written once.
type Journal struct {
	bus    *events.Bus
	writer *BatchWriter
}

// NewJournal binds a bus to a batch writer.
func NewJournal(bus *events.Bus, writer *BatchWriter) *Journal {
	return &Journal{bus: bus, writer: writer}
}

// Run consumes events until ctx is done, then flushes.
func (j *Journal) Run(ctx context.Context) {
	ch, unsub := j.bus.SubscribeAll(512)
	defer unsub()

	for {
		select {
		case <-ctx.Done():
			if err := j.writer.Flush(context.Background()); err != nil {
				log.Printf("[journal] flush on shutdown failed: %v", err)
			}
			return
		case env, ok := <-ch:
			if !ok {
				return
			}
			j.Record(env)
		}
	}
}

// Record queues the rows for one envelope.
func (j *Journal) Record(env events.Envelope) {
	for _, op := range opsFor(env) {
		j.writer.Write(op)
	}
}

func opsFor(env events.Envelope) []WriteOp {
	if env.Type == events.EventPriceTick {
		return nil
	}
	payload, err := json.Marshal(env.Payload)
	if err != nil {
		log.Printf("[journal] encode %s %s: %v", env.Type, env.ID, err)
		return nil
	}
	ops := []WriteOp{{
		Query: db.InsertRiskEventSQL,
		Args: db.RiskEventArgs(db.RiskEvent{
			ID: env.ID, Type: string(env.Type), Payload: string(payload), CreatedAt: env.At,
		}),
	}}

	switch p := env.Payload.(type) {
	case events.CircuitBreakerTripped:
		ops = append(ops, WriteOp{Query: db.InsertBreakerEventSQL, Args: db.BreakerEventArgs(db.BreakerEvent{
			ID: env.ID, Kind: "tripped", Reason: p.Reason, Value: p.Value, Limit: p.Limit,
			Equity: p.Equity, CreatedAt: env.At,
		})})
	case events.CircuitBreakerReset:
		kind := "reset"
		if p.Automatic {
			kind = "auto_reset"
		}
		ops = append(ops, WriteOp{Query: db.InsertBreakerEventSQL, Args: db.BreakerEventArgs(db.BreakerEvent{
			ID: env.ID, Kind: kind, Operator: p.Operator, CreatedAt: env.At,
		})})
	}
	return ops
}
