// Package events is the append-only lifecycle event log. Insert is the only
// write it exposes; reads cover per-lot and per-vehicle timelines and
// filtered queries for audit.
package events

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/lotwatch/internal/model"
	"github.com/sells-group/lotwatch/internal/store"
)

// AppendResult counts the outcome of an Append call.
type AppendResult struct {
	Inserted int `json:"inserted"`
	Skipped  int `json:"skipped"`
}

// Log reads and appends events through a store or an open transaction.
type Log struct {
	q store.Querier
}

// New returns a Log over q.
func New(q store.Querier) *Log {
	return &Log{q: q}
}

// Append inserts evs in order. An event whose identity (type, lot, snapshot
// pair) is already recorded is skipped, so appending the same batch twice
// adds nothing.
func (l *Log) Append(ctx context.Context, evs []model.Event) (AppendResult, error) {
	var res AppendResult
	for i := range evs {
		ev := &evs[i]
		if !ev.Type.Valid() {
			return res, eris.Errorf("events: unknown event type %q for lot %s", ev.Type, ev.ExternalLotID)
		}

		exists, err := l.q.EventExists(ctx, ev.Key())
		if err != nil {
			return res, eris.Wrapf(err, "events: check %s for lot %s", ev.Type, ev.ExternalLotID)
		}
		if exists {
			res.Skipped++
			continue
		}

		inserted, err := l.q.InsertEvent(ctx, ev)
		if err != nil {
			return res, eris.Wrapf(err, "events: append %s for lot %s", ev.Type, ev.ExternalLotID)
		}
		if inserted {
			res.Inserted++
		} else {
			res.Skipped++
		}
	}
	return res, nil
}

// ByLot returns the lot's timeline, oldest first.
func (l *Log) ByLot(ctx context.Context, externalLotID string) ([]model.Event, error) {
	evs, err := l.q.QueryEvents(ctx, store.EventFilter{LotID: externalLotID})
	return evs, eris.Wrapf(err, "events: timeline for lot %s", externalLotID)
}

// ByVehicle returns the vehicle's events of the given types, newest first.
// With no types every event for the vehicle is returned.
func (l *Log) ByVehicle(ctx context.Context, vehicleID string, types ...model.EventType) ([]model.Event, error) {
	evs, err := l.q.QueryEvents(ctx, store.EventFilter{VehicleID: vehicleID, Types: types, Newest: true})
	return evs, eris.Wrapf(err, "events: timeline for vehicle %s", vehicleID)
}

// Query returns the events matching filter.
func (l *Log) Query(ctx context.Context, filter store.EventFilter) ([]model.Event, error) {
	for _, t := range filter.Types {
		if !t.Valid() {
			return nil, eris.Errorf("events: unknown event type %q", t)
		}
	}
	evs, err := l.q.QueryEvents(ctx, filter)
	return evs, eris.Wrap(err, "events: query")
}

// Latest returns the newest event of type t in evs, or nil. evs may be in
// any order.
func Latest(evs []model.Event, t model.EventType) *model.Event {
	var best *model.Event
	for i := range evs {
		ev := &evs[i]
		if ev.Type != t {
			continue
		}
		if best == nil || ev.CreatedAt.After(best.CreatedAt) ||
			(ev.CreatedAt.Equal(best.CreatedAt) && ev.ID > best.ID) {
			best = ev
		}
	}
	return best
}
