package model

import "time"

// EventType names one kind of lifecycle fact.
type EventType string

const (
	EventAppeared      EventType = "appeared"
	EventDisappeared   EventType = "disappeared"
	EventRelisted      EventType = "relisted"
	EventPriceChanged  EventType = "price_changed"
	EventDateChanged   EventType = "date_changed"
	EventStatusChanged EventType = "status_changed"
	EventUpdated       EventType = "updated"
)

// AllEventTypes lists every event type in emission order.
func AllEventTypes() []EventType {
	return []EventType{
		EventAppeared, EventDisappeared, EventRelisted,
		EventPriceChanged, EventDateChanged, EventStatusChanged, EventUpdated,
	}
}

// Valid reports whether t is a known event type.
func (t EventType) Valid() bool {
	for _, known := range AllEventTypes() {
		if t == known {
			return true
		}
	}
	return false
}

// IsFieldChange reports whether t is one of the per-field change types.
func (t EventType) IsFieldChange() bool {
	return t == EventPriceChanged || t == EventDateChanged || t == EventStatusChanged
}

// EventPayload carries the before/after view of the fields relevant to an event.
type EventPayload struct {
	Before       map[string]string `json:"before,omitempty"`
	After        map[string]string `json:"after,omitempty"`
	Fields       []string          `json:"fields,omitempty"`
	RelatedLotID string            `json:"related_lot_id,omitempty"`
}

// Event is one immutable, append-only lifecycle fact.
type Event struct {
	ID             int64        `json:"id"`
	Type           EventType    `json:"event_type"`
	ExternalLotID  string       `json:"external_lot_id"`
	VehicleID      *string      `json:"vehicle_id,omitempty"`
	Payload        EventPayload `json:"payload"`
	CurrSnapshotID int64        `json:"curr_snapshot_id"`
	PrevSnapshotID int64        `json:"prev_snapshot_id"`
	CreatedAt      time.Time    `json:"created_at"`
}

// EventKey is the identity an event is deduplicated on.
type EventKey struct {
	Type           EventType
	ExternalLotID  string
	CurrSnapshotID int64
	PrevSnapshotID int64
}

// Key returns the deduplication key for e.
func (e Event) Key() EventKey {
	return EventKey{
		Type:           e.Type,
		ExternalLotID:  e.ExternalLotID,
		CurrSnapshotID: e.CurrSnapshotID,
		PrevSnapshotID: e.PrevSnapshotID,
	}
}
