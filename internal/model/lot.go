package model

import "time"

// Outcome is the inferred final result of an auction attempt.
type Outcome string

const (
	OutcomeUnknown    Outcome = "unknown"
	OutcomeSold       Outcome = "sold"
	OutcomeNotSold    Outcome = "not_sold"
	OutcomeOnApproval Outcome = "on_approval"
)

// Valid reports whether o is a known outcome.
func (o Outcome) Valid() bool {
	switch o {
	case OutcomeUnknown, OutcomeSold, OutcomeNotSold, OutcomeOnApproval:
		return true
	}
	return false
}

// MaxConfidence is the highest confidence any rule assigns. A lot at this
// level is terminal and is never evaluated again.
const MaxConfidence = 0.95

// Lot is the canonical record of one auction attempt. PreviousAttemptID is a
// plain back-reference into the lot table forming the per-vehicle attempt
// chain; it never implies ownership.
type Lot struct {
	ID                int64      `json:"id"`
	ExternalLotID     string     `json:"external_lot_id"`
	VehicleID         string     `json:"vehicle_id"`
	SourceTimestamp   time.Time  `json:"source_timestamp"`
	Outcome           Outcome    `json:"outcome"`
	OutcomeConfidence float64    `json:"outcome_confidence"`
	OutcomeResolvedAt *time.Time `json:"outcome_resolved_at,omitempty"`
	OutcomeMethod     string     `json:"outcome_method,omitempty"`
	OutcomeReason     string     `json:"outcome_reason,omitempty"`
	RelistCount       int        `json:"relist_count"`
	PreviousAttemptID *int64     `json:"previous_attempt_id,omitempty"`

	// Business fields
	AuctionAt    *time.Time `json:"auction_at,omitempty"`
	CurrentBid   *float64   `json:"current_bid,omitempty"`
	BuyNowPrice  *float64   `json:"buy_now_price,omitempty"`
	ReservePrice *float64   `json:"reserve_price,omitempty"`
	Status       string     `json:"status,omitempty"`
	Location     string     `json:"location,omitempty"`
	Odometer     *int64     `json:"odometer,omitempty"`
	Damage       string     `json:"damage,omitempty"`
	TitleType    string     `json:"title_type,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Terminal reports whether the lot's outcome can no longer be upgraded.
func (l *Lot) Terminal() bool {
	return l.Outcome != OutcomeUnknown && l.OutcomeConfidence >= MaxConfidence
}

// ReserveGated reports whether the sale depends on seller approval: the lot
// carries a reserve or buy-now price that the current bid has not reached.
func (l *Lot) ReserveGated() bool {
	threshold := l.ReservePrice
	if threshold == nil {
		threshold = l.BuyNowPrice
	}
	if threshold == nil || *threshold <= 0 {
		return false
	}
	return l.CurrentBid == nil || *l.CurrentBid < *threshold
}

// OutcomeUpdate is the audit-carrying outcome write the resolver performs.
type OutcomeUpdate struct {
	Outcome    Outcome
	Confidence float64
	ResolvedAt time.Time
	Method     string
	Reason     string
}

// VehicleKind classifies which identifier rule accepted a vehicle.
type VehicleKind string

const (
	VehicleKindVIN      VehicleKind = "vin17"
	VehicleKindRegional VehicleKind = "regional"
	VehicleKindLegacy   VehicleKind = "legacy"
)

// Vehicle is the canonical identity shared by every attempt to sell it.
// Descriptive fields are additive: a present value is never replaced by an
// absent one.
type Vehicle struct {
	ID           string      `json:"id"`
	Kind         VehicleKind `json:"kind"`
	Make         string      `json:"make,omitempty"`
	Model        string      `json:"model,omitempty"`
	Year         *int        `json:"year,omitempty"`
	Trim         string      `json:"trim,omitempty"`
	BodyStyle    string      `json:"body_style,omitempty"`
	Color        string      `json:"color,omitempty"`
	Engine       string      `json:"engine,omitempty"`
	FuelType     string      `json:"fuel_type,omitempty"`
	Drive        string      `json:"drive,omitempty"`
	Transmission string      `json:"transmission,omitempty"`
	CreatedAt    time.Time   `json:"created_at"`
	UpdatedAt    time.Time   `json:"updated_at"`
}
