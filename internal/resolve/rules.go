package resolve

import (
	"fmt"
	"time"

	"github.com/sells-group/lotwatch/internal/events"
	"github.com/sells-group/lotwatch/internal/model"
)

// Detection methods recorded with each outcome.
const (
	MethodRelist        = "relist"
	MethodDisappearance = "disappearance"
	MethodOnApproval    = "on_approval"
)

// Rule confidences.
const (
	ConfidenceRelist        = model.MaxConfidence
	ConfidenceDisappearance = 0.85
	ConfidenceOnApproval    = 0.60
)

// Evidence is everything a rule may look at for one lot.
type Evidence struct {
	Lot model.Lot
	// Events is the lot's own timeline.
	Events []model.Event
	// VehicleRelists holds every relisted event recorded for the lot's
	// vehicle, whichever lot it names.
	VehicleRelists []model.Event

	Now            time.Time
	GracePeriod    time.Duration
	ApprovalWindow time.Duration
}

// Verdict is a rule's conclusion.
type Verdict struct {
	Outcome    model.Outcome
	Confidence float64
	Method     string
	Reason     string
	// NextLotID is the external id of the relisted attempt, if any.
	NextLotID string
}

// Rule inspects evidence and returns a verdict, or nil when it does not apply.
type Rule func(Evidence) *Verdict

// DefaultRules is the evaluation order. The first rule that returns a
// verdict wins.
var DefaultRules = []Rule{Relist, Disappearance, OnApproval}

// Evaluate runs rules in order.
func Evaluate(ev Evidence, rules []Rule) *Verdict {
	for _, rule := range rules {
		if v := rule(ev); v != nil {
			return v
		}
	}
	return nil
}

// Relist concludes not_sold when the lot was relisted under a new attempt.
func Relist(ev Evidence) *Verdict {
	r := events.Latest(ev.Events, model.EventRelisted)
	if r == nil {
		return nil
	}
	return &Verdict{
		Outcome:    model.OutcomeNotSold,
		Confidence: ConfidenceRelist,
		Method:     MethodRelist,
		Reason: fmt.Sprintf("vehicle relisted as lot %s on %s",
			r.Payload.RelatedLotID, r.CreatedAt.UTC().Format(time.RFC3339)),
		NextLotID: r.Payload.RelatedLotID,
	}
}

// Disappearance concludes sold once a lot without an unmet reserve has been
// gone for the grace period past its auction time and the vehicle has not
// been relisted since.
func Disappearance(ev Evidence) *Verdict {
	d := gone(ev)
	if d == nil || ev.Lot.ReserveGated() {
		return nil
	}
	ref := reference(ev.Lot, d)
	if ev.Now.Before(ref.Add(ev.GracePeriod)) || relistedSince(ev, d.CreatedAt) {
		return nil
	}
	return &Verdict{
		Outcome:    model.OutcomeSold,
		Confidence: ConfidenceDisappearance,
		Method:     MethodDisappearance,
		Reason: fmt.Sprintf("disappeared on %s, %s grace period past %s elapsed with no relist",
			d.CreatedAt.UTC().Format(time.RFC3339), ev.GracePeriod, ref.UTC().Format(time.RFC3339)),
	}
}

// OnApproval concludes on_approval for a disappeared lot whose bid never met
// its reserve or buy-now price, once the approval window has passed with no
// relist.
func OnApproval(ev Evidence) *Verdict {
	d := gone(ev)
	if d == nil || !ev.Lot.ReserveGated() {
		return nil
	}
	ref := reference(ev.Lot, d)
	if ev.Now.Before(ref.Add(ev.ApprovalWindow)) || relistedSince(ev, d.CreatedAt) {
		return nil
	}
	return &Verdict{
		Outcome:    model.OutcomeOnApproval,
		Confidence: ConfidenceOnApproval,
		Method:     MethodOnApproval,
		Reason: fmt.Sprintf("disappeared on %s below reserve, no relist within %s",
			d.CreatedAt.UTC().Format(time.RFC3339), ev.ApprovalWindow),
	}
}

// gone returns the lot's latest disappearance unless the lot has appeared
// again since.
func gone(ev Evidence) *model.Event {
	d := events.Latest(ev.Events, model.EventDisappeared)
	if d == nil {
		return nil
	}
	if a := events.Latest(ev.Events, model.EventAppeared); a != nil && a.CreatedAt.After(d.CreatedAt) {
		return nil
	}
	return d
}

// reference is the time the grace period runs from: the scheduled auction
// when known, else the disappearance.
func reference(lot model.Lot, d *model.Event) time.Time {
	if lot.AuctionAt != nil {
		return *lot.AuctionAt
	}
	return d.CreatedAt
}

func relistedSince(ev Evidence, since time.Time) bool {
	for _, r := range ev.VehicleRelists {
		if !r.CreatedAt.Before(since) {
			return true
		}
	}
	return false
}
