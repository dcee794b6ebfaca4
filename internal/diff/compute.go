// Package diff classifies the lots of two snapshots into appeared,
// disappeared and common sets and derives lifecycle events from the
// differences.
package diff

import (
	"sort"

	"github.com/sells-group/lotwatch/internal/model"
	"github.com/sells-group/lotwatch/internal/taxonomy"
	"github.com/sells-group/lotwatch/internal/vin"
)

// Compared field names, used as payload keys.
const (
	FieldBid       = "current_bid"
	FieldAuctionAt = "auction_at"
	FieldStatus    = "status"
)

var fieldEvent = map[string]model.EventType{
	FieldBid:       model.EventPriceChanged,
	FieldAuctionAt: model.EventDateChanged,
	FieldStatus:    model.EventStatusChanged,
}

// comparedFields is the fixed comparison order.
var comparedFields = []string{FieldBid, FieldAuctionAt, FieldStatus}

// Side is one snapshot with its staged records.
type Side struct {
	Snapshot model.Snapshot
	Records  []model.StagedRecord
}

// Result is the outcome of comparing two snapshots. The lot id slices are
// sorted and partition the union of both snapshots' keys.
type Result struct {
	Appeared    []string
	Disappeared []string
	Common      []string
	Events      []model.Event
}

// Compute diffs prev against curr. It is pure: the same inputs always yield
// the same events in the same order. status folds raw sale-status labels and
// may be nil, in which case labels are compared verbatim.
func Compute(prev, curr Side, status *taxonomy.Table) Result {
	pm := latestByLot(prev.Records)
	cm := latestByLot(curr.Records)
	em := emitter{prev: prev.Snapshot, curr: curr.Snapshot, status: status}

	var res Result
	for lot := range cm {
		if _, ok := pm[lot]; ok {
			res.Common = append(res.Common, lot)
		} else {
			res.Appeared = append(res.Appeared, lot)
		}
	}
	for lot := range pm {
		if _, ok := cm[lot]; !ok {
			res.Disappeared = append(res.Disappeared, lot)
		}
	}
	sort.Strings(res.Appeared)
	sort.Strings(res.Disappeared)
	sort.Strings(res.Common)

	appeared := make(map[string]bool, len(res.Appeared))
	for _, lot := range res.Appeared {
		appeared[lot] = true
		rec := cm[lot]
		res.Events = append(res.Events, em.event(model.EventAppeared, rec, model.EventPayload{After: em.view(rec)}))
	}
	for _, lot := range res.Disappeared {
		rec := pm[lot]
		res.Events = append(res.Events, em.event(model.EventDisappeared, rec, model.EventPayload{Before: em.view(rec)}))
	}
	for _, lot := range res.Common {
		res.Events = append(res.Events, em.fieldChanges(pm[lot], cm[lot])...)
	}

	// Relist detection over the current snapshot's vehicle index.
	index := vehicleIndex(cm)
	for _, lot := range res.Disappeared {
		old := pm[lot]
		vid := VehicleID(old.VehicleIDRaw)
		if vid == "" {
			continue
		}
		next := pickRelist(index[vid], lot, appeared)
		if next == "" {
			continue
		}
		ev := em.event(model.EventRelisted, old, model.EventPayload{
			Before:       em.view(old),
			After:        em.view(cm[next]),
			RelatedLotID: next,
		})
		res.Events = append(res.Events, ev)
	}

	SortEvents(res.Events)
	return res
}

// VehicleID returns the canonical vehicle identifier for raw, or "" when raw
// is empty or invalid.
func VehicleID(raw string) string {
	r := vin.Validate(raw)
	if !r.Valid() {
		return ""
	}
	return r.Canonical
}

// latestByLot keys records by lot, keeping the most recently captured row
// for duplicate keys. Ties fall back to source timestamp, then record id.
func latestByLot(recs []model.StagedRecord) map[string]model.StagedRecord {
	out := make(map[string]model.StagedRecord, len(recs))
	for _, r := range recs {
		cur, ok := out[r.ExternalLotID]
		if !ok || newer(r, cur) {
			out[r.ExternalLotID] = r
		}
	}
	return out
}

func newer(a, b model.StagedRecord) bool {
	if !a.CapturedAt.Equal(b.CapturedAt) {
		return a.CapturedAt.After(b.CapturedAt)
	}
	if !a.SourceTimestamp.Equal(b.SourceTimestamp) {
		return a.SourceTimestamp.After(b.SourceTimestamp)
	}
	return a.ID > b.ID
}

func vehicleIndex(recs map[string]model.StagedRecord) map[string][]string {
	idx := make(map[string][]string)
	for lot, r := range recs {
		if vid := VehicleID(r.VehicleIDRaw); vid != "" {
			idx[vid] = append(idx[vid], lot)
		}
	}
	return idx
}

// pickRelist chooses the successor lot: lots that appeared in this pair win
// over lots already listed, then the smallest id.
func pickRelist(candidates []string, old string, appeared map[string]bool) string {
	best := ""
	for _, c := range candidates {
		if c == old {
			continue
		}
		switch {
		case best == "":
			best = c
		case appeared[c] != appeared[best]:
			if appeared[c] {
				best = c
			}
		case c < best:
			best = c
		}
	}
	return best
}

// SortEvents orders events by type (AllEventTypes order), then lot id.
func SortEvents(evs []model.Event) {
	rank := make(map[model.EventType]int)
	for i, t := range model.AllEventTypes() {
		rank[t] = i
	}
	sort.SliceStable(evs, func(i, j int) bool {
		if evs[i].Type != evs[j].Type {
			return rank[evs[i].Type] < rank[evs[j].Type]
		}
		return evs[i].ExternalLotID < evs[j].ExternalLotID
	})
}

type emitter struct {
	prev, curr model.Snapshot
	status     *taxonomy.Table
}

func (em emitter) event(t model.EventType, rec model.StagedRecord, payload model.EventPayload) model.Event {
	ev := model.Event{
		Type:           t,
		ExternalLotID:  rec.ExternalLotID,
		Payload:        payload,
		CurrSnapshotID: em.curr.ID,
		PrevSnapshotID: em.prev.ID,
		CreatedAt:      em.curr.CapturedAt,
	}
	if vid := VehicleID(rec.VehicleIDRaw); vid != "" {
		ev.VehicleID = &vid
	}
	return ev
}

// view renders the compared fields of rec in canonical form. Absent fields
// are omitted.
func (em emitter) view(rec model.StagedRecord) map[string]string {
	out := make(map[string]string, len(comparedFields))
	if v := model.FormatFloat(rec.Fields.Float(model.FieldCurrentBid...)); v != "" {
		out[FieldBid] = v
	}
	if v := model.FormatTime(rec.Fields.Time(model.FieldAuctionAt...)); v != "" {
		out[FieldAuctionAt] = v
	}
	if v := em.statusCode(rec.Fields.Get(model.FieldStatus...)); v != "" {
		out[FieldStatus] = v
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func (em emitter) statusCode(raw string) string {
	if em.status == nil {
		return raw
	}
	return em.status.Lookup(raw)
}

// fieldChanges emits one event per changed compared field plus an updated
// summary. A field missing from the newer row is not a change.
func (em emitter) fieldChanges(before, after model.StagedRecord) []model.Event {
	bv, av := em.view(before), em.view(after)

	var evs []model.Event
	summary := model.EventPayload{Before: map[string]string{}, After: map[string]string{}}
	for _, f := range comparedFields {
		a := av[f]
		if a == "" || a == bv[f] {
			continue
		}
		payload := model.EventPayload{After: map[string]string{f: a}, Fields: []string{f}}
		if b := bv[f]; b != "" {
			payload.Before = map[string]string{f: b}
			summary.Before[f] = b
		}
		summary.After[f] = a
		summary.Fields = append(summary.Fields, f)
		evs = append(evs, em.event(fieldEvent[f], after, payload))
	}
	if len(evs) == 0 {
		return nil
	}
	if len(summary.Before) == 0 {
		summary.Before = nil
	}
	return append(evs, em.event(model.EventUpdated, after, summary))
}
