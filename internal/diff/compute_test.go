package diff

import (
	"fmt"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/lotwatch/internal/model"
	"github.com/sells-group/lotwatch/internal/taxonomy"
)

var (
	day1 = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	day2 = day1.Add(24 * time.Hour)
)

func rec(lot, vehicle string, sourceTS time.Time, fields map[string]string) model.StagedRecord {
	return model.StagedRecord{
		ExternalLotID:   lot,
		VehicleIDRaw:    vehicle,
		SourceTimestamp: sourceTS,
		Fields:          model.FieldBag(fields),
	}
}

func side(id int64, at time.Time, recs ...model.StagedRecord) Side {
	for i := range recs {
		recs[i].SnapshotID = id
		recs[i].CapturedAt = at
		recs[i].ID = id*100 + int64(i)
	}
	return Side{Snapshot: model.Snapshot{ID: id, CapturedAt: at, RowCount: len(recs)}, Records: recs}
}

// fixturePair covers appear, disappear, relist, field changes, duplicate
// keys, invalid identifiers and absent fields.
func fixturePair() (Side, Side) {
	prev := side(1, day1,
		rec("100", "1FTEW1EG7GFA12345", day1, map[string]string{
			"current_bid": "1500", "auction_date": "2026-03-05 14:00", "sale_status": "Minimum Bid",
		}),
		rec("200", "2T1BURHE0JC012345", day1, map[string]string{
			"current_bid": "800", "auction_date": "2026-03-04", "sale_status": "Pure Sale",
		}),
		rec("300", "bad!", day1, map[string]string{"current_bid": "50"}),
		rec("400", "3VWDX7AJ5DM123456", day1, map[string]string{
			"current_bid": "2000", "sale_status": "On Approval",
		}),
	)
	curr := side(2, day2,
		rec("200", "2T1BURHE0JC012345", day2.Add(-2*time.Hour), map[string]string{
			"current_bid": "900", "auction_date": "2026-03-04", "sale_status": "Pure Sale",
		}),
		rec("200", "2T1BURHE0JC012345", day2.Add(-time.Hour), map[string]string{
			"current_bid": "950", "auction_date": "2026-03-06 10:00", "sale_status": "pure sale",
		}),
		rec("300", "bad!", day2, map[string]string{"current_bid": "50"}),
		rec("400", "3VWDX7AJ5DM123456", day2, map[string]string{"current_bid": "2000"}),
		rec("500", "1ftew1eg7gfa12345", day2, map[string]string{
			"current_bid": "500", "sale_status": "Upcoming",
		}),
		rec("600", "", day2, map[string]string{"current_bid": "100"}),
	)
	return prev, curr
}

func renderMap(name string, m map[string]string) string {
	if len(m) == 0 {
		return ""
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + "=" + m[k]
	}
	return " " + name + "{" + strings.Join(parts, ",") + "}"
}

func render(evs []model.Event) []byte {
	var b strings.Builder
	for _, ev := range evs {
		vehicle := "-"
		if ev.VehicleID != nil {
			vehicle = *ev.VehicleID
		}
		fmt.Fprintf(&b, "%s %s vehicle=%s pair=%d/%d",
			ev.Type, ev.ExternalLotID, vehicle, ev.PrevSnapshotID, ev.CurrSnapshotID)
		b.WriteString(renderMap("before", ev.Payload.Before))
		b.WriteString(renderMap("after", ev.Payload.After))
		if len(ev.Payload.Fields) > 0 {
			b.WriteString(" fields=[" + strings.Join(ev.Payload.Fields, ",") + "]")
		}
		if ev.Payload.RelatedLotID != "" {
			b.WriteString(" related=" + ev.Payload.RelatedLotID)
		}
		b.WriteString("\n")
	}
	return []byte(b.String())
}

func TestCompute_Golden(t *testing.T) {
	prev, curr := fixturePair()
	res := Compute(prev, curr, taxonomy.StatusTable(nil))

	assert.Equal(t, []string{"500", "600"}, res.Appeared)
	assert.Equal(t, []string{"100"}, res.Disappeared)
	assert.Equal(t, []string{"200", "300", "400"}, res.Common)

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "compute_events", render(res.Events))
}

func TestCompute_Deterministic(t *testing.T) {
	prev, curr := fixturePair()
	first := Compute(prev, curr, nil)

	// Reverse the input order; the output must not change.
	for i, j := 0, len(curr.Records)-1; i < j; i, j = i+1, j-1 {
		curr.Records[i], curr.Records[j] = curr.Records[j], curr.Records[i]
	}
	second := Compute(prev, curr, nil)
	assert.Equal(t, render(first.Events), render(second.Events))
}

func TestCompute_PartitionCoversUnion(t *testing.T) {
	prev, curr := fixturePair()
	res := Compute(prev, curr, nil)

	union := map[string]bool{}
	for _, r := range prev.Records {
		union[r.ExternalLotID] = true
	}
	for _, r := range curr.Records {
		union[r.ExternalLotID] = true
	}

	seen := map[string]int{}
	for _, set := range [][]string{res.Appeared, res.Disappeared, res.Common} {
		for _, lot := range set {
			seen[lot]++
		}
	}
	assert.Len(t, seen, len(union))
	for lot, n := range seen {
		assert.Equal(t, 1, n, "lot %s in more than one set", lot)
		assert.True(t, union[lot])
	}
}

func TestCompute_IdenticalSnapshotsEmitNothing(t *testing.T) {
	prev, _ := fixturePair()
	curr := side(2, day2, append([]model.StagedRecord(nil), prev.Records...)...)
	res := Compute(prev, curr, nil)
	assert.Empty(t, res.Events)
	assert.Empty(t, res.Appeared)
	assert.Empty(t, res.Disappeared)
}

func TestCompute_EmptySides(t *testing.T) {
	prev, curr := fixturePair()

	res := Compute(side(1, day1), curr, nil)
	assert.Len(t, res.Appeared, 5)
	for _, ev := range res.Events {
		assert.Equal(t, model.EventAppeared, ev.Type)
	}

	res = Compute(prev, side(2, day2), nil)
	assert.Len(t, res.Disappeared, 4)
	for _, ev := range res.Events {
		assert.Equal(t, model.EventDisappeared, ev.Type)
	}
}

func TestCompute_EventsCarrySnapshotPair(t *testing.T) {
	prev, curr := fixturePair()
	res := Compute(prev, curr, nil)
	require.NotEmpty(t, res.Events)
	for _, ev := range res.Events {
		assert.Equal(t, int64(1), ev.PrevSnapshotID)
		assert.Equal(t, int64(2), ev.CurrSnapshotID)
		assert.True(t, ev.CreatedAt.Equal(day2))
	}
}

func TestCompute_StatusWithoutTableComparesRaw(t *testing.T) {
	prev := side(1, day1, rec("1", "", day1, map[string]string{"sale_status": "Pure Sale"}))
	curr := side(2, day2, rec("1", "", day2, map[string]string{"sale_status": "pure sale"}))

	assert.NotEmpty(t, Compute(prev, curr, nil).Events)
	assert.Empty(t, Compute(prev, curr, taxonomy.StatusTable(nil)).Events)
}

func TestCompute_UnmappedStatusChangeIsEmitted(t *testing.T) {
	sink := taxonomy.NewCountingSink()
	prev := side(1, day1, rec("1", "", day1, map[string]string{"sale_status": "Hold for Title"}))
	curr := side(2, day2, rec("1", "", day2, map[string]string{"sale_status": "Seller Review"}))

	res := Compute(prev, curr, taxonomy.StatusTable(sink))
	require.Len(t, res.Events, 2)
	assert.Equal(t, model.EventStatusChanged, res.Events[0].Type)
	assert.Equal(t, "unknown_status:hold_for_title", res.Events[0].Payload.Before[FieldStatus])
	assert.Equal(t, "unknown_status:seller_review", res.Events[0].Payload.After[FieldStatus])
	assert.Equal(t, model.EventUpdated, res.Events[1].Type)
	assert.Positive(t, sink.Total())
}

func TestPickRelist(t *testing.T) {
	appeared := map[string]bool{"9": true, "7": true}
	assert.Equal(t, "7", pickRelist([]string{"9", "3", "7"}, "1", appeared))
	assert.Equal(t, "3", pickRelist([]string{"5", "3", "1"}, "1", map[string]bool{}))
	assert.Equal(t, "", pickRelist([]string{"1"}, "1", appeared))
}

func TestVehicleID(t *testing.T) {
	assert.Equal(t, "1FTEW1EG7GFA12345", VehicleID(" 1ftew1eg7gfa12345"))
	assert.Equal(t, "", VehicleID(""))
	assert.Equal(t, "", VehicleID("bad!"))
}
