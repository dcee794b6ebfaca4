package taxonomy

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFold(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"On Approval", "on_approval"},
		{"  ON-APPROVAL  ", "on_approval"},
		{"Buy It Now!", "buy_it_now"},
		{"Adjudicación", "adjudicacion"},
		{"STRASSE", "strasse"},
		{"---", ""},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Fold(tt.in), tt.in)
	}
}

func TestTable_Lookup(t *testing.T) {
	sink := NewCountingSink()
	tbl := StatusTable(sink)

	assert.Equal(t, "status", tbl.Name())
	assert.Equal(t, StatusOnApproval, tbl.Lookup("On Approval"))
	assert.Equal(t, StatusOnApproval, tbl.Lookup("PENDING-APPROVAL"))
	assert.Equal(t, StatusPureSale, tbl.Lookup("pure sale"))
	assert.Equal(t, StatusCancelled, tbl.Lookup("Canceled"))
	assert.Equal(t, "", tbl.Lookup("   "))
	assert.Equal(t, 0, sink.Total())

	assert.Equal(t, "unknown_status:sold_subject_to", tbl.Lookup("Sold Subject To"))
	assert.Equal(t, "unknown_status:sold_subject_to", tbl.Lookup("SOLD subject-to"))
	assert.Equal(t, "unknown_status:mystery", tbl.Lookup("Mystery"))
	assert.True(t, tbl.IsUnknown(tbl.Lookup("Hold for Title")))
	assert.False(t, tbl.IsUnknown(StatusSold))
	assert.NotEqual(t, tbl.Lookup("Hold for Title"), tbl.Lookup("Seller Review"))

	assert.Equal(t, 6, sink.Total())
	assert.Equal(t, 1, sink.Counts()["status"]["Sold Subject To"])
	assert.Equal(t, 1, sink.Counts()["status"]["SOLD subject-to"])
	assert.Equal(t, 1, sink.Counts()["status"]["Mystery"])
}

func TestTable_NilSink(t *testing.T) {
	tbl := New("damage", map[string]string{"Front End": "front"}, nil)
	assert.Equal(t, "front", tbl.Lookup("front end"))
	assert.Equal(t, "unknown_damage:rear", tbl.Lookup("rear"))
}

func TestCountingSink_Concurrent(t *testing.T) {
	sink := NewCountingSink()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sink.RecordMiss("status", "x")
		}()
	}
	wg.Wait()
	assert.Equal(t, 20, sink.Total())

	counts := sink.Counts()
	counts["status"]["x"] = 0
	assert.Equal(t, 20, sink.Counts()["status"]["x"], "Counts returns a copy")
}
