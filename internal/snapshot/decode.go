// Package snapshot turns upstream export files into snapshots of staged
// records. Each import is one immutable capture; nothing here interprets
// the rows beyond extracting the three keys the core needs.
package snapshot

import (
	"encoding/csv"
	"errors"
	"io"
	"strings"
	"time"

	"github.com/jszwec/csvutil"
	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/lotwatch/internal/config"
	"github.com/sells-group/lotwatch/internal/model"
)

// Row is one decoded export row. Number is 1-based and excludes the header.
type Row struct {
	Number          int
	ExternalLotID   string
	VehicleIDRaw    string
	SourceTimestamp time.Time
	Fields          model.FieldBag
}

// RowError records an export row that could not be staged.
type RowError struct {
	Number        int    `json:"row"`
	ExternalLotID string `json:"external_lot_id,omitempty"`
	Reason        string `json:"reason"`
}

// Decoded is the result of decoding one export.
type Decoded struct {
	Header []string
	Rows   []Row
	Errors []RowError
}

// Reason codes for rows that cannot be staged.
const (
	ReasonMissingLotID     = "missing_lot_id"
	ReasonMissingTimestamp = "missing_source_timestamp"
	ReasonBadTimestamp     = "unparseable_source_timestamp"
)

// rowMapper extracts keys from raw cells using a normalized header.
type rowMapper struct {
	keys  []string
	lotID string
	vin   string
	ts    string
}

func newRowMapper(header []string, cols config.ColumnsConfig) (*rowMapper, error) {
	m := &rowMapper{
		keys:  make([]string, len(header)),
		lotID: model.NormalizeKey(cols.LotID),
		vin:   model.NormalizeKey(cols.VehicleID),
		ts:    model.NormalizeKey(cols.SourceTimestamp),
	}
	seen := make(map[string]bool, len(header))
	for i, h := range header {
		m.keys[i] = model.NormalizeKey(h)
		seen[m.keys[i]] = true
	}
	var missing []string
	for _, want := range []string{m.lotID, m.ts} {
		if !seen[want] {
			missing = append(missing, want)
		}
	}
	if len(missing) > 0 {
		return nil, eris.Errorf("snapshot: export header lacks column(s) %s", strings.Join(missing, ", "))
	}
	return m, nil
}

func (m *rowMapper) mapRow(number int, cells []string) (Row, *RowError) {
	bag := make(model.FieldBag, len(cells))
	for i, c := range cells {
		if i >= len(m.keys) || m.keys[i] == "" {
			continue
		}
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		bag[m.keys[i]] = c
	}

	row := Row{
		Number:        number,
		ExternalLotID: bag[m.lotID],
		VehicleIDRaw:  bag[m.vin],
		Fields:        bag,
	}
	if row.ExternalLotID == "" {
		return row, &RowError{Number: number, Reason: ReasonMissingLotID}
	}
	raw := bag[m.ts]
	if raw == "" {
		return row, &RowError{Number: number, ExternalLotID: row.ExternalLotID, Reason: ReasonMissingTimestamp}
	}
	ts, ok := model.ParseTime(raw)
	if !ok {
		return row, &RowError{Number: number, ExternalLotID: row.ExternalLotID, Reason: ReasonBadTimestamp}
	}
	row.SourceTimestamp = ts
	return row, nil
}

// DecodeCSV reads a CSV export with a header line.
func DecodeCSV(r io.Reader, cols config.ColumnsConfig) (*Decoded, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true

	dec, err := csvutil.NewDecoder(cr)
	if errors.Is(err, io.EOF) {
		return nil, eris.New("snapshot: empty export")
	}
	if err != nil {
		return nil, eris.Wrap(err, "snapshot: read csv header")
	}

	m, err := newRowMapper(dec.Header(), cols)
	if err != nil {
		return nil, err
	}

	out := &Decoded{Header: dec.Header()}
	var discard struct{}
	for n := 1; ; n++ {
		if err := dec.Decode(&discard); err == io.EOF {
			break
		} else if err != nil {
			return nil, eris.Wrapf(err, "snapshot: read csv row %d", n)
		}
		out.add(m.mapRow(n, dec.Record()))
	}
	return out, nil
}

// DecodeXLSX reads the first sheet of an XLSX export; its first row is the header.
func DecodeXLSX(path string, cols config.ColumnsConfig) (*Decoded, error) {
	f, err := xlsx.OpenFile(path)
	if err != nil {
		return nil, eris.Wrap(err, "snapshot: open xlsx")
	}
	if len(f.Sheets) == 0 || len(f.Sheets[0].Rows) == 0 {
		return nil, eris.New("snapshot: empty export")
	}

	rows := f.Sheets[0].Rows
	header := cellStrings(rows[0])
	m, err := newRowMapper(header, cols)
	if err != nil {
		return nil, err
	}

	out := &Decoded{Header: header}
	for i, row := range rows[1:] {
		cells := cellStrings(row)
		if blank(cells) {
			continue
		}
		out.add(m.mapRow(i+1, cells))
	}
	return out, nil
}

func (d *Decoded) add(row Row, rowErr *RowError) {
	if rowErr != nil {
		d.Errors = append(d.Errors, *rowErr)
		return
	}
	d.Rows = append(d.Rows, row)
}

func cellStrings(row *xlsx.Row) []string {
	cells := make([]string, len(row.Cells))
	for j, cell := range row.Cells {
		cells[j] = cell.String()
	}
	return cells
}

func blank(cells []string) bool {
	for _, c := range cells {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}
