package model

import (
	"math"
	"strconv"
	"strings"
	"time"
)

// FieldBag is the flat header->value map of one export row. Keys are
// normalized header names (lower snake case).
type FieldBag map[string]string

// Well-known export field aliases, first match wins.
var (
	FieldAuctionAt    = []string{"auction_date", "sale_date", "auction_at"}
	FieldCurrentBid   = []string{"current_bid", "high_bid", "bid"}
	FieldBuyNowPrice  = []string{"buy_now_price", "buy_it_now_price"}
	FieldReservePrice = []string{"reserve_price", "minimum_bid"}
	FieldStatus       = []string{"sale_status", "status"}
	FieldLocation     = []string{"location", "yard_name"}
	FieldOdometer     = []string{"odometer"}
	FieldDamage       = []string{"damage", "primary_damage", "damage_description"}
	FieldTitleType    = []string{"title_type", "sale_title_type"}

	FieldMake         = []string{"make"}
	FieldModel        = []string{"model", "model_group", "model_detail"}
	FieldYear         = []string{"year"}
	FieldTrim         = []string{"trim"}
	FieldBodyStyle    = []string{"body_style"}
	FieldColor        = []string{"color"}
	FieldEngine       = []string{"engine"}
	FieldFuelType     = []string{"fuel_type"}
	FieldDrive        = []string{"drive"}
	FieldTransmission = []string{"transmission"}
)

// NormalizeKey turns an export header into a field bag key.
func NormalizeKey(header string) string {
	k := strings.ToLower(strings.TrimSpace(header))
	k = strings.NewReplacer(" ", "_", "-", "_", "/", "_", ".", "").Replace(k)
	return k
}

// Get returns the first non-empty trimmed value among keys.
func (b FieldBag) Get(keys ...string) string {
	for _, k := range keys {
		if v := strings.TrimSpace(b[k]); v != "" {
			return v
		}
	}
	return ""
}

// Float parses the first present value among keys as a finite number.
// Currency symbols and thousands separators are ignored; NaN and infinities
// read as absent.
func (b FieldBag) Float(keys ...string) *float64 {
	s := b.Get(keys...)
	if s == "" {
		return nil
	}
	s = strings.NewReplacer("$", "", ",", "", " ", "", "USD", "").Replace(s)
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	return &f
}

// Int parses the first present value among keys as an integer, truncating
// any fraction. Values outside the int64 range read as absent.
func (b FieldBag) Int(keys ...string) *int64 {
	f := b.Float(keys...)
	if f == nil || *f < math.MinInt64 || *f >= math.MaxInt64 {
		return nil
	}
	n := int64(*f)
	return &n
}

// Time parses the first present value among keys as a timestamp.
func (b FieldBag) Time(keys ...string) *time.Time {
	s := b.Get(keys...)
	if s == "" {
		return nil
	}
	t, ok := ParseTime(s)
	if !ok {
		return nil
	}
	return &t
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
	"01/02/2006 15:04:05",
	"01/02/2006 15:04",
	"01/02/2006",
}

// ParseTime parses the timestamp formats seen in exports. Bare integers are
// epoch milliseconds (13+ digits) or seconds. All results are UTC.
func ParseTime(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		if len(s) >= 13 {
			return time.UnixMilli(n).UTC(), true
		}
		return time.Unix(n, 0).UTC(), true
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// FormatTime is the canonical string form used in event payloads.
func FormatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

// FormatFloat is the canonical string form of a money amount.
func FormatFloat(f *float64) string {
	if f == nil {
		return ""
	}
	return strconv.FormatFloat(*f, 'f', 2, 64)
}
