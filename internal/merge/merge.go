// Package merge folds staged export rows into the canonical lot and vehicle
// tables. Lots are updated only by strictly newer source rows; vehicles only
// gain fields they were missing.
package merge

import (
	"time"

	"github.com/sells-group/lotwatch/internal/model"
	"github.com/sells-group/lotwatch/internal/taxonomy"
	"github.com/sells-group/lotwatch/internal/vin"
)

// LotFromRecord maps a staged row onto a lot. status folds the raw sale
// status; with a nil table the label is kept verbatim.
func LotFromRecord(rec model.StagedRecord, vehicleID string, status *taxonomy.Table) model.Lot {
	f := rec.Fields
	lot := model.Lot{
		ExternalLotID:   rec.ExternalLotID,
		VehicleID:       vehicleID,
		SourceTimestamp: rec.SourceTimestamp,
		AuctionAt:       f.Time(model.FieldAuctionAt...),
		CurrentBid:      f.Float(model.FieldCurrentBid...),
		BuyNowPrice:     f.Float(model.FieldBuyNowPrice...),
		ReservePrice:    f.Float(model.FieldReservePrice...),
		Location:        f.Get(model.FieldLocation...),
		Odometer:        f.Int(model.FieldOdometer...),
		Damage:          f.Get(model.FieldDamage...),
		TitleType:       f.Get(model.FieldTitleType...),
	}
	raw := f.Get(model.FieldStatus...)
	if status != nil {
		lot.Status = status.Lookup(raw)
	} else {
		lot.Status = raw
	}
	return lot
}

// VehicleFromRecord maps a staged row's descriptive fields onto the vehicle
// identified by id.
func VehicleFromRecord(rec model.StagedRecord, id vin.Result) model.Vehicle {
	f := rec.Fields
	v := model.Vehicle{
		ID:           id.Canonical,
		Kind:         id.Kind,
		Make:         f.Get(model.FieldMake...),
		Model:        f.Get(model.FieldModel...),
		Trim:         f.Get(model.FieldTrim...),
		BodyStyle:    f.Get(model.FieldBodyStyle...),
		Color:        f.Get(model.FieldColor...),
		Engine:       f.Get(model.FieldEngine...),
		FuelType:     f.Get(model.FieldFuelType...),
		Drive:        f.Get(model.FieldDrive...),
		Transmission: f.Get(model.FieldTransmission...),
	}
	if y := f.Int(model.FieldYear...); y != nil && *y > 0 {
		year := int(*y)
		v.Year = &year
	}
	return v
}

// MergeLot applies incoming over existing. It reports false, returning
// existing untouched, unless incoming's source timestamp is strictly newer.
// Present incoming values win; absent ones keep the stored value. Outcome
// and attempt-chain columns always come from existing.
func MergeLot(existing *model.Lot, incoming model.Lot) (model.Lot, bool) {
	if existing == nil {
		return incoming, true
	}
	out := *existing
	if !incoming.SourceTimestamp.After(existing.SourceTimestamp) {
		return out, false
	}

	out.SourceTimestamp = incoming.SourceTimestamp
	if incoming.VehicleID != "" {
		out.VehicleID = incoming.VehicleID
	}
	out.AuctionAt = keepTime(incoming.AuctionAt, out.AuctionAt)
	out.CurrentBid = keepFloat(incoming.CurrentBid, out.CurrentBid)
	out.BuyNowPrice = keepFloat(incoming.BuyNowPrice, out.BuyNowPrice)
	out.ReservePrice = keepFloat(incoming.ReservePrice, out.ReservePrice)
	out.Odometer = keepInt64(incoming.Odometer, out.Odometer)
	out.Status = keepString(incoming.Status, out.Status)
	out.Location = keepString(incoming.Location, out.Location)
	out.Damage = keepString(incoming.Damage, out.Damage)
	out.TitleType = keepString(incoming.TitleType, out.TitleType)
	return out, true
}

// MergeVehicle fills the fields existing lacks from incoming. It reports
// whether anything changed.
func MergeVehicle(existing, incoming model.Vehicle) (model.Vehicle, bool) {
	out := existing
	changed := false
	fill := func(dst *string, src string) {
		if *dst == "" && src != "" {
			*dst = src
			changed = true
		}
	}
	fill(&out.Make, incoming.Make)
	fill(&out.Model, incoming.Model)
	fill(&out.Trim, incoming.Trim)
	fill(&out.BodyStyle, incoming.BodyStyle)
	fill(&out.Color, incoming.Color)
	fill(&out.Engine, incoming.Engine)
	fill(&out.FuelType, incoming.FuelType)
	fill(&out.Drive, incoming.Drive)
	fill(&out.Transmission, incoming.Transmission)
	if out.Year == nil && incoming.Year != nil {
		y := *incoming.Year
		out.Year = &y
		changed = true
	}
	if out.Kind == "" && incoming.Kind != "" {
		out.Kind = incoming.Kind
		changed = true
	}
	return out, changed
}

func keepString(in, cur string) string {
	if in != "" {
		return in
	}
	return cur
}

func keepFloat(in, cur *float64) *float64 {
	if in != nil {
		return in
	}
	return cur
}

func keepInt64(in, cur *int64) *int64 {
	if in != nil {
		return in
	}
	return cur
}

func keepTime(in, cur *time.Time) *time.Time {
	if in != nil {
		return in
	}
	return cur
}
