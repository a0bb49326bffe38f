// Package measure converts raw field values of measurement TVPs to metres
// relative to NAP and prepares them for delivery.
package measure

import (
	"database/sql"
	"slices"
	"strings"
	"time"

	"github.com/lox/broconnector/internal/models"
)

// BarToMetres is the water column height of one bar.
const BarToMetres = 10.1974

// Censor reasons as used by the Registry codelist.
const (
	CensorBelow   = "kleinerDanLimietwaarde"
	CensorAbove   = "groterDanLimietwaarde"
	CensorUnknown = "onbekend"
)

var directUnits = map[string]float64{
	"m":  1,
	"cm": 100,
	"mm": 1000,
}

var pressureUnits = map[string]float64{
	"bar":  1,
	"mbar": 1000,
}

const tubeTopSuffix = " t.o.v. bkb"

// Reference holds the tube geometry a measurement was taken against.
type Reference struct {
	TubeTop     sql.NullFloat64
	CableLength sql.NullFloat64
}

// ReferenceFrom builds a Reference from a tube dynamic snapshot.
func ReferenceFrom(d *models.TubeDynamic) Reference {
	if d == nil {
		return Reference{}
	}
	return Reference{TubeTop: d.TubeTopPosition, CableLength: d.SensorDepth}
}

// Supported reports whether unit can be converted at all.
func Supported(unit string) bool {
	unit = strings.TrimSpace(unit)
	if _, ok := directUnits[unit]; ok {
		return true
	}
	if _, ok := directUnits[strings.TrimSuffix(unit, tubeTopSuffix)]; ok && strings.HasSuffix(unit, tubeTopSuffix) {
		return true
	}
	_, ok := pressureUnits[unit]
	return ok
}

// ToMetres converts value in unit to metres NAP. It returns false for
// unknown units or when the unit needs tube geometry that is missing.
func ToMetres(value float64, unit string, ref Reference) (float64, bool) {
	unit = strings.TrimSpace(unit)
	if div, ok := directUnits[unit]; ok {
		return value / div, true
	}
	if strings.HasSuffix(unit, tubeTopSuffix) {
		div, ok := directUnits[strings.TrimSuffix(unit, tubeTopSuffix)]
		if !ok || !ref.TubeTop.Valid {
			return 0, false
		}
		return ref.TubeTop.Float64 - value/div, true
	}
	if div, ok := pressureUnits[unit]; ok {
		if !ref.TubeTop.Valid || !ref.CableLength.Valid {
			return 0, false
		}
		sensor := ref.TubeTop.Float64 - ref.CableLength.Float64
		return sensor + (value/div)*BarToMetres, true
	}
	return 0, false
}

// ToField is the inverse of ToMetres.
func ToField(metres float64, unit string, ref Reference) (float64, bool) {
	unit = strings.TrimSpace(unit)
	if mul, ok := directUnits[unit]; ok {
		return metres * mul, true
	}
	if strings.HasSuffix(unit, tubeTopSuffix) {
		mul, ok := directUnits[strings.TrimSuffix(unit, tubeTopSuffix)]
		if !ok || !ref.TubeTop.Valid {
			return 0, false
		}
		return (ref.TubeTop.Float64 - metres) * mul, true
	}
	if mul, ok := pressureUnits[unit]; ok {
		if !ref.TubeTop.Valid || !ref.CableLength.Valid {
			return 0, false
		}
		sensor := ref.TubeTop.Float64 - ref.CableLength.Float64
		return (metres - sensor) / BarToMetres * mul, true
	}
	return 0, false
}

// OrderTVPs returns a copy of tvps stable-sorted by measurement time.
func OrderTVPs(tvps []models.MeasurementTVP) []models.MeasurementTVP {
	out := slices.Clone(tvps)
	slices.SortStableFunc(out, func(a, b models.MeasurementTVP) int {
		return a.Time.Compare(b.Time)
	})
	return out
}

// CensorReasonFromRegistry maps a Registry censor code onto the local set.
func CensorReasonFromRegistry(code string) string {
	switch strings.TrimSpace(code) {
	case CensorBelow:
		return CensorBelow
	case CensorAbove:
		return CensorAbove
	default:
		return CensorUnknown
	}
}

var qcFlags = map[string]string{
	"0":   models.QCNotAssessed,
	"1":   models.QCApproved,
	"9":   models.QCRejected,
	"99":  models.QCUndecided,
	"100": models.QCUnknown,
}

// QCStatusFromFlag maps numeric quality flags from loggers to the Registry codelist.
// Codelist values pass through unchanged.
func QCStatusFromFlag(flag string) string {
	flag = strings.TrimSpace(flag)
	if s, ok := qcFlags[flag]; ok {
		return s
	}
	switch flag {
	case models.QCApproved, models.QCRejected, models.QCNotAssessed, models.QCUndecided:
		return flag
	}
	return models.QCUnknown
}

// Point is one outbound measurement in metres NAP.
type Point struct {
	Time                 time.Time
	Value                sql.NullFloat64
	StatusQualityControl string
	CensorReason         sql.NullString
	CensoringLimitValue  sql.NullFloat64
}

// ReferenceAt returns the tube geometry valid at t.
type ReferenceAt func(t time.Time) Reference

// Outbound orders tvps and converts them to delivery points. Rejected
// points are dropped, as are points without a value and without a censor reason.
func Outbound(tvps []models.MeasurementTVP, refAt ReferenceAt) []Point {
	var points []Point
	for _, tvp := range OrderTVPs(tvps) {
		p := Point{Time: tvp.Time, StatusQualityControl: models.QCUnknown}
		if tvp.Metadata != nil {
			p.StatusQualityControl = tvp.Metadata.StatusQualityControl
			p.CensorReason = tvp.Metadata.CensorReason
			p.CensoringLimitValue = tvp.Metadata.CensoringLimitValue
		}
		if p.StatusQualityControl == models.QCRejected {
			continue
		}

		switch {
		case tvp.CalculatedValue.Valid:
			p.Value = tvp.CalculatedValue
		case tvp.FieldValue.Valid:
			var ref Reference
			if refAt != nil {
				ref = refAt(tvp.Time)
			}
			if v, ok := ToMetres(tvp.FieldValue.Float64, tvp.FieldValueUnit, ref); ok {
				p.Value = sql.NullFloat64{Float64: v, Valid: true}
			}
		}

		if !p.Value.Valid && !p.CensorReason.Valid {
			continue
		}
		points = append(points, p)
	}
	return points
}
