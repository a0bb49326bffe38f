package measure

import (
	"database/sql"
	"math"
	"testing"
	"time"

	"github.com/lox/broconnector/internal/models"
)

func nf(v float64) sql.NullFloat64 { return sql.NullFloat64{Float64: v, Valid: true} }

func TestToMetres(t *testing.T) {
	ref := Reference{TubeTop: nf(2.5), CableLength: nf(10)}
	tests := []struct {
		name   string
		value  float64
		unit   string
		ref    Reference
		want   float64
		wantOK bool
	}{
		{"metres", 1.23, "m", Reference{}, 1.23, true},
		{"centimetres", 125, "cm", Reference{}, 1.25, true},
		{"millimetres", 1250, "mm", Reference{}, 1.25, true},
		{"metres below tube top", 1.5, "m t.o.v. bkb", ref, 1.0, true},
		{"centimetres below tube top", 150, "cm t.o.v. bkb", ref, 1.0, true},
		{"below tube top without tube top", 1.5, "m t.o.v. bkb", Reference{}, 0, false},
		{"bar", 0.5, "bar", ref, 2.5 - 10 + 0.5*BarToMetres, true},
		{"mbar", 500, "mbar", ref, 2.5 - 10 + 0.5*BarToMetres, true},
		{"bar without cable", 0.5, "bar", Reference{TubeTop: nf(1)}, 0, false},
		{"foot", 4, "foot", ref, 0, false},
		{"empty unit", 4, "", ref, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ToMetres(tt.value, tt.unit, tt.ref)
			if ok != tt.wantOK {
				t.Fatalf("ToMetres ok = %v, want %v", ok, tt.wantOK)
			}
			if ok && math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("ToMetres = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestToMetresInvertsToField(t *testing.T) {
	ref := Reference{TubeTop: nf(3.1), CableLength: nf(7.25)}
	units := []string{"m", "cm", "mm", "m t.o.v. bkb", "cm t.o.v. bkb", "mm t.o.v. bkb", "bar", "mbar"}
	values := []float64{-4.2, -0.01, 0, 0.5, 1.25, 12.75}

	for _, unit := range units {
		if !Supported(unit) {
			t.Errorf("Supported(%q) = false", unit)
		}
		for _, v := range values {
			field, ok := ToField(v, unit, ref)
			if !ok {
				t.Fatalf("ToField(%v, %q) not ok", v, unit)
			}
			back, ok := ToMetres(field, unit, ref)
			if !ok {
				t.Fatalf("ToMetres(%v, %q) not ok", field, unit)
			}
			if math.Abs(back-v) > 1e-9 {
				t.Errorf("%q: round trip of %v gave %v", unit, v, back)
			}
		}
	}

	if _, ok := ToField(1, "foot", ref); ok {
		t.Error("ToField accepted unknown unit")
	}
	if Supported("foot") {
		t.Error("Supported(foot) = true")
	}
}

func TestOrderTVPs(t *testing.T) {
	base := time.Date(2024, 1, 10, 12, 0, 0, 0, time.UTC)
	amsterdam := time.FixedZone("CET", 3600)
	in := []models.MeasurementTVP{
		{ID: 1, Time: base.Add(10 * time.Minute)},
		// same instant as ID 1 in another zone; string order would differ
		{ID: 2, Time: base.Add(10 * time.Minute).In(amsterdam)},
		{ID: 3, Time: base},
		{ID: 4, Time: base.Add(-time.Hour).In(amsterdam)},
		{ID: 5, Time: base.Add(5 * time.Minute)},
	}

	got := OrderTVPs(in)
	if len(got) != len(in) {
		t.Fatalf("len = %d, want %d", len(got), len(in))
	}
	for i := 1; i < len(got); i++ {
		if got[i].Time.Before(got[i-1].Time) {
			t.Errorf("index %d (%v) before index %d (%v)", i, got[i].Time, i-1, got[i-1].Time)
		}
	}

	wantIDs := []int64{4, 3, 5, 1, 2}
	for i, id := range wantIDs {
		if got[i].ID != id {
			t.Errorf("got[%d].ID = %d, want %d", i, got[i].ID, id)
		}
	}

	seen := map[int64]int{}
	for _, tvp := range got {
		seen[tvp.ID]++
	}
	for _, tvp := range in {
		if seen[tvp.ID] != 1 {
			t.Errorf("ID %d appears %d times", tvp.ID, seen[tvp.ID])
		}
	}

	if in[0].ID != 1 {
		t.Error("OrderTVPs modified its input")
	}
}

func TestCensorReasonFromRegistry(t *testing.T) {
	tests := map[string]string{
		"kleinerDanLimietwaarde": CensorBelow,
		"groterDanLimietwaarde":  CensorAbove,
		"onbekend":               CensorUnknown,
		"":                       CensorUnknown,
		"somethingElse":          CensorUnknown,
	}
	for in, want := range tests {
		if got := CensorReasonFromRegistry(in); got != want {
			t.Errorf("CensorReasonFromRegistry(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestQCStatusFromFlag(t *testing.T) {
	tests := map[string]string{
		"0":           models.QCNotAssessed,
		"1":           models.QCApproved,
		"9":           models.QCRejected,
		"99":          models.QCUndecided,
		"100":         models.QCUnknown,
		"goedgekeurd": models.QCApproved,
		"42":          models.QCUnknown,
	}
	for in, want := range tests {
		if got := QCStatusFromFlag(in); got != want {
			t.Errorf("QCStatusFromFlag(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestOutbound(t *testing.T) {
	base := time.Date(2024, 1, 10, 12, 0, 0, 0, time.UTC)
	approved := &models.MeasurementPointMetadata{StatusQualityControl: models.QCApproved}
	rejected := &models.MeasurementPointMetadata{StatusQualityControl: models.QCRejected}
	censored := &models.MeasurementPointMetadata{
		StatusQualityControl: models.QCApproved,
		CensorReason:         sql.NullString{String: CensorBelow, Valid: true},
	}

	t.Run("converts and orders", func(t *testing.T) {
		points := Outbound([]models.MeasurementTVP{
			{Time: base.Add(5 * time.Minute), FieldValue: nf(125), FieldValueUnit: "cm", Metadata: approved},
			{Time: base, FieldValue: nf(1.23), FieldValueUnit: "m", Metadata: approved},
		}, nil)
		if len(points) != 2 {
			t.Fatalf("len(points) = %d, want 2", len(points))
		}
		if points[0].Value.Float64 != 1.23 || math.Abs(points[1].Value.Float64-1.25) > 1e-9 {
			t.Errorf("values = %v, %v", points[0].Value, points[1].Value)
		}
		if points[0].StatusQualityControl != models.QCApproved {
			t.Errorf("status = %q", points[0].StatusQualityControl)
		}
	})

	t.Run("drops rejected", func(t *testing.T) {
		points := Outbound([]models.MeasurementTVP{
			{Time: base, FieldValue: nf(1), FieldValueUnit: "m", Metadata: rejected},
			{Time: base.Add(time.Minute), FieldValue: nf(1), FieldValueUnit: "m", Metadata: approved},
		}, nil)
		if len(points) != 1 {
			t.Fatalf("len(points) = %d, want 1", len(points))
		}
	})

	t.Run("unknown unit keeps only censored", func(t *testing.T) {
		points := Outbound([]models.MeasurementTVP{
			{Time: base, FieldValue: nf(4), FieldValueUnit: "foot", Metadata: censored},
			{Time: base.Add(5 * time.Minute), FieldValue: nf(4.1), FieldValueUnit: "foot", Metadata: approved},
		}, nil)
		if len(points) != 1 {
			t.Fatalf("len(points) = %d, want 1", len(points))
		}
		if points[0].Value.Valid {
			t.Errorf("value = %v, want null", points[0].Value)
		}
		if points[0].CensorReason.String != CensorBelow {
			t.Errorf("censor reason = %q", points[0].CensorReason.String)
		}
	})

	t.Run("uses reference at measurement time", func(t *testing.T) {
		refAt := func(at time.Time) Reference {
			if at.Before(base.Add(time.Hour)) {
				return Reference{TubeTop: nf(2)}
			}
			return Reference{TubeTop: nf(1.5)}
		}
		points := Outbound([]models.MeasurementTVP{
			{Time: base, FieldValue: nf(1), FieldValueUnit: "m t.o.v. bkb", Metadata: approved},
			{Time: base.Add(2 * time.Hour), FieldValue: nf(1), FieldValueUnit: "m t.o.v. bkb", Metadata: approved},
		}, refAt)
		if len(points) != 2 {
			t.Fatalf("len(points) = %d, want 2", len(points))
		}
		if points[0].Value.Float64 != 1 || points[1].Value.Float64 != 0.5 {
			t.Errorf("values = %v, %v", points[0].Value.Float64, points[1].Value.Float64)
		}
	})
}
