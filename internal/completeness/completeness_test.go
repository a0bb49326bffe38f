package completeness

import (
	"database/sql"
	"slices"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/lox/broconnector/internal/models"
	"github.com/lox/broconnector/internal/store"
)

func str(s string) sql.NullString {
	return sql.NullString{String: s, Valid: true}
}

func num(f float64) sql.NullFloat64 {
	return sql.NullFloat64{Float64: f, Valid: true}
}

func completeWell(regime string) Well {
	return Well{
		Well: models.Well{
			InternalID:                  "PB001",
			Owner:                       "20168636",
			DeliveryAccountableParty:    str("20168636"),
			ConstructionStandard:        str("NEN"),
			InitialFunction:             str("stand"),
			QualityRegime:               regime,
			X:                           num(155000),
			Y:                           num(463000),
			HorizontalPositioningMethod: str("RTKGPS0tot2cm"),
			LocalVerticalReferencePoint: str("NAP"),
			Offset:                      num(0),
			VerticalDatum:               str("NAP"),
			ConstructionDate:            sql.NullTime{Time: time.Date(2020, 5, 1, 0, 0, 0, 0, time.UTC), Valid: true},
		},
		Dynamic: &models.WellDynamic{
			GroundLevelPosition:          num(1.2),
			GroundLevelPositioningMethod: str("RTKGPS0tot4cm"),
			WellHeadProtector:            str("kokerNietMetaal"),
		},
		Tubes: []Tube{{
			Tube: models.Tube{
				TubeNumber:             1,
				TubeType:               str("standaardbuis"),
				TubeMaterial:           str("pvc"),
				ScreenLength:           num(1),
				ArtesianWellCapPresent: str("nee"),
				SedimentSumpPresent:    str("ja"),
			},
			Dynamic: &models.TubeDynamic{
				TubeTopPosition:          num(1.5),
				TubeTopPositioningMethod: str("RTKGPS0tot4cm"),
				PlainTubePartLength:      num(3),
				TubePackingMaterial:      str("bentoniet"),
				TubeTopDiameter:          num(32),
				VariableDiameter:         str("nee"),
				Glue:                     str("geen"),
			},
			Electrodes: []models.Electrode{{Number: 1, Status: str("gebruiksklaar"), PackingMaterial: str("zand"), Position: num(-4.5)}},
		}},
	}
}

func TestCheck(t *testing.T) {
	tests := []struct {
		name    string
		regime  string
		mutate  func(w *Well)
		missing []string
	}{
		{"complete strict", models.RegimeStrict, func(*Well) {}, nil},
		{"complete tolerant", models.RegimeTolerant, func(*Well) {}, nil},
		{
			name:    "no location",
			regime:  models.RegimeStrict,
			mutate:  func(w *Well) { w.Well.X = sql.NullFloat64{} },
			missing: []string{"x"},
		},
		{
			name:    "unknown standard is strict only",
			regime:  models.RegimeTolerant,
			mutate:  func(w *Well) { w.Well.ConstructionStandard = str("onbekend") },
			missing: nil,
		},
		{
			name:    "unknown standard under strict",
			regime:  models.RegimeStrict,
			mutate:  func(w *Well) { w.Well.ConstructionStandard = str("onbekend") },
			missing: []string{"constructionStandard"},
		},
		{
			name:    "tolerant ignores glue",
			regime:  models.RegimeTolerant,
			mutate:  func(w *Well) { w.Tubes[0].Dynamic.Glue = sql.NullString{} },
			missing: nil,
		},
		{
			name:    "tube state missing",
			regime:  models.RegimeStrict,
			mutate:  func(w *Well) { w.Tubes[0].Dynamic = nil },
			missing: []string{"tube 1: tubeState"},
		},
		{
			name:    "electrode position",
			regime:  models.RegimeTolerant,
			mutate:  func(w *Well) { w.Tubes[0].Electrodes[0].Position = sql.NullFloat64{} },
			missing: []string{"tube 1: electrode 1: electrodePosition"},
		},
		{
			name:    "no tubes",
			regime:  models.RegimeStrict,
			mutate:  func(w *Well) { w.Tubes = nil },
			missing: []string{"monitoringTube"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := completeWell(tt.regime)
			tt.mutate(&w)
			r := Check(w)
			if !slices.Equal(r.Missing, tt.missing) {
				t.Errorf("Missing = %q, want %q", r.Missing, tt.missing)
			}
			if r.Complete() != (len(tt.missing) == 0) {
				t.Errorf("Complete() = %v", r.Complete())
			}
		})
	}
}

func TestMarkAll(t *testing.T) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	s := store.New(db, time.UTC)
	if err := s.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	fixture := completeWell(models.RegimeTolerant)
	w := fixture.Well
	w.DeliverToRegistry = true
	wellID, _, err := s.InsertWell(w)
	if err != nil {
		t.Fatalf("InsertWell: %v", err)
	}
	dyn := *fixture.Dynamic
	dyn.WellID, dyn.ValidFrom = wellID, w.ConstructionDate.Time
	if _, err := s.InsertWellDynamic(dyn); err != nil {
		t.Fatalf("InsertWellDynamic: %v", err)
	}
	tube := fixture.Tubes[0].Tube
	tube.WellID = wellID
	tubeID, err := s.InsertTube(tube)
	if err != nil {
		t.Fatalf("InsertTube: %v", err)
	}

	// No tube state yet.
	n, err := MarkAll(s)
	if err != nil {
		t.Fatalf("MarkAll() error = %v", err)
	}
	if n != 0 {
		t.Errorf("MarkAll() = %d, want 0", n)
	}

	td := *fixture.Tubes[0].Dynamic
	td.TubeID, td.ValidFrom = tubeID, w.ConstructionDate.Time
	if _, err := s.InsertTubeDynamic(td); err != nil {
		t.Fatalf("InsertTubeDynamic: %v", err)
	}
	if n, err = MarkAll(s); err != nil || n != 1 {
		t.Fatalf("MarkAll() = %d, %v, want 1", n, err)
	}
	got, err := s.GetWell(wellID)
	if err != nil {
		t.Fatalf("GetWell: %v", err)
	}
	if !got.CompleteForRegistry {
		t.Error("CompleteForRegistry = false, want true")
	}
}
