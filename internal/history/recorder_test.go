package history

import (
	"database/sql"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/lox/broconnector/internal/models"
	"github.com/lox/broconnector/internal/store"
)

func setupTestStore(t *testing.T) *store.Store {
	t.Helper()
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
	return s
}

func num(f float64) sql.NullFloat64 {
	return sql.NullFloat64{Float64: f, Valid: true}
}

func day(d int) time.Time {
	return time.Date(2024, 5, d, 0, 0, 0, 0, time.UTC)
}

func TestResultTime(t *testing.T) {
	now := day(20)
	last := sql.NullTime{Time: day(9), Valid: true}
	tests := []struct {
		name string
		md   models.ObservationMetadata
		end  time.Time
		last sql.NullTime
		want time.Time
	}{
		{
			name: "provisional uses last measurement",
			md:   models.ObservationMetadata{ObservationType: models.ObservationRegular, Status: sql.NullString{String: models.StatusProvisional, Valid: true}},
			end:  day(10),
			last: last,
			want: day(9),
		},
		{
			name: "control without measurements",
			md:   models.ObservationMetadata{ObservationType: models.ObservationControl},
			end:  day(10),
			want: day(10),
		},
		{
			name: "assessed adds a week",
			md:   models.ObservationMetadata{ObservationType: models.ObservationRegular, Status: sql.NullString{String: models.StatusFullyAssessed, Valid: true}},
			end:  day(1),
			last: last,
			want: day(8),
		},
		{
			name: "assessed clamped to now",
			md:   models.ObservationMetadata{ObservationType: models.ObservationRegular, Status: sql.NullString{String: models.StatusFullyAssessed, Valid: true}},
			end:  day(18),
			want: now,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ResultTime(tt.md, tt.end, tt.last, now); !got.Equal(tt.want) {
				t.Errorf("ResultTime() = %v, want %v", got, tt.want)
			}
		})
	}
}

type fixture struct {
	s      *store.Store
	r      *Recorder
	wellID int64
	tubeID int64
	gldID  int64
	key    models.ObservationKey
}

func setup(t *testing.T) *fixture {
	t.Helper()
	s := setupTestStore(t)
	r := NewRecorder(s)
	r.now = func() time.Time { return day(30) }

	wellID, events, err := s.InsertWell(models.Well{InternalID: "PB001", Owner: "20168636", QualityRegime: models.RegimeStrict})
	if err != nil {
		t.Fatalf("InsertWell: %v", err)
	}
	if err := r.Dispatch(events...); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	tubeID, err := s.InsertTube(models.Tube{WellID: wellID, TubeNumber: 1})
	if err != nil {
		t.Fatalf("InsertTube: %v", err)
	}
	if _, err := s.InsertTubeDynamic(models.TubeDynamic{TubeID: tubeID, ValidFrom: day(1), TubeTopPosition: num(2), SensorDepth: num(10)}); err != nil {
		t.Fatalf("InsertTubeDynamic: %v", err)
	}
	gldID, err := s.InsertGLD(models.GLD{TubeID: tubeID, QualityRegime: models.RegimeStrict})
	if err != nil {
		t.Fatalf("InsertGLD: %v", err)
	}
	metaID, err := s.FindOrCreateObservationMetadata(models.ObservationMetadata{
		ObservationType: models.ObservationRegular,
		Status:          sql.NullString{String: models.StatusProvisional, Valid: true},
	})
	if err != nil {
		t.Fatalf("FindOrCreateObservationMetadata: %v", err)
	}
	procID, err := s.FindOrCreateObservationProcess(models.ObservationProcess{ProcessReference: "NEN5120v1991", MeasurementInstrumentType: "druksensor"})
	if err != nil {
		t.Fatalf("FindOrCreateObservationProcess: %v", err)
	}
	return &fixture{
		s:      s,
		r:      r,
		wellID: wellID,
		tubeID: tubeID,
		gldID:  gldID,
		key:    models.ObservationKey{GLDID: gldID, ProcessID: procID, MetadataID: metaID},
	}
}

func (f *fixture) observation(t *testing.T, start time.Time, end *time.Time) int64 {
	t.Helper()
	o := models.Observation{GLDID: f.key.GLDID, MetadataID: f.key.MetadataID, ProcessID: f.key.ProcessID, StartTime: start}
	if end != nil {
		o.EndTime = sql.NullTime{Time: *end, Valid: true}
	}
	id, events, err := f.s.InsertObservation(o)
	if err != nil {
		t.Fatalf("InsertObservation: %v", err)
	}
	if err := f.r.Dispatch(events...); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	return id
}

func (f *fixture) openCount(t *testing.T) (int, []models.Observation) {
	t.Helper()
	chain, err := f.s.ListObservationChain(f.key)
	if err != nil {
		t.Fatalf("ListObservationChain: %v", err)
	}
	n := 0
	for _, o := range chain {
		if o.Open() {
			n++
		}
	}
	return n, chain
}

func TestWellCreatedAddsInitialState(t *testing.T) {
	f := setup(t)
	dyns, err := f.s.ListWellDynamics(f.wellID)
	if err != nil {
		t.Fatalf("ListWellDynamics: %v", err)
	}
	if len(dyns) != 1 {
		t.Errorf("well dynamics = %d, want 1", len(dyns))
	}
}

func TestTVPSavedDerivesValue(t *testing.T) {
	f := setup(t)
	obsID := f.observation(t, day(1), nil)

	id, events, err := f.s.InsertTVP(models.MeasurementTVP{
		ObservationID:  obsID,
		Time:           day(2),
		FieldValue:     num(0.5),
		FieldValueUnit: "bar",
	})
	if err != nil {
		t.Fatalf("InsertTVP: %v", err)
	}
	if err := f.r.Dispatch(events...); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	tvp, err := f.s.GetTVP(id)
	if err != nil {
		t.Fatalf("GetTVP: %v", err)
	}
	// sensor at 2 - 10 = -8 m NAP, 0.5 bar of water above it
	want := -8 + 0.5*10.1974
	if !tvp.CalculatedValue.Valid || tvp.CalculatedValue.Float64 < want-1e-9 || tvp.CalculatedValue.Float64 > want+1e-9 {
		t.Errorf("CalculatedValue = %+v, want %v", tvp.CalculatedValue, want)
	}
	if !tvp.MetadataID.Valid {
		t.Fatal("metadata row not created")
	}

	events, err = f.s.DeleteTVP(id)
	if err != nil {
		t.Fatalf("DeleteTVP: %v", err)
	}
	if err := f.r.Dispatch(events...); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	md, err := f.s.GetPointMetadata(tvp.MetadataID.Int64)
	if err != nil {
		t.Fatalf("GetPointMetadata: %v", err)
	}
	if md != nil {
		t.Errorf("metadata row %d survived its measurement", tvp.MetadataID.Int64)
	}
}

func TestClosingObservationOpensSuccessor(t *testing.T) {
	f := setup(t)
	end := day(10)
	obsID := f.observation(t, day(1), &end)

	obs, err := f.s.GetObservation(obsID)
	if err != nil {
		t.Fatalf("GetObservation: %v", err)
	}
	// provisional without measurements is final at its end
	if !obs.ResultTime.Valid || !obs.ResultTime.Time.Equal(end) {
		t.Errorf("ResultTime = %+v, want %v", obs.ResultTime, end)
	}

	n, chain := f.openCount(t)
	if n != 1 || len(chain) != 2 {
		t.Fatalf("open = %d of %d, want 1 of 2", n, len(chain))
	}
	if !chain[1].StartTime.Equal(end) {
		t.Errorf("successor start = %v, want %v", chain[1].StartTime, end)
	}
}

func TestSurplusOpenObservationsClosed(t *testing.T) {
	f := setup(t)
	f.observation(t, day(1), nil)
	f.observation(t, day(5), nil)

	n, chain := f.openCount(t)
	if n != 1 {
		t.Fatalf("open = %d, want 1", n)
	}
	if !chain[0].EndTime.Valid || !chain[0].EndTime.Time.Equal(day(5)) {
		t.Errorf("first end = %+v, want %v", chain[0].EndTime, day(5))
	}
	// provisional without measurements: final at its end
	if !chain[0].ResultTime.Valid || !chain[0].ResultTime.Time.Equal(day(5)) {
		t.Errorf("first result = %+v, want %v", chain[0].ResultTime, day(5))
	}
	if chain[1].ResultTime.Valid {
		t.Errorf("open observation result = %+v, want none", chain[1].ResultTime)
	}
}

func TestObservationDeletedCollapsesChain(t *testing.T) {
	f := setup(t)
	end := day(10)
	first := f.observation(t, day(1), &end)

	events, err := f.s.DeleteObservation(first)
	if err != nil {
		t.Fatalf("DeleteObservation: %v", err)
	}
	if err := f.r.Dispatch(events...); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	n, chain := f.openCount(t)
	if n != 1 || len(chain) != 1 {
		t.Fatalf("open = %d of %d, want 1 of 1", n, len(chain))
	}
	if !chain[0].StartTime.Equal(day(1)) {
		t.Errorf("successor start = %v, want %v", chain[0].StartTime, day(1))
	}
}

func TestRegistrationAcceptedSetsBroID(t *testing.T) {
	f := setup(t)
	l, err := f.s.FindOrCreateRegistrationLog(store.RegistrationKey{
		Object:        models.KindGLD,
		WellID:        f.wellID,
		TubeNumber:    1,
		QualityRegime: models.RegimeStrict,
	}, "GLD_StartRegistration")
	if err != nil {
		t.Fatalf("FindOrCreateRegistrationLog: %v", err)
	}

	if err := f.r.Dispatch(models.RegistrationAccepted{LogID: l.ID, BroID: "GLD000000000042"}); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	gld, err := f.s.GetGLD(f.gldID)
	if err != nil {
		t.Fatalf("GetGLD: %v", err)
	}
	if gld.BroID.String != "GLD000000000042" {
		t.Errorf("BroID = %q", gld.BroID.String)
	}
}
