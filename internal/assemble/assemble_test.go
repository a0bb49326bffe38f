package assemble

import (
	"database/sql"
	"errors"
	"strings"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/lox/broconnector/internal/models"
	"github.com/lox/broconnector/internal/store"
	"github.com/lox/broconnector/internal/xmlcodec"
)

func setupTestStore(t *testing.T) *store.Store {
	t.Helper()
	return setupTestStoreIn(t, time.UTC)
}

func setupTestStoreIn(t *testing.T, loc *time.Location) *store.Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	s := store.New(db, loc)
	if err := s.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return s
}

func str(s string) sql.NullString {
	return sql.NullString{String: s, Valid: true}
}

func num(f float64) sql.NullFloat64 {
	return sql.NullFloat64{Float64: f, Valid: true}
}

var construction = time.Date(2020, 5, 1, 0, 0, 0, 0, time.UTC)

// insertWell adds a located well with one tube and returns their ids.
func insertWell(t *testing.T, s *store.Store, w models.Well) (wellID, tubeID int64) {
	t.Helper()
	if w.Owner == "" {
		w.Owner = "20168636"
	}
	w.QualityRegime = models.RegimeStrict
	w.ConstructionDate = sql.NullTime{Time: construction, Valid: true}
	wellID, _, err := s.InsertWell(w)
	if err != nil {
		t.Fatalf("InsertWell: %v", err)
	}
	if _, err := s.InsertWellDynamic(models.WellDynamic{
		WellID:              wellID,
		ValidFrom:           construction,
		GroundLevelPosition: num(1.2),
		WellHeadProtector:   str("kokerNietMetaal"),
		Owner:               str("20168636"),
	}); err != nil {
		t.Fatalf("InsertWellDynamic: %v", err)
	}
	tubeID, err = s.InsertTube(models.Tube{WellID: wellID, TubeNumber: 1, TubeType: str("standaardbuis"), ScreenLength: num(1)})
	if err != nil {
		t.Fatalf("InsertTube: %v", err)
	}
	if _, err := s.InsertTubeDynamic(models.TubeDynamic{
		TubeID:              tubeID,
		ValidFrom:           construction,
		TubeTopPosition:     num(1.5),
		PlainTubePartLength: num(3),
		TubeStatus:          str("gebruiksklaar"),
	}); err != nil {
		t.Fatalf("InsertTubeDynamic: %v", err)
	}
	return wellID, tubeID
}

func TestAdditionType(t *testing.T) {
	tests := []struct {
		name string
		md   models.ObservationMetadata
		want string
	}{
		{"control", models.ObservationMetadata{ObservationType: models.ObservationControl, Status: str(models.StatusProvisional)}, AdditionControl},
		{"provisional", models.ObservationMetadata{ObservationType: models.ObservationRegular, Status: str(models.StatusProvisional)}, AdditionRegularProvisional},
		{"assessed", models.ObservationMetadata{ObservationType: models.ObservationRegular, Status: str(models.StatusFullyAssessed)}, AdditionRegularAssessed},
		{"no status", models.ObservationMetadata{ObservationType: models.ObservationRegular}, AdditionRegularUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := AdditionType(tt.md); got != tt.want {
				t.Errorf("AdditionType() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestIncludeAirPressure(t *testing.T) {
	tests := []struct {
		name   string
		regime string
		proc   models.ObservationProcess
		want   bool
	}{
		{"strict with type", models.RegimeStrict, models.ObservationProcess{MeasurementInstrumentType: "druksensor", AirPressureCompensationType: str("KNMImeting")}, true},
		{"strict without type", models.RegimeStrict, models.ObservationProcess{MeasurementInstrumentType: "druksensor"}, false},
		{"strict unknown", models.RegimeStrict, models.ObservationProcess{MeasurementInstrumentType: "druksensor", AirPressureCompensationType: str("onbekend")}, false},
		{"tolerant always", models.RegimeTolerant, models.ObservationProcess{MeasurementInstrumentType: "druksensor"}, true},
		{"dipper", models.RegimeTolerant, models.ObservationProcess{MeasurementInstrumentType: "elektronischPeilklokje"}, false},
		{"unknown instrument", models.RegimeStrict, models.ObservationProcess{MeasurementInstrumentType: "onbekend", AirPressureCompensationType: str("KNMImeting")}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := includeAirPressure(tt.regime, tt.proc); got != tt.want {
				t.Errorf("includeAirPressure() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestObjectIDsAllocate(t *testing.T) {
	s := setupTestStore(t)
	a, _ := insertWell(t, s, models.Well{InternalID: "PB001"})
	b, _ := insertWell(t, s, models.Well{InternalID: "PB001"})
	c, _ := insertWell(t, s, models.Well{})

	ids := NewObjectIDs(s)
	tests := []struct {
		wellID int64
		want   string
	}{
		{a, "PB001"},
		{b, "PB001_1"},
		{c, "WID3"},
		{a, "PB001"},
	}
	for _, tt := range tests {
		w, err := s.GetWell(tt.wellID)
		if err != nil || w == nil {
			t.Fatalf("GetWell(%d) = %v, %v", tt.wellID, w, err)
		}
		got, err := ids.Allocate(w)
		if err != nil {
			t.Fatalf("Allocate(%d) error = %v", tt.wellID, err)
		}
		if got != tt.want {
			t.Errorf("Allocate(%d) = %q, want %q", tt.wellID, got, tt.want)
		}
	}
}

func setupObservation(t *testing.T, s *store.Store, broID string) (tubeID, obsID int64) {
	t.Helper()
	_, tubeID = insertWell(t, s, models.Well{InternalID: "PB001", BroID: str("GMW000000000001"), X: num(155000), Y: num(463000)})
	gld := models.GLD{TubeID: tubeID, QualityRegime: models.RegimeStrict}
	if broID != "" {
		gld.BroID = str(broID)
	}
	gldID, err := s.InsertGLD(gld)
	if err != nil {
		t.Fatalf("InsertGLD: %v", err)
	}
	metaID, err := s.FindOrCreateObservationMetadata(models.ObservationMetadata{
		ObservationType: models.ObservationRegular,
		Status:          str(models.StatusProvisional),
	})
	if err != nil {
		t.Fatalf("FindOrCreateObservationMetadata: %v", err)
	}
	procID, err := s.FindOrCreateObservationProcess(models.ObservationProcess{
		ProcessReference:          "NEN_EN_ISO_22475v2006",
		MeasurementInstrumentType: "druksensor",
		EvaluationProcedure:       "oordeelDeskundige",
	})
	if err != nil {
		t.Fatalf("FindOrCreateObservationProcess: %v", err)
	}
	obsID, _, err = s.InsertObservation(models.Observation{
		GLDID:      gldID,
		MetadataID: metaID,
		ProcessID:  procID,
		StartTime:  time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("InsertObservation: %v", err)
	}

	rejected, err := s.InsertPointMetadata(models.MeasurementPointMetadata{StatusQualityControl: models.QCRejected})
	if err != nil {
		t.Fatalf("InsertPointMetadata: %v", err)
	}
	for i, tvp := range []models.MeasurementTVP{
		{CalculatedValue: num(1.23)},
		{FieldValue: num(30), FieldValueUnit: "cm t.o.v. bkb"},
		{CalculatedValue: num(9.99), MetadataID: sql.NullInt64{Int64: rejected, Valid: true}},
	} {
		tvp.ObservationID = obsID
		tvp.Time = time.Date(2024, 5, 1, i, 0, 0, 0, time.UTC)
		if _, _, err := s.InsertTVP(tvp); err != nil {
			t.Fatalf("InsertTVP: %v", err)
		}
	}
	return tubeID, obsID
}

func TestGLDAdditionLocalOffsets(t *testing.T) {
	loc, err := time.LoadLocation("Europe/Amsterdam")
	if err != nil {
		t.Skipf("no tzdata: %v", err)
	}
	s := setupTestStoreIn(t, loc)
	_, obsID := setupObservation(t, s, "GLD000000000042")

	result := time.Date(2024, 11, 2, 10, 0, 0, 0, loc)
	if err := s.CloseObservation(obsID, result); err != nil {
		t.Fatalf("CloseObservation: %v", err)
	}
	if err := s.SetObservationResultTime(obsID, result); err != nil {
		t.Fatalf("SetObservationResultTime: %v", err)
	}

	doc, err := New(s).GLDAddition(obsID, models.DeliveryRegister)
	if err != nil {
		t.Fatalf("GLDAddition() error = %v", err)
	}
	body := doc.Envelope.SourceDocument.(xmlcodec.GLDAddition)
	if got := xmlcodec.FormatTime(body.ResultTime); got != "2024-11-02T10:00:00+01:00" {
		t.Errorf("ResultTime = %s, want 2024-11-02T10:00:00+01:00", got)
	}
	// summer time for the May measurements
	if got := xmlcodec.FormatTime(body.Points[0].Time); got != "2024-05-01T02:00:00+02:00" {
		t.Errorf("first point time = %s, want 2024-05-01T02:00:00+02:00", got)
	}

	enc, err := doc.Encode()
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	for _, want := range []string{"2024-11-02T10:00:00+01:00", "2024-05-01T02:00:00+02:00"} {
		if !strings.Contains(string(enc.Bytes), want) {
			t.Errorf("encoded envelope lacks %s", want)
		}
	}
}

func TestGLDAddition(t *testing.T) {
	s := setupTestStore(t)
	_, obsID := setupObservation(t, s, "GLD000000000042")
	a := New(s)

	_, err := a.GLDAddition(obsID, models.DeliveryRegister)
	if !errors.Is(err, ErrObservationNotClosed) {
		t.Fatalf("open observation error = %v, want ErrObservationNotClosed", err)
	}

	end := time.Date(2024, 5, 2, 0, 0, 0, 0, time.UTC)
	if err := s.CloseObservation(obsID, end); err != nil {
		t.Fatalf("CloseObservation: %v", err)
	}
	if err := s.SetObservationResultTime(obsID, end); err != nil {
		t.Fatalf("SetObservationResultTime: %v", err)
	}

	doc, err := a.GLDAddition(obsID, models.DeliveryRegister)
	if err != nil {
		t.Fatalf("GLDAddition() error = %v", err)
	}
	if doc.AdditionType != AdditionRegularProvisional {
		t.Errorf("AdditionType = %q", doc.AdditionType)
	}
	wantName := "GLD_Addition_Observation_1_regulier_voorlopig_GLD000000000042.xml"
	if doc.Filename != wantName {
		t.Errorf("Filename = %q, want %q", doc.Filename, wantName)
	}
	if doc.Envelope.RequestReference != strings.TrimSuffix(wantName, ".xml") {
		t.Errorf("RequestReference = %q", doc.Envelope.RequestReference)
	}

	body := doc.Envelope.SourceDocument.(xmlcodec.GLDAddition)
	if len(body.Points) != 2 {
		t.Fatalf("points = %d, want 2", len(body.Points))
	}
	// 30 cm below a 1.5 m tube top
	if v := body.Points[1].Value.Float64; v < 1.199 || v > 1.201 {
		t.Errorf("converted value = %v, want 1.2", v)
	}
	if !body.DateStamp.Equal(body.Points[1].Time) {
		t.Errorf("DateStamp = %v, want last point time", body.DateStamp)
	}
	if body.AirPressureCompensationType != "" {
		t.Errorf("AirPressureCompensationType = %q, want omitted", body.AirPressureCompensationType)
	}

	if _, err := doc.Encode(); err != nil {
		t.Errorf("Encode() error = %v", err)
	}
}

func TestGLDAddition_MissingRegistration(t *testing.T) {
	s := setupTestStore(t)
	_, obsID := setupObservation(t, s, "")

	_, err := New(s).GLDAddition(obsID, models.DeliveryRegister)
	if !errors.Is(err, ErrMissingRegistration) || !errors.Is(err, ErrAssemblyFailed) {
		t.Errorf("error = %v, want ErrMissingRegistration", err)
	}
}

func TestGLDStartRegistration(t *testing.T) {
	s := setupTestStore(t)
	_, tubeID := insertWell(t, s, models.Well{InternalID: "PB001", BroID: str("GMW000000000001")})
	gldID, err := s.InsertGLD(models.GLD{TubeID: tubeID, QualityRegime: models.RegimeTolerant})
	if err != nil {
		t.Fatalf("InsertGLD: %v", err)
	}

	doc, err := New(s).GLDStartRegistration(gldID, models.DeliveryRegister)
	if err != nil {
		t.Fatalf("GLDStartRegistration() error = %v", err)
	}
	if doc.Envelope.RequestReference != "GLD_StartRegistration_GMW000000000001_tube_1" {
		t.Errorf("RequestReference = %q", doc.Envelope.RequestReference)
	}
	if doc.Envelope.QualityRegime != models.RegimeTolerant {
		t.Errorf("QualityRegime = %q", doc.Envelope.QualityRegime)
	}
	body := doc.Envelope.SourceDocument.(xmlcodec.GLDStartRegistration)
	if body.ObjectIDAccountableParty != "PB0011" {
		t.Errorf("ObjectIDAccountableParty = %q, want PB0011", body.ObjectIDAccountableParty)
	}

	if _, err := New(s).GLDStartRegistration(gldID, models.DeliveryReplace); !errors.Is(err, ErrMissingRegistration) {
		t.Errorf("replace without bro id error = %v", err)
	}
}

func TestGMWConstruction(t *testing.T) {
	s := setupTestStore(t)
	wellID, tubeID := insertWell(t, s, models.Well{InternalID: "PB001", X: num(155000), Y: num(463000)})
	cableID, err := s.InsertGeoOhmCable(models.GeoOhmCable{TubeID: tubeID, CableNumber: 1})
	if err != nil {
		t.Fatalf("InsertGeoOhmCable: %v", err)
	}
	for n := 1; n <= 2; n++ {
		if _, err := s.InsertElectrode(models.Electrode{CableID: cableID, Number: n, Status: str("gebruiksklaar")}); err != nil {
			t.Fatalf("InsertElectrode: %v", err)
		}
	}

	a := New(s)
	a.now = func() time.Time { return time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC) }
	doc, err := a.GMWConstruction(wellID, models.DeliveryRegister)
	if err != nil {
		t.Fatalf("GMWConstruction() error = %v", err)
	}
	if doc.Envelope.RequestReference != "PB001_GMW_Construction_20240102030405" {
		t.Errorf("RequestReference = %q", doc.Envelope.RequestReference)
	}
	body := doc.Envelope.SourceDocument.(xmlcodec.GMWConstruction)
	if body.NumberOfMonitoringTubes != 1 || len(body.Tubes) != 1 {
		t.Fatalf("tubes = %d/%d, want 1", body.NumberOfMonitoringTubes, len(body.Tubes))
	}
	if got := body.Tubes[0]; got.TubeStatus != "gebruiksklaar" || len(got.Cables) != 1 || len(got.Cables[0].Electrodes) != 2 {
		t.Errorf("tube = %+v", got)
	}
	if body.ObjectIDAccountableParty != "PB001" || body.WellHeadProtector != "kokerNietMetaal" {
		t.Errorf("construction = %+v", body)
	}
	if _, err := doc.Encode(); err != nil {
		t.Errorf("Encode() error = %v", err)
	}

	unlocated, _ := insertWell(t, s, models.Well{InternalID: "PB002"})
	if _, err := a.GMWConstruction(unlocated, models.DeliveryRegister); !errors.Is(err, ErrAssemblyFailed) {
		t.Errorf("unlocated well error = %v, want ErrAssemblyFailed", err)
	}
}

func TestGMWEvent(t *testing.T) {
	s := setupTestStore(t)
	wellID, tubeID := insertWell(t, s, models.Well{InternalID: "PB001", BroID: str("GMW000000000001"), X: num(155000), Y: num(463000)})
	if err := s.InsertAcceptedRegistrationLog(store.RegistrationKey{
		Object:       models.KindGMW,
		WellID:       wellID,
		DeliveryType: models.DeliveryRegister,
	}, xmlcodec.KindGMWConstruction, "GMW000000000001"); err != nil {
		t.Fatalf("InsertAcceptedRegistrationLog: %v", err)
	}

	changed := time.Date(2023, 3, 1, 0, 0, 0, 0, time.UTC)
	dynID, err := s.InsertWellDynamic(models.WellDynamic{WellID: wellID, ValidFrom: changed, Owner: str("27376655")})
	if err != nil {
		t.Fatalf("InsertWellDynamic: %v", err)
	}
	tubeDynID, err := s.InsertTubeDynamic(models.TubeDynamic{TubeID: tubeID, ValidFrom: changed, TubeStatus: str("nietGebruiksklaar")})
	if err != nil {
		t.Fatalf("InsertTubeDynamic: %v", err)
	}

	tests := []struct {
		name    string
		event   models.Event
		wantRef string
		check   func(t *testing.T, body xmlcodec.GMWEvent)
		wantErr bool
	}{
		{
			name:    "owner",
			event:   models.Event{Name: models.EventOwnerChanged, WellDynamicID: sql.NullInt64{Int64: dynID, Valid: true}},
			wantRef: "GMW000000000001_GMW_Owner_1",
			check: func(t *testing.T, body xmlcodec.GMWEvent) {
				if body.Owner != "27376655" || len(body.Tubes) != 0 {
					t.Errorf("body = %+v", body)
				}
			},
		},
		{
			name:    "tube status",
			event:   models.Event{Name: models.EventTubeStatusChanged, TubeDynamicIDs: []int64{tubeDynID}},
			wantRef: "GMW000000000001_GMW_TubeStatus_1",
			check: func(t *testing.T, body xmlcodec.GMWEvent) {
				if len(body.Tubes) != 1 || body.Tubes[0].TubeStatus != "nietGebruiksklaar" || body.Tubes[0].TubeTopPosition.Valid {
					t.Errorf("tubes = %+v", body.Tubes)
				}
			},
		},
		{
			name:    "removal",
			event:   models.Event{Name: models.EventRemoval},
			wantRef: "GMW000000000001_GMW_Removal_1",
			check: func(t *testing.T, body xmlcodec.GMWEvent) {
				if !body.WellRemovalDate.Equal(changed) || !body.EventDate.IsZero() {
					t.Errorf("body = %+v", body)
				}
			},
		},
		{
			name:    "maintainer missing",
			event:   models.Event{Name: models.EventMaintainerChanged, WellDynamicID: sql.NullInt64{Int64: dynID, Valid: true}},
			wantErr: true,
		},
		{
			name:    "unknown",
			event:   models.Event{Name: "repainted"},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.event.WellID = wellID
			tt.event.Date = changed
			id, err := s.InsertEvent(tt.event)
			if err != nil {
				t.Fatalf("InsertEvent: %v", err)
			}
			doc, err := New(s).GMWEvent(id, models.DeliveryRegister)
			if tt.wantErr {
				if !errors.Is(err, ErrAssemblyFailed) {
					t.Errorf("GMWEvent() error = %v, want ErrAssemblyFailed", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("GMWEvent() error = %v", err)
			}
			if doc.Envelope.RequestReference != tt.wantRef {
				t.Errorf("RequestReference = %q, want %q", doc.Envelope.RequestReference, tt.wantRef)
			}
			tt.check(t, doc.Envelope.SourceDocument.(xmlcodec.GMWEvent))
			if _, err := doc.Encode(); err != nil {
				t.Errorf("Encode() error = %v", err)
			}
		})
	}
}
