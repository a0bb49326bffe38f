package store

import (
	"database/sql"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/lox/broconnector/internal/models"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	loc, err := time.LoadLocation("Europe/Amsterdam")
	if err != nil {
		t.Fatalf("load timezone: %v", err)
	}
	store := New(db, loc)
	if err := store.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return store
}

func str(s string) sql.NullString {
	return sql.NullString{String: s, Valid: true}
}

func num(f float64) sql.NullFloat64 {
	return sql.NullFloat64{Float64: f, Valid: true}
}

func insertTestWell(t *testing.T, s *Store, internalID string) int64 {
	t.Helper()
	id, events, err := s.InsertWell(models.Well{
		InternalID:        internalID,
		Owner:             "27376655",
		QualityRegime:     models.RegimeStrict,
		DeliverToRegistry: true,
		InManagement:      true,
	})
	if err != nil {
		t.Fatalf("InsertWell: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("InsertWell events = %d, want 1", len(events))
	}
	if _, ok := events[0].(models.WellCreated); !ok {
		t.Fatalf("InsertWell event = %T, want WellCreated", events[0])
	}
	return id
}

func TestInsertAndGetWell(t *testing.T) {
	store := setupTestStore(t)
	id := insertTestWell(t, store, "WID1")

	w, err := store.GetWell(id)
	if err != nil {
		t.Fatalf("GetWell: %v", err)
	}
	if w == nil {
		t.Fatal("GetWell returned nil")
	}
	if w.InternalID != "WID1" {
		t.Errorf("InternalID = %q, want WID1", w.InternalID)
	}
	if w.BroID.Valid {
		t.Errorf("BroID = %q, want null", w.BroID.String)
	}

	if err := store.SetWellBroID(id, "GMW000000001"); err != nil {
		t.Fatalf("SetWellBroID: %v", err)
	}
	w, err = store.GetWellByBroID("GMW000000001")
	if err != nil {
		t.Fatalf("GetWellByBroID: %v", err)
	}
	if w == nil || w.ID != id {
		t.Fatalf("GetWellByBroID = %+v, want well %d", w, id)
	}
	if !w.RegistrationTime.Valid {
		t.Error("RegistrationTime not set")
	}

	missing, err := store.GetWell(999)
	if err != nil {
		t.Fatalf("GetWell(999): %v", err)
	}
	if missing != nil {
		t.Errorf("GetWell(999) = %+v, want nil", missing)
	}
}

func TestObjectIDTaken(t *testing.T) {
	store := setupTestStore(t)
	a := insertTestWell(t, store, "A")
	b := insertTestWell(t, store, "B")

	if err := store.SetWellObjectID(a, "WID1"); err != nil {
		t.Fatalf("SetWellObjectID: %v", err)
	}
	taken, err := store.ObjectIDTaken("27376655", "WID1", b)
	if err != nil {
		t.Fatalf("ObjectIDTaken: %v", err)
	}
	if !taken {
		t.Error("ObjectIDTaken = false for another well, want true")
	}
	taken, err = store.ObjectIDTaken("27376655", "WID1", a)
	if err != nil {
		t.Fatalf("ObjectIDTaken: %v", err)
	}
	if taken {
		t.Error("ObjectIDTaken = true for the owning well, want false")
	}
}

func TestTubeDynamicAt(t *testing.T) {
	store := setupTestStore(t)
	wellID := insertTestWell(t, store, "WID1")
	tubeID, err := store.InsertTube(models.Tube{WellID: wellID, TubeNumber: 1})
	if err != nil {
		t.Fatalf("InsertTube: %v", err)
	}

	jan := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	jun := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	for _, d := range []models.TubeDynamic{
		{TubeID: tubeID, ValidFrom: jan, TubeTopPosition: num(1.0)},
		{TubeID: tubeID, ValidFrom: jun, TubeTopPosition: num(0.8)},
	} {
		if _, err := store.InsertTubeDynamic(d); err != nil {
			t.Fatalf("InsertTubeDynamic: %v", err)
		}
	}

	tests := []struct {
		name string
		at   time.Time
		want float64
	}{
		{"before first snapshot", jan.AddDate(-1, 0, 0), 1.0},
		{"first interval", jan.AddDate(0, 2, 0), 1.0},
		{"on boundary", jun, 0.8},
		{"open interval", jun.AddDate(1, 0, 0), 0.8},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := store.TubeDynamicAt(tubeID, tt.at)
			if err != nil {
				t.Fatalf("TubeDynamicAt: %v", err)
			}
			if d == nil {
				t.Fatal("TubeDynamicAt returned nil")
			}
			if d.TubeTopPosition.Float64 != tt.want {
				t.Errorf("TubeTopPosition = %v, want %v", d.TubeTopPosition.Float64, tt.want)
			}
		})
	}
}

func TestListEvents_ConstructionFirst(t *testing.T) {
	store := setupTestStore(t)
	wellID := insertTestWell(t, store, "WID1")
	day := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	if _, err := store.InsertEvent(models.Event{WellID: wellID, Name: models.EventShortening, Date: day}); err != nil {
		t.Fatalf("InsertEvent: %v", err)
	}
	constructionID, err := store.InsertEvent(models.Event{WellID: wellID, Name: models.EventConstruction, Date: day.AddDate(0, 0, 1)})
	if err != nil {
		t.Fatalf("InsertEvent: %v", err)
	}

	events, err := store.ListEvents(wellID)
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("len(events) = %d, want 2", len(events))
	}
	if events[0].ID != constructionID {
		t.Errorf("first event = %s, want construction", events[0].Name)
	}
}

func TestInsertEvent_Links(t *testing.T) {
	store := setupTestStore(t)
	wellID := insertTestWell(t, store, "WID1")
	tubeID, _ := store.InsertTube(models.Tube{WellID: wellID, TubeNumber: 1, NumberOfGeoOhmCables: 1})
	dynID, _ := store.InsertTubeDynamic(models.TubeDynamic{TubeID: tubeID, ValidFrom: time.Now()})
	cableID, _ := store.InsertGeoOhmCable(models.GeoOhmCable{TubeID: tubeID, CableNumber: 1})
	electrodeID, err := store.InsertElectrode(models.Electrode{CableID: cableID, Number: 1, Status: str("gebruiksklaar")})
	if err != nil {
		t.Fatalf("InsertElectrode: %v", err)
	}

	id, err := store.InsertEvent(models.Event{
		WellID:         wellID,
		Name:           models.EventElectrodeStatusChanged,
		Date:           time.Now(),
		TubeDynamicIDs: []int64{dynID},
		ElectrodeIDs:   []int64{electrodeID},
	})
	if err != nil {
		t.Fatalf("InsertEvent: %v", err)
	}
	e, err := store.GetEvent(id)
	if err != nil {
		t.Fatalf("GetEvent: %v", err)
	}
	if len(e.TubeDynamicIDs) != 1 || e.TubeDynamicIDs[0] != dynID {
		t.Errorf("TubeDynamicIDs = %v, want [%d]", e.TubeDynamicIDs, dynID)
	}
	if len(e.ElectrodeIDs) != 1 || e.ElectrodeIDs[0] != electrodeID {
		t.Errorf("ElectrodeIDs = %v, want [%d]", e.ElectrodeIDs, electrodeID)
	}
}

func setupObservation(t *testing.T, s *Store) (gldID, obsID int64) {
	t.Helper()
	wellID := insertTestWell(t, s, "WID1")
	tubeID, err := s.InsertTube(models.Tube{WellID: wellID, TubeNumber: 1})
	if err != nil {
		t.Fatalf("InsertTube: %v", err)
	}
	gldID, err = s.InsertGLD(models.GLD{TubeID: tubeID, QualityRegime: models.RegimeStrict, BroID: str("GLD000000042")})
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
	return gldID, obsID
}

func TestFindOrCreateObservationMetadata_Reuses(t *testing.T) {
	store := setupTestStore(t)
	m := models.ObservationMetadata{ObservationType: models.ObservationControl}

	a, err := store.FindOrCreateObservationMetadata(m)
	if err != nil {
		t.Fatalf("FindOrCreateObservationMetadata: %v", err)
	}
	b, err := store.FindOrCreateObservationMetadata(m)
	if err != nil {
		t.Fatalf("FindOrCreateObservationMetadata: %v", err)
	}
	if a != b {
		t.Errorf("ids differ: %d vs %d", a, b)
	}

	m.Status = str(models.StatusProvisional)
	c, err := store.FindOrCreateObservationMetadata(m)
	if err != nil {
		t.Fatalf("FindOrCreateObservationMetadata: %v", err)
	}
	if c == a {
		t.Error("different status reused the same row")
	}
}

func TestBulkInsertTVPs_SkipsDuplicates(t *testing.T) {
	store := setupTestStore(t)
	_, obsID := setupObservation(t, store)
	base := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	var items []TVPWithMetadata
	for i := range 7 {
		items = append(items, TVPWithMetadata{
			TVP: models.MeasurementTVP{
				ObservationID:  obsID,
				Time:           base.Add(time.Duration(i) * 5 * time.Minute),
				FieldValue:     num(1.0 + float64(i)/100),
				FieldValueUnit: "m",
			},
			Metadata: models.MeasurementPointMetadata{StatusQualityControl: models.QCApproved},
		})
	}

	n, err := store.BulkInsertTVPs(items, 3)
	if err != nil {
		t.Fatalf("BulkInsertTVPs: %v", err)
	}
	if n != 7 {
		t.Errorf("inserted = %d, want 7", n)
	}

	n, err = store.BulkInsertTVPs(items[:4], 3)
	if err != nil {
		t.Fatalf("BulkInsertTVPs (repeat): %v", err)
	}
	if n != 0 {
		t.Errorf("repeat inserted = %d, want 0", n)
	}

	count, err := store.CountTVPs(obsID)
	if err != nil {
		t.Fatalf("CountTVPs: %v", err)
	}
	if count != 7 {
		t.Errorf("CountTVPs = %d, want 7", count)
	}

	var metaRows int
	if err := store.db.QueryRow(`SELECT COUNT(*) FROM measurement_point_metadata`).Scan(&metaRows); err != nil {
		t.Fatalf("count metadata: %v", err)
	}
	if metaRows != 7 {
		t.Errorf("metadata rows = %d, want 7 (skipped rows must not leave orphans)", metaRows)
	}

	tvps, err := store.ListTVPs(obsID)
	if err != nil {
		t.Fatalf("ListTVPs: %v", err)
	}
	if tvps[0].Metadata == nil || tvps[0].Metadata.StatusQualityControl != models.QCApproved {
		t.Errorf("first TVP metadata = %+v, want approved", tvps[0].Metadata)
	}
	last, err := store.LastMeasurementTime(obsID)
	if err != nil {
		t.Fatalf("LastMeasurementTime: %v", err)
	}
	if !last.Time.Equal(base.Add(30 * time.Minute)) {
		t.Errorf("LastMeasurementTime = %v, want %v", last.Time, base.Add(30*time.Minute))
	}
}

func TestDeleteObservation_Events(t *testing.T) {
	store := setupTestStore(t)
	_, obsID := setupObservation(t, store)

	metaID, err := store.InsertPointMetadata(models.MeasurementPointMetadata{})
	if err != nil {
		t.Fatalf("InsertPointMetadata: %v", err)
	}
	tvpID, _, err := store.InsertTVP(models.MeasurementTVP{
		ObservationID:  obsID,
		Time:           time.Now(),
		FieldValue:     num(1.2),
		FieldValueUnit: "m",
		MetadataID:     sql.NullInt64{Int64: metaID, Valid: true},
	})
	if err != nil {
		t.Fatalf("InsertTVP: %v", err)
	}

	events, err := store.DeleteObservation(obsID)
	if err != nil {
		t.Fatalf("DeleteObservation: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("events = %d, want 2", len(events))
	}
	del, ok := events[0].(models.TVPDeleted)
	if !ok || del.TVPID != tvpID || del.MetadataID != metaID {
		t.Errorf("events[0] = %+v, want TVPDeleted{%d, %d}", events[0], tvpID, metaID)
	}
	if od, ok := events[1].(models.ObservationDeleted); !ok || od.Observation.ID != obsID {
		t.Errorf("events[1] = %+v, want ObservationDeleted", events[1])
	}

	obs, err := store.GetObservation(obsID)
	if err != nil {
		t.Fatalf("GetObservation: %v", err)
	}
	if obs != nil {
		t.Error("observation still present")
	}
}

func TestRegistrationLog_FindOrCreateIsIdempotent(t *testing.T) {
	store := setupTestStore(t)
	wellID := insertTestWell(t, store, "WID1")
	key := RegistrationKey{Object: models.KindGMW, WellID: wellID, QualityRegime: models.RegimeStrict}

	a, err := store.FindOrCreateRegistrationLog(key, "GMW_Construction")
	if err != nil {
		t.Fatalf("FindOrCreateRegistrationLog: %v", err)
	}
	if a.ProcessStatus != models.StateMissing {
		t.Errorf("ProcessStatus = %q, want missing", a.ProcessStatus)
	}
	if a.DeliveryType != models.DeliveryRegister {
		t.Errorf("DeliveryType = %q, want register", a.DeliveryType)
	}

	a.ProcessStatus = models.StateGenerated
	a.File = "/tmp/x.xml"
	a.RequestReference = "WID1_GMW_Construction_20240101000000"
	if err := store.SaveRegistrationLog(*a); err != nil {
		t.Fatalf("SaveRegistrationLog: %v", err)
	}

	b, err := store.FindOrCreateRegistrationLog(key, "GMW_Construction")
	if err != nil {
		t.Fatalf("FindOrCreateRegistrationLog (again): %v", err)
	}
	if b.ID != a.ID {
		t.Errorf("second call created a new log %d, want %d", b.ID, a.ID)
	}
	if b.ProcessStatus != models.StateGenerated || b.File != "/tmp/x.xml" {
		t.Errorf("log = %+v, want saved state", b)
	}

	open, err := store.ListOpenRegistrationLogs()
	if err != nil {
		t.Fatalf("ListOpenRegistrationLogs: %v", err)
	}
	if len(open) != 1 {
		t.Fatalf("open logs = %d, want 1", len(open))
	}

	b.ProcessStatus = models.StateAccepted
	if err := store.SaveRegistrationLog(*b); err != nil {
		t.Fatalf("SaveRegistrationLog: %v", err)
	}
	open, err = store.ListOpenRegistrationLogs()
	if err != nil {
		t.Fatalf("ListOpenRegistrationLogs: %v", err)
	}
	if len(open) != 0 {
		t.Errorf("open logs = %d after accept, want 0", len(open))
	}
	n, err := store.CountAcceptedRegistrations(models.KindGMW, wellID)
	if err != nil {
		t.Fatalf("CountAcceptedRegistrations: %v", err)
	}
	if n != 1 {
		t.Errorf("CountAcceptedRegistrations = %d, want 1", n)
	}
}

func TestListRegistrationLogs_StartBeforeEvents(t *testing.T) {
	store := setupTestStore(t)
	wellID := insertTestWell(t, store, "WID1")

	if _, err := store.FindOrCreateRegistrationLog(RegistrationKey{Object: models.KindGMW, WellID: wellID, QualityRegime: models.RegimeStrict, EventID: 2}, "GMW_Shortening"); err != nil {
		t.Fatal(err)
	}
	if _, err := store.FindOrCreateRegistrationLog(RegistrationKey{Object: models.KindGMW, WellID: wellID, QualityRegime: models.RegimeStrict, EventID: 1}, "GMW_Construction"); err != nil {
		t.Fatal(err)
	}

	logs, err := store.ListRegistrationLogs()
	if err != nil {
		t.Fatalf("ListRegistrationLogs: %v", err)
	}
	if len(logs) != 2 {
		t.Fatalf("logs = %d, want 2", len(logs))
	}
	if logs[0].Kind != "GMW_Construction" {
		t.Errorf("first log kind = %q, want GMW_Construction", logs[0].Kind)
	}
}

func TestAdditionLog_FindOrCreate(t *testing.T) {
	store := setupTestStore(t)
	_, obsID := setupObservation(t, store)

	a, err := store.FindOrCreateAdditionLog(obsID, "regulier_voorlopig", "")
	if err != nil {
		t.Fatalf("FindOrCreateAdditionLog: %v", err)
	}
	b, err := store.FindOrCreateAdditionLog(obsID, "regulier_voorlopig", models.DeliveryRegister)
	if err != nil {
		t.Fatalf("FindOrCreateAdditionLog: %v", err)
	}
	if a.ID != b.ID {
		t.Errorf("ids differ: %d vs %d", a.ID, b.ID)
	}
	if a.Kind != "GLD_Addition" {
		t.Errorf("Kind = %q, want GLD_Addition", a.Kind)
	}

	a.DeliveryID = str("LEV0001")
	a.ProcessStatus = models.StateDelivered
	if err := store.SaveAdditionLog(*a); err != nil {
		t.Fatalf("SaveAdditionLog: %v", err)
	}
	got, err := store.GetAdditionLog(a.ID)
	if err != nil {
		t.Fatalf("GetAdditionLog: %v", err)
	}
	if got.DeliveryID.String != "LEV0001" || got.ProcessStatus != models.StateDelivered {
		t.Errorf("log = %+v", got)
	}
}

func TestRun_StartAndComplete(t *testing.T) {
	store := setupTestStore(t)

	run, err := store.StartRun("import", models.KindGMW, "27376655")
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	if run.ID == 0 {
		t.Fatal("run ID is 0")
	}

	run.RecordsSeen = sql.NullInt64{Int64: 10, Valid: true}
	run.ErrorMessage = str("timeout")
	if err := store.CompleteRun(run); err != nil {
		t.Fatalf("CompleteRun: %v", err)
	}

	failed, err := store.RecentFailedRuns(5)
	if err != nil {
		t.Fatalf("RecentFailedRuns: %v", err)
	}
	if len(failed) != 1 {
		t.Fatalf("failed runs = %d, want 1", len(failed))
	}
	if failed[0].Target != models.KindGMW || failed[0].ErrorMessage.String != "timeout" {
		t.Errorf("run = %+v", failed[0])
	}
	if !failed[0].FinishedAt.Valid {
		t.Error("FinishedAt not set")
	}
}

func TestRegistryDocuments_Dedup(t *testing.T) {
	store := setupTestStore(t)
	payload := []byte(`<dispatchDataResponse><broId>GMW000000001</broId></dispatchDataResponse>`)

	id, err := store.StoreRegistryDocument(0, models.KindGMW, "GMW000000001", payload)
	if err != nil {
		t.Fatalf("StoreRegistryDocument: %v", err)
	}
	if id == 0 {
		t.Fatal("first store returned 0")
	}
	id, err = store.StoreRegistryDocument(0, models.KindGMW, "GMW000000001", payload)
	if err != nil {
		t.Fatalf("StoreRegistryDocument (repeat): %v", err)
	}
	if id != 0 {
		t.Errorf("repeat store id = %d, want 0", id)
	}

	has, err := store.HasRegistryDocument("GMW000000001", payload)
	if err != nil {
		t.Fatalf("HasRegistryDocument: %v", err)
	}
	if !has {
		t.Error("HasRegistryDocument = false")
	}

	got, err := store.LatestRegistryDocument("GMW000000001")
	if err != nil {
		t.Fatalf("LatestRegistryDocument: %v", err)
	}
	if string(got) != string(payload) {
		t.Errorf("payload = %q", got)
	}
}

func TestGMNUpsert(t *testing.T) {
	store := setupTestStore(t)

	id, err := store.UpsertGMN(models.GMN{BroID: "GMN000000001", Name: str("first")})
	if err != nil {
		t.Fatalf("UpsertGMN: %v", err)
	}
	again, err := store.UpsertGMN(models.GMN{BroID: "GMN000000001", Name: str("renamed")})
	if err != nil {
		t.Fatalf("UpsertGMN: %v", err)
	}
	if id != again {
		t.Errorf("upsert changed id: %d vs %d", id, again)
	}
	g, err := store.GetGMNByBroID("GMN000000001")
	if err != nil {
		t.Fatalf("GetGMNByBroID: %v", err)
	}
	if g.Name.String != "renamed" {
		t.Errorf("Name = %q, want renamed", g.Name.String)
	}

	for range 2 {
		if err := store.UpsertGMNMeasuringPoint(models.GMNMeasuringPoint{GMNID: id, Code: "MP1", WellBroID: "GMW000000001", TubeNumber: 1}); err != nil {
			t.Fatalf("UpsertGMNMeasuringPoint: %v", err)
		}
	}
	points, err := store.ListGMNMeasuringPoints(id)
	if err != nil {
		t.Fatalf("ListGMNMeasuringPoints: %v", err)
	}
	if len(points) != 1 {
		t.Errorf("points = %d, want 1", len(points))
	}
}

func TestReplaceDuplicateMarks(t *testing.T) {
	store := setupTestStore(t)

	marks := []DuplicateMark{
		{BroID: "GMW2", Position: 0, Score: 0.9, Canonical: true},
		{BroID: "GMW1", Position: 1, Score: 0.4},
	}
	if err := store.ReplaceDuplicateMarks("well_code=W1", marks); err != nil {
		t.Fatalf("ReplaceDuplicateMarks: %v", err)
	}
	if err := store.ReplaceDuplicateMarks("well_code=W1", marks[:1]); err != nil {
		t.Fatalf("ReplaceDuplicateMarks: %v", err)
	}
	got, err := store.ListDuplicateMarks("well_code=W1")
	if err != nil {
		t.Fatalf("ListDuplicateMarks: %v", err)
	}
	if len(got) != 1 || got[0].BroID != "GMW2" || !got[0].Canonical {
		t.Errorf("marks = %+v", got)
	}
}

func TestMigrationVersion(t *testing.T) {
	store := setupTestStore(t)

	version, err := store.MigrationVersion()
	if err != nil {
		t.Fatalf("MigrationVersion: %v", err)
	}
	if version != len(migrations) {
		t.Errorf("version = %d, want %d", version, len(migrations))
	}

	if err := store.Migrate(); err != nil {
		t.Fatalf("second Migrate: %v", err)
	}
}
