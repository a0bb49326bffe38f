package scheduler

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/lox/broconnector/internal/assemble"
	"github.com/lox/broconnector/internal/config"
	"github.com/lox/broconnector/internal/models"
	"github.com/lox/broconnector/internal/registry"
	"github.com/lox/broconnector/internal/store"
	"github.com/lox/broconnector/internal/syncer"
	"github.com/lox/broconnector/internal/xmlcodec"
)

const owner = "20168636"

var construction = time.Date(2020, 5, 1, 0, 0, 0, 0, time.UTC)

func str(s string) sql.NullString {
	return sql.NullString{String: s, Valid: true}
}

func num(f float64) sql.NullFloat64 {
	return sql.NullFloat64{Float64: f, Valid: true}
}

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

// fakePortal accepts everything and reports broID for every delivery.
type fakePortal struct {
	broID   string
	uploads int
}

func (f *fakePortal) Validate(context.Context, []byte, string, registry.Credentials) (*registry.ValidationResult, error) {
	return &registry.ValidationResult{Status: registry.StatusValid}, nil
}

func (f *fakePortal) Upload(context.Context, []registry.File, string, registry.Credentials) (*registry.UploadResult, error) {
	f.uploads++
	return &registry.UploadResult{Identifier: "L-1", Status: "AANGELEVERD"}, nil
}

func (f *fakePortal) CheckStatus(context.Context, string, string, registry.Credentials) (*registry.StatusResult, error) {
	return &registry.StatusResult{
		Status:        registry.DeliveryForwarded,
		Brondocuments: []registry.Brondocument{{BroID: f.broID, Status: registry.DocumentAccepted}},
	}, nil
}

type staticCreds map[string]config.Credential

func (c staticCreds) CredentialFor(kvk string) (config.Credential, bool) {
	cred, ok := c[kvk]
	return cred, ok
}

func newScheduler(t *testing.T, s *store.Store, p registry.Portal) *Scheduler {
	t.Helper()
	creds := staticCreds{owner: {KVK: owner, User: "user", Token: "token", ProjectID: "1234"}}
	m := syncer.New(s, assemble.New(s), p, creds, t.TempDir())
	return New(s, m, time.Minute)
}

// insertWell stores a well flagged for delivery with one tube. With complete
// set the well carries every field the tolerant regime requires.
func insertWell(t *testing.T, s *store.Store, internalID string, complete bool, broID string) (wellID, tubeID int64) {
	t.Helper()
	w := models.Well{
		InternalID:        internalID,
		Owner:             owner,
		QualityRegime:     models.RegimeTolerant,
		DeliverToRegistry: true,
		ConstructionDate:  sql.NullTime{Time: construction, Valid: true},
	}
	if complete {
		w.X, w.Y = num(155000), num(463000)
		w.HorizontalPositioningMethod = str("RTKGPS0tot2cm")
		w.LocalVerticalReferencePoint = str("NAP")
		w.Offset = num(0)
		w.VerticalDatum = str("NAP")
	}
	if broID != "" {
		w.BroID = str(broID)
	}
	wellID, _, err := s.InsertWell(w)
	if err != nil {
		t.Fatalf("InsertWell: %v", err)
	}
	if _, err := s.InsertWellDynamic(models.WellDynamic{
		WellID:              wellID,
		ValidFrom:           construction,
		GroundLevelPosition: num(1.2),
		WellHeadProtector:   str("kokerNietMetaal"),
	}); err != nil {
		t.Fatalf("InsertWellDynamic: %v", err)
	}
	tubeID, err = s.InsertTube(models.Tube{
		WellID:       wellID,
		TubeNumber:   1,
		TubeType:     str("standaardbuis"),
		TubeMaterial: str("pvc"),
		ScreenLength: num(1),
	})
	if err != nil {
		t.Fatalf("InsertTube: %v", err)
	}
	if _, err := s.InsertTubeDynamic(models.TubeDynamic{
		TubeID:                   tubeID,
		ValidFrom:                construction,
		TubeTopPosition:          num(1.5),
		TubeTopPositioningMethod: str("RTKGPS0tot4cm"),
		PlainTubePartLength:      num(3),
		TubePackingMaterial:      str("bentoniet"),
		TubeStatus:               str("gebruiksklaar"),
	}); err != nil {
		t.Fatalf("InsertTubeDynamic: %v", err)
	}
	return wellID, tubeID
}

func runOnce(t *testing.T, sch *Scheduler) *Summary {
	t.Helper()
	sum, err := sch.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	return sum
}

func TestRunOnceRegistersWell(t *testing.T) {
	s := setupTestStore(t)
	wellID, _ := insertWell(t, s, "PB001", true, "")
	constructionID, err := s.InsertEvent(models.Event{WellID: wellID, Name: models.EventConstruction, Date: construction})
	if err != nil {
		t.Fatalf("InsertEvent: %v", err)
	}
	incomplete, _ := insertWell(t, s, "PB002", false, "")

	p := &fakePortal{broID: "GMW000000000001"}
	sch := newScheduler(t, s, p)

	sum := runOnce(t, sch)
	if sum.Complete != 1 || sum.Created != 1 || sum.Advanced != 1 {
		t.Fatalf("first pass = %+v", sum)
	}
	key := store.RegistrationKey{
		Object:        models.KindGMW,
		WellID:        wellID,
		QualityRegime: models.RegimeTolerant,
		EventID:       constructionID,
	}
	l, err := s.GetRegistrationLogByKey(key)
	if err != nil || l == nil {
		t.Fatalf("construction log = %v, %v", l, err)
	}
	if l.Kind != xmlcodec.KindGMWConstruction || l.ProcessStatus != models.StateGenerated {
		t.Errorf("construction log = %s %s, comments %q", l.Kind, l.ProcessStatus, l.Comments)
	}
	logs, err := s.ListRegistrationLogsForWell(incomplete)
	if err != nil {
		t.Fatalf("ListRegistrationLogsForWell: %v", err)
	}
	if len(logs) != 0 {
		t.Errorf("incomplete well has %d logs, want 0", len(logs))
	}

	for range 3 {
		sum = runOnce(t, sch)
	}
	if sum.Accepted != 1 {
		t.Errorf("last pass = %+v, want one accepted", sum)
	}
	well, err := s.GetWell(wellID)
	if err != nil {
		t.Fatalf("GetWell: %v", err)
	}
	if well.BroID.String != "GMW000000000001" {
		t.Fatalf("well BroID = %q", well.BroID.String)
	}
	ev, err := s.GetEvent(constructionID)
	if err != nil {
		t.Fatalf("GetEvent: %v", err)
	}
	if !ev.DeliveredToRegistry {
		t.Error("construction event not marked delivered")
	}

	shortening, err := s.InsertEvent(models.Event{
		WellID: wellID,
		Name:   models.EventShortening,
		Date:   construction.AddDate(2, 0, 0),
	})
	if err != nil {
		t.Fatalf("InsertEvent: %v", err)
	}
	if sum = runOnce(t, sch); sum.Created != 1 {
		t.Errorf("pass after new event = %+v, want one created", sum)
	}
	key.EventID = shortening
	l, err = s.GetRegistrationLogByKey(key)
	if err != nil || l == nil {
		t.Fatalf("event log = %v, %v", l, err)
	}
	if l.Kind != xmlcodec.KindGMWShortening {
		t.Errorf("event log kind = %s", l.Kind)
	}
}

func TestRunOnceStartsDossierAfterWell(t *testing.T) {
	s := setupTestStore(t)
	_, registeredTube := insertWell(t, s, "PB001", false, "GMW000000000001")
	_, pendingTube := insertWell(t, s, "PB002", false, "")
	for _, tubeID := range []int64{registeredTube, pendingTube} {
		if _, err := s.InsertGLD(models.GLD{TubeID: tubeID, QualityRegime: models.RegimeTolerant}); err != nil {
			t.Fatalf("InsertGLD: %v", err)
		}
	}

	sch := newScheduler(t, s, &fakePortal{broID: "GLD000000000001"})
	sum := runOnce(t, sch)
	if sum.Created != 1 {
		t.Fatalf("pass = %+v, want one created", sum)
	}
	logs, err := s.ListOpenRegistrationLogs()
	if err != nil {
		t.Fatalf("ListOpenRegistrationLogs: %v", err)
	}
	if len(logs) != 1 {
		t.Fatalf("open logs = %d, want 1", len(logs))
	}
	if l := logs[0]; l.Object != models.KindGLD || l.Kind != xmlcodec.KindGLDStartRegistration || l.TubeNumber != 1 {
		t.Errorf("log = %+v", l)
	}
}

func TestRunOnceDeliversClosedObservations(t *testing.T) {
	s := setupTestStore(t)
	_, tubeID := insertWell(t, s, "PB001", false, "GMW000000000001")
	gldID, err := s.InsertGLD(models.GLD{TubeID: tubeID, QualityRegime: models.RegimeTolerant, BroID: str("GLD000000000042")})
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

	start := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	closed, _, err := s.InsertObservation(models.Observation{
		GLDID:      gldID,
		MetadataID: metaID,
		ProcessID:  procID,
		StartTime:  start,
		EndTime:    sql.NullTime{Time: start.Add(2 * time.Hour), Valid: true},
	})
	if err != nil {
		t.Fatalf("InsertObservation: %v", err)
	}
	open, _, err := s.InsertObservation(models.Observation{
		GLDID:      gldID,
		MetadataID: metaID,
		ProcessID:  procID,
		StartTime:  start.AddDate(0, 1, 0),
	})
	if err != nil {
		t.Fatalf("InsertObservation: %v", err)
	}
	for i := range 2 {
		if _, _, err := s.InsertTVP(models.MeasurementTVP{
			ObservationID:   closed,
			Time:            start.Add(time.Duration(i) * time.Hour),
			CalculatedValue: num(1.2),
		}); err != nil {
			t.Fatalf("InsertTVP: %v", err)
		}
	}

	sch := newScheduler(t, s, &fakePortal{broID: "GLD000000000042"})
	sum := runOnce(t, sch)
	if sum.Advanced != 1 {
		t.Errorf("pass = %+v, want one step", sum)
	}
	logs, err := s.ListAdditionLogsForObservation(closed)
	if err != nil {
		t.Fatalf("ListAdditionLogsForObservation: %v", err)
	}
	if len(logs) != 1 {
		t.Fatalf("addition logs = %d, want 1", len(logs))
	}
	if logs[0].AdditionType != assemble.AdditionRegularProvisional || logs[0].ProcessStatus == models.StateMissing {
		t.Errorf("addition log = %s %s", logs[0].AdditionType, logs[0].ProcessStatus)
	}
	if logs, _ := s.ListAdditionLogsForObservation(open); len(logs) != 0 {
		t.Errorf("open observation has %d addition logs", len(logs))
	}
}

func TestRunOnceReplacesCorrectedDossier(t *testing.T) {
	s := setupTestStore(t)
	_, tubeID := insertWell(t, s, "PB001", false, "GMW000000000001")
	gldID, err := s.InsertGLD(models.GLD{
		TubeID:           tubeID,
		QualityRegime:    models.RegimeTolerant,
		BroID:            str("GLD000000000042"),
		CorrectionReason: str("eigenCorrectie"),
	})
	if err != nil {
		t.Fatalf("InsertGLD: %v", err)
	}

	p := &fakePortal{broID: "GLD000000000042"}
	sch := newScheduler(t, s, p)
	for i := range 4 {
		sum := runOnce(t, sch)
		if sum.Advanced != 1 {
			t.Fatalf("pass %d = %+v, want one step", i, sum)
		}
	}
	if p.uploads != 1 {
		t.Errorf("uploads = %d, want 1", p.uploads)
	}
	gld, err := s.GetGLD(gldID)
	if err != nil {
		t.Fatalf("GetGLD: %v", err)
	}
	if gld.CorrectionReason.Valid {
		t.Errorf("CorrectionReason = %q, want cleared", gld.CorrectionReason.String)
	}
	if sum := runOnce(t, sch); sum.Advanced != 0 || sum.Created != 0 {
		t.Errorf("pass after acceptance = %+v", sum)
	}
}

func TestReopen(t *testing.T) {
	tests := []struct {
		state string
		want  bool
	}{
		{models.StateAccepted, true},
		{models.StateDelivered, false},
		{models.StateValidationRejected, false},
	}
	for _, tt := range tests {
		t.Run(tt.state, func(t *testing.T) {
			l := models.SyncLog{
				ProcessStatus: tt.state,
				DeliveryID:    str("L-1"),
				Comments:      "done",
			}
			if got := reopen(&l); got != tt.want {
				t.Fatalf("reopen() = %v, want %v", got, tt.want)
			}
			if tt.want && (l.ProcessStatus != models.StateMissing || l.DeliveryID.Valid || l.Comments != "") {
				t.Errorf("reopened log = %+v", l)
			}
			if !tt.want && l.ProcessStatus != tt.state {
				t.Errorf("state changed to %s", l.ProcessStatus)
			}
		})
	}
}

func TestAcquire(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "envelopes")
	lock, err := Acquire(dir)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if _, err := Acquire(dir); !errors.Is(err, ErrLocked) {
		t.Errorf("second Acquire() error = %v, want ErrLocked", err)
	}
	if err := lock.Release(); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	again, err := Acquire(dir)
	if err != nil {
		t.Fatalf("Acquire() after release error = %v", err)
	}
	again.Release()
}

func TestAcquireIgnoresStaleFile(t *testing.T) {
	dir := t.TempDir()
	// left behind by a killed run
	if err := os.WriteFile(filepath.Join(dir, LockName), []byte("999999\n"), 0o644); err != nil {
		t.Fatalf("write stale lock: %v", err)
	}
	lock, err := Acquire(dir)
	if err != nil {
		t.Fatalf("Acquire() over stale file error = %v", err)
	}
	defer lock.Release()

	data, err := os.ReadFile(filepath.Join(dir, LockName))
	if err != nil {
		t.Fatalf("read lock: %v", err)
	}
	if want := strconv.Itoa(os.Getpid()) + "\n"; string(data) != want {
		t.Errorf("lock file = %q, want %q", data, want)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	s := setupTestStore(t)
	sch := newScheduler(t, s, &fakePortal{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sch.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	runs, err := s.RecentFailedRuns(10)
	if err != nil {
		t.Fatalf("RecentFailedRuns: %v", err)
	}
	if len(runs) != 0 {
		t.Errorf("failed runs = %d, want 0", len(runs))
	}
}
