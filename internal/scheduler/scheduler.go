// Package scheduler drives the registration and delivery of local data to
// the Registry. Each pass creates the logs that are due and moves every open
// log one step through the sync state machine.
package scheduler

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/lox/broconnector/internal/assemble"
	"github.com/lox/broconnector/internal/completeness"
	"github.com/lox/broconnector/internal/logging"
	"github.com/lox/broconnector/internal/metrics"
	"github.com/lox/broconnector/internal/models"
	"github.com/lox/broconnector/internal/store"
	"github.com/lox/broconnector/internal/syncer"
	"github.com/lox/broconnector/internal/xmlcodec"
)

type Scheduler struct {
	store    *store.Store
	machine  *syncer.Machine
	interval time.Duration
}

func New(s *store.Store, m *syncer.Machine, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	return &Scheduler{store: s, machine: m, interval: interval}
}

// Summary counts what one pass did.
type Summary struct {
	Complete int // wells complete for the Registry
	Created  int // registration logs created
	Advanced int // log steps taken
	Accepted int // logs that reached accepted
	Errors   int // items skipped on error
}

// pass carries the state of one RunOnce.
type pass struct {
	*Scheduler
	ctx       context.Context
	log       zerolog.Logger
	sum       *Summary
	advanced  map[int64]bool // registration log ids
	additions map[int64]bool // addition log ids
}

func (p *pass) fail(err error, msg string) {
	p.sum.Errors++
	p.log.Warn().Err(err).Msg(msg)
}

// Run executes a pass straight away and then on every tick until ctx is
// cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	s.runLogged(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logging.Info().Msg("Scheduler shutting down")
			return
		case <-ticker.C:
			s.runLogged(ctx)
		}
	}
}

func (s *Scheduler) runLogged(ctx context.Context) {
	ctx = logging.ContextWithRunID(ctx, logging.NewRunID())
	if _, err := s.RunOnce(ctx); err != nil {
		logging.Ctx(ctx).Error().Err(err).Msg("Scheduler pass failed")
	}
}

// RunOnce performs one pass. Failures of single items are logged, counted
// and skipped; only store failures that stop the pass are returned.
func (s *Scheduler) RunOnce(ctx context.Context) (*Summary, error) {
	start := time.Now()
	p := &pass{
		Scheduler: s,
		ctx:       ctx,
		log:       logging.Ctx(ctx).With().Str("component", "scheduler").Logger(),
		sum:       &Summary{},
		advanced:  map[int64]bool{},
		additions: map[int64]bool{},
	}

	run, err := s.store.StartRun("scheduler", "sync", "")
	if err != nil {
		return nil, err
	}

	err = p.run()
	run.Success = err == nil && p.sum.Errors == 0
	run.RecordsSeen = sql.NullInt64{Int64: int64(p.sum.Advanced), Valid: true}
	run.RecordsStored = sql.NullInt64{Int64: int64(p.sum.Accepted), Valid: true}
	run.Errors = sql.NullInt64{Int64: int64(p.sum.Errors), Valid: true}
	if err != nil {
		run.ErrorMessage = sql.NullString{String: err.Error(), Valid: true}
	}
	if cerr := s.store.CompleteRun(run); cerr != nil {
		p.log.Warn().Err(cerr).Msg("Failed to complete run")
	}

	status := "success"
	if err != nil {
		status = "error"
	}
	metrics.SchedulerRunsTotal.WithLabelValues(status).Inc()
	metrics.SchedulerRunDuration.Observe(time.Since(start).Seconds())

	p.log.Info().
		Int("complete", p.sum.Complete).
		Int("created", p.sum.Created).
		Int("advanced", p.sum.Advanced).
		Int("accepted", p.sum.Accepted).
		Int("errors", p.sum.Errors).
		Dur("took", time.Since(start)).
		Msg("Scheduler pass finished")
	return p.sum, err
}

func (p *pass) run() error {
	n, err := completeness.MarkAll(p.store)
	if err != nil {
		return fmt.Errorf("mark completeness: %w", err)
	}
	p.sum.Complete = n

	if err := p.registerWells(); err != nil {
		return err
	}
	if err := p.startDossiers(); err != nil {
		return err
	}
	if err := p.advanceRegistrations(); err != nil {
		return err
	}
	if err := p.deliverObservations(); err != nil {
		return err
	}
	return p.replaceCorrected()
}

// constructionEventID returns the id of the construction event of a well,
// or 0 when the well has none.
func constructionEventID(events []models.Event) int64 {
	for _, ev := range events {
		if ev.Name == models.EventConstruction {
			return ev.ID
		}
	}
	return 0
}

func (p *pass) createRegistration(key store.RegistrationKey, kind string) (*models.RegistrationLog, error) {
	existing, err := p.store.GetRegistrationLogByKey(key)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}
	l, err := p.store.FindOrCreateRegistrationLog(key, kind)
	if err != nil {
		return nil, err
	}
	p.sum.Created++
	p.log.Debug().
		Int64("log_id", l.ID).
		Str("object", key.Object).
		Str("kind", kind).
		Str("delivery_type", key.DeliveryType).
		Msg("Created registration log")
	return l, nil
}

// registerWells creates the construction log of every complete well and,
// once the well is registered, the logs of its undelivered events.
func (p *pass) registerWells() error {
	wells, err := p.store.ListWellsToDeliver()
	if err != nil {
		return fmt.Errorf("list wells: %w", err)
	}
	for _, w := range wells {
		if !w.CompleteForRegistry && !w.BroID.Valid {
			continue
		}
		if err := p.registerWell(w); err != nil {
			p.fail(err, fmt.Sprintf("Failed to register well %d", w.ID))
		}
	}
	return nil
}

func (p *pass) registerWell(w models.Well) error {
	events, err := p.store.ListEvents(w.ID)
	if err != nil {
		return err
	}
	if !w.BroID.Valid {
		_, err := p.createRegistration(store.RegistrationKey{
			Object:        models.KindGMW,
			WellID:        w.ID,
			QualityRegime: w.QualityRegime,
			EventID:       constructionEventID(events),
			DeliveryType:  models.DeliveryRegister,
		}, xmlcodec.KindGMWConstruction)
		return err
	}

	for _, ev := range events {
		if ev.DeliveredToRegistry || ev.Name == models.EventConstruction {
			continue
		}
		kind, ok := assemble.KindForEvent(ev.Name)
		if !ok {
			p.log.Warn().Int64("event_id", ev.ID).Str("event", ev.Name).Msg("Skipping unknown event")
			continue
		}
		if _, err := p.createRegistration(store.RegistrationKey{
			Object:        models.KindGMW,
			WellID:        w.ID,
			QualityRegime: w.QualityRegime,
			EventID:       ev.ID,
			DeliveryType:  models.DeliveryRegister,
		}, kind); err != nil {
			return err
		}
	}
	return nil
}

// dossierKey returns the registration key of a GLD or FRD on tubeID, or
// nil when its well is not registered yet.
func (p *pass) dossierKey(object string, tubeID int64, regime, deliveryType string) (*store.RegistrationKey, error) {
	tube, err := p.store.GetTube(tubeID)
	if err != nil || tube == nil {
		return nil, err
	}
	well, err := p.store.GetWell(tube.WellID)
	if err != nil || well == nil {
		return nil, err
	}
	if !well.BroID.Valid || !well.DeliverToRegistry || well.Deregistered {
		return nil, nil
	}
	return &store.RegistrationKey{
		Object:        object,
		WellID:        well.ID,
		TubeNumber:    tube.TubeNumber,
		QualityRegime: regime,
		DeliveryType:  deliveryType,
	}, nil
}

// startDossiers creates the start registration of every GLD and FRD whose
// well is registered.
func (p *pass) startDossiers() error {
	glds, err := p.store.ListGLDs()
	if err != nil {
		return fmt.Errorf("list glds: %w", err)
	}
	for _, g := range glds {
		if g.BroID.Valid {
			continue
		}
		if err := p.startDossier(models.KindGLD, g.TubeID, g.QualityRegime, xmlcodec.KindGLDStartRegistration); err != nil {
			p.fail(err, fmt.Sprintf("Failed to start gld %d", g.ID))
		}
	}

	frds, err := p.store.ListFRDs()
	if err != nil {
		return fmt.Errorf("list frds: %w", err)
	}
	for _, f := range frds {
		if f.BroID.Valid {
			continue
		}
		if err := p.startDossier(models.KindFRD, f.TubeID, f.QualityRegime, xmlcodec.KindFRDStartRegistration); err != nil {
			p.fail(err, fmt.Sprintf("Failed to start frd %d", f.ID))
		}
	}
	return nil
}

func (p *pass) startDossier(object string, tubeID int64, regime, kind string) error {
	key, err := p.dossierKey(object, tubeID, regime, models.DeliveryRegister)
	if err != nil || key == nil {
		return err
	}
	_, err = p.createRegistration(*key, kind)
	return err
}

func (p *pass) advanceRegistration(l *models.RegistrationLog) {
	if p.advanced[l.ID] {
		return
	}
	p.advanced[l.ID] = true
	step, err := p.machine.AdvanceRegistration(p.ctx, l)
	if err != nil {
		p.fail(err, fmt.Sprintf("Failed to advance registration log %d", l.ID))
		return
	}
	p.count(step)
}

func (p *pass) advanceAddition(l *models.AdditionLog) {
	if p.additions[l.ID] {
		return
	}
	p.additions[l.ID] = true
	step, err := p.machine.AdvanceAddition(p.ctx, l)
	if err != nil {
		p.fail(err, fmt.Sprintf("Failed to advance addition log %d", l.ID))
		return
	}
	p.count(step)
}

func (p *pass) count(step *syncer.Step) {
	if step.From == step.To && step.Cause == nil {
		return
	}
	p.sum.Advanced++
	if step.To == models.StateAccepted && step.From != models.StateAccepted {
		p.sum.Accepted++
	}
}

// advanceRegistrations moves every open registration log one step. Wells
// and start registrations come first so dependants see their BRO ids.
func (p *pass) advanceRegistrations() error {
	logs, err := p.store.ListOpenRegistrationLogs()
	if err != nil {
		return fmt.Errorf("list registration logs: %w", err)
	}
	for i := range logs {
		p.advanceRegistration(&logs[i])
	}
	return nil
}

// deliverObservations moves the addition log of every closed observation
// that is not up to date in the Registry.
func (p *pass) deliverObservations() error {
	obs, err := p.store.ListObservationsToDeliver()
	if err != nil {
		return fmt.Errorf("list observations: %w", err)
	}
	for _, o := range obs {
		l, err := p.additionLog(o, models.DeliveryRegister)
		if err != nil {
			p.fail(err, fmt.Sprintf("Failed to prepare observation %d", o.ID))
			continue
		}
		if l != nil {
			p.advanceAddition(l)
		}
	}
	return nil
}

// additionLog returns the addition log of o, or nil while its dossier is
// not registered.
func (p *pass) additionLog(o models.Observation, deliveryType string) (*models.AdditionLog, error) {
	gld, err := p.store.GetGLD(o.GLDID)
	if err != nil {
		return nil, err
	}
	if gld == nil || !gld.BroID.Valid {
		return nil, nil
	}
	md, err := p.store.GetObservationMetadata(o.MetadataID)
	if err != nil {
		return nil, err
	}
	if md == nil {
		return nil, fmt.Errorf("observation %d has no metadata", o.ID)
	}
	return p.store.FindOrCreateAdditionLog(o.ID, assemble.AdditionType(*md), deliveryType)
}

// reopen resets an accepted replace log so a later correction of the same
// entity is delivered again. The correction reason is cleared on
// acceptance, so one that is still set was added afterwards.
func reopen(l *models.SyncLog) bool {
	if l.ProcessStatus != models.StateAccepted {
		return false
	}
	l.ProcessStatus = models.StateMissing
	l.ValidationStatus = sql.NullString{}
	l.DeliveryStatus = sql.NullString{}
	l.DeliveryID = sql.NullString{}
	l.LastChanged = sql.NullString{}
	l.File = ""
	l.Comments = ""
	return true
}

func (p *pass) replaceRegistration(key store.RegistrationKey, kind string) error {
	l, err := p.createRegistration(key, kind)
	if err != nil {
		return err
	}
	if reopen(&l.SyncLog) {
		if err := p.store.SaveRegistrationLog(*l); err != nil {
			return err
		}
	}
	if l.Terminal() {
		return nil
	}
	p.advanceRegistration(l)
	return nil
}

// replaceCorrected delivers replace logs for registered entities that
// carry a correction reason.
func (p *pass) replaceCorrected() error {
	wells, err := p.store.ListWellsWithCorrection()
	if err != nil {
		return fmt.Errorf("list corrected wells: %w", err)
	}
	for _, w := range wells {
		events, err := p.store.ListEvents(w.ID)
		if err != nil {
			p.fail(err, fmt.Sprintf("Failed to list events of well %d", w.ID))
			continue
		}
		if err := p.replaceRegistration(store.RegistrationKey{
			Object:        models.KindGMW,
			WellID:        w.ID,
			QualityRegime: w.QualityRegime,
			EventID:       constructionEventID(events),
			DeliveryType:  models.DeliveryReplace,
		}, xmlcodec.KindGMWConstruction); err != nil {
			p.fail(err, fmt.Sprintf("Failed to replace well %d", w.ID))
		}
	}

	if err := p.replaceEvents(); err != nil {
		return err
	}

	glds, err := p.store.ListGLDsWithCorrection()
	if err != nil {
		return fmt.Errorf("list corrected glds: %w", err)
	}
	for _, g := range glds {
		if err := p.replaceDossier(models.KindGLD, g.TubeID, g.QualityRegime, xmlcodec.KindGLDStartRegistration); err != nil {
			p.fail(err, fmt.Sprintf("Failed to replace gld %d", g.ID))
		}
	}

	frds, err := p.store.ListFRDsWithCorrection()
	if err != nil {
		return fmt.Errorf("list corrected frds: %w", err)
	}
	for _, f := range frds {
		if err := p.replaceDossier(models.KindFRD, f.TubeID, f.QualityRegime, xmlcodec.KindFRDStartRegistration); err != nil {
			p.fail(err, fmt.Sprintf("Failed to replace frd %d", f.ID))
		}
	}

	obs, err := p.store.ListObservationsWithCorrection()
	if err != nil {
		return fmt.Errorf("list corrected observations: %w", err)
	}
	for _, o := range obs {
		if err := p.replaceObservation(o); err != nil {
			p.fail(err, fmt.Sprintf("Failed to replace observation %d", o.ID))
		}
	}
	return nil
}

// replaceEvents handles corrected events of registered wells. A corrected
// construction event is delivered with the well.
func (p *pass) replaceEvents() error {
	wells, err := p.store.ListWellsToDeliver()
	if err != nil {
		return fmt.Errorf("list wells: %w", err)
	}
	for _, w := range wells {
		if !w.BroID.Valid {
			continue
		}
		events, err := p.store.ListEvents(w.ID)
		if err != nil {
			p.fail(err, fmt.Sprintf("Failed to list events of well %d", w.ID))
			continue
		}
		for _, ev := range events {
			if !ev.DeliveredToRegistry || !ev.CorrectionReason.Valid || ev.CorrectionReason.String == "" {
				continue
			}
			kind, ok := assemble.KindForEvent(ev.Name)
			if !ok || kind == xmlcodec.KindGMWConstruction {
				continue
			}
			if err := p.replaceRegistration(store.RegistrationKey{
				Object:        models.KindGMW,
				WellID:        w.ID,
				QualityRegime: w.QualityRegime,
				EventID:       ev.ID,
				DeliveryType:  models.DeliveryReplace,
			}, kind); err != nil {
				p.fail(err, fmt.Sprintf("Failed to replace event %d", ev.ID))
			}
		}
	}
	return nil
}

func (p *pass) replaceDossier(object string, tubeID int64, regime, kind string) error {
	key, err := p.dossierKey(object, tubeID, regime, models.DeliveryReplace)
	if err != nil || key == nil {
		return err
	}
	return p.replaceRegistration(*key, kind)
}

func (p *pass) replaceObservation(o models.Observation) error {
	l, err := p.additionLog(o, models.DeliveryReplace)
	if err != nil || l == nil {
		return err
	}
	if reopen(&l.SyncLog) {
		if err := p.store.SaveAdditionLog(*l); err != nil {
			return err
		}
	}
	if l.Terminal() {
		return nil
	}
	p.advanceAddition(l)
	return nil
}
