// Package history keeps the dated state of wells, tubes and observations
// consistent after store writes.
package history

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/lox/broconnector/internal/logging"
	"github.com/lox/broconnector/internal/measure"
	"github.com/lox/broconnector/internal/models"
	"github.com/lox/broconnector/internal/store"
)

// ResultDelay is added to the end of an assessed observation to get its
// result time.
const ResultDelay = 7 * 24 * time.Hour

// Recorder consumes the domain events returned by store writes.
type Recorder struct {
	store *store.Store
	now   func() time.Time
}

func NewRecorder(s *store.Store) *Recorder {
	return &Recorder{store: s, now: time.Now}
}

// In returns a recorder writing through tx.
func (r *Recorder) In(tx *store.Store) *Recorder {
	return &Recorder{store: tx, now: r.now}
}

// Dispatch applies events in order. Events produced while handling are
// applied after the ones passed in.
func (r *Recorder) Dispatch(events ...models.DomainEvent) error {
	queue := append([]models.DomainEvent(nil), events...)
	for len(queue) > 0 {
		ev := queue[0]
		queue = queue[1:]
		more, err := r.handle(ev)
		if err != nil {
			return fmt.Errorf("dispatch %T: %w", ev, err)
		}
		queue = append(queue, more...)
	}
	return nil
}

func (r *Recorder) handle(ev models.DomainEvent) ([]models.DomainEvent, error) {
	switch e := ev.(type) {
	case models.WellCreated:
		_, err := r.store.InsertWellDynamic(models.WellDynamic{WellID: e.WellID, ValidFrom: e.At})
		return nil, err
	case models.TVPSaved:
		return nil, r.tvpSaved(e.TVPID)
	case models.TVPDeleted:
		if e.MetadataID == 0 {
			return nil, nil
		}
		return nil, r.store.DeletePointMetadata(e.MetadataID)
	case models.ObservationSaved:
		return r.observationSaved(e.ObservationID)
	case models.ObservationDeleted:
		return r.observationDeleted(e.Observation)
	case models.RegistrationAccepted:
		return nil, r.registrationAccepted(e)
	case models.AdditionDelivered:
		return nil, r.store.SetObservationUpToDate(e.ObservationID, true, "")
	}
	return nil, nil
}

func (r *Recorder) tvpSaved(id int64) error {
	tvp, err := r.store.GetTVP(id)
	if err != nil || tvp == nil {
		return err
	}
	if !tvp.MetadataID.Valid {
		metaID, err := r.store.InsertPointMetadata(models.MeasurementPointMetadata{})
		if err != nil {
			return err
		}
		if err := r.store.SetTVPMetadata(tvp.ID, metaID); err != nil {
			return err
		}
	}
	if tvp.CalculatedValue.Valid || !tvp.FieldValue.Valid {
		return nil
	}

	ref, err := r.referenceFor(tvp.ObservationID, tvp.Time)
	if err != nil {
		return err
	}
	v, ok := measure.ToMetres(tvp.FieldValue.Float64, tvp.FieldValueUnit, ref)
	if !ok {
		logging.Debug().
			Int64("tvp_id", tvp.ID).
			Str("unit", tvp.FieldValueUnit).
			Msg("Cannot derive calculated value")
		return nil
	}
	return r.store.SetTVPCalculatedValue(tvp.ID, sql.NullFloat64{Float64: v, Valid: true})
}

// referenceFor returns the tube geometry of an observation's tube at t.
func (r *Recorder) referenceFor(observationID int64, t time.Time) (measure.Reference, error) {
	obs, err := r.store.GetObservation(observationID)
	if err != nil || obs == nil {
		return measure.Reference{}, err
	}
	gld, err := r.store.GetGLD(obs.GLDID)
	if err != nil || gld == nil {
		return measure.Reference{}, err
	}
	d, err := r.store.TubeDynamicAt(gld.TubeID, t)
	if err != nil {
		return measure.Reference{}, err
	}
	return measure.ReferenceFrom(d), nil
}

// ResultTime is the moment an observation's result becomes final.
// Provisional and control observations are final at their last measurement,
// others a week after they end but never later than now.
func ResultTime(md models.ObservationMetadata, end time.Time, lastMeasurement sql.NullTime, now time.Time) time.Time {
	if md.ObservationType == models.ObservationControl || md.Status.String == models.StatusProvisional {
		if lastMeasurement.Valid {
			return lastMeasurement.Time
		}
		return end
	}
	t := end.Add(ResultDelay)
	if t.After(now) {
		return now
	}
	return t
}

func (r *Recorder) observationSaved(id int64) ([]models.DomainEvent, error) {
	obs, err := r.store.GetObservation(id)
	if err != nil || obs == nil {
		return nil, err
	}
	if err := r.setResultTime(*obs); err != nil {
		return nil, err
	}
	return r.ensureOneOpen(obs.Key())
}

// setResultTime fills the result time of a closed observation that has none.
func (r *Recorder) setResultTime(obs models.Observation) error {
	if !obs.EndTime.Valid || obs.ResultTime.Valid {
		return nil
	}
	md, err := r.store.GetObservationMetadata(obs.MetadataID)
	if err != nil || md == nil {
		return err
	}
	last, err := r.store.LastMeasurementTime(obs.ID)
	if err != nil {
		return err
	}
	return r.store.SetObservationResultTime(obs.ID, ResultTime(*md, obs.EndTime.Time, last, r.now()))
}

// ensureOneOpen closes surplus open observations of a chain at the start of
// the newest one, or opens a successor when none is open.
func (r *Recorder) ensureOneOpen(key models.ObservationKey) ([]models.DomainEvent, error) {
	chain, err := r.store.ListObservationChain(key)
	if err != nil {
		return nil, err
	}
	if len(chain) == 0 {
		return nil, nil
	}

	var open []models.Observation
	var lastEnd time.Time
	for _, o := range chain {
		if o.Open() {
			open = append(open, o)
		} else if o.EndTime.Time.After(lastEnd) {
			lastEnd = o.EndTime.Time
		}
	}

	switch {
	case len(open) == 1:
		return nil, nil
	case len(open) > 1:
		// chain is ordered by start time
		newest := open[len(open)-1]
		for _, o := range open[:len(open)-1] {
			if err := r.store.CloseObservation(o.ID, newest.StartTime); err != nil {
				return nil, err
			}
			o.EndTime = sql.NullTime{Time: newest.StartTime, Valid: true}
			if err := r.setResultTime(o); err != nil {
				return nil, err
			}
		}
		return nil, nil
	}

	_, events, err := r.store.InsertObservation(models.Observation{
		GLDID:      key.GLDID,
		MetadataID: key.MetadataID,
		ProcessID:  key.ProcessID,
		StartTime:  lastEnd,
	})
	if err != nil {
		return nil, err
	}
	logging.Debug().
		Int64("gld_id", key.GLDID).
		Time("start", lastEnd).
		Msg("Opened successor observation")
	return events, nil
}

func (r *Recorder) observationDeleted(deleted models.Observation) ([]models.DomainEvent, error) {
	chain, err := r.store.ListObservationChain(deleted.Key())
	if err != nil {
		return nil, err
	}
	for _, o := range chain {
		if o.StartTime.Before(deleted.StartTime) {
			continue
		}
		if err := r.store.SetObservationStart(o.ID, deleted.StartTime); err != nil {
			return nil, err
		}
		break
	}
	return r.ensureOneOpen(deleted.Key())
}

func (r *Recorder) registrationAccepted(e models.RegistrationAccepted) error {
	l, err := r.store.GetRegistrationLog(e.LogID)
	if err != nil || l == nil {
		return err
	}

	switch l.Object {
	case models.KindGMW:
		if l.EventID.Valid {
			if err := r.store.SetEventDelivered(l.EventID.Int64, true); err != nil {
				return err
			}
			ev, err := r.store.GetEvent(l.EventID.Int64)
			if err != nil || ev == nil || ev.Name != models.EventConstruction {
				return err
			}
		}
		if e.BroID == "" {
			return nil
		}
		return r.store.SetWellBroID(l.WellID, e.BroID)

	case models.KindGLD, models.KindFRD:
		if e.BroID == "" {
			return nil
		}
		tube, err := r.store.GetTubeByNumber(l.WellID, l.TubeNumber)
		if err != nil || tube == nil {
			return err
		}
		if l.Object == models.KindGLD {
			gld, err := r.store.GetGLDByTube(tube.ID, l.QualityRegime)
			if err != nil || gld == nil {
				return err
			}
			return r.store.SetGLDBroID(gld.ID, e.BroID)
		}
		frd, err := r.store.GetFRDByTube(tube.ID, l.QualityRegime)
		if err != nil || frd == nil {
			return err
		}
		return r.store.SetFRDBroID(frd.ID, e.BroID)
	}
	return nil
}
