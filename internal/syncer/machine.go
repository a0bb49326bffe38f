package syncer

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"github.com/lox/broconnector/internal/assemble"
	"github.com/lox/broconnector/internal/config"
	"github.com/lox/broconnector/internal/history"
	"github.com/lox/broconnector/internal/logging"
	"github.com/lox/broconnector/internal/metrics"
	"github.com/lox/broconnector/internal/models"
	"github.com/lox/broconnector/internal/registry"
	"github.com/lox/broconnector/internal/store"
	"github.com/lox/broconnector/internal/xmlcodec"
)

// Envelope subdirectories.
const (
	RegistrationsDir = "registrations"
	AdditionsDir     = "additions"
)

// DeliveredAlready is the delivery status recorded for additions the
// Registry reports as already complete.
const DeliveredAlready = "geleverd"

const completedMarker = "registratiestatus voltooid"

// CredentialSource resolves the portal account of a bronhouder.
type CredentialSource interface {
	CredentialFor(kvk string) (config.Credential, bool)
}

// Step describes what one call to Advance did. Cause is the error the step
// recorded on the log, if any.
type Step struct {
	From  string
	To    string
	Cause error
}

// Machine owns the envelope directory and advances logs one step at a time.
type Machine struct {
	store     *store.Store
	assembler *assemble.Assembler
	portal    registry.Portal
	creds     CredentialSource
	recorder  *history.Recorder
	dir       string
}

func New(s *store.Store, a *assemble.Assembler, p registry.Portal, creds CredentialSource, dir string) *Machine {
	return &Machine{
		store:     s,
		assembler: a,
		portal:    p,
		creds:     creds,
		recorder:  history.NewRecorder(s),
		dir:       dir,
	}
}

// subject adapts a registration or addition log to the shared step logic.
type subject struct {
	log        *models.SyncLog
	label      string
	subdir     string
	owner      string
	addition   bool
	assemble   func() (*assemble.Document, error)
	generated  func(tx *store.Store, doc *assemble.Document) error
	save       func(tx *store.Store) error
	accepted   func(broID string) []models.DomainEvent
	upToDate   func() []models.DomainEvent
	correction func(tx *store.Store) error
}

// AdvanceRegistration moves a GMW, GLD or FRD registration log one step.
func (m *Machine) AdvanceRegistration(ctx context.Context, l *models.RegistrationLog) (*Step, error) {
	well, err := m.store.GetWell(l.WellID)
	if err != nil {
		return nil, err
	}
	if well == nil {
		return nil, fmt.Errorf("registration log %d: well %d not found", l.ID, l.WellID)
	}
	sub := &subject{
		log:    &l.SyncLog,
		label:  l.Object,
		subdir: RegistrationsDir,
		owner:  well.Owner,
		assemble: func() (*assemble.Document, error) {
			return m.assembleRegistration(l)
		},
		save: func(tx *store.Store) error {
			return tx.SaveRegistrationLog(*l)
		},
		accepted: func(broID string) []models.DomainEvent {
			return []models.DomainEvent{models.RegistrationAccepted{LogID: l.ID, BroID: broID}}
		},
		correction: func(tx *store.Store) error {
			return clearRegistrationCorrection(tx, l)
		},
	}
	return m.advance(ctx, sub, logging.Ctx(ctx).With().Int64("log_id", l.ID).Str("object", l.Object).Logger())
}

// AdvanceAddition moves a GLD addition log one step.
func (m *Machine) AdvanceAddition(ctx context.Context, l *models.AdditionLog) (*Step, error) {
	owner, err := m.observationOwner(l.ObservationID)
	if err != nil {
		return nil, err
	}
	delivered := func() []models.DomainEvent {
		return []models.DomainEvent{models.AdditionDelivered{LogID: l.ID, ObservationID: l.ObservationID}}
	}
	sub := &subject{
		log:      &l.SyncLog,
		label:    models.KindGLD,
		subdir:   AdditionsDir,
		owner:    owner,
		addition: true,
		assemble: func() (*assemble.Document, error) {
			return m.assembler.GLDAddition(l.ObservationID, l.DeliveryType)
		},
		generated: func(tx *store.Store, doc *assemble.Document) error {
			body, ok := doc.Envelope.SourceDocument.(xmlcodec.GLDAddition)
			if !ok {
				return nil
			}
			return tx.SetObservationUpToDate(l.ObservationID, false, body.ObservationID)
		},
		save: func(tx *store.Store) error {
			return tx.SaveAdditionLog(*l)
		},
		accepted: func(string) []models.DomainEvent { return delivered() },
		upToDate: delivered,
		correction: func(tx *store.Store) error {
			return tx.ClearObservationCorrectionReason(l.ObservationID)
		},
	}
	return m.advance(ctx, sub, logging.Ctx(ctx).With().Int64("log_id", l.ID).Str("object", "addition").Logger())
}

func (m *Machine) advance(ctx context.Context, sub *subject, log zerolog.Logger) (*Step, error) {
	l := sub.log
	from := l.ProcessStatus
	if from == "" {
		from = models.StateMissing
	}
	if l.Terminal() {
		return &Step{From: from, To: from}, nil
	}

	var (
		outcome Outcome
		cause   error
		doc     *assemble.Document
		enc     *xmlcodec.Encoded
		broID   string
	)
	switch from {
	case models.StateMissing, models.StateAssemblyFailed, models.StateValidationFailed:
		doc, cause = sub.assemble()
		if cause == nil {
			enc, cause = doc.Encode()
		}
		if cause != nil {
			outcome = AssemblyFailed
		} else {
			outcome = Assembled
		}
	case models.StateGenerated:
		outcome, cause = m.validate(ctx, sub)
	case models.StateValidated:
		outcome, cause = m.deliver(ctx, sub)
	case models.StateDelivered:
		outcome, broID, cause = m.checkStatus(ctx, sub)
	default:
		return nil, fmt.Errorf("%w: unknown state %q", ErrInvalidTransition, from)
	}

	to, effects, err := Transition(from, outcome)
	if err != nil {
		return nil, err
	}

	// A committed generated state always has its envelope on disk.
	for _, e := range effects {
		if e != WriteFile {
			continue
		}
		path, err := enc.Write(filepath.Join(m.dir, sub.subdir), doc.Filename)
		if err != nil {
			return nil, err
		}
		l.File = path
		l.Kind = doc.Envelope.Kind
		l.RequestReference = doc.Envelope.RequestReference
		l.ValidationStatus = sql.NullString{}
	}

	l.ProcessStatus = to
	if cause != nil {
		l.Comments = cause.Error()
	} else {
		l.Comments = ""
	}

	err = m.store.WithTx(func(tx *store.Store) error {
		recorder := m.recorder.In(tx)
		for _, e := range effects {
			switch e {
			case WriteFile:
				if sub.generated != nil {
					if err := sub.generated(tx, doc); err != nil {
						return err
					}
				}
			case BumpRetry:
				l.DeliveryStatus = sql.NullString{String: NextRetry(l.DeliveryStatus.String), Valid: true}
			case Hold:
				l.ValidationStatus = sql.NullString{String: authStatus(cause), Valid: true}
			case Link:
				if err := recorder.Dispatch(sub.accepted(broID)...); err != nil {
					return err
				}
			case MarkUpToDate:
				if sub.upToDate != nil {
					if err := recorder.Dispatch(sub.upToDate()...); err != nil {
						return err
					}
				}
			case ClearCorrection:
				if l.DeliveryType == models.DeliveryReplace {
					if err := sub.correction(tx); err != nil {
						return err
					}
				}
			}
		}
		return sub.save(tx)
	})
	if err != nil {
		return nil, fmt.Errorf("save %s log: %w", sub.label, err)
	}

	for _, e := range effects {
		if e == DeleteFile && l.File != "" {
			if err := os.Remove(l.File); err != nil && !errors.Is(err, os.ErrNotExist) {
				log.Warn().Err(err).Str("file", l.File).Msg("Failed to remove envelope")
			}
		}
	}

	if to != from {
		metrics.SyncTransitionsTotal.WithLabelValues(sub.label, to).Inc()
	}
	ev := log.Info()
	if cause != nil {
		ev = log.Warn().Err(cause)
	}
	ev.Str("operation", string(outcome)).
		Str("from", from).
		Str("state", to).
		Msg("Sync step")
	return &Step{From: from, To: to, Cause: cause}, nil
}

func (m *Machine) credentials(owner string) (config.Credential, error) {
	c, ok := m.creds.CredentialFor(owner)
	if !ok {
		return config.Credential{}, fmt.Errorf("no portal credentials for kvk %s", owner)
	}
	return c, nil
}

// authStatus records why a log was held, with the portal's status code when
// there is one.
func authStatus(err error) string {
	var ae *registry.AuthError
	if errors.As(err, &ae) {
		return fmt.Sprintf("%s_%d", AuthRejected, ae.StatusCode)
	}
	return AuthRejected
}

// portalOutcome classifies a failed portal call.
func portalOutcome(err error) Outcome {
	if registry.IsAuth(err) {
		return Unauthorized
	}
	return TransportFailed
}

func (m *Machine) validate(ctx context.Context, sub *subject) (Outcome, error) {
	if IsParked(*sub.log) {
		return Parked, nil
	}
	data, err := os.ReadFile(sub.log.File)
	if err != nil {
		return NotValidated, fmt.Errorf("read envelope: %w", err)
	}
	cred, err := m.credentials(sub.owner)
	if err != nil {
		return Unauthorized, err
	}

	res, err := m.portal.Validate(ctx, data, cred.ProjectID, registry.Credentials{User: cred.User, Token: cred.Token})
	if err != nil {
		if registry.IsAuth(err) {
			return Unauthorized, fmt.Errorf("project or credentials mismatch: %w", err)
		}
		return portalOutcome(err), err
	}

	sub.log.ValidationStatus = sql.NullString{String: res.Status, Valid: true}
	switch {
	case res.Valid():
		return Valid, nil
	case res.Status == registry.StatusInvalid:
		if sub.addition && mentions(res.Errors, completedMarker) {
			sub.log.DeliveryStatus = sql.NullString{String: DeliveredAlready, Valid: true}
			return AlreadyComplete, nil
		}
		return Invalid, fmt.Errorf("%w: %s", ErrValidationRejected, strings.Join(res.Errors, "; "))
	default:
		return NotValidated, fmt.Errorf("validation returned %s: %s", res.Status, strings.Join(res.Errors, "; "))
	}
}

func mentions(errs []string, marker string) bool {
	for _, e := range errs {
		if strings.Contains(strings.ToLower(e), marker) {
			return true
		}
	}
	return false
}

func (m *Machine) deliver(ctx context.Context, sub *subject) (Outcome, error) {
	l := sub.log
	if l.DeliveryID.Valid && l.DeliveryID.String != "" {
		return Uploaded, nil
	}
	if IsParked(*l) {
		return Parked, nil
	}
	data, err := os.ReadFile(l.File)
	if err != nil {
		return TransportFailed, fmt.Errorf("read envelope: %w", err)
	}
	cred, err := m.credentials(sub.owner)
	if err != nil {
		return Unauthorized, err
	}

	files := []registry.File{{Name: filepath.Base(l.File), Data: data}}
	res, err := m.portal.Upload(ctx, files, cred.ProjectID, registry.Credentials{User: cred.User, Token: cred.Token})
	if err != nil {
		return portalOutcome(err), err
	}
	l.DeliveryID = sql.NullString{String: res.Identifier, Valid: res.Identifier != ""}
	l.DeliveryStatus = sql.NullString{String: res.Status, Valid: true}
	l.LastChanged = sql.NullString{String: res.LastChanged, Valid: res.LastChanged != ""}
	if sub.addition && res.Status == registry.DeliveryForwarded {
		return Forwarded, nil
	}
	return Uploaded, nil
}

func (m *Machine) checkStatus(ctx context.Context, sub *subject) (Outcome, string, error) {
	l := sub.log
	if IsParked(*l) {
		return Parked, "", nil
	}
	cred, err := m.credentials(sub.owner)
	if err != nil {
		return Unauthorized, "", err
	}
	res, err := m.portal.CheckStatus(ctx, l.DeliveryID.String, cred.ProjectID, registry.Credentials{User: cred.User, Token: cred.Token})
	if err != nil {
		return portalOutcome(err), "", err
	}
	l.DeliveryStatus = sql.NullString{String: res.Status, Valid: true}
	l.LastChanged = sql.NullString{String: res.LastChanged, Valid: res.LastChanged != ""}

	broID, ok := res.AcceptedDocument()
	if !ok {
		return Pending, "", nil
	}
	l.BroID = sql.NullString{String: broID, Valid: broID != ""}
	// the delivery is done; the final state is the source document's token
	l.DeliveryStatus = sql.NullString{String: registry.DocumentAccepted, Valid: true}
	return Accepted, broID, nil
}

// registrationTube finds the tube a GLD or FRD registration log points at.
func registrationTube(s *store.Store, l *models.RegistrationLog) (*models.Tube, error) {
	tube, err := s.GetTubeByNumber(l.WellID, l.TubeNumber)
	if err != nil {
		return nil, err
	}
	if tube == nil {
		return nil, fmt.Errorf("%w: tube %d of well %d not found", assemble.ErrAssemblyFailed, l.TubeNumber, l.WellID)
	}
	return tube, nil
}

func (m *Machine) assembleRegistration(l *models.RegistrationLog) (*assemble.Document, error) {
	switch l.Object {
	case models.KindGMW:
		if l.EventID.Valid {
			return m.assembler.GMWEvent(l.EventID.Int64, l.DeliveryType)
		}
		return m.assembler.GMWConstruction(l.WellID, l.DeliveryType)
	case models.KindGLD:
		tube, err := registrationTube(m.store, l)
		if err != nil {
			return nil, err
		}
		gld, err := m.store.GetGLDByTube(tube.ID, l.QualityRegime)
		if err != nil {
			return nil, err
		}
		if gld == nil {
			return nil, fmt.Errorf("%w: no dossier for tube %d", assemble.ErrAssemblyFailed, tube.ID)
		}
		return m.assembler.GLDStartRegistration(gld.ID, l.DeliveryType)
	case models.KindFRD:
		tube, err := registrationTube(m.store, l)
		if err != nil {
			return nil, err
		}
		frd, err := m.store.GetFRDByTube(tube.ID, l.QualityRegime)
		if err != nil {
			return nil, err
		}
		if frd == nil {
			return nil, fmt.Errorf("%w: no frd for tube %d", assemble.ErrAssemblyFailed, tube.ID)
		}
		return m.assembler.FRDStartRegistration(frd.ID, l.DeliveryType)
	}
	return nil, fmt.Errorf("%w: unknown object %q", assemble.ErrAssemblyFailed, l.Object)
}

func clearRegistrationCorrection(tx *store.Store, l *models.RegistrationLog) error {
	switch l.Object {
	case models.KindGMW:
		if !l.EventID.Valid {
			return tx.ClearWellCorrectionReason(l.WellID)
		}
		ev, err := tx.GetEvent(l.EventID.Int64)
		if err != nil || ev == nil {
			return err
		}
		if err := tx.ClearEventCorrectionReason(ev.ID); err != nil {
			return err
		}
		if ev.Name == models.EventConstruction {
			return tx.ClearWellCorrectionReason(l.WellID)
		}
		return nil
	case models.KindGLD:
		tube, err := registrationTube(tx, l)
		if err != nil {
			return err
		}
		gld, err := tx.GetGLDByTube(tube.ID, l.QualityRegime)
		if err != nil || gld == nil {
			return err
		}
		return tx.ClearGLDCorrectionReason(gld.ID)
	case models.KindFRD:
		tube, err := registrationTube(tx, l)
		if err != nil {
			return err
		}
		frd, err := tx.GetFRDByTube(tube.ID, l.QualityRegime)
		if err != nil || frd == nil {
			return err
		}
		return tx.ClearFRDCorrectionReason(frd.ID)
	}
	return nil
}

func (m *Machine) observationOwner(observationID int64) (string, error) {
	obs, err := m.store.GetObservation(observationID)
	if err != nil {
		return "", err
	}
	if obs == nil {
		return "", fmt.Errorf("observation %d not found", observationID)
	}
	gld, err := m.store.GetGLD(obs.GLDID)
	if err != nil {
		return "", err
	}
	if gld == nil {
		return "", fmt.Errorf("dossier %d not found", obs.GLDID)
	}
	tube, err := m.store.GetTube(gld.TubeID)
	if err != nil {
		return "", err
	}
	if tube == nil {
		return "", fmt.Errorf("tube %d not found", gld.TubeID)
	}
	well, err := m.store.GetWell(tube.WellID)
	if err != nil {
		return "", err
	}
	if well == nil {
		return "", fmt.Errorf("well %d not found", tube.WellID)
	}
	return well.Owner, nil
}
