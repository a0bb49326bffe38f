package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/lox/broconnector/internal/models"
)

const gldColumns = `id, tube_id, quality_regime, bro_id, research_start_date, research_last_date, correction_reason`

func scanGLD(row scanner) (models.GLD, error) {
	var g models.GLD
	err := row.Scan(&g.ID, &g.TubeID, &g.QualityRegime, &g.BroID, &g.ResearchStartDate, &g.ResearchLastDate, &g.CorrectionReason)
	return g, err
}

func (s *Store) InsertGLD(g models.GLD) (int64, error) {
	result, err := s.q.Exec(`
		INSERT INTO glds (tube_id, quality_regime, bro_id, research_start_date, research_last_date, correction_reason)
		VALUES (?, ?, ?, ?, ?, ?)
	`, g.TubeID, g.QualityRegime, g.BroID, nullTime(g.ResearchStartDate), nullTime(g.ResearchLastDate), g.CorrectionReason)
	if err != nil {
		return 0, fmt.Errorf("insert gld: %w", err)
	}
	return result.LastInsertId()
}

func (s *Store) getGLD(where string, args ...any) (*models.GLD, error) {
	g, err := scanGLD(s.q.QueryRow(`SELECT `+gldColumns+` FROM glds WHERE `+where, args...))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &g, nil
}

func (s *Store) GetGLD(id int64) (*models.GLD, error) {
	return s.getGLD("id = ?", id)
}

func (s *Store) GetGLDByBroID(broID string) (*models.GLD, error) {
	return s.getGLD("bro_id = ?", broID)
}

func (s *Store) GetGLDByTube(tubeID int64, regime string) (*models.GLD, error) {
	return s.getGLD("tube_id = ? AND quality_regime = ?", tubeID, regime)
}

func (s *Store) listGLDs(where string, args ...any) ([]models.GLD, error) {
	query := `SELECT ` + gldColumns + ` FROM glds`
	if where != "" {
		query += ` WHERE ` + where
	}
	rows, err := s.q.Query(query+` ORDER BY id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.GLD
	for rows.Next() {
		g, err := scanGLD(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

func (s *Store) ListGLDs() ([]models.GLD, error) {
	return s.listGLDs("")
}

// ListGLDsForWell returns the dossiers attached to any tube of the well.
func (s *Store) ListGLDsForWell(wellID int64) ([]models.GLD, error) {
	return s.listGLDs("tube_id IN (SELECT id FROM tubes WHERE well_id = ?)", wellID)
}

func (s *Store) ListGLDsWithCorrection() ([]models.GLD, error) {
	return s.listGLDs("correction_reason IS NOT NULL AND correction_reason != '' AND bro_id IS NOT NULL")
}

func (s *Store) SetGLDBroID(id int64, broID string) error {
	_, err := s.q.Exec(`UPDATE glds SET bro_id = ? WHERE id = ?`, broID, id)
	return err
}

func (s *Store) ClearGLDCorrectionReason(id int64) error {
	_, err := s.q.Exec(`UPDATE glds SET correction_reason = NULL WHERE id = ?`, id)
	return err
}

// FindOrCreateObservationMetadata returns the id of an identical metadata row, creating it if needed.
func (s *Store) FindOrCreateObservationMetadata(m models.ObservationMetadata) (int64, error) {
	var id int64
	err := s.q.QueryRow(`
		SELECT id FROM observation_metadata
		WHERE observation_type = ? AND status IS ? AND responsible_party IS ?
		ORDER BY id LIMIT 1
	`, m.ObservationType, m.Status, m.ResponsibleParty).Scan(&id)
	if err == nil {
		return id, nil
	}
	if err != sql.ErrNoRows {
		return 0, err
	}
	result, err := s.q.Exec(`INSERT INTO observation_metadata (observation_type, status, responsible_party) VALUES (?, ?, ?)`,
		m.ObservationType, m.Status, m.ResponsibleParty)
	if err != nil {
		return 0, fmt.Errorf("insert observation metadata: %w", err)
	}
	return result.LastInsertId()
}

func (s *Store) GetObservationMetadata(id int64) (*models.ObservationMetadata, error) {
	var m models.ObservationMetadata
	err := s.q.QueryRow(`SELECT id, observation_type, status, responsible_party FROM observation_metadata WHERE id = ?`, id).
		Scan(&m.ID, &m.ObservationType, &m.Status, &m.ResponsibleParty)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *Store) FindOrCreateObservationProcess(p models.ObservationProcess) (int64, error) {
	if p.ProcessType == "" {
		p.ProcessType = "algoritme"
	}
	var id int64
	err := s.q.QueryRow(`
		SELECT id FROM observation_processes
		WHERE process_reference = ? AND measurement_instrument_type = ? AND air_pressure_compensation_type IS ?
			AND process_type = ? AND evaluation_procedure = ?
		ORDER BY id LIMIT 1
	`, p.ProcessReference, p.MeasurementInstrumentType, p.AirPressureCompensationType, p.ProcessType, p.EvaluationProcedure).Scan(&id)
	if err == nil {
		return id, nil
	}
	if err != sql.ErrNoRows {
		return 0, err
	}
	result, err := s.q.Exec(`
		INSERT INTO observation_processes (process_reference, measurement_instrument_type, air_pressure_compensation_type,
			process_type, evaluation_procedure)
		VALUES (?, ?, ?, ?, ?)
	`, p.ProcessReference, p.MeasurementInstrumentType, p.AirPressureCompensationType, p.ProcessType, p.EvaluationProcedure)
	if err != nil {
		return 0, fmt.Errorf("insert observation process: %w", err)
	}
	return result.LastInsertId()
}

func (s *Store) GetObservationProcess(id int64) (*models.ObservationProcess, error) {
	var p models.ObservationProcess
	err := s.q.QueryRow(`
		SELECT id, process_reference, measurement_instrument_type, air_pressure_compensation_type, process_type, evaluation_procedure
		FROM observation_processes WHERE id = ?
	`, id).Scan(&p.ID, &p.ProcessReference, &p.MeasurementInstrumentType, &p.AirPressureCompensationType, &p.ProcessType, &p.EvaluationProcedure)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

const observationColumns = `id, gld_id, metadata_id, process_id, start_time, end_time, result_time,
	up_to_date_in_registry, observation_id_registry, correction_reason`

func scanObservation(row scanner) (models.Observation, error) {
	var o models.Observation
	err := row.Scan(&o.ID, &o.GLDID, &o.MetadataID, &o.ProcessID, &o.StartTime, &o.EndTime, &o.ResultTime,
		&o.UpToDateInRegistry, &o.ObservationIDRegistry, &o.CorrectionReason)
	return o, err
}

func (s *Store) InsertObservation(o models.Observation) (int64, []models.DomainEvent, error) {
	result, err := s.q.Exec(`
		INSERT INTO observations (gld_id, metadata_id, process_id, start_time, end_time, result_time,
			up_to_date_in_registry, observation_id_registry, correction_reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, o.GLDID, o.MetadataID, o.ProcessID, dbTime(o.StartTime), nullTime(o.EndTime), nullTime(o.ResultTime),
		o.UpToDateInRegistry, o.ObservationIDRegistry, o.CorrectionReason)
	if err != nil {
		return 0, nil, fmt.Errorf("insert observation: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, nil, err
	}
	return id, []models.DomainEvent{models.ObservationSaved{ObservationID: id}}, nil
}

func (s *Store) UpdateObservation(o models.Observation) ([]models.DomainEvent, error) {
	_, err := s.q.Exec(`
		UPDATE observations SET
			metadata_id = ?, process_id = ?, start_time = ?, end_time = ?, result_time = ?,
			up_to_date_in_registry = ?, observation_id_registry = ?, correction_reason = ?
		WHERE id = ?
	`, o.MetadataID, o.ProcessID, dbTime(o.StartTime), nullTime(o.EndTime), nullTime(o.ResultTime),
		o.UpToDateInRegistry, o.ObservationIDRegistry, o.CorrectionReason, o.ID)
	if err != nil {
		return nil, fmt.Errorf("update observation %d: %w", o.ID, err)
	}
	return []models.DomainEvent{models.ObservationSaved{ObservationID: o.ID}}, nil
}

// SetObservationResultTime writes a derived result time without emitting events.
func (s *Store) SetObservationResultTime(id int64, t time.Time) error {
	_, err := s.q.Exec(`UPDATE observations SET result_time = ? WHERE id = ?`, dbTime(t), id)
	return err
}

// SetObservationStart moves the start of an observation without emitting events.
func (s *Store) SetObservationStart(id int64, t time.Time) error {
	_, err := s.q.Exec(`UPDATE observations SET start_time = ? WHERE id = ?`, dbTime(t), id)
	return err
}

// CloseObservation sets the end time of an open observation without emitting events.
func (s *Store) CloseObservation(id int64, end time.Time) error {
	_, err := s.q.Exec(`UPDATE observations SET end_time = ? WHERE id = ? AND end_time IS NULL`, dbTime(end), id)
	return err
}

func (s *Store) SetObservationUpToDate(id int64, upToDate bool, registryID string) error {
	_, err := s.q.Exec(`
		UPDATE observations SET up_to_date_in_registry = ?,
			observation_id_registry = COALESCE(NULLIF(?, ''), observation_id_registry)
		WHERE id = ?
	`, upToDate, registryID, id)
	return err
}

func (s *Store) ClearObservationCorrectionReason(id int64) error {
	_, err := s.q.Exec(`UPDATE observations SET correction_reason = NULL WHERE id = ?`, id)
	return err
}

// DeleteObservation removes an observation with its measurements.
func (s *Store) DeleteObservation(id int64) ([]models.DomainEvent, error) {
	obs, err := s.GetObservation(id)
	if err != nil || obs == nil {
		return nil, err
	}

	var events []models.DomainEvent
	err = s.WithTx(func(tx *Store) error {
		tvps, err := tx.ListTVPs(id)
		if err != nil {
			return err
		}
		for _, tvp := range tvps {
			evs, err := tx.DeleteTVP(tvp.ID)
			if err != nil {
				return err
			}
			events = append(events, evs...)
		}
		if _, err := tx.q.Exec(`DELETE FROM addition_logs WHERE observation_id = ?`, id); err != nil {
			return err
		}
		if _, err := tx.q.Exec(`DELETE FROM observations WHERE id = ?`, id); err != nil {
			return fmt.Errorf("delete observation %d: %w", id, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return append(events, models.ObservationDeleted{Observation: *obs}), nil
}

func (s *Store) GetObservation(id int64) (*models.Observation, error) {
	o, err := scanObservation(s.q.QueryRow(`SELECT `+observationColumns+` FROM observations WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &o, nil
}

func (s *Store) listObservations(where string, args ...any) ([]models.Observation, error) {
	rows, err := s.q.Query(`SELECT `+observationColumns+` FROM observations WHERE `+where+` ORDER BY start_time, id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Observation
	for rows.Next() {
		o, err := scanObservation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// ListObservationChain returns the observations sharing dossier, process and metadata.
func (s *Store) ListObservationChain(key models.ObservationKey) ([]models.Observation, error) {
	return s.listObservations("gld_id = ? AND process_id = ? AND metadata_id = ?", key.GLDID, key.ProcessID, key.MetadataID)
}

func (s *Store) ListObservationsByGLD(gldID int64) ([]models.Observation, error) {
	return s.listObservations("gld_id = ?", gldID)
}

// ListObservationsToDeliver returns closed observations not yet up to date in the Registry.
func (s *Store) ListObservationsToDeliver() ([]models.Observation, error) {
	return s.listObservations("end_time IS NOT NULL AND up_to_date_in_registry = FALSE")
}

func (s *Store) ListObservationsWithCorrection() ([]models.Observation, error) {
	return s.listObservations("correction_reason IS NOT NULL AND correction_reason != '' AND observation_id_registry IS NOT NULL")
}
