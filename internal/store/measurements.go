package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/lox/broconnector/internal/models"
)

func (s *Store) InsertPointMetadata(m models.MeasurementPointMetadata) (int64, error) {
	if m.StatusQualityControl == "" {
		m.StatusQualityControl = models.QCUnknown
	}
	if m.InterpolationCode == "" {
		m.InterpolationCode = models.InterpolDiscon
	}
	result, err := s.q.Exec(`
		INSERT INTO measurement_point_metadata (status_quality_control, censor_reason, censoring_limit_value, interpolation_code)
		VALUES (?, ?, ?, ?)
	`, m.StatusQualityControl, m.CensorReason, m.CensoringLimitValue, m.InterpolationCode)
	if err != nil {
		return 0, fmt.Errorf("insert point metadata: %w", err)
	}
	return result.LastInsertId()
}

func (s *Store) GetPointMetadata(id int64) (*models.MeasurementPointMetadata, error) {
	var m models.MeasurementPointMetadata
	err := s.q.QueryRow(`
		SELECT id, status_quality_control, censor_reason, censoring_limit_value, interpolation_code
		FROM measurement_point_metadata WHERE id = ?
	`, id).Scan(&m.ID, &m.StatusQualityControl, &m.CensorReason, &m.CensoringLimitValue, &m.InterpolationCode)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *Store) DeletePointMetadata(id int64) error {
	_, err := s.q.Exec(`DELETE FROM measurement_point_metadata WHERE id = ?`, id)
	return err
}

// InsertTVP stores one measurement. Metadata and calculated values are
// completed by the history recorder from the returned events.
func (s *Store) InsertTVP(tvp models.MeasurementTVP) (int64, []models.DomainEvent, error) {
	result, err := s.q.Exec(`
		INSERT INTO measurement_tvps (observation_id, measurement_time, field_value, field_value_unit, calculated_value,
			initial_calculated_value, correction_reason, correction_time, metadata_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, tvp.ObservationID, dbTime(tvp.Time), tvp.FieldValue, tvp.FieldValueUnit, tvp.CalculatedValue,
		tvp.InitialCalculatedValue, tvp.CorrectionReason, nullTime(tvp.CorrectionTime), tvp.MetadataID)
	if err != nil {
		return 0, nil, fmt.Errorf("insert tvp: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, nil, err
	}
	return id, []models.DomainEvent{models.TVPSaved{TVPID: id}}, nil
}

func (s *Store) SetTVPCalculatedValue(id int64, v sql.NullFloat64) error {
	_, err := s.q.Exec(`UPDATE measurement_tvps SET calculated_value = ? WHERE id = ?`, v, id)
	return err
}

func (s *Store) SetTVPMetadata(id, metadataID int64) error {
	_, err := s.q.Exec(`UPDATE measurement_tvps SET metadata_id = ? WHERE id = ?`, metadataID, id)
	return err
}

// DeleteTVP removes a measurement. Its metadata row is collected by the history recorder.
func (s *Store) DeleteTVP(id int64) ([]models.DomainEvent, error) {
	var metadataID sql.NullInt64
	err := s.q.QueryRow(`SELECT metadata_id FROM measurement_tvps WHERE id = ?`, id).Scan(&metadataID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if _, err := s.q.Exec(`DELETE FROM measurement_tvps WHERE id = ?`, id); err != nil {
		return nil, fmt.Errorf("delete tvp %d: %w", id, err)
	}
	return []models.DomainEvent{models.TVPDeleted{TVPID: id, MetadataID: metadataID.Int64}}, nil
}

const tvpSelect = `
	SELECT t.id, t.observation_id, t.measurement_time, t.field_value, t.field_value_unit, t.calculated_value,
		t.initial_calculated_value, t.correction_reason, t.correction_time, t.metadata_id,
		m.id, m.status_quality_control, m.censor_reason, m.censoring_limit_value, m.interpolation_code
	FROM measurement_tvps t
	LEFT JOIN measurement_point_metadata m ON m.id = t.metadata_id`

func scanTVP(row scanner) (models.MeasurementTVP, error) {
	var t models.MeasurementTVP
	var mID sql.NullInt64
	var qc, interp sql.NullString
	var meta models.MeasurementPointMetadata
	err := row.Scan(&t.ID, &t.ObservationID, &t.Time, &t.FieldValue, &t.FieldValueUnit, &t.CalculatedValue,
		&t.InitialCalculatedValue, &t.CorrectionReason, &t.CorrectionTime, &t.MetadataID,
		&mID, &qc, &meta.CensorReason, &meta.CensoringLimitValue, &interp)
	if err != nil {
		return t, err
	}
	if mID.Valid {
		meta.ID = mID.Int64
		meta.StatusQualityControl = qc.String
		meta.InterpolationCode = interp.String
		t.Metadata = &meta
	}
	return t, nil
}

func (s *Store) GetTVP(id int64) (*models.MeasurementTVP, error) {
	t, err := scanTVP(s.q.QueryRow(tvpSelect+` WHERE t.id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// ListTVPs returns the measurements of an observation ordered by time.
func (s *Store) ListTVPs(observationID int64) ([]models.MeasurementTVP, error) {
	rows, err := s.q.Query(tvpSelect+` WHERE t.observation_id = ? ORDER BY t.measurement_time, t.id`, observationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.MeasurementTVP
	for rows.Next() {
		t, err := scanTVP(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// LastMeasurementTime returns the time of the latest measurement of an observation.
func (s *Store) LastMeasurementTime(observationID int64) (sql.NullTime, error) {
	var t time.Time
	err := s.q.QueryRow(`SELECT measurement_time FROM measurement_tvps WHERE observation_id = ?
		ORDER BY measurement_time DESC LIMIT 1`, observationID).Scan(&t)
	if err == sql.ErrNoRows {
		return sql.NullTime{}, nil
	}
	if err != nil {
		return sql.NullTime{}, err
	}
	return sql.NullTime{Time: t, Valid: true}, nil
}

func (s *Store) CountTVPs(observationID int64) (int, error) {
	var n int
	err := s.q.QueryRow(`SELECT COUNT(*) FROM measurement_tvps WHERE observation_id = ?`, observationID).Scan(&n)
	return n, err
}

// TVPWithMetadata pairs a measurement with its point metadata for bulk loading.
type TVPWithMetadata struct {
	TVP      models.MeasurementTVP
	Metadata models.MeasurementPointMetadata
}

// BulkInsertTVPs loads measurements in batches of batchSize, one transaction per
// batch. Measurements already present for the same observation and time are skipped.
// It returns the number of inserted rows.
func (s *Store) BulkInsertTVPs(items []TVPWithMetadata, batchSize int) (int, error) {
	if batchSize <= 0 {
		batchSize = len(items)
	}
	inserted := 0
	for start := 0; start < len(items); start += batchSize {
		end := min(start+batchSize, len(items))
		n, err := s.insertTVPBatch(items[start:end])
		if err != nil {
			return inserted, Wrap(fmt.Sprintf("bulk insert batch at %d", start), err)
		}
		inserted += n
	}
	return inserted, nil
}

func (s *Store) insertTVPBatch(batch []TVPWithMetadata) (int, error) {
	inserted := 0
	err := s.WithTx(func(tx *Store) error {
		metaStmt, err := tx.q.Prepare(`
			INSERT INTO measurement_point_metadata (status_quality_control, censor_reason, censoring_limit_value, interpolation_code)
			VALUES (?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer metaStmt.Close()

		tvpStmt, err := tx.q.Prepare(`
			INSERT INTO measurement_tvps (observation_id, measurement_time, field_value, field_value_unit, calculated_value,
				initial_calculated_value, correction_reason, correction_time, metadata_id)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(observation_id, measurement_time) DO NOTHING`)
		if err != nil {
			return err
		}
		defer tvpStmt.Close()

		for _, item := range batch {
			m := item.Metadata
			if m.StatusQualityControl == "" {
				m.StatusQualityControl = models.QCUnknown
			}
			if m.InterpolationCode == "" {
				m.InterpolationCode = models.InterpolDiscon
			}
			res, err := metaStmt.Exec(m.StatusQualityControl, m.CensorReason, m.CensoringLimitValue, m.InterpolationCode)
			if err != nil {
				return err
			}
			metaID, err := res.LastInsertId()
			if err != nil {
				return err
			}

			t := item.TVP
			res, err = tvpStmt.Exec(t.ObservationID, dbTime(t.Time), t.FieldValue, t.FieldValueUnit, t.CalculatedValue,
				t.InitialCalculatedValue, t.CorrectionReason, nullTime(t.CorrectionTime), metaID)
			if err != nil {
				return err
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			if n == 0 {
				if err := tx.DeletePointMetadata(metaID); err != nil {
					return err
				}
				continue
			}
			inserted++
		}
		return nil
	})
	return inserted, err
}
