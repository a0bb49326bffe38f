package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/lox/broconnector/internal/models"
)

const syncLogColumns = `kind, request_reference, file, validation_status, delivery_status, delivery_id,
	process_status, delivery_type, last_changed, comments, bro_id, updated_at`

func syncLogDest(l *models.SyncLog, updated *sql.NullTime) []any {
	return []any{&l.Kind, &l.RequestReference, &l.File, &l.ValidationStatus, &l.DeliveryStatus, &l.DeliveryID,
		&l.ProcessStatus, &l.DeliveryType, &l.LastChanged, &l.Comments, &l.BroID, updated}
}

func scanRegistrationLog(row scanner) (models.RegistrationLog, error) {
	var l models.RegistrationLog
	var eventID int64
	var updated sql.NullTime
	var reqRef, file sql.NullString
	dest := []any{&l.ID, &l.Object, &l.WellID, &l.TubeNumber, &l.QualityRegime, &eventID}
	dest = append(dest, syncLogDest(&l.SyncLog, &updated)...)
	dest[7], dest[8] = &reqRef, &file
	if err := row.Scan(dest...); err != nil {
		return l, err
	}
	l.RequestReference, l.File = reqRef.String, file.String
	if eventID != 0 {
		l.EventID = sql.NullInt64{Int64: eventID, Valid: true}
	}
	l.UpdatedAt = updated.Time
	return l, nil
}

const registrationLogColumns = `id, object, well_id, tube_number, quality_regime, event_id, ` + syncLogColumns

// RegistrationKey identifies the single registration log of an entity.
type RegistrationKey struct {
	Object        string
	WellID        int64
	TubeNumber    int
	QualityRegime string
	EventID       int64
	DeliveryType  string
}

func (k RegistrationKey) deliveryType() string {
	if k.DeliveryType == "" {
		return models.DeliveryRegister
	}
	return k.DeliveryType
}

// KeyOf returns the identity of an existing log.
func KeyOf(l models.RegistrationLog) RegistrationKey {
	return RegistrationKey{
		Object:        l.Object,
		WellID:        l.WellID,
		TubeNumber:    l.TubeNumber,
		QualityRegime: l.QualityRegime,
		EventID:       l.EventID.Int64,
		DeliveryType:  l.DeliveryType,
	}
}

// FindOrCreateRegistrationLog returns the log for key, creating it in the missing state.
func (s *Store) FindOrCreateRegistrationLog(key RegistrationKey, kind string) (*models.RegistrationLog, error) {
	_, err := s.q.Exec(`
		INSERT INTO registration_logs (object, well_id, tube_number, quality_regime, event_id, kind, process_status,
			delivery_type, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(object, well_id, tube_number, quality_regime, event_id, delivery_type) DO NOTHING
	`, key.Object, key.WellID, key.TubeNumber, key.QualityRegime, key.EventID, kind, models.StateMissing,
		key.deliveryType(), dbTime(time.Now()))
	if err != nil {
		return nil, fmt.Errorf("create registration log: %w", err)
	}
	return s.GetRegistrationLogByKey(key)
}

func (s *Store) GetRegistrationLogByKey(key RegistrationKey) (*models.RegistrationLog, error) {
	l, err := scanRegistrationLog(s.q.QueryRow(`SELECT `+registrationLogColumns+` FROM registration_logs
		WHERE object = ? AND well_id = ? AND tube_number = ? AND quality_regime = ? AND event_id = ? AND delivery_type = ?`,
		key.Object, key.WellID, key.TubeNumber, key.QualityRegime, key.EventID, key.deliveryType()))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &l, nil
}

func (s *Store) GetRegistrationLog(id int64) (*models.RegistrationLog, error) {
	l, err := scanRegistrationLog(s.q.QueryRow(`SELECT `+registrationLogColumns+` FROM registration_logs WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &l, nil
}

// SaveRegistrationLog writes the mutable state of a log.
func (s *Store) SaveRegistrationLog(l models.RegistrationLog) error {
	_, err := s.q.Exec(`
		UPDATE registration_logs SET
			kind = ?, request_reference = ?, file = ?, validation_status = ?, delivery_status = ?, delivery_id = ?,
			process_status = ?, last_changed = ?, comments = ?, bro_id = ?, updated_at = ?
		WHERE id = ?
	`, l.Kind, l.RequestReference, l.File, l.ValidationStatus, l.DeliveryStatus, l.DeliveryID,
		l.ProcessStatus, l.LastChanged, l.Comments, l.BroID, dbTime(time.Now()), l.ID)
	if err != nil {
		return fmt.Errorf("save registration log %d: %w", l.ID, err)
	}
	return nil
}

func (s *Store) listRegistrationLogs(where string, args ...any) ([]models.RegistrationLog, error) {
	query := `SELECT ` + registrationLogColumns + ` FROM registration_logs`
	if where != "" {
		query += ` WHERE ` + where
	}
	// construction and start registrations sort before intermediate events
	rows, err := s.q.Query(query+` ORDER BY well_id, CASE WHEN kind LIKE '%Construction%' OR kind LIKE '%StartRegistration%' THEN 0 ELSE 1 END, id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.RegistrationLog
	for rows.Next() {
		l, err := scanRegistrationLog(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (s *Store) ListRegistrationLogs() ([]models.RegistrationLog, error) {
	return s.listRegistrationLogs("")
}

// ListOpenRegistrationLogs returns logs that are not in a terminal state.
func (s *Store) ListOpenRegistrationLogs() ([]models.RegistrationLog, error) {
	return s.listRegistrationLogs("process_status NOT IN (?, ?)", models.StateAccepted, models.StateValidationRejected)
}

func (s *Store) ListRegistrationLogsForWell(wellID int64) ([]models.RegistrationLog, error) {
	return s.listRegistrationLogs("well_id = ?", wellID)
}

// CountAcceptedRegistrations counts accepted logs of one object kind for a well.
func (s *Store) CountAcceptedRegistrations(object string, wellID int64) (int, error) {
	var n int
	err := s.q.QueryRow(`SELECT COUNT(*) FROM registration_logs WHERE object = ? AND well_id = ? AND process_status = ?`,
		object, wellID, models.StateAccepted).Scan(&n)
	return n, err
}

// InsertAcceptedRegistrationLog records a delivery that already happened, as
// for events replayed from Registry history.
func (s *Store) InsertAcceptedRegistrationLog(key RegistrationKey, kind, broID string) error {
	_, err := s.q.Exec(`
		INSERT INTO registration_logs (object, well_id, tube_number, quality_regime, event_id, kind, process_status,
			delivery_type, bro_id, comments, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(object, well_id, tube_number, quality_regime, event_id, delivery_type) DO NOTHING
	`, key.Object, key.WellID, key.TubeNumber, key.QualityRegime, key.EventID, kind, models.StateAccepted,
		key.deliveryType(), broID, "imported from registry", dbTime(time.Now()))
	return err
}

const additionLogColumns = `id, observation_id, addition_type, ` + syncLogColumns

func scanAdditionLog(row scanner) (models.AdditionLog, error) {
	var l models.AdditionLog
	var updated sql.NullTime
	var reqRef, file sql.NullString
	dest := []any{&l.ID, &l.ObservationID, &l.AdditionType}
	dest = append(dest, syncLogDest(&l.SyncLog, &updated)...)
	dest[4], dest[5] = &reqRef, &file
	if err := row.Scan(dest...); err != nil {
		return l, err
	}
	l.RequestReference, l.File = reqRef.String, file.String
	l.UpdatedAt = updated.Time
	return l, nil
}

func (s *Store) FindOrCreateAdditionLog(observationID int64, additionType, deliveryType string) (*models.AdditionLog, error) {
	if deliveryType == "" {
		deliveryType = models.DeliveryRegister
	}
	_, err := s.q.Exec(`
		INSERT INTO addition_logs (observation_id, addition_type, process_status, delivery_type, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(observation_id, addition_type, delivery_type) DO NOTHING
	`, observationID, additionType, models.StateMissing, deliveryType, dbTime(time.Now()))
	if err != nil {
		return nil, fmt.Errorf("create addition log: %w", err)
	}
	l, err := scanAdditionLog(s.q.QueryRow(`SELECT `+additionLogColumns+` FROM addition_logs
		WHERE observation_id = ? AND addition_type = ? AND delivery_type = ?`, observationID, additionType, deliveryType))
	if err != nil {
		return nil, err
	}
	return &l, nil
}

func (s *Store) GetAdditionLog(id int64) (*models.AdditionLog, error) {
	l, err := scanAdditionLog(s.q.QueryRow(`SELECT `+additionLogColumns+` FROM addition_logs WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &l, nil
}

func (s *Store) SaveAdditionLog(l models.AdditionLog) error {
	_, err := s.q.Exec(`
		UPDATE addition_logs SET
			kind = ?, request_reference = ?, file = ?, validation_status = ?, delivery_status = ?, delivery_id = ?,
			process_status = ?, last_changed = ?, comments = ?, bro_id = ?, updated_at = ?
		WHERE id = ?
	`, l.Kind, l.RequestReference, l.File, l.ValidationStatus, l.DeliveryStatus, l.DeliveryID,
		l.ProcessStatus, l.LastChanged, l.Comments, l.BroID, dbTime(time.Now()), l.ID)
	if err != nil {
		return fmt.Errorf("save addition log %d: %w", l.ID, err)
	}
	return nil
}

func (s *Store) listAdditionLogs(where string, args ...any) ([]models.AdditionLog, error) {
	query := `SELECT ` + additionLogColumns + ` FROM addition_logs`
	if where != "" {
		query += ` WHERE ` + where
	}
	rows, err := s.q.Query(query+` ORDER BY id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.AdditionLog
	for rows.Next() {
		l, err := scanAdditionLog(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (s *Store) ListAdditionLogs() ([]models.AdditionLog, error) {
	return s.listAdditionLogs("")
}

func (s *Store) ListOpenAdditionLogs() ([]models.AdditionLog, error) {
	return s.listAdditionLogs("process_status NOT IN (?, ?)", models.StateAccepted, models.StateValidationRejected)
}

func (s *Store) ListAdditionLogsForObservation(observationID int64) ([]models.AdditionLog, error) {
	return s.listAdditionLogs("observation_id = ?", observationID)
}
