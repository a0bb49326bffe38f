package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lox/broconnector/internal/models"
)

// ErrStore marks database-level failures.
var ErrStore = errors.New("store error")

// Wrap tags err as a store failure.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrStore) {
		return err
	}
	return fmt.Errorf("%s: %w: %w", op, ErrStore, err)
}

type querier interface {
	Exec(query string, args ...any) (sql.Result, error)
	Query(query string, args ...any) (*sql.Rows, error)
	QueryRow(query string, args ...any) *sql.Row
	Prepare(query string) (*sql.Stmt, error)
}

type scanner interface {
	Scan(dest ...any) error
}

type Store struct {
	db  *sql.DB
	q   querier
	loc *time.Location
}

func New(db *sql.DB, loc *time.Location) *Store {
	return &Store{db: db, q: db, loc: loc}
}

// Location is the zone used for presenting timestamps.
func (s *Store) Location() *time.Location {
	return s.loc
}

// WithTx runs fn against a store bound to one transaction. Nested calls
// reuse the outer transaction.
func (s *Store) WithTx(fn func(tx *Store) error) error {
	if _, ok := s.q.(*sql.Tx); ok {
		return fn(s)
	}
	tx, err := s.db.Begin()
	if err != nil {
		return Wrap("begin tx", err)
	}
	if err := fn(&Store{db: s.db, q: tx, loc: s.loc}); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return Wrap("commit tx", err)
	}
	return nil
}

func dbTime(t time.Time) time.Time {
	return t.UTC()
}

func nullTime(t sql.NullTime) sql.NullTime {
	if !t.Valid {
		return t
	}
	return sql.NullTime{Time: t.Time.UTC(), Valid: true}
}

const wellColumns = `id, bro_id, internal_id, object_id, well_code, nitg_code, owner, delivery_accountable_party,
	construction_standard, initial_function, quality_regime, x, y, lat, lon, horizontal_positioning_method,
	local_vertical_reference_point, vertical_offset, vertical_datum, deliver_to_registry, complete_for_registry,
	in_management, construction_date, removal_date, registration_time, deregistered, correction_reason, created_at`

func scanWell(row scanner) (models.Well, error) {
	var w models.Well
	var created sql.NullTime
	err := row.Scan(&w.ID, &w.BroID, &w.InternalID, &w.ObjectID, &w.WellCode, &w.NITGCode, &w.Owner,
		&w.DeliveryAccountableParty, &w.ConstructionStandard, &w.InitialFunction, &w.QualityRegime,
		&w.X, &w.Y, &w.Lat, &w.Lon, &w.HorizontalPositioningMethod, &w.LocalVerticalReferencePoint,
		&w.Offset, &w.VerticalDatum, &w.DeliverToRegistry, &w.CompleteForRegistry, &w.InManagement,
		&w.ConstructionDate, &w.RemovalDate, &w.RegistrationTime, &w.Deregistered, &w.CorrectionReason, &created)
	w.CreatedAt = created.Time
	return w, err
}

// InsertWell stores a new static well.
func (s *Store) InsertWell(w models.Well) (int64, []models.DomainEvent, error) {
	result, err := s.q.Exec(`
		INSERT INTO wells (bro_id, internal_id, object_id, well_code, nitg_code, owner, delivery_accountable_party,
			construction_standard, initial_function, quality_regime, x, y, lat, lon, horizontal_positioning_method,
			local_vertical_reference_point, vertical_offset, vertical_datum, deliver_to_registry, complete_for_registry,
			in_management, construction_date, removal_date, registration_time, deregistered, correction_reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, w.BroID, w.InternalID, w.ObjectID, w.WellCode, w.NITGCode, w.Owner, w.DeliveryAccountableParty,
		w.ConstructionStandard, w.InitialFunction, w.QualityRegime, w.X, w.Y, w.Lat, w.Lon,
		w.HorizontalPositioningMethod, w.LocalVerticalReferencePoint, w.Offset, w.VerticalDatum,
		w.DeliverToRegistry, w.CompleteForRegistry, w.InManagement, nullTime(w.ConstructionDate),
		nullTime(w.RemovalDate), nullTime(w.RegistrationTime), w.Deregistered, w.CorrectionReason,
		dbTime(time.Now()))
	if err != nil {
		return 0, nil, fmt.Errorf("insert well %s: %w", w.InternalID, err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, nil, err
	}
	return id, []models.DomainEvent{models.WellCreated{WellID: id, At: time.Now()}}, nil
}

// UpdateWell rewrites the static attributes of a well.
func (s *Store) UpdateWell(w models.Well) error {
	_, err := s.q.Exec(`
		UPDATE wells SET
			bro_id = ?, internal_id = ?, object_id = ?, well_code = ?, nitg_code = ?, owner = ?,
			delivery_accountable_party = ?, construction_standard = ?, initial_function = ?, quality_regime = ?,
			x = ?, y = ?, lat = ?, lon = ?, horizontal_positioning_method = ?, local_vertical_reference_point = ?,
			vertical_offset = ?, vertical_datum = ?, deliver_to_registry = ?, complete_for_registry = ?,
			in_management = ?, construction_date = ?, removal_date = ?, registration_time = ?, deregistered = ?,
			correction_reason = ?
		WHERE id = ?
	`, w.BroID, w.InternalID, w.ObjectID, w.WellCode, w.NITGCode, w.Owner, w.DeliveryAccountableParty,
		w.ConstructionStandard, w.InitialFunction, w.QualityRegime, w.X, w.Y, w.Lat, w.Lon,
		w.HorizontalPositioningMethod, w.LocalVerticalReferencePoint, w.Offset, w.VerticalDatum,
		w.DeliverToRegistry, w.CompleteForRegistry, w.InManagement, nullTime(w.ConstructionDate),
		nullTime(w.RemovalDate), nullTime(w.RegistrationTime), w.Deregistered, w.CorrectionReason, w.ID)
	return err
}

func (s *Store) getWell(where string, args ...any) (*models.Well, error) {
	w, err := scanWell(s.q.QueryRow(`SELECT `+wellColumns+` FROM wells WHERE `+where, args...))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &w, nil
}

func (s *Store) GetWell(id int64) (*models.Well, error) {
	return s.getWell("id = ?", id)
}

func (s *Store) GetWellByBroID(broID string) (*models.Well, error) {
	return s.getWell("bro_id = ?", broID)
}

func (s *Store) listWells(where string, args ...any) ([]models.Well, error) {
	query := `SELECT ` + wellColumns + ` FROM wells`
	if where != "" {
		query += ` WHERE ` + where
	}
	rows, err := s.q.Query(query+` ORDER BY id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var wells []models.Well
	for rows.Next() {
		w, err := scanWell(rows)
		if err != nil {
			return nil, err
		}
		wells = append(wells, w)
	}
	return wells, rows.Err()
}

func (s *Store) ListWells() ([]models.Well, error) {
	return s.listWells("")
}

// ListWellsToDeliver returns wells flagged for delivery that are not deregistered.
func (s *Store) ListWellsToDeliver() ([]models.Well, error) {
	return s.listWells("deliver_to_registry = TRUE AND deregistered = FALSE")
}

// ListWellsWithCorrection returns registered wells that carry a correction reason.
func (s *Store) ListWellsWithCorrection() ([]models.Well, error) {
	return s.listWells("correction_reason IS NOT NULL AND correction_reason != '' AND bro_id IS NOT NULL")
}

func (s *Store) SetWellBroID(id int64, broID string) error {
	_, err := s.q.Exec(`UPDATE wells SET bro_id = ?, registration_time = COALESCE(registration_time, ?) WHERE id = ?`,
		broID, dbTime(time.Now()), id)
	return err
}

func (s *Store) SetWellComplete(id int64, complete bool) error {
	_, err := s.q.Exec(`UPDATE wells SET complete_for_registry = ? WHERE id = ?`, complete, id)
	return err
}

func (s *Store) SetWellObjectID(id int64, objectID string) error {
	_, err := s.q.Exec(`UPDATE wells SET object_id = ? WHERE id = ?`, objectID, id)
	return err
}

func (s *Store) ClearWellCorrectionReason(id int64) error {
	_, err := s.q.Exec(`UPDATE wells SET correction_reason = NULL WHERE id = ?`, id)
	return err
}

// ObjectIDTaken reports whether another well of owner already uses objectID.
func (s *Store) ObjectIDTaken(owner, objectID string, wellID int64) (bool, error) {
	var n int
	err := s.q.QueryRow(`SELECT COUNT(*) FROM wells WHERE owner = ? AND object_id = ? AND id != ?`,
		owner, objectID, wellID).Scan(&n)
	return n > 0, err
}

const wellDynamicColumns = `id, well_id, valid_from, ground_level_position, ground_level_positioning_method,
	well_head_protector, well_stability, owner, maintainer, comment`

func scanWellDynamic(row scanner) (models.WellDynamic, error) {
	var d models.WellDynamic
	err := row.Scan(&d.ID, &d.WellID, &d.ValidFrom, &d.GroundLevelPosition, &d.GroundLevelPositioningMethod,
		&d.WellHeadProtector, &d.WellStability, &d.Owner, &d.Maintainer, &d.Comment)
	return d, err
}

// InsertWellDynamic appends a dynamic snapshot. Snapshots are never rewritten.
func (s *Store) InsertWellDynamic(d models.WellDynamic) (int64, error) {
	result, err := s.q.Exec(`
		INSERT INTO well_dynamics (well_id, valid_from, ground_level_position, ground_level_positioning_method,
			well_head_protector, well_stability, owner, maintainer, comment)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, d.WellID, dbTime(d.ValidFrom), d.GroundLevelPosition, d.GroundLevelPositioningMethod,
		d.WellHeadProtector, d.WellStability, d.Owner, d.Maintainer, d.Comment)
	if err != nil {
		return 0, fmt.Errorf("insert well dynamic: %w", err)
	}
	return result.LastInsertId()
}

func (s *Store) GetWellDynamic(id int64) (*models.WellDynamic, error) {
	d, err := scanWellDynamic(s.q.QueryRow(`SELECT `+wellDynamicColumns+` FROM well_dynamics WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// ListWellDynamics returns the snapshots of a well ordered by validity.
func (s *Store) ListWellDynamics(wellID int64) ([]models.WellDynamic, error) {
	rows, err := s.q.Query(`SELECT `+wellDynamicColumns+` FROM well_dynamics WHERE well_id = ? ORDER BY valid_from, id`, wellID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.WellDynamic
	for rows.Next() {
		d, err := scanWellDynamic(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *Store) LatestWellDynamic(wellID int64) (*models.WellDynamic, error) {
	d, err := scanWellDynamic(s.q.QueryRow(`SELECT `+wellDynamicColumns+` FROM well_dynamics
		WHERE well_id = ? ORDER BY valid_from DESC, id DESC LIMIT 1`, wellID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}
