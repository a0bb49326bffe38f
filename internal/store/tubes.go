package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/lox/broconnector/internal/models"
)

const tubeColumns = `id, well_id, tube_number, tube_type, artesian_well_cap_present, sediment_sump_present,
	sediment_sump_length, screen_length, tube_material, number_of_geo_ohm_cables`

func scanTube(row scanner) (models.Tube, error) {
	var t models.Tube
	err := row.Scan(&t.ID, &t.WellID, &t.TubeNumber, &t.TubeType, &t.ArtesianWellCapPresent,
		&t.SedimentSumpPresent, &t.SedimentSumpLength, &t.ScreenLength, &t.TubeMaterial, &t.NumberOfGeoOhmCables)
	return t, err
}

func (s *Store) InsertTube(t models.Tube) (int64, error) {
	result, err := s.q.Exec(`
		INSERT INTO tubes (well_id, tube_number, tube_type, artesian_well_cap_present, sediment_sump_present,
			sediment_sump_length, screen_length, tube_material, number_of_geo_ohm_cables)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, t.WellID, t.TubeNumber, t.TubeType, t.ArtesianWellCapPresent, t.SedimentSumpPresent,
		t.SedimentSumpLength, t.ScreenLength, t.TubeMaterial, t.NumberOfGeoOhmCables)
	if err != nil {
		return 0, fmt.Errorf("insert tube %d: %w", t.TubeNumber, err)
	}
	return result.LastInsertId()
}

func (s *Store) GetTube(id int64) (*models.Tube, error) {
	t, err := scanTube(s.q.QueryRow(`SELECT `+tubeColumns+` FROM tubes WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *Store) GetTubeByNumber(wellID int64, number int) (*models.Tube, error) {
	t, err := scanTube(s.q.QueryRow(`SELECT `+tubeColumns+` FROM tubes WHERE well_id = ? AND tube_number = ?`, wellID, number))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *Store) ListTubes(wellID int64) ([]models.Tube, error) {
	rows, err := s.q.Query(`SELECT `+tubeColumns+` FROM tubes WHERE well_id = ? ORDER BY tube_number`, wellID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tubes []models.Tube
	for rows.Next() {
		t, err := scanTube(rows)
		if err != nil {
			return nil, err
		}
		tubes = append(tubes, t)
	}
	return tubes, rows.Err()
}

const tubeDynamicColumns = `id, tube_id, valid_from, tube_top_position, tube_top_positioning_method,
	plain_tube_part_length, tube_top_diameter, variable_diameter, tube_status, tube_packing_material, glue,
	inserted_part_length, inserted_part_diameter, inserted_part_material, sensor_depth`

func scanTubeDynamic(row scanner) (models.TubeDynamic, error) {
	var d models.TubeDynamic
	err := row.Scan(&d.ID, &d.TubeID, &d.ValidFrom, &d.TubeTopPosition, &d.TubeTopPositioningMethod,
		&d.PlainTubePartLength, &d.TubeTopDiameter, &d.VariableDiameter, &d.TubeStatus, &d.TubePackingMaterial,
		&d.Glue, &d.InsertedPartLength, &d.InsertedPartDiameter, &d.InsertedPartMaterial, &d.SensorDepth)
	return d, err
}

func (s *Store) InsertTubeDynamic(d models.TubeDynamic) (int64, error) {
	result, err := s.q.Exec(`
		INSERT INTO tube_dynamics (tube_id, valid_from, tube_top_position, tube_top_positioning_method,
			plain_tube_part_length, tube_top_diameter, variable_diameter, tube_status, tube_packing_material, glue,
			inserted_part_length, inserted_part_diameter, inserted_part_material, sensor_depth)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, d.TubeID, dbTime(d.ValidFrom), d.TubeTopPosition, d.TubeTopPositioningMethod, d.PlainTubePartLength,
		d.TubeTopDiameter, d.VariableDiameter, d.TubeStatus, d.TubePackingMaterial, d.Glue,
		d.InsertedPartLength, d.InsertedPartDiameter, d.InsertedPartMaterial, d.SensorDepth)
	if err != nil {
		return 0, fmt.Errorf("insert tube dynamic: %w", err)
	}
	return result.LastInsertId()
}

func (s *Store) GetTubeDynamic(id int64) (*models.TubeDynamic, error) {
	d, err := scanTubeDynamic(s.q.QueryRow(`SELECT `+tubeDynamicColumns+` FROM tube_dynamics WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (s *Store) ListTubeDynamics(tubeID int64) ([]models.TubeDynamic, error) {
	rows, err := s.q.Query(`SELECT `+tubeDynamicColumns+` FROM tube_dynamics WHERE tube_id = ? ORDER BY valid_from, id`, tubeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.TubeDynamic
	for rows.Next() {
		d, err := scanTubeDynamic(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// TubeDynamicAt returns the snapshot whose validity interval contains t.
// Measurements before the first snapshot fall back to the earliest one.
func (s *Store) TubeDynamicAt(tubeID int64, t time.Time) (*models.TubeDynamic, error) {
	d, err := scanTubeDynamic(s.q.QueryRow(`SELECT `+tubeDynamicColumns+` FROM tube_dynamics
		WHERE tube_id = ? AND valid_from <= ? ORDER BY valid_from DESC, id DESC LIMIT 1`, tubeID, dbTime(t)))
	if err == sql.ErrNoRows {
		d, err = scanTubeDynamic(s.q.QueryRow(`SELECT `+tubeDynamicColumns+` FROM tube_dynamics
			WHERE tube_id = ? ORDER BY valid_from, id LIMIT 1`, tubeID))
	}
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (s *Store) InsertGeoOhmCable(c models.GeoOhmCable) (int64, error) {
	result, err := s.q.Exec(`INSERT INTO geo_ohm_cables (tube_id, cable_number) VALUES (?, ?)`, c.TubeID, c.CableNumber)
	if err != nil {
		return 0, fmt.Errorf("insert geo ohm cable: %w", err)
	}
	return result.LastInsertId()
}

func (s *Store) ListGeoOhmCables(tubeID int64) ([]models.GeoOhmCable, error) {
	rows, err := s.q.Query(`SELECT id, tube_id, cable_number FROM geo_ohm_cables WHERE tube_id = ? ORDER BY cable_number`, tubeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.GeoOhmCable
	for rows.Next() {
		var c models.GeoOhmCable
		if err := rows.Scan(&c.ID, &c.TubeID, &c.CableNumber); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) InsertElectrode(e models.Electrode) (int64, error) {
	result, err := s.q.Exec(`
		INSERT INTO electrodes (cable_id, electrode_number, status, packing_material, position)
		VALUES (?, ?, ?, ?, ?)
	`, e.CableID, e.Number, e.Status, e.PackingMaterial, e.Position)
	if err != nil {
		return 0, fmt.Errorf("insert electrode: %w", err)
	}
	return result.LastInsertId()
}

// UpdateElectrodeStatus records a new electrode status from an electrode-status event.
func (s *Store) UpdateElectrodeStatus(id int64, status string) error {
	_, err := s.q.Exec(`UPDATE electrodes SET status = ? WHERE id = ?`, status, id)
	return err
}

const electrodeColumns = `id, cable_id, electrode_number, status, packing_material, position`

func scanElectrode(row scanner) (models.Electrode, error) {
	var e models.Electrode
	err := row.Scan(&e.ID, &e.CableID, &e.Number, &e.Status, &e.PackingMaterial, &e.Position)
	return e, err
}

func (s *Store) GetElectrode(id int64) (*models.Electrode, error) {
	e, err := scanElectrode(s.q.QueryRow(`SELECT `+electrodeColumns+` FROM electrodes WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *Store) ListElectrodes(cableID int64) ([]models.Electrode, error) {
	rows, err := s.q.Query(`SELECT `+electrodeColumns+` FROM electrodes WHERE cable_id = ? ORDER BY electrode_number`, cableID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Electrode
	for rows.Next() {
		e, err := scanElectrode(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// InsertEvent stores an event and its links to snapshots and electrodes.
func (s *Store) InsertEvent(e models.Event) (int64, error) {
	var id int64
	err := s.WithTx(func(tx *Store) error {
		result, err := tx.q.Exec(`
			INSERT INTO events (well_id, name, event_date, well_dynamic_id, delivered_to_registry, correction_reason)
			VALUES (?, ?, ?, ?, ?, ?)
		`, e.WellID, e.Name, dbTime(e.Date), e.WellDynamicID, e.DeliveredToRegistry, e.CorrectionReason)
		if err != nil {
			return fmt.Errorf("insert event %s: %w", e.Name, err)
		}
		if id, err = result.LastInsertId(); err != nil {
			return err
		}
		for _, td := range e.TubeDynamicIDs {
			if _, err := tx.q.Exec(`INSERT OR IGNORE INTO event_tube_dynamics (event_id, tube_dynamic_id) VALUES (?, ?)`, id, td); err != nil {
				return fmt.Errorf("link tube dynamic: %w", err)
			}
		}
		for _, el := range e.ElectrodeIDs {
			if _, err := tx.q.Exec(`INSERT OR IGNORE INTO event_electrodes (event_id, electrode_id) VALUES (?, ?)`, id, el); err != nil {
				return fmt.Errorf("link electrode: %w", err)
			}
		}
		return nil
	})
	return id, err
}

func (s *Store) loadEventLinks(e *models.Event) error {
	ids, err := s.int64s(`SELECT tube_dynamic_id FROM event_tube_dynamics WHERE event_id = ? ORDER BY tube_dynamic_id`, e.ID)
	if err != nil {
		return err
	}
	e.TubeDynamicIDs = ids
	ids, err = s.int64s(`SELECT electrode_id FROM event_electrodes WHERE event_id = ? ORDER BY electrode_id`, e.ID)
	if err != nil {
		return err
	}
	e.ElectrodeIDs = ids
	return nil
}

func (s *Store) int64s(query string, args ...any) ([]int64, error) {
	rows, err := s.q.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var v int64
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

const eventColumns = `id, well_id, name, event_date, well_dynamic_id, delivered_to_registry, correction_reason`

func scanEvent(row scanner) (models.Event, error) {
	var e models.Event
	err := row.Scan(&e.ID, &e.WellID, &e.Name, &e.Date, &e.WellDynamicID, &e.DeliveredToRegistry, &e.CorrectionReason)
	return e, err
}

func (s *Store) GetEvent(id int64) (*models.Event, error) {
	e, err := scanEvent(s.q.QueryRow(`SELECT `+eventColumns+` FROM events WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := s.loadEventLinks(&e); err != nil {
		return nil, err
	}
	return &e, nil
}

// ListEvents returns the events of a well in the order they happened.
// Construction sorts first on equal dates.
func (s *Store) ListEvents(wellID int64) ([]models.Event, error) {
	rows, err := s.q.Query(`SELECT `+eventColumns+` FROM events WHERE well_id = ?
		ORDER BY CASE WHEN name = ? THEN 0 ELSE 1 END, event_date, id`, wellID, models.EventConstruction)
	if err != nil {
		return nil, err
	}

	var events []models.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		events = append(events, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range events {
		if err := s.loadEventLinks(&events[i]); err != nil {
			return nil, err
		}
	}
	return events, nil
}

func (s *Store) SetEventDelivered(id int64, delivered bool) error {
	_, err := s.q.Exec(`UPDATE events SET delivered_to_registry = ? WHERE id = ?`, delivered, id)
	return err
}

func (s *Store) ClearEventCorrectionReason(id int64) error {
	_, err := s.q.Exec(`UPDATE events SET correction_reason = NULL WHERE id = ?`, id)
	return err
}
