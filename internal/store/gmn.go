package store

import (
	"database/sql"
	"fmt"

	"github.com/lox/broconnector/internal/models"
)

// UpsertGMN inserts or refreshes a monitoring network and returns its id.
func (s *Store) UpsertGMN(g models.GMN) (int64, error) {
	_, err := s.q.Exec(`
		INSERT INTO gmns (bro_id, name, delivery_context, monitoring_purpose, groundwater_aspect, start_date)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(bro_id) DO UPDATE SET
			name = excluded.name,
			delivery_context = excluded.delivery_context,
			monitoring_purpose = excluded.monitoring_purpose,
			groundwater_aspect = excluded.groundwater_aspect,
			start_date = excluded.start_date
	`, g.BroID, g.Name, g.DeliveryContext, g.MonitoringPurpose, g.GroundwaterAspect, nullTime(g.StartDate))
	if err != nil {
		return 0, fmt.Errorf("upsert gmn %s: %w", g.BroID, err)
	}
	var id int64
	if err := s.q.QueryRow(`SELECT id FROM gmns WHERE bro_id = ?`, g.BroID).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func (s *Store) GetGMNByBroID(broID string) (*models.GMN, error) {
	var g models.GMN
	err := s.q.QueryRow(`
		SELECT id, bro_id, name, delivery_context, monitoring_purpose, groundwater_aspect, start_date
		FROM gmns WHERE bro_id = ?
	`, broID).Scan(&g.ID, &g.BroID, &g.Name, &g.DeliveryContext, &g.MonitoringPurpose, &g.GroundwaterAspect, &g.StartDate)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &g, nil
}

func (s *Store) UpsertGMNMeasuringPoint(p models.GMNMeasuringPoint) error {
	_, err := s.q.Exec(`
		INSERT INTO gmn_measuring_points (gmn_id, code, well_bro_id, tube_number, start_date)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(gmn_id, code) DO UPDATE SET
			well_bro_id = excluded.well_bro_id,
			tube_number = excluded.tube_number,
			start_date = excluded.start_date
	`, p.GMNID, p.Code, p.WellBroID, p.TubeNumber, nullTime(p.StartDate))
	return err
}

func (s *Store) ListGMNMeasuringPoints(gmnID int64) ([]models.GMNMeasuringPoint, error) {
	rows, err := s.q.Query(`
		SELECT id, gmn_id, code, well_bro_id, tube_number, start_date
		FROM gmn_measuring_points WHERE gmn_id = ? ORDER BY code
	`, gmnID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.GMNMeasuringPoint
	for rows.Next() {
		var p models.GMNMeasuringPoint
		if err := rows.Scan(&p.ID, &p.GMNID, &p.Code, &p.WellBroID, &p.TubeNumber, &p.StartDate); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
