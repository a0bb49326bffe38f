package store

import (
	"database/sql"
	"fmt"

	"github.com/lox/broconnector/internal/models"
)

const frdColumns = `id, tube_id, bro_id, quality_regime, delivery_accountable_party, object_id_accountable_party, correction_reason`

func scanFRD(row scanner) (models.FRD, error) {
	var f models.FRD
	err := row.Scan(&f.ID, &f.TubeID, &f.BroID, &f.QualityRegime, &f.DeliveryAccountableParty,
		&f.ObjectIDAccountableParty, &f.CorrectionReason)
	return f, err
}

func (s *Store) InsertFRD(f models.FRD) (int64, error) {
	result, err := s.q.Exec(`
		INSERT INTO frds (tube_id, bro_id, quality_regime, delivery_accountable_party, object_id_accountable_party, correction_reason)
		VALUES (?, ?, ?, ?, ?, ?)
	`, f.TubeID, f.BroID, f.QualityRegime, f.DeliveryAccountableParty, f.ObjectIDAccountableParty, f.CorrectionReason)
	if err != nil {
		return 0, fmt.Errorf("insert frd: %w", err)
	}
	return result.LastInsertId()
}

func (s *Store) getFRD(where string, args ...any) (*models.FRD, error) {
	f, err := scanFRD(s.q.QueryRow(`SELECT `+frdColumns+` FROM frds WHERE `+where, args...))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &f, nil
}

func (s *Store) GetFRD(id int64) (*models.FRD, error) {
	return s.getFRD("id = ?", id)
}

func (s *Store) GetFRDByBroID(broID string) (*models.FRD, error) {
	return s.getFRD("bro_id = ?", broID)
}

func (s *Store) GetFRDByTube(tubeID int64, regime string) (*models.FRD, error) {
	return s.getFRD("tube_id = ? AND quality_regime = ?", tubeID, regime)
}

func (s *Store) listFRDs(where string, args ...any) ([]models.FRD, error) {
	query := `SELECT ` + frdColumns + ` FROM frds`
	if where != "" {
		query += ` WHERE ` + where
	}
	rows, err := s.q.Query(query+` ORDER BY id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.FRD
	for rows.Next() {
		f, err := scanFRD(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (s *Store) ListFRDs() ([]models.FRD, error) {
	return s.listFRDs("")
}

func (s *Store) ListFRDsWithCorrection() ([]models.FRD, error) {
	return s.listFRDs("correction_reason IS NOT NULL AND correction_reason != '' AND bro_id IS NOT NULL")
}

func (s *Store) SetFRDBroID(id int64, broID string) error {
	_, err := s.q.Exec(`UPDATE frds SET bro_id = ? WHERE id = ?`, broID, id)
	return err
}

func (s *Store) ClearFRDCorrectionReason(id int64) error {
	_, err := s.q.Exec(`UPDATE frds SET correction_reason = NULL WHERE id = ?`, id)
	return err
}
