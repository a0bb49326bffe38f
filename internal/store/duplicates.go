package store

import (
	"time"
)

// DuplicateMark records the position of one record within a duplicate group.
type DuplicateMark struct {
	GroupKey  string
	BroID     string
	Position  int
	Score     float64
	Canonical bool
	MarkedAt  time.Time
}

// ReplaceDuplicateMarks rewrites the marks of one group.
func (s *Store) ReplaceDuplicateMarks(groupKey string, marks []DuplicateMark) error {
	return s.WithTx(func(tx *Store) error {
		if _, err := tx.q.Exec(`DELETE FROM duplicate_marks WHERE group_key = ?`, groupKey); err != nil {
			return Wrap("clear duplicate marks", err)
		}
		now := dbTime(time.Now())
		for _, m := range marks {
			if _, err := tx.q.Exec(`
				INSERT INTO duplicate_marks (group_key, bro_id, position, score, canonical, marked_at)
				VALUES (?, ?, ?, ?, ?, ?)
			`, groupKey, m.BroID, m.Position, m.Score, m.Canonical, now); err != nil {
				return Wrap("insert duplicate mark", err)
			}
		}
		return nil
	})
}

func (s *Store) ListDuplicateMarks(groupKey string) ([]DuplicateMark, error) {
	rows, err := s.q.Query(`
		SELECT group_key, bro_id, position, score, canonical, marked_at
		FROM duplicate_marks WHERE group_key = ? ORDER BY position
	`, groupKey)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []DuplicateMark
	for rows.Next() {
		var m DuplicateMark
		if err := rows.Scan(&m.GroupKey, &m.BroID, &m.Position, &m.Score, &m.Canonical, &m.MarkedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
