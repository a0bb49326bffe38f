package store

import (
	"bytes"
	"compress/gzip"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"io"
	"time"
)

// StoreRegistryDocument archives a compressed Registry response for a BRO id.
// It returns the document id, or 0 when the same payload was already archived.
func (s *Store) StoreRegistryDocument(runID int64, kind, broID string, payload []byte) (int64, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(payload); err != nil {
		return 0, fmt.Errorf("compress document: %w", err)
	}
	if err := gz.Close(); err != nil {
		return 0, fmt.Errorf("close gzip: %w", err)
	}

	var run sql.NullInt64
	if runID != 0 {
		run = sql.NullInt64{Int64: runID, Valid: true}
	}

	result, err := s.q.Exec(`
		INSERT INTO registry_documents (run_id, fetched_at, kind, bro_id, payload_compressed, payload_hash)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(bro_id, payload_hash) DO NOTHING
	`, run, time.Now().UTC(), kind, broID, buf.Bytes(), PayloadHash(payload))
	if err != nil {
		return 0, fmt.Errorf("insert registry document: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil || n == 0 {
		return 0, err
	}
	return result.LastInsertId()
}

func PayloadHash(payload []byte) string {
	hash := sha256.Sum256(payload)
	return hex.EncodeToString(hash[:])
}

// LatestRegistryDocument returns the most recently archived payload for broID,
// or nil when none exists.
func (s *Store) LatestRegistryDocument(broID string) ([]byte, error) {
	var compressed []byte
	err := s.q.QueryRow(`SELECT payload_compressed FROM registry_documents
		WHERE bro_id = ? ORDER BY fetched_at DESC, id DESC LIMIT 1`, broID).Scan(&compressed)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	gz, err := gzip.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, fmt.Errorf("create gzip reader: %w", err)
	}
	defer gz.Close()

	return io.ReadAll(gz)
}

// HasRegistryDocument reports whether the exact payload was archived for broID.
func (s *Store) HasRegistryDocument(broID string, payload []byte) (bool, error) {
	var n int
	err := s.q.QueryRow(`SELECT COUNT(*) FROM registry_documents WHERE bro_id = ? AND payload_hash = ?`,
		broID, PayloadHash(payload)).Scan(&n)
	return n > 0, err
}
