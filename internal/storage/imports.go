package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ImportRecord is one entry of the import ledger
type ImportRecord struct {
	ID             string    `json:"id"`
	SourcePath     string    `json:"source_path"`
	SourceDeviceID string    `json:"source_device_id"`
	Fingerprint    string    `json:"fingerprint"`
	Dialect        string    `json:"dialect"`
	VisitsRead     int       `json:"visits_read"`
	URLsTouched    int       `json:"urls_touched"`
	Warnings       int       `json:"warnings"`
	ImportedAt     time.Time `json:"imported_at"`
}

// FindImport returns the latest import of a file fingerprint from a device,
// or nil if it was never imported
func (s *Store) FindImport(ctx context.Context, fingerprint, deviceID string) (*ImportRecord, error) {
	var rec ImportRecord
	var importedAt int64
	err := s.db.QueryRowContext(ctx, `
		SELECT id, source_path, source_device_id, fingerprint, dialect,
		       visits_read, urls_touched, warnings, imported_at
		FROM imports
		WHERE fingerprint = ? AND source_device_id = ?
		ORDER BY imported_at DESC
		LIMIT 1
	`, fingerprint, deviceID).Scan(&rec.ID, &rec.SourcePath, &rec.SourceDeviceID, &rec.Fingerprint,
		&rec.Dialect, &rec.VisitsRead, &rec.URLsTouched, &rec.Warnings, &importedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find import: %w", err)
	}
	rec.ImportedAt = fromMillis(importedAt)
	return &rec, nil
}

// RecordImport appends rec to the ledger; ImportedAt defaults to now
func (s *Store) RecordImport(ctx context.Context, rec ImportRecord) error {
	if rec.ImportedAt.IsZero() {
		rec.ImportedAt = s.now()
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO imports (id, source_path, source_device_id, fingerprint, dialect,
			                     visits_read, urls_touched, warnings, imported_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, rec.ID, rec.SourcePath, rec.SourceDeviceID, rec.Fingerprint, rec.Dialect,
			rec.VisitsRead, rec.URLsTouched, rec.Warnings, toMillis(rec.ImportedAt))
		if err != nil {
			return fmt.Errorf("failed to record import: %w", err)
		}
		return nil
	})
}

// ListImports returns the ledger, most recent first
func (s *Store) ListImports(ctx context.Context) ([]ImportRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, source_path, source_device_id, fingerprint, dialect,
		       visits_read, urls_touched, warnings, imported_at
		FROM imports
		ORDER BY imported_at DESC, id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list imports: %w", err)
	}
	defer closeRows(rows)

	records := []ImportRecord{}
	for rows.Next() {
		var rec ImportRecord
		var importedAt int64
		if err := rows.Scan(&rec.ID, &rec.SourcePath, &rec.SourceDeviceID, &rec.Fingerprint,
			&rec.Dialect, &rec.VisitsRead, &rec.URLsTouched, &rec.Warnings, &importedAt); err != nil {
			return nil, fmt.Errorf("failed to scan import: %w", err)
		}
		rec.ImportedAt = fromMillis(importedAt)
		records = append(records, rec)
	}
	return records, rows.Err()
}
