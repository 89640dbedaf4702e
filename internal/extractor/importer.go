package extractor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/masahif/linkrecall/internal/history"
	"github.com/masahif/linkrecall/internal/storage"
)

// DefaultDeviceID is used when a file is imported without a device name
const DefaultDeviceID = "default"

const defaultBatchSize = 500

// Store is the part of the History Store the importer writes to
type Store interface {
	UpsertVisits(ctx context.Context, raws []history.RawVisit, deviceID string) (storage.BatchResult, error)
	EnqueueMany(ctx context.Context, ids []string) (int, error)
	FindImport(ctx context.Context, fingerprint, deviceID string) (*storage.ImportRecord, error)
	RecordImport(ctx context.Context, rec storage.ImportRecord) error
}

// ImportOptions controls an import
type ImportOptions struct {
	Force     bool // Re-import files already in the ledger
	BatchSize int  // Visits per store transaction
}

// ImportStats reports the outcome of importing one file
type ImportStats struct {
	ImportID        string  `json:"import_id,omitempty"`
	Path            string  `json:"path"`
	DeviceID        string  `json:"device_id"`
	Dialect         Dialect `json:"dialect,omitempty"`
	Fingerprint     string  `json:"fingerprint"`
	VisitsRead      int     `json:"visits_read"`
	VisitsStored    int     `json:"visits_stored"`
	URLsTouched     int     `json:"urls_touched"`
	Enqueued        int     `json:"enqueued"`
	Skipped         int     `json:"skipped"`  // Non-web or malformed URLs
	Warnings        int     `json:"warnings"` // Unparseable rows
	AlreadyImported bool    `json:"already_imported,omitempty"`
}

// FileSpec names one file to import
type FileSpec struct {
	Path     string `json:"path"`
	DeviceID string `json:"device_id,omitempty"`
}

// FailedFile is a file ImportFiles could not import
type FailedFile struct {
	Path  string `json:"path"`
	Error string `json:"error"`
	Err   error  `json:"-"`
}

// Report is the result of ImportFiles
type Report struct {
	Imported []*ImportStats `json:"imported"`
	Failed   []FailedFile   `json:"failed"`
}

// Importer streams source history files into the store and enqueues the
// touched URLs for enrichment
type Importer struct {
	store Store
}

// NewImporter creates an importer writing to store
func NewImporter(store Store) *Importer {
	return &Importer{store: store}
}

// Import imports one file. A file whose fingerprint was already imported
// from the same device is skipped unless opts.Force is set.
func (im *Importer) Import(ctx context.Context, path, deviceID string, opts ImportOptions) (*ImportStats, error) {
	if deviceID == "" {
		deviceID = DefaultDeviceID
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}

	fingerprint, err := Fingerprint(path)
	if err != nil {
		return nil, err
	}
	stats := &ImportStats{Path: path, DeviceID: deviceID, Fingerprint: fingerprint}

	if !opts.Force {
		prev, err := im.store.FindImport(ctx, fingerprint, deviceID)
		if err != nil {
			return nil, err
		}
		if prev != nil {
			slog.Info("Skipping already imported file", "path", path, "device", deviceID, "import_id", prev.ID)
			stats.ImportID = prev.ID
			stats.Dialect = Dialect(prev.Dialect)
			stats.AlreadyImported = true
			return stats, nil
		}
	}

	src, err := Open(ctx, path, deviceID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = src.Close() }()
	stats.Dialect = src.Dialect()

	slog.Info("Importing history", "path", path, "device", deviceID, "dialect", src.Dialect())

	touched := make(map[string]bool)
	batch := make([]history.RawVisit, 0, opts.BatchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		res, err := im.store.UpsertVisits(ctx, batch, deviceID)
		if err != nil {
			return err
		}
		stats.VisitsStored += res.Visits
		stats.Skipped += res.Skipped

		var fresh []string
		for _, id := range res.URLIDs {
			if !touched[id] {
				touched[id] = true
				fresh = append(fresh, id)
			}
		}
		n, err := im.store.EnqueueMany(ctx, fresh)
		if err != nil {
			return err
		}
		stats.Enqueued += n
		batch = batch[:0]
		return nil
	}

	for v, err := range src.Visits(ctx) {
		if err != nil {
			return nil, err
		}
		stats.VisitsRead++
		batch = append(batch, v)
		if len(batch) >= opts.BatchSize {
			if err := flush(); err != nil {
				return nil, err
			}
		}
	}
	if err := flush(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	stats.URLsTouched = len(touched)
	stats.Warnings = src.Warnings()
	stats.ImportID = uuid.NewString()

	err = im.store.RecordImport(ctx, storage.ImportRecord{
		ID:             stats.ImportID,
		SourcePath:     path,
		SourceDeviceID: deviceID,
		Fingerprint:    fingerprint,
		Dialect:        string(stats.Dialect),
		VisitsRead:     stats.VisitsRead,
		URLsTouched:    stats.URLsTouched,
		Warnings:       stats.Warnings,
	})
	if err != nil {
		return nil, err
	}

	slog.Info("Imported history",
		"path", path,
		"visits", stats.VisitsRead,
		"urls", stats.URLsTouched,
		"skipped", stats.Skipped,
		"warnings", stats.Warnings)
	return stats, nil
}

// ImportFiles imports each file in turn. A failing file is reported in
// Report.Failed and never stops the others; only cancellation does.
func (im *Importer) ImportFiles(ctx context.Context, files []FileSpec, opts ImportOptions) *Report {
	report := &Report{Imported: []*ImportStats{}, Failed: []FailedFile{}}
	for _, f := range files {
		if ctx.Err() != nil {
			report.Failed = append(report.Failed, FailedFile{Path: f.Path, Error: ctx.Err().Error(), Err: ctx.Err()})
			continue
		}
		stats, err := im.Import(ctx, f.Path, f.DeviceID, opts)
		if err != nil {
			slog.Error("Failed to import history file", "path", f.Path, "error", err)
			report.Failed = append(report.Failed, FailedFile{Path: f.Path, Error: err.Error(), Err: err})
			continue
		}
		report.Imported = append(report.Imported, stats)
	}
	return report
}

// Fingerprint returns the hex SHA-256 of the file contents
func Fingerprint(path string) (string, error) {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return "", &history.SourceError{Path: path, Err: fmt.Errorf("%w: %v", history.ErrSourceUnreadable, err)}
	}
	defer func() { _ = f.Close() }()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", &history.SourceError{Path: path, Err: fmt.Errorf("%w: %v", history.ErrSourceUnreadable, err)}
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
