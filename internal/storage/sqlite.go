// Package storage provides data persistence for linkrecall.
// It implements the SQLite-backed History Store (urls, visits, metadata,
// import ledger) and the Enrichment Queue, which lives on the metadata table.
package storage

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/masahif/linkrecall/internal/config"
	"github.com/masahif/linkrecall/internal/history"
)

// Options configures a Store
type Options struct {
	MergeGranularity time.Duration
	MaxOpenConns     int
	BusyTimeout      time.Duration
	ConflictRetries  int

	LeaseTimeout time.Duration
	MaxRetries   int
	// Backoff returns the delay before an item that has failed retryCount
	// times becomes claimable again
	Backoff func(retryCount int) time.Duration

	// Now is the clock used for all timestamps; time.Now when nil
	Now func() time.Time
}

// DefaultOptions mirrors config.DefaultConfig
func DefaultOptions() Options {
	return OptionsFromConfig(config.DefaultConfig(), nil)
}

// OptionsFromConfig builds store options; backoff may be nil for a fixed
// delay of queue.backoff_base
func OptionsFromConfig(cfg *config.Config, backoff func(int) time.Duration) Options {
	if backoff == nil {
		base := cfg.Queue.BackoffBase
		backoff = func(int) time.Duration { return base }
	}
	return Options{
		MergeGranularity: cfg.Store.MergeGranularity,
		MaxOpenConns:     cfg.Store.MaxOpenConns,
		BusyTimeout:      cfg.Store.BusyTimeout,
		ConflictRetries:  cfg.Store.ConflictRetries,
		LeaseTimeout:     cfg.Queue.LeaseTimeout,
		MaxRetries:       cfg.Queue.MaxRetries,
		Backoff:          backoff,
	}
}

// Store is the SQLite History Store and Enrichment Queue
type Store struct {
	db   *sql.DB
	opts Options
	now  func() time.Time
}

// Open opens (creating if needed) the database at path and applies migrations
func Open(ctx context.Context, path string, opts Options) (*Store, error) {
	if opts.MergeGranularity <= 0 {
		opts.MergeGranularity = time.Minute
	}
	if opts.MaxOpenConns <= 0 {
		opts.MaxOpenConns = 1
	}
	if opts.BusyTimeout <= 0 {
		opts.BusyTimeout = 30 * time.Second
	}
	if opts.LeaseTimeout <= 0 {
		opts.LeaseTimeout = 2 * time.Minute
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 5
	}
	if opts.Backoff == nil {
		opts.Backoff = func(int) time.Duration { return 30 * time.Second }
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dsn(path, opts.BusyTimeout))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(opts.MaxOpenConns)
	db.SetMaxIdleConns(opts.MaxOpenConns)
	db.SetConnMaxLifetime(30 * time.Minute)

	s := &Store{db: db, opts: opts, now: now}

	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return s, nil
}

// dsn applies pragmas per connection so every pooled connection gets them.
// Transactions begin IMMEDIATE so writers queue on busy_timeout instead of
// failing on lock upgrade.
func dsn(path string, busy time.Duration) string {
	q := url.Values{}
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busy.Milliseconds()))
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "foreign_keys(1)")
	q.Add("_pragma", "synchronous(NORMAL)")
	q.Add("_pragma", "temp_store(MEMORY)")
	q.Set("_txlock", "immediate")
	return "file:" + path + "?" + q.Encode()
}

// DB exposes the handle so collaborators (the vector index) can share the file
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// SchemaVersion returns the highest applied migration
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	var v int
	err := s.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	return v, nil
}

func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, versionTableSQL); err != nil {
		return fmt.Errorf("failed to create schema_version: %w", err)
	}

	current, err := s.SchemaVersion(ctx)
	if err != nil {
		return err
	}

	for i := current; i < len(migrations); i++ {
		version := i + 1
		err := s.withTx(ctx, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, migrations[i]); err != nil {
				return err
			}
			_, err := tx.ExecContext(ctx,
				"INSERT INTO schema_version (version, applied_at) VALUES (?, ?)",
				version, toMillis(s.now()))
			return err
		})
		if err != nil {
			return fmt.Errorf("failed to apply migration %d: %w", version, err)
		}
	}
	return nil
}

// withTx runs fn in a transaction, retrying the whole transaction with
// exponential backoff while SQLite reports lock contention. Callers only
// see ErrConcurrencyConflict once the retries are exhausted.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 20 * time.Millisecond
	b.MaxInterval = 500 * time.Millisecond

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := s.runTx(ctx, fn)
		if err != nil && !isBusy(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(uint(s.opts.ConflictRetries)+1))

	if err != nil && isBusy(err) {
		return fmt.Errorf("%w: %v", history.ErrConcurrencyConflict, err)
	}
	return err
}

func (s *Store) runTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// isBusy reports whether err is SQLite lock contention
func isBusy(err error) bool {
	if err == nil {
		return false
	}
	var serr *sqlite.Error
	if errors.As(err, &serr) {
		switch serr.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return true
		}
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked")
}

func toMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nullMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMillis(v.Int64)
	return &t
}

func closeRows(rows *sql.Rows) {
	if err := rows.Close(); err != nil {
		slog.Debug("Failed to close rows", "error", err)
	}
}

// foldFunc is the SQL name of the Unicode-aware lowercase function.
// SQLite's own lower() folds ASCII only.
const foldFunc = "fold"

func init() {
	sqlite.MustRegisterDeterministicScalarFunction(foldFunc, 1, func(_ *sqlite.FunctionContext, args []driver.Value) (driver.Value, error) {
		switch v := args[0].(type) {
		case string:
			return strings.ToLower(v), nil
		case []byte:
			return strings.ToLower(string(v)), nil
		case nil:
			return nil, nil
		default:
			return v, nil
		}
	})
}
