// Package extractor reads browser history databases and feeds their visits
// into the History Store.
package extractor

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"math"
	"net/url"
	"os"
	"strconv"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/masahif/linkrecall/internal/history"
)

// Dialect identifies the table layout of a source history file
type Dialect string

const (
	DialectSafari   Dialect = "safari"
	DialectChromium Dialect = "chromium"
)

const (
	// Safari stores seconds since 2001-01-01 UTC
	safariEpochOffset = 978307200
	// Chromium stores microseconds since 1601-01-01 UTC
	chromiumEpochOffset = 11644473600
)

// Source is an open, read-only browser history file
type Source struct {
	path     string
	deviceID string
	dialect  Dialect
	db       *sql.DB
	query    string

	warnings atomic.Int64
}

// Open opens path read-only and detects its dialect. Unreadable files fail
// with history.ErrSourceUnreadable, unknown layouts with history.ErrSchemaMismatch;
// both are wrapped in *history.SourceError.
func Open(ctx context.Context, path, deviceID string) (*Source, error) {
	fail := func(sentinel error, err error) error {
		return &history.SourceError{Path: path, Err: fmt.Errorf("%w: %v", sentinel, err)}
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, fail(history.ErrSourceUnreadable, err)
	}
	if info.IsDir() {
		return nil, fail(history.ErrSourceUnreadable, errors.New("is a directory"))
	}

	q := url.Values{}
	q.Set("mode", "ro")
	q.Add("_pragma", "busy_timeout(5000)")
	db, err := sql.Open("sqlite", "file:"+path+"?"+q.Encode())
	if err != nil {
		return nil, fail(history.ErrSourceUnreadable, err)
	}
	db.SetMaxOpenConns(1)

	s := &Source{path: path, deviceID: deviceID, db: db}
	if err := s.detect(ctx); err != nil {
		_ = db.Close()
		return nil, &history.SourceError{Path: path, Err: err}
	}
	return s, nil
}

// detect inspects sqlite_master and the column lists of the known layouts
func (s *Source) detect(ctx context.Context) error {
	tables, err := s.tables(ctx)
	if err != nil {
		// Not a database, encrypted, or locked
		return fmt.Errorf("%w: %v", history.ErrSourceUnreadable, err)
	}

	switch {
	case tables["history_items"] && tables["history_visits"]:
		s.dialect = DialectSafari
		items, err := s.columns(ctx, "history_items")
		if err != nil {
			return err
		}
		visits, err := s.columns(ctx, "history_visits")
		if err != nil {
			return err
		}
		if !items["id"] || !items["url"] || !visits["history_item"] || !visits["visit_time"] {
			return fmt.Errorf("%w: safari tables lack id/url/history_item/visit_time", history.ErrSchemaMismatch)
		}
		// Recent Safari versions keep the title on the visit, older ones on the item
		title := "''"
		switch {
		case visits["title"] && items["title"]:
			title = "COALESCE(v.title, i.title, '')"
		case visits["title"]:
			title = "COALESCE(v.title, '')"
		case items["title"]:
			title = "COALESCE(i.title, '')"
		}
		s.query = `SELECT i.url, ` + title + `, v.visit_time
			FROM history_visits v LEFT JOIN history_items i ON i.id = v.history_item
			ORDER BY v.visit_time ASC, v.rowid ASC`

	case tables["urls"] && tables["visits"]:
		s.dialect = DialectChromium
		urls, err := s.columns(ctx, "urls")
		if err != nil {
			return err
		}
		visits, err := s.columns(ctx, "visits")
		if err != nil {
			return err
		}
		if !urls["id"] || !urls["url"] || !visits["url"] || !visits["visit_time"] {
			return fmt.Errorf("%w: chromium tables lack id/url/visit_time", history.ErrSchemaMismatch)
		}
		title := "''"
		if urls["title"] {
			title = "COALESCE(u.title, '')"
		}
		s.query = `SELECT u.url, ` + title + `, v.visit_time
			FROM visits v LEFT JOIN urls u ON u.id = v.url
			ORDER BY v.visit_time ASC, v.rowid ASC`

	default:
		return fmt.Errorf("%w: no safari or chromium history tables", history.ErrSchemaMismatch)
	}
	return nil
}

func (s *Source) tables(ctx context.Context) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT name FROM sqlite_master WHERE type = 'table'")
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out[name] = true
	}
	return out, rows.Err()
}

func (s *Source) columns(ctx context.Context, table string) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT name FROM pragma_table_info(?)", table)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", history.ErrSourceUnreadable, err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("%w: %v", history.ErrSourceUnreadable, err)
		}
		out[name] = true
	}
	return out, rows.Err()
}

// Path returns the source file path
func (s *Source) Path() string { return s.path }

// DeviceID returns the device the file came from
func (s *Source) DeviceID() string { return s.deviceID }

// Dialect returns the detected table layout
func (s *Source) Dialect() Dialect { return s.dialect }

// Warnings returns the number of rows skipped so far because they could not be parsed
func (s *Source) Warnings() int { return int(s.warnings.Load()) }

// Close releases the database handle
func (s *Source) Close() error { return s.db.Close() }

// Visits streams the file's visits in time order. Every call re-reads from
// the start. Rows that cannot be parsed are skipped and counted in
// Warnings; a query failure is yielded once as an error and ends the sequence.
func (s *Source) Visits(ctx context.Context) iter.Seq2[history.RawVisit, error] {
	return func(yield func(history.RawVisit, error) bool) {
		rows, err := s.db.QueryContext(ctx, s.query)
		if err != nil {
			yield(history.RawVisit{}, &history.SourceError{Path: s.path, Err: fmt.Errorf("%w: %v", history.ErrSourceUnreadable, err)})
			return
		}
		defer func() { _ = rows.Close() }()

		for rows.Next() {
			var rawURL sql.NullString
			var title string
			var visitTime any
			if err := rows.Scan(&rawURL, &title, &visitTime); err != nil {
				s.warnings.Add(1)
				continue
			}
			if !rawURL.Valid || rawURL.String == "" {
				// Visit references a URL row that no longer exists
				s.warnings.Add(1)
				continue
			}
			ts, ok := s.convertTime(visitTime)
			if !ok {
				s.warnings.Add(1)
				continue
			}
			v := history.RawVisit{URL: rawURL.String, Title: title, Timestamp: ts, VisitCount: 1}
			if !yield(v, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(history.RawVisit{}, &history.SourceError{Path: s.path, Err: fmt.Errorf("%w: %v", history.ErrSourceUnreadable, err)})
		}
	}
}

func (s *Source) convertTime(v any) (time.Time, bool) {
	if s.dialect == DialectChromium {
		// Microsecond counts exceed float64 precision, keep them integral
		usec, ok := toInt(v)
		if !ok || usec <= 0 {
			return time.Time{}, false
		}
		return ChromiumTime(usec), true
	}
	f, ok := toFloat(v)
	if !ok || math.IsNaN(f) || math.IsInf(f, 0) {
		return time.Time{}, false
	}
	return SafariTime(f), true
}

// SafariTime converts Safari's seconds-since-2001 to UTC
func SafariTime(sec float64) time.Time {
	whole, frac := math.Modf(sec)
	return time.Unix(int64(whole)+safariEpochOffset, int64(frac*1e9)).UTC()
}

// ChromiumTime converts Chromium's microseconds-since-1601 to UTC
func ChromiumTime(usec int64) time.Time {
	return time.UnixMicro(usec - chromiumEpochOffset*1_000_000).UTC()
}

func toInt(v any) (int64, bool) {
	switch x := v.(type) {
	case int64:
		return x, true
	case float64:
		return int64(x), true
	case []byte:
		i, err := strconv.ParseInt(string(x), 10, 64)
		return i, err == nil
	case string:
		i, err := strconv.ParseInt(x, 10, 64)
		return i, err == nil
	default:
		return 0, false
	}
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case int64:
		return float64(x), true
	case float64:
		return x, true
	case []byte:
		f, err := strconv.ParseFloat(string(x), 64)
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(x, 64)
		return f, err == nil
	default:
		return 0, false
	}
}
