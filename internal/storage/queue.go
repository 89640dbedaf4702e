package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/masahif/linkrecall/internal/history"
)

// leaseExpiredMessage is recorded as last_error when a claim times out
const leaseExpiredMessage = "lease expired"

// ErrMissingEmbedding is returned by MarkDone when the result has no embedding id
var ErrMissingEmbedding = errors.New("enrichment result has no embedding id")

// QueueCounts summarizes the queue by status
type QueueCounts struct {
	Pending    int `json:"pending"`
	Ready      int `json:"ready"` // Pending and past their backoff delay
	InProgress int `json:"in_progress"`
	Done       int `json:"done"`
	Failed     int `json:"failed"`
}

// Enqueue marks a URL for enrichment. It reports whether the URL is pending
// afterwards; in_progress and done items, and items whose retries are
// exhausted, are left untouched.
func (s *Store) Enqueue(ctx context.Context, urlID string) (bool, error) {
	n, err := s.EnqueueMany(ctx, []string{urlID})
	return n == 1, err
}

// EnqueueMany enqueues ids in one transaction and returns how many are pending afterwards
func (s *Store) EnqueueMany(ctx context.Context, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	var pending int
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		pending = 0
		now := toMillis(s.now())
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO metadata (url_id, status, available_at, updated_at)
			VALUES (?, 'pending', ?, ?)
			ON CONFLICT(url_id) DO UPDATE SET
				status = 'pending',
				updated_at = excluded.updated_at
			WHERE metadata.status IN ('pending', 'failed') AND metadata.retry_count < ?
		`)
		if err != nil {
			return fmt.Errorf("failed to prepare statement: %w", err)
		}
		defer func() { _ = stmt.Close() }()

		for _, id := range ids {
			res, err := stmt.ExecContext(ctx, id, now, now, s.opts.MaxRetries)
			if err != nil {
				return fmt.Errorf("failed to enqueue %s: %w", id, err)
			}
			if n, _ := res.RowsAffected(); n > 0 {
				pending++
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return pending, nil
}

// DequeueBatch atomically claims up to n ready items. Expired leases are
// reclaimed first, in the same transaction, so a crashed worker's items
// become claimable without a separate sweep.
func (s *Store) DequeueBatch(ctx context.Context, n int) ([]history.Claim, error) {
	if n <= 0 {
		return nil, nil
	}

	var claims []history.Claim
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		claims = nil
		now := s.now()

		if _, err := s.reclaimExpiredTx(ctx, tx, now); err != nil {
			return err
		}

		token := uuid.NewString()
		rows, err := tx.QueryContext(ctx, `
			UPDATE metadata SET
				status = 'in_progress',
				lease_token = ?,
				lease_expires_at = ?,
				claimed_at = ?,
				updated_at = ?
			WHERE url_id IN (
				SELECT url_id FROM metadata
				WHERE status = 'pending' AND available_at <= ?
				ORDER BY available_at ASC, url_id ASC
				LIMIT ?
			) AND status = 'pending'
			RETURNING url_id, retry_count
		`, token, toMillis(now.Add(s.opts.LeaseTimeout)), toMillis(now), toMillis(now), toMillis(now), n)
		if err != nil {
			return fmt.Errorf("failed to claim batch: %w", err)
		}
		defer closeRows(rows)

		for rows.Next() {
			c := history.Claim{Token: token}
			if err := rows.Scan(&c.URLID, &c.Attempt); err != nil {
				return fmt.Errorf("failed to scan claim: %w", err)
			}
			claims = append(claims, c)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(claims, func(i, j int) bool { return claims[i].URLID < claims[j].URLID })
	return claims, nil
}

// MarkDone stores the enrichment result. It fails with ErrLeaseLost when the
// claim no longer owns the item.
func (s *Store) MarkDone(ctx context.Context, claim history.Claim, result history.Enrichment) error {
	if result.EmbeddingID == "" {
		return ErrMissingEmbedding
	}

	keywords := normalizeKeywords(result.Keywords)
	keywordsJSON, err := json.Marshal(keywords)
	if err != nil {
		return fmt.Errorf("failed to marshal keywords: %w", err)
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		now := toMillis(s.now())
		res, err := tx.ExecContext(ctx, `
			UPDATE metadata SET
				status = 'done',
				title = ?,
				summary = ?,
				keywords = ?,
				embedding_id = ?,
				last_error = '',
				last_error_kind = '',
				lease_token = NULL,
				lease_expires_at = NULL,
				enriched_at = ?,
				updated_at = ?
			WHERE url_id = ? AND status = 'in_progress' AND lease_token = ?
		`, result.Title, result.Summary, string(keywordsJSON), result.EmbeddingID, now, now, claim.URLID, claim.Token)
		if err != nil {
			return fmt.Errorf("failed to mark done: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("mark done %s: %w", claim.URLID, history.ErrLeaseLost)
		}

		if _, err := tx.ExecContext(ctx, "DELETE FROM url_keywords WHERE url_id = ?", claim.URLID); err != nil {
			return fmt.Errorf("failed to clear keywords: %w", err)
		}
		for _, kw := range keywords {
			if _, err := tx.ExecContext(ctx,
				"INSERT OR IGNORE INTO url_keywords (url_id, keyword) VALUES (?, ?)",
				claim.URLID, kw); err != nil {
				return fmt.Errorf("failed to insert keyword: %w", err)
			}
		}
		return nil
	})
}

// MarkFailed records a failed attempt. Under the retry limit the item goes
// back to pending after a backoff delay; at the limit it is pinned to failed.
// It returns the resulting status.
func (s *Store) MarkFailed(ctx context.Context, claim history.Claim, kind history.ErrorKind, cause error) (history.Status, error) {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}

	var status history.Status
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var retries int
		err := tx.QueryRowContext(ctx, `
			SELECT retry_count FROM metadata
			WHERE url_id = ? AND status = 'in_progress' AND lease_token = ?
		`, claim.URLID, claim.Token).Scan(&retries)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("mark failed %s: %w", claim.URLID, history.ErrLeaseLost)
		}
		if err != nil {
			return fmt.Errorf("failed to read retry count: %w", err)
		}

		status, err = s.failTx(ctx, tx, claim.URLID, retries, kind, msg, s.now())
		return err
	})
	if err != nil {
		return "", err
	}
	return status, nil
}

// failTx applies one failed attempt to an in_progress row
func (s *Store) failTx(ctx context.Context, tx *sql.Tx, urlID string, retries int, kind history.ErrorKind, msg string, now time.Time) (history.Status, error) {
	retries++
	status := history.StatusPending
	availableAt := now.Add(s.opts.Backoff(retries))
	if retries >= s.opts.MaxRetries {
		retries = s.opts.MaxRetries
		status = history.StatusFailed
		availableAt = now
	}

	_, err := tx.ExecContext(ctx, `
		UPDATE metadata SET
			status = ?,
			retry_count = ?,
			last_error = ?,
			last_error_kind = ?,
			available_at = ?,
			lease_token = NULL,
			lease_expires_at = NULL,
			updated_at = ?
		WHERE url_id = ?
	`, string(status), retries, truncateError(msg), string(kind), toMillis(availableAt), toMillis(now), urlID)
	if err != nil {
		return "", fmt.Errorf("failed to record failure for %s: %w", urlID, err)
	}
	return status, nil
}

// Release returns an unstarted claim to pending without counting an attempt
func (s *Store) Release(ctx context.Context, claim history.Claim) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE metadata SET
			status = 'pending',
			lease_token = NULL,
			lease_expires_at = NULL,
			updated_at = ?
		WHERE url_id = ? AND status = 'in_progress' AND lease_token = ?
	`, toMillis(s.now()), claim.URLID, claim.Token)
	if err != nil {
		return fmt.Errorf("failed to release claim: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("release %s: %w", claim.URLID, history.ErrLeaseLost)
	}
	return nil
}

// ReclaimExpired returns expired leases to the pool and reports how many
func (s *Store) ReclaimExpired(ctx context.Context) (int, error) {
	var n int
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		n, err = s.reclaimExpiredTx(ctx, tx, s.now())
		return err
	})
	return n, err
}

// reclaimExpiredTx treats every expired lease as a timed-out attempt
func (s *Store) reclaimExpiredTx(ctx context.Context, tx *sql.Tx, now time.Time) (int, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT url_id, retry_count FROM metadata
		WHERE status = 'in_progress' AND lease_expires_at <= ?
	`, toMillis(now))
	if err != nil {
		return 0, fmt.Errorf("failed to query expired leases: %w", err)
	}

	type expired struct {
		id      string
		retries int
	}
	var items []expired
	for rows.Next() {
		var e expired
		if err := rows.Scan(&e.id, &e.retries); err != nil {
			closeRows(rows)
			return 0, fmt.Errorf("failed to scan expired lease: %w", err)
		}
		items = append(items, e)
	}
	closeRows(rows)
	if err := rows.Err(); err != nil {
		return 0, err
	}

	for _, e := range items {
		if _, err := s.failTx(ctx, tx, e.id, e.retries, history.KindTimeout, leaseExpiredMessage, now); err != nil {
			return 0, err
		}
	}
	return len(items), nil
}

// ResetFailed moves failed items back to pending with a fresh retry budget.
// With no ids every failed item is reset.
func (s *Store) ResetFailed(ctx context.Context, ids ...string) (int, error) {
	now := toMillis(s.now())
	query := `
		UPDATE metadata SET
			status = 'pending',
			retry_count = 0,
			available_at = ?,
			updated_at = ?
		WHERE status = 'failed'`
	args := []any{now, now}
	if len(ids) > 0 {
		placeholders, idArgs := inClause(ids)
		query += " AND url_id IN (" + placeholders + ")"
		args = append(args, idArgs...)
	}

	var n int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("failed to reset failed items: %w", err)
		}
		n, _ = res.RowsAffected()
		return nil
	})
	return int(n), err
}

// QueueStatus returns counts by status
func (s *Store) QueueStatus(ctx context.Context) (QueueCounts, error) {
	var c QueueCounts
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN status = 'pending' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'pending' AND available_at <= ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'in_progress' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'done' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0)
		FROM metadata
	`, toMillis(s.now())).Scan(&c.Pending, &c.Ready, &c.InProgress, &c.Done, &c.Failed)
	if err != nil {
		return QueueCounts{}, fmt.Errorf("failed to get queue status: %w", err)
	}
	return c, nil
}

// GetMetadata returns the enrichment row for a URL
func (s *Store) GetMetadata(ctx context.Context, urlID string) (*history.Metadata, error) {
	rec, err := s.GetURL(ctx, urlID)
	if err != nil {
		return nil, err
	}
	if rec.Metadata.Status == "" {
		return nil, fmt.Errorf("metadata %s: %w", urlID, history.ErrNotFound)
	}
	return &rec.Metadata, nil
}

func normalizeKeywords(keywords []string) []string {
	seen := make(map[string]bool, len(keywords))
	out := make([]string, 0, len(keywords))
	for _, kw := range keywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw == "" || seen[kw] {
			continue
		}
		seen[kw] = true
		out = append(out, kw)
	}
	return out
}

func truncateError(msg string) string {
	const maxLen = 1000
	if len(msg) > maxLen {
		return msg[:maxLen]
	}
	return msg
}
