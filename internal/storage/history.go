package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/masahif/linkrecall/internal/history"
)

// Filter restricts reads to URLs matching every non-zero field
type Filter struct {
	Start  time.Time // URL has a visit at or after Start
	End    time.Time // URL has a visit before End
	Domain string    // Exact domain or any of its subdomains
	Tag    string    // Enrichment keyword
	Limit  int
}

// IsZero reports whether the filter restricts nothing
func (f Filter) IsZero() bool {
	return f.Start.IsZero() && f.End.IsZero() && f.Domain == "" && f.Tag == ""
}

// Record is a URL joined with its enrichment metadata
type Record struct {
	URL      history.URL      `json:"url"`
	Metadata history.Metadata `json:"metadata"`
}

// KeywordHit is a keyword search match
type KeywordHit struct {
	Record
	Score float64 `json:"score"`
}

type normalizedVisit struct {
	id         string
	raw        string
	normalized string
	domain     string
	title      string
	timestamp  time.Time
	count      int
}

func (s *Store) normalizeVisit(raw history.RawVisit) (normalizedVisit, error) {
	normalized, err := history.NormalizeURL(raw.URL)
	if err != nil {
		return normalizedVisit{}, err
	}
	count := raw.VisitCount
	if count < 1 {
		count = 1
	}
	return normalizedVisit{
		id:         history.URLID(normalized),
		raw:        raw.URL,
		normalized: normalized,
		domain:     history.Domain(normalized),
		title:      strings.TrimSpace(raw.Title),
		timestamp:  raw.Timestamp.UTC(),
		count:      count,
	}, nil
}

// UpsertVisit records one raw visit and returns the URL id. The URL row is
// created if absent; a visit in an existing (url, device, bucket) slot bumps
// that slot's count instead of adding a row.
func (s *Store) UpsertVisit(ctx context.Context, raw history.RawVisit, deviceID string) (string, error) {
	nv, err := s.normalizeVisit(raw)
	if err != nil {
		return "", err
	}

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		return s.upsertVisitTx(ctx, tx, nv, deviceID)
	})
	if err != nil {
		return "", fmt.Errorf("failed to upsert visit: %w", err)
	}
	return nv.id, nil
}

// BatchResult reports the outcome of UpsertVisits
type BatchResult struct {
	URLIDs  []string // Distinct URL ids touched, in first-seen order
	Visits  int      // Visits stored
	Skipped int      // Visits rejected by URL normalization
}

// UpsertVisits stores a batch of visits in one transaction. Visits whose URL
// cannot be normalized are skipped and counted.
func (s *Store) UpsertVisits(ctx context.Context, raws []history.RawVisit, deviceID string) (BatchResult, error) {
	var result BatchResult
	batch := make([]normalizedVisit, 0, len(raws))
	seen := make(map[string]bool)

	for _, raw := range raws {
		nv, err := s.normalizeVisit(raw)
		if err != nil {
			result.Skipped++
			continue
		}
		batch = append(batch, nv)
		if !seen[nv.id] {
			seen[nv.id] = true
			result.URLIDs = append(result.URLIDs, nv.id)
		}
	}
	if len(batch) == 0 {
		return result, nil
	}

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for _, nv := range batch {
			if err := s.upsertVisitTx(ctx, tx, nv, deviceID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return BatchResult{}, fmt.Errorf("failed to upsert visits: %w", err)
	}

	result.Visits = len(batch)
	return result, nil
}

func (s *Store) upsertVisitTx(ctx context.Context, tx *sql.Tx, nv normalizedVisit, deviceID string) error {
	ts := toMillis(nv.timestamp)
	bucket := toMillis(nv.timestamp.Truncate(s.opts.MergeGranularity))

	_, err := tx.ExecContext(ctx, `
		INSERT INTO urls (id, raw_url, normalized_url, domain, title, first_seen, last_seen, total_visit_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = CASE
				WHEN excluded.title <> '' AND (urls.title = '' OR excluded.last_seen >= urls.last_seen)
				THEN excluded.title ELSE urls.title END,
			first_seen = MIN(urls.first_seen, excluded.first_seen),
			last_seen = MAX(urls.last_seen, excluded.last_seen),
			total_visit_count = urls.total_visit_count + excluded.total_visit_count
	`, nv.id, nv.raw, nv.normalized, nv.domain, nv.title, ts, ts, nv.count)
	if err != nil {
		return fmt.Errorf("failed to upsert url %s: %w", nv.normalized, err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO visits (url_id, source_device_id, bucket, timestamp, visit_count)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(url_id, source_device_id, bucket) DO UPDATE SET
			visit_count = visits.visit_count + excluded.visit_count,
			timestamp = MIN(visits.timestamp, excluded.timestamp)
	`, nv.id, deviceID, bucket, ts, nv.count)
	if err != nil {
		return fmt.Errorf("failed to upsert visit for %s: %w", nv.normalized, err)
	}
	return nil
}

// GetURL returns the URL with its metadata
func (s *Store) GetURL(ctx context.Context, urlID string) (*Record, error) {
	records, err := s.GetRecords(ctx, []string{urlID})
	if err != nil {
		return nil, err
	}
	rec, ok := records[urlID]
	if !ok {
		return nil, fmt.Errorf("url %s: %w", urlID, history.ErrNotFound)
	}
	return &rec, nil
}

const recordColumns = `
	u.id, u.raw_url, u.normalized_url, u.domain, u.title, u.first_seen, u.last_seen, u.total_visit_count,
	COALESCE(m.title, ''), COALESCE(m.summary, ''), COALESCE(m.keywords, '[]'), COALESCE(m.status, ''),
	COALESCE(m.retry_count, 0), COALESCE(m.last_error, ''), COALESCE(m.last_error_kind, ''),
	COALESCE(m.embedding_id, ''), COALESCE(m.available_at, 0), m.enriched_at`

func scanRecord(rows *sql.Rows) (Record, error) {
	var (
		rec                  Record
		firstSeen, lastSeen  int64
		keywordsJSON, status string
		lastErrorKind        string
		availableAt          int64
		enrichedAt           sql.NullInt64
	)
	err := rows.Scan(
		&rec.URL.ID, &rec.URL.RawURL, &rec.URL.NormalizedURL, &rec.URL.Domain, &rec.URL.Title,
		&firstSeen, &lastSeen, &rec.URL.TotalVisitCount,
		&rec.Metadata.Title, &rec.Metadata.Summary, &keywordsJSON, &status,
		&rec.Metadata.RetryCount, &rec.Metadata.LastError, &lastErrorKind,
		&rec.Metadata.EmbeddingID, &availableAt, &enrichedAt,
	)
	if err != nil {
		return Record{}, err
	}
	rec.URL.FirstSeen = fromMillis(firstSeen)
	rec.URL.LastSeen = fromMillis(lastSeen)
	rec.Metadata.URLID = rec.URL.ID
	rec.Metadata.Status = history.Status(status)
	rec.Metadata.LastErrorKind = history.ErrorKind(lastErrorKind)
	rec.Metadata.AvailableAt = fromMillis(availableAt)
	rec.Metadata.EnrichedAt = nullMillis(enrichedAt)
	if err := json.Unmarshal([]byte(keywordsJSON), &rec.Metadata.Keywords); err != nil {
		rec.Metadata.Keywords = nil
	}
	return rec, nil
}

// GetRecords loads the records for ids; missing ids are absent from the map
func (s *Store) GetRecords(ctx context.Context, ids []string) (map[string]Record, error) {
	out := make(map[string]Record, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	placeholders, args := inClause(ids)
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+recordColumns+`
		FROM urls u LEFT JOIN metadata m ON m.url_id = u.id
		WHERE u.id IN (`+placeholders+`)
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}
	defer closeRows(rows)

	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		out[rec.URL.ID] = rec
	}
	return out, rows.Err()
}

// filterClause renders f as SQL conditions over the urls alias u
func filterClause(f Filter) (string, []any) {
	var conds []string
	var args []any

	if f.Domain != "" {
		d := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(f.Domain)), "www.")
		conds = append(conds, "(u.domain = ? OR u.domain LIKE ? ESCAPE '\\')")
		args = append(args, d, "%."+escapeLike(d))
	}
	if f.Tag != "" {
		conds = append(conds, "EXISTS (SELECT 1 FROM url_keywords k WHERE k.url_id = u.id AND k.keyword = ?)")
		args = append(args, strings.ToLower(strings.TrimSpace(f.Tag)))
	}
	if !f.Start.IsZero() || !f.End.IsZero() {
		visitConds := []string{"v.url_id = u.id"}
		if !f.Start.IsZero() {
			visitConds = append(visitConds, "v.timestamp >= ?")
			args = append(args, toMillis(f.Start))
		}
		if !f.End.IsZero() {
			visitConds = append(visitConds, "v.timestamp < ?")
			args = append(args, toMillis(f.End))
		}
		conds = append(conds, "EXISTS (SELECT 1 FROM visits v WHERE "+strings.Join(visitConds, " AND ")+")")
	}

	if len(conds) == 0 {
		return "1 = 1", nil
	}
	return strings.Join(conds, " AND "), args
}

// CandidateIDs returns the ids of all URLs matching f
func (s *Store) CandidateIDs(ctx context.Context, f Filter) ([]string, error) {
	where, args := filterClause(f)
	rows, err := s.db.QueryContext(ctx, "SELECT u.id FROM urls u WHERE "+where+" ORDER BY u.id", args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query candidates: %w", err)
	}
	defer closeRows(rows)

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan candidate: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Field weights for keyword scoring
const (
	titleWeight   = 3.0
	keywordWeight = 2.0
	domainWeight  = 1.0
	summaryWeight = 1.0

	recencyHalfLifeDays = 30.0
)

// QueryByKeyword matches terms case-insensitively as substrings of title,
// domain, summary and keywords. Filters are applied in SQL before scoring.
//
// score = sum over terms of (3*tf(title) + 2*tf(keywords) + tf(domain) + tf(summary))
// multiplied by 1 / (1 + age_days/30), where age is measured from the newest
// matching URL so the ranking depends only on store contents.
func (s *Store) QueryByKeyword(ctx context.Context, terms []string, f Filter) ([]KeywordHit, error) {
	terms = normalizeTerms(terms)
	if len(terms) == 0 {
		return nil, nil
	}

	where, args := filterClause(f)

	var matches []string
	for _, term := range terms {
		pattern := "%" + escapeLike(term) + "%"
		matches = append(matches, `(
			fold(u.title) LIKE ? ESCAPE '\' OR fold(u.domain) LIKE ? ESCAPE '\' OR
			fold(COALESCE(m.title, '')) LIKE ? ESCAPE '\' OR fold(COALESCE(m.summary, '')) LIKE ? ESCAPE '\' OR
			fold(COALESCE(m.keywords, '')) LIKE ? ESCAPE '\')`)
		args = append(args, pattern, pattern, pattern, pattern, pattern)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+recordColumns+`
		FROM urls u LEFT JOIN metadata m ON m.url_id = u.id
		WHERE `+where+` AND (`+strings.Join(matches, " OR ")+`)
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query by keyword: %w", err)
	}
	defer closeRows(rows)

	var hits []KeywordHit
	var newest time.Time
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan keyword hit: %w", err)
		}
		hits = append(hits, KeywordHit{Record: rec})
		if rec.URL.LastSeen.After(newest) {
			newest = rec.URL.LastSeen
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read keyword hits: %w", err)
	}

	scored := hits[:0]
	for _, hit := range hits {
		hit.Score = termScore(hit.Record, terms) * recency(hit.URL.LastSeen, newest)
		if hit.Score > 0 {
			scored = append(scored, hit)
		}
	}

	sort.Slice(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		return RankBefore(scored[i].URL, scored[j].URL)
	})

	if f.Limit > 0 && len(scored) > f.Limit {
		scored = scored[:f.Limit]
	}
	return scored, nil
}

// RankBefore is the deterministic tie-break: more visits, then more recent,
// then lower id
func RankBefore(a, b history.URL) bool {
	if a.TotalVisitCount != b.TotalVisitCount {
		return a.TotalVisitCount > b.TotalVisitCount
	}
	if !a.LastSeen.Equal(b.LastSeen) {
		return a.LastSeen.After(b.LastSeen)
	}
	return a.ID < b.ID
}

func termScore(rec Record, terms []string) float64 {
	title := strings.ToLower(rec.URL.Title)
	if rec.Metadata.Title != "" && !strings.EqualFold(rec.Metadata.Title, rec.URL.Title) {
		title += " " + strings.ToLower(rec.Metadata.Title)
	}
	keywords := strings.ToLower(strings.Join(rec.Metadata.Keywords, " "))
	domain := strings.ToLower(rec.URL.Domain)
	summary := strings.ToLower(rec.Metadata.Summary)

	var score float64
	for _, term := range terms {
		score += titleWeight*float64(strings.Count(title, term)) +
			keywordWeight*float64(strings.Count(keywords, term)) +
			domainWeight*float64(strings.Count(domain, term)) +
			summaryWeight*float64(strings.Count(summary, term))
	}
	return score
}

func recency(lastSeen, reference time.Time) float64 {
	ageDays := reference.Sub(lastSeen).Hours() / 24
	if ageDays < 0 {
		ageDays = 0
	}
	return 1 / (1 + ageDays/recencyHalfLifeDays)
}

func normalizeTerms(terms []string) []string {
	seen := make(map[string]bool, len(terms))
	out := make([]string, 0, len(terms))
	for _, t := range terms {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

func inClause(ids []string) (string, []any) {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return strings.TrimSuffix(strings.Repeat("?,", len(ids)), ","), args
}
