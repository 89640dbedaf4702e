package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Timeline grouping modes
const (
	GroupByHour   = "hour"
	GroupByDay    = "day"
	GroupByDomain = "domain"

	maxTimelineDomains = 20
	topURLsPerBucket   = 5
	topStatsDomains    = 10
)

// ErrInvalidGroupBy is returned for an unsupported timeline grouping
var ErrInvalidGroupBy = errors.New("group_by must be one of hour, day, domain")

// DomainCount is a per-domain visit total
type DomainCount struct {
	Domain string `json:"domain"`
	Visits int    `json:"visits"`
	URLs   int    `json:"urls"`
}

// Stats is a summary of the whole store
type Stats struct {
	TotalURLs       int           `json:"total_urls"`
	TotalVisits     int           `json:"total_visits"`
	DomainCount     int           `json:"domain_count"`
	EnrichedCount   int           `json:"enriched_count"`
	PendingCount    int           `json:"pending_count"`
	InProgressCount int           `json:"in_progress_count"`
	FailedCount     int           `json:"failed_count"`
	FirstVisit      *time.Time    `json:"first_visit,omitempty"`
	LastVisit       *time.Time    `json:"last_visit,omitempty"`
	TopDomains      []DomainCount `json:"top_domains"`
}

// GetStats returns store-wide totals and the most visited domains
func (s *Store) GetStats(ctx context.Context) (*Stats, error) {
	stats := &Stats{TopDomains: []DomainCount{}}

	var first, last sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(total_visit_count), 0), COUNT(DISTINCT domain),
		       MIN(first_seen), MAX(last_seen)
		FROM urls
	`).Scan(&stats.TotalURLs, &stats.TotalVisits, &stats.DomainCount, &first, &last)
	if err != nil {
		return nil, fmt.Errorf("failed to get url totals: %w", err)
	}
	stats.FirstVisit = nullMillis(first)
	stats.LastVisit = nullMillis(last)

	counts, err := s.QueueStatus(ctx)
	if err != nil {
		return nil, err
	}
	stats.EnrichedCount = counts.Done
	stats.PendingCount = counts.Pending
	stats.InProgressCount = counts.InProgress
	stats.FailedCount = counts.Failed

	rows, err := s.db.QueryContext(ctx, `
		SELECT domain, SUM(total_visit_count) AS visits, COUNT(*) AS urls
		FROM urls
		GROUP BY domain
		ORDER BY visits DESC, domain ASC
		LIMIT ?
	`, topStatsDomains)
	if err != nil {
		return nil, fmt.Errorf("failed to query top domains: %w", err)
	}
	defer closeRows(rows)

	for rows.Next() {
		var dc DomainCount
		if err := rows.Scan(&dc.Domain, &dc.Visits, &dc.URLs); err != nil {
			return nil, fmt.Errorf("failed to scan domain: %w", err)
		}
		stats.TopDomains = append(stats.TopDomains, dc)
	}
	return stats, rows.Err()
}

// TimelineQuery selects and groups visits
type TimelineQuery struct {
	Start   time.Time `json:"start_date"`
	End     time.Time `json:"end_date"`
	Domain  string    `json:"domain,omitempty"`
	GroupBy string    `json:"group_by"`
}

// TimelineURL is one of the most visited URLs in a bucket
type TimelineURL struct {
	URLID  string `json:"url_id"`
	URL    string `json:"url"`
	Title  string `json:"title,omitempty"`
	Visits int    `json:"visits"`
}

// TimelineEntry is one bucket of the timeline. Bucket start is set for
// hour/day grouping, Domain for domain grouping.
type TimelineEntry struct {
	Key      string        `json:"key"`
	Start    *time.Time    `json:"start,omitempty"`
	Domain   string        `json:"domain,omitempty"`
	Visits   int           `json:"visits"`
	URLCount int           `json:"url_count"`
	TopURLs  []TimelineURL `json:"top_urls"`
}

// GetTimelineData aggregates visits in [Start, End). Hour and day buckets
// are UTC and returned in time order; domain mode returns at most 20
// domains ordered by visit count descending.
func (s *Store) GetTimelineData(ctx context.Context, q TimelineQuery) ([]TimelineEntry, error) {
	var keyExpr string
	groupBy := strings.ToLower(q.GroupBy)
	switch groupBy {
	case GroupByHour:
		keyExpr = floorBucket(time.Hour)
	case GroupByDay, "":
		groupBy = GroupByDay
		keyExpr = floorBucket(24 * time.Hour)
	case GroupByDomain:
		keyExpr = "u.domain"
	default:
		return nil, ErrInvalidGroupBy
	}
	byDomain := groupBy == GroupByDomain

	where, args := timelineWhere(q)

	// Time keys are integers, so bucket_key orders numerically
	order := "bucket_key ASC"
	limit := ""
	if byDomain {
		order = "visits DESC, bucket_key ASC"
		limit = fmt.Sprintf(" LIMIT %d", maxTimelineDomains)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+keyExpr+` AS bucket_key, SUM(v.visit_count) AS visits, COUNT(DISTINCT v.url_id)
		FROM visits v JOIN urls u ON u.id = v.url_id
		WHERE `+where+`
		GROUP BY bucket_key
		ORDER BY `+order+limit, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query timeline: %w", err)
	}

	entries := []TimelineEntry{}
	index := make(map[string]int)
	for rows.Next() {
		e := TimelineEntry{TopURLs: []TimelineURL{}}
		if err := rows.Scan(&e.Key, &e.Visits, &e.URLCount); err != nil {
			closeRows(rows)
			return nil, fmt.Errorf("failed to scan timeline bucket: %w", err)
		}
		index[e.Key] = len(entries)
		entries = append(entries, e)
	}
	closeRows(rows)
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return entries, nil
	}

	if err := s.attachTopURLs(ctx, keyExpr, where, args, entries, index); err != nil {
		return nil, err
	}

	for i := range entries {
		if byDomain {
			entries[i].Domain = entries[i].Key
			continue
		}
		t := fromMillis(parseKey(entries[i].Key))
		entries[i].Start = &t
		entries[i].Key = t.Format(time.RFC3339)
	}
	return entries, nil
}

// floorBucket renders the start of the bucket holding v.timestamp. SQLite
// integer division truncates toward zero, so the remainder is normalized to
// keep pre-1970 visits in their own bucket.
func floorBucket(size time.Duration) string {
	n := size.Milliseconds()
	return fmt.Sprintf("(v.timestamp - ((v.timestamp %% %[1]d) + %[1]d) %% %[1]d)", n)
}

func (s *Store) attachTopURLs(ctx context.Context, keyExpr, where string, args []any, entries []TimelineEntry, index map[string]int) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+keyExpr+` AS bucket_key, u.id, u.normalized_url, u.title, SUM(v.visit_count) AS visits
		FROM visits v JOIN urls u ON u.id = v.url_id
		WHERE `+where+`
		GROUP BY bucket_key, u.id
		ORDER BY bucket_key ASC, visits DESC, u.id ASC
	`, args...)
	if err != nil {
		return fmt.Errorf("failed to query timeline urls: %w", err)
	}
	defer closeRows(rows)

	for rows.Next() {
		var key string
		var tu TimelineURL
		if err := rows.Scan(&key, &tu.URLID, &tu.URL, &tu.Title, &tu.Visits); err != nil {
			return fmt.Errorf("failed to scan timeline url: %w", err)
		}
		i, ok := index[key]
		if !ok {
			// bucket fell outside the top-domain limit
			continue
		}
		if len(entries[i].TopURLs) < topURLsPerBucket {
			entries[i].TopURLs = append(entries[i].TopURLs, tu)
		}
	}
	return rows.Err()
}

func timelineWhere(q TimelineQuery) (string, []any) {
	conds := []string{"1 = 1"}
	var args []any
	if !q.Start.IsZero() {
		conds = append(conds, "v.timestamp >= ?")
		args = append(args, toMillis(q.Start))
	}
	if !q.End.IsZero() {
		conds = append(conds, "v.timestamp < ?")
		args = append(args, toMillis(q.End))
	}
	if q.Domain != "" {
		d := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(q.Domain)), "www.")
		conds = append(conds, "(u.domain = ? OR u.domain LIKE ? ESCAPE '\\')")
		args = append(args, d, "%."+escapeLike(d))
	}
	return strings.Join(conds, " AND "), args
}

func parseKey(key string) int64 {
	var v int64
	if _, err := fmt.Sscan(key, &v); err != nil {
		return 0
	}
	return v
}
