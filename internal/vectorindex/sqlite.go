package vectorindex

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/masahif/linkrecall/internal/history"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS embeddings (
	id TEXT PRIMARY KEY,
	url_id TEXT NOT NULL,
	domain TEXT NOT NULL DEFAULT '',
	timestamp INTEGER NOT NULL DEFAULT 0,
	dimension INTEGER NOT NULL,
	vector BLOB NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_embeddings_url ON embeddings(url_id);
CREATE INDEX IF NOT EXISTS idx_embeddings_domain ON embeddings(domain);
`

// SQLiteIndex keeps vectors as little-endian float32 blobs and answers
// queries with a brute-force cosine scan over the rows left after payload
// filtering in SQL.
type SQLiteIndex struct {
	db        *sql.DB
	dimension int
}

var _ Index = (*SQLiteIndex)(nil)

// NewSQLiteIndex creates the embeddings table in db if needed. A positive
// dimension is enforced on Upsert and Query; zero accepts any length.
func NewSQLiteIndex(ctx context.Context, db *sql.DB, dimension int) (*SQLiteIndex, error) {
	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		return nil, fmt.Errorf("failed to create embeddings table: %w", err)
	}
	return &SQLiteIndex{db: db, dimension: dimension}, nil
}

func (x *SQLiteIndex) check(vector []float32) error {
	if len(vector) == 0 || isZero(vector) {
		return ErrEmptyVector
	}
	if x.dimension > 0 && len(vector) != x.dimension {
		return fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(vector), x.dimension)
	}
	return nil
}

// Upsert implements Index
func (x *SQLiteIndex) Upsert(ctx context.Context, id string, vector []float32, payload history.Payload) error {
	if err := x.check(vector); err != nil {
		return err
	}
	_, err := x.db.ExecContext(ctx, `
		INSERT INTO embeddings (id, url_id, domain, timestamp, dimension, vector, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			url_id = excluded.url_id,
			domain = excluded.domain,
			timestamp = excluded.timestamp,
			dimension = excluded.dimension,
			vector = excluded.vector,
			updated_at = excluded.updated_at
	`, id, payload.URLID, strings.ToLower(payload.Domain), payload.Timestamp.UnixMilli(),
		len(vector), encodeVector(vector), time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to upsert embedding: %w", err)
	}
	return nil
}

// Query implements Index
func (x *SQLiteIndex) Query(ctx context.Context, vector []float32, k int, filter Filter) ([]Match, error) {
	if err := x.check(vector); err != nil {
		return nil, err
	}
	if k <= 0 || (filter.URLIDs != nil && len(filter.URLIDs) == 0) {
		return []Match{}, nil
	}

	where, args, err := filterClause(filter)
	if err != nil {
		return nil, err
	}
	args = append([]any{len(vector)}, args...)

	rows, err := x.db.QueryContext(ctx,
		"SELECT id, url_id, vector FROM embeddings WHERE dimension = ?"+where, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query embeddings: %w", err)
	}
	defer func() { _ = rows.Close() }()

	matches := []Match{}
	for rows.Next() {
		var m Match
		var blob []byte
		if err := rows.Scan(&m.EmbeddingID, &m.URLID, &blob); err != nil {
			return nil, fmt.Errorf("failed to scan embedding: %w", err)
		}
		m.Score = Cosine(vector, decodeVector(blob))
		matches = append(matches, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read embeddings: %w", err)
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].URLID < matches[j].URLID
	})
	if len(matches) > k {
		matches = matches[:k]
	}
	return matches, nil
}

// Delete implements Index
func (x *SQLiteIndex) Delete(ctx context.Context, id string) error {
	if _, err := x.db.ExecContext(ctx, "DELETE FROM embeddings WHERE id = ?", id); err != nil {
		return fmt.Errorf("failed to delete embedding: %w", err)
	}
	return nil
}

// Get implements Index
func (x *SQLiteIndex) Get(ctx context.Context, id string) (*history.EmbeddingRecord, error) {
	var rec history.EmbeddingRecord
	var ts int64
	var blob []byte
	err := x.db.QueryRowContext(ctx,
		"SELECT id, url_id, domain, timestamp, vector FROM embeddings WHERE id = ?", id,
	).Scan(&rec.EmbeddingID, &rec.Payload.URLID, &rec.Payload.Domain, &ts, &blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("embedding %s: %w", id, history.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get embedding: %w", err)
	}
	rec.Payload.Timestamp = time.UnixMilli(ts).UTC()
	rec.Vector = decodeVector(blob)
	return &rec, nil
}

// Count returns the number of stored embeddings
func (x *SQLiteIndex) Count(ctx context.Context) (int, error) {
	var n int
	if err := x.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM embeddings").Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count embeddings: %w", err)
	}
	return n, nil
}

func filterClause(f Filter) (string, []any, error) {
	var b strings.Builder
	var args []any

	if f.URLIDs != nil {
		ids, err := json.Marshal(f.URLIDs)
		if err != nil {
			return "", nil, fmt.Errorf("failed to encode id filter: %w", err)
		}
		// json_each keeps large candidate sets under the bound parameter limit
		b.WriteString(" AND url_id IN (SELECT value FROM json_each(?))")
		args = append(args, string(ids))
	}
	if f.Domain != "" {
		d := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(f.Domain)), "www.")
		b.WriteString(" AND (domain = ? OR substr(domain, -length(?)) = ?)")
		args = append(args, d, "."+d, "."+d)
	}
	if !f.Start.IsZero() {
		b.WriteString(" AND timestamp >= ?")
		args = append(args, f.Start.UnixMilli())
	}
	if !f.End.IsZero() {
		b.WriteString(" AND timestamp < ?")
		args = append(args, f.End.UnixMilli())
	}
	return b.String(), args, nil
}

func encodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(buf []byte) []float32 {
	v := make([]float32, len(buf)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[4*i:]))
	}
	return v
}
