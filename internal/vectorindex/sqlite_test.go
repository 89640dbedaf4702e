package vectorindex

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/masahif/linkrecall/internal/history"
	"github.com/masahif/linkrecall/internal/storage"
)

func newTestIndex(t *testing.T, dim int) *SQLiteIndex {
	t.Helper()
	store, err := storage.Open(context.Background(), filepath.Join(t.TempDir(), "index.db"), storage.DefaultOptions())
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	idx, err := NewSQLiteIndex(context.Background(), store.DB(), dim)
	if err != nil {
		t.Fatalf("NewSQLiteIndex failed: %v", err)
	}
	return idx
}

var day = time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)

func payload(urlID, domain string, ts time.Time) history.Payload {
	return history.Payload{URLID: urlID, Domain: domain, Timestamp: ts}
}

func TestCosine(t *testing.T) {
	tests := []struct {
		name string
		a, b []float32
		want float64
	}{
		{"identical", []float32{1, 2, 3}, []float32{1, 2, 3}, 1},
		{"opposite", []float32{1, 0}, []float32{-1, 0}, -1},
		{"orthogonal", []float32{1, 0}, []float32{0, 1}, 0},
		{"zero", []float32{0, 0}, []float32{1, 1}, 0},
		{"length mismatch", []float32{1}, []float32{1, 1}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Cosine(tt.a, tt.b); math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("Cosine() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestUpsertGetDelete(t *testing.T) {
	idx := newTestIndex(t, 3)
	ctx := context.Background()

	if err := idx.Upsert(ctx, "e1", []float32{0.5, -1.25, 3}, payload("u1", "Example.com", day)); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	rec, err := idx.Get(ctx, "e1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if rec.Payload.URLID != "u1" || rec.Payload.Domain != "example.com" || !rec.Payload.Timestamp.Equal(day) {
		t.Errorf("Unexpected payload: %+v", rec.Payload)
	}
	if len(rec.Vector) != 3 || rec.Vector[1] != -1.25 {
		t.Errorf("Vector did not round-trip: %v", rec.Vector)
	}

	// Re-enrichment overwrites under the same id
	if err := idx.Upsert(ctx, "e1", []float32{1, 1, 1}, payload("u1", "example.com", day)); err != nil {
		t.Fatalf("Upsert overwrite failed: %v", err)
	}
	if n, _ := idx.Count(ctx); n != 1 {
		t.Errorf("Expected 1 embedding after overwrite, got %d", n)
	}

	if err := idx.Delete(ctx, "e1"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := idx.Get(ctx, "e1"); !errors.Is(err, history.ErrNotFound) {
		t.Errorf("Expected ErrNotFound after delete, got %v", err)
	}
	if err := idx.Delete(ctx, "missing"); err != nil {
		t.Errorf("Deleting a missing id should succeed, got %v", err)
	}
}

func TestUpsertRejectsBadVectors(t *testing.T) {
	idx := newTestIndex(t, 3)
	ctx := context.Background()

	if err := idx.Upsert(ctx, "e", []float32{1, 2}, payload("u", "a.com", day)); !errors.Is(err, ErrDimensionMismatch) {
		t.Errorf("Expected ErrDimensionMismatch, got %v", err)
	}
	if err := idx.Upsert(ctx, "e", []float32{0, 0, 0}, payload("u", "a.com", day)); !errors.Is(err, ErrEmptyVector) {
		t.Errorf("Expected ErrEmptyVector, got %v", err)
	}
	if _, err := idx.Query(ctx, nil, 5, Filter{}); !errors.Is(err, ErrEmptyVector) {
		t.Errorf("Expected ErrEmptyVector from Query, got %v", err)
	}
}

func TestQueryOrderAndFilters(t *testing.T) {
	idx := newTestIndex(t, 0)
	ctx := context.Background()

	records := []struct {
		id     string
		vec    []float32
		domain string
		ts     time.Time
	}{
		{"u1", []float32{1, 0, 0}, "example.com", day},
		{"u2", []float32{0.9, 0.1, 0}, "docs.example.com", day.Add(24 * time.Hour)},
		{"u3", []float32{0, 1, 0}, "other.org", day.Add(48 * time.Hour)},
		{"u4", []float32{0.7, 0.7, 0}, "notexample.com", day},
	}
	for _, r := range records {
		if err := idx.Upsert(ctx, "emb-"+r.id, r.vec, payload(r.id, r.domain, r.ts)); err != nil {
			t.Fatalf("Upsert(%s) failed: %v", r.id, err)
		}
	}

	query := []float32{1, 0, 0}
	matches, err := idx.Query(ctx, query, 10, Filter{})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	want := []string{"u1", "u2", "u4", "u3"}
	if len(matches) != len(want) {
		t.Fatalf("Expected %d matches, got %d", len(want), len(matches))
	}
	for i, id := range want {
		if matches[i].URLID != id {
			t.Errorf("match %d = %s, want %s", i, matches[i].URLID, id)
		}
	}
	if math.Abs(matches[0].Score-1) > 1e-6 {
		t.Errorf("Expected exact match score 1, got %v", matches[0].Score)
	}

	tests := []struct {
		name   string
		k      int
		filter Filter
		want   []string
	}{
		{"top k", 2, Filter{}, []string{"u1", "u2"}},
		{"domain includes subdomains", 10, Filter{Domain: "example.com"}, []string{"u1", "u2"}},
		{"time range", 10, Filter{Start: day.Add(time.Hour), End: day.Add(72 * time.Hour)}, []string{"u2", "u3"}},
		{"candidate set", 10, Filter{URLIDs: []string{"u3", "u4"}}, []string{"u4", "u3"}},
		{"empty candidate set", 10, Filter{URLIDs: []string{}}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := idx.Query(ctx, query, tt.k, tt.filter)
			if err != nil {
				t.Fatalf("Query failed: %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("Expected %d matches, got %d", len(tt.want), len(got))
			}
			for i, id := range tt.want {
				if got[i].URLID != id {
					t.Errorf("match %d = %s, want %s", i, got[i].URLID, id)
				}
			}
		})
	}
}

func TestQuerySkipsOtherDimensions(t *testing.T) {
	idx := newTestIndex(t, 0)
	ctx := context.Background()

	_ = idx.Upsert(ctx, "a", []float32{1, 0}, payload("ua", "a.com", day))
	_ = idx.Upsert(ctx, "b", []float32{1, 0, 0}, payload("ub", "b.com", day))

	matches, err := idx.Query(ctx, []float32{1, 0, 0}, 5, Filter{})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(matches) != 1 || matches[0].URLID != "ub" {
		t.Errorf("Expected only the 3-dimensional vector, got %+v", matches)
	}
}
