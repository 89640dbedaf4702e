// Package vectorindex stores embedding vectors with a small filterable
// payload and answers nearest-neighbour queries by cosine similarity.
package vectorindex

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/masahif/linkrecall/internal/history"
)

// ErrDimensionMismatch is returned when a vector does not match the index dimension
var ErrDimensionMismatch = errors.New("vector dimension mismatch")

// ErrEmptyVector is returned for zero-length or all-zero vectors
var ErrEmptyVector = errors.New("empty vector")

// Filter restricts a query to embeddings whose payload matches every non-zero field
type Filter struct {
	URLIDs []string  // Candidate set; nil means unrestricted, empty means nothing matches
	Domain string    // Exact domain or any of its subdomains
	Start  time.Time // payload timestamp >= Start
	End    time.Time // payload timestamp < End
}

// Match is one query result
type Match struct {
	EmbeddingID string  `json:"embedding_id"`
	URLID       string  `json:"url_id"`
	Score       float64 `json:"score"` // cosine similarity in [-1, 1]
}

// Index is the vector index contract used by enrichment and search
type Index interface {
	// Upsert stores or replaces the vector for id
	Upsert(ctx context.Context, id string, vector []float32, payload history.Payload) error
	// Query returns up to k matches ordered by descending similarity
	Query(ctx context.Context, vector []float32, k int, filter Filter) ([]Match, error)
	// Delete removes id; deleting a missing id is not an error
	Delete(ctx context.Context, id string) error
	// Get returns the stored record or history.ErrNotFound
	Get(ctx context.Context, id string) (*history.EmbeddingRecord, error)
}

// Cosine returns the cosine similarity of a and b, or 0 when either has no magnitude
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func isZero(v []float32) bool {
	for _, x := range v {
		if x != 0 {
			return false
		}
	}
	return true
}
