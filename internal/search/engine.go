// Package search implements hybrid search: keyword matches from the History
// Store and nearest neighbours from the Vector Index, merged into one ranking.
package search

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/masahif/linkrecall/internal/ai"
	"github.com/masahif/linkrecall/internal/config"
	"github.com/masahif/linkrecall/internal/storage"
	"github.com/masahif/linkrecall/internal/vectorindex"
)

// Sources a result can be matched by
const (
	MatchedKeyword = "keyword"
	MatchedVector  = "vector"
)

// ErrEmptyQuery is returned for a blank query
var ErrEmptyQuery = errors.New("query is empty")

// Store is the part of the History Store the engine reads
type Store interface {
	QueryByKeyword(ctx context.Context, terms []string, f storage.Filter) ([]storage.KeywordHit, error)
	CandidateIDs(ctx context.Context, f storage.Filter) ([]string, error)
	GetRecords(ctx context.Context, ids []string) (map[string]storage.Record, error)
}

// Filters restrict results before scoring
type Filters struct {
	Start  time.Time `json:"start_date,omitzero"`
	End    time.Time `json:"end_date,omitzero"`
	Domain string    `json:"domain,omitempty"`
	Tag    string    `json:"tag,omitempty"`
	Limit  int       `json:"limit,omitempty"`
	Offset int       `json:"offset,omitempty"` // Ranked results to skip
}

func (f Filters) storeFilter(limit int) storage.Filter {
	return storage.Filter{Start: f.Start, End: f.End, Domain: f.Domain, Tag: f.Tag, Limit: limit}
}

// SearchResult is one ranked URL
type SearchResult struct {
	storage.Record
	KeywordScore float64  `json:"keyword_score"` // normalized to [0, 1]
	VectorScore  float64  `json:"vector_score"`  // normalized to [0, 1]
	Score        float64  `json:"score"`
	MatchedBy    []string `json:"matched_by"`
}

// Response is a ranked result list. Degraded is set when one side of the
// search was unavailable; Notices say why.
type Response struct {
	Query    string         `json:"query"`
	Results  []SearchResult `json:"results"`
	Total    int            `json:"total_count"` // Ranked candidates before offset and limit
	Degraded bool           `json:"degraded"`
	Notices  []string       `json:"notices,omitempty"`
}

// Options configures an Engine
type Options struct {
	KeywordWeight       float64
	VectorWeight        float64
	Limit               int // Default result count
	CandidateMultiplier int // Each side returns Limit * CandidateMultiplier candidates
}

// OptionsFromConfig builds engine options from the search section
func OptionsFromConfig(cfg config.SearchConfig) Options {
	return Options{
		KeywordWeight:       cfg.KeywordWeight,
		VectorWeight:        cfg.VectorWeight,
		Limit:               cfg.Limit,
		CandidateMultiplier: cfg.CandidateMultiplier,
	}
}

// Engine is the Hybrid Search Engine. Embedder and index may be nil, in
// which case every search is keyword-only and flagged degraded.
type Engine struct {
	store    Store
	embedder ai.Embedder
	index    vectorindex.Index
	opts     Options
}

// NewEngine creates a search engine
func NewEngine(store Store, embedder ai.Embedder, index vectorindex.Index, opts Options) *Engine {
	if opts.KeywordWeight < 0 || opts.VectorWeight < 0 || opts.KeywordWeight+opts.VectorWeight == 0 {
		opts.KeywordWeight, opts.VectorWeight = 0.5, 0.5
	}
	if opts.Limit <= 0 {
		opts.Limit = 20
	}
	if opts.CandidateMultiplier <= 0 {
		opts.CandidateMultiplier = 3
	}
	return &Engine{store: store, embedder: embedder, index: index, opts: opts}
}

type candidate struct {
	id           string
	record       *storage.Record
	keywordRaw   float64
	vectorRaw    float64
	keywordMatch bool
	vectorMatch  bool
}

// Search runs both sub-queries under the same filters and merges them with
// combined = wk*norm(keyword) + wv*norm(vector). A failing side degrades the
// response instead of failing it; only when both fail is an error returned.
func (e *Engine) Search(ctx context.Context, query string, f Filters) (*Response, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, ErrEmptyQuery
	}
	limit := f.Limit
	if limit <= 0 {
		limit = e.opts.Limit
	}
	offset := max(f.Offset, 0)
	depth := (offset + limit) * e.opts.CandidateMultiplier

	resp := &Response{Query: query, Results: []SearchResult{}}
	cands := make(map[string]*candidate)
	get := func(id string) *candidate {
		c, ok := cands[id]
		if !ok {
			c = &candidate{id: id}
			cands[id] = c
		}
		return c
	}

	hits, kwErr := e.store.QueryByKeyword(ctx, strings.Fields(strings.ToLower(query)), f.storeFilter(depth))
	if kwErr != nil {
		slog.Warn("Keyword search failed", "query", query, "error", kwErr)
		resp.notice("keyword search unavailable: %v", kwErr)
	}
	for i := range hits {
		c := get(hits[i].URL.ID)
		c.record = &hits[i].Record
		c.keywordRaw = hits[i].Score
		c.keywordMatch = true
	}

	matches, vecErr := e.vectorSearch(ctx, query, f, depth)
	if vecErr != nil {
		slog.Warn("Vector search failed", "query", query, "error", vecErr)
		resp.notice("semantic search unavailable: %v", vecErr)
	}
	for _, m := range matches {
		c := get(m.URLID)
		c.vectorRaw = m.Score
		c.vectorMatch = true
	}

	if kwErr != nil && vecErr != nil {
		return nil, fmt.Errorf("search failed: %w", errors.Join(kwErr, vecErr))
	}

	if err := e.hydrate(ctx, cands); err != nil {
		return nil, err
	}

	ranked := e.rank(cands)
	resp.Total = len(ranked)
	if offset >= len(ranked) {
		return resp, nil
	}
	resp.Results = ranked[offset:min(offset+limit, len(ranked))]
	return resp, nil
}

func (r *Response) notice(format string, args ...any) {
	r.Degraded = true
	r.Notices = append(r.Notices, fmt.Sprintf(format, args...))
}

var errNoEmbedder = errors.New("no embedding provider configured")

// vectorSearch restricts the index to the ids matching the store filter, so
// the k nearest are the k nearest among filter-matching URLs
func (e *Engine) vectorSearch(ctx context.Context, query string, f Filters, k int) ([]vectorindex.Match, error) {
	if e.embedder == nil || e.index == nil {
		return nil, errNoEmbedder
	}

	vector, err := ai.EmbedOne(ctx, e.embedder, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	var vf vectorindex.Filter
	if sf := f.storeFilter(0); !sf.IsZero() {
		ids, err := e.store.CandidateIDs(ctx, sf)
		if err != nil {
			return nil, err
		}
		vf.URLIDs = append([]string{}, ids...)
	}

	matches, err := e.index.Query(ctx, vector, k, vf)
	if err != nil {
		return nil, fmt.Errorf("query index: %w", err)
	}

	// Orthogonal or opposite vectors are not matches
	out := matches[:0]
	for _, m := range matches {
		if m.Score > 0 {
			out = append(out, m)
		}
	}
	return out, nil
}

// hydrate loads records for candidates found only by the vector side
func (e *Engine) hydrate(ctx context.Context, cands map[string]*candidate) error {
	var missing []string
	for id, c := range cands {
		if c.record == nil {
			missing = append(missing, id)
		}
	}
	if len(missing) == 0 {
		return nil
	}

	records, err := e.store.GetRecords(ctx, missing)
	if err != nil {
		return fmt.Errorf("failed to load results: %w", err)
	}
	for _, id := range missing {
		rec, ok := records[id]
		if !ok {
			// vector left behind by a deleted URL
			delete(cands, id)
			continue
		}
		cands[id].record = &rec
	}
	return nil
}

func (e *Engine) rank(cands map[string]*candidate) []SearchResult {
	var kwScores, vecScores []float64
	for _, c := range cands {
		if c.keywordMatch {
			kwScores = append(kwScores, c.keywordRaw)
		}
		if c.vectorMatch {
			vecScores = append(vecScores, c.vectorRaw)
		}
	}
	kwNorm := normalizer(kwScores)
	vecNorm := normalizer(vecScores)

	results := make([]SearchResult, 0, len(cands))
	for _, c := range cands {
		r := SearchResult{Record: *c.record, MatchedBy: []string{}}
		if c.keywordMatch {
			r.KeywordScore = kwNorm(c.keywordRaw)
			r.MatchedBy = append(r.MatchedBy, MatchedKeyword)
		}
		if c.vectorMatch {
			r.VectorScore = vecNorm(c.vectorRaw)
			r.MatchedBy = append(r.MatchedBy, MatchedVector)
		}
		r.Score = e.opts.KeywordWeight*r.KeywordScore + e.opts.VectorWeight*r.VectorScore
		results = append(results, r)
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return storage.RankBefore(results[i].URL, results[j].URL)
	})
	return results
}

// normalizer scales scores by the list maximum, so every matched item keeps
// a positive share of its side's weight and the best match maps to 1.0. An
// unmatched side contributes 0.
func normalizer(scores []float64) func(float64) float64 {
	hi := 0.0
	for _, s := range scores {
		hi = max(hi, s)
	}
	if hi <= 0 {
		return func(float64) float64 { return 0 }
	}
	return func(s float64) float64 { return max(s, 0) / hi }
}
