// Package enrich implements the Enrichment Worker Pool. A dispatcher claims
// batches from the queue while workers are idle; each worker takes one claim
// through fetch, summarize, keywords, embed and index, then reports the
// outcome back to the queue.
package enrich

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/masahif/linkrecall/internal/ai"
	"github.com/masahif/linkrecall/internal/config"
	"github.com/masahif/linkrecall/internal/fetch"
	"github.com/masahif/linkrecall/internal/history"
	"github.com/masahif/linkrecall/internal/vectorindex"
)

// Stage names used in classified errors, in addition to fetch.StageFetch
const (
	StageLookup    = "lookup"
	StageSummarize = "summarize"
	StageKeywords  = "keywords"
	StageEmbed     = "embed"
	StageIndex     = "index"
)

const defaultMaxKeywords = 8

// EmbeddingID is the vector id for a URL. It is derived from the URL id so
// re-enrichment overwrites the previous vector.
func EmbeddingID(urlID string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(urlID)).String()
}

// Options configures a Pool
type Options struct {
	Concurrency      int
	BatchSize        int
	PollInterval     time.Duration
	FetchTimeout     time.Duration
	SummarizeTimeout time.Duration
	KeywordsTimeout  time.Duration
	EmbedTimeout     time.Duration
	IndexTimeout     time.Duration
	SweepSchedule    string // Cron spec; empty disables the sweep
	MaxKeywords      int
}

// OptionsFromConfig builds pool options from the worker and queue sections
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Concurrency:      cfg.Worker.Concurrency,
		BatchSize:        cfg.Queue.BatchSize,
		PollInterval:     cfg.Worker.PollInterval,
		FetchTimeout:     cfg.Worker.FetchTimeout,
		SummarizeTimeout: cfg.Worker.SummarizeTimeout,
		KeywordsTimeout:  cfg.Worker.KeywordsTimeout,
		EmbedTimeout:     cfg.Worker.EmbedTimeout,
		IndexTimeout:     cfg.Worker.EmbedTimeout,
		SweepSchedule:    cfg.Worker.SweepSchedule,
	}
}

// Deps are the collaborators of a Pool
type Deps struct {
	Queue      Queue
	URLs       URLStore
	Fetcher    PageFetcher
	Summarizer ai.Summarizer
	Keywords   ai.KeywordExtractor
	Embedder   ai.Embedder
	Index      vectorindex.Index
}

// Stats counts pool outcomes since creation
type Stats struct {
	Processed int64 `json:"processed"`
	Succeeded int64 `json:"succeeded"`
	Failed    int64 `json:"failed"`
	LeaseLost int64 `json:"lease_lost"`
	Released  int64 `json:"released"`
}

// Pool is the Enrichment Worker Pool
type Pool struct {
	deps Deps
	opts Options

	processed atomic.Int64
	succeeded atomic.Int64
	failed    atomic.Int64
	leaseLost atomic.Int64
	released  atomic.Int64

	inFlight atomic.Int64
	freed    chan struct{}
	running  atomic.Bool
}

// NewPool creates a pool. Every dependency is required.
func NewPool(deps Deps, opts Options) (*Pool, error) {
	switch {
	case deps.Queue == nil:
		return nil, errors.New("enrich: queue is required")
	case deps.URLs == nil:
		return nil, errors.New("enrich: url store is required")
	case deps.Fetcher == nil:
		return nil, errors.New("enrich: fetcher is required")
	case deps.Summarizer == nil || deps.Keywords == nil || deps.Embedder == nil:
		return nil, errors.New("enrich: summarizer, keyword extractor and embedder are required")
	case deps.Index == nil:
		return nil, errors.New("enrich: vector index is required")
	}

	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = opts.Concurrency
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	if opts.MaxKeywords <= 0 {
		opts.MaxKeywords = defaultMaxKeywords
	}
	return &Pool{deps: deps, opts: opts, freed: make(chan struct{}, 1)}, nil
}

// Stats returns a snapshot of the counters
func (p *Pool) Stats() Stats {
	return Stats{
		Processed: p.processed.Load(),
		Succeeded: p.succeeded.Load(),
		Failed:    p.failed.Load(),
		LeaseLost: p.leaseLost.Load(),
		Released:  p.released.Load(),
	}
}

// Run processes the queue until ctx is cancelled. On cancellation it stops
// claiming, releases claims no worker has started, and waits for in-flight
// items to finish.
func (p *Pool) Run(ctx context.Context) error {
	return p.run(ctx, false)
}

// Drain processes the queue until nothing is claimable and no item is in
// flight, or until ctx is cancelled
func (p *Pool) Drain(ctx context.Context) error {
	return p.run(ctx, true)
}

func (p *Pool) run(ctx context.Context, drain bool) error {
	if !p.running.CompareAndSwap(false, true) {
		return errors.New("enrich: pool is already running")
	}
	defer p.running.Store(false)

	if p.opts.SweepSchedule != "" {
		c := cron.New()
		if _, err := c.AddFunc(p.opts.SweepSchedule, func() { p.sweep(ctx) }); err != nil {
			return fmt.Errorf("invalid sweep schedule %q: %w", p.opts.SweepSchedule, err)
		}
		c.Start()
		defer func() { <-c.Stop().Done() }()
	}

	slog.Info("Starting enrichment", "workers", p.opts.Concurrency, "batch_size", p.opts.BatchSize, "drain", drain)
	start := time.Now()

	jobs := make(chan history.Claim)
	var wg sync.WaitGroup
	for i := 0; i < p.opts.Concurrency; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			p.worker(ctx, id, jobs)
		}(i)
	}

	p.dispatch(ctx, jobs, drain)
	close(jobs)
	wg.Wait()

	stats := p.Stats()
	slog.Info("Enrichment stopped",
		"processed", stats.Processed,
		"succeeded", stats.Succeeded,
		"failed", stats.Failed,
		"lease_lost", stats.LeaseLost,
		"released", stats.Released,
		"duration", time.Since(start))
	if ctx.Err() != nil && drain {
		return ctx.Err()
	}
	return nil
}

// dispatch claims only as many items as there are idle workers, so claims
// do not sit waiting while their lease runs down
func (p *Pool) dispatch(ctx context.Context, jobs chan<- history.Claim, drain bool) {
	for ctx.Err() == nil {
		// busy is sampled before dequeueing: a worker finishing in between
		// may have made its item claimable again
		busy := int(p.inFlight.Load())
		idle := p.opts.Concurrency - busy
		if idle <= 0 {
			p.waitFreed(ctx)
			continue
		}

		n := min(p.opts.BatchSize, idle)
		claims, err := p.deps.Queue.DequeueBatch(ctx, n)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Error("Failed to dequeue batch", "error", err)
			p.sleep(ctx)
			continue
		}

		if len(claims) == 0 {
			if drain && busy == 0 {
				slog.Debug("Queue drained")
				return
			}
			p.sleep(ctx)
			continue
		}

		for i, claim := range claims {
			p.inFlight.Add(1)
			select {
			case jobs <- claim:
			case <-ctx.Done():
				p.inFlight.Add(-1)
				p.release(ctx, claims[i:])
				return
			}
		}
	}
}

func (p *Pool) worker(ctx context.Context, id int, jobs <-chan history.Claim) {
	slog.Debug("Worker started", "worker_id", id)
	defer slog.Debug("Worker stopped", "worker_id", id)

	for claim := range jobs {
		p.process(ctx, id, claim)
		p.inFlight.Add(-1)
		select {
		case p.freed <- struct{}{}:
		default:
		}
	}
}

// release hands unstarted claims back without counting an attempt
func (p *Pool) release(ctx context.Context, claims []history.Claim) {
	bg := context.WithoutCancel(ctx)
	for _, claim := range claims {
		if err := p.deps.Queue.Release(bg, claim); err != nil {
			slog.Warn("Failed to release claim", "url_id", claim.URLID, "error", err)
			continue
		}
		p.released.Add(1)
	}
	if len(claims) > 0 {
		slog.Info("Released unstarted claims", "count", len(claims))
	}
}

// process runs one claim end to end. It works on a context detached from
// cancellation so a shutdown lets the item finish; each stage is still
// bounded by its own timeout.
func (p *Pool) process(ctx context.Context, id int, claim history.Claim) {
	work := context.WithoutCancel(ctx)
	p.processed.Add(1)

	result, err := p.enrich(work, claim)
	if err != nil {
		p.fail(work, id, claim, err)
		return
	}

	if err := p.deps.Queue.MarkDone(work, claim, *result); err != nil {
		if errors.Is(err, history.ErrLeaseLost) {
			p.leaseLost.Add(1)
			slog.Warn("Worker lost lease before completion", "worker_id", id, "url_id", claim.URLID)
			return
		}
		p.failed.Add(1)
		slog.Error("Worker failed to store result", "worker_id", id, "url_id", claim.URLID, "error", err)
		return
	}
	p.succeeded.Add(1)
	slog.Info("Worker enriched URL", "worker_id", id, "url_id", claim.URLID, "keywords", len(result.Keywords))
}

func (p *Pool) fail(ctx context.Context, id int, claim history.Claim, cause error) {
	kind := history.KindOf(cause)
	status, err := p.deps.Queue.MarkFailed(ctx, claim, kind, cause)
	if err != nil {
		if errors.Is(err, history.ErrLeaseLost) {
			p.leaseLost.Add(1)
			slog.Warn("Worker lost lease before failure was recorded", "worker_id", id, "url_id", claim.URLID)
			return
		}
		slog.Error("Worker failed to record failure", "worker_id", id, "url_id", claim.URLID, "error", err)
	}
	p.failed.Add(1)
	slog.Warn("Worker failed to enrich URL",
		"worker_id", id,
		"url_id", claim.URLID,
		"kind", kind,
		"attempt", claim.Attempt+1,
		"status", status,
		"error", cause)
}

func (p *Pool) enrich(ctx context.Context, claim history.Claim) (*history.Enrichment, error) {
	rec, err := p.deps.URLs.GetURL(ctx, claim.URLID)
	if err != nil {
		return nil, history.Classify(StageLookup, history.KindParse, err)
	}

	fetchCtx, cancel := stage(ctx, p.opts.FetchTimeout)
	page, err := p.deps.Fetcher.Fetch(fetchCtx, rec.URL.NormalizedURL)
	cancel()
	if err != nil {
		return nil, history.Classify(fetch.StageFetch, history.KindNetwork, err)
	}
	content := page.Content()

	sumCtx, cancel := stage(ctx, p.opts.SummarizeTimeout)
	summary, err := p.deps.Summarizer.Summarize(sumCtx, content)
	cancel()
	if err != nil {
		return nil, history.Classify(StageSummarize, history.KindModel, err)
	}

	kwCtx, cancel := stage(ctx, p.opts.KeywordsTimeout)
	keywords, err := p.deps.Keywords.Keywords(kwCtx, content, p.opts.MaxKeywords)
	cancel()
	if err != nil {
		return nil, history.Classify(StageKeywords, history.KindModel, err)
	}

	title := page.Title
	if title == "" {
		title = rec.URL.Title
	}

	embedCtx, cancel := stage(ctx, p.opts.EmbedTimeout)
	vector, err := ai.EmbedOne(embedCtx, p.deps.Embedder, embeddingText(title, page.Description, summary, keywords))
	cancel()
	if err != nil {
		return nil, history.Classify(StageEmbed, history.KindModel, err)
	}

	embeddingID := EmbeddingID(claim.URLID)
	indexCtx, cancel := stage(ctx, p.opts.IndexTimeout)
	err = p.deps.Index.Upsert(indexCtx, embeddingID, vector, history.Payload{
		URLID:     claim.URLID,
		Domain:    rec.URL.Domain,
		Timestamp: rec.URL.LastSeen,
	})
	cancel()
	if err != nil {
		return nil, history.Classify(StageIndex, history.KindNetwork, err)
	}

	return &history.Enrichment{
		Title:       title,
		Summary:     summary,
		Keywords:    keywords,
		EmbeddingID: embeddingID,
	}, nil
}

// sweep reclaims expired leases and logs the queue counts
func (p *Pool) sweep(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	n, err := p.deps.Queue.ReclaimExpired(ctx)
	if err != nil {
		slog.Error("Failed to reclaim expired leases", "error", err)
		return
	}
	counts, err := p.deps.Queue.QueueStatus(ctx)
	if err != nil {
		slog.Error("Failed to get queue status", "error", err)
		return
	}
	stats := p.Stats()
	slog.Info("Enrichment stats",
		"reclaimed", n,
		"pending", counts.Pending,
		"ready", counts.Ready,
		"in_progress", counts.InProgress,
		"done", counts.Done,
		"failed", counts.Failed,
		"processed", stats.Processed,
		"succeeded", stats.Succeeded)
}

func (p *Pool) sleep(ctx context.Context) {
	t := time.NewTimer(p.opts.PollInterval)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func (p *Pool) waitFreed(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-p.freed:
	case <-time.After(p.opts.PollInterval):
	}
}

func stage(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}

// embeddingText is what gets embedded: the descriptive parts of the page,
// not its full text
func embeddingText(title, description, summary string, keywords []string) string {
	parts := make([]string, 0, 4)
	for _, s := range []string{title, description, summary, strings.Join(keywords, ", ")} {
		if s = strings.TrimSpace(s); s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, "\n")
}
