// Package rpc exposes linkrecall's query and maintenance commands behind a
// name-keyed dispatcher, served over HTTP (chi) and MCP.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/masahif/linkrecall/internal/extractor"
	"github.com/masahif/linkrecall/internal/history"
	"github.com/masahif/linkrecall/internal/search"
	"github.com/masahif/linkrecall/internal/storage"
)

// Command names
const (
	CmdSearch        = "search"
	CmdTimeline      = "get_timeline_data"
	CmdStats         = "get_stats"
	CmdGetURL        = "get_url"
	CmdImport        = "import_history"
	CmdQueueStatus   = "queue_status"
	CmdRequeueFailed = "requeue_failed"
	CmdListImports   = "list_imports"
)

var (
	// ErrUnknownCommand is returned for a command name with no handler
	ErrUnknownCommand = errors.New("unknown command")
	// ErrInvalidArgument is returned for malformed or missing arguments
	ErrInvalidArgument = errors.New("invalid argument")
)

// Store is the part of the History Store the commands read and reset
type Store interface {
	GetStats(ctx context.Context) (*storage.Stats, error)
	GetTimelineData(ctx context.Context, q storage.TimelineQuery) ([]storage.TimelineEntry, error)
	GetURL(ctx context.Context, urlID string) (*storage.Record, error)
	QueueStatus(ctx context.Context) (storage.QueueCounts, error)
	ResetFailed(ctx context.Context, ids ...string) (int, error)
	ListImports(ctx context.Context) ([]storage.ImportRecord, error)
}

// VectorCounter reports how many embeddings the Vector Index holds
type VectorCounter interface {
	Count(ctx context.Context) (int, error)
}

// Searcher runs hybrid search
type Searcher interface {
	Search(ctx context.Context, query string, f search.Filters) (*search.Response, error)
}

// Importer ingests history files
type Importer interface {
	ImportFiles(ctx context.Context, files []extractor.FileSpec, opts extractor.ImportOptions) *extractor.Report
}

type handler func(ctx context.Context, args json.RawMessage) (any, error)

// Command describes one dispatchable command
type Command struct {
	Name        string
	Description string
	InputSchema map[string]any
	handle      handler
}

// Dispatcher maps command names to typed handlers
type Dispatcher struct {
	store    Store
	searcher Searcher
	importer Importer
	vectors  VectorCounter
	commands map[string]*Command
}

// NewDispatcher creates a dispatcher. Importer may be nil, in which case
// import_history is not registered; vectors may be nil, in which case
// get_stats leaves out the indexed vector count.
func NewDispatcher(store Store, searcher Searcher, importer Importer, vectors VectorCounter) *Dispatcher {
	d := &Dispatcher{
		store:    store,
		searcher: searcher,
		importer: importer,
		vectors:  vectors,
		commands: make(map[string]*Command),
	}
	d.register(CmdSearch, "Hybrid keyword and semantic search over browsing history.",
		schema(map[string]any{
			"query":      prop("string", "Search text"),
			"start_date": prop("string", "Only URLs visited at or after this date (RFC 3339 or YYYY-MM-DD)"),
			"end_date":   prop("string", "Only URLs visited before this date"),
			"domain":     prop("string", "Domain, subdomains included"),
			"tag":        prop("string", "Enrichment keyword"),
			"limit":      prop("integer", "Maximum number of results"),
			"offset":     prop("integer", "Ranked results to skip, for pagination"),
		}, "query"),
		decoded(d.search))
	d.register(CmdTimeline, "Visit counts over time, bucketed by hour, day or domain.",
		schema(map[string]any{
			"start_date": prop("string", "Range start (inclusive)"),
			"end_date":   prop("string", "Range end (exclusive)"),
			"domain":     prop("string", "Restrict to a domain"),
			"group_by":   prop("string", "hour, day or domain"),
		}),
		decoded(d.timeline))
	d.register(CmdStats, "Totals for URLs, visits, domains and enrichment state.",
		schema(nil),
		decoded(d.stats))
	d.register(CmdGetURL, "Look up a URL with its enrichment metadata by id or by address.",
		schema(map[string]any{
			"url_id": prop("string", "URL id"),
			"url":    prop("string", "URL address; normalized before lookup"),
		}),
		decoded(d.getURL))
	if importer != nil {
		d.register(CmdImport, "Import browser history files (Safari or Chromium) from local paths.",
			schema(map[string]any{
				"files": map[string]any{
					"type":        "array",
					"description": "Files to import",
					"items": schema(map[string]any{
						"path":      prop("string", "Path to the history database"),
						"device_id": prop("string", "Source device id"),
					}, "path"),
				},
				"force": prop("boolean", "Re-import files already imported from the same device"),
			}, "files"),
			decoded(d.importHistory))
	}
	d.register(CmdListImports, "The import ledger, most recent first.",
		schema(nil),
		decoded(func(ctx context.Context, _ struct{}) (any, error) { return d.store.ListImports(ctx) }))
	d.register(CmdQueueStatus, "Enrichment queue counts by status.",
		schema(nil),
		decoded(func(ctx context.Context, _ struct{}) (any, error) { return d.store.QueueStatus(ctx) }))
	d.register(CmdRequeueFailed, "Reset failed enrichment items to pending with a fresh retry budget.",
		schema(map[string]any{
			"url_ids": map[string]any{
				"type":        "array",
				"items":       map[string]any{"type": "string"},
				"description": "Ids to reset; all failed items when empty",
			},
		}),
		decoded(d.requeueFailed))
	return d
}

func (d *Dispatcher) register(name, description string, inputSchema map[string]any, h handler) {
	d.commands[name] = &Command{Name: name, Description: description, InputSchema: inputSchema, handle: h}
}

// Commands lists the registered commands by name
func (d *Dispatcher) Commands() []*Command {
	out := make([]*Command, 0, len(d.commands))
	for _, c := range d.commands {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Dispatch runs the named command. Empty args decode as an empty object.
func (d *Dispatcher) Dispatch(ctx context.Context, name string, args json.RawMessage) (any, error) {
	c, ok := d.commands[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCommand, name)
	}
	return c.handle(ctx, args)
}

// decoded adapts a typed handler to raw JSON arguments
func decoded[T any](fn func(ctx context.Context, req T) (any, error)) handler {
	return func(ctx context.Context, args json.RawMessage) (any, error) {
		var req T
		if trimmed := strings.TrimSpace(string(args)); trimmed != "" && trimmed != "null" {
			if err := json.Unmarshal(args, &req); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
			}
		}
		return fn(ctx, req)
	}
}

// SearchRequest is the search command input
type SearchRequest struct {
	Query     string `json:"query"`
	StartDate string `json:"start_date,omitempty"`
	EndDate   string `json:"end_date,omitempty"`
	Domain    string `json:"domain,omitempty"`
	Tag       string `json:"tag,omitempty"`
	Limit     int    `json:"limit,omitempty"`
	Offset    int    `json:"offset,omitempty"`
}

func (d *Dispatcher) search(ctx context.Context, req SearchRequest) (any, error) {
	if strings.TrimSpace(req.Query) == "" {
		return nil, fmt.Errorf("%w: query is required", ErrInvalidArgument)
	}
	if req.Limit < 0 || req.Offset < 0 {
		return nil, fmt.Errorf("%w: limit and offset must not be negative", ErrInvalidArgument)
	}
	start, end, err := parseRange(req.StartDate, req.EndDate)
	if err != nil {
		return nil, err
	}
	return d.searcher.Search(ctx, req.Query, search.Filters{
		Start:  start,
		End:    end,
		Domain: req.Domain,
		Tag:    req.Tag,
		Limit:  req.Limit,
		Offset: req.Offset,
	})
}

// TimelineRequest is the get_timeline_data command input
type TimelineRequest struct {
	StartDate string `json:"start_date,omitempty"`
	EndDate   string `json:"end_date,omitempty"`
	Domain    string `json:"domain,omitempty"`
	GroupBy   string `json:"group_by,omitempty"`
}

func (d *Dispatcher) timeline(ctx context.Context, req TimelineRequest) (any, error) {
	start, end, err := parseRange(req.StartDate, req.EndDate)
	if err != nil {
		return nil, err
	}
	entries, err := d.store.GetTimelineData(ctx, storage.TimelineQuery{
		Start:   start,
		End:     end,
		Domain:  req.Domain,
		GroupBy: req.GroupBy,
	})
	if errors.Is(err, storage.ErrInvalidGroupBy) {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	return entries, err
}

// GetURLRequest is the get_url command input; one of the fields is required
type GetURLRequest struct {
	URLID string `json:"url_id,omitempty"`
	URL   string `json:"url,omitempty"`
}

func (d *Dispatcher) getURL(ctx context.Context, req GetURLRequest) (any, error) {
	id := req.URLID
	if id == "" && req.URL != "" {
		normalized, err := history.NormalizeURL(req.URL)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
		}
		id = history.URLID(normalized)
	}
	if id == "" {
		return nil, fmt.Errorf("%w: url_id or url is required", ErrInvalidArgument)
	}
	return d.store.GetURL(ctx, id)
}

// ImportRequest is the import_history command input
type ImportRequest struct {
	Files []extractor.FileSpec `json:"files"`
	Force bool                 `json:"force,omitempty"`
}

func (d *Dispatcher) importHistory(ctx context.Context, req ImportRequest) (any, error) {
	if len(req.Files) == 0 {
		return nil, fmt.Errorf("%w: files is required", ErrInvalidArgument)
	}
	for _, f := range req.Files {
		if strings.TrimSpace(f.Path) == "" {
			return nil, fmt.Errorf("%w: every file needs a path", ErrInvalidArgument)
		}
	}
	return d.importer.ImportFiles(ctx, req.Files, extractor.ImportOptions{Force: req.Force}), nil
}

// RequeueRequest is the requeue_failed command input
type RequeueRequest struct {
	URLIDs []string `json:"url_ids,omitempty"`
}

// RequeueResult reports how many items were reset
type RequeueResult struct {
	Requeued int `json:"requeued"`
}

// StatsResult is the get_stats command output
type StatsResult struct {
	*storage.Stats
	IndexedVectors *int `json:"indexed_vectors,omitempty"`
}

func (d *Dispatcher) stats(ctx context.Context, _ struct{}) (any, error) {
	st, err := d.store.GetStats(ctx)
	if err != nil {
		return nil, err
	}
	res := StatsResult{Stats: st}
	if d.vectors != nil {
		n, err := d.vectors.Count(ctx)
		if err != nil {
			return nil, err
		}
		res.IndexedVectors = &n
	}
	return res, nil
}

func (d *Dispatcher) requeueFailed(ctx context.Context, req RequeueRequest) (any, error) {
	n, err := d.store.ResetFailed(ctx, req.URLIDs...)
	if err != nil {
		return nil, err
	}
	return RequeueResult{Requeued: n}, nil
}

// ParseTime accepts RFC 3339 timestamps and YYYY-MM-DD dates (UTC midnight).
// An empty string is the zero time.
func ParseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	if t, err := time.Parse(time.DateOnly, s); err == nil {
		return t, nil
	}
	return time.Time{}, fmt.Errorf("%w: cannot parse %q as a date", ErrInvalidArgument, s)
}

func parseRange(startStr, endStr string) (time.Time, time.Time, error) {
	start, err := ParseTime(startStr)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	end, err := ParseTime(endStr)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	if !start.IsZero() && !end.IsZero() && !end.After(start) {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: end_date must be after start_date", ErrInvalidArgument)
	}
	return start, end, nil
}

func schema(properties map[string]any, required ...string) map[string]any {
	if properties == nil {
		properties = map[string]any{}
	}
	s := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

func prop(typ, description string) map[string]any {
	return map[string]any{"type": typ, "description": description}
}
