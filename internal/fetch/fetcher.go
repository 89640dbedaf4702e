package fetch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net"
	"strings"
	"time"

	"github.com/masahif/linkrecall/internal/history"
)

// Stage names used in classified errors
const (
	StageFetch    = "fetch"
	StageReadable = "readable"
)

// Options configures a Fetcher
type Options struct {
	UserAgent    string
	Timeout      time.Duration            // Per request
	RequestDelay time.Duration            // Minimum spacing between requests to one host
	DomainDelays map[string]time.Duration // Per-host overrides of RequestDelay
	MaxBodyBytes int64
	MaxTextChars int
}

// Fetcher downloads a URL and extracts its readable content
type Fetcher struct {
	client    *HTTPClient
	limiter   *RateLimiter
	extractor *Extractor
}

// NewFetcher creates a fetcher
func NewFetcher(opts Options) *Fetcher {
	if opts.UserAgent == "" {
		opts.UserAgent = "LinkRecall/1.0"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 20 * time.Second
	}
	limiter := NewRateLimiter(opts.RequestDelay)
	for host, delay := range opts.DomainDelays {
		limiter.SetDomainDelay(host, delay)
	}
	return &Fetcher{
		client:    NewHTTPClient(opts.UserAgent, opts.Timeout, opts.MaxBodyBytes),
		limiter:   limiter,
		extractor: NewExtractor(opts.MaxTextChars),
	}
}

// Fetch retrieves url and returns its readable page. Errors are
// *history.EnrichError: transport failures and non-2xx statuses are
// NetworkError, deadline expiry is Timeout, unusable content is ParseError.
func (f *Fetcher) Fetch(ctx context.Context, url string) (*Page, error) {
	if err := f.limiter.Wait(ctx, url); err != nil {
		return nil, history.Classify(StageFetch, history.KindNetwork, err)
	}

	resp, err := f.client.Get(ctx, url)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			err = errors.Join(history.ErrTimeout, err)
		}
		return nil, history.Classify(StageFetch, history.KindNetwork, err)
	}
	slog.Debug("Fetched page",
		"url", url,
		"status", resp.StatusCode,
		"bytes", len(resp.Body),
		"ttfb", resp.Metrics.TTFB,
		"download", resp.Metrics.DownloadTime)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, history.Classify(StageFetch, history.KindNetwork,
			fmt.Errorf("%w: HTTP %d", history.ErrNetwork, resp.StatusCode))
	}

	mediaType := "text/html"
	if resp.ContentType != "" {
		if mt, _, err := mime.ParseMediaType(resp.ContentType); err == nil {
			mediaType = mt
		}
	}

	var page *Page
	switch {
	case mediaType == "text/html" || mediaType == "application/xhtml+xml":
		page, err = f.extractor.Extract(resp.Body, resp.FinalURL)
	case strings.HasPrefix(mediaType, "text/"):
		page, err = f.extractor.ExtractText(resp.Body, resp.FinalURL)
	default:
		err = fmt.Errorf("unsupported content type %q", mediaType)
	}
	if err != nil {
		return nil, history.Classify(StageReadable, history.KindParse, errors.Join(history.ErrParse, err))
	}
	if resp.Truncated {
		page.Truncated = true
	}
	return page, nil
}

// Close releases idle connections
func (f *Fetcher) Close() {
	f.client.Close()
}
