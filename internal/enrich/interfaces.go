package enrich

import (
	"context"

	"github.com/masahif/linkrecall/internal/fetch"
	"github.com/masahif/linkrecall/internal/history"
	"github.com/masahif/linkrecall/internal/storage"
)

// Queue is the Enrichment Queue as seen by the pool
type Queue interface {
	DequeueBatch(ctx context.Context, n int) ([]history.Claim, error)
	MarkDone(ctx context.Context, claim history.Claim, result history.Enrichment) error
	MarkFailed(ctx context.Context, claim history.Claim, kind history.ErrorKind, cause error) (history.Status, error)
	Release(ctx context.Context, claim history.Claim) error
	ReclaimExpired(ctx context.Context) (int, error)
	QueueStatus(ctx context.Context) (storage.QueueCounts, error)
}

// URLStore resolves claimed ids to URLs
type URLStore interface {
	GetURL(ctx context.Context, urlID string) (*storage.Record, error)
}

// PageFetcher downloads a page and reduces it to readable text
type PageFetcher interface {
	Fetch(ctx context.Context, url string) (*fetch.Page, error)
}
