package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/masahif/linkrecall/internal/history"
)

func seedURLs(t *testing.T, s *Store, n int) []string {
	t.Helper()
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		id := mustUpsert(t, s, visit(fmt.Sprintf("https://example.com/page-%02d", i), testEpoch), "laptop")
		ids = append(ids, id)
	}
	return ids
}

func metadataOf(t *testing.T, s *Store, id string) *history.Metadata {
	t.Helper()
	md, err := s.GetMetadata(context.Background(), id)
	if err != nil {
		t.Fatalf("GetMetadata(%s) failed: %v", id, err)
	}
	return md
}

func TestEnqueue(t *testing.T) {
	store, _ := newTestStore(t, nil)
	ctx := context.Background()
	ids := seedURLs(t, store, 1)

	queued, err := store.Enqueue(ctx, ids[0])
	if err != nil || !queued {
		t.Fatalf("Enqueue = (%v, %v), want (true, nil)", queued, err)
	}
	queued, err = store.Enqueue(ctx, ids[0])
	if err != nil || !queued {
		t.Errorf("Re-enqueue of pending item should keep it pending, got (%v, %v)", queued, err)
	}
	if n := countRows(t, store, "metadata"); n != 1 {
		t.Errorf("Expected one metadata row, got %d", n)
	}

	claims, _ := store.DequeueBatch(ctx, 1)
	if len(claims) != 1 {
		t.Fatalf("Expected 1 claim, got %d", len(claims))
	}
	queued, err = store.Enqueue(ctx, ids[0])
	if err != nil || queued {
		t.Errorf("Enqueue of in_progress item should be a no-op, got (%v, %v)", queued, err)
	}
	if md := metadataOf(t, store, ids[0]); md.Status != history.StatusInProgress {
		t.Errorf("Expected in_progress, got %s", md.Status)
	}

	if err := store.MarkDone(ctx, claims[0], history.Enrichment{Summary: "s", EmbeddingID: "e1"}); err != nil {
		t.Fatalf("MarkDone failed: %v", err)
	}
	queued, _ = store.Enqueue(ctx, ids[0])
	if queued {
		t.Error("Enqueue of done item should be a no-op")
	}
	if md := metadataOf(t, store, ids[0]); md.Status != history.StatusDone {
		t.Errorf("Expected done, got %s", md.Status)
	}
}

func TestEnqueueUnknownURL(t *testing.T) {
	store, _ := newTestStore(t, nil)
	if _, err := store.Enqueue(context.Background(), "does-not-exist"); err == nil {
		t.Error("Expected foreign key failure for unknown url id")
	}
}

func TestDequeueBatchClaimsAtMostOnce(t *testing.T) {
	store, _ := newTestStore(t, nil)
	ctx := context.Background()
	ids := seedURLs(t, store, 10)
	if n, err := store.EnqueueMany(ctx, ids); err != nil || n != 10 {
		t.Fatalf("EnqueueMany = (%d, %v)", n, err)
	}

	var mu sync.Mutex
	seen := make(map[string]int)
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				claims, err := store.DequeueBatch(ctx, 3)
				if err != nil {
					t.Errorf("DequeueBatch failed: %v", err)
					return
				}
				if len(claims) == 0 {
					return
				}
				mu.Lock()
				for _, c := range claims {
					seen[c.URLID]++
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(seen) != 10 {
		t.Errorf("Expected all 10 items claimed, got %d", len(seen))
	}
	for id, n := range seen {
		if n != 1 {
			t.Errorf("Item %s claimed %d times", id, n)
		}
	}
}

func TestLeaseExpiry(t *testing.T) {
	store, clock := newTestStore(t, nil)
	ctx := context.Background()
	ids := seedURLs(t, store, 1)
	_, _ = store.Enqueue(ctx, ids[0])

	first, _ := store.DequeueBatch(ctx, 5)
	if len(first) != 1 {
		t.Fatalf("Expected 1 claim, got %d", len(first))
	}

	// Still leased
	clock.Advance(30 * time.Second)
	if claims, _ := store.DequeueBatch(ctx, 5); len(claims) != 0 {
		t.Fatalf("Leased item must not be claimable, got %d claims", len(claims))
	}

	// Expired: reclaimed as a timed-out attempt with 1 minute backoff
	clock.Advance(31 * time.Second)
	if claims, _ := store.DequeueBatch(ctx, 5); len(claims) != 0 {
		t.Fatalf("Reclaimed item should wait out its backoff, got %d claims", len(claims))
	}
	md := metadataOf(t, store, ids[0])
	if md.Status != history.StatusPending || md.RetryCount != 1 || md.LastErrorKind != history.KindTimeout {
		t.Errorf("Unexpected metadata after expiry: %+v", md)
	}

	clock.Advance(time.Minute)
	second, _ := store.DequeueBatch(ctx, 5)
	if len(second) != 1 {
		t.Fatalf("Expected item to be claimable again, got %d claims", len(second))
	}
	if second[0].Token == first[0].Token {
		t.Error("A new claim must carry a new token")
	}
	if second[0].Attempt != 1 {
		t.Errorf("Expected attempt 1, got %d", second[0].Attempt)
	}
	if claims, _ := store.DequeueBatch(ctx, 5); len(claims) != 0 {
		t.Errorf("Item must become claimable exactly once, got %d more", len(claims))
	}

	// The stale worker can no longer complete it
	err := store.MarkDone(ctx, first[0], history.Enrichment{EmbeddingID: "e"})
	if !errors.Is(err, history.ErrLeaseLost) {
		t.Errorf("Expected ErrLeaseLost for stale claim, got %v", err)
	}
	if _, err := store.MarkFailed(ctx, first[0], history.KindNetwork, errors.New("late")); !errors.Is(err, history.ErrLeaseLost) {
		t.Errorf("Expected ErrLeaseLost for stale failure, got %v", err)
	}

	if err := store.MarkDone(ctx, second[0], history.Enrichment{EmbeddingID: "e"}); err != nil {
		t.Errorf("Current claim should complete, got %v", err)
	}
}

func TestMarkFailedBackoffAndCeiling(t *testing.T) {
	store, clock := newTestStore(t, nil)
	ctx := context.Background()
	ids := seedURLs(t, store, 1)
	_, _ = store.Enqueue(ctx, ids[0])

	for attempt := 1; attempt <= 3; attempt++ {
		claims, err := store.DequeueBatch(ctx, 1)
		if err != nil || len(claims) != 1 {
			t.Fatalf("attempt %d: DequeueBatch = (%d, %v)", attempt, len(claims), err)
		}

		status, err := store.MarkFailed(ctx, claims[0], history.KindNetwork, errors.New("connection refused"))
		if err != nil {
			t.Fatalf("attempt %d: MarkFailed failed: %v", attempt, err)
		}

		md := metadataOf(t, store, ids[0])
		if md.RetryCount != attempt {
			t.Errorf("attempt %d: retry_count = %d", attempt, md.RetryCount)
		}
		if attempt < 3 {
			if status != history.StatusPending {
				t.Errorf("attempt %d: expected pending, got %s", attempt, status)
			}
			wantAvailable := clock.Now().Add(time.Duration(attempt) * time.Minute)
			if !md.AvailableAt.Equal(wantAvailable) {
				t.Errorf("attempt %d: available_at = %v, want %v", attempt, md.AvailableAt, wantAvailable)
			}
			if claims, _ := store.DequeueBatch(ctx, 1); len(claims) != 0 {
				t.Errorf("attempt %d: item retried before backoff elapsed", attempt)
			}
			clock.Advance(time.Duration(attempt) * time.Minute)
		} else if status != history.StatusFailed {
			t.Errorf("Expected failed after max retries, got %s", status)
		}
	}

	md := metadataOf(t, store, ids[0])
	if md.Status != history.StatusFailed || md.RetryCount != 3 {
		t.Errorf("Expected failed with retry_count 3, got %+v", md)
	}
	if md.LastError != "connection refused" || md.LastErrorKind != history.KindNetwork {
		t.Errorf("Unexpected last error: %q (%s)", md.LastError, md.LastErrorKind)
	}

	clock.Advance(24 * time.Hour)
	if queued, _ := store.Enqueue(ctx, ids[0]); queued {
		t.Error("Exhausted item must not be re-queued automatically")
	}
	if claims, _ := store.DequeueBatch(ctx, 1); len(claims) != 0 {
		t.Error("Failed item must not be claimable")
	}

	n, err := store.ResetFailed(ctx, ids[0])
	if err != nil || n != 1 {
		t.Fatalf("ResetFailed = (%d, %v)", n, err)
	}
	md = metadataOf(t, store, ids[0])
	if md.Status != history.StatusPending || md.RetryCount != 0 {
		t.Errorf("Expected reset to pending with 0 retries, got %+v", md)
	}
}

func TestReleaseDoesNotCountAttempt(t *testing.T) {
	store, _ := newTestStore(t, nil)
	ctx := context.Background()
	ids := seedURLs(t, store, 1)
	_, _ = store.Enqueue(ctx, ids[0])

	claims, _ := store.DequeueBatch(ctx, 1)
	if err := store.Release(ctx, claims[0]); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	md := metadataOf(t, store, ids[0])
	if md.Status != history.StatusPending || md.RetryCount != 0 {
		t.Errorf("Expected pending with 0 retries, got %+v", md)
	}
	if err := store.Release(ctx, claims[0]); !errors.Is(err, history.ErrLeaseLost) {
		t.Errorf("Second release should fail with ErrLeaseLost, got %v", err)
	}
	if again, _ := store.DequeueBatch(ctx, 1); len(again) != 1 {
		t.Error("Released item should be claimable immediately")
	}
}

func TestMarkDoneRequiresEmbedding(t *testing.T) {
	store, _ := newTestStore(t, nil)
	ctx := context.Background()
	ids := seedURLs(t, store, 1)
	_, _ = store.Enqueue(ctx, ids[0])
	claims, _ := store.DequeueBatch(ctx, 1)

	if err := store.MarkDone(ctx, claims[0], history.Enrichment{Summary: "no vector"}); !errors.Is(err, ErrMissingEmbedding) {
		t.Errorf("Expected ErrMissingEmbedding, got %v", err)
	}

	err := store.MarkDone(ctx, claims[0], history.Enrichment{
		Title:       "Page",
		Summary:     "About things",
		Keywords:    []string{"Go", "go", " SQLite "},
		EmbeddingID: "emb-1",
	})
	if err != nil {
		t.Fatalf("MarkDone failed: %v", err)
	}

	md := metadataOf(t, store, ids[0])
	if md.EmbeddingID != "emb-1" || md.EnrichedAt == nil {
		t.Errorf("Expected embedding id and enriched_at, got %+v", md)
	}
	if len(md.Keywords) != 2 || md.Keywords[0] != "go" || md.Keywords[1] != "sqlite" {
		t.Errorf("Expected normalized keywords [go sqlite], got %v", md.Keywords)
	}
	if n := countRows(t, store, "url_keywords"); n != 2 {
		t.Errorf("Expected 2 keyword rows, got %d", n)
	}
}

func TestReclaimExpiredAndQueueStatus(t *testing.T) {
	store, clock := newTestStore(t, nil)
	ctx := context.Background()
	ids := seedURLs(t, store, 4)
	_, _ = store.EnqueueMany(ctx, ids)

	claims, _ := store.DequeueBatch(ctx, 2)
	if len(claims) != 2 {
		t.Fatalf("Expected 2 claims, got %d", len(claims))
	}

	counts, err := store.QueueStatus(ctx)
	if err != nil {
		t.Fatalf("QueueStatus failed: %v", err)
	}
	if counts.Pending != 2 || counts.InProgress != 2 || counts.Ready != 2 {
		t.Errorf("Unexpected counts: %+v", counts)
	}

	clock.Advance(2 * time.Minute)
	n, err := store.ReclaimExpired(ctx)
	if err != nil || n != 2 {
		t.Fatalf("ReclaimExpired = (%d, %v), want (2, nil)", n, err)
	}

	counts, _ = store.QueueStatus(ctx)
	if counts.InProgress != 0 || counts.Pending != 4 || counts.Ready != 2 {
		t.Errorf("Unexpected counts after reclaim: %+v", counts)
	}
}
