package fetch

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/masahif/linkrecall/internal/history"
)

func newTestFetcher(timeout time.Duration) *Fetcher {
	return NewFetcher(Options{UserAgent: "Test-Agent/1.0", Timeout: timeout})
}

func TestFetch(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/page", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(articleHTML))
	})
	mux.HandleFunc("/notes.txt", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("just text"))
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	f := newTestFetcher(5 * time.Second)
	defer f.Close()

	page, err := f.Fetch(context.Background(), server.URL+"/page")
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if page.Title != "Gradient Descent Explained" || page.URL != server.URL+"/page" {
		t.Errorf("Unexpected page: %+v", page)
	}

	page, err = f.Fetch(context.Background(), server.URL+"/notes.txt")
	if err != nil || page.Text != "just text" {
		t.Errorf("Unexpected plain text fetch: %+v, %v", page, err)
	}
}

func TestFetchClassifiesErrors(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/missing", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
	mux.HandleFunc("/binary", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/pdf")
		_, _ = w.Write([]byte("%PDF-1.7"))
	})
	mux.HandleFunc("/empty", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("<html><body></body></html>"))
	})
	mux.HandleFunc("/slow", func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
		_, _ = w.Write([]byte("late"))
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	closed := httptest.NewServer(http.NotFoundHandler())
	closedURL := closed.URL
	closed.Close()

	f := newTestFetcher(100 * time.Millisecond)
	defer f.Close()

	tests := []struct {
		name     string
		url      string
		kind     history.ErrorKind
		sentinel error
	}{
		{"non-2xx", server.URL + "/missing", history.KindNetwork, history.ErrNetwork},
		{"connection refused", closedURL, history.KindNetwork, history.ErrNetwork},
		{"unsupported type", server.URL + "/binary", history.KindParse, history.ErrParse},
		{"no content", server.URL + "/empty", history.KindParse, history.ErrParse},
		{"timeout", server.URL + "/slow", history.KindTimeout, history.ErrTimeout},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.Fetch(context.Background(), tt.url)
			if err == nil {
				t.Fatal("Expected error")
			}
			if kind := history.KindOf(err); kind != tt.kind {
				t.Errorf("Expected kind %s, got %s (%v)", tt.kind, kind, err)
			}
			if !errors.Is(err, tt.sentinel) {
				t.Errorf("Expected errors.Is(%v), got %v", tt.sentinel, err)
			}
		})
	}
}

func TestFetcherAppliesDomainDelays(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("ok"))
	}))
	defer server.Close()

	// httptest listens on 127.0.0.1; the override slows only that host
	f := NewFetcher(Options{
		Timeout:      5 * time.Second,
		RequestDelay: time.Millisecond,
		DomainDelays: map[string]time.Duration{"127.0.0.1": 200 * time.Millisecond},
	})
	defer f.Close()

	ctx := context.Background()
	start := time.Now()
	for i := 0; i < 2; i++ {
		if _, err := f.Fetch(ctx, server.URL+"/"); err != nil {
			t.Fatalf("Fetch %d failed: %v", i, err)
		}
	}
	if elapsed := time.Since(start); elapsed < 190*time.Millisecond {
		t.Errorf("Domain delay override not applied, elapsed time: %v", elapsed)
	}
}
