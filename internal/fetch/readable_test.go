package fetch

import (
	"errors"
	"strings"
	"testing"
)

const articleHTML = `<!DOCTYPE html>
<html lang="en">
<head>
	<title>  Gradient   Descent Explained </title>
	<meta name="description" content="A gentle introduction to optimisation.">
	<link rel="canonical" href="https://example.com/gd">
	<style>body { color: red }</style>
	<script>trackEverything()</script>
</head>
<body>
	<nav><a href="/">Home</a> <a href="/about">About</a></nav>
	<header>Site banner</header>
	<article>
		<h1>Gradient descent</h1>
		<p>Gradient descent minimises a <a href="https://en.wikipedia.org/wiki/Loss_function">loss function</a> step by step.</p>
		<img src="/plot.png" alt="plot">
		<script>alert(1)</script>
		<!-- hidden comment -->
		<p>Each step moves against the gradient.</p>
	</article>
	<footer>Copyright</footer>
</body>
</html>`

func TestExtractArticle(t *testing.T) {
	page, err := NewExtractor(0).Extract([]byte(articleHTML), "https://example.com/gd")
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}

	if page.Title != "Gradient Descent Explained" {
		t.Errorf("Unexpected title %q", page.Title)
	}
	if page.Description != "A gentle introduction to optimisation." {
		t.Errorf("Unexpected description %q", page.Description)
	}
	if page.Language != "en" || page.Canonical != "https://example.com/gd" {
		t.Errorf("Unexpected language/canonical: %q %q", page.Language, page.Canonical)
	}

	for _, want := range []string{"Gradient descent", "loss function", "Each step moves against the gradient."} {
		if !strings.Contains(page.Text, want) {
			t.Errorf("Expected text to contain %q, got:\n%s", want, page.Text)
		}
	}
	for _, banned := range []string{"alert", "trackEverything", "Home", "Site banner", "Copyright", "hidden comment", "wikipedia.org", "plot.png", "color: red"} {
		if strings.Contains(page.Text, banned) {
			t.Errorf("Text should not contain %q, got:\n%s", banned, page.Text)
		}
	}

	content := page.Content()
	if !strings.HasPrefix(content, "Gradient Descent Explained\n\nA gentle introduction") {
		t.Errorf("Unexpected content prefix: %q", content)
	}
}

func TestExtractFallsBackToBody(t *testing.T) {
	doc := `<html><head><meta property="og:title" content="OG Title"></head>
		<body><div><p>Plain body text.</p></div><footer>foot</footer></body></html>`
	page, err := NewExtractor(0).Extract([]byte(doc), "https://example.com/")
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}
	if page.Title != "OG Title" {
		t.Errorf("Expected og:title fallback, got %q", page.Title)
	}
	if page.Text != "Plain body text." {
		t.Errorf("Unexpected text %q", page.Text)
	}
}

func TestExtractTruncates(t *testing.T) {
	doc := "<html><body><p>" + strings.Repeat("日本語", 10) + "</p></body></html>"
	page, err := NewExtractor(5).Extract([]byte(doc), "https://example.jp/")
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}
	if page.Text != "日本語日本" || !page.Truncated {
		t.Errorf("Expected 5 rune truncation, got %q (truncated=%v)", page.Text, page.Truncated)
	}
}

func TestExtractEmpty(t *testing.T) {
	_, err := NewExtractor(0).Extract([]byte("<html><body><script>x()</script></body></html>"), "https://example.com/")
	if !errors.Is(err, ErrNoContent) {
		t.Errorf("Expected ErrNoContent, got %v", err)
	}
	if _, err := NewExtractor(0).ExtractText([]byte("  \n "), "https://example.com/a.txt"); !errors.Is(err, ErrNoContent) {
		t.Errorf("Expected ErrNoContent for blank text, got %v", err)
	}
}

func TestExtractText(t *testing.T) {
	page, err := NewExtractor(0).ExtractText([]byte("  plain notes \n"), "https://example.com/a.txt")
	if err != nil {
		t.Fatalf("ExtractText failed: %v", err)
	}
	if page.Text != "plain notes" {
		t.Errorf("Unexpected text %q", page.Text)
	}
}
