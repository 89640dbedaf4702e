// Package ai provides the summarization, keyword extraction and embedding
// capabilities used to enrich visited pages. Providers are selected by
// configuration: local heuristics need no network, openai talks to any
// OpenAI-compatible endpoint, ollama to a local Ollama server.
package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/masahif/linkrecall/internal/config"
)

// ErrEmptyInput is returned when there is no text to work on
var ErrEmptyInput = errors.New("empty input")

// Summarizer produces a short summary of a page's text
type Summarizer interface {
	Summarize(ctx context.Context, text string) (string, error)
}

// KeywordExtractor returns up to n keywords describing a page's text
type KeywordExtractor interface {
	Keywords(ctx context.Context, text string, n int) ([]string, error)
}

// Embedder maps texts to vectors of a fixed dimension
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Capabilities bundles the three enrichment capabilities
type Capabilities struct {
	Summarizer Summarizer
	Keywords   KeywordExtractor
	Embedder   Embedder
	Provider   string
}

// New builds the capabilities for cfg.Provider
func New(cfg config.ModelConfig, apiKey string) (*Capabilities, error) {
	switch strings.ToLower(cfg.Provider) {
	case "", config.ProviderLocal:
		return &Capabilities{
			Summarizer: NewLocalSummarizer(3),
			Keywords:   NewLocalKeywords(),
			Embedder:   NewHashEmbedder(cfg.Dimension),
			Provider:   config.ProviderLocal,
		}, nil
	case config.ProviderOpenAI:
		c := NewOpenAI(OpenAIOptions{
			BaseURL:    cfg.BaseURL,
			APIKey:     apiKey,
			ChatModel:  cfg.ChatModel,
			EmbedModel: cfg.EmbedModel,
			MaxRetries: cfg.MaxRetries,
		})
		return &Capabilities{Summarizer: c, Keywords: c, Embedder: c, Provider: config.ProviderOpenAI}, nil
	case config.ProviderOllama:
		c := NewOllama(cfg.BaseURL, cfg.ChatModel, cfg.EmbedModel)
		return &Capabilities{Summarizer: c, Keywords: c, Embedder: c, Provider: config.ProviderOllama}, nil
	default:
		return nil, fmt.Errorf("%w: %s", config.ErrUnknownProvider, cfg.Provider)
	}
}

// EmbedOne embeds a single text
func EmbedOne(ctx context.Context, e Embedder, text string) ([]float32, error) {
	vecs, err := e.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vecs) != 1 {
		return nil, fmt.Errorf("expected 1 embedding, got %d", len(vecs))
	}
	return vecs[0], nil
}
