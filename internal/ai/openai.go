package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
)

const (
	summarizePrompt = "You summarize web pages from a person's browsing history. " +
		"Reply with two or three plain sentences describing what the page is about. No preamble."
	keywordsPrompt = "You tag web pages from a person's browsing history. " +
		"Reply with a comma separated list of at most %d short lowercase keywords or key phrases. No preamble."
)

// OpenAIOptions configures an OpenAI-compatible provider
type OpenAIOptions struct {
	BaseURL    string
	APIKey     string
	ChatModel  string
	EmbedModel string
	Dimensions int // Requested embedding size; zero uses the model default
	MaxRetries int
	// RequestOptions are appended to the client options (tests inject an HTTP client)
	RequestOptions []option.RequestOption
}

// OpenAI implements all three capabilities against an OpenAI-compatible API
type OpenAI struct {
	client     openai.Client
	chatModel  string
	embedModel string
	dimensions int
}

// NewOpenAI creates the provider
func NewOpenAI(opts OpenAIOptions) *OpenAI {
	reqOpts := []option.RequestOption{
		option.WithAPIKey(opts.APIKey),
		option.WithMaxRetries(opts.MaxRetries),
	}
	if opts.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(opts.BaseURL))
	}
	reqOpts = append(reqOpts, opts.RequestOptions...)

	return &OpenAI{
		client:     openai.NewClient(reqOpts...),
		chatModel:  opts.ChatModel,
		embedModel: opts.EmbedModel,
		dimensions: opts.Dimensions,
	}
}

func (o *OpenAI) complete(ctx context.Context, system, user string) (string, error) {
	resp, err := o.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: shared.ChatModel(o.chatModel),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(system),
			openai.UserMessage(user),
		},
		Temperature: openai.Float(0.2),
	})
	if err != nil {
		return "", fmt.Errorf("chat completion failed: %w", describe(err))
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("chat completion returned no choices")
	}
	answer := strings.TrimSpace(resp.Choices[0].Message.Content)
	if answer == "" {
		return "", errors.New("chat completion returned empty content")
	}
	return answer, nil
}

// Summarize implements Summarizer
func (o *OpenAI) Summarize(ctx context.Context, text string) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", ErrEmptyInput
	}
	return o.complete(ctx, summarizePrompt, text)
}

// Keywords implements KeywordExtractor
func (o *OpenAI) Keywords(ctx context.Context, text string, n int) ([]string, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyInput
	}
	answer, err := o.complete(ctx, fmt.Sprintf(keywordsPrompt, n), text)
	if err != nil {
		return nil, err
	}
	keywords := ParseKeywordList(answer, n)
	if len(keywords) == 0 {
		return nil, fmt.Errorf("no keywords in model answer %q", answer)
	}
	return keywords, nil
}

// Embed implements Embedder
func (o *OpenAI) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, ErrEmptyInput
	}
	params := openai.EmbeddingNewParams{
		Input: openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: texts},
		Model: openai.EmbeddingModel(o.embedModel),
	}
	if o.dimensions > 0 {
		params.Dimensions = openai.Int(int64(o.dimensions))
	}

	resp, err := o.client.Embeddings.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("embedding request failed: %w", describe(err))
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("expected %d embeddings, got %d", len(texts), len(resp.Data))
	}

	out := make([][]float32, len(texts))
	for i, d := range resp.Data {
		idx := int(d.Index)
		if idx < 0 || idx >= len(out) {
			idx = i
		}
		vec := make([]float32, len(d.Embedding))
		for j, x := range d.Embedding {
			vec[j] = float32(x)
		}
		out[idx] = vec
	}
	return out, nil
}

// describe adds the API status and message to provider errors
func describe(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return fmt.Errorf("status %d: %s: %w", apiErr.StatusCode, apiErr.Message, err)
	}
	return err
}
