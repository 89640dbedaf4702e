package ai

import (
	"context"
	"hash/fnv"
	"math"
	"sort"
	"strings"
)

const maxLocalSummaryChars = 600

// LocalSummarizer picks the highest scoring sentences, scored by the
// average corpus frequency of their content words, and keeps them in
// document order
type LocalSummarizer struct {
	sentences int
}

// NewLocalSummarizer returns an extractive summarizer keeping n sentences
func NewLocalSummarizer(n int) *LocalSummarizer {
	if n <= 0 {
		n = 3
	}
	return &LocalSummarizer{sentences: n}
}

// Summarize implements Summarizer
func (s *LocalSummarizer) Summarize(ctx context.Context, text string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	sentences := splitSentences(text)
	if len(sentences) == 0 {
		return "", ErrEmptyInput
	}
	if len(sentences) <= s.sentences {
		return truncateRunes(strings.Join(sentences, " "), maxLocalSummaryChars), nil
	}

	freq := make(map[string]int)
	for _, tok := range contentTokens(text) {
		freq[tok]++
	}

	type scored struct {
		idx   int
		score float64
	}
	ranked := make([]scored, len(sentences))
	for i, sent := range sentences {
		toks := contentTokens(sent)
		var sum float64
		for _, tok := range toks {
			sum += float64(freq[tok])
		}
		if len(toks) > 0 {
			sum /= math.Sqrt(float64(len(toks)))
		}
		ranked[i] = scored{idx: i, score: sum}
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })

	keep := ranked[:s.sentences]
	sort.Slice(keep, func(i, j int) bool { return keep[i].idx < keep[j].idx })

	parts := make([]string, len(keep))
	for i, k := range keep {
		parts[i] = sentences[k.idx]
	}
	return truncateRunes(strings.Join(parts, " "), maxLocalSummaryChars), nil
}

// LocalKeywords ranks content words by frequency
type LocalKeywords struct{}

// NewLocalKeywords returns the frequency based keyword extractor
func NewLocalKeywords() *LocalKeywords { return &LocalKeywords{} }

// Keywords implements KeywordExtractor
func (LocalKeywords) Keywords(ctx context.Context, text string, n int) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	toks := contentTokens(text)
	if len(toks) == 0 {
		return nil, ErrEmptyInput
	}
	freq := make(map[string]int)
	for _, tok := range toks {
		if len([]rune(tok)) >= 3 {
			freq[tok]++
		}
	}
	words := make([]string, 0, len(freq))
	for w := range freq {
		words = append(words, w)
	}
	sort.Slice(words, func(i, j int) bool {
		if freq[words[i]] != freq[words[j]] {
			return freq[words[i]] > freq[words[j]]
		}
		return words[i] < words[j]
	})
	if n > 0 && len(words) > n {
		words = words[:n]
	}
	return words, nil
}

// HashEmbedder is a dependency-free embedder using signed feature hashing
// of words and character trigrams. Texts sharing vocabulary land close in
// cosine space; it has no notion of synonyms.
type HashEmbedder struct {
	dim int
}

// NewHashEmbedder returns an embedder producing dim-sized unit vectors
func NewHashEmbedder(dim int) *HashEmbedder {
	if dim <= 0 {
		dim = 256
	}
	return &HashEmbedder{dim: dim}
}

// Dimension returns the vector size
func (h *HashEmbedder) Dimension() int { return h.dim }

// Embed implements Embedder
func (h *HashEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		v, err := h.embed(text)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (h *HashEmbedder) embed(text string) ([]float32, error) {
	toks := contentTokens(text)
	if len(toks) == 0 {
		return nil, ErrEmptyInput
	}

	acc := make([]float64, h.dim)
	for _, tok := range toks {
		h.add(acc, "w:"+tok, 1)
		r := []rune("^" + tok + "$")
		for j := 0; j+3 <= len(r); j++ {
			h.add(acc, "g:"+string(r[j:j+3]), 0.5)
		}
	}

	var norm float64
	for _, x := range acc {
		norm += x * x
	}
	norm = math.Sqrt(norm)
	if norm == 0 {
		return nil, ErrEmptyInput
	}
	v := make([]float32, h.dim)
	for i, x := range acc {
		v[i] = float32(x / norm)
	}
	return v, nil
}

func (h *HashEmbedder) add(acc []float64, feature string, weight float64) {
	f := fnv.New64a()
	_, _ = f.Write([]byte(feature))
	sum := f.Sum64()
	idx := int(sum % uint64(h.dim))
	if (sum>>63)&1 == 1 {
		weight = -weight
	}
	acc[idx] += weight
}
