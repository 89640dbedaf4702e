package ai

import (
	"regexp"
	"strings"
	"unicode"
)

var (
	sentenceEnd = regexp.MustCompile(`([.!?。！？])\s+|\n+`)
	listMarker  = regexp.MustCompile(`^\s*(?:[-*•]|\d+[.)])\s*`)
)

// stopwords are skipped by the local keyword extractor and embedder
var stopwords = toSet(`a about above after again against all am an and any are as at be because been
before being below between both but by can could did do does doing down during each few for from
further had has have having he her here hers herself him himself his how i if in into is it its itself
just me more most my myself no nor not now of off on once only or other our ours ourselves out over own
same she should so some such than that the their theirs them themselves then there these they this
those through to too under until up very was we were what when where which while who whom why will with
would you your yours yourself yourselves also may might must new one use using used via get got like
http https www com org net html`)

func toSet(words string) map[string]bool {
	set := make(map[string]bool)
	for _, w := range strings.Fields(words) {
		set[w] = true
	}
	return set
}

// Tokenize lowercases text and splits it into words of letters and digits
func Tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// contentTokens drops stopwords, single characters and pure numbers
func contentTokens(text string) []string {
	var out []string
	for _, tok := range Tokenize(text) {
		if len([]rune(tok)) < 2 || stopwords[tok] || isNumber(tok) {
			continue
		}
		out = append(out, tok)
	}
	return out
}

func isNumber(s string) bool {
	for _, r := range s {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}

// splitSentences splits on terminal punctuation and line breaks
func splitSentences(text string) []string {
	marked := sentenceEnd.ReplaceAllString(text, "$1\x00")
	var out []string
	for _, s := range strings.Split(marked, "\x00") {
		s = strings.Join(strings.Fields(s), " ")
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

// truncateRunes shortens s to at most n runes
func truncateRunes(s string, n int) string {
	if n <= 0 {
		return s
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return strings.TrimSpace(string(r[:n]))
}

// ParseKeywordList splits a model's keyword answer on commas and newlines,
// dropping list markers and duplicates
func ParseKeywordList(answer string, n int) []string {
	fields := strings.FieldsFunc(answer, func(r rune) bool {
		return r == ',' || r == '\n' || r == ';' || r == '、'
	})
	seen := make(map[string]bool)
	var out []string
	for _, f := range fields {
		f = listMarker.ReplaceAllString(f, "")
		f = strings.Trim(strings.ToLower(f), `"'`+"`")
		f = strings.TrimSpace(f)
		if f == "" || seen[f] {
			continue
		}
		seen[f] = true
		out = append(out, f)
		if n > 0 && len(out) == n {
			break
		}
	}
	return out
}
