package fetch

import (
	"bytes"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/table"
	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/net/html"
)

// ErrNoContent is returned when a page has no readable text
var ErrNoContent = errors.New("no readable content")

// Page is the readable form of a fetched document
type Page struct {
	URL         string `json:"url"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	Language    string `json:"language,omitempty"`
	Canonical   string `json:"canonical,omitempty"`
	Text        string `json:"text"`
	Truncated   bool   `json:"truncated,omitempty"`
}

// Content returns the text handed to the models: title, description and body
func (p *Page) Content() string {
	var parts []string
	for _, s := range []string{p.Title, p.Description, p.Text} {
		if s = strings.TrimSpace(s); s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, "\n\n")
}

// Elements removed before conversion; they rarely carry page content
var boilerplate = map[string]bool{
	"script": true, "style": true, "noscript": true, "template": true,
	"nav": true, "header": true, "footer": true, "aside": true,
	"form": true, "iframe": true, "svg": true, "button": true,
}

var (
	mdImage     = regexp.MustCompile(`!\[[^\]]*\]\([^)]*\)`)
	mdLink      = regexp.MustCompile(`\[([^\]]*)\]\([^)]*\)`)
	blankLines  = regexp.MustCompile(`\n{3,}`)
	inlineSpace = regexp.MustCompile(`[ \t]+`)
)

// Extractor turns HTML into readable text
type Extractor struct {
	policy   *bluemonday.Policy
	markdown *converter.Converter
	maxChars int
}

// NewExtractor creates an extractor keeping at most maxChars characters of
// body text; zero keeps everything
func NewExtractor(maxChars int) *Extractor {
	return &Extractor{
		policy: bluemonday.UGCPolicy(),
		markdown: converter.NewConverter(
			converter.WithPlugins(
				base.NewBasePlugin(),
				commonmark.NewCommonmarkPlugin(),
				table.NewTablePlugin(),
			),
		),
		maxChars: maxChars,
	}
}

// Extract parses an HTML document fetched from pageURL
func (e *Extractor) Extract(body []byte, pageURL string) (*Page, error) {
	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to parse HTML: %w", err)
	}

	page := &Page{URL: pageURL}
	var article, mainNode, bodyNode *html.Node
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "html":
				page.Language = attr(n, "lang")
			case "title":
				if page.Title == "" {
					page.Title = collapse(textOf(n))
				}
			case "meta":
				parseMeta(n, page)
			case "link":
				if strings.EqualFold(attr(n, "rel"), "canonical") {
					page.Canonical = attr(n, "href")
				}
			case "article":
				if article == nil {
					article = n
				}
			case "main":
				if mainNode == nil {
					mainNode = n
				}
			case "body":
				bodyNode = n
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	root := bodyNode
	if mainNode != nil {
		root = mainNode
	}
	if article != nil {
		root = article
	}
	if root != nil {
		page.Text = e.bodyText(root, pageURL)
	}

	if e.maxChars > 0 && utf8.RuneCountInString(page.Text) > e.maxChars {
		page.Text = string([]rune(page.Text)[:e.maxChars])
		page.Truncated = true
	}
	if page.Text == "" && page.Title == "" && page.Description == "" {
		return nil, ErrNoContent
	}
	return page, nil
}

// ExtractText wraps a plain-text document
func (e *Extractor) ExtractText(body []byte, pageURL string) (*Page, error) {
	text := strings.TrimSpace(strings.ToValidUTF8(string(body), ""))
	if text == "" {
		return nil, ErrNoContent
	}
	page := &Page{URL: pageURL, Text: text}
	if e.maxChars > 0 && utf8.RuneCountInString(text) > e.maxChars {
		page.Text = string([]rune(text)[:e.maxChars])
		page.Truncated = true
	}
	return page, nil
}

func (e *Extractor) bodyText(root *html.Node, pageURL string) string {
	prune(root)

	var buf bytes.Buffer
	if err := html.Render(&buf, root); err != nil {
		return collapse(textOf(root))
	}
	clean := e.policy.Sanitize(buf.String())

	md, err := e.markdown.ConvertString(clean, converter.WithDomain(pageURL))
	if err != nil || strings.TrimSpace(md) == "" {
		return collapse(textOf(root))
	}
	md = mdImage.ReplaceAllString(md, "")
	md = mdLink.ReplaceAllString(md, "$1")

	lines := strings.Split(md, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(inlineSpace.ReplaceAllString(line, " "))
	}
	return strings.TrimSpace(blankLines.ReplaceAllString(strings.Join(lines, "\n"), "\n\n"))
}

// prune removes boilerplate elements below n
func prune(n *html.Node) {
	for c := n.FirstChild; c != nil; {
		next := c.NextSibling
		if c.Type == html.CommentNode || (c.Type == html.ElementNode && boilerplate[c.Data]) {
			n.RemoveChild(c)
		} else {
			prune(c)
		}
		c = next
	}
}

func parseMeta(n *html.Node, page *Page) {
	name := strings.ToLower(attr(n, "name"))
	if name == "" {
		name = strings.ToLower(attr(n, "property"))
	}
	content := collapse(attr(n, "content"))
	switch name {
	case "description":
		page.Description = content
	case "og:description":
		if page.Description == "" {
			page.Description = content
		}
	case "og:title":
		if page.Title == "" {
			page.Title = content
		}
	}
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

// textOf concatenates the text below n, skipping boilerplate
func textOf(n *html.Node) string {
	if n.Type == html.TextNode {
		return n.Data
	}
	if n.Type == html.ElementNode && boilerplate[n.Data] {
		return ""
	}
	var parts []string
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if t := strings.TrimSpace(textOf(c)); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, " ")
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
