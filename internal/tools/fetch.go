package tools

import (
	"bytes"
	"context"
	"net/http"
	"net/url"
	"regexp"
	"slices"
	"strings"
	"time"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/JohannesKaufmann/html-to-markdown/plugin"
	"golang.org/x/net/html"

	"github.com/Iron-Ham/ragents/internal/errors"
)

// FetchName is the registry name of the web page fetch tool.
const FetchName = "fetch"

// DefaultMaxContent caps the markdown kept from one page.
const DefaultMaxContent = 20000

var blankRuns = regexp.MustCompile(`\n{3,}`)

// Fetch downloads the page named by the query, which must be an http(s)
// URL, and returns its main content as markdown.
type Fetch struct {
	client     *http.Client
	converter  *md.Converter
	maxContent int
}

// NewFetch creates a fetch tool. maxContent <= 0 uses DefaultMaxContent.
func NewFetch(timeout time.Duration, maxContent int) *Fetch {
	if maxContent <= 0 {
		maxContent = DefaultMaxContent
	}
	conv := md.NewConverter("", true, nil)
	conv.Use(plugin.GitHubFlavored())
	return &Fetch{client: newHTTPClient(timeout), converter: conv, maxContent: maxContent}
}

// Name implements Tool.
func (f *Fetch) Name() string { return FetchName }

// Search implements Tool.
func (f *Fetch) Search(ctx context.Context, req Request) (Result, error) {
	target, err := url.Parse(strings.TrimSpace(req.Query))
	if err != nil || (target.Scheme != "http" && target.Scheme != "https") || target.Host == "" {
		return Result{}, errors.NewToolError(FetchName, "query is not an http(s) URL", errors.ErrInvalidInput)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return Result{}, errors.NewToolError(FetchName, "building request", err)
	}
	httpReq.Header.Set("Accept", "text/html,application/xhtml+xml")
	body, err := do(ctx, f.client, FetchName, httpReq)
	if err != nil {
		return Result{}, err
	}

	title, main := parsePage(body)
	content, err := f.converter.ConvertString(main)
	if err != nil {
		return Result{}, errors.NewToolError(FetchName, "converting page", err)
	}
	content = strings.TrimSpace(blankRuns.ReplaceAllString(content, "\n\n"))
	if len(content) > f.maxContent {
		content = content[:f.maxContent]
	}

	return Result{Items: []Item{{Title: title, URL: target.String(), Content: content}}}, nil
}

// parsePage returns the page title and the HTML of its main content: the
// first <main> or <article>, else <body> without navigation chrome.
func parsePage(page []byte) (string, string) {
	doc, err := html.Parse(bytes.NewReader(page))
	if err != nil {
		return "", string(page)
	}

	title := ""
	if n := findFirst(doc, "title"); n != nil && n.FirstChild != nil {
		title = strings.TrimSpace(n.FirstChild.Data)
	}

	root := findFirst(doc, "main")
	if root == nil {
		root = findFirst(doc, "article")
	}
	if root == nil {
		root = findFirst(doc, "body")
		if root == nil {
			root = doc
		}
		stripTags(root, "nav", "header", "footer", "aside", "script", "style", "noscript", "form")
	}

	var buf bytes.Buffer
	if err := html.Render(&buf, root); err != nil {
		return title, string(page)
	}
	return title, buf.String()
}

func findFirst(n *html.Node, tag string) *html.Node {
	if n.Type == html.ElementNode && n.Data == tag {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findFirst(c, tag); found != nil {
			return found
		}
	}
	return nil
}

func stripTags(n *html.Node, tags ...string) {
	for c := n.FirstChild; c != nil; {
		next := c.NextSibling
		if c.Type == html.ElementNode && slices.Contains(tags, c.Data) {
			n.RemoveChild(c)
		} else {
			stripTags(c, tags...)
		}
		c = next
	}
}

