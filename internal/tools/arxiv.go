package tools

import (
	"context"
	"encoding/xml"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Iron-Ham/ragents/internal/errors"
)

// ArxivName is the registry name of the arXiv paper search tool.
const ArxivName = "arxiv"

// DefaultArxivURL is the arXiv export API query endpoint.
const DefaultArxivURL = "https://export.arxiv.org/api/query"

// Arxiv searches arXiv papers, sorted by relevance. arXiv reports no
// score, so items carry Score 0 and are ranked by the caller.
type Arxiv struct {
	url    string
	client *http.Client
}

// NewArxiv creates an arXiv tool.
func NewArxiv(endpoint string, timeout time.Duration) *Arxiv {
	if endpoint == "" {
		endpoint = DefaultArxivURL
	}
	return &Arxiv{url: endpoint, client: newHTTPClient(timeout)}
}

// Name implements Tool.
func (a *Arxiv) Name() string { return ArxivName }

type atomFeed struct {
	Entries []struct {
		ID        string `xml:"id"`
		Title     string `xml:"title"`
		Summary   string `xml:"summary"`
		Published string `xml:"published"`
		Authors   []struct {
			Name string `xml:"name"`
		} `xml:"author"`
	} `xml:"entry"`
}

// Search implements Tool.
func (a *Arxiv) Search(ctx context.Context, req Request) (Result, error) {
	q := url.Values{}
	q.Set("search_query", "all:"+req.Query)
	q.Set("start", "0")
	q.Set("max_results", strconv.Itoa(req.MaxResults))
	q.Set("sortBy", "relevance")
	q.Set("sortOrder", "descending")

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, a.url+"?"+q.Encode(), nil)
	if err != nil {
		return Result{}, errors.NewToolError(ArxivName, "building request", err)
	}
	data, err := do(ctx, a.client, ArxivName, httpReq)
	if err != nil {
		return Result{}, err
	}

	var feed atomFeed
	if err := xml.Unmarshal(data, &feed); err != nil {
		return Result{}, errors.NewToolError(ArxivName, "decoding feed", err)
	}

	res := Result{}
	for _, e := range feed.Entries {
		content := collapse(e.Summary)
		if len(e.Authors) > 0 {
			names := make([]string, len(e.Authors))
			for i, au := range e.Authors {
				names[i] = au.Name
			}
			content = "Authors: " + strings.Join(names, ", ") + "\n\n" + content
		}
		res.Items = append(res.Items, Item{
			Title:     collapse(e.Title),
			URL:       strings.TrimSpace(e.ID),
			Content:   content,
			Published: e.Published,
		})
	}
	return res, nil
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
