package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/Iron-Ham/ragents/internal/errors"
)

// TavilyName is the registry name of the Tavily web search tool.
const TavilyName = "tavily"

// DefaultTavilyURL is the Tavily search endpoint.
const DefaultTavilyURL = "https://api.tavily.com/search"

// Tavily searches the web through the Tavily API.
type Tavily struct {
	apiKey string
	url    string
	depth  string
	client *http.Client
}

// NewTavily creates a Tavily tool. depth is "basic" or "advanced".
func NewTavily(apiKey, endpoint, depth string, timeout time.Duration) *Tavily {
	if endpoint == "" {
		endpoint = DefaultTavilyURL
	}
	if depth == "" {
		depth = "basic"
	}
	return &Tavily{apiKey: apiKey, url: endpoint, depth: depth, client: newHTTPClient(timeout)}
}

// Name implements Tool.
func (t *Tavily) Name() string { return TavilyName }

type tavilyRequest struct {
	APIKey      string `json:"api_key"`
	Query       string `json:"query"`
	MaxResults  int    `json:"max_results"`
	SearchDepth string `json:"search_depth"`
}

type tavilyResponse struct {
	Results []struct {
		Title         string  `json:"title"`
		URL           string  `json:"url"`
		Content       string  `json:"content"`
		Score         float64 `json:"score"`
		PublishedDate string  `json:"published_date"`
	} `json:"results"`
}

// Search implements Tool.
func (t *Tavily) Search(ctx context.Context, req Request) (Result, error) {
	if t.apiKey == "" {
		return Result{}, errors.NewToolError(TavilyName, "api key is not configured", nil)
	}
	body, err := json.Marshal(tavilyRequest{
		APIKey:      t.apiKey,
		Query:       req.Query,
		MaxResults:  req.MaxResults,
		SearchDepth: t.depth,
	})
	if err != nil {
		return Result{}, errors.NewToolError(TavilyName, "encoding request", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return Result{}, errors.NewToolError(TavilyName, "building request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	data, err := do(ctx, t.client, TavilyName, httpReq)
	if err != nil {
		return Result{}, err
	}

	var parsed tavilyResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return Result{}, errors.NewToolError(TavilyName, "decoding response", err)
	}

	res := Result{}
	for _, r := range parsed.Results {
		res.Items = append(res.Items, Item{
			Title:     strings.TrimSpace(r.Title),
			URL:       r.URL,
			Content:   strings.TrimSpace(r.Content),
			Score:     r.Score,
			Published: r.PublishedDate,
		})
	}
	return res, nil
}
