package providers

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/hochfrequenz/trend-orchestrator/internal/config"
)

// Tavily is a search provider backed by the Tavily search API
type Tavily struct {
	id      string
	baseURL string
	http    *jsonClient
}

// NewTavily creates a Tavily adapter from provider settings
func NewTavily(p config.ProviderConfig, client *http.Client) *Tavily {
	base := p.BaseURL
	if base == "" {
		base = "https://api.tavily.com"
	}
	return &Tavily{id: p.ID, baseURL: base, http: newJSONClient(p.ID, client, p.APIKey)}
}

func (t *Tavily) ID() string { return t.id }

type tavilyRequest struct {
	Query          string   `json:"query"`
	Topic          string   `json:"topic"`
	SearchDepth    string   `json:"search_depth,omitempty"`
	MaxResults     int      `json:"max_results,omitempty"`
	IncludeAnswer  bool     `json:"include_answer"`
	IncludeDomains []string `json:"include_domains,omitempty"`
	ExcludeDomains []string `json:"exclude_domains,omitempty"`
}

type tavilyResponse struct {
	Query   string `json:"query"`
	Answer  string `json:"answer"`
	Results []struct {
		Title         string  `json:"title"`
		URL           string  `json:"url"`
		Content       string  `json:"content"`
		Score         float64 `json:"score"`
		PublishedDate string  `json:"published_date"`
	} `json:"results"`
}

// Search runs one query made of terms
func (t *Tavily) Search(ctx context.Context, terms []string, opts SearchOptions) ([]SearchResult, error) {
	req := tavilyRequest{
		Query:          strings.Join(terms, " "),
		Topic:          "news",
		SearchDepth:    opts.Depth,
		MaxResults:     opts.MaxResults,
		IncludeAnswer:  opts.IncludeAnswer,
		IncludeDomains: opts.IncludeDomains,
		ExcludeDomains: opts.ExcludeDomains,
	}

	var resp tavilyResponse
	if err := t.http.do(ctx, http.MethodPost, joinURL(t.baseURL, "search"), req, &resp); err != nil {
		return nil, err
	}

	results := make([]SearchResult, 0, len(resp.Results))
	for _, r := range resp.Results {
		if r.URL == "" {
			continue
		}
		results = append(results, SearchResult{
			URL:         r.URL,
			Title:       r.Title,
			Snippet:     r.Content,
			PublishedAt: parsePublished(r.PublishedDate),
			Score:       r.Score,
		})
	}
	return results, nil
}

var publishedLayouts = []string{
	time.RFC3339,
	time.RFC1123,
	time.RFC1123Z,
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// parsePublished accepts the date formats news sources commonly report; unknown formats yield the zero time
func parsePublished(s string) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}
	}
	for _, layout := range publishedLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts.UTC()
		}
	}
	return time.Time{}
}
