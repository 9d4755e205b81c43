package search

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	DefaultEndpoint = "https://api.tavily.com/search"

	pageTimeout   = 10 * time.Second
	pageTextRunes = 2000
	errBodyRunes  = 200
)

// Config controls the Tavily client.
type Config struct {
	Endpoint   string
	APIKey     string
	MaxResults int
	Depth      string
	Timeout    time.Duration
	FetchPages bool
}

// Result is one normalised search hit.
type Result struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Content string `json:"content"`
}

type tavilyRequest struct {
	APIKey      string `json:"api_key"`
	Query       string `json:"query"`
	SearchDepth string `json:"search_depth"`
	MaxResults  int    `json:"max_results"`
}

type tavilyResponse struct {
	Results []Result `json:"results"`
}

// Client queries the Tavily search API and turns the hits into prompt
// snippets. It never returns an error; failures are reported through
// Diagnostics.
type Client struct {
	cfg    Config
	http   *http.Client
	cache  Cache
	logger *slog.Logger
}

// NewClient creates a Client. cache may be nil.
func NewClient(cfg Config, cache Cache) *Client {
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultEndpoint
	}
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = 3
	}
	if cfg.Depth == "" {
		cfg.Depth = "basic"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &Client{
		cfg:    cfg,
		http:   &http.Client{},
		cache:  cache,
		logger: slog.Default(),
	}
}

// Search runs query against Tavily and returns one text per result in the
// form "<title> - <content>\n<page text>".
func (c *Client) Search(ctx context.Context, query string) ([]string, Diagnostics) {
	diag := Diagnostics{
		Called: true,
		Params: &Params{
			Query:       query,
			MaxResults:  c.cfg.MaxResults,
			SearchDepth: c.cfg.Depth,
			APIKey:      MaskedAPIKey,
		},
	}

	if c.cache != nil && c.cfg.APIKey != "" {
		if e, ok := c.cache.Get(ctx, query); ok {
			e.Diagnostics.Cached = true
			e.Diagnostics.Params = diag.Params
			c.logger.Debug("search cache hit", "results", len(e.Texts))
			return e.Texts, e.Diagnostics
		}
	}

	texts := c.search(ctx, query, &diag)
	diag.finish()

	if diag.Success && c.cache != nil {
		if err := c.cache.Set(ctx, query, Entry{Texts: texts, Diagnostics: diag}); err != nil {
			c.logger.Warn("search cache write failed", "error", err)
		}
	}
	return texts, diag
}

func (c *Client) search(ctx context.Context, query string, diag *Diagnostics) []string {
	if c.cfg.APIKey == "" {
		c.logger.Warn("search skipped: no API key configured")
		diag.fail("no API key configured")
		return nil
	}

	// One deadline covers the API call and every page fetch.
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	results, err := c.query(ctx, query, diag)
	if err != nil {
		c.logger.Warn("search failed", "error", err)
		if isTimeout(err) {
			diag.fail("timeout")
		} else {
			diag.fail(err.Error())
		}
		return nil
	}

	diag.ResultsCount = len(results)
	if len(results) == 0 {
		c.logger.Warn("search returned no results")
		return nil
	}
	diag.Success = true
	return c.summarize(ctx, results)
}

func (c *Client) query(ctx context.Context, query string, diag *Diagnostics) ([]Result, error) {
	body, err := json.Marshal(tavilyRequest{
		APIKey:      c.cfg.APIKey,
		Query:       query,
		SearchDepth: c.cfg.Depth,
		MaxResults:  c.cfg.MaxResults,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	status := resp.StatusCode
	diag.HTTPStatus = &status

	if status != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("HTTP %d: %s", status, truncateRunes(string(b), errBodyRunes))
	}

	var tr tavilyResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	if len(tr.Results) > c.cfg.MaxResults {
		tr.Results = tr.Results[:c.cfg.MaxResults]
	}
	return tr.Results, nil
}

// summarize builds one text per result, enriching it with page text when
// page fetching is enabled. Results keep their provider order. A page that
// is not read before ctx expires contributes its snippet only.
func (c *Client) summarize(ctx context.Context, results []Result) []string {
	pages := make([]string, len(results))
	if c.cfg.FetchPages {
		g, gCtx := errgroup.WithContext(ctx)
		g.SetLimit(3)
		for i, r := range results {
			g.Go(func() error {
				pctx, cancel := context.WithTimeout(gCtx, pageTimeout)
				defer cancel()
				txt, err := fetchPageText(pctx, c.http, r.URL)
				if err != nil {
					c.logger.Debug("page fetch failed", "url", r.URL, "error", err)
					return nil
				}
				pages[i] = truncateRunes(txt, pageTextRunes)
				return nil
			})
		}
		g.Wait()
	}

	texts := make([]string, 0, len(results))
	for i, r := range results {
		summary := r.Content
		if pages[i] != "" {
			summary += "\n" + pages[i]
		}
		if strings.TrimSpace(summary) == "" {
			continue
		}
		texts = append(texts, r.Title+" - "+summary)
	}
	return texts
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
