package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/kalambet/pal/internal/config"
	"github.com/kalambet/pal/internal/memory"
	"github.com/kalambet/pal/internal/storage"
)

type apiClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

var newAPIClient = func() (*apiClient, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	return &apiClient{
		baseURL:    fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port),
		token:      cfg.API.Token,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}, nil
}

func (c *apiClient) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshalling request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("server not reachable, is pal running? (%w)", err)
	}
	return resp, nil
}

func (c *apiClient) get(ctx context.Context, path string) (*http.Response, error) {
	return c.do(ctx, "GET", path, nil)
}

func (c *apiClient) post(ctx context.Context, path string, body any) (*http.Response, error) {
	return c.do(ctx, "POST", path, body)
}

func (c *apiClient) delete(ctx context.Context, path string) (*http.Response, error) {
	return c.do(ctx, "DELETE", path, nil)
}

// apiError is the error body written by the server.
type apiError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

func decodeJSON(resp *http.Response, v any) error {
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("server returned %d (failed to read body: %w)", resp.StatusCode, err)
		}
		var ae apiError
		if json.Unmarshal(body, &ae) == nil && ae.Error.Message != "" {
			return fmt.Errorf("server returned %d: %s", resp.StatusCode, ae.Error.Message)
		}
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, string(body))
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

type historyPage struct {
	Interactions []storage.Interaction `json:"interactions"`
	Total        int                   `json:"total"`
}

func fetchHistory(ctx context.Context, c *apiClient, limit, offset int) (historyPage, error) {
	var page historyPage
	resp, err := c.get(ctx, fmt.Sprintf("/history?limit=%d&offset=%d", limit, offset))
	if err != nil {
		return page, err
	}
	err = decodeJSON(resp, &page)
	return page, err
}

func fetchMemories(ctx context.Context, c *apiClient) ([]memory.Record, error) {
	var recs []memory.Record
	resp, err := c.get(ctx, "/memory/list")
	if err != nil {
		return nil, err
	}
	err = decodeJSON(resp, &recs)
	return recs, err
}

func queryMemories(ctx context.Context, c *apiClient, q string, n int) ([]memory.Record, error) {
	var recs []memory.Record
	resp, err := c.get(ctx, fmt.Sprintf("/memory/query?q=%s&n=%d", url.QueryEscape(q), n))
	if err != nil {
		return nil, err
	}
	err = decodeJSON(resp, &recs)
	return recs, err
}
