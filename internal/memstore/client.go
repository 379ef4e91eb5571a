// Package memstore talks to a mem0-compatible memory service. Every operation
// degrades to empty results on failure; long-term memory is an enrichment,
// never a dependency.
package memstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/driftwatch/driftwatch/internal/config"
)

const goalsQuery = "goals, tasks, and intentions for the day"

// Memory is one stored fact about the user.
type Memory struct {
	ID       string            `json:"id"`
	Text     string            `json:"memory"`
	Metadata map[string]string `json:"metadata"`
}

type Client struct {
	baseURL    string
	userID     string
	enabled    bool
	httpClient *http.Client
}

func NewClient(cfg *config.Config) *Client {
	return &Client{
		baseURL:    strings.TrimRight(cfg.Memory.BaseURL, "/"),
		userID:     cfg.Memory.UserID,
		enabled:    cfg.Memory.Enabled && cfg.Memory.BaseURL != "",
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *Client) Enabled() bool {
	return c != nil && c.enabled
}

// Search returns up to limit memories matching the query. Empty on any
// failure or when the service is disabled.
func (c *Client) Search(ctx context.Context, query string, limit int) []Memory {
	if !c.Enabled() {
		return nil
	}

	body := map[string]any{
		"query":   query,
		"user_id": c.userID,
		"limit":   limit,
	}

	var decoded struct {
		Results []Memory `json:"results"`
	}
	if err := c.post(ctx, "/v1/memories/search/", body, &decoded); err != nil {
		log.Printf("[memstore] search failed: %v", err)
		return nil
	}
	return decoded.Results
}

// Add stores a new memory with optional metadata.
func (c *Client) Add(ctx context.Context, content string, metadata map[string]string) error {
	if !c.Enabled() {
		return nil
	}

	body := map[string]any{
		"messages": []map[string]string{{"role": "user", "content": content}},
		"user_id":  c.userID,
	}
	if len(metadata) > 0 {
		body["metadata"] = metadata
	}

	if err := c.post(ctx, "/v1/memories/", body, nil); err != nil {
		return fmt.Errorf("add memory: %w", err)
	}
	return nil
}

// UserGoals returns the stored goal memories joined into one prompt-ready
// string. Empty when nothing is stored or the service is down.
func (c *Client) UserGoals(ctx context.Context) string {
	memories := c.Search(ctx, goalsQuery, 50)

	var goals []string
	for _, m := range memories {
		if m.Metadata["category"] != "goals" {
			continue
		}
		if text := strings.TrimSpace(m.Text); text != "" {
			goals = append(goals, text)
		}
	}
	return strings.Join(goals, "; ")
}

func (c *Client) post(ctx context.Context, path string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("memory service http %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
