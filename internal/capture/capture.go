// Package capture observes the user's screen through a screenpipe instance
// and, when displays are reachable, perceptual frame hashes.
package capture

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Observation is one captured screen snapshot. Hash is filled in by the
// caller when the frame-hash capability is present.
type Observation struct {
	Title      string
	RawText    string
	CapturedAt time.Time
	Hash       uint64
	HashOK     bool
}

// Source produces window titles and full observations. Title is called every
// tick and must stay cheap; Capture only runs when a trigger fires.
type Source interface {
	Title(ctx context.Context) (string, error)
	Capture(ctx context.Context) (Observation, error)
}

// ScreenpipeSource reads OCR results from a local screenpipe HTTP server.
type ScreenpipeSource struct {
	baseURL    string
	httpClient *http.Client
}

func NewScreenpipeSource(baseURL string) *ScreenpipeSource {
	return &ScreenpipeSource{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 5 * time.Second},
	}
}

func (s *ScreenpipeSource) Title(ctx context.Context) (string, error) {
	obs, err := s.Capture(ctx)
	if err != nil {
		return "", err
	}
	return obs.Title, nil
}

// Capture fetches the most recent OCR frame.
func (s *ScreenpipeSource) Capture(ctx context.Context) (Observation, error) {
	q := url.Values{}
	q.Set("limit", "1")
	q.Set("offset", "0")
	q.Set("content_type", "ocr")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/search?"+q.Encode(), nil)
	if err != nil {
		return Observation{}, fmt.Errorf("create search request: %w", err)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return Observation{}, fmt.Errorf("query screenpipe: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return Observation{}, fmt.Errorf("screenpipe http %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var decoded struct {
		Data []struct {
			Content struct {
				Text       string `json:"text"`
				WindowName string `json:"window_name"`
			} `json:"content"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return Observation{}, fmt.Errorf("decode screenpipe response: %w", err)
	}
	if len(decoded.Data) == 0 {
		return Observation{}, fmt.Errorf("screenpipe returned no frames")
	}

	content := decoded.Data[0].Content
	return Observation{
		Title:      content.WindowName,
		RawText:    content.Text,
		CapturedAt: time.Now(),
	}, nil
}
