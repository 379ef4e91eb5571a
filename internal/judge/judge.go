// Package judge normalizes external relevance judgments into typed verdicts.
// Every operation degrades on failure: the pipeline must keep running with a
// broken or unreachable judge.
package judge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"net/http"
	"strings"
	"time"
	"unicode"

	"github.com/driftwatch/driftwatch/internal/config"
	"github.com/driftwatch/driftwatch/internal/sanitize"
)

const systemTemplate = `You are a focus assistant. You receive (1) the user's WORK TASK description and (2) the TEXT CURRENTLY VISIBLE on their screen.
Your job: return a JSON object with keys:
  relevance: integer 0-100 (how related the screen is to the task; 0 = totally unrelated)
  summary  : short description of what the screen appears to show
  hint     : (optional) short advice to regain focus if relevance is low.
Respond with JSON only, no extra commentary.`

const scheduleSystem = "Your role is to check whether the user is working when they should be. " +
	"Compare their stated schedule with the current time."

const checkinSystem = "You are having a voice conversation with the user. Their recent activity " +
	"seems unaligned with their goals. Ask about their current activity and how it relates to " +
	"their goals. Keep it within two sentences. Reply directly to the user."

// Verdict is the normalized relevance judgment.
type Verdict struct {
	Score     int
	Summary   string
	Hint      string
	CostUSD   float64
	ModelUsed string
}

// NeutralVerdict is substituted for any evaluator failure, never nil.
func NeutralVerdict(modelUsed string) Verdict {
	return Verdict{Score: 50, Summary: "(failed)", Hint: "", CostUSD: 0, ModelUsed: modelUsed}
}

// FailureKind tags why an evaluation could not produce a real verdict.
type FailureKind string

const (
	FailTimeout   FailureKind = "timeout"
	FailTransport FailureKind = "transport"
	FailHTTP      FailureKind = "http-status"
	FailMalformed FailureKind = "malformed-json"
	FailSchema    FailureKind = "bad-schema"
)

// Outcome is the tagged result of one judge call: either a verdict or a typed
// failure. Callers that only want the degrade-to-neutral behavior use
// Evaluate instead.
type Outcome struct {
	Verdict Verdict
	Failed  bool
	Kind    FailureKind
	Err     error
}

// Message is one chat turn in a judge request.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

type Client struct {
	apiKey      string
	baseURL     string
	defaultCode string
	models      map[string]ModelInfo
	timeout     time.Duration
	httpClient  *http.Client
}

func NewClient(cfg *config.Config) *Client {
	c := &Client{
		apiKey:      cfg.Judge.APIKey,
		baseURL:     strings.TrimRight(strings.TrimSpace(cfg.Judge.BaseURL), "/"),
		defaultCode: cfg.Judge.Model,
		timeout:     time.Duration(cfg.Judge.TimeoutSeconds) * time.Second,
		models:      make(map[string]ModelInfo, len(builtinModels)),
	}
	if c.baseURL == "" {
		c.baseURL = "https://api.openai.com/v1"
	}
	if c.defaultCode == "" {
		c.defaultCode = DefaultModelCode
	}
	if c.timeout <= 0 {
		c.timeout = time.Duration(config.DefaultJudgeTimeoutSeconds) * time.Second
	}
	for code, info := range builtinModels {
		c.models[code] = info
	}
	for code, entry := range cfg.Judge.Models {
		c.models[code] = ModelInfo{
			ExternalID: entry.ExternalID,
			PriceIn:    entry.PriceIn,
			PriceOut:   entry.PriceOut,
		}
	}
	c.httpClient = &http.Client{Timeout: c.timeout}
	return c
}

// Evaluate scores the sanitized window text against the task. Any failure of
// the call, the parse or the schema yields the canonical neutral verdict; it
// never propagates an error.
func (c *Client) Evaluate(ctx context.Context, task, windowText, customInstruction, modelCode string) Verdict {
	out := c.EvaluateOutcome(ctx, task, windowText, customInstruction, modelCode)
	if out.Failed {
		log.Printf("[judge] evaluate failed (%s): %v", out.Kind, out.Err)
	}
	return out.Verdict
}

// EvaluateOutcome is Evaluate with the failure reason preserved.
func (c *Client) EvaluateOutcome(ctx context.Context, task, windowText, customInstruction, modelCode string) Outcome {
	code, info := c.resolveModel(modelCode)

	system := systemTemplate
	if strings.TrimSpace(customInstruction) != "" {
		system += "\nAdditional instruction: " + strings.TrimSpace(customInstruction)
	}

	messages := []Message{
		{Role: "system", Content: system},
		{Role: "user", Content: "WORK_TASK:\n" + strings.TrimSpace(task)},
		{Role: "assistant", Content: "Acknowledged."},
		{Role: "user", Content: "WINDOW_TEXT:\n" + sanitize.Truncate(windowText, sanitize.MaxChars)},
	}

	content, u, kind, err := c.chat(ctx, info.ExternalID, messages)
	if err != nil {
		return Outcome{Verdict: NeutralVerdict(code), Failed: true, Kind: kind, Err: err}
	}

	var parsed struct {
		Relevance *int   `json:"relevance"`
		Summary   string `json:"summary"`
		Hint      string `json:"hint"`
	}
	if err := json.Unmarshal([]byte(content), &parsed); err != nil {
		return Outcome{
			Verdict: NeutralVerdict(code),
			Failed:  true,
			Kind:    FailMalformed,
			Err:     fmt.Errorf("parse judge body: %w", err),
		}
	}
	if parsed.Relevance == nil || parsed.Summary == "" {
		return Outcome{
			Verdict: NeutralVerdict(code),
			Failed:  true,
			Kind:    FailSchema,
			Err:     fmt.Errorf("judge body missing relevance/summary: %q", content),
		}
	}

	score := *parsed.Relevance
	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}

	return Outcome{Verdict: Verdict{
		Score:     score,
		Summary:   parsed.Summary,
		Hint:      parsed.Hint,
		CostUSD:   cost(u, info),
		ModelUsed: code,
	}}
}

// cost applies the per-1K-token price pair, rounded to 6 decimal places.
// Zero when the response carried no usage counters or the code has no price.
func cost(u usage, info ModelInfo) float64 {
	raw := (float64(u.PromptTokens)*info.PriceIn + float64(u.CompletionTokens)*info.PriceOut) / 1000
	return math.Round(raw*1e6) / 1e6
}

// SuggestKeywords asks the judge for up to k single-word lowercase ASCII
// keywords describing the task. Used only when the user supplied none.
// Returns an empty list on any failure.
func (c *Client) SuggestKeywords(ctx context.Context, task, modelCode string, k int) []string {
	if k <= 0 {
		return nil
	}
	_, info := c.resolveModel(modelCode)

	messages := []Message{
		{Role: "system", Content: fmt.Sprintf(
			"Suggest up to %d single-word lowercase ASCII keywords that would appear on screen while working on the task. Return a JSON array of strings only.", k)},
		{Role: "user", Content: strings.TrimSpace(task)},
	}

	content, _, kind, err := c.chat(ctx, info.ExternalID, messages)
	if err != nil {
		log.Printf("[judge] suggest keywords failed (%s): %v", kind, err)
		return nil
	}

	var words []string
	if err := json.Unmarshal([]byte(content), &words); err != nil {
		log.Printf("[judge] suggest keywords: parse: %v", err)
		return nil
	}

	out := make([]string, 0, k)
	for _, w := range words {
		w = strings.ToLower(strings.TrimSpace(w))
		if w == "" || !isASCIIWord(w) {
			continue
		}
		out = append(out, w)
		if len(out) == k {
			break
		}
	}
	return out
}

// WithinSchedule asks the judge whether the current time falls inside the
// user's stated schedule. False on any failure.
func (c *Client) WithinSchedule(ctx context.Context, schedule, nowText, modelCode string) bool {
	_, info := c.resolveModel(modelCode)

	messages := []Message{
		{Role: "system", Content: scheduleSystem},
		{Role: "user", Content: "My preferred schedule is " + strings.TrimSpace(schedule)},
		{Role: "system", Content: "Current time is " + nowText},
		{Role: "system", Content: "Return a single word `True` or `False`. Say 'True' if the current time is within the user's schedule. Say 'False' if it's outside the schedule."},
	}

	content, _, kind, err := c.chat(ctx, info.ExternalID, messages)
	if err != nil {
		log.Printf("[judge] schedule check failed (%s): %v", kind, err)
		return false
	}
	return strings.EqualFold(strings.TrimSpace(content), "true")
}

// DraftCheckinMessage drafts the opening line for a voice escalation from the
// user's goals, their recent screen text and the conversation so far. Empty
// string on failure; the caller falls back to a canned message.
func (c *Client) DraftCheckinMessage(ctx context.Context, goals, recentText, modelCode string, turns []Message) string {
	_, info := c.resolveModel(modelCode)

	messages := make([]Message, 0, len(turns)+3)
	messages = append(messages, Message{Role: "system", Content: checkinSystem})
	messages = append(messages, turns...)
	messages = append(messages,
		Message{Role: "user", Content: "The user's current goals are: " + strings.TrimSpace(goals)},
		Message{Role: "system", Content: "The user's screen last showed the following text: " + sanitize.Truncate(recentText, sanitize.MaxChars)},
	)

	content, _, kind, err := c.chat(ctx, info.ExternalID, messages)
	if err != nil {
		log.Printf("[judge] draft check-in failed (%s): %v", kind, err)
		return ""
	}
	return strings.TrimSpace(content)
}

// chat posts one chat-completion request and returns the first choice's
// content plus the usage counters.
func (c *Client) chat(ctx context.Context, model string, messages []Message) (string, usage, FailureKind, error) {
	var u usage

	payload, err := json.Marshal(map[string]any{
		"model":    model,
		"messages": messages,
	})
	if err != nil {
		return "", u, FailMalformed, fmt.Errorf("marshal request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return "", u, FailTransport, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return "", u, FailTimeout, fmt.Errorf("judge request timed out: %w", err)
		}
		return "", u, FailTransport, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", u, FailTransport, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", u, FailHTTP, fmt.Errorf("judge http %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var decoded struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
		Usage usage `json:"usage"`
	}
	if err := json.Unmarshal(respBody, &decoded); err != nil {
		return "", u, FailMalformed, fmt.Errorf("decode response: %w", err)
	}
	if len(decoded.Choices) == 0 {
		return "", u, FailSchema, fmt.Errorf("empty choices in response")
	}

	content := strings.TrimSpace(decoded.Choices[0].Message.Content)
	if content == "" {
		return "", decoded.Usage, FailSchema, fmt.Errorf("empty content in response")
	}
	return content, decoded.Usage, "", nil
}

func isASCIIWord(s string) bool {
	for _, r := range s {
		if r > unicode.MaxASCII || unicode.IsSpace(r) {
			return false
		}
	}
	return true
}
