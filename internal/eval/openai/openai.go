package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/kiliankoe/promptarena/internal/eval"
)

const scoringSystemPrompt = `You are a strict judge for a prompt game. ` +
	`Score the player's submission for the named game. Respond with JSON only: ` +
	`{"raw_score": <0-100>, "normalized_score": <0.0-1.0>, "breakdown": {"<criterion>": <0.0-1.0>, ...}}`

type Client struct {
	APIKey  string
	BaseURL string
	Model   string
	http    *http.Client
}

func New(apiKey, baseURL, model string) *Client {
	if baseURL == "" {
		baseURL = "https://api.openai.com"
	}
	if model == "" {
		model = "gpt-4o-mini"
	}
	return &Client{APIKey: apiKey, BaseURL: strings.TrimRight(baseURL, "/"), Model: model, http: &http.Client{Timeout: 20 * time.Second}}
}

// Evaluate asks the model to score a submission and parses the JSON envelope
// it returns. Any transport or parse error surfaces to the caller; the worker
// loop treats those as retryable.
func (c *Client) Evaluate(ctx context.Context, game string, prompt string, extra map[string]string) (*eval.Result, error) {
	if c.APIKey == "" {
		return nil, errors.New("missing OPENAI_API_KEY")
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Game: %s\n", game)
	for k, v := range extra {
		fmt.Fprintf(&sb, "%s: %s\n", k, v)
	}
	fmt.Fprintf(&sb, "Submission:\n%s", prompt)

	payload := map[string]any{
		"model": c.Model,
		"messages": []map[string]string{
			{"role": "system", "content": scoringSystemPrompt},
			{"role": "user", "content": sb.String()},
		},
		"temperature":     0.0,
		"max_tokens":      300,
		"response_format": map[string]string{"type": "json_object"},
	}
	b, _ := json.Marshal(payload)
	req, _ := http.NewRequestWithContext(ctx, "POST", c.BaseURL+"/v1/chat/completions", bytes.NewReader(b))
	req.Header.Set("Authorization", "Bearer "+c.APIKey)
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("openai status %d", resp.StatusCode)
	}
	var out struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	if len(out.Choices) == 0 {
		return nil, errors.New("no choices")
	}
	return parseScore(out.Choices[0].Message.Content)
}

func parseScore(content string) (*eval.Result, error) {
	content = strings.TrimSpace(content)
	// models occasionally wrap JSON in a code fence despite instructions
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")

	var parsed struct {
		RawScore        float64            `json:"raw_score"`
		NormalizedScore float64            `json:"normalized_score"`
		Breakdown       map[string]float64 `json:"breakdown"`
	}
	if err := json.Unmarshal([]byte(strings.TrimSpace(content)), &parsed); err != nil {
		return nil, fmt.Errorf("parse score: %w", err)
	}
	if parsed.NormalizedScore < 0 || parsed.NormalizedScore > 1 {
		return nil, fmt.Errorf("normalized score out of range: %f", parsed.NormalizedScore)
	}
	return &eval.Result{
		RawScore:        parsed.RawScore,
		NormalizedScore: parsed.NormalizedScore,
		Breakdown:       parsed.Breakdown,
	}, nil
}
