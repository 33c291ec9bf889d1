package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

type anthropicMessage struct {
	Role    string           `json:"role"`
	Content []map[string]any `json:"content"`
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature float64            `json:"temperature"`
	System      string             `json:"system,omitempty"`
	Messages    []anthropicMessage `json:"messages"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

// Anthropic speaks the Messages API.
type Anthropic struct {
	opts Options
}

func NewAnthropic(opts Options) (*Anthropic, error) {
	if err := requireKey("Anthropic", opts.APIKey); err != nil {
		return nil, err
	}
	if opts.BaseURL == "" {
		opts.BaseURL = "https://api.anthropic.com/v1"
	}
	if opts.Model == "" {
		opts.Model = "claude-3-5-sonnet-20241022"
	}
	return &Anthropic{opts: opts}, nil
}

func (c *Anthropic) Name() string { return "anthropic" }

func (c *Anthropic) Complete(ctx context.Context, system, user string) (string, error) {
	reqBody := anthropicRequest{
		Model:       c.opts.Model,
		MaxTokens:   c.opts.maxTokens(),
		Temperature: c.opts.Temperature,
		System:      system,
		Messages: []anthropicMessage{{
			Role:    "user",
			Content: []map[string]any{{"type": "text", "text": user}},
		}},
	}
	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(c.opts.BaseURL, "/")+"/messages", bytes.NewBuffer(jsonData))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", strings.TrimSpace(c.opts.APIKey))
	httpReq.Header.Set("anthropic-version", "2023-06-01")

	resp, err := c.opts.httpClient().Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", statusError("Anthropic", resp.StatusCode, body)
	}

	var parsed anthropicResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("failed to unmarshal response: %w", err)
	}
	for _, block := range parsed.Content {
		if strings.TrimSpace(block.Text) != "" {
			return block.Text, nil
		}
	}
	return "", fmt.Errorf("no response content from Anthropic")
}
