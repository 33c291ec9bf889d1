package llm

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/genai"
)

// Gemini uses the Gemini API backend with an API key.
type Gemini struct {
	client *genai.Client
	opts   Options
}

func NewGemini(ctx context.Context, opts Options) (*Gemini, error) {
	if err := requireKey("Gemini", opts.APIKey); err != nil {
		return nil, err
	}
	if opts.Model == "" {
		opts.Model = "gemini-2.0-flash"
	}
	cfg := &genai.ClientConfig{
		APIKey:     opts.APIKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: opts.HTTPClient,
	}
	if opts.BaseURL != "" {
		cfg.HTTPOptions = genai.HTTPOptions{BaseURL: opts.BaseURL}
	}
	client, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}
	return &Gemini{client: client, opts: opts}, nil
}

func (c *Gemini) Name() string { return "gemini" }

func (c *Gemini) Complete(ctx context.Context, system, user string) (string, error) {
	genCfg := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(system, genai.RoleUser),
		Temperature:       genai.Ptr(float32(c.opts.Temperature)),
		MaxOutputTokens:   int32(c.opts.maxTokens()),
	}
	content := genai.NewContentFromText(user, genai.RoleUser)
	resp, err := c.client.Models.GenerateContent(ctx, c.opts.Model, []*genai.Content{content}, genCfg)
	if err != nil {
		return "", fmt.Errorf("failed to generate content with Gemini: %w", err)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", fmt.Errorf("no response candidates from Gemini")
	}

	var result strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if part != nil && part.Text != "" {
			result.WriteString(part.Text)
		}
	}
	return result.String(), nil
}
