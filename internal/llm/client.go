// Package llm wraps the language model providers used for configuration repair.
package llm

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/iac-studio/deployengine/pkg/config"
	appErr "github.com/iac-studio/deployengine/pkg/errors"
)

// Client completes a single system + user prompt pair.
type Client interface {
	Complete(ctx context.Context, system, user string) (string, error)
	Name() string
}

// Options are shared by every provider.
type Options struct {
	APIKey      string
	BaseURL     string
	Model       string
	Temperature float64
	MaxTokens   int
	HTTPClient  *http.Client
}

func (o Options) httpClient() *http.Client {
	if o.HTTPClient != nil {
		return o.HTTPClient
	}
	return &http.Client{}
}

func (o Options) maxTokens() int {
	if o.MaxTokens > 0 {
		return o.MaxTokens
	}
	return 8000
}

// NewFromConfig builds the client selected by AI_PROVIDER.
func NewFromConfig(ctx context.Context, c *config.Config) (Client, error) {
	httpClient := &http.Client{Timeout: c.AITimeout}
	if c.AITimeout <= 0 {
		httpClient.Timeout = 120 * time.Second
	}
	switch c.AIProvider {
	case "openai":
		return NewOpenAI(Options{APIKey: c.OpenAIAPIKey, BaseURL: c.OpenAIBaseURL, Model: c.OpenAIModel, Temperature: c.AITemperature, HTTPClient: httpClient})
	case "anthropic":
		return NewAnthropic(Options{APIKey: c.AnthropicAPIKey, BaseURL: c.AnthropicURL, Model: c.AnthropicModel, Temperature: c.AITemperature, HTTPClient: httpClient})
	case "gemini":
		return NewGemini(ctx, Options{APIKey: c.GeminiAPIKey, Model: c.GeminiModel, Temperature: c.AITemperature, HTTPClient: httpClient})
	default:
		return nil, appErr.Newf(appErr.CodeInvalid, "unknown AI provider %q", c.AIProvider)
	}
}

func requireKey(provider, key string) error {
	if strings.TrimSpace(key) == "" {
		return appErr.Newf(appErr.CodeInvalid, "%s API key not configured", provider)
	}
	return nil
}

// StripCodeFences drops markdown fence lines such as ```hcl or ```terraform.
func StripCodeFences(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	lines := strings.Split(s, "\n")
	out := make([]string, 0, len(lines))
	for _, ln := range lines {
		if strings.HasPrefix(strings.TrimSpace(ln), "```") {
			continue
		}
		out = append(out, ln)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}

func statusError(provider string, code int, body []byte) error {
	e := appErr.Newf(appErr.CodeUnavailable, "%s API request failed with status %d: %s", provider, code, truncate(body, 512))
	return e.WithMeta("status", code)
}
