package brain

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	jsoniter "github.com/json-iterator/go"
	"golang.org/x/time/rate"

	"github.com/nbarger/crest/internal/logging"
)

var grokJSON = jsoniter.ConfigCompatibleWithStandardLibrary

const grokEndpoint = "https://api.x.ai/v1/chat/completions"

// GrokProvider implements the Provider interface for xAI's Grok models.
// Grok is the search backend: it has live access to X and is asked to return
// matching posts as a JSON array.
type GrokProvider struct {
	apiKey  string
	model   string
	client  *http.Client
	limiter *rate.Limiter
}

// NewGrokProvider creates a new Grok provider
func NewGrokProvider(apiKey, model string) *GrokProvider {
	if model == "" {
		model = "grok-4-1-fast-non-reasoning"
	}
	return &GrokProvider{
		apiKey: apiKey,
		model:  model,
		client: &http.Client{
			Timeout: 120 * time.Second,
		},
		// Pace requests so sequential multi-query runs stay under the
		// API's rate limits.
		limiter: rate.NewLimiter(rate.Every(time.Second), 2),
	}
}

func (g *GrokProvider) Name() string {
	return "grok"
}

func (g *GrokProvider) Available() bool {
	return g.apiKey != ""
}

func (g *GrokProvider) Generate(ctx context.Context, req Request) (Response, error) {
	if !g.Available() {
		return Response{}, fmt.Errorf("grok provider not configured")
	}

	if err := g.limiter.Wait(ctx); err != nil {
		return Response{}, err
	}

	logging.Debug("Grok API request starting", "model", g.model)

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = 4096
	}

	// Grok uses OpenAI-compatible API format
	messages := []map[string]string{}
	if req.SystemPrompt != "" {
		messages = append(messages, map[string]string{
			"role":    "system",
			"content": req.SystemPrompt,
		})
	}
	messages = append(messages, map[string]string{
		"role":    "user",
		"content": req.UserPrompt,
	})

	body := map[string]interface{}{
		"model":      g.model,
		"max_tokens": maxTokens,
		"messages":   messages,
	}

	jsonBody, err := grokJSON.Marshal(body)
	if err != nil {
		return Response{}, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", grokEndpoint, bytes.NewReader(jsonBody))
	if err != nil {
		return Response{}, fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+g.apiKey)

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return Response{}, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return Response{}, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		logging.Error("Grok API error", "status", resp.StatusCode, "body", string(respBody))
		return Response{}, &APIError{
			Provider:   "grok",
			Status:     resp.StatusCode,
			Body:       string(respBody),
			RetryAfter: resp.Header.Get("Retry-After"),
		}
	}

	// Grok uses OpenAI-compatible response format
	var result struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
		Model string `json:"model"`
		Usage struct {
			PromptTokens     int `json:"prompt_tokens"`
			CompletionTokens int `json:"completion_tokens"`
		} `json:"usage"`
	}

	if err := grokJSON.Unmarshal(respBody, &result); err != nil {
		return Response{}, fmt.Errorf("failed to parse response: %w", err)
	}

	content := ""
	if len(result.Choices) > 0 {
		content = result.Choices[0].Message.Content
	}

	logging.Info("Grok API response",
		"model", result.Model,
		"content_length", len(content),
		"input_tokens", result.Usage.PromptTokens,
		"output_tokens", result.Usage.CompletionTokens)

	return Response{
		Content: content,
		Model:   result.Model,
		Usage: Usage{
			InputTokens:  result.Usage.PromptTokens,
			OutputTokens: result.Usage.CompletionTokens,
		},
		RawResponse: string(respBody),
	}, nil
}
