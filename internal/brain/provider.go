// Package brain talks to LLM backends: the search backend that discovers
// posts and the generation backend that writes analysis and drafts.
package brain

import (
	"context"
	"fmt"
)

// Provider is the interface for AI providers
type Provider interface {
	// Name returns the provider name (e.g., "grok", "claude")
	Name() string

	// Available returns true if the provider is configured and ready
	Available() bool

	// Generate sends a prompt and returns the response
	Generate(ctx context.Context, req Request) (Response, error)
}

// Request is a prompt request to an AI provider
type Request struct {
	SystemPrompt string
	UserPrompt   string
	MaxTokens    int
}

// Usage is the token accounting reported by the backend.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Response is the AI provider's response
type Response struct {
	Content     string
	Model       string
	Usage       Usage
	RawResponse string // The raw API response body for logging/debugging
}

// APIError is a non-2xx response from a provider. It preserves the upstream
// status and body so exhausted retries surface a useful message.
type APIError struct {
	Provider   string
	Status     int
	Body       string
	RetryAfter string // verbatim Retry-After header, if any
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s API error (status %d): %s", e.Provider, e.Status, e.Body)
}

// ProviderManager manages multiple AI providers with fallback
type ProviderManager struct {
	providers []Provider
	preferred string
}

// NewProviderManager creates a new provider manager
func NewProviderManager() *ProviderManager {
	return &ProviderManager{
		providers: make([]Provider, 0),
	}
}

// AddProvider adds a provider to the manager
func (pm *ProviderManager) AddProvider(p Provider) {
	pm.providers = append(pm.providers, p)
}

// SetPreferred sets the preferred provider by name
func (pm *ProviderManager) SetPreferred(name string) {
	pm.preferred = name
}

// GetAvailable returns the first available provider, preferring the preferred one
func (pm *ProviderManager) GetAvailable() Provider {
	if pm.preferred != "" {
		for _, p := range pm.providers {
			if p.Name() == pm.preferred && p.Available() {
				return p
			}
		}
	}

	for _, p := range pm.providers {
		if p.Available() {
			return p
		}
	}

	return nil
}
