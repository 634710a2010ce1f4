// Package scrape drives retrieval runs against the LLM search backend,
// surviving truncated output, transient failures, and empty results.
package scrape

import (
	"context"
	"fmt"
	"time"

	"github.com/nbarger/crest/internal/brain"
	"github.com/nbarger/crest/internal/logging"
	"github.com/nbarger/crest/internal/post"
	"github.com/nbarger/crest/internal/salvage"
)

// DefaultQueryTimeout is the hard ceiling for one query, retries and window
// expansion included. Guards against the backend hanging.
const DefaultQueryTimeout = 180 * time.Second

// Orchestrator executes retrieval queries to completion.
type Orchestrator struct {
	provider brain.Provider
	sub      Subscriber
	timeout  time.Duration

	// delayFn is swapped out in tests to avoid real backoff sleeps.
	delayFn func(error, int) time.Duration
}

// New creates an orchestrator over the given search backend. sub may be nil.
// A timeout of 0 means DefaultQueryTimeout.
func New(provider brain.Provider, sub Subscriber, timeout time.Duration) *Orchestrator {
	if timeout <= 0 {
		timeout = DefaultQueryTimeout
	}
	return &Orchestrator{
		provider: provider,
		sub:      sub,
		timeout:  timeout,
		delayFn:  brain.RetryDelay,
	}
}

// Result is the outcome of one query run. It is merged or discarded as a
// unit, never partially persisted.
type Result struct {
	Posts       []post.Post
	Usage       brain.Usage
	FinalWindow Window
}

// Run executes one query: issue the request, retry transient failures,
// salvage and re-filter the response, and widen the window on empty results.
// An empty result after the widest window is a valid, non-error outcome.
func (o *Orchestrator) Run(ctx context.Context, q Query) (Result, error) {
	window := q.Window
	if !window.Valid() {
		window = windowOrder[0]
	}

	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	var usage brain.Usage
	for {
		resp, err := o.attempt(ctx, q, window)
		if err != nil {
			o.publish(Event{Kind: EventError, Search: q.Name, Window: window, Message: err.Error()})
			return Result{}, err
		}
		usage.InputTokens += resp.Usage.InputTokens
		usage.OutputTokens += resp.Usage.OutputTokens

		posts := salvage.Posts(resp.Content)
		kept, filtered := applyThresholds(posts, q)
		o.publish(Event{Kind: EventResponse, Search: q.Name, Window: window, Count: len(posts), Filtered: filtered})
		if filtered > 0 {
			logging.Info("filtered out below-threshold posts", "search", q.Name, "count", filtered)
		}

		if len(kept) > 0 {
			if q.MaxResults > 0 && len(kept) > q.MaxResults {
				kept = kept[:q.MaxResults]
			}
			stamp(kept, q)
			o.publish(Event{Kind: EventComplete, Search: q.Name, Window: window, Count: len(kept)})
			return Result{Posts: kept, Usage: usage, FinalWindow: window}, nil
		}

		next, ok := NextWindow(window)
		if !ok {
			o.publish(Event{Kind: EventComplete, Search: q.Name, Window: window, Count: 0})
			logging.Info("no results after full window expansion", "search", q.Name)
			return Result{Usage: usage, FinalWindow: window}, nil
		}
		o.publish(Event{Kind: EventExpanding, Search: q.Name, Window: next})
		logging.Info("no results, expanding window", "search", q.Name, "from", window, "to", next)
		window = next
	}
}

// attempt issues the request for one window, retrying per the retry policy.
// The attempt counter resets whenever the window changes.
func (o *Orchestrator) attempt(ctx context.Context, q Query, window Window) (brain.Response, error) {
	var lastErr error
	for attempt := 1; attempt <= brain.MaxAttempts; attempt++ {
		o.publish(Event{Kind: EventAttempt, Search: q.Name, Window: window, Attempt: attempt})

		resp, err := o.provider.Generate(ctx, buildRequest(q, window))
		if err == nil {
			return resp, nil
		}
		lastErr = err

		if !brain.IsRetryable(err) {
			return brain.Response{}, err
		}
		if attempt == brain.MaxAttempts {
			break
		}

		wait := o.delayFn(err, attempt)
		logging.Warn("retryable backend failure", "search", q.Name, "attempt", attempt, "wait", wait, "error", err)
		select {
		case <-ctx.Done():
			return brain.Response{}, ctx.Err()
		case <-time.After(wait):
		}
	}
	return brain.Response{}, fmt.Errorf("search %q failed after %d attempts: %w", q.Name, brain.MaxAttempts, lastErr)
}

func (o *Orchestrator) publish(e Event) {
	if o.sub != nil {
		o.sub.Publish(e)
	}
}

// applyThresholds re-checks minViews/minLikes server-side. The backend is
// instructed to pre-filter, but a generative backend following instructions
// is not a guarantee anyone should rely on.
func applyThresholds(posts []post.Post, q Query) (kept []post.Post, filtered int) {
	for _, p := range posts {
		if q.MinViews > 0 && p.Views < q.MinViews {
			filtered++
			continue
		}
		if q.MinLikes > 0 && p.Likes < q.MinLikes {
			filtered++
			continue
		}
		kept = append(kept, p)
	}
	return kept, filtered
}

// stamp records provenance on every kept post.
func stamp(posts []post.Post, q Query) {
	now := time.Now()
	for i := range posts {
		posts[i].ScrapedAt = now
		posts[i].SearchName = q.Name
		posts[i].SourceType = q.SourceType
		posts[i].SourceValue = q.SourceValue
	}
}
