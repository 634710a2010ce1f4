package scrape

import (
	"context"

	"github.com/nbarger/crest/internal/brain"
	"github.com/nbarger/crest/internal/logging"
	"github.com/nbarger/crest/internal/post"
)

// Failure records one failed search in a multi-search run.
type Failure struct {
	Name string
	Err  error
}

// Summary aggregates a multi-search run: combined posts, total token usage,
// and the per-search failures that did not stop the run. Failures is a slice
// rather than a name-keyed map so every failed search counts even when names
// repeat.
type Summary struct {
	Posts    []post.Post
	Usage    brain.Usage
	Failures []Failure
}

// RunAll executes queries strictly sequentially, to bound backend load and
// keep token accounting simple. A failure in one search is recorded and
// reported via events but does not abort the remaining searches.
func (o *Orchestrator) RunAll(ctx context.Context, queries []Query) Summary {
	var sum Summary

	for _, q := range queries {
		if ctx.Err() != nil {
			sum.Failures = append(sum.Failures, Failure{Name: q.Name, Err: ctx.Err()})
			continue
		}

		res, err := o.Run(ctx, q)
		sum.Usage.InputTokens += res.Usage.InputTokens
		sum.Usage.OutputTokens += res.Usage.OutputTokens

		if err != nil {
			logging.Error("search failed", "search", q.Name, "error", err)
			sum.Failures = append(sum.Failures, Failure{Name: q.Name, Err: err})
			o.publish(Event{Kind: EventSourceError, Search: q.Name, Message: err.Error()})
			continue
		}

		sum.Posts = append(sum.Posts, res.Posts...)
		o.publish(Event{Kind: EventSourceComplete, Search: q.Name, Window: res.FinalWindow, Count: len(res.Posts)})
	}

	return sum
}
