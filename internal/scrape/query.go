package scrape

import (
	"fmt"
	"strings"

	"github.com/nbarger/crest/internal/brain"
)

// Query describes one retrieval against the search backend.
type Query struct {
	Name        string // search name, recorded as provenance
	SourceType  string // "search", "user", or "hashtag"
	SourceValue string
	Goal        string // what kinds of posts we are after
	Window      Window // starting window; widened on empty results
	MaxResults  int
	MinViews    int
	MinLikes    int
}

// buildRequest renders the query into a backend prompt asking for a JSON
// array of post objects. The backend is told to pre-filter by engagement,
// but the orchestrator re-checks regardless.
func buildRequest(q Query, window Window) brain.Request {
	var b strings.Builder

	switch q.SourceType {
	case "user":
		fmt.Fprintf(&b, "Find the highest-engagement posts by the X user @%s from %s.\n", strings.TrimPrefix(q.SourceValue, "@"), window.Label())
	case "hashtag":
		fmt.Fprintf(&b, "Find the highest-engagement X posts tagged #%s from %s.\n", strings.TrimPrefix(q.SourceValue, "#"), window.Label())
	default:
		fmt.Fprintf(&b, "Find the highest-engagement X posts matching %q from %s.\n", q.SourceValue, window.Label())
	}

	if q.Goal != "" {
		fmt.Fprintf(&b, "Focus: %s\n", q.Goal)
	}
	if q.MaxResults > 0 {
		fmt.Fprintf(&b, "Return at most %d posts.\n", q.MaxResults)
	}
	if q.MinViews > 0 {
		fmt.Fprintf(&b, "Only include posts with at least %d views.\n", q.MinViews)
	}
	if q.MinLikes > 0 {
		fmt.Fprintf(&b, "Only include posts with at least %d likes.\n", q.MinLikes)
	}

	b.WriteString("\nRespond with ONLY a JSON array. Each element: " +
		`{"id", "text", "author", "handle", "likes", "retweets", "views", "replies", "url", "image_urls", "posted_at"}. ` +
		"Numbers must be plain integers. No commentary, no markdown fences.")

	return brain.Request{
		SystemPrompt: "You are a social media research assistant with live access to X. You return only machine-readable JSON.",
		UserPrompt:   b.String(),
		MaxTokens:    8192,
	}
}
