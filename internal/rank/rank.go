// Package rank consolidates retrieval output into bounded, ranked,
// deduplicated collections.
package rank

import (
	"sort"

	"github.com/nbarger/crest/internal/post"
)

// DefaultCap bounds a ranked collection.
const DefaultCap = 200

// MergeRankCap merges incoming posts into an existing collection: posts are
// keyed by id with incoming data winning on collision (freshly observed
// engagement numbers supersede stale ones), sorted by engagement score
// descending, truncated to limit, and re-ranked 1..n.
//
// Ties on equal score break by post ID ascending so results are reproducible
// across runs. The operation is idempotent: merging a merged collection with
// nothing yields the same collection.
func MergeRankCap(existing, incoming []post.Post, limit int) []post.Post {
	if limit <= 0 {
		limit = DefaultCap
	}

	merged := make([]post.Post, 0, len(existing)+len(incoming))
	index := make(map[string]int, len(existing))

	for _, p := range existing {
		if i, ok := index[p.ID]; ok {
			merged[i] = p
			continue
		}
		index[p.ID] = len(merged)
		merged = append(merged, p)
	}
	for _, p := range incoming {
		if i, ok := index[p.ID]; ok {
			merged[i] = p
			continue
		}
		index[p.ID] = len(merged)
		merged = append(merged, p)
	}

	for i := range merged {
		merged[i].ComputeScore()
	}

	sort.SliceStable(merged, func(i, j int) bool {
		if merged[i].EngagementScore != merged[j].EngagementScore {
			return merged[i].EngagementScore > merged[j].EngagementScore
		}
		return merged[i].ID < merged[j].ID
	})

	if len(merged) > limit {
		merged = merged[:limit]
	}
	for i := range merged {
		merged[i].Rank = i + 1
	}
	return merged
}
