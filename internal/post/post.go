// Package post defines the core content model: one discovered social post
// with engagement counts and provenance.
package post

import "time"

// Post is one discovered social post. URL is the stable dedup key across
// sources; ID is stable only within one source system.
type Post struct {
	ID          string    `json:"id"`
	Text        string    `json:"text"`
	Author      string    `json:"author"`
	Handle      string    `json:"handle"`
	Likes       int       `json:"likes"`
	Retweets    int       `json:"retweets"`
	Views       int       `json:"views"`
	Replies     int       `json:"replies"`
	URL         string    `json:"url"`
	ImageURLs   []string  `json:"image_urls,omitempty"`
	PostedAt    string    `json:"posted_at,omitempty"`
	ScrapedAt   time.Time `json:"scraped_at"`
	SearchName  string    `json:"search_name,omitempty"`
	SourceType  string    `json:"source_type,omitempty"`
	SourceValue string    `json:"source_value,omitempty"`

	// EngagementScore is derived from the counts above via Score.
	EngagementScore int `json:"engagement_score"`

	// Rank is the 1-based position within a ranked collection.
	// Zero outside of one.
	Rank int `json:"rank,omitempty"`
}

// Score is the canonical popularity ordering key. Every ranking and
// "top N" selection in the system must go through this one function.
func Score(views, likes, retweets, replies int) int {
	return views + likes*10 + retweets*5 + replies*3
}

// ComputeScore refreshes the post's EngagementScore from its counts.
func (p *Post) ComputeScore() {
	p.EngagementScore = Score(p.Views, p.Likes, p.Retweets, p.Replies)
}
