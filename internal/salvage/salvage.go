// Package salvage recovers post records from the search backend's free-form
// text output. The backend is asked for a JSON array but routinely returns
// fenced markdown, prose, or an array truncated mid-object when it runs out
// of tokens. Salvage treats all of those as data, never as errors.
package salvage

import (
	"strconv"
	"strings"

	jsoniter "github.com/json-iterator/go"

	"github.com/nbarger/crest/internal/logging"
	"github.com/nbarger/crest/internal/post"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// rawPost mirrors the fields the backend is instructed to emit. Engagement
// counts arrive as numbers, numeric strings, or not at all.
type rawPost struct {
	ID        string   `json:"id"`
	Text      string   `json:"text"`
	Author    string   `json:"author"`
	Handle    string   `json:"handle"`
	Likes     any      `json:"likes"`
	Retweets  any      `json:"retweets"`
	Views     any      `json:"views"`
	Replies   any      `json:"replies"`
	URL       string   `json:"url"`
	ImageURLs []string `json:"image_urls"`
	PostedAt  string   `json:"posted_at"`
}

// Posts extracts every usable post from raw model output. It never fails:
// unsalvageable input yields an empty slice.
//
// The fallback brace scan does not account for '{' or '}' inside JSON string
// values. The backend's payload fields contain no literal braces in practice,
// so this matches the behavior callers depend on.
func Posts(raw string) []post.Post {
	text := stripFence(raw)

	var rawPosts []rawPost
	if err := json.UnmarshalFromString(text, &rawPosts); err == nil {
		return validateAll(rawPosts)
	}

	// Full parse failed; the output was likely cut off mid-object.
	// Recover every balanced top-level object that parses on its own.
	var salvaged []rawPost
	for _, candidate := range scanObjects(text) {
		var rp rawPost
		if err := json.UnmarshalFromString(candidate, &rp); err != nil {
			continue
		}
		salvaged = append(salvaged, rp)
	}
	if len(salvaged) > 0 {
		logging.Warn("salvaged posts from malformed response", "count", len(salvaged))
	}
	return validateAll(salvaged)
}

// stripFence removes a single markdown code fence wrapping the payload,
// optionally tagged "json".
func stripFence(s string) string {
	t := strings.TrimSpace(s)
	if !strings.HasPrefix(t, "```") {
		return t
	}

	t = strings.TrimPrefix(t, "```")
	t = strings.TrimPrefix(t, "json")
	if strings.HasSuffix(t, "```") {
		t = strings.TrimSuffix(t, "```")
	}
	return strings.TrimSpace(t)
}

// scanObjects walks the text tracking brace depth and returns each substring
// where the depth returns to zero, i.e. each balanced top-level object.
func scanObjects(s string) []string {
	var objects []string
	depth := 0
	start := -1

	for i, c := range s {
		switch c {
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth == 0 {
				continue
			}
			depth--
			if depth == 0 && start >= 0 {
				objects = append(objects, s[start:i+1])
				start = -1
			}
		}
	}
	return objects
}

func validateAll(raws []rawPost) []post.Post {
	var posts []post.Post
	for _, rp := range raws {
		p, ok := validate(rp)
		if !ok {
			logging.Warn("dropping invalid post from response", "id", rp.ID, "url", rp.URL)
			continue
		}
		posts = append(posts, p)
	}
	return posts
}

// validate checks required fields and coerces engagement counts, defaulting
// missing counts to zero.
func validate(rp rawPost) (post.Post, bool) {
	if strings.TrimSpace(rp.ID) == "" ||
		strings.TrimSpace(rp.URL) == "" ||
		strings.TrimSpace(rp.Text) == "" {
		return post.Post{}, false
	}

	p := post.Post{
		ID:        strings.TrimSpace(rp.ID),
		Text:      rp.Text,
		Author:    rp.Author,
		Handle:    rp.Handle,
		Likes:     coerceCount(rp.Likes),
		Retweets:  coerceCount(rp.Retweets),
		Views:     coerceCount(rp.Views),
		Replies:   coerceCount(rp.Replies),
		URL:       strings.TrimSpace(rp.URL),
		ImageURLs: rp.ImageURLs,
		PostedAt:  rp.PostedAt,
	}
	p.ComputeScore()
	return p, true
}

// coerceCount accepts the number shapes models actually produce.
func coerceCount(v any) int {
	switch n := v.(type) {
	case nil:
		return 0
	case float64:
		return int(n)
	case int:
		return n
	case string:
		cleaned := strings.ReplaceAll(strings.TrimSpace(n), ",", "")
		if cleaned == "" {
			return 0
		}
		if i, err := strconv.Atoi(cleaned); err == nil {
			return i
		}
		if f, err := strconv.ParseFloat(cleaned, 64); err == nil {
			return int(f)
		}
		return 0
	default:
		return 0
	}
}
