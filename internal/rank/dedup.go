package rank

import "github.com/nbarger/crest/internal/post"

// SeenSet tracks URLs already emitted by earlier runs.
type SeenSet map[string]struct{}

// NewSeenSet builds a SeenSet from previously recorded URLs.
func NewSeenSet(urls []string) SeenSet {
	s := make(SeenSet, len(urls))
	for _, u := range urls {
		s[u] = struct{}{}
	}
	return s
}

// Has reports whether url has been seen.
func (s SeenSet) Has(url string) bool {
	_, ok := s[url]
	return ok
}

// Add records url as seen.
func (s SeenSet) Add(url string) {
	s[url] = struct{}{}
}

// Dedup returns the posts whose URLs have not been seen before. Within a
// batch the first occurrence of a URL wins. Every processed URL, new or
// already seen, ends up in seen — callers persist the set after the call.
// Posts without a URL pass through untouched.
func Dedup(posts []post.Post, seen SeenSet) []post.Post {
	var fresh []post.Post
	for _, p := range posts {
		if p.URL == "" {
			fresh = append(fresh, p)
			continue
		}
		if seen.Has(p.URL) {
			continue
		}
		seen.Add(p.URL)
		fresh = append(fresh, p)
	}
	return fresh
}
