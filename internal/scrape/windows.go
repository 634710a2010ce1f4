package scrape

// Window is the lookback period for a search, drawn from a totally ordered
// set. When a search comes back empty the orchestrator widens the window one
// step at a time until posts appear or the widest window is exhausted.
type Window string

const (
	Window1H  Window = "1h"
	Window6H  Window = "6h"
	Window12H Window = "12h"
	Window24H Window = "24h"
	Window7D  Window = "7d"
	Window30D Window = "30d"
)

// windowOrder lists windows narrowest to widest.
var windowOrder = []Window{Window1H, Window6H, Window12H, Window24H, Window7D, Window30D}

// windowLabels render a window for prompt text.
var windowLabels = map[Window]string{
	Window1H:  "the last hour",
	Window6H:  "the last 6 hours",
	Window12H: "the last 12 hours",
	Window24H: "the last 24 hours",
	Window7D:  "the last 7 days",
	Window30D: "the last 30 days",
}

// NextWindow returns the next wider window. The widest window has no
// successor; ok is false there.
func NextWindow(w Window) (next Window, ok bool) {
	for i, cur := range windowOrder {
		if cur == w && i+1 < len(windowOrder) {
			return windowOrder[i+1], true
		}
	}
	return "", false
}

// Valid reports whether w is a known window.
func (w Window) Valid() bool {
	for _, cur := range windowOrder {
		if cur == w {
			return true
		}
	}
	return false
}

// Label returns prompt-friendly phrasing for the window.
func (w Window) Label() string {
	if l, ok := windowLabels[w]; ok {
		return l
	}
	return string(w)
}
