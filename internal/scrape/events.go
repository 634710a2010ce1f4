package scrape

// EventKind names a progress notification emitted by the orchestrator.
type EventKind string

const (
	// EventAttempt fires when a request is issued to the backend.
	EventAttempt EventKind = "attempt"
	// EventExpanding fires when an empty result widens the window.
	EventExpanding EventKind = "expanding"
	// EventResponse fires when a backend response has been parsed.
	EventResponse EventKind = "response"
	// EventSourceComplete fires when one search in a multi-search run finishes.
	EventSourceComplete EventKind = "source-complete"
	// EventSourceError fires when one search in a multi-search run fails.
	EventSourceError EventKind = "source-error"
	// EventComplete fires when a run finishes.
	EventComplete EventKind = "complete"
	// EventError fires when a run fails.
	EventError EventKind = "error"
)

// Event is one progress notification. Consumption is optional; emitting an
// event never blocks or alters the run.
type Event struct {
	Kind     EventKind
	Search   string
	Window   Window
	Attempt  int
	Count    int    // posts seen (response) or kept (complete)
	Filtered int    // posts dropped by the threshold re-check
	Message  string // human-readable detail, set on errors
}

// Subscriber receives progress events. Implementations must return quickly
// and must not block the orchestrator.
type Subscriber interface {
	Publish(Event)
}

// SubscriberFunc adapts a function to the Subscriber interface.
type SubscriberFunc func(Event)

// Publish calls f(e).
func (f SubscriberFunc) Publish(e Event) { f(e) }
