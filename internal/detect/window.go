package detect

import (
	"time"

	"github.com/authsentry/authsentry/internal/model"
)

// windowEntry pairs a failure event with its parsed timestamp so eviction
// does not re-parse.
type windowEntry struct {
	ts    time.Time
	event model.NormalizedEvent
}

// failureWindow is the monotonic FIFO one grouping key slides over its
// own failure stream. Every key owns a separate window: bounds and counts
// never mix across keys. Windows only advance forward in event time; wall
// clock is never involved.
type failureWindow struct {
	entries []windowEntry
	maxAge  time.Duration
}

func newFailureWindow(maxAge time.Duration) *failureWindow {
	return &failureWindow{maxAge: maxAge}
}

// Push appends the event and evicts entries older than now − maxAge from
// the front.
func (w *failureWindow) Push(ts time.Time, event model.NormalizedEvent) {
	w.entries = append(w.entries, windowEntry{ts: ts, event: event})
	cutoff := ts.Add(-w.maxAge)
	start := 0
	for start < len(w.entries) && w.entries[start].ts.Before(cutoff) {
		start++
	}
	if start > 0 {
		w.entries = w.entries[start:]
	}
}

// Bounds returns the canonical timestamps of the first and last entries.
func (w *failureWindow) Bounds() (string, string) {
	if len(w.entries) == 0 {
		return "", ""
	}
	return w.entries[0].event.Timestamp, w.entries[len(w.entries)-1].event.Timestamp
}

// Events returns the events currently inside the window, oldest first.
func (w *failureWindow) Events() []model.NormalizedEvent {
	out := make([]model.NormalizedEvent, len(w.entries))
	for i, entry := range w.entries {
		out[i] = entry.event
	}
	return out
}

// Len returns the number of events currently inside the window.
func (w *failureWindow) Len() int {
	return len(w.entries)
}
