// Package dedup suppresses duplicate ingress events arriving within a short
// window of one another, protecting against accidental duplicate POSTs
// (retries, multiple EA instances, polling overlap).
package dedup

import (
	"sync"
	"time"
)

// pruneThreshold is the table size at which Seen opportunistically prunes
// stale entries, to bound memory without needing a background goroutine.
const pruneThreshold = 2000

// pruneMultiple is how many multiples of the suppression window an entry must
// be older than before it is eligible for pruning.
const pruneMultiple = 4

// Key identifies one logical event for suppression purposes.
type Key struct {
	EventKind string
	Ticket    int64
	Symbol    string
}

// Filter suppresses duplicate Keys seen within Window of each other.
type Filter struct {
	Window time.Duration

	mu   sync.Mutex
	seen map[Key]time.Time
}

// New returns a Filter that suppresses duplicates within window.
func New(window time.Duration) *Filter {
	return &Filter{
		Window: window,
		seen:   make(map[Key]time.Time),
	}
}

// Seen reports whether key was already seen within the suppression window,
// recording it as seen-now regardless (so each call both checks and marks).
// A duplicate call still returns true every time it is observed within the
// window, never suppressing the caller's ability to ack the request.
func (f *Filter) Seen(key Key) bool {
	now := time.Now()

	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.seen) > pruneThreshold {
		cutoff := now.Add(-f.Window * pruneMultiple)
		for k, ts := range f.seen {
			if ts.Before(cutoff) {
				delete(f.seen, k)
			}
		}
	}

	last, ok := f.seen[key]
	isDuplicate := ok && now.Sub(last) < f.Window
	f.seen[key] = now
	return isDuplicate
}
