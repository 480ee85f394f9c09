package transcript

import (
	"sync"

	"github.com/scribeware/scribe-core/internal/recognizer"
)

type segmentKey struct {
	sessionID    uint64
	segmentIndex int
}

// Accumulator merges interim and final events from possibly overlapping
// sessions into one monotonically growing transcript. Apply is the only
// mutator and must be called from a single goroutine; Snapshot is safe to
// call concurrently.
type Accumulator struct {
	mu      sync.RWMutex
	stable  string
	interim string
	seen    map[segmentKey]struct{}
	applied []Segment
}

// Segment is one finalized piece of the transcript.
type Segment struct {
	SessionID    uint64
	SegmentIndex int
	Text         string
}

func NewAccumulator() *Accumulator {
	return &Accumulator{seen: make(map[segmentKey]struct{})}
}

// Apply folds one recognition event into the transcript. Duplicate finals
// (same session and segment index, possible when a draining session races
// the handoff) are ignored. Returns true when the stable text grew.
func (a *Accumulator) Apply(ev recognizer.Event) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !ev.Final {
		a.interim = ev.Text
		return false
	}

	key := segmentKey{sessionID: ev.SessionID, segmentIndex: ev.SegmentIndex}
	if _, dup := a.seen[key]; dup {
		return false
	}
	a.seen[key] = struct{}{}
	a.stable += ev.Text
	a.interim = ""
	a.applied = append(a.applied, Segment{
		SessionID:    ev.SessionID,
		SegmentIndex: ev.SegmentIndex,
		Text:         ev.Text,
	})
	return true
}

// Snapshot returns the finalized text and the current interim tail.
func (a *Accumulator) Snapshot() (stable string, interim string) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.stable, a.interim
}

// Segments returns the finalized segments in arrival order.
func (a *Accumulator) Segments() []Segment {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return append([]Segment(nil), a.applied...)
}

// Reset clears the transcript. Only called on explicit user action.
func (a *Accumulator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stable = ""
	a.interim = ""
	a.seen = make(map[segmentKey]struct{})
	a.applied = nil
}
