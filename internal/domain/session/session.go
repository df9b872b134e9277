// Package session tracks per-session call state consulted during rule
// evaluation: tool counters, PII taints, and a bounded ring of recent
// events. State lives in memory under a single store mutex; readers get
// copied snapshots so matching never races a mutation.
package session

import (
	"sort"
	"time"

	"github.com/policyshield/policyshield/internal/domain/rule"
)

// ArgsSummaryLimit caps the stored argument summary per event.
const ArgsSummaryLimit = 200

// Event is one completed check recorded in a session's ring.
type Event struct {
	// Tool is the checked tool name.
	Tool string
	// Verdict is the final verdict of the check.
	Verdict rule.Verdict
	// RuleID is the matching rule, empty when the default verdict applied.
	RuleID string
	// At is when the check completed (UTC).
	At time.Time
	// ArgsSummary is a flattened argument preview truncated to
	// ArgsSummaryLimit bytes.
	ArgsSummary string
}

// State is the mutable per-session record. All access goes through the
// owning Store's mutex; callers outside this package see View copies.
type State struct {
	ID           string
	CreatedAt    time.Time
	LastAccessed time.Time

	ToolCounts map[string]int
	TotalCalls int

	// Taints accumulates PII type labels; entries are never removed
	// while the session lives.
	Taints map[string]struct{}
	// PIITainted is the derived flag set by post-check detection.
	PIITainted  bool
	TaintReason string

	ring *eventRing
}

// expired reports whether the state has outlived ttl as of now.
func (st *State) expired(ttl time.Duration, now time.Time) bool {
	return now.Sub(st.LastAccessed) > ttl
}

// View is an immutable snapshot of a session handed to the matcher and the
// HTTP surface. Maps and slices are copies.
type View struct {
	ID           string
	CreatedAt    time.Time
	LastAccessed time.Time

	ToolCounts map[string]int
	TotalCalls int

	Taints      []string
	PIITainted  bool
	TaintReason string

	// Events holds the ring contents, oldest first.
	Events []Event
}

// snapshot copies the state. Caller must hold the store mutex.
func (st *State) snapshot() View {
	counts := make(map[string]int, len(st.ToolCounts))
	for k, v := range st.ToolCounts {
		counts[k] = v
	}
	taints := make([]string, 0, len(st.Taints))
	for t := range st.Taints {
		taints = append(taints, t)
	}
	sort.Strings(taints)

	return View{
		ID:           st.ID,
		CreatedAt:    st.CreatedAt,
		LastAccessed: st.LastAccessed,
		ToolCounts:   counts,
		TotalCalls:   st.TotalCalls,
		Taints:       taints,
		PIITainted:   st.PIITainted,
		TaintReason:  st.TaintReason,
		Events:       st.ring.snapshot(),
	}
}

// eventRing is a fixed-capacity circular buffer. Append overwrites the
// oldest entry once full.
type eventRing struct {
	buf  []Event
	head int
	size int
}

func newEventRing(capacity int) *eventRing {
	if capacity <= 0 {
		capacity = rule.DefaultEventBufferSize
	}
	return &eventRing{buf: make([]Event, capacity)}
}

func (r *eventRing) append(e Event) {
	if r.size < len(r.buf) {
		r.buf[(r.head+r.size)%len(r.buf)] = e
		r.size++
		return
	}
	r.buf[r.head] = e
	r.head = (r.head + 1) % len(r.buf)
}

// snapshot returns the ring contents oldest first.
func (r *eventRing) snapshot() []Event {
	out := make([]Event, r.size)
	for i := 0; i < r.size; i++ {
		out[i] = r.buf[(r.head+i)%len(r.buf)]
	}
	return out
}
