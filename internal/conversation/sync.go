package conversation

import (
	"time"
)

// Window is a half-open time range [Start, End).  A zero Start means
// there is no lower bound.
type Window struct {
	Start time.Time
	End   time.Time
}

// Unbounded reports whether the window has no lower bound.
func (w Window) Unbounded() bool {
	return w.Start.IsZero()
}

// Contains reports whether t falls inside the window.
func (w Window) Contains(t time.Time) bool {
	if !w.Start.IsZero() && t.Before(w.Start) {
		return false
	}
	return t.Before(w.End)
}

// Union returns the smallest window covering both w and o.  A zero
// window is the identity.
func (w Window) Union(o Window) Window {
	if w.End.IsZero() {
		return o
	}
	if o.End.IsZero() {
		return w
	}
	out := w
	if o.Start.IsZero() || (!w.Start.IsZero() && o.Start.Before(w.Start)) {
		out.Start = o.Start
	}
	if o.End.After(w.End) {
		out.End = o.End
	}
	return out
}

// SyncPeriod records that a window has been fully synchronized.
type SyncPeriod struct {
	ID int64

	Window

	// Kind is the kind of sync that covered the window.
	Kind string

	// When the sync of this window completed.
	LastSynced time.Time

	Conversations int
	New           int
	Updated       int
}

// Sync kinds.  Initial and recent syncs extend the contiguous coverage
// that the next recent sync continues from.  Period and force syncs
// cover whatever window was asked for.
const (
	KindInitial = "initial"
	KindPeriod  = "period"
	KindRecent  = "recent"
	KindForce   = "force"
)

// Filter selects conversations from the local store.  Zero fields do
// not constrain the result.
type Filter struct {
	// Substring matched against message bodies.
	Text string

	CreatedAfter  time.Time
	CreatedBefore time.Time
	UpdatedAfter  time.Time
	UpdatedBefore time.Time

	CustomerEmail string

	// Maximum number of conversations returned.  Zero means the
	// store default.
	Limit int
}

// Freshness classifies how current the local data is relative to a
// requested timeframe.
type Freshness string

const (
	Fresh   Freshness = "fresh"
	Partial Freshness = "partial"
	Stale   Freshness = "stale"
	Failed  Freshness = "error"
)

// SyncState is the result of checking the local data against a
// requested timeframe.
type SyncState struct {
	State Freshness

	// Nil when no sync has ever completed.
	LastSync *time.Time

	// Human readable explanation.  Empty when the data is fresh.
	Message string

	// True when a sync should run before answering.
	ShouldSync bool

	DataComplete bool
}
