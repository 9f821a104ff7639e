package sync

import (
	"fmt"
	"time"

	"github.com/matta/fastintercom/internal/conversation"
)

// Stats is the outcome of one sync.  A Stats is never modified after
// it is returned; Merge builds a new value.
type Stats struct {
	// Identifies the sync run in logs and notifications.
	RunID string

	Window conversation.Window

	// Conversations fetched and stored, split into those seen for
	// the first time and those already stored.
	Total   int
	New     int
	Updated int

	// Messages across all stored conversations.
	Messages int

	// Conversations not fetched because the stored copy was current.
	Skipped int

	// Remote calls, counting search pages, retries and fetches.
	APICalls int

	// Per-conversation fetch failures.
	Errors int

	Duration time.Duration

	// Stored conversations by UTC day of last update, keyed
	// "2006-01-02".  May be nil.
	PerDate map[string]int
}

// Merge returns the field-wise combination of s and o: counts add,
// Duration is the longer of the two and Window covers both.
func (s Stats) Merge(o Stats) Stats {
	out := Stats{
		RunID:    s.RunID,
		Window:   s.Window.Union(o.Window),
		Total:    s.Total + o.Total,
		New:      s.New + o.New,
		Updated:  s.Updated + o.Updated,
		Messages: s.Messages + o.Messages,
		Skipped:  s.Skipped + o.Skipped,
		APICalls: s.APICalls + o.APICalls,
		Errors:   s.Errors + o.Errors,
		Duration: max(s.Duration, o.Duration),
	}
	if out.RunID == "" {
		out.RunID = o.RunID
	}
	if len(s.PerDate)+len(o.PerDate) > 0 {
		out.PerDate = make(map[string]int, len(s.PerDate)+len(o.PerDate))
		for k, v := range s.PerDate {
			out.PerDate[k] += v
		}
		for k, v := range o.PerDate {
			out.PerDate[k] += v
		}
	}
	return out
}

func (s Stats) String() string {
	return fmt.Sprintf("%d conversations (%d new, %d updated, %d skipped), %d messages, %d API calls, %d errors in %.1fs",
		s.Total, s.New, s.Updated, s.Skipped, s.Messages, s.APICalls, s.Errors, s.Duration.Seconds())
}
