// Package timeframe turns phrases like "last 7 days" or "since
// monday" into time ranges.
package timeframe

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/matta/fastintercom/internal/conversation"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/pkg/errors"
)

// DefaultDays is the range used for text that cannot be understood.
const DefaultDays = 7

// Range is a half-open interval [Start, End).  The zero Range places
// no bounds.
type Range struct {
	Start time.Time
	End   time.Time
}

func (r Range) IsZero() bool {
	return r.Start.IsZero() && r.End.IsZero()
}

func (r Range) Window() conversation.Window {
	return conversation.Window{Start: r.Start, End: r.End}
}

// Bounds returns pointers to the ends of r, nil for the zero Range.
func (r Range) Bounds() (start, end *time.Time) {
	if r.IsZero() {
		return nil, nil
	}
	s, e := r.Start, r.End
	return &s, &e
}

var (
	fixed = map[string]time.Duration{
		"last 24 hours": 24 * time.Hour,
		"today":         24 * time.Hour,
		"last 7 days":   7 * 24 * time.Hour,
		"this week":     7 * 24 * time.Hour,
		"last 30 days":  30 * 24 * time.Hour,
		"this month":    30 * 24 * time.Hour,
	}

	relative = regexp.MustCompile(`^(?:last|past)\s+(\d+)\s+(hour|day|week|month)s?$`)

	parser = func() *when.Parser {
		w := when.New(nil)
		w.Add(en.All...)
		w.Add(common.All...)
		return w
	}()
)

// Parse interprets text relative to now.  Empty text yields the zero
// Range.  Text that names no recognizable time yields the last
// DefaultDays days.
func Parse(text string, now time.Time) (Range, error) {
	t := strings.Join(strings.Fields(strings.ToLower(text)), " ")
	if t == "" {
		return Range{}, nil
	}
	if d, ok := fixed[t]; ok {
		return Range{Start: now.Add(-d), End: now}, nil
	}
	switch t {
	case "yesterday":
		today := midnight(now)
		return Range{Start: today.AddDate(0, 0, -1), End: today}, nil
	case "last week":
		monday := midnight(now).AddDate(0, 0, -daysSinceMonday(now))
		return Range{Start: monday.AddDate(0, 0, -7), End: monday}, nil
	}
	if m := relative.FindStringSubmatch(t); m != nil {
		n, err := strconv.Atoi(m[1])
		if err != nil || n <= 0 {
			return Range{}, errors.Errorf("invalid timeframe %q", text)
		}
		var start time.Time
		switch m[2] {
		case "hour":
			start = now.Add(-time.Duration(n) * time.Hour)
		case "day":
			start = now.AddDate(0, 0, -n)
		case "week":
			start = now.AddDate(0, 0, -7*n)
		case "month":
			start = now.AddDate(0, -n, 0)
		}
		return Range{Start: start, End: now}, nil
	}

	r, err := parser.Parse(t, now)
	if err != nil {
		return Range{}, errors.Wrapf(err, "parsing timeframe %q", text)
	}
	if r == nil || !r.Time.Before(now) {
		return Range{Start: now.AddDate(0, 0, -DefaultDays), End: now}, nil
	}
	return Range{Start: r.Time, End: now}, nil
}

// ParseDate accepts an RFC 3339 timestamp or a YYYY-MM-DD date, which
// means midnight UTC.
func ParseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	if t, err := time.Parse("2006-01-02T15:04:05", s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return time.Time{}, errors.Errorf("invalid date %q, want YYYY-MM-DD or RFC 3339", s)
	}
	return t, nil
}

func midnight(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

func daysSinceMonday(t time.Time) int {
	return (int(t.Weekday()) + 6) % 7
}
