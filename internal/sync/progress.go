package sync

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/pkg/errors"
)

// Phase names the stage of a sync pass a Progress event belongs to.
type Phase string

const (
	PhaseSearch   Phase = "search"
	PhaseFetch    Phase = "fetch"
	PhaseComplete Phase = "complete"
)

// Progress is a fire-and-forget notification about a running sync.
type Progress struct {
	Phase   Phase
	Message string

	// Units depend on the phase: ids found while searching,
	// conversations processed while fetching.
	Current int
	Total   int

	// Time since the pass started.
	Elapsed time.Duration
}

// Text returns p.Message, or a count summary when the event has no
// message.
func (p Progress) Text() string {
	if p.Message != "" {
		return p.Message
	}
	return fmt.Sprintf("Progress: %d/%d", p.Current, p.Total)
}

// Func receives progress events.
type Func func(Progress)

// MessageFunc receives progress as a line of text.
type MessageFunc func(message string)

// CountFunc receives progress as counts and elapsed seconds.
type CountFunc func(current, total int, elapsed float64)

var ErrBadCallback = errors.New("unsupported progress callback type")

// AsFunc adapts any of the supported callback shapes to a Func.
func AsFunc(cb any) (Func, error) {
	switch f := cb.(type) {
	case nil:
		return nil, errors.Wrap(ErrBadCallback, "nil callback")
	case Func:
		return f, nil
	case func(Progress):
		return f, nil
	case MessageFunc:
		return messageFunc(f), nil
	case func(string):
		return messageFunc(f), nil
	case CountFunc:
		return countFunc(f), nil
	case func(int, int, float64):
		return countFunc(f), nil
	}
	return nil, errors.Wrapf(ErrBadCallback, "%T", cb)
}

func messageFunc(f func(string)) Func {
	return func(p Progress) { f(p.Text()) }
}

func countFunc(f func(int, int, float64)) Func {
	return func(p Progress) { f(p.Current, p.Total, p.Elapsed.Seconds()) }
}

// safe returns f wrapped so that a panicking callback is logged rather
// than taking down the sync.  A nil f yields a no-op.
func (f Func) safe(log *slog.Logger) Func {
	if f == nil {
		return func(Progress) {}
	}
	return func(p Progress) {
		defer func() {
			if r := recover(); r != nil {
				log.Warn("progress callback panicked", "panic", r, "phase", p.Phase)
			}
		}()
		f(p)
	}
}
