package sync

import (
	"context"
	"log/slog"
	"time"

	"github.com/pkg/errors"
)

const (
	DefaultSyncInterval = 10 * time.Minute

	defaultStaleLimit = 3
)

// Scheduler runs incremental syncs in the background.
type Scheduler struct {
	svc        *Service
	store      Store
	interval   time.Duration
	staleLimit int
	immediate  bool
	log        *slog.Logger
}

type SchedulerOption func(*Scheduler)

// WithStaleLimit sets how many recently requested but stale
// timeframes are refreshed per tick.  Zero disables the refresh.
func WithStaleLimit(n int) SchedulerOption {
	return func(s *Scheduler) { s.staleLimit = n }
}

// WithImmediateTick makes Run sync once before waiting for the first
// tick.
func WithImmediateTick(v bool) SchedulerOption {
	return func(s *Scheduler) { s.immediate = v }
}

func WithSchedulerLogger(l *slog.Logger) SchedulerOption {
	return func(s *Scheduler) { s.log = l }
}

// NewScheduler returns a scheduler syncing svc every interval.  A
// non-positive interval means DefaultSyncInterval.
func NewScheduler(svc *Service, interval time.Duration, opts ...SchedulerOption) *Scheduler {
	if interval <= 0 {
		interval = DefaultSyncInterval
	}
	s := &Scheduler{
		svc:        svc,
		store:      svc.store,
		interval:   interval,
		staleLimit: defaultStaleLimit,
		log:        svc.log,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Run syncs on every tick until ctx is cancelled.  Sync failures are
// logged and retried on the next tick.
func (s *Scheduler) Run(ctx context.Context) error {
	s.log.Info("background sync started", "interval", s.interval)
	defer s.log.Info("background sync stopped")

	if s.immediate {
		s.Tick(ctx)
	}
	t := time.NewTicker(s.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs one incremental sync, then refreshes timeframes that were
// requested recently but are now stale.
func (s *Scheduler) Tick(ctx context.Context) {
	st, err := s.svc.SyncRecent(ctx)
	if !s.report(ctx, "recent", err) {
		return
	}
	if err == nil {
		s.log.Info("background sync complete", "conversations", st.Total, "new", st.New, "errors", st.Errors)
	}
	if s.staleLimit <= 0 {
		return
	}

	windows, err := s.store.StaleTimeframes(ctx, s.svc.Freshness())
	if err != nil {
		s.log.Warn("unable to list stale timeframes", "err", err)
		return
	}
	for i, w := range windows {
		if i == s.staleLimit || ctx.Err() != nil {
			return
		}
		if w.Unbounded() || !w.Start.Before(w.End) {
			continue
		}
		_, err := s.svc.SyncPeriod(ctx, w.Start, w.End, nil)
		if !s.report(ctx, "stale timeframe", err) {
			return
		}
	}
}

// report logs err and reports whether the tick should continue.
func (s *Scheduler) report(ctx context.Context, what string, err error) bool {
	switch {
	case err == nil:
		return true
	case errors.Is(err, ErrAlreadyRunning):
		s.log.Debug("skipping background sync, another sync is running", "sync", what)
		return false
	case ctx.Err() != nil:
		return false
	}
	s.log.Error("background sync failed", "sync", what, "err", err)
	return true
}
