// Copyright 2019 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package sync

import (
	"context"
	"log/slog"
	stdsync "sync"
	"time"

	"github.com/matta/fastintercom/internal/conversation"
	"github.com/matta/fastintercom/internal/persist"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// ErrAlreadyRunning is returned by a Reject service asked to sync
// while another sync is in progress.
var ErrAlreadyRunning = errors.New("a sync is already running")

// BusyPolicy decides what a sync request does while another sync is
// running.
type BusyPolicy int

const (
	// Reject fails the request with ErrAlreadyRunning.
	Reject BusyPolicy = iota

	// Wait blocks until the running sync finishes and returns its
	// result.
	Wait
)

// Sync kinds, as recorded in the sync log.
const (
	KindInitial = conversation.KindInitial
	KindPeriod  = conversation.KindPeriod
	KindRecent  = conversation.KindRecent
	KindForce   = conversation.KindForce
)

// RunInfo describes a sync in progress.
type RunInfo struct {
	RunID   string
	Kind    string
	Window  conversation.Window
	Started time.Time
}

// Status is a snapshot of the service.
type Status struct {
	Running bool
	Current *RunInfo

	// The most recent finished sync.  Last is nil until one
	// finishes; LastErr is its error, if any.
	Last         *Stats
	LastErr      error
	LastFinished time.Time
}

// flight is a sync in progress.  stats and err are set before done is
// closed.
type flight struct {
	info  RunInfo
	done  chan struct{}
	stats Stats
	err   error
}

type callback struct {
	id int
	fn Func
}

// Service decides what to sync and makes sure only one sync runs at a
// time.  The zero value is not usable; call NewService.
type Service struct {
	coord     *Coordinator
	store     Store
	cfg       Config
	policy    BusyPolicy
	lookback  time.Duration
	daysCap   int
	freshness time.Duration
	notifier  Notifier
	log       *slog.Logger
	now       func() time.Time

	mu           stdsync.Mutex // guards the fields below
	current      *flight
	last         *Stats
	lastErr      error
	lastFinished time.Time
	callbacks    []callback
	nextID       int
}

type ServiceOption func(*Service)

// WithCoordinatorConfig sets the configuration of every pass.
func WithCoordinatorConfig(cfg Config) ServiceOption {
	return func(s *Service) { s.cfg = cfg }
}

func WithBusyPolicy(p BusyPolicy) ServiceOption {
	return func(s *Service) { s.policy = p }
}

// WithRecentLookback sets how far back SyncRecent looks when nothing
// has been synced yet.
func WithRecentLookback(d time.Duration) ServiceOption {
	return func(s *Service) { s.lookback = d }
}

// WithInitialDaysCap limits the history SyncInitial fetches.  Zero
// means no limit.
func WithInitialDaysCap(days int) ServiceOption {
	return func(s *Service) { s.daysCap = days }
}

// WithFreshness sets how old local data may be before SyncIfNeeded
// refreshes it.
func WithFreshness(d time.Duration) ServiceOption {
	return func(s *Service) { s.freshness = d }
}

func WithNotifier(n Notifier) ServiceOption {
	return func(s *Service) { s.notifier = n }
}

func WithLogger(l *slog.Logger) ServiceOption {
	return func(s *Service) { s.log = l }
}

func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) { s.now = now }
}

func NewService(remote Remote, store Store, opts ...ServiceOption) *Service {
	s := &Service{
		store:     store,
		cfg:       DefaultConfig(),
		policy:    Reject,
		lookback:  6 * time.Hour,
		freshness: 5 * time.Minute,
		log:       slog.Default(),
		now:       time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	s.coord = NewCoordinator(remote, store, WithCoordinatorLogger(s.log), WithCoordinatorClock(s.now))
	return s
}

// Freshness returns how old local data may be before it is refreshed.
func (s *Service) Freshness() time.Duration {
	return s.freshness
}

// SyncInitial synchronizes the last days days.  Zero days means all
// history.
func (s *Service) SyncInitial(ctx context.Context, days int) (Stats, error) {
	if days < 0 {
		return Stats{}, errors.Errorf("negative day count %d", days)
	}
	if s.daysCap > 0 && (days == 0 || days > s.daysCap) {
		s.log.Info("limiting initial sync", "requested_days", days, "days", s.daysCap)
		days = s.daysCap
	}
	now := s.now()
	w := conversation.Window{End: now}
	if days > 0 {
		w.Start = now.AddDate(0, 0, -days)
	}
	return s.run(ctx, KindInitial, w, s.cfg, nil)
}

// SyncPeriod synchronizes [start, end).  progress, if not nil, receives
// this sync's events in addition to the registered callbacks.
func (s *Service) SyncPeriod(ctx context.Context, start, end time.Time, progress Func) (Stats, error) {
	return s.run(ctx, KindPeriod, conversation.Window{Start: start, End: end}, s.cfg, progress)
}

// SyncRecent synchronizes everything since the last successful sync.
func (s *Service) SyncRecent(ctx context.Context) (Stats, error) {
	now := s.now()
	last, ok, err := s.store.LastSyncTime(ctx)
	if err != nil {
		return Stats{}, &StoreError{Op: "read last sync time", Err: err}
	}
	start := now.Add(-s.lookback)
	if ok && last.Before(now) {
		start = last
	}
	return s.run(ctx, KindRecent, conversation.Window{Start: start, End: now}, s.cfg, nil)
}

// ForceSync refetches every conversation active in the last days days,
// whether or not the local copy is current.
func (s *Service) ForceSync(ctx context.Context, days int) (Stats, error) {
	if days <= 0 {
		return Stats{}, errors.Errorf("invalid day count %d", days)
	}
	cfg := s.cfg
	cfg.SkipUnchanged = false
	now := s.now()
	return s.run(ctx, KindForce, conversation.Window{Start: now.AddDate(0, 0, -days), End: now}, cfg, nil)
}

// SyncIfNeeded checks how current the local data is for the given
// timeframe and, when it is stale, syncs before returning the state.
// Nil bounds check the data as a whole.
func (s *Service) SyncIfNeeded(ctx context.Context, start, end *time.Time) (*conversation.SyncState, error) {
	state, err := s.store.CheckSyncState(ctx, start, end, s.freshness)
	if err != nil {
		return nil, errors.Wrap(err, "checking sync state")
	}
	if state.State != conversation.Stale || !state.ShouldSync {
		return state, nil
	}

	if start != nil && end != nil {
		_, err = s.SyncPeriod(ctx, *start, *end, nil)
	} else {
		_, err = s.SyncRecent(ctx)
	}
	switch {
	case errors.Is(err, ErrAlreadyRunning):
		state.Message += "; a sync is already running"
		return state, nil
	case err != nil:
		state.State = conversation.Failed
		state.Message = "sync failed: " + err.Error()
		return state, errors.Wrap(err, "refreshing stale data")
	}
	after, err := s.store.CheckSyncState(ctx, start, end, s.freshness)
	if err != nil {
		return nil, errors.Wrap(err, "checking sync state")
	}
	return after, nil
}

// Status reports what the service is doing without waiting for it.
func (s *Service) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{
		Last:         s.last,
		LastErr:      s.lastErr,
		LastFinished: s.lastFinished,
	}
	if s.current != nil {
		info := s.current.info
		st.Running = true
		st.Current = &info
	}
	return st
}

// AddProgressCallback registers cb to receive the events of every
// sync.  cb may be any type AsFunc accepts.  The returned function
// unregisters it.
func (s *Service) AddProgressCallback(cb any) (remove func(), err error) {
	fn, err := AsFunc(cb)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	s.callbacks = append(s.callbacks, callback{id: id, fn: fn.safe(s.log)})
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, c := range s.callbacks {
			if c.id == id {
				s.callbacks = append(s.callbacks[:i:i], s.callbacks[i+1:]...)
				return
			}
		}
	}, nil
}

// broadcast returns a Func delivering events to every registered
// callback and to extra.
func (s *Service) broadcast(extra Func) Func {
	extra = extra.safe(s.log)
	return func(p Progress) {
		s.mu.Lock()
		cbs := make([]Func, len(s.callbacks))
		for i, c := range s.callbacks {
			cbs[i] = c.fn
		}
		s.mu.Unlock()
		for _, fn := range cbs {
			fn(p)
		}
		extra(p)
	}
}

// run executes one pass unless another is in progress, in which case
// the busy policy applies.
func (s *Service) run(ctx context.Context, kind string, w conversation.Window, cfg Config, progress Func) (Stats, error) {
	s.mu.Lock()
	if f := s.current; f != nil {
		s.mu.Unlock()
		if s.policy == Reject {
			return Stats{}, ErrAlreadyRunning
		}
		s.log.Debug("waiting for running sync", "run", f.info.RunID)
		select {
		case <-f.done:
			return f.stats, f.err
		case <-ctx.Done():
			return Stats{}, errors.Wrap(ctx.Err(), "waiting for running sync")
		}
	}
	f := &flight{
		info: RunInfo{
			RunID:   uuid.NewString(),
			Kind:    kind,
			Window:  w,
			Started: s.now(),
		},
		done: make(chan struct{}),
	}
	s.current = f
	s.mu.Unlock()

	f.stats, f.err = s.pass(ctx, f.info, cfg, progress)

	s.mu.Lock()
	s.current = nil
	last := f.stats
	s.last = &last
	s.lastErr = f.err
	s.lastFinished = s.now()
	s.mu.Unlock()
	close(f.done)
	return f.stats, f.err
}

func (s *Service) pass(ctx context.Context, info RunInfo, cfg Config, progress Func) (Stats, error) {
	log := s.log.With("run", info.RunID, "kind", info.Kind)
	run := persist.SyncRun{
		RunID:     info.RunID,
		Kind:      info.Kind,
		StartedAt: info.Started,
		Window:    info.Window,
	}
	var err error
	run.ID, err = s.store.BeginSyncRun(ctx, run)
	if err != nil {
		log.Warn("unable to record sync start", "err", err)
	}

	cfg.Kind = info.Kind
	st, err := s.coord.Run(ctx, info.Window.Start, info.Window.End, cfg, s.broadcast(progress))
	st.RunID = info.RunID

	if run.ID != 0 {
		run.Status = persist.RunCompleted
		run.Conversations = st.Total
		run.Messages = st.Messages
		run.Errors = st.Errors
		if err != nil {
			run.Status = persist.RunFailed
			run.ErrorMessage = err.Error()
		}
		// The pass may have ended because ctx did; the outcome is
		// still worth recording.
		if ferr := s.store.FinishSyncRun(context.WithoutCancel(ctx), run); ferr != nil {
			log.Warn("unable to record sync result", "err", ferr)
		}
	}
	if err != nil {
		log.Error("sync failed", "err", err, "stats", st.String())
		return st, err
	}

	log.Info("sync complete", "stats", st.String())
	if s.notifier != nil {
		if nerr := s.notifier.SyncCompleted(ctx, st); nerr != nil {
			log.Warn("unable to publish sync completion", "err", nerr)
		}
	}
	return st, nil
}
