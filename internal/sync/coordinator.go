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

// Package sync mirrors Intercom conversations into the local store.
//
// A sync pass over a window runs in two phases.  The search phase
// pages through the conversations active in the window and collects
// their ids.  The fetch phase downloads each conversation in full and
// stores it, a few at a time.  The window is recorded as covered only
// when the whole pass succeeds.
package sync

import (
	"context"
	"fmt"
	"log/slog"
	stdsync "sync"
	"sync/atomic"
	"time"

	"github.com/matta/fastintercom/internal/conversation"
	"github.com/matta/fastintercom/internal/intercom"

	"github.com/pkg/errors"
	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrNoneProcessed is returned when conversations were found but
	// every one of them failed to fetch.
	ErrNoneProcessed = errors.New("no conversations could be processed")
)

// StoreError is a failure writing to the local store.  It ends the
// pass.
type StoreError struct {
	Op  string
	ID  string
	Err error
}

func (e *StoreError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("local store: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("local store: %s conversation %s: %v", e.Op, e.ID, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// Config tunes one sync pass.
type Config struct {
	// Conversations requested per search page.
	SearchPageSize int

	// A fetch progress event is sent every FetchBatchSize
	// conversations, or every ProgressInterval, whichever comes
	// first.
	FetchBatchSize   int
	ProgressInterval time.Duration

	// Fetches in flight at once.
	MaxConcurrent int

	// Retries of a search page after a transient error, with
	// exponential backoff starting at RetryDelay.
	SearchRetries int
	RetryDelay    time.Duration

	// Do not refetch conversations whose stored copy is at least as
	// recent as the search result.
	SkipUnchanged bool

	// Kind labels the period recorded when the pass succeeds.
	Kind string
}

// DefaultConfig returns the configuration used when none is given.
func DefaultConfig() Config {
	return Config{
		SearchPageSize:   intercom.MaxPerPage,
		FetchBatchSize:   10,
		ProgressInterval: 10 * time.Second,
		MaxConcurrent:    5,
		SearchRetries:    3,
		RetryDelay:       time.Second,
		SkipUnchanged:    true,
	}
}

// withDefaults fills zero fields from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.SearchPageSize <= 0 {
		c.SearchPageSize = d.SearchPageSize
	}
	if c.SearchPageSize > intercom.MaxPerPage {
		c.SearchPageSize = intercom.MaxPerPage
	}
	if c.FetchBatchSize <= 0 {
		c.FetchBatchSize = d.FetchBatchSize
	}
	if c.ProgressInterval <= 0 {
		c.ProgressInterval = d.ProgressInterval
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = d.MaxConcurrent
	}
	if c.SearchRetries < 0 {
		c.SearchRetries = 0
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = d.RetryDelay
	}
	return c
}

// Coordinator runs two-phase sync passes.  It holds no per-pass state,
// so one Coordinator may serve any number of sequential passes.
type Coordinator struct {
	remote Remote
	store  ConversationStore
	log    *slog.Logger
	now    func() time.Time
}

type CoordinatorOption func(*Coordinator)

func WithCoordinatorLogger(l *slog.Logger) CoordinatorOption {
	return func(c *Coordinator) { c.log = l }
}

func WithCoordinatorClock(now func() time.Time) CoordinatorOption {
	return func(c *Coordinator) { c.now = now }
}

func NewCoordinator(remote Remote, store ConversationStore, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		remote: remote,
		store:  store,
		log:    slog.Default(),
		now:    time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// callCounter is implemented by remotes that count every request they
// send, including the retries they make on their own.
type callCounter interface {
	APICalls() int64
}

// pass is the state of one Run.
type pass struct {
	c        *Coordinator
	cfg      Config
	w        conversation.Window
	log      *slog.Logger
	progress Func
	started  time.Time

	// apiCalls counts attempts when the remote is not a callCounter.
	apiCalls  atomic.Int64
	counter   callCounter
	callsBase int64

	mu        stdsync.Mutex // guards the fields below
	stored    int
	created   int
	updated   int
	messages  int
	skipped   int
	failed    int
	done      int
	lastEvent time.Time
	perDate   map[string]int
}

// Run synchronizes the window [start, end).  A zero start means all
// history before end.
//
// Stats are returned even when err is non-nil.  The window is recorded
// as covered only when err is nil.
func (c *Coordinator) Run(ctx context.Context, start, end time.Time, cfg Config, progress Func) (Stats, error) {
	w := conversation.Window{Start: start, End: end}
	if end.IsZero() || (!start.IsZero() && !start.Before(end)) {
		return Stats{Window: w}, errors.Errorf("invalid sync window [%v, %v)", start, end)
	}
	p := &pass{
		c:        c,
		cfg:      cfg.withDefaults(),
		w:        w,
		log:      c.log.With("start", start, "end", end),
		progress: progress.safe(c.log),
		started:  time.Now(),
		perDate:  make(map[string]int),
	}
	if cc, ok := c.remote.(callCounter); ok {
		p.counter, p.callsBase = cc, cc.APICalls()
	}

	p.log.Info("sync pass starting")
	ids, err := p.search(ctx)
	if err != nil {
		return p.stats(), errors.Wrap(err, "search phase failed")
	}
	if err := p.fetchAll(ctx, ids); err != nil {
		return p.stats(), err
	}

	st := p.stats()
	if len(ids) > 0 && st.Total == 0 && st.Skipped == 0 && st.Errors > 0 {
		return st, errors.Wrapf(ErrNoneProcessed, "all %d conversations failed", st.Errors)
	}
	err = c.store.RecordSyncPeriod(ctx, conversation.SyncPeriod{
		Window:        w,
		Kind:          p.cfg.Kind,
		LastSynced:    c.now(),
		Conversations: st.Total,
		New:           st.New,
		Updated:       st.Updated,
	})
	if err != nil {
		return st, &StoreError{Op: "record sync period", Err: err}
	}
	p.emit(PhaseComplete, fmt.Sprintf("Two-phase sync completed: %d conversations, %d errors, %.2f seconds",
		st.Total, st.Errors, st.Duration.Seconds()), st.Total, len(ids))
	p.log.Info("sync pass complete", "stats", st.String())
	return st, nil
}

func (p *pass) emit(phase Phase, msg string, current, total int) {
	p.progress(Progress{
		Phase:   phase,
		Message: msg,
		Current: current,
		Total:   total,
		Elapsed: time.Since(p.started),
	})
}

// search collects the ids of every conversation in the window,
// deduplicated in discovery order.
func (p *pass) search(ctx context.Context) ([]conversation.Summary, error) {
	var out []conversation.Summary
	seen := make(map[string]int)
	cursor := ""
	for page := 1; ; page++ {
		res, err := p.searchPage(ctx, cursor)
		if err != nil {
			return nil, errors.Wrapf(err, "page %d", page)
		}
		for _, s := range res.Conversations {
			if s.ID == "" {
				continue
			}
			if i, ok := seen[s.ID]; ok {
				if s.UpdatedAt.After(out[i].UpdatedAt) {
					out[i].UpdatedAt = s.UpdatedAt
				}
				continue
			}
			seen[s.ID] = len(out)
			out = append(out, s)
		}
		p.emit(PhaseSearch, fmt.Sprintf("Phase 1: Search - page %d, %d ids found", page, len(out)),
			len(out), res.TotalCount)
		if res.Next == "" || res.Next == cursor {
			break
		}
		cursor = res.Next
	}
	return out, nil
}

func (p *pass) searchPage(ctx context.Context, cursor string) (*intercom.SearchPage, error) {
	var res *intercom.SearchPage
	backoff := retry.WithMaxRetries(uint64(p.cfg.SearchRetries), retry.NewExponential(p.cfg.RetryDelay))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		p.apiCalls.Add(1)
		var err error
		res, err = p.c.remote.SearchConversations(ctx, p.w, cursor, p.cfg.SearchPageSize)
		if err != nil && intercom.IsTransient(err) {
			p.log.Warn("search page failed, retrying", "err", err)
			return retry.RetryableError(err)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	if res == nil {
		res = &intercom.SearchPage{}
	}
	return res, nil
}

// fetchAll downloads and stores each conversation with bounded
// concurrency.  Only store failures and cancellation end it early.
func (p *pass) fetchAll(ctx context.Context, ids []conversation.Summary) error {
	total := len(ids)
	p.emit(PhaseFetch, fmt.Sprintf("Phase 2: Fetch - %d conversations, %d at a time", total, p.cfg.MaxConcurrent),
		0, total)
	if total == 0 {
		return nil
	}

	grp, gctx := errgroup.WithContext(ctx)
	grp.SetLimit(p.cfg.MaxConcurrent)
	for _, s := range ids {
		if gctx.Err() != nil {
			break
		}
		grp.Go(func() error {
			return p.fetch(gctx, s, total)
		})
	}
	err := grp.Wait()
	if ctx.Err() != nil {
		return errors.Wrap(ctx.Err(), "sync cancelled")
	}
	return err
}

func (p *pass) fetch(ctx context.Context, s conversation.Summary, total int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	storedAt, exists, err := p.c.store.ConversationUpdatedAt(ctx, s.ID)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &StoreError{Op: "look up", ID: s.ID, Err: err}
	}
	if exists && p.cfg.SkipUnchanged && !s.UpdatedAt.IsZero() && !storedAt.Before(s.UpdatedAt) {
		p.finish(total, func() { p.skipped++ })
		return nil
	}

	p.apiCalls.Add(1)
	conv, err := p.c.remote.GetConversation(ctx, s.ID)
	switch {
	case err == nil:
	case errors.Is(err, intercom.ErrNotFound):
		p.log.Info("conversation no longer exists", "id", s.ID)
		p.finish(total, nil)
		return nil
	case ctx.Err() != nil:
		return ctx.Err()
	default:
		p.log.Warn("fetch failed", "id", s.ID, "err", err)
		p.finish(total, func() { p.failed++ })
		return nil
	}

	if err := p.c.store.StoreConversations(ctx, conv); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &StoreError{Op: "store", ID: s.ID, Err: err}
	}
	p.finish(total, func() {
		p.stored++
		if exists {
			p.updated++
		} else {
			p.created++
		}
		p.messages += len(conv.Messages)
		p.perDate[conv.UpdatedAt.UTC().Format(time.DateOnly)]++
	})
	return nil
}

// finish applies update to the tallies and sends a progress event if
// one is due.
func (p *pass) finish(total int, update func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if update != nil {
		update()
	}
	p.done++
	now := time.Now()
	if p.done%p.cfg.FetchBatchSize != 0 && p.done != total && now.Sub(p.lastEvent) < p.cfg.ProgressInterval {
		return
	}
	p.lastEvent = now
	p.emit(PhaseFetch, fmt.Sprintf("Phase 2: Fetch - %d/%d conversations (%d errors)", p.done, total, p.failed),
		p.done, total)
}

func (p *pass) stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := Stats{
		Window:   p.w,
		Total:    p.stored,
		New:      p.created,
		Updated:  p.updated,
		Messages: p.messages,
		Skipped:  p.skipped,
		APICalls: int(p.apiCalls.Load()),
		Errors:   p.failed,
		Duration: time.Since(p.started),
	}
	if p.counter != nil {
		st.APICalls = int(p.counter.APICalls() - p.callsBase)
	}
	if len(p.perDate) > 0 {
		st.PerDate = make(map[string]int, len(p.perDate))
		for k, v := range p.perDate {
			st.PerDate[k] = v
		}
	}
	return st
}
