package sync

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	stdsync "sync"
	"time"

	"github.com/matta/fastintercom/internal/conversation"
	"github.com/matta/fastintercom/internal/intercom"
	"github.com/matta/fastintercom/internal/persist"

	"github.com/pkg/errors"
)

var testNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func testClock() time.Time { return testNow }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConversation(id string, updated time.Time, bodies ...string) *conversation.Conversation {
	c := &conversation.Conversation{
		ID:            id,
		CreatedAt:     updated.Add(-time.Hour),
		UpdatedAt:     updated,
		CustomerEmail: id + "@example.com",
	}
	for i, b := range bodies {
		c.Messages = append(c.Messages, conversation.Message{
			ID:             fmt.Sprintf("%s-%d", id, i),
			ConversationID: id,
			AuthorType:     conversation.AuthorUser,
			Body:           b,
			CreatedAt:      c.CreatedAt.Add(time.Duration(i) * time.Minute),
			PartType:       conversation.PartComment,
		})
	}
	return c
}

// fakeRemote serves search results as pages of pageSize in the order
// ids were added.
type fakeRemote struct {
	mu       stdsync.Mutex
	convs    map[string]*conversation.Conversation
	order    []string
	extra    []string // ids returned by search with no conversation
	getErr   map[string]error
	pageErrs []error // returned by successive search calls before any page
	searches int
	gets     map[string]int
	inFlight int
	maxGets  int
	block    chan struct{} // if set, GetConversation waits on it
	started  chan string   // if set, receives each id fetched
}

func newFakeRemote(convs ...*conversation.Conversation) *fakeRemote {
	r := &fakeRemote{
		convs:  make(map[string]*conversation.Conversation),
		getErr: make(map[string]error),
		gets:   make(map[string]int),
	}
	for _, c := range convs {
		r.add(c)
	}
	return r
}

func (r *fakeRemote) add(c *conversation.Conversation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.convs[c.ID]; !ok {
		r.order = append(r.order, c.ID)
	}
	r.convs[c.ID] = c
}

func (r *fakeRemote) SearchConversations(ctx context.Context, w conversation.Window, cursor string, perPage int) (*intercom.SearchPage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.searches++
	if len(r.pageErrs) > 0 {
		err := r.pageErrs[0]
		r.pageErrs = r.pageErrs[1:]
		return nil, err
	}
	var ids []conversation.Summary
	for _, id := range r.order {
		c := r.convs[id]
		if w.Contains(c.UpdatedAt) {
			ids = append(ids, conversation.Summary{ID: id, UpdatedAt: c.UpdatedAt})
		}
	}
	for _, id := range r.extra {
		ids = append(ids, conversation.Summary{ID: id, UpdatedAt: w.End.Add(-time.Second)})
	}
	offset := 0
	if cursor != "" {
		if _, err := fmt.Sscanf(cursor, "%d", &offset); err != nil {
			return nil, err
		}
	}
	end := min(offset+perPage, len(ids))
	page := &intercom.SearchPage{TotalCount: len(ids)}
	if offset < len(ids) {
		page.Conversations = ids[offset:end]
	}
	if end < len(ids) {
		page.Next = fmt.Sprint(end)
	}
	return page, nil
}

func (r *fakeRemote) GetConversation(ctx context.Context, id string) (*conversation.Conversation, error) {
	r.mu.Lock()
	r.gets[id]++
	r.inFlight++
	r.maxGets = max(r.maxGets, r.inFlight)
	block, started := r.block, r.started
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.inFlight--
		r.mu.Unlock()
	}()

	if started != nil {
		started <- id
	}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.getErr[id]; err != nil {
		return nil, err
	}
	c, ok := r.convs[id]
	if !ok {
		return nil, errors.Wrapf(intercom.ErrNotFound, "conversation %s", id)
	}
	cp := *c
	cp.Messages = append([]conversation.Message(nil), c.Messages...)
	return &cp, nil
}

func (r *fakeRemote) getCount(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.gets[id]
}

// fakeStore is an in-memory Store.
type fakeStore struct {
	mu       stdsync.Mutex
	convs    map[string]*conversation.Conversation
	writes   int
	periods  []conversation.SyncPeriod
	runs     []persist.SyncRun
	stale    []conversation.Window
	state    *conversation.SyncState
	checks   int
	storeErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{convs: make(map[string]*conversation.Conversation)}
}

func (s *fakeStore) ConversationUpdatedAt(ctx context.Context, id string) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[id]
	if !ok {
		return time.Time{}, false, nil
	}
	return c.UpdatedAt, true, nil
}

func (s *fakeStore) StoreConversations(ctx context.Context, convs ...*conversation.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.storeErr != nil {
		return s.storeErr
	}
	for _, c := range convs {
		s.convs[c.ID] = c
		s.writes++
	}
	return nil
}

func (s *fakeStore) RecordSyncPeriod(ctx context.Context, p conversation.SyncPeriod) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.periods = append(s.periods, p)
	return nil
}

func (s *fakeStore) LastSyncTime(ctx context.Context) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var last time.Time
	for _, p := range s.periods {
		if p.End.After(last) {
			last = p.End
		}
	}
	return last, !last.IsZero(), nil
}

func (s *fakeStore) CheckSyncState(ctx context.Context, start, end *time.Time, freshness time.Duration) (*conversation.SyncState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checks++
	if s.state != nil {
		st := *s.state
		// Answer stale once, fresh afterwards.
		s.state = nil
		return &st, nil
	}
	return &conversation.SyncState{State: conversation.Fresh, DataComplete: true}, nil
}

func (s *fakeStore) StaleTimeframes(ctx context.Context, threshold time.Duration) ([]conversation.Window, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stale, nil
}

func (s *fakeStore) BeginSyncRun(ctx context.Context, run persist.SyncRun) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run.Status = persist.RunInProgress
	s.runs = append(s.runs, run)
	return int64(len(s.runs)), nil
}

func (s *fakeStore) FinishSyncRun(ctx context.Context, run persist.SyncRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if run.ID < 1 || int(run.ID) > len(s.runs) {
		return persist.ErrNotFound
	}
	s.runs[run.ID-1] = run
	return nil
}

func (s *fakeStore) periodCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.periods)
}

type fakeNotifier struct {
	mu    stdsync.Mutex
	stats []Stats
}

func (n *fakeNotifier) SyncCompleted(ctx context.Context, st Stats) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.stats = append(n.stats, st)
	return nil
}

// testConfig retries quickly.
func testConfig() Config {
	cfg := DefaultConfig()
	cfg.RetryDelay = time.Millisecond
	return cfg
}

func transient(msg string) error {
	return &intercom.TransientError{StatusCode: 503, Err: errors.New(msg)}
}
