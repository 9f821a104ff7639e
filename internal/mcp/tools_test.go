package mcp

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	stdsync "sync"
	"testing"
	"time"

	"github.com/matta/fastintercom/internal/conversation"
	"github.com/matta/fastintercom/internal/persist"
	"github.com/matta/fastintercom/internal/sync"

	"github.com/google/go-cmp/cmp"
	mcplib "github.com/mark3labs/mcp-go/mcp"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2024, 6, 5, 15, 30, 0, 0, time.UTC)

func day(d int) time.Time { return time.Date(2024, 6, d, 0, 0, 0, 0, time.UTC) }

type pattern struct {
	window    conversation.Window
	freshness time.Duration
	triggered bool
}

type fakeStore struct {
	mu        stdsync.Mutex
	convs     map[string]*conversation.Conversation
	results   []*conversation.Conversation
	filters   []conversation.Filter
	status    *persist.Status
	periods   []conversation.SyncPeriod
	freshness time.Duration
	patterns  []pattern
	run       *persist.SyncRun
	err       error
}

func newFakeStore() *fakeStore {
	return &fakeStore{convs: make(map[string]*conversation.Conversation)}
}

func (f *fakeStore) GetConversation(ctx context.Context, id string) (*conversation.Conversation, error) {
	if f.err != nil {
		return nil, f.err
	}
	c, ok := f.convs[id]
	if !ok {
		return nil, errors.Wrapf(persist.ErrNotFound, "conversation %s", id)
	}
	return c, nil
}

func (f *fakeStore) SearchConversations(ctx context.Context, flt conversation.Filter) ([]*conversation.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.filters = append(f.filters, flt)
	return f.results, f.err
}

func (f *fakeStore) Status(ctx context.Context) (*persist.Status, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.status, nil
}

func (f *fakeStore) Coverage(ctx context.Context, w conversation.Window) ([]conversation.SyncPeriod, error) {
	return f.periods, f.err
}

func (f *fakeStore) DataFreshness(ctx context.Context, w conversation.Window) (time.Duration, error) {
	return f.freshness, nil
}

func (f *fakeStore) RecordRequestPattern(ctx context.Context, w conversation.Window, freshness time.Duration, triggered bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.patterns = append(f.patterns, pattern{w, freshness, triggered})
	return nil
}

func (f *fakeStore) LastSyncRun(ctx context.Context) (*persist.SyncRun, error) {
	if f.run == nil {
		return nil, persist.ErrNotFound
	}
	return f.run, nil
}

type ifNeededCall struct {
	start, end *time.Time
}

type fakeSyncer struct {
	mu        stdsync.Mutex
	state     *conversation.SyncState
	syncErr   error
	stats     sync.Stats
	status    sync.Status
	ifNeeded  []ifNeededCall
	recent    int
	forceDays []int
}

func (f *fakeSyncer) SyncIfNeeded(ctx context.Context, start, end *time.Time) (*conversation.SyncState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ifNeeded = append(f.ifNeeded, ifNeededCall{start, end})
	state := f.state
	if state == nil {
		state = &conversation.SyncState{State: conversation.Fresh}
	}
	if state.ShouldSync {
		f.status.LastFinished = testNow
	}
	return state, f.syncErr
}

func (f *fakeSyncer) SyncRecent(ctx context.Context) (sync.Stats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recent++
	return f.stats, f.syncErr
}

func (f *fakeSyncer) ForceSync(ctx context.Context, days int) (sync.Stats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.forceDays = append(f.forceDays, days)
	return f.stats, f.syncErr
}

func (f *fakeSyncer) Status() sync.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *fakeSyncer) Freshness() time.Duration { return 5 * time.Minute }

func newTestServer(t *testing.T) (*Server, *fakeStore, *fakeSyncer) {
	t.Helper()
	store := newFakeStore()
	syncer := &fakeSyncer{}
	srv := New(store, syncer,
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithClock(func() time.Time { return testNow }),
		WithVersion("test"),
		WithAppID(func(context.Context) (string, error) { return "app1", nil }),
	)
	return srv, store, syncer
}

// isErrorResult returns true when the result carries IsError=true.
func isErrorResult(r *mcplib.CallToolResult) bool {
	return r != nil && r.IsError
}

// firstText returns the text of the first TextContent in the result.
func firstText(t *testing.T, r *mcplib.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, r.Content, "result has no content")
	txt, ok := r.Content[0].(mcplib.TextContent)
	require.True(t, ok, "first content item is not TextContent")
	return txt.Text
}

func decode(t *testing.T, r *mcplib.CallToolResult, v any) {
	t.Helper()
	require.False(t, isErrorResult(r), firstText(t, r))
	require.NoError(t, json.Unmarshal([]byte(firstText(t, r)), v))
}

func call(t *testing.T, srv *Server, name string, args map[string]any) *mcplib.CallToolResult {
	t.Helper()
	r, err := srv.Call(t.Context(), name, args)
	require.NoError(t, err)
	require.NotNil(t, r)
	return r
}

func testConversation(id string) *conversation.Conversation {
	created := day(3).Add(9 * time.Hour)
	return &conversation.Conversation{
		ID:            id,
		CreatedAt:     created,
		UpdatedAt:     created.Add(time.Hour),
		CustomerEmail: "ann@example.com",
		Subject:       "Refund",
		State:         "open",
		Tags:          []string{"billing", "vip"},
		Messages: []conversation.Message{
			{ID: "m1", ConversationID: id, AuthorType: conversation.AuthorUser, Body: "I want a  refund\nplease", CreatedAt: created, PartType: conversation.PartInitial},
			{ID: "m2", ConversationID: id, AuthorType: conversation.AuthorAdmin, Body: "Checking with billing", CreatedAt: created.Add(time.Minute), PartType: conversation.PartNote},
			{ID: "m3", ConversationID: id, AuthorType: conversation.AuthorAdmin, Body: "Done", CreatedAt: created.Add(2 * time.Minute), PartType: conversation.PartComment},
		},
	}
}

func TestTools(t *testing.T) {
	srv, _, _ := newTestServer(t)
	var names []string
	for _, tool := range srv.Tools() {
		names = append(names, tool.Name)
	}
	want := []string{
		"check_coverage",
		"force_sync",
		"get_conversation",
		"get_data_info",
		"get_server_status",
		"get_sync_status",
		"search_conversations",
		"sync_conversations",
	}
	if diff := cmp.Diff(want, names); diff != "" {
		t.Errorf("Tools() mismatch (-want +got):\n%s", diff)
	}
}

func TestCallUnknownTool(t *testing.T) {
	srv, _, _ := newTestServer(t)
	_, err := srv.Call(t.Context(), "delete_everything", nil)
	assert.ErrorIs(t, err, ErrUnknownTool)
}

func TestSearchConversations(t *testing.T) {
	srv, store, syncer := newTestServer(t)
	store.results = []*conversation.Conversation{testConversation("42")}
	store.freshness = 5 * time.Minute

	r := call(t, srv, "search_conversations", map[string]any{
		"query":          "refund",
		"timeframe":      "last 7 days",
		"customer_email": "ann@example.com",
		"limit":          float64(10),
	})
	require.False(t, isErrorResult(r))
	text := firstText(t, r)
	assert.Contains(t, text, "Found 1 conversations")
	assert.Contains(t, text, "**Conversation 42**")
	assert.Contains(t, text, "Customer: ann@example.com")
	assert.Contains(t, text, "https://app.intercom.com/a/inbox/app1/inbox/search/conversation/42")
	assert.Contains(t, text, "Messages: 3 (1 from customer)")
	assert.Contains(t, text, "First message: I want a refund please")
	assert.Contains(t, text, "Data freshness: synced 5m0s ago")

	start := testNow.Add(-7 * 24 * time.Hour)
	require.Len(t, store.filters, 1)
	assert.Equal(t, conversation.Filter{
		Text:          "refund",
		CreatedAfter:  start,
		CreatedBefore: testNow,
		CustomerEmail: "ann@example.com",
		Limit:         10,
	}, store.filters[0])

	require.Len(t, syncer.ifNeeded, 1)
	require.NotNil(t, syncer.ifNeeded[0].start)
	assert.Equal(t, start, *syncer.ifNeeded[0].start)
	assert.Equal(t, testNow, *syncer.ifNeeded[0].end)

	assert.Equal(t, []pattern{{
		window:    conversation.Window{Start: start, End: testNow},
		freshness: 5 * time.Minute,
	}}, store.patterns)
}

func TestSearchConversationsWithoutTimeframe(t *testing.T) {
	srv, store, syncer := newTestServer(t)

	r := call(t, srv, "search_conversations", nil)
	require.False(t, isErrorResult(r))
	text := firstText(t, r)
	assert.Contains(t, text, "No conversations found.")
	assert.Contains(t, text, "no cached conversations")

	require.Len(t, store.filters, 1)
	assert.Equal(t, conversation.Filter{Limit: defaultLimit}, store.filters[0])
	require.Len(t, syncer.ifNeeded, 1)
	assert.Nil(t, syncer.ifNeeded[0].start)
	assert.Nil(t, syncer.ifNeeded[0].end)
	assert.Empty(t, store.patterns)
}

func TestSearchConversationsRecordsTriggeredSync(t *testing.T) {
	srv, store, syncer := newTestServer(t)
	syncer.state = &conversation.SyncState{State: conversation.Stale, ShouldSync: true}

	r := call(t, srv, "search_conversations", map[string]any{"timeframe": "today"})
	require.False(t, isErrorResult(r))
	require.Len(t, store.patterns, 1)
	assert.True(t, store.patterns[0].triggered)
}

func TestSearchConversationsServesLocalDataWhenSyncFails(t *testing.T) {
	srv, store, syncer := newTestServer(t)
	store.results = []*conversation.Conversation{testConversation("42")}
	syncer.state = &conversation.SyncState{State: conversation.Failed, Message: "sync failed: boom"}
	syncer.syncErr = errors.New("boom")

	r := call(t, srv, "search_conversations", map[string]any{"timeframe": "yesterday"})
	require.False(t, isErrorResult(r))
	text := firstText(t, r)
	assert.Contains(t, text, "Found 1 conversations")
	assert.Contains(t, text, "Could not refresh the cache")
}

func TestSearchConversationsLimit(t *testing.T) {
	for _, limit := range []float64{0, -3, 1000} {
		srv, store, _ := newTestServer(t)
		call(t, srv, "search_conversations", map[string]any{"limit": limit})
		require.Len(t, store.filters, 1)
		assert.Equal(t, defaultLimit, store.filters[0].Limit, "limit %v", limit)
	}
}

func TestSearchConversationsErrors(t *testing.T) {
	srv, store, _ := newTestServer(t)
	r := call(t, srv, "search_conversations", map[string]any{"timeframe": "last 0 days"})
	assert.True(t, isErrorResult(r))
	assert.Empty(t, store.filters)

	store.err = errors.New("disk failure")
	r = call(t, srv, "search_conversations", nil)
	assert.True(t, isErrorResult(r))
	assert.Contains(t, firstText(t, r), "disk failure")
}

func TestGetConversation(t *testing.T) {
	srv, store, _ := newTestServer(t)
	store.convs["42"] = testConversation("42")

	tests := []struct {
		name        string
		args        map[string]any
		wantIsError bool
		wantText    []string
	}{
		{
			name: "full thread",
			args: map[string]any{"conversation_id": " 42 "},
			wantText: []string{
				"**Conversation 42**",
				"Subject: Refund",
				"State: open",
				"Tags: billing, vip",
				"URL: https://app.intercom.com/a/inbox/app1/",
				"Messages (3):",
				"Customer:\nI want a  refund\nplease",
				"Agent (internal note):\nChecking with billing",
				"Agent:\nDone",
			},
		},
		{
			name:     "not cached",
			args:     map[string]any{"conversation_id": "7"},
			wantText: []string{"Conversation 7 not found"},
		},
		{
			name:        "missing id",
			args:        nil,
			wantIsError: true,
			wantText:    []string{"conversation_id is required"},
		},
		{
			name:        "blank id",
			args:        map[string]any{"conversation_id": "  "},
			wantIsError: true,
			wantText:    []string{"conversation_id is required"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := call(t, srv, "get_conversation", tt.args)
			assert.Equal(t, tt.wantIsError, isErrorResult(r))
			text := firstText(t, r)
			for _, want := range tt.wantText {
				assert.Contains(t, text, want)
			}
		})
	}
}

func TestGetServerStatus(t *testing.T) {
	srv, store, syncer := newTestServer(t)
	store.status = &persist.Status{
		Path:          "/tmp/data.db",
		Conversations: 12,
		Messages:      40,
		SizeBytes:     4096,
		LastSync:      testNow.Add(-time.Hour),
	}
	syncer.status = sync.Status{Running: true, Current: &sync.RunInfo{RunID: "r1", Kind: sync.KindRecent}}

	var got serverStatus
	decode(t, call(t, srv, "get_server_status", nil), &got)
	assert.Equal(t, "fast-intercom-mcp", got.Server)
	assert.Equal(t, "test", got.Version)
	assert.Equal(t, 12, got.Conversations)
	assert.Equal(t, 40, got.Messages)
	assert.Equal(t, int64(4096), got.DatabaseBytes)
	require.NotNil(t, got.LastSync)
	assert.True(t, testNow.Add(-time.Hour).Equal(*got.LastSync))
	assert.True(t, got.Sync.Running)
	assert.Equal(t, "r1", got.Sync.CurrentRun)
	assert.Equal(t, sync.KindRecent, got.Sync.CurrentKind)
}

func TestGetServerStatusError(t *testing.T) {
	srv, store, _ := newTestServer(t)
	store.err = errors.New("database is locked")
	r := call(t, srv, "get_server_status", nil)
	assert.True(t, isErrorResult(r))
	assert.Contains(t, firstText(t, r), "database is locked")
}

func TestSyncConversations(t *testing.T) {
	srv, _, syncer := newTestServer(t)
	syncer.stats = sync.Stats{Total: 3, New: 2, Updated: 1}

	r := call(t, srv, "sync_conversations", nil)
	require.False(t, isErrorResult(r))
	assert.Contains(t, firstText(t, r), "Sync complete")
	assert.Equal(t, 1, syncer.recent)
	assert.Empty(t, syncer.forceDays)

	r = call(t, srv, "sync_conversations", map[string]any{"force": true})
	require.False(t, isErrorResult(r))
	assert.Equal(t, 1, syncer.recent)
	assert.Equal(t, []int{1}, syncer.forceDays)
}

func TestSyncConversationsErrors(t *testing.T) {
	srv, _, syncer := newTestServer(t)

	syncer.syncErr = errors.Wrap(sync.ErrAlreadyRunning, "recent")
	r := call(t, srv, "sync_conversations", nil)
	assert.False(t, isErrorResult(r))
	assert.Contains(t, firstText(t, r), "already running")

	syncer.syncErr = errors.New("intercom: 401 unauthorized")
	r = call(t, srv, "sync_conversations", nil)
	assert.True(t, isErrorResult(r))
	assert.Contains(t, firstText(t, r), "401 unauthorized")
}

func TestForceSync(t *testing.T) {
	srv, _, syncer := newTestServer(t)

	r := call(t, srv, "force_sync", nil)
	require.False(t, isErrorResult(r))
	r = call(t, srv, "force_sync", map[string]any{"days": float64(3)})
	require.False(t, isErrorResult(r))
	assert.Equal(t, []int{1, 3}, syncer.forceDays)

	r = call(t, srv, "force_sync", map[string]any{"days": float64(0)})
	assert.True(t, isErrorResult(r))
	assert.Equal(t, []int{1, 3}, syncer.forceDays)
}

func TestGetDataInfo(t *testing.T) {
	srv, store, _ := newTestServer(t)
	store.status = &persist.Status{
		Conversations: 2,
		Messages:      5,
		RecentPeriods: []conversation.SyncPeriod{
			{Window: conversation.Window{Start: day(4), End: day(5)}, LastSynced: day(5), Conversations: 2, New: 1, Updated: 1},
			{Window: conversation.Window{End: day(4)}, LastSynced: day(4)},
		},
	}

	var got dataInfo
	decode(t, call(t, srv, "get_data_info", nil), &got)
	assert.Equal(t, 2, got.Conversations)
	assert.Equal(t, 5, got.Messages)
	assert.Nil(t, got.LastSync)
	require.Len(t, got.RecentPeriods, 2)
	assert.Equal(t, 2, got.RecentPeriods[0].Conversations)
	require.NotNil(t, got.RecentPeriods[0].Start)
	assert.True(t, day(4).Equal(*got.RecentPeriods[0].Start))
	assert.Nil(t, got.RecentPeriods[1].Start)
}

func TestCheckCoverage(t *testing.T) {
	srv, store, _ := newTestServer(t)
	store.periods = []conversation.SyncPeriod{
		{Window: conversation.Window{Start: day(1), End: day(2)}, LastSynced: day(2)},
		{Window: conversation.Window{Start: day(3), End: day(4)}, LastSynced: day(4)},
	}

	var got coverage
	decode(t, call(t, srv, "check_coverage", map[string]any{
		"start_date": "2024-06-01",
		"end_date":   "2024-06-05",
	}), &got)
	assert.False(t, got.Complete)
	assert.Len(t, got.Periods, 2)
	require.Len(t, got.Gaps, 2)
	assert.True(t, day(2).Equal(got.Gaps[0].Start))
	assert.True(t, day(3).Equal(got.Gaps[0].End))
	assert.True(t, day(4).Equal(got.Gaps[1].Start))
	assert.True(t, day(5).Equal(got.Gaps[1].End))
}

func TestCheckCoverageErrors(t *testing.T) {
	srv, _, _ := newTestServer(t)
	tests := []struct {
		name string
		args map[string]any
		want string
	}{
		{"bad start", map[string]any{"start_date": "june", "end_date": "2024-06-05"}, "start_date"},
		{"bad end", map[string]any{"start_date": "2024-06-01", "end_date": ""}, "end_date"},
		{"reversed", map[string]any{"start_date": "2024-06-05", "end_date": "2024-06-01"}, "must be before"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := call(t, srv, "check_coverage", tt.args)
			assert.True(t, isErrorResult(r))
			assert.Contains(t, firstText(t, r), tt.want)
		})
	}
}

func TestGaps(t *testing.T) {
	w := conversation.Window{Start: day(1), End: day(10)}
	period := func(start, end time.Time) conversation.SyncPeriod {
		return conversation.SyncPeriod{Window: conversation.Window{Start: start, End: end}}
	}
	tests := []struct {
		name    string
		periods []conversation.SyncPeriod
		want    []conversation.Window
	}{
		{
			name: "nothing synced",
			want: []conversation.Window{w},
		},
		{
			name:    "fully covered",
			periods: []conversation.SyncPeriod{period(day(1), day(5)), period(day(5), day(10))},
		},
		{
			name:    "unbounded period covers the start",
			periods: []conversation.SyncPeriod{period(time.Time{}, day(3))},
			want:    []conversation.Window{{Start: day(3), End: day(10)}},
		},
		{
			name:    "overlapping periods",
			periods: []conversation.SyncPeriod{period(day(2), day(6)), period(day(3), day(4)), period(day(8), day(12))},
			want: []conversation.Window{
				{Start: day(1), End: day(2)},
				{Start: day(6), End: day(8)},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if diff := cmp.Diff(tt.want, gaps(w, tt.periods)); diff != "" {
				t.Errorf("gaps() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestGetSyncStatus(t *testing.T) {
	srv, store, syncer := newTestServer(t)
	syncer.status = sync.Status{
		Last: &sync.Stats{
			RunID:    "r2",
			Window:   conversation.Window{Start: day(4), End: day(5)},
			Total:    4,
			Errors:   1,
			Duration: 1500 * time.Millisecond,
		},
		LastErr:      errors.New("partial"),
		LastFinished: testNow,
	}
	store.run = &persist.SyncRun{RunID: "r2", Kind: sync.KindPeriod, Status: persist.RunCompleted, Conversations: 4, Errors: 1}

	var got syncStatus
	decode(t, call(t, srv, "get_sync_status", nil), &got)
	assert.False(t, got.Running)
	require.NotNil(t, got.Last)
	assert.Equal(t, "r2", got.Last.RunID)
	assert.Equal(t, 4, got.Last.Conversations)
	assert.InDelta(t, 1.5, got.Last.DurationSeconds, 1e-9)
	assert.Equal(t, "partial", got.Last.Error)
	require.NotNil(t, got.LastRecorded)
	assert.Equal(t, persist.RunCompleted, got.LastRecorded.Status)
}

func TestGetSyncStatusNeverSynced(t *testing.T) {
	srv, _, _ := newTestServer(t)
	var got syncStatus
	decode(t, call(t, srv, "get_sync_status", nil), &got)
	assert.Nil(t, got.Last)
	assert.Nil(t, got.LastRecorded)
}

func TestPreview(t *testing.T) {
	assert.Equal(t, "a b c", preview("  a\n b\t\tc "))
	long := make([]rune, previewLength+10)
	for i := range long {
		long[i] = 'é'
	}
	got := preview(string(long))
	assert.Equal(t, previewLength+3, len([]rune(got)))
	assert.Equal(t, "...", got[len(got)-3:])
}
