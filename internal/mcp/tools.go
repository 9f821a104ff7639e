package mcp

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/matta/fastintercom/internal/conversation"
	"github.com/matta/fastintercom/internal/persist"
	"github.com/matta/fastintercom/internal/sync"
	"github.com/matta/fastintercom/internal/timeframe"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpsrv "github.com/mark3labs/mcp-go/server"
	"github.com/pkg/errors"
)

const (
	defaultLimit    = 50
	maxLimit        = 200
	previewLength   = 200
	forceSyncDays   = 1
	timestampFormat = "2006-01-02 15:04 MST"
)

func (s *Server) toolList() []mcpsrv.ServerTool {
	return []mcpsrv.ServerTool{
		s.toolSearchConversations(),
		s.toolGetConversation(),
		s.toolGetServerStatus(),
		s.toolSyncConversations(),
		s.toolGetDataInfo(),
		s.toolCheckCoverage(),
		s.toolGetSyncStatus(),
		s.toolForceSync(),
	}
}

// search_conversations

func (s *Server) toolSearchConversations() mcpsrv.ServerTool {
	tool := mcplib.NewTool("search_conversations",
		mcplib.WithDescription(`Search cached Intercom conversations.

All arguments are optional.  The timeframe is a phrase such as "today",
"yesterday", "last week", "last 3 days" or "since monday"; the search
covers conversations created in it.  If the cache is out of date for the
timeframe it is refreshed before answering.`),
		mcplib.WithString("query", mcplib.Description("Text to look for in message bodies.")),
		mcplib.WithString("timeframe", mcplib.Description(`Time period, e.g. "last 7 days".`)),
		mcplib.WithString("customer_email", mcplib.Description("Only conversations with this customer.")),
		mcplib.WithNumber("limit", mcplib.Description("Maximum number of conversations to return (default 50).")),
		mcplib.WithReadOnlyHintAnnotation(true),
	)
	return mcpsrv.ServerTool{Tool: tool, Handler: s.handleSearchConversations}
}

func (s *Server) handleSearchConversations(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	query, _ := stringArg(req, "query")
	email, _ := stringArg(req, "customer_email")
	tf, _ := stringArg(req, "timeframe")
	limit := intArg(req, "limit", defaultLimit)
	if limit <= 0 || limit > maxLimit {
		limit = defaultLimit
	}

	now := s.now()
	rng, err := timeframe.Parse(tf, now)
	if err != nil {
		return resultErr(errors.Wrap(err, "search_conversations")), nil
	}

	start, end := rng.Bounds()
	var note string
	before := s.syncer.Status().LastFinished
	state, err := s.syncer.SyncIfNeeded(ctx, start, end)
	switch {
	case err != nil:
		s.log.WarnContext(ctx, "mcp: search_conversations: sync failed", "err", err)
		note = "Could not refresh the cache; results may be out of date."
	case state.Message != "":
		note = state.Message
	}
	if !rng.IsZero() {
		triggered := !s.syncer.Status().LastFinished.Equal(before)
		if err := s.store.RecordRequestPattern(ctx, rng.Window(), s.syncer.Freshness(), triggered); err != nil {
			s.log.WarnContext(ctx, "mcp: unable to record request", "err", err)
		}
	}

	convs, err := s.store.SearchConversations(ctx, conversation.Filter{
		Text:          query,
		CreatedAfter:  rng.Start,
		CreatedBefore: rng.End,
		CustomerEmail: email,
		Limit:         limit,
	})
	if err != nil {
		return resultErr(errors.Wrap(err, "search_conversations")), nil
	}

	var b strings.Builder
	if len(convs) == 0 {
		b.WriteString("No conversations found")
		if tf != "" {
			fmt.Fprintf(&b, " for %q", tf)
		}
		b.WriteString(".\n")
	} else {
		fmt.Fprintf(&b, "Found %d conversations:\n", len(convs))
		appID := s.lookupAppID(ctx)
		for _, c := range convs {
			b.WriteString("\n")
			s.writeSummary(&b, c, appID)
		}
	}

	fresh := rng.Window()
	if rng.IsZero() {
		fresh = conversation.Window{End: now}
	}
	b.WriteString("\n---\n")
	b.WriteString(s.freshnessNote(ctx, fresh))
	if note != "" {
		b.WriteString("\n")
		b.WriteString(note)
	}
	return resultText(b.String()), nil
}

func (s *Server) lookupAppID(ctx context.Context) string {
	if s.appID == nil {
		return ""
	}
	id, err := s.appID(ctx)
	if err != nil {
		s.log.DebugContext(ctx, "mcp: no app id for links", "err", err)
		return ""
	}
	return id
}

func (s *Server) writeSummary(b *strings.Builder, c *conversation.Conversation, appID string) {
	fmt.Fprintf(b, "**Conversation %s** (%s)\n", c.ID, c.CreatedAt.Format(timestampFormat))
	if c.CustomerEmail != "" {
		fmt.Fprintf(b, "Customer: %s\n", c.CustomerEmail)
	}
	if c.Subject != "" {
		fmt.Fprintf(b, "Subject: %s\n", c.Subject)
	}
	if appID != "" {
		fmt.Fprintf(b, "URL: %s\n", c.URL(appID))
	}
	fmt.Fprintf(b, "Messages: %d (%d from customer)\n", len(c.Messages), len(c.CustomerMessages()))
	if msgs := c.CustomerMessages(); len(msgs) > 0 {
		fmt.Fprintf(b, "First message: %s\n", preview(msgs[0].Body))
	}
}

func (s *Server) freshnessNote(ctx context.Context, w conversation.Window) string {
	age, err := s.store.DataFreshness(ctx, w)
	if err != nil {
		s.log.WarnContext(ctx, "mcp: data freshness", "err", err)
		return "Data freshness: unknown"
	}
	if age == 0 {
		return "Data freshness: no cached conversations in this timeframe"
	}
	return fmt.Sprintf("Data freshness: synced %s ago", age.Round(time.Second))
}

func preview(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if r := []rune(s); len(r) > previewLength {
		return string(r[:previewLength]) + "..."
	}
	return s
}

// get_conversation

func (s *Server) toolGetConversation() mcpsrv.ServerTool {
	tool := mcplib.NewTool("get_conversation",
		mcplib.WithDescription("Get the full message thread of one conversation from the cache."),
		mcplib.WithString("conversation_id",
			mcplib.Description("Intercom conversation id."),
			mcplib.Required(),
		),
		mcplib.WithReadOnlyHintAnnotation(true),
	)
	return mcpsrv.ServerTool{Tool: tool, Handler: s.handleGetConversation}
}

func (s *Server) handleGetConversation(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	id, ok := stringArg(req, "conversation_id")
	id = strings.TrimSpace(id)
	if !ok || id == "" {
		return resultErr(errors.New("get_conversation: conversation_id is required")), nil
	}
	c, err := s.store.GetConversation(ctx, id)
	if errors.Is(err, persist.ErrNotFound) {
		return resultText(fmt.Sprintf("Conversation %s not found in the cache.", id)), nil
	}
	if err != nil {
		return resultErr(errors.Wrap(err, "get_conversation")), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "**Conversation %s**\n", c.ID)
	fmt.Fprintf(&b, "Created: %s\n", c.CreatedAt.Format(timestampFormat))
	fmt.Fprintf(&b, "Updated: %s\n", c.UpdatedAt.Format(timestampFormat))
	if c.CustomerEmail != "" {
		fmt.Fprintf(&b, "Customer: %s\n", c.CustomerEmail)
	}
	if c.Subject != "" {
		fmt.Fprintf(&b, "Subject: %s\n", c.Subject)
	}
	if c.State != "" {
		fmt.Fprintf(&b, "State: %s\n", c.State)
	}
	if len(c.Tags) > 0 {
		fmt.Fprintf(&b, "Tags: %s\n", strings.Join(c.Tags, ", "))
	}
	if appID := s.lookupAppID(ctx); appID != "" {
		fmt.Fprintf(&b, "URL: %s\n", c.URL(appID))
	}
	fmt.Fprintf(&b, "\nMessages (%d):\n", len(c.Messages))
	for _, m := range c.Messages {
		who := "Customer"
		if m.AuthorType == conversation.AuthorAdmin {
			who = "Agent"
		}
		kind := ""
		if m.PartType == conversation.PartNote {
			kind = " (internal note)"
		}
		fmt.Fprintf(&b, "\n[%s] %s%s:\n%s\n", m.CreatedAt.Format(timestampFormat), who, kind, m.Body)
	}
	return resultText(b.String()), nil
}

// get_server_status

func (s *Server) toolGetServerStatus() mcpsrv.ServerTool {
	tool := mcplib.NewTool("get_server_status",
		mcplib.WithDescription("Report server uptime, cache size and sync state."),
		mcplib.WithReadOnlyHintAnnotation(true),
	)
	return mcpsrv.ServerTool{Tool: tool, Handler: s.handleGetServerStatus}
}

type serverStatus struct {
	Server        string     `json:"server"`
	Version       string     `json:"version"`
	UptimeSeconds int64      `json:"uptime_seconds"`
	DatabasePath  string     `json:"database_path"`
	DatabaseBytes int64      `json:"database_bytes"`
	Conversations int        `json:"conversations"`
	Messages      int        `json:"messages"`
	LastSync      *time.Time `json:"last_sync,omitempty"`
	Sync          syncStatus `json:"sync"`
}

func (s *Server) handleGetServerStatus(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	st, err := s.store.Status(ctx)
	if err != nil {
		return resultErr(errors.Wrap(err, "get_server_status")), nil
	}
	out := serverStatus{
		Server:        serverName,
		Version:       s.version,
		UptimeSeconds: int64(s.now().Sub(s.started) / time.Second),
		DatabasePath:  st.Path,
		DatabaseBytes: st.SizeBytes,
		Conversations: st.Conversations,
		Messages:      st.Messages,
		LastSync:      timePtr(st.LastSync),
		Sync:          s.syncStatus(ctx),
	}
	return resultJSON(out)
}

// sync_conversations

func (s *Server) toolSyncConversations() mcpsrv.ServerTool {
	tool := mcplib.NewTool("sync_conversations",
		mcplib.WithDescription(`Fetch new and changed conversations from Intercom.

Without force, only activity since the last sync is fetched.  With
force, every conversation active in the last day is fetched again.`),
		mcplib.WithBoolean("force", mcplib.Description("Refetch the last day even if it is cached.")),
	)
	return mcpsrv.ServerTool{Tool: tool, Handler: s.handleSyncConversations}
}

func (s *Server) handleSyncConversations(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	if boolArg(req, "force", false) {
		return s.forceSync(ctx, forceSyncDays)
	}
	st, err := s.syncer.SyncRecent(ctx)
	return s.syncResult(ctx, "sync_conversations", st, err)
}

func (s *Server) syncResult(ctx context.Context, tool string, st sync.Stats, err error) (*mcplib.CallToolResult, error) {
	if errors.Is(err, sync.ErrAlreadyRunning) {
		return resultText("A sync is already running; try again when it finishes."), nil
	}
	if err != nil {
		s.log.ErrorContext(ctx, "mcp: sync failed", "tool", tool, "err", err)
		return resultErr(errors.Wrap(err, tool)), nil
	}
	return resultText(fmt.Sprintf("Sync complete: %s.", st)), nil
}

// get_data_info

func (s *Server) toolGetDataInfo() mcpsrv.ServerTool {
	tool := mcplib.NewTool("get_data_info",
		mcplib.WithDescription("Summarize what the cache holds: counts, size and recently synced periods."),
		mcplib.WithReadOnlyHintAnnotation(true),
	)
	return mcpsrv.ServerTool{Tool: tool, Handler: s.handleGetDataInfo}
}

type period struct {
	Start         *time.Time `json:"start,omitempty"`
	End           time.Time  `json:"end"`
	LastSynced    time.Time  `json:"last_synced"`
	Conversations int        `json:"conversations"`
	New           int        `json:"new"`
	Updated       int        `json:"updated"`
}

func newPeriod(p conversation.SyncPeriod) period {
	return period{
		Start:         timePtr(p.Start),
		End:           p.End,
		LastSynced:    p.LastSynced,
		Conversations: p.Conversations,
		New:           p.New,
		Updated:       p.Updated,
	}
}

type dataInfo struct {
	Conversations int        `json:"conversations"`
	Messages      int        `json:"messages"`
	DatabaseBytes int64      `json:"database_bytes"`
	LastSync      *time.Time `json:"last_sync,omitempty"`
	RecentPeriods []period   `json:"recent_periods"`
}

func (s *Server) handleGetDataInfo(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	st, err := s.store.Status(ctx)
	if err != nil {
		return resultErr(errors.Wrap(err, "get_data_info")), nil
	}
	out := dataInfo{
		Conversations: st.Conversations,
		Messages:      st.Messages,
		DatabaseBytes: st.SizeBytes,
		LastSync:      timePtr(st.LastSync),
		RecentPeriods: make([]period, 0, len(st.RecentPeriods)),
	}
	for _, p := range st.RecentPeriods {
		out.RecentPeriods = append(out.RecentPeriods, newPeriod(p))
	}
	return resultJSON(out)
}

// check_coverage

func (s *Server) toolCheckCoverage() mcpsrv.ServerTool {
	tool := mcplib.NewTool("check_coverage",
		mcplib.WithDescription("Check which parts of a date range have been synced into the cache."),
		mcplib.WithString("start_date",
			mcplib.Description("Start of the range, YYYY-MM-DD or RFC 3339."),
			mcplib.Required(),
		),
		mcplib.WithString("end_date",
			mcplib.Description("End of the range (exclusive), YYYY-MM-DD or RFC 3339."),
			mcplib.Required(),
		),
		mcplib.WithReadOnlyHintAnnotation(true),
	)
	return mcpsrv.ServerTool{Tool: tool, Handler: s.handleCheckCoverage}
}

type coverage struct {
	Start    time.Time `json:"start"`
	End      time.Time `json:"end"`
	Complete bool      `json:"complete"`
	Periods  []period  `json:"periods"`
	Gaps     []gap     `json:"gaps"`
}

type gap struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

func (s *Server) handleCheckCoverage(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	startArg, _ := stringArg(req, "start_date")
	endArg, _ := stringArg(req, "end_date")
	start, err := timeframe.ParseDate(startArg)
	if err != nil {
		return resultErr(errors.Wrap(err, "check_coverage: start_date")), nil
	}
	end, err := timeframe.ParseDate(endArg)
	if err != nil {
		return resultErr(errors.Wrap(err, "check_coverage: end_date")), nil
	}
	if !start.Before(end) {
		return resultErr(errors.New("check_coverage: start_date must be before end_date")), nil
	}

	w := conversation.Window{Start: start, End: end}
	periods, err := s.store.Coverage(ctx, w)
	if err != nil {
		return resultErr(errors.Wrap(err, "check_coverage")), nil
	}
	out := coverage{
		Start:   start,
		End:     end,
		Periods: make([]period, 0, len(periods)),
		Gaps:    []gap{},
	}
	for _, p := range periods {
		out.Periods = append(out.Periods, newPeriod(p))
	}
	for _, g := range gaps(w, periods) {
		out.Gaps = append(out.Gaps, gap{Start: g.Start, End: g.End})
	}
	out.Complete = len(out.Gaps) == 0
	return resultJSON(out)
}

// gaps returns the parts of w covered by none of periods, which must be
// sorted by start.
func gaps(w conversation.Window, periods []conversation.SyncPeriod) []conversation.Window {
	var out []conversation.Window
	cursor := w.Start
	for _, p := range periods {
		if !p.Start.IsZero() && p.Start.After(cursor) {
			out = append(out, conversation.Window{Start: cursor, End: minTime(p.Start, w.End)})
		}
		if p.End.After(cursor) {
			cursor = p.End
		}
		if !cursor.Before(w.End) {
			return out
		}
	}
	return append(out, conversation.Window{Start: cursor, End: w.End})
}

func minTime(a, b time.Time) time.Time {
	if a.Before(b) {
		return a
	}
	return b
}

// get_sync_status

func (s *Server) toolGetSyncStatus() mcpsrv.ServerTool {
	tool := mcplib.NewTool("get_sync_status",
		mcplib.WithDescription("Report whether a sync is running and how the last one went."),
		mcplib.WithReadOnlyHintAnnotation(true),
	)
	return mcpsrv.ServerTool{Tool: tool, Handler: s.handleGetSyncStatus}
}

type runSummary struct {
	RunID         string    `json:"run_id"`
	Kind          string    `json:"kind"`
	Status        string    `json:"status"`
	StartedAt     time.Time `json:"started_at"`
	Conversations int       `json:"conversations"`
	Messages      int       `json:"messages"`
	Errors        int       `json:"errors"`
	ErrorMessage  string    `json:"error_message,omitempty"`
}

type lastSync struct {
	RunID           string     `json:"run_id"`
	Start           *time.Time `json:"start,omitempty"`
	End             time.Time  `json:"end"`
	Conversations   int        `json:"conversations"`
	New             int        `json:"new"`
	Updated         int        `json:"updated"`
	Messages        int        `json:"messages"`
	Errors          int        `json:"errors"`
	APICalls        int        `json:"api_calls"`
	DurationSeconds float64    `json:"duration_seconds"`
	Error           string     `json:"error,omitempty"`
	Finished        time.Time  `json:"finished"`
}

type syncStatus struct {
	Running      bool        `json:"running"`
	CurrentRun   string      `json:"current_run,omitempty"`
	CurrentKind  string      `json:"current_kind,omitempty"`
	Last         *lastSync   `json:"last,omitempty"`
	LastRecorded *runSummary `json:"last_recorded,omitempty"`
}

func (s *Server) syncStatus(ctx context.Context) syncStatus {
	st := s.syncer.Status()
	out := syncStatus{Running: st.Running}
	if st.Current != nil {
		out.CurrentRun = st.Current.RunID
		out.CurrentKind = st.Current.Kind
	}
	if st.Last != nil {
		out.Last = &lastSync{
			RunID:           st.Last.RunID,
			Start:           timePtr(st.Last.Window.Start),
			End:             st.Last.Window.End,
			Conversations:   st.Last.Total,
			New:             st.Last.New,
			Updated:         st.Last.Updated,
			Messages:        st.Last.Messages,
			Errors:          st.Last.Errors,
			APICalls:        st.Last.APICalls,
			DurationSeconds: st.Last.Duration.Seconds(),
			Finished:        st.LastFinished,
		}
		if st.LastErr != nil {
			out.Last.Error = st.LastErr.Error()
		}
	}
	// Runs from earlier processes are only in the store.
	run, err := s.store.LastSyncRun(ctx)
	switch {
	case err == nil:
		out.LastRecorded = &runSummary{
			RunID:         run.RunID,
			Kind:          run.Kind,
			Status:        run.Status,
			StartedAt:     run.StartedAt,
			Conversations: run.Conversations,
			Messages:      run.Messages,
			Errors:        run.Errors,
			ErrorMessage:  run.ErrorMessage,
		}
	case !errors.Is(err, persist.ErrNotFound):
		s.log.WarnContext(ctx, "mcp: reading last sync run", "err", err)
	}
	return out
}

func (s *Server) handleGetSyncStatus(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	return resultJSON(s.syncStatus(ctx))
}

// force_sync

func (s *Server) toolForceSync() mcpsrv.ServerTool {
	tool := mcplib.NewTool("force_sync",
		mcplib.WithDescription("Refetch every conversation active in the last few days, even if cached."),
		mcplib.WithNumber("days", mcplib.Description("Days to refetch (default 1).")),
	)
	return mcpsrv.ServerTool{Tool: tool, Handler: s.handleForceSync}
}

func (s *Server) handleForceSync(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	days := intArg(req, "days", forceSyncDays)
	if days < 1 {
		return resultErr(errors.New("force_sync: days must be at least 1")), nil
	}
	return s.forceSync(ctx, days)
}

func (s *Server) forceSync(ctx context.Context, days int) (*mcplib.CallToolResult, error) {
	st, err := s.syncer.ForceSync(ctx, days)
	return s.syncResult(ctx, "force_sync", st, err)
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
