package intercom

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/matta/fastintercom/internal/conversation"

	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func testClient(t *testing.T, h http.Handler, opts ...Option) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	opts = append([]Option{
		WithBaseURL(srv.URL),
		WithRateLimit(rate.Inf, 1),
		WithRateLimitRetries(0),
	}, opts...)
	return New(srv.Client(), opts...)
}

const conversationJSON = `{
  "type": "conversation",
  "id": "123",
  "created_at": 1700000000,
  "updated_at": 1700000500,
  "state": "open",
  "priority": "priority",
  "admin_assignee_id": 55,
  "team_assignee_id": null,
  "source": {
    "id": "s1",
    "subject": "",
    "body": "My invoice is wrong",
    "author": {"type": "user", "id": "u1", "email": "jane@example.com"}
  },
  "tags": {"tags": [{"name": "billing"}, {"name": "vip"}]},
  "conversation_parts": {
    "conversation_parts": [
      {"id": "p2", "part_type": "comment", "body": "Thanks!", "created_at": 1700000300,
       "author": {"type": "user"}},
      {"id": "p1", "part_type": "comment", "body": "Looking into it", "created_at": 1700000100,
       "author": {"type": "admin", "id": 55}},
      {"id": "p3", "part_type": "assignment", "body": "", "created_at": 1700000200,
       "author": {"type": "admin"}},
      {"id": "p4", "part_type": "note", "body": "   ", "created_at": 1700000400,
       "author": {"type": "admin"}}
    ]
  }
}`

func TestGetConversation(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/conversations/123", r.URL.Path)
		assert.Equal(t, "plaintext", r.URL.Query().Get("display_as"))
		io.WriteString(w, conversationJSON)
	}))

	got, err := c.GetConversation(context.Background(), "123")
	require.NoError(t, err)

	at := func(s int64) time.Time { return time.Unix(s, 0).UTC() }
	want := &conversation.Conversation{
		ID:            "123",
		CreatedAt:     at(1700000000),
		UpdatedAt:     at(1700000500),
		CustomerEmail: "jane@example.com",
		Tags:          []string{"billing", "vip"},
		Priority:      "priority",
		State:         "open",
		AssigneeID:    "55",
		Messages: []conversation.Message{
			{ID: "123_initial", ConversationID: "123", AuthorType: conversation.AuthorUser,
				Body: "My invoice is wrong", CreatedAt: at(1700000000), PartType: conversation.PartInitial},
			{ID: "p1", ConversationID: "123", AuthorType: conversation.AuthorAdmin,
				Body: "Looking into it", CreatedAt: at(1700000100), PartType: conversation.PartComment},
			{ID: "p2", ConversationID: "123", AuthorType: conversation.AuthorUser,
				Body: "Thanks!", CreatedAt: at(1700000300), PartType: conversation.PartComment},
		},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("GetConversation() mismatch (-want +got):\n%s", diff)
	}
	assert.EqualValues(t, 1, c.APICalls())
}

func TestGetConversationUpdatedFallsBackToCreated(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"id": 9, "created_at": 1700000000}`)
	}))
	got, err := c.GetConversation(context.Background(), "9")
	require.NoError(t, err)
	assert.Equal(t, "9", got.ID)
	assert.True(t, got.UpdatedAt.Equal(got.CreatedAt))
	assert.Empty(t, got.Messages)
}

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		status    int
		notFound  bool
		transient bool
		unauth    bool
	}{
		{http.StatusNotFound, true, false, false},
		{http.StatusTooManyRequests, false, true, false},
		{http.StatusRequestTimeout, false, true, false},
		{http.StatusBadGateway, false, true, false},
		{http.StatusNotImplemented, false, false, false},
		{http.StatusUnauthorized, false, false, true},
		{http.StatusBadRequest, false, false, false},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.status), func(t *testing.T) {
			c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				io.WriteString(w, `{"type":"error.list","errors":[{"code":"x","message":"boom"}]}`)
			}))
			_, err := c.GetConversation(context.Background(), "1")
			require.Error(t, err)
			assert.Equal(t, tt.notFound, errors.Is(err, ErrNotFound), "not found: %v", err)
			assert.Equal(t, tt.transient, IsTransient(err), "transient: %v", err)
			assert.Equal(t, tt.unauth, errors.Is(err, ErrUnauthorized), "unauthorized: %v", err)
		})
	}
}

func TestRateLimitRetry(t *testing.T) {
	var n atomic.Int32
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if n.Add(1) == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		io.WriteString(w, `{"id": "1", "created_at": 1700000000}`)
	}), WithRateLimitRetries(2))

	_, err := c.GetConversation(context.Background(), "1")
	require.NoError(t, err)
	assert.EqualValues(t, 2, c.APICalls())
}

func TestSearchConversations(t *testing.T) {
	start := time.Unix(1700000000, 0)
	end := time.Unix(1700086400, 0)

	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/conversations/search", r.URL.Path)
		var req searchRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "AND", req.Query.Operator)
		assert.Equal(t, []searchCondition{
			{Field: "updated_at", Operator: ">", Value: 1699999999},
			{Field: "updated_at", Operator: "<", Value: 1700086400},
		}, req.Query.Value)
		assert.Equal(t, 2, req.Pagination.PerPage)

		switch req.Pagination.StartingAfter {
		case "":
			io.WriteString(w, `{"total_count": 3, "conversations": [
				{"id": "1", "updated_at": 1700000100}, {"id": "2", "updated_at": 1700000200}],
				"pages": {"next": {"starting_after": "abc"}}}`)
		case "abc":
			io.WriteString(w, `{"total_count": 3, "conversations": [
				{"id": "3", "created_at": 1700000300}], "pages": {}}`)
		default:
			t.Errorf("unexpected cursor %q", req.Pagination.StartingAfter)
		}
	}))

	ctx := context.Background()
	w := conversation.Window{Start: start, End: end}
	p1, err := c.SearchConversations(ctx, w, "", 2)
	require.NoError(t, err)
	assert.Equal(t, 3, p1.TotalCount)
	assert.Equal(t, "abc", p1.Next)
	require.Len(t, p1.Conversations, 2)
	assert.Equal(t, "1", p1.Conversations[0].ID)

	p2, err := c.SearchConversations(ctx, w, p1.Next, 2)
	require.NoError(t, err)
	assert.Empty(t, p2.Next)
	require.Len(t, p2.Conversations, 1)
	assert.True(t, p2.Conversations[0].UpdatedAt.Equal(time.Unix(1700000300, 0)))
}

func TestSearchEmptyPageKeepsCursor(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req searchRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		switch req.Pagination.StartingAfter {
		case "":
			io.WriteString(w, `{"total_count": 1, "conversations": [], "pages": {"next": {"starting_after": "later"}}}`)
		case "later":
			io.WriteString(w, `{"total_count": 1, "conversations": [{"id": "9", "updated_at": 1700000100}], "pages": {}}`)
		default:
			t.Errorf("unexpected cursor %q", req.Pagination.StartingAfter)
		}
	}))

	ctx := context.Background()
	w := conversation.Window{Start: time.Unix(1700000000, 0), End: time.Unix(1700086400, 0)}
	p1, err := c.SearchConversations(ctx, w, "", 0)
	require.NoError(t, err)
	assert.Empty(t, p1.Conversations)
	assert.Equal(t, "later", p1.Next)

	p2, err := c.SearchConversations(ctx, w, p1.Next, 0)
	require.NoError(t, err)
	require.Len(t, p2.Conversations, 1)
	assert.Equal(t, "9", p2.Conversations[0].ID)
	assert.Empty(t, p2.Next)
}

func TestSearchUnboundedNewOnly(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req searchRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, []searchCondition{{Field: "created_at", Operator: "<", Value: 1700000000}}, req.Query.Value)
		io.WriteString(w, `{"conversations": []}`)
	}), WithNewOnly(true))

	p, err := c.SearchConversations(context.Background(), conversation.Window{End: time.Unix(1700000000, 0)}, "", 0)
	require.NoError(t, err)
	assert.Empty(t, p.Conversations)
	assert.Empty(t, p.Next)
}

func TestAppIDCached(t *testing.T) {
	var n atomic.Int32
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n.Add(1)
		assert.Equal(t, "/me", r.URL.Path)
		io.WriteString(w, `{"type": "admin", "app": {"id_code": "xyz"}}`)
	}))
	for i := 0; i < 2; i++ {
		id, err := c.AppID(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "xyz", id)
	}
	assert.EqualValues(t, 1, n.Load())
}
