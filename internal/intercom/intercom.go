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

package intercom

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/matta/fastintercom/internal/conversation"

	"github.com/pkg/errors"
	"golang.org/x/time/rate"
)

const (
	DefaultBaseURL = "https://api.intercom.io"

	// See https://developers.intercom.com/docs/references/rest-api/errors/rate-limiting
	// 10,000 calls per minute per app, enforced in 10 second
	// windows.  Stay well below it.
	requestsPerSecond = 166 * 0.8
	rateLimitBurst    = 20

	// Largest page the search endpoint accepts.
	MaxPerPage = 150

	maxRetryAfter = time.Minute
)

var (
	ErrNotFound     = errors.New("intercom conversation not found")
	ErrUnauthorized = errors.New("intercom rejected the access token")
)

// TransientError is a failure that may succeed if retried later:
// rate limiting, timeouts and server errors.
type TransientError struct {
	// Zero for network errors.
	StatusCode int

	// How long the server asked us to wait.  Zero if unknown.
	RetryAfter time.Duration

	Err error
}

func (e *TransientError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("intercom transient error (HTTP %d): %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("intercom transient error: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err, or anything it wraps, is a
// TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// APIError is a non-retryable error response.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("intercom API error (HTTP %d): %s: %s", e.StatusCode, e.Code, e.Message)
}

func isRecoverable(statusCode int) bool {
	return statusCode == http.StatusTooManyRequests ||
		statusCode == http.StatusRequestTimeout ||
		(statusCode >= http.StatusInternalServerError && statusCode <= 599 && statusCode != http.StatusNotImplemented)
}

// Client provides access to conversations stored in Intercom.
type Client struct {
	http    *http.Client
	baseURL string
	limiter *rate.Limiter
	log     *slog.Logger

	// Conversation field matched by search windows.
	searchField string

	// How many times a 429 response is retried after honoring its
	// Retry-After header.
	rateLimitRetries int

	calls atomic.Int64

	mu    sync.Mutex
	appID string
}

type Option func(*Client)

func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = u }
}

func WithRateLimit(perSecond rate.Limit, burst int) Option {
	return func(c *Client) { c.limiter = rate.NewLimiter(perSecond, burst) }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.log = l
		}
	}
}

// WithNewOnly makes search windows select conversations by creation
// rather than by last activity.
func WithNewOnly(newOnly bool) Option {
	return func(c *Client) {
		if newOnly {
			c.searchField = "created_at"
		} else {
			c.searchField = "updated_at"
		}
	}
}

func WithRateLimitRetries(n int) Option {
	return func(c *Client) { c.rateLimitRetries = n }
}

// New returns a client using hc, which must add authentication.  See
// package intercomhttp.
func New(hc *http.Client, opts ...Option) *Client {
	c := &Client{
		http:             hc,
		baseURL:          DefaultBaseURL,
		limiter:          rate.NewLimiter(requestsPerSecond, rateLimitBurst),
		log:              slog.Default(),
		searchField:      "updated_at",
		rateLimitRetries: 3,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// APICalls returns the number of HTTP requests made so far.
func (c *Client) APICalls() int64 {
	return c.calls.Load()
}

// SearchPage is one page of search results.
type SearchPage struct {
	Conversations []conversation.Summary
	TotalCount    int

	// Cursor for the following page.  Empty on the last page.
	Next string
}

type searchCondition struct {
	Field    string `json:"field"`
	Operator string `json:"operator"`
	Value    int64  `json:"value"`
}

type searchRequest struct {
	Query struct {
		Operator string            `json:"operator"`
		Value    []searchCondition `json:"value"`
	} `json:"query"`
	Pagination struct {
		PerPage       int    `json:"per_page"`
		StartingAfter string `json:"starting_after,omitempty"`
	} `json:"pagination"`
	Sort struct {
		Field string `json:"field"`
		Order string `json:"order"`
	} `json:"sort"`
}

type searchResponse struct {
	Conversations []struct {
		ID        flexString `json:"id"`
		UpdatedAt int64      `json:"updated_at"`
		CreatedAt int64      `json:"created_at"`
	} `json:"conversations"`
	TotalCount int `json:"total_count"`
	Pages      struct {
		Page       int `json:"page"`
		PerPage    int `json:"per_page"`
		TotalPages int `json:"total_pages"`
		Next       *struct {
			StartingAfter string `json:"starting_after"`
		} `json:"next"`
	} `json:"pages"`
}

// SearchConversations returns one page of conversations active in
// [w.Start, w.End).  Pass the previous page's Next as cursor to
// continue; an empty cursor starts from the beginning.
func (c *Client) SearchConversations(ctx context.Context, w conversation.Window, cursor string, perPage int) (*SearchPage, error) {
	if perPage <= 0 || perPage > MaxPerPage {
		perPage = MaxPerPage
	}
	var req searchRequest
	req.Query.Operator = "AND"
	if !w.Unbounded() {
		// The API has no >=, so back off a second.
		req.Query.Value = append(req.Query.Value,
			searchCondition{Field: c.searchField, Operator: ">", Value: w.Start.Unix() - 1})
	}
	req.Query.Value = append(req.Query.Value,
		searchCondition{Field: c.searchField, Operator: "<", Value: w.End.Unix()})
	req.Pagination.PerPage = perPage
	req.Pagination.StartingAfter = cursor
	req.Sort.Field = c.searchField
	req.Sort.Order = "ascending"

	var resp searchResponse
	if err := c.do(ctx, http.MethodPost, "/conversations/search", nil, &req, &resp); err != nil {
		return nil, errors.Wrap(err, "searching conversations")
	}

	page := &SearchPage{TotalCount: resp.TotalCount}
	for _, s := range resp.Conversations {
		updated := s.UpdatedAt
		if updated == 0 {
			updated = s.CreatedAt
		}
		page.Conversations = append(page.Conversations, conversation.Summary{
			ID:        string(s.ID),
			UpdatedAt: unixTime(updated),
		})
	}
	// A page may come back empty with more to follow, so the cursor
	// is kept regardless of what this page held.
	if resp.Pages.Next != nil && resp.Pages.Next.StartingAfter != "" {
		page.Next = resp.Pages.Next.StartingAfter
	}
	c.log.DebugContext(ctx, "listed page of Intercom conversations",
		"count", len(page.Conversations), "total", page.TotalCount, "more", page.Next != "")
	return page, nil
}

// GetConversation fetches a conversation with all of its messages in a
// single call.
func (c *Client) GetConversation(ctx context.Context, id string) (*conversation.Conversation, error) {
	var raw rawConversation
	q := url.Values{"display_as": {"plaintext"}}
	if err := c.do(ctx, http.MethodGet, "/conversations/"+url.PathEscape(id), q, nil, &raw); err != nil {
		return nil, errors.Wrapf(err, "getting conversation %v from intercom", id)
	}
	return raw.conversation(), nil
}

// AppID returns the workspace identifier used in inbox URLs.  The
// value is fetched once and cached.
func (c *Client) AppID(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.appID != "" {
		return c.appID, nil
	}
	var me struct {
		App struct {
			IDCode string `json:"id_code"`
		} `json:"app"`
	}
	if err := c.do(ctx, http.MethodGet, "/me", nil, nil, &me); err != nil {
		return "", errors.Wrap(err, "getting intercom app id")
	}
	c.appID = me.App.IDCode
	return c.appID, nil
}

// TestConnection checks that the access token is accepted.
func (c *Client) TestConnection(ctx context.Context) error {
	_, err := c.AppID(ctx)
	return err
}

// do performs one API request, decoding a JSON response into out.
// Responses with status 429 are retried after the server's Retry-After.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, in, out any) error {
	var body []byte
	if in != nil {
		var err error
		if body, err = json.Marshal(in); err != nil {
			return errors.Wrap(err, "encoding request")
		}
	}
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	for attempt := 0; ; attempt++ {
		err := c.roundTrip(ctx, method, u, body, out)
		var te *TransientError
		if errors.As(err, &te) && te.StatusCode == http.StatusTooManyRequests && attempt < c.rateLimitRetries {
			wait := te.RetryAfter
			if wait <= 0 {
				wait = time.Second << attempt
			}
			c.log.InfoContext(ctx, "rate limited by intercom", "wait", wait, "attempt", attempt+1)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
			continue // retry
		}
		return err
	}
}

func (c *Client) roundTrip(ctx context.Context, method, u string, body []byte, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		return errors.Wrap(err, "building request")
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	c.calls.Add(1)
	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var ne net.Error
		if errors.As(err, &ne) {
			return &TransientError{Err: err}
		}
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return &TransientError{Err: err}
		}
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return errors.Wrap(err, "decoding response")
		}
		return nil
	}
	return statusError(resp)
}

func statusError(resp *http.Response) error {
	var e struct {
		Errors []struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"errors"`
	}
	apiErr := &APIError{StatusCode: resp.StatusCode}
	if json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&e) == nil && len(e.Errors) > 0 {
		apiErr.Code = e.Errors[0].Code
		apiErr.Message = e.Errors[0].Message
	} else {
		apiErr.Message = http.StatusText(resp.StatusCode)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return errors.Wrap(ErrNotFound, apiErr.Message)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return errors.Wrap(ErrUnauthorized, apiErr.Message)
	case isRecoverable(resp.StatusCode):
		return &TransientError{
			StatusCode: resp.StatusCode,
			RetryAfter: retryAfter(resp.Header.Get("Retry-After")),
			Err:        apiErr,
		}
	}
	return apiErr
}

// retryAfter parses a Retry-After header given in seconds.
func retryAfter(v string) time.Duration {
	secs, err := strconv.Atoi(v)
	if err != nil || secs < 0 {
		return 0
	}
	d := time.Duration(secs) * time.Second
	if d > maxRetryAfter {
		d = maxRetryAfter
	}
	return d
}

func unixTime(s int64) time.Time {
	if s == 0 {
		return time.Time{}
	}
	return time.Unix(s, 0).UTC()
}
