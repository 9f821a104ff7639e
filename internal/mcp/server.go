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

// Package mcp exposes the local conversation store to MCP clients.
package mcp

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sort"
	"time"

	"github.com/matta/fastintercom/internal/conversation"
	"github.com/matta/fastintercom/internal/persist"
	"github.com/matta/fastintercom/internal/sync"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpsrv "github.com/mark3labs/mcp-go/server"
	"github.com/pkg/errors"
)

const (
	serverName     = "fast-intercom-mcp"
	defaultVersion = "dev"
)

// Store is the read side of the local store.
type Store interface {
	GetConversation(ctx context.Context, id string) (*conversation.Conversation, error)
	SearchConversations(ctx context.Context, f conversation.Filter) ([]*conversation.Conversation, error)
	Status(ctx context.Context) (*persist.Status, error)
	Coverage(ctx context.Context, w conversation.Window) ([]conversation.SyncPeriod, error)
	DataFreshness(ctx context.Context, w conversation.Window) (time.Duration, error)
	RecordRequestPattern(ctx context.Context, w conversation.Window, freshness time.Duration, syncTriggered bool) error
	LastSyncRun(ctx context.Context) (*persist.SyncRun, error)
}

// Syncer is the sync service as the tools use it.
type Syncer interface {
	SyncIfNeeded(ctx context.Context, start, end *time.Time) (*conversation.SyncState, error)
	SyncRecent(ctx context.Context) (sync.Stats, error)
	ForceSync(ctx context.Context, days int) (sync.Stats, error)
	Status() sync.Status
	Freshness() time.Duration
}

var (
	_ Store  = (*persist.DB)(nil)
	_ Syncer = (*sync.Service)(nil)
)

// Server wraps an MCP server over the local store.
type Server struct {
	mcp     *mcpsrv.MCPServer
	tools   map[string]mcpsrv.ServerTool
	store   Store
	syncer  Syncer
	appID   func(context.Context) (string, error)
	version string
	log     *slog.Logger
	now     func() time.Time
	started time.Time
}

type Option func(*Server)

func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.log = l }
}

func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

func WithVersion(v string) Option {
	return func(s *Server) { s.version = v }
}

// WithAppID supplies the Intercom workspace id used to link
// conversations in results.  Without it results carry no links.
func WithAppID(f func(context.Context) (string, error)) Option {
	return func(s *Server) { s.appID = f }
}

// New returns a server with every tool registered.  It does not listen
// until one of the Serve methods is called.
func New(store Store, syncer Syncer, opts ...Option) *Server {
	s := &Server{
		store:   store,
		syncer:  syncer,
		version: defaultVersion,
		log:     slog.Default(),
		now:     time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	s.started = s.now()
	s.mcp = mcpsrv.NewMCPServer(serverName, s.version,
		mcpsrv.WithInstructions(instructions),
		mcpsrv.WithToolCapabilities(false),
	)
	s.tools = make(map[string]mcpsrv.ServerTool)
	for _, t := range s.toolList() {
		s.tools[t.Tool.Name] = t
		s.mcp.AddTool(t.Tool, t.Handler)
	}
	return s
}

const instructions = `You are connected to a local cache of Intercom conversations.

Search and read conversations with search_conversations and
get_conversation.  Results come from the local cache, which is refreshed
automatically when a request needs newer data than it holds.  Each
search result ends with a note on how fresh the data is.

Use get_sync_status, get_data_info and check_coverage to see what the
cache holds, and sync_conversations to refresh it.`

// ServeStdio runs the server over stdin and stdout until ctx is
// cancelled or the client goes away.
func (s *Server) ServeStdio(ctx context.Context) error {
	return s.serve(ctx, os.Stdin, os.Stdout)
}

func (s *Server) serve(ctx context.Context, in io.Reader, out io.Writer) error {
	srv := mcpsrv.NewStdioServer(s.mcp)
	srv.SetErrorLogger(slog.NewLogLogger(s.log.Handler(), slog.LevelError))
	s.log.InfoContext(ctx, "mcp server listening on stdio")
	if err := srv.Listen(ctx, in, out); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, context.Canceled) {
			return nil
		}
		return errors.Wrap(err, "mcp stdio server error")
	}
	return nil
}

// Handler returns the Streamable HTTP transport for mounting on a
// router.
func (s *Server) Handler() http.Handler {
	return mcpsrv.NewStreamableHTTPServer(s.mcp)
}

// Tools lists the registered tools by name.
func (s *Server) Tools() []mcplib.Tool {
	out := make([]mcplib.Tool, 0, len(s.tools))
	for _, t := range s.tools {
		out = append(out, t.Tool)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ErrUnknownTool is returned by Call for names no tool has.
var ErrUnknownTool = errors.New("unknown tool")

// Call invokes a tool directly, bypassing the MCP transports.
func (s *Server) Call(ctx context.Context, name string, args map[string]any) (*mcplib.CallToolResult, error) {
	t, ok := s.tools[name]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownTool, "%q", name)
	}
	var req mcplib.CallToolRequest
	req.Params.Name = name
	req.Params.Arguments = args
	return t.Handler(ctx, req)
}

func resultText(text string) *mcplib.CallToolResult {
	return mcplib.NewToolResultText(text)
}

func resultErr(err error) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{mcplib.NewTextContent(err.Error())},
		IsError: true,
	}
}

func resultJSON(v any) (*mcplib.CallToolResult, error) {
	return mcplib.NewToolResultJSON(v)
}

// stringArg returns the named string argument, or "" and false.
func stringArg(req mcplib.CallToolRequest, name string) (string, bool) {
	v, ok := req.GetArguments()[name]
	if !ok {
		return "", false
	}
	str, ok := v.(string)
	return str, ok
}

// intArg returns the named number argument.  JSON numbers arrive as
// float64.
func intArg(req mcplib.CallToolRequest, name string, defaultVal int) int {
	switch n := req.GetArguments()[name].(type) {
	case float64:
		return int(n)
	case int:
		return n
	}
	return defaultVal
}

func boolArg(req mcplib.CallToolRequest, name string, defaultVal bool) bool {
	b, ok := req.GetArguments()[name].(bool)
	if !ok {
		return defaultVal
	}
	return b
}
