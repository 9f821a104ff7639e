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

// Package httpserver serves the MCP tools over HTTP.
package httpserver

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/matta/fastintercom/internal/mcp"
	"github.com/matta/fastintercom/internal/persist"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	mcplib "github.com/mark3labs/mcp-go/mcp"
	"github.com/pkg/errors"
)

const (
	name            = "fast-intercom-mcp"
	shutdownTimeout = 5 * time.Second
	maxBodyBytes    = 1 << 20
)

// Tools is the MCP server as the HTTP layer uses it.
type Tools interface {
	Handler() http.Handler
	Tools() []mcplib.Tool
	Call(ctx context.Context, name string, args map[string]any) (*mcplib.CallToolResult, error)
}

// StatusStore reports what the local store holds.
type StatusStore interface {
	Status(ctx context.Context) (*persist.Status, error)
}

var (
	_ Tools       = (*mcp.Server)(nil)
	_ StatusStore = (*persist.DB)(nil)
)

type Server struct {
	tools   Tools
	store   StatusStore
	key     string
	version string
	log     *slog.Logger
	router  chi.Router
}

type Option func(*Server)

// WithAPIKey sets the bearer key clients must present.  Without it a
// random key is generated.
func WithAPIKey(key string) Option {
	return func(s *Server) { s.key = key }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.log = l }
}

func WithVersion(v string) Option {
	return func(s *Server) { s.version = v }
}

func New(tools Tools, store StatusStore, opts ...Option) *Server {
	s := &Server{
		tools:   tools,
		store:   store,
		version: "dev",
		log:     slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	if s.key == "" {
		s.key = rand.Text()
		s.log.Warn("no API key configured, generated one for this process", "api_key", s.key)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(requestLogger(s.log))
	r.Use(middleware.Recoverer)

	r.Get("/", s.handleIndex)
	r.Get("/health", s.handleHealth)
	r.Group(func(r chi.Router) {
		r.Use(s.requireKey)
		r.Handle("/mcp", tools.Handler())
		r.Get("/tools", s.handleListTools)
		r.Post("/tools/{name}", s.handleCallTool)
	})
	s.router = r
	return s
}

// APIKey returns the key clients must present.
func (s *Server) APIKey() string { return s.key }

func (s *Server) Handler() http.Handler { return s.router }

// ListenAndServe serves on addr until ctx is cancelled, then shuts
// down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "listening on %s", addr)
	}
	return s.Serve(ctx, ln)
}

func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}
	s.log.InfoContext(ctx, "http server listening", "addr", ln.Addr().String())

	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()
	select {
	case err := <-errc:
		return errors.Wrap(err, "http server")
	case <-ctx.Done():
	}

	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		return errors.Wrap(err, "http server shutdown")
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "http server")
	}
	s.log.InfoContext(ctx, "http server stopped")
	return nil
}

func (s *Server) requireKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(strings.TrimSpace(got)), []byte(s.key)) != 1 {
			w.Header().Set("WWW-Authenticate", `Bearer realm="`+name+`"`)
			writeError(w, http.StatusUnauthorized, "missing or invalid API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":      name,
		"version":   s.version,
		"endpoints": []string{"/health", "/mcp", "/tools", "/tools/{name}"},
	})
}

type health struct {
	Status        string     `json:"status"`
	Conversations int        `json:"conversations"`
	Messages      int        `json:"messages"`
	LastSync      *time.Time `json:"last_sync,omitempty"`
	Error         string     `json:"error,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	st, err := s.store.Status(r.Context())
	if err != nil {
		s.log.ErrorContext(r.Context(), "health check failed", "err", err)
		writeJSON(w, http.StatusServiceUnavailable, health{Status: "error", Error: err.Error()})
		return
	}
	h := health{Status: "ok", Conversations: st.Conversations, Messages: st.Messages}
	if !st.LastSync.IsZero() {
		h.LastSync = &st.LastSync
	}
	writeJSON(w, http.StatusOK, h)
}

func (s *Server) handleListTools(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.tools.Tools())
}

func (s *Server) handleCallTool(w http.ResponseWriter, r *http.Request) {
	tool := chi.URLParam(r, "name")
	var args map[string]any
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(&args); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "arguments must be a JSON object: "+err.Error())
		return
	}
	res, err := s.tools.Call(r.Context(), tool, args)
	switch {
	case errors.Is(err, mcp.ErrUnknownTool):
		writeError(w, http.StatusNotFound, err.Error())
		return
	case err != nil:
		s.log.ErrorContext(r.Context(), "tool call failed", "tool", tool, "err", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func requestLogger(log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				log.DebugContext(r.Context(), "http request",
					"method", r.Method,
					"path", r.URL.Path,
					"status", ww.Status(),
					"bytes", ww.BytesWritten(),
					"duration", time.Since(start),
					"request_id", middleware.GetReqID(r.Context()),
				)
			}()
			next.ServeHTTP(ww, r)
		})
	}
}
