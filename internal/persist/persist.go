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

// Package persist is the local SQLite store of Intercom conversations
// and of the bookkeeping needed to sync them incrementally.
package persist

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"log"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/matta/fastintercom/internal/conversation"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	"github.com/pressly/goose/v3"
)

const driverName = "sqlite3"

//go:embed migrations/*.sql
var migrationsFS embed.FS

func init() {
	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect(driverName); err != nil {
		panic(err)
	}
}

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

type DB struct {
	db   *sqlx.DB
	path string
	log  *slog.Logger
	now  func() time.Time
}

type Tx struct {
	tx *sqlx.Tx
}

// Option configures Open.
type Option func(*options)

type options struct {
	poolSize int
	logger   *slog.Logger
	now      func() time.Time
	verbose  bool
}

// WithPoolSize limits the number of open connections.
func WithPoolSize(n int) Option {
	return func(o *options) { o.poolSize = n }
}

func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithVerboseMigrations prints schema migrations as they are applied.
func WithVerboseMigrations(v bool) Option {
	return func(o *options) { o.verbose = v }
}

func dsnFromPath(path string, addValues url.Values) (string, error) {
	var u *url.URL
	if !strings.HasPrefix(path, "file:") {
		u = &url.URL{Scheme: "file", Path: path}
	} else {
		var err error
		u, err = url.Parse(path)
		if err != nil {
			return "", err
		}
	}
	values := u.Query()
	for k, v := range addValues {
		for _, item := range v {
			values.Add(k, item)
		}
	}
	u.RawQuery = values.Encode()
	return u.String(), nil
}

// Open opens, creating if needed, the database at path and brings its
// schema up to date.
func Open(ctx context.Context, path string, opts ...Option) (*DB, error) {
	o := options{poolSize: 5, logger: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	// The _busy_timeout is a SQLite extension that controls how
	// long SQLite will poll before giving up.  The default of 5
	// seconds is too short when a sync holds the write lock for a
	// large batch; go with 5 minutes.
	var busyTimeout = int(5*time.Minute) / int(time.Millisecond)

	if !strings.HasPrefix(path, "file:") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, errors.Wrapf(err, "Open(%q) failed: could not create the database directory", path)
		}
	}

	// WAL lets readers proceed while a sync writes.  Immediate
	// transactions take the write lock up front so that concurrent
	// writers queue on the busy timeout instead of failing to
	// upgrade a read lock.
	dsn, err := dsnFromPath(path, url.Values{
		"_busy_timeout": {fmt.Sprintf("%d", busyTimeout)},
		"_journal_mode": {"WAL"},
		"_foreign_keys": {"on"},
		"_txlock":       {"immediate"},
	})
	if err != nil {
		return nil, errors.Wrapf(err,
			"Open(%q) failed: could not form a DB DSN from "+
				"the given path",
			path)
	}
	o.logger.Debug("opening database", "dsn", dsn)
	db, err := sqlx.Open(driverName, dsn)
	if err != nil {
		return nil, errors.Wrapf(err,
			"Open(%q) failed: could not open database at %q",
			path, dsn)
	}
	if o.poolSize > 0 {
		db.SetMaxOpenConns(o.poolSize)
	}

	if err = migrate(ctx, db.DB, o.verbose); err != nil {
		db.Close()
		return nil, errors.Wrapf(err,
			"Open(%q) failed: could not initialize the "+
				"database schema", path)
	}

	return &DB{db: db, path: path, log: o.logger, now: o.now}, nil
}

func migrate(ctx context.Context, db *sql.DB, verbose bool) error {
	if verbose {
		goose.SetLogger(log.Default())
	} else {
		goose.SetLogger(goose.NopLogger())
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return errors.Wrap(err, "migrate")
	}
	return nil
}

func (db *DB) Close() error {
	return db.db.Close()
}

// Path returns the path the database was opened with.
func (db *DB) Path() string {
	return db.path
}

func (db *DB) Begin(ctx context.Context) (*Tx, error) {
	tx, err := db.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "begin transaction failed")
	}
	return &Tx{tx}, nil
}

func (tx *Tx) Commit() error {
	return tx.tx.Commit()
}

func (tx *Tx) Rollback() error {
	return tx.tx.Rollback()
}

// Reset deletes every conversation and all sync bookkeeping.  This is
// the only way rows leave the conversations table.
func (db *DB) Reset(ctx context.Context) error {
	tx, err := db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, table := range []string{"messages", "conversations", "sync_periods", "sync_runs", "request_patterns"} {
		if _, err := tx.tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return errors.Wrapf(err, "reset %s", table)
		}
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "reset")
	}
	db.log.InfoContext(ctx, "database reset", "path", db.path)
	return nil
}

// Status summarizes the contents of the store.
type Status struct {
	Path          string
	Conversations int
	Messages      int

	// End of the most recently covered window.  Zero if no sync
	// has completed.
	LastSync time.Time

	RecentPeriods []conversation.SyncPeriod

	// Size of the database file in bytes, not counting the WAL.
	SizeBytes int64
}

func (db *DB) Status(ctx context.Context) (*Status, error) {
	st := &Status{Path: db.path}
	if err := db.db.GetContext(ctx, &st.Conversations, `SELECT COUNT(*) FROM conversations`); err != nil {
		return nil, errors.Wrap(err, "count conversations")
	}
	if err := db.db.GetContext(ctx, &st.Messages, `SELECT COUNT(*) FROM messages`); err != nil {
		return nil, errors.Wrap(err, "count messages")
	}
	last, ok, err := db.LastSyncTime(ctx)
	if err != nil {
		return nil, err
	}
	if ok {
		st.LastSync = last
	}
	if st.RecentPeriods, err = db.RecentPeriods(ctx, 5); err != nil {
		return nil, err
	}
	if fi, err := os.Stat(db.path); err == nil {
		st.SizeBytes = fi.Size()
	}
	return st, nil
}

func toUnix(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func fromUnix(s int64) time.Time {
	if s == 0 {
		return time.Time{}
	}
	return time.Unix(s, 0).UTC()
}
