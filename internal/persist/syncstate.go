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

package persist

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/matta/fastintercom/internal/conversation"

	"github.com/pkg/errors"
)

const periodColumns = `id, start_timestamp, end_timestamp, kind, last_synced,
conversation_count, new_conversations, updated_conversations`

type periodRow struct {
	ID            int64  `db:"id"`
	Start         int64  `db:"start_timestamp"`
	End           int64  `db:"end_timestamp"`
	Kind          string `db:"kind"`
	LastSynced    int64  `db:"last_synced"`
	Conversations int    `db:"conversation_count"`
	New           int    `db:"new_conversations"`
	Updated       int    `db:"updated_conversations"`
}

func (r periodRow) period() conversation.SyncPeriod {
	return conversation.SyncPeriod{
		ID:            r.ID,
		Window:        conversation.Window{Start: fromUnix(r.Start), End: fromUnix(r.End)},
		Kind:          r.Kind,
		LastSynced:    fromUnix(r.LastSynced),
		Conversations: r.Conversations,
		New:           r.New,
		Updated:       r.Updated,
	}
}

func periods(rows []periodRow) []conversation.SyncPeriod {
	out := make([]conversation.SyncPeriod, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.period())
	}
	return out
}

// RecordSyncPeriod marks p's window as completely synchronized.  A zero
// LastSynced is replaced with the current time.
func (db *DB) RecordSyncPeriod(ctx context.Context, p conversation.SyncPeriod) error {
	if p.LastSynced.IsZero() {
		p.LastSynced = db.now()
	}
	const q = `
INSERT INTO sync_periods
	(start_timestamp, end_timestamp, kind, last_synced, conversation_count, new_conversations, updated_conversations)
VALUES (?, ?, ?, ?, ?, ?, ?)`
	_, err := db.db.ExecContext(ctx, q, toUnix(p.Start), toUnix(p.End), p.Kind, p.LastSynced.Unix(),
		p.Conversations, p.New, p.Updated)
	if err != nil {
		return errors.Wrap(err, "db insert of sync period failed")
	}
	return nil
}

// LastSyncTime returns the point up to which local data is known to be
// complete: the end of the run of contiguous periods holding the most
// recent initial or recent sync.  A period synced on its own beyond a
// gap does not move it.  With no such sync, the run holding the newest
// period is used.
func (db *DB) LastSyncTime(ctx context.Context) (time.Time, bool, error) {
	runs, err := db.coverageRuns(ctx)
	if err != nil {
		return time.Time{}, false, err
	}
	var best *coverageRun
	for i := range runs {
		r := &runs[i]
		switch {
		case best == nil:
			best = r
		case r.anchored && !best.anchored:
			best = r
		case r.anchored == best.anchored && r.newest.After(best.newest):
			best = r
		}
	}
	if best == nil || best.end.IsZero() {
		return time.Time{}, false, nil
	}
	return best.end, true, nil
}

// coverageRun is a maximal set of recorded periods that overlap or
// touch.  A zero start is unbounded.
type coverageRun struct {
	start, end time.Time

	// anchored is set when the run holds an initial or recent sync.
	// newest is the greatest end among the periods that decide which
	// run LastSyncTime picks.
	anchored bool
	newest   time.Time
}

func (r coverageRun) contains(t time.Time) bool {
	return (r.start.IsZero() || !t.Before(r.start)) && t.Before(r.end)
}

// coverageRuns merges every recorded period into runs, oldest first.
func (db *DB) coverageRuns(ctx context.Context) ([]coverageRun, error) {
	var rows []periodRow
	err := db.db.SelectContext(ctx, &rows, `
SELECT `+periodColumns+` FROM sync_periods
ORDER BY start_timestamp, end_timestamp`)
	if err != nil {
		return nil, errors.Wrap(err, "reading sync periods")
	}
	return mergePeriods(periods(rows)), nil
}

// mergePeriods merges ps, which must be sorted by start, into runs.
func mergePeriods(ps []conversation.SyncPeriod) []coverageRun {
	var runs []coverageRun
	for _, p := range ps {
		anchor := p.Kind == conversation.KindInitial || p.Kind == conversation.KindRecent
		if n := len(runs); n > 0 && !p.Start.After(runs[n-1].end) {
			r := &runs[n-1]
			if p.End.After(r.end) {
				r.end = p.End
			}
			switch {
			case anchor && !r.anchored:
				r.anchored, r.newest = true, p.End
			case anchor == r.anchored && p.End.After(r.newest):
				r.newest = p.End
			}
			continue
		}
		runs = append(runs, coverageRun{start: p.Start, end: p.End, anchored: anchor, newest: p.End})
	}
	return runs
}

// RecentPeriods returns the n most recently recorded sync periods.
func (db *DB) RecentPeriods(ctx context.Context, n int) ([]conversation.SyncPeriod, error) {
	var rows []periodRow
	err := db.db.SelectContext(ctx, &rows, `
SELECT `+periodColumns+` FROM sync_periods
ORDER BY last_synced DESC, id DESC LIMIT ?`, n)
	if err != nil {
		return nil, errors.Wrap(err, "reading recent sync periods")
	}
	return periods(rows), nil
}

// Coverage returns the recorded periods overlapping w, oldest first.
func (db *DB) Coverage(ctx context.Context, w conversation.Window) ([]conversation.SyncPeriod, error) {
	var rows []periodRow
	err := db.db.SelectContext(ctx, &rows, `
SELECT `+periodColumns+` FROM sync_periods
WHERE start_timestamp < ? AND end_timestamp > ?
ORDER BY start_timestamp, id`, toUnix(w.End), toUnix(w.Start))
	if err != nil {
		return nil, errors.Wrap(err, "reading sync coverage")
	}
	return periods(rows), nil
}

const stampFormat = "2006-01-02 15:04:05"

// CheckSyncState classifies local data relative to the requested
// timeframe.  With no timeframe only general freshness is checked.
func (db *DB) CheckSyncState(ctx context.Context, start, end *time.Time, freshness time.Duration) (*conversation.SyncState, error) {
	last, ok, err := db.LastSyncTime(ctx)
	if err != nil {
		return nil, err
	}
	if !ok {
		return &conversation.SyncState{
			State:      conversation.Stale,
			Message:    "No sync data available - database needs initial sync",
			ShouldSync: true,
		}, nil
	}
	now := db.now()

	if start == nil || end == nil {
		if !last.Before(now.Add(-freshness)) {
			return &conversation.SyncState{State: conversation.Fresh, LastSync: &last, DataComplete: true}, nil
		}
		return &conversation.SyncState{
			State:    conversation.Partial,
			LastSync: &last,
			Message:  fmt.Sprintf("Data may be stale - last sync: %s", last.Local().Format(stampFormat)),
		}, nil
	}

	// A bounded request is judged by the run of coverage holding its
	// start, so a period synced on its own is not synced again.
	runs, err := db.coverageRuns(ctx)
	if err != nil {
		return nil, err
	}
	covered := false
	for _, r := range runs {
		if r.contains(*start) {
			last, covered = r.end, true
			break
		}
	}

	switch {
	case !covered:
		return &conversation.SyncState{
			State:    conversation.Stale,
			LastSync: &last,
			Message: fmt.Sprintf("Data is stale - no completed sync covers %s (last sync %s)",
				start.Local().Format(stampFormat), last.Local().Format(stampFormat)),
			ShouldSync: true,
		}, nil
	case last.Before(*end):
		// Inside the requested period.  If the period reaches up to
		// now, a sync that recent is good enough.
		if !last.Before(now.Add(-freshness)) {
			return &conversation.SyncState{State: conversation.Fresh, LastSync: &last, DataComplete: true}, nil
		}
		return &conversation.SyncState{
			State:    conversation.Partial,
			LastSync: &last,
			Message: fmt.Sprintf("Analysis includes conversations up to %s - may be missing recent conversations",
				last.Local().Format(stampFormat)),
		}, nil
	}
	return &conversation.SyncState{State: conversation.Fresh, LastSync: &last, DataComplete: true}, nil
}

// RecordRequestPattern remembers that a client asked for w and how old
// the data served was.
func (db *DB) RecordRequestPattern(ctx context.Context, w conversation.Window, freshness time.Duration, syncTriggered bool) error {
	const q = `
INSERT INTO request_patterns
	(timeframe_start, timeframe_end, request_timestamp, data_freshness_seconds, sync_triggered)
VALUES (?, ?, ?, ?, ?)`
	_, err := db.db.ExecContext(ctx, q, toUnix(w.Start), toUnix(w.End), db.now().Unix(),
		int64(freshness/time.Second), syncTriggered)
	if err != nil {
		return errors.Wrap(err, "db insert of request pattern failed")
	}
	return nil
}

// StaleTimeframes returns up to ten timeframes requested in the last
// hour whose data was older than threshold or that did not trigger a
// sync.
func (db *DB) StaleTimeframes(ctx context.Context, threshold time.Duration) ([]conversation.Window, error) {
	since := db.now().Add(-time.Hour).Unix()
	var rows []struct {
		Start int64 `db:"timeframe_start"`
		End   int64 `db:"timeframe_end"`
	}
	err := db.db.SelectContext(ctx, &rows, `
SELECT timeframe_start, timeframe_end
FROM request_patterns
WHERE request_timestamp >= ?
  AND (data_freshness_seconds > ? OR sync_triggered = 0)
GROUP BY timeframe_start, timeframe_end
ORDER BY MAX(request_timestamp) DESC
LIMIT 10`, since, int64(threshold/time.Second))
	if err != nil {
		return nil, errors.Wrap(err, "reading stale timeframes")
	}
	out := make([]conversation.Window, 0, len(rows))
	for _, r := range rows {
		out = append(out, conversation.Window{Start: fromUnix(r.Start), End: fromUnix(r.End)})
	}
	return out, nil
}

// DataFreshness returns how long ago the newest conversation created in
// w was synced.  Zero when there is no such conversation.
func (db *DB) DataFreshness(ctx context.Context, w conversation.Window) (time.Duration, error) {
	var latest sql.NullInt64
	err := db.db.GetContext(ctx, &latest, `
SELECT MAX(last_synced) FROM conversations
WHERE created_at >= ? AND created_at < ?`, toUnix(w.Start), toUnix(w.End))
	if err != nil {
		return 0, errors.Wrap(err, "reading data freshness")
	}
	if !latest.Valid {
		return 0, nil
	}
	return db.now().Sub(fromUnix(latest.Int64)), nil
}

// Sync run statuses.
const (
	RunInProgress = "in_progress"
	RunCompleted  = "completed"
	RunFailed     = "failed"
)

// SyncRun is one attempt to synchronize, successful or not.
type SyncRun struct {
	ID    int64
	RunID string
	Kind  string

	// One of the Run* constants.
	Status string

	StartedAt   time.Time
	CompletedAt time.Time

	Window conversation.Window

	Conversations int
	Messages      int
	Errors        int
	ErrorMessage  string
}

type runRow struct {
	ID            int64         `db:"id"`
	RunID         string        `db:"run_id"`
	Kind          string        `db:"kind"`
	Status        string        `db:"status"`
	StartedAt     int64         `db:"started_at"`
	CompletedAt   sql.NullInt64 `db:"completed_at"`
	CoverageStart int64         `db:"coverage_start"`
	CoverageEnd   int64         `db:"coverage_end"`
	Conversations int           `db:"total_conversations"`
	Messages      int           `db:"total_messages"`
	Errors        int           `db:"errors"`
	ErrorMessage  string        `db:"error_message"`
}

// BeginSyncRun records run as in progress and returns its row id.
func (db *DB) BeginSyncRun(ctx context.Context, run SyncRun) (int64, error) {
	if run.StartedAt.IsZero() {
		run.StartedAt = db.now()
	}
	res, err := db.db.ExecContext(ctx, `
INSERT INTO sync_runs (run_id, kind, status, started_at, coverage_start, coverage_end)
VALUES (?, ?, ?, ?, ?, ?)`,
		run.RunID, run.Kind, RunInProgress, run.StartedAt.Unix(), toUnix(run.Window.Start), toUnix(run.Window.End))
	if err != nil {
		return 0, errors.Wrap(err, "db insert of sync run failed")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, errors.Wrap(err, "reading sync run id")
	}
	return id, nil
}

// FinishSyncRun stores the outcome of the run with row id run.ID.
func (db *DB) FinishSyncRun(ctx context.Context, run SyncRun) error {
	if run.CompletedAt.IsZero() {
		run.CompletedAt = db.now()
	}
	res, err := db.db.ExecContext(ctx, `
UPDATE sync_runs SET status = ?, completed_at = ?, total_conversations = ?,
	total_messages = ?, errors = ?, error_message = ?
WHERE id = ?`,
		run.Status, run.CompletedAt.Unix(), run.Conversations, run.Messages, run.Errors, run.ErrorMessage, run.ID)
	if err != nil {
		return errors.Wrap(err, "db update of sync run failed")
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return errors.Wrapf(ErrNotFound, "sync run %d", run.ID)
	}
	return nil
}

// LastSyncRun returns the most recently started run, or ErrNotFound.
func (db *DB) LastSyncRun(ctx context.Context) (*SyncRun, error) {
	var r runRow
	err := db.db.GetContext(ctx, &r, `
SELECT id, run_id, kind, status, started_at, completed_at, coverage_start, coverage_end,
	total_conversations, total_messages, errors, error_message
FROM sync_runs ORDER BY started_at DESC, id DESC LIMIT 1`)
	if err == sql.ErrNoRows {
		return nil, errors.Wrap(ErrNotFound, "no sync runs")
	}
	if err != nil {
		return nil, errors.Wrap(err, "reading last sync run")
	}
	run := &SyncRun{
		ID:            r.ID,
		RunID:         r.RunID,
		Kind:          r.Kind,
		Status:        r.Status,
		StartedAt:     fromUnix(r.StartedAt),
		Window:        conversation.Window{Start: fromUnix(r.CoverageStart), End: fromUnix(r.CoverageEnd)},
		Conversations: r.Conversations,
		Messages:      r.Messages,
		Errors:        r.Errors,
		ErrorMessage:  r.ErrorMessage,
	}
	if r.CompletedAt.Valid {
		run.CompletedAt = fromUnix(r.CompletedAt.Int64)
	}
	return run, nil
}
