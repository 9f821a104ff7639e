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
	"encoding/json"
	"strings"
	"time"

	"github.com/matta/fastintercom/internal/conversation"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
)

// DefaultSearchLimit caps SearchConversations when the filter does not.
const DefaultSearchLimit = 50

const conversationColumns = `id, created_at, updated_at, customer_email, subject, tags,
priority, state, assignee_id, team_id, message_count, last_synced`

type conversationRow struct {
	ID            string `db:"id"`
	CreatedAt     int64  `db:"created_at"`
	UpdatedAt     int64  `db:"updated_at"`
	CustomerEmail string `db:"customer_email"`
	Subject       string `db:"subject"`
	Tags          string `db:"tags"`
	Priority      string `db:"priority"`
	State         string `db:"state"`
	AssigneeID    string `db:"assignee_id"`
	TeamID        string `db:"team_id"`
	MessageCount  int    `db:"message_count"`
	LastSynced    int64  `db:"last_synced"`
}

type messageRow struct {
	ConversationID string `db:"conversation_id"`
	ID             string `db:"id"`
	Seq            int    `db:"seq"`
	AuthorType     string `db:"author_type"`
	Body           string `db:"body"`
	CreatedAt      int64  `db:"created_at"`
	PartType       string `db:"part_type"`
}

func newConversationRow(c *conversation.Conversation, now time.Time) (*conversationRow, error) {
	tags := c.Tags
	if tags == nil {
		tags = []string{}
	}
	b, err := json.Marshal(tags)
	if err != nil {
		return nil, errors.Wrap(err, "encoding tags")
	}
	return &conversationRow{
		ID:            c.ID,
		CreatedAt:     toUnix(c.CreatedAt),
		UpdatedAt:     toUnix(c.UpdatedAt),
		CustomerEmail: c.CustomerEmail,
		Subject:       c.Subject,
		Tags:          string(b),
		Priority:      c.Priority,
		State:         c.State,
		AssigneeID:    c.AssigneeID,
		TeamID:        c.TeamID,
		MessageCount:  len(c.Messages),
		LastSynced:    now.Unix(),
	}, nil
}

func (r *conversationRow) conversation() (*conversation.Conversation, error) {
	c := &conversation.Conversation{
		ID:            r.ID,
		CreatedAt:     fromUnix(r.CreatedAt),
		UpdatedAt:     fromUnix(r.UpdatedAt),
		CustomerEmail: r.CustomerEmail,
		Subject:       r.Subject,
		Priority:      r.Priority,
		State:         r.State,
		AssigneeID:    r.AssigneeID,
		TeamID:        r.TeamID,
	}
	if r.Tags != "" {
		if err := json.Unmarshal([]byte(r.Tags), &c.Tags); err != nil {
			return nil, errors.Wrapf(err, "decoding tags of conversation %v", r.ID)
		}
	}
	if len(c.Tags) == 0 {
		c.Tags = nil
	}
	return c, nil
}

func (r *messageRow) message() conversation.Message {
	return conversation.Message{
		ID:             r.ID,
		ConversationID: r.ConversationID,
		AuthorType:     conversation.AuthorType(r.AuthorType),
		Body:           r.Body,
		CreatedAt:      fromUnix(r.CreatedAt),
		PartType:       r.PartType,
	}
}

// StoreConversations inserts or replaces each conversation together
// with its complete message set.  Each conversation is written in its
// own transaction, so readers see either the old or the new version
// and never a mix.  Storing the same conversation twice leaves one
// copy.
func (db *DB) StoreConversations(ctx context.Context, convs ...*conversation.Conversation) error {
	for _, c := range convs {
		if err := db.storeConversation(ctx, c); err != nil {
			return errors.Wrapf(err, "storing conversation %v", c.ID)
		}
	}
	return nil
}

func (db *DB) storeConversation(ctx context.Context, c *conversation.Conversation) error {
	row, err := newConversationRow(c, db.now())
	if err != nil {
		return err
	}
	tx, err := db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := tx.upsertConversation(ctx, row); err != nil {
		return err
	}
	if err := tx.replaceMessages(ctx, c); err != nil {
		return err
	}
	return tx.Commit()
}

func (tx *Tx) upsertConversation(ctx context.Context, row *conversationRow) error {
	const q = `
INSERT INTO conversations (` + conversationColumns + `)
VALUES (:id, :created_at, :updated_at, :customer_email, :subject, :tags,
	:priority, :state, :assignee_id, :team_id, :message_count, :last_synced)
ON CONFLICT (id) DO UPDATE SET
	created_at = excluded.created_at,
	updated_at = excluded.updated_at,
	customer_email = excluded.customer_email,
	subject = excluded.subject,
	tags = excluded.tags,
	priority = excluded.priority,
	state = excluded.state,
	assignee_id = excluded.assignee_id,
	team_id = excluded.team_id,
	message_count = excluded.message_count,
	last_synced = excluded.last_synced`
	if _, err := tx.tx.NamedExecContext(ctx, q, row); err != nil {
		return errors.Wrap(err, "db upsert failed")
	}
	return nil
}

func (tx *Tx) replaceMessages(ctx context.Context, c *conversation.Conversation) error {
	if _, err := tx.tx.ExecContext(ctx, `DELETE FROM messages WHERE conversation_id = ?`, c.ID); err != nil {
		return errors.Wrap(err, "db delete messages failed")
	}
	if len(c.Messages) == 0 {
		return nil
	}

	insert, err := tx.tx.PrepareNamedContext(ctx, `
INSERT OR REPLACE INTO messages (conversation_id, id, seq, author_type, body, created_at, part_type)
VALUES (:conversation_id, :id, :seq, :author_type, :body, :created_at, :part_type)`)
	if err != nil {
		return errors.Wrap(err, "db prepare statement failed for message insert")
	}
	defer insert.Close()

	for i, m := range c.Messages {
		row := messageRow{
			ConversationID: c.ID,
			ID:             m.ID,
			Seq:            i,
			AuthorType:     string(m.AuthorType),
			Body:           m.Body,
			CreatedAt:      toUnix(m.CreatedAt),
			PartType:       m.PartType,
		}
		if _, err := insert.ExecContext(ctx, row); err != nil {
			return errors.Wrapf(err, "db insert of message %v failed", m.ID)
		}
	}
	return nil
}

// ConversationUpdatedAt reports whether the conversation is stored and,
// if so, the remote update time it was stored with.
func (db *DB) ConversationUpdatedAt(ctx context.Context, id string) (time.Time, bool, error) {
	var updated int64
	err := db.db.GetContext(ctx, &updated, `SELECT updated_at FROM conversations WHERE id = ?`, id)
	if err == sql.ErrNoRows {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, errors.Wrapf(err, "looking up conversation %v", id)
	}
	return fromUnix(updated), true, nil
}

// GetConversation returns the conversation and its messages in
// creation order, or ErrNotFound.
func (db *DB) GetConversation(ctx context.Context, id string) (*conversation.Conversation, error) {
	var row conversationRow
	err := db.db.GetContext(ctx, &row, `SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, id)
	if err == sql.ErrNoRows {
		return nil, errors.Wrapf(ErrNotFound, "conversation %v", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "reading conversation %v", id)
	}
	convs, err := db.withMessages(ctx, []conversationRow{row})
	if err != nil {
		return nil, err
	}
	return convs[0], nil
}

// SearchConversations returns conversations matching f, newest first,
// each with its full message list.
func (db *DB) SearchConversations(ctx context.Context, f conversation.Filter) ([]*conversation.Conversation, error) {
	var (
		where []string
		args  []any
	)
	addTime := func(cond string, t time.Time) {
		if !t.IsZero() {
			where = append(where, cond)
			args = append(args, t.Unix())
		}
	}
	addTime("c.created_at >= ?", f.CreatedAfter)
	addTime("c.created_at < ?", f.CreatedBefore)
	addTime("c.updated_at >= ?", f.UpdatedAfter)
	addTime("c.updated_at < ?", f.UpdatedBefore)
	if f.CustomerEmail != "" {
		where = append(where, "c.customer_email = ? COLLATE NOCASE")
		args = append(args, f.CustomerEmail)
	}
	if f.Text != "" {
		where = append(where, `c.id IN (SELECT DISTINCT conversation_id FROM messages WHERE body LIKE ? ESCAPE '\')`)
		args = append(args, "%"+escapeLike(f.Text)+"%")
	}
	limit := f.Limit
	if limit <= 0 {
		limit = DefaultSearchLimit
	}

	var q strings.Builder
	q.WriteString("SELECT ")
	for i, col := range strings.Split(conversationColumns, ",") {
		if i > 0 {
			q.WriteString(", ")
		}
		q.WriteString("c." + strings.TrimSpace(col))
	}
	q.WriteString(" FROM conversations c")
	if len(where) > 0 {
		q.WriteString(" WHERE " + strings.Join(where, " AND "))
	}
	q.WriteString(" ORDER BY c.created_at DESC, c.id LIMIT ?")
	args = append(args, limit)

	var rows []conversationRow
	if err := db.db.SelectContext(ctx, &rows, q.String(), args...); err != nil {
		return nil, errors.Wrap(err, "searching conversations")
	}
	return db.withMessages(ctx, rows)
}

// withMessages converts rows and attaches their messages with a single
// query.
func (db *DB) withMessages(ctx context.Context, rows []conversationRow) ([]*conversation.Conversation, error) {
	if len(rows) == 0 {
		return nil, nil
	}
	out := make([]*conversation.Conversation, 0, len(rows))
	byID := make(map[string]*conversation.Conversation, len(rows))
	ids := make([]string, 0, len(rows))
	for i := range rows {
		c, err := rows[i].conversation()
		if err != nil {
			return nil, err
		}
		out = append(out, c)
		byID[c.ID] = c
		ids = append(ids, c.ID)
	}

	q, args, err := sqlx.In(`
SELECT conversation_id, id, seq, author_type, body, created_at, part_type
FROM messages
WHERE conversation_id IN (?)
ORDER BY conversation_id, created_at, seq`, ids)
	if err != nil {
		return nil, errors.Wrap(err, "building message query")
	}
	var msgs []messageRow
	if err := db.db.SelectContext(ctx, &msgs, db.db.Rebind(q), args...); err != nil {
		return nil, errors.Wrap(err, "reading messages")
	}
	for i := range msgs {
		if c := byID[msgs[i].ConversationID]; c != nil {
			c.Messages = append(c.Messages, msgs[i].message())
		}
	}
	return out, nil
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
