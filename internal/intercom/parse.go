package intercom

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/matta/fastintercom/internal/conversation"
)

// flexString accepts a JSON string, number or null.  Intercom is not
// consistent about how it encodes identifiers.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*f = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = flexString(n.String())
	return nil
}

type rawAuthor struct {
	Type  string     `json:"type"`
	ID    flexString `json:"id"`
	Email string     `json:"email"`
}

type rawPart struct {
	ID        flexString `json:"id"`
	PartType  string     `json:"part_type"`
	Body      string     `json:"body"`
	CreatedAt int64      `json:"created_at"`
	Author    rawAuthor  `json:"author"`
}

type rawConversation struct {
	ID        flexString `json:"id"`
	CreatedAt int64      `json:"created_at"`
	UpdatedAt int64      `json:"updated_at"`
	Title     string     `json:"title"`
	State     string     `json:"state"`
	Priority  string     `json:"priority"`
	AdminID   flexString `json:"admin_assignee_id"`
	TeamID    flexString `json:"team_assignee_id"`
	Source    struct {
		ID      flexString `json:"id"`
		Subject string     `json:"subject"`
		Body    string     `json:"body"`
		Author  rawAuthor  `json:"author"`
	} `json:"source"`
	Tags struct {
		Tags []struct {
			Name string `json:"name"`
		} `json:"tags"`
	} `json:"tags"`
	Parts struct {
		Parts []rawPart `json:"conversation_parts"`
	} `json:"conversation_parts"`
}

func authorType(a rawAuthor) conversation.AuthorType {
	if a.Type == "admin" {
		return conversation.AuthorAdmin
	}
	return conversation.AuthorUser
}

// keptPart reports whether a conversation part carries a message worth
// storing.  Assignments, state changes and the like are dropped.
func keptPart(p rawPart) bool {
	switch p.PartType {
	case conversation.PartComment, conversation.PartNote, conversation.PartMessage:
		return strings.TrimSpace(p.Body) != ""
	}
	return false
}

func (r *rawConversation) conversation() *conversation.Conversation {
	id := string(r.ID)
	c := &conversation.Conversation{
		ID:            id,
		CreatedAt:     unixTime(r.CreatedAt),
		UpdatedAt:     unixTime(r.UpdatedAt),
		CustomerEmail: r.Source.Author.Email,
		Subject:       r.Source.Subject,
		State:         r.State,
		Priority:      r.Priority,
		AssigneeID:    string(r.AdminID),
		TeamID:        string(r.TeamID),
	}
	if c.Subject == "" {
		c.Subject = r.Title
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = c.CreatedAt
	}
	for _, t := range r.Tags.Tags {
		c.Tags = append(c.Tags, t.Name)
	}

	if body := strings.TrimSpace(r.Source.Body); body != "" {
		c.Messages = append(c.Messages, conversation.Message{
			ID:             id + "_initial",
			ConversationID: id,
			AuthorType:     authorType(r.Source.Author),
			Body:           body,
			CreatedAt:      c.CreatedAt,
			PartType:       conversation.PartInitial,
		})
	}
	for i, p := range r.Parts.Parts {
		if !keptPart(p) {
			continue
		}
		pid := string(p.ID)
		if pid == "" {
			pid = id + "_part_" + strconv.Itoa(i)
		}
		c.Messages = append(c.Messages, conversation.Message{
			ID:             pid,
			ConversationID: id,
			AuthorType:     authorType(p.Author),
			Body:           strings.TrimSpace(p.Body),
			CreatedAt:      unixTime(p.CreatedAt),
			PartType:       p.PartType,
		})
	}
	c.SortMessages()
	return c
}
