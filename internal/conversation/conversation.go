package conversation

// This file provides the common data objects used by the rest of the
// program.

import (
	"fmt"
	"net/url"
	"sort"
	"time"
)

// AuthorType classifies who wrote a message.
type AuthorType string

const (
	AuthorUser  AuthorType = "user"
	AuthorAdmin AuthorType = "admin"
)

// Part types kept from a conversation.  PartInitial marks the message
// that opened the conversation.
const (
	PartComment = "comment"
	PartNote    = "note"
	PartMessage = "message"
	PartInitial = "initial"
)

// Summary is what the search phase knows about a conversation before
// its full content is fetched.
type Summary struct {
	ID string

	// The remote last-modified time as reported by search.  Zero if
	// the remote did not report one.
	UpdatedAt time.Time
}

// Message is a single part of a conversation.
type Message struct {
	// Unique within the owning conversation.
	ID string

	// The conversation this message belongs to.
	ConversationID string

	AuthorType AuthorType

	// Plain text body.  May be empty.
	Body string

	CreatedAt time.Time

	// One of the Part* constants.
	PartType string
}

// Conversation is a support thread and all of its messages.
type Conversation struct {
	// The permanent and unique ID of the conversation in Intercom.
	ID string

	CreatedAt time.Time
	UpdatedAt time.Time

	// Ordered by CreatedAt.  An update replaces the whole slice.
	Messages []Message

	// Email of the customer that opened the conversation.  May be
	// empty.
	CustomerEmail string

	// Optional metadata.
	Subject    string
	Tags       []string
	Priority   string
	State      string
	AssigneeID string
	TeamID     string
}

// SortMessages orders c.Messages by creation time, breaking ties by
// ID, and drops repeated IDs.
func (c *Conversation) SortMessages() {
	sort.SliceStable(c.Messages, func(i, j int) bool {
		a, b := c.Messages[i], c.Messages[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	seen := make(map[string]bool, len(c.Messages))
	out := c.Messages[:0]
	for _, m := range c.Messages {
		if seen[m.ID] {
			continue
		}
		seen[m.ID] = true
		out = append(out, m)
	}
	c.Messages = out
}

// CustomerMessages returns the messages written by the customer.
func (c *Conversation) CustomerMessages() []Message {
	return c.byAuthor(AuthorUser)
}

// AdminMessages returns the messages written by support staff.
func (c *Conversation) AdminMessages() []Message {
	return c.byAuthor(AuthorAdmin)
}

func (c *Conversation) byAuthor(t AuthorType) []Message {
	var out []Message
	for _, m := range c.Messages {
		if m.AuthorType == t {
			out = append(out, m)
		}
	}
	return out
}

// URL returns a link to the conversation in the Intercom inbox of the
// given app.
func (c *Conversation) URL(appID string) string {
	u := fmt.Sprintf("https://app.intercom.com/a/inbox/%s/inbox/search/conversation/%s",
		url.PathEscape(appID), url.PathEscape(c.ID))
	if c.CustomerEmail != "" {
		u += "?query=" + url.QueryEscape(c.CustomerEmail)
	}
	return u
}
