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

// Package notify publishes sync events to NATS JetStream.
package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/matta/fastintercom/internal/sync"

	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
)

const (
	DefaultPrefix = "fastintercom"

	streamName = "FASTINTERCOM"
)

// SyncEvent is the payload published when a sync completes.
type SyncEvent struct {
	RunID string `json:"run_id"`

	// Absent when the sync covered all history.
	Start *time.Time `json:"start,omitempty"`
	End   time.Time  `json:"end"`

	Conversations   int            `json:"conversations"`
	New             int            `json:"new"`
	Updated         int            `json:"updated"`
	Skipped         int            `json:"skipped"`
	Messages        int            `json:"messages"`
	Errors          int            `json:"errors"`
	APICalls        int            `json:"api_calls"`
	DurationSeconds float64        `json:"duration_seconds"`
	PerDate         map[string]int `json:"per_date,omitempty"`

	PublishedAt time.Time `json:"published_at"`
}

func newSyncEvent(st sync.Stats, now time.Time) SyncEvent {
	ev := SyncEvent{
		RunID:           st.RunID,
		End:             st.Window.End,
		Conversations:   st.Total,
		New:             st.New,
		Updated:         st.Updated,
		Skipped:         st.Skipped,
		Messages:        st.Messages,
		Errors:          st.Errors,
		APICalls:        st.APICalls,
		DurationSeconds: st.Duration.Seconds(),
		PerDate:         st.PerDate,
		PublishedAt:     now,
	}
	if !st.Window.Unbounded() {
		start := st.Window.Start
		ev.Start = &start
	}
	return ev
}

// jetStream is the part of nats.JetStreamContext used here.
type jetStream interface {
	StreamInfo(stream string, opts ...nats.JSOpt) (*nats.StreamInfo, error)
	AddStream(cfg *nats.StreamConfig, opts ...nats.JSOpt) (*nats.StreamInfo, error)
	Publish(subj string, data []byte, opts ...nats.PubOpt) (*nats.PubAck, error)
}

// Publisher sends sync events to a JetStream stream.  It implements
// sync.Notifier.
type Publisher struct {
	nc     *nats.Conn
	js     jetStream
	prefix string
	now    func() time.Time
}

var _ sync.Notifier = (*Publisher)(nil)

// NewPublisher connects to the NATS server at url.  Subjects start with
// prefix, or DefaultPrefix if it is empty.
func NewPublisher(url, prefix string) (*Publisher, error) {
	nc, err := nats.Connect(url, nats.Name("fastintercom"))
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect to NATS")
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, errors.Wrap(err, "failed to get JetStream context")
	}
	p := newPublisher(js, prefix)
	p.nc = nc
	return p, nil
}

func newPublisher(js jetStream, prefix string) *Publisher {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Publisher{js: js, prefix: prefix, now: time.Now}
}

// Subject returns the full subject for an event name.
func (p *Publisher) Subject(event string) string {
	return p.prefix + "." + event
}

// EnsureStream creates the stream holding this publisher's subjects
// unless it already exists.
func (p *Publisher) EnsureStream(ctx context.Context) error {
	if info, err := p.js.StreamInfo(streamName, nats.Context(ctx)); err == nil && info != nil {
		return nil
	}
	_, err := p.js.AddStream(&nats.StreamConfig{
		Name:       streamName,
		Subjects:   []string{p.Subject(">")},
		Storage:    nats.FileStorage,
		Retention:  nats.LimitsPolicy,
		Duplicates: 10 * time.Minute,
		MaxAge:     7 * 24 * time.Hour,
	}, nats.Context(ctx))
	if err != nil && !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
		return errors.Wrapf(err, "failed to create stream %s", streamName)
	}
	return nil
}

// SyncCompleted publishes st.  The run id is the message id, so a
// repeated publish of the same run is dropped by the server.
func (p *Publisher) SyncCompleted(ctx context.Context, st sync.Stats) error {
	data, err := json.Marshal(newSyncEvent(st, p.now()))
	if err != nil {
		return errors.Wrap(err, "encoding sync event")
	}
	subject := p.Subject("sync.completed")
	opts := []nats.PubOpt{nats.Context(ctx)}
	if st.RunID != "" {
		opts = append(opts, nats.MsgId(st.RunID))
	}
	if _, err := p.js.Publish(subject, data, opts...); err != nil {
		return errors.Wrapf(err, "failed to publish to %s", subject)
	}
	return nil
}

func (p *Publisher) Close() {
	if p.nc != nil {
		p.nc.Close()
	}
}
