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

package sync

import (
	"context"
	"time"

	"github.com/matta/fastintercom/internal/conversation"
	"github.com/matta/fastintercom/internal/intercom"
	"github.com/matta/fastintercom/internal/persist"
)

// ConversationSearcher discovers conversations active in a window,
// one page at a time.
type ConversationSearcher interface {
	SearchConversations(ctx context.Context, w conversation.Window, cursor string, perPage int) (*intercom.SearchPage, error)
}

// ConversationGetter fetches a conversation with all of its messages.
// It returns an error matching intercom.ErrNotFound if the conversation
// no longer exists.
type ConversationGetter interface {
	GetConversation(ctx context.Context, id string) (*conversation.Conversation, error)
}

// Remote is the source of truth being mirrored.
type Remote interface {
	ConversationSearcher
	ConversationGetter
}

// ConversationStore is the part of the local store written by a sync
// pass.
type ConversationStore interface {
	// ConversationUpdatedAt reports whether id is stored and the
	// remote update time it was stored with.
	ConversationUpdatedAt(ctx context.Context, id string) (time.Time, bool, error)

	// StoreConversations atomically replaces each conversation and
	// its messages.
	StoreConversations(ctx context.Context, convs ...*conversation.Conversation) error

	RecordSyncPeriod(ctx context.Context, p conversation.SyncPeriod) error
}

// SyncLog records sync attempts.
type SyncLog interface {
	BeginSyncRun(ctx context.Context, run persist.SyncRun) (int64, error)
	FinishSyncRun(ctx context.Context, run persist.SyncRun) error
}

// Store is everything the sync service needs from local storage.
type Store interface {
	ConversationStore
	SyncLog

	// LastSyncTime returns the point up to which local data is
	// known to be complete.
	LastSyncTime(ctx context.Context) (time.Time, bool, error)

	CheckSyncState(ctx context.Context, start, end *time.Time, freshness time.Duration) (*conversation.SyncState, error)
	StaleTimeframes(ctx context.Context, threshold time.Duration) ([]conversation.Window, error)
}

// Notifier is told about every successful sync.
type Notifier interface {
	SyncCompleted(ctx context.Context, st Stats) error
}

var (
	_ Store  = (*persist.DB)(nil)
	_ Remote = (*intercom.Client)(nil)
)
