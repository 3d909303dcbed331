package convstore

import (
	"context"
	"fmt"

	"github.com/pkg/errors"

	"github.com/go-go-golems/sketchsync/pkg/conversation"
)

// ChangeRecord is one row of the per-user change feed: conversation
// metadata plus the optional payload and a tombstone flag. Seq orders the
// feed; the sync cursor is a stringified Seq.
type ChangeRecord struct {
	Seq       int64
	ID        string
	Title     string
	CreatedAt int64
	UpdatedAt int64
	Deleted   bool
	Payload   *conversation.Payload
}

// Store is the durable local keyspace for one or more users: the
// conversation metadata list, one payload blob per conversation, a sync
// cursor per user and the active-conversation pointer per user. Pure
// storage, no sync logic.
type Store interface {
	// UpsertMeta inserts or merges conversation metadata. UpdatedAt never
	// goes backwards for a given id; an upsert clears a tombstone.
	UpsertMeta(ctx context.Context, userID string, meta conversation.Meta) error
	// GetMeta returns the metadata for a live (non-deleted) conversation.
	GetMeta(ctx context.Context, userID, convID string) (conversation.Meta, bool, error)
	// ListMetas returns live conversations ordered by UpdatedAt descending.
	ListMetas(ctx context.Context, userID string, limit int) ([]conversation.Meta, error)

	PutPayload(ctx context.Context, userID, convID string, payload conversation.Payload) error
	GetPayload(ctx context.Context, userID, convID string) (conversation.Payload, bool, error)

	// MarkDeleted tombstones a conversation: the payload is dropped and only
	// the id, timestamps and deleted flag remain until propagation completes.
	MarkDeleted(ctx context.Context, userID, convID string, updatedAtMs int64) error
	// Purge removes every trace of a conversation, tombstone included.
	Purge(ctx context.Context, userID, convID string) error

	// GetChange returns the full change record for one conversation,
	// tombstones included. This is what the sync coordinator pushes.
	GetChange(ctx context.Context, userID, convID string) (ChangeRecord, bool, error)
	// ListChangesSince returns up to limit records with Seq > sinceSeq in
	// ascending Seq order, plus the highest Seq in the store.
	ListChangesSince(ctx context.Context, userID string, sinceSeq int64, limit int) ([]ChangeRecord, int64, error)

	GetSyncCursor(ctx context.Context, userID string) (string, error)
	SetSyncCursor(ctx context.Context, userID, cursor string) error
	GetActiveConversation(ctx context.Context, userID string) (string, error)
	SetActiveConversation(ctx context.Context, userID, convID string) error

	Close() error
}

// DSNForFile returns a SQLite DSN suitable for the conversation store.
func DSNForFile(path string) (string, error) {
	if path == "" {
		return "", errors.New("sqlite conversation store: empty path")
	}
	// WAL for concurrent readers + writer. busy_timeout to avoid transient SQLITE_BUSY.
	return fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path), nil
}
