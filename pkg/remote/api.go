package remote

import (
	"context"

	"github.com/go-go-golems/sketchsync/pkg/conversation"
	"github.com/go-go-golems/sketchsync/pkg/persistence/convstore"
)

// UserIDHeader carries the authenticated user id on sync requests.
// Authentication itself is an external collaborator; the sync layer only
// needs an opaque id.
const UserIDHeader = "X-Sketchsync-User"

const (
	PushPath = "/api/sync/push"
	PullPath = "/api/sync/pull"
)

// Record is one conversation on the wire: metadata, tombstone flag, and the
// optional payload. Pull responses always set Deleted explicitly; push
// records omit Payload for tombstones.
type Record struct {
	ID        string                `json:"id"`
	Title     string                `json:"title,omitempty"`
	CreatedAt int64                 `json:"createdAt"`
	UpdatedAt int64                 `json:"updatedAt"`
	Deleted   bool                  `json:"deleted,omitempty"`
	Payload   *conversation.Payload `json:"payload,omitempty"`
}

type PushRequest struct {
	Conversations []Record `json:"conversations"`
}

type PushResponse struct {
	Cursor string `json:"cursor"`
}

type PullResponse struct {
	Cursor        string   `json:"cursor"`
	Conversations []Record `json:"conversations"`
}

// Client is the remote store surface the sync coordinator depends on.
type Client interface {
	Push(ctx context.Context, records []Record) (cursor string, err error)
	Pull(ctx context.Context, cursor string, limit int) (PullResponse, error)
}

// RecordFromChange converts a local change-feed row to its wire form.
func RecordFromChange(rec convstore.ChangeRecord) Record {
	out := Record{
		ID:        rec.ID,
		Title:     rec.Title,
		CreatedAt: rec.CreatedAt,
		UpdatedAt: rec.UpdatedAt,
		Deleted:   rec.Deleted,
	}
	if !rec.Deleted {
		out.Payload = rec.Payload
	}
	return out
}
