package convstore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/sketchsync/pkg/conversation"
)

func newSQLiteTestStore(t *testing.T) Store {
	t.Helper()
	dsn, err := DSNForFile(filepath.Join(t.TempDir(), "conversations.db"))
	require.NoError(t, err)
	store, err := NewSQLiteStore(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, store.Close()) })
	return store
}

func runStoreTests(t *testing.T, newStore func(t *testing.T) Store) {
	t.Helper()

	t.Run("upsert and list metas", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		require.NoError(t, store.UpsertMeta(ctx, "u1", conversation.Meta{ID: "c1", Title: "first", CreatedAt: 100, UpdatedAt: 100}))
		require.NoError(t, store.UpsertMeta(ctx, "u1", conversation.Meta{ID: "c2", Title: "second", CreatedAt: 200, UpdatedAt: 200}))

		metas, err := store.ListMetas(ctx, "u1", 10)
		require.NoError(t, err)
		require.Len(t, metas, 2)
		require.Equal(t, "c2", metas[0].ID, "most recently updated first")

		meta, found, err := store.GetMeta(ctx, "u1", "c1")
		require.NoError(t, err)
		require.True(t, found)
		require.Equal(t, "first", meta.Title)

		// Another user sees nothing.
		metas, err = store.ListMetas(ctx, "u2", 10)
		require.NoError(t, err)
		require.Empty(t, metas)
	})

	t.Run("updated at never goes backwards", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		require.NoError(t, store.UpsertMeta(ctx, "u1", conversation.Meta{ID: "c1", UpdatedAt: 500}))
		require.NoError(t, store.UpsertMeta(ctx, "u1", conversation.Meta{ID: "c1", UpdatedAt: 300}))

		meta, found, err := store.GetMeta(ctx, "u1", "c1")
		require.NoError(t, err)
		require.True(t, found)
		require.Equal(t, int64(500), meta.UpdatedAt)
	})

	t.Run("payload round trip", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		payload := conversation.Payload{
			Messages:             []conversation.ChatMessage{{ID: "m1", Role: "user", Content: "hello"}},
			XML:                  "<a/>",
			SessionID:            "s1",
			DiagramVersions:      []conversation.DiagramVersion{{ID: "v1", XML: "<a/>"}},
			DiagramVersionCursor: 0,
			DiagramVersionMarks:  map[int]int{0: 0},
		}
		require.NoError(t, store.PutPayload(ctx, "u1", "c1", payload))

		got, found, err := store.GetPayload(ctx, "u1", "c1")
		require.NoError(t, err)
		require.True(t, found)
		require.Equal(t, payload.XML, got.XML)
		require.Equal(t, payload.SessionID, got.SessionID)
		require.Len(t, got.Messages, 1)
		require.Equal(t, map[int]int{0: 0}, got.DiagramVersionMarks)

		_, found, err = store.GetPayload(ctx, "u1", "missing")
		require.NoError(t, err)
		require.False(t, found)
	})

	t.Run("mark deleted hides and purge removes", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		require.NoError(t, store.UpsertMeta(ctx, "u1", conversation.Meta{ID: "c1", UpdatedAt: 100}))
		require.NoError(t, store.PutPayload(ctx, "u1", "c1", conversation.Payload{XML: "<a/>"}))
		require.NoError(t, store.MarkDeleted(ctx, "u1", "c1", 200))

		_, found, err := store.GetMeta(ctx, "u1", "c1")
		require.NoError(t, err)
		require.False(t, found, "tombstoned conversations are not live")
		_, found, err = store.GetPayload(ctx, "u1", "c1")
		require.NoError(t, err)
		require.False(t, found)

		// The change feed still carries the tombstone.
		rec, found, err := store.GetChange(ctx, "u1", "c1")
		require.NoError(t, err)
		require.True(t, found)
		require.True(t, rec.Deleted)
		require.Equal(t, int64(200), rec.UpdatedAt)
		require.Nil(t, rec.Payload)

		require.NoError(t, store.Purge(ctx, "u1", "c1"))
		_, found, err = store.GetChange(ctx, "u1", "c1")
		require.NoError(t, err)
		require.False(t, found)
	})

	t.Run("upsert clears tombstone", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		require.NoError(t, store.MarkDeleted(ctx, "u1", "c1", 100))
		require.NoError(t, store.UpsertMeta(ctx, "u1", conversation.Meta{ID: "c1", UpdatedAt: 200}))

		_, found, err := store.GetMeta(ctx, "u1", "c1")
		require.NoError(t, err)
		require.True(t, found)
	})

	t.Run("change feed ordering and paging", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		require.NoError(t, store.UpsertMeta(ctx, "u1", conversation.Meta{ID: "c1", UpdatedAt: 100}))
		require.NoError(t, store.UpsertMeta(ctx, "u1", conversation.Meta{ID: "c2", UpdatedAt: 200}))
		require.NoError(t, store.UpsertMeta(ctx, "u1", conversation.Meta{ID: "c3", UpdatedAt: 300}))

		changes, maxSeq, err := store.ListChangesSince(ctx, "u1", 0, 10)
		require.NoError(t, err)
		require.Len(t, changes, 3)
		require.Equal(t, changes[2].Seq, maxSeq)
		for i := 1; i < len(changes); i++ {
			require.Greater(t, changes[i].Seq, changes[i-1].Seq)
		}

		// A later touch moves the conversation to the end of the feed.
		require.NoError(t, store.UpsertMeta(ctx, "u1", conversation.Meta{ID: "c1", UpdatedAt: 400}))
		changes, _, err = store.ListChangesSince(ctx, "u1", maxSeq, 10)
		require.NoError(t, err)
		require.Len(t, changes, 1)
		require.Equal(t, "c1", changes[0].ID)

		// Paging respects the limit.
		page, _, err := store.ListChangesSince(ctx, "u1", 0, 2)
		require.NoError(t, err)
		require.Len(t, page, 2)
	})

	t.Run("sync cursor and active conversation", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		cursor, err := store.GetSyncCursor(ctx, "u1")
		require.NoError(t, err)
		require.Empty(t, cursor)

		require.NoError(t, store.SetSyncCursor(ctx, "u1", "42"))
		cursor, err = store.GetSyncCursor(ctx, "u1")
		require.NoError(t, err)
		require.Equal(t, "42", cursor)

		require.NoError(t, store.SetActiveConversation(ctx, "u1", "c9"))
		active, err := store.GetActiveConversation(ctx, "u1")
		require.NoError(t, err)
		require.Equal(t, "c9", active)

		// Cursor and active pointer are per user.
		cursor, err = store.GetSyncCursor(ctx, "u2")
		require.NoError(t, err)
		require.Empty(t, cursor)
	})

	t.Run("empty user id is rejected", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		require.Error(t, store.UpsertMeta(ctx, "", conversation.Meta{ID: "c1"}))
		_, err := store.GetSyncCursor(ctx, "  ")
		require.Error(t, err)
	})
}

func TestInMemoryStore(t *testing.T) {
	runStoreTests(t, func(t *testing.T) Store { return NewInMemoryStore() })
}

func TestSQLiteStore(t *testing.T) {
	runStoreTests(t, newSQLiteTestStore)
}
