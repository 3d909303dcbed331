package remote

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/sketchsync/pkg/conversation"
	"github.com/go-go-golems/sketchsync/pkg/persistence/convstore"
)

func newTestServer(t *testing.T) (*httptest.Server, convstore.Store) {
	t.Helper()
	store := convstore.NewInMemoryStore()
	mux := http.NewServeMux()
	NewServer(store, zerolog.Nop()).Register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, store
}

func newTestClient(t *testing.T, srv *httptest.Server, userID string) *HTTPClient {
	t.Helper()
	client, err := NewHTTPClient(srv.URL, userID)
	require.NoError(t, err)
	return client
}

func TestPushPullRoundTrip(t *testing.T) {
	srv, _ := newTestServer(t)
	client := newTestClient(t, srv, "u1")
	ctx := context.Background()

	payload := conversation.Payload{XML: "<a/>", SessionID: "s1"}
	cursor, err := client.Push(ctx, []Record{{
		ID:        "c1",
		Title:     "diagram",
		CreatedAt: 100,
		UpdatedAt: 100,
		Payload:   &payload,
	}})
	require.NoError(t, err)
	require.NotEmpty(t, cursor)

	resp, err := client.Pull(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, resp.Conversations, 1)
	require.Equal(t, "c1", resp.Conversations[0].ID)
	require.Equal(t, "diagram", resp.Conversations[0].Title)
	require.NotNil(t, resp.Conversations[0].Payload)
	require.Equal(t, "<a/>", resp.Conversations[0].Payload.XML)
	require.Equal(t, cursor, resp.Cursor)

	// Pulling from the returned cursor yields nothing new.
	resp, err = client.Pull(ctx, resp.Cursor, 10)
	require.NoError(t, err)
	require.Empty(t, resp.Conversations)
}

func TestPushLastWriteWins(t *testing.T) {
	srv, store := newTestServer(t)
	client := newTestClient(t, srv, "u1")
	ctx := context.Background()

	_, err := client.Push(ctx, []Record{{ID: "c1", Title: "newer", CreatedAt: 100, UpdatedAt: 300}})
	require.NoError(t, err)

	// A stale record does not replace the stored one.
	_, err = client.Push(ctx, []Record{{ID: "c1", Title: "older", CreatedAt: 100, UpdatedAt: 200}})
	require.NoError(t, err)

	meta, found, err := store.GetMeta(ctx, "u1", "c1")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "newer", meta.Title)
	require.Equal(t, int64(300), meta.UpdatedAt)

	// An equal timestamp loses too; only strictly newer wins.
	_, err = client.Push(ctx, []Record{{ID: "c1", Title: "tie", CreatedAt: 100, UpdatedAt: 300}})
	require.NoError(t, err)
	meta, _, err = store.GetMeta(ctx, "u1", "c1")
	require.NoError(t, err)
	require.Equal(t, "newer", meta.Title)

	_, err = client.Push(ctx, []Record{{ID: "c1", Title: "winner", CreatedAt: 100, UpdatedAt: 400}})
	require.NoError(t, err)
	meta, _, err = store.GetMeta(ctx, "u1", "c1")
	require.NoError(t, err)
	require.Equal(t, "winner", meta.Title)
}

func TestPushTombstonePropagates(t *testing.T) {
	srv, _ := newTestServer(t)
	client := newTestClient(t, srv, "u1")
	ctx := context.Background()

	payload := conversation.Payload{XML: "<a/>"}
	_, err := client.Push(ctx, []Record{{ID: "c1", CreatedAt: 100, UpdatedAt: 100, Payload: &payload}})
	require.NoError(t, err)

	_, err = client.Push(ctx, []Record{{ID: "c1", CreatedAt: 100, UpdatedAt: 200, Deleted: true}})
	require.NoError(t, err)

	resp, err := client.Pull(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, resp.Conversations, 1)
	require.True(t, resp.Conversations[0].Deleted)
	require.Nil(t, resp.Conversations[0].Payload)
}

func TestPullPaging(t *testing.T) {
	srv, _ := newTestServer(t)
	client := newTestClient(t, srv, "u1")
	ctx := context.Background()

	records := make([]Record, 0, 5)
	for _, id := range []string{"c1", "c2", "c3", "c4", "c5"} {
		payload := conversation.Payload{SessionID: id}
		records = append(records, Record{ID: id, CreatedAt: 100, UpdatedAt: 100, Payload: &payload})
	}
	_, err := client.Push(ctx, records)
	require.NoError(t, err)

	seen := map[string]struct{}{}
	cursor := ""
	for i := 0; i < 3; i++ {
		resp, err := client.Pull(ctx, cursor, 2)
		require.NoError(t, err)
		for _, rec := range resp.Conversations {
			seen[rec.ID] = struct{}{}
		}
		cursor = resp.Cursor
	}
	require.Len(t, seen, 5, "paging must eventually cover every record")
}

func TestUsersAreIsolated(t *testing.T) {
	srv, _ := newTestServer(t)
	ctx := context.Background()

	alice := newTestClient(t, srv, "alice")
	bob := newTestClient(t, srv, "bob")

	payload := conversation.Payload{XML: "<a/>"}
	_, err := alice.Push(ctx, []Record{{ID: "c1", CreatedAt: 100, UpdatedAt: 100, Payload: &payload}})
	require.NoError(t, err)

	resp, err := bob.Pull(ctx, "", 10)
	require.NoError(t, err)
	require.Empty(t, resp.Conversations)
}

func TestMissingUserIDIsRejected(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + PullPath)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
