package remote

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/go-go-golems/sketchsync/pkg/conversation"
	"github.com/go-go-golems/sketchsync/pkg/persistence/convstore"
)

// Server implements the authoritative side of the push/pull contract over a
// conversation store. Conflicts are resolved last-write-wins: a pushed
// record only replaces the stored one when its UpdatedAt is strictly
// greater. Deletions are kept as tombstones so other replicas can observe
// them through the change feed.
type Server struct {
	store  convstore.Store
	logger zerolog.Logger
}

func NewServer(store convstore.Store, logger zerolog.Logger) *Server {
	return &Server{store: store, logger: logger}
}

// Register mounts the sync endpoints on the given mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc(PushPath, s.handlePush)
	mux.HandleFunc(PullPath, s.handlePull)
}

func userIDFromRequest(req *http.Request) string {
	return strings.TrimSpace(req.Header.Get(UserIDHeader))
}

func (s *Server) handlePush(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	userID := userIDFromRequest(req)
	if userID == "" {
		http.Error(w, "missing user id", http.StatusUnauthorized)
		return
	}
	var body PushRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		http.Error(w, "invalid push body", http.StatusBadRequest)
		return
	}

	ctx := req.Context()
	for _, rec := range body.Conversations {
		if strings.TrimSpace(rec.ID) == "" {
			continue
		}
		existing, found, err := s.store.GetChange(ctx, userID, rec.ID)
		if err != nil {
			s.logger.Error().Err(err).Str("conv_id", rec.ID).Msg("push lookup failed")
			http.Error(w, "push failed", http.StatusInternalServerError)
			return
		}
		if found && rec.UpdatedAt <= existing.UpdatedAt {
			continue
		}
		if err := s.applyRecord(req, userID, rec); err != nil {
			s.logger.Error().Err(err).Str("conv_id", rec.ID).Msg("push apply failed")
			http.Error(w, "push failed", http.StatusInternalServerError)
			return
		}
	}

	_, maxSeq, err := s.store.ListChangesSince(ctx, userID, int64(^uint64(0)>>1), 1)
	if err != nil {
		s.logger.Error().Err(err).Msg("push cursor read failed")
		http.Error(w, "push failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, PushResponse{Cursor: strconv.FormatInt(maxSeq, 10)})
}

func (s *Server) applyRecord(req *http.Request, userID string, rec Record) error {
	ctx := req.Context()
	if rec.Deleted {
		return s.store.MarkDeleted(ctx, userID, rec.ID, rec.UpdatedAt)
	}
	meta := conversation.Meta{
		ID:        rec.ID,
		CreatedAt: rec.CreatedAt,
		UpdatedAt: rec.UpdatedAt,
		Title:     rec.Title,
	}
	if err := s.store.UpsertMeta(ctx, userID, meta); err != nil {
		return err
	}
	if rec.Payload != nil {
		return s.store.PutPayload(ctx, userID, rec.ID, *rec.Payload)
	}
	return nil
}

func (s *Server) handlePull(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	userID := userIDFromRequest(req)
	if userID == "" {
		http.Error(w, "missing user id", http.StatusUnauthorized)
		return
	}

	var sinceSeq int64
	if c := strings.TrimSpace(req.URL.Query().Get("cursor")); c != "" {
		v, err := strconv.ParseInt(c, 10, 64)
		if err != nil {
			http.Error(w, "invalid cursor", http.StatusBadRequest)
			return
		}
		sinceSeq = v
	}
	limit := 200
	if l := strings.TrimSpace(req.URL.Query().Get("limit")); l != "" {
		var v int
		_, _ = fmt.Sscanf(l, "%d", &v)
		if v > 0 {
			limit = v
		}
	}

	changes, maxSeq, err := s.store.ListChangesSince(req.Context(), userID, sinceSeq, limit)
	if err != nil {
		s.logger.Error().Err(err).Msg("pull failed")
		http.Error(w, "pull failed", http.StatusInternalServerError)
		return
	}

	out := PullResponse{
		Cursor:        strconv.FormatInt(maxSeq, 10),
		Conversations: make([]Record, 0, len(changes)),
	}
	// When the page is partial, the cursor must stop at the last returned
	// row so the next pull resumes where this one left off.
	if len(changes) == limit {
		out.Cursor = strconv.FormatInt(changes[len(changes)-1].Seq, 10)
	}
	for _, rec := range changes {
		out.Conversations = append(out.Conversations, RecordFromChange(rec))
	}
	writeJSON(w, out)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	_ = json.NewEncoder(w).Encode(v)
}
