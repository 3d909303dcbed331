package convstore

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/go-go-golems/sketchsync/pkg/conversation"
)

// InMemoryStore is a mutex-guarded Store implementation. It mirrors the
// ordering and change-feed semantics of the SQLite store so the sync
// coordinator behaves identically against either.
type InMemoryStore struct {
	mu      sync.Mutex
	nextSeq int64
	users   map[string]*inMemUser
}

type inMemUser struct {
	records map[string]*ChangeRecord
	cursor  string
	active  string
}

var _ Store = &InMemoryStore{}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{users: map[string]*inMemUser{}}
}

func (s *InMemoryStore) Close() error { return nil }

func (s *InMemoryStore) user(userID string) *inMemUser {
	u := s.users[userID]
	if u == nil {
		u = &inMemUser{records: map[string]*ChangeRecord{}}
		s.users[userID] = u
	}
	return u
}

func guardIDs(userID, convID string) (string, string, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", "", errors.New("in-memory conversation store: userID is empty")
	}
	return userID, strings.TrimSpace(convID), nil
}

func (s *InMemoryStore) UpsertMeta(_ context.Context, userID string, meta conversation.Meta) error {
	userID, convID, err := guardIDs(userID, meta.ID)
	if err != nil {
		return err
	}
	if convID == "" {
		return errors.New("in-memory conversation store: convID is empty")
	}
	now := time.Now().UnixMilli()
	if meta.CreatedAt <= 0 {
		meta.CreatedAt = now
	}
	if meta.UpdatedAt <= 0 {
		meta.UpdatedAt = meta.CreatedAt
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	u := s.user(userID)
	s.nextSeq++
	rec := u.records[convID]
	if rec == nil {
		rec = &ChangeRecord{ID: convID, CreatedAt: meta.CreatedAt}
		u.records[convID] = rec
	}
	if meta.Title != "" {
		rec.Title = meta.Title
	}
	if rec.CreatedAt <= 0 {
		rec.CreatedAt = meta.CreatedAt
	}
	if meta.UpdatedAt > rec.UpdatedAt {
		rec.UpdatedAt = meta.UpdatedAt
	}
	rec.Deleted = false
	rec.Seq = s.nextSeq
	return nil
}

func (s *InMemoryStore) GetMeta(_ context.Context, userID, convID string) (conversation.Meta, bool, error) {
	userID, convID, err := guardIDs(userID, convID)
	if err != nil {
		return conversation.Meta{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.user(userID).records[convID]
	if rec == nil || rec.Deleted {
		return conversation.Meta{}, false, nil
	}
	return conversation.Meta{ID: rec.ID, CreatedAt: rec.CreatedAt, UpdatedAt: rec.UpdatedAt, Title: rec.Title}, true, nil
}

func (s *InMemoryStore) ListMetas(_ context.Context, userID string, limit int) ([]conversation.Meta, error) {
	userID, _, err := guardIDs(userID, "")
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 200
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	u := s.user(userID)
	metas := make([]conversation.Meta, 0, len(u.records))
	for _, rec := range u.records {
		if rec.Deleted {
			continue
		}
		metas = append(metas, conversation.Meta{ID: rec.ID, CreatedAt: rec.CreatedAt, UpdatedAt: rec.UpdatedAt, Title: rec.Title})
	}
	sort.Slice(metas, func(i, j int) bool {
		if metas[i].UpdatedAt == metas[j].UpdatedAt {
			return metas[i].ID < metas[j].ID
		}
		return metas[i].UpdatedAt > metas[j].UpdatedAt
	})
	if len(metas) > limit {
		metas = metas[:limit]
	}
	return metas, nil
}

func (s *InMemoryStore) PutPayload(_ context.Context, userID, convID string, payload conversation.Payload) error {
	userID, convID, err := guardIDs(userID, convID)
	if err != nil {
		return err
	}
	if convID == "" {
		return errors.New("in-memory conversation store: convID is empty")
	}
	clone := clonePayload(payload)

	s.mu.Lock()
	defer s.mu.Unlock()
	u := s.user(userID)
	s.nextSeq++
	rec := u.records[convID]
	if rec == nil {
		now := time.Now().UnixMilli()
		rec = &ChangeRecord{ID: convID, CreatedAt: now, UpdatedAt: now}
		u.records[convID] = rec
	}
	rec.Payload = &clone
	rec.Deleted = false
	rec.Seq = s.nextSeq
	return nil
}

func (s *InMemoryStore) GetPayload(_ context.Context, userID, convID string) (conversation.Payload, bool, error) {
	userID, convID, err := guardIDs(userID, convID)
	if err != nil {
		return conversation.Payload{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.user(userID).records[convID]
	if rec == nil || rec.Deleted || rec.Payload == nil {
		return conversation.Payload{}, false, nil
	}
	return clonePayload(*rec.Payload), true, nil
}

func (s *InMemoryStore) MarkDeleted(_ context.Context, userID, convID string, updatedAtMs int64) error {
	userID, convID, err := guardIDs(userID, convID)
	if err != nil {
		return err
	}
	if convID == "" {
		return errors.New("in-memory conversation store: convID is empty")
	}
	if updatedAtMs <= 0 {
		updatedAtMs = time.Now().UnixMilli()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	u := s.user(userID)
	s.nextSeq++
	rec := u.records[convID]
	if rec == nil {
		rec = &ChangeRecord{ID: convID, CreatedAt: updatedAtMs}
		u.records[convID] = rec
	}
	if updatedAtMs > rec.UpdatedAt {
		rec.UpdatedAt = updatedAtMs
	}
	rec.Deleted = true
	rec.Payload = nil
	rec.Seq = s.nextSeq
	return nil
}

func (s *InMemoryStore) Purge(_ context.Context, userID, convID string) error {
	userID, convID, err := guardIDs(userID, convID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.user(userID).records, convID)
	return nil
}

func (s *InMemoryStore) GetChange(_ context.Context, userID, convID string) (ChangeRecord, bool, error) {
	userID, convID, err := guardIDs(userID, convID)
	if err != nil {
		return ChangeRecord{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.user(userID).records[convID]
	if rec == nil {
		return ChangeRecord{}, false, nil
	}
	return cloneChange(*rec), true, nil
}

func (s *InMemoryStore) ListChangesSince(_ context.Context, userID string, sinceSeq int64, limit int) ([]ChangeRecord, int64, error) {
	userID, _, err := guardIDs(userID, "")
	if err != nil {
		return nil, 0, err
	}
	if limit <= 0 {
		limit = 200
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	u := s.user(userID)
	records := make([]ChangeRecord, 0, len(u.records))
	var maxSeq int64
	for _, rec := range u.records {
		if rec.Seq > maxSeq {
			maxSeq = rec.Seq
		}
		if rec.Seq > sinceSeq {
			records = append(records, cloneChange(*rec))
		}
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Seq < records[j].Seq })
	if len(records) > limit {
		records = records[:limit]
	}
	return records, maxSeq, nil
}

func (s *InMemoryStore) GetSyncCursor(_ context.Context, userID string) (string, error) {
	userID, _, err := guardIDs(userID, "")
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.user(userID).cursor, nil
}

func (s *InMemoryStore) SetSyncCursor(_ context.Context, userID, cursor string) error {
	userID, _, err := guardIDs(userID, "")
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.user(userID).cursor = cursor
	return nil
}

func (s *InMemoryStore) GetActiveConversation(_ context.Context, userID string) (string, error) {
	userID, _, err := guardIDs(userID, "")
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.user(userID).active, nil
}

func (s *InMemoryStore) SetActiveConversation(_ context.Context, userID, convID string) error {
	userID, convID, err := guardIDs(userID, convID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.user(userID).active = convID
	return nil
}

func clonePayload(p conversation.Payload) conversation.Payload {
	out := p
	out.Messages = make([]conversation.ChatMessage, len(p.Messages))
	copy(out.Messages, p.Messages)
	out.DiagramVersions = make([]conversation.DiagramVersion, len(p.DiagramVersions))
	copy(out.DiagramVersions, p.DiagramVersions)
	out.DiagramVersionMarks = make(map[int]int, len(p.DiagramVersionMarks))
	for k, v := range p.DiagramVersionMarks {
		out.DiagramVersionMarks[k] = v
	}
	return out
}

func cloneChange(rec ChangeRecord) ChangeRecord {
	out := rec
	if rec.Payload != nil {
		clone := clonePayload(*rec.Payload)
		out.Payload = &clone
	}
	return out
}
