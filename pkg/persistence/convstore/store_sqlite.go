package convstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"github.com/go-go-golems/sketchsync/pkg/conversation"
)

type SQLiteStore struct {
	db *sql.DB
}

var _ Store = &SQLiteStore{}

func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	if dsn == "" {
		return nil, errors.New("sqlite conversation store: empty dsn")
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) migrate() error {
	if s == nil || s.db == nil {
		return errors.New("sqlite conversation store: db is nil")
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS conversations (
		  user_id TEXT NOT NULL,
		  conv_id TEXT NOT NULL,
		  title TEXT NOT NULL DEFAULT '',
		  created_at_ms INTEGER NOT NULL,
		  updated_at_ms INTEGER NOT NULL,
		  deleted INTEGER NOT NULL DEFAULT 0,
		  change_seq INTEGER NOT NULL DEFAULT 0,
		  payload_json TEXT NOT NULL DEFAULT '',
		  PRIMARY KEY (user_id, conv_id)
		);`,
		`CREATE INDEX IF NOT EXISTS conversations_by_updated
		  ON conversations(user_id, deleted, updated_at_ms DESC, conv_id ASC);`,
		`CREATE INDEX IF NOT EXISTS conversations_by_change_seq
		  ON conversations(user_id, change_seq);`,
		`CREATE TABLE IF NOT EXISTS sync_state (
		  user_id TEXT PRIMARY KEY,
		  cursor TEXT NOT NULL DEFAULT '',
		  active_conv_id TEXT NOT NULL DEFAULT ''
		);`,
	}
	for _, st := range stmts {
		if _, err := s.db.Exec(st); err != nil {
			return errors.Wrap(err, "sqlite conversation store: migrate")
		}
	}
	return nil
}

func (s *SQLiteStore) guard(userID, convID string) (string, string, error) {
	if s == nil || s.db == nil {
		return "", "", errors.New("sqlite conversation store: db is nil")
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", "", errors.New("sqlite conversation store: userID is empty")
	}
	return userID, strings.TrimSpace(convID), nil
}

func (s *SQLiteStore) UpsertMeta(ctx context.Context, userID string, meta conversation.Meta) error {
	userID, convID, err := s.guard(userID, meta.ID)
	if err != nil {
		return err
	}
	if convID == "" {
		return errors.New("sqlite conversation store: convID is empty")
	}
	now := time.Now().UnixMilli()
	if meta.CreatedAt <= 0 {
		meta.CreatedAt = now
	}
	if meta.UpdatedAt <= 0 {
		meta.UpdatedAt = meta.CreatedAt
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO conversations (user_id, conv_id, title, created_at_ms, updated_at_ms, deleted, change_seq)
		VALUES (?, ?, ?, ?, ?, 0, (SELECT COALESCE(MAX(change_seq), 0) + 1 FROM conversations))
		ON CONFLICT(user_id, conv_id) DO UPDATE SET
			title = CASE
				WHEN excluded.title <> '' THEN excluded.title
				ELSE conversations.title
			END,
			created_at_ms = CASE
				WHEN conversations.created_at_ms > 0 THEN conversations.created_at_ms
				ELSE excluded.created_at_ms
			END,
			updated_at_ms = CASE
				WHEN excluded.updated_at_ms > conversations.updated_at_ms THEN excluded.updated_at_ms
				ELSE conversations.updated_at_ms
			END,
			deleted = 0,
			change_seq = (SELECT COALESCE(MAX(change_seq), 0) + 1 FROM conversations)
	`, userID, convID, meta.Title, meta.CreatedAt, meta.UpdatedAt)
	if err != nil {
		return errors.Wrap(err, "sqlite conversation store: upsert meta")
	}
	return nil
}

func (s *SQLiteStore) GetMeta(ctx context.Context, userID, convID string) (conversation.Meta, bool, error) {
	userID, convID, err := s.guard(userID, convID)
	if err != nil {
		return conversation.Meta{}, false, err
	}
	if convID == "" {
		return conversation.Meta{}, false, errors.New("sqlite conversation store: convID is empty")
	}
	var meta conversation.Meta
	err = s.db.QueryRowContext(ctx, `
		SELECT conv_id, title, created_at_ms, updated_at_ms
		FROM conversations
		WHERE user_id = ? AND conv_id = ? AND deleted = 0
	`, userID, convID).Scan(&meta.ID, &meta.Title, &meta.CreatedAt, &meta.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return conversation.Meta{}, false, nil
	}
	if err != nil {
		return conversation.Meta{}, false, errors.Wrap(err, "sqlite conversation store: get meta")
	}
	return meta, true, nil
}

func (s *SQLiteStore) ListMetas(ctx context.Context, userID string, limit int) ([]conversation.Meta, error) {
	userID, _, err := s.guard(userID, "")
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT conv_id, title, created_at_ms, updated_at_ms
		FROM conversations
		WHERE user_id = ? AND deleted = 0
		ORDER BY updated_at_ms DESC, conv_id ASC
		LIMIT ?
	`, userID, limit)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite conversation store: list metas")
	}
	defer func() { _ = rows.Close() }()

	metas := make([]conversation.Meta, 0, limit)
	for rows.Next() {
		var meta conversation.Meta
		if err := rows.Scan(&meta.ID, &meta.Title, &meta.CreatedAt, &meta.UpdatedAt); err != nil {
			return nil, errors.Wrap(err, "sqlite conversation store: scan meta")
		}
		metas = append(metas, meta)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "sqlite conversation store: iterate metas")
	}
	return metas, nil
}

func (s *SQLiteStore) PutPayload(ctx context.Context, userID, convID string, payload conversation.Payload) error {
	userID, convID, err := s.guard(userID, convID)
	if err != nil {
		return err
	}
	if convID == "" {
		return errors.New("sqlite conversation store: convID is empty")
	}
	blob, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrap(err, "sqlite conversation store: marshal payload")
	}
	now := time.Now().UnixMilli()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO conversations (user_id, conv_id, created_at_ms, updated_at_ms, deleted, change_seq, payload_json)
		VALUES (?, ?, ?, ?, 0, (SELECT COALESCE(MAX(change_seq), 0) + 1 FROM conversations), ?)
		ON CONFLICT(user_id, conv_id) DO UPDATE SET
			payload_json = excluded.payload_json,
			deleted = 0,
			change_seq = (SELECT COALESCE(MAX(change_seq), 0) + 1 FROM conversations)
	`, userID, convID, now, now, string(blob))
	if err != nil {
		return errors.Wrap(err, "sqlite conversation store: put payload")
	}
	return nil
}

func (s *SQLiteStore) GetPayload(ctx context.Context, userID, convID string) (conversation.Payload, bool, error) {
	userID, convID, err := s.guard(userID, convID)
	if err != nil {
		return conversation.Payload{}, false, err
	}
	if convID == "" {
		return conversation.Payload{}, false, errors.New("sqlite conversation store: convID is empty")
	}
	var raw string
	err = s.db.QueryRowContext(ctx, `
		SELECT payload_json FROM conversations
		WHERE user_id = ? AND conv_id = ? AND deleted = 0
	`, userID, convID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return conversation.Payload{}, false, nil
	}
	if err != nil {
		return conversation.Payload{}, false, errors.Wrap(err, "sqlite conversation store: get payload")
	}
	if raw == "" {
		return conversation.Payload{}, false, nil
	}
	var payload conversation.Payload
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return conversation.Payload{}, false, errors.Wrap(err, "sqlite conversation store: unmarshal payload")
	}
	return payload, true, nil
}

func (s *SQLiteStore) MarkDeleted(ctx context.Context, userID, convID string, updatedAtMs int64) error {
	userID, convID, err := s.guard(userID, convID)
	if err != nil {
		return err
	}
	if convID == "" {
		return errors.New("sqlite conversation store: convID is empty")
	}
	if updatedAtMs <= 0 {
		updatedAtMs = time.Now().UnixMilli()
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO conversations (user_id, conv_id, created_at_ms, updated_at_ms, deleted, change_seq)
		VALUES (?, ?, ?, ?, 1, (SELECT COALESCE(MAX(change_seq), 0) + 1 FROM conversations))
		ON CONFLICT(user_id, conv_id) DO UPDATE SET
			updated_at_ms = CASE
				WHEN excluded.updated_at_ms > conversations.updated_at_ms THEN excluded.updated_at_ms
				ELSE conversations.updated_at_ms
			END,
			deleted = 1,
			payload_json = '',
			change_seq = (SELECT COALESCE(MAX(change_seq), 0) + 1 FROM conversations)
	`, userID, convID, updatedAtMs, updatedAtMs)
	if err != nil {
		return errors.Wrap(err, "sqlite conversation store: mark deleted")
	}
	return nil
}

func (s *SQLiteStore) Purge(ctx context.Context, userID, convID string) error {
	userID, convID, err := s.guard(userID, convID)
	if err != nil {
		return err
	}
	if convID == "" {
		return errors.New("sqlite conversation store: convID is empty")
	}
	if _, err := s.db.ExecContext(ctx, `
		DELETE FROM conversations WHERE user_id = ? AND conv_id = ?
	`, userID, convID); err != nil {
		return errors.Wrap(err, "sqlite conversation store: purge")
	}
	return nil
}

func (s *SQLiteStore) GetChange(ctx context.Context, userID, convID string) (ChangeRecord, bool, error) {
	userID, convID, err := s.guard(userID, convID)
	if err != nil {
		return ChangeRecord{}, false, err
	}
	if convID == "" {
		return ChangeRecord{}, false, errors.New("sqlite conversation store: convID is empty")
	}
	var (
		rec     ChangeRecord
		deleted int64
		raw     string
	)
	err = s.db.QueryRowContext(ctx, `
		SELECT change_seq, conv_id, title, created_at_ms, updated_at_ms, deleted, payload_json
		FROM conversations
		WHERE user_id = ? AND conv_id = ?
	`, userID, convID).Scan(&rec.Seq, &rec.ID, &rec.Title, &rec.CreatedAt, &rec.UpdatedAt, &deleted, &raw)
	if errors.Is(err, sql.ErrNoRows) {
		return ChangeRecord{}, false, nil
	}
	if err != nil {
		return ChangeRecord{}, false, errors.Wrap(err, "sqlite conversation store: get change")
	}
	rec.Deleted = deleted == 1
	if raw != "" {
		var payload conversation.Payload
		if err := json.Unmarshal([]byte(raw), &payload); err != nil {
			return ChangeRecord{}, false, errors.Wrap(err, "sqlite conversation store: unmarshal payload")
		}
		rec.Payload = &payload
	}
	return rec, true, nil
}

func (s *SQLiteStore) ListChangesSince(ctx context.Context, userID string, sinceSeq int64, limit int) ([]ChangeRecord, int64, error) {
	userID, _, err := s.guard(userID, "")
	if err != nil {
		return nil, 0, err
	}
	if limit <= 0 {
		limit = 200
	}

	var maxSeq int64
	_ = s.db.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(change_seq), 0) FROM conversations WHERE user_id = ?
	`, userID).Scan(&maxSeq)

	rows, err := s.db.QueryContext(ctx, `
		SELECT change_seq, conv_id, title, created_at_ms, updated_at_ms, deleted, payload_json
		FROM conversations
		WHERE user_id = ? AND change_seq > ?
		ORDER BY change_seq ASC
		LIMIT ?
	`, userID, sinceSeq, limit)
	if err != nil {
		return nil, 0, errors.Wrap(err, "sqlite conversation store: list changes")
	}
	defer func() { _ = rows.Close() }()

	records := make([]ChangeRecord, 0, limit)
	for rows.Next() {
		var (
			rec     ChangeRecord
			deleted int64
			raw     string
		)
		if err := rows.Scan(&rec.Seq, &rec.ID, &rec.Title, &rec.CreatedAt, &rec.UpdatedAt, &deleted, &raw); err != nil {
			return nil, 0, errors.Wrap(err, "sqlite conversation store: scan change")
		}
		rec.Deleted = deleted == 1
		if raw != "" {
			var payload conversation.Payload
			if err := json.Unmarshal([]byte(raw), &payload); err != nil {
				return nil, 0, errors.Wrap(err, "sqlite conversation store: unmarshal payload")
			}
			rec.Payload = &payload
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, errors.Wrap(err, "sqlite conversation store: iterate changes")
	}
	return records, maxSeq, nil
}

func (s *SQLiteStore) GetSyncCursor(ctx context.Context, userID string) (string, error) {
	userID, _, err := s.guard(userID, "")
	if err != nil {
		return "", err
	}
	var cursor string
	err = s.db.QueryRowContext(ctx, `SELECT cursor FROM sync_state WHERE user_id = ?`, userID).Scan(&cursor)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", errors.Wrap(err, "sqlite conversation store: get sync cursor")
	}
	return cursor, nil
}

func (s *SQLiteStore) SetSyncCursor(ctx context.Context, userID, cursor string) error {
	userID, _, err := s.guard(userID, "")
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_state (user_id, cursor) VALUES (?, ?)
		ON CONFLICT(user_id) DO UPDATE SET cursor = excluded.cursor
	`, userID, cursor); err != nil {
		return errors.Wrap(err, "sqlite conversation store: set sync cursor")
	}
	return nil
}

func (s *SQLiteStore) GetActiveConversation(ctx context.Context, userID string) (string, error) {
	userID, _, err := s.guard(userID, "")
	if err != nil {
		return "", err
	}
	var convID string
	err = s.db.QueryRowContext(ctx, `SELECT active_conv_id FROM sync_state WHERE user_id = ?`, userID).Scan(&convID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", errors.Wrap(err, "sqlite conversation store: get active conversation")
	}
	return convID, nil
}

func (s *SQLiteStore) SetActiveConversation(ctx context.Context, userID, convID string) error {
	userID, convID, err := s.guard(userID, convID)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_state (user_id, active_conv_id) VALUES (?, ?)
		ON CONFLICT(user_id) DO UPDATE SET active_conv_id = excluded.active_conv_id
	`, userID, convID); err != nil {
		return errors.Wrap(err, "sqlite conversation store: set active conversation")
	}
	return nil
}
