// Package sqlite backs the recall mapping with an embedded SQLite
// database, so recall keeps working across gateway restarts.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/nextlevelbuilder/larkcode/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS recall_records (
    user_message_id TEXT PRIMARY KEY,
    chat_id         TEXT NOT NULL,
    sent_at         TIMESTAMP NOT NULL,
    bot_messages    TEXT NOT NULL DEFAULT '[]'
);
CREATE INDEX IF NOT EXISTS idx_recall_chat ON recall_records(chat_id);
`

// RecallStore is the SQLite-backed recall mapping.
type RecallStore struct {
	db *sql.DB
}

// Open creates (or opens) the database at path and applies the schema.
func Open(path string) (*RecallStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create recall db dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open recall db: %w", err)
	}
	// modernc sqlite is single-writer.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply recall schema: %w", err)
	}
	return &RecallStore{db: db}, nil
}

func (s *RecallStore) Put(ctx context.Context, rec store.RecallRecord) error {
	msgs, err := json.Marshal(rec.BotMessages)
	if err != nil {
		return fmt.Errorf("marshal bot messages: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO recall_records (user_message_id, chat_id, sent_at, bot_messages)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(user_message_id) DO UPDATE SET
			chat_id = excluded.chat_id,
			sent_at = excluded.sent_at,
			bot_messages = excluded.bot_messages`,
		rec.UserMessageID, rec.ChatID, rec.SentAt, string(msgs))
	if err != nil {
		return fmt.Errorf("put recall record: %w", err)
	}
	return nil
}

// AddBotMessage appends one bot message to an existing record; unknown
// user messages are ignored (nothing to recall against).
func (s *RecallStore) AddBotMessage(ctx context.Context, userMessageID string, msg store.BotMessage) error {
	rec, ok, err := s.Get(ctx, userMessageID)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	rec.BotMessages = append(rec.BotMessages, msg)
	return s.Put(ctx, rec)
}

func (s *RecallStore) Get(ctx context.Context, userMessageID string) (store.RecallRecord, bool, error) {
	var rec store.RecallRecord
	var msgs string
	err := s.db.QueryRowContext(ctx, `
		SELECT user_message_id, chat_id, sent_at, bot_messages
		FROM recall_records WHERE user_message_id = ?`, userMessageID).
		Scan(&rec.UserMessageID, &rec.ChatID, &rec.SentAt, &msgs)
	if err == sql.ErrNoRows {
		return store.RecallRecord{}, false, nil
	}
	if err != nil {
		return store.RecallRecord{}, false, fmt.Errorf("get recall record: %w", err)
	}
	if err := json.Unmarshal([]byte(msgs), &rec.BotMessages); err != nil {
		return store.RecallRecord{}, false, fmt.Errorf("parse bot messages: %w", err)
	}
	return rec, true, nil
}

func (s *RecallStore) Delete(ctx context.Context, userMessageID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM recall_records WHERE user_message_id = ?`, userMessageID); err != nil {
		return fmt.Errorf("delete recall record: %w", err)
	}
	return nil
}

func (s *RecallStore) Close() error { return s.db.Close() }

var _ store.RecallStore = (*RecallStore)(nil)
