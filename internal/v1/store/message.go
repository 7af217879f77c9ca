package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lib/pq"
)

// maxSequenceRetries bounds the duplicate-sequence retry loop in AppendMessage
// (spec.md §4.5 step 2: "retry up to K times").
const maxSequenceRetries = 3

// AppendMessage durably inserts a ChatMessage at the given sequence number.
// On a UNIQUE(chat_id, sequence_num) conflict — only possible if the
// in-memory room counter was evicted and a race occurred — it re-synchronizes
// from MAX(sequence_num)+1 and retries, per C5's contract.
func (db *DB) AppendMessage(ctx context.Context, chatID string, sequenceNum int64, typeID int, senderStaffID *string, content any) (*ChatMessage, error) {
	contentBytes, err := json.Marshal(content)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message content: %w", err)
	}

	n := sequenceNum
	for attempt := 0; attempt < maxSequenceRetries; attempt++ {
		msg, err := db.insertMessage(ctx, chatID, n, typeID, senderStaffID, contentBytes)
		if err == nil {
			return msg, nil
		}
		if !isUniqueViolation(err) {
			return nil, fmt.Errorf("failed to append message: %w", err)
		}

		max, maxErr := db.MaxSequenceNum(ctx, chatID)
		if maxErr != nil {
			return nil, fmt.Errorf("failed to resync sequence after conflict: %w", maxErr)
		}
		n = max + 1
	}

	return nil, fmt.Errorf("failed to append message after %d retries: sequence conflicts persisted", maxSequenceRetries)
}

func (db *DB) insertMessage(ctx context.Context, chatID string, n int64, typeID int, senderStaffID *string, contentBytes []byte) (*ChatMessage, error) {
	var msg ChatMessage
	err := db.GetContext(ctx, &msg,
		`INSERT INTO chat_messages (chat_id, sequence_num, type_id, sender_staff_id, content_json)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING *`,
		chatID, n, typeID, senderStaffID, string(contentBytes))
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}

// LastMessageSender returns the sender_staff_id of the most recent message in
// a chat (nil means the visitor authored it) — backs invariant 5 / P4's
// unhandled-set definition.
func (db *DB) LastMessageSender(ctx context.Context, chatID string) (*string, error) {
	var senderID sql.NullString
	err := db.GetContext(ctx, &senderID,
		`SELECT sender_staff_id FROM chat_messages WHERE chat_id = $1 ORDER BY sequence_num DESC LIMIT 1`,
		chatID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get last message sender: %w", err)
	}
	if !senderID.Valid {
		return nil, nil
	}
	return &senderID.String, nil
}

// RecentMessages returns the most recent messages for a chat, oldest first.
func (db *DB) RecentMessages(ctx context.Context, chatID string, limit int) ([]ChatMessage, error) {
	var msgs []ChatMessage
	err := db.SelectContext(ctx, &msgs,
		`SELECT * FROM (
			SELECT * FROM chat_messages WHERE chat_id = $1 ORDER BY sequence_num DESC LIMIT $2
		 ) recent ORDER BY sequence_num ASC`,
		chatID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get recent messages: %w", err)
	}
	return msgs, nil
}
