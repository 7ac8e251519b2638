package store

import (
	"database/sql"
	"fmt"
)

// UpsertChat inserts or fully replaces a chat row keyed by id. The embedded
// last message and both participant snapshots, when present, are upserted in
// the same transaction. Idempotent.
func (db *DB) UpsertChat(c *Chat) error {
	if c.ID == 0 {
		return fmt.Errorf("upsert chat: refusing unassigned chat id")
	}
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := upsertChatTx(tx, c); err != nil {
		return err
	}
	return tx.Commit()
}

func upsertChatTx(tx *sql.Tx, c *Chat) error {
	if _, err := tx.Exec(`
		INSERT INTO chats (id, sender_id, receiver_id, created_at, unseen_count)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			sender_id = excluded.sender_id,
			receiver_id = excluded.receiver_id,
			created_at = excluded.created_at,
			unseen_count = excluded.unseen_count`,
		c.ID, c.SenderID, c.ReceiverID, c.CreatedAt, c.UnseenCount); err != nil {
		return fmt.Errorf("upsert chat %d: %w", c.ID, err)
	}

	if m := c.LastMessage; m != nil {
		if _, err := tx.Exec(`
			INSERT INTO last_messages (chat_id, id, message, file, type, is_seen, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(chat_id) DO UPDATE SET
				id = excluded.id,
				message = excluded.message,
				file = excluded.file,
				type = excluded.type,
				is_seen = excluded.is_seen,
				created_at = excluded.created_at`,
			c.ID, m.ID, m.Body, m.File, m.Type, m.IsSeen, c.CreatedAt); err != nil {
			return fmt.Errorf("upsert last message for chat %d: %w", c.ID, err)
		}
	}

	for _, u := range []*User{c.Sender, c.Receiver} {
		if u == nil {
			continue
		}
		if err := upsertUserTx(tx, u); err != nil {
			return fmt.Errorf("upsert participant %d: %w", u.ID, err)
		}
	}
	return nil
}

// EnsureChat inserts a chat row only when absent, leaving an existing row
// (and its unseen counter) untouched.
func (db *DB) EnsureChat(id, senderID, receiverID, createdAt int64) error {
	if id == 0 {
		return fmt.Errorf("ensure chat: refusing unassigned chat id")
	}
	_, err := db.Exec(`
		INSERT INTO chats (id, sender_id, receiver_id, created_at, unseen_count)
		VALUES (?, ?, ?, ?, 0)
		ON CONFLICT(id) DO NOTHING`,
		id, senderID, receiverID, createdAt)
	if err != nil {
		return fmt.Errorf("ensure chat %d: %w", id, err)
	}
	return nil
}

// SetLastMessage replaces the roster summary line for a chat.
func (db *DB) SetLastMessage(chatID int64, m *Message, createdAt int64) error {
	_, err := db.Exec(`
		INSERT INTO last_messages (chat_id, id, message, file, type, is_seen, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(chat_id) DO UPDATE SET
			id = excluded.id,
			message = excluded.message,
			file = excluded.file,
			type = excluded.type,
			is_seen = excluded.is_seen,
			created_at = excluded.created_at`,
		chatID, m.ID, m.Body, m.File, m.Type, m.IsSeen, createdAt)
	if err != nil {
		return fmt.Errorf("set last message for chat %d: %w", chatID, err)
	}
	return nil
}

// ListChats returns all chats newest-first by identifier, with last-message
// summaries attached. Pure read, never touches the network.
func (db *DB) ListChats() ([]Chat, error) {
	rows, err := db.Query(`
		SELECT c.id, c.sender_id, c.receiver_id, c.created_at, c.unseen_count,
			lm.id, lm.message, lm.file, lm.type, lm.is_seen
		FROM chats c
		LEFT JOIN last_messages lm ON lm.chat_id = c.id
		ORDER BY c.id DESC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var chats []Chat
	for rows.Next() {
		var c Chat
		var msgID, body, file, kind sql.NullString
		var seen sql.NullBool
		if err := rows.Scan(&c.ID, &c.SenderID, &c.ReceiverID, &c.CreatedAt, &c.UnseenCount,
			&msgID, &body, &file, &kind, &seen); err != nil {
			return nil, err
		}
		if msgID.Valid {
			c.LastMessage = &Message{
				ID:     msgID.String,
				ChatID: c.ID,
				Body:   body.String,
				File:   file.String,
				Type:   kind.String,
				IsSeen: seen.Bool,
			}
		}
		chats = append(chats, c)
	}
	return chats, rows.Err()
}

// GetChat returns a single chat by id with its last-message summary
// attached when present, or (nil, nil) when absent.
func (db *DB) GetChat(id int64) (*Chat, error) {
	var c Chat
	var msgID, body, file, kind sql.NullString
	var seen sql.NullBool
	err := db.QueryRow(`
		SELECT c.id, c.sender_id, c.receiver_id, c.created_at, c.unseen_count,
			lm.id, lm.message, lm.file, lm.type, lm.is_seen
		FROM chats c
		LEFT JOIN last_messages lm ON lm.chat_id = c.id
		WHERE c.id = ?`, id).
		Scan(&c.ID, &c.SenderID, &c.ReceiverID, &c.CreatedAt, &c.UnseenCount,
			&msgID, &body, &file, &kind, &seen)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if msgID.Valid {
		c.LastMessage = &Message{
			ID:     msgID.String,
			ChatID: c.ID,
			Body:   body.String,
			File:   file.String,
			Type:   kind.String,
			IsSeen: seen.Bool,
		}
	}
	return &c, nil
}

// FindChatByPair returns the chat between two participants regardless of
// direction, or (nil, nil) when the pair has no conversation yet.
func (db *DB) FindChatByPair(a, b int64) (*Chat, error) {
	var c Chat
	err := db.QueryRow(`
		SELECT id, sender_id, receiver_id, created_at, unseen_count
		FROM chats
		WHERE (sender_id = ? AND receiver_id = ?) OR (sender_id = ? AND receiver_id = ?)`,
		a, b, b, a).
		Scan(&c.ID, &c.SenderID, &c.ReceiverID, &c.CreatedAt, &c.UnseenCount)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// ReplaceChats swaps the whole chat table for a fresh authoritative list.
// Last authoritative fetch wins; no merging. Participant snapshots embedded
// in the fresh chats are upserted, existing user rows are kept.
func (db *DB) ReplaceChats(chats []Chat) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM last_messages`); err != nil {
		return fmt.Errorf("clear last_messages: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM chats`); err != nil {
		return fmt.Errorf("clear chats: %w", err)
	}
	for i := range chats {
		if err := upsertChatTx(tx, &chats[i]); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// DeleteChat removes one chat with its last-message summary and cached
// message history. Used by the explicit destroy action only.
func (db *DB) DeleteChat(id int64) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, q := range []string{
		`DELETE FROM messages WHERE chat_id = ?`,
		`DELETE FROM last_messages WHERE chat_id = ?`,
		`DELETE FROM chats WHERE id = ?`,
	} {
		if _, err := tx.Exec(q, id); err != nil {
			return fmt.Errorf("delete chat %d: %w", id, err)
		}
	}
	return tx.Commit()
}

// IncrementUnseen bumps the unseen counter for a chat.
func (db *DB) IncrementUnseen(id int64) error {
	_, err := db.Exec(`UPDATE chats SET unseen_count = unseen_count + 1 WHERE id = ?`, id)
	return err
}

// ResetUnseen zeroes the unseen counter for a chat.
func (db *DB) ResetUnseen(id int64) error {
	_, err := db.Exec(`UPDATE chats SET unseen_count = 0 WHERE id = ?`, id)
	return err
}

// ChatCount returns the total number of chats.
func (db *DB) ChatCount() (int64, error) {
	var count int64
	err := db.QueryRow(`SELECT COUNT(*) FROM chats`).Scan(&count)
	return count, err
}
