package store

import "fmt"

// UpsertMessages appends messages to a conversation's cache in one
// transaction, idempotent on (chat_id, id) so re-delivered events cannot
// duplicate rows. Arrival order is preserved by the autoincrement sequence.
func (db *DB) UpsertMessages(chatID int64, msgs []Message) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, m := range msgs {
		if _, err := tx.Exec(`
			INSERT INTO messages (chat_id, id, sent_by, type, message, file, is_seen)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(chat_id, id) DO UPDATE SET
				message = excluded.message,
				file = excluded.file,
				is_seen = messages.is_seen OR excluded.is_seen`,
			chatID, m.ID, m.SentBy, m.Type, m.Body, m.File, m.IsSeen); err != nil {
			return fmt.Errorf("upsert message %q: %w", m.ID, err)
		}
	}
	return tx.Commit()
}

// ListMessages returns a conversation's cached messages in append order.
func (db *DB) ListMessages(chatID int64) ([]Message, error) {
	rows, err := db.Query(`
		SELECT id, chat_id, sent_by, type, message, file, is_seen
		FROM messages
		WHERE chat_id = ?
		ORDER BY seq ASC`, chatID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ChatID, &m.SentBy, &m.Type, &m.Body, &m.File, &m.IsSeen); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// ClearMessages wipes one conversation's cache without touching others.
func (db *DB) ClearMessages(chatID int64) error {
	_, err := db.Exec(`DELETE FROM messages WHERE chat_id = ?`, chatID)
	return err
}

// MarkMessagesSeen flips the seen flag on every message a sender holds in
// one chat. Boolean OR, not a counter: applying it twice equals once.
func (db *DB) MarkMessagesSeen(chatID, sentBy int64) error {
	if _, err := db.Exec(`
		UPDATE messages SET is_seen = 1 WHERE chat_id = ? AND sent_by = ?`,
		chatID, sentBy); err != nil {
		return err
	}
	_, err := db.Exec(`
		UPDATE last_messages SET is_seen = 1
		WHERE chat_id = ? AND id IN (SELECT id FROM messages WHERE chat_id = ? AND sent_by = ?)`,
		chatID, chatID, sentBy)
	return err
}

// MessageCount returns the total number of cached messages.
func (db *DB) MessageCount() (int64, error) {
	var count int64
	err := db.QueryRow(`SELECT COUNT(*) FROM messages`).Scan(&count)
	return count, err
}
