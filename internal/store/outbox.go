package store

import "time"

// Outbox status values. An unconfirmed send is kept visible but never
// retried automatically.
const (
	OutboxQueued      = "queued"
	OutboxSending     = "sending"
	OutboxSent        = "sent"
	OutboxUnconfirmed = "unconfirmed"
)

// QueueOutbox persists an optimistic send so it survives restarts and
// offline periods.
func (db *DB) QueueOutbox(e *OutboxEntry) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO outbox (client_id, chat_id, sender_id, receiver_id, type, message, file, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 'queued', ?, ?)`,
		e.ClientID, e.ChatID, e.SenderID, e.ReceiverID, e.Type, e.Body, e.File, now, now)
	return err
}

// PendingOutbox returns queued entries oldest-first.
func (db *DB) PendingOutbox() ([]OutboxEntry, error) {
	rows, err := db.Query(`
		SELECT id, client_id, chat_id, sender_id, receiver_id, type, message, file, status, error_message
		FROM outbox WHERE status = 'queued' ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []OutboxEntry
	for rows.Next() {
		var e OutboxEntry
		if err := rows.Scan(&e.ID, &e.ClientID, &e.ChatID, &e.SenderID, &e.ReceiverID,
			&e.Type, &e.Body, &e.File, &e.Status, &e.ErrorMessage); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// MarkOutboxSending updates an outbox entry to 'sending' status.
func (db *DB) MarkOutboxSending(clientID string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE outbox SET status = 'sending', updated_at = ? WHERE client_id = ?`, now, clientID)
	return err
}

// RequeueOutbox returns a 'sending' entry to the queue, used when the
// connection drops before the frame could be written.
func (db *DB) RequeueOutbox(clientID string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE outbox SET status = 'queued', updated_at = ? WHERE client_id = ?`, now, clientID)
	return err
}

// MarkOutboxSent records the acknowledgment and its confirmed chat id.
func (db *DB) MarkOutboxSent(clientID string, chatID int64) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE outbox SET status = 'sent', chat_id = ?, updated_at = ? WHERE client_id = ?`, chatID, now, clientID)
	return err
}

// MarkOutboxUnconfirmed parks an entry whose ack never arrived.
func (db *DB) MarkOutboxUnconfirmed(clientID, errMsg string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE outbox SET status = 'unconfirmed', error_message = ?, updated_at = ? WHERE client_id = ?`, errMsg, now, clientID)
	return err
}

// AssignOutboxChat stamps the promoted chat id onto every still-unassigned
// entry for a participant pair, so later sends reuse the adopted identifier.
func (db *DB) AssignOutboxChat(senderID, receiverID, chatID int64) error {
	_, err := db.Exec(`
		UPDATE outbox SET chat_id = ?
		WHERE chat_id = 0 AND sender_id = ? AND receiver_id = ?`,
		chatID, senderID, receiverID)
	return err
}
