package store

import "fmt"

// ClearAll wipes every table for the current account scope in one
// transaction, so a crash mid-clear can never leave partial state that a
// later upsert would corrupt. Used on logout and destroy-all.
func (db *DB) ClearAll() error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, table := range []string{"messages", "outbox", "photos", "users", "last_messages", "chats"} {
		if _, err := tx.Exec(`DELETE FROM ` + table); err != nil {
			return fmt.Errorf("clear %s: %w", table, err)
		}
	}
	return tx.Commit()
}
