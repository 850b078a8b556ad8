package store

import (
	"database/sql"
	"time"
)

// SetCheckpoint records a sync checkpoint value, e.g. the last applied
// server timestamp for a monitored conversation.
func (db *DB) SetCheckpoint(key, value string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO sync_state (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, now)
	return fault("set checkpoint", err)
}

// GetCheckpoint retrieves a sync checkpoint value; empty string if unset.
func (db *DB) GetCheckpoint(key string) (string, error) {
	var value string
	err := db.QueryRow(`SELECT value FROM sync_state WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fault("get checkpoint", err)
	}
	return value, nil
}
