package store

import "time"

// MarkOutboxSending updates an outbox entry to 'sending' status.
func (db *DB) MarkOutboxSending(localID string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE outbox SET status = 'sending', updated_at = ? WHERE local_id = ?`, now, localID)
	return fault("mark outbox sending", err)
}

// PendingOutbox returns outbox entries that still need a remote write:
// queued entries plus 'sending' ones interrupted by a crash. Failed entries
// wait for an explicit retry.
func (db *DB) PendingOutbox() ([]OutboxEntry, error) {
	rows, err := db.Query(`
		SELECT id, local_id, conversation_id, body, status, error_message, canonical_id
		FROM outbox WHERE status IN ('queued', 'sending') ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, fault("read outbox", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []OutboxEntry
	for rows.Next() {
		var e OutboxEntry
		if err := rows.Scan(&e.ID, &e.LocalID, &e.ConversationID, &e.Body, &e.Status, &e.ErrorMessage, &e.CanonicalID); err != nil {
			return nil, fault("scan outbox", err)
		}
		entries = append(entries, e)
	}
	return entries, fault("read outbox", rows.Err())
}

// GetOutbox returns the outbox entry for a local message ID, nil if missing.
func (db *DB) GetOutbox(localID string) (*OutboxEntry, error) {
	rows, err := db.Query(`
		SELECT id, local_id, conversation_id, body, status, error_message, canonical_id
		FROM outbox WHERE local_id = ?`, localID)
	if err != nil {
		return nil, fault("get outbox", err)
	}
	defer func() { _ = rows.Close() }()
	if !rows.Next() {
		return nil, fault("get outbox", rows.Err())
	}
	var e OutboxEntry
	if err := rows.Scan(&e.ID, &e.LocalID, &e.ConversationID, &e.Body, &e.Status, &e.ErrorMessage, &e.CanonicalID); err != nil {
		return nil, fault("scan outbox", err)
	}
	return &e, nil
}
