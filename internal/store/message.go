package store

import (
	"database/sql"
	"fmt"
	"math"
	"time"
)

const previewLen = 100

// Truncate shortens a message body for conversation previews.
func Truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}

// CreateOutgoing commits an optimistic outgoing message in one transaction:
// the pending message row, its outbox entry and the parent conversation's
// preview. The conversation's last_message_at is left untouched; only an
// authoritative server timestamp may advance it.
func (db *DB) CreateOutgoing(m *Message) error {
	now := time.Now().UnixMilli()
	tx, err := db.Begin()
	if err != nil {
		return fault("begin outgoing tx", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.Exec(`
		INSERT INTO messages (conversation_id, local_id, canonical_id, sender_id, body, status, created_at_local, server_ts, read_by, created_at)
		VALUES (?, ?, '', ?, ?, ?, ?, 0, ?, ?)`,
		m.ConversationID, m.LocalID, m.SenderID, m.Body, m.Status, m.CreatedAtLocal, encodeStrings(m.ReadBy), now)
	if err != nil {
		return fault("insert outgoing message", err)
	}
	m.ID, _ = res.LastInsertId()

	if _, err := tx.Exec(`
		INSERT INTO outbox (local_id, conversation_id, body, status, created_at, updated_at)
		VALUES (?, ?, ?, 'queued', ?, ?)`,
		m.LocalID, m.ConversationID, m.Body, now, now); err != nil {
		return fault("queue outbox", err)
	}

	if _, err := tx.Exec(`
		UPDATE conversations SET last_message_preview = ?, updated_at = ? WHERE id = ?`,
		Truncate(m.Body, previewLen), now, m.ConversationID); err != nil {
		return fault("update preview", err)
	}

	return fault("commit outgoing tx", tx.Commit())
}

// MarkMessageSent records a remote ack atomically: canonical ID, server
// timestamp and sent status on the message, the outbox entry, and the
// conversation's authoritative activity.
func (db *DB) MarkMessageSent(localID, canonicalID string, serverTS int64) error {
	now := time.Now().UnixMilli()
	tx, err := db.Begin()
	if err != nil {
		return fault("begin ack tx", err)
	}
	defer func() { _ = tx.Rollback() }()

	var body, status, convID string
	err = tx.QueryRow(`SELECT body, status, conversation_id FROM messages WHERE local_id = ?`, localID).
		Scan(&body, &status, &convID)
	if err != nil {
		return fault("load pending message", err)
	}
	if !CanTransition(status, StatusSent) {
		// Already delivered/read via a listener echo; keep the later status.
		if StatusRank(status) < StatusRank(StatusSent) {
			return fmt.Errorf("message %s: cannot move %s to sent", localID, status)
		}
	} else {
		status = StatusSent
	}

	if _, err := tx.Exec(`
		UPDATE messages SET canonical_id = ?, server_ts = ?, status = ? WHERE local_id = ?`,
		canonicalID, serverTS, status, localID); err != nil {
		return fault("ack message", err)
	}

	if _, err := tx.Exec(`
		UPDATE outbox SET status = 'sent', canonical_id = ?, updated_at = ? WHERE local_id = ?`,
		canonicalID, now, localID); err != nil {
		return fault("ack outbox", err)
	}

	if _, err := tx.Exec(`
		UPDATE conversations SET
			last_message_at = MAX(last_message_at, ?),
			last_message_preview = CASE WHEN ? >= last_message_at THEN ? ELSE last_message_preview END,
			updated_at = ?
		WHERE id = ?`,
		serverTS, serverTS, Truncate(body, previewLen), now, convID); err != nil {
		return fault("ack conversation activity", err)
	}

	return fault("commit ack tx", tx.Commit())
}

// MarkMessageFailed moves a pending message to failed and records the error
// on its outbox entry. A message already acked stays put.
func (db *DB) MarkMessageFailed(localID, errMsg string) error {
	now := time.Now().UnixMilli()
	tx, err := db.Begin()
	if err != nil {
		return fault("begin fail tx", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`
		UPDATE messages SET status = ? WHERE local_id = ? AND status = ?`,
		StatusFailed, localID, StatusPending); err != nil {
		return fault("fail message", err)
	}
	if _, err := tx.Exec(`
		UPDATE outbox SET status = 'failed', error_message = ?, updated_at = ? WHERE local_id = ?`,
		errMsg, now, localID); err != nil {
		return fault("fail outbox", err)
	}
	return fault("commit fail tx", tx.Commit())
}

// RequeueMessage re-opens a failed message for retry: status back to pending
// and the outbox entry back to queued.
func (db *DB) RequeueMessage(localID string) error {
	now := time.Now().UnixMilli()
	tx, err := db.Begin()
	if err != nil {
		return fault("begin requeue tx", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`
		UPDATE messages SET status = ? WHERE local_id = ? AND status = ?`,
		StatusPending, localID, StatusFailed); err != nil {
		return fault("requeue message", err)
	}
	if _, err := tx.Exec(`
		UPDATE outbox SET status = 'queued', error_message = '', updated_at = ? WHERE local_id = ?`,
		now, localID); err != nil {
		return fault("requeue outbox", err)
	}
	return fault("commit requeue tx", tx.Commit())
}

// AttachCanonical fills in remote fields on an existing optimistic row when
// the listener observes the echo of the engine's own write before (or after)
// the direct ack. Idempotent: a canonical ID, once set, never changes.
func (db *DB) AttachCanonical(localID, canonicalID string, serverTS int64, status string, readBy []string) error {
	cur, err := db.GetMessageByLocalID(localID)
	if err != nil {
		return err
	}
	if cur == nil {
		return fmt.Errorf("attach canonical: no message with local id %s", localID)
	}
	if cur.CanonicalID != "" && cur.CanonicalID != canonicalID {
		return fmt.Errorf("attach canonical: %s already bound to %s", localID, cur.CanonicalID)
	}
	if !CanTransition(cur.Status, status) {
		status = cur.Status
	}
	_, err = db.Exec(`
		UPDATE messages SET canonical_id = ?, server_ts = ?, status = ?, read_by = ? WHERE local_id = ?`,
		canonicalID, serverTS, status, encodeStrings(mergeReadBy(cur.ReadBy, readBy)), localID)
	return fault("attach canonical", err)
}

// InsertRemote stores a message that originated on another client.
func (db *DB) InsertRemote(m *Message) error {
	now := time.Now().UnixMilli()
	res, err := db.Exec(`
		INSERT INTO messages (conversation_id, local_id, canonical_id, sender_id, body, status, created_at_local, server_ts, read_by, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ConversationID, m.LocalID, m.CanonicalID, m.SenderID, m.Body, m.Status, m.CreatedAtLocal, m.ServerTS, encodeStrings(m.ReadBy), now)
	if err != nil {
		return fault("insert remote message", err)
	}
	m.ID, _ = res.LastInsertId()
	return nil
}

// UpdateRemoteState applies the winner of a conflict resolution: status
// (already validated by the caller), server timestamp and readBy set.
func (db *DB) UpdateRemoteState(id int64, status string, serverTS int64, readBy []string) error {
	_, err := db.Exec(`
		UPDATE messages SET status = ?, server_ts = ?, read_by = ? WHERE id = ?`,
		status, serverTS, encodeStrings(readBy), id)
	return fault("update remote state", err)
}

// GetMessageByLocalID returns the message with the given local ID, nil if missing.
func (db *DB) GetMessageByLocalID(localID string) (*Message, error) {
	if localID == "" {
		return nil, nil
	}
	return db.getMessage(`local_id = ?`, localID)
}

// GetMessageByCanonicalID returns the message with the given canonical ID
// within a conversation, nil if missing.
func (db *DB) GetMessageByCanonicalID(conversationID, canonicalID string) (*Message, error) {
	if canonicalID == "" {
		return nil, nil
	}
	return db.getMessage(`conversation_id = ? AND canonical_id = ?`, conversationID, canonicalID)
}

func (db *DB) getMessage(where string, args ...any) (*Message, error) {
	var m Message
	var readBy string
	err := db.QueryRow(`
		SELECT id, conversation_id, local_id, canonical_id, sender_id, body, status, created_at_local, server_ts, read_by
		FROM messages WHERE `+where, args...).
		Scan(&m.ID, &m.ConversationID, &m.LocalID, &m.CanonicalID, &m.SenderID, &m.Body, &m.Status, &m.CreatedAtLocal, &m.ServerTS, &readBy)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fault("get message", err)
	}
	m.ReadBy = decodeStrings(readBy)
	return &m, nil
}

// ListMessages returns messages for a conversation using keyset pagination
// by effective timestamp (server timestamp once acked, local clock before).
func (db *DB) ListMessages(conversationID string, beforeTS int64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if beforeTS <= 0 {
		// Sentinel, not the local clock: a remote timestamp ahead of this
		// machine's clock must still be visible to an unbounded listing.
		beforeTS = math.MaxInt64
	}
	rows, err := db.Query(`
		SELECT id, conversation_id, local_id, canonical_id, sender_id, body, status, created_at_local, server_ts, read_by
		FROM messages
		WHERE conversation_id = ? AND (CASE WHEN server_ts > 0 THEN server_ts ELSE created_at_local END) < ?
		ORDER BY (CASE WHEN server_ts > 0 THEN server_ts ELSE created_at_local END) DESC, id DESC
		LIMIT ?`, conversationID, beforeTS, limit)
	if err != nil {
		return nil, fault("list messages", err)
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		var m Message
		var readBy string
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.LocalID, &m.CanonicalID, &m.SenderID, &m.Body, &m.Status, &m.CreatedAtLocal, &m.ServerTS, &readBy); err != nil {
			return nil, fault("scan message", err)
		}
		m.ReadBy = decodeStrings(readBy)
		msgs = append(msgs, m)
	}
	return msgs, fault("list messages", rows.Err())
}

// LatestMessage returns the newest message in a conversation, nil if empty.
func (db *DB) LatestMessage(conversationID string) (*Message, error) {
	msgs, err := db.ListMessages(conversationID, 0, 1)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, nil
	}
	return &msgs[0], nil
}

func mergeReadBy(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	var out []string
	for _, s := range a {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	for _, s := range b {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
