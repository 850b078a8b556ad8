package store

import (
	"database/sql"
	"time"
)

// UpsertConversation inserts or updates a conversation record. The
// last_message_at column never moves backwards; the preview follows the
// winning timestamp.
func (db *DB) UpsertConversation(c *Conversation) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO conversations (id, kind, name, participants, last_message_preview, last_message_at, unread_counts, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			kind = excluded.kind,
			name = excluded.name,
			participants = excluded.participants,
			last_message_at = MAX(conversations.last_message_at, excluded.last_message_at),
			last_message_preview = CASE WHEN excluded.last_message_at >= conversations.last_message_at THEN excluded.last_message_preview ELSE conversations.last_message_preview END,
			unread_counts = excluded.unread_counts,
			updated_at = excluded.updated_at`,
		c.ID, c.Kind, c.Name, encodeStrings(c.Participants), c.LastMessagePreview, c.LastMessageAt, encodeCounts(c.UnreadCounts), now)
	return fault("upsert conversation", err)
}

// GetConversation returns a single conversation by ID, nil if missing.
func (db *DB) GetConversation(id string) (*Conversation, error) {
	var c Conversation
	var participants, counts string
	err := db.QueryRow(`
		SELECT id, kind, name, participants, last_message_preview, last_message_at, unread_counts, updated_at
		FROM conversations WHERE id = ?`, id).
		Scan(&c.ID, &c.Kind, &c.Name, &participants, &c.LastMessagePreview, &c.LastMessageAt, &counts, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fault("get conversation", err)
	}
	c.Participants = decodeStrings(participants)
	c.UnreadCounts = decodeCounts(counts)
	return &c, nil
}

// ListConversations returns conversations sorted by last message timestamp
// descending.
func (db *DB) ListConversations(limit, offset int) ([]Conversation, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(`
		SELECT id, kind, name, participants, last_message_preview, last_message_at, unread_counts, updated_at
		FROM conversations
		ORDER BY last_message_at DESC, id ASC
		LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, fault("list conversations", err)
	}
	defer func() { _ = rows.Close() }()

	var convs []Conversation
	for rows.Next() {
		var c Conversation
		var participants, counts string
		if err := rows.Scan(&c.ID, &c.Kind, &c.Name, &participants, &c.LastMessagePreview, &c.LastMessageAt, &counts, &c.UpdatedAt); err != nil {
			return nil, fault("scan conversation", err)
		}
		c.Participants = decodeStrings(participants)
		c.UnreadCounts = decodeCounts(counts)
		convs = append(convs, c)
	}
	return convs, fault("list conversations", rows.Err())
}

// ApplyConversationActivity advances the authoritative last message
// timestamp and preview, monotonically. Older timestamps are ignored.
func (db *DB) ApplyConversationActivity(id, preview string, serverTS int64) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		UPDATE conversations SET
			last_message_at = MAX(last_message_at, ?),
			last_message_preview = CASE WHEN ? >= last_message_at THEN ? ELSE last_message_preview END,
			updated_at = ?
		WHERE id = ?`,
		serverTS, serverTS, preview, now, id)
	return fault("apply conversation activity", err)
}

// SetUnreadCounts replaces the unread counter map. The listener only calls
// this when the incoming snapshot is not older than the stored state.
func (db *DB) SetUnreadCounts(id string, counts map[string]int) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE conversations SET unread_counts = ?, updated_at = ? WHERE id = ?`,
		encodeCounts(counts), now, id)
	return fault("set unread counts", err)
}

// ClearUnread zeroes one user's unread counter for a conversation. The clear
// is a single UPDATE so it cannot interleave with a concurrent merge writing
// the other counters.
func (db *DB) ClearUnread(id, userID string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		UPDATE conversations SET
			unread_counts = json_remove(unread_counts, '$."' || ? || '"'),
			updated_at = ?
		WHERE id = ? AND json_extract(unread_counts, '$."' || ? || '"') IS NOT NULL`,
		userID, now, id, userID)
	return fault("clear unread", err)
}
