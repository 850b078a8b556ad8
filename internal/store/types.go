package store

import "encoding/json"

// Conversation kinds.
const (
	KindDirect = "direct"
	KindGroup  = "group"
)

// Message statuses. Transitions are monotonic forward through
// pending → sent → delivered → read, with pending → failed as the only
// sideways move. Retry re-opens failed back to pending.
const (
	StatusPending   = "pending"
	StatusSent      = "sent"
	StatusDelivered = "delivered"
	StatusRead      = "read"
	StatusFailed    = "failed"
)

var statusRank = map[string]int{
	StatusPending:   0,
	StatusSent:      1,
	StatusDelivered: 2,
	StatusRead:      3,
}

// StatusRank returns the forward-progress rank of a status; failed has no
// rank and returns -1.
func StatusRank(s string) int {
	if r, ok := statusRank[s]; ok {
		return r
	}
	return -1
}

// CanTransition reports whether a status change honors the monotonicity
// invariant.
func CanTransition(from, to string) bool {
	if from == to {
		return true
	}
	if to == StatusFailed {
		return from == StatusPending
	}
	if from == StatusFailed {
		return to == StatusPending
	}
	return StatusRank(to) > StatusRank(from)
}

// Conversation represents a synced conversation.
type Conversation struct {
	ID                 string
	Kind               string
	Name               string
	Participants       []string
	LastMessagePreview string
	// LastMessageAt is an authoritative server timestamp in ms, never a raw
	// local clock value. Zero means no acked message yet.
	LastMessageAt int64
	UnreadCounts  map[string]int
	UpdatedAt     int64
}

// Message represents a message row.
type Message struct {
	ID             int64
	ConversationID string
	// LocalID is the client-generated correlation ID, stable for the
	// lifetime of the optimistic entry. Empty for rows that only ever
	// existed remotely.
	LocalID string
	// CanonicalID is assigned by the remote store once accepted; once set it
	// never changes.
	CanonicalID    string
	SenderID       string
	Body           string
	Status         string
	CreatedAtLocal int64
	ServerTS       int64
	ReadBy         []string
}

// EffectiveTS is the timestamp used for ordering: the authoritative server
// timestamp once acked, the local clock before that.
func (m *Message) EffectiveTS() int64 {
	if m.ServerTS > 0 {
		return m.ServerTS
	}
	return m.CreatedAtLocal
}

// Key identifies the message for dedup purposes: canonical ID when assigned,
// local ID otherwise.
func (m *Message) Key() string {
	if m.CanonicalID != "" {
		return m.CanonicalID
	}
	return m.LocalID
}

// OutboxEntry represents a pending outgoing message.
type OutboxEntry struct {
	ID             int64
	LocalID        string
	ConversationID string
	Body           string
	Status         string // queued, sending, sent, failed
	ErrorMessage   string
	CanonicalID    string
}

func encodeStrings(s []string) string {
	if len(s) == 0 {
		return "[]"
	}
	b, _ := json.Marshal(s)
	return string(b)
}

func decodeStrings(raw string) []string {
	if raw == "" || raw == "[]" {
		return nil
	}
	var s []string
	_ = json.Unmarshal([]byte(raw), &s)
	return s
}

func encodeCounts(m map[string]int) string {
	if len(m) == 0 {
		return "{}"
	}
	b, _ := json.Marshal(m)
	return string(b)
}

func decodeCounts(raw string) map[string]int {
	if raw == "" || raw == "{}" {
		return nil
	}
	var m map[string]int
	_ = json.Unmarshal([]byte(raw), &m)
	return m
}
