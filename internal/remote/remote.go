// Package remote defines the contract for the remote document store: an
// eventually-consistent backend exposing write, query and subscribe
// primitives. The engine treats it as opaque; the concrete transport lives
// behind the Store interface.
package remote

import (
	"context"
	"errors"
)

// ErrUnavailable marks transient remote failures. Writes that fail with it
// leave the local message in failed status for the user to retry; it is
// never surfaced as a hard error past the orchestrator.
var ErrUnavailable = errors.New("remote store unavailable")

// Message is a message document as the remote store sees it. LocalID is the
// client correlation field carried through the write so subscription echoes
// can be matched back to the optimistic row.
type Message struct {
	CanonicalID    string   `json:"canonicalId"`
	LocalID        string   `json:"localId,omitempty"`
	ConversationID string   `json:"conversationId"`
	SenderID       string   `json:"senderId"`
	Body           string   `json:"body"`
	Status         string   `json:"status,omitempty"`
	ServerTS       int64    `json:"serverTs"`
	ReadBy         []string `json:"readBy,omitempty"`
}

// Conversation is a conversation document.
type Conversation struct {
	ID            string         `json:"id"`
	Kind          string         `json:"kind"`
	Name          string         `json:"name,omitempty"`
	Participants  []string       `json:"participants"`
	LastMessageAt int64          `json:"lastMessageAt"`
	UnreadCounts  map[string]int `json:"unreadCounts,omitempty"`
}

// TypingEvent is an ephemeral typing indicator; it never touches durable
// state on either side.
type TypingEvent struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	Typing         bool   `json:"isTyping"`
}

// Ack is the remote store's acceptance of a message write.
type Ack struct {
	CanonicalID string `json:"canonicalId"`
	ServerTS    int64  `json:"serverTs"`
}

// Diff is one ordered batch of changes for a subscribed conversation.
// The remote store guarantees total order per conversation.
type Diff struct {
	ConversationID string        `json:"conversationId"`
	Messages       []Message     `json:"messages,omitempty"`
	Conversation   *Conversation `json:"conversation,omitempty"`
	Typing         []TypingEvent `json:"typing,omitempty"`
}

// Subscription is a live change feed for one conversation.
type Subscription interface {
	// Diffs delivers ordered snapshot diffs. The channel closes when the
	// subscription ends, whether by Close or by transport failure.
	Diffs() <-chan Diff
	// Close releases the subscription resource. Idempotent.
	Close()
}

// Store is the remote document store contract consumed by the engine.
type Store interface {
	// WriteMessage persists a message and returns its canonical identity.
	// Idempotent on LocalID: re-writing the same local ID returns the
	// original ack instead of a duplicate document.
	WriteMessage(ctx context.Context, m Message) (Ack, error)
	// CreateConversation persists a conversation. A document with an empty
	// ID receives a server-assigned one; creating an existing ID is an
	// idempotent no-op returning the stored document.
	CreateConversation(ctx context.Context, c Conversation) (Conversation, error)
	// QueryConversation returns a conversation document, nil if absent.
	QueryConversation(ctx context.Context, id string) (*Conversation, error)
	// Subscribe opens a change feed for one conversation.
	Subscribe(ctx context.Context, conversationID string) (Subscription, error)
	// PublishTyping broadcasts an ephemeral typing indicator, best effort.
	PublishTyping(ctx context.Context, ev TypingEvent) error
}
