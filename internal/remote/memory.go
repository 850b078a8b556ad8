package remote

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is an in-process Store used when no remote URL is configured and by
// tests. It assigns canonical IDs and monotonic per-conversation server
// timestamps and fans writes out to subscribers in order, which makes it a
// faithful stand-in for the backend's echo behavior.
type Memory struct {
	mu            sync.Mutex
	conversations map[string]Conversation
	messages      map[string][]Message          // conversationID -> ordered
	byLocal       map[string]Ack                // localID -> ack (write idempotency)
	subs          map[string][]*memSubscription // conversationID -> fanout
	lastTS        map[string]int64              // conversationID -> last issued server ts

	writeErr error
	subErr   error
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		conversations: make(map[string]Conversation),
		messages:      make(map[string][]Message),
		byLocal:       make(map[string]Ack),
		subs:          make(map[string][]*memSubscription),
		lastTS:        make(map[string]int64),
	}
}

// SetWriteErr makes subsequent WriteMessage calls fail with err (nil resets).
func (s *Memory) SetWriteErr(err error) {
	s.mu.Lock()
	s.writeErr = err
	s.mu.Unlock()
}

// SetSubscribeErr makes subsequent Subscribe calls fail with err (nil resets).
func (s *Memory) SetSubscribeErr(err error) {
	s.mu.Lock()
	s.subErr = err
	s.mu.Unlock()
}

func (s *Memory) nextTS(conversationID string) int64 {
	ts := time.Now().UnixMilli()
	if last := s.lastTS[conversationID]; ts <= last {
		ts = last + 1
	}
	s.lastTS[conversationID] = ts
	return ts
}

// WriteMessage implements Store. The ack and the subscription echo both
// carry the correlation LocalID so clients can dedup their own writes.
func (s *Memory) WriteMessage(_ context.Context, m Message) (Ack, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.writeErr != nil {
		return Ack{}, s.writeErr
	}
	if m.LocalID != "" {
		if ack, ok := s.byLocal[m.LocalID]; ok {
			return ack, nil
		}
	}

	if m.CanonicalID == "" {
		m.CanonicalID = uuid.NewString()
	}
	m.ServerTS = s.nextTS(m.ConversationID)
	if m.Status == "" {
		m.Status = "sent"
	}
	s.messages[m.ConversationID] = append(s.messages[m.ConversationID], m)

	ack := Ack{CanonicalID: m.CanonicalID, ServerTS: m.ServerTS}
	if m.LocalID != "" {
		s.byLocal[m.LocalID] = ack
	}

	conv, ok := s.conversations[m.ConversationID]
	var convCopy *Conversation
	if ok {
		conv.LastMessageAt = m.ServerTS
		if conv.UnreadCounts == nil {
			conv.UnreadCounts = make(map[string]int)
		}
		for _, p := range conv.Participants {
			if p != m.SenderID {
				conv.UnreadCounts[p]++
			}
		}
		s.conversations[m.ConversationID] = conv
		c := cloneConversation(conv)
		convCopy = &c
	}

	s.fanout(m.ConversationID, Diff{
		ConversationID: m.ConversationID,
		Messages:       []Message{m},
		Conversation:   convCopy,
	})
	return ack, nil
}

// PushUpdate injects a message upsert as if another client had produced it,
// e.g. a status/readBy change for an existing canonical ID.
func (s *Memory) PushUpdate(m Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m.ServerTS == 0 {
		m.ServerTS = s.nextTS(m.ConversationID)
	} else if m.ServerTS > s.lastTS[m.ConversationID] {
		s.lastTS[m.ConversationID] = m.ServerTS
	}
	s.fanout(m.ConversationID, Diff{
		ConversationID: m.ConversationID,
		Messages:       []Message{m},
	})
}

// CreateConversation implements Store.
func (s *Memory) CreateConversation(_ context.Context, c Conversation) (Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if existing, ok := s.conversations[c.ID]; ok {
		return cloneConversation(existing), nil
	}
	if c.UnreadCounts == nil {
		c.UnreadCounts = make(map[string]int)
	}
	s.conversations[c.ID] = c
	return cloneConversation(c), nil
}

// QueryConversation implements Store.
func (s *Memory) QueryConversation(_ context.Context, id string) (*Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[id]
	if !ok {
		return nil, nil
	}
	out := cloneConversation(c)
	return &out, nil
}

// PublishTyping implements Store.
func (s *Memory) PublishTyping(_ context.Context, ev TypingEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fanout(ev.ConversationID, Diff{
		ConversationID: ev.ConversationID,
		Typing:         []TypingEvent{ev},
	})
	return nil
}

// Subscribe implements Store. New subscribers receive only changes from the
// point of subscription; history is served through QueryConversation and the
// local store.
func (s *Memory) Subscribe(_ context.Context, conversationID string) (Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.subErr != nil {
		return nil, s.subErr
	}

	sub := &memSubscription{
		store:          s,
		conversationID: conversationID,
		ch:             make(chan Diff, 256),
	}
	s.subs[conversationID] = append(s.subs[conversationID], sub)
	return sub, nil
}

// fanout must be called with s.mu held. Buffered, non-blocking: a stalled
// subscriber misses diffs rather than wedging writers.
func (s *Memory) fanout(conversationID string, d Diff) {
	for _, sub := range s.subs[conversationID] {
		select {
		case sub.ch <- d:
		default:
		}
	}
}

type memSubscription struct {
	store          *Memory
	conversationID string
	ch             chan Diff
	closeOnce      sync.Once
}

func (m *memSubscription) Diffs() <-chan Diff { return m.ch }

func (m *memSubscription) Close() {
	m.closeOnce.Do(func() {
		s := m.store
		s.mu.Lock()
		subs := s.subs[m.conversationID]
		for i, sub := range subs {
			if sub == m {
				s.subs[m.conversationID] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		s.mu.Unlock()
		close(m.ch)
	})
}

func cloneConversation(c Conversation) Conversation {
	out := c
	out.Participants = append([]string(nil), c.Participants...)
	out.UnreadCounts = make(map[string]int, len(c.UnreadCounts))
	for k, v := range c.UnreadCounts {
		out.UnreadCounts[k] = v
	}
	return out
}
