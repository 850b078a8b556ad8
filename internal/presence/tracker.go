// Package presence tracks ephemeral typing and online state. Nothing here
// touches the database: indicators live in memory and expire on a TTL.
package presence

import (
	"context"
	"sync"
	"time"

	"github.com/yohanhyunsungyi/MessageAI-sub001/internal/bus"
	"github.com/yohanhyunsungyi/MessageAI-sub001/internal/remote"
	"go.uber.org/zap"
)

// DefaultTTL is how long a typing indicator stays visible without refresh.
const DefaultTTL = 5 * time.Second

type typingKey struct {
	conversationID string
	userID         string
}

// Tracker holds typing indicators keyed by (conversation, user) and online
// flags keyed by user. A background sweeper drops expired entries so a client
// that crashes mid-typing goes quiet on its own.
type Tracker struct {
	bus    *bus.Bus
	remote remote.Store
	logger *zap.Logger
	userID string
	ttl    time.Duration

	mu     sync.Mutex
	typing map[typingKey]time.Time // key -> expiry
	online map[string]bool

	events <-chan bus.Event
	unsub  func()
	done   chan struct{}
	stop   chan struct{}
}

// NewTracker creates a tracker with the given TTL (zero means DefaultTTL).
func NewTracker(b *bus.Bus, r remote.Store, userID string, ttl time.Duration, logger *zap.Logger) *Tracker {
	if ttl == 0 {
		ttl = DefaultTTL
	}
	return &Tracker{
		bus:    b,
		remote: r,
		logger: logger,
		userID: userID,
		ttl:    ttl,
		typing: make(map[typingKey]time.Time),
		online: make(map[string]bool),
	}
}

// Start subscribes to inbound typing events and runs the expiry sweeper.
func (t *Tracker) Start(ctx context.Context) {
	t.mu.Lock()
	if t.done != nil {
		t.mu.Unlock()
		return
	}
	t.events, t.unsub = t.bus.Subscribe("presence.", 64)
	t.done = make(chan struct{})
	t.stop = make(chan struct{})
	t.mu.Unlock()

	go func() {
		defer close(t.done)
		ticker := time.NewTicker(t.ttl / 2)
		defer ticker.Stop()
		for {
			select {
			case evt, ok := <-t.events:
				if !ok {
					return
				}
				if ev, ok := evt.Payload.(remote.TypingEvent); ok {
					t.apply(ev)
				}
			case <-ticker.C:
				t.sweep()
			case <-t.stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop ends the sweeper and unsubscribes.
func (t *Tracker) Stop() {
	t.mu.Lock()
	unsub := t.unsub
	done := t.done
	stop := t.stop
	t.unsub = nil
	t.done = nil
	t.stop = nil
	t.mu.Unlock()
	if unsub != nil {
		unsub()
	}
	if stop != nil {
		close(stop)
	}
	if done != nil {
		<-done
	}
}

// SetTyping publishes this user's typing state to the remote store. Best
// effort: a publish failure is logged and dropped, never surfaced.
func (t *Tracker) SetTyping(ctx context.Context, conversationID string, typing bool) {
	err := t.remote.PublishTyping(ctx, remote.TypingEvent{
		ConversationID: conversationID,
		UserID:         t.userID,
		Typing:         typing,
	})
	if err != nil {
		t.logger.Debug("typing publish dropped", zap.Error(err),
			zap.String("conversation_id", conversationID))
	}
}

// Typing lists users currently typing in the conversation, excluding self.
func (t *Tracker) Typing(conversationID string) []string {
	now := time.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []string
	for k, expiry := range t.typing {
		if k.conversationID != conversationID || k.userID == t.userID {
			continue
		}
		if now.Before(expiry) {
			out = append(out, k.userID)
		}
	}
	return out
}

// SetOnline records a user's online flag.
func (t *Tracker) SetOnline(userID string, online bool) {
	t.mu.Lock()
	if online {
		t.online[userID] = true
	} else {
		delete(t.online, userID)
	}
	t.mu.Unlock()
}

// Online reports whether a user is currently flagged online.
func (t *Tracker) Online(userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.online[userID]
}

func (t *Tracker) apply(ev remote.TypingEvent) {
	k := typingKey{conversationID: ev.ConversationID, userID: ev.UserID}
	t.mu.Lock()
	if ev.Typing {
		t.typing[k] = time.Now().Add(t.ttl)
	} else {
		delete(t.typing, k)
	}
	t.mu.Unlock()
}

func (t *Tracker) sweep() {
	now := time.Now()
	t.mu.Lock()
	for k, expiry := range t.typing {
		if !now.Before(expiry) {
			delete(t.typing, k)
		}
	}
	t.mu.Unlock()
}
