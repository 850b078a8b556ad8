// Package notify decides, per newly merged message, whether the user should
// be notified. The decision runs on merge events from the bus, decoupled from
// the merge path itself.
package notify

import (
	"context"
	"sync"
	"time"

	"github.com/yohanhyunsungyi/MessageAI-sub001/internal/bus"
	"github.com/yohanhyunsungyi/MessageAI-sub001/internal/listener"
	"github.com/yohanhyunsungyi/MessageAI-sub001/internal/store"
	"go.uber.org/zap"
)

// Notifier delivers a notification decision to the outside world.
type Notifier interface {
	Notify(conversationID string, msg store.Message)
}

// LogNotifier writes notifications to the structured log. It is the default
// sink when no platform integration is wired.
type LogNotifier struct {
	Logger *zap.Logger
}

func (n *LogNotifier) Notify(conversationID string, msg store.Message) {
	n.Logger.Info("notification",
		zap.String("conversation_id", conversationID),
		zap.String("sender_id", msg.SenderID),
		zap.String("preview", store.Truncate(msg.Body, 100)))
}

// Engine suppresses notifications for the user's own messages, for the
// conversation currently on screen, and for anything at or before the
// high-water mark seeded when tracking began. The seed is what keeps a fresh
// subscription's initial replay silent.
type Engine struct {
	db       *store.DB
	bus      *bus.Bus
	notifier Notifier
	logger   *zap.Logger
	userID   string

	mu       sync.Mutex
	active   string
	lastSeen map[string]seenMark // conversationID -> high-water mark

	events <-chan bus.Event
	unsub  func()
	done   chan struct{}
	stop   chan struct{}
}

// seenMark identifies the newest message already accounted for when tracking
// started, by effective timestamp with the message key as a tie-breaker.
type seenMark struct {
	ts  int64
	key string
}

// NewEngine creates the decision engine for the given authenticated user.
func NewEngine(db *store.DB, b *bus.Bus, notifier Notifier, userID string, logger *zap.Logger) *Engine {
	return &Engine{
		db:       db,
		bus:      b,
		notifier: notifier,
		logger:   logger,
		userID:   userID,
		lastSeen: make(map[string]seenMark),
	}
}

// Start subscribes to merge events and begins deciding.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	if e.done != nil {
		e.mu.Unlock()
		return
	}
	e.events, e.unsub = e.bus.Subscribe("merge.", 64)
	e.done = make(chan struct{})
	e.stop = make(chan struct{})
	e.mu.Unlock()

	go func() {
		defer close(e.done)
		for {
			select {
			case evt, ok := <-e.events:
				if !ok {
					return
				}
				if m, ok := evt.Payload.(listener.Merge); ok {
					e.decide(m)
				}
			case <-e.stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop unsubscribes and waits for the decision loop to exit.
func (e *Engine) Stop() {
	e.mu.Lock()
	unsub := e.unsub
	done := e.done
	stop := e.stop
	e.unsub = nil
	e.done = nil
	e.stop = nil
	e.mu.Unlock()
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

// Track seeds the conversation's high-water mark from the newest locally
// stored message, so already-known history never notifies.
func (e *Engine) Track(conversationID string) {
	mark := seenMark{}
	if latest, err := e.db.LatestMessage(conversationID); err != nil {
		e.logger.Error("failed to seed notification mark", zap.Error(err),
			zap.String("conversation_id", conversationID))
	} else if latest != nil {
		mark = seenMark{ts: latest.EffectiveTS(), key: latest.Key()}
	}
	e.mu.Lock()
	e.lastSeen[conversationID] = mark
	e.mu.Unlock()
}

// Untrack forgets the conversation. Subsequent merges for it do not notify
// until Track is called again.
func (e *Engine) Untrack(conversationID string) {
	e.mu.Lock()
	delete(e.lastSeen, conversationID)
	e.mu.Unlock()
}

// SetActive marks the conversation currently on screen; pass "" when none.
// The active conversation never notifies, and opening it clears the user's
// own unread count.
func (e *Engine) SetActive(conversationID string) {
	e.mu.Lock()
	e.active = conversationID
	e.mu.Unlock()

	if conversationID == "" {
		return
	}
	if err := e.db.ClearUnread(conversationID, e.userID); err != nil {
		e.logger.Error("failed to clear unread count", zap.Error(err),
			zap.String("conversation_id", conversationID))
		return
	}
	if c, err := e.db.GetConversation(conversationID); err == nil && c != nil {
		e.bus.Publish(bus.Event{Kind: "conversation.updated", Timestamp: time.Now(), Payload: c})
	}
}

// Active returns the conversation currently marked on screen.
func (e *Engine) Active() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active
}

func (e *Engine) decide(m listener.Merge) {
	e.mu.Lock()
	mark, tracked := e.lastSeen[m.ConversationID]
	active := e.active
	e.mu.Unlock()

	if !tracked {
		return
	}

	maxTS := mark.ts
	maxKey := mark.key
	for _, msg := range m.Messages {
		ts := msg.EffectiveTS()
		if ts > maxTS || (ts == maxTS && msg.Key() != maxKey) {
			maxTS = ts
			maxKey = msg.Key()
		}

		if msg.SenderID == e.userID {
			continue
		}
		if m.ConversationID == active {
			continue
		}
		if ts < mark.ts || (ts == mark.ts && msg.Key() == mark.key) {
			// Replay of something already accounted for.
			continue
		}

		e.notifier.Notify(m.ConversationID, msg)
		e.bus.Publish(bus.Event{
			Kind:      "notification.dispatched",
			Timestamp: time.Now(),
			Payload:   Dispatched{ConversationID: m.ConversationID, MessageKey: msg.Key(), SenderID: msg.SenderID},
		})
	}

	e.mu.Lock()
	if cur, ok := e.lastSeen[m.ConversationID]; ok && maxTS >= cur.ts {
		e.lastSeen[m.ConversationID] = seenMark{ts: maxTS, key: maxKey}
	}
	e.mu.Unlock()
}

// Dispatched is the payload of a "notification.dispatched" bus event.
type Dispatched struct {
	ConversationID string
	MessageKey     string
	SenderID       string
}
