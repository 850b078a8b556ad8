// Package listener owns one remote subscription per monitored conversation
// and merges inbound snapshot diffs into the local store under the ordering
// and dedup rules of the sync engine.
package listener

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/yohanhyunsungyi/MessageAI-sub001/internal/bus"
	"github.com/yohanhyunsungyi/MessageAI-sub001/internal/locks"
	"github.com/yohanhyunsungyi/MessageAI-sub001/internal/remote"
	"github.com/yohanhyunsungyi/MessageAI-sub001/internal/status"
	"github.com/yohanhyunsungyi/MessageAI-sub001/internal/store"
	"go.uber.org/zap"
)

// CanonicalIndex is the orchestrator's localID/canonicalID mapping consulted
// on the merge path so the engine's own echoed writes never produce a
// duplicate row.
type CanonicalIndex interface {
	CanonicalFor(localID string) (string, bool)
	LocalFor(canonicalID string) (string, bool)
	Record(localID, canonicalID string)
}

// Merge is the payload of a "merge.applied" bus event: the messages newly
// inserted by one diff, in delivery order. Echo fill-ins and status updates
// are not included; they surface as "message.updated" events.
type Merge struct {
	ConversationID string
	Messages       []store.Message
}

// Backoff configures subscription retry delays.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

func (b *Backoff) defaults() {
	if b.Base == 0 {
		b.Base = time.Second
	}
	if b.Max == 0 {
		b.Max = 30 * time.Second
	}
}

// Manager maintains the monitored-conversation registry with reference
// counting, decoupled from any presentation lifecycle.
type Manager struct {
	db      *store.DB
	remote  remote.Store
	bus     *bus.Bus
	locks   *locks.Keyed
	machine *status.Machine
	ids     CanonicalIndex
	logger  *zap.Logger
	backoff Backoff

	mu       sync.Mutex
	watchers map[string]*watcher
}

type watcher struct {
	refs   int
	cancel context.CancelFunc
	done   chan struct{}
}

// NewManager creates a listener manager.
func NewManager(db *store.DB, r remote.Store, b *bus.Bus, kl *locks.Keyed, machine *status.Machine, ids CanonicalIndex, backoff Backoff, logger *zap.Logger) *Manager {
	backoff.defaults()
	return &Manager{
		db:       db,
		remote:   r,
		bus:      b,
		locks:    kl,
		machine:  machine,
		ids:      ids,
		logger:   logger,
		backoff:  backoff,
		watchers: make(map[string]*watcher),
	}
}

// StartMonitoring opens a subscription for the conversation. Calling it for
// an already-monitored ID only bumps the reference count.
func (m *Manager) StartMonitoring(conversationID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if w, ok := m.watchers[conversationID]; ok {
		w.refs++
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	w := &watcher{refs: 1, cancel: cancel, done: make(chan struct{})}
	m.watchers[conversationID] = w
	go m.run(ctx, conversationID, w)
}

// StopMonitoring drops one reference; at zero the subscription resource is
// released immediately. Safe to call when nothing is monitored. An in-flight
// merge completes but the watcher never resubscribes.
func (m *Manager) StopMonitoring(conversationID string) {
	m.mu.Lock()
	w, ok := m.watchers[conversationID]
	if ok {
		w.refs--
		if w.refs > 0 {
			m.mu.Unlock()
			return
		}
		delete(m.watchers, conversationID)
	}
	m.mu.Unlock()
	if ok {
		w.cancel()
	}
}

// StopAll releases every subscription.
func (m *Manager) StopAll() {
	m.mu.Lock()
	ws := m.watchers
	m.watchers = make(map[string]*watcher)
	m.mu.Unlock()
	for _, w := range ws {
		w.cancel()
	}
	for _, w := range ws {
		<-w.done
	}
}

// Monitoring reports whether a conversation currently has a watcher.
func (m *Manager) Monitoring(conversationID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.watchers[conversationID]
	return ok
}

// run holds the subscription for one conversation, retrying with capped
// exponential backoff. A failing subscription degrades connectivity status
// but never touches sibling subscriptions.
func (m *Manager) run(ctx context.Context, conversationID string, w *watcher) {
	defer close(w.done)
	delay := m.backoff.Base

	for {
		if ctx.Err() != nil {
			return
		}
		sub, err := m.remote.Subscribe(ctx, conversationID)
		if err != nil {
			m.logger.Warn("subscribe failed",
				zap.String("conversation_id", conversationID), zap.Error(err))
			m.degrade()
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return
			}
			delay *= 2
			if delay > m.backoff.Max {
				delay = m.backoff.Max
			}
			continue
		}

		delay = m.backoff.Base
		m.recover()

	read:
		for {
			select {
			case diff, ok := <-sub.Diffs():
				if !ok {
					sub.Close()
					if ctx.Err() != nil {
						return
					}
					m.degrade()
					break read
				}
				m.apply(conversationID, diff)
			case <-ctx.Done():
				sub.Close()
				return
			}
		}
	}
}

func (m *Manager) degrade() {
	if m.machine != nil {
		_ = m.machine.Transition(status.Degraded)
	}
}

func (m *Manager) recover() {
	if m.machine != nil && m.machine.Current() == status.Degraded {
		_ = m.machine.Transition(status.Ready)
	}
}

// apply merges one diff inside the conversation's critical section. Merges
// for the same conversation never interleave; merges for different
// conversations proceed concurrently.
func (m *Manager) apply(conversationID string, d remote.Diff) {
	m.locks.Lock(conversationID)

	var fresh []store.Message
	var maxTS int64
	var lastBody string

	for _, rm := range d.Messages {
		merged, isNew := m.mergeOne(conversationID, rm)
		if merged == nil {
			continue
		}
		if isNew {
			fresh = append(fresh, *merged)
		}
		if merged.ServerTS > maxTS {
			maxTS = merged.ServerTS
			lastBody = merged.Body
		}
	}

	if maxTS > 0 {
		if err := m.db.ApplyConversationActivity(conversationID, store.Truncate(lastBody, 100), maxTS); err != nil {
			m.logger.Error("failed to advance conversation activity", zap.Error(err),
				zap.String("conversation_id", conversationID))
		}
		if err := m.db.SetCheckpoint("listener.last_ts."+conversationID, strconv.FormatInt(maxTS, 10)); err != nil {
			m.logger.Error("failed to record checkpoint", zap.Error(err))
		}
	}

	if d.Conversation != nil {
		m.applyConversation(conversationID, d.Conversation)
	}

	m.locks.Unlock(conversationID)

	if maxTS > 0 || d.Conversation != nil {
		if c, err := m.db.GetConversation(conversationID); err == nil && c != nil {
			m.bus.Publish(bus.Event{Kind: "conversation.updated", Timestamp: time.Now(), Payload: c})
		}
	}
	if len(fresh) > 0 {
		m.bus.Publish(bus.Event{
			Kind:      "merge.applied",
			Timestamp: time.Now(),
			Payload:   Merge{ConversationID: conversationID, Messages: fresh},
		})
	}
	for _, t := range d.Typing {
		m.bus.Publish(bus.Event{Kind: "presence.typing", Timestamp: time.Now(), Payload: t})
	}
}

// mergeOne applies a single incoming message under the dedup rules:
// canonical ID first, then the correlation local ID (the engine's own echo),
// then insert. Returns the stored row and whether it is a new insert.
func (m *Manager) mergeOne(conversationID string, rm remote.Message) (*store.Message, bool) {
	if rm.CanonicalID != "" {
		cur, err := m.db.GetMessageByCanonicalID(conversationID, rm.CanonicalID)
		if err != nil {
			m.logger.Error("merge lookup failed", zap.Error(err))
			return nil, false
		}
		if cur != nil {
			return m.resolveConflict(cur, rm), false
		}
	}

	// The echo of this client's own write: bind the canonical identity to
	// the existing optimistic row instead of creating a duplicate.
	localID := rm.LocalID
	if localID == "" && rm.CanonicalID != "" && m.ids != nil {
		if l, ok := m.ids.LocalFor(rm.CanonicalID); ok {
			localID = l
		}
	}
	if localID != "" {
		cur, err := m.db.GetMessageByLocalID(localID)
		if err != nil {
			m.logger.Error("merge lookup failed", zap.Error(err))
			return nil, false
		}
		if cur != nil {
			st := deriveStatus(rm)
			if err := m.db.AttachCanonical(localID, rm.CanonicalID, rm.ServerTS, st, rm.ReadBy); err != nil {
				m.logger.Error("failed to attach canonical id", zap.Error(err),
					zap.String("local_id", localID))
				return nil, false
			}
			if m.ids != nil {
				m.ids.Record(localID, rm.CanonicalID)
			}
			updated, _ := m.db.GetMessageByLocalID(localID)
			if updated != nil {
				m.publishMessage("message.updated", updated)
			}
			return updated, false
		}
	}

	nm := &store.Message{
		ConversationID: conversationID,
		LocalID:        rm.LocalID,
		CanonicalID:    rm.CanonicalID,
		SenderID:       rm.SenderID,
		Body:           rm.Body,
		Status:         deriveStatus(rm),
		CreatedAtLocal: rm.ServerTS,
		ServerTS:       rm.ServerTS,
		ReadBy:         rm.ReadBy,
	}
	if err := m.db.InsertRemote(nm); err != nil {
		m.logger.Error("failed to insert remote message", zap.Error(err),
			zap.String("canonical_id", rm.CanonicalID))
		return nil, false
	}
	m.publishMessage("message.appended", nm)
	return nm, true
}

// resolveConflict applies the tie-break for concurrent updates to the same
// canonical message: the later server timestamp wins; equal timestamps favor
// the update with a superset readBy. Losing updates are discarded silently
// toward the caller (informational only).
func (m *Manager) resolveConflict(cur *store.Message, rm remote.Message) *store.Message {
	if rm.ServerTS < cur.ServerTS {
		m.logger.Debug("conflict ignored: older server timestamp",
			zap.String("canonical_id", cur.CanonicalID),
			zap.Int64("incoming_ts", rm.ServerTS), zap.Int64("stored_ts", cur.ServerTS))
		return cur
	}
	if rm.ServerTS == cur.ServerTS && !isSuperset(rm.ReadBy, cur.ReadBy) {
		m.logger.Debug("conflict ignored: no readBy progress",
			zap.String("canonical_id", cur.CanonicalID))
		return cur
	}

	st := deriveStatus(rm)
	if !store.CanTransition(cur.Status, st) {
		st = cur.Status
	}
	readBy := unionStrings(cur.ReadBy, rm.ReadBy)
	if err := m.db.UpdateRemoteState(cur.ID, st, rm.ServerTS, readBy); err != nil {
		m.logger.Error("failed to update message state", zap.Error(err))
		return cur
	}
	cur.Status = st
	cur.ServerTS = rm.ServerTS
	cur.ReadBy = readBy
	m.publishMessage("message.updated", cur)
	return cur
}

// applyConversation updates conversation-level fields only when the incoming
// snapshot is not older than the stored one. Must be called with the
// conversation lock held.
func (m *Manager) applyConversation(conversationID string, rc *remote.Conversation) {
	cur, err := m.db.GetConversation(conversationID)
	if err != nil {
		m.logger.Error("conversation lookup failed", zap.Error(err))
		return
	}
	if cur != nil && rc.LastMessageAt < cur.LastMessageAt {
		m.logger.Debug("conversation snapshot ignored: older than stored",
			zap.String("conversation_id", conversationID))
		return
	}

	c := &store.Conversation{
		ID:            rc.ID,
		Kind:          rc.Kind,
		Name:          rc.Name,
		Participants:  rc.Participants,
		LastMessageAt: rc.LastMessageAt,
		UnreadCounts:  rc.UnreadCounts,
	}
	if cur != nil {
		if c.Kind == "" {
			c.Kind = cur.Kind
		}
		if c.Name == "" {
			c.Name = cur.Name
		}
		if len(c.Participants) == 0 {
			c.Participants = cur.Participants
		}
		c.LastMessagePreview = cur.LastMessagePreview
	}
	if err := m.db.UpsertConversation(c); err != nil {
		m.logger.Error("failed to upsert conversation", zap.Error(err))
	}
}

func (m *Manager) publishMessage(kind string, msg *store.Message) {
	m.bus.Publish(bus.Event{Kind: kind, Timestamp: time.Now(), Payload: msg})
}

// deriveStatus maps a remote document to a local status: sent at minimum,
// read when anyone besides the sender appears in readBy, delivered/read when
// the document carries it explicitly.
func deriveStatus(rm remote.Message) string {
	if rm.Status == store.StatusDelivered || rm.Status == store.StatusRead {
		return rm.Status
	}
	for _, u := range rm.ReadBy {
		if u != rm.SenderID {
			return store.StatusRead
		}
	}
	return store.StatusSent
}

func isSuperset(super, sub []string) bool {
	set := make(map[string]bool, len(super))
	for _, s := range super {
		set[s] = true
	}
	for _, s := range sub {
		if !set[s] {
			return false
		}
	}
	return true
}

func unionStrings(a, b []string) []string {
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
