// Package syncer drives the local-first write path: optimistic local commit,
// synchronous UI event, background remote write, reconciliation of the ack.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/yohanhyunsungyi/MessageAI-sub001/internal/bus"
	"github.com/yohanhyunsungyi/MessageAI-sub001/internal/locks"
	"github.com/yohanhyunsungyi/MessageAI-sub001/internal/remote"
	"github.com/yohanhyunsungyi/MessageAI-sub001/internal/store"
	"go.uber.org/zap"
)

var (
	// ErrConversationNotFound is returned when sending into an unknown
	// conversation.
	ErrConversationNotFound = errors.New("conversation not found")
	// ErrUnknownMessage is returned by Retry for a local ID with no record.
	ErrUnknownMessage = errors.New("unknown local message id")
)

const queueDepth = 128

// Orchestrator owns the outgoing message pipeline. Sends for one
// conversation are delivered in call order through a per-conversation FIFO;
// different conversations deliver in parallel. It is the only writer of
// message status and canonical IDs on the outbound path.
type Orchestrator struct {
	db     *store.DB
	remote remote.Store
	bus    *bus.Bus
	locks  *locks.Keyed
	logger *zap.Logger
	userID string

	mu               sync.Mutex
	queues           map[string]chan string // conversationID -> localID FIFO
	localToCanonical map[string]string
	canonicalToLocal map[string]string
	ctx              context.Context
	cancel           context.CancelFunc
	wg               sync.WaitGroup
}

// New creates an orchestrator. Call Start before sending.
func New(db *store.DB, r remote.Store, b *bus.Bus, kl *locks.Keyed, userID string, logger *zap.Logger) *Orchestrator {
	return &Orchestrator{
		db:               db,
		remote:           r,
		bus:              b,
		locks:            kl,
		logger:           logger,
		userID:           userID,
		queues:           make(map[string]chan string),
		localToCanonical: make(map[string]string),
		canonicalToLocal: make(map[string]string),
	}
}

// Start begins background delivery.
func (o *Orchestrator) Start(ctx context.Context) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.cancel != nil {
		return
	}
	o.ctx, o.cancel = context.WithCancel(ctx)
	for convID, q := range o.queues {
		o.spawnWorker(convID, q)
	}
}

// Stop halts delivery. In-flight remote writes run to completion or failure;
// queued entries stay in the outbox and are re-dispatched by DrainPending on
// the next start.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	cancel := o.cancel
	o.cancel = nil
	o.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	o.wg.Wait()
}

// Send commits the message locally and returns as soon as the optimistic row
// and the "message appended" event are out; the remote write happens in the
// background. A local-store failure aborts the send: the optimistic-UI
// contract is void if the local commit cannot succeed.
func (o *Orchestrator) Send(_ context.Context, conversationID, text string) (string, error) {
	conv, err := o.db.GetConversation(conversationID)
	if err != nil {
		return "", err
	}
	if conv == nil {
		return "", fmt.Errorf("%w: %s", ErrConversationNotFound, conversationID)
	}

	localID := uuid.NewString()
	m := &store.Message{
		ConversationID: conversationID,
		LocalID:        localID,
		SenderID:       o.userID,
		Body:           text,
		Status:         store.StatusPending,
		CreatedAtLocal: time.Now().UnixMilli(),
		ReadBy:         []string{o.userID},
	}

	o.locks.Lock(conversationID)
	err = o.db.CreateOutgoing(m)
	o.locks.Unlock(conversationID)
	if err != nil {
		return "", err
	}

	// Synchronous UI events: read-your-own-write before any suspension.
	o.publish("message.appended", m)
	o.publishConversation(conversationID)

	o.enqueue(conversationID, localID)
	return localID, nil
}

// Retry re-runs the remote write for a failed message from its existing
// record.
func (o *Orchestrator) Retry(_ context.Context, localID string) error {
	e, err := o.db.GetOutbox(localID)
	if err != nil {
		return err
	}
	if e == nil {
		return fmt.Errorf("%w: %s", ErrUnknownMessage, localID)
	}
	if e.Status == "sent" {
		return nil
	}

	o.locks.Lock(e.ConversationID)
	err = o.db.RequeueMessage(localID)
	o.locks.Unlock(e.ConversationID)
	if err != nil {
		return err
	}

	if m, err := o.db.GetMessageByLocalID(localID); err == nil && m != nil {
		o.publish("message.updated", m)
	}
	o.enqueue(e.ConversationID, localID)
	return nil
}

// DrainPending re-dispatches outbox entries left queued or mid-send by a
// previous run.
func (o *Orchestrator) DrainPending() error {
	pending, err := o.db.PendingOutbox()
	if err != nil {
		return err
	}
	for _, e := range pending {
		o.enqueue(e.ConversationID, e.LocalID)
	}
	if len(pending) > 0 {
		o.logger.Info("outbox drained", zap.Int("entries", len(pending)))
	}
	return nil
}

// CanonicalFor returns the canonical ID acked for a local ID, if any.
// Callers on the merge path hold the conversation lock, which is the same
// lock the ack path holds while recording.
func (o *Orchestrator) CanonicalFor(localID string) (string, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	c, ok := o.localToCanonical[localID]
	return c, ok
}

// LocalFor returns the local ID behind a canonical ID, if this client
// originated the message.
func (o *Orchestrator) LocalFor(canonicalID string) (string, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	l, ok := o.canonicalToLocal[canonicalID]
	return l, ok
}

// Record binds a local ID to its canonical ID. Idempotent; the listener
// calls it when the subscription echo arrives before the direct ack.
func (o *Orchestrator) Record(localID, canonicalID string) {
	if localID == "" || canonicalID == "" {
		return
	}
	o.mu.Lock()
	o.localToCanonical[localID] = canonicalID
	o.canonicalToLocal[canonicalID] = localID
	o.mu.Unlock()
}

func (o *Orchestrator) enqueue(conversationID, localID string) {
	o.mu.Lock()
	q, ok := o.queues[conversationID]
	if !ok {
		q = make(chan string, queueDepth)
		o.queues[conversationID] = q
		if o.cancel != nil {
			o.spawnWorker(conversationID, q)
		}
	}
	o.mu.Unlock()

	select {
	case q <- localID:
	default:
		o.logger.Warn("send queue full, delivery deferred to next drain",
			zap.String("conversation_id", conversationID), zap.String("local_id", localID))
	}
}

// spawnWorker must be called with o.mu held.
func (o *Orchestrator) spawnWorker(conversationID string, q chan string) {
	ctx := o.ctx
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		for {
			select {
			case localID := <-q:
				o.deliver(ctx, conversationID, localID)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// deliver performs one remote write and reconciles the result locally.
func (o *Orchestrator) deliver(ctx context.Context, conversationID, localID string) {
	e, err := o.db.GetOutbox(localID)
	if err != nil || e == nil || e.Status == "sent" || e.Status == "failed" {
		return
	}
	if err := o.db.MarkOutboxSending(localID); err != nil {
		o.logger.Error("failed to mark sending", zap.Error(err), zap.String("local_id", localID))
		return
	}

	ack, err := o.remote.WriteMessage(ctx, remote.Message{
		LocalID:        localID,
		ConversationID: conversationID,
		SenderID:       o.userID,
		Body:           e.Body,
	})
	if err != nil {
		// Absorbed into status=failed; the optimistic commit already
		// succeeded, so nothing is thrown at the UI layer.
		o.logger.Warn("remote write failed", zap.Error(err), zap.String("local_id", localID))
		o.locks.Lock(conversationID)
		ferr := o.db.MarkMessageFailed(localID, err.Error())
		o.locks.Unlock(conversationID)
		if ferr != nil {
			o.logger.Error("failed to record send failure", zap.Error(ferr), zap.String("local_id", localID))
			return
		}
		if m, err := o.db.GetMessageByLocalID(localID); err == nil && m != nil {
			o.publish("message.updated", m)
		}
		return
	}

	o.locks.Lock(conversationID)
	o.Record(localID, ack.CanonicalID)
	serr := o.db.MarkMessageSent(localID, ack.CanonicalID, ack.ServerTS)
	o.locks.Unlock(conversationID)
	if serr != nil {
		o.logger.Error("failed to record ack", zap.Error(serr), zap.String("local_id", localID))
		return
	}

	o.logger.Info("message sent",
		zap.String("local_id", localID), zap.String("canonical_id", ack.CanonicalID))
	if m, err := o.db.GetMessageByLocalID(localID); err == nil && m != nil {
		o.publish("message.updated", m)
	}
	o.publishConversation(conversationID)
}

func (o *Orchestrator) publish(kind string, m *store.Message) {
	o.bus.Publish(bus.Event{Kind: kind, Timestamp: time.Now(), Payload: m})
}

func (o *Orchestrator) publishConversation(conversationID string) {
	if c, err := o.db.GetConversation(conversationID); err == nil && c != nil {
		o.bus.Publish(bus.Event{Kind: "conversation.updated", Timestamp: time.Now(), Payload: c})
	}
}
