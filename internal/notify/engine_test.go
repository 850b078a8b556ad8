package notify

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/yohanhyunsungyi/MessageAI-sub001/internal/bus"
	"github.com/yohanhyunsungyi/MessageAI-sub001/internal/listener"
	"github.com/yohanhyunsungyi/MessageAI-sub001/internal/store"
	"go.uber.org/zap"
)

func testDB(t *testing.T) *store.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := store.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// recorder captures notify calls.
type recorder struct {
	mu    sync.Mutex
	calls []store.Message
}

func (r *recorder) Notify(_ string, msg store.Message) {
	r.mu.Lock()
	r.calls = append(r.calls, msg)
	r.mu.Unlock()
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func newEngine(t *testing.T, db *store.DB, b *bus.Bus) (*Engine, *recorder) {
	t.Helper()
	rec := &recorder{}
	e := NewEngine(db, b, rec, "alice", zap.NewNop())
	e.Start(context.Background())
	t.Cleanup(e.Stop)
	return e, rec
}

func publishMerge(b *bus.Bus, convID string, msgs ...store.Message) {
	b.Publish(bus.Event{
		Kind:      "merge.applied",
		Timestamp: time.Now(),
		Payload:   listener.Merge{ConversationID: convID, Messages: msgs},
	})
}

func TestNotifiesForInboundMessage(t *testing.T) {
	db := testDB(t)
	b := bus.New()
	e, rec := newEngine(t, db, b)
	e.Track("c1")

	ch, unsub := b.Subscribe("notification.", 10)
	defer unsub()

	publishMerge(b, "c1", store.Message{ConversationID: "c1", CanonicalID: "srv-1", SenderID: "bob", Body: "hey", Status: store.StatusSent, ServerTS: 5000})

	select {
	case evt := <-ch:
		d := evt.Payload.(Dispatched)
		if d.ConversationID != "c1" || d.SenderID != "bob" || d.MessageKey != "srv-1" {
			t.Errorf("dispatched = %+v", d)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for notification.dispatched")
	}
	if rec.count() != 1 {
		t.Errorf("notify calls = %d, want 1", rec.count())
	}
}

func TestOwnMessagesNeverNotify(t *testing.T) {
	db := testDB(t)
	b := bus.New()
	e, rec := newEngine(t, db, b)
	e.Track("c1")

	publishMerge(b, "c1", store.Message{ConversationID: "c1", CanonicalID: "srv-1", SenderID: "alice", Body: "mine", ServerTS: 5000})
	time.Sleep(100 * time.Millisecond)

	if rec.count() != 0 {
		t.Errorf("notify calls = %d, want 0 for own message", rec.count())
	}
}

func TestActiveConversationSuppresses(t *testing.T) {
	db := testDB(t)
	b := bus.New()
	e, rec := newEngine(t, db, b)
	e.Track("c1")
	e.SetActive("c1")

	publishMerge(b, "c1", store.Message{ConversationID: "c1", CanonicalID: "srv-1", SenderID: "bob", Body: "hey", ServerTS: 5000})
	time.Sleep(100 * time.Millisecond)

	if rec.count() != 0 {
		t.Errorf("notify calls = %d, want 0 for active conversation", rec.count())
	}

	// Closing the conversation re-enables notifications.
	e.SetActive("")
	publishMerge(b, "c1", store.Message{ConversationID: "c1", CanonicalID: "srv-2", SenderID: "bob", Body: "again", ServerTS: 6000})
	time.Sleep(100 * time.Millisecond)

	if rec.count() != 1 {
		t.Errorf("notify calls = %d, want 1 after deactivation", rec.count())
	}
}

func TestUntrackedConversationStaysSilent(t *testing.T) {
	db := testDB(t)
	b := bus.New()
	_, rec := newEngine(t, db, b)

	publishMerge(b, "c1", store.Message{ConversationID: "c1", CanonicalID: "srv-1", SenderID: "bob", Body: "hey", ServerTS: 5000})
	time.Sleep(100 * time.Millisecond)

	if rec.count() != 0 {
		t.Errorf("notify calls = %d, want 0 for untracked conversation", rec.count())
	}
}

// TestFirstLoadReplayIsSilent seeds the high-water mark from the local store:
// a fresh subscription replaying already-known history must not notify, while
// genuinely new messages after the mark must.
func TestFirstLoadReplayIsSilent(t *testing.T) {
	db := testDB(t)
	b := bus.New()

	if err := db.UpsertConversation(&store.Conversation{ID: "c1", Kind: store.KindDirect}); err != nil {
		t.Fatal(err)
	}
	known := store.Message{ConversationID: "c1", CanonicalID: "srv-1", SenderID: "bob", Body: "old news", Status: store.StatusSent, ServerTS: 5000, CreatedAtLocal: 5000}
	if err := db.InsertRemote(&known); err != nil {
		t.Fatal(err)
	}

	e, rec := newEngine(t, db, b)
	e.Track("c1")

	// Replay of the known message.
	publishMerge(b, "c1", known)
	time.Sleep(100 * time.Millisecond)
	if rec.count() != 0 {
		t.Fatalf("notify calls = %d, want 0 for replayed history", rec.count())
	}

	// A genuinely new message notifies.
	publishMerge(b, "c1", store.Message{ConversationID: "c1", CanonicalID: "srv-2", SenderID: "bob", Body: "fresh", Status: store.StatusSent, ServerTS: 6000})
	time.Sleep(100 * time.Millisecond)
	if rec.count() != 1 {
		t.Errorf("notify calls = %d, want 1 for new message", rec.count())
	}

	// Untrack silences again.
	e.Untrack("c1")
	publishMerge(b, "c1", store.Message{ConversationID: "c1", CanonicalID: "srv-3", SenderID: "bob", Body: "later", ServerTS: 7000})
	time.Sleep(100 * time.Millisecond)
	if rec.count() != 1 {
		t.Errorf("notify calls = %d, want still 1 after untrack", rec.count())
	}
}

// TestTwoConversationsOneActive monitors two conversations with one active:
// the active one stays quiet, the background one notifies exactly once with
// its own message.
func TestTwoConversationsOneActive(t *testing.T) {
	db := testDB(t)
	b := bus.New()
	e, rec := newEngine(t, db, b)
	e.Track("c1")
	e.Track("c2")
	e.SetActive("c2")

	publishMerge(b, "c2", store.Message{ConversationID: "c2", CanonicalID: "srv-a", SenderID: "bob", Body: "active", ServerTS: 5000})
	publishMerge(b, "c1", store.Message{ConversationID: "c1", CanonicalID: "srv-b", SenderID: "carol", Body: "background ping", ServerTS: 5001})
	time.Sleep(100 * time.Millisecond)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.calls) != 1 {
		t.Fatalf("notify calls = %d, want exactly 1", len(rec.calls))
	}
	if rec.calls[0].ConversationID != "c1" || rec.calls[0].Body != "background ping" {
		t.Errorf("notified = %+v, want c1's message", rec.calls[0])
	}
}

// TestStopReturnsWithBackgroundContext: Stop must terminate the decision
// loop on its own. Unsubscribing from the bus only detaches the channel, it
// never closes it, so the loop cannot rely on channel close or on the start
// context being cancelled.
func TestStopReturnsWithBackgroundContext(t *testing.T) {
	db := testDB(t)
	b := bus.New()
	rec := &recorder{}
	e := NewEngine(db, b, rec, "alice", zap.NewNop())
	e.Start(context.Background())

	stopped := make(chan struct{})
	go func() {
		e.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop() did not return")
	}

	// Idempotent: a second Stop is a no-op.
	e.Stop()
}

func TestSetActiveClearsOwnUnread(t *testing.T) {
	db := testDB(t)
	b := bus.New()

	if err := db.UpsertConversation(&store.Conversation{ID: "c1", Kind: store.KindDirect, UnreadCounts: map[string]int{"alice": 4, "bob": 2}}); err != nil {
		t.Fatal(err)
	}

	e, _ := newEngine(t, db, b)

	ch, unsub := b.Subscribe("conversation.", 10)
	defer unsub()

	e.SetActive("c1")

	select {
	case evt := <-ch:
		c := evt.Payload.(*store.Conversation)
		if c.UnreadCounts["alice"] != 0 {
			t.Errorf("alice unread = %d, want 0", c.UnreadCounts["alice"])
		}
		if c.UnreadCounts["bob"] != 2 {
			t.Errorf("bob unread = %d, want 2 (only own counter clears)", c.UnreadCounts["bob"])
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for conversation.updated")
	}
}
