package store

import (
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestMigrateAppliesOnFreshDB(t *testing.T) {
	db := testDB(t)

	// testDB already ran Migrate, so run it again to check idempotency.
	result, err := db.Migrate()
	if err != nil {
		t.Fatal(err)
	}
	if result.Changed {
		t.Error("second Migrate() should report Changed=false")
	}
	if result.Version != 2 {
		t.Errorf("version = %d, want 2 (init + outbox)", result.Version)
	}
}

func TestConversationUpsertAndList(t *testing.T) {
	db := testDB(t)

	conv := &Conversation{ID: "alice_bob", Kind: KindDirect, Participants: []string{"alice", "bob"}, LastMessageAt: 1000}
	if err := db.UpsertConversation(conv); err != nil {
		t.Fatal(err)
	}

	// Update name.
	conv.Name = "renamed"
	if err := db.UpsertConversation(conv); err != nil {
		t.Fatal(err)
	}

	convs, err := db.ListConversations(10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(convs) != 1 {
		t.Fatalf("got %d conversations, want 1", len(convs))
	}
	if convs[0].Name != "renamed" {
		t.Errorf("name = %q, want renamed", convs[0].Name)
	}
	if len(convs[0].Participants) != 2 {
		t.Errorf("participants = %v, want 2 entries", convs[0].Participants)
	}
}

func TestGetConversationMissingReturnsNil(t *testing.T) {
	db := testDB(t)

	c, err := db.GetConversation("nope")
	if err != nil {
		t.Fatal(err)
	}
	if c != nil {
		t.Errorf("expected nil for missing conversation, got %+v", c)
	}
}

// TestConversationLastMessageAtNeverRegresses covers the monotonic guard: a
// stale snapshot applied after a newer one must not pull the ordering key
// backwards.
func TestConversationLastMessageAtNeverRegresses(t *testing.T) {
	db := testDB(t)

	if err := db.UpsertConversation(&Conversation{ID: "c1", Kind: KindDirect, LastMessagePreview: "new", LastMessageAt: 5000}); err != nil {
		t.Fatal(err)
	}
	if err := db.UpsertConversation(&Conversation{ID: "c1", Kind: KindDirect, LastMessagePreview: "old", LastMessageAt: 3000}); err != nil {
		t.Fatal(err)
	}

	c, err := db.GetConversation("c1")
	if err != nil {
		t.Fatal(err)
	}
	if c.LastMessageAt != 5000 {
		t.Errorf("last_message_at = %d, want 5000 (monotonic)", c.LastMessageAt)
	}
	if c.LastMessagePreview != "new" {
		t.Errorf("preview = %q, want 'new' (follows the winning timestamp)", c.LastMessagePreview)
	}

	if err := db.ApplyConversationActivity("c1", "older still", 1000); err != nil {
		t.Fatal(err)
	}
	c, _ = db.GetConversation("c1")
	if c.LastMessageAt != 5000 || c.LastMessagePreview != "new" {
		t.Errorf("activity regressed: at=%d preview=%q", c.LastMessageAt, c.LastMessagePreview)
	}

	if err := db.ApplyConversationActivity("c1", "newest", 9000); err != nil {
		t.Fatal(err)
	}
	c, _ = db.GetConversation("c1")
	if c.LastMessageAt != 9000 || c.LastMessagePreview != "newest" {
		t.Errorf("activity did not advance: at=%d preview=%q", c.LastMessageAt, c.LastMessagePreview)
	}
}

func TestUnreadCounts(t *testing.T) {
	db := testDB(t)

	if err := db.UpsertConversation(&Conversation{ID: "c1", Kind: KindDirect}); err != nil {
		t.Fatal(err)
	}
	if err := db.SetUnreadCounts("c1", map[string]int{"alice": 3, "bob": 1}); err != nil {
		t.Fatal(err)
	}
	if err := db.ClearUnread("c1", "alice"); err != nil {
		t.Fatal(err)
	}

	c, err := db.GetConversation("c1")
	if err != nil {
		t.Fatal(err)
	}
	if c.UnreadCounts["alice"] != 0 {
		t.Errorf("alice unread = %d, want 0", c.UnreadCounts["alice"])
	}
	if c.UnreadCounts["bob"] != 1 {
		t.Errorf("bob unread = %d, want 1", c.UnreadCounts["bob"])
	}

	// Clearing a missing conversation is a no-op, not an error.
	if err := db.ClearUnread("missing", "alice"); err != nil {
		t.Fatal(err)
	}
}

// Concurrent clears for different users must not resurrect each other's
// counters: each clear is one UPDATE, never a read-modify-write.
func TestClearUnreadConcurrent(t *testing.T) {
	db := testDB(t)

	for i := 0; i < 25; i++ {
		id := fmt.Sprintf("c%d", i)
		if err := db.UpsertConversation(&Conversation{ID: id, Kind: KindDirect}); err != nil {
			t.Fatal(err)
		}
		if err := db.SetUnreadCounts(id, map[string]int{"alice": 3, "bob": 1, "carol": 5}); err != nil {
			t.Fatal(err)
		}

		var wg sync.WaitGroup
		for _, user := range []string{"alice", "bob"} {
			wg.Add(1)
			go func(u string) {
				defer wg.Done()
				if err := db.ClearUnread(id, u); err != nil {
					t.Error(err)
				}
			}(user)
		}
		wg.Wait()

		c, err := db.GetConversation(id)
		if err != nil {
			t.Fatal(err)
		}
		if c.UnreadCounts["alice"] != 0 || c.UnreadCounts["bob"] != 0 {
			t.Fatalf("%s: counts after concurrent clears = %v, want alice and bob gone", id, c.UnreadCounts)
		}
		if c.UnreadCounts["carol"] != 5 {
			t.Fatalf("%s: carol unread = %d, want 5", id, c.UnreadCounts["carol"])
		}
	}
}

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to string
		want     bool
	}{
		{StatusPending, StatusSent, true},
		{StatusSent, StatusDelivered, true},
		{StatusDelivered, StatusRead, true},
		{StatusPending, StatusRead, true},
		{StatusSent, StatusPending, false},
		{StatusRead, StatusDelivered, false},
		{StatusPending, StatusFailed, true},
		{StatusSent, StatusFailed, false},
		{StatusFailed, StatusPending, true},
		{StatusFailed, StatusSent, false},
		{StatusSent, StatusSent, true},
	}
	for _, c := range cases {
		if got := CanTransition(c.from, c.to); got != c.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", c.from, c.to, got, c.want)
		}
	}
}

func TestCreateOutgoingLeavesLastMessageAtUntouched(t *testing.T) {
	db := testDB(t)

	if err := db.UpsertConversation(&Conversation{ID: "c1", Kind: KindDirect, LastMessageAt: 4000}); err != nil {
		t.Fatal(err)
	}
	m := &Message{ConversationID: "c1", LocalID: "l1", SenderID: "alice", Body: "hello there", Status: StatusPending, CreatedAtLocal: 9999, ReadBy: []string{"alice"}}
	if err := db.CreateOutgoing(m); err != nil {
		t.Fatal(err)
	}

	c, err := db.GetConversation("c1")
	if err != nil {
		t.Fatal(err)
	}
	if c.LastMessageAt != 4000 {
		t.Errorf("last_message_at = %d, want 4000 (local clock never advances it)", c.LastMessageAt)
	}
	if c.LastMessagePreview != "hello there" {
		t.Errorf("preview = %q, want the optimistic body", c.LastMessagePreview)
	}

	pending, err := db.PendingOutbox()
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 || pending[0].LocalID != "l1" {
		t.Fatalf("pending = %+v, want one queued entry for l1", pending)
	}
}

func TestMarkMessageSentAcksEverything(t *testing.T) {
	db := testDB(t)

	if err := db.UpsertConversation(&Conversation{ID: "c1", Kind: KindDirect}); err != nil {
		t.Fatal(err)
	}
	m := &Message{ConversationID: "c1", LocalID: "l1", SenderID: "alice", Body: "hi", Status: StatusPending, CreatedAtLocal: 100}
	if err := db.CreateOutgoing(m); err != nil {
		t.Fatal(err)
	}

	if err := db.MarkMessageSent("l1", "srv-1", 7000); err != nil {
		t.Fatal(err)
	}

	got, err := db.GetMessageByLocalID("l1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusSent || got.CanonicalID != "srv-1" || got.ServerTS != 7000 {
		t.Errorf("message = %+v, want sent/srv-1/7000", got)
	}
	if got.EffectiveTS() != 7000 {
		t.Errorf("effective ts = %d, want server ts once acked", got.EffectiveTS())
	}

	c, _ := db.GetConversation("c1")
	if c.LastMessageAt != 7000 {
		t.Errorf("last_message_at = %d, want 7000 after ack", c.LastMessageAt)
	}

	pending, _ := db.PendingOutbox()
	if len(pending) != 0 {
		t.Errorf("got %d pending after ack, want 0", len(pending))
	}
}

func TestMarkMessageFailedOnlyFromPending(t *testing.T) {
	db := testDB(t)

	if err := db.UpsertConversation(&Conversation{ID: "c1", Kind: KindDirect}); err != nil {
		t.Fatal(err)
	}
	if err := db.CreateOutgoing(&Message{ConversationID: "c1", LocalID: "l1", SenderID: "alice", Body: "x", Status: StatusPending, CreatedAtLocal: 100}); err != nil {
		t.Fatal(err)
	}

	if err := db.MarkMessageFailed("l1", "network error"); err != nil {
		t.Fatal(err)
	}
	got, _ := db.GetMessageByLocalID("l1")
	if got.Status != StatusFailed {
		t.Errorf("status = %q, want failed", got.Status)
	}
	e, _ := db.GetOutbox("l1")
	if e.Status != "failed" || e.ErrorMessage != "network error" {
		t.Errorf("outbox = %+v, want failed with error message", e)
	}

	// Requeue reopens for retry.
	if err := db.RequeueMessage("l1"); err != nil {
		t.Fatal(err)
	}
	got, _ = db.GetMessageByLocalID("l1")
	if got.Status != StatusPending {
		t.Errorf("status after requeue = %q, want pending", got.Status)
	}

	// A sent message never fails retroactively.
	if err := db.MarkMessageSent("l1", "srv-1", 500); err != nil {
		t.Fatal(err)
	}
	if err := db.MarkMessageFailed("l1", "late failure"); err != nil {
		t.Fatal(err)
	}
	got, _ = db.GetMessageByLocalID("l1")
	if got.Status != StatusSent {
		t.Errorf("status = %q, want sent (failed only applies to pending)", got.Status)
	}
}

func TestAttachCanonicalIdempotent(t *testing.T) {
	db := testDB(t)

	if err := db.UpsertConversation(&Conversation{ID: "c1", Kind: KindDirect}); err != nil {
		t.Fatal(err)
	}
	if err := db.CreateOutgoing(&Message{ConversationID: "c1", LocalID: "l1", SenderID: "alice", Body: "x", Status: StatusPending, CreatedAtLocal: 100, ReadBy: []string{"alice"}}); err != nil {
		t.Fatal(err)
	}

	if err := db.AttachCanonical("l1", "srv-1", 2000, StatusSent, []string{"alice", "bob"}); err != nil {
		t.Fatal(err)
	}
	got, _ := db.GetMessageByLocalID("l1")
	if got.CanonicalID != "srv-1" || got.Status != StatusSent {
		t.Errorf("got %+v, want srv-1/sent", got)
	}
	if len(got.ReadBy) != 2 {
		t.Errorf("read_by = %v, want merged set of 2", got.ReadBy)
	}

	// Re-attaching the same canonical ID is a no-op; a different one is an error.
	if err := db.AttachCanonical("l1", "srv-1", 2000, StatusSent, nil); err != nil {
		t.Fatal(err)
	}
	if err := db.AttachCanonical("l1", "srv-2", 2000, StatusSent, nil); err == nil {
		t.Error("expected error rebinding canonical id")
	}
}

func TestListMessagesKeysetPagination(t *testing.T) {
	db := testDB(t)

	if err := db.UpsertConversation(&Conversation{ID: "c1", Kind: KindDirect}); err != nil {
		t.Fatal(err)
	}
	for i, ts := range []int64{1000, 2000, 3000} {
		m := &Message{ConversationID: "c1", CanonicalID: "srv-" + string(rune('a'+i)), SenderID: "bob", Body: "m", Status: StatusSent, ServerTS: ts, CreatedAtLocal: ts}
		if err := db.InsertRemote(m); err != nil {
			t.Fatal(err)
		}
	}
	// A pending message ordered by its local clock.
	if err := db.CreateOutgoing(&Message{ConversationID: "c1", LocalID: "l1", SenderID: "alice", Body: "p", Status: StatusPending, CreatedAtLocal: 2500}); err != nil {
		t.Fatal(err)
	}

	msgs, err := db.ListMessages("c1", 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 4 {
		t.Fatalf("got %d messages, want 4", len(msgs))
	}
	// Newest first: 3000, 2500 (pending, local clock), 2000, 1000.
	wantTS := []int64{3000, 2500, 2000, 1000}
	for i, w := range wantTS {
		if got := msgs[i].EffectiveTS(); got != w {
			t.Errorf("msgs[%d].EffectiveTS() = %d, want %d", i, got, w)
		}
	}

	// Page two: everything strictly older than the last of page one.
	page, err := db.ListMessages("c1", 2500, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(page) != 2 || page[0].EffectiveTS() != 2000 {
		t.Errorf("page = %d messages starting at %d, want 2 starting at 2000", len(page), page[0].EffectiveTS())
	}

	latest, err := db.LatestMessage("c1")
	if err != nil {
		t.Fatal(err)
	}
	if latest == nil || latest.EffectiveTS() != 3000 {
		t.Errorf("latest = %+v, want the 3000 message", latest)
	}
}

// A server timestamp ahead of the local clock must still show up in an
// unbounded listing, or LatestMessage would seed a stale mark.
func TestListMessagesSeesTimestampsAheadOfLocalClock(t *testing.T) {
	db := testDB(t)

	if err := db.UpsertConversation(&Conversation{ID: "c1", Kind: KindDirect}); err != nil {
		t.Fatal(err)
	}
	future := time.Now().Add(time.Hour).UnixMilli()
	if err := db.InsertRemote(&Message{ConversationID: "c1", CanonicalID: "srv-f", SenderID: "bob", Body: "from the future", Status: StatusSent, ServerTS: future, CreatedAtLocal: future}); err != nil {
		t.Fatal(err)
	}

	msgs, err := db.ListMessages("c1", 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1", len(msgs))
	}
	latest, err := db.LatestMessage("c1")
	if err != nil {
		t.Fatal(err)
	}
	if latest == nil || latest.ServerTS != future {
		t.Errorf("latest = %+v, want the ahead-of-clock message", latest)
	}
}

func TestCheckpointRoundTrip(t *testing.T) {
	db := testDB(t)

	v, err := db.GetCheckpoint("k")
	if err != nil {
		t.Fatal(err)
	}
	if v != "" {
		t.Errorf("unset checkpoint = %q, want empty", v)
	}

	if err := db.SetCheckpoint("k", "123"); err != nil {
		t.Fatal(err)
	}
	if err := db.SetCheckpoint("k", "456"); err != nil {
		t.Fatal(err)
	}
	v, _ = db.GetCheckpoint("k")
	if v != "456" {
		t.Errorf("checkpoint = %q, want 456", v)
	}
}
