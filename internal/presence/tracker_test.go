package presence

import (
	"context"
	"testing"
	"time"

	"github.com/yohanhyunsungyi/MessageAI-sub001/internal/bus"
	"github.com/yohanhyunsungyi/MessageAI-sub001/internal/remote"
	"go.uber.org/zap"
)

func newTracker(t *testing.T, b *bus.Bus, mem *remote.Memory, ttl time.Duration) *Tracker {
	t.Helper()
	tr := NewTracker(b, mem, "alice", ttl, zap.NewNop())
	tr.Start(context.Background())
	t.Cleanup(tr.Stop)
	return tr
}

func publishTyping(b *bus.Bus, convID, userID string, typing bool) {
	b.Publish(bus.Event{
		Kind:      "presence.typing",
		Timestamp: time.Now(),
		Payload:   remote.TypingEvent{ConversationID: convID, UserID: userID, Typing: typing},
	})
}

func TestTypingAppearsAndExpires(t *testing.T) {
	b := bus.New()
	tr := newTracker(t, b, remote.NewMemory(), 100*time.Millisecond)

	publishTyping(b, "c1", "bob", true)
	time.Sleep(30 * time.Millisecond)

	if got := tr.Typing("c1"); len(got) != 1 || got[0] != "bob" {
		t.Fatalf("typing = %v, want [bob]", got)
	}

	// No refresh: the indicator must expire on its own.
	time.Sleep(200 * time.Millisecond)
	if got := tr.Typing("c1"); len(got) != 0 {
		t.Errorf("typing = %v, want empty after ttl", got)
	}
}

func TestTypingStopClearsImmediately(t *testing.T) {
	b := bus.New()
	tr := newTracker(t, b, remote.NewMemory(), time.Second)

	publishTyping(b, "c1", "bob", true)
	time.Sleep(30 * time.Millisecond)
	publishTyping(b, "c1", "bob", false)
	time.Sleep(30 * time.Millisecond)

	if got := tr.Typing("c1"); len(got) != 0 {
		t.Errorf("typing = %v, want empty after explicit stop", got)
	}
}

func TestTypingScopedPerConversationAndExcludesSelf(t *testing.T) {
	b := bus.New()
	tr := newTracker(t, b, remote.NewMemory(), time.Second)

	publishTyping(b, "c1", "bob", true)
	publishTyping(b, "c2", "carol", true)
	publishTyping(b, "c1", "alice", true) // self
	time.Sleep(30 * time.Millisecond)

	if got := tr.Typing("c1"); len(got) != 1 || got[0] != "bob" {
		t.Errorf("c1 typing = %v, want [bob]", got)
	}
	if got := tr.Typing("c2"); len(got) != 1 || got[0] != "carol" {
		t.Errorf("c2 typing = %v, want [carol]", got)
	}
}

func TestSetTypingPublishesRemotely(t *testing.T) {
	b := bus.New()
	mem := remote.NewMemory()
	tr := newTracker(t, b, mem, time.Second)

	sub, err := mem.Subscribe(context.Background(), "c1")
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Close()

	tr.SetTyping(context.Background(), "c1", true)

	select {
	case d := <-sub.Diffs():
		if len(d.Typing) != 1 || d.Typing[0].UserID != "alice" || !d.Typing[0].Typing {
			t.Errorf("typing diff = %+v, want alice typing", d.Typing)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for typing publish")
	}
}

func TestOnlineFlags(t *testing.T) {
	b := bus.New()
	tr := newTracker(t, b, remote.NewMemory(), time.Second)

	if tr.Online("bob") {
		t.Error("bob online before any flag")
	}
	tr.SetOnline("bob", true)
	if !tr.Online("bob") {
		t.Error("bob not online after flag")
	}
	tr.SetOnline("bob", false)
	if tr.Online("bob") {
		t.Error("bob still online after clear")
	}
}
