package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/yohanhyunsungyi/MessageAI-sub001/internal/remote"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// testServer speaks the envelope protocol: acks writes, confirms
// subscriptions and lets the test push diff frames.
type testServer struct {
	*httptest.Server
	diffs chan remote.Diff
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ts := &testServer{diffs: make(chan remote.Diff, 16)}
	ts.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		ctx := r.Context()

		go func() {
			for d := range ts.diffs {
				payload, _ := json.Marshal(d)
				frame, _ := json.Marshal(Envelope{Type: "diff", Payload: payload})
				if err := conn.Write(ctx, websocket.MessageText, frame); err != nil {
					return
				}
			}
		}()

		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			var env Envelope
			if json.Unmarshal(data, &env) != nil {
				continue
			}

			var payload json.RawMessage
			switch env.Type {
			case "message.write":
				var m remote.Message
				_ = json.Unmarshal(env.Payload, &m)
				payload, _ = json.Marshal(remote.Ack{CanonicalID: "srv-" + m.LocalID, ServerTS: 4242})
			case "conversation.query":
				payload = json.RawMessage("null")
			case "subscribe", "unsubscribe":
				payload = json.RawMessage("{}")
			case "typing":
				continue // fire and forget
			default:
				payload = json.RawMessage("{}")
			}
			resp, _ := json.Marshal(Envelope{Type: "result", RequestID: env.RequestID, Payload: payload})
			if err := conn.Write(ctx, websocket.MessageText, resp); err != nil {
				return
			}
		}
	}))
	t.Cleanup(ts.Close)
	return ts
}

func dialTest(t *testing.T, srv *testServer) *Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := Dial(ctx, Config{URL: srv.URL}, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestWriteMessageRoundTrip(t *testing.T) {
	srv := newTestServer(t)
	c := dialTest(t, srv)

	ack, err := c.WriteMessage(context.Background(), remote.Message{LocalID: "l1", ConversationID: "c1", Body: "hi"})
	if err != nil {
		t.Fatal(err)
	}
	if ack.CanonicalID != "srv-l1" || ack.ServerTS != 4242 {
		t.Errorf("ack = %+v, want srv-l1/4242", ack)
	}
}

func TestQueryConversationNotFound(t *testing.T) {
	srv := newTestServer(t)
	c := dialTest(t, srv)

	conv, err := c.QueryConversation(context.Background(), "ghost")
	if err != nil {
		t.Fatal(err)
	}
	if conv != nil {
		t.Errorf("got %+v, want nil for not found", conv)
	}
}

func TestSubscribeReceivesDiffs(t *testing.T) {
	srv := newTestServer(t)
	c := dialTest(t, srv)

	sub, err := c.Subscribe(context.Background(), "c1")
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Close()

	srv.diffs <- remote.Diff{
		ConversationID: "c1",
		Messages:       []remote.Message{{CanonicalID: "srv-9", ConversationID: "c1", SenderID: "bob", Body: "pushed", ServerTS: 9000}},
	}

	select {
	case d := <-sub.Diffs():
		if len(d.Messages) != 1 || d.Messages[0].CanonicalID != "srv-9" {
			t.Errorf("diff = %+v, want the pushed message", d)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for diff")
	}
}

func TestSubscribeIsIdempotentPerConversation(t *testing.T) {
	srv := newTestServer(t)
	c := dialTest(t, srv)

	a, err := c.Subscribe(context.Background(), "c1")
	if err != nil {
		t.Fatal(err)
	}
	b, err := c.Subscribe(context.Background(), "c1")
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Error("same conversation returned distinct subscriptions")
	}
	a.Close()
}

func TestCallAfterCloseFails(t *testing.T) {
	srv := newTestServer(t)
	c := dialTest(t, srv)

	if err := c.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := c.WriteMessage(context.Background(), remote.Message{LocalID: "l1"}); err == nil {
		t.Error("WriteMessage after Close should fail")
	}
}
