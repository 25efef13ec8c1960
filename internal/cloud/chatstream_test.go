package cloud

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{}

// serverBehavior defines how the fake cloud chat-proxy responds to one
// chat_request frame.
type serverBehavior func(conn *websocket.Conn, id string)

func startFakeChatProxy(t *testing.T, behavior serverBehavior) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		id := extractID(string(raw))
		behavior(conn, id)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/chat-proxy"
}

func extractID(raw string) string {
	const marker = `"id":"`
	i := strings.Index(raw, marker)
	if i < 0 {
		return ""
	}
	rest := raw[i+len(marker):]
	j := strings.Index(rest, `"`)
	if j < 0 {
		return ""
	}
	return rest[:j]
}

func TestStreamChatDeltasThenDone(t *testing.T) {
	url := startFakeChatProxy(t, func(conn *websocket.Conn, id string) {
		conn.WriteJSON(map[string]any{"type": "chat_event", "id": id, "delta": "Hel"})
		conn.WriteJSON(map[string]any{"type": "chat_event", "id": id, "delta": "lo"})
		conn.WriteJSON(map[string]any{"type": "chat_event", "id": id, "done": true})
	})

	client := NewStreamClient(url, &staticTokens{token: "tok"})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go client.Run(ctx)

	waitConnected(t, client)

	var final Event
	for ev := range iterate(client.StreamChat(ctx, "conv1", "hi")) {
		final = ev
	}
	if final.Content != "Hello" {
		t.Fatalf("final content = %q, want %q", final.Content, "Hello")
	}
}

func TestStreamChatEOFWithoutDoneFallsBackToDeltas(t *testing.T) {
	url := startFakeChatProxy(t, func(conn *websocket.Conn, id string) {
		conn.WriteJSON(map[string]any{"type": "chat_event", "id": id, "delta": "A"})
		conn.WriteJSON(map[string]any{"type": "chat_event", "id": id, "delta": "B"})
		conn.Close() // EOF without a done event — testable scenario S7
	})

	client := NewStreamClient(url, &staticTokens{token: "tok"})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go client.Run(ctx)

	waitConnected(t, client)

	var final Event
	for ev := range iterate(client.StreamChat(ctx, "conv1", "hi")) {
		final = ev
	}
	if final.Content != "AB" {
		t.Fatalf("final content = %q, want %q", final.Content, "AB")
	}
}

func TestStreamChatServerErrorStopsIteration(t *testing.T) {
	url := startFakeChatProxy(t, func(conn *websocket.Conn, id string) {
		conn.WriteJSON(map[string]any{"type": "error", "id": id, "error": "blocked by policy"})
	})

	client := NewStreamClient(url, &staticTokens{token: "tok"})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go client.Run(ctx)

	waitConnected(t, client)

	var final Event
	for ev := range iterate(client.StreamChat(ctx, "conv1", "hi")) {
		final = ev
	}
	if final.Err == nil {
		t.Fatal("expected error event")
	}
}

// waitConnected polls until the client's dial loop has established a
// connection, bounding the test's flakiness without sleeping blindly.
func waitConnected(t *testing.T, c *StreamClient) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		c.connMu.Lock()
		ok := c.conn != nil
		c.connMu.Unlock()
		if ok {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("chat-proxy client never connected")
}

// iterate adapts the iterator-style func(yield func(Event) bool) into a
// channel so range works naturally in tests.
func iterate(seq func(yield func(Event) bool)) <-chan Event {
	out := make(chan Event)
	go func() {
		defer close(out)
		seq(func(ev Event) bool {
			out <- ev
			return true
		})
	}()
	return out
}
