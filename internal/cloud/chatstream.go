package cloud

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// streamTimeout bounds a single chat-proxy stream end to end, composed with
// whatever cancellation the caller's ctx already carries (spec §4.5's
// chat-proxy contract, clause (e)).
const streamTimeout = 120 * time.Second

// Event is one parsed chat-proxy event, mirroring the server's "data:"
// line shape (spec §4.5). Fields are not exclusive: a done event, for
// example, carries both Done and the final Content.
type Event struct {
	Content string
	Delta   string
	Done    bool
	Err     error
	Status  string
	Blocked bool
}

// wireEvent is the JSON frame the cloud sends over the chat-proxy socket.
type wireEvent struct {
	Type    string `json:"type"` // "chat_event" | "error"
	ID      string `json:"id"`
	Content string `json:"content,omitempty"`
	Delta   string `json:"delta,omitempty"`
	Done    bool   `json:"done,omitempty"`
	Error   string `json:"error,omitempty"`
	Status  string `json:"status,omitempty"`
	Blocked bool   `json:"blocked,omitempty"`
}

// StreamClient maintains a persistent, reconnecting WebSocket connection to
// the cloud's chat-proxy endpoint, following the dial/reconnect/pending-map
// shape of the teacher's overseer.Client (grounded on overseer/client.go).
type StreamClient struct {
	url    string
	tokens TokenSource

	connMu sync.Mutex
	conn   *websocket.Conn

	writeMu sync.Mutex

	pending sync.Map // id (string) -> chan Event

	idSeq atomic.Int64

	reconnectDelay time.Duration
}

// NewStreamClient returns a StreamClient targeting a ws(s):// chat-proxy
// URL.
func NewStreamClient(url string, tokens TokenSource) *StreamClient {
	return &StreamClient{
		url:            url,
		tokens:         tokens,
		reconnectDelay: 5 * time.Second,
	}
}

// Run connects and reconnects until ctx is cancelled. Call it in its own
// goroutine before issuing any StreamChat calls.
func (s *StreamClient) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		if err := s.connect(ctx); err != nil && ctx.Err() == nil {
			log.Printf("cloud: chat-proxy connection lost: %v — retrying in %s", err, s.reconnectDelay)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.reconnectDelay):
		}
	}
}

func (s *StreamClient) connect(ctx context.Context) error {
	header := map[string][]string{}
	if tok := s.tokens.Token(); tok != "" {
		header["Authorization"] = []string{"Bearer " + tok}
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.url, header)
	if err != nil {
		return fmt.Errorf("dial chat-proxy %s: %w", s.url, err)
	}

	s.connMu.Lock()
	s.conn = conn
	s.connMu.Unlock()

	defer func() {
		conn.Close()
		s.connMu.Lock()
		if s.conn == conn {
			s.conn = nil
		}
		s.connMu.Unlock()

		// The connection ended without every in-flight stream seeing a
		// "done" event. Close rather than error: StreamChat treats a closed
		// channel as an unsignalled EOF and completes with whatever deltas
		// it already saw (spec's SSE-fallback behaviour, testable scenario
		// S7), rather than failing a stream that was otherwise progressing
		// normally.
		s.pending.Range(func(k, v any) bool {
			close(v.(chan Event))
			s.pending.Delete(k)
			return true
		})
	}()

	for {
		if ctx.Err() != nil {
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return nil
		}
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		s.dispatch(raw)
	}
}

func (s *StreamClient) dispatch(raw []byte) {
	var msg wireEvent
	if err := json.Unmarshal(raw, &msg); err != nil {
		log.Printf("cloud: chat-proxy: malformed event: %v", err)
		return
	}
	ch, ok := s.pending.Load(msg.ID)
	if !ok {
		return
	}

	switch msg.Type {
	case "error":
		s.pending.Delete(msg.ID)
		ch.(chan Event) <- Event{Err: fmt.Errorf("chat-proxy: %s", msg.Error)}
	default:
		ev := Event{Content: msg.Content, Delta: msg.Delta, Done: msg.Done, Status: msg.Status, Blocked: msg.Blocked}
		if msg.Done {
			s.pending.Delete(msg.ID)
		}
		ch.(chan Event) <- ev
	}
}

func (s *StreamClient) send(v any) error {
	s.connMu.Lock()
	conn := s.conn
	s.connMu.Unlock()
	if conn == nil {
		return fmt.Errorf("chat-proxy: not connected")
	}

	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, raw)
}

func (s *StreamClient) nextID() string {
	return fmt.Sprintf("c%d", s.idSeq.Add(1))
}

// StreamChat issues a chat-proxy request and returns an iterator-style
// function the caller ranges over (REDESIGN FLAGS: "Callback SSE parser" →
// iterator). Each event carries either a Delta, a final Content (falling
// back to the concatenation of seen deltas if the server never sends one —
// spec's SSE-fallback behaviour, testable scenario S7), or an Err.
//
// Cancellation is the composite of ctx, a per-call 120s timeout, and the
// underlying connection dropping.
func (s *StreamClient) StreamChat(ctx context.Context, conversationID, prompt string) func(yield func(Event) bool) {
	return func(yield func(Event) bool) {
		callCtx, cancel := context.WithTimeout(ctx, streamTimeout)
		defer cancel()

		id := s.nextID()
		ch := make(chan Event, 8)
		s.pending.Store(id, ch)
		defer s.pending.Delete(id)

		if err := s.send(map[string]any{
			"type":           "chat_request",
			"id":             id,
			"conversationId": conversationID,
			"prompt":         prompt,
		}); err != nil {
			yield(Event{Err: err})
			return
		}

		var seenDeltas string
		for {
			select {
			case ev, ok := <-ch:
				if !ok {
					yield(Event{Done: true, Content: seenDeltas})
					return
				}
				if ev.Err != nil {
					yield(ev)
					return
				}
				if ev.Delta != "" {
					seenDeltas += ev.Delta
				}
				if ev.Done && ev.Content == "" {
					ev.Content = seenDeltas
				}
				if !yield(ev) {
					return
				}
				if ev.Done {
					return
				}
			case <-callCtx.Done():
				yield(Event{Err: callCtx.Err()})
				return
			}
		}
	}
}
