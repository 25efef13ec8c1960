package channel

import (
	"context"
	"testing"
	"time"

	"github.com/myndhyve/myndhyve-relay/internal/relaytype"
)

type countingPlugin struct {
	fakePlugin
	delivers int
}

type fakePlugin struct{}

func (fakePlugin) Channel() relaytype.Channel   { return relaytype.ChannelSignal }
func (fakePlugin) DisplayName() string          { return "fake" }
func (fakePlugin) IsSupported() bool            { return true }
func (fakePlugin) UnsupportedReason() string    { return "" }
func (fakePlugin) Login(ctx context.Context) error { return nil }
func (fakePlugin) IsAuthenticated() bool        { return true }
func (fakePlugin) Start(ctx context.Context, onInbound InboundHandler) error { return nil }
func (fakePlugin) GetStatus() Status            { return StatusConnected }
func (fakePlugin) Logout(ctx context.Context) error { return nil }

func (p *countingPlugin) Deliver(ctx context.Context, egress relaytype.ChatEgressEnvelope) (relaytype.DeliveryResult, error) {
	p.delivers++
	return relaytype.DeliveryResult{Success: true}, nil
}

func TestRateLimitedDeliverPacesPerConversation(t *testing.T) {
	inner := &countingPlugin{}
	limited := NewRateLimited(inner, 5, 1)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	start := time.Now()
	for i := 0; i < 3; i++ {
		if _, err := limited.Deliver(ctx, relaytype.ChatEgressEnvelope{ConversationID: "c1"}); err != nil {
			t.Fatalf("delivery %d failed: %v", i, err)
		}
	}
	if inner.delivers != 3 {
		t.Fatalf("expected 3 delivers, got %d", inner.delivers)
	}
	// At 5/s with a burst of 1, the 2nd and 3rd sends wait ~200ms each.
	if elapsed := time.Since(start); elapsed < 350*time.Millisecond {
		t.Fatalf("expected 3 sends to take ~400ms when paced, took %v", elapsed)
	}
}

func TestRateLimitedDeliverUsesDistinctLimiterPerConversation(t *testing.T) {
	inner := &countingPlugin{}
	limited := NewRateLimited(inner, 0.001, 1)

	ctx := context.Background()
	if _, err := limited.Deliver(ctx, relaytype.ChatEgressEnvelope{ConversationID: "a"}); err != nil {
		t.Fatal(err)
	}
	// A different conversation gets its own bucket and isn't starved by
	// the near-zero rate consumed above.
	done := make(chan struct{})
	go func() {
		limited.Deliver(ctx, relaytype.ChatEgressEnvelope{ConversationID: "b"})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected conversation b's delivery to proceed immediately on its own limiter")
	}
}

func TestRateLimitedDeliverRespectsContextCancellation(t *testing.T) {
	inner := &countingPlugin{}
	limited := NewRateLimited(inner, 0.001, 1)

	ctx := context.Background()
	if _, err := limited.Deliver(ctx, relaytype.ChatEgressEnvelope{ConversationID: "c"}); err != nil {
		t.Fatal(err)
	}

	cancelledCtx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := limited.Deliver(cancelledCtx, relaytype.ChatEgressEnvelope{ConversationID: "c"}); err == nil {
		t.Fatal("expected the exhausted bucket to block until context deadline")
	}
}
