package channel

import (
	"context"
	"sync"

	"golang.org/x/time/rate"

	"github.com/myndhyve/myndhyve-relay/internal/relaytype"
)

// RateLimited wraps a Plugin so Deliver is throttled per conversation to a
// realistic per-platform send rate (WhatsApp and Signal both throttle or
// ban accounts that burst messages). It paces the start of each send but
// does not serialize them: a Deliver that outlasts the pacing interval can
// overlap the next one for the same conversation. Every other
// Plugin method passes straight through to the wrapped adapter.
type RateLimited struct {
	Plugin

	rps   float64
	burst int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewRateLimited wraps p with a per-conversation token bucket allowing rps
// messages per second, bursting up to burst.
func NewRateLimited(p Plugin, rps float64, burst int) *RateLimited {
	return &RateLimited{
		Plugin:   p,
		rps:      rps,
		burst:    burst,
		limiters: make(map[string]*rate.Limiter),
	}
}

func (r *RateLimited) limiterFor(conversationID string) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.limiters[conversationID]
	if !ok {
		l = rate.NewLimiter(rate.Limit(r.rps), r.burst)
		r.limiters[conversationID] = l
	}
	return l
}

// Deliver waits for that conversation's token bucket before delegating to
// the wrapped plugin, so a burst of queued outbound messages for one
// conversation is paced rather than fired all at once.
func (r *RateLimited) Deliver(ctx context.Context, egress relaytype.ChatEgressEnvelope) (relaytype.DeliveryResult, error) {
	if err := r.limiterFor(egress.ConversationID).Wait(ctx); err != nil {
		return relaytype.DeliveryResult{}, err
	}
	return r.Plugin.Deliver(ctx, egress)
}
