package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/myndhyve/myndhyve-relay/internal/clock"
	"github.com/myndhyve/myndhyve-relay/internal/cloud"
	"github.com/myndhyve/myndhyve-relay/internal/relayerr"
	"github.com/myndhyve/myndhyve-relay/internal/relaytype"
)

// OutboundClient is the cloud RPC surface the outbound poller needs.
type OutboundClient interface {
	PollOutbound(ctx context.Context, relayID string, maxPerPoll int) (cloud.PollOutboundResponse, error)
	AckOutbound(ctx context.Context, relayID string, req cloud.AckOutboundRequest) error
}

// Deliverer matches channel.Plugin's Deliver method — kept as its own
// interface so the poller doesn't need the rest of channel.Plugin.
type Deliverer interface {
	Deliver(ctx context.Context, egress relaytype.ChatEgressEnvelope) (relaytype.DeliveryResult, error)
}

// startOutboundPoller fetches and delivers queued outbound messages with
// at-most-once semantics (spec §4.4). It returns when ctx cancels, or
// immediately with a DEVICE_TOKEN_EXPIRED error, which the supervisor
// treats as fatal (logged-out).
func startOutboundPoller(
	ctx context.Context,
	client OutboundClient,
	relayID string,
	pollIntervalSeconds, maxPerPoll int,
	deliver Deliverer,
) error {
	interval := time.Duration(pollIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = 5 * time.Second
	}

	delivered := relaytype.NewDeliveredIds()

	for {
		resp, err := client.PollOutbound(ctx, relayID, maxPerPoll)
		if err != nil {
			if relayerr.IsDeviceTokenExpired(err) {
				return err
			}
			log.Printf("supervisor/outbound: poll: %v", err)
			var ce *relayerr.CloudError
			if errors.As(err, &ce) && ce.Code == relayerr.CodeRateLimited && ce.RetryAfter > 0 {
				// Honor the server's requested delay before the next
				// poll instead of retrying at the usual interval (spec
				// §4.5's "honor retryAfter if present").
				if serr := clock.Sleep(ctx, time.Duration(ce.RetryAfter)*time.Second); serr != nil {
					return nil
				}
				continue
			}
		} else {
			if maxPerPoll > 0 && len(resp.Messages) > maxPerPoll {
				log.Printf("supervisor/outbound: server returned %d messages, exceeding maxPerPoll=%d", len(resp.Messages), maxPerPoll)
			}
			for _, msg := range resp.Messages {
				processOne(ctx, client, relayID, msg, delivered, deliver)
			}
		}

		if err := clock.Sleep(ctx, interval); err != nil {
			return nil
		}
	}
}

// processOne implements spec §4.4's per-message steps 1-5.
func processOne(
	ctx context.Context,
	client OutboundClient,
	relayID string,
	msg relaytype.OutboundMessage,
	delivered *relaytype.DeliveredIds,
	deliver Deliverer,
) {
	if delivered.Contains(msg.ID) {
		log.Printf("supervisor/outbound: %s already delivered, re-acking without redelivery", msg.ID)
		ackBestEffort(ctx, client, relayID, msg.ID, relaytype.DeliveryResult{Success: true, DurationMs: 0})
		return
	}

	t0 := time.Now()
	result, err := deliverSafely(ctx, deliver, msg.Envelope)
	durationMs := time.Since(t0).Milliseconds()

	if err != nil {
		ackBestEffort(ctx, client, relayID, msg.ID, relaytype.DeliveryResult{
			Success:    false,
			Error:      err.Error(),
			Retryable:  true,
			DurationMs: durationMs,
		})
		return
	}

	result.DurationMs = durationMs
	if result.Success {
		delivered.Add(msg.ID)
	}
	ackBestEffort(ctx, client, relayID, msg.ID, result)
}

// deliverSafely recovers a panicking Deliverer the way an adapter
// "throwing" would in the original control flow, so one bad plugin call
// can't take down the poller loop.
func deliverSafely(ctx context.Context, deliver Deliverer, egress relaytype.ChatEgressEnvelope) (result relaytype.DeliveryResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = panicToError(r)
		}
	}()
	return deliver.Deliver(ctx, egress)
}

func panicToError(r any) error {
	if err, ok := r.(error); ok {
		return fmt.Errorf("deliver panicked: %w", err)
	}
	return fmt.Errorf("deliver panicked: %v", r)
}

func ackBestEffort(ctx context.Context, client OutboundClient, relayID, msgID string, result relaytype.DeliveryResult) {
	err := client.AckOutbound(ctx, relayID, cloud.AckOutboundRequest{MessageID: msgID, Result: result})
	if err != nil {
		log.Printf("supervisor/outbound: ack %s failed (server may return it on a later poll): %v", msgID, err)
	}
}
