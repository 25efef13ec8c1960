package supervisor

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/myndhyve/myndhyve-relay/internal/channel"
	"github.com/myndhyve/myndhyve-relay/internal/clock"
	"github.com/myndhyve/myndhyve-relay/internal/cloud"
	"github.com/myndhyve/myndhyve-relay/internal/relayerr"
)

// HeartbeatClient is the cloud RPC surface the heartbeat loop needs.
type HeartbeatClient interface {
	Heartbeat(ctx context.Context, relayID string, req cloud.HeartbeatRequest) (cloud.HeartbeatResponse, error)
	RefreshTokenIfNeeded(ctx context.Context, leadTime time.Duration) error
}

// tokenRefreshLead is how far ahead of device-token expiry the heartbeat
// loop proactively refreshes, instead of waiting for a reactive 401 (spec
// §4.5).
const tokenRefreshLead = 5 * time.Minute

// startHeartbeatLoop fires immediately, then on every intervalSeconds tick
// reports presence and adopts any server-controlled interval override
// (spec §4.3). It returns only when ctx cancels. onOnline is invoked after
// the loop's first successful (2xx) heartbeat, so the reconnect loop can
// reset its backoff attempt counter and transition to Online. onHeartbeatOK
// is invoked after *every* successful heartbeat (not just the first) so
// the caller can extend its no-heartbeat watchdog deadline (spec §4.1: the
// 30-minute watchdog only makes sense as a timer that resets on a healthy
// connection, not a one-shot deadline from connection start).
func startHeartbeatLoop(
	ctx context.Context,
	client HeartbeatClient,
	relayID string,
	intervalSeconds int,
	getStatus func() channel.Status,
	startedAt time.Time,
	onOnline func(),
	onHeartbeatOK func(),
) error {
	interval := time.Duration(intervalSeconds) * time.Second
	if interval <= 0 {
		interval = 30 * time.Second
	}

	reportedOnline := false

	for {
		if err := client.RefreshTokenIfNeeded(ctx, tokenRefreshLead); err != nil {
			log.Printf("supervisor/heartbeat: proactive token refresh failed: %v", err)
		}

		req := cloud.HeartbeatRequest{
			PlatformStatus: string(getStatus()),
			UptimeSeconds:  int64(time.Since(startedAt).Seconds()),
		}

		resp, err := client.Heartbeat(ctx, relayID, req)
		if err != nil {
			log.Printf("supervisor/heartbeat: %v", err)
			var ce *relayerr.CloudError
			if errors.As(err, &ce) && ce.Code == relayerr.CodeRateLimited && ce.RetryAfter > 0 {
				// Honor the server's requested delay before the next
				// attempt instead of retrying at the usual interval
				// (spec §4.5's "honor retryAfter if present").
				if serr := clock.Sleep(ctx, time.Duration(ce.RetryAfter)*time.Second); serr != nil {
					return nil
				}
				continue
			}
		} else {
			if resp.HeartbeatIntervalSeconds > 0 {
				interval = time.Duration(resp.HeartbeatIntervalSeconds) * time.Second
			}
			if onHeartbeatOK != nil {
				onHeartbeatOK()
			}
			if !reportedOnline {
				reportedOnline = true
				if onOnline != nil {
					onOnline()
				}
			}
		}

		if err := clock.Sleep(ctx, interval); err != nil {
			return nil
		}
	}
}
