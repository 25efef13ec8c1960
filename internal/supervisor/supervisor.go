// Package supervisor implements the relay supervisor's reconnect state
// machine, heartbeat loop, and outbound poller (spec §4.1, §4.3, §4.4).
// It is grounded on the teacher's manager.Manager restart/backoff loop
// (manager/manager.go's OnExited → checkErrorThreshold → time.AfterFunc
// restart), generalised here from a per-subscription worker-process
// restart policy into a single adapter connection's reconnect state
// machine: States, Disconnected → Connecting → Online → Disconnected |
// FatallyFailed, replace the teacher's idle/starting/recording worker
// states, and relayerr.Classify + clock.BackoffPolicy replace the
// teacher's windowed-error-count threshold.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/myndhyve/myndhyve-relay/internal/channel"
	"github.com/myndhyve/myndhyve-relay/internal/clock"
	"github.com/myndhyve/myndhyve-relay/internal/config"
	"github.com/myndhyve/myndhyve-relay/internal/relayerr"
	"github.com/myndhyve/myndhyve-relay/internal/relaytype"
)

// State is the supervisor's coarse lifecycle state (spec §4.1).
type State string

const (
	StateDisconnected  State = "disconnected"
	StateConnecting    State = "connecting"
	StateOnline        State = "online"
	StateFatallyFailed State = "fatally-failed"
)

// IngressClient is the cloud RPC surface the ingress fan-in needs.
type IngressClient interface {
	PostIngress(ctx context.Context, relayID string, envelope relaytype.ChatIngressEnvelope) error
}

// RelayClient is the full cloud RPC surface the supervisor wires into its
// child loops.
type RelayClient interface {
	HeartbeatClient
	OutboundClient
	IngressClient
}

// Supervisor owns one channel plugin's connection lifetime (spec §4.1).
type Supervisor struct {
	cfg    config.RelayConfig
	client RelayClient
	plugin channel.Plugin

	mu        sync.Mutex
	state     State
	attempt   int
	startedAt time.Time

	// ExitCode is set once Run returns; callers read it after Run exits to
	// pick the process exit code (spec §6).
	ExitCode int
	// FatalErr is set when Run stops due to a fatal classification.
	FatalErr error
}

// New constructs a Supervisor for the given plugin and cloud client.
func New(cfg config.RelayConfig, client RelayClient, plugin channel.Plugin) *Supervisor {
	return &Supervisor{
		cfg:    cfg,
		client: client,
		plugin: plugin,
		state:  StateDisconnected,
	}
}

// GetState returns the supervisor's current lifecycle state.
func (s *Supervisor) GetState() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Supervisor) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// Run resolves the plugin's support and enters the reconnect loop,
// returning when rootCtx cancels or a fatal classified error occurs
// (spec §4.1's run(rootCtx)). Exit code 4 per spec §6 if the plugin
// reports unsupported.
func (s *Supervisor) Run(rootCtx context.Context) error {
	if !s.plugin.IsSupported() {
		s.ExitCode = 4
		return fmt.Errorf("%s: %s", s.plugin.DisplayName(), s.plugin.UnsupportedReason())
	}

	s.startedAt = time.Now()

	for {
		select {
		case <-rootCtx.Done():
			s.setState(StateDisconnected)
			return nil
		default:
		}

		s.setState(StateConnecting)
		err := s.runOnce(rootCtx)

		if rootCtx.Err() != nil {
			s.setState(StateDisconnected)
			return nil
		}

		// DEVICE_TOKEN_EXPIRED surfaces from the outbound poller as a bare
		// *relayerr.CloudError, not a *ChannelError, so Classify's heuristic
		// wouldn't otherwise catch it; spec §7 treats it the same as a
		// platform logged-out error.
		fatal := relayerr.IsDeviceTokenExpired(err)
		class := relayerr.Classify(err)
		if fatal || class.Fatal() {
			// logged-out / replaced are the two fatal classifications
			// (spec §7); both exit UNAUTHORIZED.
			s.setState(StateFatallyFailed)
			s.FatalErr = err
			s.ExitCode = 4
			log.Printf("supervisor: fatal (%s): %v", class, err)
			return err
		}

		if max := s.cfg.Reconnect.MaxAttempts; max > 0 && s.attempt >= max {
			s.setState(StateFatallyFailed)
			s.FatalErr = fmt.Errorf("exceeded max reconnect attempts (%d): %w", max, err)
			s.ExitCode = 1
			log.Printf("supervisor: %v", s.FatalErr)
			return s.FatalErr
		}

		log.Printf("supervisor: transient (%s), attempt %d: %v", class, s.attempt, err)
		delay := backoffPolicy(s.cfg).Compute(s.attempt)
		s.attempt++
		if serr := clock.Sleep(rootCtx, delay); serr != nil {
			s.setState(StateDisconnected)
			return nil
		}
	}
}

// errWatchdogExpired marks a watchdogCtx cancellation caused by the
// no-heartbeat timer firing, as opposed to childCtx (and therefore
// rootCtx or a loop error) cancelling it.
var errWatchdogExpired = errors.New("watchdog: no successful heartbeat within timeout")

// runOnce opens one per-attempt child scope, runs the plugin connection,
// heartbeat loop, and outbound poller concurrently, and returns the first
// error raised by any of them (spec §4.1's reconnect loop body). The
// watchdog is a resettable timer, not a static deadline: every successful
// heartbeat pushes it back out, so a healthy connection never gets force-
// disconnected just because it has been up a long time (spec §4.1: "30min
// with no successful heartbeat").
func (s *Supervisor) runOnce(rootCtx context.Context) error {
	childCtx, cancel := context.WithCancel(rootCtx)
	defer cancel()

	watchdogCtx := childCtx
	var resetWatchdog func()
	var watchdogDone chan struct{}

	if s.cfg.Reconnect.WatchdogTimeout > 0 {
		wctx, wcancel := context.WithCancelCause(childCtx)
		timer := time.NewTimer(s.cfg.Reconnect.WatchdogTimeout)
		watchdogDone = make(chan struct{})

		go func() {
			defer close(watchdogDone)
			defer timer.Stop()
			select {
			case <-timer.C:
				wcancel(errWatchdogExpired)
			case <-childCtx.Done():
				wcancel(context.Cause(childCtx))
			}
		}()

		resetWatchdog = func() {
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(s.cfg.Reconnect.WatchdogTimeout)
		}

		watchdogCtx = wctx
	}

	errs := make(chan error, 3)

	go func() {
		errs <- s.plugin.Start(watchdogCtx, s.onInbound)
	}()
	go func() {
		errs <- startHeartbeatLoop(watchdogCtx, s.client, s.cfg.RelayID, s.cfg.Heartbeat.IntervalSeconds, s.plugin.GetStatus, s.startedAt, s.onOnline, resetWatchdog)
	}()
	go func() {
		errs <- startOutboundPoller(watchdogCtx, s.client, s.cfg.RelayID, s.cfg.Outbound.PollIntervalSeconds, s.cfg.Outbound.MaxPerPoll, s.plugin)
	}()

	first := <-errs
	cancel()
	// Drain the remaining two so their goroutines don't leak past runOnce.
	<-errs
	<-errs
	if watchdogDone != nil {
		<-watchdogDone
	}

	if errors.Is(context.Cause(watchdogCtx), errWatchdogExpired) && rootCtx.Err() == nil {
		return relayerr.NewChannelError(relayerr.ClassConnectionLost, fmt.Errorf("watchdog: no successful heartbeat within %s", s.cfg.Reconnect.WatchdogTimeout))
	}
	return first
}

// onOnline resets the backoff attempt counter on the first successful
// heartbeat of this connection attempt (spec §4.1: "attempt resets to 0
// on any successful state transition into Online").
func (s *Supervisor) onOnline() {
	s.mu.Lock()
	s.attempt = 0
	s.mu.Unlock()
	s.setState(StateOnline)
}

// onInbound posts an inbound envelope to the cloud with a small bounded
// retry for transient network errors (spec §4.1's ingress fan-in). It
// never buffers to disk; the platform's own re-delivery is the recovery
// mechanism (non-goal).
func (s *Supervisor) onInbound(ctx context.Context, envelope relaytype.ChatIngressEnvelope) {
	const maxAttempts = 3
	var err error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		err = s.client.PostIngress(ctx, s.cfg.RelayID, envelope)
		if err == nil {
			return
		}
		var ce *relayerr.CloudError
		if !errors.As(err, &ce) || ce.Code != relayerr.CodeNetworkError {
			break
		}
		if serr := clock.Sleep(ctx, time.Duration(attempt+1)*time.Second); serr != nil {
			return
		}
	}
	log.Printf("supervisor: ingress post failed for conversation %s: %v", envelope.ConversationID, err)
}

func backoffPolicy(cfg config.RelayConfig) clock.BackoffPolicy {
	return clock.BackoffPolicy{
		InitialDelay: cfg.Reconnect.InitialDelay,
		MaxDelay:     cfg.Reconnect.MaxDelay,
	}
}
