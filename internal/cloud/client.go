// Package cloud implements the reconnect-aware cloud RPC client the relay
// supervisor, outbound poller, and bridge loops all share (spec §4.5).
//
// Every call attaches the device token as a bearer credential; a 401
// triggers a single-flight token refresh followed by one retry, and any
// other non-2xx status is mapped onto a relayerr.CloudError so callers can
// branch on Code rather than parsing strings.
package cloud

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/myndhyve/myndhyve-relay/internal/bridgetype"
	"github.com/myndhyve/myndhyve-relay/internal/relayerr"
	"github.com/myndhyve/myndhyve-relay/internal/relaytype"
)

// TokenSource supplies the current device token and refreshes it when the
// cloud reports the existing one expired. Implemented by internal/config's
// owner in main(), kept as an interface here so this package never reaches
// into a config file directly.
type TokenSource interface {
	Token() string
	Refresh(ctx context.Context) (string, error)
}

// Client is a JSON-over-HTTP client for the cloud control plane.
type Client struct {
	baseURL string
	http    *http.Client
	tokens  TokenSource

	refreshMu      sync.Mutex
	refreshing     bool
	refreshWaiters []chan struct{}
	refreshErr     error
}

// NewClient returns a Client targeting baseURL, authenticating with tokens.
func NewClient(baseURL string, tokens TokenSource) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 30 * time.Second},
		tokens:  tokens,
	}
}

// RegisterResult is the response to a one-time-code registration.
type RegisterResult struct {
	RelayID     string    `json:"relayId"`
	DeviceToken string    `json:"deviceToken"`
	TokenExpiry time.Time `json:"tokenExpiry"`
}

// Register exchanges a one-time code for a relay identity (spec §4.5).
// Unlike every other call, registration is unauthenticated.
func (c *Client) Register(ctx context.Context, oneTimeCode string) (RegisterResult, error) {
	var out RegisterResult
	err := c.doUnauthenticated(ctx, http.MethodPost, "/v1/relays/register",
		map[string]string{"code": oneTimeCode}, &out)
	return out, err
}

// HeartbeatRequest is the body sent to the presence endpoint.
type HeartbeatRequest struct {
	PlatformStatus string `json:"platformStatus"`
	UptimeSeconds  int64  `json:"uptimeSeconds"`
}

// HeartbeatResponse may carry a server-controlled interval override.
type HeartbeatResponse struct {
	HeartbeatIntervalSeconds int  `json:"heartbeatIntervalSeconds,omitempty"`
	HasPendingOutbound       bool `json:"hasPendingOutbound,omitempty"`
}

// Heartbeat reports presence and picks up server-controlled backpressure
// (spec §4.3).
func (c *Client) Heartbeat(ctx context.Context, relayID string, req HeartbeatRequest) (HeartbeatResponse, error) {
	var out HeartbeatResponse
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("/v1/relays/%s/heartbeat", relayID), req, &out)
	return out, err
}

// PostIngress pushes a normalised inbound message (spec §4.2's ingress
// fan-in, §4.5).
func (c *Client) PostIngress(ctx context.Context, relayID string, envelope relaytype.ChatIngressEnvelope) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/v1/relays/%s/ingress", relayID), envelope, nil)
}

// PollOutboundResponse is the outbound poller's fetch result.
type PollOutboundResponse struct {
	Messages []relaytype.OutboundMessage `json:"messages"`
}

// PollOutbound fetches up to maxPerPoll queued outbound messages (spec
// §4.4).
func (c *Client) PollOutbound(ctx context.Context, relayID string, maxPerPoll int) (PollOutboundResponse, error) {
	var out PollOutboundResponse
	path := fmt.Sprintf("/v1/relays/%s/outbound?max=%d", relayID, maxPerPoll)
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

// AckOutboundRequest reports the outcome of one delivery attempt.
type AckOutboundRequest struct {
	MessageID string                     `json:"messageId"`
	Result    relaytype.DeliveryResult   `json:"result"`
}

// AckOutbound reports a delivery outcome; best-effort per spec §4.4 — a
// failure here is retried by the next poll re-delivering the same message.
func (c *Client) AckOutbound(ctx context.Context, relayID string, req AckOutboundRequest) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/v1/relays/%s/outbound/ack", relayID), req, nil)
}

// GetBridgeSession fetches the current session state for a project bridge.
func (c *Client) GetBridgeSession(ctx context.Context, sessionID string) (bridgetype.Session, error) {
	var out bridgetype.Session
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("/v1/bridge/sessions/%s", sessionID), nil, &out)
	return out, err
}

// UpdateBridgeSession reports presence/state for a project bridge.
func (c *Client) UpdateBridgeSession(ctx context.Context, session bridgetype.Session) error {
	return c.do(ctx, http.MethodPut, fmt.Sprintf("/v1/bridge/sessions/%s", session.SessionID), session, nil)
}

// PushChange uploads a single local filesystem change (spec §4.6).
func (c *Client) PushChange(ctx context.Context, sessionID string, event bridgetype.FileChangeEvent, content []byte) error {
	body := struct {
		bridgetype.FileChangeEvent
		Content []byte `json:"content,omitempty"`
	}{FileChangeEvent: event, Content: content}
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/v1/bridge/sessions/%s/changes", sessionID), body, nil)
}

// PullChangesResponse is the cloud's outstanding-remote-change batch.
type PullChangesResponse struct {
	Changes []bridgetype.RemoteChange `json:"changes"`
	Cursor  string                    `json:"cursor"`
}

// PullChanges fetches remote changes made since cursor (spec §4.6).
func (c *Client) PullChanges(ctx context.Context, sessionID, cursor string) (PullChangesResponse, error) {
	var out PullChangesResponse
	path := fmt.Sprintf("/v1/bridge/sessions/%s/changes?since=%s", sessionID, cursor)
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

// QueryPendingBuildsResponse is one poll's worth of queued build requests.
type QueryPendingBuildsResponse struct {
	Requests []bridgetype.BuildRequest `json:"requests"`
}

// QueryPendingBuilds fetches queued build requests for sessionID (spec
// §4.7).
func (c *Client) QueryPendingBuilds(ctx context.Context, sessionID string) (QueryPendingBuildsResponse, error) {
	var out QueryPendingBuildsResponse
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("/v1/bridge/sessions/%s/builds/pending", sessionID), nil, &out)
	return out, err
}

// UpdateBuildRecord reports a build's status transition (spec §4.7). It
// satisfies internal/bridge/build.Reporter.
func (c *Client) UpdateBuildRecord(ctx context.Context, sessionID string, record bridgetype.BuildRecord) error {
	return c.do(ctx, http.MethodPut, fmt.Sprintf("/v1/bridge/sessions/%s/builds/%s", sessionID, record.ID), record, nil)
}

// WriteBuildOutputChunk streams one chunk of build output (spec §4.7). It
// satisfies internal/bridge/build.Reporter.
func (c *Client) WriteBuildOutputChunk(ctx context.Context, sessionID, buildID string, chunk bridgetype.BuildOutputChunk) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/v1/bridge/sessions/%s/builds/%s/output", sessionID, buildID), chunk, nil)
}

// do performs an authenticated request, handling the 401-refresh-retry-once
// dance and mapping every non-2xx response to a *relayerr.CloudError (spec
// §4.5, §7).
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	resp, err := c.roundTrip(ctx, method, path, body, c.tokens.Token())
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		newToken, refreshErr := c.refreshOnce(ctx)
		if refreshErr != nil {
			return &relayerr.CloudError{Code: relayerr.CodeDeviceTokenExpired, StatusCode: http.StatusUnauthorized, Err: refreshErr}
		}
		resp2, err := c.roundTrip(ctx, method, path, body, newToken)
		if err != nil {
			return err
		}
		defer resp2.Body.Close()
		return decodeResponse(resp2, out)
	}

	return decodeResponse(resp, out)
}

// doUnauthenticated is do without a bearer token, for Register.
func (c *Client) doUnauthenticated(ctx context.Context, method, path string, body, out any) error {
	resp, err := c.roundTrip(ctx, method, path, body, "")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return decodeResponse(resp, out)
}

func (c *Client) roundTrip(ctx context.Context, method, path string, body any, token string) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, &relayerr.CloudError{Code: relayerr.CodeNetworkError, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &relayerr.CloudError{Code: relayerr.CodeNetworkError, Err: err}
	}
	return resp, nil
}

// decodeResponse maps non-2xx status codes onto relayerr.CloudError (spec
// §4.5, §7) and JSON-decodes a 2xx body into out when requested.
func decodeResponse(resp *http.Response, out any) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil {
			io.Copy(io.Discard, resp.Body)
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
		return nil
	}

	raw, _ := io.ReadAll(resp.Body)
	apiErr := fmt.Errorf("%s", string(raw))

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return &relayerr.CloudError{
			Code:       relayerr.CodeRateLimited,
			StatusCode: resp.StatusCode,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
			Err:        apiErr,
		}
	case resp.StatusCode == http.StatusUnauthorized:
		return &relayerr.CloudError{Code: relayerr.CodeUnauthorized, StatusCode: resp.StatusCode, Err: apiErr}
	case resp.StatusCode >= 500:
		return &relayerr.CloudError{Code: relayerr.CodeAPIError, StatusCode: resp.StatusCode, Err: apiErr}
	default:
		return &relayerr.CloudError{Code: relayerr.CodeAPIError, StatusCode: resp.StatusCode, Err: apiErr}
	}
}

func parseRetryAfter(header string) int {
	if header == "" {
		return 0
	}
	n, err := strconv.Atoi(header)
	if err != nil {
		return 0
	}
	return n
}

// RefreshTokenIfNeeded proactively refreshes the device token when its exp
// claim is within leadTime of expiring, so the supervisor's heartbeat loop
// avoids paying a reactive 401-refresh-retry round trip (spec §4.5). It is
// a no-op if the current token isn't a parseable JWT (opaque device
// tokens have no exp claim to check) or doesn't need refreshing yet.
func (c *Client) RefreshTokenIfNeeded(ctx context.Context, leadTime time.Duration) error {
	expiry, err := ParseExpiry(c.tokens.Token())
	if err != nil {
		return nil
	}
	if !NeedsRefresh(expiry, leadTime) {
		return nil
	}
	_, err = c.refreshOnce(ctx)
	return err
}

// refreshOnce runs at most one concurrent token refresh; any caller that
// arrives while a refresh is already in flight waits for it instead of
// issuing a second refresh request (spec §4.5's single-flight requirement).
func (c *Client) refreshOnce(ctx context.Context) (string, error) {
	c.refreshMu.Lock()
	if c.refreshing {
		wait := make(chan struct{})
		c.refreshWaiters = append(c.refreshWaiters, wait)
		c.refreshMu.Unlock()

		select {
		case <-wait:
			c.refreshMu.Lock()
			err := c.refreshErr
			c.refreshMu.Unlock()
			if err != nil {
				return "", err
			}
			return c.tokens.Token(), nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	c.refreshing = true
	c.refreshMu.Unlock()

	newToken, err := c.tokens.Refresh(ctx)

	c.refreshMu.Lock()
	c.refreshing = false
	c.refreshErr = err
	waiters := c.refreshWaiters
	c.refreshWaiters = nil
	c.refreshMu.Unlock()

	for _, w := range waiters {
		close(w)
	}

	if err != nil {
		return "", err
	}
	return newToken, nil
}
