// Package signal implements the Signal channel adapter: signal-cli spawned
// as a subprocess in JSON-RPC-over-HTTP daemon mode (spec §4.2). The
// subprocess-management and health-check shape is grounded on the
// teacher-pack's signal-cli JSON-RPC client
// (other_examples/588fe6e5_…signal-client.go), adapted from its
// stdio-pipe transport to the daemon's HTTP endpoint per spec.
package signal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/myndhyve/myndhyve-relay/internal/channel"
	"github.com/myndhyve/myndhyve-relay/internal/relayerr"
	"github.com/myndhyve/myndhyve-relay/internal/relaytype"
)

const (
	binaryCheckTimeout = 5 * time.Second
	healthTimeout      = 30 * time.Second
	healthPollInterval = 500 * time.Millisecond
	stderrRingSize     = 64
)

// Config configures the Signal adapter.
type Config struct {
	DataDir               string
	Account               string
	BindAddr              string // default "127.0.0.1:18080"
	CLIBinary             string // default "signal-cli"
	PreserveMarkdownQuirk bool
}

func (c Config) bindAddr() string {
	if c.BindAddr != "" {
		return c.BindAddr
	}
	return "127.0.0.1:18080"
}

func (c Config) binary() string {
	if c.CLIBinary != "" {
		return c.CLIBinary
	}
	return "signal-cli"
}

// Adapter is the Signal channel.Plugin.
type Adapter struct {
	cfg Config

	mu      sync.Mutex
	status  channel.Status
	cmd     *exec.Cmd
	stderr  *ringBuffer
	httpc   *http.Client
	idSeq   int64
}

// New constructs a Signal adapter.
func New(cfg Config) *Adapter {
	return &Adapter{
		cfg:    cfg,
		status: channel.StatusDisconnected,
		stderr: newRingBuffer(stderrRingSize),
		httpc:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (a *Adapter) Channel() relaytype.Channel { return relaytype.ChannelSignal }
func (a *Adapter) DisplayName() string        { return "Signal" }
func (a *Adapter) IsSupported() bool          { return true }
func (a *Adapter) UnsupportedReason() string  { return "" }

// IsAuthenticated reports whether Account and DataDir are configured and
// the signal-cli binary is on PATH, without spawning the subprocess. It
// does not inspect DataDir for a persisted registration.
func (a *Adapter) IsAuthenticated() bool {
	if a.cfg.Account == "" || a.cfg.DataDir == "" {
		return false
	}
	_, err := exec.LookPath(a.cfg.binary())
	return err == nil
}

// Login runs signal-cli's interactive registration/link flow. The caller
// is expected to have already obtained a phone number or linking URI
// through signal-cli's own prompts (stderr is inherited).
func (a *Adapter) Login(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, a.cfg.binary(), a.registerArgs()...)
	cmd.Stderr = os.Stderr
	cmd.Stdout = os.Stderr
	if err := cmd.Run(); err != nil {
		return relayerr.NewChannelError(relayerr.ClassUnknown, fmt.Errorf("signal-cli register: %w", err))
	}
	return nil
}

func (a *Adapter) registerArgs() []string {
	args := []string{}
	if a.cfg.DataDir != "" {
		args = append(args, "--config", a.cfg.DataDir)
	}
	if a.cfg.Account != "" {
		args = append(args, "-a", a.cfg.Account)
	}
	return append(args, "link")
}

// Start verifies the signal-cli binary, spawns it in JSON-RPC-over-HTTP
// daemon mode, health-checks it, and blocks until ctx cancels or the
// subprocess exits (spec §4.2). It does not read inbound notifications;
// onInbound is never called.
func (a *Adapter) Start(ctx context.Context, onInbound channel.InboundHandler) error {
	a.setStatus(channel.StatusConnecting)

	if err := a.checkBinary(ctx); err != nil {
		a.setStatus(channel.StatusDisconnected)
		return err
	}

	cmd, err := a.spawn(ctx)
	if err != nil {
		a.setStatus(channel.StatusDisconnected)
		return err
	}

	waitErr := make(chan error, 1)
	go func() { waitErr <- cmd.Wait() }()

	if err := a.waitHealthy(ctx, waitErr); err != nil {
		a.killAndWait(cmd, waitErr)
		a.setStatus(channel.StatusDisconnected)
		return err
	}

	a.setStatus(channel.StatusConnected)
	defer a.setStatus(channel.StatusDisconnected)

	select {
	case <-ctx.Done():
		a.setStatus(channel.StatusDisconnecting)
		a.killAndWait(cmd, waitErr)
		return nil
	case err := <-waitErr:
		return a.classifyExit(err)
	}
}

// checkBinary verifies signal-cli is on PATH within binaryCheckTimeout
// (spec §4.2: "verify binary installed (timeout 5s)").
func (a *Adapter) checkBinary(ctx context.Context) error {
	done := make(chan error, 1)
	go func() {
		_, err := exec.LookPath(a.cfg.binary())
		done <- err
	}()
	select {
	case err := <-done:
		if err != nil {
			return relayerr.NewChannelError(relayerr.ClassUnknown, fmt.Errorf("signal-cli not installed: %w", err))
		}
		return nil
	case <-time.After(binaryCheckTimeout):
		return relayerr.NewChannelError(relayerr.ClassUnknown, fmt.Errorf("signal-cli not installed: timed out checking PATH"))
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *Adapter) spawn(ctx context.Context) (*exec.Cmd, error) {
	args := []string{}
	if a.cfg.DataDir != "" {
		args = append(args, "--config", a.cfg.DataDir)
	}
	if a.cfg.Account != "" {
		args = append(args, "-a", a.cfg.Account)
	}
	args = append(args, "daemon", "--http", a.cfg.bindAddr())

	cmd := exec.Command(a.cfg.binary(), args...)

	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return nil, relayerr.NewChannelError(relayerr.ClassUnknown, fmt.Errorf("signal-cli stderr pipe: %w", err))
	}
	go a.stderr.drain(stderrPipe)

	if err := cmd.Start(); err != nil {
		return nil, relayerr.NewChannelError(relayerr.ClassUnknown, fmt.Errorf("spawn signal-cli: %w", err))
	}

	a.mu.Lock()
	a.cmd = cmd
	a.mu.Unlock()
	return cmd, nil
}

// waitHealthy polls the daemon's HTTP endpoint until it accepts RPCs,
// the subprocess exits prematurely, or healthTimeout elapses.
func (a *Adapter) waitHealthy(ctx context.Context, waitErr <-chan error) error {
	deadline := time.Now().Add(healthTimeout)
	for {
		if err := a.call(ctx, "version", nil, nil); err == nil {
			return nil
		}
		select {
		case err := <-waitErr:
			return relayerr.NewChannelError(relayerr.ClassUnknown,
				fmt.Errorf("signal-cli crashed before becoming healthy: %w (stderr: %s)", err, a.stderr.String()))
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(healthPollInterval):
		}
		if time.Now().After(deadline) {
			return relayerr.NewChannelError(relayerr.ClassUnknown,
				fmt.Errorf("signal-cli did not become healthy within %s (stderr: %s)", healthTimeout, a.stderr.String()))
		}
	}
}

func (a *Adapter) killAndWait(cmd *exec.Cmd, waitErr <-chan error) {
	if cmd.Process != nil {
		cmd.Process.Signal(syscall.SIGTERM)
	}
	select {
	case <-waitErr:
	case <-time.After(5 * time.Second):
		if cmd.Process != nil {
			cmd.Process.Kill()
		}
		<-waitErr
	}
}

func (a *Adapter) classifyExit(err error) error {
	if err == nil {
		return nil
	}
	return relayerr.NewChannelError(relayerr.ClassConnectionLost,
		fmt.Errorf("signal-cli exited: %w (stderr: %s)", err, a.stderr.String()))
}

// Deliver sends an outbound text message via the daemon's send RPC.
func (a *Adapter) Deliver(ctx context.Context, egress relaytype.ChatEgressEnvelope) (relaytype.DeliveryResult, error) {
	start := time.Now()
	var result struct {
		Timestamp int64 `json:"timestamp"`
	}
	text := relaytype.RenderPlatformText(egress.Text, a.cfg.PreserveMarkdownQuirk)
	err := a.call(ctx, "send", map[string]any{
		"recipient": []string{egress.ConversationID},
		"message":   text,
	}, &result)
	elapsed := time.Since(start).Milliseconds()

	if err != nil {
		return relaytype.DeliveryResult{
			Success:    false,
			Error:      err.Error(),
			Retryable:  relayerr.Retryable(err.Error()),
			DurationMs: elapsed,
		}, nil
	}
	return relaytype.DeliveryResult{
		Success:       true,
		PlatformMsgID: fmt.Sprintf("%d", result.Timestamp),
		DurationMs:    elapsed,
	}, nil
}

func (a *Adapter) GetStatus() channel.Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status
}

func (a *Adapter) setStatus(s channel.Status) {
	a.mu.Lock()
	a.status = s
	a.mu.Unlock()
}

// Logout removes the persisted account registration.
func (a *Adapter) Logout(ctx context.Context) error {
	args := []string{}
	if a.cfg.DataDir != "" {
		args = append(args, "--config", a.cfg.DataDir)
	}
	if a.cfg.Account != "" {
		args = append(args, "-a", a.cfg.Account)
	}
	args = append(args, "unregister")
	cmd := exec.CommandContext(ctx, a.cfg.binary(), args...)
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("signal-cli unregister: %w", err)
	}
	return nil
}

type jsonRPCRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type jsonRPCResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// call issues one JSON-RPC request against the daemon's HTTP endpoint.
func (a *Adapter) call(ctx context.Context, method string, params, out any) error {
	a.mu.Lock()
	a.idSeq++
	id := a.idSeq
	a.mu.Unlock()

	req := jsonRPCRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params}
	raw, err := json.Marshal(req)
	if err != nil {
		return err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		"http://"+a.cfg.bindAddr()+"/api/v1/rpc", bytes.NewReader(raw))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := a.httpc.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var rpcResp jsonRPCResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return err
	}
	if rpcResp.Error != nil {
		return fmt.Errorf("signal-cli rpc error %d: %s", rpcResp.Error.Code, rpcResp.Error.Message)
	}
	if out != nil && len(rpcResp.Result) > 0 {
		return json.Unmarshal(rpcResp.Result, out)
	}
	return nil
}

// ringBuffer keeps the last N lines of subprocess stderr for diagnostics,
// per spec §4.2's "collect stderr into a ring buffer" requirement.
type ringBuffer struct {
	mu    sync.Mutex
	lines []string
	cap   int
}

func newRingBuffer(capacity int) *ringBuffer {
	return &ringBuffer{cap: capacity}
}

func (r *ringBuffer) add(line string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines = append(r.lines, line)
	if len(r.lines) > r.cap {
		r.lines = r.lines[len(r.lines)-r.cap:]
	}
}

func (r *ringBuffer) String() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := ""
	for i, l := range r.lines {
		if i > 0 {
			out += "\n"
		}
		out += l
	}
	return out
}

func (r *ringBuffer) drain(rd interface{ Read([]byte) (int, error) }) {
	buf := make([]byte, 4096)
	var partial []byte
	for {
		n, err := rd.Read(buf)
		if n > 0 {
			partial = append(partial, buf[:n]...)
			for {
				i := bytes.IndexByte(partial, '\n')
				if i < 0 {
					break
				}
				r.add(string(partial[:i]))
				partial = partial[i+1:]
			}
		}
		if err != nil {
			if len(partial) > 0 {
				r.add(string(partial))
			}
			return
		}
	}
}

