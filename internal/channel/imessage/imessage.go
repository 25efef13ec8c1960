// Package imessage implements the macOS-only iMessage channel adapter.
// Outbound delivery shells out to osascript; inbound polling of the local
// chat.db is out of scope for the core relay (spec §4.2: "Inbound ... not
// in core scope here").
package imessage

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/myndhyve/myndhyve-relay/internal/channel"
	"github.com/myndhyve/myndhyve-relay/internal/relayerr"
	"github.com/myndhyve/myndhyve-relay/internal/relaytype"
)

// macOSRuntimeOS lets tests override runtime.GOOS's effect on IsSupported
// without needing to actually run on Darwin.
var macOSRuntimeOS = func() string { return runtime.GOOS }

// Config configures the iMessage adapter.
type Config struct {
	PreserveMarkdownQuirk bool
}

// Adapter is the iMessage channel.Plugin. It never opens a persistent
// connection: Start blocks only until ctx cancels, since inbound
// monitoring is out of scope (spec §4.2).
type Adapter struct {
	cfg    Config
	mu     sync.Mutex
	status channel.Status
}

// New constructs an iMessage adapter.
func New(cfg Config) *Adapter {
	return &Adapter{cfg: cfg, status: channel.StatusDisconnected}
}

func (a *Adapter) Channel() relaytype.Channel { return relaytype.ChannelIMessage }
func (a *Adapter) DisplayName() string        { return "iMessage" }

func (a *Adapter) IsSupported() bool { return macOSRuntimeOS() == "darwin" }

func (a *Adapter) UnsupportedReason() string {
	if a.IsSupported() {
		return ""
	}
	return "iMessage requires macOS (Messages.app and osascript)"
}

// IsAuthenticated reports whether Messages.app appears configured. There
// is no credential file to inspect; a lightweight osascript probe stands
// in for "can we drive Messages.app at all".
func (a *Adapter) IsAuthenticated() bool {
	if !a.IsSupported() {
		return false
	}
	cmd := exec.Command("osascript", "-e", `tell application "Messages" to get name`)
	return cmd.Run() == nil
}

// Login on macOS is just a permission prompt: driving Messages.app via
// osascript triggers the OS automation consent dialog on first use.
func (a *Adapter) Login(ctx context.Context) error {
	if !a.IsSupported() {
		return relayerr.NewChannelError(relayerr.ClassUnknown, fmt.Errorf("%s", a.UnsupportedReason()))
	}
	cmd := exec.CommandContext(ctx, "osascript", "-e", `tell application "Messages" to activate`)
	if err := cmd.Run(); err != nil {
		return relayerr.NewChannelError(relayerr.ClassUnknown, fmt.Errorf("imessage: activate Messages.app: %w", err))
	}
	return nil
}

// Start has no inbound connection to hold open — iMessage inbound polling
// is a non-goal of the core relay — so it just reports connected and
// blocks until ctx cancels.
func (a *Adapter) Start(ctx context.Context, onInbound channel.InboundHandler) error {
	if !a.IsSupported() {
		return relayerr.NewChannelError(relayerr.ClassUnknown, fmt.Errorf("%s", a.UnsupportedReason()))
	}
	a.setStatus(channel.StatusConnected)
	defer a.setStatus(channel.StatusDisconnected)
	<-ctx.Done()
	return nil
}

// Deliver sends egress.Text to a recipient via osascript, escaping the
// payload per spec §4.2: backslashes doubled first, then quotes escaped,
// and the body split on CR/LF and rejoined with AppleScript's "linefeed"
// concatenation so the generated script stays a single line.
func (a *Adapter) Deliver(ctx context.Context, egress relaytype.ChatEgressEnvelope) (relaytype.DeliveryResult, error) {
	start := time.Now()
	text := relaytype.RenderPlatformText(egress.Text, a.cfg.PreserveMarkdownQuirk)
	script := sendScript(egress.ConversationID, text)

	cmd := exec.CommandContext(ctx, "osascript", "-e", script)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	err := cmd.Run()
	elapsed := time.Since(start).Milliseconds()

	if err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return relaytype.DeliveryResult{
			Success:    false,
			Error:      msg,
			Retryable:  relayerr.Retryable(msg),
			DurationMs: elapsed,
		}, nil
	}
	return relaytype.DeliveryResult{Success: true, DurationMs: elapsed}, nil
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

// Logout is a no-op: there are no persisted credentials to scrub, only
// the OS automation permission grant, which the user manages in System
// Settings.
func (a *Adapter) Logout(ctx context.Context) error { return nil }

// escapePayload applies spec §4.2's exact two-pass escaping: backslashes
// first, then double quotes, so the result is safe to embed inside an
// AppleScript double-quoted string literal.
func escapePayload(text string) string {
	text = strings.ReplaceAll(text, `\`, `\\`)
	text = strings.ReplaceAll(text, `"`, `\"`)
	return text
}

// sendScript builds a single-line AppleScript that sends text to
// recipient. Each line of text is escaped and quoted separately, then
// joined with AppleScript's "& linefeed &" concatenation operator so
// embedded newlines survive without breaking -e's single-line argument.
func sendScript(recipient, text string) string {
	lines := strings.FieldsFunc(text, func(r rune) bool { return r == '\r' || r == '\n' })
	if len(lines) == 0 {
		lines = []string{""}
	}
	quoted := make([]string, len(lines))
	for i, l := range lines {
		quoted[i] = `"` + escapePayload(l) + `"`
	}
	body := strings.Join(quoted, " & linefeed & ")

	return fmt.Sprintf(
		`tell application "Messages" to send (%s) to buddy %q of service 1`,
		body, recipient,
	)
}
