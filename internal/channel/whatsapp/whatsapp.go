// Package whatsapp implements the WhatsApp channel adapter: a Web-protocol
// client whose multi-file auth state lives under
// <home>/.myndhyve-cli/whatsapp/, guarded by a single-flight credential
// save queue (spec §4.2). Grounded on the teacher-pack's
// other_examples/04b88e9d_…whatsapp-mcp/main.go (multi-file session
// storage, QR-based login) with the connect/event-handling wiring
// redesigned to publish onto this relay's InboundHandler (REDESIGN FLAGS:
// "event-emitter style (socket.ev.on)" → per-adapter inbound channel).
package whatsapp

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/myndhyve/myndhyve-relay/internal/channel"
	"github.com/myndhyve/myndhyve-relay/internal/relayerr"
	"github.com/myndhyve/myndhyve-relay/internal/relaytype"
)

// credsFileName is the single file under the auth directory holding the
// session's linked-device credentials. It is the only auth file this
// adapter reads or writes; credentialSaver persists nothing else, and no
// per-conversation key material is stored.
const credsFileName = "creds.json"

// Config configures the WhatsApp adapter.
type Config struct {
	AuthDir               string // <home>/.myndhyve-cli/whatsapp/
	PreserveMarkdownQuirk bool
}

// credentials is the persisted linked-device session state.
type credentials struct {
	RegistrationID string    `json:"registrationId"`
	LinkedAt       time.Time `json:"linkedAt"`
}

// Adapter is the WhatsApp channel.Plugin.
type Adapter struct {
	cfg Config

	mu       sync.Mutex
	status   channel.Status
	creds    *credentials
	lastSent string // formatted text handed to the last Deliver call; tests only

	saver *credentialSaver
}

// New constructs a WhatsApp adapter rooted at cfg.AuthDir.
func New(cfg Config) *Adapter {
	a := &Adapter{cfg: cfg, status: channel.StatusDisconnected}
	a.saver = newCredentialSaver(cfg.AuthDir)
	return a
}

func (a *Adapter) Channel() relaytype.Channel { return relaytype.ChannelWhatsApp }
func (a *Adapter) DisplayName() string        { return "WhatsApp" }
func (a *Adapter) IsSupported() bool          { return true }
func (a *Adapter) UnsupportedReason() string  { return "" }

// IsAuthenticated checks for a persisted credentials file without
// connecting (spec §4.2).
func (a *Adapter) IsAuthenticated() bool {
	_, err := os.Stat(filepath.Join(a.cfg.AuthDir, credsFileName))
	return err == nil
}

// Login runs the QR-pairing flow: generate a pairing reference, print it
// to stderr for the user to scan, then wait for the platform to confirm
// pairing. The actual Web-protocol handshake is platform-specific and
// stubbed here; what core owns is the auth-state persistence that follows
// it.
func (a *Adapter) Login(ctx context.Context) error {
	if err := os.MkdirAll(a.cfg.AuthDir, 0o700); err != nil {
		return fmt.Errorf("create whatsapp auth dir: %w", err)
	}
	fmt.Fprintln(os.Stderr, "whatsapp: scan the QR code printed by the platform client to link this device")

	creds := credentials{RegistrationID: newRegistrationID(), LinkedAt: time.Now().UTC()}
	a.mu.Lock()
	a.creds = &creds
	a.mu.Unlock()

	if err := a.saver.save(ctx, creds); err != nil {
		return relayerr.NewChannelError(relayerr.ClassUnknown, fmt.Errorf("persist whatsapp credentials: %w", err))
	}
	return nil
}

// Start loads persisted credentials and opens the platform connection,
// blocking until ctx cancels or a fatal classified error occurs.
func (a *Adapter) Start(ctx context.Context, onInbound channel.InboundHandler) error {
	if !a.IsAuthenticated() {
		return relayerr.NewChannelError(relayerr.ClassLoggedOut, fmt.Errorf("whatsapp: not linked, run login first"))
	}

	a.setStatus(channel.StatusConnecting)
	if err := a.loadCreds(); err != nil {
		a.setStatus(channel.StatusDisconnected)
		return relayerr.NewChannelError(relayerr.ClassUnknown, err)
	}
	a.setStatus(channel.StatusConnected)
	defer a.setStatus(channel.StatusDisconnected)

	// The Web-protocol event loop (socket.ev.on("messages.upsert", ...) in
	// the original) would call onInbound here for every inbound message.
	// Wiring the actual multi-device protocol is out of core scope; this
	// loop owns the connection's lifetime and the credential save queue.
	<-ctx.Done()
	return nil
}

func (a *Adapter) loadCreds() error {
	raw, err := os.ReadFile(filepath.Join(a.cfg.AuthDir, credsFileName))
	if err != nil {
		return fmt.Errorf("read whatsapp credentials: %w", err)
	}
	var creds credentials
	if err := json.Unmarshal(raw, &creds); err != nil {
		return fmt.Errorf("parse whatsapp credentials: %w", err)
	}
	a.mu.Lock()
	a.creds = &creds
	a.mu.Unlock()
	return nil
}

// Deliver sends egress over the platform connection. Concurrent calls for
// distinct conversations are safe; the credential saver's own locking is
// independent of delivery.
func (a *Adapter) Deliver(ctx context.Context, egress relaytype.ChatEgressEnvelope) (relaytype.DeliveryResult, error) {
	start := time.Now()
	a.mu.Lock()
	authenticated := a.creds != nil
	a.mu.Unlock()
	if !authenticated {
		return relaytype.DeliveryResult{
			Success:    false,
			Error:      "not authenticated",
			Retryable:  false,
			DurationMs: time.Since(start).Milliseconds(),
		}, nil
	}
	text := relaytype.RenderPlatformText(egress.Text, a.cfg.PreserveMarkdownQuirk)
	a.mu.Lock()
	a.lastSent = text
	a.mu.Unlock()
	// The actual send over the Web-protocol socket is platform-specific
	// and stubbed here; what matters to this relay is the result shape.
	return relaytype.DeliveryResult{
		Success:       true,
		PlatformMsgID: fmt.Sprintf("wa-%d", time.Now().UnixNano()),
		DurationMs:    time.Since(start).Milliseconds(),
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

// Logout scrubs the persisted credentials file (spec §4.2).
func (a *Adapter) Logout(ctx context.Context) error {
	a.mu.Lock()
	a.creds = nil
	a.mu.Unlock()
	err := os.Remove(filepath.Join(a.cfg.AuthDir, credsFileName))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove whatsapp credentials: %w", err)
	}
	return nil
}

func newRegistrationID() string {
	return fmt.Sprintf("reg-%d", time.Now().UnixNano())
}

// credentialSaver serialises credential writes through a single-flight
// queue: a save already in flight absorbs later requests into a "pending"
// flag and flushes once more immediately after, rather than letting two
// writers race on the auth files (spec §4.2, REDESIGN FLAGS:
// "Promise-based single-flight save queue").
type credentialSaver struct {
	dir string

	mu      sync.Mutex
	saving  bool
	pending *credentials
}

func newCredentialSaver(dir string) *credentialSaver {
	return &credentialSaver{dir: dir}
}

// save writes creds to disk. If a save is already in flight, creds is
// recorded as the pending value and flushed by the in-flight save once it
// completes, instead of racing a second concurrent writer.
func (s *credentialSaver) save(ctx context.Context, creds credentials) error {
	s.mu.Lock()
	if s.saving {
		s.pending = &creds
		s.mu.Unlock()
		return nil
	}
	s.saving = true
	s.mu.Unlock()

	err := s.writeOnce(creds)

	for {
		s.mu.Lock()
		next := s.pending
		s.pending = nil
		if next == nil {
			s.saving = false
			s.mu.Unlock()
			break
		}
		s.mu.Unlock()
		if werr := s.writeOnce(*next); werr != nil {
			err = werr
		}
	}
	return err
}

func (s *credentialSaver) writeOnce(creds credentials) error {
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return fmt.Errorf("create whatsapp auth dir: %w", err)
	}
	raw, err := json.MarshalIndent(creds, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal whatsapp credentials: %w", err)
	}

	dest := filepath.Join(s.dir, credsFileName)
	tmp, err := os.CreateTemp(s.dir, ".creds-*.json.tmp")
	if err != nil {
		return fmt.Errorf("create temp credentials file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp credentials file: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod temp credentials file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp credentials file: %w", err)
	}
	return os.Rename(tmpName, dest)
}
