// Package channel defines the chat platform plugin contract every adapter
// (WhatsApp, Signal, iMessage) implements, plus the explicit plugin table
// the daemon wires up at startup (spec §4.2, REDESIGN FLAGS: "dynamic
// plugin registration by import side-effect" replaced with an explicit
// table here rather than init()-time self-registration).
package channel

import (
	"context"

	"github.com/myndhyve/myndhyve-relay/internal/relaytype"
)

// Status is the adapter's human-readable connection state (spec §4.2).
type Status string

const (
	StatusConnecting    Status = "connecting"
	StatusConnected     Status = "connected"
	StatusReconnecting  Status = "reconnecting"
	StatusDisconnecting Status = "disconnecting"
	StatusDisconnected  Status = "disconnected"
	StatusAuthenticated Status = "authenticated"
)

// InboundHandler is invoked by a plugin for every normalised inbound
// message (spec §4.2's ingress fan-in).
type InboundHandler func(ctx context.Context, envelope relaytype.ChatIngressEnvelope)

// Plugin is the capability set every channel adapter implements (spec
// §4.2).
type Plugin interface {
	// Channel identifies the adapter (whatsapp | signal | imessage).
	Channel() relaytype.Channel

	// DisplayName is a human label for logs and CLI output.
	DisplayName() string

	// IsSupported reports whether this adapter can run on the current host
	// (e.g. iMessage requires macOS).
	IsSupported() bool

	// UnsupportedReason explains a false IsSupported result.
	UnsupportedReason() string

	// Login runs the adapter's interactive auth flow (QR, phone-register,
	// or an OS permission prompt). May write progress to stderr.
	Login(ctx context.Context) error

	// IsAuthenticated is a pure check of persisted credentials; it must
	// not open a connection.
	IsAuthenticated() bool

	// Start opens the platform connection, binds onInbound, and blocks
	// until ctx cancels or a fatal classified error occurs.
	Start(ctx context.Context, onInbound InboundHandler) error

	// Deliver sends one outbound message at most once. Safe to call
	// concurrently only for distinct conversations.
	Deliver(ctx context.Context, egress relaytype.ChatEgressEnvelope) (relaytype.DeliveryResult, error)

	// GetStatus reports the adapter's current connection state.
	GetStatus() Status

	// Logout scrubs persisted credentials.
	Logout(ctx context.Context) error
}

// Registry is the explicit channel → Plugin table built in main() (spec
// §4.2, REDESIGN FLAGS).
type Registry struct {
	plugins map[relaytype.Channel]Plugin
}

// NewRegistry builds a Registry from an explicit plugin list.
func NewRegistry(plugins ...Plugin) *Registry {
	r := &Registry{plugins: make(map[relaytype.Channel]Plugin, len(plugins))}
	for _, p := range plugins {
		r.plugins[p.Channel()] = p
	}
	return r
}

// Get returns the plugin registered for ch, or false if none is.
func (r *Registry) Get(ch relaytype.Channel) (Plugin, bool) {
	p, ok := r.plugins[ch]
	return p, ok
}

// All returns every registered plugin, for CLI listing/status commands.
func (r *Registry) All() []Plugin {
	out := make([]Plugin, 0, len(r.plugins))
	for _, p := range r.plugins {
		out = append(out, p)
	}
	return out
}
