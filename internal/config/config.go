// Package config manages the persisted RelayConfig (spec §3), following the
// teacher's load-with-defaults / whole-file-replace pattern but upgraded to
// a temp-file-then-rename write so a crash mid-write can never leave a
// truncated config.json behind (spec §3's atomicity invariant).
package config

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"
)

// Channel is one of the supported chat platforms, duplicated here (rather
// than importing internal/relaytype) to keep config dependency-free for
// early boot, matching the teacher's style of small leaf packages.
type Channel string

const (
	ChannelWhatsApp Channel = "whatsapp"
	ChannelSignal   Channel = "signal"
	ChannelIMessage Channel = "imessage"
)

// ReconnectPolicy controls the supervisor's backoff and watchdog (spec §3).
type ReconnectPolicy struct {
	MaxAttempts     int           `json:"maxAttempts"` // 0 = unbounded
	InitialDelay    time.Duration `json:"initialDelay"`
	MaxDelay        time.Duration `json:"maxDelay"`
	WatchdogTimeout time.Duration `json:"watchdogTimeout"`
}

// HeartbeatPolicy controls the heartbeat loop's period (spec §3, §4.3).
type HeartbeatPolicy struct {
	IntervalSeconds int `json:"intervalSeconds"`
}

// OutboundPolicy controls the outbound poller's cadence and batch size
// (spec §3, §4.4).
type OutboundPolicy struct {
	PollIntervalSeconds int `json:"pollIntervalSeconds"`
	MaxPerPoll          int `json:"maxPerPoll"`
}

// RelayConfig is persisted at <home>/.myndhyve-cli/config.json, mode 0600
// (spec §3, §6).
type RelayConfig struct {
	CloudBaseURL string `json:"cloudBaseUrl"`

	// Channel, RelayID, and DeviceToken are either all present
	// ("configured") or all absent — spec §3's invariant.
	Channel      Channel   `json:"channel,omitempty"`
	RelayID      string    `json:"relayId,omitempty"`
	DeviceToken  string    `json:"deviceToken,omitempty"`
	TokenExpiry  time.Time `json:"tokenExpiry,omitempty"`
	UserID       string    `json:"userId,omitempty"`

	Reconnect ReconnectPolicy `json:"reconnect"`
	Heartbeat HeartbeatPolicy `json:"heartbeat"`
	Outbound  OutboundPolicy  `json:"outbound"`
	LogLevel  string          `json:"logLevel"`

	// PreserveMarkdownQuirk keeps the historical (suspected-buggy)
	// **bold** → _italic_ cascading conversion behind a flag rather than
	// silently fixing or guessing at intent (SPEC_FULL.md Open Question 1).
	PreserveMarkdownQuirk bool `json:"preserveMarkdownQuirk"`
}

// Configured reports whether Channel, RelayID, and DeviceToken are all
// present, per the invariant in spec §3.
func (c RelayConfig) Configured() bool {
	return c.Channel != "" && c.RelayID != "" && c.DeviceToken != ""
}

func defaults() RelayConfig {
	return RelayConfig{
		CloudBaseURL: "https://api.myndhyve.com",
		Reconnect: ReconnectPolicy{
			MaxAttempts:     0,
			InitialDelay:    time.Second,
			MaxDelay:        300 * time.Second,
			WatchdogTimeout: 30 * time.Minute,
		},
		Heartbeat: HeartbeatPolicy{IntervalSeconds: 30},
		Outbound: OutboundPolicy{
			PollIntervalSeconds: 5,
			MaxPerPoll:          10,
		},
		LogLevel:              "info",
		PreserveMarkdownQuirk: true,
	}
}

// Dir returns <home>/.myndhyve-cli, creating it (mode 0700) if absent.
func Dir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home dir: %w", err)
	}
	dir := filepath.Join(home, ".myndhyve-cli")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("create %s: %w", dir, err)
	}
	return dir, nil
}

// Load reads config.json from confDir, falling back to defaults (with a
// logged warning) on any parse failure rather than crashing — spec §3's
// explicit invariant.
func Load(confDir string) (RelayConfig, error) {
	cfg := defaults()

	raw, err := os.ReadFile(filepath.Join(confDir, "config.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config: %w", err)
	}

	var parsed RelayConfig
	if err := json.Unmarshal(raw, &parsed); err != nil {
		log.Printf("config: config.json is corrupt (%v); falling back to defaults", err)
		return cfg, nil
	}
	return parsed, nil
}

// Save writes cfg to confDir/config.json atomically: it writes to a temp
// file in the same directory and renames it into place, so a reader never
// observes a partially-written file (spec §3).
func Save(confDir string, cfg RelayConfig) error {
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	dest := filepath.Join(confDir, "config.json")
	tmp, err := os.CreateTemp(confDir, ".config-*.json.tmp")
	if err != nil {
		return fmt.Errorf("create temp config: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op once the rename below succeeds

	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp config: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod temp config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp config: %w", err)
	}
	if err := os.Rename(tmpName, dest); err != nil {
		return fmt.Errorf("rename config into place: %w", err)
	}
	return nil
}
