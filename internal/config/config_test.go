package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Configured() {
		t.Fatal("expected fresh config to be unconfigured")
	}
	if cfg.Heartbeat.IntervalSeconds != 30 {
		t.Fatalf("expected default heartbeat interval 30, got %d", cfg.Heartbeat.IntervalSeconds)
	}
}

func TestSaveThenLoadRoundTrips(t *testing.T) {
	dir := t.TempDir()
	cfg := defaults()
	cfg.Channel = ChannelSignal
	cfg.RelayID = "relay-1"
	cfg.DeviceToken = "tok-abc"

	if err := Save(dir, cfg); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !got.Configured() {
		t.Fatal("expected round-tripped config to be configured")
	}
	if got.RelayID != "relay-1" {
		t.Fatalf("expected relayId relay-1, got %q", got.RelayID)
	}
}

func TestLoadCorruptFileFallsBackToDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("expected corrupt config to fall back, not error: %v", err)
	}
	if cfg.Configured() {
		t.Fatal("expected fallback default config to be unconfigured")
	}
}
