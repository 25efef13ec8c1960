package signal

import (
	"strings"
	"testing"

	"github.com/myndhyve/myndhyve-relay/internal/channel"
)

func TestRingBufferCapsAndKeepsNewest(t *testing.T) {
	r := newRingBuffer(3)
	r.add("one")
	r.add("two")
	r.add("three")
	r.add("four")

	got := r.String()
	if strings.Contains(got, "one") {
		t.Fatalf("oldest line should have been evicted, got %q", got)
	}
	if !strings.Contains(got, "four") {
		t.Fatalf("newest line missing, got %q", got)
	}
}

func TestRingBufferDrainSplitsOnNewline(t *testing.T) {
	r := newRingBuffer(10)
	reader := strings.NewReader("line one\nline two\nno trailing newline")
	r.drain(reader)

	got := r.String()
	for _, want := range []string{"line one", "line two", "no trailing newline"} {
		if !strings.Contains(got, want) {
			t.Fatalf("missing %q in %q", want, got)
		}
	}
}

func TestConfigDefaults(t *testing.T) {
	c := Config{}
	if c.bindAddr() != "127.0.0.1:18080" {
		t.Fatalf("default bind addr = %q", c.bindAddr())
	}
	if c.binary() != "signal-cli" {
		t.Fatalf("default binary = %q", c.binary())
	}
}

func TestNewAdapterStartsDisconnected(t *testing.T) {
	a := New(Config{})
	if got := a.GetStatus(); got != channel.StatusDisconnected {
		t.Fatalf("status = %v, want disconnected", got)
	}
}
