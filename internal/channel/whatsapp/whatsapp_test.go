package whatsapp

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/myndhyve/myndhyve-relay/internal/relaytype"
)

func TestCredentialSaverWritesAtomically(t *testing.T) {
	dir := t.TempDir()
	s := newCredentialSaver(dir)

	creds := credentials{RegistrationID: "r1", LinkedAt: time.Now().UTC()}
	if err := s.save(context.Background(), creds); err != nil {
		t.Fatal(err)
	}

	raw, err := os.ReadFile(filepath.Join(dir, credsFileName))
	if err != nil {
		t.Fatal(err)
	}
	var got credentials
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatal(err)
	}
	if got.RegistrationID != "r1" {
		t.Fatalf("got %+v", got)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if e.Name() != credsFileName {
			t.Fatalf("leftover temp file: %s", e.Name())
		}
	}
}

func TestCredentialSaverConcurrentSavesConverge(t *testing.T) {
	dir := t.TempDir()
	s := newCredentialSaver(dir)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s.save(context.Background(), credentials{RegistrationID: "concurrent"})
		}(i)
	}
	wg.Wait()

	raw, err := os.ReadFile(filepath.Join(dir, credsFileName))
	if err != nil {
		t.Fatal(err)
	}
	var got credentials
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("final credentials file is not valid JSON (concurrent writers corrupted it): %v", err)
	}
	if got.RegistrationID != "concurrent" {
		t.Fatalf("got %+v", got)
	}
}

func TestAdapterLoginThenIsAuthenticated(t *testing.T) {
	dir := t.TempDir()
	a := New(Config{AuthDir: dir})

	if a.IsAuthenticated() {
		t.Fatal("expected not authenticated before login")
	}
	if err := a.Login(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !a.IsAuthenticated() {
		t.Fatal("expected authenticated after login")
	}
}

func TestAdapterLogoutRemovesCredentials(t *testing.T) {
	dir := t.TempDir()
	a := New(Config{AuthDir: dir})
	if err := a.Login(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := a.Logout(context.Background()); err != nil {
		t.Fatal(err)
	}
	if a.IsAuthenticated() {
		t.Fatal("expected not authenticated after logout")
	}
}

func TestDeliverAppliesMarkdownQuirkWhenPreserved(t *testing.T) {
	dir := t.TempDir()
	a := New(Config{AuthDir: dir, PreserveMarkdownQuirk: true})
	if err := a.Login(context.Background()); err != nil {
		t.Fatal(err)
	}

	if _, err := a.Deliver(context.Background(), relaytype.ChatEgressEnvelope{Text: "**hi**"}); err != nil {
		t.Fatal(err)
	}
	if a.lastSent != "_hi_" {
		t.Fatalf("expected preserved quirk to render bold as italic, got %q", a.lastSent)
	}
}

func TestDeliverRendersBoldCorrectlyWhenQuirkDisabled(t *testing.T) {
	dir := t.TempDir()
	a := New(Config{AuthDir: dir, PreserveMarkdownQuirk: false})
	if err := a.Login(context.Background()); err != nil {
		t.Fatal(err)
	}

	if _, err := a.Deliver(context.Background(), relaytype.ChatEgressEnvelope{Text: "**hi**"}); err != nil {
		t.Fatal(err)
	}
	if a.lastSent != "*hi*" {
		t.Fatalf("expected corrected rendering to keep bold as bold, got %q", a.lastSent)
	}
}

func TestStartFailsWhenNotAuthenticated(t *testing.T) {
	dir := t.TempDir()
	a := New(Config{AuthDir: dir})

	err := a.Start(context.Background(), nil)
	if err == nil {
		t.Fatal("expected error when starting unauthenticated")
	}
}
