package bridge

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/myndhyve/myndhyve-relay/internal/bridge/ignore"
	"github.com/myndhyve/myndhyve-relay/internal/bridge/watcher"
	"github.com/myndhyve/myndhyve-relay/internal/bridgetype"
	"github.com/myndhyve/myndhyve-relay/internal/cloud"
)

type fakeClient struct {
	mu sync.Mutex

	presenceUpdates int
	pushed          []bridgetype.FileChangeEvent

	pullBatches [][]bridgetype.RemoteChange
	pullIdx     int

	buildBatches [][]bridgetype.BuildRequest
	buildIdx     int

	buildRecords []bridgetype.BuildRecord
	chunks       []bridgetype.BuildOutputChunk
}

func (f *fakeClient) UpdateBridgeSession(ctx context.Context, session bridgetype.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.presenceUpdates++
	return nil
}

func (f *fakeClient) PushChange(ctx context.Context, sessionID string, event bridgetype.FileChangeEvent, content []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pushed = append(f.pushed, event)
	return nil
}

func (f *fakeClient) PullChanges(ctx context.Context, sessionID, cursor string) (cloud.PullChangesResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pullIdx >= len(f.pullBatches) {
		return cloud.PullChangesResponse{}, nil
	}
	batch := f.pullBatches[f.pullIdx]
	f.pullIdx++
	return cloud.PullChangesResponse{Changes: batch, Cursor: "cursor-1"}, nil
}

func (f *fakeClient) QueryPendingBuilds(ctx context.Context, sessionID string) (cloud.QueryPendingBuildsResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.buildIdx >= len(f.buildBatches) {
		return cloud.QueryPendingBuildsResponse{}, nil
	}
	batch := f.buildBatches[f.buildIdx]
	f.buildIdx++
	return cloud.QueryPendingBuildsResponse{Requests: batch}, nil
}

func (f *fakeClient) UpdateBuildRecord(ctx context.Context, sessionID string, record bridgetype.BuildRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.buildRecords = append(f.buildRecords, record)
	return nil
}

func (f *fakeClient) WriteBuildOutputChunk(ctx context.Context, sessionID, buildID string, chunk bridgetype.BuildOutputChunk) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chunks = append(f.chunks, chunk)
	return nil
}

func newTestWatcher(t *testing.T, root string) *watcher.Watcher {
	t.Helper()
	w, err := watcher.New(root, ignore.Compile(nil))
	if err != nil {
		t.Fatal(err)
	}
	go w.Run(context.Background())
	return w
}

func TestHeartbeatLoopPostsPresenceUntilCancel(t *testing.T) {
	dir := t.TempDir()
	client := &fakeClient{}
	session := bridgetype.Session{SessionID: "s1", ProjectRoot: dir}
	w := newTestWatcher(t, dir)

	b := New(Config{HeartbeatInterval: 10 * time.Millisecond}, client, session, w, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	go func() { b.heartbeatLoop(ctx); close(done) }()
	<-done

	client.mu.Lock()
	defer client.mu.Unlock()
	if client.presenceUpdates < 2 {
		t.Fatalf("expected multiple presence updates, got %d", client.presenceUpdates)
	}
}

func TestApplyRemoteChangeSuppressesAroundWrite(t *testing.T) {
	dir := t.TempDir()
	client := &fakeClient{}
	session := bridgetype.Session{SessionID: "s1", ProjectRoot: dir}
	w := newTestWatcher(t, dir)

	b := New(Config{}, client, session, w, nil)

	change := bridgetype.RemoteChange{
		RelativePath: "a.txt",
		Kind:         bridgetype.ChangeCreated,
		Content:      []byte("hello"),
	}

	var suppressedDuringWrite bool
	orig := writeFileAtomicHook
	writeFileAtomicHook = func(path string, content []byte) error {
		suppressedDuringWrite = w.IsSuppressed("a.txt")
		return orig(path, content)
	}
	defer func() { writeFileAtomicHook = orig }()

	b.applyRemoteChange(change)

	if !suppressedDuringWrite {
		t.Fatal("expected path to be suppressed while the write was in flight")
	}
	if w.IsSuppressed("a.txt") {
		t.Fatal("expected path to be unsuppressed after applyRemoteChange returns")
	}

	got, err := os.ReadFile(filepath.Join(dir, "a.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "hello" {
		t.Fatalf("got %q", got)
	}
}

func TestApplyRemoteChangeDeletesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gone.txt")
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	client := &fakeClient{}
	session := bridgetype.Session{SessionID: "s1", ProjectRoot: dir}
	w := newTestWatcher(t, dir)
	b := New(Config{}, client, session, w, nil)

	b.applyRemoteChange(bridgetype.RemoteChange{RelativePath: "gone.txt", Kind: bridgetype.ChangeDeleted})

	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatal("expected file to be removed")
	}
}

func TestPullPollLoopAppliesChangesAndAdvancesCursor(t *testing.T) {
	dir := t.TempDir()
	client := &fakeClient{
		pullBatches: [][]bridgetype.RemoteChange{
			{{RelativePath: "x.txt", Kind: bridgetype.ChangeCreated, Content: []byte("v1")}},
		},
	}
	session := bridgetype.Session{SessionID: "s1", ProjectRoot: dir}
	w := newTestWatcher(t, dir)
	b := New(Config{PullPollInterval: 10 * time.Millisecond}, client, session, w, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 40*time.Millisecond)
	defer cancel()
	done := make(chan struct{})
	go func() { b.pullPollLoop(ctx); close(done) }()
	<-done

	got, err := os.ReadFile(filepath.Join(dir, "x.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "v1" {
		t.Fatalf("got %q", got)
	}
}

func TestBuildPollLoopRunsQueuedRequests(t *testing.T) {
	dir := t.TempDir()
	client := &fakeClient{
		buildBatches: [][]bridgetype.BuildRequest{
			{{
				SessionID:   "s1",
				ProjectRoot: dir,
				Record: bridgetype.BuildRecord{
					ID:      "build-1",
					Command: "npm test",
				},
			}},
		},
	}
	session := bridgetype.Session{SessionID: "s1", ProjectRoot: dir}
	w := newTestWatcher(t, dir)
	b := New(Config{BuildPollInterval: 10 * time.Millisecond}, client, session, w, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 40*time.Millisecond)
	defer cancel()
	done := make(chan struct{})
	go func() { b.buildPollLoop(ctx); close(done) }()
	<-done

	client.mu.Lock()
	defer client.mu.Unlock()
	if len(client.buildRecords) == 0 {
		t.Fatal("expected at least one build record update")
	}
}
