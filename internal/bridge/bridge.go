// Package bridge wires together the project bridge's four concurrent
// sub-loops: presence heartbeat, watcher push, pull-poll, and
// build-request poll (spec §4.6), all cancelled by one shared context.
// Grounded on the same manager.Manager loop-orchestration shape the relay
// supervisor generalises (internal/supervisor), adapted here from "one
// subscription worker" to "one project's four independent sync loops."
package bridge

import (
	"context"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/myndhyve/myndhyve-relay/internal/bridge/build"
	"github.com/myndhyve/myndhyve-relay/internal/bridge/hash"
	"github.com/myndhyve/myndhyve-relay/internal/bridge/watcher"
	"github.com/myndhyve/myndhyve-relay/internal/bridgetype"
	"github.com/myndhyve/myndhyve-relay/internal/clock"
	"github.com/myndhyve/myndhyve-relay/internal/cloud"
	"github.com/myndhyve/myndhyve-relay/internal/localstore"
)

// Client is the cloud RPC surface the bridge drives.
type Client interface {
	build.Reporter
	UpdateBridgeSession(ctx context.Context, session bridgetype.Session) error
	PushChange(ctx context.Context, sessionID string, event bridgetype.FileChangeEvent, content []byte) error
	PullChanges(ctx context.Context, sessionID, cursor string) (cloud.PullChangesResponse, error)
	QueryPendingBuilds(ctx context.Context, sessionID string) (cloud.QueryPendingBuildsResponse, error)
}

// Config controls the bridge's loop cadences (spec §4.6 defaults).
type Config struct {
	HeartbeatInterval time.Duration // default 15s
	PullPollInterval  time.Duration // default 5s
	BuildPollInterval time.Duration // default 5s
}

func (c Config) withDefaults() Config {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 15 * time.Second
	}
	if c.PullPollInterval <= 0 {
		c.PullPollInterval = 5 * time.Second
	}
	if c.BuildPollInterval <= 0 {
		c.BuildPollInterval = 5 * time.Second
	}
	return c
}

// Bridge owns one project's sync session for its lifetime.
type Bridge struct {
	cfg      Config
	client   Client
	session  bridgetype.Session
	store    *localstore.DB
	watcher  *watcher.Watcher
	executor *build.Executor
}

// New constructs a Bridge for an already-watched project root. db may be
// nil, in which case the pull cursor is kept in memory only and restarts
// resume a full resync.
func New(cfg Config, client Client, session bridgetype.Session, w *watcher.Watcher, db *localstore.DB) *Bridge {
	executor := build.NewExecutor(client)
	if db != nil {
		// A nil *localstore.DB boxed into the SequenceStore interface
		// would be a non-nil interface wrapping a nil pointer, so this
		// check must happen on the concrete type, not inside Executor.
		executor.Sequences = db
	}
	return &Bridge{
		cfg:      cfg.withDefaults(),
		client:   client,
		session:  session,
		store:    db,
		watcher:  w,
		executor: executor,
	}
}

// Run starts the four sub-loops and blocks until ctx cancels, then waits
// for each loop's teardown before returning.
func (b *Bridge) Run(ctx context.Context) error {
	done := make(chan struct{}, 4)

	go func() { b.heartbeatLoop(ctx); done <- struct{}{} }()
	go func() { b.watcherPushLoop(ctx); done <- struct{}{} }()
	go func() { b.pullPollLoop(ctx); done <- struct{}{} }()
	go func() { b.buildPollLoop(ctx); done <- struct{}{} }()

	for i := 0; i < 4; i++ {
		<-done
	}
	return nil
}

// heartbeatLoop re-posts the session record every HeartbeatInterval and,
// on cancellation, posts it once more best-effort. The record carries no
// online/offline field, so the final post is identical to the periodic ones.
func (b *Bridge) heartbeatLoop(ctx context.Context) {
	for {
		if err := b.client.UpdateBridgeSession(ctx, b.session); err != nil {
			log.Printf("bridge/heartbeat: %v", err)
		}
		if err := clock.Sleep(ctx, b.cfg.HeartbeatInterval); err != nil {
			b.postOffline()
			return
		}
	}
}

// postOffline posts the unchanged session record one last time using a
// fresh background context, since ctx is already cancelled by the time
// this runs. It does not mark the session as offline.
func (b *Bridge) postOffline() {
	offlineCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := b.client.UpdateBridgeSession(offlineCtx, b.session); err != nil {
		log.Printf("bridge/heartbeat: offline post failed: %v", err)
	}
}

// watcherPushLoop drains the watcher's event channel, hashes each
// accepted change, and pushes it to the cloud. Push failures are logged
// without retry: the pull loop or a subsequent local change supersedes
// (spec §4.6).
func (b *Bridge) watcherPushLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-b.watcher.Events():
			if !ok {
				return
			}
			b.pushOne(ctx, ev)
		}
	}
}

func (b *Bridge) pushOne(ctx context.Context, ev watcher.Event) {
	change := bridgetype.FileChangeEvent{RelativePath: ev.RelativePath, Kind: ev.Kind}
	var content []byte

	if ev.Kind != bridgetype.ChangeDeleted {
		abs := b.absPath(ev.RelativePath)
		data, err := os.ReadFile(abs)
		if err != nil {
			log.Printf("bridge/watcher-push: read %s: %v", ev.RelativePath, err)
			return
		}
		change.Hash = hash.Content(data)
		content = data
	}

	if err := b.client.PushChange(ctx, b.session.SessionID, change, content); err != nil {
		log.Printf("bridge/watcher-push: push %s: %v", ev.RelativePath, err)
	}
}

// pullPollLoop fetches remote changes since the last cursor and applies
// them to disk, suppressing the watcher for each path it writes so the
// write doesn't echo back through watcherPushLoop (spec §4.6, §5(c)).
func (b *Bridge) pullPollLoop(ctx context.Context) {
	cursor := b.loadCursor(ctx)

	for {
		resp, err := b.client.PullChanges(ctx, b.session.SessionID, cursor)
		if err != nil {
			log.Printf("bridge/pull: %v", err)
		} else {
			for _, change := range resp.Changes {
				b.applyRemoteChange(change)
			}
			if resp.Cursor != "" {
				cursor = resp.Cursor
				b.saveCursor(ctx, cursor)
			}
		}

		if err := clock.Sleep(ctx, b.cfg.PullPollInterval); err != nil {
			return
		}
	}
}

func (b *Bridge) loadCursor(ctx context.Context) string {
	if b.store == nil {
		return ""
	}
	cursor, err := b.store.GetPullCursor(ctx, b.session.SessionID)
	if err != nil {
		log.Printf("bridge/pull: load cursor: %v", err)
		return ""
	}
	return cursor
}

func (b *Bridge) saveCursor(ctx context.Context, cursor string) {
	if b.store == nil {
		return
	}
	if err := b.store.SavePullCursor(ctx, b.session.SessionID, cursor); err != nil {
		log.Printf("bridge/pull: save cursor: %v", err)
	}
}

// applyRemoteChange suppresses the watcher for the path before writing,
// and unsuppresses it as soon as the write completes, before this function
// returns.
func (b *Bridge) applyRemoteChange(change bridgetype.RemoteChange) {
	b.watcher.Suppress(change.RelativePath)
	defer b.watcher.Unsuppress(change.RelativePath)

	abs := b.absPath(change.RelativePath)
	var err error
	switch change.Kind {
	case bridgetype.ChangeDeleted:
		err = os.Remove(abs)
		if os.IsNotExist(err) {
			err = nil
		}
	default:
		err = writeFileAtomicHook(abs, change.Content)
	}
	if err != nil {
		log.Printf("bridge/pull: apply %s: %v", change.RelativePath, err)
	}
}

// buildPollLoop polls for queued build requests and runs each one through
// the sandboxed executor (spec §4.6, §4.7).
func (b *Bridge) buildPollLoop(ctx context.Context) {
	for {
		resp, err := b.client.QueryPendingBuilds(ctx, b.session.SessionID)
		if err != nil {
			log.Printf("bridge/build-poll: %v", err)
		} else {
			for _, req := range resp.Requests {
				b.runBuild(ctx, req)
			}
		}

		if err := clock.Sleep(ctx, b.cfg.BuildPollInterval); err != nil {
			return
		}
	}
}

func (b *Bridge) runBuild(ctx context.Context, req bridgetype.BuildRequest) {
	record := b.executor.Run(ctx, req)
	if b.store == nil {
		return
	}
	if record.Status == bridgetype.BuildSuccess || record.Status == bridgetype.BuildFailed {
		if err := b.store.ForgetBuild(ctx, record.ID); err != nil {
			log.Printf("bridge/build-poll: forget build %s: %v", record.ID, err)
		}
	}
}

func (b *Bridge) absPath(relPath string) string {
	return filepath.Join(b.session.ProjectRoot, filepath.FromSlash(relPath))
}

// writeFileAtomicHook indirects applyRemoteChange's write so tests can
// observe watcher suppression state at the moment the write happens.
var writeFileAtomicHook = writeFileAtomic

// writeFileAtomic writes content to a temp file in the same directory and
// renames it into place, so a concurrent reader never observes a partial
// write.
func writeFileAtomic(path string, content []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}
