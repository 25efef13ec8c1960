// Package watcher wraps fsnotify with the ignore-matcher filtering and the
// path-suppression primitive the bridge's pull loop needs to avoid echoing
// its own writes back through the push loop (spec §4.6).
package watcher

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/myndhyve/myndhyve-relay/internal/bridge/ignore"
	"github.com/myndhyve/myndhyve-relay/internal/bridgetype"
)

// Event is a change accepted by the ignore matcher, ready for the bridge's
// push loop to hash and post.
type Event struct {
	RelativePath string
	Kind         bridgetype.ChangeKind
}

// Watcher recursively watches a project root, filtering through an ignore
// Matcher and skipping ignored directories entirely (SPEC_FULL.md's
// traversal-skip decision for Open Question 2).
type Watcher struct {
	root    string
	matcher *ignore.Matcher
	fsw     *fsnotify.Watcher

	events chan Event

	suppressMu sync.Mutex
	suppressed map[string]struct{}
}

// New creates a Watcher rooted at root, adding watches for every
// non-ignored directory under it.
func New(root string, matcher *ignore.Matcher) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}

	w := &Watcher{
		root:       root,
		matcher:    matcher,
		fsw:        fsw,
		events:     make(chan Event, 256),
		suppressed: make(map[string]struct{}),
	}

	if err := w.addTree(root); err != nil {
		fsw.Close()
		return nil, err
	}
	return w, nil
}

// addTree walks dir, adding an fsnotify watch on every directory that is
// not itself ignored, and never descending into one that is.
func (w *Watcher) addTree(dir string) error {
	return filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		rel, _ := filepath.Rel(w.root, path)
		rel = filepath.ToSlash(rel)
		if rel != "." && w.matcher.ShouldSkipDir(rel) {
			return filepath.SkipDir
		}
		if err := w.fsw.Add(path); err != nil {
			log.Printf("bridge/watcher: add %s: %v", path, err)
		}
		return nil
	})
}

// Events returns the channel of accepted, ignore-filtered change events.
func (w *Watcher) Events() <-chan Event { return w.events }

// Suppress marks relPath so every fsnotify event for it is dropped instead
// of published until Unsuppress is called — used by the pull loop to avoid echoing
// its own writes (spec §4.6, §5(c)).
func (w *Watcher) Suppress(relPath string) {
	w.suppressMu.Lock()
	w.suppressed[relPath] = struct{}{}
	w.suppressMu.Unlock()
}

// Unsuppress clears a previously suppressed path.
func (w *Watcher) Unsuppress(relPath string) {
	w.suppressMu.Lock()
	delete(w.suppressed, relPath)
	w.suppressMu.Unlock()
}

func (w *Watcher) isSuppressed(relPath string) bool {
	w.suppressMu.Lock()
	defer w.suppressMu.Unlock()
	_, ok := w.suppressed[relPath]
	return ok
}

// IsSuppressed reports whether relPath is currently suppressed. Exposed
// for callers (and tests) that need to observe the suppression window the
// pull loop holds around its own writes.
func (w *Watcher) IsSuppressed(relPath string) bool {
	return w.isSuppressed(relPath)
}

// Run dispatches fsnotify events into Events() until ctx is cancelled. It
// must run in its own goroutine.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.fsw.Close()
	defer close(w.events)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			w.handle(ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			log.Printf("bridge/watcher: %v", err)
		}
	}
}

func (w *Watcher) handle(ev fsnotify.Event) {
	rel, err := filepath.Rel(w.root, ev.Name)
	if err != nil {
		return
	}
	rel = filepath.ToSlash(rel)
	if strings.HasPrefix(rel, "..") {
		return
	}
	if w.matcher.IsIgnored(rel) {
		return
	}
	if w.isSuppressed(rel) {
		return
	}

	var kind bridgetype.ChangeKind
	switch {
	case ev.Has(fsnotify.Create):
		kind = bridgetype.ChangeCreated
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			if !w.matcher.ShouldSkipDir(rel) {
				if err := w.fsw.Add(ev.Name); err != nil {
					log.Printf("bridge/watcher: add new dir %s: %v", ev.Name, err)
				}
			}
			return
		}
	case ev.Has(fsnotify.Write):
		kind = bridgetype.ChangeModified
	case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
		kind = bridgetype.ChangeDeleted
	default:
		return
	}

	select {
	case w.events <- Event{RelativePath: rel, Kind: kind}:
	default:
		log.Printf("bridge/watcher: event queue full, dropping %s", rel)
	}
}
