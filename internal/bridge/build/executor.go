// Package build implements the bridge's sandboxed build executor: an
// allowlist check, a spawned shell command, chunked output streaming, and
// inline error/warning parsing (spec §4.7).
package build

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/myndhyve/myndhyve-relay/internal/bridgetype"
)

// chunkFlushThreshold is the byte count at which accumulated output is
// flushed as a chunk (spec §4.7 step 4).
const chunkFlushThreshold = 4096

// wallClockTimeout bounds a single build (spec §4.7 step 3).
const wallClockTimeout = 5 * time.Minute

// Reporter is the executor's view of the cloud RPC surface it drives:
// updateBuildRecord and writeBuildOutputChunk (spec §6). Defined here
// (rather than imported from internal/cloud) so this package only depends
// on the shapes it actually needs.
type Reporter interface {
	UpdateBuildRecord(ctx context.Context, sessionID string, record bridgetype.BuildRecord) error
	WriteBuildOutputChunk(ctx context.Context, sessionID, buildID string, chunk bridgetype.BuildOutputChunk) error
}

// SequenceStore persists a build's chunk sequence counter across daemon
// restarts. Satisfied by internal/localstore.DB.
type SequenceStore interface {
	NextChunkSeq(ctx context.Context, buildID string) (int, error)
}

// Executor runs whitelisted build commands and streams their output.
type Executor struct {
	Reporter Reporter
	// Sequences persists chunk numbering across restarts when set; left
	// nil, chunk ids are only sequential within this one process's
	// lifetime of the build (spec §3, §5(d)).
	Sequences SequenceStore
}

// NewExecutor returns an Executor that reports through r.
func NewExecutor(r Reporter) *Executor {
	return &Executor{Reporter: r}
}

// Run executes req's command end to end: allowlist check, running
// transition, spawn, chunked streaming with inline diagnostics, and the
// terminal success/failed transition (spec §4.7).
func (e *Executor) Run(ctx context.Context, req bridgetype.BuildRequest) bridgetype.BuildRecord {
	record := req.Record

	if !IsAllowed(record.Command) {
		record.Status = bridgetype.BuildFailed
		record.ExitCode = -1
		record.Errors = []bridgetype.BuildDiagnostic{{Message: fmt.Sprintf("Command not allowed: %s", record.Command)}}
		record.ErrorCount = 1
		record.CompletedAt = time.Now().UTC()
		e.report(ctx, req.SessionID, record)
		return record
	}

	record.Status = bridgetype.BuildRunning
	record.StartedAt = time.Now().UTC()
	e.report(ctx, req.SessionID, record)

	runCtx, cancel := context.WithTimeout(ctx, wallClockTimeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "sh", "-c", record.Command)
	cmd.Dir = req.ProjectRoot
	cmd.Env = mergeEnv(os.Environ(), record.Env)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return e.fail(ctx, req, record, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return e.fail(ctx, req, record, err)
	}

	if err := cmd.Start(); err != nil {
		return e.fail(ctx, req, record, err)
	}

	chunkSeq := newChunkSequencer(e.Sequences, record.ID)
	diags := &diagnosticCollector{}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		e.streamPipe(ctx, req, chunkSeq, diags, "stdout", stdout)
	}()
	go func() {
		defer wg.Done()
		e.streamPipe(ctx, req, chunkSeq, diags, "stderr", stderr)
	}()
	wg.Wait()

	waitErr := cmd.Wait()

	record.Errors = diags.errors
	record.Warnings = diags.warnings
	record.ErrorCount = len(diags.errors)
	record.WarningCount = len(diags.warnings)
	record.CompletedAt = time.Now().UTC()
	if !record.StartedAt.IsZero() {
		record.Duration = record.CompletedAt.Sub(record.StartedAt)
	}

	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			record.Status = bridgetype.BuildFailed
			record.ExitCode = exitErr.ExitCode()
		} else {
			// Spawn-level failure (spec §4.7 step 7): never crash the daemon.
			record.Status = bridgetype.BuildFailed
			record.ExitCode = -1
			record.Errors = append(record.Errors, bridgetype.BuildDiagnostic{Message: waitErr.Error()})
			record.ErrorCount = len(record.Errors)
		}
	} else {
		record.Status = bridgetype.BuildSuccess
		record.ExitCode = 0
	}

	e.report(ctx, req.SessionID, record)
	return record
}

func (e *Executor) fail(ctx context.Context, req bridgetype.BuildRequest, record bridgetype.BuildRecord, err error) bridgetype.BuildRecord {
	record.Status = bridgetype.BuildFailed
	record.ExitCode = -1
	record.Errors = []bridgetype.BuildDiagnostic{{Message: err.Error()}}
	record.ErrorCount = 1
	record.CompletedAt = time.Now().UTC()
	e.report(ctx, req.SessionID, record)
	return record
}

func (e *Executor) report(ctx context.Context, sessionID string, record bridgetype.BuildRecord) {
	if e.Reporter == nil {
		return
	}
	if err := e.Reporter.UpdateBuildRecord(ctx, sessionID, record); err != nil {
		log.Printf("bridge/build: update build record %s: %v", record.ID, err)
	}
}

// streamPipe reads r line-by-line, parsing diagnostics inline and flushing
// chunks every chunkFlushThreshold bytes, plus a final residual flush on
// close (spec §4.7 steps 4-5).
func (e *Executor) streamPipe(ctx context.Context, req bridgetype.BuildRequest, seq *chunkSequencer, diags *diagnosticCollector, stream string, r io.Reader) {
	var buf strings.Builder
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	flush := func() {
		if buf.Len() == 0 {
			return
		}
		chunk := bridgetype.BuildOutputChunk{
			ChunkID:   seq.next(ctx),
			Stream:    stream,
			Content:   buf.String(),
			Timestamp: time.Now().UTC(),
		}
		buf.Reset()
		if e.Reporter == nil {
			return
		}
		if err := e.Reporter.WriteBuildOutputChunk(ctx, req.SessionID, req.Record.ID, chunk); err != nil {
			log.Printf("bridge/build: write output chunk: %v", err) // debug-level per spec; never aborts the build
		}
	}

	for scanner.Scan() {
		line := scanner.Text()
		diags.feedLine(line)
		buf.WriteString(line)
		buf.WriteByte('\n')
		if buf.Len() >= chunkFlushThreshold {
			flush()
		}
	}
	flush()
}

// chunkSequencer produces zero-padded 6-digit increasing chunk ids,
// monotonic within a single build (spec §3, §5(d)). When store is set the
// counter is persisted per buildID, so a daemon restart mid-build resumes
// numbering instead of starting over at 000000; otherwise it falls back to
// an in-memory counter scoped to this one process's run of the build.
type chunkSequencer struct {
	store   SequenceStore
	buildID string

	mu sync.Mutex
	n  int
}

func newChunkSequencer(store SequenceStore, buildID string) *chunkSequencer {
	return &chunkSequencer{store: store, buildID: buildID}
}

func (s *chunkSequencer) next(ctx context.Context) string {
	if s.store != nil {
		n, err := s.store.NextChunkSeq(ctx, s.buildID)
		if err == nil {
			return fmt.Sprintf("%06d", n)
		}
		log.Printf("bridge/build: persist chunk sequence for %s: %v", s.buildID, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.n
	s.n++
	return fmt.Sprintf("%06d", n)
}

func mergeEnv(base []string, overrides map[string]string) []string {
	if len(overrides) == 0 {
		return base
	}
	out := make([]string, 0, len(base)+len(overrides))
	out = append(out, base...)
	for k, v := range overrides {
		out = append(out, k+"="+v)
	}
	return out
}

