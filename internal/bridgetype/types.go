// Package bridgetype holds the data shapes the project bridge subsystem
// exchanges with the cloud and the local filesystem (spec §3, §4.6, §4.7).
package bridgetype

import "time"

// Session is the locally-held view of a server-persisted bridge session.
type Session struct {
	ProjectID      string   `json:"projectId"`
	ProjectRoot    string   `json:"projectRoot"`
	SessionID      string   `json:"sessionId"`
	IgnorePatterns []string `json:"ignorePatterns"`
}

// ChangeKind classifies a filesystem change.
type ChangeKind string

const (
	ChangeCreated  ChangeKind = "created"
	ChangeModified ChangeKind = "modified"
	ChangeDeleted  ChangeKind = "deleted"
)

// FileChangeEvent is emitted by the watcher for each accepted filesystem
// event (spec §3). RelativePath is POSIX-style and has already passed the
// ignore matcher. Hash is empty for deletions.
type FileChangeEvent struct {
	RelativePath string     `json:"relativePath"`
	Kind         ChangeKind `json:"kind"`
	Hash         string     `json:"hash,omitempty"`
}

// RemoteChange is one entry returned by pullChanges: a file the cloud wants
// written to disk.
type RemoteChange struct {
	RelativePath string `json:"relativePath"`
	Kind         ChangeKind `json:"kind"`
	Content      []byte `json:"content,omitempty"` // absent for deletions
}

// BuildStatus is the lifecycle state of a Build Record.
type BuildStatus string

const (
	BuildQueued  BuildStatus = "queued"
	BuildRunning BuildStatus = "running"
	BuildSuccess BuildStatus = "success"
	BuildFailed  BuildStatus = "failed"
)

// BuildDiagnostic is a single parsed error or warning line (spec §4.7 step 5).
type BuildDiagnostic struct {
	Message string `json:"message"`
	File    string `json:"file,omitempty"`
	Line    int    `json:"line,omitempty"`
	Column  int    `json:"column,omitempty"`
	Rule    string `json:"rule,omitempty"`
}

// BuildRecord mirrors the server-side build record the local core
// transitions through queued → running → success|failed (spec §3).
type BuildRecord struct {
	ID           string            `json:"id"`
	Command      string            `json:"command"`
	Env          map[string]string `json:"env,omitempty"`
	Status       BuildStatus       `json:"status"`
	ExitCode     int               `json:"exitCode"`
	StartedAt    time.Time         `json:"startedAt,omitempty"`
	CompletedAt  time.Time         `json:"completedAt,omitempty"`
	Duration     time.Duration     `json:"duration,omitempty"`
	Errors       []BuildDiagnostic `json:"errors,omitempty"`
	Warnings     []BuildDiagnostic `json:"warnings,omitempty"`
	ErrorCount   int               `json:"errorCount"`
	WarningCount int               `json:"warningCount"`
}

// BuildOutputChunk is one piece of streamed subprocess output (spec §4.7
// step 4). ChunkID is a zero-padded 6-digit increasing serial.
type BuildOutputChunk struct {
	ChunkID   string    `json:"chunkId"`
	Stream    string    `json:"stream"` // "stdout" | "stderr"
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// BuildRequest is the input to the build executor (spec §4.7).
type BuildRequest struct {
	SessionID   string
	ProjectRoot string
	Record      BuildRecord
}
