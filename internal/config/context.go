package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// ProjectContext is the optional active-project pointer persisted at
// context.json (spec §6). SessionID is an implementation detail not named
// by the spec's field list: it is the bridge session id the project was
// linked under, generated once by `bridge link` and otherwise opaque to
// the user.
type ProjectContext struct {
	ProjectID   string    `json:"projectId"`
	ProjectName string    `json:"projectName"`
	HyveID      string    `json:"hyveId,omitempty"`
	HyveName    string    `json:"hyveName,omitempty"`
	SessionID   string    `json:"sessionId"`
	ProjectRoot string    `json:"projectRoot"`
	SetAt       time.Time `json:"setAt"`
}

// LoadContext reads context.json from confDir. A missing file is not an
// error: it returns the zero value, meaning "no active project."
func LoadContext(confDir string) (ProjectContext, error) {
	var ctx ProjectContext
	raw, err := os.ReadFile(filepath.Join(confDir, "context.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return ctx, nil
		}
		return ctx, fmt.Errorf("read context: %w", err)
	}
	if err := json.Unmarshal(raw, &ctx); err != nil {
		return ProjectContext{}, fmt.Errorf("context.json is corrupt: %w", err)
	}
	return ctx, nil
}

// SaveContext writes ctx to confDir/context.json atomically, mode 0600
// (spec §6), following the same temp-file-then-rename pattern as Save.
func SaveContext(confDir string, ctx ProjectContext) error {
	raw, err := json.MarshalIndent(ctx, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal context: %w", err)
	}

	dest := filepath.Join(confDir, "context.json")
	tmp, err := os.CreateTemp(confDir, ".context-*.json.tmp")
	if err != nil {
		return fmt.Errorf("create temp context: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp context: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod temp context: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp context: %w", err)
	}
	if err := os.Rename(tmpName, dest); err != nil {
		return fmt.Errorf("rename context into place: %w", err)
	}
	return nil
}
