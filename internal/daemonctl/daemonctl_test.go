package daemonctl

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"
)

func TestIsRunningFalseWhenNoPIDFile(t *testing.T) {
	dir := t.TempDir()
	st, err := IsRunning(Config{PIDPath: filepath.Join(dir, "x.pid")})
	if err != nil {
		t.Fatal(err)
	}
	if st.Running {
		t.Fatal("expected not running")
	}
}

func TestIsRunningTrueForOwnPID(t *testing.T) {
	dir := t.TempDir()
	pidPath := filepath.Join(dir, "x.pid")
	if err := os.WriteFile(pidPath, []byte(strconv.Itoa(os.Getpid())), 0o600); err != nil {
		t.Fatal(err)
	}

	st, err := IsRunning(Config{PIDPath: pidPath})
	if err != nil {
		t.Fatal(err)
	}
	if !st.Running || st.PID != os.Getpid() {
		t.Fatalf("got %+v", st)
	}
}

func TestIsRunningRemovesStalePIDFile(t *testing.T) {
	dir := t.TempDir()
	pidPath := filepath.Join(dir, "x.pid")
	// A PID astronomically unlikely to be alive.
	if err := os.WriteFile(pidPath, []byte("999999"), 0o600); err != nil {
		t.Fatal(err)
	}

	st, err := IsRunning(Config{PIDPath: pidPath})
	if err != nil {
		t.Fatal(err)
	}
	if st.Running {
		t.Fatal("expected not running for a dead pid")
	}
	if _, err := os.Stat(pidPath); !os.IsNotExist(err) {
		t.Fatal("expected stale pid file to be removed")
	}
}

func TestStopOnMissingPIDFileIsNoop(t *testing.T) {
	dir := t.TempDir()
	if err := Stop(Config{PIDPath: filepath.Join(dir, "x.pid")}); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
}

func TestStopRemovesPIDFileForDeadProcess(t *testing.T) {
	dir := t.TempDir()
	pidPath := filepath.Join(dir, "x.pid")
	if err := os.WriteFile(pidPath, []byte("999999"), 0o600); err != nil {
		t.Fatal(err)
	}

	if err := Stop(Config{PIDPath: pidPath}); err != nil {
		t.Fatalf("expected ESRCH-class error to be swallowed, got %v", err)
	}
	if _, err := os.Stat(pidPath); !os.IsNotExist(err) {
		t.Fatal("expected pid file to be removed")
	}
}
