// Command myndhyve-bridge is the project bridge's CLI: link a project
// directory to a bridge session, start/stop the detached daemon, report
// status, or run the bridge's four sync loops in the foreground (spec
// §4.6, §4.8, §6).
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/urfave/cli/v3"

	"github.com/myndhyve/myndhyve-relay/internal/bridge"
	"github.com/myndhyve/myndhyve-relay/internal/bridge/ignore"
	"github.com/myndhyve/myndhyve-relay/internal/bridge/watcher"
	"github.com/myndhyve/myndhyve-relay/internal/bridgetype"
	"github.com/myndhyve/myndhyve-relay/internal/cloud"
	"github.com/myndhyve/myndhyve-relay/internal/config"
	"github.com/myndhyve/myndhyve-relay/internal/daemonctl"
	"github.com/myndhyve/myndhyve-relay/internal/localstore"
	"github.com/myndhyve/myndhyve-relay/internal/tokensource"
)

var version = "dev"

func main() {
	app := &cli.Command{
		Name:  "myndhyve-bridge",
		Usage: "Mirror a project directory to the myndhyve control plane and run its builds",
		Commands: []*cli.Command{
			linkCommand(),
			startCommand(),
			stopCommand(),
			statusCommand(),
			runCommand(),
			versionCommand(),
		},
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		log.Println(err)
		os.Exit(exitCodeFor(err))
	}
}

// exitErr carries a process exit code alongside the error (spec §6's exit
// code table).
type exitErr struct {
	code int
	err  error
}

func (e *exitErr) Error() string { return e.err.Error() }
func (e *exitErr) Unwrap() error { return e.err }

type atomicBool struct{ v atomic.Bool }

func (b *atomicBool) set()      { b.v.Store(true) }
func (b *atomicBool) get() bool { return b.v.Load() }

func exitCodeFor(err error) int {
	if ee, ok := err.(*exitErr); ok {
		return ee.code
	}
	return 1
}

// linkCommand records the active project pointer in context.json and
// creates (or attaches to an existing) bridge session, so `bridge start`
// knows which directory and session id to sync (spec §3's Bridge Session,
// spec §6's context.json).
func linkCommand() *cli.Command {
	return &cli.Command{
		Name:  "link",
		Usage: "Link the current directory to a project's bridge session",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "project-id", Usage: "Project id to link against", Required: true},
			&cli.StringFlag{Name: "project-name", Usage: "Human-readable project name"},
			&cli.StringFlag{Name: "ignore", Usage: "Comma-separated ignore patterns to add beyond the defaults"},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			confDir, err := config.Dir()
			if err != nil {
				return &exitErr{1, err}
			}
			root, err := os.Getwd()
			if err != nil {
				return &exitErr{1, err}
			}

			cfg, err := config.Load(confDir)
			if err != nil {
				return &exitErr{1, err}
			}
			if !cfg.Configured() {
				return &exitErr{2, fmt.Errorf("no relay is configured; run `myndhyve-relay login` first")}
			}

			pctx := config.ProjectContext{
				ProjectID:   c.String("project-id"),
				ProjectName: c.String("project-name"),
				SessionID:   uuid.NewString(),
				ProjectRoot: root,
				SetAt:       time.Now(),
			}

			client := cloud.NewClient(cfg.CloudBaseURL, tokensource.New(confDir, cfg))
			session := bridgetype.Session{
				ProjectID:      pctx.ProjectID,
				ProjectRoot:    pctx.ProjectRoot,
				SessionID:      pctx.SessionID,
				IgnorePatterns: splitIgnore(c.String("ignore")),
			}
			if err := client.UpdateBridgeSession(ctx, session); err != nil {
				return &exitErr{1, fmt.Errorf("create bridge session: %w", err)}
			}

			if err := config.SaveContext(confDir, pctx); err != nil {
				return &exitErr{1, fmt.Errorf("save context: %w", err)}
			}

			fmt.Printf("Linked %s to project %s (session %s)\n", root, pctx.ProjectID, pctx.SessionID)
			return nil
		},
	}
}

func splitIgnore(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	start := 0
	for i := 0; i <= len(raw); i++ {
		if i == len(raw) || raw[i] == ',' {
			if i > start {
				out = append(out, raw[start:i])
			}
			start = i + 1
		}
	}
	return out
}

func startCommand() *cli.Command {
	return &cli.Command{
		Name:  "start",
		Usage: "Start the bridge daemon detached",
		Action: func(ctx context.Context, c *cli.Command) error {
			confDir, err := config.Dir()
			if err != nil {
				return &exitErr{1, err}
			}
			if _, err := config.LoadContext(confDir); err != nil {
				return &exitErr{1, err}
			}
			exe, err := os.Executable()
			if err != nil {
				return &exitErr{1, err}
			}

			dcfg := daemonConfig(confDir)
			pid, err := daemonctl.StartDetached(dcfg, []string{exe, "run"}, "MYNDHYVE_CLI_DAEMON=1")
			if err != nil {
				return &exitErr{1, err}
			}
			daemonctl.WaitForLog(dcfg.LogPath, 2*time.Second)
			fmt.Printf("bridge started (pid %d)\n", pid)
			return nil
		},
	}
}

func stopCommand() *cli.Command {
	return &cli.Command{
		Name:  "stop",
		Usage: "Stop the bridge daemon",
		Action: func(ctx context.Context, c *cli.Command) error {
			confDir, err := config.Dir()
			if err != nil {
				return &exitErr{1, err}
			}
			if err := daemonctl.Stop(daemonConfig(confDir)); err != nil {
				return &exitErr{1, err}
			}
			fmt.Println("bridge stopped")
			return nil
		},
	}
}

func statusCommand() *cli.Command {
	return &cli.Command{
		Name:  "status",
		Usage: "Report whether the bridge daemon is running",
		Action: func(ctx context.Context, c *cli.Command) error {
			confDir, err := config.Dir()
			if err != nil {
				return &exitErr{1, err}
			}
			st, err := daemonctl.IsRunning(daemonConfig(confDir))
			if err != nil {
				return &exitErr{1, err}
			}
			if st.Running {
				fmt.Printf("running (pid %d)\n", st.PID)
				return nil
			}
			fmt.Println("not running")
			return &exitErr{3, fmt.Errorf("bridge not running")}
		},
	}
}

// runCommand is the foreground entry point start/StartDetached re-execs
// into (spec §4.8); it requires an active project (spec §6's context.json).
func runCommand() *cli.Command {
	return &cli.Command{
		Name:   "run",
		Usage:  "Run the bridge's sync loops in the foreground",
		Hidden: true,
		Action: func(ctx context.Context, c *cli.Command) error {
			confDir, err := config.Dir()
			if err != nil {
				return &exitErr{1, err}
			}
			cfg, err := config.Load(confDir)
			if err != nil {
				return &exitErr{1, err}
			}
			if !cfg.Configured() {
				return &exitErr{2, fmt.Errorf("no relay is configured; run `myndhyve-relay login` first")}
			}

			pctx, err := config.LoadContext(confDir)
			if err != nil {
				return &exitErr{1, err}
			}
			if pctx.SessionID == "" {
				return &exitErr{2, fmt.Errorf("no project is linked; run `myndhyve-bridge link` first")}
			}

			client := cloud.NewClient(cfg.CloudBaseURL, tokensource.New(confDir, cfg))
			session, err := client.GetBridgeSession(ctx, pctx.SessionID)
			if err != nil {
				return &exitErr{1, fmt.Errorf("get bridge session: %w", err)}
			}
			if session.ProjectRoot == "" {
				session.ProjectRoot = pctx.ProjectRoot
			}

			w, err := watcher.New(session.ProjectRoot, ignore.Compile(session.IgnorePatterns))
			if err != nil {
				return &exitErr{1, fmt.Errorf("start watcher: %w", err)}
			}

			db, err := localstore.Open(filepath.Join(confDir, "bridge.db"))
			if err != nil {
				log.Printf("bridge: local store unavailable, cursor will not persist across restarts: %v", err)
				db = nil
			} else {
				defer db.Close()
			}

			runCtx, cancel := context.WithCancel(ctx)
			defer cancel()

			var interrupted atomicBool
			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			go func() {
				<-sigCh
				interrupted.set()
				log.Println("bridge: shutting down")
				cancel()
			}()

			go func() {
				if werr := w.Run(runCtx); werr != nil {
					log.Printf("bridge/watcher: %v", werr)
				}
			}()

			b := bridge.New(bridge.Config{}, client, session, w, db)
			runErr := b.Run(runCtx)
			if interrupted.get() {
				return &exitErr{130, nil}
			}
			return runErr
		},
	}
}

func versionCommand() *cli.Command {
	return &cli.Command{
		Name:  "version",
		Usage: "Print the bridge version",
		Action: func(ctx context.Context, c *cli.Command) error {
			fmt.Println(version)
			return nil
		},
	}
}

func daemonConfig(confDir string) daemonctl.Config {
	return daemonctl.Config{
		PIDPath: filepath.Join(confDir, "bridge.pid"),
		LogPath: filepath.Join(confDir, "bridge.log"),
	}
}
