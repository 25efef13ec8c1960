// Command myndhyve-relay is the relay daemon's CLI: login, start/stop the
// detached daemon, report status, or run the supervisor loop in the
// foreground (spec §4.1, §4.8, §6).
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

	"github.com/urfave/cli/v3"

	"github.com/myndhyve/myndhyve-relay/internal/channel"
	"github.com/myndhyve/myndhyve-relay/internal/channel/imessage"
	"github.com/myndhyve/myndhyve-relay/internal/channel/signal"
	"github.com/myndhyve/myndhyve-relay/internal/channel/whatsapp"
	"github.com/myndhyve/myndhyve-relay/internal/cloud"
	"github.com/myndhyve/myndhyve-relay/internal/config"
	"github.com/myndhyve/myndhyve-relay/internal/daemonctl"
	"github.com/myndhyve/myndhyve-relay/internal/relaytype"
	"github.com/myndhyve/myndhyve-relay/internal/supervisor"
	"github.com/myndhyve/myndhyve-relay/internal/tokensource"
)

var version = "dev"

func main() {
	app := &cli.Command{
		Name:  "myndhyve-relay",
		Usage: "Bridge a chat platform account to the myndhyve control plane",
		Commands: []*cli.Command{
			loginCommand(),
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

// exitErr carries a process exit code alongside the error message (spec
// §6's exit code table).
type exitErr struct {
	code int
	err  error
}

func (e *exitErr) Error() string { return e.err.Error() }
func (e *exitErr) Unwrap() error { return e.err }

// atomicBool lets the signal-handling goroutine flag that shutdown was
// operator-initiated, since sigCh itself is drained by the time Run
// returns.
type atomicBool struct{ v atomic.Bool }

func (b *atomicBool) set()      { b.v.Store(true) }
func (b *atomicBool) get() bool { return b.v.Load() }

func exitCodeFor(err error) int {
	var ee *exitErr
	if as, ok := err.(*exitErr); ok {
		ee = as
	}
	if ee != nil {
		return ee.code
	}
	return 1
}

func loginCommand() *cli.Command {
	return &cli.Command{
		Name:  "login",
		Usage: "Register this relay and run the channel's auth flow",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "channel", Usage: "whatsapp | signal | imessage", Required: true},
			&cli.StringFlag{Name: "code", Usage: "One-time registration code", Required: true},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			confDir, err := config.Dir()
			if err != nil {
				return &exitErr{1, err}
			}
			cfg, err := config.Load(confDir)
			if err != nil {
				return &exitErr{1, err}
			}

			ch := relaytype.Channel(c.String("channel"))
			plugin, err := resolvePlugin(ch, confDir, cfg.PreserveMarkdownQuirk)
			if err != nil {
				return &exitErr{2, err}
			}
			if !plugin.IsSupported() {
				return &exitErr{4, fmt.Errorf("%s: %s", plugin.DisplayName(), plugin.UnsupportedReason())}
			}

			client := cloud.NewClient(cfg.CloudBaseURL, tokensource.New(confDir, cfg))
			result, err := client.Register(ctx, c.String("code"))
			if err != nil {
				return &exitErr{4, fmt.Errorf("register: %w", err)}
			}

			if err := plugin.Login(ctx); err != nil {
				return &exitErr{1, fmt.Errorf("channel login: %w", err)}
			}

			cfg.Channel = config.Channel(ch)
			cfg.RelayID = result.RelayID
			cfg.DeviceToken = result.DeviceToken
			cfg.TokenExpiry = result.TokenExpiry
			if err := config.Save(confDir, cfg); err != nil {
				return &exitErr{1, fmt.Errorf("save config: %w", err)}
			}

			fmt.Printf("Linked %s as relay %s\n", plugin.DisplayName(), result.RelayID)
			return nil
		},
	}
}

func startCommand() *cli.Command {
	return &cli.Command{
		Name:  "start",
		Usage: "Start the relay daemon detached",
		Action: func(ctx context.Context, c *cli.Command) error {
			confDir, err := config.Dir()
			if err != nil {
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
			fmt.Printf("relay started (pid %d)\n", pid)
			return nil
		},
	}
}

func stopCommand() *cli.Command {
	return &cli.Command{
		Name:  "stop",
		Usage: "Stop the relay daemon",
		Action: func(ctx context.Context, c *cli.Command) error {
			confDir, err := config.Dir()
			if err != nil {
				return &exitErr{1, err}
			}
			if err := daemonctl.Stop(daemonConfig(confDir)); err != nil {
				return &exitErr{1, err}
			}
			fmt.Println("relay stopped")
			return nil
		},
	}
}

func statusCommand() *cli.Command {
	return &cli.Command{
		Name:  "status",
		Usage: "Report whether the relay daemon is running",
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
			return &exitErr{3, fmt.Errorf("relay not running")}
		},
	}
}

// runCommand is the foreground entry point start/StartDetached re-execs
// into; it is not meant to be invoked by a human directly (spec §4.8).
func runCommand() *cli.Command {
	return &cli.Command{
		Name:   "run",
		Usage:  "Run the relay supervisor in the foreground",
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
				return &exitErr{2, fmt.Errorf("relay is not configured; run `login` first")}
			}

			plugin, err := resolvePlugin(relaytype.Channel(cfg.Channel), confDir, cfg.PreserveMarkdownQuirk)
			if err != nil {
				return &exitErr{2, err}
			}

			client := cloud.NewClient(cfg.CloudBaseURL, tokensource.New(confDir, cfg))
			sup := supervisor.New(cfg, client, plugin)

			runCtx, cancel := context.WithCancel(ctx)
			defer cancel()

			var interrupted atomicBool
			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			go func() {
				<-sigCh
				interrupted.set()
				log.Println("relay: shutting down")
				cancel()
			}()

			runErr := sup.Run(runCtx)
			if interrupted.get() {
				return &exitErr{130, nil}
			}
			if sup.ExitCode != 0 {
				return &exitErr{sup.ExitCode, runErr}
			}
			return runErr
		},
	}
}

func versionCommand() *cli.Command {
	return &cli.Command{
		Name:  "version",
		Usage: "Print the relay version",
		Action: func(ctx context.Context, c *cli.Command) error {
			fmt.Println(version)
			return nil
		},
	}
}

func daemonConfig(confDir string) daemonctl.Config {
	return daemonctl.Config{
		PIDPath: filepath.Join(confDir, "relay.pid"),
		LogPath: filepath.Join(confDir, "relay.log"),
	}
}

// outboundRPS and outboundBurst bound the per-conversation send rate every
// adapter is wrapped with (spec's channel plugin contract plus realistic
// platform throttling; see internal/channel.RateLimited).
const (
	outboundRPS   = 1
	outboundBurst = 3
)

func resolvePlugin(ch relaytype.Channel, confDir string, preserveMarkdownQuirk bool) (channel.Plugin, error) {
	registry := channel.NewRegistry(
		channel.NewRateLimited(whatsapp.New(whatsapp.Config{AuthDir: filepath.Join(confDir, "whatsapp"), PreserveMarkdownQuirk: preserveMarkdownQuirk}), outboundRPS, outboundBurst),
		channel.NewRateLimited(signal.New(signal.Config{DataDir: filepath.Join(confDir, "signal"), PreserveMarkdownQuirk: preserveMarkdownQuirk}), outboundRPS, outboundBurst),
		channel.NewRateLimited(imessage.New(imessage.Config{PreserveMarkdownQuirk: preserveMarkdownQuirk}), outboundRPS, outboundBurst),
	)
	plugin, ok := registry.Get(ch)
	if !ok {
		return nil, fmt.Errorf("unknown channel %q", ch)
	}
	return plugin, nil
}
