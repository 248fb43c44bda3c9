package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/droidscript/dssync/internal/config"
	"github.com/droidscript/dssync/internal/daemon"
	"github.com/droidscript/dssync/internal/gateway"
	"github.com/droidscript/dssync/internal/journal"
	"github.com/droidscript/dssync/internal/registry"
	"github.com/droidscript/dssync/internal/session"
	"github.com/droidscript/dssync/internal/ui"
)

var connectCmd = &cobra.Command{
	Use:     "connect [address]",
	GroupID: "device",
	Short:   "Connect to a device and refresh all projects",
	Long: `Connect to a device, store its address and refresh every registered
project.

On connect, changes queued while offline are replayed, then each project is
brought up to date: projects marked with 'dssync project reload' get a full
download, the others refresh the files that exist on both sides.

The address defaults to http:// and port 8088:
  dssync connect 192.168.1.20
  dssync connect https://phone.local:8443`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		reg := openRegistry()

		addr := reg.ServerAddress()
		if len(args) == 1 {
			addr = args[0]
		}
		if addr == "" {
			if !interactive() {
				fatal("no device address given")
			}
			var err error
			if addr, err = prompt("Device address", "192.168.1.20:8088", false); err != nil {
				fatal("%v", err)
			}
		}
		norm, err := reg.SetServerAddress(addr)
		if err != nil {
			fatal("%v", err)
		}
		if pass, _ := cmd.Flags().GetString("password"); pass != "" {
			reg.SetPassword(pass)
		}
		saveRegistry(reg)

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		j := openJournal(ctx)
		if j != nil {
			defer j.Close()
		}
		d := newDaemon(reg, j, false)

		fmt.Printf("%s Connecting to %s...\n", ui.RenderAccent("🔌"), norm)
		start := time.Now()
		err = d.Connect(ctx)
		if errors.Is(err, gateway.ErrPasswordRequired) && interactive() {
			reg.SetPassword("")
			if err = ensurePassword(reg); err == nil {
				err = d.Connect(ctx)
			}
		}
		if err != nil {
			fatal("%v", err)
		}
		defer d.Close()
		saveRegistry(reg)

		info := reg.Info()
		fmt.Printf("%s Connected to %s in %v\n", ui.RenderPass("✓"), deviceLabel(info, norm), time.Since(start).Round(time.Millisecond))
		fmt.Printf("   %d projects refreshed\n", len(reg.Projects()))
	},
}

func deviceLabel(info gateway.Info, addr string) string {
	if info.DeviceName == "" {
		return addr
	}
	return fmt.Sprintf("%s (%s)", info.DeviceName, addr)
}

// newDaemon builds a daemon from the loaded settings. Device log lines go
// to stdout; component logs go to stderr only when console is set.
func newDaemon(reg *registry.Registry, j *journal.DB, console bool) *daemon.Daemon {
	d, err := daemon.New(&daemon.Config{
		Registry:         reg,
		Journal:          j,
		Concurrency:      settings.Concurrency,
		Heartbeat:        settings.Heartbeat,
		Timeout:          settings.Timeout,
		DebounceInterval: settings.Debounce,
		EchoWindow:       settings.EchoWindow,
		Output:           os.Stdout,
		OnDiagnostic:     printDiagnostic,
		OnState:          printState,
		Logger:           config.Logger(logWriter(console), "daemon"),
	})
	if err != nil {
		if errors.Is(err, daemon.ErrNoAddress) {
			fatal("no device address; run 'dssync connect <address>' first")
		}
		fatal("%v", err)
	}
	return d
}

// printState reports connection changes while watching.
func printState(st session.State) {
	if line := stateLine(st); line != "" {
		fmt.Println(line)
	}
}

func stateLine(st session.State) string {
	switch st {
	case session.Connected:
		return ui.RenderPass("●") + " Connected"
	case session.Disconnected:
		return ui.RenderWarn("○") + " Disconnected; changes are queued until the device is back"
	}
	return ""
}

func printDiagnostic(d session.Diagnostic) {
	loc := d.File
	if d.Line > 0 {
		loc = fmt.Sprintf("%s:%d", d.File, d.Line)
	}
	fmt.Printf("%s %s %s\n", ui.RenderFail("✗"), ui.RenderMuted(loc), d.Message)
}

func init() {
	connectCmd.Flags().String("password", "", "device password, stored in the registry")
	rootCmd.AddCommand(connectCmd)
}
