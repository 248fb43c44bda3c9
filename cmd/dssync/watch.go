package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/droidscript/dssync/internal/metrics"
	"github.com/droidscript/dssync/internal/ui"
)

var watchCmd = &cobra.Command{
	Use:     "watch",
	GroupID: "sync",
	Short:   "Keep projects in sync while you edit (foreground)",
	Long: `Connect to the device and keep every registered project in sync until
interrupted.

The watcher:
  1. Refreshes all projects on connect
  2. Uploads saved, created, renamed and deleted files as they change
  3. Queues changes while the device is unreachable and replays them
     after reconnecting
  4. Prints the device debug log, with script errors as file:line

Use --metrics-addr to expose Prometheus metrics, e.g. --metrics-addr :9090.`,
	Run: func(cmd *cobra.Command, args []string) {
		metricsAddr, _ := cmd.Flags().GetString("metrics-addr")

		reg := openRegistry()
		if reg.ServerAddress() == "" {
			fatal("no device address; run 'dssync connect <address>' first")
		}
		if reg.Info().UsePass {
			if err := ensurePassword(reg); err != nil {
				fatal("%v", err)
			}
		}

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		j := openJournal(ctx)
		if j != nil {
			defer j.Close()
		}

		var srv *http.Server
		if metricsAddr != "" {
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			srv = &http.Server{Addr: metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					fmt.Fprintf(os.Stderr, "%s metrics server: %v\n", ui.RenderWarn("⚠"), err)
				}
			}()
		}

		d := newDaemon(reg, j, true)

		fmt.Printf("%s Watching %d projects on %s\n", ui.RenderAccent("🚀"), len(reg.Projects()), reg.ServerAddress())
		for _, p := range reg.Projects() {
			fmt.Printf("   %s  %s\n", p.Name, ui.RenderMuted(p.Path))
		}
		if srv != nil {
			fmt.Printf("   Metrics: http://%s/metrics\n", metricsAddr)
		}
		fmt.Printf("\nPress Ctrl+C to stop\n\n")

		err := d.Run(ctx)

		if srv != nil {
			shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
			_ = srv.Shutdown(shutdownCtx)
			done()
		}
		if err := reg.Save(); err != nil {
			fmt.Fprintf(os.Stderr, "%s failed to save registry: %v\n", ui.RenderWarn("⚠"), err)
		}
		if err != nil {
			fatal("%v", err)
		}
		if n := d.Engine().Backlog().Len(); n > 0 {
			fmt.Printf("%s %d local changes were not sent; run 'dssync sync --mode upload-all' once the device is back\n", ui.RenderWarn("⚠"), n)
		}
		fmt.Println("Stopped")
	},
}

func init() {
	watchCmd.Flags().String("metrics-addr", "", "serve Prometheus metrics on this address")
	rootCmd.AddCommand(watchCmd)
}
