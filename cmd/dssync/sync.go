package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/droidscript/dssync/internal/config"
	dsync "github.com/droidscript/dssync/internal/sync"
	"github.com/droidscript/dssync/internal/ui"
)

var syncCmd = &cobra.Command{
	Use:     "sync [project...]",
	GroupID: "sync",
	Short:   "Run a full sync of one or more projects",
	Long: `Reconcile projects with the device once and exit.

Modes:
  download-all   fetch every included device file
  upload-all     upload every included local file
  update-local   fetch files that exist on both sides (default)
  update-remote  upload files that exist on both sides

Without project names every registered project is synced. Files that fail
are listed and the rest of the batch continues; the exit status is 1 when
any file failed.`,
	Run: func(cmd *cobra.Command, args []string) {
		modeName, _ := cmd.Flags().GetString("mode")
		mode, err := dsync.ParseMode(modeName)
		if err != nil {
			fatal("%v", err)
		}

		reg := openRegistry()
		projects := selectProjects(reg, args)

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		client := deviceClient(ctx, reg)
		j := openJournal(ctx)
		if j != nil {
			defer j.Close()
		}

		cfg := &dsync.Config{
			Projects:    reg,
			Remote:      client,
			Concurrency: settings.Concurrency,
			EchoWindow:  settings.EchoWindow,
			Logger:      config.Logger(logWriter(false), "sync"),
			OnWarning: func(w dsync.Warning) {
				fmt.Fprintf(os.Stderr, "%s %v\n", ui.RenderWarn("⚠"), w)
			},
		}
		if j != nil {
			cfg.Recorder = j
		}
		engine, err := dsync.New(cfg)
		if err != nil {
			fatal("%v", err)
		}

		failed := 0
		for _, p := range projects {
			fmt.Printf("%s Syncing %s (%s)...\n", ui.RenderAccent("🔄"), p.Name, mode)
			report, err := engine.SyncProject(ctx, p, mode)
			if err != nil {
				fmt.Fprintf(os.Stderr, "%s %s: %v\n", ui.RenderFail("✗"), p.Name, err)
				failed++
				continue
			}
			if mode == dsync.DownloadAll && reg.TakeReload(p.Name) {
				saveRegistry(reg)
			}
			printReport(report)
			if len(report.Failures) > 0 {
				failed++
			}
		}
		if failed > 0 {
			os.Exit(1)
		}
	},
}

func printReport(r *dsync.Report) {
	mark := ui.RenderPass("✓")
	if len(r.Failures) > 0 {
		mark = ui.RenderWarn("⚠")
	}
	fmt.Printf("%s %s: %d of %d files in %v\n", mark, r.Project, r.Transferred, len(r.Files), r.Duration.Round(time.Millisecond))
	for _, f := range r.Failures {
		fmt.Printf("   %s %s %s: %v\n", ui.RenderFail("✗"), f.Op, f.Path, f.Err)
	}
}

func init() {
	syncCmd.Flags().StringP("mode", "m", dsync.UpdateLocal.String(),
		"sync mode: "+strings.Join(dsync.Modes(), ", "))
	rootCmd.AddCommand(syncCmd)
}
