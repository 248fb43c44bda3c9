package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"

	"github.com/droidscript/dssync/internal/journal"
	"github.com/droidscript/dssync/internal/ui"
)

var historyCmd = &cobra.Command{
	Use:     "history",
	GroupID: "sync",
	Short:   "Show recent sync runs",
	Long: `Show recent sync runs, newest first.

--since accepts durations and natural language:
  dssync history --since 30m
  dssync history --since "2 hours ago"
  dssync history --since yesterday --project MyApp --failures`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		project, _ := cmd.Flags().GetString("project")
		sinceText, _ := cmd.Flags().GetString("since")
		limit, _ := cmd.Flags().GetInt("limit")
		showFailures, _ := cmd.Flags().GetBool("failures")

		filter := journal.Filter{Project: project, Limit: limit}
		if sinceText != "" {
			since, err := parseSince(sinceText, time.Now())
			if err != nil {
				fatal("%v", err)
			}
			filter.Since = since
		}

		ctx := context.Background()
		db, err := journal.Open(ctx, settings.Journal)
		if err != nil {
			fatal("failed to open history: %v", err)
		}
		defer db.Close()

		runs, err := db.Runs(ctx, filter)
		if err != nil {
			fatal("%v", err)
		}
		if len(runs) == 0 {
			fmt.Println("No sync runs recorded")
			return
		}

		rows := make([][]string, len(runs))
		for i, r := range runs {
			failed := strconv.Itoa(r.Failed)
			if r.Failed > 0 {
				failed = ui.RenderFail(failed)
			}
			rows[i] = []string{
				r.StartedAt.Local().Format("2006-01-02 15:04:05"),
				r.Project,
				r.Kind,
				strconv.Itoa(r.Transferred),
				failed,
				r.Duration.Round(time.Millisecond).String(),
			}
		}
		if err := ui.Table(os.Stdout, []string{"STARTED", "PROJECT", "KIND", "FILES", "FAILED", "DURATION"}, rows); err != nil {
			fatal("%v", err)
		}

		if !showFailures {
			return
		}
		for _, r := range runs {
			if r.Failed == 0 {
				continue
			}
			failures, err := db.Failures(ctx, r.ID)
			if err != nil {
				fatal("%v", err)
			}
			fmt.Printf("\n%s %s %s at %s\n", ui.RenderWarn("⚠"), r.Project, r.Kind, r.StartedAt.Local().Format("15:04:05"))
			for _, f := range failures {
				fmt.Printf("   %s %s: %s\n", f.Op, f.Path, f.Error)
			}
		}
	},
}

// parseSince turns "30m", "2 hours ago" or "yesterday" into a time.
func parseSince(text string, now time.Time) (time.Time, error) {
	text = strings.TrimSpace(text)
	if d, err := time.ParseDuration(text); err == nil {
		return now.Add(-d), nil
	}

	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	r, err := w.Parse(text, now)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse --since %q: %w", text, err)
	}
	if r == nil {
		return time.Time{}, fmt.Errorf("failed to parse --since %q", text)
	}
	return r.Time, nil
}

func init() {
	historyCmd.Flags().StringP("project", "p", "", "only runs of this project")
	historyCmd.Flags().String("since", "", `only runs after this time, e.g. "2 hours ago"`)
	historyCmd.Flags().IntP("limit", "n", 50, "maximum number of runs")
	historyCmd.Flags().Bool("failures", false, "list the files that failed")
	rootCmd.AddCommand(historyCmd)
}
