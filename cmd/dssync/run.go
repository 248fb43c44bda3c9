package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/droidscript/dssync/internal/ui"
)

var runCmd = &cobra.Command{
	Use:     "run [app]",
	GroupID: "device",
	Short:   "Run a project on the device",
	Long: `Run a project on the device. Without an argument the project that owns
the current folder is run.`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		reg := openRegistry()

		app := ""
		if len(args) == 1 {
			app = args[0]
		} else if p, ok := reg.FindByPath("."); ok {
			app = p.Name
		} else {
			fatal("not inside a mapped project; name the app to run")
		}

		client := deviceClient(ctx, reg)
		if info, err := client.ProjectInfo(ctx, app, app); err == nil && info == nil {
			fmt.Printf("%s %s has no %s.js, %s.html or %s.py on the device\n", ui.RenderWarn("⚠"), app, app, app, app)
		}
		if err := client.Run(ctx, app); err != nil {
			fatal("%v", err)
		}
		fmt.Printf("%s Running %s\n", ui.RenderPass("▶"), app)
	},
}

var stopCmd = &cobra.Command{
	Use:     "stop",
	GroupID: "device",
	Short:   "Stop the running project",
	Args:    cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		client := deviceClient(ctx, openRegistry())
		if err := client.Stop(ctx); err != nil {
			fatal("%v", err)
		}
		fmt.Printf("%s Stopped\n", ui.RenderPass("■"))
	},
}

var execCmd = &cobra.Command{
	Use:     "exec <code>",
	GroupID: "device",
	Short:   "Execute a line of code on the device",
	Args:    cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		mode, _ := cmd.Flags().GetString("mode")
		ctx := context.Background()
		client := deviceClient(ctx, openRegistry())
		if err := client.Execute(ctx, mode, strings.Join(args, " ")); err != nil {
			fatal("%v", err)
		}
	},
}

var samplesCmd = &cobra.Command{
	Use:     "samples [name]",
	GroupID: "device",
	Short:   "List bundled samples, or run one by name",
	Args:    cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		kind, _ := cmd.Flags().GetString("kind")
		ctx := context.Background()
		client := deviceClient(ctx, openRegistry())

		if len(args) == 1 {
			if err := client.RunSample(ctx, args[0]); err != nil {
				fatal("%v", err)
			}
			fmt.Printf("%s Running sample %s\n", ui.RenderPass("▶"), args[0])
			return
		}

		names, err := client.Samples(ctx, kind)
		if err != nil {
			fatal("%v", err)
		}
		for _, name := range names {
			fmt.Println(name)
		}
	},
}

func init() {
	execCmd.Flags().String("mode", "usr", "where to run: app, ide or usr")
	samplesCmd.Flags().String("kind", "js", "sample language: js or py")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(execCmd)
	rootCmd.AddCommand(samplesCmd)
}
