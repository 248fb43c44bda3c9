// Command dssync mirrors device projects into local folders and keeps them
// in sync.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/droidscript/dssync/internal/config"
	"github.com/droidscript/dssync/internal/ui"
)

var (
	cfgFile  string
	noColor  bool
	v        = config.New()
	settings *config.Settings
)

var rootCmd = &cobra.Command{
	Use:   "dssync",
	Short: "Sync local project folders with a DroidScript device",
	Long: `dssync keeps local project folders and the projects on a DroidScript
device in step.

Connect once with 'dssync connect <address>', map a folder with
'dssync project add', then either run a one-shot 'dssync sync' or keep
'dssync watch' running while you edit.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if noColor || !term.IsTerminal(int(os.Stdout.Fd())) {
			ui.DisableColor()
		}
		s, err := config.Load(v, cfgFile)
		if err != nil {
			return err
		}
		settings = s
		return nil
	},
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: "device", Title: "Device Commands:"},
		&cobra.Group{ID: "projects", Title: "Project Commands:"},
		&cobra.Group{ID: "sync", Title: "Sync Commands:"},
	)

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "settings file (default ~/.dssync/config.yaml)")
	pf.String("address", "", "device address, e.g. 192.168.1.20:8088")
	pf.String("registry", "", "project registry file (default ~/.dssync/dsconfig.json)")
	pf.String("journal", "", "sync history database (default ~/.dssync/journal.db)")
	pf.Int("concurrency", 10, "number of parallel transfers in a full sync")
	pf.BoolP("verbose", "v", false, "log component activity to stderr")
	pf.BoolVar(&noColor, "no-color", false, "disable colored output")

	for key, flag := range map[string]string{
		"address":     "address",
		"registry":    "registry",
		"journal":     "journal",
		"concurrency": "concurrency",
		"log.verbose": "verbose",
	} {
		if err := v.BindPFlag(key, pf.Lookup(flag)); err != nil {
			panic(err)
		}
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
