package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/droidscript/dssync/internal/gateway"
	"github.com/droidscript/dssync/internal/registry"
	"github.com/droidscript/dssync/internal/ui"
)

var appCmd = &cobra.Command{
	Use:     "app",
	GroupID: "device",
	Short:   "List, create, build, rename and delete projects on the device",
}

var appListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the projects on the device",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		reg := openRegistry()
		client := deviceClient(ctx, reg)

		apps, err := client.Apps(ctx)
		if err != nil {
			fatal("%v", err)
		}
		if len(apps) == 0 {
			fmt.Println("No projects on the device")
			return
		}
		infos := make([]*gateway.ProjectInfo, len(apps))
		for i, name := range apps {
			if infos[i], err = client.ProjectInfo(ctx, name, name); err != nil {
				fmt.Fprintf(os.Stderr, "%s %s: %v\n", ui.RenderWarn("⚠"), name, err)
			}
		}
		if err := writeApps(os.Stdout, apps, infos, reg); err != nil {
			fatal("%v", err)
		}
	},
}

// writeApps prints device projects with their main file and local folder.
func writeApps(w io.Writer, apps []string, infos []*gateway.ProjectInfo, reg *registry.Registry) error {
	rows := make([][]string, len(apps))
	for i, name := range apps {
		kind := "-"
		if infos[i] != nil {
			kind = infos[i].Ext
		}
		local := "-"
		if p, ok := reg.FindByName(name); ok {
			local = p.Path
		}
		rows[i] = []string{name, kind, local}
	}
	return ui.Table(w, []string{"NAME", "TYPE", "LOCAL"}, rows)
}

var appBuildCmd = &cobra.Command{
	Use:   "build <name>",
	Short: "Build an APK of a device project",
	Long: `Ask the device to build an APK. The package name and version are
prompted for when not given as flags.

The device builds the project it has open; run the project first if it
is not the last one started. Build output arrives on the device log, so
keep 'dssync watch' running to follow it.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		name := args[0]
		pkg, _ := cmd.Flags().GetString("package")
		version, _ := cmd.Flags().GetString("version")
		noObfuscate, _ := cmd.Flags().GetBool("no-obfuscate")

		var err error
		if pkg == "" {
			if !interactive() {
				fatal("--package is required")
			}
			if pkg, err = promptRequired("Enter package name", defaultPackage(name)); err != nil {
				fatal("%v", err)
			}
		}
		if version == "" {
			if !interactive() {
				fatal("--version is required")
			}
			if version, err = promptRequired("Enter build version", "1.0"); err != nil {
				fatal("%v", err)
			}
		}

		ctx := context.Background()
		reg := openRegistry()
		client := deviceClient(ctx, reg)
		if last := reg.Info().LastProg; last != "" && last != name {
			fmt.Fprintf(os.Stderr, "%s the device last ran %s; run 'dssync run %s' first to build it\n",
				ui.RenderWarn("⚠"), last, name)
		}
		if err := client.BuildAPK(ctx, pkg, version, !noObfuscate); err != nil {
			fatal("%v", err)
		}
		fmt.Printf("%s Building %s %s (%s)\n", ui.RenderAccent("🔨"), name, version, pkg)
	},
}

// defaultPackage suggests a package name for an app.
func defaultPackage(app string) string {
	return "com.mycompany." + strings.ToLower(strings.Join(strings.Fields(app), ""))
}

var appCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a device project from a template",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		appType, _ := cmd.Flags().GetString("type")
		template, _ := cmd.Flags().GetString("template")

		ctx := context.Background()
		reg := openRegistry()
		client := deviceClient(ctx, reg)
		if err := client.CreateApp(ctx, args[0], appType, template); err != nil {
			fatal("%v", err)
		}
		fmt.Printf("%s Created %s (%s, %s)\n", ui.RenderPass("✓"), args[0], appType, template)
	},
}

var appRenameCmd = &cobra.Command{
	Use:   "rename <name> <new-name>",
	Short: "Rename a device project",
	Long: `Rename a project on the device. A local mapping of the project is
renamed with it.`,
	Args: cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		reg := openRegistry()
		client := deviceClient(ctx, reg)
		if err := client.Rename(ctx, args[0], args[1]); err != nil {
			fatal("%v", err)
		}
		if _, ok := reg.FindByName(args[0]); ok {
			if err := reg.Rename(args[0], args[1], ""); err != nil {
				fatal("%v", err)
			}
			saveRegistry(reg)
		}
		fmt.Printf("%s Renamed %s -> %s\n", ui.RenderPass("✓"), args[0], args[1])
	},
}

var appDeleteCmd = &cobra.Command{
	Use:   "delete <name>",
	Short: "Delete a project from the device",
	Long: `Delete a project and all its files from the device. The local folder is
kept; its mapping is removed so it is not uploaded again.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		yes, _ := cmd.Flags().GetBool("yes")
		if !yes && !interactive() {
			fatal("refusing to delete %s without --yes", args[0])
		}
		ok, err := confirm(fmt.Sprintf("Delete %s and all its files from the device?", args[0]), yes)
		if err != nil {
			fatal("%v", err)
		}
		if !ok {
			fmt.Fprintln(os.Stderr, "Cancelled")
			return
		}

		ctx := context.Background()
		reg := openRegistry()
		client := deviceClient(ctx, reg)
		if err := client.Remove(ctx, args[0]); err != nil {
			fatal("%v", err)
		}
		if _, ok := reg.FindByName(args[0]); ok {
			_ = reg.Remove(args[0])
			saveRegistry(reg)
		}
		fmt.Printf("%s Deleted %s\n", ui.RenderPass("✓"), args[0])
	},
}

func init() {
	appCreateCmd.Flags().String("type", "Native", "app type: Native, Html, Hybrid, Node or Python")
	appCreateCmd.Flags().String("template", "Simple", "template name")
	appDeleteCmd.Flags().BoolP("yes", "y", false, "do not ask for confirmation")
	appBuildCmd.Flags().String("package", "", "package name, e.g. com.mycompany.myapp")
	appBuildCmd.Flags().String("version", "", "build version, e.g. 1.0")
	appBuildCmd.Flags().Bool("no-obfuscate", false, "build without obfuscating the code")

	appCmd.AddCommand(appListCmd)
	appCmd.AddCommand(appCreateCmd)
	appCmd.AddCommand(appBuildCmd)
	appCmd.AddCommand(appRenameCmd)
	appCmd.AddCommand(appDeleteCmd)
	rootCmd.AddCommand(appCmd)
}
