package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/droidscript/dssync/internal/registry"
	"github.com/droidscript/dssync/internal/ui"
)

var projectCmd = &cobra.Command{
	Use:     "project",
	GroupID: "projects",
	Short:   "Manage local folders mapped to device projects",
}

var projectAddCmd = &cobra.Command{
	Use:   "add <folder>",
	Short: "Map a local folder to a device project",
	Long: `Map a local folder to a device project. The project name defaults to
the folder name. The folder is fully downloaded on the next connect.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		name, _ := cmd.Flags().GetString("name")
		if name == "" {
			abs, err := filepath.Abs(args[0])
			if err != nil {
				fatal("%v", err)
			}
			name = filepath.Base(abs)
		}

		reg := openRegistry()
		p, err := reg.Add(args[0], name)
		if err != nil {
			fatal("%v", err)
		}
		if noReload, _ := cmd.Flags().GetBool("no-reload"); !noReload {
			_ = reg.MarkReload(p.Name)
		}
		saveRegistry(reg)
		fmt.Printf("%s Added %s -> %s\n", ui.RenderPass("✓"), p.Path, p.Name)
	},
}

// projectView is the listing shape of a project.
type projectView struct {
	Name    string    `json:"name" yaml:"name"`
	Path    string    `json:"path" yaml:"path"`
	Reload  bool      `json:"reload" yaml:"reload"`
	Created time.Time `json:"created" yaml:"created"`
}

func writeProjects(w io.Writer, format string, projects []registry.Project) error {
	views := make([]projectView, len(projects))
	for i, p := range projects {
		views[i] = projectView{Name: p.Name, Path: p.Path, Reload: p.Reload, Created: p.CreatedAt()}
	}

	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(views)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(views); err != nil {
			return err
		}
		return enc.Close()
	case "table", "":
		rows := make([][]string, len(views))
		for i, v := range views {
			reload := ""
			if v.Reload {
				reload = "pending"
			}
			rows[i] = []string{v.Name, v.Path, reload, v.Created.Format("2006-01-02 15:04")}
		}
		return ui.Table(w, []string{"NAME", "PATH", "RELOAD", "CREATED"}, rows)
	default:
		return fmt.Errorf("unknown output format %q (want table, json or yaml)", format)
	}
}

var projectListCmd = &cobra.Command{
	Use:   "list",
	Short: "List mapped projects",
	Run: func(cmd *cobra.Command, args []string) {
		format, _ := cmd.Flags().GetString("output")
		reg := openRegistry()
		if err := writeProjects(os.Stdout, format, reg.Projects()); err != nil {
			fatal("%v", err)
		}
	},
}

var projectRemoveCmd = &cobra.Command{
	Use:   "remove <name>",
	Short: "Unmap a project; no files are deleted",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		yes, _ := cmd.Flags().GetBool("yes")
		reg := openRegistry()
		if _, ok := reg.FindByName(args[0]); !ok {
			fatal("%v: %s", registry.ErrProjectNotFound, args[0])
		}
		ok, err := confirm(fmt.Sprintf("Stop syncing %s?", args[0]), yes || !interactive())
		if err != nil {
			fatal("%v", err)
		}
		if !ok {
			return
		}
		if err := reg.Remove(args[0]); err != nil {
			fatal("%v", err)
		}
		saveRegistry(reg)
		fmt.Printf("%s Removed %s\n", ui.RenderPass("✓"), args[0])
	},
}

var projectRenameCmd = &cobra.Command{
	Use:   "rename <name> <new-name>",
	Short: "Change the device project a folder maps to",
	Long: `Change the device project name of a mapping. With --path the local
folder mapping moves too. Nothing is renamed on the device; use
'dssync app rename' for that.`,
	Args: cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		newPath, _ := cmd.Flags().GetString("path")
		reg := openRegistry()
		if err := reg.Rename(args[0], args[1], newPath); err != nil {
			fatal("%v", err)
		}
		saveRegistry(reg)
		fmt.Printf("%s Renamed %s -> %s\n", ui.RenderPass("✓"), args[0], args[1])
	},
}

var projectReloadCmd = &cobra.Command{
	Use:   "reload <name>",
	Short: "Download the whole project on the next connect",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		reg := openRegistry()
		if err := reg.MarkReload(args[0]); err != nil {
			fatal("%v", err)
		}
		saveRegistry(reg)
		fmt.Printf("%s %s will be downloaded on the next connect\n", ui.RenderPass("✓"), args[0])
	},
}

func init() {
	projectAddCmd.Flags().String("name", "", "device project name (default: folder name)")
	projectAddCmd.Flags().Bool("no-reload", false, "do not download the project on the next connect")
	projectListCmd.Flags().StringP("output", "o", "table", "output format: table, json or yaml")
	projectRemoveCmd.Flags().BoolP("yes", "y", false, "do not ask for confirmation")
	projectRenameCmd.Flags().String("path", "", "new local folder")

	projectCmd.AddCommand(projectAddCmd)
	projectCmd.AddCommand(projectListCmd)
	projectCmd.AddCommand(projectRemoveCmd)
	projectCmd.AddCommand(projectRenameCmd)
	projectCmd.AddCommand(projectReloadCmd)
	rootCmd.AddCommand(projectCmd)
}
