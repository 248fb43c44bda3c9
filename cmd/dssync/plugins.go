package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/droidscript/dssync/internal/gateway"
	"github.com/droidscript/dssync/internal/ui"
)

var pluginsCmd = &cobra.Command{
	Use:     "plugins",
	GroupID: "device",
	Short:   "List the plugins installed on the device",
	Long: `List the plugins installed on the device, with the address of each
plugin's documentation page.`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		reg := openRegistry()
		client := deviceClient(ctx, reg)

		plugins, err := client.Plugins(ctx)
		if err != nil {
			fatal("%v", err)
		}
		if len(plugins) == 0 {
			fmt.Println("No plugins installed")
			return
		}
		for _, name := range plugins {
			fmt.Printf("%s  %s\n", name, ui.RenderMuted(pluginDocURL(client.Address(), name)))
		}
	},
}

// pluginDocURL is where the device serves a plugin's documentation.
func pluginDocURL(address, name string) string {
	return fmt.Sprintf("%s/%s/%s/%s.html", address, gateway.PluginsDir, name, name)
}

func init() {
	rootCmd.AddCommand(pluginsCmd)
}
