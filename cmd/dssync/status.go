package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/droidscript/dssync/internal/gateway"
	"github.com/droidscript/dssync/internal/ui"
)

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "device",
	Short:   "Show the device address, reachability and projects",
	Run: func(cmd *cobra.Command, args []string) {
		reg := openRegistry()

		fmt.Printf("\n%s dssync status\n\n", ui.RenderAccent("📊"))
		fmt.Printf("Registry: %s\n", reg.Path())
		if settings.File != "" {
			fmt.Printf("Settings: %s\n", settings.File)
		}

		addr := reg.ServerAddress()
		if addr == "" {
			fmt.Printf("Device:   %s not configured\n", ui.RenderWarn("⚠"))
			fmt.Printf("   Run 'dssync connect <address>' to set one\n\n")
			return
		}

		client, err := gateway.New(gateway.Config{Address: addr, Logger: logger("gateway")})
		if err != nil {
			fatal("%v", err)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if info, err := client.ServerInfo(ctx); err != nil {
			fmt.Printf("Device:   %s (%s)\n", addr, ui.RenderFail("offline"))
			if cached := reg.Info(); cached.DeviceName != "" {
				fmt.Printf("Last seen: %s, version %g\n", cached.DeviceName, cached.Version)
			}
		} else {
			reg.SetInfo(*info)
			_ = reg.Save()
			fmt.Printf("Device:   %s (%s)\n", deviceLabel(*info, addr), ui.RenderPass("online"))
			fmt.Printf("Version:  %g\n", info.Version)
			if info.UsePass {
				fmt.Printf("Password: required\n")
			}
		}

		projects := reg.Projects()
		fmt.Printf("Projects: %d\n", len(projects))
		for _, p := range projects {
			line := fmt.Sprintf("   %s  %s", p.Name, ui.RenderMuted(p.Path))
			if p.Reload {
				line += "  " + ui.RenderWarn("(reload pending)")
			}
			fmt.Println(line)
		}
		fmt.Println()
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
