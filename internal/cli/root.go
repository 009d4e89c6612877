package cli

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	// version can be overridden at build time via:
	// go build -ldflags "-X github.com/velvetclaw/missionctl/internal/cli.version=1.2.3"
	version = "0.4.1"
	logo    = "\n" +
		"            _         _                 _   _\n" +
		"  _ __ ___ (_)___ ___(_) ___  _ __   __| |_| |\n" +
		" | '_ ` _ \\| / __/ __| |/ _ \\| '_ \\ / _| __| |\n" +
		" | | | | | | \\__ \\__ \\ | (_) | | | | (_| |_| |\n" +
		" |_| |_| |_|_|___/___/_|\\___/|_| |_|\\__,\\__|_|\n"
)

var rootCmd = &cobra.Command{
	Use:   "missionctl",
	Short: "VelvetClaw Mission Control - agent organization dashboard core",
	Long:  color.CyanString(logo) + "\nAggregation and query core for the VelvetClaw agent organization.",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(seedCmd)
}

func printHeader(title string) {
	fmt.Println(color.CyanString(logo))
	if title != "" {
		fmt.Println(title)
		fmt.Println("─────────────────────")
	}
}
