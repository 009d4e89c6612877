package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/velvetclaw/missionctl/internal/config"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		printHeader("🏷️ Mission Control Version")
		fmt.Printf("Version: %s\n", version)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show system status",
	Run: func(cmd *cobra.Command, args []string) {
		printHeader("📊 Mission Control Status")
		fmt.Printf("Version: %s\n", version)

		// Check config
		configPath, err := config.ConfigPath()
		if err == nil {
			if _, statErr := os.Stat(configPath); statErr == nil {
				fmt.Println("Config:  ✓ Found (" + configPath + ")")
			} else {
				fmt.Println("Config:  ✗ Not found (defaults in effect)")
			}
		}

		cfg, err := config.Load()
		if err != nil {
			fmt.Printf("Config:  ✗ Invalid: %v\n", err)
			return
		}

		// Check database presence
		dbPath := cfg.Paths.DBPath()
		if _, err := os.Stat(dbPath); err == nil {
			fmt.Println("Store:   ✓ Found (" + dbPath + ")")
		} else {
			fmt.Println("Store:   ✗ Not found (run 'missionctl serve' or 'missionctl seed' first)")
		}

		if cfg.Ingest.Enabled {
			fmt.Printf("Kafka:   ✓ Enabled (%s → %s)\n", cfg.Ingest.Brokers, cfg.Ingest.Topic)
		} else {
			fmt.Println("Kafka:   ✗ Disabled")
		}
		if cfg.Notify.Enabled && cfg.Notify.Token != "" {
			fmt.Println("Slack:   ✓ Enabled (" + cfg.Notify.Channel + ")")
		} else {
			fmt.Println("Slack:   ✗ Disabled")
		}
		if cfg.Search.EmbedAPIBase != "" {
			fmt.Println("Search:  ✓ Semantic + lexical")
		} else {
			fmt.Println("Search:  ✓ Lexical only")
		}

		fmt.Println("Status:  Ready")
	},
}
