package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"applyd/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
	Long:  "View and update daemon configuration settings",
}

var showConfigCmd = &cobra.Command{
	Use:   "show",
	Short: "Display current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		fmt.Println(titleStyle.Render("Configuration"))
		fmt.Printf("%s %s\n", labelStyle.Render("Config File:"), config.Path())
		fmt.Printf("%s %s\n", labelStyle.Render("Listen Addr:"), cfg.ListenAddr)
		fmt.Printf("%s %s\n", labelStyle.Render("Database:"), cfg.DBPath)
		fmt.Printf("%s %s\n", labelStyle.Render("CV Dir:"), cfg.CVDir)
		fmt.Printf("%s %d submit / %d poll\n", labelStyle.Render("Workers:"), cfg.SubmitWorkers, cfg.PollWorkers)
		fmt.Printf("%s cap=%d threshold=%.2f ghosting=%dd retries=%d\n",
			labelStyle.Render("Campaign defaults:"),
			cfg.DailyApplicationCap, cfg.PredictorThreshold, cfg.GhostingDeadlineDays, cfg.MaxRetries)

		// Credentials stay in the environment; report presence only
		for _, env := range []string{"APPLYD_LINKEDIN_TOKEN", "APPLYD_INDEED_TOKEN", "APPLYD_GLASSDOOR_TOKEN", "APPLYD_MONSTER_TOKEN"} {
			state := "✗ Not configured"
			if os.Getenv(env) != "" {
				state = "✓ Configured"
			}
			fmt.Printf("%s %s\n", labelStyle.Render(env+":"), state)
		}
		return nil
	},
}

var setConfigCmd = &cobra.Command{
	Use:   "set",
	Short: "Update a configuration value",
	Example: `  applyd config set --key listen_addr --value 127.0.0.1:9000
  applyd config set --key predictor_threshold --value 0.7`,
	RunE: func(cmd *cobra.Command, args []string) error {
		key, _ := cmd.Flags().GetString("key")
		value, _ := cmd.Flags().GetString("value")
		if key == "" || value == "" {
			return fmt.Errorf("both --key and --value are required")
		}

		// Load first so Set writes into a parsed config file
		if _, err := config.Load(); err != nil {
			return err
		}
		if err := config.Set(key, value); err != nil {
			return fmt.Errorf("failed to update config: %w", err)
		}
		fmt.Printf("✓ Configuration updated: %s\n", key)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(showConfigCmd)
	configCmd.AddCommand(setConfigCmd)

	setConfigCmd.Flags().String("key", "", "Configuration key")
	setConfigCmd.Flags().String("value", "", "Configuration value")
}
