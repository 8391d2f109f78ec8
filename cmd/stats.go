package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"applyd/internal/config"
	"applyd/internal/database"
	"applyd/pkg/models"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show what the predictor has learned",
	Long:  "Per-platform success rates and density buckets from observed outcomes",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, closeStore, err := openStore()
		if err != nil {
			return err
		}
		defer closeStore()

		fmt.Println(titleStyle.Render("Predictor Priors"))

		any := false
		for _, platform := range models.Platforms {
			priors, err := store.Priors(platform)
			if err != nil {
				return fmt.Errorf("failed to read priors: %w", err)
			}
			if len(priors) == 0 {
				continue
			}
			any = true

			fmt.Printf("\n%s\n", labelStyle.Render(string(platform)))
			for _, p := range priors {
				fmt.Printf("  %-24s %s %6.1f%%  %s %d samples\n",
					p.BucketKey,
					labelStyle.Render("success:"), p.SuccessRate*100,
					valueStyle.Render("from"), p.SampleCount)
			}
		}
		if !any {
			fmt.Println("No outcomes observed yet. Priors build up as applications resolve.")
		}
		return nil
	},
}

// openStore opens the configured database for read-mostly CLI commands
func openStore() (*database.Store, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	db, err := database.Open(cfg.DBPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open database at %s: %w", cfg.DBPath, err)
	}
	return database.New(db), func() { _ = db.Close() }, nil
}

func init() {
	rootCmd.AddCommand(statsCmd)
}
