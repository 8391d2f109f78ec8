package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"applyd/pkg/models"
)

var profileCmd = &cobra.Command{
	Use:   "profile",
	Short: "Manage candidate profiles",
	Long:  "Import and inspect the candidate profiles campaigns apply on behalf of",
}

var importProfileCmd = &cobra.Command{
	Use:     "import",
	Short:   "Import a candidate profile from a JSON file",
	Example: `  applyd profile import --file profile.json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		file, _ := cmd.Flags().GetString("file")
		if file == "" {
			return fmt.Errorf("--file is required")
		}
		data, err := os.ReadFile(file)
		if err != nil {
			return fmt.Errorf("failed to read profile file: %w", err)
		}
		var profile models.CandidateProfile
		if err := json.Unmarshal(data, &profile); err != nil {
			return fmt.Errorf("invalid profile file: %w", err)
		}
		if profile.ProfileID == "" {
			return fmt.Errorf("profile_id is required")
		}

		store, closeStore, err := openStore()
		if err != nil {
			return err
		}
		defer closeStore()

		if err := store.UpsertProfile(&profile); err != nil {
			return fmt.Errorf("failed to save profile: %w", err)
		}
		fmt.Printf("✓ Profile imported: %s (%s)\n", profile.ProfileID, profile.Name)
		return nil
	},
}

var showProfileCmd = &cobra.Command{
	Use:   "show <profile-id>",
	Short: "Display a candidate profile",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, closeStore, err := openStore()
		if err != nil {
			return err
		}
		defer closeStore()

		profile, err := store.GetProfile(args[0])
		if err != nil {
			return fmt.Errorf("profile not found: %s", args[0])
		}

		fmt.Println(titleStyle.Render(profile.Name))
		fmt.Printf("%s %s\n", labelStyle.Render("ID:"), profile.ProfileID)
		fmt.Printf("%s %s\n", labelStyle.Render("Location:"), profile.Location)
		fmt.Printf("%s %v\n", labelStyle.Render("Remote OK:"), profile.RemoteOK)
		fmt.Printf("%s %v\n", labelStyle.Render("Skills:"), profile.Skills)
		if len(profile.Experience) > 0 {
			fmt.Printf("\n%s\n", labelStyle.Render("Experience"))
			for _, exp := range profile.Experience {
				end := "present"
				if exp.EndDate != nil {
					end = exp.EndDate.Format("Jan 2006")
				}
				fmt.Printf("  • %s at %s (%s – %s)\n",
					exp.Title, exp.Company, exp.StartDate.Format("Jan 2006"), end)
			}
		}
		return nil
	},
}

var cvCmd = &cobra.Command{
	Use:   "cv",
	Short: "Manage CV variant metadata",
	Long: `Registers CV variant metadata used for variant selection and keyword
scoring. The rendered artifact lives in the configured cv_dir, one file per
variant id (e.g. base-en.pdf).`,
}

var addCVCmd = &cobra.Command{
	Use:     "add",
	Short:   "Register a CV variant from a JSON file",
	Example: `  applyd cv add --file variant.json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		file, _ := cmd.Flags().GetString("file")
		if file == "" {
			return fmt.Errorf("--file is required")
		}
		data, err := os.ReadFile(file)
		if err != nil {
			return fmt.Errorf("failed to read variant file: %w", err)
		}
		var variant models.CVVariant
		if err := json.Unmarshal(data, &variant); err != nil {
			return fmt.Errorf("invalid variant file: %w", err)
		}
		if variant.VariantID == "" {
			return fmt.Errorf("variant_id is required")
		}

		store, closeStore, err := openStore()
		if err != nil {
			return err
		}
		defer closeStore()

		if err := store.UpsertVariant(&variant); err != nil {
			return fmt.Errorf("failed to save variant: %w", err)
		}
		fmt.Printf("✓ CV variant registered: %s (keywords: %v)\n", variant.VariantID, variant.Keywords)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(profileCmd)
	rootCmd.AddCommand(cvCmd)
	profileCmd.AddCommand(importProfileCmd)
	profileCmd.AddCommand(showProfileCmd)
	cvCmd.AddCommand(addCVCmd)

	importProfileCmd.Flags().String("file", "", "Profile JSON file")
	addCVCmd.Flags().String("file", "", "Variant JSON file")
}
