package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"applyd/internal/config"
	"applyd/pkg/models"
)

var campaignCmd = &cobra.Command{
	Use:   "campaign",
	Short: "Manage application campaigns",
	Long:  "Create, run and inspect campaigns on a running applyd daemon",
}

var createCampaignCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a new campaign",
	Example: `  applyd campaign create --profile prof-1
  applyd campaign create --profile prof-1 --config campaign.json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		profileID, _ := cmd.Flags().GetString("profile")
		configFile, _ := cmd.Flags().GetString("config")
		if profileID == "" {
			return fmt.Errorf("--profile is required")
		}

		var campaignCfg json.RawMessage = []byte("{}")
		if configFile != "" {
			data, err := os.ReadFile(configFile)
			if err != nil {
				return fmt.Errorf("failed to read config file: %w", err)
			}
			campaignCfg = data
		}

		var out struct {
			CampaignID string `json:"campaign_id"`
		}
		err := callDaemon(http.MethodPost, "/campaigns", map[string]any{
			"profile_id": profileID,
			"config":     campaignCfg,
		}, &out)
		if err != nil {
			return err
		}
		fmt.Printf("✓ Campaign created: %s\n", out.CampaignID)
		return nil
	},
}

var addJobsCmd = &cobra.Command{
	Use:     "jobs <campaign-id>",
	Short:   "Enqueue job postings from a JSON file",
	Args:    cobra.ExactArgs(1),
	Example: `  applyd campaign jobs 4f2c... --file jobs.json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		file, _ := cmd.Flags().GetString("file")
		if file == "" {
			return fmt.Errorf("--file is required")
		}
		data, err := os.ReadFile(file)
		if err != nil {
			return fmt.Errorf("failed to read jobs file: %w", err)
		}
		var jobs []*models.JobPosting
		if err := json.Unmarshal(data, &jobs); err != nil {
			return fmt.Errorf("invalid jobs file: %w", err)
		}

		var out struct {
			Added int `json:"added"`
		}
		if err := callDaemon(http.MethodPost, "/campaigns/"+args[0]+"/jobs", map[string]any{"jobs": jobs}, &out); err != nil {
			return err
		}
		fmt.Printf("✓ Enqueued %d of %d jobs (duplicates skipped)\n", out.Added, len(jobs))
		return nil
	},
}

var runCampaignCmd = transitionCommand("run", "Start dispatching a campaign")
var pauseCampaignCmd = transitionCommand("pause", "Pause a running campaign")
var resumeCampaignCmd = transitionCommand("resume", "Resume a paused campaign")
var stopCampaignCmd = transitionCommand("stop", "Stop a campaign and withdraw pending applications")

func transitionCommand(verb, short string) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " <campaign-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := callDaemon(http.MethodPost, "/campaigns/"+args[0]+"/"+verb, nil, nil); err != nil {
				return err
			}
			fmt.Printf("✓ Campaign %s: %s\n", args[0], verb)
			return nil
		},
	}
}

var campaignStatusCmd = &cobra.Command{
	Use:   "status <campaign-id>",
	Short: "Show a campaign's state and counters",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var out struct {
			Campaign models.Campaign         `json:"campaign"`
			Counters models.CampaignCounters `json:"counters"`
			Paused   []models.Platform       `json:"paused_platforms"`
		}
		if err := callDaemon(http.MethodGet, "/campaigns/"+args[0], nil, &out); err != nil {
			return err
		}

		fmt.Println(titleStyle.Render("Campaign " + out.Campaign.CampaignID))
		fmt.Printf("%s %s\n", labelStyle.Render("State:"), valueStyle.Render(string(out.Campaign.State)))
		fmt.Printf("%s %s\n", labelStyle.Render("Profile:"), out.Campaign.ProfileID)
		fmt.Printf("%s %s\n", labelStyle.Render("Created:"), out.Campaign.CreatedAt.Format("Jan 2, 2006 15:04"))
		if len(out.Paused) > 0 {
			fmt.Printf("%s %v\n", labelStyle.Render("Paused platforms:"), out.Paused)
		}

		c := out.Counters
		fmt.Printf("\n%s\n", labelStyle.Render("Applications"))
		fmt.Printf("  Planned: %d | Submitted: %d | Failed: %d\n", c.Planned, c.Submitted, c.Failed)
		fmt.Printf("  Interviews: %d | Offers: %d | Rejected: %d | Ghosted: %d\n",
			c.Interviews, c.Offers, c.Rejected, c.Ghosted)
		return nil
	},
}

var listCampaignsCmd = &cobra.Command{
	Use:   "list",
	Short: "List all campaigns",
	RunE: func(cmd *cobra.Command, args []string) error {
		var out struct {
			Campaigns []*models.Campaign `json:"campaigns"`
		}
		if err := callDaemon(http.MethodGet, "/campaigns", nil, &out); err != nil {
			return err
		}
		if len(out.Campaigns) == 0 {
			fmt.Println("No campaigns yet. Create one with 'applyd campaign create'")
			return nil
		}

		fmt.Println(titleStyle.Render("Campaigns"))
		for _, c := range out.Campaigns {
			fmt.Printf("• %s\n", c.CampaignID)
			fmt.Printf("  %s %s | %s %s\n",
				labelStyle.Render("State:"), c.State,
				labelStyle.Render("Profile:"), c.ProfileID)
		}
		return nil
	},
}

var campaignEventsCmd = &cobra.Command{
	Use:   "events <campaign-id>",
	Short: "Show a campaign's event log",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		since, _ := cmd.Flags().GetInt64("since")
		follow, _ := cmd.Flags().GetBool("follow")

		for {
			path := fmt.Sprintf("/campaigns/%s/events?since=%d", args[0], since)
			if follow {
				path += "&wait=25"
			}
			var out struct {
				Events []*models.Event `json:"events"`
			}
			if err := callDaemon(http.MethodGet, path, nil, &out); err != nil {
				return err
			}
			for _, ev := range out.Events {
				line := fmt.Sprintf("%6d  %s  %-26s", ev.Seq, ev.TS.Format(time.RFC3339), ev.Kind)
				if ev.ApplicationID != "" {
					line += "  " + ev.ApplicationID
				}
				if len(ev.Payload) > 0 {
					line += "  " + string(ev.Payload)
				}
				fmt.Println(line)
				since = ev.Seq
			}
			if !follow {
				return nil
			}
			if err := cmd.Context().Err(); err != nil {
				return nil
			}
		}
	},
}

// callDaemon issues one request against the configured daemon address
func callDaemon(method, path string, body, out any) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	var buf io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		buf = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, "http://"+cfg.ListenAddr+path, buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := (&http.Client{Timeout: 60 * time.Second}).Do(req)
	if err != nil {
		return fmt.Errorf("daemon unreachable at %s (is 'applyd serve' running?): %w", cfg.ListenAddr, err)
	}
	defer res.Body.Close()

	if res.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.NewDecoder(res.Body).Decode(&apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s", apiErr.Error)
		}
		return fmt.Errorf("daemon returned %s", res.Status)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(res.Body).Decode(out)
}

func init() {
	rootCmd.AddCommand(campaignCmd)
	campaignCmd.AddCommand(createCampaignCmd)
	campaignCmd.AddCommand(addJobsCmd)
	campaignCmd.AddCommand(runCampaignCmd)
	campaignCmd.AddCommand(pauseCampaignCmd)
	campaignCmd.AddCommand(resumeCampaignCmd)
	campaignCmd.AddCommand(stopCampaignCmd)
	campaignCmd.AddCommand(campaignStatusCmd)
	campaignCmd.AddCommand(listCampaignsCmd)
	campaignCmd.AddCommand(campaignEventsCmd)

	createCampaignCmd.Flags().String("profile", "", "Candidate profile id")
	createCampaignCmd.Flags().String("config", "", "Campaign config JSON file")
	addJobsCmd.Flags().String("file", "", "JSON file with an array of job postings")
	campaignEventsCmd.Flags().Int64("since", 0, "Only events after this sequence number")
	campaignEventsCmd.Flags().Bool("follow", false, "Keep long-polling for new events")
}
