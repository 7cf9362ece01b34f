package main

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/kalambet/ridesweep/internal/config"
	"github.com/kalambet/ridesweep/internal/engine"
	"github.com/kalambet/ridesweep/internal/storage"
	"github.com/kalambet/ridesweep/internal/strava"
)

// --- once ---

var onceCmd = &cobra.Command{
	Use:   "once",
	Short: "Run a single resolution cycle and exit",
	Long: `Run a single resolution cycle and exit.

If the daemon is running, the cycle is triggered through its API. Otherwise
the cycle runs in-process against the same storage.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		// A running daemon owns the storage; hand the cycle to it.
		healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
		healthClient := &http.Client{Timeout: 2 * time.Second}
		if resp, err := healthClient.Get(healthURL); err == nil {
			resp.Body.Close()
			client, err := newAPIClient()
			if err != nil {
				return err
			}
			runResp, err := client.post(cmd.Context(), "/run", nil)
			if err != nil {
				return err
			}
			runResp.Body.Close()
			printSuccess("Cycle triggered on running daemon")
			return nil
		}

		return runOnce(cmd.Context(), cfg)
	},
}

func runOnce(ctx context.Context, cfg config.Config) error {
	setupLogging(cfg.Log.Level)

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer store.Close()

	tokens := strava.NewTokenManager(
		cfg.Strava.ClientID,
		cfg.Strava.ClientSecret,
		cfg.Strava.RefreshToken,
		store,
	)
	client := strava.NewClient(tokens, strava.WithPageSize(cfg.Sync.PerPage, cfg.Sync.MaxPages))
	hider := engine.NewHider(client, strava.RetryPolicy{
		MaxAttempts: cfg.Hide.MaxAttempts,
		BaseDelay:   cfg.Hide.BaseDelay,
		MaxDelay:    30 * time.Second,
	})
	eng := engine.New(client, hider, store, engine.Options{
		Lookback:    cfg.Sync.Lookback,
		MatchWindow: cfg.Sync.MatchWindow,
		Retention:   cfg.Sync.Retention,
	})

	report, err := eng.RunCycle(ctx)
	if err != nil {
		return err
	}

	printSuccess("Cycle complete: fetched %d, matched %d, hidden %d, skipped %d, failed %d",
		report.Fetched, report.Matched, report.Hidden, report.Skipped, report.Failed)
	return nil
}

// --- decisions ---

var decisionsCmd = &cobra.Command{
	Use:   "decisions",
	Short: "Inspect or reset the processed-activity cache",
}

var decisionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recorded decisions",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		outcome, _ := cmd.Flags().GetString("outcome")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		path := fmt.Sprintf("/decisions?limit=%d", limit)
		if outcome != "" {
			path += "&outcome=" + outcome
		}
		resp, err := client.get(cmd.Context(), path)
		if err != nil {
			return err
		}

		var decisions []struct {
			IndoorID  int64  `json:"indoor_id"`
			VirtualID int64  `json:"virtual_id"`
			Outcome   string `json:"outcome"`
			DeltaSec  int64  `json:"delta_seconds"`
			Detail    string `json:"detail"`
			DecidedAt string `json:"decided_at"`
		}
		if err := decodeJSON(resp, &decisions); err != nil {
			return err
		}

		if len(decisions) == 0 {
			fmt.Println("No decisions recorded.")
			return nil
		}

		for _, d := range decisions {
			line := fmt.Sprintf("%s  %s  indoor=%d",
				colorize(colorCyan, d.DecidedAt),
				colorize(colorBold, d.Outcome),
				d.IndoorID,
			)
			if d.VirtualID != 0 {
				line += fmt.Sprintf("  virtual=%d  delta=%ds", d.VirtualID, d.DeltaSec)
			}
			if d.Detail != "" {
				line += "  " + d.Detail
			}
			fmt.Println(line)
		}
		return nil
	},
}

var decisionsForgetCmd = &cobra.Command{
	Use:   "forget <activity-id>",
	Short: "Forget a decision so the activity is reconsidered next cycle",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid activity id %q", args[0])
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.delete(cmd.Context(), fmt.Sprintf("/decisions/%d", id))
		if err != nil {
			return err
		}

		var result map[string]any
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Forgot decision for activity %d", id)
		return nil
	},
}

func init() {
	decisionsListCmd.Flags().Int("limit", 50, "maximum number of decisions to list")
	decisionsListCmd.Flags().String("outcome", "", "filter by outcome (hidden, skipped_no_match, error)")
	decisionsCmd.AddCommand(decisionsListCmd)
	decisionsCmd.AddCommand(decisionsForgetCmd)
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		keys := config.ShowAll(cfg)
		for _, k := range keys {
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
