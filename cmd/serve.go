package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"applyd/internal/app"
)

var (
	serveDryRun bool
	serveListen string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the campaign daemon",
	Long: `Starts the applyd daemon: the HTTP API, the campaign dispatcher and
the outcome tracker. Interrupted submissions from a previous run are
reconciled before any new dispatch happens.

Platform credentials are read from the environment (or a .env file in the
working directory): APPLYD_LINKEDIN_TOKEN, APPLYD_INDEED_TOKEN, and so on.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		// Best effort: a missing .env just means credentials come from
		// the process environment
		_ = godotenv.Load()

		a, err := app.New(app.Options{DryRun: serveDryRun, Verbose: verbose})
		if err != nil {
			return fmt.Errorf("failed to initialize: %w", err)
		}

		ctx := cmd.Context()
		defer func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), a.Config.DrainTimeout)
			defer cancel()
			a.Close(closeCtx)
		}()

		if err := a.Orchestrator.Recover(ctx); err != nil {
			return fmt.Errorf("recovery failed: %w", err)
		}

		trackerDone := make(chan struct{})
		trackerCtx, stopTracker := context.WithCancel(ctx)
		defer stopTracker()
		go func() {
			defer close(trackerDone)
			if err := a.Tracker.Run(trackerCtx); err != nil && !errors.Is(err, context.Canceled) {
				a.Logger.Error("tracker stopped", zap.Error(err))
			}
		}()

		addr := a.Config.ListenAddr
		if serveListen != "" {
			addr = serveListen
		}
		srv := &http.Server{
			Addr:              addr,
			Handler:           a.Server.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}

		errCh := make(chan error, 1)
		go func() {
			a.Logger.Info("listening", zap.String("addr", addr), zap.Bool("dry_run", serveDryRun))
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()

		select {
		case err := <-errCh:
			return err
		case <-ctx.Done():
		}

		a.Logger.Info("shutting down", zap.Duration("drain_timeout", a.Config.DrainTimeout))
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.Config.DrainTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.Logger.Warn("shutdown incomplete", zap.Error(err))
		}
		stopTracker()
		<-trackerDone
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().BoolVar(&serveDryRun, "dry-run", false, "Use scripted adapters; nothing leaves this machine")
	serveCmd.Flags().StringVar(&serveListen, "listen", "", "Override the configured listen address")
}
