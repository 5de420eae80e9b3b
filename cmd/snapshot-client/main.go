package main

import (
	"context"
	"os"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/lx-tools/snapshot-client/internal/config"
	"github.com/lx-tools/snapshot-client/internal/leanix"
	"github.com/lx-tools/snapshot-client/internal/logging"
)

// CLI flags
var (
	configFlag       string
	skipSnapshotFlag bool
	skipSurveysFlag  bool
)

// rootCmd is the main Cobra command for the client.
var rootCmd = &cobra.Command{
	Use:   "snapshot-client",
	Short: "Export LeanIX workspace snapshots and survey results",
	Long: `snapshot-client authenticates against a LeanIX instance, triggers a full
export of the workspace, waits for the export job to finish and downloads
the resulting archive. It then downloads the result spreadsheet of every
survey run in the workspace.

The client is meant to be run from cron; all settings come from a TOML
config file with [mandatory] and [optional] sections.

Examples:
  snapshot-client --config /etc/leanix/config.toml
  snapshot-client --skip-surveys     # snapshot only
  snapshot-client --skip-snapshot    # survey results only`,
	Run: runMain,
}

func init() {
	rootCmd.Flags().StringVarP(&configFlag, "config", "c", "config.toml", "Path to the configuration file")
	rootCmd.Flags().BoolVar(&skipSnapshotFlag, "skip-snapshot", false, "Skip the snapshot export")
	rootCmd.Flags().BoolVar(&skipSurveysFlag, "skip-surveys", false, "Skip the survey result downloads")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// runMain is the main execution logic called by Cobra.
func runMain(cmd *cobra.Command, args []string) {
	logging.Init()
	log.Logger = log.With().Str("runId", uuid.NewString()).Logger()

	cfg, err := config.Load(configFlag)
	if err != nil {
		log.Fatal().Err(err).Str("config", configFlag).Msg("Failed to load configuration")
	}

	client, err := leanix.New(leanix.Options{
		Instance:       cfg.Hostname,
		APIToken:       cfg.APIToken,
		WorkspaceID:    cfg.WorkspaceID,
		HTTPProxy:      cfg.HTTPProxy,
		HTTPSProxy:     cfg.HTTPSProxy,
		ProxyRequired:  cfg.ProxyRequired,
		PollTimeout:    cfg.Timeout,
		ExportFilename: cfg.ExportFilename,
		SurveyFilename: cfg.SurveyFilename,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create LeanIX client")
	}

	ctx := context.Background()

	if err := client.Connect(ctx); err != nil {
		log.Fatal().Err(err).Msg("Authentication failed")
	}
	log.Info().Str("instance", cfg.Hostname).Msg("Authenticated against LeanIX instance")

	if !skipSnapshotFlag {
		result, err := client.TakeSnapshot(ctx)
		if err != nil {
			log.Fatal().Err(err).Msg("Snapshot export failed")
		}
		switch result.Outcome {
		case leanix.OutcomeCompleted:
			log.Info().Str("file", result.File).Msg("Snapshot export finished")
		case leanix.OutcomeTimedOut:
			log.Error().Str("jobId", result.JobID).Msg("Snapshot export timed out")
		case leanix.OutcomeNotCompleted:
			log.Error().Str("jobId", result.JobID).Str("status", result.ExportStatus).Msg("Snapshot export did not complete")
		case leanix.OutcomeDownloadFailed:
			log.Error().Str("jobId", result.JobID).Msg("Snapshot download failed")
		}
	}

	if !skipSurveysFlag {
		written, err := client.DownloadSurveys(ctx)
		if err != nil {
			log.Error().Err(err).Int("filesWritten", written).Msg("Survey download aborted")
		}
	}
}
