package cmd

import (
	"encoding/json"
	"os"

	"tuneforge/core/generation"
	"tuneforge/logger"

	"github.com/spf13/cobra"
)

var (
	sweepSkipPoll    bool
	sweepSkipStorage bool
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run one maintenance pass and exit",
	Long: `Ask the provider once about every unfinished task, rebuild tracks for
completed tasks that have none and copy provider hosted audio into storage.
Meant for cron when the server is not running.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx, appConfig)
		if err != nil {
			return err
		}
		defer a.close()

		a.bridge.Start()
		var report generation.SweepReport
		if !sweepSkipPoll {
			if err := a.sweeper.PollActive(ctx, &report); err != nil {
				logger.Error("[Sweep] polling failed", logger.ErrorField(err))
			}
		}
		if err := a.sweeper.Reconcile(ctx, &report); err != nil {
			logger.Error("[Sweep] reconciliation failed", logger.ErrorField(err))
		}
		if !sweepSkipStorage {
			if err := a.sweeper.SyncStorage(ctx, &report); err != nil {
				logger.Error("[Sweep] storage sync failed", logger.ErrorField(err))
			}
		}
		// drains the queued downloads before exiting
		a.bridge.Stop()

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	},
}

func init() {
	rootCmd.AddCommand(sweepCmd)
	sweepCmd.Flags().BoolVar(&sweepSkipPoll, "no-poll", false, "skip the provider status pass")
	sweepCmd.Flags().BoolVar(&sweepSkipStorage, "no-storage", false, "skip copying audio into storage")
}
