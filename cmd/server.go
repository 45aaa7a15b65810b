package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"tuneforge/config"
	"tuneforge/logger"
	"tuneforge/server"

	"github.com/spf13/cobra"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the HTTP API and the generation tracker",
	Long: `Start the HTTP API together with the background services: the status
pollers (resumed from the in-flight registry), the storage workers and the
periodic sweeper.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := newApp(ctx, appConfig)
		if err != nil {
			return err
		}
		defer a.close()

		a.bridge.Start()
		resumed, err := a.scheduler.Resume(ctx)
		if err != nil {
			logger.Error("[Server] failed to resume in-flight tasks", logger.ErrorField(err))
		} else {
			logger.Info("[Server] in-flight tasks resumed", logger.Int("count", resumed))
		}
		a.sweeper.Start(ctx)

		if appConfig.RateLimitFile != "" {
			go func() {
				if err := config.WatchRateRules(ctx, appConfig.RateLimitFile, a.rules.Set); err != nil {
					logger.Warn("[Server] rate limit rules will not reload", logger.ErrorField(err))
				}
			}()
		}

		err = server.Run(ctx, appConfig.HTTPAddr, server.NewRouter(a.apiHandler()))

		a.sweeper.Stop()
		a.scheduler.Stop()
		a.bridge.Stop()
		return err
	},
}

func init() {
	rootCmd.AddCommand(serverCmd)
}
