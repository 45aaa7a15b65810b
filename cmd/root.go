package cmd

import (
	"fmt"
	"os"

	"tuneforge/config"
	"tuneforge/logger"

	"github.com/spf13/cobra"
)

var appConfig *config.Config

var rootCmd = &cobra.Command{
	Use:   "tuneforge",
	Short: "TuneForge tracks AI music generation from prompt to stored track.",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		appConfig = config.Load()
		logger.InitLogger(logger.Config{
			Level:      logger.LogLevel(appConfig.LogLevel),
			OutputPath: appConfig.LogFile,
			MaxSize:    100,
			MaxBackups: 5,
			MaxAge:     30,
			Compress:   true,
		})
		if appConfig.JWTSecret == "change-me" {
			logger.Warn("[App] JWT_SECRET is not set, using the development default")
		}
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logger.Sync()
	},
}

// Execute executes the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
