package cmd

import (
	"context"
	"fmt"
	"log"
	"time"

	"tuneforge/cache"
	"tuneforge/config"
	"tuneforge/core/ratelimit"
	"tuneforge/db"

	"github.com/spf13/cobra"
)

var (
	redisUserID   int64
	redisService  string
	redisReset    bool
	redisInFlight bool
)

var redisCmd = &cobra.Command{
	Use:   "redis",
	Short: "Redis connection check and rate limit inspection",
	Long: `Check the Redis connection. With --user and --service show the current
rate limit window, with --reset clear it. With --inflight list the tasks the
pollers will resume on the next start.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := appConfig
		fmt.Printf("Redis: %s:%s, DB: %d\n", cfg.RedisHost, cfg.RedisPort, cfg.RedisDB)

		client, err := db.ConnectRedis(cfg)
		if err != nil {
			log.Fatalf("cannot connect to Redis: %v", err)
		}
		defer db.CloseRedis()

		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()
		if err := db.PingRedis(ctx, client); err != nil {
			log.Fatalf("Redis ping failed: %v", err)
		}
		fmt.Println("Redis connection OK")

		if redisUserID > 0 && redisService != "" {
			rules, err := config.LoadRateRules(cfg.RateLimitFile)
			if err != nil {
				log.Fatalf("failed to load rate limit rules: %v", err)
			}
			ruleSet := ratelimit.NewRules(rules)
			limiter := cache.NewRedisLimiter(client, ruleSet)

			if redisReset {
				if err := limiter.Reset(ctx, redisUserID, redisService); err != nil {
					log.Fatalf("reset failed: %v", err)
				}
				fmt.Printf("rate limit window cleared for user %d, service %s\n", redisUserID, redisService)
			}

			count, ttl, err := limiter.Peek(ctx, redisUserID, redisService)
			if err != nil {
				log.Fatalf("failed to read rate limit: %v", err)
			}
			rule := ruleSet.For(redisService)
			fmt.Printf("\nuser %d / %s\n", redisUserID, redisService)
			fmt.Printf("  limit:     %d per %s\n", rule.Max, rule.Window)
			fmt.Printf("  used:      %d\n", count)
			if ttl > 0 {
				fmt.Printf("  resets in: %s\n", ttl.Round(time.Second))
			}
		}

		if redisInFlight {
			tasks, err := cache.NewRedisRegistry(client).List(ctx)
			if err != nil {
				log.Fatalf("failed to list in-flight tasks: %v", err)
			}
			fmt.Printf("\nin-flight tasks: %d\n", len(tasks))
			for _, t := range tasks {
				fmt.Printf("  %s  user=%d  %s/%s  external=%s  since %s\n",
					t.TaskID, t.UserID, t.Service, t.Kind, t.ExternalTaskID,
					t.StartedAt.Format(time.RFC3339))
			}
		}
	},
}

func init() {
	rootCmd.AddCommand(redisCmd)
	redisCmd.Flags().Int64VarP(&redisUserID, "user", "u", 0, "user id to inspect")
	redisCmd.Flags().StringVarP(&redisService, "service", "s", "", "rate limited service (suno, mureka, lyrics...)")
	redisCmd.Flags().BoolVar(&redisReset, "reset", false, "clear the user's window for the service")
	redisCmd.Flags().BoolVarP(&redisInFlight, "inflight", "i", false, "list in-flight generation tasks")
}
