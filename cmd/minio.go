package cmd

import (
	"fmt"
	"log"
	"sort"

	"tuneforge/storage"

	"github.com/spf13/cobra"
)

var (
	minioPrefix string
	minioStats  bool
	minioStat   string
	minioDelete bool
	minioRemove string
)

var minioCmd = &cobra.Command{
	Use:   "minio",
	Short: "Inspect and manage the audio bucket",
	Long:  `List stored audio and stems, show bucket statistics, inspect one object or delete everything under a prefix.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := appConfig
		fmt.Printf("MinIO: %s, bucket: %s\n", cfg.MinioEndpoint, cfg.MinioBucket)

		ctx := cmd.Context()
		store, err := storage.NewMinioStore(ctx, cfg)
		if err != nil {
			log.Fatalf("cannot connect to MinIO: %v", err)
		}
		fmt.Printf("connected, using bucket %s\n", store.Bucket())

		switch {
		case minioDelete:
			if minioPrefix == "" {
				log.Fatal("delete needs a prefix (-p)")
			}
			n, err := store.RemovePrefix(ctx, minioPrefix)
			if err != nil {
				log.Fatalf("delete failed: %v", err)
			}
			fmt.Printf("removed %d objects under %s\n", n, minioPrefix)

		case minioRemove != "":
			if err := store.Remove(ctx, minioRemove); err != nil {
				log.Fatalf("%v", err)
			}
			fmt.Printf("removed %s\n", minioRemove)

		case minioStat != "":
			info, err := store.Stat(ctx, minioStat)
			if err != nil {
				log.Fatalf("%v", err)
			}
			fmt.Printf("\nkey:           %s\n", info.Key)
			fmt.Printf("size:          %s\n", storage.FormatSize(info.Size))
			fmt.Printf("content type:  %s\n", info.ContentType)
			fmt.Printf("last modified: %s\n", info.LastModified.Format("2006-01-02 15:04:05"))
			fmt.Printf("etag:          %s\n", info.ETag)

		default:
			objects, stats, err := store.List(ctx, minioPrefix)
			if err != nil {
				log.Fatalf("list failed: %v", err)
			}
			if !minioStats {
				fmt.Println()
				for _, o := range objects {
					fmt.Printf("%10s  %s  %s\n", storage.FormatSize(o.Size), o.LastModified.Format("2006-01-02 15:04"), o.Key)
				}
			}
			fmt.Printf("\nobjects: %d, total: %s\n", stats.TotalObjects, storage.FormatSize(stats.TotalSize))
			if stats.TotalObjects > 0 {
				fmt.Printf("last modified: %s\n", stats.LastModified.Format("2006-01-02 15:04:05"))
			}
			kinds := make([]string, 0, len(stats.ByKind))
			for k := range stats.ByKind {
				kinds = append(kinds, k)
			}
			sort.Strings(kinds)
			for _, k := range kinds {
				fmt.Printf("  %-6s %s\n", k, storage.FormatSize(stats.ByKind[k]))
			}
		}
	},
}

func init() {
	rootCmd.AddCommand(minioCmd)
	minioCmd.Flags().StringVarP(&minioPrefix, "prefix", "p", "", "object prefix, e.g. audio/7/ or stems/42/")
	minioCmd.Flags().BoolVarP(&minioStats, "stats", "s", false, "only print statistics")
	minioCmd.Flags().StringVar(&minioStat, "stat", "", "show metadata for one object key")
	minioCmd.Flags().BoolVarP(&minioDelete, "delete", "d", false, "delete everything under the prefix")
	minioCmd.Flags().StringVar(&minioRemove, "rm", "", "delete one object key")
	minioCmd.Example = `  tuneforge minio -p audio/7/
  tuneforge minio -s
  tuneforge minio --stat audio/7/42.mp3
  tuneforge minio -p stems/42/ -d
  tuneforge minio --rm audio/7/42.mp3`
}
