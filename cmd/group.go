package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	groupUserID int64
	groupTaskID string
)

var groupCmd = &cobra.Command{
	Use:   "group",
	Short: "Group a user's generated takes into variant sets",
	RunE: func(cmd *cobra.Command, args []string) error {
		if groupUserID <= 0 {
			return fmt.Errorf("--user is required")
		}
		ctx := cmd.Context()
		a, err := newApp(ctx, appConfig)
		if err != nil {
			return err
		}
		defer a.close()

		res, err := a.grouper.GroupTracks(ctx, groupUserID, groupTaskID)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	},
}

func init() {
	rootCmd.AddCommand(groupCmd)
	groupCmd.Flags().Int64VarP(&groupUserID, "user", "u", 0, "user id")
	groupCmd.Flags().StringVarP(&groupTaskID, "task", "t", "", "provider task id; all of the user's tracks when empty")
	groupCmd.Example = `  tuneforge group -u 7
  tuneforge group -u 7 -t 5c79b5b0f6d1`
}
