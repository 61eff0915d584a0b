package cli

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/lazypower/rankd/internal/client"
)

var forgetCmd = &cobra.Command{
	Use:   "forget",
	Short: "Delete recorded usage",
}

var forgetResourceCmd = &cobra.Command{
	Use:   "resource <resource>",
	Short: "Forget every event for a resource (a trailing * matches a prefix)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return postForget(cmd, "/api/forget/resource", map[string]any{"resource": args[0]})
	},
}

var forgetRecentCmd = &cobra.Command{
	Use:   "recent <count> <hours|days|months>",
	Short: "Forget usage from the last count units",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		n, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("count must be an integer: %w", err)
		}
		return postForget(cmd, "/api/forget/recent", map[string]any{"count": n, "unit": args[1]})
	},
}

var forgetOlderCmd = &cobra.Command{
	Use:   "older <months>",
	Short: "Forget usage older than the given number of months",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		n, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("months must be an integer: %w", err)
		}
		return postForget(cmd, "/api/forget/older", map[string]any{"months": n})
	},
}

func postForget(cmd *cobra.Command, path string, body map[string]any) error {
	var resp struct {
		Forgotten int64 `json:"forgotten"`
	}
	if err := client.New().Post(cmd.Context(), path, body, &resp); err != nil {
		return err
	}
	fmt.Printf("forgot %d events\n", resp.Forgotten)
	return nil
}

func init() {
	forgetCmd.AddCommand(forgetResourceCmd)
	forgetCmd.AddCommand(forgetRecentCmd)
	forgetCmd.AddCommand(forgetOlderCmd)
}
