package cli

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/lazypower/rankd/internal/activity"
	"github.com/lazypower/rankd/internal/client"
)

var activityCmd = &cobra.Command{
	Use:   "activity",
	Short: "List, create and switch activities",
	RunE: func(cmd *cobra.Command, args []string) error {
		var resp struct {
			Current    string              `json:"current"`
			Activities []activity.Activity `json:"activities"`
		}
		if err := client.New().Get(cmd.Context(), "/api/activities", nil, &resp); err != nil {
			return err
		}
		for _, a := range resp.Activities {
			marker := " "
			if a.ID == resp.Current {
				marker = "*"
			}
			fmt.Printf("%s %s\t%s\n", marker, a.ID, a.Name)
		}
		return nil
	},
}

var activityUse bool

var activityNewCmd = &cobra.Command{
	Use:   "new <name>",
	Short: "Create an activity",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var a activity.Activity
		body := map[string]any{"name": args[0], "use": activityUse}
		if err := client.New().Post(cmd.Context(), "/api/activities", body, &a); err != nil {
			return err
		}
		fmt.Println(a.ID)
		return nil
	},
}

var activityUseCmd = &cobra.Command{
	Use:   "use <id>",
	Short: "Make an activity current",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return client.New().Do(cmd.Context(), http.MethodPut, "/api/activities/current", map[string]string{"id": args[0]}, nil)
	},
}

var activityCurrentCmd = &cobra.Command{
	Use:   "current",
	Short: "Print the current activity",
	RunE: func(cmd *cobra.Command, args []string) error {
		var resp struct {
			ID string `json:"id"`
		}
		if err := client.New().Get(cmd.Context(), "/api/activities/current", nil, &resp); err != nil {
			return err
		}
		fmt.Println(resp.ID)
		return nil
	},
}

func init() {
	activityNewCmd.Flags().BoolVar(&activityUse, "use", false, "make the new activity current")
	activityCmd.AddCommand(activityNewCmd)
	activityCmd.AddCommand(activityUseCmd)
	activityCmd.AddCommand(activityCurrentCmd)
}
