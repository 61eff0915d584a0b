package cli

import (
	"fmt"
	"net/http"
	"os"

	"github.com/spf13/cobra"

	"github.com/lazypower/rankd/internal/client"
)

var (
	linkActivity string
	linkAgent    string
)

var linkCmd = &cobra.Command{
	Use:   "link <resource>",
	Short: "Pin a resource to an activity",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runLink(cmd, http.MethodPost, args[0])
	},
}

var unlinkCmd = &cobra.Command{
	Use:   "unlink <resource>",
	Short: "Remove a pinned resource from an activity",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runLink(cmd, http.MethodDelete, args[0])
	},
}

func runLink(cmd *cobra.Command, method, resource string) error {
	body := map[string]string{
		"activity": linkActivity,
		"agent":    linkAgent,
		"resource": resource,
	}
	var resp struct {
		Changed bool `json:"changed"`
	}
	if err := client.New().Do(cmd.Context(), method, "/api/links", body, &resp); err != nil {
		return err
	}
	if !resp.Changed {
		fmt.Fprintln(os.Stderr, "nothing changed")
	}
	return nil
}

func init() {
	for _, c := range []*cobra.Command{linkCmd, unlinkCmd} {
		c.Flags().StringVar(&linkActivity, "activity", "", "activity id (default: current)")
		c.Flags().StringVar(&linkAgent, "agent", "", "agent scope (default: global)")
	}
}
