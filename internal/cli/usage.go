package cli

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/lazypower/rankd/internal/client"
)

type resultRow struct {
	Resource string   `json:"resource"`
	Title    string   `json:"title"`
	MimeType string   `json:"mimetype"`
	Score    *float64 `json:"score"`
	Linked   bool     `json:"linked"`
}

var (
	recordActivity string
	recordKind     string
	recordTitle    string
	recordMime     string
	recordFlush    bool
)

var recordCmd = &cobra.Command{
	Use:   "record <resource>",
	Short: "Record a usage event for a resource",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := client.New()
		ctx := cmd.Context()
		body := map[string]any{
			"activity": recordActivity,
			"resource": args[0],
			"kind":     recordKind,
			"title":    recordTitle,
			"mimetype": recordMime,
		}
		if err := c.Post(ctx, "/api/usage", body, nil); err != nil {
			return err
		}
		if recordFlush {
			return c.Post(ctx, "/api/flush", nil, nil)
		}
		return nil
	},
}

var (
	querySelect   string
	queryOrder    string
	queryAgents   []string
	queryActivity []string
	queryTypes    []string
	queryLimit    int
)

var queryCmd = &cobra.Command{
	Use:   "query",
	Short: "List resources matching a query",
	RunE: func(cmd *cobra.Command, args []string) error {
		params := url.Values{}
		params.Set("select", querySelect)
		params.Set("order", queryOrder)
		params.Set("limit", strconv.Itoa(queryLimit))
		for _, a := range queryAgents {
			params.Add("agent", a)
		}
		for _, a := range queryActivity {
			params.Add("activity", a)
		}
		for _, t := range queryTypes {
			params.Add("type", t)
		}

		var resp struct {
			Results []resultRow `json:"results"`
		}
		if err := client.New().Get(cmd.Context(), "/api/results", params, &resp); err != nil {
			return err
		}
		printResults(resp.Results)
		return nil
	},
}

var rankCmd = &cobra.Command{
	Use:   "rank [activity]",
	Short: "Show the top ranked resources for an activity",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := "/api/rankings"
		if len(args) == 1 {
			path += "/" + url.PathEscape(args[0])
		}
		var resp struct {
			Activity string      `json:"activity"`
			Results  []resultRow `json:"results"`
		}
		if err := client.New().Get(cmd.Context(), path, nil, &resp); err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "activity %s\n", resp.Activity)
		printResults(resp.Results)
		return nil
	},
}

func printResults(rows []resultRow) {
	if len(rows) == 0 {
		fmt.Fprintln(os.Stderr, "no results")
		return
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	for _, r := range rows {
		score := "linked"
		if r.Score != nil {
			score = strconv.FormatFloat(*r.Score, 'f', 3, 64)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", score, r.Resource, r.Title, r.MimeType)
	}
	tw.Flush()
}

func init() {
	recordCmd.Flags().StringVar(&recordActivity, "activity", "", "activity id (default: current)")
	recordCmd.Flags().StringVar(&recordKind, "kind", "accessed", "event kind: accessed, opened or closed")
	recordCmd.Flags().StringVar(&recordTitle, "title", "", "resource title")
	recordCmd.Flags().StringVar(&recordMime, "mimetype", "", "resource mimetype")
	recordCmd.Flags().BoolVar(&recordFlush, "flush", false, "score pending usage before returning")

	queryCmd.Flags().StringVar(&querySelect, "select", "all", "linked, used or all")
	queryCmd.Flags().StringVar(&queryOrder, "order", "high-score", "high-score, recently-used, recently-created, alphabetical or title")
	queryCmd.Flags().StringSliceVar(&queryAgents, "agent", nil, "agent filter (repeatable)")
	queryCmd.Flags().StringSliceVar(&queryActivity, "activity", nil, "activity filter (repeatable)")
	queryCmd.Flags().StringSliceVar(&queryTypes, "type", nil, "mimetype filter (repeatable)")
	queryCmd.Flags().IntVar(&queryLimit, "limit", 20, "maximum results")
}
