package nimctl

import (
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"time"

	"github.com/briancaffey/nvidia-nim-kit/internal/pagination"
	"github.com/spf13/cobra"
)

// maxListLimit matches the server's cap on /api/llm/requests page size.
const maxListLimit = 1000

type requestRow struct {
	ID          string    `json:"id"`
	RequestType string    `json:"request_type"`
	NimID       string    `json:"nim_id"`
	Model       string    `json:"model"`
	Stream      bool      `json:"stream"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"date_created"`
}

type requestList struct {
	Requests   []requestRow    `json:"requests"`
	Total      int             `json:"total"`
	Pagination pagination.Page `json:"pagination"`
}

type requestStats struct {
	TotalRequests int            `json:"total_requests"`
	ByType        map[string]int `json:"by_type"`
	ByStatus      map[string]int `json:"by_status"`
	ByNim         map[string]int `json:"by_nim"`
	Streaming     struct {
		Streaming    int `json:"streaming"`
		NonStreaming int `json:"non_streaming"`
	} `json:"streaming_vs_non_streaming"`
}

var requestsCmd = &cobra.Command{
	Use:     "requests",
	Aliases: []string{"req"},
	Short:   "Browse recorded inference requests",
}

var requestsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recorded requests, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _, err := mustClient()
		if err != nil {
			return err
		}
		page, _ := cmd.Flags().GetInt("page")
		limit, _ := cmd.Flags().GetInt("limit")
		if limit <= 0 {
			limit = pagination.DefaultLimit
		}
		if limit > maxListLimit {
			limit = maxListLimit
		}

		query := url.Values{}
		query.Set("limit", strconv.Itoa(limit))
		query.Set("offset", strconv.Itoa(pagination.OffsetForPage(page, limit)))
		for _, name := range []string{"status", "nim-id", "request-type"} {
			if v, _ := cmd.Flags().GetString(name); v != "" {
				query.Set(flagToQuery(name), v)
			}
		}

		var list requestList
		if err := client.GetJSON("/api/llm/requests", query, &list); err != nil {
			return err
		}
		if handled, err := writeStructured(cmd.OutOrStdout(), list); handled || err != nil {
			return err
		}

		// keep a local cursor so the footer matches what the UI would show
		if list.Pagination.Limit > 0 {
			limit = list.Pagination.Limit
		}
		state := pagination.New(pagination.Options{InitialLimit: limit})
		state.SetTotal(list.Total)
		state.SetPage(list.Pagination.CurrentPage)

		tw := newTable(cmd.OutOrStdout())
		fmt.Fprintln(tw, "ID\tTYPE\tNIM\tMODEL\tSTREAM\tSTATUS\tCREATED")
		for _, r := range list.Requests {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%t\t%s\t%s\n",
				r.ID, r.RequestType, valueOrDash(r.NimID), valueOrDash(r.Model), r.Stream, r.Status, r.CreatedAt.Local().Format(time.RFC3339))
		}
		flushTable(tw)
		footer := fmt.Sprintf("Page %d of %d (%d total)", state.Page(), state.TotalPages(), state.Total())
		if state.HasNextPage() {
			footer += fmt.Sprintf(", next: --page %d", state.Page()+1)
		}
		fmt.Fprintln(cmd.OutOrStdout(), mutedStyle.Render(footer))
		return nil
	},
}

func flagToQuery(name string) string {
	switch name {
	case "nim-id":
		return "nim_id"
	case "request-type":
		return "request_type"
	default:
		return name
	}
}

var requestsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Summarize recorded requests",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _, err := mustClient()
		if err != nil {
			return err
		}
		var stats requestStats
		if err := client.GetJSON("/api/llm/requests/stats", nil, &stats); err != nil {
			return err
		}
		if handled, err := writeStructured(cmd.OutOrStdout(), stats); handled || err != nil {
			return err
		}

		tw := newTable(cmd.OutOrStdout())
		fmt.Fprintf(tw, "TOTAL\t%d\n", stats.TotalRequests)
		fmt.Fprintf(tw, "STREAMING\t%d\n", stats.Streaming.Streaming)
		fmt.Fprintf(tw, "NON-STREAMING\t%d\n", stats.Streaming.NonStreaming)
		for _, group := range []struct {
			label  string
			counts map[string]int
		}{{"TYPE", stats.ByType}, {"STATUS", stats.ByStatus}, {"NIM", stats.ByNim}} {
			keys := make([]string, 0, len(group.counts))
			for k := range group.counts {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				fmt.Fprintf(tw, "%s %s\t%d\n", group.label, k, group.counts[k])
			}
		}
		flushTable(tw)
		return nil
	},
}

var requestsDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a recorded request",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _, err := mustClient()
		if err != nil {
			return err
		}
		if err := client.Delete("/api/llm/inference/"+url.PathEscape(args[0]), nil); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Deleted request %s.\n", args[0])
		return nil
	},
}

func init() {
	requestsListCmd.Flags().Int("page", 1, "Page number (1-based)")
	requestsListCmd.Flags().Int("limit", pagination.DefaultLimit, "Requests per page")
	requestsListCmd.Flags().String("status", "", "Filter by status (pending|completed|error)")
	requestsListCmd.Flags().String("nim-id", "", "Filter by NIM id")
	requestsListCmd.Flags().String("request-type", "", "Filter by request type (chat|completion)")
	requestsCmd.AddCommand(requestsListCmd)
	requestsCmd.AddCommand(requestsStatsCmd)
	requestsCmd.AddCommand(requestsDeleteCmd)
}
