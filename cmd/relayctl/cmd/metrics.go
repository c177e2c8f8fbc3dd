package cmd

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/austindbirch/control_core/internal/relay"
)

// metricsCmd represents the metrics command
var metricsCmd = &cobra.Command{
	Use:   "metrics",
	Short: "Show relay counters and depths",
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := makeHTTPRequest(http.MethodGet, "/metrics", nil)
		if err != nil {
			return fmt.Errorf("failed to fetch metrics: %w", err)
		}
		var stats relay.Stats
		if err := decodeResponse(resp, &stats); err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if outputJSON {
			return printJSON(out, stats)
		}
		fmt.Fprintf(out, "Enqueued:          %d\n", stats.Enqueued)
		fmt.Fprintf(out, "Processed:         %d\n", stats.Processed)
		fmt.Fprintf(out, "Failed:            %d\n", stats.Failed)
		fmt.Fprintf(out, "Queue depth:       %d\n", stats.QueueDepth)
		fmt.Fprintf(out, "Pending in log:    %d\n", stats.PendingLog)
		fmt.Fprintf(out, "Scheduled retries: %d\n", stats.ScheduledRetries)
		fmt.Fprintf(out, "Unique clients:    %d\n", stats.UniqueClients)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(metricsCmd)
}
