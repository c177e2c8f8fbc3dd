package cmd

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"

	"github.com/spf13/cobra"

	"github.com/austindbirch/control_core/internal/relay"
)

var overviewCmd = &cobra.Command{
	Use:   "overview",
	Short: "Show relay stats and the health of every target",
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := makeHTTPRequest(http.MethodGet, "/api/system/overview", nil)
		if err != nil {
			return fmt.Errorf("failed to get overview: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("overview request failed with status %d", resp.StatusCode)
		}

		var ov relay.Overview
		if err := json.NewDecoder(resp.Body).Decode(&ov); err != nil {
			return fmt.Errorf("failed to decode overview: %w", err)
		}

		out := cmd.OutOrStdout()
		if outputJSON {
			return printJSON(out, ov)
		}
		names := make([]string, 0, len(ov.Services))
		for name := range ov.Services {
			names = append(names, name)
		}
		sort.Strings(names)

		unhealthy := 0
		for _, name := range names {
			th := ov.Services[name]
			if th.OK {
				fmt.Fprintf(out, "✓ %-16s %s (%dms)\n", name, th.URL, th.LatencyMS)
				continue
			}
			unhealthy++
			fmt.Fprintf(out, "✗ %-16s %s: %s\n", name, th.URL, th.Error)
		}
		fmt.Fprintf(out, "Enqueued: %d  Processed: %d  Failed: %d  Unique clients: %d\n",
			ov.Metrics.Enqueued, ov.Metrics.Processed, ov.Metrics.Failed, ov.Metrics.UniqueClients)
		if unhealthy > 0 {
			return fmt.Errorf("%d of %d targets unhealthy", unhealthy, len(names))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(overviewCmd)
}
