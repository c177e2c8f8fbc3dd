package cmd

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/austindbirch/control_core/internal/health"
)

// healthCmd represents the health command
var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check the health of the control core",
	Long:  `Check the health status of the control core through its /healthz endpoint.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := makeHTTPRequest(http.MethodGet, "/healthz", nil)
		if err != nil {
			return fmt.Errorf("health check failed: %w", err)
		}
		defer resp.Body.Close()

		// a 503 still carries a status body
		var st health.Status
		if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
			return fmt.Errorf("failed to decode health status (HTTP %d): %w", resp.StatusCode, err)
		}

		out := cmd.OutOrStdout()
		if outputJSON {
			if err := printJSON(out, st); err != nil {
				return err
			}
		} else if st.OK {
			fmt.Fprintf(out, "✓ Service is healthy (queue depth %d)\n", st.QueueDepth)
		} else {
			fmt.Fprintf(out, "✗ Service is unhealthy (HTTP %d): %s\n", resp.StatusCode, st.Message)
		}
		if !st.OK {
			return fmt.Errorf("service unhealthy")
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(healthCmd)
}
