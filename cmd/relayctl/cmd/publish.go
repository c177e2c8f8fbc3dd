package cmd

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/austindbirch/control_core/internal/ingest"
)

// publishCmd represents the publish command
var publishCmd = &cobra.Command{
	Use:   "publish [client-id] [action]",
	Short: "Publish an event to the relay",
	Long: `Publish an event to the control core for relay to every target.

Example:
  relayctl publish client_42 login --user alice --metadata '{"ip":"10.0.0.1"}'`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		user, _ := cmd.Flags().GetString("user")
		metadataJSON, _ := cmd.Flags().GetString("metadata")
		timestamp, _ := cmd.Flags().GetString("timestamp")

		req := ingest.EventRequest{
			ClientID:  args[0],
			Action:    args[1],
			User:      user,
			Timestamp: timestamp,
		}
		if metadataJSON != "" {
			if err := json.Unmarshal([]byte(metadataJSON), &req.Metadata); err != nil {
				return fmt.Errorf("invalid metadata JSON: %w", err)
			}
		}

		resp, err := makeHTTPRequest(http.MethodPost, ingest.EventsPath, req)
		if err != nil {
			return fmt.Errorf("failed to publish event: %w", err)
		}
		var out ingest.Response
		if err := decodeResponse(resp, &out); err != nil {
			return err
		}

		w := cmd.OutOrStdout()
		if outputJSON {
			return printJSON(w, out)
		}
		fmt.Fprintf(w, "Queued event: %s\n", out.Event.ID)
		fmt.Fprintf(w, "  Client: %s  Action: %s\n", out.Event.ClientID, out.Event.Action)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(publishCmd)

	publishCmd.Flags().String("user", "", "user associated with the event")
	publishCmd.Flags().String("metadata", "", "metadata as a JSON object")
	publishCmd.Flags().String("timestamp", "", "producer timestamp, RFC3339")
}
