package cmd

import (
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/austindbirch/control_core/internal/eventlog"
)

const defaultLogPath = "data/relay_log.jsonl"

var logPath string

// logCmd represents the log command
var logCmd = &cobra.Command{
	Use:   "log",
	Short: "Inspect the durable event log",
	Long:  `Inspect or compact the relay's durable event log file directly.`,
}

// logLsCmd lists undelivered events
var logLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List undelivered events in the log",
	RunE: func(cmd *cobra.Command, args []string) error {
		events, err := eventlog.Read(resolveLogPath())
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if outputJSON {
			return printJSON(out, events)
		}
		if len(events) == 0 {
			fmt.Fprintln(out, "No undelivered events")
			return nil
		}
		tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tCLIENT\tACTION\tATTEMPTS\tENQUEUED")
		for _, ev := range events {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", ev.ID, ev.ClientID, ev.Action, ev.Attempts, ev.EnqueuedAt.Format(time.RFC3339))
		}
		return tw.Flush()
	},
}

// logCompactCmd rewrites the log keeping only live records
var logCompactCmd = &cobra.Command{
	Use:   "compact",
	Short: "Compact the log file (refused while the relay holds it)",
	RunE: func(cmd *cobra.Command, args []string) error {
		path := resolveLogPath()
		before, err := fileSize(path)
		if err != nil {
			return err
		}

		l, err := eventlog.Open(path, eventlog.Options{})
		if errors.Is(err, eventlog.ErrLocked) {
			return fmt.Errorf("%w; stop the relay before compacting", err)
		}
		if err != nil {
			return err
		}
		if err := l.Compact(); err != nil {
			_ = l.Close()
			return err
		}
		live := l.Len()
		if err := l.Close(); err != nil {
			return err
		}

		after, err := fileSize(path)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if outputJSON {
			return printJSON(out, map[string]any{
				"path":         path,
				"live_events":  live,
				"bytes_before": before,
				"bytes_after":  after,
			})
		}
		fmt.Fprintf(out, "Compacted %s: %d live events, %d -> %d bytes\n", path, live, before, after)
		return nil
	},
}

func resolveLogPath() string {
	if logPath != "" {
		return logPath
	}
	if p := os.Getenv("CC_LOG_PATH"); p != "" {
		return p
	}
	return defaultLogPath
}

func fileSize(path string) (int64, error) {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

func init() {
	rootCmd.AddCommand(logCmd)
	logCmd.AddCommand(logLsCmd, logCompactCmd)

	logCmd.PersistentFlags().StringVar(&logPath, "path", "", "event log file (default $CC_LOG_PATH or "+defaultLogPath+")")
}
