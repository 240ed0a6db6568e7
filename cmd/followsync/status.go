package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"followsync/pkg/checkpoint"
	"followsync/pkg/ui"
)

var (
	statusJSON  bool
	statusClear bool
)

// statusCmd represents the status command
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the last result for every synced target",
	Args:  cobra.NoArgs,
	Long: `Show the last result for every synced target, read from the run history
file. --clear removes the history after copying it to <file>.backup; the
record store is not touched.`,
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "print the history as JSON")
	statusCmd.Flags().BoolVar(&statusClear, "clear", false, "back up and remove the run history")
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, log, err := loadConfig(cmd, nil)
	if err != nil {
		return err
	}
	history, err := checkpoint.NewManager(cfg.Output.HistoryFile, log)
	if err != nil {
		return fmt.Errorf("open run history: %w", err)
	}
	if statusClear {
		if err := history.Backup(); err != nil {
			return err
		}
		if err := history.Delete(); err != nil {
			return err
		}
		newPrinter(cfg).Success("Run history cleared (backup at " + history.Path() + ".backup)")
		return nil
	}

	entries, err := history.List()
	if err != nil {
		return fmt.Errorf("read run history: %w", err)
	}

	if statusJSON || cfg.Output.JSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(entries)
	}

	rows := make([]ui.Row, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, ui.Row{
			Target:          e.TargetHandle,
			State:           e.State,
			NewFollowsFound: e.NewFollowsFound,
			EdgesWritten:    e.EdgesWritten,
			EdgesFailed:     e.EdgesFailed,
			Duration:        e.Duration(),
			Errors:          e.Errors,
		})
	}
	newPrinter(cfg).Summary("History "+history.Path(), rows)
	return nil
}
