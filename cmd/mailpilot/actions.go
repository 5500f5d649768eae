package main

import (
	"encoding/json"

	"github.com/spf13/cobra"

	"github.com/mailpilot/mailpilot/internal/display"
	"github.com/mailpilot/mailpilot/internal/store"
)

var (
	actionsLimit int
	actionsJSON  bool
)

var actionsCmd = &cobra.Command{
	Use:   "actions",
	Short: "Show recently executed actions from the audit log",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := store.Open(cfg.DBPath)
		if err != nil {
			return err
		}
		defer db.Close()

		entries, err := db.RecentActions(actionsLimit)
		if err != nil {
			return err
		}

		if actionsJSON {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(entries)
		}

		if len(entries) == 0 {
			display.InfoMsg("no actions recorded yet")
			return nil
		}
		display.Header("Recent actions")
		for _, e := range entries {
			detail := e.Detail
			if detail != "" {
				detail = " (" + detail + ")"
			}
			display.InfoMsg("%s  %-9s %s%s", e.CreatedAt, e.Action, e.EmailID, detail)
		}
		return nil
	},
}

func init() {
	actionsCmd.Flags().IntVar(&actionsLimit, "limit", 20, "maximum entries to show")
	actionsCmd.Flags().BoolVar(&actionsJSON, "json", false, "output as JSON")
	rootCmd.AddCommand(actionsCmd)
}
