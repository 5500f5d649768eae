package main

import (
	"github.com/spf13/cobra"

	"github.com/mailpilot/mailpilot/internal/auth"
	"github.com/mailpilot/mailpilot/internal/display"
)

var authCmd = &cobra.Command{
	Use:   "auth",
	Short: "Authorize Gmail access interactively",
	Long:  "Run the OAuth consent flow and store token.json next to credentials.json.",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := auth.Authorize(cmd.Context(), cfg.CredentialsPath); err != nil {
			return err
		}
		display.SuccessMsg("Gmail authorized")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(authCmd)
}
