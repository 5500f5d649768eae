package main

import (
	"github.com/spf13/cobra"

	"github.com/mailpilot/mailpilot/internal/display"
	"github.com/mailpilot/mailpilot/internal/user"
)

var (
	profileFirst     string
	profileLast      string
	profileSignature string
	profileUseSig    bool
)

var profileCmd = &cobra.Command{
	Use:   "profile",
	Short: "Show or update the operator profile used in drafts",
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := user.Load(cfg.ProfilePath)
		if err != nil {
			return err
		}

		changed := false
		if cmd.Flags().Changed("first") {
			p.FirstName = profileFirst
			changed = true
		}
		if cmd.Flags().Changed("last") {
			p.LastName = profileLast
			changed = true
		}
		if cmd.Flags().Changed("signature") {
			p.Signature = profileSignature
			changed = true
		}
		if cmd.Flags().Changed("use-signature") {
			p.Prefs.UseSignature = profileUseSig
			changed = true
		}
		if changed {
			if err := user.Save(cfg.ProfilePath, p); err != nil {
				return err
			}
			display.SuccessMsg("profile saved to %s", cfg.ProfilePath)
		}

		display.Header("Operator profile")
		display.InfoMsg("name:          %s", p.DisplayName())
		display.InfoMsg("signature:     %q", p.Signature)
		display.InfoMsg("use signature: %v", p.Prefs.UseSignature)
		return nil
	},
}

func init() {
	profileCmd.Flags().StringVar(&profileFirst, "first", "", "first name")
	profileCmd.Flags().StringVar(&profileLast, "last", "", "last name")
	profileCmd.Flags().StringVar(&profileSignature, "signature", "", "sign-off appended to drafts")
	profileCmd.Flags().BoolVar(&profileUseSig, "use-signature", false, "append the signature to drafts")
	rootCmd.AddCommand(profileCmd)
}
