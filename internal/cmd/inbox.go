package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Trustflow-Network-Labs/inbox-node/internal/types"
)

var inboxCmd = &cobra.Command{
	Use:   "inbox",
	Short: "Switch between inboxes",
}

var inboxSwitchCmd = &cobra.Command{
	Use:   "switch <inbox-id>",
	Short: "Make another known inbox the active one",
	Long: `Close the active inbox, select the target's storage namespace and open it.

The choice survives restarts: the next 'start' opens the selected inbox.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		target := types.NewInboxID(args[0])
		if err := app.Inbox().Switch(cmd.Context(), target); err != nil {
			return err
		}
		ns, err := app.Current()
		if err != nil {
			return err
		}
		fmt.Printf("✓ Active inbox: %s (session %s)\n", ns.ID, ns.Session.State())
		return nil
	},
}

func init() {
	inboxCmd.AddCommand(inboxSwitchCmd)
	rootCmd.AddCommand(inboxCmd)
}
