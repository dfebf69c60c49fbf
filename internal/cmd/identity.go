package cmd

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/Trustflow-Network-Labs/inbox-node/internal/types"
)

var (
	importKeyFile string
	forceBurn     bool
	forceExport   bool
)

var identityCmd = &cobra.Command{
	Use:   "identity",
	Short: "Manage the inboxes on this device",
}

var identityCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create (or import) an identity and make it the active inbox",
	Long: `Create a fresh secp256k1 identity, register it with the network and make it the
active inbox. With --import-key the key is read from a file holding a hex private key.

The private key is sealed in the inbox's vault with the vault passphrase.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var hexKey string
		if importKeyFile != "" {
			raw, err := os.ReadFile(importKeyFile)
			if err != nil {
				return fmt.Errorf("failed to read key file: %w", err)
			}
			hexKey = strings.TrimSpace(string(raw))
		}

		ident, err := app.CreateIdentity(cmd.Context(), hexKey)
		if err != nil {
			return err
		}
		fmt.Println("✓ Identity created")
		fmt.Printf("  Address:  %s\n", ident.Address.Checksum())
		fmt.Printf("  Inbox ID: %s\n", ident.InboxID)
		return nil
	},
}

var identityListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the inboxes known on this device",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		inboxes, err := app.ListIdentities()
		if err != nil {
			return err
		}
		if len(inboxes) == 0 {
			fmt.Println("No inboxes yet. Run 'inbox-node identity create'.")
			return nil
		}
		active, _ := global.StorageNamespace()

		w := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
		fmt.Fprintln(w, "\tINBOX ID\tADDRESS\tNAME\tLAST OPENED")
		for _, ki := range inboxes {
			marker := ""
			if ki.InboxID == active {
				marker = "*"
			}
			opened := "-"
			if !ki.LastOpened.IsZero() {
				opened = ki.LastOpened.Format(time.RFC3339)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", marker, ki.InboxID, ki.Address.Checksum(), ki.DisplayName, opened)
		}
		return w.Flush()
	},
}

var identityBurnCmd = &cobra.Command{
	Use:   "burn <inbox-id>",
	Short: "Permanently delete an inbox and its local data",
	Long: `Delete an inbox's storage namespace (conversations, messages, contacts and the
sealed private key) from this device. This cannot be undone.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id := types.NewInboxID(args[0])
		if !forceBurn && !confirm(fmt.Sprintf("Burn inbox %s and all of its local data?", id)) {
			fmt.Println("Burn cancelled.")
			return nil
		}
		if err := app.BurnIdentity(cmd.Context(), id); err != nil {
			return err
		}
		fmt.Printf("✓ Inbox %s burned\n", id)
		return nil
	},
}

var identityExportKeyCmd = &cobra.Command{
	Use:   "export-key",
	Short: "Print the active identity's private key",
	Long: `Unseal and print the active identity's private key as hex.

SECURITY WARNING: the private key grants full control over the identity.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		target, err := global.StorageNamespace()
		if err != nil {
			return err
		}
		if target.IsZero() {
			return fmt.Errorf("no active inbox")
		}
		if !forceExport && !confirm("This prints your private key in clear text. Continue?") {
			fmt.Println("Export cancelled.")
			return nil
		}
		key, err := app.ExportIdentityKey(target)
		if err != nil {
			return err
		}
		fmt.Println(key)
		return nil
	},
}

func init() {
	identityCreateCmd.Flags().StringVar(&importKeyFile, "import-key", "", "file holding a hex private key to import")
	identityBurnCmd.Flags().BoolVarP(&forceBurn, "force", "f", false, "skip the confirmation prompt")
	identityExportKeyCmd.Flags().BoolVarP(&forceExport, "force", "f", false, "skip the confirmation prompt")

	identityCmd.AddCommand(identityCreateCmd, identityListCmd, identityBurnCmd, identityExportKeyCmd)
	rootCmd.AddCommand(identityCmd)
}
