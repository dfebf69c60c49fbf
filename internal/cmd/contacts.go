package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/Trustflow-Network-Labs/inbox-node/internal/core"
)

var contactsCmd = &cobra.Command{
	Use:   "contacts",
	Short: "Resolve, import and export contacts of the active inbox",
}

// openActive restores the active inbox for a one-shot command.
func openActive(cmd *cobra.Command) (*core.Namespace, error) {
	if err := app.Inbox().Restore(cmd.Context()); err != nil {
		return nil, err
	}
	return app.Current()
}

var contactsResolveCmd = &cobra.Command{
	Use:   "resolve <address>",
	Short: "Resolve a wallet address to its inbox and profile",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ns, err := openActive(cmd)
		if err != nil {
			return err
		}
		c, err := ns.Contacts.ResolveAddress(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if c == nil {
			fmt.Println("That address is the active identity.")
			return nil
		}
		fmt.Printf("Inbox ID: %s\n", c.InboxID)
		fmt.Printf("Name:     %s\n", c.DisplayName())
		fmt.Printf("Source:   %s\n", c.Source)
		for _, a := range c.Addresses {
			fmt.Printf("Address:  %s\n", a.Checksum())
		}
		if c.InboxID.IsSynthetic() {
			fmt.Println("(not registered on the network yet)")
		}
		return nil
	},
}

var contactsImportCmd = &cobra.Command{
	Use:   "import <file.yaml>",
	Short: "Import contacts from a YAML file ('-' for stdin)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ns, err := openActive(cmd)
		if err != nil {
			return err
		}
		var in io.Reader = os.Stdin
		if args[0] != "-" {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			in = f
		}
		n, err := ns.Contacts.Import(in)
		if err != nil {
			return err
		}
		fmt.Printf("✓ Imported %d contacts\n", n)
		return nil
	},
}

var contactsExportCmd = &cobra.Command{
	Use:   "export <file.yaml>",
	Short: "Export contacts to a YAML file ('-' for stdout)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ns, err := openActive(cmd)
		if err != nil {
			return err
		}
		var out io.Writer = os.Stdout
		if args[0] != "-" {
			f, err := os.OpenFile(args[0], os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
			if err != nil {
				return err
			}
			defer f.Close()
			out = f
		}
		n, err := ns.Contacts.Export(out)
		if err != nil {
			return err
		}
		if args[0] != "-" {
			fmt.Printf("✓ Exported %d contacts to %s\n", n, args[0])
		}
		return nil
	},
}

func init() {
	contactsCmd.AddCommand(contactsResolveCmd, contactsImportCmd, contactsExportCmd)
	rootCmd.AddCommand(contactsCmd)
}
