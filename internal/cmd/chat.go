package cmd

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "List conversations and send messages from the active inbox",
}

var chatListCmd = &cobra.Command{
	Use:   "list",
	Short: "List conversations, most recent first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ns, err := openActive(cmd)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tUNREAD\tLAST MESSAGE\tPREVIEW")
		for _, c := range ns.Chat.ListConversations() {
			last := "-"
			if !c.LastMessageAt.IsZero() {
				last = c.LastMessageAt.Local().Format(time.DateTime)
			}
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n", c.ID, c.Name, c.UnreadCount, last, c.LastMessagePreview)
		}
		return w.Flush()
	},
}

var chatSendCmd = &cobra.Command{
	Use:   "send <address|inbox-id> <message...>",
	Short: "Send a text message, starting the conversation if needed",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ns, err := openActive(cmd)
		if err != nil {
			return err
		}
		conv, err := ns.Chat.StartConversation(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		msg, err := ns.Chat.Send(cmd.Context(), conv.ID, strings.Join(args[1:], " "), nil)
		if err != nil {
			return err
		}
		fmt.Printf("✓ Sent %s to %s (%s)\n", msg.ID, conv.Name, msg.Status)
		return nil
	},
}

func init() {
	chatCmd.AddCommand(chatListCmd, chatSendCmd)
	rootCmd.AddCommand(chatCmd)
}
