package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Trustflow-Network-Labs/inbox-node/internal/inbox"
	"github.com/Trustflow-Network-Labs/inbox-node/internal/session"
	"github.com/Trustflow-Network-Labs/inbox-node/internal/utils"
)

var noHistory bool

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Open the active inbox and stream until stopped",
	Long: `Open the active inbox and keep it in sync with the network.

This will:
- Consume a pending inbox-switch marker, or reopen the last inbox
- Unlock the identity key from the vault and connect the session
- Sync the conversation list and, on first open, backfill history
- Stream live events into local storage until SIGINT or SIGTERM`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if noHistory {
			config.SetConfig("enable_history_sync", false)
		}

		pidManager := utils.NewPIDManager(config, paths)
		if existing, err := pidManager.ReadPID(); err == nil {
			if pidManager.IsProcessRunning(existing) {
				return fmt.Errorf("another instance is already running with PID %d (use 'inbox-node stop')", existing)
			}
			pidManager.RemovePIDFile()
		}
		if err := pidManager.WritePID(os.Getpid()); err != nil {
			return fmt.Errorf("failed to write PID file: %w", err)
		}
		defer func() {
			if err := pidManager.RemovePIDFile(); err != nil {
				logger.Warn(err.Error(), "cli")
			}
		}()

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := app.Inbox().Restore(ctx); err != nil {
			if errors.Is(err, inbox.ErrNoInbox) {
				return fmt.Errorf("%w: run 'inbox-node identity create' first", err)
			}
			return err
		}
		ns, err := app.Current()
		if err != nil {
			return err
		}
		if ns.Session.State() == session.StateError {
			return fmt.Errorf("session failed: %w", ns.Session.LastError())
		}

		ns.Session.OnProgress(func(p session.Progress) {
			logger.Info(fmt.Sprintf("Session %s (%d%%)", p.State, p.Percent), "cli")
		})
		fmt.Printf("Inbox %s is streaming with %d conversations. Press Ctrl+C to stop.\n",
			ns.ID, len(ns.Chat.ListConversations()))

		ns.Session.Wait(ctx)
		logger.Info("Shutdown signal received, closing inbox...", "cli")
		return nil
	},
}

func init() {
	startCmd.Flags().BoolVar(&noHistory, "no-history", false, "skip history backfill on first open")
	rootCmd.AddCommand(startCmd)
}
