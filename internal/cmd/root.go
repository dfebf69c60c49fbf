package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Trustflow-Network-Labs/inbox-node/internal/core"
	"github.com/Trustflow-Network-Labs/inbox-node/internal/database"
	"github.com/Trustflow-Network-Labs/inbox-node/internal/protocol/gateway"
	"github.com/Trustflow-Network-Labs/inbox-node/internal/utils"
	"github.com/Trustflow-Network-Labs/inbox-node/internal/vault"
)

// commands annotated with this key run without opening storage
const standalone = "standalone"

var (
	configPath string
	config     *utils.ConfigManager
	logger     *utils.LogsManager
	paths      *utils.AppPaths
	global     *database.GlobalDB
	app        *core.App
)

var rootCmd = &cobra.Command{
	Use:   "inbox-node",
	Short: "Local-first messaging inbox node",
	Long: `A local-first inbox for a wallet-addressed messaging network.

The node keeps conversations, messages and contact profiles in a per-inbox
SQLite namespace and reconciles them with the network through a session
gateway: conversation sync, history backfill and the live event stream all
feed one ingestion pipeline.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		config = utils.NewConfigManager(configPath)
		logger = utils.NewLogsManager(config)
		paths = utils.GetAppPaths("")

		if cmd.Annotations[standalone] != "" {
			return nil
		}

		var err error
		global, err = database.OpenGlobal(paths.DataDir, logger)
		if err != nil {
			return fmt.Errorf("failed to open device database: %w", err)
		}
		client := gateway.NewClient(gateway.ConfigFrom(config), logger)
		app = core.NewApp(config, logger, paths, global, client, vault.PassphraseChain(config, logger))
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if app != nil {
			if err := app.Close(context.Background()); err != nil {
				logger.Warn(fmt.Sprintf("Closing inbox: %v", err), "cli")
			}
		}
		if global != nil {
			global.Close()
		}
		if logger != nil {
			logger.Close()
		}
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// confirm asks a yes/no question on stdin.
func confirm(question string) bool {
	fmt.Printf("%s (yes/no): ", question)
	var response string
	fmt.Scanln(&response)
	switch response {
	case "yes", "y", "YES", "Y":
		return true
	}
	return false
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
}
