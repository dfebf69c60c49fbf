package cmd

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/spf13/cobra"

	"github.com/Trustflow-Network-Labs/inbox-node/internal/utils"
)

var restartCmd = &cobra.Command{
	Use:         "restart",
	Short:       "Restart the inbox node in the background",
	Long:        "Stop the running inbox node gracefully and start it again as a detached process",
	Args:        cobra.NoArgs,
	Annotations: map[string]string{standalone: "true"},
	RunE: func(cmd *cobra.Command, args []string) error {
		pidManager := utils.NewPIDManager(config, paths)
		pid, err := stopRunning(pidManager)
		switch {
		case errors.Is(err, utils.ErrNotRunning):
			fmt.Println("No running node found, starting fresh...")
		case err != nil:
			logger.Error(err.Error(), "restart")
			return err
		default:
			fmt.Printf("Stopped node (PID %d)\n", pid)
			time.Sleep(time.Second)
		}

		exePath, err := os.Executable()
		if err != nil {
			return fmt.Errorf("failed to get executable path: %w", err)
		}
		startArgs := []string{"start"}
		if configPath != "" {
			startArgs = append(startArgs, "--config", configPath)
		}

		child := exec.Command(exePath, startArgs...)
		if err := child.Start(); err != nil {
			return fmt.Errorf("failed to start node: %w", err)
		}
		msg := fmt.Sprintf("Inbox node started with PID %d", child.Process.Pid)
		fmt.Println(msg)
		logger.Info(msg, "restart")
		return child.Process.Release()
	},
}

func init() {
	rootCmd.AddCommand(restartCmd)
}
