package cmd

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/Trustflow-Network-Labs/inbox-node/internal/utils"
)

var stopCmd = &cobra.Command{
	Use:         "stop",
	Aliases:     []string{"kill"},
	Short:       "Stop the running inbox node",
	Long:        "Stop the running inbox node by sending a graceful termination signal",
	Args:        cobra.NoArgs,
	Annotations: map[string]string{standalone: "true"},
	RunE: func(cmd *cobra.Command, args []string) error {
		pidManager := utils.NewPIDManager(config, paths)
		pid, err := stopRunning(pidManager)
		if errors.Is(err, utils.ErrNotRunning) {
			fmt.Println("No running node found")
			return nil
		}
		if err != nil {
			logger.Error(err.Error(), "stop")
			return err
		}
		msg := fmt.Sprintf("Inbox node (PID %d) stopped", pid)
		fmt.Println(msg)
		logger.Info(msg, "stop")
		return nil
	},
}

// stopRunning terminates the recorded process and removes a stale or used PID file.
func stopRunning(pm *utils.PIDManager) (int, error) {
	pid, err := pm.ReadPID()
	if err != nil {
		return 0, err
	}
	if !pm.IsProcessRunning(pid) {
		if err := pm.RemovePIDFile(); err != nil {
			return 0, err
		}
		return 0, utils.ErrNotRunning
	}
	if err := pm.StopProcess(pid, 10*time.Second); err != nil {
		return pid, fmt.Errorf("failed to stop process %d: %w", pid, err)
	}
	return pid, pm.RemovePIDFile()
}

func init() {
	rootCmd.AddCommand(stopCmd)
}
