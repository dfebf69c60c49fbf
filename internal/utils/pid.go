package utils

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// ErrNotRunning means no PID file exists.
var ErrNotRunning = errors.New("PID file does not exist - node is not running")

// PIDManager guards a single running node per data directory.
type PIDManager struct {
	path string
}

func NewPIDManager(cm *ConfigManager, paths *AppPaths) *PIDManager {
	name := filepath.FromSlash(cm.GetConfigWithDefault("pid_path", DefaultAppName+".pid"))
	if filepath.IsAbs(name) {
		return &PIDManager{path: name}
	}
	return &PIDManager{path: filepath.Join(paths.DataDir, name)}
}

func (p *PIDManager) Path() string { return p.path }

func (p *PIDManager) WritePID(pid int) error {
	if err := os.MkdirAll(filepath.Dir(p.path), 0755); err != nil {
		return fmt.Errorf("failed to create directory for PID file: %w", err)
	}
	return os.WriteFile(p.path, []byte(strconv.Itoa(pid)), 0644)
}

func (p *PIDManager) ReadPID() (int, error) {
	data, err := os.ReadFile(p.path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, ErrNotRunning
		}
		return 0, fmt.Errorf("failed to read PID file: %w", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid PID format in file: %w", err)
	}
	return pid, nil
}

// StopProcess sends SIGTERM and escalates to SIGKILL after grace.
func (p *PIDManager) StopProcess(pid int, grace time.Duration) error {
	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("failed to find process with PID %d: %w", pid, err)
	}
	if runtime.GOOS == "windows" {
		return process.Kill()
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("failed to send SIGTERM to process %d: %w", pid, err)
	}
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	timeout := time.After(grace)
	for {
		select {
		case <-timeout:
			return process.Signal(syscall.SIGKILL)
		case <-ticker.C:
			if process.Signal(syscall.Signal(0)) != nil {
				return nil
			}
		}
	}
}

func (p *PIDManager) RemovePIDFile() error {
	if err := os.Remove(p.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove PID file: %w", err)
	}
	return nil
}

func (p *PIDManager) IsProcessRunning(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	if runtime.GOOS == "windows" {
		return true
	}
	return process.Signal(syscall.Signal(0)) == nil
}
