package utils

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// LogRotationConfig holds size based rotation settings
type LogRotationConfig struct {
	MaxSizeMB      int64
	MaxBackups     int
	EnableRotation bool
}

// LogsManager is the structured logger shared by every component. Each entry carries
// the component category and the caller's file:line.
type LogsManager struct {
	dir            string
	logFileName    string
	logger         *log.Logger
	file           *os.File
	mutex          sync.RWMutex
	rotationConfig LogRotationConfig
	fileSize       int64
}

// NewLogsManager opens the configured log file under the app log directory.
func NewLogsManager(cm *ConfigManager) *LogsManager {
	paths := GetAppPaths("")

	lm := &LogsManager{
		dir:         paths.LogDir,
		logFileName: cm.GetConfigWithDefault("logfile", "inbox-node.log"),
		logger:      log.New(),
		rotationConfig: LogRotationConfig{
			MaxSizeMB:      int64(cm.GetConfigInt("log_max_size_mb", 50, 1, 4096)),
			MaxBackups:     cm.GetConfigInt("log_max_backups", 5, 0, 1000),
			EnableRotation: cm.GetConfigBool("log_enable_rotation", true),
		},
	}

	if err := lm.openFile(); err != nil {
		panic(err)
	}
	lm.configure(cm.GetConfigWithDefault("log_level", "info"))

	return lm
}

// NewLogsManagerWithWriter logs to w instead of a file (CLI stderr output, tests).
func NewLogsManagerWithWriter(w io.Writer, level string) *LogsManager {
	lm := &LogsManager{logger: log.New()}
	lm.logger.SetOutput(w)
	lm.configure(level)
	return lm
}

func (lm *LogsManager) configure(levelStr string) {
	level, err := log.ParseLevel(levelStr)
	if err != nil {
		fmt.Printf("Invalid log level '%s', defaulting to 'info'\n", levelStr)
		level = log.InfoLevel
	}
	lm.logger.SetLevel(level)
	lm.logger.SetFormatter(&log.JSONFormatter{})
}

func (lm *LogsManager) openFile() error {
	path := filepath.Join(lm.dir, filepath.FromSlash(lm.logFileName))
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return err
	}

	lm.file = file
	if stat, err := file.Stat(); err == nil {
		lm.fileSize = stat.Size()
	}
	lm.logger.SetOutput(file)
	return nil
}

func fileInfo(skip int) string {
	_, file, line, ok := runtime.Caller(skip)
	if !ok {
		return "<???>:1"
	}
	if slash := strings.LastIndex(file, "/"); slash >= 0 {
		file = file[slash+1:]
	}
	return fmt.Sprintf("%s:%d", file, line)
}

func (lm *LogsManager) Log(level string, message string, category string) {
	lm.write(level, message, category, nil)
}

// LogFields logs with extra structured fields next to category and file.
func (lm *LogsManager) LogFields(level string, message string, category string, fields log.Fields) {
	lm.write(level, message, category, fields)
}

// write must be called directly by the exported helpers so the caller frame stays at depth 3.
func (lm *LogsManager) write(level string, message string, category string, fields log.Fields) {
	if lm == nil {
		return
	}
	if lm.rotationConfig.EnableRotation && lm.file != nil {
		lm.checkAndRotate()
	}

	lm.mutex.RLock()
	defer lm.mutex.RUnlock()

	entry := lm.logger.WithFields(log.Fields{
		"category": category,
		"file":     fileInfo(3),
	})
	if len(fields) > 0 {
		entry = entry.WithFields(fields)
	}

	switch level {
	case "trace":
		entry.Trace(message)
	case "debug":
		entry.Debug(message)
	case "warn":
		entry.Warn(message)
	case "error":
		entry.Error(message)
	default:
		entry.Info(message)
	}

	lm.fileSize += int64(len(message) + 100)
}

func (lm *LogsManager) Debug(message string, category string) {
	lm.write("debug", message, category, nil)
}

func (lm *LogsManager) Info(message string, category string) {
	lm.write("info", message, category, nil)
}

func (lm *LogsManager) Warn(message string, category string) {
	lm.write("warn", message, category, nil)
}

func (lm *LogsManager) Error(message string, category string) {
	lm.write("error", message, category, nil)
}

// Close closes the log file - call this when shutting down
func (lm *LogsManager) Close() error {
	if lm == nil {
		return nil
	}
	lm.mutex.Lock()
	defer lm.mutex.Unlock()

	if lm.file != nil {
		err := lm.file.Close()
		lm.file = nil
		lm.logger.SetOutput(io.Discard)
		return err
	}
	return nil
}

func (lm *LogsManager) checkAndRotate() {
	if lm.rotationConfig.MaxSizeMB <= 0 || lm.fileSize <= lm.rotationConfig.MaxSizeMB*1024*1024 {
		return
	}

	lm.mutex.Lock()
	defer lm.mutex.Unlock()

	if lm.file == nil {
		return
	}

	backupName := fmt.Sprintf("%s.%s.bak", lm.logFileName, time.Now().Format("2006-01-02_15-04-05"))
	currentPath := filepath.Join(lm.dir, lm.logFileName)

	lm.file.Close()
	lm.file = nil

	if err := os.Rename(currentPath, filepath.Join(lm.dir, backupName)); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create log backup %s: %v\n", backupName, err)
	}
	if err := lm.openFile(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to reopen log after rotation: %v\n", err)
		lm.logger.SetOutput(os.Stderr)
		return
	}
	lm.fileSize = 0
	lm.pruneBackups()

	lm.logger.WithFields(log.Fields{"category": "logrotate", "backup": backupName}).Info("Log rotated")
}

// pruneBackups keeps at most MaxBackups rotated files (oldest removed first).
func (lm *LogsManager) pruneBackups() {
	if lm.rotationConfig.MaxBackups <= 0 {
		return
	}
	files, err := filepath.Glob(filepath.Join(lm.dir, lm.logFileName+"*.bak"))
	if err != nil || len(files) <= lm.rotationConfig.MaxBackups {
		return
	}
	// timestamped names sort chronologically
	for _, f := range files[:len(files)-lm.rotationConfig.MaxBackups] {
		os.Remove(f)
	}
}

// SetLogLevel updates the log level at runtime
func (lm *LogsManager) SetLogLevel(levelStr string) error {
	level, err := log.ParseLevel(levelStr)
	if err != nil {
		return fmt.Errorf("invalid log level '%s': %w", levelStr, err)
	}

	lm.mutex.Lock()
	defer lm.mutex.Unlock()
	lm.logger.SetLevel(level)
	return nil
}

// ShortID trims long identifiers for log lines.
func ShortID(id string) string {
	if len(id) <= 10 {
		return id
	}
	return id[:10]
}
